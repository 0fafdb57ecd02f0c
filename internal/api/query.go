package api

import (
	"net/http"
	"strconv"

	"github.com/gagliardetto/solana-go"

	"github.com/atmx/perp-engine/internal/exchange"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/registry"
	"github.com/atmx/perp-engine/internal/store"
)

// BalancesResponse is the body of GET /accounts/{addr}/balances.
type BalancesResponse struct {
	Owner    solana.PublicKey        `json:"owner"`
	Lamports uint64                  `json:"lamports"`
	Tokens   []registry.TokenAccount `json:"tokens"`
}

// ListPositions handles GET /api/v1/positions?owner=
func (s *Server) ListPositions(w http.ResponseWriter, r *http.Request) {
	var owner solana.PublicKey
	if raw := r.URL.Query().Get("owner"); raw != "" {
		pk, err := solana.PublicKeyFromBase58(raw)
		if err != nil {
			writeError(w, &badRequest{msg: "invalid owner: " + err.Error()})
			return
		}
		owner = pk
	}
	out, err := s.x.Positions(owner)
	if err != nil {
		writeError(w, err)
		return
	}
	if out == nil {
		out = []model.PositionSummary{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) GetPosition(w http.ResponseWriter, r *http.Request) { get(w, r, s.x.Position) }

// ScanLiquidations handles GET /api/v1/liquidations
func (s *Server) ScanLiquidations(w http.ResponseWriter, r *http.Request) {
	out, err := s.x.ScanLiquidations(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if out == nil {
		out = []exchange.LiquidationCandidate{}
	}
	writeJSON(w, http.StatusOK, out)
}

// ListActions handles GET /api/v1/actions
func (s *Server) ListActions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, exchange.Summaries(s.x.PendingActions()))
}

// GetAccount handles GET /api/v1/accounts/{addr}. It returns the
// persisted layout of any account, decoded.
func (s *Server) GetAccount(w http.ResponseWriter, r *http.Request) {
	addr, err := keyParam(r, "addr")
	if err != nil {
		writeError(w, err)
		return
	}
	view, err := s.x.Account(r.Context(), addr)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// GetBalances handles GET /api/v1/accounts/{addr}/balances
func (s *Server) GetBalances(w http.ResponseWriter, r *http.Request) {
	owner, err := keyParam(r, "addr")
	if err != nil {
		writeError(w, err)
		return
	}
	tokens := s.x.Balances(owner)
	if tokens == nil {
		tokens = []registry.TokenAccount{}
	}
	writeJSON(w, http.StatusOK, BalancesResponse{
		Owner:    owner,
		Lamports: s.x.Lamports(owner),
		Tokens:   tokens,
	})
}

// ListEvents handles GET /api/v1/events?action=&market=&limit=
func (s *Server) ListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.EventFilter{Action: q.Get("action"), Market: q.Get("market"), Limit: 100}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, &badRequest{msg: "invalid limit: " + raw})
			return
		}
		f.Limit = n
	}
	out, err := s.x.Events(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	if out == nil {
		out = []model.Event{}
	}
	writeJSON(w, http.StatusOK, out)
}
