// Package api exposes the exchange entry points over HTTP. Callers name
// the signing account in the X-Signer header; the engine has no
// signature scheme of its own, so the header stands in for the
// transaction signer.
//
// All amounts travel as base-10 strings of smallest units.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gagliardetto/solana-go"
	"github.com/go-chi/chi/v5"

	"github.com/atmx/perp-engine/internal/exchange"
	"github.com/atmx/perp-engine/internal/oracle"
	"github.com/atmx/perp-engine/internal/registry"
	"github.com/atmx/perp-engine/internal/store"
)

// SignerHeader carries the base58 address of the signing account.
const SignerHeader = "X-Signer"

// Server handles HTTP requests against one exchange.
type Server struct {
	x      *exchange.Exchange
	prices *oracle.StaticAdapter // optional; enables POST /prices
	hub    *WSHub                // optional; enables GET /ws
	log    *slog.Logger
}

// NewServer creates a server. Pass nil for prices or hub to leave the
// price posting or websocket routes out.
func NewServer(x *exchange.Exchange, prices *oracle.StaticAdapter, hub *WSHub, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{x: x, prices: prices, hub: hub, log: log}
}

// Mount registers every route on r.
func (s *Server) Mount(r chi.Router) {
	if s.hub != nil {
		r.Get("/ws", s.hub.HandleWS)
	}

	r.Route("/store", func(r chi.Router) {
		r.Get("/", s.GetStore)
		r.Post("/", s.InitStore)
		r.Post("/roles", s.InitRoles)
		r.Post("/roles/{role}/enable", s.EnableRole)
		r.Post("/roles/{role}/disable", s.DisableRole)
		r.Post("/members/{member}/roles/{role}", s.GrantRole)
		r.Delete("/members/{member}/roles/{role}", s.RevokeRole)
		r.Post("/authority", s.TransferAuthority)
		r.Post("/authority/accept", s.AcceptAuthority)
		r.Post("/receiver", s.TransferReceiver)
		r.Post("/receiver/accept", s.AcceptReceiver)
		r.Put("/tokens/{token}", s.InsertTokenConfig)
		r.Put("/settings", s.UpdateSettings)
		r.Post("/features", s.ToggleFeature)
		r.Post("/restart", s.Restart)
		r.Post("/callback-authority", s.InitCallbackAuthority)
	})

	r.Get("/markets", s.ListMarkets)
	r.Post("/markets", s.InitMarket)
	r.Get("/markets/{token}", s.GetMarket)
	r.Post("/markets/{token}/toggle", s.ToggleMarket)
	r.Put("/markets/{token}/config", s.UpdateMarketConfig)
	r.Post("/markets/{token}/virtual-inventory", s.LinkVirtualInventory)
	r.Post("/virtual-inventories", s.InitVirtualInventory)

	r.Post("/faucet/mint", s.Mint)
	r.Post("/faucet/airdrop", s.Airdrop)
	if s.prices != nil {
		r.Post("/prices/{token}", s.PostPrice)
	}

	r.Post("/deposits", s.CreateDeposit)
	r.Get("/deposits/{addr}", s.GetDeposit)
	r.Post("/deposits/{addr}/execute", s.ExecuteDeposit)
	r.Delete("/deposits/{addr}", s.CloseDeposit)

	r.Post("/withdrawals", s.CreateWithdrawal)
	r.Get("/withdrawals/{addr}", s.GetWithdrawal)
	r.Post("/withdrawals/{addr}/execute", s.ExecuteWithdrawal)
	r.Delete("/withdrawals/{addr}", s.CloseWithdrawal)

	r.Post("/shifts", s.CreateShift)
	r.Get("/shifts/{addr}", s.GetShift)
	r.Post("/shifts/{addr}/execute", s.ExecuteShift)
	r.Delete("/shifts/{addr}", s.CloseShift)

	r.Post("/orders", s.CreateOrder)
	r.Get("/orders/{addr}", s.GetOrder)
	r.Put("/orders/{addr}", s.UpdateOrder)
	r.Post("/orders/{addr}/execute", s.ExecuteOrder)
	r.Delete("/orders/{addr}", s.CloseOrder)

	r.Get("/positions", s.ListPositions)
	r.Get("/positions/{addr}", s.GetPosition)
	r.Post("/positions/{addr}/liquidate", s.Liquidate)
	r.Post("/positions/{addr}/adl", s.AutoDeleverage)
	r.Get("/liquidations", s.ScanLiquidations)

	r.Get("/actions", s.ListActions)
	r.Get("/accounts/{addr}", s.GetAccount)
	r.Get("/accounts/{addr}/balances", s.GetBalances)
	r.Get("/events", s.ListEvents)
}

// Router returns a chi router with every route under /api/v1.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Route("/api/v1", s.Mount)
	return r
}

// --- helpers ---

func signer(r *http.Request) (solana.PublicKey, error) {
	raw := r.Header.Get(SignerHeader)
	if raw == "" {
		return solana.PublicKey{}, errMissingSigner
	}
	pk, err := solana.PublicKeyFromBase58(raw)
	if err != nil {
		return solana.PublicKey{}, errMissingSigner
	}
	return pk, nil
}

var errMissingSigner = errors.New("api: missing or invalid " + SignerHeader + " header")

func keyParam(r *http.Request, name string) (solana.PublicKey, error) {
	pk, err := solana.PublicKeyFromBase58(chi.URLParam(r, name))
	if err != nil {
		return solana.PublicKey{}, &badRequest{msg: "invalid " + name + ": " + err.Error()}
	}
	return pk, nil
}

type badRequest struct{ msg string }

func (e *badRequest) Error() string { return e.msg }

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return &badRequest{msg: "invalid request body: " + err.Error()}
	}
	return nil
}

// decodeOptional is decode for bodies that may be empty.
func decodeOptional(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return &badRequest{msg: "invalid request body: " + err.Error()}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response with a status derived from the
// error class.
func writeError(w http.ResponseWriter, err error) {
	kind := exchange.Classify(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusOf(err, kind))
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error(), "class": kind.String()})
}

var notFound = []error{
	registry.ErrMarketNotFound, registry.ErrPositionNotFound, registry.ErrActionNotFound,
	registry.ErrInventoryNotFound, registry.ErrAccountNotFound, registry.ErrTokenNotFound,
	registry.ErrStoreNotInitialized, store.ErrNotFound,
}

func statusOf(err error, kind exchange.Kind) int {
	var br *badRequest
	if errors.As(err, &br) {
		return http.StatusBadRequest
	}
	if errors.Is(err, errMissingSigner) {
		return http.StatusUnauthorized
	}
	for _, target := range notFound {
		if errors.Is(err, target) {
			return http.StatusNotFound
		}
	}
	switch kind {
	case exchange.KindShape:
		return http.StatusBadRequest
	case exchange.KindAuthorization:
		return http.StatusForbidden
	case exchange.KindState:
		return http.StatusConflict
	case exchange.KindOracle:
		return http.StatusServiceUnavailable
	case exchange.KindArithmetic, exchange.KindInvariant:
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

// okBody is the body of entry points that return nothing else.
var okBody = map[string]string{"status": "ok"}
