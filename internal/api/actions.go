package api

import (
	"context"
	"net/http"

	"github.com/gagliardetto/solana-go"

	"github.com/atmx/perp-engine/internal/action"
	"github.com/atmx/perp-engine/internal/num"
)

// ExecuteRequest is the JSON body of every execute route. The body may
// be empty, which executes softly.
type ExecuteRequest struct {
	ThrowOnError bool `json:"throw_on_error"`
}

// AdlRequest is the JSON body for POST /positions/{addr}/adl.
type AdlRequest struct {
	SizeDeltaUSD num.Num `json:"size_delta_usd"`
}

// create decodes a params body of type P and runs fn with the signer as
// owner.
func create[P, T any](s *Server, w http.ResponseWriter, r *http.Request, kind string, fn func(ctx context.Context, owner solana.PublicKey, p P) (*T, error)) {
	owner, err := signer(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var p P
	if err := decode(r, &p); err != nil {
		writeError(w, err)
		return
	}
	out, err := fn(r.Context(), owner, p)
	if err != nil {
		writeError(w, err)
		return
	}
	s.log.Debug("action created", "kind", kind, "owner", owner)
	writeJSON(w, http.StatusCreated, out)
}

func get[T any](w http.ResponseWriter, r *http.Request, fn func(addr solana.PublicKey) (*T, error)) {
	addr, err := keyParam(r, "addr")
	if err != nil {
		writeError(w, err)
		return
	}
	out, err := fn(addr)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) execute(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, keeper, addr solana.PublicKey, throwOnError bool) error) {
	s.signed(w, r, func(keeper solana.PublicKey) error {
		addr, err := keyParam(r, "addr")
		if err != nil {
			return err
		}
		var req ExecuteRequest
		if err := decodeOptional(r, &req); err != nil {
			return err
		}
		return fn(r.Context(), keeper, addr, req.ThrowOnError)
	})
}

func (s *Server) closeAction(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, signer, addr solana.PublicKey) error) {
	s.signed(w, r, func(sig solana.PublicKey) error {
		addr, err := keyParam(r, "addr")
		if err != nil {
			return err
		}
		return fn(r.Context(), sig, addr)
	})
}

// --- Deposits ---

// CreateDeposit handles POST /api/v1/deposits
func (s *Server) CreateDeposit(w http.ResponseWriter, r *http.Request) {
	create(s, w, r, "deposit", s.x.CreateDeposit)
}

func (s *Server) GetDeposit(w http.ResponseWriter, r *http.Request) { get(w, r, s.x.Deposit) }

// ExecuteDeposit handles POST /api/v1/deposits/{addr}/execute
func (s *Server) ExecuteDeposit(w http.ResponseWriter, r *http.Request) {
	s.execute(w, r, s.x.ExecuteDeposit)
}

// CloseDeposit handles DELETE /api/v1/deposits/{addr}
func (s *Server) CloseDeposit(w http.ResponseWriter, r *http.Request) {
	s.closeAction(w, r, s.x.CloseDeposit)
}

// --- Withdrawals ---

func (s *Server) CreateWithdrawal(w http.ResponseWriter, r *http.Request) {
	create(s, w, r, "withdrawal", s.x.CreateWithdrawal)
}

func (s *Server) GetWithdrawal(w http.ResponseWriter, r *http.Request) { get(w, r, s.x.Withdrawal) }

func (s *Server) ExecuteWithdrawal(w http.ResponseWriter, r *http.Request) {
	s.execute(w, r, s.x.ExecuteWithdrawal)
}

func (s *Server) CloseWithdrawal(w http.ResponseWriter, r *http.Request) {
	s.closeAction(w, r, s.x.CloseWithdrawal)
}

// --- Shifts ---

func (s *Server) CreateShift(w http.ResponseWriter, r *http.Request) {
	create(s, w, r, "shift", s.x.CreateShift)
}

func (s *Server) GetShift(w http.ResponseWriter, r *http.Request) { get(w, r, s.x.Shift) }

func (s *Server) ExecuteShift(w http.ResponseWriter, r *http.Request) {
	s.execute(w, r, s.x.ExecuteShift)
}

func (s *Server) CloseShift(w http.ResponseWriter, r *http.Request) {
	s.closeAction(w, r, s.x.CloseShift)
}

// --- Orders ---

// CreateOrder handles POST /api/v1/orders
func (s *Server) CreateOrder(w http.ResponseWriter, r *http.Request) {
	create(s, w, r, "order", s.x.CreateOrder)
}

func (s *Server) GetOrder(w http.ResponseWriter, r *http.Request) { get(w, r, s.x.Order) }

// UpdateOrder handles PUT /api/v1/orders/{addr}
func (s *Server) UpdateOrder(w http.ResponseWriter, r *http.Request) {
	s.signed(w, r, func(owner solana.PublicKey) error {
		addr, err := keyParam(r, "addr")
		if err != nil {
			return err
		}
		var req action.UpdateParams
		if err := decode(r, &req); err != nil {
			return err
		}
		return s.x.UpdateOrder(r.Context(), owner, addr, req)
	})
}

func (s *Server) ExecuteOrder(w http.ResponseWriter, r *http.Request) {
	s.execute(w, r, s.x.ExecuteOrder)
}

func (s *Server) CloseOrder(w http.ResponseWriter, r *http.Request) {
	s.closeAction(w, r, s.x.CloseOrder)
}

// --- Cuts ---

// Liquidate handles POST /api/v1/positions/{addr}/liquidate
func (s *Server) Liquidate(w http.ResponseWriter, r *http.Request) {
	keeper, err := signer(r)
	if err != nil {
		writeError(w, err)
		return
	}
	addr, err := keyParam(r, "addr")
	if err != nil {
		writeError(w, err)
		return
	}
	report, err := s.x.Liquidate(r.Context(), keeper, addr)
	if err != nil {
		writeError(w, err)
		return
	}
	s.log.Info("position liquidated", "position", addr, "keeper", keeper)
	writeJSON(w, http.StatusOK, report)
}

// AutoDeleverage handles POST /api/v1/positions/{addr}/adl
func (s *Server) AutoDeleverage(w http.ResponseWriter, r *http.Request) {
	keeper, err := signer(r)
	if err != nil {
		writeError(w, err)
		return
	}
	addr, err := keyParam(r, "addr")
	if err != nil {
		writeError(w, err)
		return
	}
	var req AdlRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	report, err := s.x.AutoDeleverage(r.Context(), keeper, addr, req.SizeDeltaUSD)
	if err != nil {
		writeError(w, err)
		return
	}
	s.log.Info("position deleveraged", "position", addr, "keeper", keeper, "size_delta_usd", req.SizeDeltaUSD)
	writeJSON(w, http.StatusOK, report)
}
