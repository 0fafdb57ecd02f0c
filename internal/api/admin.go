package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/exchange"
	"github.com/atmx/perp-engine/internal/feature"
	"github.com/atmx/perp-engine/internal/market"
	"github.com/atmx/perp-engine/internal/num"
	"github.com/atmx/perp-engine/internal/oracle"
	"github.com/atmx/perp-engine/internal/registry"
)

// --- Request types ---

// InitStoreRequest is the JSON body for POST /store. The signer becomes
// the store authority.
type InitStoreRequest struct {
	Key string `json:"key"`
}

// TransferRequest names the proposed next authority or receiver.
type TransferRequest struct {
	Next solana.PublicKey `json:"next"`
}

// FeatureRequest toggles one domain and action pair.
type FeatureRequest struct {
	Domain  string `json:"domain"`
	Action  string `json:"action"`
	Enabled bool   `json:"enabled"`
}

type ToggleRequest struct {
	Enabled bool `json:"enabled"`
}

// VirtualInventoryRequest creates a virtual inventory; kind is "swaps"
// or "positions".
type VirtualInventoryRequest struct {
	Kind  string `json:"kind"`
	Index uint32 `json:"index"`
}

type LinkRequest struct {
	Inventory solana.PublicKey `json:"inventory"`
}

type MintRequest struct {
	Owner  solana.PublicKey `json:"owner"`
	Mint   solana.PublicKey `json:"mint"`
	Amount num.Num          `json:"amount"`
}

type AirdropRequest struct {
	Owner    solana.PublicKey `json:"owner"`
	Lamports uint64           `json:"lamports"`
}

// PriceRequest posts a static report. A zero Ts means now.
type PriceRequest struct {
	Min num.Decimal `json:"min"`
	Max num.Decimal `json:"max"`
	Ts  int64       `json:"ts,omitempty"`
}

// --- Store ---

// GetStore handles GET /api/v1/store
func (s *Server) GetStore(w http.ResponseWriter, r *http.Request) {
	st, err := s.x.StoreInfo()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// InitStore handles POST /api/v1/store
func (s *Server) InitStore(w http.ResponseWriter, r *http.Request) {
	authority, err := signer(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req InitStoreRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	addr, err := s.x.InitStore(r.Context(), authority, req.Key)
	if err != nil {
		writeError(w, err)
		return
	}
	s.log.Info("store created", "address", addr, "authority", authority, "key", req.Key)
	writeJSON(w, http.StatusCreated, map[string]string{"address": addr.String()})
}

// signed runs fn with the signer and answers ok.
func (s *Server) signed(w http.ResponseWriter, r *http.Request, fn func(signer solana.PublicKey) error) {
	sig, err := signer(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := fn(sig); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, okBody)
}

func roleParam(r *http.Request) (registry.Role, error) {
	role, err := registry.ParseRole(chi.URLParam(r, "role"))
	if err != nil {
		return "", &badRequest{msg: err.Error()}
	}
	return role, nil
}

func (s *Server) InitRoles(w http.ResponseWriter, r *http.Request) {
	s.signed(w, r, func(sig solana.PublicKey) error { return s.x.InitRoles(r.Context(), sig) })
}

func (s *Server) EnableRole(w http.ResponseWriter, r *http.Request) {
	s.signed(w, r, func(sig solana.PublicKey) error {
		role, err := roleParam(r)
		if err != nil {
			return err
		}
		return s.x.EnableRole(r.Context(), sig, role)
	})
}

func (s *Server) DisableRole(w http.ResponseWriter, r *http.Request) {
	s.signed(w, r, func(sig solana.PublicKey) error {
		role, err := roleParam(r)
		if err != nil {
			return err
		}
		return s.x.DisableRole(r.Context(), sig, role)
	})
}

// GrantRole handles POST /api/v1/store/members/{member}/roles/{role}
func (s *Server) GrantRole(w http.ResponseWriter, r *http.Request) {
	s.signed(w, r, func(sig solana.PublicKey) error {
		member, err := keyParam(r, "member")
		if err != nil {
			return err
		}
		role, err := roleParam(r)
		if err != nil {
			return err
		}
		return s.x.GrantRole(r.Context(), sig, member, role)
	})
}

// RevokeRole handles DELETE /api/v1/store/members/{member}/roles/{role}
func (s *Server) RevokeRole(w http.ResponseWriter, r *http.Request) {
	s.signed(w, r, func(sig solana.PublicKey) error {
		member, err := keyParam(r, "member")
		if err != nil {
			return err
		}
		role, err := roleParam(r)
		if err != nil {
			return err
		}
		return s.x.RevokeRole(r.Context(), sig, member, role)
	})
}

func (s *Server) TransferAuthority(w http.ResponseWriter, r *http.Request) {
	s.signed(w, r, func(sig solana.PublicKey) error {
		var req TransferRequest
		if err := decode(r, &req); err != nil {
			return err
		}
		return s.x.TransferStoreAuthority(r.Context(), sig, req.Next)
	})
}

func (s *Server) AcceptAuthority(w http.ResponseWriter, r *http.Request) {
	s.signed(w, r, func(sig solana.PublicKey) error { return s.x.AcceptStoreAuthority(r.Context(), sig) })
}

func (s *Server) TransferReceiver(w http.ResponseWriter, r *http.Request) {
	s.signed(w, r, func(sig solana.PublicKey) error {
		var req TransferRequest
		if err := decode(r, &req); err != nil {
			return err
		}
		return s.x.TransferReceiver(r.Context(), sig, req.Next)
	})
}

func (s *Server) AcceptReceiver(w http.ResponseWriter, r *http.Request) {
	s.signed(w, r, func(sig solana.PublicKey) error { return s.x.AcceptReceiver(r.Context(), sig) })
}

// InsertTokenConfig handles PUT /api/v1/store/tokens/{token}
func (s *Server) InsertTokenConfig(w http.ResponseWriter, r *http.Request) {
	s.signed(w, r, func(sig solana.PublicKey) error {
		token, err := keyParam(r, "token")
		if err != nil {
			return err
		}
		var cfg oracle.TokenConfig
		if err := decode(r, &cfg); err != nil {
			return err
		}
		return s.x.InsertTokenConfig(r.Context(), sig, token, cfg)
	})
}

func (s *Server) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	s.signed(w, r, func(sig solana.PublicKey) error {
		var req exchange.StoreSettings
		if err := decode(r, &req); err != nil {
			return err
		}
		return s.x.UpdateStoreSettings(r.Context(), sig, req)
	})
}

// ToggleFeature handles POST /api/v1/store/features
func (s *Server) ToggleFeature(w http.ResponseWriter, r *http.Request) {
	s.signed(w, r, func(sig solana.PublicKey) error {
		var req FeatureRequest
		if err := decode(r, &req); err != nil {
			return err
		}
		d, err := feature.ParseDomain(req.Domain)
		if err != nil {
			return &badRequest{msg: err.Error()}
		}
		a, err := feature.ParseAction(req.Action)
		if err != nil {
			return &badRequest{msg: err.Error()}
		}
		return s.x.ToggleFeature(r.Context(), sig, d, a, req.Enabled)
	})
}

// Restart handles POST /api/v1/store/restart
func (s *Server) Restart(w http.ResponseWriter, r *http.Request) {
	sig, err := signer(r)
	if err != nil {
		writeError(w, err)
		return
	}
	slot, err := s.x.UpdateLastRestartedSlot(r.Context(), sig)
	if err != nil {
		writeError(w, err)
		return
	}
	s.log.Warn("restart recorded", "slot", slot, "signer", sig)
	writeJSON(w, http.StatusOK, map[string]uint64{"last_restarted_slot": slot})
}

// InitCallbackAuthority handles POST /api/v1/store/callback-authority
func (s *Server) InitCallbackAuthority(w http.ResponseWriter, r *http.Request) {
	sig, err := signer(r)
	if err != nil {
		writeError(w, err)
		return
	}
	addr, err := s.x.InitCallbackAuthority(r.Context(), sig)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"address": addr.String()})
}

// --- Markets ---

// ListMarkets handles GET /api/v1/markets
func (s *Server) ListMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := s.x.Markets()
	if err != nil {
		writeError(w, err)
		return
	}
	if markets == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	writeJSON(w, http.StatusOK, markets)
}

// InitMarket handles POST /api/v1/markets
func (s *Server) InitMarket(w http.ResponseWriter, r *http.Request) {
	sig, err := signer(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req exchange.InitMarketParams
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	m, err := s.x.InitMarket(r.Context(), sig, req)
	if err != nil {
		writeError(w, err)
		return
	}
	s.log.Info("market created", "name", m.Name, "market_token", m.MetaInfo.MarketToken, "address", m.Address)
	writeJSON(w, http.StatusCreated, m)
}

// GetMarket handles GET /api/v1/markets/{token}
func (s *Server) GetMarket(w http.ResponseWriter, r *http.Request) {
	token, err := keyParam(r, "token")
	if err != nil {
		writeError(w, err)
		return
	}
	m, err := s.x.Market(token)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) ToggleMarket(w http.ResponseWriter, r *http.Request) {
	s.signed(w, r, func(sig solana.PublicKey) error {
		token, err := keyParam(r, "token")
		if err != nil {
			return err
		}
		var req ToggleRequest
		if err := decode(r, &req); err != nil {
			return err
		}
		return s.x.ToggleMarket(r.Context(), sig, token, req.Enabled)
	})
}

// UpdateMarketConfig handles PUT /api/v1/markets/{token}/config. The body
// maps config keys to human decimals, e.g. {"reserve_factor": "0.8"}.
func (s *Server) UpdateMarketConfig(w http.ResponseWriter, r *http.Request) {
	s.signed(w, r, func(sig solana.PublicKey) error {
		token, err := keyParam(r, "token")
		if err != nil {
			return err
		}
		var req map[string]decimal.Decimal
		if err := decode(r, &req); err != nil {
			return err
		}
		return s.x.UpdateMarketConfig(r.Context(), sig, token, req)
	})
}

func parseInventoryKind(s string) (market.VirtualInventoryKind, error) {
	switch s {
	case market.VirtualInventoryForSwaps.String():
		return market.VirtualInventoryForSwaps, nil
	case market.VirtualInventoryForPositions.String():
		return market.VirtualInventoryForPositions, nil
	}
	return 0, &badRequest{msg: fmt.Sprintf("invalid virtual inventory kind %q (expected swaps|positions)", s)}
}

// InitVirtualInventory handles POST /api/v1/virtual-inventories
func (s *Server) InitVirtualInventory(w http.ResponseWriter, r *http.Request) {
	sig, err := signer(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req VirtualInventoryRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	kind, err := parseInventoryKind(req.Kind)
	if err != nil {
		writeError(w, err)
		return
	}
	addr, err := s.x.InitVirtualInventory(r.Context(), sig, kind, req.Index)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"address": addr.String()})
}

func (s *Server) LinkVirtualInventory(w http.ResponseWriter, r *http.Request) {
	s.signed(w, r, func(sig solana.PublicKey) error {
		token, err := keyParam(r, "token")
		if err != nil {
			return err
		}
		var req LinkRequest
		if err := decode(r, &req); err != nil {
			return err
		}
		return s.x.LinkVirtualInventory(r.Context(), sig, token, req.Inventory)
	})
}

// --- Faucet and prices ---

func (s *Server) Mint(w http.ResponseWriter, r *http.Request) {
	s.signed(w, r, func(sig solana.PublicKey) error {
		var req MintRequest
		if err := decode(r, &req); err != nil {
			return err
		}
		return s.x.Mint(r.Context(), sig, req.Owner, req.Mint, req.Amount)
	})
}

func (s *Server) Airdrop(w http.ResponseWriter, r *http.Request) {
	s.signed(w, r, func(sig solana.PublicKey) error {
		var req AirdropRequest
		if err := decode(r, &req); err != nil {
			return err
		}
		return s.x.Airdrop(r.Context(), sig, req.Owner, req.Lamports)
	})
}

// PostPrice handles POST /api/v1/prices/{token}. Only order keepers may
// post static reports.
func (s *Server) PostPrice(w http.ResponseWriter, r *http.Request) {
	s.signed(w, r, func(sig solana.PublicKey) error {
		if !s.x.HasRole(sig, registry.RoleOrderKeeper) {
			return fmt.Errorf("%w: %s may not post prices", registry.ErrPermissionDenied, sig)
		}
		token, err := keyParam(r, "token")
		if err != nil {
			return err
		}
		var req PriceRequest
		if err := decode(r, &req); err != nil {
			return err
		}
		if req.Ts == 0 {
			req.Ts = time.Now().Unix()
		}
		s.prices.Set(token, oracle.FeedPrice{Ts: req.Ts, Min: req.Min, Max: req.Max})
		return nil
	})
}
