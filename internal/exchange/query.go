package exchange

import (
	"bytes"
	"context"
	"sort"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/atmx/perp-engine/internal/action"
	"github.com/atmx/perp-engine/internal/market"
	"github.com/atmx/perp-engine/internal/metrics"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/num"
	"github.com/atmx/perp-engine/internal/pool"
	"github.com/atmx/perp-engine/internal/position"
	"github.com/atmx/perp-engine/internal/registry"
	"github.com/atmx/perp-engine/internal/store"
)

func sortKeys(keys []solana.PublicKey) {
	sort.Slice(keys, func(i, j int) bool { return bytes.Compare(keys[i][:], keys[j][:]) < 0 })
}

// StoreInfo returns a copy of the store.
func (x *Exchange) StoreInfo() (*registry.Store, error) {
	var out *registry.Store
	err := x.world.View(func(s *registry.State) error {
		st, err := s.RequireStore()
		if err != nil {
			return err
		}
		out = st.Clone()
		return nil
	})
	return out, err
}

// HasRole reports whether member holds role in the store.
func (x *Exchange) HasRole(member solana.PublicKey, role registry.Role) bool {
	var ok bool
	_ = x.world.View(func(s *registry.State) error {
		ok = s.Store != nil && s.Store.HasRole(member, role)
		return nil
	})
	return ok
}

// Market returns a copy of the market of marketToken.
func (x *Exchange) Market(marketToken solana.PublicKey) (*market.Market, error) {
	var out *market.Market
	err := x.world.View(func(s *registry.State) error {
		m, err := s.Market(marketToken)
		if err != nil {
			return err
		}
		out = m.Clone()
		return nil
	})
	return out, err
}

// Markets summarizes every market ordered by market token.
func (x *Exchange) Markets() ([]model.MarketSummary, error) {
	var out []model.MarketSummary
	err := x.world.View(func(s *registry.State) error {
		keys := make([]solana.PublicKey, 0, len(s.Markets))
		for k := range s.Markets {
			keys = append(keys, k)
		}
		sortKeys(keys)
		for _, k := range keys {
			sum, err := summarize(s, s.Markets[k])
			if err != nil {
				return err
			}
			out = append(out, sum)
		}
		return nil
	})
	return out, err
}

func tokenDecimals(s *registry.State, token solana.PublicKey) int32 {
	if s.Store == nil {
		return 0
	}
	cfg, ok := s.Store.Tokens[token]
	if !ok {
		return 0
	}
	return int32(cfg.Decimals)
}

func summarize(s *registry.State, m *market.Market) (model.MarketSummary, error) {
	meta := m.MetaInfo
	primary := m.Pool(market.Primary)
	longOI, err := market.TotalOpenInterest(m, true)
	if err != nil {
		return model.MarketSummary{}, err
	}
	shortOI, err := market.TotalOpenInterest(m, false)
	if err != nil {
		return model.MarketSummary{}, err
	}
	return model.MarketSummary{
		MarketToken: meta.MarketToken.String(),
		Name:        m.Name,
		IndexToken:  meta.IndexToken.String(),
		LongToken:   meta.LongToken.String(),
		ShortToken:  meta.ShortToken.String(),
		Enabled:     m.FlagSet.Enabled,
		Pure:        m.FlagSet.Pure,
		LongAmount:  num.ToDecimal(primary.Amount(pool.Long), tokenDecimals(s, meta.LongToken)),
		ShortAmount: num.ToDecimal(primary.Amount(pool.Short), tokenDecimals(s, meta.ShortToken)),
		LongOI:      num.USD(longOI),
		ShortOI:     num.USD(shortOI),
		Supply:      num.ToDecimal(s.Ledger.Supply(meta.MarketToken), market.MarketTokenDecimals),
	}, nil
}

// Position returns a copy of the position at addr.
func (x *Exchange) Position(addr solana.PublicKey) (*position.Position, error) {
	var out position.Position
	err := x.world.View(func(s *registry.State) error {
		p, err := s.Position(addr)
		if err != nil {
			return err
		}
		out = *p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Positions summarizes the positions of owner, or every position when
// owner is the zero key.
func (x *Exchange) Positions(owner solana.PublicKey) ([]model.PositionSummary, error) {
	var out []model.PositionSummary
	err := x.world.View(func(s *registry.State) error {
		for _, p := range s.Positions {
			if !owner.IsZero() && !p.Owner.Equals(owner) {
				continue
			}
			side := "short"
			if p.IsLong {
				side = "long"
			}
			var indexDecimals int32
			if m, ok := s.Markets[p.MarketToken]; ok {
				indexDecimals = tokenDecimals(s, m.MetaInfo.IndexToken)
			}
			out = append(out, model.PositionSummary{
				Address:          p.Address.String(),
				Owner:            p.Owner.String(),
				MarketToken:      p.MarketToken.String(),
				CollateralToken:  p.CollateralToken.String(),
				Side:             side,
				SizeUSD:          num.USD(p.SizeInUSD),
				SizeInTokens:     num.ToDecimal(p.SizeInTokens, indexDecimals),
				CollateralAmount: num.ToDecimal(p.CollateralAmount, tokenDecimals(s, p.CollateralToken)),
				IncreasedAt:      time.Unix(p.IncreasedAt, 0).UTC(),
			})
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out, err
}

func (x *Exchange) Deposit(addr solana.PublicKey) (*action.Deposit, error) {
	var out action.Deposit
	err := x.world.View(func(s *registry.State) error {
		d, err := s.Deposit(addr)
		if err == nil {
			out = *d
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (x *Exchange) Withdrawal(addr solana.PublicKey) (*action.Withdrawal, error) {
	var out action.Withdrawal
	err := x.world.View(func(s *registry.State) error {
		w, err := s.Withdrawal(addr)
		if err == nil {
			out = *w
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (x *Exchange) Shift(addr solana.PublicKey) (*action.Shift, error) {
	var out action.Shift
	err := x.world.View(func(s *registry.State) error {
		sh, err := s.Shift(addr)
		if err == nil {
			out = *sh
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (x *Exchange) Order(addr solana.PublicKey) (*action.Order, error) {
	var out action.Order
	err := x.world.View(func(s *registry.State) error {
		o, err := s.Order(addr)
		if err == nil {
			out = *o
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Balances returns the token accounts of owner ordered by mint.
func (x *Exchange) Balances(owner solana.PublicKey) []registry.TokenAccount {
	var out []registry.TokenAccount
	_ = x.world.View(func(s *registry.State) error {
		for _, acc := range s.Ledger.OwnedBy(owner) {
			out = append(out, *acc)
		}
		return nil
	})
	return out
}

// Balance returns the amount of mint held by owner's token account.
func (x *Exchange) Balance(owner, mint solana.PublicKey) num.Num {
	out := num.Zero
	_ = x.world.View(func(s *registry.State) error {
		out = s.Ledger.Balance(owner, mint)
		return nil
	})
	return out
}

// Lamports returns the native balance of addr.
func (x *Exchange) Lamports(addr solana.PublicKey) uint64 {
	var out uint64
	_ = x.world.View(func(s *registry.State) error {
		out = s.Ledger.Lamports[addr]
		return nil
	})
	return out
}

// PendingAction is a request waiting for a keeper.
type PendingAction struct {
	Kind    action.Kind      `json:"kind"`
	Address solana.PublicKey `json:"address"`
	Owner   solana.PublicKey `json:"owner"`
	Market  solana.PublicKey `json:"market"`
	Created int64            `json:"created_at"`
	Expired bool             `json:"expired"`
	// OrderKind is set for orders so keepers can skip untriggered limits.
	OrderKind *action.OrderKind `json:"order_kind,omitempty"`
}

// PendingActions lists pending requests, oldest first.
func (x *Exchange) PendingActions() []PendingAction {
	var out []PendingAction
	now := x.now().Unix()
	_ = x.world.View(func(s *registry.State) error {
		if s.Store == nil {
			return nil
		}
		exp := s.Store.Amounts.RequestExpiration
		add := func(h *action.Header, exp int64, kind *action.OrderKind) {
			if !h.IsPending() {
				return
			}
			out = append(out, PendingAction{
				Kind:      h.Kind,
				Address:   h.Address,
				Owner:     h.Owner,
				Market:    h.Market,
				Created:   h.CreatedAt,
				Expired:   h.Expired(now, exp),
				OrderKind: kind,
			})
		}
		for _, d := range s.Deposits {
			add(&d.Header, exp, nil)
		}
		for _, w := range s.Withdrawals {
			add(&w.Header, exp, nil)
		}
		for _, sh := range s.Shifts {
			add(&sh.Header, exp, nil)
		}
		for _, o := range s.Orders {
			k := o.OrderKind
			add(&o.Header, o.Expiration(exp), &k)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].Created != out[j].Created {
			return out[i].Created < out[j].Created
		}
		return bytes.Compare(out[i].Address[:], out[j].Address[:]) < 0
	})
	metrics.PendingActions.Set(float64(len(out)))
	return out
}

// Summaries renders pending actions for listings.
func Summaries(pending []PendingAction) []model.ActionSummary {
	out := make([]model.ActionSummary, 0, len(pending))
	for _, p := range pending {
		out = append(out, model.ActionSummary{
			Kind:      p.Kind.String(),
			Address:   p.Address.String(),
			Owner:     p.Owner.String(),
			Market:    p.Market.String(),
			State:     action.Pending.String(),
			CreatedAt: time.Unix(p.Created, 0).UTC(),
			Expired:   p.Expired,
		})
	}
	return out
}

// Events lists journaled events, newest first. Without a store there is
// no journal.
func (x *Exchange) Events(ctx context.Context, f store.EventFilter) ([]model.Event, error) {
	if x.store == nil {
		return nil, nil
	}
	return x.store.ListEvents(ctx, f)
}
