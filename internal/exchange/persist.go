package exchange

import (
	"context"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/atmx/perp-engine/internal/action"
	"github.com/atmx/perp-engine/internal/layout"
	"github.com/atmx/perp-engine/internal/market"
	"github.com/atmx/perp-engine/internal/metrics"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/position"
	"github.com/atmx/perp-engine/internal/registry"
	"github.com/atmx/perp-engine/internal/store"
)

// ledgerAddress is where the token ledger is stored.
var ledgerAddress = solana.PublicKey{}

// persist writes every account s touched to the store.
func (x *Exchange) persist(ctx context.Context, s *registry.State, now int64) error {
	if x.store == nil {
		return nil
	}
	changes := s.Changes()
	if len(changes) == 0 {
		return nil
	}
	updatedAt := time.Unix(now, 0).UTC()
	var (
		put     []model.Account
		deleted []string
	)
	for _, c := range changes {
		addr, data, err := encodeAccount(s, c)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", c.Kind, c.Address, err)
		}
		if c.Deleted || data == nil {
			deleted = append(deleted, addr.String())
			continue
		}
		put = append(put, model.Account{
			Address:   addr.String(),
			Kind:      c.Kind.String(),
			Data:      data,
			UpdatedAt: updatedAt,
		})
	}
	return x.store.ApplyAccounts(ctx, put, deleted)
}

// encodeAccount returns the stored address and layout of a changed
// account. A nil layout means the account no longer exists.
func encodeAccount(s *registry.State, c registry.Change) (solana.PublicKey, []byte, error) {
	switch c.Kind {
	case registry.AccountStore:
		if s.Store == nil {
			return c.Address, nil, nil
		}
		data, err := layout.EncodeStore(s.Store)
		return s.Store.Address, data, err
	case registry.AccountMarket:
		// Markets are touched by market token and stored at their address.
		m, ok := s.Markets[c.Address]
		if !ok {
			return c.Address, nil, nil
		}
		data, err := layout.EncodeMarket(m)
		return m.Address, data, err
	case registry.AccountVirtualInventory:
		vi, ok := s.Inventories[c.Address]
		if !ok {
			return c.Address, nil, nil
		}
		data, err := layout.EncodeVirtualInventory(vi)
		return c.Address, data, err
	case registry.AccountPosition:
		p, ok := s.Positions[c.Address]
		if !ok {
			return c.Address, nil, nil
		}
		data, err := layout.EncodePosition(p)
		return c.Address, data, err
	case registry.AccountDeposit:
		d, ok := s.Deposits[c.Address]
		if !ok {
			return c.Address, nil, nil
		}
		data, err := layout.EncodeDeposit(d)
		return c.Address, data, err
	case registry.AccountWithdrawal:
		w, ok := s.Withdrawals[c.Address]
		if !ok {
			return c.Address, nil, nil
		}
		data, err := layout.EncodeWithdrawal(w)
		return c.Address, data, err
	case registry.AccountShift:
		sh, ok := s.Shifts[c.Address]
		if !ok {
			return c.Address, nil, nil
		}
		data, err := layout.EncodeShift(sh)
		return c.Address, data, err
	case registry.AccountOrder:
		o, ok := s.Orders[c.Address]
		if !ok {
			return c.Address, nil, nil
		}
		data, err := layout.EncodeOrder(o)
		return c.Address, data, err
	case registry.AccountLedger:
		data, err := layout.EncodeLedger(s.Ledger)
		return ledgerAddress, data, err
	}
	return c.Address, nil, fmt.Errorf("unknown account kind %d", c.Kind)
}

// Load rebuilds a state from every account in st.
func Load(ctx context.Context, st store.Store, programID solana.PublicKey) (*registry.State, error) {
	accounts, err := st.ListAccounts(ctx, "")
	if err != nil {
		return nil, err
	}
	s := registry.NewState(programID)
	var maxID uint64
	seen := func(id uint64) { maxID = max(maxID, id) }
	for _, acc := range accounts {
		addr, err := solana.PublicKeyFromBase58(acc.Address)
		if err != nil {
			return nil, fmt.Errorf("account %q: %w", acc.Address, err)
		}
		if err := decodeInto(s, acc.Kind, addr, acc.Data, seen); err != nil {
			return nil, fmt.Errorf("decode %s %s: %w", acc.Kind, acc.Address, err)
		}
	}
	s.NextActionID = maxID
	return s, nil
}

// decodeAccount decodes one persisted layout by account kind.
func decodeAccount(kind string, addr solana.PublicKey, data []byte) (any, error) {
	switch kind {
	case registry.AccountStore.String():
		return layout.DecodeStore(addr, data)
	case registry.AccountMarket.String():
		return layout.DecodeMarket(addr, data)
	case registry.AccountVirtualInventory.String():
		return layout.DecodeVirtualInventory(data)
	case registry.AccountPosition.String():
		return layout.DecodePosition(addr, data)
	case registry.AccountDeposit.String():
		return layout.DecodeDeposit(addr, data)
	case registry.AccountWithdrawal.String():
		return layout.DecodeWithdrawal(addr, data)
	case registry.AccountShift.String():
		return layout.DecodeShift(addr, data)
	case registry.AccountOrder.String():
		return layout.DecodeOrder(addr, data)
	case registry.AccountLedger.String():
		return layout.DecodeLedger(data)
	}
	return nil, fmt.Errorf("unknown account kind %q", kind)
}

func decodeInto(s *registry.State, kind string, addr solana.PublicKey, data []byte, seen func(uint64)) error {
	v, err := decodeAccount(kind, addr, data)
	if err != nil {
		return err
	}
	switch a := v.(type) {
	case *registry.Store:
		s.Store = a
	case *market.Market:
		s.Markets[a.MetaInfo.MarketToken] = a
	case *market.VirtualInventory:
		s.Inventories[addr] = a
	case *position.Position:
		s.Positions[addr] = a
	case *action.Deposit:
		seen(a.ID)
		s.Deposits[addr] = a
	case *action.Withdrawal:
		seen(a.ID)
		s.Withdrawals[addr] = a
	case *action.Shift:
		seen(a.ID)
		s.Shifts[addr] = a
	case *action.Order:
		seen(a.ID)
		s.Orders[addr] = a
	case *registry.Ledger:
		s.Ledger = a
	}
	return nil
}

// Restore replaces the world state with the accounts in the store.
func (x *Exchange) Restore(ctx context.Context) error {
	if x.store == nil {
		return nil
	}
	var programID solana.PublicKey
	_ = x.world.View(func(s *registry.State) error {
		programID = s.ProgramID
		return nil
	})
	s, err := Load(ctx, x.store, programID)
	if err != nil {
		return err
	}
	x.world.Restore(s)
	metrics.ActiveMarkets.Set(float64(len(s.Markets)))
	x.log.Info("state restored", "markets", len(s.Markets), "positions", len(s.Positions), "next_action_id", s.NextActionID)
	return nil
}

// AccountView is a persisted account with its layout decoded.
type AccountView struct {
	Address       string    `json:"address"`
	Kind          string    `json:"kind"`
	Discriminator string    `json:"discriminator,omitempty"`
	Size          int       `json:"size"`
	UpdatedAt     time.Time `json:"updated_at"`
	Decoded       any       `json:"decoded"`
}

// Account reads addr back from the store and decodes it. Without a store
// nothing is persisted, so every address is unknown.
func (x *Exchange) Account(ctx context.Context, addr solana.PublicKey) (*AccountView, error) {
	if x.store == nil {
		return nil, fmt.Errorf("%w: %s", store.ErrNotFound, addr)
	}
	acc, err := x.store.GetAccount(ctx, addr.String())
	if err != nil {
		return nil, err
	}
	v, err := decodeAccount(acc.Kind, addr, acc.Data)
	if err != nil {
		return nil, fmt.Errorf("decode %s %s: %w", acc.Kind, acc.Address, err)
	}
	name, _ := layout.Name(acc.Data)
	return &AccountView{
		Address:       acc.Address,
		Kind:          acc.Kind,
		Discriminator: name,
		Size:          len(acc.Data),
		UpdatedAt:     acc.UpdatedAt,
		Decoded:       v,
	}, nil
}
