package exchange

import (
	"context"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/feature"
	"github.com/atmx/perp-engine/internal/market"
	"github.com/atmx/perp-engine/internal/metrics"
	"github.com/atmx/perp-engine/internal/num"
	"github.com/atmx/perp-engine/internal/oracle"
	"github.com/atmx/perp-engine/internal/pool"
	"github.com/atmx/perp-engine/internal/registry"
)

func (tx *txn) touchStore() {
	tx.Touch(registry.AccountStore, tx.Store.Address, false)
}

func (tx *txn) storeUpdated(field string, data any) {
	tx.touchStore()
	tx.emit(Event{Kind: EventStoreUpdated, Owner: tx.Store.Authority, Data: map[string]any{"field": field, "value": data}})
}

// adminTx runs fn with the store once signer is known to be its admin.
func (x *Exchange) adminTx(ctx context.Context, step string, signer solana.PublicKey, fn func(tx *txn, s *registry.Store) error) error {
	return x.transact(ctx, "store", step, func(tx *txn) error {
		s, err := tx.RequireStore()
		if err != nil {
			return err
		}
		if err := s.RequireAdmin(signer); err != nil {
			return err
		}
		return fn(tx, s)
	})
}

// roleTx runs fn with the store once signer is known to hold role.
func (x *Exchange) roleTx(ctx context.Context, step string, signer solana.PublicKey, role registry.Role, fn func(tx *txn, s *registry.Store) error) error {
	return x.transact(ctx, "store", step, func(tx *txn) error {
		s, err := tx.RequireStore()
		if err != nil {
			return err
		}
		if err := s.RequireRole(signer, role); err != nil {
			return err
		}
		return fn(tx, s)
	})
}

// InitStore creates the store owned by authority. A world holds one store.
func (x *Exchange) InitStore(ctx context.Context, authority solana.PublicKey, key string) (solana.PublicKey, error) {
	var addr solana.PublicKey
	err := x.transact(ctx, "store", "init", func(tx *txn) error {
		if tx.Store != nil {
			return fmt.Errorf("%w: store %s", registry.ErrAlreadyExists, tx.Store.Address)
		}
		s, err := registry.NewStore(tx.ProgramID, authority, key)
		if err != nil {
			return err
		}
		tx.Store = s
		addr = s.Address
		tx.storeUpdated("init", map[string]string{"key": key, "authority": authority.String()})
		return nil
	})
	return addr, err
}

// InitRoles enables every builtin role.
func (x *Exchange) InitRoles(ctx context.Context, signer solana.PublicKey) error {
	return x.adminTx(ctx, "init_roles", signer, func(tx *txn, s *registry.Store) error {
		for _, r := range registry.BuiltinRoles {
			s.EnableRole(r)
		}
		tx.storeUpdated("roles", s.RoleNames())
		return nil
	})
}

func (x *Exchange) EnableRole(ctx context.Context, signer solana.PublicKey, role registry.Role) error {
	return x.adminTx(ctx, "enable_role", signer, func(tx *txn, s *registry.Store) error {
		s.EnableRole(role)
		tx.storeUpdated("enable_role", role)
		return nil
	})
}

func (x *Exchange) DisableRole(ctx context.Context, signer solana.PublicKey, role registry.Role) error {
	return x.adminTx(ctx, "disable_role", signer, func(tx *txn, s *registry.Store) error {
		if err := s.DisableRole(role); err != nil {
			return err
		}
		tx.storeUpdated("disable_role", role)
		return nil
	})
}

func (x *Exchange) GrantRole(ctx context.Context, signer, member solana.PublicKey, role registry.Role) error {
	return x.adminTx(ctx, "grant_role", signer, func(tx *txn, s *registry.Store) error {
		if err := s.GrantRole(member, role); err != nil {
			return err
		}
		tx.storeUpdated("grant_role", map[string]any{"member": member.String(), "role": role})
		return nil
	})
}

func (x *Exchange) RevokeRole(ctx context.Context, signer, member solana.PublicKey, role registry.Role) error {
	return x.adminTx(ctx, "revoke_role", signer, func(tx *txn, s *registry.Store) error {
		if err := s.RevokeRole(member, role); err != nil {
			return err
		}
		tx.storeUpdated("revoke_role", map[string]any{"member": member.String(), "role": role})
		return nil
	})
}

// InitCallbackAuthority derives and records the program's callback
// authority. It can be initialized once.
func (x *Exchange) InitCallbackAuthority(ctx context.Context, signer solana.PublicKey) (solana.PublicKey, error) {
	var addr solana.PublicKey
	err := x.adminTx(ctx, "init_callback_authority", signer, func(tx *txn, s *registry.Store) error {
		if !s.CallbackAuthority.IsZero() {
			return fmt.Errorf("%w: callback authority %s", registry.ErrAlreadyExists, s.CallbackAuthority)
		}
		pk, bump, err := registry.DeriveCallbackAuthorityPDA(tx.ProgramID)
		if err != nil {
			return fmt.Errorf("derive callback authority: %w", err)
		}
		s.CallbackAuthority, s.CallbackAuthorityBump = pk, bump
		addr = pk
		tx.storeUpdated("callback_authority", pk.String())
		return nil
	})
	return addr, err
}

// TransferStoreAuthority proposes next as the new authority. It takes
// effect once next accepts.
func (x *Exchange) TransferStoreAuthority(ctx context.Context, signer, next solana.PublicKey) error {
	return x.adminTx(ctx, "transfer_authority", signer, func(tx *txn, s *registry.Store) error {
		s.TransferAuthority(next)
		tx.storeUpdated("next_authority", next.String())
		return nil
	})
}

func (x *Exchange) AcceptStoreAuthority(ctx context.Context, signer solana.PublicKey) error {
	return x.transact(ctx, "store", "accept_authority", func(tx *txn) error {
		s, err := tx.RequireStore()
		if err != nil {
			return err
		}
		if err := s.AcceptAuthority(signer); err != nil {
			return err
		}
		tx.storeUpdated("authority", signer.String())
		return nil
	})
}

// TransferReceiver proposes next as the fee receiver. Only the current
// receiver may propose.
func (x *Exchange) TransferReceiver(ctx context.Context, signer, next solana.PublicKey) error {
	return x.transact(ctx, "store", "transfer_receiver", func(tx *txn) error {
		s, err := tx.RequireStore()
		if err != nil {
			return err
		}
		if !signer.Equals(s.Receiver) {
			return fmt.Errorf("%w: %s is not the receiver", registry.ErrPermissionDenied, signer)
		}
		s.TransferReceiver(next)
		tx.storeUpdated("next_receiver", next.String())
		return nil
	})
}

func (x *Exchange) AcceptReceiver(ctx context.Context, signer solana.PublicKey) error {
	return x.transact(ctx, "store", "accept_receiver", func(tx *txn) error {
		s, err := tx.RequireStore()
		if err != nil {
			return err
		}
		if err := s.AcceptReceiver(signer); err != nil {
			return err
		}
		tx.storeUpdated("receiver", signer.String())
		return nil
	})
}

// InsertTokenConfig adds or replaces the price feed config of token.
func (x *Exchange) InsertTokenConfig(ctx context.Context, signer, token solana.PublicKey, cfg oracle.TokenConfig) error {
	return x.roleTx(ctx, "insert_token_config", signer, registry.RoleMarketKeeper, func(tx *txn, s *registry.Store) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		s.Tokens[token] = cfg
		tx.storeUpdated("token_config", map[string]string{"token": token.String(), "name": cfg.Name})
		return nil
	})
}

// StoreSettings edits the store-wide amounts and oracle windows. Nil
// fields are left as is.
type StoreSettings struct {
	RequestExpiration *int64         `json:"request_expiration,omitempty"`
	ExecutionLamports *uint64        `json:"execution_lamports,omitempty"`
	Oracle            *oracle.Config `json:"oracle,omitempty"`
	GraceSlots        *uint64        `json:"grace_slots,omitempty"`
}

func (x *Exchange) UpdateStoreSettings(ctx context.Context, signer solana.PublicKey, set StoreSettings) error {
	return x.roleTx(ctx, "update_settings", signer, registry.RoleConfigKeeper, func(tx *txn, s *registry.Store) error {
		if set.RequestExpiration != nil {
			if *set.RequestExpiration <= 0 {
				return fmt.Errorf("%w: request expiration %d", num.ErrInvalidArgument, *set.RequestExpiration)
			}
			s.Amounts.RequestExpiration = *set.RequestExpiration
		}
		if set.ExecutionLamports != nil {
			s.Amounts.ExecutionLamports = *set.ExecutionLamports
		}
		if set.Oracle != nil {
			s.Oracle = *set.Oracle
		}
		if set.GraceSlots != nil {
			s.Restart.GraceSlots = *set.GraceSlots
		}
		tx.storeUpdated("settings", set)
		return nil
	})
}

// ToggleFeature enables or disables one domain and action pair.
func (x *Exchange) ToggleFeature(ctx context.Context, signer solana.PublicKey, d feature.Domain, a feature.Action, enable bool) error {
	return x.roleTx(ctx, "toggle_feature", signer, registry.RoleFeatureKeeper, func(tx *txn, s *registry.Store) error {
		if err := s.Features.Set(d, a, !enable); err != nil {
			return err
		}
		tx.storeUpdated("feature", map[string]any{"domain": d.String(), "action": a.String(), "enabled": enable})
		return nil
	})
}

// UpdateLastRestartedSlot records a restart at the current slot. New
// requests are rejected for the grace window that follows.
func (x *Exchange) UpdateLastRestartedSlot(ctx context.Context, signer solana.PublicKey) (uint64, error) {
	var slot uint64
	err := x.roleTx(ctx, "restart", signer, registry.RoleRestartAdmin, func(tx *txn, s *registry.Store) error {
		slot = tx.slot
		s.Restart.LastRestartedSlot = slot
		tx.storeUpdated("last_restarted_slot", slot)
		return nil
	})
	return slot, err
}

// --- Markets ---

// InitMarketParams names the tokens of a new market.
type InitMarketParams struct {
	Name       string           `json:"name"`
	IndexToken solana.PublicKey `json:"index_token"`
	LongToken  solana.PublicKey `json:"long_token"`
	ShortToken solana.PublicKey `json:"short_token"`
}

// InitMarket creates a market and its vaults. Every token needs a token
// config first.
func (x *Exchange) InitMarket(ctx context.Context, signer solana.PublicKey, p InitMarketParams) (*market.Market, error) {
	var out *market.Market
	err := x.transact(ctx, "market", "init", func(tx *txn) error {
		s, err := tx.RequireStore()
		if err != nil {
			return err
		}
		if err := s.RequireRole(signer, registry.RoleMarketKeeper); err != nil {
			return err
		}
		if _, err := market.ParseName(p.Name); err != nil {
			return err
		}
		for _, token := range []solana.PublicKey{p.IndexToken, p.LongToken, p.ShortToken} {
			if _, err := s.TokenConfig(token); err != nil {
				return err
			}
		}
		marketToken, _, err := registry.DeriveMarketTokenPDA(tx.ProgramID, s.Address, p.IndexToken, p.LongToken, p.ShortToken)
		if err != nil {
			return err
		}
		if _, ok := tx.Markets[marketToken]; ok {
			return fmt.Errorf("%w: market %s", registry.ErrAlreadyExists, marketToken)
		}
		addr, bump, err := registry.DeriveMarketPDA(tx.ProgramID, s.Address, marketToken)
		if err != nil {
			return err
		}
		meta := market.Meta{
			MarketToken: marketToken,
			IndexToken:  p.IndexToken,
			LongToken:   p.LongToken,
			ShortToken:  p.ShortToken,
		}
		m := market.New(addr, s.Address, p.Name, meta, tx.now)
		m.Bump = bump
		vaults := tx.Vaults()
		for _, mint := range []solana.PublicKey{p.LongToken, p.ShortToken} {
			if _, err := vaults.Open(mint); err != nil {
				return err
			}
		}
		tx.Markets[marketToken] = m
		tx.Touch(registry.AccountMarket, marketToken, false)
		tx.touchLedger()
		tx.emit(Event{Kind: EventMarketCreated, Market: marketToken, Owner: signer, Data: map[string]string{"name": p.Name, "address": addr.String()}})
		out = m.Clone()
		return nil
	})
	if err == nil {
		x.countMarkets()
	}
	return out, err
}

func (x *Exchange) countMarkets() {
	_ = x.world.View(func(s *registry.State) error {
		metrics.ActiveMarkets.Set(float64(len(s.Markets)))
		return nil
	})
}

func (x *Exchange) marketTx(ctx context.Context, step string, signer, marketToken solana.PublicKey, fn func(tx *txn, m *market.Market) (any, error)) error {
	return x.transact(ctx, "market", step, func(tx *txn) error {
		s, err := tx.RequireStore()
		if err != nil {
			return err
		}
		if err := s.RequireRole(signer, registry.RoleMarketKeeper); err != nil {
			return err
		}
		m, err := tx.Market(marketToken)
		if err != nil {
			return err
		}
		data, err := fn(tx, m)
		if err != nil {
			return err
		}
		tx.Touch(registry.AccountMarket, marketToken, false)
		tx.emit(Event{Kind: EventMarketUpdated, Market: marketToken, Owner: signer, Data: data})
		return nil
	})
}

func (x *Exchange) ToggleMarket(ctx context.Context, signer, marketToken solana.PublicKey, enable bool) error {
	return x.marketTx(ctx, "toggle", signer, marketToken, func(_ *txn, m *market.Market) (any, error) {
		m.FlagSet.Enabled = enable
		return map[string]bool{"enabled": enable}, nil
	})
}

// UpdateMarketConfig sets market factors from human decimals.
func (x *Exchange) UpdateMarketConfig(ctx context.Context, signer, marketToken solana.PublicKey, updates map[string]decimal.Decimal) error {
	return x.marketTx(ctx, "update_config", signer, marketToken, func(_ *txn, m *market.Market) (any, error) {
		if err := m.Config().Apply(updates); err != nil {
			return nil, err
		}
		return updates, nil
	})
}

// InitVirtualInventory creates an empty virtual inventory of kind.
func (x *Exchange) InitVirtualInventory(ctx context.Context, signer solana.PublicKey, kind market.VirtualInventoryKind, index uint32) (solana.PublicKey, error) {
	var addr solana.PublicKey
	err := x.roleTx(ctx, "init_virtual_inventory", signer, registry.RoleMarketKeeper, func(tx *txn, s *registry.Store) error {
		var err error
		if addr, _, err = registry.DeriveVirtualInventoryPDA(tx.ProgramID, s.Address, uint8(kind), index); err != nil {
			return err
		}
		if _, ok := tx.Inventories[addr]; ok {
			return fmt.Errorf("%w: virtual inventory %s", registry.ErrAlreadyExists, addr)
		}
		tx.Inventories[addr] = &market.VirtualInventory{Address: addr, Kind: kind, Pool: pool.New(false)}
		tx.Touch(registry.AccountVirtualInventory, addr, false)
		return nil
	})
	return addr, err
}

// LinkVirtualInventory joins a market to a virtual inventory. The
// market's current swap liquidity or open interest is added to the
// inventory so both stay in step.
func (x *Exchange) LinkVirtualInventory(ctx context.Context, signer, marketToken, inventory solana.PublicKey) error {
	return x.marketTx(ctx, "link_virtual_inventory", signer, marketToken, func(tx *txn, m *market.Market) (any, error) {
		vi, ok := tx.Inventories[inventory]
		if !ok {
			return nil, fmt.Errorf("%w: %s", registry.ErrInventoryNotFound, inventory)
		}
		if !m.VirtualInventoryKey(vi.Kind).IsZero() {
			return nil, fmt.Errorf("%w: %s already has a %s inventory", registry.ErrAlreadyExists, marketToken, vi.Kind)
		}
		if err := joinInventory(m, vi); err != nil {
			return nil, err
		}
		switch vi.Kind {
		case market.VirtualInventoryForSwaps:
			m.VirtualInventoryForSwapsKey = inventory
		case market.VirtualInventoryForPositions:
			m.VirtualInventoryForPositionsKey = inventory
		}
		vi.Linked++
		tx.Touch(registry.AccountVirtualInventory, inventory, false)
		return map[string]string{"virtual_inventory": inventory.String(), "kind": vi.Kind.String()}, nil
	})
}

func joinInventory(m *market.Market, vi *market.VirtualInventory) error {
	if vi.Kind == market.VirtualInventoryForSwaps {
		primary := m.Pool(market.Primary)
		for _, side := range []pool.Side{pool.Long, pool.Short} {
			if err := vi.Pool.ApplyDeltaAmount(side, primary.Amount(side)); err != nil {
				return err
			}
		}
		return nil
	}
	for _, isLong := range []bool{true, false} {
		oi, err := market.TotalOpenInterest(m, isLong)
		if err != nil {
			return err
		}
		if err := vi.Pool.ApplyDeltaAmount(pool.SideOf(isLong), oi); err != nil {
			return err
		}
	}
	return nil
}

// --- Faucet ---

// Mint credits amount of mint to owner. It stands in for the token
// program and refuses market tokens, which only deposits may mint.
func (x *Exchange) Mint(ctx context.Context, signer, owner, mint solana.PublicKey, amount num.Num) error {
	return x.adminTx(ctx, "mint", signer, func(tx *txn, _ *registry.Store) error {
		if _, ok := tx.Markets[mint]; ok {
			return fmt.Errorf("%w: %s", ErrMarketTokenMint, mint)
		}
		acc, err := tx.Ledger.Open(owner, mint)
		if err != nil {
			return err
		}
		tx.touchLedger()
		return tx.Ledger.MintTo(acc.Address, amount)
	})
}

// Airdrop credits lamports to owner for execution fees.
func (x *Exchange) Airdrop(ctx context.Context, signer, owner solana.PublicKey, lamports uint64) error {
	return x.adminTx(ctx, "airdrop", signer, func(tx *txn, _ *registry.Store) error {
		tx.Ledger.Lamports[owner] += lamports
		tx.touchLedger()
		return nil
	})
}
