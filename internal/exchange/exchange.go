// Package exchange implements the entry points users, keepers and admins
// call: action create/execute/update/close, liquidation, auto-deleverage
// and store administration. Every entry point runs as one transaction on
// the registry world; committed accounts are written to the store and
// the resulting events are journaled and published.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"

	"github.com/atmx/perp-engine/internal/action"
	"github.com/atmx/perp-engine/internal/feature"
	"github.com/atmx/perp-engine/internal/market"
	"github.com/atmx/perp-engine/internal/metrics"
	"github.com/atmx/perp-engine/internal/num"
	"github.com/atmx/perp-engine/internal/oracle"
	"github.com/atmx/perp-engine/internal/registry"
	"github.com/atmx/perp-engine/internal/revertible"
	"github.com/atmx/perp-engine/internal/store"
	"github.com/atmx/perp-engine/internal/swap"
)

// Exchange serves the entry points over one world.
type Exchange struct {
	world    *registry.World
	store    store.Store
	adapters map[oracle.ProviderKind]oracle.FeedAdapter
	now      func() time.Time
	slot     func() uint64
	log      *slog.Logger

	sinksMu sync.RWMutex
	sinks   []EventSink
}

// Option configures an Exchange.
type Option func(*Exchange)

// WithStore persists committed accounts and journals events in s.
func WithStore(s store.Store) Option { return func(x *Exchange) { x.store = s } }

// WithAdapter registers the feed adapter of a provider.
func WithAdapter(kind oracle.ProviderKind, a oracle.FeedAdapter) Option {
	return func(x *Exchange) { x.adapters[kind] = a }
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option { return func(x *Exchange) { x.now = now } }

// WithSlot overrides the slot source. By default slots advance every
// 400ms of the clock.
func WithSlot(slot func() uint64) Option { return func(x *Exchange) { x.slot = slot } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(x *Exchange) { x.log = l } }

// New returns an exchange over world.
func New(world *registry.World, opts ...Option) *Exchange {
	x := &Exchange{
		world:    world,
		adapters: make(map[oracle.ProviderKind]oracle.FeedAdapter),
		now:      time.Now,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(x)
	}
	if x.slot == nil {
		x.slot = func() uint64 { return uint64(x.now().UnixMilli() / 400) }
	}
	return x
}

// World returns the world the exchange mutates.
func (x *Exchange) World() *registry.World { return x.world }

// txn is the state of one entry point call.
type txn struct {
	*registry.State
	x      *Exchange
	ctx    context.Context
	now    int64
	slot   uint64
	events []Event
}

// transact runs fn as one transaction. The accounts it touched are
// persisted before the transaction commits, so a failed store write
// rolls the world back as well.
func (x *Exchange) transact(ctx context.Context, kind, step string, fn func(tx *txn) error) error {
	start := time.Now()
	var events []Event
	_, err := x.world.Transact(func(s *registry.State) error {
		tx := &txn{State: s, x: x, ctx: ctx, now: x.now().Unix(), slot: x.slot()}
		if err := fn(tx); err != nil {
			return err
		}
		if err := x.persist(ctx, s, tx.now); err != nil {
			return fmt.Errorf("persist: %w", err)
		}
		events = tx.events
		return nil
	})
	if err != nil {
		class := Classify(err)
		metrics.ActionErrors.WithLabelValues(kind, class.String()).Inc()
		x.log.Debug("entry point failed", "kind", kind, "step", step, "class", class.String(), "error", err)
		return err
	}
	metrics.ObserveAction(kind, step, start)
	for _, e := range events {
		x.log.Info("transition", logAttrs(e)...)
	}
	x.publish(ctx, events)
	return nil
}

// nested runs fn on a copy of the state, keeping its writes and events
// only when it succeeds.
func (tx *txn) nested(fn func(in *txn) error) error {
	var inner *txn
	err := tx.State.Nested(func(s *registry.State) error {
		inner = &txn{State: s, x: tx.x, ctx: tx.ctx, now: tx.now, slot: tx.slot}
		return fn(inner)
	})
	if err != nil {
		return err
	}
	tx.events = append(tx.events, inner.events...)
	return nil
}

func (tx *txn) emit(e Event) {
	e.ID = uuid.New()
	e.CreatedAt = time.Unix(tx.now, 0).UTC()
	tx.events = append(tx.events, e)
}

func (tx *txn) emitAction(kind string, h *action.Header, data any) {
	tx.emit(Event{Kind: kind, Action: h.Address, Market: h.Market, Owner: h.Owner, Data: data})
}

// --- Guards ---

// createGuard checks the store, the feature switch and the restart grace
// window of a create entry point.
func (tx *txn) createGuard(d feature.Domain) (*registry.Store, error) {
	s, err := tx.RequireStore()
	if err != nil {
		return nil, err
	}
	if err := s.Features.Validate(d, feature.Create); err != nil {
		return nil, err
	}
	if err := s.Restart.Validate(tx.slot); err != nil {
		return nil, err
	}
	return s, nil
}

// keeperGuard checks the keeper role and the feature switch.
func (tx *txn) keeperGuard(keeper solana.PublicKey, d feature.Domain, a feature.Action) (*registry.Store, error) {
	s, err := tx.RequireStore()
	if err != nil {
		return nil, err
	}
	if err := s.RequireRole(keeper, registry.RoleOrderKeeper); err != nil {
		return nil, err
	}
	if err := s.Features.Validate(d, a); err != nil {
		return nil, err
	}
	return s, nil
}

// activeMarket returns a market that belongs to s and is enabled.
func (tx *txn) activeMarket(s *registry.Store, token solana.PublicKey) (*market.Market, error) {
	m, err := tx.Market(token)
	if err != nil {
		return nil, err
	}
	if err := m.Validate(s.Address); err != nil {
		return nil, err
	}
	return m, nil
}

func (tx *txn) lookup(token solana.PublicKey) (market.Meta, error) {
	m, err := tx.Market(token)
	if err != nil {
		return market.Meta{}, err
	}
	return m.MetaInfo, nil
}

// checkPath verifies that path is well formed and leads from tokenIn to
// tokenOut.
func (tx *txn) checkPath(path []solana.PublicKey, tokenIn, tokenOut solana.PublicKey) error {
	if err := swap.ValidatePath(path); err != nil {
		return err
	}
	token := tokenIn
	for i, key := range path {
		meta, err := tx.lookup(key)
		if err != nil {
			return err
		}
		if meta.IsPure() {
			return fmt.Errorf("%w: %s", swap.ErrPureMarket, key)
		}
		if token, err = meta.OppositeToken(token); err != nil {
			return fmt.Errorf("%w: hop %d: %v", swap.ErrInvalidSwapPath, i, err)
		}
	}
	if !token.Equals(tokenOut) {
		return fmt.Errorf("%w: path ends in %s, want %s", swap.ErrInvalidSwapPath, token, tokenOut)
	}
	return nil
}

// --- Action accounts ---

// ActionOptions are the fields every create entry point accepts.
type ActionOptions struct {
	// Nonce seeds the action address; zero picks a random one.
	Nonce [32]byte `json:"nonce"`
	// Receiver gets the output of a completed action; zero means owner.
	Receiver solana.PublicKey `json:"receiver"`
	// RentReceiver gets the remaining lamports on close; zero means owner.
	RentReceiver       solana.PublicKey `json:"rent_receiver"`
	ShouldUnwrapNative bool             `json:"should_unwrap_native"`
	// ExecutionLamports raises the execution fee above the store minimum.
	ExecutionLamports uint64 `json:"execution_lamports"`
}

func (tx *txn) actionExists(addr solana.PublicKey) bool {
	_, d := tx.Deposits[addr]
	_, w := tx.Withdrawals[addr]
	_, s := tx.Shifts[addr]
	_, o := tx.Orders[addr]
	return d || w || s || o
}

var actionSeeds = map[action.Kind]string{
	action.KindDeposit:    "deposit",
	action.KindWithdrawal: "withdrawal",
	action.KindShift:      "shift",
	action.KindOrder:      "order",
}

// newHeader derives the action address and reserves the execution fee.
func (tx *txn) newHeader(kind action.Kind, s *registry.Store, marketToken, owner solana.PublicKey, opts ActionOptions) (action.Header, error) {
	nonce := opts.Nonce
	if nonce == ([32]byte{}) {
		id := uuid.New()
		copy(nonce[:], id[:])
	}
	addr, bump, err := registry.DeriveActionPDA(tx.ProgramID, actionSeeds[kind], s.Address, owner, nonce)
	if err != nil {
		return action.Header{}, fmt.Errorf("derive %s address: %w", kind, err)
	}
	if tx.actionExists(addr) {
		return action.Header{}, fmt.Errorf("%w: %s %s", registry.ErrAlreadyExists, kind, addr)
	}
	receiver, rentReceiver := opts.Receiver, opts.RentReceiver
	if receiver.IsZero() {
		receiver = owner
	}
	if rentReceiver.IsZero() {
		rentReceiver = owner
	}
	lamports := max(opts.ExecutionLamports, s.Amounts.ExecutionLamports)
	if err := tx.Ledger.Pay(owner, addr, lamports); err != nil {
		return action.Header{}, fmt.Errorf("reserve execution fee: %w", err)
	}
	tx.touchLedger()
	return action.Header{
		ID:                 tx.NextID(),
		Address:            addr,
		Store:              s.Address,
		Market:             marketToken,
		Owner:              owner,
		Receiver:           receiver,
		RentReceiver:       rentReceiver,
		Nonce:              nonce,
		Bump:               bump,
		Kind:               kind,
		State:              action.Pending,
		CreatedAt:          tx.now,
		UpdatedAt:          tx.now,
		Slot:               tx.slot,
		ShouldUnwrapNative: opts.ShouldUnwrapNative,
		ExecutionLamports:  lamports,
	}, nil
}

// execute runs body in a nested transaction. With throwOnError unset an
// arithmetic or invariant failure cancels h instead of aborting, leaving
// the escrow untouched.
func (tx *txn) execute(h *action.Header, throwOnError bool, body func(in *txn) error) (bool, error) {
	err := tx.nested(body)
	if err == nil {
		return false, nil
	}
	if throwOnError || !Classify(err).Soft() {
		return false, err
	}
	if cerr := h.Cancel(tx.now); cerr != nil {
		return false, cerr
	}
	tx.emitAction(EventActionCancelled, h, map[string]string{"reason": err.Error()})
	return true, nil
}

// payKeeper moves the execution fee of addr to the keeper.
func (tx *txn) payKeeper(addr, keeper solana.PublicKey, fee uint64) error {
	fee = min(fee, tx.Ledger.Lamports[addr])
	tx.touchLedger()
	return tx.Ledger.Pay(addr, keeper, fee)
}

// close validates who may close h, cancels it when still pending and
// returns its escrow and lamports. Keepers may close pending actions only
// when they expire.
func (tx *txn) close(h *action.Header, expires bool, signer solana.PublicKey, domain feature.Domain) error {
	s, err := tx.RequireStore()
	if err != nil {
		return err
	}
	expiration := s.Amounts.RequestExpiration
	if !expires {
		expiration = action.NoExpiration
	}
	isKeeper := s.HasRole(signer, registry.RoleOrderKeeper)
	if err := h.ValidateClose(signer, isKeeper, tx.now, expiration); err != nil {
		return err
	}
	if h.IsPending() {
		if err := s.Features.Validate(domain, feature.Cancel); err != nil {
			return err
		}
		if err := h.Cancel(tx.now); err != nil && !errors.Is(err, action.ErrNotPending) {
			return err
		}
		tx.emitAction(EventActionCancelled, h, map[string]string{"reason": "closed by " + signer.String()})
	}
	return tx.finish(h)
}

var actionAccounts = map[action.Kind]registry.AccountKind{
	action.KindDeposit:    registry.AccountDeposit,
	action.KindWithdrawal: registry.AccountWithdrawal,
	action.KindShift:      registry.AccountShift,
	action.KindOrder:      registry.AccountOrder,
}

// finish settles h and removes its account.
func (tx *txn) finish(h *action.Header) error {
	if err := tx.settle(h); err != nil {
		return err
	}
	switch h.Kind {
	case action.KindDeposit:
		delete(tx.Deposits, h.Address)
	case action.KindWithdrawal:
		delete(tx.Withdrawals, h.Address)
	case action.KindShift:
		delete(tx.Shifts, h.Address)
	case action.KindOrder:
		delete(tx.Orders, h.Address)
	}
	tx.Touch(actionAccounts[h.Kind], h.Address, true)
	tx.emitAction(EventActionClosed, h, map[string]string{"state": h.State.String()})
	return nil
}

// settle empties every escrow account of h, to the receiver when h
// completed and back to the owner otherwise, then refunds the remaining
// lamports to the rent receiver.
func (tx *txn) settle(h *action.Header) error {
	to := h.Owner
	if h.State == action.Completed {
		to = h.Receiver
	}
	l := tx.Ledger
	tx.touchLedger()
	for _, acc := range l.OwnedBy(h.Address) {
		if amount := acc.Amount; !amount.IsZero() {
			if h.ShouldUnwrapNative && acc.Mint.Equals(solana.SolMint) {
				if err := l.Unwrap(acc.Address, to, amount); err != nil {
					return err
				}
			} else {
				dst, err := l.Open(to, acc.Mint)
				if err != nil {
					return err
				}
				if err := l.Transfer(acc.Address, dst.Address, amount); err != nil {
					return err
				}
			}
		}
		if err := l.CloseAccount(acc.Address); err != nil {
			return err
		}
	}
	if rest := l.Lamports[h.Address]; rest > 0 {
		if err := l.Pay(h.Address, h.RentReceiver, rest); err != nil {
			return err
		}
	}
	delete(l.Lamports, h.Address)
	return nil
}

// --- Tokens ---

func (tx *txn) touchLedger() { tx.Touch(registry.AccountLedger, solana.PublicKey{}, false) }

// escrowIn moves amount of mint from the owner's token account into the
// escrow of the action at addr.
func (tx *txn) escrowIn(addr, owner, mint solana.PublicKey, amount num.Num) error {
	if amount.IsZero() {
		return nil
	}
	src, err := registry.AssociatedTokenAddress(owner, mint)
	if err != nil {
		return err
	}
	escrow, err := tx.Ledger.Open(addr, mint)
	if err != nil {
		return err
	}
	tx.touchLedger()
	return tx.Ledger.Transfer(src, escrow.Address, amount)
}

// escrowToVault moves the escrowed amount of mint into the store vault.
func (tx *txn) escrowToVault(addr, mint solana.PublicKey, amount num.Num) error {
	if amount.IsZero() {
		return nil
	}
	escrow, err := registry.AssociatedTokenAddress(addr, mint)
	if err != nil {
		return err
	}
	vault, err := tx.Vaults().Open(mint)
	if err != nil {
		return err
	}
	tx.touchLedger()
	return tx.Ledger.Transfer(escrow, vault, amount)
}

// vaultTo pays amount of mint out of the store vault into the token
// account of owner, creating it if needed.
func (tx *txn) vaultTo(owner, mint solana.PublicKey, amount num.Num) error {
	if amount.IsZero() {
		return nil
	}
	vault, err := tx.Vaults().Address(mint)
	if err != nil {
		return err
	}
	dst, err := tx.Ledger.Open(owner, mint)
	if err != nil {
		return err
	}
	tx.touchLedger()
	return tx.Ledger.Transfer(vault, dst.Address, amount)
}

// --- Markets and prices ---

// loadMarkets wraps the current market and every market of paths.
func (tx *txn) loadMarkets(s *registry.Store, current *market.Market, paths ...action.SwapParams) (*revertible.SwapMarkets, *revertible.Market, []market.Meta, error) {
	sm := revertible.NewSwapMarkets(tx.InventoryLoader())
	cur, err := sm.SetCurrent(current)
	if err != nil {
		return nil, nil, nil, err
	}
	metas := []market.Meta{current.MetaInfo}
	for _, p := range paths {
		for _, token := range p.Markets() {
			if _, ok := sm.Get(token); ok {
				continue
			}
			m, err := tx.activeMarket(s, token)
			if err != nil {
				return nil, nil, nil, err
			}
			if _, err := sm.Add(m); err != nil {
				return nil, nil, nil, err
			}
			metas = append(metas, m.MetaInfo)
		}
	}
	return sm, cur, metas, nil
}

// setPrices validates the prices of every token of metas into a fresh
// oracle buffer.
func (tx *txn) setPrices(s *registry.Store, metas ...market.Meta) (*oracle.Oracle, error) {
	tokens := make([]solana.PublicKey, 0, 3*len(metas))
	for _, m := range metas {
		tokens = append(tokens, m.IndexToken, m.LongToken, m.ShortToken)
	}
	reqs, err := s.PriceRequests(tokens...)
	if err != nil {
		return nil, err
	}
	o := oracle.New()
	if err := o.SetPrices(tx.ctx, s.Oracle, tx.now, tx.x.adapters, reqs); err != nil {
		metrics.OracleRejections.Inc()
		return nil, err
	}
	return o, nil
}

// commit writes the staged markets through and records them as changed.
func (tx *txn) commit(sm *revertible.SwapMarkets) error {
	touched := sm.MutationOrder()
	if err := sm.Commit(); err != nil {
		return err
	}
	for _, token := range touched {
		tx.Touch(registry.AccountMarket, token, false)
		m := tx.Markets[token]
		for _, kind := range []market.VirtualInventoryKind{market.VirtualInventoryForSwaps, market.VirtualInventoryForPositions} {
			if key := m.VirtualInventoryKey(kind); !key.IsZero() {
				tx.Touch(registry.AccountVirtualInventory, key, false)
			}
		}
	}
	return nil
}

// validateStaged checks the vault balances of every staged market.
func validateStaged(sm *revertible.SwapMarkets, vaults registry.Vaults) error {
	for _, token := range sm.MutationOrder() {
		m, ok := sm.Get(token)
		if !ok {
			continue
		}
		if err := market.ValidateBalances(m, vaults); err != nil {
			return fmt.Errorf("market %s: %w", token, err)
		}
	}
	return nil
}

// swapAlong swaps amountIn of tokenIn along path into tokenOut. An empty
// path passes the amount through.
func swapAlong(sm *revertible.SwapMarkets, o *oracle.Oracle, vaults registry.Vaults, path []solana.PublicKey, tokenIn, tokenOut solana.PublicKey, amountIn num.Num) (num.Num, error) {
	if amountIn.IsZero() {
		return num.Zero, nil
	}
	res, err := swap.Execute(sm, o, vaults, swap.PathParams{
		Path:     path,
		TokenIn:  tokenIn,
		AmountIn: amountIn,
		TokenOut: tokenOut,
	})
	if err != nil {
		return num.Zero, err
	}
	return res.AmountOut, nil
}
