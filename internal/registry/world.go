package registry

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gagliardetto/solana-go"

	"github.com/atmx/perp-engine/internal/action"
	"github.com/atmx/perp-engine/internal/market"
	"github.com/atmx/perp-engine/internal/position"
	"github.com/atmx/perp-engine/internal/revertible"
)

var (
	ErrStoreNotInitialized = errors.New("registry: store not initialized")
	ErrMarketNotFound      = errors.New("registry: market not found")
	ErrPositionNotFound    = errors.New("registry: position not found")
	ErrActionNotFound      = errors.New("registry: action not found")
	ErrInventoryNotFound   = errors.New("registry: virtual inventory not found")
	ErrAlreadyExists       = errors.New("registry: account already exists")
)

// AccountKind tags a changed account.
type AccountKind uint8

const (
	AccountStore AccountKind = iota
	AccountMarket
	AccountVirtualInventory
	AccountPosition
	AccountDeposit
	AccountWithdrawal
	AccountShift
	AccountOrder
	AccountLedger
)

var accountKindNames = [...]string{"store", "market", "virtual_inventory", "position", "deposit", "withdrawal", "shift", "order", "ledger"}

func (k AccountKind) String() string {
	if int(k) < len(accountKindNames) {
		return accountKindNames[k]
	}
	return fmt.Sprintf("account(%d)", uint8(k))
}

// Change records one account written or removed by a transaction.
type Change struct {
	Kind    AccountKind      `json:"kind"`
	Address solana.PublicKey `json:"address"`
	Deleted bool             `json:"deleted"`
}

// State is every account the protocol owns. Markets are keyed by market
// token; everything else by account address.
type State struct {
	ProgramID   solana.PublicKey
	Store       *Store
	Markets     map[solana.PublicKey]*market.Market
	Inventories map[solana.PublicKey]*market.VirtualInventory
	Positions   map[solana.PublicKey]*position.Position
	Deposits    map[solana.PublicKey]*action.Deposit
	Withdrawals map[solana.PublicKey]*action.Withdrawal
	Shifts      map[solana.PublicKey]*action.Shift
	Orders      map[solana.PublicKey]*action.Order
	Ledger      *Ledger

	NextActionID uint64

	changes []Change
	index   map[Change]int
}

func newState(programID solana.PublicKey) *State {
	return &State{
		ProgramID:   programID,
		Markets:     make(map[solana.PublicKey]*market.Market),
		Inventories: make(map[solana.PublicKey]*market.VirtualInventory),
		Positions:   make(map[solana.PublicKey]*position.Position),
		Deposits:    make(map[solana.PublicKey]*action.Deposit),
		Withdrawals: make(map[solana.PublicKey]*action.Withdrawal),
		Shifts:      make(map[solana.PublicKey]*action.Shift),
		Orders:      make(map[solana.PublicKey]*action.Order),
		Ledger:      NewLedger(),
	}
}

func cloneSwap(p action.SwapParams) action.SwapParams {
	return action.SwapParams{
		PrimaryPath:   append([]solana.PublicKey(nil), p.PrimaryPath...),
		SecondaryPath: append([]solana.PublicKey(nil), p.SecondaryPath...),
	}
}

func (s *State) clone() *State {
	c := newState(s.ProgramID)
	if s.Store != nil {
		c.Store = s.Store.Clone()
	}
	for k, v := range s.Markets {
		c.Markets[k] = v.Clone()
	}
	for k, v := range s.Inventories {
		vi := *v
		c.Inventories[k] = &vi
	}
	for k, v := range s.Positions {
		p := *v
		c.Positions[k] = &p
	}
	for k, v := range s.Deposits {
		d := *v
		d.Swap = cloneSwap(v.Swap)
		c.Deposits[k] = &d
	}
	for k, v := range s.Withdrawals {
		w := *v
		w.Swap = cloneSwap(v.Swap)
		c.Withdrawals[k] = &w
	}
	for k, v := range s.Shifts {
		sh := *v
		c.Shifts[k] = &sh
	}
	for k, v := range s.Orders {
		o := *v
		o.Swap = cloneSwap(v.Swap)
		c.Orders[k] = &o
	}
	c.Ledger = s.Ledger.Clone()
	c.NextActionID = s.NextActionID
	return c
}

// Touch records a change to be reported when the transaction commits.
func (s *State) Touch(kind AccountKind, addr solana.PublicKey, deleted bool) {
	if s.index == nil {
		s.index = make(map[Change]int)
	}
	key := Change{Kind: kind, Address: addr}
	if i, ok := s.index[key]; ok {
		s.changes[i].Deleted = deleted
		return
	}
	s.index[key] = len(s.changes)
	s.changes = append(s.changes, Change{Kind: kind, Address: addr, Deleted: deleted})
}

// Changes returns the accounts touched so far in this transaction.
func (s *State) Changes() []Change {
	return append([]Change(nil), s.changes...)
}

// Nested runs fn on a copy of s and keeps the copy, including the
// changes fn recorded, only when fn returns nil.
func (s *State) Nested(fn func(tx *State) error) error {
	tx := s.clone()
	tx.changes = append([]Change(nil), s.changes...)
	tx.index = make(map[Change]int, len(s.index))
	for k, v := range s.index {
		tx.index[k] = v
	}
	if err := fn(tx); err != nil {
		return err
	}
	*s = *tx
	return nil
}

// RequireStore returns the store or ErrStoreNotInitialized.
func (s *State) RequireStore() (*Store, error) {
	if s.Store == nil {
		return nil, ErrStoreNotInitialized
	}
	return s.Store, nil
}

func (s *State) Market(token solana.PublicKey) (*market.Market, error) {
	m, ok := s.Markets[token]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMarketNotFound, token)
	}
	return m, nil
}

func (s *State) Position(addr solana.PublicKey) (*position.Position, error) {
	p, ok := s.Positions[addr]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPositionNotFound, addr)
	}
	return p, nil
}

func (s *State) Deposit(addr solana.PublicKey) (*action.Deposit, error) {
	d, ok := s.Deposits[addr]
	if !ok {
		return nil, fmt.Errorf("%w: deposit %s", ErrActionNotFound, addr)
	}
	return d, nil
}

func (s *State) Withdrawal(addr solana.PublicKey) (*action.Withdrawal, error) {
	w, ok := s.Withdrawals[addr]
	if !ok {
		return nil, fmt.Errorf("%w: withdrawal %s", ErrActionNotFound, addr)
	}
	return w, nil
}

func (s *State) Shift(addr solana.PublicKey) (*action.Shift, error) {
	sh, ok := s.Shifts[addr]
	if !ok {
		return nil, fmt.Errorf("%w: shift %s", ErrActionNotFound, addr)
	}
	return sh, nil
}

func (s *State) Order(addr solana.PublicKey) (*action.Order, error) {
	o, ok := s.Orders[addr]
	if !ok {
		return nil, fmt.Errorf("%w: order %s", ErrActionNotFound, addr)
	}
	return o, nil
}

// InventoryLoader resolves virtual inventories of this state for the
// revertible layer.
func (s *State) InventoryLoader() revertible.InventoryLoader {
	return func(addr solana.PublicKey) (*market.VirtualInventory, error) {
		vi, ok := s.Inventories[addr]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrInventoryNotFound, addr)
		}
		return vi, nil
	}
}

// NextID returns a fresh action id.
func (s *State) NextID() uint64 {
	s.NextActionID++
	return s.NextActionID
}

// Vaults returns the market vaults of the store.
func (s *State) Vaults() Vaults {
	var store solana.PublicKey
	if s.Store != nil {
		store = s.Store.Address
	}
	return s.Ledger.Vaults(s.ProgramID, store)
}

// World serializes transactions over one State. Each transaction runs on
// a private copy that replaces the state only when it succeeds.
type World struct {
	mu    sync.RWMutex
	state *State
}

// NewWorld returns an empty world for programID.
func NewWorld(programID solana.PublicKey) *World {
	return &World{state: newState(programID)}
}

// Transact runs fn on a copy of the state and commits it when fn returns
// nil. It returns the accounts fn touched.
func (w *World) Transact(fn func(tx *State) error) ([]Change, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	tx := w.state.clone()
	if err := fn(tx); err != nil {
		return nil, err
	}
	changes := tx.changes
	tx.changes, tx.index = nil, nil
	w.state = tx
	return changes, nil
}

// View runs fn on the committed state. fn must not mutate it.
func (w *World) View(fn func(s *State) error) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return fn(w.state)
}

// Restore replaces the state, used when loading from persistence.
func (w *World) Restore(s *State) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if s.Ledger == nil {
		s.Ledger = NewLedger()
	}
	w.state = s
}

// NewState returns an empty state for loaders.
func NewState(programID solana.PublicKey) *State { return newState(programID) }
