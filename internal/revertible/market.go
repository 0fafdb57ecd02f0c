// Package revertible stages market writes so a failed action leaves the
// backing accounts untouched.
package revertible

import (
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"

	"github.com/atmx/perp-engine/internal/market"
	"github.com/atmx/perp-engine/internal/num"
	"github.com/atmx/perp-engine/internal/pool"
)

var (
	// ErrDuplicateMarket is returned when a market is added twice.
	ErrDuplicateMarket = errors.New("revertible: duplicate market")

	// ErrMissingVirtualInventory is returned when a linked virtual
	// inventory was not loaded.
	ErrMissingVirtualInventory = errors.New("revertible: missing virtual inventory")

	// ErrVirtualInventoryMismatch is returned when a virtual inventory is
	// linked under the wrong kind or address.
	ErrVirtualInventoryMismatch = errors.New("revertible: virtual inventory mismatch")
)

// VirtualInventory stages deltas against a shared inventory.
type VirtualInventory struct {
	base  *market.VirtualInventory
	delta pool.Delta
}

// NewVirtualInventory wraps base.
func NewVirtualInventory(base *market.VirtualInventory) *VirtualInventory {
	return &VirtualInventory{base: base}
}

// Address returns the inventory account address.
func (v *VirtualInventory) Address() solana.PublicKey { return v.base.Address }

// Pool returns the inventory pool with staged deltas applied.
func (v *VirtualInventory) Pool() pool.Pool {
	p, err := v.base.Pool.CheckedApply(v.delta)
	if err != nil {
		return v.base.Pool
	}
	return p
}

func (v *VirtualInventory) stage(side pool.Side, d num.Signed) (pool.Delta, error) {
	return stageDelta(v.base.Pool, v.delta, side, d)
}

// Commit writes the staged delta through.
func (v *VirtualInventory) Commit() error {
	if v.delta.IsZero() {
		return nil
	}
	if err := v.base.Pool.Apply(v.delta); err != nil {
		return fmt.Errorf("commit virtual inventory %s: %w", v.base.Address, err)
	}
	v.delta = pool.Delta{}
	return nil
}

// Discard drops the staged delta.
func (v *VirtualInventory) Discard() { v.delta = pool.Delta{} }

// stageDelta returns current + d on side, checked against base. Pure pools
// take every write on the long component.
func stageDelta(base pool.Pool, current pool.Delta, side pool.Side, d num.Signed) (pool.Delta, error) {
	if base.Pure {
		side = pool.Long
	}
	next, err := current.Add(pool.DeltaOf(side, d))
	if err != nil {
		return pool.Delta{}, err
	}
	if _, err := base.CheckedApply(next); err != nil {
		return pool.Delta{}, err
	}
	return next, nil
}

// Market is a copy-on-write view of a market. Reads see staged writes;
// nothing reaches the backing market until Commit.
type Market struct {
	base *market.Market

	deltas   [market.NumPoolKinds]pool.Delta
	clocks   [market.MaxClocks]int64
	clockSet [market.MaxClocks]bool
	funding  num.Signed
	fundSet  bool
	trades   uint64

	vis      [2]*VirtualInventory
	mutated  bool
	onMutate func(*Market)
}

// New wraps base.
func New(base *market.Market) *Market {
	return &Market{base: base}
}

// Link attaches the virtual inventory base points at for kind.
func (m *Market) Link(kind market.VirtualInventoryKind, vi *VirtualInventory) error {
	key := m.base.VirtualInventoryKey(kind)
	if key.IsZero() {
		return fmt.Errorf("%w: %s has no %s inventory", ErrVirtualInventoryMismatch, m.base.MetaInfo.MarketToken, kind)
	}
	if vi == nil || !vi.Address().Equals(key) || vi.base.Kind != kind {
		return fmt.Errorf("%w: %s %s inventory", ErrVirtualInventoryMismatch, m.base.MetaInfo.MarketToken, kind)
	}
	m.vis[kind] = vi
	return nil
}

// Base returns the backing market.
func (m *Market) Base() *market.Market { return m.base }

// MarketToken returns the market token address.
func (m *Market) MarketToken() solana.PublicKey { return m.base.MetaInfo.MarketToken }

// Mutated reports whether anything is staged.
func (m *Market) Mutated() bool { return m.mutated }

func (m *Market) Meta() market.Meta { return m.base.Meta() }
func (m *Market) Flags() market.Flags { return m.base.Flags() }
func (m *Market) Config() *market.Config { return m.base.Config() }

// Pool returns the pool of kind with staged deltas applied.
func (m *Market) Pool(kind market.PoolKind) pool.Pool {
	base := m.base.Pool(kind)
	if kind >= market.NumPoolKinds || m.deltas[kind].IsZero() {
		return base
	}
	p, err := base.CheckedApply(m.deltas[kind])
	if err != nil {
		return base
	}
	return p
}

func (m *Market) Clock(kind market.ClockKind) int64 {
	if m.clockSet[kind] {
		return m.clocks[kind]
	}
	return m.base.Clock(kind)
}

func (m *Market) FundingFactorPerSecond() num.Signed {
	if m.fundSet {
		return m.funding
	}
	return m.base.FundingFactorPerSecond()
}

// VirtualInventory returns the staged pool of a linked inventory.
func (m *Market) VirtualInventory(kind market.VirtualInventoryKind) (pool.Pool, bool) {
	if int(kind) >= len(m.vis) || m.vis[kind] == nil {
		return pool.Pool{}, false
	}
	return m.vis[kind].Pool(), true
}

// ApplyPoolDelta stages a write. Primary writes are mirrored into the swap
// inventory and open interest writes into the position inventory.
func (m *Market) ApplyPoolDelta(kind market.PoolKind, side pool.Side, delta num.Signed) error {
	if kind >= market.NumPoolKinds {
		return fmt.Errorf("%w: %d", market.ErrInvalidPoolKind, kind)
	}
	if !m.base.FlagSet.Enabled {
		return fmt.Errorf("%w: %s", market.ErrDisabled, m.MarketToken())
	}
	if delta.IsZero() {
		return nil
	}
	next, err := stageDelta(m.base.Pool(kind), m.deltas[kind], side, delta)
	if err != nil {
		return fmt.Errorf("%s: %w", kind, err)
	}

	vi, viSide := m.mirror(kind, side)
	var viNext pool.Delta
	if vi != nil {
		if viNext, err = vi.stage(viSide, delta); err != nil {
			return fmt.Errorf("%s inventory: %w", vi.base.Kind, err)
		}
	}

	m.deltas[kind] = next
	if vi != nil {
		vi.delta = viNext
	}
	m.touch()
	return nil
}

func (m *Market) mirror(kind market.PoolKind, side pool.Side) (*VirtualInventory, pool.Side) {
	switch kind {
	case market.Primary:
		return m.vis[market.VirtualInventoryForSwaps], side
	case market.OpenInterestLong:
		return m.vis[market.VirtualInventoryForPositions], pool.Long
	case market.OpenInterestShort:
		return m.vis[market.VirtualInventoryForPositions], pool.Short
	}
	return nil, side
}

func (m *Market) SetClock(kind market.ClockKind, ts int64) {
	m.clocks[kind] = ts
	m.clockSet[kind] = true
	m.touch()
}

func (m *Market) SetFundingFactorPerSecond(v num.Signed) {
	m.funding = v
	m.fundSet = true
	m.touch()
}

// NextTradeID reserves the next trade id.
func (m *Market) NextTradeID() uint64 {
	m.trades++
	m.touch()
	return m.base.StateInfo.TradeCount + m.trades
}

func (m *Market) touch() {
	if m.mutated {
		return
	}
	m.mutated = true
	if m.onMutate != nil {
		m.onMutate(m)
	}
}

// Commit applies staged pool deltas in pool kind order, then clocks,
// funding and the trade counter. Linked inventories are committed by
// their owner.
func (m *Market) Commit() error {
	pools := m.base.Pools
	for k := market.PoolKind(0); k < market.NumPoolKinds; k++ {
		if m.deltas[k].IsZero() {
			continue
		}
		if err := pools[k].Apply(m.deltas[k]); err != nil {
			return fmt.Errorf("commit %s %s: %w", m.MarketToken(), k, err)
		}
	}
	m.base.Pools = pools
	for k := range m.clocks {
		if m.clockSet[k] {
			m.base.Clocks[k] = m.clocks[k]
		}
	}
	if m.fundSet {
		m.base.StateInfo.FundingFactorPerSecond = m.funding
	}
	m.base.StateInfo.TradeCount += m.trades
	m.Discard()
	return nil
}

// Discard drops everything staged.
func (m *Market) Discard() {
	m.deltas = [market.NumPoolKinds]pool.Delta{}
	m.clocks = [market.MaxClocks]int64{}
	m.clockSet = [market.MaxClocks]bool{}
	m.funding, m.fundSet = num.SignedZero, false
	m.trades = 0
	m.mutated = false
}
