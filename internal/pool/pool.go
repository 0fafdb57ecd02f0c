// Package pool implements the dual-balance cells that make up a market.
//
// A pool holds one amount for the long token and one for the short token.
// In pure mode (long and short token are the same mint) both sides alias
// half of the long slot on read and every write lands on the long slot.
package pool

import (
	"errors"
	"fmt"

	"github.com/atmx/perp-engine/internal/num"
)

// Side selects the long-token or short-token slot of a pool.
type Side uint8

const (
	Long Side = iota
	Short
)

// SideOf maps an is-long flag to a Side.
func SideOf(isLong bool) Side {
	if isLong {
		return Long
	}
	return Short
}

// IsLong reports whether s is the long side.
func (s Side) IsLong() bool { return s == Long }

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == Long {
		return Short
	}
	return Long
}

func (s Side) String() string {
	if s == Long {
		return "long"
	}
	return "short"
}

// ErrNegativeAmount is returned when a delta would drive a slot below zero.
var ErrNegativeAmount = errors.New("pool: amount would become negative")

// Pool is a dual-balance cell.
type Pool struct {
	LongAmount  num.Num `json:"long_amount"`
	ShortAmount num.Num `json:"short_amount"`
	Pure        bool    `json:"pure"`
}

// New returns an empty pool in the given mode.
func New(pure bool) Pool { return Pool{Pure: pure} }

// Amount returns the amount on the given side. Pure pools report half of
// the long slot on either side.
func (p Pool) Amount(side Side) num.Num {
	if p.Pure {
		half, _ := p.LongAmount.Div(num.New(2))
		return half
	}
	if side == Long {
		return p.LongAmount
	}
	return p.ShortAmount
}

// Total returns the sum of both slots as stored.
func (p Pool) Total() (num.Num, error) {
	return p.LongAmount.Add(p.ShortAmount)
}

// ApplyDelta adds a signed delta to one side. Pure pools route every write
// to the long slot.
func (p *Pool) ApplyDelta(side Side, delta num.Signed) error {
	if delta.IsZero() {
		return nil
	}
	slot := &p.ShortAmount
	if p.Pure || side == Long {
		slot = &p.LongAmount
	}
	next, err := applySigned(*slot, delta)
	if err != nil {
		return fmt.Errorf("pool %s: %w", side, err)
	}
	*slot = next
	return nil
}

// ApplyDeltaAmount is ApplyDelta for an unsigned increase.
func (p *Pool) ApplyDeltaAmount(side Side, amount num.Num) error {
	d, err := num.ToSigned(amount)
	if err != nil {
		return err
	}
	return p.ApplyDelta(side, d)
}

// Apply adds both sides of a Delta.
func (p *Pool) Apply(d Delta) error {
	if err := p.ApplyDelta(Long, d.Long); err != nil {
		return err
	}
	return p.ApplyDelta(Short, d.Short)
}

// CheckedApply returns a copy of p with d applied, leaving p untouched.
func (p Pool) CheckedApply(d Delta) (Pool, error) {
	next := p
	if err := next.Apply(d); err != nil {
		return Pool{}, err
	}
	return next, nil
}

// USDValue returns amount(side) * price.
func (p Pool) USDValue(side Side, price num.Num) (num.Num, error) {
	return p.Amount(side).Mul(price)
}

// Validate checks the pure-mode law: a pure pool never holds a short amount.
func (p Pool) Validate() error {
	if p.Pure && !p.ShortAmount.IsZero() {
		return fmt.Errorf("pool: pure pool holds short amount %s", p.ShortAmount)
	}
	return nil
}

func applySigned(n num.Num, d num.Signed) (num.Num, error) {
	if d.IsNegative() {
		if n.Lt(d.Abs()) {
			return num.Zero, fmt.Errorf("%w: %s%s", ErrNegativeAmount, n, d)
		}
		return n.Sub(d.Abs())
	}
	return n.Add(d.Abs())
}

// Delta is a pair of signed changes, one per slot.
type Delta struct {
	Long  num.Signed `json:"long"`
	Short num.Signed `json:"short"`
}

// DeltaOf builds a Delta touching one side.
func DeltaOf(side Side, d num.Signed) Delta {
	if side == Long {
		return Delta{Long: d}
	}
	return Delta{Short: d}
}

// IsZero reports whether both components are zero.
func (d Delta) IsZero() bool { return d.Long.IsZero() && d.Short.IsZero() }

// Side returns the component for the given side.
func (d Delta) Side(side Side) num.Signed {
	if side == Long {
		return d.Long
	}
	return d.Short
}

// Add merges two deltas component-wise.
func (d Delta) Add(o Delta) (Delta, error) {
	long, err := d.Long.Add(o.Long)
	if err != nil {
		return Delta{}, err
	}
	short, err := d.Short.Add(o.Short)
	if err != nil {
		return Delta{}, err
	}
	return Delta{Long: long, Short: short}, nil
}

// Merged is a read-only sum of two pools, used for queries such as the
// combined collateral of both position sides.
type Merged struct {
	A, B Pool
}

// Merge returns a view summing a and b.
func Merge(a, b Pool) Merged { return Merged{A: a, B: b} }

// Amount returns a.Amount(side) + b.Amount(side).
func (m Merged) Amount(side Side) (num.Num, error) {
	return m.A.Amount(side).Add(m.B.Amount(side))
}

// USDValue returns the merged amount times price.
func (m Merged) USDValue(side Side, price num.Num) (num.Num, error) {
	amt, err := m.Amount(side)
	if err != nil {
		return num.Zero, err
	}
	return amt.Mul(price)
}
