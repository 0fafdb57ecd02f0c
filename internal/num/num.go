// Package num implements the checked fixed-point arithmetic used by the
// market kernel.
//
// Every value is an unsigned 128-bit quantity carried in a 256-bit word so
// that products of two values never lose precision before division. All
// operations return an explicit error instead of wrapping.
package num

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/holiman/uint256"
)

var (
	// ErrOverflow is returned when a result does not fit in 128 bits.
	ErrOverflow = errors.New("num: overflow")

	// ErrUnderflow is returned when an unsigned subtraction goes negative.
	ErrUnderflow = errors.New("num: underflow")

	// ErrDivideByZero is returned for any division by zero.
	ErrDivideByZero = errors.New("num: divide by zero")

	// ErrInvalidArgument is returned for malformed inputs (bad decimal
	// strings, inverted bounds, unsupported exponents).
	ErrInvalidArgument = errors.New("num: invalid argument")
)

// Num is an unsigned integer in [0, 2^128).
type Num struct {
	v uint256.Int
}

var maxU128 = func() uint256.Int {
	var z uint256.Int
	z.Lsh(uint256.NewInt(1), 128)
	z.Sub(&z, uint256.NewInt(1))
	return z
}()

// Zero is the additive identity.
var Zero = Num{}

// MaxNum is 2^128 - 1.
var MaxNum = Num{v: maxU128}

// New returns n as a Num.
func New(n uint64) Num {
	var z Num
	z.v.SetUint64(n)
	return z
}

// FromParts builds a Num from its low and high 64-bit halves.
func FromParts(lo, hi uint64) Num {
	var z Num
	z.v[0] = lo
	z.v[1] = hi
	return z
}

// Parts returns the low and high 64-bit halves.
func (n Num) Parts() (lo, hi uint64) {
	return n.v[0], n.v[1]
}

// FromBig converts a non-negative big.Int, failing if it exceeds 128 bits.
func FromBig(b *big.Int) (Num, error) {
	if b.Sign() < 0 {
		return Zero, fmt.Errorf("%w: negative value %s", ErrInvalidArgument, b)
	}
	u, overflow := uint256.FromBig(b)
	if overflow {
		return Zero, ErrOverflow
	}
	return fit(u)
}

// Parse parses a base-10 string.
func Parse(s string) (Num, error) {
	u, err := uint256.FromDecimal(s)
	if err != nil {
		return Zero, fmt.Errorf("%w: %q", ErrInvalidArgument, s)
	}
	return fit(u)
}

// MustParse is Parse for constants and tests.
func MustParse(s string) Num {
	n, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return n
}

// Pow10 returns 10^exp for exp <= 38.
func Pow10(exp uint8) (Num, error) {
	if exp > 38 {
		return Zero, fmt.Errorf("%w: 10^%d", ErrOverflow, exp)
	}
	var z uint256.Int
	z.Exp(uint256.NewInt(10), uint256.NewInt(uint64(exp)))
	return Num{v: z}, nil
}

// MustPow10 is Pow10 for compile-time known exponents.
func MustPow10(exp uint8) Num {
	n, err := Pow10(exp)
	if err != nil {
		panic(err)
	}
	return n
}

func fit(u *uint256.Int) (Num, error) {
	if u.Gt(&maxU128) {
		return Zero, ErrOverflow
	}
	return Num{v: *u}, nil
}

// IsZero reports whether n == 0.
func (n Num) IsZero() bool { return n.v.IsZero() }

// Cmp compares n and o and returns -1, 0 or +1.
func (n Num) Cmp(o Num) int { return n.v.Cmp(&o.v) }

// Eq reports n == o.
func (n Num) Eq(o Num) bool { return n.v.Eq(&o.v) }

// Lt reports n < o.
func (n Num) Lt(o Num) bool { return n.v.Lt(&o.v) }

// Gt reports n > o.
func (n Num) Gt(o Num) bool { return n.v.Gt(&o.v) }

// Lte reports n <= o.
func (n Num) Lte(o Num) bool { return !n.v.Gt(&o.v) }

// Gte reports n >= o.
func (n Num) Gte(o Num) bool { return !n.v.Lt(&o.v) }

// Uint64 returns n as a uint64, failing when it does not fit.
func (n Num) Uint64() (uint64, error) {
	if !n.v.IsUint64() {
		return 0, fmt.Errorf("%w: %s exceeds u64", ErrOverflow, n)
	}
	return n.v.Uint64(), nil
}

// Big returns n as a new big.Int.
func (n Num) Big() *big.Int { return n.v.ToBig() }

// String renders n in base 10.
func (n Num) String() string { return n.v.Dec() }

// MarshalText renders n as a base-10 string so JSON payloads never lose
// precision.
func (n Num) MarshalText() ([]byte, error) { return []byte(n.String()), nil }

// UnmarshalText parses a base-10 string.
func (n *Num) UnmarshalText(b []byte) error {
	v, err := Parse(string(b))
	if err != nil {
		return err
	}
	*n = v
	return nil
}

// Add returns n + o.
func (n Num) Add(o Num) (Num, error) {
	var z uint256.Int
	z.Add(&n.v, &o.v)
	return fit(&z)
}

// Sub returns n - o, failing when o > n.
func (n Num) Sub(o Num) (Num, error) {
	if n.v.Lt(&o.v) {
		return Zero, fmt.Errorf("%w: %s - %s", ErrUnderflow, n, o)
	}
	var z uint256.Int
	z.Sub(&n.v, &o.v)
	return Num{v: z}, nil
}

// SaturatingSub returns max(n - o, 0).
func (n Num) SaturatingSub(o Num) Num {
	if n.v.Lt(&o.v) {
		return Zero
	}
	var z uint256.Int
	z.Sub(&n.v, &o.v)
	return Num{v: z}
}

// Mul returns n * o.
func (n Num) Mul(o Num) (Num, error) {
	var z uint256.Int
	// Both operands are below 2^128 so the 256-bit product cannot wrap.
	z.Mul(&n.v, &o.v)
	return fit(&z)
}

// Div returns floor(n / o).
func (n Num) Div(o Num) (Num, error) {
	if o.IsZero() {
		return Zero, ErrDivideByZero
	}
	var z uint256.Int
	z.Div(&n.v, &o.v)
	return Num{v: z}, nil
}

// RoundUpDiv returns ceil(n / o).
func (n Num) RoundUpDiv(o Num) (Num, error) {
	if o.IsZero() {
		return Zero, ErrDivideByZero
	}
	var q, r uint256.Int
	q.DivMod(&n.v, &o.v, &r)
	if !r.IsZero() {
		q.AddUint64(&q, 1)
	}
	return fit(&q)
}

// MulDiv returns floor(n * mul / div) with a full-width intermediate.
func (n Num) MulDiv(mul, div Num) (Num, error) {
	return n.mulDiv(mul, div, false)
}

// MulDivRoundUp returns ceil(n * mul / div) with a full-width intermediate.
func (n Num) MulDivRoundUp(mul, div Num) (Num, error) {
	return n.mulDiv(mul, div, true)
}

// MulDivRound dispatches to MulDiv or MulDivRoundUp.
func (n Num) MulDivRound(mul, div Num, roundUp bool) (Num, error) {
	return n.mulDiv(mul, div, roundUp)
}

func (n Num) mulDiv(mul, div Num, roundUp bool) (Num, error) {
	if div.IsZero() {
		return Zero, ErrDivideByZero
	}
	var prod, q, r uint256.Int
	prod.Mul(&n.v, &mul.v)
	q.DivMod(&prod, &div.v, &r)
	if roundUp && !r.IsZero() {
		q.AddUint64(&q, 1)
	}
	return fit(&q)
}

// Min returns the smaller of a and b.
func Min(a, b Num) Num {
	if a.Lt(b) {
		return a
	}
	return b
}

// Max returns the larger of a and b.
func Max(a, b Num) Num {
	if a.Gt(b) {
		return a
	}
	return b
}

// Sum adds all values, failing on the first overflow.
func Sum(values ...Num) (Num, error) {
	total := Zero
	for _, v := range values {
		var err error
		if total, err = total.Add(v); err != nil {
			return Zero, err
		}
	}
	return total, nil
}

// AbsDiff returns |a - b|.
func AbsDiff(a, b Num) Num {
	if a.Gt(b) {
		return a.SaturatingSub(b)
	}
	return b.SaturatingSub(a)
}
