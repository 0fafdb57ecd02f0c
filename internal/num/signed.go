package num

import (
	"fmt"
	"math/big"
	"strings"
)

// maxSignedMag is 2^127 - 1, the largest magnitude a Signed may carry.
var maxSignedMag = func() Num {
	n, _ := MaxNum.Div(New(2))
	return n
}()

// Signed is a sign-magnitude integer in (-2^127, 2^127). Zero is never
// negative.
type Signed struct {
	mag Num
	neg bool
}

// SignedZero is the signed additive identity.
var SignedZero = Signed{}

// MaxSigned is 2^127 - 1.
var MaxSigned = Signed{mag: maxSignedMag}

// NewSigned builds a Signed from a magnitude and sign.
func NewSigned(mag Num, negative bool) (Signed, error) {
	if mag.Gt(maxSignedMag) {
		return SignedZero, fmt.Errorf("%w: signed magnitude %s", ErrOverflow, mag)
	}
	return Signed{mag: mag, neg: negative && !mag.IsZero()}, nil
}

// ToSigned converts an unsigned value, failing above 2^127 - 1.
func ToSigned(n Num) (Signed, error) { return NewSigned(n, false) }

// ToNegSigned returns -n, failing above 2^127 - 1.
func ToNegSigned(n Num) (Signed, error) { return NewSigned(n, true) }

// NewInt returns v as a Signed.
func NewInt(v int64) Signed {
	if v < 0 {
		// -(v+1)+1 avoids overflowing on math.MinInt64.
		return Signed{mag: New(uint64(-(v + 1)) + 1), neg: true}
	}
	return Signed{mag: New(uint64(v))}
}

// ParseSigned parses an optionally signed base-10 string.
func ParseSigned(s string) (Signed, error) {
	neg := strings.HasPrefix(s, "-")
	mag, err := Parse(strings.TrimPrefix(strings.TrimPrefix(s, "-"), "+"))
	if err != nil {
		return SignedZero, err
	}
	return NewSigned(mag, neg)
}

// MustParseSigned is ParseSigned for constants and tests.
func MustParseSigned(s string) Signed {
	v, err := ParseSigned(s)
	if err != nil {
		panic(err)
	}
	return v
}

// DiffNum returns a - b as a signed value.
func DiffNum(a, b Num) (Signed, error) {
	if a.Gte(b) {
		return ToSigned(a.SaturatingSub(b))
	}
	return ToNegSigned(b.SaturatingSub(a))
}

// Abs returns |s|.
func (s Signed) Abs() Num { return s.mag }

// IsNegative reports s < 0.
func (s Signed) IsNegative() bool { return s.neg }

// IsPositive reports s > 0.
func (s Signed) IsPositive() bool { return !s.neg && !s.mag.IsZero() }

// IsZero reports s == 0.
func (s Signed) IsZero() bool { return s.mag.IsZero() }

// Sign returns -1, 0 or +1.
func (s Signed) Sign() int {
	switch {
	case s.mag.IsZero():
		return 0
	case s.neg:
		return -1
	default:
		return 1
	}
}

// Neg returns -s. The magnitude bound is symmetric so this cannot fail.
func (s Signed) Neg() Signed {
	if s.mag.IsZero() {
		return s
	}
	return Signed{mag: s.mag, neg: !s.neg}
}

// Cmp compares s and o.
func (s Signed) Cmp(o Signed) int {
	switch {
	case s.Sign() != o.Sign():
		if s.Sign() < o.Sign() {
			return -1
		}
		return 1
	case s.neg:
		return o.mag.Cmp(s.mag)
	default:
		return s.mag.Cmp(o.mag)
	}
}

// Add returns s + o.
func (s Signed) Add(o Signed) (Signed, error) {
	if s.neg == o.neg {
		mag, err := s.mag.Add(o.mag)
		if err != nil {
			return SignedZero, err
		}
		return NewSigned(mag, s.neg)
	}
	if s.mag.Gte(o.mag) {
		return NewSigned(s.mag.SaturatingSub(o.mag), s.neg)
	}
	return NewSigned(o.mag.SaturatingSub(s.mag), o.neg)
}

// Sub returns s - o.
func (s Signed) Sub(o Signed) (Signed, error) { return s.Add(o.Neg()) }

// AddNum returns s + n.
func (s Signed) AddNum(n Num) (Signed, error) {
	o, err := ToSigned(n)
	if err != nil {
		return SignedZero, err
	}
	return s.Add(o)
}

// SubNum returns s - n.
func (s Signed) SubNum(n Num) (Signed, error) {
	o, err := ToNegSigned(n)
	if err != nil {
		return SignedZero, err
	}
	return s.Add(o)
}

// MulDiv returns s * mul / div with the magnitude rounded toward zero.
func (s Signed) MulDiv(mul, div Num) (Signed, error) {
	mag, err := s.mag.MulDiv(mul, div)
	if err != nil {
		return SignedZero, err
	}
	return NewSigned(mag, s.neg)
}

// MulDivAwayFromZero returns s * mul / div with the magnitude rounded up.
func (s Signed) MulDivAwayFromZero(mul, div Num) (Signed, error) {
	mag, err := s.mag.MulDivRoundUp(mul, div)
	if err != nil {
		return SignedZero, err
	}
	return NewSigned(mag, s.neg)
}

// AsDivisorToRoundUpMagnitudeDiv divides dividend by divisor, rounding the
// magnitude of the quotient away from zero.
func AsDivisorToRoundUpMagnitudeDiv(dividend Signed, divisor Num) (Signed, error) {
	mag, err := dividend.mag.RoundUpDiv(divisor)
	if err != nil {
		return SignedZero, err
	}
	return NewSigned(mag, dividend.neg)
}

// BoundMagnitude returns sign(s) * clamp(|s|, lo, hi). It requires
// lo <= hi <= 2^127 - 1. A zero input is treated as positive.
func (s Signed) BoundMagnitude(lo, hi Num) (Signed, error) {
	if lo.Gt(hi) {
		return SignedZero, fmt.Errorf("%w: bound min %s > max %s", ErrInvalidArgument, lo, hi)
	}
	if hi.Gt(maxSignedMag) {
		return SignedZero, fmt.Errorf("%w: bound max %s exceeds signed range", ErrInvalidArgument, hi)
	}
	mag := s.mag
	if mag.Lt(lo) {
		mag = lo
	} else if mag.Gt(hi) {
		mag = hi
	}
	return Signed{mag: mag, neg: s.neg && !mag.IsZero()}, nil
}

// ToNum returns s as an unsigned value, failing when negative.
func (s Signed) ToNum() (Num, error) {
	if s.neg {
		return Zero, fmt.Errorf("%w: %s is negative", ErrUnderflow, s)
	}
	return s.mag, nil
}

// ClampToZero returns max(s, 0) as an unsigned value.
func (s Signed) ClampToZero() Num {
	if s.neg {
		return Zero
	}
	return s.mag
}

// Big returns s as a new big.Int.
func (s Signed) Big() *big.Int {
	b := s.mag.Big()
	if s.neg {
		b.Neg(b)
	}
	return b
}

// String renders s in base 10.
func (s Signed) String() string {
	if s.neg {
		return "-" + s.mag.String()
	}
	return s.mag.String()
}

// MarshalText renders s as a base-10 string.
func (s Signed) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText parses a base-10 string.
func (s *Signed) UnmarshalText(b []byte) error {
	v, err := ParseSigned(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// MinSigned returns the smaller of a and b.
func MinSigned(a, b Signed) Signed {
	if a.Cmp(b) < 0 {
		return a
	}
	return b
}

// MaxSignedOf returns the larger of a and b.
func MaxSignedOf(a, b Signed) Signed {
	if a.Cmp(b) > 0 {
		return a
	}
	return b
}
