package num

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// FactorDecimals is the number of decimals carried by a Factor and by every
// USD value in the kernel.
const FactorDecimals = 20

// Unit is 10^20, the fixed-point representation of 1.0.
var Unit = MustPow10(FactorDecimals)

// exponentPrecision bounds the digits kept by fractional exponentiation.
const exponentPrecision = 40

// ApplyFactor returns value * factor / 10^20 rounded down.
func ApplyFactor(value, factor Num) (Num, error) {
	return value.MulDiv(factor, Unit)
}

// ApplyFactorRoundUp returns value * factor / 10^20 rounded up.
func ApplyFactorRoundUp(value, factor Num) (Num, error) {
	return value.MulDivRoundUp(factor, Unit)
}

// ToFactor returns value / divisor as a Factor, rounded down or up.
func ToFactor(value, divisor Num, roundUp bool) (Num, error) {
	return value.MulDivRound(Unit, divisor, roundUp)
}

// ToSignedFactor returns value / divisor as a signed Factor.
func ToSignedFactor(value Signed, divisor Num) (Signed, error) {
	return value.MulDiv(Unit, divisor)
}

// ApplyExponentFactor raises a fixed-point value to a fixed-point exponent:
// (value/unit)^(exponent/unit) * unit. Values below one unit collapse to
// zero, and an exponent of exactly one returns the value unchanged.
// Whole-number exponents are computed exactly; fractional exponents go
// through decimal exponentiation and are truncated.
func ApplyExponentFactor(value, exponent Num) (Num, error) {
	if value.Lt(Unit) {
		return Zero, nil
	}
	if exponent.Cmp(Unit) == 0 {
		return value, nil
	}
	whole, err := exponent.Div(Unit)
	if err != nil {
		return Zero, err
	}
	if rem := exponent.SaturatingSub(mustMul(whole, Unit)); rem.IsZero() {
		k, err := whole.Uint64()
		if err != nil || k > 64 {
			return Zero, fmt.Errorf("%w: exponent factor %s", ErrInvalidArgument, exponent)
		}
		return integerPow(value, k)
	}

	base := decimal.NewFromBigInt(value.Big(), -FactorDecimals)
	exp := decimal.NewFromBigInt(exponent.Big(), -FactorDecimals)
	out, err := base.PowWithPrecision(exp, exponentPrecision)
	if err != nil {
		return Zero, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	return FactorFromDecimal(out)
}

// integerPow computes value^k / unit^(k-1), truncating after each step.
func integerPow(value Num, k uint64) (Num, error) {
	if k == 0 {
		return Unit, nil
	}
	acc := value
	for i := uint64(1); i < k; i++ {
		next, err := ApplyFactor(acc, value)
		if err != nil {
			return Zero, err
		}
		acc = next
	}
	return acc, nil
}

func mustMul(a, b Num) Num {
	n, err := a.Mul(b)
	if err != nil {
		return MaxNum
	}
	return n
}

// FactorFromDecimal converts a human decimal ("0.001") into a 20-decimal
// Factor, truncating extra precision.
func FactorFromDecimal(d decimal.Decimal) (Num, error) {
	return ScaleDecimal(d, FactorDecimals)
}

// ParseFactor parses a human decimal string into a Factor.
func ParseFactor(s string) (Num, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Zero, fmt.Errorf("%w: factor %q", ErrInvalidArgument, s)
	}
	return FactorFromDecimal(d)
}

// MustParseFactor is ParseFactor for constants and tests.
func MustParseFactor(s string) Num {
	n, err := ParseFactor(s)
	if err != nil {
		panic(err)
	}
	return n
}

// ScaleDecimal returns trunc(d * 10^decimals) as a Num.
func ScaleDecimal(d decimal.Decimal, decimals int32) (Num, error) {
	if d.IsNegative() {
		return Zero, fmt.Errorf("%w: negative value %s", ErrInvalidArgument, d)
	}
	scaled := d.Shift(decimals).Truncate(0)
	return FromBig(scaled.BigInt())
}

// ToDecimal renders n with the given number of decimals.
func ToDecimal(n Num, decimals int32) decimal.Decimal {
	return decimal.NewFromBigInt(n.Big(), -decimals)
}

// SignedToDecimal renders s with the given number of decimals.
func SignedToDecimal(s Signed, decimals int32) decimal.Decimal {
	return decimal.NewFromBigInt(s.Big(), -decimals)
}

// USD renders a 20-decimal USD value.
func USD(n Num) decimal.Decimal { return ToDecimal(n, FactorDecimals) }
