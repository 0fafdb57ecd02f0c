package num

import (
	"errors"
	"fmt"
	"math"
)

// MaxDecimals is the number of decimals of a USD unit price.
const MaxDecimals = 20

// MaxTokenDecimals bounds token decimals accepted by the oracle.
const MaxTokenDecimals = 20

// ErrInvalidPrice is returned when a price is malformed (min > max, or a
// decimal that cannot be represented).
var ErrInvalidPrice = errors.New("num: invalid price")

// Decimal is a compact unit price: Value * 10^DecimalMultiplier USD (with
// MaxDecimals decimals) per smallest token unit.
type Decimal struct {
	Value             uint32 `json:"value"`
	DecimalMultiplier uint8  `json:"decimal_multiplier"`
}

// DecimalFromPrice converts a feed price p * 10^-priceDecimals (USD per
// whole token) into a Decimal for a token with tokenDecimals decimals,
// keeping precision significant decimals. The multiplier satisfies
// MaxDecimals - (tokenDecimals + precision) = DecimalMultiplier.
func DecimalFromPrice(price uint64, priceDecimals, tokenDecimals, precision uint8) (Decimal, error) {
	if int(tokenDecimals)+int(precision) > MaxDecimals {
		return Decimal{}, fmt.Errorf("%w: token decimals %d + precision %d exceed %d",
			ErrInvalidPrice, tokenDecimals, precision, MaxDecimals)
	}
	multiplier := MaxDecimals - tokenDecimals - precision

	value := New(price)
	var err error
	if precision >= priceDecimals {
		value, err = value.Mul(MustPow10(precision - priceDecimals))
	} else {
		value, err = value.Div(MustPow10(priceDecimals - precision))
	}
	if err != nil {
		return Decimal{}, err
	}
	v, err := value.Uint64()
	if err != nil || v > math.MaxUint32 {
		return Decimal{}, fmt.Errorf("%w: %d at %d decimals does not fit with precision %d",
			ErrInvalidPrice, price, priceDecimals, precision)
	}
	return Decimal{Value: uint32(v), DecimalMultiplier: multiplier}, nil
}

// MaxedDecimal returns the Decimal whose value is MaxUint32.
func MaxedDecimal(tokenDecimals, precision uint8) (Decimal, error) {
	if int(tokenDecimals)+int(precision) > MaxDecimals {
		return Decimal{}, fmt.Errorf("%w: token decimals %d + precision %d exceed %d",
			ErrInvalidPrice, tokenDecimals, precision, MaxDecimals)
	}
	return Decimal{Value: math.MaxUint32, DecimalMultiplier: MaxDecimals - tokenDecimals - precision}, nil
}

// ToUnitPrice returns Value * 10^DecimalMultiplier.
func (d Decimal) ToUnitPrice() (Num, error) {
	if d.DecimalMultiplier > MaxDecimals {
		return Zero, fmt.Errorf("%w: multiplier %d", ErrInvalidPrice, d.DecimalMultiplier)
	}
	return New(uint64(d.Value)).Mul(MustPow10(d.DecimalMultiplier))
}

// DecimalFromUnitPrice is the inverse of ToUnitPrice for a given multiplier,
// rounding down or up.
func DecimalFromUnitPrice(unit Num, multiplier uint8, roundUp bool) (Decimal, error) {
	if multiplier > MaxDecimals {
		return Decimal{}, fmt.Errorf("%w: multiplier %d", ErrInvalidPrice, multiplier)
	}
	var (
		v   Num
		err error
	)
	if roundUp {
		v, err = unit.RoundUpDiv(MustPow10(multiplier))
	} else {
		v, err = unit.Div(MustPow10(multiplier))
	}
	if err != nil {
		return Decimal{}, err
	}
	raw, err := v.Uint64()
	if err != nil || raw > math.MaxUint32 {
		return Decimal{}, fmt.Errorf("%w: unit price %s does not fit", ErrInvalidPrice, unit)
	}
	return Decimal{Value: uint32(raw), DecimalMultiplier: multiplier}, nil
}

// Price is a bid/ask pair of unit prices.
type Price struct {
	Min Num `json:"min"`
	Max Num `json:"max"`
}

// NewPrice builds a Price, requiring min <= max.
func NewPrice(min, max Num) (Price, error) {
	if min.Gt(max) {
		return Price{}, fmt.Errorf("%w: min %s > max %s", ErrInvalidPrice, min, max)
	}
	return Price{Min: min, Max: max}, nil
}

// FixedPrice returns a Price whose min and max are both p.
func FixedPrice(p Num) Price { return Price{Min: p, Max: p} }

// Pick returns Max when maximize is set and Min otherwise.
func (p Price) Pick(maximize bool) Num {
	if maximize {
		return p.Max
	}
	return p.Min
}

// Mid returns (min + max) / 2 rounded down.
func (p Price) Mid() Num {
	sum, err := p.Min.Add(p.Max)
	if err != nil {
		// Both halves fit; halve first to stay in range.
		a, _ := p.Min.Div(New(2))
		b, _ := p.Max.Div(New(2))
		sum, _ = a.Add(b)
		return sum
	}
	mid, _ := sum.Div(New(2))
	return mid
}

// IsZero reports whether both bounds are zero.
func (p Price) IsZero() bool { return p.Min.IsZero() && p.Max.IsZero() }
