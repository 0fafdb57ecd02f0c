package market

import (
	"github.com/atmx/perp-engine/internal/num"
	"github.com/atmx/perp-engine/internal/pool"
)

// applyImpactFactor returns factor * diff^exponent.
func applyImpactFactor(diff, factor, exponent num.Num) (num.Num, error) {
	raised, err := num.ApplyExponentFactor(diff, exponent)
	if err != nil {
		return num.Zero, err
	}
	return num.ApplyFactor(raised, factor)
}

// impactParams describes a move of two balances from (a, b) to
// (nextA, nextB), all in USD.
type impactParams struct {
	a, b, nextA, nextB num.Num
	positive, negative num.Num
	exponent           num.Num
}

// priceImpactUSD returns the impact of moving the balances. Moves that stay
// on the same side of the balance point pay or earn the change in the
// weighted imbalance; crossovers earn the initial imbalance at the positive
// factor and pay the final imbalance at the negative factor.
func priceImpactUSD(p impactParams) (num.Signed, error) {
	initialDiff := num.AbsDiff(p.a, p.b)
	nextDiff := num.AbsDiff(p.nextA, p.nextB)
	sameSide := p.a.Lte(p.b) == p.nextA.Lte(p.nextB)

	if sameSide {
		factor := p.negative
		if nextDiff.Lt(initialDiff) {
			factor = p.positive
		}
		before, err := applyImpactFactor(initialDiff, factor, p.exponent)
		if err != nil {
			return num.SignedZero, err
		}
		after, err := applyImpactFactor(nextDiff, factor, p.exponent)
		if err != nil {
			return num.SignedZero, err
		}
		return num.DiffNum(before, after)
	}

	positive, err := applyImpactFactor(initialDiff, p.positive, p.exponent)
	if err != nil {
		return num.SignedZero, err
	}
	negative, err := applyImpactFactor(nextDiff, p.negative, p.exponent)
	if err != nil {
		return num.SignedZero, err
	}
	return num.DiffNum(positive, negative)
}

func applySignedUSD(n num.Num, d num.Signed) (num.Num, error) {
	if d.IsNegative() {
		return n.Sub(d.Abs())
	}
	return n.Add(d.Abs())
}

// --- Swap impact ---

// SwapImpactParams are the USD deltas of a swap or deposit priced at the
// given collateral prices.
type SwapImpactParams struct {
	LongPrice  num.Num
	ShortPrice num.Num
	LongDelta  num.Signed
	ShortDelta num.Signed
}

func swapImpactOn(p pool.Pool, cfg *Config, params SwapImpactParams) (num.Signed, error) {
	long, err := p.USDValue(pool.Long, params.LongPrice)
	if err != nil {
		return num.SignedZero, err
	}
	short, err := p.USDValue(pool.Short, params.ShortPrice)
	if err != nil {
		return num.SignedZero, err
	}
	nextLong, err := applySignedUSD(long, params.LongDelta)
	if err != nil {
		return num.SignedZero, err
	}
	nextShort, err := applySignedUSD(short, params.ShortDelta)
	if err != nil {
		return num.SignedZero, err
	}
	return priceImpactUSD(impactParams{
		a: long, b: short, nextA: nextLong, nextB: nextShort,
		positive: cfg.Get(SwapImpactPositiveFactor),
		negative: cfg.Get(SwapImpactNegativeFactor),
		exponent: cfg.Get(SwapImpactExponent),
	})
}

// SwapPriceImpact returns the USD impact of moving the primary pool by the
// given deltas. When the market is linked to a swap virtual inventory the
// lower of the two impacts applies.
func SwapPriceImpact(v View, params SwapImpactParams) (num.Signed, error) {
	impact, err := swapImpactOn(v.Pool(Primary), v.Config(), params)
	if err != nil {
		return num.SignedZero, err
	}
	if vi, ok := v.VirtualInventory(VirtualInventoryForSwaps); ok {
		viImpact, err := swapImpactOn(vi, v.Config(), params)
		if err != nil {
			return num.SignedZero, err
		}
		impact = num.MinSigned(impact, viImpact)
	}
	return impact, nil
}

// PositiveSwapImpactAmount converts a positive USD impact on the out side
// into tokens, capped by the swap impact pool on that side.
func PositiveSwapImpactAmount(v View, side pool.Side, impactUSD, price num.Num) (num.Num, error) {
	amount, err := impactUSD.Div(price)
	if err != nil {
		return num.Zero, err
	}
	return num.Min(amount, v.Pool(SwapImpact).Amount(side)), nil
}

// --- Position impact ---

func positionImpactOn(longOI, shortOI num.Num, cfg *Config, isLong bool, delta num.Signed) (num.Signed, error) {
	nextLong, nextShort := longOI, shortOI
	var err error
	if isLong {
		nextLong, err = applySignedUSD(longOI, delta)
	} else {
		nextShort, err = applySignedUSD(shortOI, delta)
	}
	if err != nil {
		return num.SignedZero, err
	}
	return priceImpactUSD(impactParams{
		a: longOI, b: shortOI, nextA: nextLong, nextB: nextShort,
		positive: cfg.Get(PositionImpactPositiveFactor),
		negative: cfg.Get(PositionImpactNegativeFactor),
		exponent: cfg.Get(PositionImpactExponent),
	})
}

// PositionPriceImpact returns the USD impact of changing open interest on
// one side by sizeDelta.
func PositionPriceImpact(v View, isLong bool, sizeDelta num.Signed) (num.Signed, error) {
	longOI, err := TotalOpenInterest(v, true)
	if err != nil {
		return num.SignedZero, err
	}
	shortOI, err := TotalOpenInterest(v, false)
	if err != nil {
		return num.SignedZero, err
	}
	impact, err := positionImpactOn(longOI, shortOI, v.Config(), isLong, sizeDelta)
	if err != nil {
		return num.SignedZero, err
	}
	if vi, ok := v.VirtualInventory(VirtualInventoryForPositions); ok {
		viImpact, err := positionImpactOn(vi.Amount(pool.Long), vi.Amount(pool.Short), v.Config(), isLong, sizeDelta)
		if err != nil {
			return num.SignedZero, err
		}
		impact = num.MinSigned(impact, viImpact)
	}
	return impact, nil
}

// CapPositivePositionImpact limits a positive impact by the value of the
// position impact pool and by max_positive_position_impact_factor.
func CapPositivePositionImpact(v View, indexPrice num.Price, impact num.Signed, sizeDeltaUSD num.Num) (num.Signed, error) {
	if !impact.IsPositive() {
		return impact, nil
	}
	byPool, err := v.Pool(PositionImpact).Amount(pool.Long).Mul(indexPrice.Min)
	if err != nil {
		return num.SignedZero, err
	}
	byFactor, err := num.ApplyFactor(sizeDeltaUSD, v.Config().Get(MaxPositivePositionImpactFactor))
	if err != nil {
		return num.SignedZero, err
	}
	return num.ToSigned(num.Min(impact.Abs(), num.Min(byPool, byFactor)))
}

// CapNegativePositionImpact limits a negative impact by
// max_negative_position_impact_factor, or by the liquidation factor when
// forLiquidation is set. The uncharged excess is returned as the diff.
func CapNegativePositionImpact(v View, impact num.Signed, sizeDeltaUSD num.Num, forLiquidation bool) (num.Signed, num.Num, error) {
	if !impact.IsNegative() {
		return impact, num.Zero, nil
	}
	key := MaxNegativePositionImpactFactor
	if forLiquidation {
		key = MaxPositionImpactFactorForLiquidations
	}
	maxImpact, err := num.ApplyFactor(sizeDeltaUSD, v.Config().Get(key))
	if err != nil {
		return num.SignedZero, num.Zero, err
	}
	if impact.Abs().Lte(maxImpact) {
		return impact, num.Zero, nil
	}
	capped, err := num.ToNegSigned(maxImpact)
	if err != nil {
		return num.SignedZero, num.Zero, err
	}
	return capped, impact.Abs().SaturatingSub(maxImpact), nil
}

// PositionImpactAmount converts a USD impact into index tokens. Positive
// impact rounds down at the max price; negative impact rounds its magnitude
// up at the min price.
func PositionImpactAmount(impactUSD num.Signed, indexPrice num.Price) (num.Signed, error) {
	if impactUSD.IsPositive() {
		amount, err := impactUSD.Abs().Div(indexPrice.Max)
		if err != nil {
			return num.SignedZero, err
		}
		return num.ToSigned(amount)
	}
	return num.AsDivisorToRoundUpMagnitudeDiv(impactUSD, indexPrice.Min)
}

// DistributePositionImpact releases position impact pool tokens at the
// configured rate while keeping at least the configured minimum.
func DistributePositionImpact(m Mutable, now int64) (num.Num, error) {
	duration := JustPassedSeconds(m, ClockPriceImpactDistribution, now)
	if duration == 0 {
		return num.Zero, nil
	}
	amount := m.Pool(PositionImpact).Amount(pool.Long)
	floor := m.Config().Get(MinPositionImpactPoolAmount)
	if amount.Lte(floor) {
		return num.Zero, nil
	}
	distributed, err := num.ApplyFactor(num.New(duration), m.Config().Get(PositionImpactDistributeFactor))
	if err != nil {
		return num.Zero, err
	}
	distributed = num.Min(distributed, amount.SaturatingSub(floor))
	if distributed.IsZero() {
		return num.Zero, nil
	}
	if err := ApplyDelta(m, PositionImpact, pool.Long, distributed, false); err != nil {
		return num.Zero, err
	}
	return distributed, nil
}
