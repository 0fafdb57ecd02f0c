package market

import (
	"github.com/atmx/perp-engine/internal/num"
	"github.com/atmx/perp-engine/internal/pool"
)

// FundingAmountPerSizeAdjustment scales per-size funding accumulators so
// small fees on large positions keep their precision.
var FundingAmountPerSizeAdjustment = num.MustPow10(10)

// fundingPerSizeDivisor is Unit * FundingAmountPerSizeAdjustment.
var fundingPerSizeDivisor = num.MustPow10(num.FactorDecimals + 10)

// FundingFactor is the outcome of the adaptive funding rule.
type FundingFactor struct {
	PerSecond      num.Num
	LongsPayShorts bool
	NextSaved      num.Signed
}

type fundingChange uint8

const (
	fundingNoChange fundingChange = iota
	fundingIncrease
	fundingDecrease
)

// NextFundingFactorPerSecond derives the funding factor from the open
// interest skew. With a zero increase factor the factor is proportional to
// the skew; otherwise the saved factor drifts toward the skew and decays
// when the market is balanced.
func NextFundingFactorPerSecond(v View, longOI, shortOI num.Num, duration uint64) (FundingFactor, error) {
	cfg := v.Config()
	diff := num.AbsDiff(longOI, shortOI)
	total, err := longOI.Add(shortOI)
	if err != nil {
		return FundingFactor{}, err
	}
	if diff.IsZero() || total.IsZero() {
		return FundingFactor{LongsPayShorts: true}, nil
	}

	raised, err := num.ApplyExponentFactor(diff, cfg.Get(FundingFeeExponent))
	if err != nil {
		return FundingFactor{}, err
	}
	diffToOI, err := num.ToFactor(raised, total, false)
	if err != nil {
		return FundingFactor{}, err
	}
	maxPerSecond := cfg.Get(FundingFeeMaxFactorPerSecond)

	increaseFactor := cfg.Get(FundingFeeIncreaseFactorPerSecond)
	if increaseFactor.IsZero() {
		perSecond, err := num.ApplyFactor(diffToOI, cfg.Get(FundingFeeFactor))
		if err != nil {
			return FundingFactor{}, err
		}
		return FundingFactor{
			PerSecond:      num.Min(perSecond, maxPerSecond),
			LongsPayShorts: longOI.Gt(shortOI),
		}, nil
	}

	saved := v.FundingFactorPerSecond()
	change := fundingNoChange
	switch {
	case diffToOI.Gt(cfg.Get(FundingFeeThresholdForStableFunding)):
		change = fundingIncrease
	case diffToOI.Lt(cfg.Get(FundingFeeThresholdForDecreaseFunding)):
		change = fundingDecrease
	}

	elapsed := num.New(duration)
	next := saved
	switch change {
	case fundingIncrease:
		step, err := num.ApplyFactor(diffToOI, increaseFactor)
		if err != nil {
			return FundingFactor{}, err
		}
		if step, err = step.Mul(elapsed); err != nil {
			return FundingFactor{}, err
		}
		delta, err := num.NewSigned(step, longOI.Lt(shortOI))
		if err != nil {
			return FundingFactor{}, err
		}
		if next, err = saved.Add(delta); err != nil {
			return FundingFactor{}, err
		}
	case fundingDecrease:
		if !saved.IsZero() {
			decrease, err := cfg.Get(FundingFeeDecreaseFactorPerSecond).Mul(elapsed)
			if err != nil {
				return FundingFactor{}, err
			}
			if saved.Abs().Lte(decrease) {
				next, err = num.NewSigned(num.New(1), saved.IsNegative())
			} else {
				next, err = num.NewSigned(saved.Abs().SaturatingSub(decrease), saved.IsNegative())
			}
			if err != nil {
				return FundingFactor{}, err
			}
		}
	}

	next, err = next.BoundMagnitude(num.Zero, maxPerSecond)
	if err != nil {
		return FundingFactor{}, err
	}
	factor, err := next.BoundMagnitude(cfg.Get(FundingFeeMinFactorPerSecond), maxPerSecond)
	if err != nil {
		return FundingFactor{}, err
	}
	return FundingFactor{
		PerSecond:      factor.Abs(),
		LongsPayShorts: !factor.IsNegative(),
		NextSaved:      next,
	}, nil
}

// FundingDeltas are the per-size accumulator increments of one funding
// update, indexed by [position side][collateral or claim token side].
type FundingDeltas struct {
	Factor               FundingFactor
	FundingAmountPerSize [2][2]num.Num
	ClaimablePerSize     [2][2]num.Num
}

func sideIndex(isLong bool) int {
	if isLong {
		return 0
	}
	return 1
}

// fundingPerSizeDelta returns fundingUSD * 10^30 / openInterest / price.
func fundingPerSizeDelta(fundingUSD, openInterest, price num.Num, roundUp bool) (num.Num, error) {
	if fundingUSD.IsZero() || openInterest.IsZero() {
		return num.Zero, nil
	}
	perSize, err := fundingUSD.MulDivRound(fundingPerSizeDivisor, openInterest, roundUp)
	if err != nil {
		return num.Zero, err
	}
	if roundUp {
		return perSize.RoundUpDiv(price)
	}
	return perSize.Div(price)
}

// NextFundingAmountPerSize computes the funding paid by the heavier side
// over duration seconds, split by collateral token, and the matching claims
// of the other side. Payers round up and receivers round down.
func NextFundingAmountPerSize(v View, prices Prices, duration uint64) (FundingDeltas, error) {
	var out FundingDeltas
	longOI, err := TotalOpenInterest(v, true)
	if err != nil {
		return out, err
	}
	shortOI, err := TotalOpenInterest(v, false)
	if err != nil {
		return out, err
	}
	if out.Factor, err = NextFundingFactorPerSecond(v, longOI, shortOI, duration); err != nil {
		return out, err
	}
	if longOI.IsZero() || shortOI.IsZero() || out.Factor.PerSecond.IsZero() {
		return out, nil
	}

	larger := num.Max(longOI, shortOI)
	rate, err := out.Factor.PerSecond.Mul(num.New(duration))
	if err != nil {
		return out, err
	}
	fundingUSD, err := num.ApplyFactor(larger, rate)
	if err != nil {
		return out, err
	}

	payingIsLong := out.Factor.LongsPayShorts
	payingOI, receivingOI := longOI, shortOI
	if !payingIsLong {
		payingOI, receivingOI = shortOI, longOI
	}
	payingPool := v.Pool(OpenInterestKind(payingIsLong))
	pay, recv := sideIndex(payingIsLong), sideIndex(!payingIsLong)

	for _, side := range []pool.Side{pool.Long, pool.Short} {
		oiForCollateral := payingPool.Amount(side)
		usdForCollateral, err := fundingUSD.MulDiv(oiForCollateral, payingOI)
		if err != nil {
			return out, err
		}
		price := prices.Collateral(side).Max
		c := int(side)
		if out.FundingAmountPerSize[pay][c], err = fundingPerSizeDelta(usdForCollateral, oiForCollateral, price, true); err != nil {
			return out, err
		}
		if out.ClaimablePerSize[recv][c], err = fundingPerSizeDelta(usdForCollateral, receivingOI, price, false); err != nil {
			return out, err
		}
	}
	return out, nil
}

// UpdateFundingState accrues elapsed seconds of funding into the per-size
// accumulators and saves the next adaptive funding factor.
func UpdateFundingState(m Mutable, prices Prices, now int64) (FundingDeltas, error) {
	duration := PassedSeconds(m, ClockFunding, now)
	if duration == 0 {
		return FundingDeltas{}, nil
	}
	deltas, err := NextFundingAmountPerSize(m, prices, duration)
	if err != nil {
		return FundingDeltas{}, err
	}
	for i, isLong := range []bool{true, false} {
		for _, side := range []pool.Side{pool.Long, pool.Short} {
			if d := deltas.FundingAmountPerSize[i][side]; !d.IsZero() {
				if err := ApplyDelta(m, FundingAmountPerSizeKind(isLong), side, d, true); err != nil {
					return FundingDeltas{}, err
				}
			}
			if d := deltas.ClaimablePerSize[i][side]; !d.IsZero() {
				if err := ApplyDelta(m, ClaimableFundingPerSizeKind(isLong), side, d, true); err != nil {
					return FundingDeltas{}, err
				}
			}
		}
	}
	m.SetFundingFactorPerSecond(deltas.Factor.NextSaved)
	JustPassedSeconds(m, ClockFunding, now)
	return deltas, nil
}

// FundingFeeAmount returns the funding owed by a position since it last
// recorded perSizeAtLastUpdate, in collateral tokens, rounded up.
func FundingFeeAmount(v View, isLong bool, collateralSide pool.Side, sizeInUSD, perSizeAtLastUpdate num.Num) (num.Num, error) {
	current := v.Pool(FundingAmountPerSizeKind(isLong)).Amount(collateralSide)
	diff := current.SaturatingSub(perSizeAtLastUpdate)
	if diff.IsZero() || sizeInUSD.IsZero() {
		return num.Zero, nil
	}
	return sizeInUSD.MulDivRoundUp(diff, fundingPerSizeDivisor)
}

// ClaimableFundingAmount returns the funding earned by a position in the
// token of side since perSizeAtLastUpdate, rounded down.
func ClaimableFundingAmount(v View, isLong bool, side pool.Side, sizeInUSD, perSizeAtLastUpdate num.Num) (num.Num, error) {
	current := v.Pool(ClaimableFundingPerSizeKind(isLong)).Amount(side)
	diff := current.SaturatingSub(perSizeAtLastUpdate)
	if diff.IsZero() || sizeInUSD.IsZero() {
		return num.Zero, nil
	}
	return sizeInUSD.MulDiv(diff, fundingPerSizeDivisor)
}
