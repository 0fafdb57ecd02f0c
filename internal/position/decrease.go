package position

import (
	"fmt"

	"github.com/atmx/perp-engine/internal/market"
	"github.com/atmx/perp-engine/internal/num"
	"github.com/atmx/perp-engine/internal/pool"
)

// Cut marks a decrease forced by the protocol rather than the owner.
type Cut uint8

const (
	CutNone Cut = iota
	CutLiquidate
	CutAdl
)

func (c Cut) String() string {
	switch c {
	case CutNone:
		return "none"
	case CutLiquidate:
		return "liquidate"
	case CutAdl:
		return "adl"
	default:
		return "unknown"
	}
}

// DecreaseParams describes a decrease order.
type DecreaseParams struct {
	SizeDeltaUSD         num.Num
	CollateralWithdrawal num.Num
	// AcceptablePrice bounds the execution price; zero means unbounded.
	AcceptablePrice num.Num
	Cut             Cut
	Now             int64
}

// DecreaseReport describes an executed decrease. OutputAmount and
// ClaimableCollateral are paid in the collateral token and
// SecondaryOutputAmount in the pnl token.
type DecreaseReport struct {
	TradeID               uint64     `json:"trade_id"`
	Cut                   Cut        `json:"cut"`
	SizeDeltaUSD          num.Num    `json:"size_delta_usd"`
	SizeDeltaInTokens     num.Num    `json:"size_delta_in_tokens"`
	ExecutionPrice        num.Num    `json:"execution_price"`
	Pnl                   num.Signed `json:"pnl"`
	PriceImpactUSD        num.Signed `json:"price_impact_usd"`
	PriceImpactAmount     num.Signed `json:"price_impact_amount"`
	PriceImpactDiffUSD    num.Num    `json:"price_impact_diff_usd"`
	Fees                  Fees       `json:"fees"`
	OutputAmount          num.Num    `json:"output_amount"`
	SecondaryOutputAmount num.Num    `json:"secondary_output_amount"`
	ClaimableLongAmount   num.Num    `json:"claimable_long_amount"`
	ClaimableShortAmount  num.Num    `json:"claimable_short_amount"`
	ClaimableCollateral   num.Num    `json:"claimable_collateral"`
	ShortfallUSD          num.Num    `json:"shortfall_usd"`
	Closed                bool       `json:"closed"`
}

// sink receives tokens drawn to pay a cost.
type sink func(side pool.Side, amount num.Num) error

// payout tracks the funds a decrease can draw from.
type payout struct {
	collateralSide pool.Side
	pnlSide        pool.Side
	collPrice      num.Price
	pnlPrice       num.Price

	output     num.Num
	secondary  num.Num
	collateral num.Num

	allowShortfall bool
	shortfallUSD   num.Num
}

func take(available *num.Num, want num.Num) num.Num {
	got := num.Min(*available, want)
	*available = available.SaturatingSub(got)
	return got
}

// pay draws cost, in collateral tokens, from the output, then the
// secondary output, then the remaining collateral.
func (o *payout) pay(cost num.Num, to sink) error {
	if cost.IsZero() {
		return nil
	}
	remaining := cost
	if got := take(&o.output, remaining); !got.IsZero() {
		remaining = remaining.SaturatingSub(got)
		if err := to(o.collateralSide, got); err != nil {
			return err
		}
	}
	if !remaining.IsZero() && !o.secondary.IsZero() {
		remainingUSD, err := remaining.Mul(o.collPrice.Min)
		if err != nil {
			return err
		}
		need, err := remainingUSD.RoundUpDiv(o.pnlPrice.Min)
		if err != nil {
			return err
		}
		got := take(&o.secondary, need)
		if err := to(o.pnlSide, got); err != nil {
			return err
		}
		if got.Eq(need) {
			remaining = num.Zero
		} else {
			coveredUSD, err := got.Mul(o.pnlPrice.Min)
			if err != nil {
				return err
			}
			if remaining, err = remainingUSD.SaturatingSub(coveredUSD).RoundUpDiv(o.collPrice.Min); err != nil {
				return err
			}
		}
	}
	if got := take(&o.collateral, remaining); !got.IsZero() {
		remaining = remaining.SaturatingSub(got)
		if err := to(o.collateralSide, got); err != nil {
			return err
		}
	}
	if remaining.IsZero() {
		return nil
	}
	if !o.allowShortfall {
		return fmt.Errorf("%w: %s collateral tokens short", ErrInsufficientFundsForCost, remaining)
	}
	shortUSD, err := remaining.Mul(o.collPrice.Min)
	if err != nil {
		return err
	}
	o.shortfallUSD, err = o.shortfallUSD.Add(shortUSD)
	return err
}

// cappedTraderPnl scales a positive pnl down when the side's total pnl is
// above max_pnl_factor_for_trader of its pool.
func cappedTraderPnl(v market.View, prices market.Prices, isLong bool, pnl num.Signed) (num.Signed, error) {
	if !pnl.IsPositive() {
		return pnl, nil
	}
	poolPnl, err := market.Pnl(v, prices.IndexToken, isLong, true)
	if err != nil {
		return num.SignedZero, err
	}
	if !poolPnl.IsPositive() {
		return pnl, nil
	}
	poolUSD, err := market.PoolValueWithoutPnlForOneSide(v, prices, isLong, false)
	if err != nil {
		return num.SignedZero, err
	}
	capped, err := market.CappedPnl(v, market.PnlForTrader, isLong, poolPnl, poolUSD)
	if err != nil {
		return num.SignedZero, err
	}
	if capped.Abs().Eq(poolPnl.Abs()) {
		return pnl, nil
	}
	return pnl.MulDiv(capped.Abs(), poolPnl.Abs())
}

func decreaseExecutionPrice(isLong bool, tokens num.Num, indexPrice num.Price, impact num.Signed) (num.Num, error) {
	if tokens.IsZero() {
		return num.Zero, nil
	}
	price := indexPrice.Min
	if !isLong {
		price = indexPrice.Max
	}
	value, err := tokens.Mul(price)
	if err != nil {
		return num.Zero, err
	}
	v, err := num.ToSigned(value)
	if err != nil {
		return num.Zero, err
	}
	if isLong {
		v, err = v.Add(impact)
	} else {
		v, err = v.Sub(impact)
	}
	if err != nil {
		return num.Zero, err
	}
	if !v.IsPositive() {
		return num.Zero, fmt.Errorf("%w: non-positive value %s", ErrInvalidExecutionPrice, v)
	}
	return v.Abs().Div(tokens)
}

// CheckAdl reports whether positions on one side may be auto-deleveraged.
func CheckAdl(v market.View, prices market.Prices, isLong bool) (*market.PnlFactorExceeded, error) {
	return market.CheckPnlFactor(v, prices, market.PnlForAdl, isLong)
}

// Decrease removes size and collateral from p, realizing pnl and paying
// fees. Liquidations close the whole position and ADL requires the side's
// pnl factor to be above its cap. Every cut but a liquidation must leave
// both pnl factors within max_pnl_factor_for_trader. On error p is
// untouched.
func Decrease(m market.Mutable, prices market.Prices, p *Position, params DecreaseParams) (DecreaseReport, error) {
	report := DecreaseReport{Cut: params.Cut}
	if p.SizeInUSD.IsZero() {
		return report, ErrEmptyPosition
	}
	cs, err := p.collateralSide(m)
	if err != nil {
		return report, err
	}
	meta := m.Meta()
	ps, err := meta.Side(meta.PnlToken(p.IsLong))
	if err != nil {
		return report, err
	}
	if _, err := market.UpdateState(m, prices, params.Now, market.PerpCapabilities); err != nil {
		return report, err
	}
	cfg := m.Config()

	sizeDelta := params.SizeDeltaUSD
	var adlBefore num.Signed
	switch params.Cut {
	case CutLiquidate:
		check, err := IsLiquidatable(m, prices, p)
		if err != nil {
			return report, err
		}
		if !check.Liquidatable {
			return report, fmt.Errorf("%w: remaining collateral %s", ErrNotLiquidatable, check.RemainingCollateral)
		}
		sizeDelta = p.SizeInUSD
	case CutAdl:
		exceeded, err := CheckAdl(m, prices, p.IsLong)
		if err != nil {
			return report, err
		}
		if exceeded == nil {
			return report, ErrAdlNotRequired
		}
		adlBefore = exceeded.PnlFactor
	}
	if sizeDelta.Gt(p.SizeInUSD) {
		return report, fmt.Errorf("%w: %s > %s", ErrSizeDeltaTooLarge, sizeDelta, p.SizeInUSD)
	}
	if rest := p.SizeInUSD.SaturatingSub(sizeDelta); !rest.IsZero() && rest.Lt(cfg.Get(market.MinPositionSizeUsd)) {
		sizeDelta = p.SizeInUSD
	}
	closing := sizeDelta.Eq(p.SizeInUSD)
	report.SizeDeltaUSD = sizeDelta

	var writes poolWrites

	// Impact.
	delta, err := num.ToNegSigned(sizeDelta)
	if err != nil {
		return report, err
	}
	impact, err := market.PositionPriceImpact(m, p.IsLong, delta)
	if err != nil {
		return report, err
	}
	if impact, err = market.CapPositivePositionImpact(m, prices.IndexToken, impact, sizeDelta); err != nil {
		return report, err
	}
	if impact, report.PriceImpactDiffUSD, err = market.CapNegativePositionImpact(m, impact, sizeDelta, params.Cut == CutLiquidate); err != nil {
		return report, err
	}
	report.PriceImpactUSD = impact
	if report.PriceImpactAmount, err = market.PositionImpactAmount(impact, prices.IndexToken); err != nil {
		return report, err
	}

	// Pnl.
	pnl, tokens, err := p.Pnl(prices.IndexToken, sizeDelta)
	if err != nil {
		return report, err
	}
	if pnl, err = cappedTraderPnl(m, prices, p.IsLong, pnl); err != nil {
		return report, err
	}
	report.Pnl = pnl
	report.SizeDeltaInTokens = tokens
	if report.ExecutionPrice, err = decreaseExecutionPrice(p.IsLong, tokens, prices.IndexToken, impact); err != nil {
		return report, err
	}
	if params.Cut == CutNone {
		if err := checkAcceptable(report.ExecutionPrice, params.AcceptablePrice, !p.IsLong); err != nil {
			return report, err
		}
	}
	if err := writes.addSigned(market.PositionImpact, pool.Long, report.PriceImpactAmount.Neg()); err != nil {
		return report, err
	}

	out := payout{
		collateralSide: cs,
		pnlSide:        ps,
		collPrice:      prices.Collateral(cs),
		pnlPrice:       prices.Collateral(ps),
		collateral:     p.CollateralAmount,
		allowShortfall: params.Cut != CutNone,
	}
	total, err := pnl.Add(impact)
	if err != nil {
		return report, err
	}
	if total.IsPositive() {
		amount, err := total.Abs().Div(out.pnlPrice.Max)
		if err != nil {
			return report, err
		}
		if err := writes.sub(market.Primary, ps, amount); err != nil {
			return report, err
		}
		if p.CollateralToken.Equals(meta.PnlToken(p.IsLong)) {
			out.output = amount
		} else {
			out.secondary = amount
		}
	} else if total.IsNegative() {
		loss, err := total.Abs().RoundUpDiv(out.collPrice.Min)
		if err != nil {
			return report, err
		}
		if err := out.pay(loss, func(side pool.Side, amount num.Num) error {
			return writes.add(market.Primary, side, amount)
		}); err != nil {
			return report, err
		}
	}

	// Fees.
	fees, err := ComputeFees(m, p, out.collPrice, sizeDelta, impact.IsPositive(), params.Cut == CutLiquidate)
	if err != nil {
		return report, err
	}
	report.Fees = fees
	toFee := func(factor num.Num) sink {
		return func(side pool.Side, amount num.Num) error {
			return writes.fee(side, amount, factor)
		}
	}
	if err := out.pay(fees.FundingFee, func(pool.Side, num.Num) error { return nil }); err != nil {
		return report, err
	}
	if err := out.pay(fees.Borrowing.Amount, toFee(cfg.Get(market.BorrowingFeeReceiverFactor))); err != nil {
		return report, err
	}
	if err := out.pay(fees.Order.Amount, toFee(cfg.Get(market.OrderFeeReceiverFactor))); err != nil {
		return report, err
	}
	if err := out.pay(fees.Liquidation.Amount, toFee(cfg.Get(market.LiquidationFeeReceiverFactor))); err != nil {
		return report, err
	}

	// Negative impact above the cap is held back from the proceeds and
	// handed to the owner as claimable collateral.
	if !report.PriceImpactDiffUSD.IsZero() {
		want, err := report.PriceImpactDiffUSD.Div(out.collPrice.Max)
		if err != nil {
			return report, err
		}
		fromOutput := take(&out.output, want)
		fromCollateral := take(&out.collateral, want.SaturatingSub(fromOutput))
		if report.ClaimableCollateral, err = fromOutput.Add(fromCollateral); err != nil {
			return report, err
		}
	}

	// Collateral withdrawal.
	withdrawal := params.CollateralWithdrawal
	if closing {
		withdrawal = out.collateral
	} else if withdrawal.Gt(out.collateral) {
		return report, fmt.Errorf("%w: withdrawal %s > remaining %s", ErrInsufficientCollateral, withdrawal, out.collateral)
	}
	take(&out.collateral, withdrawal)
	if out.output, err = out.output.Add(withdrawal); err != nil {
		return report, err
	}

	if err := writes.sub(market.CollateralSumKind(p.IsLong), cs, p.CollateralAmount.SaturatingSub(out.collateral)); err != nil {
		return report, err
	}
	if err := writes.sub(market.OpenInterestKind(p.IsLong), cs, sizeDelta); err != nil {
		return report, err
	}
	if err := writes.sub(market.OpenInterestInTokensKind(p.IsLong), cs, tokens); err != nil {
		return report, err
	}
	if err := writes.apply(m); err != nil {
		return report, err
	}
	if params.Cut != CutLiquidate {
		if err := market.ValidateMaxPnl(m, prices, market.PnlForTrader, market.PnlForTrader); err != nil {
			return report, err
		}
	}

	next := *p
	if closing {
		next.Clear()
		report.Closed = true
	} else {
		next.SizeInUSD = p.SizeInUSD.SaturatingSub(sizeDelta)
		next.SizeInTokens = p.SizeInTokens.SaturatingSub(tokens)
		next.CollateralAmount = out.collateral
		next.snapshotAccumulators(m, cs)
	}
	next.DecreasedAt = params.Now
	next.TradeID = m.NextTradeID()

	report.TradeID = next.TradeID
	report.OutputAmount = out.output
	report.SecondaryOutputAmount = out.secondary
	report.ShortfallUSD = out.shortfallUSD
	report.ClaimableLongAmount = fees.ClaimableLongAmount
	report.ClaimableShortAmount = fees.ClaimableShortAmount

	if err := market.ValidateReserve(m, prices, p.IsLong); err != nil {
		return report, err
	}
	if !closing {
		if err := Validate(m, prices, &next, true); err != nil {
			return report, err
		}
	}
	if params.Cut == CutAdl {
		if err := validateAdlResult(m, prices, p.IsLong, adlBefore); err != nil {
			return report, err
		}
	}
	*p = next
	return report, nil
}

func validateAdlResult(v market.View, prices market.Prices, isLong bool, before num.Signed) error {
	after, err := market.PnlFactor(v, prices, isLong, true)
	if err != nil {
		return err
	}
	if after.Cmp(before) >= 0 {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidAdl, before, after)
	}
	floor, err := num.ToSigned(v.Config().MaxPnlFactor(market.PnlMinAfterAdl, isLong))
	if err != nil {
		return err
	}
	if after.Cmp(floor) < 0 {
		return fmt.Errorf("%w: %s < %s", ErrPnlOvercorrected, after, floor)
	}
	return nil
}
