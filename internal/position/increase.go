package position

import (
	"fmt"

	"github.com/atmx/perp-engine/internal/market"
	"github.com/atmx/perp-engine/internal/num"
	"github.com/atmx/perp-engine/internal/pool"
)

// IncreaseParams describes an increase order.
type IncreaseParams struct {
	CollateralIncrement num.Num
	SizeDeltaUSD        num.Num
	// AcceptablePrice bounds the execution price; zero means unbounded.
	AcceptablePrice num.Num
	Now             int64
}

// IncreaseReport describes an executed increase. The claimable amounts
// are funding the position earned and are paid out to its owner.
type IncreaseReport struct {
	TradeID              uint64     `json:"trade_id"`
	ExecutionPrice       num.Num    `json:"execution_price"`
	SizeDeltaUSD         num.Num    `json:"size_delta_usd"`
	SizeDeltaInTokens    num.Num    `json:"size_delta_in_tokens"`
	PriceImpactUSD       num.Signed `json:"price_impact_usd"`
	PriceImpactAmount    num.Signed `json:"price_impact_amount"`
	CollateralDelta      num.Signed `json:"collateral_delta"`
	Fees                 Fees       `json:"fees"`
	ClaimableLongAmount  num.Num    `json:"claimable_long_amount"`
	ClaimableShortAmount num.Num    `json:"claimable_short_amount"`
}

// sizeDeltaInTokens converts a USD size change into index tokens with
// the impact amount applied in the trader's favour when positive.
func sizeDeltaInTokens(isLong bool, sizeDeltaUSD num.Num, indexPrice num.Price, impactAmount num.Signed) (num.Num, error) {
	var (
		base num.Num
		err  error
	)
	if isLong {
		base, err = sizeDeltaUSD.Div(indexPrice.Max)
	} else {
		base, err = sizeDeltaUSD.RoundUpDiv(indexPrice.Min)
	}
	if err != nil {
		return num.Zero, err
	}
	b, err := num.ToSigned(base)
	if err != nil {
		return num.Zero, err
	}
	if isLong {
		b, err = b.Add(impactAmount)
	} else {
		b, err = b.Sub(impactAmount)
	}
	if err != nil {
		return num.Zero, err
	}
	if !b.IsPositive() {
		return num.Zero, fmt.Errorf("%w: size delta %s yields %s tokens", ErrInvalidExecutionPrice, sizeDeltaUSD, b)
	}
	return b.Abs(), nil
}

func checkAcceptable(execution, acceptable num.Num, wantBelow bool) error {
	if acceptable.IsZero() {
		return nil
	}
	if (wantBelow && execution.Gt(acceptable)) || (!wantBelow && execution.Lt(acceptable)) {
		return fmt.Errorf("%w: execution %s, acceptable %s", ErrUnacceptablePrice, execution, acceptable)
	}
	return nil
}

// Increase adds collateral and size to p. On success p is updated; on
// error p is untouched and the market writes are left for the caller to
// discard.
func Increase(m market.Mutable, prices market.Prices, p *Position, params IncreaseParams) (IncreaseReport, error) {
	var report IncreaseReport
	side, err := p.collateralSide(m)
	if err != nil {
		return report, err
	}
	if _, err := market.UpdateState(m, prices, params.Now, market.PerpCapabilities); err != nil {
		return report, err
	}
	cfg := m.Config()
	collPrice := prices.Collateral(side)
	sizeDelta := params.SizeDeltaUSD
	report.SizeDeltaUSD = sizeDelta

	var writes poolWrites
	if !sizeDelta.IsZero() {
		delta, err := num.ToSigned(sizeDelta)
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
		report.PriceImpactUSD = impact
		if report.PriceImpactAmount, err = market.PositionImpactAmount(impact, prices.IndexToken); err != nil {
			return report, err
		}
		if report.SizeDeltaInTokens, err = sizeDeltaInTokens(p.IsLong, sizeDelta, prices.IndexToken, report.PriceImpactAmount); err != nil {
			return report, err
		}
		if report.ExecutionPrice, err = sizeDelta.Div(report.SizeDeltaInTokens); err != nil {
			return report, err
		}
		if err := checkAcceptable(report.ExecutionPrice, params.AcceptablePrice, p.IsLong); err != nil {
			return report, err
		}
		if err := writes.addSigned(market.PositionImpact, pool.Long, report.PriceImpactAmount.Neg()); err != nil {
			return report, err
		}
	}

	fees, err := ComputeFees(m, p, collPrice, sizeDelta, report.PriceImpactUSD.IsPositive(), false)
	if err != nil {
		return report, err
	}
	report.Fees = fees
	cost, err := fees.TotalCost()
	if err != nil {
		return report, err
	}
	budget, err := p.CollateralAmount.Add(params.CollateralIncrement)
	if err != nil {
		return report, err
	}
	if cost.Gt(budget) {
		return report, fmt.Errorf("%w: fees %s exceed collateral %s", ErrInsufficientCollateral, cost, budget)
	}
	nextCollateral := budget.SaturatingSub(cost)
	if report.CollateralDelta, err = num.DiffNum(nextCollateral, p.CollateralAmount); err != nil {
		return report, err
	}

	if err := writes.fee(side, fees.Order.Amount, cfg.Get(market.OrderFeeReceiverFactor)); err != nil {
		return report, err
	}
	if err := writes.fee(side, fees.Borrowing.Amount, cfg.Get(market.BorrowingFeeReceiverFactor)); err != nil {
		return report, err
	}
	if err := writes.addSigned(market.CollateralSumKind(p.IsLong), side, report.CollateralDelta); err != nil {
		return report, err
	}
	if err := writes.add(market.OpenInterestKind(p.IsLong), side, sizeDelta); err != nil {
		return report, err
	}
	if err := writes.add(market.OpenInterestInTokensKind(p.IsLong), side, report.SizeDeltaInTokens); err != nil {
		return report, err
	}
	if err := writes.apply(m); err != nil {
		return report, err
	}

	next := *p
	if next.SizeInUSD, err = p.SizeInUSD.Add(sizeDelta); err != nil {
		return report, err
	}
	if next.SizeInTokens, err = p.SizeInTokens.Add(report.SizeDeltaInTokens); err != nil {
		return report, err
	}
	next.CollateralAmount = nextCollateral
	next.snapshotAccumulators(m, side)
	next.IncreasedAt = params.Now
	next.TradeID = m.NextTradeID()
	report.TradeID = next.TradeID
	report.ClaimableLongAmount = fees.ClaimableLongAmount
	report.ClaimableShortAmount = fees.ClaimableShortAmount

	if err := market.ValidatePoolAmount(m, side); err != nil {
		return report, err
	}
	if err := market.ValidateOpenInterest(m, p.IsLong); err != nil {
		return report, err
	}
	if err := market.ValidateMaxPnl(m, prices, market.PnlForTrader, market.PnlForTrader); err != nil {
		return report, err
	}
	if err := market.ValidateReserve(m, prices, p.IsLong); err != nil {
		return report, err
	}
	if err := market.ValidateOpenInterestReserve(m, prices, p.IsLong); err != nil {
		return report, err
	}
	if err := Validate(m, prices, &next, true); err != nil {
		return report, err
	}
	*p = next
	return report, nil
}
