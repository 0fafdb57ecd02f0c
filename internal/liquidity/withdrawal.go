package liquidity

import (
	"fmt"

	"github.com/atmx/perp-engine/internal/market"
	"github.com/atmx/perp-engine/internal/num"
	"github.com/atmx/perp-engine/internal/pool"
)

// WithdrawalParams are the market tokens burned by a withdrawal.
type WithdrawalParams struct {
	MarketTokenAmount   num.Num
	MarketTokenSupply   num.Num
	MinLongTokenAmount  num.Num
	MinShortTokenAmount num.Num
	Now                 int64
}

// WithdrawalReport describes an executed withdrawal. The side amounts are
// paid out after fees.
type WithdrawalReport struct {
	PoolValue         num.Num    `json:"pool_value"`
	MarketTokenUSD    num.Num    `json:"market_token_usd"`
	MarketTokenAmount num.Num    `json:"market_token_amount"`
	Long              SideReport `json:"long"`
	Short             SideReport `json:"short"`
}

// Withdraw values the burned market tokens at the minimized pool value
// and pays them out in proportion to the primary pool's USD split.
func Withdraw(m market.Mutable, prices market.Prices, p WithdrawalParams) (WithdrawalReport, error) {
	return withdraw(m, prices, p, fullOptions)
}

func withdraw(m market.Mutable, prices market.Prices, p WithdrawalParams, opts options) (WithdrawalReport, error) {
	report := WithdrawalReport{MarketTokenAmount: p.MarketTokenAmount}
	if p.MarketTokenAmount.IsZero() {
		return report, ErrEmptyWithdrawal
	}
	if p.MarketTokenAmount.Gt(p.MarketTokenSupply) {
		return report, fmt.Errorf("%w: %s > %s", ErrExceedsSupply, p.MarketTokenAmount, p.MarketTokenSupply)
	}
	if _, err := market.UpdateState(m, prices, p.Now, market.PerpCapabilities); err != nil {
		return report, err
	}
	value, err := poolValue(m, prices, market.PnlForWithdrawal, false, p.MarketTokenSupply)
	if err != nil {
		return report, err
	}
	report.PoolValue = value
	if report.MarketTokenUSD, err = market.MarketTokenAmountToUsd(p.MarketTokenAmount, value, p.MarketTokenSupply); err != nil {
		return report, err
	}

	primary := m.Pool(market.Primary)
	var poolUSD [2]num.Num
	for _, side := range sides() {
		if poolUSD[side], err = primary.USDValue(side, prices.Collateral(side).Max); err != nil {
			return report, err
		}
	}
	totalUSD, err := poolUSD[pool.Long].Add(poolUSD[pool.Short])
	if err != nil {
		return report, err
	}
	if totalUSD.IsZero() {
		return report, fmt.Errorf("%w: empty primary pool", ErrNegativePoolValue)
	}

	cfg := m.Config()
	for _, side := range sides() {
		usd, err := report.MarketTokenUSD.MulDiv(poolUSD[side], totalUSD)
		if err != nil {
			return report, err
		}
		amount, err := usd.Div(prices.Collateral(side).Max)
		if err != nil {
			return report, err
		}
		fees, err := chargeFees(cfg, amount, false, opts)
		if err != nil {
			return report, err
		}
		if err := market.ApplyDelta(m, market.Primary, side, amount.SaturatingSub(fees.PoolAmount), false); err != nil {
			return report, err
		}
		if err := market.ApplyDelta(m, market.ClaimableFee, side, fees.ReceiverAmount, true); err != nil {
			return report, err
		}
		sr := SideReport{
			Amount:            amount.SaturatingSub(fees.Amount),
			FeeAmount:         fees.Amount,
			FeeReceiverAmount: fees.ReceiverAmount,
			PriceImpactAmount: num.Zero,
		}
		if side == pool.Long {
			report.Long = sr
		} else {
			report.Short = sr
		}
	}

	if report.Long.Amount.Lt(p.MinLongTokenAmount) {
		return report, fmt.Errorf("%w: long %s < %s", ErrInsufficientOutput, report.Long.Amount, p.MinLongTokenAmount)
	}
	if report.Short.Amount.Lt(p.MinShortTokenAmount) {
		return report, fmt.Errorf("%w: short %s < %s", ErrInsufficientOutput, report.Short.Amount, p.MinShortTokenAmount)
	}
	if err := market.ValidateMaxPnl(m, prices, market.PnlForWithdrawal, market.PnlForWithdrawal); err != nil {
		return report, err
	}
	for _, isLong := range []bool{true, false} {
		if err := market.ValidateReserve(m, prices, isLong); err != nil {
			return report, err
		}
	}
	return report, nil
}
