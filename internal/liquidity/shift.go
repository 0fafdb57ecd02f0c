package liquidity

import (
	"fmt"

	"github.com/atmx/perp-engine/internal/market"
	"github.com/atmx/perp-engine/internal/num"
)

// ShiftParams move market tokens of one market into another.
type ShiftParams struct {
	FromMarketTokenAmount  num.Num
	FromMarketTokenSupply  num.Num
	ToMarketTokenSupply    num.Num
	MinToMarketTokenAmount num.Num
	Now                    int64
}

// ShiftReport pairs the withdrawal from the source market with the
// deposit into the target.
type ShiftReport struct {
	Withdrawal WithdrawalReport `json:"withdrawal"`
	Deposit    DepositReport    `json:"deposit"`
}

// Shiftable reports whether liquidity can move between the two markets.
func Shiftable(from, to market.Meta) error {
	if from.MarketToken.Equals(to.MarketToken) {
		return fmt.Errorf("%w: same market %s", ErrNotShiftable, from.MarketToken)
	}
	if !from.LongToken.Equals(to.LongToken) || !from.ShortToken.Equals(to.ShortToken) {
		return fmt.Errorf("%w: %s and %s", ErrNotShiftable, from.MarketToken, to.MarketToken)
	}
	return nil
}

// Shift withdraws from one market and deposits the proceeds into another
// with the same collateral tokens. Neither leg charges fees or price
// impact.
func Shift(from, to market.Mutable, fromPrices, toPrices market.Prices, p ShiftParams) (ShiftReport, error) {
	var report ShiftReport
	if err := Shiftable(from.Meta(), to.Meta()); err != nil {
		return report, err
	}
	w, err := withdraw(from, fromPrices, WithdrawalParams{
		MarketTokenAmount:   p.FromMarketTokenAmount,
		MarketTokenSupply:   p.FromMarketTokenSupply,
		MinLongTokenAmount:  num.Zero,
		MinShortTokenAmount: num.Zero,
		Now:                 p.Now,
	}, shiftOptions)
	if err != nil {
		return report, fmt.Errorf("shift out of %s: %w", from.Meta().MarketToken, err)
	}
	report.Withdrawal = w
	d, err := deposit(to, toPrices, DepositParams{
		LongAmount:           w.Long.Amount,
		ShortAmount:          w.Short.Amount,
		MarketTokenSupply:    p.ToMarketTokenSupply,
		MinMarketTokenAmount: p.MinToMarketTokenAmount,
		Now:                  p.Now,
	}, shiftOptions)
	if err != nil {
		return report, fmt.Errorf("shift into %s: %w", to.Meta().MarketToken, err)
	}
	report.Deposit = d
	return report, nil
}
