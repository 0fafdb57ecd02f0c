package liquidity

import (
	"fmt"

	"github.com/atmx/perp-engine/internal/market"
	"github.com/atmx/perp-engine/internal/num"
	"github.com/atmx/perp-engine/internal/pool"
)

// DepositParams are the collateral amounts paid into a market.
type DepositParams struct {
	LongAmount           num.Num
	ShortAmount          num.Num
	MarketTokenSupply    num.Num
	MinMarketTokenAmount num.Num
	Now                  int64
}

// DepositReport describes an executed deposit.
type DepositReport struct {
	PoolValue         num.Num    `json:"pool_value"`
	PriceImpactUSD    num.Signed `json:"price_impact_usd"`
	Long              SideReport `json:"long"`
	Short             SideReport `json:"short"`
	MarketTokenAmount num.Num    `json:"market_token_amount"`
}

// Deposit adds the amounts to the primary pool and returns the market
// tokens to mint. Fees are charged per side and the swap impact of the
// deposit is split between the sides by USD value. Both pnl factors must
// stay within max_pnl_factor_for_deposit.
func Deposit(m market.Mutable, prices market.Prices, p DepositParams) (DepositReport, error) {
	return deposit(m, prices, p, fullOptions)
}

func deposit(m market.Mutable, prices market.Prices, p DepositParams, opts options) (DepositReport, error) {
	var report DepositReport
	if p.LongAmount.IsZero() && p.ShortAmount.IsZero() {
		return report, ErrEmptyDeposit
	}
	if _, err := market.UpdateState(m, prices, p.Now, market.PerpCapabilities); err != nil {
		return report, err
	}
	value, err := poolValue(m, prices, market.PnlForDeposit, true, p.MarketTokenSupply)
	if err != nil {
		return report, err
	}
	report.PoolValue = value

	longUSD, err := p.LongAmount.Mul(prices.LongToken.Mid())
	if err != nil {
		return report, err
	}
	shortUSD, err := p.ShortAmount.Mul(prices.ShortToken.Mid())
	if err != nil {
		return report, err
	}
	totalUSD, err := longUSD.Add(shortUSD)
	if err != nil {
		return report, err
	}
	if opts.applyImpact && !m.Meta().IsPure() {
		params := market.SwapImpactParams{LongPrice: prices.LongToken.Mid(), ShortPrice: prices.ShortToken.Mid()}
		if params.LongDelta, err = num.ToSigned(longUSD); err != nil {
			return report, err
		}
		if params.ShortDelta, err = num.ToSigned(shortUSD); err != nil {
			return report, err
		}
		if report.PriceImpactUSD, err = market.SwapPriceImpact(m, params); err != nil {
			return report, err
		}
	}

	cfg := m.Config()
	mintUSD := num.Zero
	for _, side := range sides() {
		amount := pick(side, p.LongAmount, p.ShortAmount)
		if amount.IsZero() {
			continue
		}
		sr := SideReport{Amount: amount, PriceImpactAmount: num.Zero}
		if !report.PriceImpactUSD.IsZero() {
			if sr.PriceImpactUSD, err = report.PriceImpactUSD.MulDiv(pick(side, longUSD, shortUSD), totalUSD); err != nil {
				return report, err
			}
		}
		fees, err := chargeFees(cfg, amount, sr.PriceImpactUSD.IsPositive(), opts)
		if err != nil {
			return report, err
		}
		sr.FeeAmount, sr.FeeReceiverAmount = fees.Amount, fees.ReceiverAmount
		afterFees := amount.SaturatingSub(fees.Amount)
		price := prices.Collateral(side)

		switch {
		case sr.PriceImpactUSD.IsPositive():
			if sr.PriceImpactAmount, err = market.PositiveSwapImpactAmount(m, side, sr.PriceImpactUSD.Abs(), price.Max); err != nil {
				return report, err
			}
			if err := market.ApplyDelta(m, market.SwapImpact, side, sr.PriceImpactAmount, false); err != nil {
				return report, err
			}
			if afterFees, err = afterFees.Add(sr.PriceImpactAmount); err != nil {
				return report, err
			}
		case sr.PriceImpactUSD.IsNegative():
			if sr.PriceImpactAmount, err = sr.PriceImpactUSD.Abs().RoundUpDiv(price.Min); err != nil {
				return report, err
			}
			if sr.PriceImpactAmount.Gt(afterFees) {
				return report, fmt.Errorf("%w: %s side impact %s exceeds %s", ErrInsufficientOutput, side, sr.PriceImpactAmount, afterFees)
			}
			if err := market.ApplyDelta(m, market.SwapImpact, side, sr.PriceImpactAmount, true); err != nil {
				return report, err
			}
			afterFees = afterFees.SaturatingSub(sr.PriceImpactAmount)
		}

		toPool, err := afterFees.Add(fees.PoolAmount)
		if err != nil {
			return report, err
		}
		if err := market.ApplyDelta(m, market.Primary, side, toPool, true); err != nil {
			return report, err
		}
		if err := market.ApplyDelta(m, market.ClaimableFee, side, fees.ReceiverAmount, true); err != nil {
			return report, err
		}
		usd, err := afterFees.Mul(price.Min)
		if err != nil {
			return report, err
		}
		if mintUSD, err = mintUSD.Add(usd); err != nil {
			return report, err
		}
		if side == pool.Long {
			report.Long = sr
		} else {
			report.Short = sr
		}
	}

	if report.MarketTokenAmount, err = market.UsdToMarketTokenAmount(mintUSD, value, p.MarketTokenSupply); err != nil {
		return report, err
	}
	minted := report.MarketTokenAmount
	if p.MarketTokenSupply.IsZero() && minted.Lt(cfg.Get(market.MinTokensForFirstDeposit)) {
		return report, fmt.Errorf("%w: %s < %s", ErrMinTokensForFirstDeposit, minted, cfg.Get(market.MinTokensForFirstDeposit))
	}
	if minted.IsZero() || minted.Lt(p.MinMarketTokenAmount) {
		return report, fmt.Errorf("%w: minted %s, min %s", ErrInsufficientOutput, minted, p.MinMarketTokenAmount)
	}
	if err := market.ValidateMaxPnl(m, prices, market.PnlForDeposit, market.PnlForDeposit); err != nil {
		return report, err
	}
	for _, side := range sides() {
		if err := market.ValidatePoolAmount(m, side); err != nil {
			return report, err
		}
	}
	return report, nil
}
