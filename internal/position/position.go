// Package position implements the position lifecycle: increase, decrease,
// liquidation and auto-deleveraging, with the fees each of them charges.
package position

import (
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"

	"github.com/atmx/perp-engine/internal/market"
	"github.com/atmx/perp-engine/internal/num"
	"github.com/atmx/perp-engine/internal/pool"
)

var (
	ErrInvalidPosition          = errors.New("position: position does not match market")
	ErrMinPositionSize          = errors.New("position: size below minimum")
	ErrMinCollateralValue       = errors.New("position: collateral value below minimum")
	ErrLiquidatable             = errors.New("position: collateral below min collateral factor")
	ErrInsufficientCollateral   = errors.New("position: insufficient collateral")
	ErrInsufficientFundsForCost = errors.New("position: insufficient funds to pay for costs")
	ErrUnacceptablePrice        = errors.New("position: execution price worse than acceptable price")
	ErrInvalidExecutionPrice    = errors.New("position: invalid execution price")
	ErrNotLiquidatable          = errors.New("position: not liquidatable")
	ErrAdlNotRequired           = errors.New("position: adl not required")
	ErrInvalidAdl               = errors.New("position: adl did not reduce pnl factor")
	ErrPnlOvercorrected         = errors.New("position: pnl factor below minimum after adl")
	ErrSizeDeltaTooLarge        = errors.New("position: size delta above position size")
	ErrEmptyPosition            = errors.New("position: empty position")
)

// Position is a leveraged exposure to a market's index token.
type Position struct {
	Address         solana.PublicKey `json:"address"`
	Bump            uint8            `json:"bump"`
	Store           solana.PublicKey `json:"store"`
	Owner           solana.PublicKey `json:"owner"`
	MarketToken     solana.PublicKey `json:"market_token"`
	CollateralToken solana.PublicKey `json:"collateral_token"`
	IsLong          bool             `json:"is_long"`

	SizeInUSD        num.Num `json:"size_in_usd"`
	SizeInTokens     num.Num `json:"size_in_tokens"`
	CollateralAmount num.Num `json:"collateral_amount"`

	BorrowingFactor              num.Num `json:"borrowing_factor"`
	FundingFeeAmountPerSize      num.Num `json:"funding_fee_amount_per_size"`
	LongClaimableFundingPerSize  num.Num `json:"long_claimable_funding_per_size"`
	ShortClaimableFundingPerSize num.Num `json:"short_claimable_funding_per_size"`

	IncreasedAt int64  `json:"increased_at"`
	DecreasedAt int64  `json:"decreased_at"`
	TradeID     uint64 `json:"trade_id"`
}

// IsEmpty reports whether the position holds nothing.
func (p *Position) IsEmpty() bool {
	return p.SizeInUSD.IsZero() && p.SizeInTokens.IsZero() &&
		p.CollateralAmount.IsZero() && p.BorrowingFactor.IsZero()
}

// Clear zeroes every amount while keeping identity fields.
func (p *Position) Clear() {
	p.SizeInUSD, p.SizeInTokens, p.CollateralAmount = num.Zero, num.Zero, num.Zero
	p.BorrowingFactor, p.FundingFeeAmountPerSize = num.Zero, num.Zero
	p.LongClaimableFundingPerSize, p.ShortClaimableFundingPerSize = num.Zero, num.Zero
}

// collateralSide checks p against the market and returns the pool side of
// its collateral token.
func (p *Position) collateralSide(v market.View) (pool.Side, error) {
	meta := v.Meta()
	if !p.MarketToken.Equals(meta.MarketToken) {
		return pool.Long, fmt.Errorf("%w: position market %s, market %s", ErrInvalidPosition, p.MarketToken, meta.MarketToken)
	}
	side, err := meta.Side(p.CollateralToken)
	if err != nil {
		return pool.Long, fmt.Errorf("%w: %v", ErrInvalidPosition, err)
	}
	return side, nil
}

// snapshotAccumulators stores the market's current per-size accumulators
// so later fees are charged from now on.
func (p *Position) snapshotAccumulators(v market.View, collateral pool.Side) {
	p.BorrowingFactor = market.CumulativeBorrowingFactor(v, p.IsLong)
	p.FundingFeeAmountPerSize = v.Pool(market.FundingAmountPerSizeKind(p.IsLong)).Amount(collateral)
	claimable := v.Pool(market.ClaimableFundingPerSizeKind(p.IsLong))
	p.LongClaimableFundingPerSize = claimable.Amount(pool.Long)
	p.ShortClaimableFundingPerSize = claimable.Amount(pool.Short)
}

// Pnl returns the pnl of sizeDeltaUSD worth of the position at the index
// price that minimizes it, and the matching size in tokens.
func (p *Position) Pnl(indexPrice num.Price, sizeDeltaUSD num.Num) (num.Signed, num.Num, error) {
	if p.SizeInUSD.IsZero() || sizeDeltaUSD.IsZero() {
		return num.SignedZero, num.Zero, nil
	}
	price := indexPrice.Min
	if !p.IsLong {
		price = indexPrice.Max
	}
	value, err := p.SizeInTokens.Mul(price)
	if err != nil {
		return num.SignedZero, num.Zero, err
	}
	var total num.Signed
	if p.IsLong {
		total, err = num.DiffNum(value, p.SizeInUSD)
	} else {
		total, err = num.DiffNum(p.SizeInUSD, value)
	}
	if err != nil {
		return num.SignedZero, num.Zero, err
	}
	if sizeDeltaUSD.Gte(p.SizeInUSD) {
		return total, p.SizeInTokens, nil
	}
	tokens, err := p.SizeInTokens.MulDivRound(sizeDeltaUSD, p.SizeInUSD, p.IsLong)
	if err != nil {
		return num.SignedZero, num.Zero, err
	}
	pnl, err := total.MulDiv(tokens, p.SizeInTokens)
	if err != nil {
		return num.SignedZero, num.Zero, err
	}
	return pnl, tokens, nil
}

// LiquidationCheck is the outcome of IsLiquidatable.
type LiquidationCheck struct {
	Liquidatable        bool
	Reason              string
	RemainingCollateral num.Signed
}

// IsLiquidatable closes the whole position on paper: collateral plus pnl
// plus capped negative impact minus closing fees must stay above both
// min_collateral_value and min_collateral_factor * size. Positive impact
// is ignored.
func IsLiquidatable(v market.View, prices market.Prices, p *Position) (LiquidationCheck, error) {
	var out LiquidationCheck
	if p.SizeInUSD.IsZero() {
		return out, nil
	}
	side, err := p.collateralSide(v)
	if err != nil {
		return out, err
	}
	collPrice := prices.Collateral(side)
	collateralUSD, err := p.CollateralAmount.Mul(collPrice.Min)
	if err != nil {
		return out, err
	}
	remaining, err := num.ToSigned(collateralUSD)
	if err != nil {
		return out, err
	}

	pnl, _, err := p.Pnl(prices.IndexToken, p.SizeInUSD)
	if err != nil {
		return out, err
	}
	if remaining, err = remaining.Add(pnl); err != nil {
		return out, err
	}

	size, err := num.ToSigned(p.SizeInUSD)
	if err != nil {
		return out, err
	}
	impact, err := market.PositionPriceImpact(v, p.IsLong, size.Neg())
	if err != nil {
		return out, err
	}
	if impact.IsNegative() {
		capped, _, err := market.CapNegativePositionImpact(v, impact, p.SizeInUSD, true)
		if err != nil {
			return out, err
		}
		if remaining, err = remaining.Add(capped); err != nil {
			return out, err
		}
	}

	fees, err := ComputeFees(v, p, collPrice, p.SizeInUSD, false, true)
	if err != nil {
		return out, err
	}
	cost, err := fees.TotalCost()
	if err != nil {
		return out, err
	}
	costUSD, err := cost.Mul(collPrice.Min)
	if err != nil {
		return out, err
	}
	if remaining, err = remaining.SubNum(costUSD); err != nil {
		return out, err
	}
	out.RemainingCollateral = remaining

	cfg := v.Config()
	minByFactor, err := num.ApplyFactor(p.SizeInUSD, cfg.Get(market.MinCollateralFactor))
	if err != nil {
		return out, err
	}
	switch {
	case !remaining.IsPositive():
		out.Liquidatable, out.Reason = true, "remaining collateral is not positive"
	case remaining.Abs().Lt(cfg.Get(market.MinCollateralValue)):
		out.Liquidatable, out.Reason = true, "remaining collateral below min collateral value"
	case remaining.Abs().Lt(minByFactor):
		out.Liquidatable, out.Reason = true, "remaining collateral below min collateral factor"
	}
	return out, nil
}

// Validate checks a non-empty position against the market's minimums.
func Validate(v market.View, prices market.Prices, p *Position, checkMinSize bool) error {
	if p.IsEmpty() {
		return nil
	}
	side, err := p.collateralSide(v)
	if err != nil {
		return err
	}
	cfg := v.Config()
	if checkMinSize && p.SizeInUSD.Lt(cfg.Get(market.MinPositionSizeUsd)) {
		return fmt.Errorf("%w: %s < %s", ErrMinPositionSize, p.SizeInUSD, cfg.Get(market.MinPositionSizeUsd))
	}
	collateralUSD, err := p.CollateralAmount.Mul(prices.Collateral(side).Min)
	if err != nil {
		return err
	}
	if collateralUSD.Lt(cfg.Get(market.MinCollateralValue)) {
		return fmt.Errorf("%w: %s < %s", ErrMinCollateralValue, collateralUSD, cfg.Get(market.MinCollateralValue))
	}
	check, err := IsLiquidatable(v, prices, p)
	if err != nil {
		return err
	}
	if check.Liquidatable {
		return fmt.Errorf("%w: %s", ErrLiquidatable, check.Reason)
	}
	return nil
}
