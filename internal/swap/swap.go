// Package swap exchanges one collateral token of a market for the other and
// chains such swaps along a path of markets.
package swap

import (
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"

	"github.com/atmx/perp-engine/internal/market"
	"github.com/atmx/perp-engine/internal/num"
	"github.com/atmx/perp-engine/internal/pool"
)

var (
	// ErrInvalidSwapPath is returned for malformed paths and tokens that do
	// not flow through them.
	ErrInvalidSwapPath = errors.New("swap: invalid swap path")

	// ErrPathTooLong is returned for paths above MaxPathLength.
	ErrPathTooLong = errors.New("swap: path too long")

	// ErrPureMarket is returned when a path goes through a pure market.
	ErrPureMarket = errors.New("swap: pure market in path")

	// ErrMissingMarket is returned when a path market was not loaded.
	ErrMissingMarket = errors.New("swap: market not loaded")

	// ErrInsufficientOutput is returned when fees and impact consume the
	// whole input.
	ErrInsufficientOutput = errors.New("swap: insufficient output amount")
)

// Hop reports one single-market swap.
type Hop struct {
	Market            solana.PublicKey `json:"market"`
	TokenIn           solana.PublicKey `json:"token_in"`
	TokenOut          solana.PublicKey `json:"token_out"`
	AmountIn          num.Num          `json:"amount_in"`
	AmountOut         num.Num          `json:"amount_out"`
	FeeAmount         num.Num          `json:"fee_amount"`
	FeeReceiverAmount num.Num          `json:"fee_receiver_amount"`
	PriceImpactUSD    num.Signed       `json:"price_impact_usd"`
	PriceImpactAmount num.Num          `json:"price_impact_amount"`
}

// Fees splits a fee amount into the receiver share and the pool share.
type Fees struct {
	Amount         num.Num
	ReceiverAmount num.Num
	PoolAmount     num.Num
}

// SwapFees charges the swap fee on amount at a factor picked by the sign
// of the price impact.
func SwapFees(cfg *market.Config, amount num.Num, positiveImpact bool) (Fees, error) {
	key := market.SwapFeeFactorForNegativeImpact
	if positiveImpact {
		key = market.SwapFeeFactorForPositiveImpact
	}
	fee, err := num.ApplyFactor(amount, cfg.Get(key))
	if err != nil {
		return Fees{}, err
	}
	receiver, err := num.ApplyFactor(fee, cfg.Get(market.SwapFeeReceiverFactor))
	if err != nil {
		return Fees{}, err
	}
	return Fees{Amount: fee, ReceiverAmount: receiver, PoolAmount: fee.SaturatingSub(receiver)}, nil
}

// Swap sells amountIn of tokenIn to m for the opposite collateral token.
// The market must not be pure. A zero input is a no-op.
func Swap(m market.Mutable, prices market.Prices, tokenIn solana.PublicKey, amountIn num.Num) (Hop, error) {
	meta := m.Meta()
	hop := Hop{Market: meta.MarketToken, TokenIn: tokenIn, AmountIn: amountIn}
	if meta.IsPure() {
		return hop, fmt.Errorf("%w: %s", ErrPureMarket, meta.MarketToken)
	}
	sideIn, err := meta.Side(tokenIn)
	if err != nil {
		return hop, fmt.Errorf("%w: %v", ErrInvalidSwapPath, err)
	}
	sideOut := sideIn.Opposite()
	hop.TokenOut = meta.Token(sideOut)
	if amountIn.IsZero() {
		return hop, nil
	}

	priceIn, priceOut := prices.Collateral(sideIn), prices.Collateral(sideOut)
	usdIn, err := amountIn.Mul(priceIn.Mid())
	if err != nil {
		return hop, err
	}
	in, err := num.ToSigned(usdIn)
	if err != nil {
		return hop, err
	}
	params := market.SwapImpactParams{LongPrice: prices.LongToken.Mid(), ShortPrice: prices.ShortToken.Mid()}
	if sideIn == pool.Long {
		params.LongDelta, params.ShortDelta = in, in.Neg()
	} else {
		params.LongDelta, params.ShortDelta = in.Neg(), in
	}
	impact, err := market.SwapPriceImpact(m, params)
	if err != nil {
		return hop, err
	}
	hop.PriceImpactUSD = impact

	fees, err := SwapFees(m.Config(), amountIn, impact.IsPositive())
	if err != nil {
		return hop, err
	}
	hop.FeeAmount, hop.FeeReceiverAmount = fees.Amount, fees.ReceiverAmount
	remaining := amountIn.SaturatingSub(fees.Amount)

	var positiveOut, negativeIn num.Num
	switch {
	case impact.IsPositive():
		if positiveOut, err = market.PositiveSwapImpactAmount(m, sideOut, impact.Abs(), priceOut.Max); err != nil {
			return hop, err
		}
		hop.PriceImpactAmount = positiveOut
	case impact.IsNegative():
		if negativeIn, err = impact.Abs().RoundUpDiv(priceIn.Min); err != nil {
			return hop, err
		}
		if negativeIn.Gt(remaining) {
			return hop, fmt.Errorf("%w: impact %s exceeds %s", ErrInsufficientOutput, negativeIn, remaining)
		}
		remaining = remaining.SaturatingSub(negativeIn)
		hop.PriceImpactAmount = negativeIn
	}

	baseOut, err := remaining.MulDiv(priceIn.Min, priceOut.Max)
	if err != nil {
		return hop, err
	}
	if hop.AmountOut, err = baseOut.Add(positiveOut); err != nil {
		return hop, err
	}
	if hop.AmountOut.IsZero() {
		return hop, fmt.Errorf("%w: %s in yields nothing", ErrInsufficientOutput, amountIn)
	}

	toPool, err := remaining.Add(fees.PoolAmount)
	if err != nil {
		return hop, err
	}
	writes := []struct {
		kind     market.PoolKind
		side     pool.Side
		amount   num.Num
		increase bool
	}{
		{market.Primary, sideIn, toPool, true},
		{market.Primary, sideOut, baseOut, false},
		{market.ClaimableFee, sideIn, fees.ReceiverAmount, true},
		{market.SwapImpact, sideIn, negativeIn, true},
		{market.SwapImpact, sideOut, positiveOut, false},
	}
	for _, w := range writes {
		if w.amount.IsZero() {
			continue
		}
		if err := market.ApplyDelta(m, w.kind, w.side, w.amount, w.increase); err != nil {
			return hop, err
		}
	}

	if err := market.ValidatePoolAmount(m, sideIn); err != nil {
		return hop, err
	}
	for _, isLong := range []bool{true, false} {
		if err := market.ValidateReserve(m, prices, isLong); err != nil {
			return hop, err
		}
	}
	return hop, nil
}
