package position

import (
	"github.com/atmx/perp-engine/internal/market"
	"github.com/atmx/perp-engine/internal/num"
	"github.com/atmx/perp-engine/internal/pool"
)

// SplitFee is a fee in collateral tokens and the part owed to the fee
// receiver. The rest goes to the pool.
type SplitFee struct {
	Amount         num.Num `json:"amount"`
	ReceiverAmount num.Num `json:"receiver_amount"`
}

// PoolAmount returns the share kept by the pool.
func (f SplitFee) PoolAmount() num.Num { return f.Amount.SaturatingSub(f.ReceiverAmount) }

func split(amount, receiverFactor num.Num) (SplitFee, error) {
	receiver, err := num.ApplyFactor(amount, receiverFactor)
	if err != nil {
		return SplitFee{}, err
	}
	return SplitFee{Amount: amount, ReceiverAmount: receiver}, nil
}

// Fees are the costs of one position update, in collateral tokens, plus
// the funding the position has earned.
type Fees struct {
	Order        SplitFee `json:"order"`
	Borrowing    SplitFee `json:"borrowing"`
	Liquidation  SplitFee `json:"liquidation"`
	BorrowingUSD num.Num  `json:"borrowing_usd"`
	FundingFee   num.Num  `json:"funding_fee"`

	ClaimableLongAmount  num.Num `json:"claimable_long_amount"`
	ClaimableShortAmount num.Num `json:"claimable_short_amount"`
}

// TotalCost sums every fee the position pays.
func (f Fees) TotalCost() (num.Num, error) {
	return num.Sum(f.Order.Amount, f.Borrowing.Amount, f.Liquidation.Amount, f.FundingFee)
}

// ClaimableAmount returns the earned funding in the token of side.
func (f Fees) ClaimableAmount(side pool.Side) num.Num {
	if side == pool.Long {
		return f.ClaimableLongAmount
	}
	return f.ClaimableShortAmount
}

func usdToCollateral(usd num.Num, price num.Price) (num.Num, error) {
	if usd.IsZero() {
		return num.Zero, nil
	}
	return usd.RoundUpDiv(price.Min)
}

// ComputeFees returns the fees of changing p by sizeDeltaUSD: the order
// fee on the delta, borrowing and funding accrued on the current size,
// and the liquidation fee when liquidating.
func ComputeFees(v market.View, p *Position, collPrice num.Price, sizeDeltaUSD num.Num, positiveImpact, liquidation bool) (Fees, error) {
	var fees Fees
	side, err := p.collateralSide(v)
	if err != nil {
		return fees, err
	}
	cfg := v.Config()

	orderKey := market.OrderFeeFactorForNegativeImpact
	if positiveImpact {
		orderKey = market.OrderFeeFactorForPositiveImpact
	}
	orderUSD, err := num.ApplyFactor(sizeDeltaUSD, cfg.Get(orderKey))
	if err != nil {
		return fees, err
	}
	orderAmount, err := usdToCollateral(orderUSD, collPrice)
	if err != nil {
		return fees, err
	}
	if fees.Order, err = split(orderAmount, cfg.Get(market.OrderFeeReceiverFactor)); err != nil {
		return fees, err
	}

	if fees.BorrowingUSD, err = market.BorrowingFeeUSD(v, p.IsLong, p.SizeInUSD, p.BorrowingFactor); err != nil {
		return fees, err
	}
	borrowingAmount, err := usdToCollateral(fees.BorrowingUSD, collPrice)
	if err != nil {
		return fees, err
	}
	if fees.Borrowing, err = split(borrowingAmount, cfg.Get(market.BorrowingFeeReceiverFactor)); err != nil {
		return fees, err
	}

	if fees.FundingFee, err = market.FundingFeeAmount(v, p.IsLong, side, p.SizeInUSD, p.FundingFeeAmountPerSize); err != nil {
		return fees, err
	}
	if fees.ClaimableLongAmount, err = market.ClaimableFundingAmount(v, p.IsLong, pool.Long, p.SizeInUSD, p.LongClaimableFundingPerSize); err != nil {
		return fees, err
	}
	if fees.ClaimableShortAmount, err = market.ClaimableFundingAmount(v, p.IsLong, pool.Short, p.SizeInUSD, p.ShortClaimableFundingPerSize); err != nil {
		return fees, err
	}

	if liquidation {
		liqUSD, err := num.ApplyFactor(sizeDeltaUSD, cfg.Get(market.LiquidationFeeFactor))
		if err != nil {
			return fees, err
		}
		liqAmount, err := usdToCollateral(liqUSD, collPrice)
		if err != nil {
			return fees, err
		}
		if fees.Liquidation, err = split(liqAmount, cfg.Get(market.LiquidationFeeReceiverFactor)); err != nil {
			return fees, err
		}
	}
	return fees, nil
}
