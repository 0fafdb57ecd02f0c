package market

import (
	"fmt"

	"github.com/atmx/perp-engine/internal/num"
	"github.com/atmx/perp-engine/internal/pool"
)

// BorrowingFactorPerSecond returns factor * reserved^exponent / pool_usd for
// one side. With skip_borrowing_fee_for_smaller_side set, the side with
// less open interest pays nothing.
func BorrowingFactorPerSecond(v View, prices Prices, isLong bool) (num.Num, error) {
	cfg := v.Config()
	reserved, err := ReservedValue(v, prices.IndexToken, isLong)
	if err != nil {
		return num.Zero, err
	}
	if reserved.IsZero() {
		return num.Zero, nil
	}
	if cfg.Flag(SkipBorrowingFeeForSmallerSide) {
		longOI, err := TotalOpenInterest(v, true)
		if err != nil {
			return num.Zero, err
		}
		shortOI, err := TotalOpenInterest(v, false)
		if err != nil {
			return num.Zero, err
		}
		if (isLong && longOI.Lt(shortOI)) || (!isLong && shortOI.Lt(longOI)) {
			return num.Zero, nil
		}
	}
	poolUSD, err := PoolValueWithoutPnlForOneSide(v, prices, isLong, false)
	if err != nil {
		return num.Zero, err
	}
	if poolUSD.IsZero() {
		return num.Zero, fmt.Errorf("%w: %s side borrowing with empty pool", ErrEmptyPool, pool.SideOf(isLong))
	}
	raised, err := num.ApplyExponentFactor(reserved, cfg.BorrowingFeeExponent(isLong))
	if err != nil {
		return num.Zero, err
	}
	usage, err := num.ToFactor(raised, poolUSD, false)
	if err != nil {
		return num.Zero, err
	}
	return num.ApplyFactor(usage, cfg.BorrowingFeeFactor(isLong))
}

// CumulativeBorrowingFactor returns the accumulated borrowing factor of a
// position side.
func CumulativeBorrowingFactor(v View, isLong bool) num.Num {
	return v.Pool(BorrowingFactor).Amount(pool.SideOf(isLong))
}

// UpdateBorrowingState accrues elapsed seconds of borrowing into the
// cumulative factors of both sides.
func UpdateBorrowingState(m Mutable, prices Prices, now int64) error {
	duration := PassedSeconds(m, ClockBorrowing, now)
	if duration == 0 {
		return nil
	}
	elapsed := num.New(duration)
	var deltas [2]num.Num
	for i, isLong := range []bool{true, false} {
		perSecond, err := BorrowingFactorPerSecond(m, prices, isLong)
		if err != nil {
			return err
		}
		if deltas[i], err = perSecond.Mul(elapsed); err != nil {
			return err
		}
	}
	for i, isLong := range []bool{true, false} {
		if deltas[i].IsZero() {
			continue
		}
		if err := ApplyDelta(m, BorrowingFactor, pool.SideOf(isLong), deltas[i], true); err != nil {
			return err
		}
	}
	JustPassedSeconds(m, ClockBorrowing, now)
	return nil
}

// BorrowingFeeUSD returns the pending borrowing fee of a position opened at
// borrowingFactor with the given size.
func BorrowingFeeUSD(v View, isLong bool, sizeInUSD, borrowingFactor num.Num) (num.Num, error) {
	diff := CumulativeBorrowingFactor(v, isLong).SaturatingSub(borrowingFactor)
	return num.ApplyFactorRoundUp(sizeInUSD, diff)
}
