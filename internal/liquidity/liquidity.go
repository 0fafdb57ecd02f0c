// Package liquidity implements the market token math of deposits,
// withdrawals and shifts.
package liquidity

import (
	"errors"
	"fmt"

	"github.com/atmx/perp-engine/internal/market"
	"github.com/atmx/perp-engine/internal/num"
	"github.com/atmx/perp-engine/internal/pool"
	"github.com/atmx/perp-engine/internal/swap"
)

var (
	ErrEmptyDeposit             = errors.New("liquidity: empty deposit")
	ErrEmptyWithdrawal          = errors.New("liquidity: empty withdrawal")
	ErrExceedsSupply            = errors.New("liquidity: amount above market token supply")
	ErrInsufficientOutput       = errors.New("liquidity: output below minimum")
	ErrNegativePoolValue        = errors.New("liquidity: pool value is not positive")
	ErrMinTokensForFirstDeposit = errors.New("liquidity: first deposit below minimum")
	ErrNotShiftable             = errors.New("liquidity: markets do not share collateral tokens")
)

// SideReport describes the flow of one collateral token.
type SideReport struct {
	Amount            num.Num    `json:"amount"`
	FeeAmount         num.Num    `json:"fee_amount"`
	FeeReceiverAmount num.Num    `json:"fee_receiver_amount"`
	PriceImpactUSD    num.Signed `json:"price_impact_usd"`
	PriceImpactAmount num.Num    `json:"price_impact_amount"`
}

type options struct {
	chargeFees  bool
	applyImpact bool
}

var (
	fullOptions  = options{chargeFees: true, applyImpact: true}
	shiftOptions = options{}
)

// poolValue returns the pool value for kind, failing when it is negative,
// or zero while market tokens are outstanding.
func poolValue(v market.View, prices market.Prices, kind market.PnlFactorKind, maximize bool, supply num.Num) (num.Num, error) {
	value, err := market.PoolValue(v, prices, kind, maximize)
	if err != nil {
		return num.Zero, err
	}
	if value.IsNegative() || (value.IsZero() && !supply.IsZero()) {
		return num.Zero, fmt.Errorf("%w: %s with supply %s", ErrNegativePoolValue, value, supply)
	}
	return value.Abs(), nil
}

func sides() []pool.Side { return []pool.Side{pool.Long, pool.Short} }

func pick[T any](side pool.Side, long, short T) T {
	if side == pool.Long {
		return long
	}
	return short
}

func chargeFees(cfg *market.Config, amount num.Num, positiveImpact bool, opts options) (swap.Fees, error) {
	if !opts.chargeFees || amount.IsZero() {
		return swap.Fees{Amount: num.Zero, ReceiverAmount: num.Zero, PoolAmount: num.Zero}, nil
	}
	return swap.SwapFees(cfg, amount, positiveImpact)
}
