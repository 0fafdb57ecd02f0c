package action

import (
	"fmt"

	"github.com/gagliardetto/solana-go"

	"github.com/atmx/perp-engine/internal/num"
)

// OrderKind is the type of an order.
type OrderKind uint8

const (
	MarketSwap OrderKind = iota
	LimitSwap
	MarketIncrease
	LimitIncrease
	MarketDecrease
	LimitDecrease
	StopLossDecrease
	Liquidation
	AutoDeleverage

	NumOrderKinds
)

var orderKindNames = [NumOrderKinds]string{
	"market_swap", "limit_swap",
	"market_increase", "limit_increase",
	"market_decrease", "limit_decrease", "stop_loss_decrease",
	"liquidation", "auto_deleverage",
}

func (k OrderKind) String() string {
	if k >= NumOrderKinds {
		return fmt.Sprintf("order_kind(%d)", uint8(k))
	}
	return orderKindNames[k]
}

// ParseOrderKind accepts the names printed by OrderKind.String.
func ParseOrderKind(s string) (OrderKind, error) {
	for i, name := range orderKindNames {
		if name == s {
			return OrderKind(i), nil
		}
	}
	return 0, fmt.Errorf("%w: order kind %q", ErrInvalidArgument, s)
}

// MarshalText implements encoding.TextMarshaler.
func (k OrderKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *OrderKind) UnmarshalText(b []byte) error {
	v, err := ParseOrderKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

func (k OrderKind) IsSwap() bool { return k == MarketSwap || k == LimitSwap }

func (k OrderKind) IsIncrease() bool { return k == MarketIncrease || k == LimitIncrease }

func (k OrderKind) IsDecrease() bool {
	switch k {
	case MarketDecrease, LimitDecrease, StopLossDecrease, Liquidation, AutoDeleverage:
		return true
	}
	return false
}

// IsMarket reports whether the order executes at the current price
// without waiting for a trigger.
func (k OrderKind) IsMarket() bool {
	return k == MarketSwap || k == MarketIncrease || k == MarketDecrease
}

// Expires reports whether orders of this kind lapse after the request
// expiration. Limit and stop-loss orders rest until their trigger.
func (k OrderKind) Expires() bool { return k.IsMarket() }

// IsUserCreatable reports whether owners may create orders of this kind.
// Liquidation and ADL orders are created by keepers.
func (k OrderKind) IsUserCreatable() bool { return k < Liquidation }

// IsUpdatable reports whether a pending order of this kind may be edited.
func (k OrderKind) IsUpdatable() bool {
	switch k {
	case LimitSwap, LimitIncrease, LimitDecrease, StopLossDecrease:
		return true
	}
	return false
}

// Order requests a swap or a position change. For swaps the collateral
// fields carry the input token and amount; for decreases the output is
// paid in FinalOutputToken after the swap path.
type Order struct {
	Header

	OrderKind                    OrderKind        `json:"order_kind"`
	IsLong                       bool             `json:"is_long"`
	Position                     solana.PublicKey `json:"position"`
	CollateralToken              solana.PublicKey `json:"collateral_token"`
	InitialCollateralToken       solana.PublicKey `json:"initial_collateral_token"`
	InitialCollateralDeltaAmount num.Num          `json:"initial_collateral_delta_amount"`
	FinalOutputToken             solana.PublicKey `json:"final_output_token"`
	SizeDeltaUSD                 num.Num          `json:"size_delta_usd"`
	AcceptablePrice              num.Num          `json:"acceptable_price"`
	TriggerPrice                 num.Num          `json:"trigger_price"`
	MinOutputAmount              num.Num          `json:"min_output_amount"`
	Swap                         SwapParams       `json:"swap"`
}

// Expiration returns the window that applies to o given the store's
// request expiration.
func (o *Order) Expiration(requestExpiration int64) int64 {
	if !o.OrderKind.Expires() {
		return NoExpiration
	}
	return requestExpiration
}

// Validate checks the order shape for its kind.
func (o *Order) Validate() error {
	k := o.OrderKind
	if k >= NumOrderKinds {
		return fmt.Errorf("%w: %s", ErrInvalidArgument, k)
	}
	switch {
	case k.IsSwap():
		if o.InitialCollateralDeltaAmount.IsZero() {
			return fmt.Errorf("%w: swap without input amount", ErrInvalidArgument)
		}
		if o.InitialCollateralToken.IsZero() || o.FinalOutputToken.IsZero() {
			return fmt.Errorf("%w: swap without tokens", ErrInvalidArgument)
		}
		if len(o.Swap.SecondaryPath) != 0 {
			return fmt.Errorf("%w: swap orders use the primary path only", ErrInvalidArgument)
		}
	case k.IsIncrease():
		if o.SizeDeltaUSD.IsZero() && o.InitialCollateralDeltaAmount.IsZero() {
			return fmt.Errorf("%w: empty increase", ErrInvalidArgument)
		}
		if o.CollateralToken.IsZero() || o.InitialCollateralToken.IsZero() {
			return fmt.Errorf("%w: increase without collateral token", ErrInvalidArgument)
		}
	case k.IsDecrease():
		if o.CollateralToken.IsZero() {
			return fmt.Errorf("%w: decrease without collateral token", ErrInvalidArgument)
		}
		if k != Liquidation && k != AutoDeleverage && o.SizeDeltaUSD.IsZero() && o.InitialCollateralDeltaAmount.IsZero() {
			return fmt.Errorf("%w: empty decrease", ErrInvalidArgument)
		}
	}
	if (k == LimitIncrease || k == LimitDecrease || k == StopLossDecrease) && o.TriggerPrice.IsZero() {
		return fmt.Errorf("%w: %s requires a trigger price", ErrInvalidArgument, k)
	}
	return nil
}

// ValidateTrigger checks a limit or stop-loss trigger against the index
// price. Market orders and cuts always pass. Limit increases fill at or
// below the trigger for longs and at or above it for shorts; limit
// decreases take profit past the trigger; stop losses fire when the price
// moves against the position.
func (o *Order) ValidateTrigger(indexPrice num.Price) error {
	var (
		price      num.Num
		wantBelow  bool
		shouldFire bool
	)
	switch o.OrderKind {
	case LimitIncrease:
		price, wantBelow = indexPrice.Pick(o.IsLong), o.IsLong
	case LimitDecrease:
		price, wantBelow = indexPrice.Pick(!o.IsLong), !o.IsLong
	case StopLossDecrease:
		price, wantBelow = indexPrice.Pick(!o.IsLong), o.IsLong
	default:
		return nil
	}
	if wantBelow {
		shouldFire = price.Lte(o.TriggerPrice)
	} else {
		shouldFire = price.Gte(o.TriggerPrice)
	}
	if !shouldFire {
		return fmt.Errorf("%w: %s at %s, trigger %s", ErrTriggerNotMet, o.OrderKind, price, o.TriggerPrice)
	}
	return nil
}

// UpdateParams edits a pending limit order. Nil fields are left as is.
type UpdateParams struct {
	SizeDeltaUSD    *num.Num `json:"size_delta_usd,omitempty"`
	AcceptablePrice *num.Num `json:"acceptable_price,omitempty"`
	TriggerPrice    *num.Num `json:"trigger_price,omitempty"`
	MinOutputAmount *num.Num `json:"min_output_amount,omitempty"`
}

// Update applies params to a pending updatable order.
func (o *Order) Update(params UpdateParams, now int64) error {
	if !o.IsPending() {
		return fmt.Errorf("%w: %s is %s", ErrNotPending, o.Address, o.State)
	}
	if !o.OrderKind.IsUpdatable() {
		return fmt.Errorf("%w: %s", ErrNotUpdatable, o.OrderKind)
	}
	next := *o
	if params.SizeDeltaUSD != nil {
		next.SizeDeltaUSD = *params.SizeDeltaUSD
	}
	if params.AcceptablePrice != nil {
		next.AcceptablePrice = *params.AcceptablePrice
	}
	if params.TriggerPrice != nil {
		next.TriggerPrice = *params.TriggerPrice
	}
	if params.MinOutputAmount != nil {
		next.MinOutputAmount = *params.MinOutputAmount
	}
	if err := next.Validate(); err != nil {
		return err
	}
	next.UpdatedAt = now
	*o = next
	return nil
}
