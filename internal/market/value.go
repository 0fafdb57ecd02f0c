package market

import (
	"fmt"

	"github.com/atmx/perp-engine/internal/num"
	"github.com/atmx/perp-engine/internal/pool"
)

// MarketTokenDecimals is the number of decimals of every market token.
const MarketTokenDecimals = 9

// usdToMarketTokenDivisor converts a 20-decimal USD value into a 9-decimal
// token amount at a price of one dollar.
var usdToMarketTokenDivisor = num.MustPow10(num.FactorDecimals - MarketTokenDecimals)

// Prices are the unit prices an operation runs at.
type Prices struct {
	IndexToken num.Price `json:"index_token"`
	LongToken  num.Price `json:"long_token"`
	ShortToken num.Price `json:"short_token"`
}

// Collateral returns the price of the token backing side.
func (p Prices) Collateral(side pool.Side) num.Price {
	if side == pool.Long {
		return p.LongToken
	}
	return p.ShortToken
}

// PnlFactorKind selects which configured cap a pnl factor is compared to.
type PnlFactorKind uint8

const (
	PnlForDeposit PnlFactorKind = iota
	PnlForWithdrawal
	PnlForTrader
	PnlForAdl
	PnlMinAfterAdl
)

func (k PnlFactorKind) String() string {
	switch k {
	case PnlForDeposit:
		return "deposit"
	case PnlForWithdrawal:
		return "withdrawal"
	case PnlForTrader:
		return "trader"
	case PnlForAdl:
		return "adl"
	case PnlMinAfterAdl:
		return "min_after_adl"
	default:
		return "unknown"
	}
}

// pickPriceForPnl returns the index price that maximizes (or minimizes)
// the pnl of one side.
func pickPriceForPnl(p num.Price, isLong, maximize bool) num.Num {
	if isLong {
		return p.Pick(maximize)
	}
	return p.Pick(!maximize)
}

// PoolValueBase returns Primary.long_usd + Primary.short_usd.
func PoolValueBase(v View, longPrice, shortPrice num.Num) (num.Num, error) {
	primary := v.Pool(Primary)
	long, err := primary.USDValue(pool.Long, longPrice)
	if err != nil {
		return num.Zero, err
	}
	short, err := primary.USDValue(pool.Short, shortPrice)
	if err != nil {
		return num.Zero, err
	}
	return long.Add(short)
}

// PoolValueWithoutPnlForOneSide returns the USD value of one primary pool
// side, priced at max when maximize is set and min otherwise.
func PoolValueWithoutPnlForOneSide(v View, prices Prices, isLong, maximize bool) (num.Num, error) {
	side := pool.SideOf(isLong)
	return v.Pool(Primary).USDValue(side, prices.Collateral(side).Pick(maximize))
}

// Pnl returns the net pnl of all open positions on one side.
func Pnl(v View, indexPrice num.Price, isLong, maximize bool) (num.Signed, error) {
	oi, err := TotalOpenInterest(v, isLong)
	if err != nil {
		return num.SignedZero, err
	}
	oiInTokens, err := TotalOpenInterestInTokens(v, isLong)
	if err != nil {
		return num.SignedZero, err
	}
	if oi.IsZero() && oiInTokens.IsZero() {
		return num.SignedZero, nil
	}
	value, err := oiInTokens.Mul(pickPriceForPnl(indexPrice, isLong, maximize))
	if err != nil {
		return num.SignedZero, err
	}
	if isLong {
		return num.DiffNum(value, oi)
	}
	return num.DiffNum(oi, value)
}

// CappedPnl caps a positive pnl at the configured share of poolUSD.
func CappedPnl(v View, kind PnlFactorKind, isLong bool, pnl num.Signed, poolUSD num.Num) (num.Signed, error) {
	if !pnl.IsPositive() {
		return pnl, nil
	}
	maxPnl, err := num.ApplyFactor(poolUSD, v.Config().MaxPnlFactor(kind, isLong))
	if err != nil {
		return num.SignedZero, err
	}
	if pnl.Abs().Gt(maxPnl) {
		return num.ToSigned(maxPnl)
	}
	return pnl, nil
}

// PoolValue returns the value backing market tokens: primary USD minus the
// position impact pool minus the capped net pnl of traders.
func PoolValue(v View, prices Prices, kind PnlFactorKind, maximize bool) (num.Signed, error) {
	primary := v.Pool(Primary)
	longUSD, err := primary.USDValue(pool.Long, prices.LongToken.Pick(maximize))
	if err != nil {
		return num.SignedZero, err
	}
	shortUSD, err := primary.USDValue(pool.Short, prices.ShortToken.Pick(maximize))
	if err != nil {
		return num.SignedZero, err
	}
	total, err := longUSD.Add(shortUSD)
	if err != nil {
		return num.SignedZero, err
	}
	value, err := num.ToSigned(total)
	if err != nil {
		return num.SignedZero, err
	}

	impactUSD, err := v.Pool(PositionImpact).Amount(pool.Long).Mul(prices.IndexToken.Pick(!maximize))
	if err != nil {
		return num.SignedZero, err
	}
	if value, err = value.SubNum(impactUSD); err != nil {
		return num.SignedZero, err
	}

	for _, isLong := range []bool{true, false} {
		pnl, err := Pnl(v, prices.IndexToken, isLong, !maximize)
		if err != nil {
			return num.SignedZero, err
		}
		sideUSD := shortUSD
		if isLong {
			sideUSD = longUSD
		}
		capped, err := CappedPnl(v, kind, isLong, pnl, sideUSD)
		if err != nil {
			return num.SignedZero, err
		}
		if value, err = value.Sub(capped); err != nil {
			return num.SignedZero, err
		}
	}
	return value, nil
}

// PnlFactor returns pnl / pool value for one side. The pool value is priced
// with the opposite of maximize.
func PnlFactor(v View, prices Prices, isLong, maximize bool) (num.Signed, error) {
	poolUSD, err := PoolValueWithoutPnlForOneSide(v, prices, isLong, !maximize)
	if err != nil {
		return num.SignedZero, err
	}
	if poolUSD.IsZero() {
		return num.SignedZero, nil
	}
	pnl, err := Pnl(v, prices.IndexToken, isLong, maximize)
	if err != nil {
		return num.SignedZero, err
	}
	return num.ToSignedFactor(pnl, poolUSD)
}

// PnlFactorExceeded describes a side whose pnl factor is above its cap.
type PnlFactorExceeded struct {
	PnlFactor num.Signed
	Max       num.Num
}

// CheckPnlFactor returns a non-nil report when the maximized pnl factor of
// a side is positive and above the configured cap for kind. A non-positive
// factor never exceeds.
func CheckPnlFactor(v View, prices Prices, kind PnlFactorKind, isLong bool) (*PnlFactorExceeded, error) {
	factor, err := PnlFactor(v, prices, isLong, true)
	if err != nil {
		return nil, err
	}
	if !factor.IsPositive() {
		return nil, nil
	}
	limit := v.Config().MaxPnlFactor(kind, isLong)
	if factor.Abs().Gt(limit) {
		return &PnlFactorExceeded{PnlFactor: factor, Max: limit}, nil
	}
	return nil, nil
}

// ValidateMaxPnl fails when either side exceeds its cap.
func ValidateMaxPnl(v View, prices Prices, longKind, shortKind PnlFactorKind) error {
	for _, side := range []struct {
		isLong bool
		kind   PnlFactorKind
	}{{true, longKind}, {false, shortKind}} {
		exceeded, err := CheckPnlFactor(v, prices, side.kind, side.isLong)
		if err != nil {
			return err
		}
		if exceeded != nil {
			return fmt.Errorf("%w: %s side for %s: %s > %s", ErrPnlFactorExceeded,
				pool.SideOf(side.isLong), side.kind, exceeded.PnlFactor, exceeded.Max)
		}
	}
	return nil
}

// ReservedValue returns the USD value reserved for open positions of one
// side: longs reserve their size in tokens at the max index price, shorts
// reserve their open interest.
func ReservedValue(v View, indexPrice num.Price, isLong bool) (num.Num, error) {
	if isLong {
		tokens, err := TotalOpenInterestInTokens(v, true)
		if err != nil {
			return num.Zero, err
		}
		return tokens.Mul(indexPrice.Max)
	}
	return TotalOpenInterest(v, false)
}

// ValidateReserve checks reserved value against reserve_factor.
func ValidateReserve(v View, prices Prices, isLong bool) error {
	return validateReserve(v, prices, isLong, ReserveFactor, ErrReserveExceeded)
}

// ValidateOpenInterestReserve checks reserved value against
// open_interest_reserve_factor.
func ValidateOpenInterestReserve(v View, prices Prices, isLong bool) error {
	return validateReserve(v, prices, isLong, OpenInterestReserveFactor, ErrOpenInterestReserveExceeded)
}

func validateReserve(v View, prices Prices, isLong bool, key ConfigKey, sentinel error) error {
	poolUSD, err := PoolValueWithoutPnlForOneSide(v, prices, isLong, false)
	if err != nil {
		return err
	}
	maxReserved, err := num.ApplyFactor(poolUSD, v.Config().Get(key))
	if err != nil {
		return err
	}
	reserved, err := ReservedValue(v, prices.IndexToken, isLong)
	if err != nil {
		return err
	}
	if reserved.Gt(maxReserved) {
		return fmt.Errorf("%w: %s side reserved %s > %s", sentinel, pool.SideOf(isLong), reserved, maxReserved)
	}
	return nil
}

// ValidatePoolAmount checks a primary pool side against its cap.
func ValidatePoolAmount(v View, side pool.Side) error {
	amount := v.Pool(Primary).Amount(side)
	limit := v.Config().MaxPoolAmount(side.IsLong())
	if amount.Gt(limit) {
		return fmt.Errorf("%w: %s side %s > %s", ErrMaxPoolAmountExceeded, side, amount, limit)
	}
	return nil
}

// ValidateOpenInterest checks one side's open interest against its cap.
func ValidateOpenInterest(v View, isLong bool) error {
	oi, err := TotalOpenInterest(v, isLong)
	if err != nil {
		return err
	}
	limit := v.Config().MaxOpenInterest(isLong)
	if oi.Gt(limit) {
		return fmt.Errorf("%w: %s side %s > %s", ErrMaxOpenInterestExceeded, pool.SideOf(isLong), oi, limit)
	}
	return nil
}

// UsdToMarketTokenAmount converts a USD value into market tokens at the
// given pool value and supply. An empty supply mints at one dollar per
// token, crediting any value already in the pool to the first depositor.
func UsdToMarketTokenAmount(usd, poolValue, supply num.Num) (num.Num, error) {
	if supply.IsZero() {
		total, err := poolValue.Add(usd)
		if err != nil {
			return num.Zero, err
		}
		return total.Div(usdToMarketTokenDivisor)
	}
	if poolValue.IsZero() {
		return num.Zero, fmt.Errorf("%w: zero pool value with supply %s", ErrEmptyPool, supply)
	}
	return usd.MulDiv(supply, poolValue)
}

// MarketTokenAmountToUsd converts market tokens into their USD share.
func MarketTokenAmountToUsd(amount, poolValue, supply num.Num) (num.Num, error) {
	if supply.IsZero() {
		return num.Zero, fmt.Errorf("%w: zero market token supply", ErrEmptyPool)
	}
	return amount.MulDiv(poolValue, supply)
}
