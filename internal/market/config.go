package market

import (
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/num"
)

// ConfigKey indexes a market factor.
type ConfigKey uint8

const (
	SwapImpactExponent ConfigKey = iota
	SwapImpactPositiveFactor
	SwapImpactNegativeFactor
	SwapFeeReceiverFactor
	SwapFeeFactorForPositiveImpact
	SwapFeeFactorForNegativeImpact
	MinPositionSizeUsd
	MinCollateralValue
	MinCollateralFactor
	MaxPositivePositionImpactFactor
	MaxNegativePositionImpactFactor
	MaxPositionImpactFactorForLiquidations
	PositionImpactExponent
	PositionImpactPositiveFactor
	PositionImpactNegativeFactor
	OrderFeeReceiverFactor
	OrderFeeFactorForPositiveImpact
	OrderFeeFactorForNegativeImpact
	LiquidationFeeReceiverFactor
	LiquidationFeeFactor
	PositionImpactDistributeFactor
	MinPositionImpactPoolAmount
	BorrowingFeeReceiverFactor
	BorrowingFeeFactorForLong
	BorrowingFeeFactorForShort
	BorrowingFeeExponentForLong
	BorrowingFeeExponentForShort
	SkipBorrowingFeeForSmallerSide
	FundingFeeExponent
	FundingFeeFactor
	FundingFeeMaxFactorPerSecond
	FundingFeeMinFactorPerSecond
	FundingFeeIncreaseFactorPerSecond
	FundingFeeDecreaseFactorPerSecond
	FundingFeeThresholdForStableFunding
	FundingFeeThresholdForDecreaseFunding
	ReserveFactor
	OpenInterestReserveFactor
	MaxPnlFactorForLongDeposit
	MaxPnlFactorForShortDeposit
	MaxPnlFactorForLongWithdrawal
	MaxPnlFactorForShortWithdrawal
	MaxPnlFactorForLongTrader
	MaxPnlFactorForShortTrader
	MaxPnlFactorForLongAdl
	MaxPnlFactorForShortAdl
	MinPnlFactorAfterLongAdl
	MinPnlFactorAfterShortAdl
	MaxPoolAmountForLongToken
	MaxPoolAmountForShortToken
	MaxOpenInterestForLong
	MaxOpenInterestForShort
	MinTokensForFirstDeposit

	NumConfigKeys
)

// MaxConfigKeys is the number of factor slots reserved in the account
// layout.
const MaxConfigKeys = 64

// ErrUnknownConfigKey is returned for an unrecognized config key name.
var ErrUnknownConfigKey = errors.New("market: unknown config key")

var configKeyNames = [NumConfigKeys]string{
	"swap_impact_exponent",
	"swap_impact_positive_factor",
	"swap_impact_negative_factor",
	"swap_fee_receiver_factor",
	"swap_fee_factor_for_positive_impact",
	"swap_fee_factor_for_negative_impact",
	"min_position_size_usd",
	"min_collateral_value",
	"min_collateral_factor",
	"max_positive_position_impact_factor",
	"max_negative_position_impact_factor",
	"max_position_impact_factor_for_liquidations",
	"position_impact_exponent",
	"position_impact_positive_factor",
	"position_impact_negative_factor",
	"order_fee_receiver_factor",
	"order_fee_factor_for_positive_impact",
	"order_fee_factor_for_negative_impact",
	"liquidation_fee_receiver_factor",
	"liquidation_fee_factor",
	"position_impact_distribute_factor",
	"min_position_impact_pool_amount",
	"borrowing_fee_receiver_factor",
	"borrowing_fee_factor_for_long",
	"borrowing_fee_factor_for_short",
	"borrowing_fee_exponent_for_long",
	"borrowing_fee_exponent_for_short",
	"skip_borrowing_fee_for_smaller_side",
	"funding_fee_exponent",
	"funding_fee_factor",
	"funding_fee_max_factor_per_second",
	"funding_fee_min_factor_per_second",
	"funding_fee_increase_factor_per_second",
	"funding_fee_decrease_factor_per_second",
	"funding_fee_threshold_for_stable_funding",
	"funding_fee_threshold_for_decrease_funding",
	"reserve_factor",
	"open_interest_reserve_factor",
	"max_pnl_factor_for_long_deposit",
	"max_pnl_factor_for_short_deposit",
	"max_pnl_factor_for_long_withdrawal",
	"max_pnl_factor_for_short_withdrawal",
	"max_pnl_factor_for_long_trader",
	"max_pnl_factor_for_short_trader",
	"max_pnl_factor_for_long_adl",
	"max_pnl_factor_for_short_adl",
	"min_pnl_factor_after_long_adl",
	"min_pnl_factor_after_short_adl",
	"max_pool_amount_for_long_token",
	"max_pool_amount_for_short_token",
	"max_open_interest_for_long",
	"max_open_interest_for_short",
	"min_tokens_for_first_deposit",
}

// Raw keys hold plain integers (token amounts, USD values, flags) rather
// than 20-decimal fractions. They are still parsed from decimals in YAML
// but with no scaling.
var rawKeys = map[ConfigKey]bool{
	MinPositionImpactPoolAmount:    true,
	SkipBorrowingFeeForSmallerSide: true,
	MaxPoolAmountForLongToken:      true,
	MaxPoolAmountForShortToken:     true,
	MinTokensForFirstDeposit:       true,
}

func (k ConfigKey) String() string {
	if k >= NumConfigKeys {
		return fmt.Sprintf("config_key(%d)", uint8(k))
	}
	return configKeyNames[k]
}

// IsRaw reports whether k holds an unscaled integer.
func (k ConfigKey) IsRaw() bool { return rawKeys[k] }

// ParseConfigKey resolves a config key by name.
func ParseConfigKey(name string) (ConfigKey, error) {
	for i, n := range configKeyNames {
		if n == name {
			return ConfigKey(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownConfigKey, name)
}

// ConfigKeyNames returns every key name in sorted order.
func ConfigKeyNames() []string {
	out := make([]string, 0, NumConfigKeys)
	out = append(out, configKeyNames[:]...)
	sort.Strings(out)
	return out
}

// Config is the fixed array of market factors.
type Config [MaxConfigKeys]num.Num

// Get returns the value of k.
func (c *Config) Get(k ConfigKey) num.Num { return c[k] }

// Set updates the value of k.
func (c *Config) Set(k ConfigKey, v num.Num) { c[k] = v }

// Flag reports whether a raw boolean key is set.
func (c *Config) Flag(k ConfigKey) bool { return !c[k].IsZero() }

// SetDecimal parses a human decimal for k. Fraction keys are scaled by
// 10^20; raw keys are taken as integers.
func (c *Config) SetDecimal(k ConfigKey, d decimal.Decimal) error {
	if k >= NumConfigKeys {
		return fmt.Errorf("%w: %d", ErrUnknownConfigKey, k)
	}
	var (
		v   num.Num
		err error
	)
	if k.IsRaw() {
		v, err = num.ScaleDecimal(d, 0)
	} else {
		v, err = num.FactorFromDecimal(d)
	}
	if err != nil {
		return fmt.Errorf("config %s: %w", k, err)
	}
	c[k] = v
	return nil
}

// Decimal renders k in the same units SetDecimal accepts.
func (c *Config) Decimal(k ConfigKey) decimal.Decimal {
	if k.IsRaw() {
		return num.ToDecimal(c[k], 0)
	}
	return num.ToDecimal(c[k], num.FactorDecimals)
}

// Map renders every key as a human decimal.
func (c *Config) Map() map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, NumConfigKeys)
	for k := ConfigKey(0); k < NumConfigKeys; k++ {
		out[k.String()] = c.Decimal(k)
	}
	return out
}

// Apply updates several keys by name, all or nothing.
func (c *Config) Apply(updates map[string]decimal.Decimal) error {
	next := *c
	for name, d := range updates {
		k, err := ParseConfigKey(name)
		if err != nil {
			return err
		}
		if err := next.SetDecimal(k, d); err != nil {
			return err
		}
	}
	*c = next
	return nil
}

// Side-selected accessors.

func (c *Config) BorrowingFeeFactor(isLong bool) num.Num {
	return c.pick(isLong, BorrowingFeeFactorForLong, BorrowingFeeFactorForShort)
}

func (c *Config) BorrowingFeeExponent(isLong bool) num.Num {
	return c.pick(isLong, BorrowingFeeExponentForLong, BorrowingFeeExponentForShort)
}

func (c *Config) MaxPoolAmount(isLongToken bool) num.Num {
	return c.pick(isLongToken, MaxPoolAmountForLongToken, MaxPoolAmountForShortToken)
}

func (c *Config) MaxOpenInterest(isLong bool) num.Num {
	return c.pick(isLong, MaxOpenInterestForLong, MaxOpenInterestForShort)
}

// MaxPnlFactor returns the cap for a pnl factor kind.
func (c *Config) MaxPnlFactor(kind PnlFactorKind, isLong bool) num.Num {
	switch kind {
	case PnlForDeposit:
		return c.pick(isLong, MaxPnlFactorForLongDeposit, MaxPnlFactorForShortDeposit)
	case PnlForWithdrawal:
		return c.pick(isLong, MaxPnlFactorForLongWithdrawal, MaxPnlFactorForShortWithdrawal)
	case PnlForTrader:
		return c.pick(isLong, MaxPnlFactorForLongTrader, MaxPnlFactorForShortTrader)
	case PnlForAdl:
		return c.pick(isLong, MaxPnlFactorForLongAdl, MaxPnlFactorForShortAdl)
	case PnlMinAfterAdl:
		return c.pick(isLong, MinPnlFactorAfterLongAdl, MinPnlFactorAfterShortAdl)
	default:
		return num.Zero
	}
}

func (c *Config) pick(isLong bool, long, short ConfigKey) num.Num {
	if isLong {
		return c[long]
	}
	return c[short]
}

// DefaultConfig returns the factors a new market starts with.
func DefaultConfig() Config {
	var c Config
	f := num.MustParseFactor
	set := func(k ConfigKey, v num.Num) { c[k] = v }

	set(SwapImpactExponent, f("2"))
	set(SwapImpactPositiveFactor, f("0.000000000002"))
	set(SwapImpactNegativeFactor, f("0.000000000004"))
	set(SwapFeeReceiverFactor, f("0.37"))
	set(SwapFeeFactorForPositiveImpact, f("0.0005"))
	set(SwapFeeFactorForNegativeImpact, f("0.0007"))
	set(MinPositionSizeUsd, f("1"))
	set(MinCollateralValue, f("1"))
	set(MinCollateralFactor, f("0.01"))
	set(MaxPositivePositionImpactFactor, f("0.005"))
	set(MaxNegativePositionImpactFactor, f("0.005"))
	set(MaxPositionImpactFactorForLiquidations, f("0"))
	set(PositionImpactExponent, f("2"))
	set(PositionImpactPositiveFactor, f("0.00000000000001"))
	set(PositionImpactNegativeFactor, f("0.00000000000002"))
	set(OrderFeeReceiverFactor, f("0.37"))
	set(OrderFeeFactorForPositiveImpact, f("0.0005"))
	set(OrderFeeFactorForNegativeImpact, f("0.0007"))
	set(LiquidationFeeReceiverFactor, f("0.37"))
	set(LiquidationFeeFactor, f("0.002"))
	set(PositionImpactDistributeFactor, f("0"))
	set(MinPositionImpactPoolAmount, num.Zero)
	set(BorrowingFeeReceiverFactor, f("0.37"))
	set(BorrowingFeeFactorForLong, f("0.000000028"))
	set(BorrowingFeeFactorForShort, f("0.000000028"))
	set(BorrowingFeeExponentForLong, f("1"))
	set(BorrowingFeeExponentForShort, f("1"))
	set(SkipBorrowingFeeForSmallerSide, num.New(1))
	set(FundingFeeExponent, f("1"))
	set(FundingFeeFactor, f("0.00000002"))
	set(FundingFeeMaxFactorPerSecond, f("0.000001"))
	set(FundingFeeMinFactorPerSecond, f("0.00000003"))
	set(FundingFeeIncreaseFactorPerSecond, f("0"))
	set(FundingFeeDecreaseFactorPerSecond, f("0"))
	set(FundingFeeThresholdForStableFunding, f("0.04"))
	set(FundingFeeThresholdForDecreaseFunding, f("0"))
	set(ReserveFactor, f("1"))
	set(OpenInterestReserveFactor, f("0.9"))
	set(MaxPnlFactorForLongDeposit, f("0.6"))
	set(MaxPnlFactorForShortDeposit, f("0.6"))
	set(MaxPnlFactorForLongWithdrawal, f("0.3"))
	set(MaxPnlFactorForShortWithdrawal, f("0.3"))
	set(MaxPnlFactorForLongTrader, f("0.6"))
	set(MaxPnlFactorForShortTrader, f("0.6"))
	set(MaxPnlFactorForLongAdl, f("0.5"))
	set(MaxPnlFactorForShortAdl, f("0.5"))
	set(MinPnlFactorAfterLongAdl, f("0.45"))
	set(MinPnlFactorAfterShortAdl, f("0.45"))
	set(MaxPoolAmountForLongToken, num.MustParse("900000000000000000"))
	set(MaxPoolAmountForShortToken, num.MustParse("900000000000000000"))
	set(MaxOpenInterestForLong, f("1000000000"))
	set(MaxOpenInterestForShort, f("1000000000"))
	set(MinTokensForFirstDeposit, num.Zero)
	return c
}
