package exchange

import (
	"errors"

	"github.com/atmx/perp-engine/internal/action"
	"github.com/atmx/perp-engine/internal/feature"
	"github.com/atmx/perp-engine/internal/liquidity"
	"github.com/atmx/perp-engine/internal/market"
	"github.com/atmx/perp-engine/internal/num"
	"github.com/atmx/perp-engine/internal/oracle"
	"github.com/atmx/perp-engine/internal/pool"
	"github.com/atmx/perp-engine/internal/position"
	"github.com/atmx/perp-engine/internal/registry"
	"github.com/atmx/perp-engine/internal/revertible"
	"github.com/atmx/perp-engine/internal/swap"
)

var (
	// ErrInsufficientOutput is returned when the final output of an action
	// is below the requested minimum.
	ErrInsufficientOutput = errors.New("exchange: output below minimum")

	// ErrInvalidOrderKind is returned for kinds users may not create.
	ErrInvalidOrderKind = errors.New("exchange: order kind not allowed here")

	// ErrMarketTokenMint is returned when the faucet is asked for a
	// market token.
	ErrMarketTokenMint = errors.New("exchange: market tokens are only minted by deposits")
)

// Kind is the class of an error, deciding how execution reacts to it.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindArithmetic
	KindInvariant
	KindOracle
	KindAuthorization
	KindState
	KindShape
)

var kindNames = [...]string{"unknown", "arithmetic", "invariant", "oracle", "authorization", "state", "shape"}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return kindNames[0]
}

// Soft reports whether a soft execution may turn the error into a
// cancellation.
func (k Kind) Soft() bool { return k == KindArithmetic || k == KindInvariant }

var classes = []struct {
	kind Kind
	errs []error
}{
	{KindOracle, []error{
		oracle.ErrFeedNotFound, oracle.ErrPriceNotFound, oracle.ErrStalePrice, oracle.ErrFuturePrice,
		oracle.ErrPriceOutOfRange, oracle.ErrProviderMismatch, oracle.ErrTimestampRangeTooWide,
		oracle.ErrNotCleared, oracle.ErrTokenDisabled, oracle.ErrInvalidTokenConfig, oracle.ErrInvalidFeedAccount,
	}},
	{KindAuthorization, []error{
		registry.ErrPermissionDenied, registry.ErrRoleDisabled, action.ErrUnauthorized,
	}},
	{KindState, []error{
		action.ErrNotPending, action.ErrStillPending, action.ErrNotExpired, action.ErrExpired,
		action.ErrTriggerNotMet, action.ErrNotUpdatable,
		feature.ErrFeatureDisabled, feature.ErrRestarted,
		market.ErrDisabled,
		position.ErrNotLiquidatable, position.ErrAdlNotRequired,
		registry.ErrStoreNotInitialized, registry.ErrAlreadyExists, registry.ErrNoPendingTransfer,
	}},
	{KindInvariant, []error{
		market.ErrMaxPoolAmountExceeded, market.ErrMaxOpenInterestExceeded, market.ErrReserveExceeded,
		market.ErrOpenInterestReserveExceeded, market.ErrPnlFactorExceeded, market.ErrEmptyPool,
		market.ErrInsufficientVaultBalance,
		position.ErrMinPositionSize, position.ErrMinCollateralValue, position.ErrLiquidatable,
		position.ErrInsufficientCollateral, position.ErrInsufficientFundsForCost, position.ErrUnacceptablePrice,
		position.ErrInvalidExecutionPrice, position.ErrInvalidAdl, position.ErrPnlOvercorrected,
		position.ErrSizeDeltaTooLarge, position.ErrEmptyPosition,
		liquidity.ErrEmptyDeposit, liquidity.ErrEmptyWithdrawal, liquidity.ErrExceedsSupply,
		liquidity.ErrInsufficientOutput, liquidity.ErrNegativePoolValue, liquidity.ErrMinTokensForFirstDeposit,
		swap.ErrInsufficientOutput,
		registry.ErrInsufficientBalance, registry.ErrInsufficientLamports,
		ErrInsufficientOutput,
	}},
	{KindArithmetic, []error{
		num.ErrOverflow, num.ErrUnderflow, num.ErrDivideByZero, num.ErrInvalidPrice,
		pool.ErrNegativeAmount,
	}},
	{KindShape, []error{
		swap.ErrInvalidSwapPath, swap.ErrPathTooLong, swap.ErrPureMarket, swap.ErrMissingMarket,
		action.ErrTooManyTokens, action.ErrInvalidArgument,
		revertible.ErrDuplicateMarket, revertible.ErrMissingVirtualInventory, revertible.ErrVirtualInventoryMismatch,
		market.ErrStoreMismatch, market.ErrInvalidPoolKind, market.ErrInvalidCollateralToken,
		market.ErrInvalidName, market.ErrUnknownConfigKey,
		liquidity.ErrNotShiftable, position.ErrInvalidPosition,
		num.ErrInvalidArgument, feature.ErrUnknownFeature,
		registry.ErrMarketNotFound, registry.ErrPositionNotFound, registry.ErrActionNotFound,
		registry.ErrInventoryNotFound, registry.ErrAccountNotFound, registry.ErrMintMismatch,
		registry.ErrAccountNotEmpty, registry.ErrTokenNotFound, registry.ErrInvalidStoreKey,
		registry.ErrUnknownRole,
		ErrInvalidOrderKind, ErrMarketTokenMint,
	}},
}

// Classify maps an error chain onto its class. Oracle and state errors
// are checked before arithmetic ones so a wrapped stale price never
// reads as a soft failure.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	for _, c := range classes {
		for _, target := range c.errs {
			if errors.Is(err, target) {
				return c.kind
			}
		}
	}
	return KindUnknown
}
