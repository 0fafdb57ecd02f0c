package exchange_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/perp-engine/internal/action"
	"github.com/atmx/perp-engine/internal/exchange"
	"github.com/atmx/perp-engine/internal/feature"
	"github.com/atmx/perp-engine/internal/liquidity"
	"github.com/atmx/perp-engine/internal/metrics"
	"github.com/atmx/perp-engine/internal/num"
	"github.com/atmx/perp-engine/internal/oracle"
	"github.com/atmx/perp-engine/internal/position"
	"github.com/atmx/perp-engine/internal/registry"
	"github.com/atmx/perp-engine/internal/store"
	"github.com/atmx/perp-engine/internal/swap"
)

var clock = time.Unix(1_700_000_000, 0).UTC()

type fixture struct {
	t      *testing.T
	ctx    context.Context
	x      *exchange.Exchange
	prices *oracle.StaticAdapter

	admin  solana.PublicKey
	keeper solana.PublicKey
	user   solana.PublicKey

	long   solana.PublicKey
	short  solana.PublicKey
	market solana.PublicKey
}

func tokenConfig(name string) oracle.TokenConfig {
	return oracle.TokenConfig{
		Name:             name,
		Enabled:          true,
		Decimals:         6,
		Precision:        6,
		Heartbeat:        60,
		ExpectedProvider: oracle.ProviderStatic,
		Feeds:            map[oracle.ProviderKind]oracle.FeedConfig{oracle.ProviderStatic: {}},
	}
}

// tokens returns n whole tokens of a 6 decimal mint.
func tokens(n uint64) num.Num { return num.New(n * 1_000_000) }

func newFixture(t *testing.T, opts ...exchange.Option) *fixture {
	t.Helper()
	f := &fixture{
		t:      t,
		ctx:    context.Background(),
		prices: oracle.NewStaticAdapter(),
		admin:  solana.NewWallet().PublicKey(),
		keeper: solana.NewWallet().PublicKey(),
		user:   solana.NewWallet().PublicKey(),
		long:   solana.NewWallet().PublicKey(),
		short:  solana.NewWallet().PublicKey(),
	}
	opts = append([]exchange.Option{
		exchange.WithAdapter(oracle.ProviderStatic, f.prices),
		exchange.WithClock(func() time.Time { return clock }),
	}, opts...)
	f.x = exchange.New(registry.NewWorld(registry.DefaultProgramID), opts...)

	_, err := f.x.InitStore(f.ctx, f.admin, "test")
	require.NoError(t, err)
	require.NoError(t, f.x.InitRoles(f.ctx, f.admin))
	require.NoError(t, f.x.GrantRole(f.ctx, f.admin, f.keeper, registry.RoleOrderKeeper))

	require.NoError(t, f.x.InsertTokenConfig(f.ctx, f.admin, f.long, tokenConfig("WSOL")))
	require.NoError(t, f.x.InsertTokenConfig(f.ctx, f.admin, f.short, tokenConfig("USDG")))
	f.setPrice(f.long, 2)
	f.setPrice(f.short, 1)

	m, err := f.x.InitMarket(f.ctx, f.admin, exchange.InitMarketParams{
		Name:       "WSOL/WSOL/USDG",
		IndexToken: f.long,
		LongToken:  f.long,
		ShortToken: f.short,
	})
	require.NoError(t, err)
	f.market = m.MetaInfo.MarketToken
	zero := decimal.Zero
	require.NoError(t, f.x.UpdateMarketConfig(f.ctx, f.admin, f.market, map[string]decimal.Decimal{
		"swap_impact_positive_factor":          zero,
		"swap_impact_negative_factor":          zero,
		"swap_fee_factor_for_positive_impact":  zero,
		"swap_fee_factor_for_negative_impact":  zero,
		"order_fee_factor_for_positive_impact": zero,
		"order_fee_factor_for_negative_impact": zero,
	}))

	require.NoError(t, f.x.Mint(f.ctx, f.admin, f.user, f.long, tokens(10_000)))
	require.NoError(t, f.x.Mint(f.ctx, f.admin, f.user, f.short, tokens(10_000)))
	require.NoError(t, f.x.Airdrop(f.ctx, f.admin, f.user, 1_000_000))
	return f
}

// setPrice posts a fixed dollar price for a 6 decimal token.
func (f *fixture) setPrice(token solana.PublicKey, usd uint32) {
	p := num.Decimal{Value: usd, DecimalMultiplier: 14}
	f.prices.Set(token, oracle.FeedPrice{Ts: clock.Unix(), Min: p, Max: p})
}

func (f *fixture) deposit(long, short num.Num) *action.Deposit {
	f.t.Helper()
	d, err := f.x.CreateDeposit(f.ctx, f.user, exchange.CreateDepositParams{
		MarketToken:        f.market,
		InitialLongAmount:  long,
		InitialShortAmount: short,
	})
	require.NoError(f.t, err)
	return d
}

// seed deposits 1000 of each token and returns the minted market tokens.
func (f *fixture) seed() num.Num {
	f.t.Helper()
	d := f.deposit(tokens(1000), tokens(1000))
	require.NoError(f.t, f.x.ExecuteDeposit(f.ctx, f.keeper, d.Address, true))
	return f.x.Balance(f.user, f.market)
}

func TestDeposit_ExecuteMintsMarketTokens(t *testing.T) {
	f := newFixture(t)
	var (
		mu    sync.Mutex
		kinds []string
	)
	f.x.Subscribe(exchange.EventSinkFunc(func(e exchange.Event) {
		mu.Lock()
		kinds = append(kinds, e.Kind)
		mu.Unlock()
	}))

	d := f.deposit(tokens(1000), tokens(1000))
	assert.Equal(t, tokens(9000), f.x.Balance(f.user, f.long))
	assert.Equal(t, uint64(1_000_000-5000), f.x.Lamports(f.user))
	require.Len(t, f.x.PendingActions(), 1)

	require.NoError(t, f.x.ExecuteDeposit(f.ctx, f.keeper, d.Address, true))

	// $2000 of long and $1000 of short into an empty market, one market
	// token per dollar.
	assert.Equal(t, num.New(3_000_000_000_000), f.x.Balance(f.user, f.market))
	assert.Equal(t, uint64(5000), f.x.Lamports(f.keeper))
	assert.Empty(t, f.x.PendingActions())
	_, err := f.x.Deposit(d.Address)
	assert.ErrorIs(t, err, registry.ErrActionNotFound)

	markets, err := f.x.Markets()
	require.NoError(t, err)
	require.Len(t, markets, 1)
	assert.Equal(t, "1000", markets[0].LongAmount.String())
	assert.Equal(t, "3000", markets[0].Supply.String())

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, kinds, exchange.EventDepositExecuted)
	assert.Equal(t, exchange.EventActionClosed, kinds[len(kinds)-1])
}

func TestWithdrawal_PaysOutShare(t *testing.T) {
	f := newFixture(t)
	minted := f.seed()
	half, err := minted.Div(num.New(2))
	require.NoError(t, err)

	w, err := f.x.CreateWithdrawal(f.ctx, f.user, exchange.CreateWithdrawalParams{
		MarketToken:       f.market,
		MarketTokenAmount: half,
	})
	require.NoError(t, err)
	require.NoError(t, f.x.ExecuteWithdrawal(f.ctx, f.keeper, w.Address, true))

	assert.Equal(t, half, f.x.Balance(f.user, f.market))
	assert.Equal(t, tokens(9500), f.x.Balance(f.user, f.long))
	assert.Equal(t, tokens(9500), f.x.Balance(f.user, f.short))
}

func TestCloseDeposit_Refunds(t *testing.T) {
	f := newFixture(t)
	d := f.deposit(tokens(100), num.Zero)

	stranger := solana.NewWallet().PublicKey()
	err := f.x.CloseDeposit(f.ctx, stranger, d.Address)
	assert.ErrorIs(t, err, action.ErrUnauthorized)

	// A keeper may only close a pending request once it expired.
	err = f.x.CloseDeposit(f.ctx, f.keeper, d.Address)
	assert.ErrorIs(t, err, action.ErrNotExpired)

	require.NoError(t, f.x.CloseDeposit(f.ctx, f.user, d.Address))
	assert.Equal(t, tokens(10_000), f.x.Balance(f.user, f.long))
	assert.Equal(t, uint64(1_000_000), f.x.Lamports(f.user))
	_, err = f.x.Deposit(d.Address)
	assert.ErrorIs(t, err, registry.ErrActionNotFound)
}

func TestExecuteDeposit_SoftCancel(t *testing.T) {
	cases := []struct {
		name         string
		throwOnError bool
		wantErr      error
	}{
		{"cancelled and refunded", false, nil},
		{"aborted", true, liquidity.ErrInsufficientOutput},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			d, err := f.x.CreateDeposit(f.ctx, f.user, exchange.CreateDepositParams{
				MarketToken:          f.market,
				InitialLongAmount:    tokens(10),
				MinMarketTokenAmount: num.New(1_000_000_000_000_000),
			})
			require.NoError(t, err)

			err = f.x.ExecuteDeposit(f.ctx, f.keeper, d.Address, tc.throwOnError)
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
				pending, err := f.x.Deposit(d.Address)
				require.NoError(t, err)
				assert.Equal(t, action.Pending, pending.State)
				assert.Equal(t, tokens(9990), f.x.Balance(f.user, f.long))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tokens(10_000), f.x.Balance(f.user, f.long))
			assert.True(t, f.x.Balance(f.user, f.market).IsZero())
			assert.Equal(t, uint64(5000), f.x.Lamports(f.keeper))
		})
	}
}

func TestExecute_FeatureDisabled(t *testing.T) {
	f := newFixture(t)
	d := f.deposit(tokens(100), tokens(100))
	require.NoError(t, f.x.ToggleFeature(f.ctx, f.admin, feature.Deposit, feature.Execute, false))

	err := f.x.ExecuteDeposit(f.ctx, f.keeper, d.Address, false)
	assert.ErrorIs(t, err, feature.ErrFeatureDisabled)
	pending, err := f.x.Deposit(d.Address)
	require.NoError(t, err)
	assert.Equal(t, action.Pending, pending.State)
	assert.Equal(t, tokens(9900), f.x.Balance(f.user, f.long))

	require.NoError(t, f.x.ToggleFeature(f.ctx, f.admin, feature.Deposit, feature.Execute, true))
	require.NoError(t, f.x.ExecuteDeposit(f.ctx, f.keeper, d.Address, true))
}

func TestCreateDeposit_DuplicatePathMarket(t *testing.T) {
	f := newFixture(t)
	_, err := f.x.CreateDeposit(f.ctx, f.user, exchange.CreateDepositParams{
		MarketToken:       f.market,
		InitialLongAmount: tokens(100),
		Swap:              action.SwapParams{PrimaryPath: []solana.PublicKey{f.market, f.market}},
	})
	assert.ErrorIs(t, err, swap.ErrInvalidSwapPath)
	assert.Empty(t, f.x.PendingActions())
	assert.Equal(t, tokens(10_000), f.x.Balance(f.user, f.long))
	assert.Equal(t, uint64(1_000_000), f.x.Lamports(f.user))
}

func TestExecute_RequiresKeeper(t *testing.T) {
	f := newFixture(t)
	d := f.deposit(tokens(100), num.Zero)
	err := f.x.ExecuteDeposit(f.ctx, f.user, d.Address, true)
	assert.ErrorIs(t, err, registry.ErrPermissionDenied)
	assert.Equal(t, exchange.KindAuthorization, exchange.Classify(err))

	require.NoError(t, f.x.RevokeRole(f.ctx, f.admin, f.keeper, registry.RoleOrderKeeper))
	err = f.x.ExecuteDeposit(f.ctx, f.keeper, d.Address, true)
	assert.ErrorIs(t, err, registry.ErrPermissionDenied)
}

func TestOrder_IncreaseThenDecrease(t *testing.T) {
	f := newFixture(t)
	f.seed()
	size := num.MustParse("100000000000000000000000") // $1000

	o, err := f.x.CreateOrder(f.ctx, f.user, exchange.CreateOrderParams{
		MarketToken:                  f.market,
		OrderKind:                    action.MarketIncrease,
		IsLong:                       true,
		CollateralToken:              f.long,
		InitialCollateralToken:       f.long,
		InitialCollateralDeltaAmount: tokens(100),
		SizeDeltaUSD:                 size,
	})
	require.NoError(t, err)
	require.NoError(t, f.x.ExecuteOrder(f.ctx, f.keeper, o.Address, true))

	p, err := f.x.Position(o.Position)
	require.NoError(t, err)
	assert.Equal(t, size, p.SizeInUSD)
	assert.True(t, p.IsLong)

	candidates, err := f.x.ScanLiquidations(f.ctx)
	require.NoError(t, err)
	assert.Empty(t, candidates)
	_, err = f.x.Liquidate(f.ctx, f.keeper, o.Position)
	assert.ErrorIs(t, err, position.ErrNotLiquidatable)

	before := f.x.Balance(f.user, f.long)
	dec, err := f.x.CreateOrder(f.ctx, f.user, exchange.CreateOrderParams{
		MarketToken:     f.market,
		OrderKind:       action.MarketDecrease,
		IsLong:          true,
		CollateralToken: f.long,
		SizeDeltaUSD:    size,
	})
	require.NoError(t, err)
	require.NoError(t, f.x.ExecuteOrder(f.ctx, f.keeper, dec.Address, true))

	_, err = f.x.Position(o.Position)
	assert.ErrorIs(t, err, registry.ErrPositionNotFound)
	assert.True(t, f.x.Balance(f.user, f.long).Gt(before))
}

func TestLiquidate_InsolventReportsShortfall(t *testing.T) {
	f := newFixture(t)
	f.seed()
	o, err := f.x.CreateOrder(f.ctx, f.user, exchange.CreateOrderParams{
		MarketToken:                  f.market,
		OrderKind:                    action.MarketIncrease,
		IsLong:                       true,
		CollateralToken:              f.long,
		InitialCollateralToken:       f.long,
		InitialCollateralDeltaAmount: tokens(100),
		SizeDeltaUSD:                 num.MustParse("100000000000000000000000"), // $1000
	})
	require.NoError(t, err)
	require.NoError(t, f.x.ExecuteOrder(f.ctx, f.keeper, o.Address, true))

	// Halving the price loses $500 on $200 of collateral that is now worth $100.
	f.setPrice(f.long, 1)
	cuts := testutil.ToFloat64(metrics.InsolventCutsTotal.WithLabelValues("liquidate"))
	before := f.x.Balance(f.user, f.long)

	report, err := f.x.Liquidate(f.ctx, f.keeper, o.Position)
	require.NoError(t, err)
	assert.True(t, report.Closed)
	assert.False(t, report.ShortfallUSD.IsZero())
	assert.True(t, report.OutputAmount.IsZero())
	assert.Equal(t, before, f.x.Balance(f.user, f.long))
	assert.Equal(t, cuts+1, testutil.ToFloat64(metrics.InsolventCutsTotal.WithLabelValues("liquidate")))

	_, err = f.x.Position(o.Position)
	assert.ErrorIs(t, err, registry.ErrPositionNotFound)
}

func TestCreateOrder_RejectsKeeperKinds(t *testing.T) {
	f := newFixture(t)
	_, err := f.x.CreateOrder(f.ctx, f.user, exchange.CreateOrderParams{
		MarketToken:     f.market,
		OrderKind:       action.Liquidation,
		CollateralToken: f.long,
	})
	assert.ErrorIs(t, err, exchange.ErrInvalidOrderKind)
}

func TestMint_RefusesMarketTokens(t *testing.T) {
	f := newFixture(t)
	err := f.x.Mint(f.ctx, f.admin, f.user, f.market, num.New(1))
	assert.ErrorIs(t, err, exchange.ErrMarketTokenMint)
	err = f.x.Mint(f.ctx, f.user, f.user, f.long, num.New(1))
	assert.ErrorIs(t, err, registry.ErrPermissionDenied)
}

func TestRestore_FromStore(t *testing.T) {
	st := store.NewMemoryStore()
	f := newFixture(t, exchange.WithStore(st))
	minted := f.seed()
	d := f.deposit(tokens(5), num.Zero)

	events, err := f.x.Events(f.ctx, store.EventFilter{Action: d.Address.String()})
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, exchange.EventDepositCreated, events[0].Kind)

	restored := exchange.New(registry.NewWorld(registry.DefaultProgramID),
		exchange.WithStore(st),
		exchange.WithClock(func() time.Time { return clock }),
	)
	require.NoError(t, restored.Restore(f.ctx))

	got, err := restored.Deposit(d.Address)
	require.NoError(t, err)
	assert.Equal(t, d.ID, got.ID)
	assert.Equal(t, minted, restored.Balance(f.user, f.market))
	assert.True(t, restored.HasRole(f.keeper, registry.RoleOrderKeeper))
	markets, err := restored.Markets()
	require.NoError(t, err)
	assert.Len(t, markets, 1)
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want exchange.Kind
	}{
		{nil, exchange.KindUnknown},
		{errors.New("boom"), exchange.KindUnknown},
		{fmt.Errorf("wrap: %w", num.ErrOverflow), exchange.KindArithmetic},
		{fmt.Errorf("wrap: %w", liquidity.ErrInsufficientOutput), exchange.KindInvariant},
		{oracle.ErrStalePrice, exchange.KindOracle},
		{action.ErrUnauthorized, exchange.KindAuthorization},
		{feature.ErrFeatureDisabled, exchange.KindState},
		{swap.ErrInvalidSwapPath, exchange.KindShape},
		// Oracle errors win over arithmetic ones in the same chain.
		{errors.Join(num.ErrOverflow, oracle.ErrStalePrice), exchange.KindOracle},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprint(tc.err), func(t *testing.T) {
			assert.Equal(t, tc.want, exchange.Classify(tc.err))
		})
	}
	assert.True(t, exchange.KindArithmetic.Soft())
	assert.True(t, exchange.KindInvariant.Soft())
	assert.False(t, exchange.KindOracle.Soft())
}
