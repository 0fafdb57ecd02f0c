package keeper_test

import (
	"context"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/perp-engine/internal/exchange"
	"github.com/atmx/perp-engine/internal/keeper"
	"github.com/atmx/perp-engine/internal/num"
	"github.com/atmx/perp-engine/internal/oracle"
	"github.com/atmx/perp-engine/internal/registry"
)

type env struct {
	ctx    context.Context
	x      *exchange.Exchange
	now    time.Time
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
		Heartbeat:        3600,
		ExpectedProvider: oracle.ProviderStatic,
		Feeds:            map[oracle.ProviderKind]oracle.FeedConfig{oracle.ProviderStatic: {}},
	}
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		ctx:    context.Background(),
		now:    time.Unix(1_700_000_000, 0).UTC(),
		admin:  solana.NewWallet().PublicKey(),
		keeper: solana.NewWallet().PublicKey(),
		user:   solana.NewWallet().PublicKey(),
		long:   solana.NewWallet().PublicKey(),
		short:  solana.NewWallet().PublicKey(),
	}
	prices := oracle.NewStaticAdapter()
	e.x = exchange.New(registry.NewWorld(registry.DefaultProgramID),
		exchange.WithAdapter(oracle.ProviderStatic, prices),
		exchange.WithClock(func() time.Time { return e.now }),
	)

	_, err := e.x.InitStore(e.ctx, e.admin, "keeper")
	require.NoError(t, err)
	require.NoError(t, e.x.InitRoles(e.ctx, e.admin))
	require.NoError(t, e.x.GrantRole(e.ctx, e.admin, e.keeper, registry.RoleOrderKeeper))
	require.NoError(t, e.x.InsertTokenConfig(e.ctx, e.admin, e.long, tokenConfig("WSOL")))
	require.NoError(t, e.x.InsertTokenConfig(e.ctx, e.admin, e.short, tokenConfig("USDG")))
	for token, usd := range map[solana.PublicKey]uint32{e.long: 2, e.short: 1} {
		p := num.Decimal{Value: usd, DecimalMultiplier: 14}
		prices.Set(token, oracle.FeedPrice{Ts: e.now.Unix(), Min: p, Max: p})
	}

	m, err := e.x.InitMarket(e.ctx, e.admin, exchange.InitMarketParams{
		Name:       "WSOL/WSOL/USDG",
		IndexToken: e.long,
		LongToken:  e.long,
		ShortToken: e.short,
	})
	require.NoError(t, err)
	e.market = m.MetaInfo.MarketToken
	zero := decimal.Zero
	require.NoError(t, e.x.UpdateMarketConfig(e.ctx, e.admin, e.market, map[string]decimal.Decimal{
		"swap_impact_positive_factor":         zero,
		"swap_impact_negative_factor":         zero,
		"swap_fee_factor_for_positive_impact": zero,
		"swap_fee_factor_for_negative_impact": zero,
	}))

	require.NoError(t, e.x.Mint(e.ctx, e.admin, e.user, e.long, num.New(10_000_000_000)))
	require.NoError(t, e.x.Airdrop(e.ctx, e.admin, e.user, 1_000_000))
	return e
}

func (e *env) deposit(t *testing.T) solana.PublicKey {
	t.Helper()
	d, err := e.x.CreateDeposit(e.ctx, e.user, exchange.CreateDepositParams{
		MarketToken:       e.market,
		InitialLongAmount: num.New(1_000_000),
	})
	require.NoError(t, err)
	return d.Address
}

func TestTick_ExecutesPending(t *testing.T) {
	e := newEnv(t)
	e.deposit(t)
	e.deposit(t)

	svc := keeper.New(e.x, e.keeper, keeper.Config{MaxActionsPerTick: 10}, nil)
	rep, err := svc.Tick(e.ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, rep.Pending)
	assert.Equal(t, 2, rep.Executed)
	assert.Zero(t, rep.Failed)
	assert.Empty(t, e.x.PendingActions())
	assert.False(t, e.x.Balance(e.user, e.market).IsZero())
}

func TestTick_ClosesExpired(t *testing.T) {
	e := newEnv(t)
	addr := e.deposit(t)
	before := e.x.Balance(e.user, e.long)

	e.now = e.now.Add(time.Duration(registry.DefaultAmounts().RequestExpiration+1) * time.Second)

	svc := keeper.New(e.x, e.keeper, keeper.Config{}, nil)
	rep, err := svc.Tick(e.ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, rep.Closed)
	assert.Zero(t, rep.Executed)
	_, err = e.x.Deposit(addr)
	assert.ErrorIs(t, err, registry.ErrActionNotFound)

	refunded, err := e.x.Balance(e.user, e.long).Sub(before)
	require.NoError(t, err)
	assert.Equal(t, "1000000", refunded.String())
}

func TestTick_RespectsLimit(t *testing.T) {
	e := newEnv(t)
	for i := 0; i < 3; i++ {
		e.deposit(t)
	}

	svc := keeper.New(e.x, e.keeper, keeper.Config{MaxActionsPerTick: 2}, nil)
	rep, err := svc.Tick(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Pending)
	assert.Equal(t, 2, rep.Attempted)
	assert.Len(t, e.x.PendingActions(), 1)
}

func TestTick_WithoutRoleFails(t *testing.T) {
	e := newEnv(t)
	e.deposit(t)

	svc := keeper.New(e.x, e.user, keeper.Config{}, nil)
	rep, err := svc.Tick(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Failed)
	assert.Len(t, e.x.PendingActions(), 1)
}

func TestRun_StopsOnCancel(t *testing.T) {
	e := newEnv(t)
	svc := keeper.New(e.x, e.keeper, keeper.Config{PollInterval: 10 * time.Millisecond, RatePerSec: 100}, nil)

	ctx, cancel := context.WithCancel(e.ctx)
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("keeper did not stop")
	}
}
