package position_test

import (
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/perp-engine/internal/market"
	"github.com/atmx/perp-engine/internal/num"
	"github.com/atmx/perp-engine/internal/pool"
	"github.com/atmx/perp-engine/internal/position"
	"github.com/atmx/perp-engine/internal/revertible"
)

const now = 1000

var (
	fbtc = solana.NewWallet().PublicKey()
	usdg = solana.NewWallet().PublicKey()

	// Unit prices: fBTC at $60,000 with 8 decimals, USDG at $1 with 6.
	fbtcPrice = num.MustParse("60000000000000000")
	usdgPrice = num.MustParse("100000000000000")
)

func usd(n uint64) num.Num {
	v, err := num.New(n).Mul(num.Unit)
	if err != nil {
		panic(err)
	}
	return v
}

func newMarket(longAmount, shortAmount uint64) *market.Market {
	meta := market.Meta{MarketToken: solana.NewWallet().PublicKey(), IndexToken: fbtc, LongToken: fbtc, ShortToken: usdg}
	m := market.New(solana.NewWallet().PublicKey(), solana.PublicKey{}, "fBTC/fBTC/USDG", meta, now)
	m.Pools[market.Primary].LongAmount = num.New(longAmount)
	m.Pools[market.Primary].ShortAmount = num.New(shortAmount)
	return m
}

func pricesAt(btc num.Num) market.Prices {
	return market.Prices{
		IndexToken: num.FixedPrice(btc),
		LongToken:  num.FixedPrice(btc),
		ShortToken: num.FixedPrice(usdgPrice),
	}
}

func zeroCosts(m *market.Market) {
	cfg := m.Config()
	for _, k := range []market.ConfigKey{
		market.OrderFeeFactorForPositiveImpact,
		market.OrderFeeFactorForNegativeImpact,
		market.LiquidationFeeFactor,
		market.PositionImpactPositiveFactor,
		market.PositionImpactNegativeFactor,
		market.BorrowingFeeFactorForLong,
		market.BorrowingFeeFactorForShort,
		market.FundingFeeFactor,
	} {
		cfg.Set(k, num.Zero)
	}
}

func newPosition(m *market.Market, collateral solana.PublicKey, isLong bool) *position.Position {
	return &position.Position{
		Address:         solana.NewWallet().PublicKey(),
		Owner:           solana.NewWallet().PublicKey(),
		MarketToken:     m.MetaInfo.MarketToken,
		CollateralToken: collateral,
		IsLong:          isLong,
	}
}

// assertConsistent checks that p is either fully closed or above every
// configured minimum.
func assertConsistent(t *testing.T, m market.View, prices market.Prices, p *position.Position) {
	t.Helper()
	if p.IsEmpty() {
		return
	}
	cfg := m.Config()
	side, err := m.Meta().Side(p.CollateralToken)
	require.NoError(t, err)
	collateralUSD, err := p.CollateralAmount.Mul(prices.Collateral(side).Min)
	require.NoError(t, err)
	byFactor, err := num.ApplyFactor(p.SizeInUSD, cfg.Get(market.MinCollateralFactor))
	require.NoError(t, err)

	assert.True(t, p.SizeInUSD.Gte(cfg.Get(market.MinPositionSizeUsd)))
	assert.True(t, collateralUSD.Gte(cfg.Get(market.MinCollateralValue)))
	assert.True(t, collateralUSD.Gte(byFactor))
}

func TestRoundTrip_BalancedMarket(t *testing.T) {
	m := newMarket(1_000_005, 6_000_000_000_003)
	zeroCosts(m)
	prices := pricesAt(fbtcPrice)
	p := newPosition(m, fbtc, true)
	size := num.MustParse("10000000000000000000000")

	inc, err := position.Increase(m, prices, p, position.IncreaseParams{
		CollateralIncrement: num.New(100_000),
		SizeDeltaUSD:        size,
		Now:                 now,
	})
	require.NoError(t, err)
	assert.Equal(t, num.New(166_666), inc.SizeDeltaInTokens)
	assert.Equal(t, uint64(1), inc.TradeID)
	assert.Equal(t, size, p.SizeInUSD)
	assert.Equal(t, num.New(100_000), p.CollateralAmount)
	assert.Equal(t, num.New(100_000), m.Pool(market.CollateralSumLong).Amount(pool.Long))
	assert.Equal(t, size, m.Pool(market.OpenInterestLong).Amount(pool.Long))
	assertConsistent(t, m, prices, p)

	dec, err := position.Decrease(m, prices, p, position.DecreaseParams{SizeDeltaUSD: size, Now: now})
	require.NoError(t, err)
	assert.True(t, dec.Closed)
	assert.True(t, p.IsEmpty())
	// Rounding the size into tokens costs the trader one unit.
	assert.Equal(t, num.MustParseSigned("-40000000000000000"), dec.Pnl)
	assert.Equal(t, num.New(99_999), dec.OutputAmount)
	assert.True(t, dec.SecondaryOutputAmount.IsZero())
	assert.True(t, dec.ShortfallUSD.IsZero())

	assert.Equal(t, num.New(1_000_006), m.Pool(market.Primary).Amount(pool.Long))
	assert.Equal(t, num.New(6_000_000_000_003), m.Pool(market.Primary).Amount(pool.Short))
	assert.True(t, m.Pool(market.CollateralSumLong).Amount(pool.Long).IsZero())
	assert.True(t, m.Pool(market.OpenInterestLong).Amount(pool.Long).IsZero())
	assert.True(t, m.Pool(market.OpenInterestInTokensLong).Amount(pool.Long).IsZero())
	assert.Equal(t, uint64(2), p.TradeID)
}

func TestIncrease_ChargesOrderFee(t *testing.T) {
	m := newMarket(1_000_005, 6_000_000_000_003)
	cfg := m.Config()
	cfg.Set(market.PositionImpactPositiveFactor, num.Zero)
	cfg.Set(market.PositionImpactNegativeFactor, num.Zero)
	prices := pricesAt(fbtcPrice)
	p := newPosition(m, fbtc, true)

	report, err := position.Increase(m, prices, p, position.IncreaseParams{
		CollateralIncrement: num.New(100_000),
		SizeDeltaUSD:        usd(100),
		Now:                 now,
	})
	require.NoError(t, err)

	// $0.07 at $60,000 rounds up to 117 units; 37% of it goes to the receiver.
	assert.Equal(t, num.New(117), report.Fees.Order.Amount)
	assert.Equal(t, num.New(43), report.Fees.Order.ReceiverAmount)
	assert.Equal(t, num.New(99_883), p.CollateralAmount)
	assert.Equal(t, num.New(43), m.Pool(market.ClaimableFee).Amount(pool.Long))
	assert.Equal(t, num.New(1_000_005+74), m.Pool(market.Primary).Amount(pool.Long))
	assert.Equal(t, num.New(99_883), m.Pool(market.CollateralSumLong).Amount(pool.Long))
	assert.Equal(t, num.MustParseSigned("99883"), report.CollateralDelta)
}

func TestIncrease_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		params position.IncreaseParams
		setup  func(m *market.Market)
		err    error
	}{
		{
			name: "UnacceptablePrice",
			params: position.IncreaseParams{
				CollateralIncrement: num.New(100_000),
				SizeDeltaUSD:        usd(100),
				AcceptablePrice:     fbtcPrice,
			},
			err: position.ErrUnacceptablePrice,
		},
		{
			name: "BelowMinSize",
			params: position.IncreaseParams{
				CollateralIncrement: num.New(100_000),
				SizeDeltaUSD:        num.MustParseFactor("0.5"),
			},
			err: position.ErrMinPositionSize,
		},
		{
			name: "FeesAboveCollateral",
			params: position.IncreaseParams{
				CollateralIncrement: num.New(10),
				SizeDeltaUSD:        usd(100),
			},
			setup: func(m *market.Market) {
				m.Config().Set(market.OrderFeeFactorForNegativeImpact, num.MustParseFactor("0.0007"))
			},
			err: position.ErrInsufficientCollateral,
		},
		{
			name: "Liquidatable",
			params: position.IncreaseParams{
				CollateralIncrement: num.New(100_000),
				SizeDeltaUSD:        usd(100),
			},
			setup: func(m *market.Market) {
				m.Config().Set(market.MinCollateralFactor, num.Unit)
			},
			err: position.ErrLiquidatable,
		},
		{
			name: "ReserveExceeded",
			params: position.IncreaseParams{
				CollateralIncrement: num.New(100_000),
				SizeDeltaUSD:        usd(1_000),
			},
			err: market.ErrReserveExceeded,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newMarket(1_000_005, 6_000_000_000_003)
			zeroCosts(m)
			if tt.setup != nil {
				tt.setup(m)
			}
			rm := revertible.New(m)
			p := newPosition(m, fbtc, true)
			before := *p
			params := tt.params
			params.Now = now

			_, err := position.Increase(rm, pricesAt(fbtcPrice), p, params)
			assert.ErrorIs(t, err, tt.err)
			assert.Equal(t, before, *p)
			rm.Discard()
			assert.True(t, m.Pool(market.OpenInterestLong).Amount(pool.Long).IsZero())
		})
	}
}

func TestIncrease_WrongCollateral(t *testing.T) {
	m := newMarket(1_000_005, 6_000_000_000_003)
	p := newPosition(m, solana.NewWallet().PublicKey(), true)
	_, err := position.Increase(m, pricesAt(fbtcPrice), p, position.IncreaseParams{SizeDeltaUSD: usd(100), Now: now})
	assert.ErrorIs(t, err, position.ErrInvalidPosition)
}

func openLong(t *testing.T, m market.Mutable, prices market.Prices, p *position.Position, collateral uint64, size num.Num) {
	t.Helper()
	_, err := position.Increase(m, prices, p, position.IncreaseParams{
		CollateralIncrement: num.New(collateral),
		SizeDeltaUSD:        size,
		Now:                 now,
	})
	require.NoError(t, err)
}

func TestDecrease_Partial(t *testing.T) {
	m := newMarket(100_000_000, 1_000_000_000_000)
	zeroCosts(m)
	prices := pricesAt(fbtcPrice)
	p := newPosition(m, usdg, true)
	openLong(t, m, prices, p, 10_000_000_000, usd(30_000))

	report, err := position.Decrease(m, prices, p, position.DecreaseParams{
		SizeDeltaUSD:         usd(10_000),
		CollateralWithdrawal: num.New(1_000_000_000),
		Now:                  now,
	})
	require.NoError(t, err)
	assert.False(t, report.Closed)
	assert.True(t, report.Pnl.IsZero())
	assert.Equal(t, num.New(1_000_000_000), report.OutputAmount)
	assert.Equal(t, usd(20_000), p.SizeInUSD)
	assert.Equal(t, num.New(33_333_333), p.SizeInTokens)
	assert.Equal(t, num.New(9_000_000_000), p.CollateralAmount)
	assert.Equal(t, num.New(9_000_000_000), m.Pool(market.CollateralSumLong).Amount(pool.Short))
	assertConsistent(t, m, prices, p)
}

func TestDecrease_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		params position.DecreaseParams
		err    error
	}{
		{"SizeTooLarge", position.DecreaseParams{SizeDeltaUSD: usd(40_000)}, position.ErrSizeDeltaTooLarge},
		{"WithdrawTooMuch", position.DecreaseParams{SizeDeltaUSD: usd(10_000), CollateralWithdrawal: num.New(20_000_000_000)}, position.ErrInsufficientCollateral},
		{"UnacceptablePrice", position.DecreaseParams{SizeDeltaUSD: usd(10_000), AcceptablePrice: num.MustParse("70000000000000000")}, position.ErrUnacceptablePrice},
		{"NotLiquidatable", position.DecreaseParams{Cut: position.CutLiquidate}, position.ErrNotLiquidatable},
		{"AdlNotRequired", position.DecreaseParams{SizeDeltaUSD: usd(10_000), Cut: position.CutAdl}, position.ErrAdlNotRequired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newMarket(100_000_000, 1_000_000_000_000)
			zeroCosts(m)
			prices := pricesAt(fbtcPrice)
			p := newPosition(m, usdg, true)
			openLong(t, m, prices, p, 10_000_000_000, usd(30_000))
			before := *p

			rm := revertible.New(m)
			params := tt.params
			params.Now = now
			_, err := position.Decrease(rm, prices, p, params)
			assert.ErrorIs(t, err, tt.err)
			assert.Equal(t, before, *p)
		})
	}
}

func TestDecrease_RemainderBelowMinSizeCloses(t *testing.T) {
	m := newMarket(100_000_000, 1_000_000_000_000)
	zeroCosts(m)
	m.Config().Set(market.MinPositionSizeUsd, usd(1_000))
	prices := pricesAt(fbtcPrice)
	p := newPosition(m, usdg, true)
	openLong(t, m, prices, p, 10_000_000_000, usd(30_000))

	report, err := position.Decrease(m, prices, p, position.DecreaseParams{SizeDeltaUSD: usd(29_500), Now: now})
	require.NoError(t, err)
	assert.True(t, report.Closed)
	assert.Equal(t, usd(30_000), report.SizeDeltaUSD)
	assert.Equal(t, num.New(10_000_000_000), report.OutputAmount)
	assert.True(t, p.IsEmpty())
}

func TestLiquidate(t *testing.T) {
	m := newMarket(123_000*100_000_000, 15*100_000)
	prices := pricesAt(fbtcPrice)
	p := newPosition(m, usdg, true)
	collateral := uint64(125_000_000)
	openLong(t, m, prices, p, collateral, usd(50*125))
	assertConsistent(t, m, prices, p)

	check, err := position.IsLiquidatable(m, prices, p)
	require.NoError(t, err)
	assert.False(t, check.Liquidatable)

	m.Config().Set(market.MinCollateralFactor, num.Unit)
	check, err = position.IsLiquidatable(m, prices, p)
	require.NoError(t, err)
	assert.True(t, check.Liquidatable)

	remaining := p.CollateralAmount
	report, err := position.Decrease(m, prices, p, position.DecreaseParams{Cut: position.CutLiquidate, Now: now})
	require.NoError(t, err)
	assert.True(t, report.Closed)
	assert.True(t, p.IsEmpty())
	assert.Equal(t, usd(50*125), report.SizeDeltaUSD)
	assert.Equal(t, num.New(12_500_000), report.Fees.Liquidation.Amount)
	assert.Equal(t, num.New(3_125_000), report.Fees.Order.Amount)
	assert.True(t, report.Pnl.IsNegative())
	assert.True(t, report.OutputAmount.Lt(remaining))
	assert.True(t, report.ShortfallUSD.IsZero())
	assert.True(t, m.Pool(market.CollateralSumLong).Amount(pool.Short).IsZero())
	assert.True(t, m.Pool(market.OpenInterestLong).Amount(pool.Short).IsZero())
}

func TestLiquidate_Insolvent(t *testing.T) {
	m := newMarket(100_000_000, 1_000_000_000_000)
	zeroCosts(m)
	p := newPosition(m, usdg, true)
	openLong(t, m, pricesAt(fbtcPrice), p, 1_000_000_000, usd(6_000))

	// Halving the price loses $3,000 against $1,000 of collateral.
	crashed := pricesAt(num.MustParse("30000000000000000"))
	report, err := position.Decrease(m, crashed, p, position.DecreaseParams{Cut: position.CutLiquidate, Now: now})
	require.NoError(t, err)
	assert.True(t, report.Closed)
	assert.Equal(t, num.MustParseSigned("-300000000000000000000000"), report.Pnl)
	assert.Equal(t, usd(2_000), report.ShortfallUSD)
	assert.True(t, report.OutputAmount.IsZero())
	assert.Equal(t, num.New(1_000_000_000_000+1_000_000_000), m.Pool(market.Primary).Amount(pool.Short))
}

func TestAutoDeleverage(t *testing.T) {
	setup := func(t *testing.T) (*market.Market, *position.Position) {
		m := newMarket(100_000_000, 1_000_000_000_000)
		zeroCosts(m)
		p := newPosition(m, usdg, true)
		openLong(t, m, pricesAt(fbtcPrice), p, 10_000_000_000, usd(48_000))
		return m, p
	}
	// At three times the entry price the long pnl factor is 0.533.
	pumped := pricesAt(num.MustParse("180000000000000000"))

	t.Run("Reduces", func(t *testing.T) {
		m, p := setup(t)
		exceeded, err := position.CheckAdl(m, pumped, true)
		require.NoError(t, err)
		require.NotNil(t, exceeded)

		report, err := position.Decrease(m, pumped, p, position.DecreaseParams{
			SizeDeltaUSD: usd(4_800),
			Cut:          position.CutAdl,
			Now:          now,
		})
		require.NoError(t, err)
		assert.False(t, report.Closed)
		assert.Equal(t, num.New(8_000_000), report.SizeDeltaInTokens)
		assert.Equal(t, num.MustParseSigned("960000000000000000000000"), report.Pnl)
		assert.Equal(t, num.New(5_333_333), report.SecondaryOutputAmount)
		assert.True(t, report.OutputAmount.IsZero())
		assert.Equal(t, num.New(100_000_000-5_333_333), m.Pool(market.Primary).Amount(pool.Long))

		after, err := market.PnlFactor(m, pumped, true, true)
		require.NoError(t, err)
		assert.Equal(t, -1, after.Cmp(exceeded.PnlFactor))
		assertConsistent(t, m, pumped, p)
	})

	t.Run("Overcorrects", func(t *testing.T) {
		m, p := setup(t)
		_, err := position.Decrease(revertible.New(m), pumped, p, position.DecreaseParams{
			SizeDeltaUSD: usd(24_000),
			Cut:          position.CutAdl,
			Now:          now,
		})
		assert.ErrorIs(t, err, position.ErrPnlOvercorrected)
	})

	t.Run("SizeTooLarge", func(t *testing.T) {
		m, p := setup(t)
		before := *p
		_, err := position.Decrease(revertible.New(m), pumped, p, position.DecreaseParams{
			SizeDeltaUSD: usd(60_000),
			Cut:          position.CutAdl,
			Now:          now,
		})
		assert.ErrorIs(t, err, position.ErrSizeDeltaTooLarge)
		assert.Equal(t, before, *p)
	})
}

func TestPnlFactorCap(t *testing.T) {
	// At three times the entry price the long pnl factor is far above 0.1.
	pumped := pricesAt(num.MustParse("180000000000000000"))
	tests := []struct {
		name string
		run  func(m market.Mutable, p *position.Position) error
	}{
		{
			name: "Decrease",
			run: func(m market.Mutable, p *position.Position) error {
				_, err := position.Decrease(m, pumped, p, position.DecreaseParams{SizeDeltaUSD: usd(4_800), Now: now})
				return err
			},
		},
		{
			name: "Increase",
			run: func(m market.Mutable, p *position.Position) error {
				_, err := position.Increase(m, pumped, p, position.IncreaseParams{
					CollateralIncrement: num.New(10_000_000),
					SizeDeltaUSD:        usd(100),
					Now:                 now,
				})
				return err
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newMarket(100_000_000, 1_000_000_000_000)
			zeroCosts(m)
			p := newPosition(m, usdg, true)
			openLong(t, m, pricesAt(fbtcPrice), p, 10_000_000_000, usd(48_000))
			m.Config().Set(market.MaxPnlFactorForLongTrader, num.MustParseFactor("0.1"))
			before := *p

			rm := revertible.New(m)
			err := tt.run(rm, p)
			assert.ErrorIs(t, err, market.ErrPnlFactorExceeded)
			assert.Equal(t, before, *p)
			rm.Discard()
			assert.Equal(t, usd(48_000), m.Pool(market.OpenInterestLong).Amount(pool.Short))
		})
	}
}

func TestDecrease_CappedImpactIsClaimable(t *testing.T) {
	m := newMarket(100_000_000, 1_000_000_000_000)
	zeroCosts(m)
	prices := pricesAt(fbtcPrice)
	long := newPosition(m, usdg, true)
	openLong(t, m, prices, long, 10_000_000_000, usd(6_000))
	short := newPosition(m, usdg, false)
	_, err := position.Increase(m, prices, short, position.IncreaseParams{
		CollateralIncrement: num.New(10_000_000_000),
		SizeDeltaUSD:        usd(30_000),
		Now:                 now,
	})
	require.NoError(t, err)

	// Closing the long widens the skew from $24,000 to $30,000: a $324
	// impact, capped at 0.5% of $6,000.
	m.Config().Set(market.PositionImpactNegativeFactor, num.MustParseFactor("0.000001"))
	report, err := position.Decrease(m, prices, long, position.DecreaseParams{SizeDeltaUSD: usd(6_000), Now: now})
	require.NoError(t, err)

	capped, err := num.ToNegSigned(usd(30))
	require.NoError(t, err)
	assert.True(t, report.Closed)
	assert.True(t, report.Pnl.IsZero())
	assert.Equal(t, capped, report.PriceImpactUSD)
	assert.Equal(t, usd(294), report.PriceImpactDiffUSD)
	assert.Equal(t, num.New(294_000_000), report.ClaimableCollateral)
	assert.Equal(t, num.New(10_000_000_000-30_000_000-294_000_000), report.OutputAmount)
	assert.True(t, report.ShortfallUSD.IsZero())
	assert.True(t, m.Pool(market.CollateralSumLong).Amount(pool.Short).IsZero())
}
