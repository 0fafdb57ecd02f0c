package swap_test

import (
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/perp-engine/internal/market"
	"github.com/atmx/perp-engine/internal/num"
	"github.com/atmx/perp-engine/internal/pool"
	"github.com/atmx/perp-engine/internal/revertible"
	"github.com/atmx/perp-engine/internal/swap"
)

var (
	sol  = solana.NewWallet().PublicKey()
	fbtc = solana.NewWallet().PublicKey()
	usdg = solana.NewWallet().PublicKey()

	// Unit prices: fBTC at $60,000 with 8 decimals, USDG at $1 with 6.
	fbtcPrice = num.MustParse("60000000000000000")
	usdgPrice = num.MustParse("100000000000000")
	solPrice  = num.MustParse("15000000000")
)

type fixedPrices map[solana.PublicKey]num.Num

func (f fixedPrices) MarketPrices(meta market.Meta) (market.Prices, error) {
	return market.Prices{
		IndexToken: num.FixedPrice(f[meta.IndexToken]),
		LongToken:  num.FixedPrice(f[meta.LongToken]),
		ShortToken: num.FixedPrice(f[meta.ShortToken]),
	}, nil
}

var prices = fixedPrices{sol: solPrice, fbtc: fbtcPrice, usdg: usdgPrice}

type vaults map[solana.PublicKey]num.Num

func (v vaults) VaultBalance(token solana.PublicKey) num.Num { return v[token] }

func (v vaults) add(token solana.PublicKey, amount num.Num) {
	n, err := v[token].Add(amount)
	if err != nil {
		panic(err)
	}
	v[token] = n
}

func newMarket(index, long, short solana.PublicKey, longAmount, shortAmount uint64) *market.Market {
	meta := market.Meta{MarketToken: solana.NewWallet().PublicKey(), IndexToken: index, LongToken: long, ShortToken: short}
	m := market.New(solana.NewWallet().PublicKey(), solana.PublicKey{}, "TEST", meta, 1000)
	m.Pools[market.Primary].LongAmount = num.New(longAmount)
	m.Pools[market.Primary].ShortAmount = num.New(shortAmount)
	return m
}

func zeroFees(m *market.Market) {
	cfg := m.Config()
	for _, k := range []market.ConfigKey{
		market.SwapImpactPositiveFactor,
		market.SwapImpactNegativeFactor,
		market.SwapFeeFactorForPositiveImpact,
		market.SwapFeeFactorForNegativeImpact,
	} {
		cfg.Set(k, num.Zero)
	}
}

func vaultsFor(ms ...*market.Market) vaults {
	v := vaults{}
	for _, m := range ms {
		v.add(m.MetaInfo.LongToken, m.Pools[market.Primary].LongAmount)
		v.add(m.MetaInfo.ShortToken, m.Pools[market.Primary].ShortAmount)
	}
	return v
}

func TestSwap_SingleHopWithFeesAndImpact(t *testing.T) {
	m1 := newMarket(sol, fbtc, usdg, 10_0000_0000, 600_000_000_000)
	mp, err := prices.MarketPrices(m1.MetaInfo)
	require.NoError(t, err)
	r := revertible.New(m1)

	hop, err := swap.Swap(r, mp, usdg, num.New(103_0000_0000))
	require.NoError(t, err)
	assert.Equal(t, fbtc, hop.TokenOut)
	assert.Equal(t, num.New(7_210_000), hop.FeeAmount)
	assert.Equal(t, num.New(2_667_700), hop.FeeReceiverAmount)
	assert.True(t, hop.PriceImpactUSD.IsNegative())
	assert.Equal(t, num.MustParse("169744000000000000"), hop.PriceImpactUSD.Abs())
	assert.Equal(t, num.New(1698), hop.PriceImpactAmount)
	assert.Equal(t, num.New(17_154_647), hop.AmountOut)

	primary := r.Pool(market.Primary)
	assert.Equal(t, num.New(10_0000_0000-17_154_647), primary.Amount(pool.Long))
	assert.Equal(t, num.New(600_000_000_000+103_0000_0000-2_667_700-1698), primary.Amount(pool.Short))
	assert.Equal(t, num.New(2_667_700), r.Pool(market.ClaimableFee).Amount(pool.Short))
	assert.Equal(t, num.New(1698), r.Pool(market.SwapImpact).Amount(pool.Short))
	assert.Equal(t, num.New(10_0000_0000), m1.Pools[market.Primary].LongAmount)
}

func TestSwap_RoundTripWithoutFees(t *testing.T) {
	m := newMarket(fbtc, fbtc, usdg, 10_0000_0000, 600_000_000_000)
	zeroFees(m)
	mp, err := prices.MarketPrices(m.MetaInfo)
	require.NoError(t, err)
	r := revertible.New(m)

	for _, x := range []uint64{1, 7, 12_345_678} {
		there, err := swap.Swap(r, mp, fbtc, num.New(x))
		require.NoError(t, err)
		back, err := swap.Swap(r, mp, usdg, there.AmountOut)
		require.NoError(t, err)
		assert.Equal(t, num.New(x), back.AmountOut)
		assert.Equal(t, fbtc, back.TokenOut)
	}
	assert.Equal(t, num.New(10_0000_0000), r.Pool(market.Primary).Amount(pool.Long))
	assert.Equal(t, num.New(600_000_000_000), r.Pool(market.Primary).Amount(pool.Short))
}

func TestSwap_Rejects(t *testing.T) {
	pure := newMarket(fbtc, fbtc, fbtc, 100, 0)
	mp, _ := prices.MarketPrices(pure.MetaInfo)
	_, err := swap.Swap(revertible.New(pure), mp, fbtc, num.New(1))
	assert.ErrorIs(t, err, swap.ErrPureMarket)

	m := newMarket(sol, fbtc, usdg, 100, 100)
	mp, _ = prices.MarketPrices(m.MetaInfo)
	_, err = swap.Swap(revertible.New(m), mp, sol, num.New(1))
	assert.ErrorIs(t, err, swap.ErrInvalidSwapPath)

	hop, err := swap.Swap(revertible.New(m), mp, fbtc, num.Zero)
	require.NoError(t, err)
	assert.True(t, hop.AmountOut.IsZero())
	assert.Equal(t, usdg, hop.TokenOut)
}

func TestExecute_MultiHop(t *testing.T) {
	m1 := newMarket(sol, fbtc, usdg, 10_0000_0000, 600_000_000_000)
	m2 := newMarket(fbtc, fbtc, usdg, 10_0000_0000, 600_000_000_000)
	zeroFees(m1)
	zeroFees(m2)
	v := vaultsFor(m1, m2)
	amountIn := num.New(600 * 1_000_000)
	v.add(usdg, amountIn)

	markets := revertible.NewSwapMarkets(nil)
	_, err := markets.Add(m1)
	require.NoError(t, err)
	_, err = markets.Add(m2)
	require.NoError(t, err)

	res, err := swap.Execute(markets, prices, v, swap.PathParams{
		Path:     []solana.PublicKey{m1.MetaInfo.MarketToken, m2.MetaInfo.MarketToken},
		TokenIn:  usdg,
		AmountIn: amountIn,
		TokenOut: usdg,
	})
	require.NoError(t, err)
	require.Len(t, res.Hops, 2)
	assert.Equal(t, num.New(1_000_000), res.Hops[0].AmountOut)
	assert.Equal(t, fbtc, res.Hops[0].TokenOut)
	assert.Equal(t, amountIn, res.AmountOut)
	assert.Equal(t, usdg, res.TokenOut)
	assert.Equal(t, []solana.PublicKey{m1.MetaInfo.MarketToken, m2.MetaInfo.MarketToken}, markets.MutationOrder())

	assert.Equal(t, num.New(600_000_000_000), m1.Pools[market.Primary].ShortAmount)
	require.NoError(t, markets.Commit())
	assert.Equal(t, num.New(600_000_000_000+600_000_000), m1.Pools[market.Primary].ShortAmount)
	assert.Equal(t, num.New(10_0000_0000-1_000_000), m1.Pools[market.Primary].LongAmount)
	assert.Equal(t, num.New(10_0000_0000+1_000_000), m2.Pools[market.Primary].LongAmount)
	assert.Equal(t, num.New(600_000_000_000-600_000_000), m2.Pools[market.Primary].ShortAmount)
	assert.NoError(t, market.ValidateBalances(m1, v))
}

func TestExecute_SingleMarketPath(t *testing.T) {
	m1 := newMarket(sol, fbtc, usdg, 10_0000_0000, 600_000_000_000)
	v := vaultsFor(m1)
	amountIn := num.New(103_0000_0000)
	v.add(usdg, amountIn)
	markets := revertible.NewSwapMarkets(nil)
	_, err := markets.SetCurrent(m1)
	require.NoError(t, err)

	res, err := swap.Execute(markets, prices, v, swap.PathParams{
		Path:     []solana.PublicKey{m1.MetaInfo.MarketToken},
		TokenIn:  usdg,
		AmountIn: amountIn,
		TokenOut: fbtc,
	})
	require.NoError(t, err)
	assert.Equal(t, fbtc, res.TokenOut)
	assert.Equal(t, num.New(17_154_647), res.AmountOut)
}

func TestExecute_PathErrors(t *testing.T) {
	m1 := newMarket(sol, fbtc, usdg, 100, 100)
	m2 := newMarket(fbtc, fbtc, usdg, 100, 100)
	m3 := newMarket(sol, fbtc, usdg, 100, 100)
	pure := newMarket(fbtc, fbtc, fbtc, 100, 0)
	markets := revertible.NewSwapMarkets(nil)
	for _, m := range []*market.Market{m1, pure, m3} {
		_, err := markets.Add(m)
		require.NoError(t, err)
	}
	_, err := markets.SetCurrent(m2)
	require.NoError(t, err)
	key := func(m *market.Market) solana.PublicKey { return m.MetaInfo.MarketToken }

	cases := []struct {
		name string
		p    swap.PathParams
		want error
	}{
		{"duplicate", swap.PathParams{Path: []solana.PublicKey{key(m1), key(m1)}, TokenIn: usdg, AmountIn: num.New(1), TokenOut: usdg}, swap.ErrInvalidSwapPath},
		{"too long", swap.PathParams{Path: make([]solana.PublicKey, swap.MaxPathLength+1), TokenIn: usdg, AmountIn: num.New(1), TokenOut: usdg}, swap.ErrPathTooLong},
		{"empty path token mismatch", swap.PathParams{TokenIn: usdg, AmountIn: num.New(1), TokenOut: fbtc}, swap.ErrInvalidSwapPath},
		{"wrong final token", swap.PathParams{Path: []solana.PublicKey{key(m1)}, TokenIn: usdg, AmountIn: num.New(1), TokenOut: usdg}, swap.ErrInvalidSwapPath},
		{"token not in market", swap.PathParams{Path: []solana.PublicKey{key(m1)}, TokenIn: sol, AmountIn: num.New(1), TokenOut: fbtc}, swap.ErrInvalidSwapPath},
		{"pure", swap.PathParams{Path: []solana.PublicKey{key(pure)}, TokenIn: fbtc, AmountIn: num.New(1), TokenOut: fbtc}, swap.ErrPureMarket},
		{"missing", swap.PathParams{Path: []solana.PublicKey{solana.NewWallet().PublicKey()}, TokenIn: fbtc, AmountIn: num.New(1), TokenOut: usdg}, swap.ErrMissingMarket},
		{"current in middle", swap.PathParams{Path: []solana.PublicKey{key(m1), key(m2), key(m3)}, TokenIn: usdg, AmountIn: num.New(1), TokenOut: fbtc}, swap.ErrInvalidSwapPath},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := swap.Execute(markets, prices, vaults{}, tc.p)
			assert.ErrorIs(t, err, tc.want)
		})
	}
	assert.Empty(t, markets.MutationOrder())
}

func TestExecute_ZeroAndEmpty(t *testing.T) {
	m1 := newMarket(sol, fbtc, usdg, 100, 100)
	markets := revertible.NewSwapMarkets(nil)
	_, err := markets.Add(m1)
	require.NoError(t, err)

	res, err := swap.Execute(markets, prices, vaults{}, swap.PathParams{
		Path: []solana.PublicKey{m1.MetaInfo.MarketToken}, TokenIn: usdg, AmountIn: num.Zero, TokenOut: fbtc,
	})
	require.NoError(t, err)
	assert.True(t, res.AmountOut.IsZero())
	assert.Empty(t, markets.MutationOrder())

	res, err = swap.Execute(markets, prices, vaults{}, swap.PathParams{TokenIn: usdg, AmountIn: num.New(5), TokenOut: usdg})
	require.NoError(t, err)
	assert.Equal(t, num.New(5), res.AmountOut)
}

func TestExecute_VaultShortfall(t *testing.T) {
	m1 := newMarket(sol, fbtc, usdg, 10_0000_0000, 600_000_000_000)
	zeroFees(m1)
	v := vaultsFor(m1)
	markets := revertible.NewSwapMarkets(nil)
	_, err := markets.Add(m1)
	require.NoError(t, err)

	_, err = swap.Execute(markets, prices, v, swap.PathParams{
		Path: []solana.PublicKey{m1.MetaInfo.MarketToken}, TokenIn: usdg, AmountIn: num.New(600_000_000), TokenOut: fbtc,
	})
	assert.ErrorIs(t, err, market.ErrInsufficientVaultBalance)
	markets.Discard()
	assert.Equal(t, 1, markets.Len())
}
