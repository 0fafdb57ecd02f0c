package revertible_test

import (
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/perp-engine/internal/market"
	"github.com/atmx/perp-engine/internal/num"
	"github.com/atmx/perp-engine/internal/pool"
	"github.com/atmx/perp-engine/internal/revertible"
)

func key() solana.PublicKey { return solana.NewWallet().PublicKey() }

func newMarket(pure bool) *market.Market {
	meta := market.Meta{MarketToken: key(), IndexToken: key(), LongToken: key()}
	meta.ShortToken = key()
	if pure {
		meta.ShortToken = meta.LongToken
	}
	return market.New(key(), key(), "TEST", meta, 1000)
}

func signed(v int64) num.Signed { return num.NewInt(v) }

func TestMarket_StagedWritesInvisibleUntilCommit(t *testing.T) {
	base := newMarket(false)
	m := revertible.New(base)

	require.NoError(t, m.ApplyPoolDelta(market.Primary, pool.Long, signed(100)))
	require.NoError(t, m.ApplyPoolDelta(market.Primary, pool.Short, signed(50)))
	require.NoError(t, m.ApplyPoolDelta(market.Primary, pool.Long, signed(-30)))
	m.SetClock(market.ClockFunding, 2000)
	m.SetFundingFactorPerSecond(signed(-7))
	assert.Equal(t, uint64(1), m.NextTradeID())
	assert.Equal(t, uint64(2), m.NextTradeID())

	assert.Equal(t, num.New(70), m.Pool(market.Primary).Amount(pool.Long))
	assert.Equal(t, num.New(50), m.Pool(market.Primary).Amount(pool.Short))
	assert.Equal(t, int64(2000), m.Clock(market.ClockFunding))
	assert.True(t, base.Pool(market.Primary).LongAmount.IsZero())
	assert.Equal(t, int64(1000), base.Clock(market.ClockFunding))
	assert.True(t, m.Mutated())

	require.NoError(t, m.Commit())
	assert.False(t, m.Mutated())
	assert.Equal(t, num.New(70), base.Pool(market.Primary).LongAmount)
	assert.Equal(t, num.New(50), base.Pool(market.Primary).ShortAmount)
	assert.Equal(t, int64(2000), base.Clock(market.ClockFunding))
	assert.Equal(t, int64(1000), base.Clock(market.ClockBorrowing))
	assert.Equal(t, signed(-7), base.FundingFactorPerSecond())
	assert.Equal(t, uint64(2), base.StateInfo.TradeCount)
}

func TestMarket_RejectedWriteStagesNothing(t *testing.T) {
	base := newMarket(false)
	m := revertible.New(base)
	require.NoError(t, m.ApplyPoolDelta(market.Primary, pool.Long, signed(10)))

	err := m.ApplyPoolDelta(market.Primary, pool.Long, signed(-11))
	assert.ErrorIs(t, err, pool.ErrNegativeAmount)
	assert.Equal(t, num.New(10), m.Pool(market.Primary).Amount(pool.Long))

	m.Discard()
	assert.True(t, m.Pool(market.Primary).LongAmount.IsZero())
	require.NoError(t, m.Commit())
	assert.True(t, base.Pool(market.Primary).LongAmount.IsZero())
}

func TestMarket_DisabledRejectsWrites(t *testing.T) {
	base := newMarket(false)
	base.FlagSet.Enabled = false
	m := revertible.New(base)
	assert.ErrorIs(t, m.ApplyPoolDelta(market.Primary, pool.Long, signed(1)), market.ErrDisabled)
}

func TestMarket_PureRouting(t *testing.T) {
	base := newMarket(true)
	m := revertible.New(base)
	require.NoError(t, m.ApplyPoolDelta(market.Primary, pool.Short, signed(40)))
	require.NoError(t, m.ApplyPoolDelta(market.Primary, pool.Long, signed(20)))
	require.NoError(t, m.ApplyPoolDelta(market.Primary, pool.Short, signed(-10)))

	p := m.Pool(market.Primary)
	assert.Equal(t, num.New(25), p.Amount(pool.Long))
	assert.Equal(t, num.New(25), p.Amount(pool.Short))
	require.NoError(t, m.Commit())
	assert.Equal(t, num.New(50), base.Pools[market.Primary].LongAmount)
	assert.True(t, base.Pools[market.Primary].ShortAmount.IsZero())
	assert.NoError(t, base.Pools[market.Primary].Validate())
}

func TestSwapMarkets_CommitOrderAndDiscard(t *testing.T) {
	a, b, c := newMarket(false), newMarket(false), newMarket(false)
	s := revertible.NewSwapMarkets(nil)
	ma, err := s.Add(a)
	require.NoError(t, err)
	mb, err := s.Add(b)
	require.NoError(t, err)
	mc, err := s.SetCurrent(c)
	require.NoError(t, err)
	assert.Same(t, mc, s.Current())
	_, err = s.Add(a)
	assert.ErrorIs(t, err, revertible.ErrDuplicateMarket)
	again, err := s.SetCurrent(b)
	require.NoError(t, err)
	assert.Same(t, mb, again)

	require.NoError(t, mc.ApplyPoolDelta(market.Primary, pool.Long, signed(3)))
	require.NoError(t, ma.ApplyPoolDelta(market.Primary, pool.Long, signed(1)))
	require.NoError(t, mc.ApplyPoolDelta(market.Primary, pool.Short, signed(3)))
	assert.Equal(t, []solana.PublicKey{c.MetaInfo.MarketToken, a.MetaInfo.MarketToken}, s.MutationOrder())

	require.NoError(t, s.Commit())
	assert.Equal(t, num.New(1), a.Pools[market.Primary].LongAmount)
	assert.Equal(t, num.New(3), c.Pools[market.Primary].ShortAmount)
	assert.True(t, b.Pools[market.Primary].LongAmount.IsZero())

	require.NoError(t, mb.ApplyPoolDelta(market.Primary, pool.Long, signed(9)))
	s.Discard()
	require.NoError(t, s.Commit())
	assert.True(t, b.Pools[market.Primary].LongAmount.IsZero())
}

func TestSwapMarkets_VirtualInventoryShared(t *testing.T) {
	vi := &market.VirtualInventory{Address: key(), Kind: market.VirtualInventoryForSwaps}
	a, b := newMarket(false), newMarket(false)
	a.VirtualInventoryForSwapsKey = vi.Address
	b.VirtualInventoryForSwapsKey = vi.Address
	loads := 0
	s := revertible.NewSwapMarkets(func(addr solana.PublicKey) (*market.VirtualInventory, error) {
		loads++
		require.Equal(t, vi.Address, addr)
		return vi, nil
	})
	ma, err := s.Add(a)
	require.NoError(t, err)
	mb, err := s.Add(b)
	require.NoError(t, err)
	assert.Equal(t, 1, loads)

	require.NoError(t, ma.ApplyPoolDelta(market.Primary, pool.Long, signed(5)))
	require.NoError(t, mb.ApplyPoolDelta(market.Primary, pool.Long, signed(7)))
	got, ok := mb.VirtualInventory(market.VirtualInventoryForSwaps)
	require.True(t, ok)
	assert.Equal(t, num.New(12), got.Amount(pool.Long))
	assert.True(t, vi.Pool.LongAmount.IsZero())

	require.NoError(t, s.Commit())
	assert.Equal(t, num.New(12), vi.Pool.LongAmount)

	_, ok = ma.VirtualInventory(market.VirtualInventoryForPositions)
	assert.False(t, ok)
}

func TestSwapMarkets_MissingInventory(t *testing.T) {
	a := newMarket(false)
	a.VirtualInventoryForPositionsKey = key()
	_, err := revertible.NewSwapMarkets(nil).Add(a)
	assert.ErrorIs(t, err, revertible.ErrMissingVirtualInventory)
}

func TestMarket_PositionInventoryMirrorsOpenInterest(t *testing.T) {
	vi := &market.VirtualInventory{Address: key(), Kind: market.VirtualInventoryForPositions}
	base := newMarket(false)
	base.VirtualInventoryForPositionsKey = vi.Address
	m := revertible.New(base)
	require.NoError(t, m.Link(market.VirtualInventoryForPositions, revertible.NewVirtualInventory(vi)))

	require.NoError(t, m.ApplyPoolDelta(market.OpenInterestLong, pool.Short, signed(100)))
	require.NoError(t, m.ApplyPoolDelta(market.OpenInterestShort, pool.Long, signed(40)))
	got, ok := m.VirtualInventory(market.VirtualInventoryForPositions)
	require.True(t, ok)
	assert.Equal(t, num.New(100), got.Amount(pool.Long))
	assert.Equal(t, num.New(40), got.Amount(pool.Short))

	wrong := &market.VirtualInventory{Address: key(), Kind: market.VirtualInventoryForPositions}
	assert.ErrorIs(t, m.Link(market.VirtualInventoryForPositions, revertible.NewVirtualInventory(wrong)),
		revertible.ErrVirtualInventoryMismatch)
}
