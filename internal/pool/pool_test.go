package pool_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/perp-engine/internal/num"
	"github.com/atmx/perp-engine/internal/pool"
)

func TestPool_ApplyDelta(t *testing.T) {
	p := pool.New(false)
	require.NoError(t, p.ApplyDelta(pool.Long, num.NewInt(100)))
	require.NoError(t, p.ApplyDelta(pool.Short, num.NewInt(40)))
	require.NoError(t, p.ApplyDelta(pool.Short, num.NewInt(-15)))

	assert.Equal(t, "100", p.Amount(pool.Long).String())
	assert.Equal(t, "25", p.Amount(pool.Short).String())

	err := p.ApplyDelta(pool.Short, num.NewInt(-26))
	require.ErrorIs(t, err, pool.ErrNegativeAmount)
	assert.Equal(t, "25", p.Amount(pool.Short).String(), "failed write must not mutate")
}

func TestPool_PureModeLaw(t *testing.T) {
	writes := []struct {
		side  pool.Side
		delta int64
	}{
		{pool.Long, 1000},
		{pool.Short, 500},
		{pool.Short, -300},
		{pool.Long, 1},
	}

	p := pool.New(true)
	var written int64
	for _, w := range writes {
		require.NoError(t, p.ApplyDelta(w.side, num.NewInt(w.delta)))
		written += w.delta

		assert.True(t, p.ShortAmount.IsZero(), "short slot must stay zero")
		require.NoError(t, p.Validate())
		want := num.New(uint64(written / 2))
		assert.Equal(t, want, p.Amount(pool.Long))
		assert.Equal(t, want, p.Amount(pool.Short))
	}
}

func TestPool_ValidateRejectsShortInPure(t *testing.T) {
	p := pool.Pool{Pure: true, ShortAmount: num.New(1)}
	assert.Error(t, p.Validate())
}

func TestMerge(t *testing.T) {
	a := pool.Pool{LongAmount: num.New(3), ShortAmount: num.New(4)}
	b := pool.Pool{LongAmount: num.New(10), ShortAmount: num.New(20)}
	m := pool.Merge(a, b)

	long, err := m.Amount(pool.Long)
	require.NoError(t, err)
	short, err := m.Amount(pool.Short)
	require.NoError(t, err)
	assert.Equal(t, "13", long.String())
	assert.Equal(t, "24", short.String())

	usd, err := m.USDValue(pool.Short, num.New(5))
	require.NoError(t, err)
	assert.Equal(t, "120", usd.String())
	assert.Equal(t, "3", a.LongAmount.String(), "merge must not mutate inputs")
}

func TestPool_CheckedApply(t *testing.T) {
	p := pool.Pool{LongAmount: num.New(5)}
	_, err := p.CheckedApply(pool.Delta{Long: num.NewInt(-6)})
	require.Error(t, err)
	next, err := p.CheckedApply(pool.Delta{Long: num.NewInt(-5), Short: num.NewInt(7)})
	require.NoError(t, err)
	assert.True(t, next.LongAmount.IsZero())
	assert.Equal(t, "7", next.ShortAmount.String())
	assert.Equal(t, "5", p.LongAmount.String())
}
