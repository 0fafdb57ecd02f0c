package oracle_test

import (
	"context"
	"errors"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/perp-engine/internal/num"
	"github.com/atmx/perp-engine/internal/oracle"
)

func staticToken(heartbeat uint32) oracle.TokenConfig {
	return oracle.TokenConfig{
		Name:             "TEST",
		Enabled:          true,
		Decimals:         6,
		Precision:        6,
		Heartbeat:        heartbeat,
		ExpectedProvider: oracle.ProviderStatic,
		Feeds:            map[oracle.ProviderKind]oracle.FeedConfig{oracle.ProviderStatic: {}},
	}
}

func dec(v uint32) num.Decimal { return num.Decimal{Value: v} }

func TestValidate_DeviationClamp(t *testing.T) {
	cfg := oracle.DefaultConfig()
	tc := staticToken(10)
	tc.AllowPriceAdjustment = true
	feed := oracle.FeedConfig{MaxDeviationFactor: num.MustParseFactor("0.1")}
	ref := dec(150)
	report := oracle.FeedPrice{Provider: oracle.ProviderStatic, Ts: 1000, Min: dec(100), Max: dec(200), Ref: &ref}

	price, err := oracle.Validate(cfg, 1000, tc, feed, report)
	require.NoError(t, err)
	assert.Equal(t, num.New(135), price.Min)
	assert.Equal(t, num.New(165), price.Max)

	tc.AllowPriceAdjustment = false
	_, err = oracle.Validate(cfg, 1000, tc, feed, report)
	assert.ErrorIs(t, err, oracle.ErrPriceOutOfRange)

	inBand := oracle.FeedPrice{Provider: oracle.ProviderStatic, Ts: 1000, Min: dec(140), Max: dec(160), Ref: &ref}
	price, err = oracle.Validate(cfg, 1000, tc, feed, inBand)
	require.NoError(t, err)
	assert.Equal(t, num.New(140), price.Min)
	assert.Equal(t, num.New(160), price.Max)
}

func TestValidate_TimestampWindow(t *testing.T) {
	cfg := oracle.Config{MaxAge: 60, FutureTolerance: 5, MaxTimestampRange: 300}
	tc := staticToken(10)
	cases := []struct {
		name string
		ts   int64
		want error
	}{
		{"oldest accepted", 930, nil},
		{"stale", 929, oracle.ErrStalePrice},
		{"latest accepted", 1005, nil},
		{"future", 1006, oracle.ErrFuturePrice},
	}
	for _, tc2 := range cases {
		t.Run(tc2.name, func(t *testing.T) {
			report := oracle.FeedPrice{Provider: oracle.ProviderStatic, Ts: tc2.ts, Min: dec(1), Max: dec(1)}
			_, err := oracle.Validate(cfg, 1000, tc, oracle.FeedConfig{}, report)
			if tc2.want == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tc2.want)
			}
		})
	}
}

func TestValidate_Rejects(t *testing.T) {
	cfg := oracle.DefaultConfig()
	tc := staticToken(10)

	_, err := oracle.Validate(cfg, 1000, tc, oracle.FeedConfig{},
		oracle.FeedPrice{Provider: oracle.ProviderPyth, Ts: 1000, Min: dec(1), Max: dec(1)})
	assert.ErrorIs(t, err, oracle.ErrProviderMismatch)

	_, err = oracle.Validate(cfg, 1000, tc, oracle.FeedConfig{},
		oracle.FeedPrice{Provider: oracle.ProviderStatic, Ts: 1000, Min: dec(2), Max: dec(1)})
	assert.ErrorIs(t, err, num.ErrInvalidPrice)

	tc.MaxSpreadFactor = num.MustParseFactor("0.01")
	_, err = oracle.Validate(cfg, 1000, tc, oracle.FeedConfig{},
		oracle.FeedPrice{Provider: oracle.ProviderStatic, Ts: 1000, Min: dec(100), Max: dec(110)})
	assert.ErrorIs(t, err, oracle.ErrPriceOutOfRange)
}

func TestOracle_SetPrices(t *testing.T) {
	a, b := solana.NewWallet().PublicKey(), solana.NewWallet().PublicKey()
	static := oracle.NewStaticAdapter()
	static.Set(a, oracle.FeedPrice{Slot: 7, Ts: 1000, Min: dec(10), Max: dec(11)})
	static.Set(b, oracle.FeedPrice{Slot: 5, Ts: 900, Min: dec(1), Max: dec(1)})
	adapters := map[oracle.ProviderKind]oracle.FeedAdapter{oracle.ProviderStatic: static}
	reqs := []oracle.Request{{Token: a, Config: staticToken(200)}, {Token: b, Config: staticToken(200)}}
	ctx := context.Background()

	o := oracle.New()
	require.True(t, o.Cleared())
	require.NoError(t, o.SetPrices(ctx, oracle.DefaultConfig(), 1000, adapters, reqs))
	assert.False(t, o.Cleared())
	assert.Equal(t, int64(900), o.MinOracleTs())
	assert.Equal(t, int64(1000), o.MaxOracleTs())
	assert.Equal(t, uint64(5), o.MinOracleSlot())
	assert.LessOrEqual(t, o.MaxOracleTs()-o.MinOracleTs(), oracle.DefaultConfig().MaxTimestampRange)

	p, err := o.Get(a)
	require.NoError(t, err)
	assert.Equal(t, num.New(10), p.Min)
	assert.Equal(t, num.New(11), p.Max)

	assert.ErrorIs(t, o.SetPrices(ctx, oracle.DefaultConfig(), 1000, adapters, reqs), oracle.ErrNotCleared)

	o.Clear()
	narrow := oracle.Config{MaxAge: 300, FutureTolerance: 5, MaxTimestampRange: 50}
	err = o.SetPrices(ctx, narrow, 1000, adapters, reqs)
	assert.ErrorIs(t, err, oracle.ErrTimestampRangeTooWide)
	assert.True(t, o.Cleared())
	_, err = o.Get(a)
	assert.ErrorIs(t, err, oracle.ErrPriceNotFound)
}

func TestOracle_SetPricesFailureClears(t *testing.T) {
	a := solana.NewWallet().PublicKey()
	missing := solana.NewWallet().PublicKey()
	static := oracle.NewStaticAdapter()
	static.Set(a, oracle.FeedPrice{Ts: 1000, Min: dec(10), Max: dec(10)})
	adapters := map[oracle.ProviderKind]oracle.FeedAdapter{oracle.ProviderStatic: static}

	o := oracle.New()
	err := o.SetPrices(context.Background(), oracle.DefaultConfig(), 1000, adapters, []oracle.Request{
		{Token: a, Config: staticToken(10)},
		{Token: missing, Config: staticToken(10)},
	})
	assert.ErrorIs(t, err, oracle.ErrFeedNotFound)
	assert.True(t, o.Cleared())

	disabled := staticToken(10)
	disabled.Enabled = false
	err = o.SetPrices(context.Background(), oracle.DefaultConfig(), 1000, adapters, []oracle.Request{{Token: a, Config: disabled}})
	assert.ErrorIs(t, err, oracle.ErrTokenDisabled)
}

type fakeFetcher struct {
	accounts map[solana.PublicKey]*rpc.Account
}

func (f fakeFetcher) GetAccountInfo(_ context.Context, key solana.PublicKey) (*rpc.GetAccountInfoResult, error) {
	acct, ok := f.accounts[key]
	if !ok {
		return nil, errors.New("account not found")
	}
	return &rpc.GetAccountInfoResult{Value: acct}, nil
}

func TestPythAdapter(t *testing.T) {
	feedKey := solana.NewWallet().PublicKey()
	msg := oracle.PythPriceMessage{
		Price:       6_000_012_345_678,
		Conf:        1_000_000,
		Exponent:    -8,
		PublishTime: 1_700_000_000,
		PostedSlot:  42,
	}
	data := oracle.EncodePriceUpdateV2(solana.PublicKey{}, msg)
	decoded, err := oracle.DecodePriceUpdateV2(data)
	require.NoError(t, err)
	assert.Equal(t, msg, decoded)

	fetcher := fakeFetcher{accounts: map[solana.PublicKey]*rpc.Account{
		feedKey: {Owner: oracle.PythPushOracleProgramID, Data: rpc.DataBytesOrJSONFromBytes(data)},
	}}
	cfg := oracle.TokenConfig{
		Enabled:          true,
		Decimals:         8,
		Precision:        4,
		ExpectedProvider: oracle.ProviderPyth,
		Feeds:            map[oracle.ProviderKind]oracle.FeedConfig{oracle.ProviderPyth: {FeedID: feedKey}},
	}
	report, err := oracle.NewPythAdapter(fetcher).Fetch(context.Background(), solana.PublicKey{}, cfg, cfg.Feeds[oracle.ProviderPyth])
	require.NoError(t, err)
	assert.Equal(t, oracle.ProviderPyth, report.Provider)
	assert.Equal(t, uint64(42), report.Slot)
	assert.Equal(t, num.Decimal{Value: 600001134, DecimalMultiplier: 8}, report.Min)
	assert.Equal(t, num.Decimal{Value: 600001334, DecimalMultiplier: 8}, report.Max)
	require.NotNil(t, report.Ref)
	assert.Equal(t, num.Decimal{Value: 600001234, DecimalMultiplier: 8}, *report.Ref)

	fetcher.accounts[feedKey] = &rpc.Account{Owner: solana.SystemProgramID, Data: rpc.DataBytesOrJSONFromBytes(data)}
	_, err = oracle.NewPythAdapter(fetcher).Fetch(context.Background(), solana.PublicKey{}, cfg, cfg.Feeds[oracle.ProviderPyth])
	assert.ErrorIs(t, err, oracle.ErrProviderMismatch)

	partial := append([]byte(nil), data...)
	partial[40] = 0
	_, err = oracle.DecodePriceUpdateV2(partial)
	assert.ErrorIs(t, err, oracle.ErrInvalidFeedAccount)
}
