package main

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/perp-engine/internal/config"
	"github.com/atmx/perp-engine/internal/exchange"
	"github.com/atmx/perp-engine/internal/num"
	"github.com/atmx/perp-engine/internal/oracle"
	"github.com/atmx/perp-engine/internal/registry"
)

func staticToken(name string) oracle.TokenConfig {
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

func TestApplySeed_Idempotent(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	prices := oracle.NewStaticAdapter()
	x := exchange.New(registry.NewWorld(registry.DefaultProgramID),
		exchange.WithAdapter(oracle.ProviderStatic, prices),
		exchange.WithClock(func() time.Time { return now }),
	)

	authority := solana.NewWallet().PublicKey()
	keeperKey := solana.NewWallet().PublicKey()
	long := solana.NewWallet().PublicKey()
	short := solana.NewWallet().PublicKey()
	price := num.Decimal{Value: 1, DecimalMultiplier: 14}

	seed := &config.Seed{
		Store: config.StoreSeed{Key: "main", Authority: authority, Keepers: []solana.PublicKey{keeperKey}},
		Tokens: []config.TokenSeed{
			{Mint: long, Config: staticToken("WSOL"), Price: &price},
			{Mint: short, Config: staticToken("USDG"), Price: &price},
		},
		Markets: []config.MarketSeed{{
			Name:       "WSOL/WSOL/USDG",
			IndexToken: long,
			LongToken:  long,
			ShortToken: short,
			Config:     map[string]decimal.Decimal{"reserve_factor": decimal.RequireFromString("0.5")},
		}},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	require.NoError(t, applySeed(ctx, x, prices, seed, now, logger))
	require.NoError(t, applySeed(ctx, x, prices, seed, now, logger))

	st, err := x.StoreInfo()
	require.NoError(t, err)
	assert.Equal(t, authority, st.Authority)
	assert.True(t, x.HasRole(keeperKey, registry.RoleOrderKeeper))

	markets, err := x.Markets()
	require.NoError(t, err)
	require.Len(t, markets, 1)
	assert.Equal(t, "WSOL/WSOL/USDG", markets[0].Name)

	snap := prices.Snapshot()
	assert.Contains(t, snap, long)
	assert.Contains(t, snap, short)
}
