package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/atmx/perp-engine/internal/config"
	"github.com/atmx/perp-engine/internal/exchange"
	"github.com/atmx/perp-engine/internal/oracle"
	"github.com/atmx/perp-engine/internal/registry"
)

// applySeed brings the exchange up to the seed file. It is safe to run on
// every start: the store and markets are only created when missing, and
// token configs and static prices are rewritten.
func applySeed(ctx context.Context, x *exchange.Exchange, prices *oracle.StaticAdapter, seed *config.Seed, now time.Time, logger *slog.Logger) error {
	admin := seed.Store.Authority

	if _, err := x.StoreInfo(); errors.Is(err, registry.ErrStoreNotInitialized) {
		addr, err := x.InitStore(ctx, admin, seed.Store.Key)
		if err != nil {
			return fmt.Errorf("init store: %w", err)
		}
		if err := x.InitRoles(ctx, admin); err != nil {
			return fmt.Errorf("init roles: %w", err)
		}
		logger.Info("store created", "address", addr, "key", seed.Store.Key, "authority", admin)
	} else if err != nil {
		return err
	}

	for _, k := range seed.Store.Keepers {
		if x.HasRole(k, registry.RoleOrderKeeper) {
			continue
		}
		if err := x.GrantRole(ctx, admin, k, registry.RoleOrderKeeper); err != nil {
			return fmt.Errorf("grant keeper %s: %w", k, err)
		}
		logger.Info("keeper granted", "member", k)
	}

	for _, t := range seed.Tokens {
		if err := x.InsertTokenConfig(ctx, admin, t.Mint, t.Config); err != nil {
			return fmt.Errorf("token %s (%s): %w", t.Config.Name, t.Mint, err)
		}
		if t.Price != nil {
			prices.Set(t.Mint, oracle.FeedPrice{Ts: now.Unix(), Min: *t.Price, Max: *t.Price})
		}
	}

	for _, m := range seed.Markets {
		params := exchange.InitMarketParams{
			Name:       m.Name,
			IndexToken: m.IndexToken,
			LongToken:  m.LongToken,
			ShortToken: m.ShortToken,
		}
		token, err := existingMarket(x, params)
		if err != nil {
			return err
		}
		if token.IsZero() {
			mk, err := x.InitMarket(ctx, admin, params)
			if err != nil {
				return fmt.Errorf("market %s: %w", m.Name, err)
			}
			token = mk.MetaInfo.MarketToken
			logger.Info("market created", "name", m.Name, "market_token", token)
		}
		if len(m.Config) > 0 {
			if err := x.UpdateMarketConfig(ctx, admin, token, m.Config); err != nil {
				return fmt.Errorf("market %s config: %w", m.Name, err)
			}
		}
	}
	return nil
}

// existingMarket returns the market token of the market over the same
// three tokens, or the zero key.
func existingMarket(x *exchange.Exchange, p exchange.InitMarketParams) (solana.PublicKey, error) {
	markets, err := x.Markets()
	if err != nil {
		return solana.PublicKey{}, err
	}
	for _, m := range markets {
		if m.IndexToken == p.IndexToken.String() && m.LongToken == p.LongToken.String() && m.ShortToken == p.ShortToken.String() {
			return solana.PublicKeyFromBase58(m.MarketToken)
		}
	}
	return solana.PublicKey{}, nil
}
