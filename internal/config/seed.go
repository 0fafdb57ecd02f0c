package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/atmx/perp-engine/internal/num"
	"github.com/atmx/perp-engine/internal/oracle"
)

// seedPriceDecimals is the fixed point of seed prices before conversion.
const seedPriceDecimals = 8

// Seed is a MARKETS_FILE document: the store to create, its keepers,
// token configs with optional static prices, and markets with config
// overrides.
type Seed struct {
	Store   StoreSeed
	Tokens  []TokenSeed
	Markets []MarketSeed
}

type StoreSeed struct {
	Key       string
	Authority solana.PublicKey
	Keepers   []solana.PublicKey
}

type TokenSeed struct {
	Mint   solana.PublicKey
	Config oracle.TokenConfig
	// Price is the static unit price; nil leaves the token unpriced.
	Price *num.Decimal
}

type MarketSeed struct {
	Name       string
	IndexToken solana.PublicKey
	LongToken  solana.PublicKey
	ShortToken solana.PublicKey
	// Config maps factor keys to human decimals.
	Config map[string]decimal.Decimal
}

type seedFile struct {
	Store struct {
		Key       string   `yaml:"key"`
		Authority string   `yaml:"authority"`
		Keepers   []string `yaml:"keepers"`
	} `yaml:"store"`
	Tokens []struct {
		Mint                 string                  `yaml:"mint"`
		Name                 string                  `yaml:"name"`
		Decimals             uint8                   `yaml:"decimals"`
		Precision            uint8                   `yaml:"precision"`
		Heartbeat            uint32                  `yaml:"heartbeat"`
		Synthetic            bool                    `yaml:"synthetic"`
		Disabled             bool                    `yaml:"disabled"`
		Provider             string                  `yaml:"provider"`
		Feeds                map[string]seedFeedFile `yaml:"feeds"`
		AllowPriceAdjustment bool                    `yaml:"allow_price_adjustment"`
		MaxSpreadFactor      string                  `yaml:"max_spread_factor"`
		Price                string                  `yaml:"price"`
	} `yaml:"tokens"`
	Markets []struct {
		Name   string            `yaml:"name"`
		Index  string            `yaml:"index"`
		Long   string            `yaml:"long"`
		Short  string            `yaml:"short"`
		Config map[string]string `yaml:"config"`
	} `yaml:"markets"`
}

type seedFeedFile struct {
	FeedID              string `yaml:"feed_id"`
	MaxDeviationFactor  string `yaml:"max_deviation_factor"`
	TimestampAdjustment uint32 `yaml:"timestamp_adjustment"`
}

// LoadSeed reads and validates a seed file.
func LoadSeed(path string) (*Seed, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file %q: %w", path, err)
	}
	seed, err := ParseSeed(body)
	if err != nil {
		return nil, fmt.Errorf("seed file %q: %w", path, err)
	}
	return seed, nil
}

func ParseSeed(body []byte) (*Seed, error) {
	var raw seedFile
	if err := yaml.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}

	out := &Seed{Store: StoreSeed{Key: strings.TrimSpace(raw.Store.Key)}}
	if out.Store.Key == "" {
		return nil, fmt.Errorf("store.key is required")
	}
	var err error
	if out.Store.Authority, err = parseKey("store.authority", raw.Store.Authority); err != nil {
		return nil, err
	}
	for i, k := range raw.Store.Keepers {
		pk, err := parseKey(fmt.Sprintf("store.keepers[%d]", i), k)
		if err != nil {
			return nil, err
		}
		out.Store.Keepers = append(out.Store.Keepers, pk)
	}

	for i, t := range raw.Tokens {
		field := fmt.Sprintf("tokens[%d]", i)
		mint, err := parseKey(field+".mint", t.Mint)
		if err != nil {
			return nil, err
		}
		provider := oracle.ProviderStatic
		if t.Provider != "" {
			if provider, err = oracle.ParseProviderKind(t.Provider); err != nil {
				return nil, fmt.Errorf("%s.provider: %w", field, err)
			}
		}
		cfg := oracle.TokenConfig{
			Name:                 t.Name,
			Enabled:              !t.Disabled,
			Synthetic:            t.Synthetic,
			Decimals:             t.Decimals,
			Precision:            t.Precision,
			Heartbeat:            t.Heartbeat,
			ExpectedProvider:     provider,
			Feeds:                make(map[oracle.ProviderKind]oracle.FeedConfig),
			AllowPriceAdjustment: t.AllowPriceAdjustment,
		}
		if cfg.Heartbeat == 0 {
			cfg.Heartbeat = 60
		}
		if cfg.MaxSpreadFactor, err = parseFactor(field+".max_spread_factor", t.MaxSpreadFactor); err != nil {
			return nil, err
		}
		for name, f := range t.Feeds {
			kind, err := oracle.ParseProviderKind(name)
			if err != nil {
				return nil, fmt.Errorf("%s.feeds: %w", field, err)
			}
			var feed oracle.FeedConfig
			if f.FeedID != "" {
				if feed.FeedID, err = parseKey(field+".feeds."+name+".feed_id", f.FeedID); err != nil {
					return nil, err
				}
			}
			if feed.MaxDeviationFactor, err = parseFactor(field+".feeds."+name+".max_deviation_factor", f.MaxDeviationFactor); err != nil {
				return nil, err
			}
			feed.TimestampAdjustment = f.TimestampAdjustment
			cfg.Feeds[kind] = feed
		}
		// A static token needs no feed declaration.
		if _, ok := cfg.Feeds[oracle.ProviderStatic]; !ok && provider == oracle.ProviderStatic {
			cfg.Feeds[oracle.ProviderStatic] = oracle.FeedConfig{}
		}
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("%s: %w", field, err)
		}

		ts := TokenSeed{Mint: mint, Config: cfg}
		if t.Price != "" {
			p, err := ParseUnitPrice(t.Price, cfg.Decimals, cfg.Precision)
			if err != nil {
				return nil, fmt.Errorf("%s.price: %w", field, err)
			}
			ts.Price = &p
		}
		out.Tokens = append(out.Tokens, ts)
	}

	for i, m := range raw.Markets {
		field := fmt.Sprintf("markets[%d]", i)
		ms := MarketSeed{Name: m.Name, Config: make(map[string]decimal.Decimal, len(m.Config))}
		if ms.IndexToken, err = parseKey(field+".index", m.Index); err != nil {
			return nil, err
		}
		if ms.LongToken, err = parseKey(field+".long", m.Long); err != nil {
			return nil, err
		}
		if ms.ShortToken, err = parseKey(field+".short", m.Short); err != nil {
			return nil, err
		}
		for k, v := range m.Config {
			d, err := decimal.NewFromString(strings.TrimSpace(v))
			if err != nil {
				return nil, fmt.Errorf("%s.config.%s: %w", field, k, err)
			}
			ms.Config[k] = d
		}
		out.Markets = append(out.Markets, ms)
	}
	return out, nil
}

// ParseUnitPrice converts a human USD price per whole token, such as
// "142.5", into a unit price for a token with the given decimals.
func ParseUnitPrice(raw string, tokenDecimals, precision uint8) (num.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return num.Decimal{}, err
	}
	if d.Sign() <= 0 {
		return num.Decimal{}, fmt.Errorf("%w: price must be positive", num.ErrInvalidPrice)
	}
	scaled := d.Shift(seedPriceDecimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return num.Decimal{}, fmt.Errorf("%w: %s has more than %d decimals", num.ErrInvalidPrice, raw, seedPriceDecimals)
	}
	return num.DecimalFromPrice(uint64(scaled.IntPart()), seedPriceDecimals, tokenDecimals, precision)
}

// parseFactor reads a human decimal as a 20 decimal factor. Empty means
// zero.
func parseFactor(field, raw string) (num.Num, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return num.Zero, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return num.Zero, fmt.Errorf("%s: %w", field, err)
	}
	if d.Sign() < 0 {
		return num.Zero, fmt.Errorf("%s: must not be negative", field)
	}
	n, err := num.Parse(d.Shift(num.MaxDecimals).Truncate(0).String())
	if err != nil {
		return num.Zero, fmt.Errorf("%s: %w", field, err)
	}
	return n, nil
}

func parseKey(field, raw string) (solana.PublicKey, error) {
	pk, err := solana.PublicKeyFromBase58(strings.TrimSpace(raw))
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("%s: %w", field, err)
	}
	return pk, nil
}
