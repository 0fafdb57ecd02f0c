// Package oracle validates feed prices and holds them for the duration of
// one action execution.
package oracle

import (
	"context"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"

	"github.com/atmx/perp-engine/internal/market"
	"github.com/atmx/perp-engine/internal/num"
)

var (
	ErrFeedNotFound          = errors.New("oracle: price feed not found")
	ErrPriceNotFound         = errors.New("oracle: price not set")
	ErrStalePrice            = errors.New("oracle: stale price")
	ErrFuturePrice           = errors.New("oracle: price timestamp in the future")
	ErrPriceOutOfRange       = errors.New("oracle: price out of range")
	ErrProviderMismatch      = errors.New("oracle: provider mismatch")
	ErrTimestampRangeTooWide = errors.New("oracle: timestamp range too wide")
	ErrNotCleared            = errors.New("oracle: not cleared")
	ErrTokenDisabled         = errors.New("oracle: token disabled")
	ErrInvalidTokenConfig    = errors.New("oracle: invalid token config")
	ErrInvalidFeedAccount    = errors.New("oracle: invalid feed account")
)

// FeedPrice is a provider report converted to unit price decimals.
type FeedPrice struct {
	Provider ProviderKind
	Slot     uint64
	Ts       int64
	Min      num.Decimal
	Max      num.Decimal
	Ref      *num.Decimal
}

// FeedAdapter fetches the latest report of a feed.
type FeedAdapter interface {
	Fetch(ctx context.Context, token solana.PublicKey, cfg TokenConfig, feed FeedConfig) (FeedPrice, error)
}

// Config bounds accepted reports.
type Config struct {
	// MaxAge is added to a token's heartbeat to get the oldest accepted
	// report, in seconds.
	MaxAge int64 `json:"max_age" yaml:"max_age"`
	// FutureTolerance is how far ahead of now a report may be stamped.
	FutureTolerance int64 `json:"future_tolerance" yaml:"future_tolerance"`
	// MaxTimestampRange bounds max_ts - min_ts across one SetPrices call.
	MaxTimestampRange int64 `json:"max_timestamp_range" yaml:"max_timestamp_range"`
}

// DefaultConfig returns the bounds used when none are configured.
func DefaultConfig() Config {
	return Config{MaxAge: 60, FutureTolerance: 5, MaxTimestampRange: 300}
}

// Request asks for the price of one token.
type Request struct {
	Token  solana.PublicKey
	Config TokenConfig
}

// Oracle is a per-execution price buffer. A zero Oracle is cleared.
type Oracle struct {
	prices  map[solana.PublicKey]num.Price
	minTs   int64
	maxTs   int64
	minSlot uint64
	dirty   bool
}

// New returns a cleared oracle.
func New() *Oracle { return &Oracle{} }

// Cleared reports whether the buffer is empty and reusable.
func (o *Oracle) Cleared() bool { return !o.dirty }

// MinOracleTs returns the earliest report timestamp in the buffer.
func (o *Oracle) MinOracleTs() int64 { return o.minTs }

// MaxOracleTs returns the latest report timestamp in the buffer.
func (o *Oracle) MaxOracleTs() int64 { return o.maxTs }

// MinOracleSlot returns the earliest report slot in the buffer.
func (o *Oracle) MinOracleSlot() uint64 { return o.minSlot }

// Clear empties the buffer.
func (o *Oracle) Clear() {
	o.prices = nil
	o.minTs, o.maxTs, o.minSlot = 0, 0, 0
	o.dirty = false
}

// Get returns the validated price of token.
func (o *Oracle) Get(token solana.PublicKey) (num.Price, error) {
	p, ok := o.prices[token]
	if !ok {
		return num.Price{}, fmt.Errorf("%w: %s", ErrPriceNotFound, token)
	}
	return p, nil
}

// MarketPrices returns the index, long and short prices of a market.
func (o *Oracle) MarketPrices(meta market.Meta) (market.Prices, error) {
	var (
		out market.Prices
		err error
	)
	if out.IndexToken, err = o.Get(meta.IndexToken); err != nil {
		return out, err
	}
	if out.LongToken, err = o.Get(meta.LongToken); err != nil {
		return out, err
	}
	if out.ShortToken, err = o.Get(meta.ShortToken); err != nil {
		return out, err
	}
	return out, nil
}

// SetPrices fetches, validates and stores the price of every requested
// token. The buffer must be cleared first; on any failure it is cleared
// again so no partial result is visible.
func (o *Oracle) SetPrices(ctx context.Context, cfg Config, now int64, adapters map[ProviderKind]FeedAdapter, reqs []Request) error {
	if o.dirty {
		return ErrNotCleared
	}
	if err := o.setPrices(ctx, cfg, now, adapters, reqs); err != nil {
		o.Clear()
		return err
	}
	return nil
}

func (o *Oracle) setPrices(ctx context.Context, cfg Config, now int64, adapters map[ProviderKind]FeedAdapter, reqs []Request) error {
	o.prices = make(map[solana.PublicKey]num.Price, len(reqs))
	o.dirty = true
	first := true
	for _, req := range reqs {
		if _, seen := o.prices[req.Token]; seen {
			continue
		}
		report, price, err := fetchPrice(ctx, cfg, now, adapters, req)
		if err != nil {
			return fmt.Errorf("token %s: %w", req.Token, err)
		}
		if first {
			o.minTs, o.maxTs, o.minSlot = report.Ts, report.Ts, report.Slot
			first = false
		} else {
			o.minTs = min(o.minTs, report.Ts)
			o.maxTs = max(o.maxTs, report.Ts)
			o.minSlot = min(o.minSlot, report.Slot)
		}
		o.prices[req.Token] = price
	}
	if o.maxTs-o.minTs > cfg.MaxTimestampRange {
		return fmt.Errorf("%w: [%d, %d] exceeds %d", ErrTimestampRangeTooWide, o.minTs, o.maxTs, cfg.MaxTimestampRange)
	}
	return nil
}

func fetchPrice(ctx context.Context, cfg Config, now int64, adapters map[ProviderKind]FeedAdapter, req Request) (FeedPrice, num.Price, error) {
	tc := req.Config
	if !tc.Enabled {
		return FeedPrice{}, num.Price{}, ErrTokenDisabled
	}
	feed, err := tc.Feed()
	if err != nil {
		return FeedPrice{}, num.Price{}, err
	}
	adapter, ok := adapters[tc.ExpectedProvider]
	if !ok {
		return FeedPrice{}, num.Price{}, fmt.Errorf("%w: no %s adapter", ErrFeedNotFound, tc.ExpectedProvider)
	}
	report, err := adapter.Fetch(ctx, req.Token, tc, feed)
	if err != nil {
		return FeedPrice{}, num.Price{}, err
	}
	report.Ts += int64(feed.TimestampAdjustment)
	price, err := Validate(cfg, now, tc, feed, report)
	if err != nil {
		return FeedPrice{}, num.Price{}, err
	}
	return report, price, nil
}

// Validate checks one report against its token and feed config and returns
// the accepted price.
func Validate(cfg Config, now int64, tc TokenConfig, feed FeedConfig, report FeedPrice) (num.Price, error) {
	if report.Provider != tc.ExpectedProvider {
		return num.Price{}, fmt.Errorf("%w: got %s, want %s", ErrProviderMismatch, report.Provider, tc.ExpectedProvider)
	}
	if oldest := now - int64(tc.Heartbeat) - cfg.MaxAge; report.Ts < oldest {
		return num.Price{}, fmt.Errorf("%w: ts %d before %d", ErrStalePrice, report.Ts, oldest)
	}
	if latest := now + cfg.FutureTolerance; report.Ts > latest {
		return num.Price{}, fmt.Errorf("%w: ts %d after %d", ErrFuturePrice, report.Ts, latest)
	}

	minPrice, err := report.Min.ToUnitPrice()
	if err != nil {
		return num.Price{}, err
	}
	maxPrice, err := report.Max.ToUnitPrice()
	if err != nil {
		return num.Price{}, err
	}
	price, err := num.NewPrice(minPrice, maxPrice)
	if err != nil {
		return num.Price{}, err
	}
	if price.Min.IsZero() {
		return num.Price{}, fmt.Errorf("%w: zero price", ErrPriceOutOfRange)
	}

	if report.Ref != nil && !feed.MaxDeviationFactor.IsZero() {
		ref, err := report.Ref.ToUnitPrice()
		if err != nil {
			return num.Price{}, err
		}
		if price, err = checkDeviation(price, ref, feed.MaxDeviationFactor, tc.AllowPriceAdjustment); err != nil {
			return num.Price{}, err
		}
	}

	if !tc.MaxSpreadFactor.IsZero() {
		spread := price.Max.SaturatingSub(price.Min)
		limit, err := num.ApplyFactor(price.Mid(), tc.MaxSpreadFactor)
		if err != nil {
			return num.Price{}, err
		}
		if spread.Gt(limit) {
			return num.Price{}, fmt.Errorf("%w: spread %s above %s", ErrPriceOutOfRange, spread, limit)
		}
	}
	return price, nil
}

// checkDeviation keeps both bounds within ref * (1 +/- factor), clamping
// when adjustment is allowed.
func checkDeviation(price num.Price, ref, factor num.Num, adjust bool) (num.Price, error) {
	band, err := num.ApplyFactor(ref, factor)
	if err != nil {
		return num.Price{}, err
	}
	lo := ref.SaturatingSub(band)
	hi, err := ref.Add(band)
	if err != nil {
		return num.Price{}, err
	}
	if price.Min.Gte(lo) && price.Max.Lte(hi) {
		return price, nil
	}
	if !adjust {
		return num.Price{}, fmt.Errorf("%w: [%s, %s] outside [%s, %s]", ErrPriceOutOfRange, price.Min, price.Max, lo, hi)
	}
	clamp := func(p num.Num) num.Num { return num.Min(num.Max(p, lo), hi) }
	return num.NewPrice(clamp(price.Min), clamp(price.Max))
}
