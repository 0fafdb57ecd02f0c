package oracle

import (
	"fmt"
	"strings"

	"github.com/gagliardetto/solana-go"

	"github.com/atmx/perp-engine/internal/num"
)

// ProviderKind identifies a price provider.
type ProviderKind uint8

const (
	ProviderPyth ProviderKind = iota
	ProviderChainlinkDataStreams
	ProviderSwitchboard
	// ProviderStatic is a keeper-posted price.
	ProviderStatic
	NumProviders
)

var providerNames = [NumProviders]string{
	"pyth",
	"chainlink_data_streams",
	"switchboard",
	"static",
}

func (k ProviderKind) String() string {
	if k < NumProviders {
		return providerNames[k]
	}
	return fmt.Sprintf("provider(%d)", uint8(k))
}

// ParseProviderKind resolves a provider by name.
func ParseProviderKind(s string) (ProviderKind, error) {
	for i, name := range providerNames {
		if strings.EqualFold(name, s) {
			return ProviderKind(i), nil
		}
	}
	return 0, fmt.Errorf("%w: unknown provider %q", ErrProviderMismatch, s)
}

func (k ProviderKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *ProviderKind) UnmarshalText(b []byte) error {
	v, err := ParseProviderKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// FeedConfig locates the feed of one provider for a token.
type FeedConfig struct {
	// FeedID is the price account for account-based providers, or the
	// provider's feed id encoded as a public key.
	FeedID solana.PublicKey `json:"feed_id" yaml:"feed_id"`
	// MaxDeviationFactor bounds min and max around the reference price.
	// Zero disables the check.
	MaxDeviationFactor num.Num `json:"max_deviation_factor" yaml:"max_deviation_factor"`
	// TimestampAdjustment is added to the reported publish time.
	TimestampAdjustment uint32 `json:"timestamp_adjustment" yaml:"timestamp_adjustment"`
}

// TokenConfig describes how a token is priced.
type TokenConfig struct {
	Name             string                      `json:"name" yaml:"name"`
	Enabled          bool                        `json:"enabled" yaml:"enabled"`
	Synthetic        bool                        `json:"synthetic" yaml:"synthetic"`
	Decimals         uint8                       `json:"decimals" yaml:"decimals"`
	Precision        uint8                       `json:"precision" yaml:"precision"`
	Heartbeat        uint32                      `json:"heartbeat" yaml:"heartbeat"`
	ExpectedProvider ProviderKind                `json:"expected_provider" yaml:"expected_provider"`
	Feeds            map[ProviderKind]FeedConfig `json:"feeds" yaml:"feeds"`
	// AllowPriceAdjustment lets out of band prices be clamped to the
	// deviation band instead of rejected.
	AllowPriceAdjustment bool `json:"allow_price_adjustment" yaml:"allow_price_adjustment"`
	// MaxSpreadFactor bounds max - min relative to mid. Zero disables.
	MaxSpreadFactor num.Num `json:"max_spread_factor" yaml:"max_spread_factor"`
}

// Validate checks decimals and that the expected provider has a feed.
func (c TokenConfig) Validate() error {
	if int(c.Decimals)+int(c.Precision) > num.MaxDecimals {
		return fmt.Errorf("%w: decimals %d + precision %d", ErrInvalidTokenConfig, c.Decimals, c.Precision)
	}
	if _, ok := c.Feeds[c.ExpectedProvider]; !ok {
		return fmt.Errorf("%w: no %s feed", ErrInvalidTokenConfig, c.ExpectedProvider)
	}
	return nil
}

// Feed returns the feed config of the expected provider.
func (c TokenConfig) Feed() (FeedConfig, error) {
	f, ok := c.Feeds[c.ExpectedProvider]
	if !ok {
		return FeedConfig{}, fmt.Errorf("%w: %s", ErrFeedNotFound, c.ExpectedProvider)
	}
	return f, nil
}
