package action

import (
	"fmt"

	"github.com/gagliardetto/solana-go"

	"github.com/atmx/perp-engine/internal/market"
	"github.com/atmx/perp-engine/internal/swap"
)

// MaxTokens bounds the distinct tokens one action may touch: both
// tokens of every path market plus the three endpoint tokens.
const MaxTokens = 2*swap.MaxPathLength + 3

// SwapParams are the swap paths of an action, as market token addresses.
// Deposits swap their initial long and short tokens along the primary and
// secondary paths; withdrawals and decreases swap their outputs.
type SwapParams struct {
	PrimaryPath   []solana.PublicKey `json:"primary_path"`
	SecondaryPath []solana.PublicKey `json:"secondary_path"`
}

// MetaLookup resolves a market token into its meta.
type MetaLookup func(marketToken solana.PublicKey) (market.Meta, error)

// Markets returns the distinct markets of both paths in order.
func (p SwapParams) Markets() []solana.PublicKey {
	seen := make(map[solana.PublicKey]struct{})
	var out []solana.PublicKey
	for _, path := range [][]solana.PublicKey{p.PrimaryPath, p.SecondaryPath} {
		for _, m := range path {
			if _, ok := seen[m]; ok {
				continue
			}
			seen[m] = struct{}{}
			out = append(out, m)
		}
	}
	return out
}

// Validate checks each path and the number of distinct tokens involved.
func (p SwapParams) Validate(lookup MetaLookup, endpoints ...solana.PublicKey) error {
	if err := swap.ValidatePath(p.PrimaryPath); err != nil {
		return fmt.Errorf("primary path: %w", err)
	}
	if err := swap.ValidatePath(p.SecondaryPath); err != nil {
		return fmt.Errorf("secondary path: %w", err)
	}
	tokens, err := p.Tokens(lookup, endpoints...)
	if err != nil {
		return err
	}
	if len(tokens) > MaxTokens {
		return fmt.Errorf("%w: %d > %d", ErrTooManyTokens, len(tokens), MaxTokens)
	}
	return nil
}

// Tokens returns the distinct tokens touched by the paths and the given
// endpoint tokens.
func (p SwapParams) Tokens(lookup MetaLookup, endpoints ...solana.PublicKey) ([]solana.PublicKey, error) {
	seen := make(map[solana.PublicKey]struct{})
	var out []solana.PublicKey
	add := func(t solana.PublicKey) {
		if t.IsZero() {
			return
		}
		if _, ok := seen[t]; !ok {
			seen[t] = struct{}{}
			out = append(out, t)
		}
	}
	for _, t := range endpoints {
		add(t)
	}
	for _, m := range p.Markets() {
		meta, err := lookup(m)
		if err != nil {
			return nil, err
		}
		add(meta.LongToken)
		add(meta.ShortToken)
	}
	return out, nil
}
