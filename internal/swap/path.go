package swap

import (
	"fmt"

	"github.com/gagliardetto/solana-go"

	"github.com/atmx/perp-engine/internal/market"
	"github.com/atmx/perp-engine/internal/num"
	"github.com/atmx/perp-engine/internal/revertible"
)

// MaxPathLength bounds the number of markets in one swap path.
const MaxPathLength = 10

// PriceSource returns the prices of a market's tokens.
type PriceSource interface {
	MarketPrices(meta market.Meta) (market.Prices, error)
}

// PathParams describes a multi-hop swap.
type PathParams struct {
	Path     []solana.PublicKey
	TokenIn  solana.PublicKey
	AmountIn num.Num
	TokenOut solana.PublicKey
}

// PathResult is the outcome of a multi-hop swap.
type PathResult struct {
	TokenOut  solana.PublicKey `json:"token_out"`
	AmountOut num.Num          `json:"amount_out"`
	Hops      []Hop            `json:"hops"`
}

// ValidatePath checks length and market uniqueness.
func ValidatePath(path []solana.PublicKey) error {
	if len(path) > MaxPathLength {
		return fmt.Errorf("%w: %d markets, max %d", ErrPathTooLong, len(path), MaxPathLength)
	}
	seen := make(map[solana.PublicKey]struct{}, len(path))
	for _, token := range path {
		if _, dup := seen[token]; dup {
			return fmt.Errorf("%w: market %s appears twice", ErrInvalidSwapPath, token)
		}
		seen[token] = struct{}{}
	}
	return nil
}

// Execute swaps along p.Path using the wrappers in markets. The current
// market of markets may only be the first or the last hop. Every write is
// staged in markets; the caller commits or discards them.
func Execute(markets *revertible.SwapMarkets, prices PriceSource, balances market.Balances, p PathParams) (PathResult, error) {
	result := PathResult{TokenOut: p.TokenOut, AmountOut: num.Zero}
	if err := ValidatePath(p.Path); err != nil {
		return result, err
	}
	hops, err := resolve(markets, p)
	if err != nil {
		return result, err
	}
	if p.AmountIn.IsZero() {
		return result, nil
	}

	token, amount := p.TokenIn, p.AmountIn
	for i, m := range hops {
		mp, err := prices.MarketPrices(m.Meta())
		if err != nil {
			return result, err
		}
		hop, err := Swap(m, mp, token, amount)
		if err != nil {
			return result, fmt.Errorf("hop %d (%s): %w", i, m.MarketToken(), err)
		}
		var excluded []market.Exclusion
		if i == len(hops)-1 {
			excluded = append(excluded, market.Exclusion{Token: hop.TokenOut, Amount: hop.AmountOut})
		}
		if err := market.ValidateBalances(m, balances, excluded...); err != nil {
			return result, fmt.Errorf("hop %d (%s): %w", i, m.MarketToken(), err)
		}
		result.Hops = append(result.Hops, hop)
		token, amount = hop.TokenOut, hop.AmountOut
	}
	result.AmountOut = amount
	return result, nil
}

// resolve looks up every hop's wrapper and checks that tokens flow
// through the path into p.TokenOut.
func resolve(markets *revertible.SwapMarkets, p PathParams) ([]*revertible.Market, error) {
	current := markets.Current()
	hops := make([]*revertible.Market, 0, len(p.Path))
	token := p.TokenIn
	for i, key := range p.Path {
		m, ok := markets.Get(key)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingMarket, key)
		}
		if current != nil && m == current && i != 0 && i != len(p.Path)-1 {
			return nil, fmt.Errorf("%w: current market %s in the middle of the path", ErrInvalidSwapPath, key)
		}
		if !m.Flags().Enabled {
			return nil, fmt.Errorf("%w: %s", market.ErrDisabled, key)
		}
		meta := m.Meta()
		if meta.IsPure() {
			return nil, fmt.Errorf("%w: %s", ErrPureMarket, key)
		}
		next, err := meta.OppositeToken(token)
		if err != nil {
			return nil, fmt.Errorf("%w: hop %d: %v", ErrInvalidSwapPath, i, err)
		}
		token = next
		hops = append(hops, m)
	}
	if !token.Equals(p.TokenOut) {
		return nil, fmt.Errorf("%w: path ends in %s, want %s", ErrInvalidSwapPath, token, p.TokenOut)
	}
	return hops, nil
}
