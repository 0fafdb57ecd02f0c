package oracle

import (
	"context"
	"fmt"
	"sync"

	"github.com/gagliardetto/solana-go"
)

// StaticAdapter serves prices posted by a trusted keeper.
type StaticAdapter struct {
	mu     sync.RWMutex
	prices map[solana.PublicKey]FeedPrice
}

// NewStaticAdapter returns an empty adapter.
func NewStaticAdapter() *StaticAdapter {
	return &StaticAdapter{prices: make(map[solana.PublicKey]FeedPrice)}
}

// Set posts the latest report for token.
func (a *StaticAdapter) Set(token solana.PublicKey, p FeedPrice) {
	p.Provider = ProviderStatic
	a.mu.Lock()
	a.prices[token] = p
	a.mu.Unlock()
}

// Fetch returns the last posted report.
func (a *StaticAdapter) Fetch(_ context.Context, token solana.PublicKey, _ TokenConfig, _ FeedConfig) (FeedPrice, error) {
	a.mu.RLock()
	p, ok := a.prices[token]
	a.mu.RUnlock()
	if !ok {
		return FeedPrice{}, fmt.Errorf("%w: no static price for %s", ErrFeedNotFound, token)
	}
	return p, nil
}

// Snapshot returns a copy of all posted reports.
func (a *StaticAdapter) Snapshot() map[solana.PublicKey]FeedPrice {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[solana.PublicKey]FeedPrice, len(a.prices))
	for k, v := range a.prices {
		out[k] = v
	}
	return out
}
