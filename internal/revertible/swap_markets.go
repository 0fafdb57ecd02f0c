package revertible

import (
	"fmt"

	"github.com/gagliardetto/solana-go"

	"github.com/atmx/perp-engine/internal/market"
)

// InventoryLoader resolves a virtual inventory account by address.
type InventoryLoader func(address solana.PublicKey) (*market.VirtualInventory, error)

// SwapMarkets holds one wrapper per market of an action: the markets of
// its swap paths plus the current market. Wrappers are committed in the
// order they were first mutated.
type SwapMarkets struct {
	load    InventoryLoader
	markets map[solana.PublicKey]*Market
	vis     map[solana.PublicKey]*VirtualInventory
	viOrder []*VirtualInventory
	order   []*Market
	current *Market
}

// NewSwapMarkets returns an empty set. load may be nil when no market
// links a virtual inventory.
func NewSwapMarkets(load InventoryLoader) *SwapMarkets {
	return &SwapMarkets{
		load:    load,
		markets: make(map[solana.PublicKey]*Market),
		vis:     make(map[solana.PublicKey]*VirtualInventory),
	}
}

// Add wraps base and links its virtual inventories.
func (s *SwapMarkets) Add(base *market.Market) (*Market, error) {
	token := base.MetaInfo.MarketToken
	if _, ok := s.markets[token]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateMarket, token)
	}
	m := New(base)
	for _, kind := range []market.VirtualInventoryKind{market.VirtualInventoryForSwaps, market.VirtualInventoryForPositions} {
		key := base.VirtualInventoryKey(kind)
		if key.IsZero() {
			continue
		}
		vi, err := s.inventory(key)
		if err != nil {
			return nil, err
		}
		if err := m.Link(kind, vi); err != nil {
			return nil, err
		}
	}
	m.onMutate = s.recordMutation
	s.markets[token] = m
	return m, nil
}

// SetCurrent adds base if needed and marks it as the action's own market.
func (s *SwapMarkets) SetCurrent(base *market.Market) (*Market, error) {
	m, ok := s.markets[base.MetaInfo.MarketToken]
	if !ok {
		var err error
		if m, err = s.Add(base); err != nil {
			return nil, err
		}
	}
	s.current = m
	return m, nil
}

// Current returns the action's own market, if set.
func (s *SwapMarkets) Current() *Market { return s.current }

// Get returns the wrapper of a market token.
func (s *SwapMarkets) Get(token solana.PublicKey) (*Market, bool) {
	m, ok := s.markets[token]
	return m, ok
}

// Len returns the number of wrapped markets.
func (s *SwapMarkets) Len() int { return len(s.markets) }

// MutationOrder returns the market tokens in first-mutation order.
func (s *SwapMarkets) MutationOrder() []solana.PublicKey {
	out := make([]solana.PublicKey, len(s.order))
	for i, m := range s.order {
		out[i] = m.MarketToken()
	}
	return out
}

func (s *SwapMarkets) inventory(key solana.PublicKey) (*VirtualInventory, error) {
	if vi, ok := s.vis[key]; ok {
		return vi, nil
	}
	if s.load == nil {
		return nil, fmt.Errorf("%w: %s", ErrMissingVirtualInventory, key)
	}
	base, err := s.load(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMissingVirtualInventory, key, err)
	}
	vi := NewVirtualInventory(base)
	s.vis[key] = vi
	s.viOrder = append(s.viOrder, vi)
	return vi, nil
}

func (s *SwapMarkets) recordMutation(m *Market) {
	s.order = append(s.order, m)
}

// Commit writes every mutated market through in first-mutation order,
// then the shared inventories.
func (s *SwapMarkets) Commit() error {
	for _, m := range s.order {
		if err := m.Commit(); err != nil {
			return err
		}
	}
	for _, vi := range s.viOrder {
		if err := vi.Commit(); err != nil {
			return err
		}
	}
	s.order = s.order[:0]
	return nil
}

// Discard drops every staged write.
func (s *SwapMarkets) Discard() {
	for _, m := range s.markets {
		m.Discard()
	}
	for _, vi := range s.viOrder {
		vi.Discard()
	}
	s.order = s.order[:0]
}
