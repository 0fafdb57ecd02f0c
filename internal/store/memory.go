package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/atmx/perp-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]model.Account
	events   []model.Event
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]model.Account),
	}
}

func cloneAccount(a model.Account) model.Account {
	a.Data = append([]byte(nil), a.Data...)
	return a
}

func (s *MemoryStore) ApplyAccounts(_ context.Context, put []model.Account, deleted []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range put {
		if a.Address == "" {
			return fmt.Errorf("account of kind %s without address", a.Kind)
		}
	}
	for _, a := range put {
		s.accounts[a.Address] = cloneAccount(a)
	}
	for _, addr := range deleted {
		delete(s.accounts, addr)
	}
	return nil
}

func (s *MemoryStore) GetAccount(_ context.Context, address string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[address]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", address, ErrNotFound)
	}
	out := cloneAccount(a)
	return &out, nil
}

func (s *MemoryStore) ListAccounts(_ context.Context, kind string) ([]model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Account
	for _, a := range s.accounts {
		if kind == "" || a.Kind == kind {
			out = append(out, cloneAccount(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out, nil
}

func (s *MemoryStore) InsertEvent(_ context.Context, e *model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.events {
		if existing.ID == e.ID {
			return fmt.Errorf("event %s already exists", e.ID)
		}
	}
	s.events = append(s.events, *e)
	return nil
}

func (s *MemoryStore) ListEvents(_ context.Context, f EventFilter) ([]model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Event
	for i := len(s.events) - 1; i >= 0; i-- {
		e := s.events[i]
		if !f.match(&e) {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}
