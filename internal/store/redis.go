package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/perp-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and refresh the cache; reads
// check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, refresh cache) ---

func (s *CachedStore) ApplyAccounts(ctx context.Context, put []model.Account, deleted []string) error {
	if err := s.primary.ApplyAccounts(ctx, put, deleted); err != nil {
		return err
	}
	for i := range put {
		s.cacheAccount(ctx, &put[i])
	}
	if len(deleted) > 0 {
		keys := make([]string, len(deleted))
		for i, addr := range deleted {
			keys[i] = accountKey(addr)
		}
		s.rdb.Del(ctx, keys...)
	}
	// A deleted account may belong to any kind, so every list goes stale.
	if len(deleted) > 0 {
		s.dropLists(ctx)
		return nil
	}
	keys := []string{listKey("")}
	seen := make(map[string]bool)
	for _, a := range put {
		if !seen[a.Kind] {
			seen[a.Kind] = true
			keys = append(keys, listKey(a.Kind))
		}
	}
	if len(put) > 0 {
		s.rdb.Del(ctx, keys...)
	}
	return nil
}

func (s *CachedStore) InsertEvent(ctx context.Context, e *model.Event) error {
	return s.primary.InsertEvent(ctx, e)
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetAccount(ctx context.Context, address string) (*model.Account, error) {
	data, err := s.rdb.Get(ctx, accountKey(address)).Bytes()
	if err == nil {
		var a model.Account
		if json.Unmarshal(data, &a) == nil {
			return &a, nil
		}
	}

	a, err := s.primary.GetAccount(ctx, address)
	if err != nil {
		return nil, err
	}
	s.cacheAccount(ctx, a)
	return a, nil
}

func (s *CachedStore) ListAccounts(ctx context.Context, kind string) ([]model.Account, error) {
	data, err := s.rdb.Get(ctx, listKey(kind)).Bytes()
	if err == nil {
		var accounts []model.Account
		if json.Unmarshal(data, &accounts) == nil {
			return accounts, nil
		}
	}

	accounts, err := s.primary.ListAccounts(ctx, kind)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(accounts); err == nil {
		s.rdb.Set(ctx, listKey(kind), data, s.ttl)
	}
	return accounts, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListEvents(ctx context.Context, f EventFilter) ([]model.Event, error) {
	return s.primary.ListEvents(ctx, f)
}

// --- Cache helpers ---

func (s *CachedStore) cacheAccount(ctx context.Context, a *model.Account) {
	if data, err := json.Marshal(a); err == nil {
		s.rdb.Set(ctx, accountKey(a.Address), data, s.ttl)
	}
}

func (s *CachedStore) dropLists(ctx context.Context) {
	iter := s.rdb.Scan(ctx, 0, "accounts:*", 100).Iterator()
	for iter.Next(ctx) {
		s.rdb.Del(ctx, iter.Val())
	}
}

func accountKey(addr string) string { return fmt.Sprintf("account:%s", addr) }
func listKey(kind string) string    { return fmt.Sprintf("accounts:%s", kind) }
