package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Strob0t/ForgeSync/internal/port/bulk"
	"github.com/Strob0t/ForgeSync/internal/port/cache"
)

// SnapshotService serves full summary snapshots for client resync. Responses
// are cached pre-marshaled for a short TTL, and concurrent misses for the
// same scope collapse onto one database read, so a reconnect storm after a
// server restart costs one query per distinct scope.
type SnapshotService struct {
	source bulk.Source
	cache  cache.Cache
	ttl    time.Duration
	group  singleflight.Group
}

// NewSnapshotService creates a snapshot service over source, caching
// responses for ttl.
func NewSnapshotService(source bulk.Source, c cache.Cache, ttl time.Duration) *SnapshotService {
	return &SnapshotService{source: source, cache: c, ttl: ttl}
}

// Fetch returns the marshaled snapshot for scope, from cache when fresh.
func (s *SnapshotService) Fetch(ctx context.Context, scope bulk.Scope) ([]byte, error) {
	key := scope.CacheKey()

	if data, ok, err := s.cache.Get(ctx, key); err == nil && ok {
		return data, nil
	}

	v, err, shared := s.group.Do(key, func() (any, error) {
		return s.build(ctx, scope, key)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		slog.Debug("snapshot request coalesced", "cache_key", key)
	}
	return v.([]byte), nil
}

func (s *SnapshotService) build(ctx context.Context, scope bulk.Scope, key string) ([]byte, error) {
	snap, err := s.source.Snapshot(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("build snapshot %s: %w", key, err)
	}
	snap.CacheKey = key

	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot %s: %w", key, err)
	}

	if err := s.cache.Set(ctx, key, data, s.ttl); err != nil {
		slog.Warn("snapshot cache store failed", "cache_key", key, "error", err)
	}
	return data, nil
}
