package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// CachedBackend wraps a primary Backend (PostgreSQL) with a Redis
// read-through cache. Writes go to the primary first and then refresh the
// cached copy; reads check Redis first then fall back to the primary.
type CachedBackend struct {
	primary Backend
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedBackend creates a cached wrapper around a primary backend.
func NewCachedBackend(primary Backend, rdb *redis.Client, ttl time.Duration) *CachedBackend {
	return &CachedBackend{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

func (s *CachedBackend) Load(ctx context.Context, kind, id string) ([]byte, error) {
	// Try cache.
	data, err := s.rdb.Get(ctx, documentKey(kind, id)).Bytes()
	if err == nil {
		return data, nil
	}
	if !errors.Is(err, redis.Nil) {
		slog.Warn("cache read failed", "kind", kind, "id", id, "err", err)
	}

	// Cache miss: read from primary.
	data, err = s.primary.Load(ctx, kind, id)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, kind, id, data)
	return data, nil
}

func (s *CachedBackend) Save(ctx context.Context, kind, id string, data []byte) error {
	if err := s.primary.Save(ctx, kind, id, data); err != nil {
		return err
	}
	s.cache(ctx, kind, id, data)
	return nil
}

func (s *CachedBackend) Delete(ctx context.Context, kind, id string) error {
	if err := s.primary.Delete(ctx, kind, id); err != nil {
		return err
	}
	if err := s.rdb.Del(ctx, documentKey(kind, id)).Err(); err != nil {
		slog.Warn("cache delete failed", "kind", kind, "id", id, "err", err)
	}
	return nil
}

// List is not cached.
func (s *CachedBackend) List(ctx context.Context, kind, prefix string) ([][]byte, error) {
	return s.primary.List(ctx, kind, prefix)
}

func (s *CachedBackend) cache(ctx context.Context, kind, id string, data []byte) {
	if err := s.rdb.Set(ctx, documentKey(kind, id), data, s.ttl).Err(); err != nil {
		// A stale entry must not outlive a failed refresh.
		s.rdb.Del(ctx, documentKey(kind, id))
	}
}

func documentKey(kind, id string) string { return fmt.Sprintf("%s:%s", kind, id) }
