package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/gamma-engine/internal/metrics"
	"github.com/atmx/gamma-engine/internal/model"
)

// DefaultCacheTTL bounds how stale a cached chain may be.
const DefaultCacheTTL = 30 * time.Second

// CachedSource wraps a primary Fetcher with a Redis read-through cache.
// Reads check Redis first then fall back to the primary; Redis failures
// degrade to uncached reads.
type CachedSource struct {
	primary Fetcher
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedSource creates a cached wrapper around a primary source.
func NewCachedSource(primary Fetcher, rdb *redis.Client, ttl time.Duration) *CachedSource {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &CachedSource{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// FetchChain implements Fetcher.
func (s *CachedSource) FetchChain(ctx context.Context, sym string) (*model.ChainSnapshot, error) {
	sym = strings.ToUpper(sym)

	// Try cache.
	data, err := s.rdb.Get(ctx, chainKey(sym)).Bytes()
	switch {
	case err == nil:
		var snap model.ChainSnapshot
		if json.Unmarshal(data, &snap) == nil {
			metrics.CacheLookups.WithLabelValues("hit").Inc()
			return &snap, nil
		}
		metrics.CacheLookups.WithLabelValues("error").Inc()
	case errors.Is(err, redis.Nil):
		metrics.CacheLookups.WithLabelValues("miss").Inc()
	default:
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		metrics.CacheLookups.WithLabelValues("error").Inc()
		slog.Warn("chain cache read failed", "symbol", sym, "err", err)
	}

	// Cache miss: read from primary.
	snap, err := s.primary.FetchChain(ctx, sym)
	if err != nil {
		return nil, err
	}

	s.cacheChain(ctx, sym, snap)
	return snap, nil
}

// Invalidate drops the cached chain so the next read hits the primary.
func (s *CachedSource) Invalidate(ctx context.Context, sym string) error {
	if err := s.rdb.Del(ctx, chainKey(strings.ToUpper(sym))).Err(); err != nil {
		return fmt.Errorf("invalidate %s: %w", sym, err)
	}
	return nil
}

// --- Cache helpers ---

func (s *CachedSource) cacheChain(ctx context.Context, sym string, snap *model.ChainSnapshot) {
	data, err := json.Marshal(snap)
	if err != nil {
		return
	}
	if err := s.rdb.Set(ctx, chainKey(sym), data, s.ttl).Err(); err != nil {
		slog.Debug("chain cache write failed", "symbol", sym, "err", err)
	}
}

func chainKey(sym string) string { return fmt.Sprintf("chain:v2:%s", sym) }
