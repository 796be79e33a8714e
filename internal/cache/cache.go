// Package cache provides caching implementations for Kite.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/ticketmesh/kite/internal/domain"
)

// Cache is the caching interface shared by the facts layer (market data reads)
// and the gateway rate limiter (windowed counters).
type Cache interface {
	// Get retrieves a value. Returns nil, nil if the key is not present.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value with expiration.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a value.
	Delete(ctx context.Context, key string) error

	// IncrementCounter atomically increments a fixed-window counter and
	// returns the new count together with the window's reset time. The first
	// increment after a window elapses starts a fresh window at 1.
	IncrementCounter(ctx context.Context, key string, window time.Duration) (int64, time.Time, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// New creates a cache based on configuration.
func New(cfg domain.CacheConfig) (Cache, error) {
	switch cfg.Type {
	case "memory":
		return NewLRUCache(cfg.LocalMaxSize), nil

	case "redis":
		return NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)

	default:
		return nil, fmt.Errorf("unsupported cache type: %s", cfg.Type)
	}
}
