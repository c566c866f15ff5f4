// Package cache implements the advisory keyed cache invalidation hook
// described in §4.7: every committed write to a resource or its
// reservations invalidates resources:* and dashboard:* keys. The cache
// itself is never a source of truth; failures here are logged and
// swallowed, never surfaced to the caller's transaction.
package cache

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// Invalidator is the seam components depend on, so tests can substitute a
// no-op or recording fake instead of a live Redis connection.
type Invalidator interface {
	InvalidateResource(ctx context.Context, resourceID int64)
	InvalidateDashboard(ctx context.Context)
}

// Redis is the production Invalidator, backed by a redis.Client. It deletes
// the keyed entries rather than tracking TTLs itself — whatever reads
// resources:* / dashboard:* is responsible for repopulating on next read.
type Redis struct {
	client *redis.Client
}

// New wraps a redis connection URL (e.g. "redis://localhost:6379/0").
func New(url string) (*Redis, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &Redis{client: redis.NewClient(opt)}, nil
}

// Close releases the underlying connection pool.
func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) InvalidateResource(ctx context.Context, resourceID int64) {
	keys := []string{
		fmt.Sprintf("resources:%d", resourceID),
		"resources:list",
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		slog.Warn("cache invalidation failed", "resource_id", resourceID, "error", err)
	}
	r.InvalidateDashboard(ctx)
}

func (r *Redis) InvalidateDashboard(ctx context.Context) {
	if err := r.client.Del(ctx, "dashboard:summary").Err(); err != nil {
		slog.Warn("dashboard cache invalidation failed", "error", err)
	}
}

// Noop discards every invalidation; used where no cache is configured.
type Noop struct{}

func (Noop) InvalidateResource(context.Context, int64) {}
func (Noop) InvalidateDashboard(context.Context)        {}
