// Package cache invalidates derived read caches (subscriber metrics,
// analytics aggregates) after billing state changes. Invalidation is
// best-effort: callers log failures and move on, and must never let a
// cache error roll back a ledger transaction.
package cache

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Invalidator is the cache invalidation port used by the billing core.
type Invalidator interface {
	InvalidateSubscription(ctx context.Context, subscriptionID, fanID, artistID, tierID uuid.UUID) error
	InvalidateFan(ctx context.Context, fanID uuid.UUID) error
	InvalidateArtist(ctx context.Context, artistID uuid.UUID) error
	InvalidateAnalytics(ctx context.Context, artistID uuid.UUID, scope string) error
}

// RedisInvalidator deletes the derived-cache keys the read side primes.
type RedisInvalidator struct {
	client *redis.Client
}

// NewRedisInvalidator wraps a connected Redis client.
func NewRedisInvalidator(client *redis.Client) *RedisInvalidator {
	return &RedisInvalidator{client: client}
}

func (r *RedisInvalidator) InvalidateSubscription(ctx context.Context, subscriptionID, fanID, artistID, tierID uuid.UUID) error {
	keys := []string{
		fmt.Sprintf("subscription:%s", subscriptionID),
		fmt.Sprintf("fan:%s:subscriptions", fanID),
		fmt.Sprintf("artist:%s:subscribers", artistID),
		fmt.Sprintf("tier:%s:stats", tierID),
	}
	return r.client.Del(ctx, keys...).Err()
}

func (r *RedisInvalidator) InvalidateFan(ctx context.Context, fanID uuid.UUID) error {
	return r.client.Del(ctx,
		fmt.Sprintf("fan:%s:subscriptions", fanID),
		fmt.Sprintf("fan:%s:feed", fanID),
	).Err()
}

func (r *RedisInvalidator) InvalidateArtist(ctx context.Context, artistID uuid.UUID) error {
	return r.client.Del(ctx,
		fmt.Sprintf("artist:%s:subscribers", artistID),
		fmt.Sprintf("artist:%s:earnings", artistID),
	).Err()
}

func (r *RedisInvalidator) InvalidateAnalytics(ctx context.Context, artistID uuid.UUID, scope string) error {
	if scope == "" {
		scope = "all"
	}
	return r.client.Del(ctx, fmt.Sprintf("artist:%s:analytics:%s", artistID, scope)).Err()
}

// Noop satisfies Invalidator for tests and cache-less deployments.
type Noop struct{}

func (Noop) InvalidateSubscription(context.Context, uuid.UUID, uuid.UUID, uuid.UUID, uuid.UUID) error {
	return nil
}
func (Noop) InvalidateFan(context.Context, uuid.UUID) error              { return nil }
func (Noop) InvalidateArtist(context.Context, uuid.UUID) error           { return nil }
func (Noop) InvalidateAnalytics(context.Context, uuid.UUID, string) error { return nil }
