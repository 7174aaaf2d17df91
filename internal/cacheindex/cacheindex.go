// Package cacheindex implements a typed get/set/delete client over the
// external distributed key-value store, backed by Redis.
package cacheindex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/kenchrcum/weathergw/internal/model"
)

// ErrNotFound is returned by Get when the fingerprint has no entry.
var ErrNotFound = errors.New("cacheindex: entry not found")

// Index is the typed interface every component depends on; the HTTP engine
// and the cache maintainer talk to the index exclusively through this
// interface, never through a raw Redis client, so a swap of the backing
// store touches only this package.
type Index interface {
	Get(ctx context.Context, fingerprint string) (*model.CacheEntry, error)
	Set(ctx context.Context, fingerprint string, entry *model.CacheEntry) error
	Delete(ctx context.Context, fingerprint string) error
}

// RedisIndex is the production Index implementation.
type RedisIndex struct {
	client *redis.Client
}

// NewRedisIndex dials (lazily — go-redis connects on first use) a client
// against the given endpoints. Only the first endpoint is used directly;
// a future multi-endpoint index would need a ring or cluster client, but
// the configured MEMCACHED list is, for this implementation, a single
// logical endpoint (the first configured one) — key-value-store high
// availability is out of scope.
func NewRedisIndex(endpoints []string) (*RedisIndex, error) {
	if len(endpoints) == 0 {
		return nil, errors.New("cacheindex: no endpoints configured")
	}
	client := redis.NewClient(&redis.Options{
		Addr: endpoints[0],
	})
	return &RedisIndex{client: client}, nil
}

// NewRedisIndexFromClient wraps an already-constructed client, letting
// tests hand in a client pointed at a miniredis or testcontainers instance.
func NewRedisIndexFromClient(client *redis.Client) *RedisIndex {
	return &RedisIndex{client: client}
}

// Get fetches and decodes the entry for fingerprint. Returns ErrNotFound
// on a cache miss so callers can distinguish "absent" from other errors
// without string-matching redis.Nil themselves.
func (idx *RedisIndex) Get(ctx context.Context, fingerprint string) (*model.CacheEntry, error) {
	raw, err := idx.client.Get(ctx, fingerprint).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("cacheindex: get %s: %w", fingerprint, err)
	}

	var entry model.CacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, fmt.Errorf("cacheindex: decode %s: %w", fingerprint, err)
	}
	return &entry, nil
}

// Set replaces whatever entry was stored for fingerprint. Cache entries
// never expire on their own — an entry is only removed by the cache
// maintainer's orphan cleanup or an explicit Delete — so no TTL is set
// here.
func (idx *RedisIndex) Set(ctx context.Context, fingerprint string, entry *model.CacheEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("cacheindex: encode %s: %w", fingerprint, err)
	}
	if err := idx.client.Set(ctx, fingerprint, raw, 0).Err(); err != nil {
		return fmt.Errorf("cacheindex: set %s: %w", fingerprint, err)
	}
	return nil
}

// Delete removes the entry for fingerprint, if any. Deleting an absent
// key is not an error.
func (idx *RedisIndex) Delete(ctx context.Context, fingerprint string) error {
	if err := idx.client.Del(ctx, fingerprint).Err(); err != nil {
		return fmt.Errorf("cacheindex: delete %s: %w", fingerprint, err)
	}
	return nil
}

// Ping checks connectivity to the backing store; the readiness endpoint
// uses it as its dependency probe.
func (idx *RedisIndex) Ping(ctx context.Context) error {
	if err := idx.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("cacheindex: ping: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (idx *RedisIndex) Close() error {
	return idx.client.Close()
}
