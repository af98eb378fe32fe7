// Package store is the coordination layer shared by every server instance:
// an external key-value store with atomic counters, hashes, sets, capped
// lists, key expiry and publish/subscribe. All cross-instance state (room
// membership, sequence counters, reconnection buffers, connection state,
// transfer records) moves through these primitives; no instance ever holds
// authoritative mutable state in process memory.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by reads of missing keys or hash fields.
var ErrNotFound = errors.New("store: not found")

// ErrNoChange can be returned from an Update closure to keep the current
// value without writing. Update then reports the old value and no error.
var ErrNoChange = errors.New("store: no change")

// Subscription is a live feed of messages published to one channel.
type Subscription interface {
	// Messages yields published payloads until the subscription closes.
	Messages() <-chan []byte
	Close() error
}

// Store is the coordination-store contract. Implementations must make every
// method safe for concurrent use and atomic with respect to other calls on
// the same key: Incr, HSetNX, HDel and PushCapped are the compare-and-swap
// building blocks the managers rely on.
type Store interface {
	// Get returns the value at key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// GetInt returns the counter at key, or 0 when the key is missing.
	GetInt(ctx context.Context, key string) (int64, error)
	// Set writes value at key. A zero ttl means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Update applies an optimistic read-modify-write at key. fn receives nil
	// when the key is missing and returns the replacement value; on
	// ErrNoChange the stored value is kept. Update returns the bytes at key
	// after the call.
	Update(ctx context.Context, key string, ttl time.Duration, fn func(old []byte) ([]byte, error)) ([]byte, error)
	Del(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Incr atomically increments the counter at key and returns the result.
	Incr(ctx context.Context, key string) (int64, error)
	// Decr atomically decrements the counter at key and returns the result.
	Decr(ctx context.Context, key string) (int64, error)

	HSet(ctx context.Context, key, field string, value []byte) error
	// HSetNX sets field only if absent, reporting whether it was written.
	// This is the idempotency primitive for chunk staging.
	HSetNX(ctx context.Context, key, field string, value []byte) (bool, error)
	HGet(ctx context.Context, key, field string) ([]byte, error)
	HGetAll(ctx context.Context, key string) (map[string][]byte, error)
	// HDel removes fields and returns how many existed. The return value is
	// the atomic claim used to decide which instance broadcasts an eviction.
	HDel(ctx context.Context, key string, fields ...string) (int64, error)
	HLen(ctx context.Context, key string) (int64, error)

	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	SCard(ctx context.Context, key string) (int64, error)

	// PushCapped appends value to the list at key, trims it to the newest
	// max entries and refreshes its ttl, as one operation.
	PushCapped(ctx context.Context, key string, value []byte, max int64, ttl time.Duration) error
	// Range returns the whole list, oldest first.
	Range(ctx context.Context, key string) ([][]byte, error)

	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)

	Ping(ctx context.Context) error
	Close() error
}
