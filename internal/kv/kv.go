// Package kv defines the shared key-value store contract used as the
// cross-instance coordination substrate.
//
// DESIGN: The store is a best-effort mirror, never the source of truth.
// Every consumer treats a store error as "no answer" and falls back to its
// local tier, so a degraded store can slow global enforcement but never take
// the gateway down.
//
// Backends:
//   - memory.go: in-process TTL map (tests, single-instance deployments)
//   - sqlite.go: SQLite file (instances sharing a volume)
//   - dynamo.go: DynamoDB table (true cross-instance deployments)
package kv

import (
	"context"
	"time"
)

// Store is a TTL-capable key-value store shared by all gateway instances.
// Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the value stored under key. The boolean is false when the
	// key is absent or expired.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Put stores value under key. A non-positive ttl means no expiry.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	Close() error
}
