// Package cache stores completed chat responses so identical requests skip
// the credential pool entirely.
//
// Keys are derived by the gateway as SHA-256 over the upstream driver name,
// model, sampling parameters, and the messages JSON — never over credential
// material, so a rotation mid-conversation cannot split the cache. Only
// fully-assembled responses are stored: streaming replies and anything the
// continuation engine left unresolved never reach Set.
//
// Two interchangeable backends implement Cache:
//   - ExactCache  — Redis-backed, shared across gateway replicas.
//   - MemoryCache — in-process TTL map for single-instance deployments and
//     local development.
package cache

import (
	"context"
	"time"
)

// Cache is the response cache contract. Implementations degrade gracefully:
// a broken backend looks like a permanent miss, never a request failure.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
