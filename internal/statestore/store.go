// Package statestore abstracts the remote key/value service shared by the
// response cache, the API key registry, the rate limiter, and the cache
// invalidation engine. It ships a redis-backed implementation, an in-process
// implementation for development and tests, and a no-op fallback installed
// when the backing service is unreachable at startup.
package statestore

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable is returned by every operation of the fallback store and
// wrapped by backends when the underlying service cannot be reached.
var ErrUnavailable = errors.New("state store unavailable")

// Store defines the key/value operations the proxy relies on. Missing keys
// are reported as empty strings (the redis implementation flattens redis.Nil
// the same way); callers that must distinguish existence use Exists.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) (int64, error)
	Exists(ctx context.Context, key string) (bool, error)

	// Incr atomically increments a counter key and returns the new value.
	Incr(ctx context.Context, key string) (int64, error)
	// Expire sets a TTL on an existing key.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)

	// Scan walks keys matching the glob pattern from the given cursor and
	// returns the next cursor; a zero next cursor ends the walk. count is a
	// paging hint, not a limit. Implementations must never fall back to a
	// blocking whole-keyspace enumeration.
	Scan(ctx context.Context, cursor uint64, match string, count int64) ([]string, uint64, error)

	Ping(ctx context.Context) error
	// Fallback reports whether this store is the no-op stand-in. Cache
	// lookups treat a fallback store as pass-through; key validation and
	// admin invalidation fail closed instead.
	Fallback() bool
	Close() error
}
