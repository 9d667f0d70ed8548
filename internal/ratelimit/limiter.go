// Package ratelimit enforces fixed-window request limits on top of the state
// store. Counters are atomic INCRs on (scope, identifier, window-start) keys
// that expire on their own; when the remote store errors mid-flight the
// limiter switches to in-process counters so throttling never lapses.
package ratelimit

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/arvago/api-proxy/internal/statestore"
	"go.uber.org/zap"
)

// Scopes partition the counter keyspace. Identifiers under preauth and admin
// are derived from the caller's address only; credential values never reach
// the store.
const (
	ScopeKey     = "key"
	ScopePreauth = "preauth"
	ScopeAdmin   = "admin"
)

// Defaults applied when the configured window or cap is unusable.
const (
	DefaultWindowSeconds = 60
	DefaultMaxRequests   = 120
)

// Decision is the outcome of one admission check, carrying everything a
// surface needs to emit x-ratelimit-* and retry-after headers.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter int   // seconds until the window resets, at least 1
	ResetAt    int64 // epoch seconds of the next window start
}

// Limiter counts requests per fixed window. Safe for concurrent use.
type Limiter struct {
	state    statestore.Store
	fallback *statestore.MemoryStore
	prefix   string
	window   int64
	max      int
	logger   *zap.Logger

	degraded atomic.Bool
	now      func() time.Time
}

// NewLimiter creates a limiter over the given state store namespace. Window
// and cap fall back to the defaults when out of range.
func NewLimiter(state statestore.Store, prefix string, windowSeconds, maxRequests int, logger *zap.Logger) *Limiter {
	if windowSeconds <= 0 {
		windowSeconds = DefaultWindowSeconds
	}
	if maxRequests <= 0 {
		maxRequests = DefaultMaxRequests
	}
	if prefix == "" {
		prefix = "apikeys"
	}
	return &Limiter{
		state:    state,
		fallback: statestore.NewMemoryStore(),
		prefix:   prefix,
		window:   int64(windowSeconds),
		max:      maxRequests,
		logger:   logger,
		now:      time.Now,
	}
}

// ClientIdentifier builds the identifier for the preauth and admin scopes
// from the caller's address and whether any credential was presented at all.
// The credential value itself never participates.
func ClientIdentifier(ip string, hasCredential bool) string {
	if hasCredential {
		return ip + ":present"
	}
	return ip + ":missing"
}

// Consume counts one request against (scope, identifier) and decides whether
// it may proceed. The decision is always produced: primary store errors
// engage the in-process fallback counters, logged once per outage.
func (l *Limiter) Consume(ctx context.Context, scope, identifier string) Decision {
	now := l.now().Unix()
	windowStart := (now / l.window) * l.window
	key := fmt.Sprintf("%s:ratelimit:%s:%s:%d", l.prefix, scope, identifier, windowStart)

	store := statestore.Store(l.state)
	count, err := store.Incr(ctx, key)
	if err != nil {
		if l.degraded.CompareAndSwap(false, true) {
			l.logger.Warn("rate limit store unavailable, using in-process counters", zap.Error(err))
		}
		store = l.fallback
		count, _ = store.Incr(ctx, key)
	} else if l.degraded.CompareAndSwap(true, false) {
		l.logger.Info("rate limit store recovered")
	}

	if count == 1 {
		// TTL slightly past the window so boundary reads still see the counter.
		if err := store.Expire(ctx, key, time.Duration(l.window+1)*time.Second); err != nil {
			l.logger.Warn("failed to set rate limit counter expiry", zap.Error(err))
		}
	}

	remaining := l.max - int(count)
	if remaining < 0 {
		remaining = 0
	}
	resetAt := windowStart + l.window
	retryAfter := resetAt - now
	if retryAfter < 1 {
		retryAfter = 1
	}

	return Decision{
		Allowed:    count <= int64(l.max),
		Limit:      l.max,
		Remaining:  remaining,
		RetryAfter: int(retryAfter),
		ResetAt:    resetAt,
	}
}
