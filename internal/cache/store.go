package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/arvago/api-proxy/internal/statestore"
	"github.com/arvago/api-proxy/internal/utils"
	"go.uber.org/zap"
)

// Status is the cache disposition of one proxied response, reported to
// clients in the x-cache header.
type Status string

const (
	StatusHit    Status = "HIT"
	StatusMiss   Status = "MISS"
	StatusStale  Status = "STALE"
	StatusBypass Status = "BYPASS"
)

// envelope is the stored wrapper around a cached value. Marker distinguishes
// it from legacy bare values; readers treat anything without the marker as a
// fresh bare value.
type envelope struct {
	Value      json.RawMessage `json:"value"`
	StaleUntil int64           `json:"staleUntil,omitempty"` // epoch milliseconds
	Marker     bool            `json:"marker"`
}

// LoadResult is what a Loader produces on a cache miss or refresh. TTL and
// StaleTTL must already be resolved to final values; the store writes exactly
// what it is given.
type LoadResult struct {
	Value     json.RawMessage
	Cacheable bool
	TTL       time.Duration
	StaleTTL  time.Duration
}

// Loader fetches a fresh value from the origin.
type Loader func(ctx context.Context) (LoadResult, error)

// StoreOptions tune the Store beyond its backing state store.
type StoreOptions struct {
	// Debug enables per-operation cache logging.
	Debug bool
	// RefreshTimeout bounds a background SWR refresh. Zero applies the
	// 30 second default.
	RefreshTimeout time.Duration
}

const defaultRefreshTimeout = 30 * time.Second

// Store is the response cache. It wraps the state store with the entry
// envelope and implements the cache-aside + stale-while-revalidate read path.
type Store struct {
	state          statestore.Store
	logger         *zap.Logger
	debug          bool
	refreshTimeout time.Duration

	now func() time.Time
}

// NewStore creates a response cache on top of the given state store.
func NewStore(state statestore.Store, logger *zap.Logger, opts StoreOptions) *Store {
	timeout := opts.RefreshTimeout
	if timeout <= 0 {
		timeout = defaultRefreshTimeout
	}
	return &Store{
		state:          state,
		logger:         logger,
		debug:          opts.Debug,
		refreshTimeout: timeout,
		now:            time.Now,
	}
}

// Get returns the cached value for key, fresh or stale. Backing errors are
// logged and reported as absent.
func (s *Store) Get(ctx context.Context, key string) (json.RawMessage, bool) {
	value, _, found := s.lookup(ctx, key)
	return value, found
}

// lookup loads and unwraps one entry. staleUntil is zero for bare legacy
// values and for envelopes without a stale window.
func (s *Store) lookup(ctx context.Context, key string) (value json.RawMessage, staleUntil int64, found bool) {
	raw, err := s.state.Get(ctx, key)
	if err != nil {
		s.logger.Warn("cache read failed", zap.Error(err), zap.String("key_hash", utils.Fingerprint(key)))
		return nil, 0, false
	}
	if raw == "" {
		return nil, 0, false
	}

	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err == nil && env.Marker {
		return env.Value, env.StaleUntil, true
	}
	// Legacy bare value: serve as fresh until its TTL removes it.
	return json.RawMessage(raw), 0, true
}

// Set writes value under key. With a stale window the entry is wrapped in an
// envelope whose staleUntil marks the end of freshness and whose backing TTL
// spans fresh plus stale; without one the bare value is stored for ttl.
func (s *Store) Set(ctx context.Context, key string, value json.RawMessage, ttl, staleTTL time.Duration) error {
	payload := []byte(value)
	backingTTL := ttl
	if staleTTL > 0 {
		env := envelope{
			Value:      value,
			StaleUntil: s.now().Add(ttl).UnixMilli(),
			Marker:     true,
		}
		encoded, err := json.Marshal(env)
		if err != nil {
			return err
		}
		payload = encoded
		backingTTL = ttl + staleTTL
	}
	return s.state.Set(ctx, key, string(payload), backingTTL)
}

// Delete removes one entry. Errors are logged, not returned; a failed delete
// only means the entry lives until its TTL.
func (s *Store) Delete(ctx context.Context, key string) {
	if _, err := s.state.Del(ctx, key); err != nil {
		s.logger.Warn("cache delete failed", zap.Error(err), zap.String("key_hash", utils.Fingerprint(key)))
	}
}

// SWR is the cache-aside read path. It returns the value to serve and its
// cache status:
//
//   - backend in fallback mode: loader once, BYPASS, nothing written;
//   - entry fresh: HIT;
//   - entry past staleUntil: STALE, and a background refresh is scheduled;
//   - entry absent: loader, then MISS after a successful write, BYPASS when
//     the result is not cacheable or the write fails.
//
// Loader errors are returned only on the foreground path; refresh failures
// are logged and swallowed.
func (s *Store) SWR(ctx context.Context, key string, loader Loader) (json.RawMessage, Status, error) {
	if s.state.Fallback() {
		res, err := loader(ctx)
		if err != nil {
			return nil, StatusBypass, err
		}
		return res.Value, StatusBypass, nil
	}

	value, staleUntil, found := s.lookup(ctx, key)
	if found {
		if staleUntil == 0 || s.now().UnixMilli() <= staleUntil {
			s.debugLog("cache hit", key)
			return value, StatusHit, nil
		}
		s.debugLog("cache stale, scheduling refresh", key)
		s.scheduleRefresh(key, loader)
		return value, StatusStale, nil
	}

	res, err := loader(ctx)
	if err != nil {
		return nil, StatusBypass, err
	}
	if !res.Cacheable || res.TTL <= 0 {
		s.debugLog("cache bypass, response not cacheable", key)
		return res.Value, StatusBypass, nil
	}
	if err := s.Set(ctx, key, res.Value, res.TTL, res.StaleTTL); err != nil {
		s.logger.Warn("cache write failed", zap.Error(err), zap.String("key_hash", utils.Fingerprint(key)))
		return res.Value, StatusBypass, nil
	}
	s.debugLog("cache store", key)
	return res.Value, StatusMiss, nil
}

// scheduleRefresh revalidates a stale entry in its own goroutine. The refresh
// is decoupled from the triggering request: it runs on a fresh context with
// its own deadline and must never propagate a failure to the foreground.
func (s *Store) scheduleRefresh(key string, loader Loader) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("cache refresh panicked", zap.Any("panic", r), zap.String("key_hash", utils.Fingerprint(key)))
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), s.refreshTimeout)
		defer cancel()

		res, err := loader(ctx)
		if err != nil {
			s.logger.Warn("cache refresh failed", zap.Error(err), zap.String("key_hash", utils.Fingerprint(key)))
			return
		}
		if !res.Cacheable || res.TTL <= 0 {
			// The origin stopped allowing caching; drop the stale entry.
			s.Delete(ctx, key)
			return
		}
		if err := s.Set(ctx, key, res.Value, res.TTL, res.StaleTTL); err != nil {
			s.logger.Warn("cache refresh write failed", zap.Error(err), zap.String("key_hash", utils.Fingerprint(key)))
			return
		}
		s.debugLog("cache refreshed", key)
	}()
}

func (s *Store) debugLog(msg, key string) {
	if s.debug {
		s.logger.Debug(msg, zap.String("key_hash", utils.Fingerprint(key)))
	}
}
