package statestore

import (
	"context"
	"time"
)

// FallbackStore is the degraded-mode Store handed out when the configured
// backend is unreachable at startup. Every operation fails with
// ErrUnavailable so callers apply their own degradation policy: the cache
// turns misses into upstream passes, the key registry refuses requests,
// the rate limiter switches to its in-process window.
type FallbackStore struct{}

// NewFallbackStore returns a Store whose operations all report ErrUnavailable.
func NewFallbackStore() *FallbackStore { return &FallbackStore{} }

func (s *FallbackStore) Get(context.Context, string) (string, error) { return "", ErrUnavailable }

func (s *FallbackStore) Set(context.Context, string, string, time.Duration) error {
	return ErrUnavailable
}

func (s *FallbackStore) Del(context.Context, ...string) (int64, error) { return 0, ErrUnavailable }

func (s *FallbackStore) Exists(context.Context, string) (bool, error) { return false, ErrUnavailable }

func (s *FallbackStore) Incr(context.Context, string) (int64, error) { return 0, ErrUnavailable }

func (s *FallbackStore) Expire(context.Context, string, time.Duration) error {
	return ErrUnavailable
}

func (s *FallbackStore) SAdd(context.Context, string, ...string) error { return ErrUnavailable }

func (s *FallbackStore) SRem(context.Context, string, ...string) error { return ErrUnavailable }

func (s *FallbackStore) SMembers(context.Context, string) ([]string, error) {
	return nil, ErrUnavailable
}

func (s *FallbackStore) Scan(context.Context, uint64, string, int64) ([]string, uint64, error) {
	return nil, 0, ErrUnavailable
}

func (s *FallbackStore) Ping(context.Context) error { return ErrUnavailable }

func (s *FallbackStore) Fallback() bool { return true }

func (s *FallbackStore) Close() error { return nil }
