package statestore

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// MemoryStore implements Store in-process on top of go-cache. It backs
// development setups without a redis and serves as the rate limiter's
// fallback when the remote store errors mid-flight. Counters and string
// values share the keyspace the way they do in redis.
type MemoryStore struct {
	kv *gocache.Cache

	mu   sync.Mutex
	sets map[string]map[string]struct{}
}

// NewMemoryStore creates an empty in-process store. Expired entries are
// purged once a minute; reads never observe them either way.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		kv:   gocache.New(gocache.NoExpiration, time.Minute),
		sets: make(map[string]map[string]struct{}),
	}
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, error) {
	v, found := s.kv.Get(key)
	if !found {
		return "", nil
	}
	switch t := v.(type) {
	case string:
		return t, nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	}
	return "", nil
}

func (s *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = gocache.NoExpiration
	}
	s.kv.Set(key, value, ttl)
	return nil
}

func (s *MemoryStore) Del(_ context.Context, keys ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var deleted int64
	for _, key := range keys {
		if _, found := s.kv.Get(key); found {
			s.kv.Delete(key)
			deleted++
			continue
		}
		if _, ok := s.sets[key]; ok {
			delete(s.sets, key)
			deleted++
		}
	}
	return deleted, nil
}

func (s *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	if _, found := s.kv.Get(key); found {
		return true, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sets[key]
	return ok, nil
}

func (s *MemoryStore) Incr(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64 = 1
	ttl := time.Duration(gocache.NoExpiration)
	if v, exp, found := s.kv.GetWithExpiration(key); found {
		n = toInt64(v) + 1
		if !exp.IsZero() {
			ttl = time.Until(exp)
		}
	}
	s.kv.Set(key, n, ttl)
	return n, nil
}

func (s *MemoryStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, _, found := s.kv.GetWithExpiration(key); found {
		s.kv.Set(key, v, ttl)
	}
	return nil
}

func (s *MemoryStore) SAdd(_ context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.sets[key]
	if !ok {
		set = make(map[string]struct{})
		s.sets[key] = set
	}
	for _, m := range members {
		set[m] = struct{}{}
	}
	return nil
}

func (s *MemoryStore) SRem(_ context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.sets[key]
	if !ok {
		return nil
	}
	for _, m := range members {
		delete(set, m)
	}
	if len(set) == 0 {
		delete(s.sets, key)
	}
	return nil
}

func (s *MemoryStore) SMembers(_ context.Context, key string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.sets[key]
	if !ok {
		return nil, nil
	}
	members := make([]string, 0, len(set))
	for m := range set {
		members = append(members, m)
	}
	sort.Strings(members)
	return members, nil
}

// Scan returns every live key matching the pattern in one pass; the cursor
// protocol is honored with a single page.
func (s *MemoryStore) Scan(_ context.Context, cursor uint64, match string, _ int64) ([]string, uint64, error) {
	if cursor != 0 {
		return nil, 0, nil
	}

	var keys []string
	for key := range s.kv.Items() {
		if globMatch(match, key) {
			keys = append(keys, key)
		}
	}
	s.mu.Lock()
	for key := range s.sets {
		if globMatch(match, key) {
			keys = append(keys, key)
		}
	}
	s.mu.Unlock()

	sort.Strings(keys)
	return keys, 0, nil
}

func (s *MemoryStore) Ping(_ context.Context) error { return nil }

func (s *MemoryStore) Fallback() bool { return false }

func (s *MemoryStore) Close() error { return nil }

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case string:
		n, err := strconv.ParseInt(t, 10, 64)
		if err != nil {
			return 0
		}
		return n
	}
	return 0
}

// globMatch reports whether s matches a redis-style glob pattern
// (*, ?, [class] with ranges and ^ negation, backslash escapes).
func globMatch(pattern, s string) bool {
	pi, si := 0, 0
	star, mark := -1, 0
	for si < len(s) {
		if pi < len(pattern) && pattern[pi] == '*' {
			star, mark = pi, si
			pi++
			continue
		}
		if pi < len(pattern) {
			if next, ok := matchOne(pattern, pi, s[si]); ok {
				pi = next
				si++
				continue
			}
		}
		if star >= 0 {
			mark++
			si = mark
			pi = star + 1
			continue
		}
		return false
	}
	for pi < len(pattern) && pattern[pi] == '*' {
		pi++
	}
	return pi == len(pattern)
}

// matchOne matches a single byte against the pattern element at pi and
// returns the index after that element.
func matchOne(pattern string, pi int, c byte) (int, bool) {
	switch pattern[pi] {
	case '?':
		return pi + 1, true
	case '[':
		rel := strings.IndexByte(pattern[pi+1:], ']')
		if rel < 0 {
			return pi + 1, pattern[pi] == c
		}
		end := pi + 1 + rel
		return end + 1, matchClass(pattern[pi+1:end], c)
	case '\\':
		if pi+1 < len(pattern) {
			return pi + 2, pattern[pi+1] == c
		}
		return pi + 1, false
	default:
		return pi + 1, pattern[pi] == c
	}
}

func matchClass(class string, c byte) bool {
	negate := false
	if strings.HasPrefix(class, "^") {
		negate = true
		class = class[1:]
	}
	matched := false
	for i := 0; i < len(class); i++ {
		if i+2 < len(class) && class[i+1] == '-' {
			if c >= class[i] && c <= class[i+2] {
				matched = true
			}
			i += 2
			continue
		}
		if class[i] == c {
			matched = true
		}
	}
	return matched != negate
}
