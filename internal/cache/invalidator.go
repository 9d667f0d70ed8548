package cache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/arvago/api-proxy/internal/statestore"
	"go.uber.org/zap"
)

// Invalidation scopes accepted by the admin surface.
const (
	ScopeExact  = "exact"
	ScopePrefix = "prefix"
	ScopeAll    = "all"
)

// ErrBadRequest marks invalidation requests that are structurally invalid.
// The admin surface maps it to a 400; every other failure is treated as the
// state store being unavailable.
var ErrBadRequest = errors.New("invalid invalidation request")

const (
	scanCount      = 200
	deleteBatchMax = 100
)

// Request describes one invalidation. Scope selects the strategy; the other
// fields qualify it. Headers are only consulted for exact+strict, where the
// precise cache key is recomputed instead of matched by pattern.
type Request struct {
	Scope      string     `json:"scope"`
	Path       string     `json:"path,omitempty"`
	PathPrefix string     `json:"pathPrefix,omitempty"`
	Strict     bool       `json:"strict,omitempty"`
	Headers    KeyHeaders `json:"headers"`
	DryRun     bool       `json:"dryRun,omitempty"`
}

// Result reports what an invalidation matched and removed.
type Result struct {
	Scope   string `json:"scope"`
	DryRun  bool   `json:"dryRun"`
	Matched int    `json:"matched"`
	Deleted int    `json:"deleted"`
}

// Invalidator deletes response-cache entries. Every pattern it composes is
// anchored under "proxy:GET:", so the key registry and rate-limit namespaces
// are unreachable from this path, and enumeration is always a cursor SCAN,
// never a blocking whole-keyspace command.
type Invalidator struct {
	state  statestore.Store
	logger *zap.Logger
}

// NewInvalidator creates an invalidation engine over the given state store.
func NewInvalidator(state statestore.Store, logger *zap.Logger) *Invalidator {
	return &Invalidator{state: state, logger: logger}
}

// Invalidate executes one invalidation request. With DryRun set it reports
// match counts without deleting anything.
func (inv *Invalidator) Invalidate(ctx context.Context, req Request) (Result, error) {
	result := Result{Scope: req.Scope, DryRun: req.DryRun}

	if inv.state.Fallback() {
		return result, statestore.ErrUnavailable
	}

	switch req.Scope {
	case ScopeAll:
		return inv.invalidatePattern(ctx, result, KeyPrefix+"GET:*")

	case ScopePrefix:
		if req.PathPrefix == "" {
			return result, fmt.Errorf("%w: pathPrefix is required for scope %q", ErrBadRequest, ScopePrefix)
		}
		if strings.Contains(req.PathPrefix, "?") {
			return result, fmt.Errorf("%w: pathPrefix must not contain a query string", ErrBadRequest)
		}
		prefix := normalizePrefix(req.PathPrefix)
		return inv.invalidatePattern(ctx, result, KeyPrefix+"GET:"+escapeGlob(prefix)+"*")

	case ScopeExact:
		if req.Path == "" {
			return result, fmt.Errorf("%w: path is required for scope %q", ErrBadRequest, ScopeExact)
		}
		path := normalizeExactPath(req.Path)
		if req.Strict {
			return inv.invalidateKey(ctx, result, BuildKey(http.MethodGet, path, req.Headers))
		}
		// All header variants of one path+query.
		return inv.invalidatePattern(ctx, result, KeyPrefix+"GET:"+escapeGlob(path)+":*")

	default:
		return result, fmt.Errorf("%w: unknown scope %q", ErrBadRequest, req.Scope)
	}
}

// invalidatePattern walks the keyspace with cursor SCANs, accumulates every
// match, and deletes them in bounded batches.
func (inv *Invalidator) invalidatePattern(ctx context.Context, result Result, pattern string) (Result, error) {
	var keys []string
	var cursor uint64
	for {
		page, next, err := inv.state.Scan(ctx, cursor, pattern, scanCount)
		if err != nil {
			return result, fmt.Errorf("cache scan failed: %w", err)
		}
		keys = append(keys, page...)
		if next == 0 {
			break
		}
		cursor = next
	}

	result.Matched = len(keys)
	if result.DryRun {
		return result, nil
	}

	for start := 0; start < len(keys); start += deleteBatchMax {
		end := start + deleteBatchMax
		if end > len(keys) {
			end = len(keys)
		}
		deleted, err := inv.state.Del(ctx, keys[start:end]...)
		if err != nil {
			return result, fmt.Errorf("cache delete failed: %w", err)
		}
		result.Deleted += int(deleted)
	}

	inv.logger.Info("cache invalidation executed",
		zap.String("scope", result.Scope),
		zap.Int("matched", result.Matched),
		zap.Int("deleted", result.Deleted))
	return result, nil
}

// invalidateKey handles the strict-exact scope, which operates on a single
// recomputed cache key.
func (inv *Invalidator) invalidateKey(ctx context.Context, result Result, key string) (Result, error) {
	exists, err := inv.state.Exists(ctx, key)
	if err != nil {
		return result, fmt.Errorf("cache exists check failed: %w", err)
	}
	if exists {
		result.Matched = 1
	}
	if result.DryRun || !exists {
		return result, nil
	}

	deleted, err := inv.state.Del(ctx, key)
	if err != nil {
		return result, fmt.Errorf("cache delete failed: %w", err)
	}
	result.Deleted = int(deleted)
	return result, nil
}

// normalizePrefix shapes a user-supplied path prefix: leading slash forced,
// doubled slashes collapsed, trailing slash stripped.
func normalizePrefix(p string) string {
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	for strings.Contains(p, "//") {
		p = strings.ReplaceAll(p, "//", "/")
	}
	for len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimSuffix(p, "/")
	}
	if p == "/" {
		return ""
	}
	return p
}

// normalizeExactPath normalizes the path component the same way keys are
// built from requests, preserving any query string verbatim.
func normalizeExactPath(p string) string {
	path, query, hasQuery := strings.Cut(p, "?")
	path = normalizePrefix(path)
	if path == "" {
		path = "/"
	}
	if hasQuery {
		return path + "?" + query
	}
	return path
}

// escapeGlob neutralizes redis glob metacharacters in user-supplied path
// segments before they are composed into a MATCH pattern.
func escapeGlob(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\', '*', '?', '[', ']':
			b.WriteByte('\\')
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
