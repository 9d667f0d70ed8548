package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/arvago/api-proxy/internal/apikey"
	"github.com/arvago/api-proxy/internal/cache"
	"github.com/arvago/api-proxy/internal/ratelimit"
	"github.com/arvago/api-proxy/internal/statestore"
	"github.com/arvago/api-proxy/internal/upstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type pipelineEnv struct {
	t        *testing.T
	mr       *miniredis.Miniredis
	registry *apikey.Registry
	rawKey   string
	srv      *httptest.Server
	handler  http.Handler
	calls    *atomic.Int64
}

type envOptions struct {
	upstream  http.HandlerFunc
	cfg       Config
	limitMax  int
	validator KeyValidator
}

func newPipelineEnv(t *testing.T, opts envOptions) *pipelineEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	state, err := statestore.NewRedisStore("redis://" + mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = state.Close() })

	upstreamHandler := opts.upstream
	if upstreamHandler == nil {
		upstreamHandler = func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Cache-Control", "max-age=60")
			_, _ = w.Write([]byte(`{"ok":true}`))
		}
	}
	calls := &atomic.Int64{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		upstreamHandler(w, r)
	}))
	t.Cleanup(srv.Close)

	up, err := upstream.NewClient(upstream.Config{BaseURL: srv.URL, Timeout: 2 * time.Second}, zap.NewNop())
	require.NoError(t, err)

	registry := apikey.NewRegistry(state, "apikeys", zap.NewNop())
	rawKey, _, err := registry.Create(context.Background(), apikey.CreateParams{Owner: "test-suite"})
	require.NoError(t, err)

	limitMax := opts.limitMax
	if limitMax == 0 {
		limitMax = 100
	}
	limiter := ratelimit.NewLimiter(state, "apikeys", 60, limitMax, zap.NewNop())
	cacheStore := cache.NewStore(state, zap.NewNop(), cache.StoreOptions{})

	cfg := opts.cfg
	if cfg.CacheDefaultTTL == 0 {
		cfg.CacheDefaultTTL = time.Minute
	}

	var validator KeyValidator = registry
	if opts.validator != nil {
		validator = opts.validator
	}

	pl := NewPipeline(up, validator, limiter, cacheStore, cfg, zap.NewNop())
	return &pipelineEnv{
		t:        t,
		mr:       mr,
		registry: registry,
		rawKey:   rawKey,
		srv:      srv,
		handler:  pl.Handler(),
		calls:    calls,
	}
}

// request sends one request through the pipeline. The valid API key is set
// by default; pass an empty header value to remove it.
func (e *pipelineEnv) request(method, target string, headers map[string]string, body string) *httptest.ResponseRecorder {
	e.t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	req.RemoteAddr = "198.51.100.7:41000"
	req.Header.Set("x-api-key", e.rawKey)
	for name, value := range headers {
		if value == "" {
			req.Header.Del(name)
			continue
		}
		req.Header.Set(name, value)
	}

	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

func (e *pipelineEnv) cachedProxyKeys() []string {
	var keys []string
	for _, k := range e.mr.Keys() {
		if strings.HasPrefix(k, cache.KeyPrefix) {
			keys = append(keys, k)
		}
	}
	return keys
}

func TestGetMissThenHit(t *testing.T) {
	var upstreamAPIKey, upstreamClientKey string
	env := newPipelineEnv(t, envOptions{
		cfg: Config{ServerAPIKey: "test-key"},
		upstream: func(w http.ResponseWriter, r *http.Request) {
			upstreamAPIKey = r.Header.Get("api_key")
			upstreamClientKey = r.Header.Get("x-api-key")
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Cache-Control", "max-age=60")
			_, _ = w.Write([]byte(`{"ok":true}`))
		},
	})

	target := "/api/v1/pst/find?searchWord=x&areaId=10790"
	headers := map[string]string{"accept": "*/*", "accept-language": "de-DE"}

	first := env.request(http.MethodGet, target, headers, "")
	assert.Equal(t, http.StatusOK, first.Code)
	assert.JSONEq(t, `{"ok":true}`, first.Body.String())
	assert.Equal(t, "MISS", first.Header().Get("X-Cache"))
	assert.Equal(t, "application/json", first.Header().Get("Content-Type"))
	assert.Equal(t, "max-age=60", first.Header().Get("Cache-Control"))
	assert.NotEmpty(t, first.Header().Get("X-RateLimit-Limit"))
	assert.NotEmpty(t, first.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, first.Header().Get("X-RateLimit-Reset"))
	assert.Equal(t, "test-key", upstreamAPIKey, "server api_key must be injected")
	assert.Empty(t, upstreamClientKey, "x-api-key must never reach the upstream")
	assert.Equal(t, int64(1), env.calls.Load())

	second := env.request(http.MethodGet, target, headers, "")
	assert.Equal(t, http.StatusOK, second.Code)
	assert.JSONEq(t, `{"ok":true}`, second.Body.String())
	assert.Equal(t, "HIT", second.Header().Get("X-Cache"))
	assert.Equal(t, "max-age=60", second.Header().Get("Cache-Control"))
	assert.Equal(t, int64(1), env.calls.Load(), "fresh hit must not call upstream")
}

func TestGetStaleServesOldValueAndRefreshes(t *testing.T) {
	env := newPipelineEnv(t, envOptions{
		upstream: func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Cache-Control", "max-age=60")
			_, _ = w.Write([]byte(`{"fresh":true}`))
		},
	})

	cached := upstream.Response{
		Status:      http.StatusOK,
		Body:        json.RawMessage(`{"cached":true}`),
		ContentType: "application/json",
		Headers:     map[string]string{"cache-control": "max-age=60"},
	}
	entry, err := json.Marshal(cached)
	require.NoError(t, err)

	key := cache.BuildKey(http.MethodGet, "/pst/find", cache.KeyHeaders{})
	envelope := fmt.Sprintf(`{"value":%s,"staleUntil":%d,"marker":true}`, entry, time.Now().Add(-time.Second).UnixMilli())
	require.NoError(t, env.mr.Set(key, envelope))

	rr := env.request(http.MethodGet, "/api/v1/pst/find", nil, "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"cached":true}`, rr.Body.String())
	assert.Equal(t, "STALE", rr.Header().Get("X-Cache"))

	require.Eventually(t, func() bool {
		return env.calls.Load() == 1
	}, 2*time.Second, 10*time.Millisecond, "stale read must trigger a background refresh")

	require.Eventually(t, func() bool {
		stored, err := env.mr.Get(key)
		return err == nil && strings.Contains(stored, `"fresh":true`)
	}, 2*time.Second, 10*time.Millisecond, "refresh must replace the stale entry")
}

func TestGetWithAuthorizationBypassesCache(t *testing.T) {
	env := newPipelineEnv(t, envOptions{})

	rr := env.request(http.MethodGet, "/api/v1/pst/find", map[string]string{"authorization": "Bearer user-token"}, "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "BYPASS", rr.Header().Get("X-Cache"))
	assert.Equal(t, int64(1), env.calls.Load())
	assert.Empty(t, env.cachedProxyKeys(), "bypassed responses must not be written to the cache")
}

func TestGetBypassPathPrefix(t *testing.T) {
	env := newPipelineEnv(t, envOptions{
		cfg: Config{CacheBypassPaths: []string{"/live"}},
	})

	rr := env.request(http.MethodGet, "/api/v1/live/scores", nil, "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "BYPASS", rr.Header().Get("X-Cache"))
	assert.Empty(t, env.cachedProxyKeys())

	cached := env.request(http.MethodGet, "/api/v1/other", nil, "")
	assert.Equal(t, "MISS", cached.Header().Get("X-Cache"), "paths outside the bypass prefix still cache")
}

func TestKeyRateLimitExhaustion(t *testing.T) {
	env := newPipelineEnv(t, envOptions{limitMax: 5})

	for i := 0; i < 5; i++ {
		rr := env.request(http.MethodGet, "/api/v1/pst/find", nil, "")
		require.Equal(t, http.StatusOK, rr.Code, "request %d should pass", i+1)
	}

	rr := env.request(http.MethodGet, "/api/v1/pst/find", nil, "")
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "0", rr.Header().Get("X-RateLimit-Remaining"))

	retryAfter, err := strconv.Atoi(rr.Header().Get("Retry-After"))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, retryAfter, 1)

	var payload map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &payload))
	assert.Equal(t, "Rate limit exceeded", payload["error"])
	assert.Equal(t, int64(1), env.calls.Load(), "only the initial miss reaches upstream")
}

func TestMissingKeyRejectedBeforeUpstream(t *testing.T) {
	env := newPipelineEnv(t, envOptions{})

	rr := env.request(http.MethodGet, "/api/v1/pst/find", map[string]string{"x-api-key": ""}, "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.NotEmpty(t, rr.Header().Get("X-RateLimit-Limit"), "preauth decision headers must be emitted")

	var payload map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &payload))
	assert.Equal(t, "Invalid or missing API key", payload["error"])
	assert.Equal(t, int64(0), env.calls.Load())
}

func TestRevokedKeyRejected(t *testing.T) {
	env := newPipelineEnv(t, envOptions{})

	records, err := env.registry.List(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	_, err = env.registry.Revoke(context.Background(), records[0].KeyID)
	require.NoError(t, err)

	rr := env.request(http.MethodGet, "/api/v1/pst/find", nil, "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, int64(0), env.calls.Load())
}

func TestPreauthWindowExhaustion(t *testing.T) {
	env := newPipelineEnv(t, envOptions{limitMax: 2})
	headers := map[string]string{"x-api-key": "sk_not_a_real_key_aaaaaaaaaaaaaaaa"}

	first := env.request(http.MethodGet, "/api/v1/pst/find", headers, "")
	assert.Equal(t, http.StatusUnauthorized, first.Code)

	second := env.request(http.MethodGet, "/api/v1/pst/find", headers, "")
	assert.Equal(t, http.StatusUnauthorized, second.Code)

	third := env.request(http.MethodGet, "/api/v1/pst/find", headers, "")
	assert.Equal(t, http.StatusTooManyRequests, third.Code)
	assert.NotEmpty(t, third.Header().Get("Retry-After"))
	assert.Equal(t, int64(0), env.calls.Load())
}

func TestValidationFailsClosedWhenStoreDown(t *testing.T) {
	badRegistry := apikey.NewRegistry(statestore.NewFallbackStore(), "apikeys", zap.NewNop())
	env := newPipelineEnv(t, envOptions{validator: badRegistry})

	rr := env.request(http.MethodGet, "/api/v1/pst/find", nil, "")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Empty(t, rr.Header().Get("X-RateLimit-Limit"), "no limiter decision exists for a 503")
	assert.Equal(t, int64(0), env.calls.Load())
}

func TestUnsupportedMethodReturns404(t *testing.T) {
	env := newPipelineEnv(t, envOptions{})

	rr := env.request(http.MethodPut, "/api/v1/pst/find", nil, `{"a":1}`)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, int64(0), env.calls.Load())
}

func TestPostForwardsJSONBody(t *testing.T) {
	var gotMethod, gotPath, gotContentType, gotBody string
	env := newPipelineEnv(t, envOptions{
		upstream: func(w http.ResponseWriter, r *http.Request) {
			gotMethod = r.Method
			gotPath = r.URL.Path
			gotContentType = r.Header.Get("Content-Type")
			data, _ := io.ReadAll(r.Body)
			gotBody = string(data)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"id":"1"}`))
		},
	})

	rr := env.request(http.MethodPost, "/api/v1/pst/report", map[string]string{"content-type": "application/json"}, `{"q":"x"}`)
	assert.Equal(t, http.StatusCreated, rr.Code)
	assert.JSONEq(t, `{"id":"1"}`, rr.Body.String())
	assert.Equal(t, "BYPASS", rr.Header().Get("X-Cache"))

	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "/pst/report", gotPath)
	assert.Equal(t, "application/json", gotContentType)
	assert.JSONEq(t, `{"q":"x"}`, gotBody)
	assert.Empty(t, env.cachedProxyKeys(), "POST responses are never cached")
}

func TestPostRejectsNonJSONContentType(t *testing.T) {
	env := newPipelineEnv(t, envOptions{})

	rr := env.request(http.MethodPost, "/api/v1/pst/report", map[string]string{"content-type": "text/plain"}, "hello")
	assert.Equal(t, http.StatusUnsupportedMediaType, rr.Code)
	assert.Equal(t, int64(0), env.calls.Load())
}

func TestPostRejectsMalformedJSON(t *testing.T) {
	env := newPipelineEnv(t, envOptions{})

	rr := env.request(http.MethodPost, "/api/v1/pst/report", map[string]string{"content-type": "application/json"}, `{"broken":`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, int64(0), env.calls.Load())
}

func TestPostWithoutBodySkipsContentTypeGate(t *testing.T) {
	env := newPipelineEnv(t, envOptions{
		upstream: func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusAccepted)
		},
	})

	rr := env.request(http.MethodPost, "/api/v1/pst/trigger", nil, "")
	assert.Equal(t, http.StatusAccepted, rr.Code)
	assert.Equal(t, int64(1), env.calls.Load())
}

func TestEmbeddedAbsoluteURLRejected(t *testing.T) {
	env := newPipelineEnv(t, envOptions{})

	rr := env.request(http.MethodGet, "/api/v1/https://evil.example/steal", nil, "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	var payload map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &payload))
	assert.Equal(t, "Invalid request path", payload["error"])
	assert.Equal(t, int64(0), env.calls.Load())
}

func TestBasePathStripping(t *testing.T) {
	var gotPath, gotQuery string
	env := newPipelineEnv(t, envOptions{
		upstream: func(w http.ResponseWriter, r *http.Request) {
			gotPath = r.URL.Path
			gotQuery = r.URL.RawQuery
			_, _ = w.Write([]byte(`{}`))
		},
	})

	env.request(http.MethodGet, "/api/v1/pst/find?searchWord=x", nil, "")
	assert.Equal(t, "/pst/find", gotPath)
	assert.Equal(t, "searchWord=x", gotQuery)

	env.request(http.MethodGet, "/api/v1", map[string]string{"accept": "text/html"}, "")
	assert.Equal(t, "/", gotPath)
}

func TestRequestHeaderHygieneEndToEnd(t *testing.T) {
	var seen http.Header
	env := newPipelineEnv(t, envOptions{
		upstream: func(w http.ResponseWriter, r *http.Request) {
			seen = r.Header.Clone()
			_, _ = w.Write([]byte(`{}`))
		},
	})

	rr := env.request(http.MethodGet, "/api/v1/pst/find", map[string]string{
		"Connection":      "x-session-token",
		"X-Session-Token": "hop-secret",
		"X-Forwarded-For": "203.0.113.9",
		"X-Real-IP":       "203.0.113.9",
		"Cookie":          "session=1",
		"X-Trace-Id":      "trace-1",
		"Accept":          "application/json",
	}, "")
	require.Equal(t, http.StatusOK, rr.Code)

	assert.Empty(t, seen.Get("X-Session-Token"), "connection-named header must not be forwarded")
	assert.Empty(t, seen.Get("X-Forwarded-For"))
	assert.Empty(t, seen.Get("X-Real-IP"))
	assert.Empty(t, seen.Get("Cookie"))
	assert.Empty(t, seen.Get("x-api-key"))
	assert.Equal(t, "trace-1", seen.Get("X-Trace-Id"))
	assert.Equal(t, "application/json", seen.Get("Accept"))
}

func TestCacheDebugEmitsKeyHash(t *testing.T) {
	env := newPipelineEnv(t, envOptions{cfg: Config{CacheDebug: true}})

	rr := env.request(http.MethodGet, "/api/v1/pst/find", nil, "")
	assert.Regexp(t, `^[0-9a-f]{32}$`, rr.Header().Get("X-Cache-Key-Hash"))

	again := env.request(http.MethodGet, "/api/v1/pst/find", nil, "")
	assert.Equal(t, rr.Header().Get("X-Cache-Key-Hash"), again.Header().Get("X-Cache-Key-Hash"))
	assert.Equal(t, "HIT", again.Header().Get("X-Cache"))
}

func TestUpstreamFailureReturns502(t *testing.T) {
	env := newPipelineEnv(t, envOptions{})
	env.srv.Close()

	rr := env.request(http.MethodGet, "/api/v1/pst/find", nil, "")
	assert.Equal(t, http.StatusBadGateway, rr.Code)

	var payload map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &payload))
	assert.Equal(t, "Upstream request failed", payload["error"])
}

func TestCorruptedCacheEntryReturns502(t *testing.T) {
	env := newPipelineEnv(t, envOptions{})

	key := cache.BuildKey(http.MethodGet, "/pst/find", cache.KeyHeaders{})
	require.NoError(t, env.mr.Set(key, "not-a-response"))

	rr := env.request(http.MethodGet, "/api/v1/pst/find", nil, "")
	assert.Equal(t, http.StatusBadGateway, rr.Code)
	assert.Equal(t, int64(0), env.calls.Load(), "legacy entry is served from cache, never upstream")
}

func TestNoContentOmitsBody(t *testing.T) {
	env := newPipelineEnv(t, envOptions{
		upstream: func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		},
	})

	rr := env.request(http.MethodGet, "/api/v1/pst/ack", nil, "")
	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Empty(t, rr.Body.String())
	assert.Equal(t, "BYPASS", rr.Header().Get("X-Cache"), "204 responses are not cacheable")
	assert.Empty(t, env.cachedProxyKeys())
}
