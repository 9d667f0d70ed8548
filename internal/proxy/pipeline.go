// Package proxy implements the data-plane request pipeline: header hygiene,
// API-key authentication, rate limiting, path rewriting, cached GET dispatch
// with stale-while-revalidate, and upstream relay.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/arvago/api-proxy/internal/apikey"
	"github.com/arvago/api-proxy/internal/cache"
	"github.com/arvago/api-proxy/internal/logging"
	"github.com/arvago/api-proxy/internal/metrics"
	"github.com/arvago/api-proxy/internal/ratelimit"
	"github.com/arvago/api-proxy/internal/upstream"
	"github.com/arvago/api-proxy/internal/utils"
	"go.uber.org/zap"
)

var errInvalidPath = errors.New("invalid request path")

// KeyValidator authenticates raw client API keys.
type KeyValidator interface {
	Validate(ctx context.Context, rawKey string) (apikey.Consumer, error)
}

// RateLimiter admits or rejects one request for a scope and identifier.
type RateLimiter interface {
	Consume(ctx context.Context, scope, identifier string) ratelimit.Decision
}

// Config carries the pipeline's request-handling settings.
type Config struct {
	// BasePath is the public route prefix stripped before forwarding.
	// Defaults to /api/v1.
	BasePath string
	// ServerAPIKey is injected as the upstream api_key header when the
	// client did not send one. Empty disables injection.
	ServerAPIKey string

	CacheDefaultTTL       time.Duration
	CacheStaleTTL         time.Duration
	IgnoreUpstreamControl bool
	CacheBypassPaths      []string
	CacheDebug            bool
}

// Pipeline is the proxy data plane serving the public API surface.
type Pipeline struct {
	upstream *upstream.Client
	keys     KeyValidator
	limits   RateLimiter
	cache    *cache.Store
	cfg      Config
	logger   *zap.Logger
}

// NewPipeline wires the data plane together.
func NewPipeline(up *upstream.Client, keys KeyValidator, limits RateLimiter, cacheStore *cache.Store, cfg Config, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BasePath == "" {
		cfg.BasePath = "/api/v1"
	}
	return &Pipeline{
		upstream: up,
		keys:     keys,
		limits:   limits,
		cache:    cacheStore,
		cfg:      cfg,
		logger:   logger,
	}
}

// Handler returns the http.Handler for the proxied API surface. Every
// request is observed exactly once in the request metrics, with the status
// the client actually received.
func (p *Pipeline) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		cacheStatus := p.serve(rec, r)
		metrics.ObserveProxyResponse(r.Method, rec.status, cacheStatus, time.Since(start))
	})
}

func (p *Pipeline) serve(w http.ResponseWriter, r *http.Request) string {
	headers := filterForwardable(normalizeHeaders(r.Header))
	rawKey := headers["x-api-key"]
	delete(headers, "x-api-key")

	consumer, err := p.keys.Validate(r.Context(), rawKey)
	if err != nil {
		return p.rejectUnauthenticated(w, r, rawKey, err)
	}

	decision := p.limits.Consume(r.Context(), ratelimit.ScopeKey, consumer.KeyID)
	setRateLimitHeaders(w, decision)
	if !decision.Allowed {
		metrics.RateLimitRejectionInc(ratelimit.ScopeKey)
		w.Header().Set("Retry-After", strconv.Itoa(decision.RetryAfter))
		writeJSONError(w, http.StatusTooManyRequests, "Rate limit exceeded")
		return ""
	}

	forwardPath, err := rewritePath(r.URL.Path, p.cfg.BasePath)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "Invalid request path")
		return ""
	}
	pathWithQuery := forwardPath
	if r.URL.RawQuery != "" {
		pathWithQuery += "?" + r.URL.RawQuery
	}

	if p.cfg.ServerAPIKey != "" {
		if _, ok := headers["api_key"]; !ok {
			headers["api_key"] = p.cfg.ServerAPIKey
		}
	}

	switch r.Method {
	case http.MethodGet:
		return p.serveGet(w, r, headers, forwardPath, pathWithQuery)
	case http.MethodPost:
		return p.servePost(w, r, headers, pathWithQuery)
	default:
		writeJSONError(w, http.StatusNotFound, "Not found")
		return ""
	}
}

// rejectUnauthenticated applies the preauth limit and maps the validation
// failure. The store being unreachable is not an authentication verdict, so
// that case fails closed with 503 instead.
func (p *Pipeline) rejectUnauthenticated(w http.ResponseWriter, r *http.Request, rawKey string, err error) string {
	if errors.Is(err, apikey.ErrStoreUnavailable) {
		p.logError(r, "api key validation unavailable", err)
		writeJSONError(w, http.StatusServiceUnavailable, "Service temporarily unavailable")
		return ""
	}

	p.logger.Debug("api key rejected", zap.Error(err), zap.String("path", r.URL.Path))

	identifier := ratelimit.ClientIdentifier(clientIP(r), rawKey != "")
	decision := p.limits.Consume(r.Context(), ratelimit.ScopePreauth, identifier)
	setRateLimitHeaders(w, decision)
	if !decision.Allowed {
		metrics.RateLimitRejectionInc(ratelimit.ScopePreauth)
		w.Header().Set("Retry-After", strconv.Itoa(decision.RetryAfter))
		writeJSONError(w, http.StatusTooManyRequests, "Rate limit exceeded")
		return ""
	}
	writeJSONError(w, http.StatusUnauthorized, "Invalid or missing API key")
	return ""
}

func (p *Pipeline) serveGet(w http.ResponseWriter, r *http.Request, headers map[string]string, forwardPath, pathWithQuery string) string {
	key := cache.BuildKey(http.MethodGet, pathWithQuery, cache.KeyHeaders{
		Accept:         headers["accept"],
		AcceptLanguage: headers["accept-language"],
		APIKey:         headers["api_key"],
	})

	if cache.ShouldBypass(headers["authorization"], forwardPath, p.cfg.CacheBypassPaths) {
		res, err := p.callUpstream(r.Context(), http.MethodGet, pathWithQuery, nil, headers)
		if err != nil {
			return p.respondUpstreamError(w, r, err)
		}
		p.relay(w, res, cache.StatusBypass, key)
		return string(cache.StatusBypass)
	}

	value, status, err := p.cache.SWR(r.Context(), key, p.newLoader(pathWithQuery, headers))
	if err != nil {
		return p.respondUpstreamError(w, r, err)
	}

	var res upstream.Response
	if err := json.Unmarshal(value, &res); err != nil {
		p.logError(r, "cached entry is not decodable", err)
		writeJSONError(w, http.StatusBadGateway, "Upstream request failed")
		return string(status)
	}
	p.relay(w, &res, status, key)
	return string(status)
}

func (p *Pipeline) servePost(w http.ResponseWriter, r *http.Request, headers map[string]string, pathWithQuery string) string {
	payload, errStatus, errMessage := readJSONBody(r, headers["content-type"])
	if errStatus != 0 {
		writeJSONError(w, errStatus, errMessage)
		return ""
	}

	res, err := p.callUpstream(r.Context(), http.MethodPost, pathWithQuery, payload, headers)
	if err != nil {
		return p.respondUpstreamError(w, r, err)
	}
	p.relay(w, res, cache.StatusBypass, "")
	return string(cache.StatusBypass)
}

// newLoader adapts the upstream call and the write policy to the cache
// store. The header map is copied because a stale refresh runs the loader
// after the originating handler has returned.
func (p *Pipeline) newLoader(pathWithQuery string, headers map[string]string) cache.Loader {
	copied := make(map[string]string, len(headers))
	for name, value := range headers {
		copied[name] = value
	}
	return func(ctx context.Context) (cache.LoadResult, error) {
		res, err := p.callUpstream(ctx, http.MethodGet, pathWithQuery, nil, copied)
		if err != nil {
			return cache.LoadResult{}, err
		}
		entry, err := json.Marshal(res)
		if err != nil {
			return cache.LoadResult{}, err
		}
		decision := cache.Decide(res.Status, res.Headers, cache.Options{
			IgnoreUpstreamControl: p.cfg.IgnoreUpstreamControl,
		})
		ttl := p.cfg.CacheDefaultTTL
		if decision.TTLSeconds > 0 {
			ttl = time.Duration(decision.TTLSeconds) * time.Second
		}
		return cache.LoadResult{
			Value:     entry,
			Cacheable: decision.Cacheable,
			TTL:       ttl,
			StaleTTL:  p.cfg.CacheStaleTTL,
		}, nil
	}
}

// callUpstream performs one upstream exchange and records its metrics.
// Transport failures are observed with status 0.
func (p *Pipeline) callUpstream(ctx context.Context, method, pathWithQuery string, body interface{}, headers map[string]string) (*upstream.Response, error) {
	start := time.Now()
	res, err := p.upstream.RequestRaw(ctx, method, pathWithQuery, body, headers)
	if err != nil {
		metrics.ObserveUpstreamResponse(method, 0, time.Since(start))
		return nil, err
	}
	metrics.ObserveUpstreamResponse(method, res.Status, time.Since(start))
	return res, nil
}

// relay writes an upstream response to the client. Rate-limit headers were
// set before dispatch and survive; retained upstream headers are copied over.
func (p *Pipeline) relay(w http.ResponseWriter, res *upstream.Response, status cache.Status, key string) {
	h := w.Header()
	for name, value := range res.Headers {
		h.Set(name, value)
	}
	if res.ContentType != "" && res.Status != http.StatusNoContent && res.Status != http.StatusNotModified {
		h.Set("Content-Type", res.ContentType)
	}
	h.Set("X-Cache", string(status))
	if p.cfg.CacheDebug && key != "" {
		h.Set("X-Cache-Key-Hash", utils.Fingerprint(key))
	}
	w.WriteHeader(res.Status)
	if res.Status == http.StatusNoContent || res.Status == http.StatusNotModified {
		return
	}
	if len(res.Body) > 0 {
		_, _ = w.Write(res.Body)
		return
	}
	if res.Text != "" {
		_, _ = io.WriteString(w, res.Text)
	}
}

// respondUpstreamError maps upstream failures onto the wire. Invalid paths
// are the caller's fault and keep a 4xx; everything else collapses to a
// generic 502 so internal detail never leaks.
func (p *Pipeline) respondUpstreamError(w http.ResponseWriter, r *http.Request, err error) string {
	if errors.Is(err, upstream.ErrInvalidPath) {
		writeJSONError(w, http.StatusBadRequest, "Invalid request path")
		return ""
	}
	p.logError(r, "upstream request failed", err)
	writeJSONError(w, http.StatusBadGateway, "Upstream request failed")
	return ""
}

func (p *Pipeline) logError(r *http.Request, msg string, err error) {
	p.logger.Error(msg,
		zap.Error(err),
		zap.String(logging.FieldRequestID, logging.GetRequestID(r.Context())),
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path))
}

// readJSONBody enforces the JSON-only POST contract. It returns the payload
// to forward (nil when the request has no body) or a non-zero HTTP status
// and message describing the rejection.
func readJSONBody(r *http.Request, contentType string) (interface{}, int, string) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			return nil, http.StatusRequestEntityTooLarge, "Request body too large"
		}
		return nil, http.StatusBadRequest, "Unable to read request body"
	}
	if len(data) == 0 {
		return nil, 0, ""
	}
	if !isJSONContentType(contentType) {
		return nil, http.StatusUnsupportedMediaType, "Content-Type must be application/json"
	}
	if !json.Valid(data) {
		return nil, http.StatusBadRequest, "Request body must be valid JSON"
	}
	return json.RawMessage(data), 0, ""
}

// rewritePath strips the public base path and normalizes the remainder for
// upstream resolution. Paths embedding an absolute URL are rejected.
func rewritePath(rawPath, basePath string) (string, error) {
	path := rawPath
	if basePath != "" && basePath != "/" {
		if path == basePath {
			path = "/"
		} else if strings.HasPrefix(path, basePath+"/") {
			path = strings.TrimPrefix(path, basePath)
		}
	}
	if strings.Contains(path, "://") {
		return "", errInvalidPath
	}
	for len(path) >= 2 && path[0] == '/' && path[1] == '/' {
		path = path[1:]
	}
	if path == "" {
		return "/", nil
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return path, nil
}

// clientIP extracts the peer address without its port. x-forwarded-for is
// deliberately ignored; the limiter keys on the direct peer.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func setRateLimitHeaders(w http.ResponseWriter, d ratelimit.Decision) {
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt, 10))
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// statusRecorder captures the status code the pipeline wrote so the metrics
// observation sees the final outcome.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
