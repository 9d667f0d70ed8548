// Package server assembles the HTTP surface: the caching proxy under
// /api/v1/**, the admin API under /internal/**, health probes, and the
// optional prometheus endpoint. It owns the http.Server lifecycle.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/arvago/api-proxy/internal/admin"
	"github.com/arvago/api-proxy/internal/apikey"
	"github.com/arvago/api-proxy/internal/audit"
	"github.com/arvago/api-proxy/internal/cache"
	"github.com/arvago/api-proxy/internal/config"
	"github.com/arvago/api-proxy/internal/logging"
	"github.com/arvago/api-proxy/internal/metrics"
	"github.com/arvago/api-proxy/internal/middleware"
	"github.com/arvago/api-proxy/internal/proxy"
	"github.com/arvago/api-proxy/internal/ratelimit"
	"github.com/arvago/api-proxy/internal/statestore"
	"github.com/arvago/api-proxy/internal/upstream"
	"go.uber.org/zap"
)

// Server timeouts are fixed rather than configurable: the write timeout must
// outlast the worst-case upstream budget (timeout times retries), which the
// defaults comfortably do.
const (
	readHeaderTimeout = 10 * time.Second
	readTimeout       = 30 * time.Second
	writeTimeout      = 60 * time.Second
	idleTimeout       = 120 * time.Second

	cacheHealthPingTimeout = 2 * time.Second
)

// Server wires the proxy pipeline, admin surface, and health endpoints into
// one http.Server.
type Server struct {
	server *http.Server
	config *config.Config
	state  statestore.Store
	logger *zap.Logger
	audit  *audit.Logger
}

// HealthResponse is the response body of the health endpoints.
type HealthResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// New assembles a server from the given configuration. The state store is
// injected so the caller owns its lifecycle; every other component is
// constructed here. The server is not started until Start or Serve is called.
func New(cfg *config.Config, state statestore.Store, logger *zap.Logger) (*Server, error) {
	registry := apikey.NewRegistry(state, cfg.KeysRedisPrefix, logger)
	limiter := ratelimit.NewLimiter(state, cfg.KeysRedisPrefix,
		int(cfg.RateLimitWindow.Seconds()), cfg.RateLimitMax, logger)

	up, err := upstream.NewClient(upstream.Config{
		BaseURL: cfg.UpstreamBaseURL,
		Timeout: cfg.UpstreamTimeout,
		Retries: cfg.UpstreamRetries,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize upstream client: %w", err)
	}

	cacheStore := cache.NewStore(state, logger, cache.StoreOptions{Debug: cfg.CacheDebug})
	invalidator := cache.NewInvalidator(state, logger)

	auditLogger, err := audit.NewLogger(cfg.AuditLogFile, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize audit log: %w", err)
	}

	pipeline := proxy.NewPipeline(up, registry, limiter, cacheStore, proxy.Config{
		ServerAPIKey:          cfg.UpstreamAPIKey,
		CacheDefaultTTL:       cfg.CacheDefaultTTL,
		CacheStaleTTL:         cfg.CacheStaleTTL,
		IgnoreUpstreamControl: cfg.IgnoreUpstreamControl,
		CacheBypassPaths:      cfg.CacheBypassPaths,
		CacheDebug:            cfg.CacheDebug,
	}, logger)

	adminRouter := admin.NewRouter(cfg.AdminAPIToken, registry, invalidator, limiter, auditLogger, logger)

	s := &Server{
		config: cfg,
		state:  state,
		logger: logger,
		audit:  auditLogger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/health/cache", s.handleCacheHealth)
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", metrics.Handler())
	}
	mux.Handle("/internal/", adminRouter.Handler())
	mux.Handle("/api/v1/", pipeline.Handler())
	mux.HandleFunc("/", s.handleNotFound)

	chain := middleware.Chain(
		middleware.NewRequestIDMiddleware(),
		s.logRequests,
		middleware.NewBodyLimitMiddleware(cfg.BodyLimit, logger),
	)

	s.server = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           chain(mux),
		ReadHeaderTimeout: readHeaderTimeout,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
	}
	return s, nil
}

// Handler exposes the fully assembled handler chain, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start listens on the configured address and serves until the listener
// fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("server listening", zap.String("addr", s.config.ListenAddr))
	return s.server.ListenAndServe()
}

// Serve serves on an already bound listener. The CLI binds first so that
// port conflicts surface before any component starts work.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("server listening", zap.String("addr", ln.Addr().String()))
	return s.server.Serve(ln)
}

// Shutdown gracefully stops the server, waiting for in-flight requests up to
// the context deadline, then closes the audit log.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.server.Shutdown(ctx)
	if cerr := s.audit.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// handleHealth reports process liveness.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeHealth(w, HealthResponse{Status: "ok"})
}

// handleCacheHealth reports state-store health: degraded when the store is
// the in-process fallback or does not answer a ping. The status code stays
// 200 because the proxy keeps serving (fail-closed) without the store.
func (s *Server) handleCacheHealth(w http.ResponseWriter, r *http.Request) {
	if s.state.Fallback() {
		s.writeHealth(w, HealthResponse{
			Status:  "degraded",
			Message: "state store unavailable, using in-process fallback",
		})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), cacheHealthPingTimeout)
	defer cancel()
	if err := s.state.Ping(ctx); err != nil {
		s.writeHealth(w, HealthResponse{
			Status:  "degraded",
			Message: "state store ping failed: " + err.Error(),
		})
		return
	}

	s.writeHealth(w, HealthResponse{Status: "ok"})
}

func (s *Server) writeHealth(w http.ResponseWriter, response HealthResponse) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		s.logger.Error("failed to encode health response", zap.Error(err))
	}
}

// handleNotFound catches routes outside the proxy and admin surfaces.
func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	s.logger.Info("route not found",
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.String("remote_addr", r.RemoteAddr))
	http.NotFound(w, r)
}

// logRequests logs request completion with timing and status. The request ID
// middleware runs outside this one, so the context already carries the ID.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		s.logger.Debug("request started",
			zap.String(logging.FieldRequestID, logging.GetRequestID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("remote_addr", r.RemoteAddr))

		next.ServeHTTP(rw, r)

		s.logger.Info("request completed",
			zap.String(logging.FieldRequestID, logging.GetRequestID(r.Context())),
			zap.String(logging.FieldCorrelationID, logging.GetCorrelationID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rw.statusCode),
			zap.Duration("duration", time.Since(start)))
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
