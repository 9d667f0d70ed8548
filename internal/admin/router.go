package admin

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/arvago/api-proxy/internal/apikey"
	"github.com/arvago/api-proxy/internal/audit"
	"github.com/arvago/api-proxy/internal/cache"
	"github.com/arvago/api-proxy/internal/logging"
	"github.com/arvago/api-proxy/internal/metrics"
	"github.com/arvago/api-proxy/internal/ratelimit"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// KeyRegistry is the key-lifecycle surface the handlers drive.
type KeyRegistry interface {
	Create(ctx context.Context, params apikey.CreateParams) (string, apikey.Record, error)
	List(ctx context.Context) ([]apikey.Record, error)
	Revoke(ctx context.Context, keyID string) (apikey.Record, error)
	Activate(ctx context.Context, keyID string) (apikey.Record, error)
	Delete(ctx context.Context, keyID string) error
}

// CacheInvalidator executes admin cache invalidations.
type CacheInvalidator interface {
	Invalidate(ctx context.Context, req cache.Request) (cache.Result, error)
}

// RateLimiter admits or rejects one request for a scope and identifier.
type RateLimiter interface {
	Consume(ctx context.Context, scope, identifier string) ratelimit.Decision
}

// Router serves the /internal/** admin surface.
type Router struct {
	token       string
	identity    string
	registry    KeyRegistry
	invalidator CacheInvalidator
	limits      RateLimiter
	audit       *audit.Logger
	logger      *zap.Logger
	engine      *gin.Engine
}

// NewRouter builds the admin router. The bearer token must be non-empty;
// config validation enforces that before the server starts.
func NewRouter(token string, registry KeyRegistry, invalidator CacheInvalidator, limits RateLimiter, auditLogger *audit.Logger, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	if auditLogger == nil {
		auditLogger = audit.NewNullLogger()
	}

	r := &Router{
		token:       token,
		identity:    audit.Identity(token),
		registry:    registry,
		invalidator: invalidator,
		limits:      limits,
		audit:       auditLogger,
		logger:      logger,
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	group := engine.Group("/internal")
	group.Use(r.throttle(), r.requireBearer())
	group.POST("/api-keys", r.handleCreateKey)
	group.GET("/api-keys", r.handleListKeys)
	group.POST("/api-keys/:keyId/revoke", r.handleRevokeKey)
	group.POST("/api-keys/:keyId/activate", r.handleActivateKey)
	group.DELETE("/api-keys/:keyId", r.handleDeleteKey)
	group.POST("/cache/invalidate", r.handleInvalidateCache)

	r.engine = engine
	return r
}

// Handler exposes the router for mounting into the main server.
func (r *Router) Handler() http.Handler {
	return r.engine
}

// throttle applies the admin-scope rate limit before authentication. The
// identifier records only whether a bearer was presented, never its value.
func (r *Router) throttle() gin.HandlerFunc {
	return func(c *gin.Context) {
		presented := bearerToken(c.GetHeader("Authorization")) != ""
		identifier := ratelimit.ClientIdentifier(c.ClientIP(), presented)
		decision := r.limits.Consume(c.Request.Context(), ratelimit.ScopeAdmin, identifier)

		h := c.Writer.Header()
		h.Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
		h.Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
		h.Set("X-RateLimit-Reset", strconv.FormatInt(decision.ResetAt, 10))

		if !decision.Allowed {
			metrics.RateLimitRejectionInc(ratelimit.ScopeAdmin)
			c.Header("Retry-After", strconv.Itoa(decision.RetryAfter))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "Rate limit exceeded"})
			return
		}
		c.Next()
	}
}

// requireBearer compares the presented token against the configured one in
// constant time.
func (r *Router) requireBearer() gin.HandlerFunc {
	return func(c *gin.Context) {
		presented := bearerToken(c.GetHeader("Authorization"))
		if r.token == "" || subtle.ConstantTimeCompare([]byte(presented), []byte(r.token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}
		c.Next()
	}
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}

// event starts an audit record for the current request.
func (r *Router) event(c *gin.Context, action string) *audit.Event {
	evt := audit.NewEvent(action, r.identity).WithIP(c.ClientIP())
	if requestID := logging.GetRequestID(c.Request.Context()); requestID != "" {
		evt.WithRequestID(requestID)
	}
	return evt
}

func (r *Router) handleCreateKey(c *gin.Context) {
	evt := r.event(c, audit.ActionKeyCreate)

	var params CreateKeyParams
	if err := c.ShouldBindJSON(&params); err != nil {
		r.audit.Log(evt.WithError(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "owner is required"})
		return
	}
	evt.WithDetail("owner", params.Owner)

	rawKey, record, err := r.registry.Create(c.Request.Context(), apikey.CreateParams{
		Owner:     params.Owner,
		Label:     params.Label,
		Contact:   params.Contact,
		CreatedBy: params.CreatedBy,
		ExpiresAt: params.ExpiresAt,
	})
	if err != nil {
		r.audit.Log(evt.WithError(err))
		r.respondRegistryError(c, err)
		return
	}

	r.audit.Log(evt.WithDetail("keyId", record.KeyID))
	c.JSON(http.StatusCreated, CreatedKey{Key: keyOf(record), APIKey: rawKey})
}

func (r *Router) handleListKeys(c *gin.Context) {
	evt := r.event(c, audit.ActionKeyList)

	records, err := r.registry.List(c.Request.Context())
	if err != nil {
		r.audit.Log(evt.WithError(err))
		r.respondRegistryError(c, err)
		return
	}

	items := make([]Key, 0, len(records))
	for _, record := range records {
		items = append(items, keyOf(record))
	}

	r.audit.Log(evt.WithDetail("count", len(items)))
	c.JSON(http.StatusOK, keyListResponse{Items: items})
}

func (r *Router) handleRevokeKey(c *gin.Context) {
	keyID := c.Param("keyId")
	evt := r.event(c, audit.ActionKeyRevoke).WithDetail("keyId", keyID)

	if _, err := r.registry.Revoke(c.Request.Context(), keyID); err != nil {
		r.audit.Log(evt.WithError(err))
		r.respondRegistryError(c, err)
		return
	}

	r.audit.Log(evt)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (r *Router) handleActivateKey(c *gin.Context) {
	keyID := c.Param("keyId")
	evt := r.event(c, audit.ActionKeyActivate).WithDetail("keyId", keyID)

	if _, err := r.registry.Activate(c.Request.Context(), keyID); err != nil {
		r.audit.Log(evt.WithError(err))
		r.respondRegistryError(c, err)
		return
	}

	r.audit.Log(evt)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (r *Router) handleDeleteKey(c *gin.Context) {
	keyID := c.Param("keyId")
	evt := r.event(c, audit.ActionKeyDelete).WithDetail("keyId", keyID)

	if err := r.registry.Delete(c.Request.Context(), keyID); err != nil {
		r.audit.Log(evt.WithError(err))
		r.respondRegistryError(c, err)
		return
	}

	r.audit.Log(evt)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (r *Router) handleInvalidateCache(c *gin.Context) {
	evt := r.event(c, audit.ActionCacheInvalidate)

	var params InvalidateParams
	if err := c.ShouldBindJSON(&params); err != nil {
		r.audit.Log(evt.WithError(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	evt.WithDetail("scope", params.Scope).WithDetail("dryRun", params.DryRun)

	req := cache.Request{
		Scope:      params.Scope,
		Path:       params.Path,
		PathPrefix: params.PathPrefix,
		Strict:     params.Strict,
		DryRun:     params.DryRun,
	}
	if params.Headers != nil {
		req.Headers = cache.KeyHeaders{
			Accept:         params.Headers.Accept,
			AcceptLanguage: params.Headers.AcceptLanguage,
			APIKey:         params.Headers.APIKey,
		}
	}

	result, err := r.invalidator.Invalidate(c.Request.Context(), req)
	if err != nil {
		r.audit.Log(evt.WithError(err))
		if errors.Is(err, cache.ErrBadRequest) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		r.logger.Error("cache invalidation failed", zap.Error(err), zap.String("scope", params.Scope))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Cache backend unavailable"})
		return
	}

	r.audit.Log(evt.WithDetail("matched", result.Matched).WithDetail("deleted", result.Deleted))
	c.JSON(http.StatusOK, InvalidateResult{
		OK:      true,
		Scope:   result.Scope,
		DryRun:  result.DryRun,
		Matched: result.Matched,
		Deleted: result.Deleted,
	})
}

// respondRegistryError maps registry sentinels onto the admin wire.
func (r *Router) respondRegistryError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, apikey.ErrKeyNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Key not found"})
	case errors.Is(err, apikey.ErrStoreUnavailable):
		r.logger.Error("key store unavailable", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Key store unavailable"})
	default:
		r.logger.Error("admin operation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
	}
}
