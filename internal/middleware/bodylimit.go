package middleware

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

// NewBodyLimitMiddleware caps request bodies at limit bytes. Requests that
// declare a larger Content-Length are rejected with 413 before the handler
// runs; chunked bodies are wrapped with http.MaxBytesReader so downstream
// reads fail once the limit is crossed. A limit <= 0 disables the cap.
func NewBodyLimitMiddleware(limit int64, logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limit <= 0 {
				next.ServeHTTP(w, r)
				return
			}
			if r.ContentLength > limit {
				logger.Warn("request body exceeds limit",
					zap.Int64("content_length", r.ContentLength),
					zap.Int64("limit", limit),
					zap.String("path", r.URL.Path))
				writeBodyTooLarge(w)
				return
			}
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, limit)
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeBodyTooLarge(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusRequestEntityTooLarge)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": "Request body too large"})
}
