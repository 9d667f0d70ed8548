package middleware

import (
	"net/http"
	"strings"

	"github.com/arvago/api-proxy/internal/logging"
	"github.com/google/uuid"
)

// NewRequestIDMiddleware propagates request and correlation IDs. Incoming
// X-Request-ID / X-Correlation-ID headers are honored when non-blank; otherwise
// fresh UUIDs are generated. Both IDs are stored in the request context for the
// logging helpers and echoed back as response headers.
func NewRequestIDMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := getOrGenerateID(r.Header.Get("X-Request-ID"))
			correlationID := getOrGenerateID(r.Header.Get("X-Correlation-ID"))

			ctx := logging.WithRequestID(r.Context(), requestID)
			ctx = logging.WithCorrelationID(ctx, correlationID)

			w.Header().Set("X-Request-ID", requestID)
			w.Header().Set("X-Correlation-ID", correlationID)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// getOrGenerateID returns the provided ID if non-blank, otherwise a new UUID.
func getOrGenerateID(existingID string) string {
	existingID = strings.TrimSpace(existingID)
	if existingID == "" {
		return uuid.New().String()
	}
	return existingID
}
