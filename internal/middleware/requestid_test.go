package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/arvago/api-proxy/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestIDMiddleware(t *testing.T) {
	tests := []struct {
		name                  string
		existingRequestID     string
		existingCorrelationID string
	}{
		{name: "no existing headers - generates new IDs"},
		{name: "existing request ID - uses it", existingRequestID: "existing-req-123"},
		{name: "existing correlation ID - uses it", existingCorrelationID: "existing-corr-456"},
		{name: "both existing headers - uses them", existingRequestID: "existing-req-123", existingCorrelationID: "existing-corr-456"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mw := NewRequestIDMiddleware()

			var contextRequestID, contextCorrelationID string
			handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				contextRequestID = logging.GetRequestID(r.Context())
				contextCorrelationID = logging.GetCorrelationID(r.Context())
				w.WriteHeader(http.StatusOK)
			})

			req := httptest.NewRequest(http.MethodGet, "/test", nil)
			if tt.existingRequestID != "" {
				req.Header.Set("X-Request-ID", tt.existingRequestID)
			}
			if tt.existingCorrelationID != "" {
				req.Header.Set("X-Correlation-ID", tt.existingCorrelationID)
			}
			rr := httptest.NewRecorder()

			mw(handler).ServeHTTP(rr, req)

			require.NotEmpty(t, contextRequestID, "request ID should be in context")
			require.NotEmpty(t, contextCorrelationID, "correlation ID should be in context")

			if tt.existingRequestID != "" {
				assert.Equal(t, tt.existingRequestID, contextRequestID)
			} else {
				assert.Regexp(t, `^[a-f0-9-]{36}$`, contextRequestID, "generated request ID should be UUID format")
			}
			if tt.existingCorrelationID != "" {
				assert.Equal(t, tt.existingCorrelationID, contextCorrelationID)
			} else {
				assert.Regexp(t, `^[a-f0-9-]{36}$`, contextCorrelationID, "generated correlation ID should be UUID format")
			}

			assert.Equal(t, contextRequestID, rr.Header().Get("X-Request-ID"))
			assert.Equal(t, contextCorrelationID, rr.Header().Get("X-Correlation-ID"))
		})
	}
}

func TestRequestIDMiddlewareGeneratesUniqueIDs(t *testing.T) {
	mw := NewRequestIDMiddleware()

	seenRequestIDs := make(map[string]bool)
	seenCorrelationIDs := make(map[string]bool)

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requestID := logging.GetRequestID(r.Context()); requestID != "" {
			seenRequestIDs[requestID] = true
		}
		if correlationID := logging.GetCorrelationID(r.Context()); correlationID != "" {
			seenCorrelationIDs[correlationID] = true
		}
	})

	for i := 0; i < 10; i++ {
		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		mw(handler).ServeHTTP(httptest.NewRecorder(), req)
	}

	assert.Len(t, seenRequestIDs, 10, "should generate unique request IDs")
	assert.Len(t, seenCorrelationIDs, 10, "should generate unique correlation IDs")
}

func TestRequestIDMiddlewareBlankHeaderRegenerates(t *testing.T) {
	mw := NewRequestIDMiddleware()

	var contextRequestID string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		contextRequestID = logging.GetRequestID(r.Context())
	})

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set("X-Request-ID", "   ")
	mw(handler).ServeHTTP(httptest.NewRecorder(), req)

	assert.NotEmpty(t, contextRequestID)
	assert.NotEqual(t, "   ", contextRequestID, "whitespace-only header should be replaced")
}
