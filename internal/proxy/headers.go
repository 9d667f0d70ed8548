package proxy

import (
	"net/http"
	"strings"
)

// hopByHopHeaders are stripped from every inbound request before the
// allowlist runs. The RFC 7230 connection-scoped set plus proxying artifacts
// that must never reach the upstream.
var hopByHopHeaders = []string{
	"connection",
	"keep-alive",
	"proxy-authenticate",
	"proxy-authorization",
	"te",
	"trailer",
	"transfer-encoding",
	"upgrade",
	"host",
	"content-length",
}

// forwardableHeaders is the exact-name forwarding allowlist. Headers
// starting with x- pass as well; the x-api-key credential among them is
// consumed during authentication and removed before the upstream call.
var forwardableHeaders = map[string]bool{
	"accept":          true,
	"accept-encoding": true,
	"accept-language": true,
	"api_key":         true,
	"authorization":   true,
	"content-type":    true,
	"user-agent":      true,
}

// normalizeHeaders flattens an inbound header set into a lowercase map.
// Hop-by-hop headers, every token the connection header names, x-real-ip and
// x-forwarded-* are dropped; multi-value headers are coalesced with ", ".
func normalizeHeaders(h http.Header) map[string]string {
	dropped := make(map[string]bool, len(hopByHopHeaders))
	for _, name := range hopByHopHeaders {
		dropped[name] = true
	}
	for _, v := range h.Values("Connection") {
		for _, token := range strings.Split(v, ",") {
			if token = strings.ToLower(strings.TrimSpace(token)); token != "" {
				dropped[token] = true
			}
		}
	}

	normalized := make(map[string]string, len(h))
	for name, values := range h {
		lower := strings.ToLower(name)
		if dropped[lower] || lower == "x-real-ip" || strings.HasPrefix(lower, "x-forwarded-") {
			continue
		}
		if len(values) == 0 {
			continue
		}
		normalized[lower] = strings.Join(values, ", ")
	}
	return normalized
}

// filterForwardable applies the forwarding allowlist to normalized headers.
func filterForwardable(normalized map[string]string) map[string]string {
	forwardable := make(map[string]string, len(normalized))
	for name, value := range normalized {
		if forwardableHeaders[name] || strings.HasPrefix(name, "x-") {
			forwardable[name] = value
		}
	}
	return forwardable
}

// isJSONContentType accepts application/json and any +json structured
// syntax, ignoring media type parameters.
func isJSONContentType(contentType string) bool {
	mediaType := contentType
	if i := strings.IndexByte(mediaType, ';'); i >= 0 {
		mediaType = mediaType[:i]
	}
	mediaType = strings.ToLower(strings.TrimSpace(mediaType))
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}
