// Package cache implements the response cache: key construction, the
// cacheability policy applied to upstream responses, the envelope store with
// stale-while-revalidate reads, and pattern-based invalidation.
package cache

import (
	"math"
	"strconv"
	"strings"

	"github.com/arvago/api-proxy/internal/utils"
)

// KeyPrefix namespaces every response-cache entry in the state store. The
// invalidator relies on it to keep admin deletes away from the key registry
// and rate-limit namespaces.
const KeyPrefix = "proxy:"

// KeyHeaders are the request headers that participate in cache keying.
// APIKey is the raw client credential; it is folded into the key as a
// salted digest and never appears in the key itself.
type KeyHeaders struct {
	Accept         string `json:"accept"`
	AcceptLanguage string `json:"acceptLanguage"`
	APIKey         string `json:"apiKey"`
}

// BuildKey derives the cache key for a request:
//
//	proxy:{METHOD}:{PATH_WITH_QUERY}:{accept}|{accept-language}|{credentialSalt}
//
// accept and accept-language are trimmed and lowercased so header casing does
// not split the cache. The credential salt is sha256(method:path:apiKey) in
// hex, or empty when no key was sent; requests that differ only in their
// api_key land on different entries.
func BuildKey(method, pathWithQuery string, h KeyHeaders) string {
	salt := ""
	if h.APIKey != "" {
		salt = utils.SHA256Hex(method + ":" + pathWithQuery + ":" + h.APIKey)
	}
	fingerprint := normalizeKeyHeader(h.Accept) + "|" + normalizeKeyHeader(h.AcceptLanguage) + "|" + salt
	return KeyPrefix + method + ":" + pathWithQuery + ":" + fingerprint
}

func normalizeKeyHeader(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}

// Options control how Decide treats upstream cache directives.
type Options struct {
	// IgnoreUpstreamControl caches every 2xx response regardless of
	// cache-control, leaving the TTL to the configured default.
	IgnoreUpstreamControl bool
}

// Decision is the cacheability verdict for one upstream response.
// TTLSeconds is zero when no upstream directive named one; the caller
// applies its configured default in that case.
type Decision struct {
	Cacheable  bool
	TTLSeconds int
}

// Decide applies the write policy to an upstream response. Headers are the
// retained upstream response headers with lowercase names.
func Decide(status int, headers map[string]string, opts Options) Decision {
	if status == 204 || status == 304 {
		return Decision{}
	}
	if status < 200 || status >= 300 {
		return Decision{}
	}
	if opts.IgnoreUpstreamControl {
		return Decision{Cacheable: true}
	}

	directives := ParseCacheControl(headers["cache-control"])
	if _, ok := directives["no-store"]; ok {
		return Decision{}
	}
	if _, ok := directives["private"]; ok {
		return Decision{}
	}

	for _, name := range []string{"s-maxage", "max-age"} {
		raw, ok := directives[name]
		if !ok {
			continue
		}
		secs, err := strconv.ParseFloat(raw, 64)
		if err != nil || math.IsNaN(secs) || math.IsInf(secs, 0) {
			continue
		}
		ttl := int(math.Floor(secs))
		if ttl <= 0 {
			return Decision{}
		}
		return Decision{Cacheable: true, TTLSeconds: ttl}
	}

	return Decision{Cacheable: true}
}

// ParseCacheControl splits a cache-control value into a directive map.
// Directive names are lowercased, bare tokens map to "true", and values
// lose one layer of surrounding double quotes.
func ParseCacheControl(v string) map[string]string {
	directives := make(map[string]string)
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, value, hasValue := strings.Cut(part, "=")
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		if !hasValue {
			directives[name] = "true"
			continue
		}
		value = strings.TrimSpace(value)
		if len(value) >= 2 && strings.HasPrefix(value, `"`) && strings.HasSuffix(value, `"`) {
			value = value[1 : len(value)-1]
		}
		directives[name] = value
	}
	return directives
}

// ShouldBypass reports whether a request must skip both cache lookup and
// cache write. Requests carrying an authorization header are never served
// from the shared cache, and neither is anything under a configured bypass
// prefix. The prefix "/" bypasses everything.
func ShouldBypass(authorization, path string, bypassPrefixes []string) bool {
	if authorization != "" {
		return true
	}
	base := NormalizeBasePath(path)
	for _, prefix := range bypassPrefixes {
		prefix = NormalizeBasePath(prefix)
		if prefix == "/" {
			return true
		}
		if base == prefix || strings.HasPrefix(base, prefix+"/") {
			return true
		}
	}
	return false
}

// NormalizeBasePath strips the query string, forces a leading slash, and
// collapses trailing slashes. Empty input normalizes to "/".
func NormalizeBasePath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	for len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimSuffix(p, "/")
	}
	return p
}
