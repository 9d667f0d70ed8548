// Package upstream implements the outbound HTTP client for the proxied API:
// origin pinning, per-request deadlines, idempotent retries on transient
// failures, response header allowlisting, content-encoding decoding, and
// JSON body handling with a raw-text fallback.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Errors callers branch on.
var (
	// ErrUpstreamTimeout marks an attempt that exceeded the configured
	// per-request deadline. The pipeline maps it to a 502.
	ErrUpstreamTimeout = errors.New("upstream request timed out")
	// ErrInvalidPath marks request paths that are absolute or would escape
	// the configured origin. The pipeline maps it to a 400.
	ErrInvalidPath = errors.New("request path must be origin-relative")
)

// retainedHeaders is the subset of upstream response headers relayed to
// clients and persisted inside cache entries. Everything else is dropped.
var retainedHeaders = []string{
	"cache-control",
	"etag",
	"last-modified",
	"expires",
	"vary",
	"content-encoding",
	"content-language",
	"content-disposition",
}

const defaultTimeout = 5 * time.Second

// retryBaseBackoff is doubled per attempt between GET retries.
const retryBaseBackoff = 100 * time.Millisecond

// Response is the buffered outcome of one upstream call. Body holds
// validated JSON, Text the non-JSON fallback; both are empty for an empty
// upstream body. Headers carries only the retained allowlist, lowercased.
// The struct serializes as-is into cache entries.
type Response struct {
	Status      int               `json:"status"`
	Body        json.RawMessage   `json:"body,omitempty"`
	Text        string            `json:"text,omitempty"`
	ContentType string            `json:"contentType,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
}

// Config carries the client settings taken from HTTP_CLIENT_* configuration.
type Config struct {
	// BaseURL is the upstream origin: scheme and authority only.
	BaseURL string
	// Timeout bounds each attempt. Zero applies the 5 second default.
	Timeout time.Duration
	// Retries is the number of extra attempts for GET requests on
	// transient failures.
	Retries int
}

// Client issues requests against one fixed upstream origin. Safe for
// concurrent use; all requests share one pooled transport.
type Client struct {
	base       *url.URL
	httpClient *http.Client
	timeout    time.Duration
	retries    int
	logger     *zap.Logger

	backoff time.Duration
}

// NewClient validates the configured origin and builds the client. The base
// URL must be origin-only: an http(s) scheme and authority with no path
// beyond "/", no query, no fragment, and no userinfo.
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	base, err := url.Parse(strings.TrimSpace(cfg.BaseURL))
	if err != nil {
		return nil, fmt.Errorf("invalid upstream base URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("upstream base URL must use http or https: %q", cfg.BaseURL)
	}
	if base.Host == "" {
		return nil, fmt.Errorf("upstream base URL must name a host: %q", cfg.BaseURL)
	}
	if (base.Path != "" && base.Path != "/") || base.RawQuery != "" || base.Fragment != "" || base.User != nil {
		return nil, fmt.Errorf("upstream base URL must be origin-only: %q", cfg.BaseURL)
	}
	base.Path = ""

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	retries := cfg.Retries
	if retries < 0 {
		retries = 0
	}

	return &Client{
		base:       base,
		httpClient: &http.Client{Transport: newTransport()},
		timeout:    timeout,
		retries:    retries,
		logger:     logger,
		backoff:    retryBaseBackoff,
	}, nil
}

func newTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// RequestRaw performs one upstream request and returns the buffered response
// regardless of status code; only network-level failures are errors. A
// non-nil body is JSON-encoded and forces content-type: application/json.
// GET requests are retried on transient failures (network errors, timeouts,
// 5xx responses), never on 4xx, caller cancellation, or non-GET methods.
func (c *Client) RequestRaw(ctx context.Context, method, pathWithQuery string, body interface{}, headers map[string]string) (*Response, error) {
	target, err := c.resolve(pathWithQuery)
	if err != nil {
		return nil, err
	}

	var payload []byte
	if body != nil {
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
	}

	maxAttempts := 1
	if method == http.MethodGet {
		maxAttempts = c.retries + 1
	}

	for attempt := 0; ; attempt++ {
		res, err := c.do(ctx, method, target, payload, headers)
		if err == nil {
			if res.Status >= 500 && attempt < maxAttempts-1 {
				c.logger.Debug("retrying after upstream server error",
					zap.Int("status", res.Status),
					zap.Int("attempt", attempt+1))
				if err := c.sleep(ctx, attempt); err != nil {
					return nil, err
				}
				continue
			}
			return res, nil
		}

		// Caller cancellation or the caller's own deadline: give up.
		if ctx.Err() != nil {
			return nil, err
		}
		if attempt >= maxAttempts-1 {
			return nil, err
		}
		c.logger.Debug("retrying after upstream failure",
			zap.Error(err),
			zap.Int("attempt", attempt+1))
		if err := c.sleep(ctx, attempt); err != nil {
			return nil, err
		}
	}
}

// Get fetches pathWithQuery and errors on non-2xx statuses. Intended for
// internal callers that only want successful payloads.
func (c *Client) Get(ctx context.Context, pathWithQuery string, headers map[string]string) (*Response, error) {
	res, err := c.RequestRaw(ctx, http.MethodGet, pathWithQuery, nil, headers)
	if err != nil {
		return nil, err
	}
	if res.Status < 200 || res.Status >= 300 {
		return nil, fmt.Errorf("upstream returned status %d", res.Status)
	}
	return res, nil
}

// Post sends a JSON body and errors on non-2xx statuses.
func (c *Client) Post(ctx context.Context, pathWithQuery string, body interface{}, headers map[string]string) (*Response, error) {
	res, err := c.RequestRaw(ctx, http.MethodPost, pathWithQuery, body, headers)
	if err != nil {
		return nil, err
	}
	if res.Status < 200 || res.Status >= 300 {
		return nil, fmt.Errorf("upstream returned status %d", res.Status)
	}
	return res, nil
}

func (c *Client) sleep(ctx context.Context, attempt int) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(c.backoff * (1 << attempt)):
		return nil
	}
}

// resolve turns an origin-relative path into the full upstream URL, refusing
// anything absolute or protocol-relative and anything whose resolution would
// leave the configured origin.
func (c *Client) resolve(pathWithQuery string) (*url.URL, error) {
	trimmed := strings.TrimSpace(pathWithQuery)
	lower := strings.ToLower(trimmed)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") || strings.HasPrefix(trimmed, "//") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPath, pathWithQuery)
	}

	ref, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}
	if ref.IsAbs() || ref.Host != "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPath, pathWithQuery)
	}

	target := c.base.ResolveReference(ref)
	if target.Scheme != c.base.Scheme || target.Host != c.base.Host {
		return nil, fmt.Errorf("%w: resolves outside the configured origin", ErrInvalidPath)
	}
	return target, nil
}

// do performs a single attempt under the per-request deadline.
func (c *Client) do(ctx context.Context, method string, target *url.URL, payload []byte, headers map[string]string) (*Response, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(attemptCtx, method, target.String(), reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build upstream request: %w", err)
	}
	for name, value := range headers {
		req.Header.Set(name, value)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, c.classify(attemptCtx, ctx, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, c.classify(attemptCtx, ctx, fmt.Errorf("failed to read upstream response: %w", err))
	}

	return c.buildResponse(resp.StatusCode, resp.Header, data), nil
}

// classify maps an attempt failure: the per-attempt deadline becomes
// ErrUpstreamTimeout, everything else passes through wrapped.
func (c *Client) classify(attemptCtx, ctx context.Context, err error) error {
	if attemptCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		return fmt.Errorf("%w after %s", ErrUpstreamTimeout, c.timeout)
	}
	return fmt.Errorf("upstream request failed: %w", err)
}

// buildResponse reduces a raw upstream response to the relayed form: headers
// cut to the allowlist, body decoded and parsed.
func (c *Client) buildResponse(status int, header http.Header, data []byte) *Response {
	retained := make(map[string]string)
	for _, name := range retainedHeaders {
		if v := header.Get(name); v != "" {
			retained[name] = v
		}
	}

	encoding := strings.ToLower(strings.TrimSpace(header.Get("Content-Encoding")))
	decoded, ok := decodeBody(data, encoding)
	if ok {
		// The relayed body is identity-encoded now.
		data = decoded
		delete(retained, "content-encoding")
	} else {
		c.logger.Warn("failed to decode upstream response body",
			zap.String("content_encoding", encoding),
			zap.Int("status", status))
	}

	res := &Response{
		Status:      status,
		ContentType: header.Get("Content-Type"),
	}
	if len(retained) > 0 {
		res.Headers = retained
	}
	if len(data) == 0 {
		return res
	}

	if strings.Contains(strings.ToLower(res.ContentType), "application/json") {
		if json.Valid(data) {
			res.Body = json.RawMessage(data)
			return res
		}
		c.logger.Warn("upstream returned invalid JSON, relaying as text",
			zap.Int("status", status),
			zap.String("content_type", res.ContentType))
	}
	res.Text = string(data)
	return res
}
