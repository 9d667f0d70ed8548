// Package metrics registers the prometheus collectors for the proxy data
// plane and exposes the exposition handler. Labels are kept low-cardinality:
// method, status code, cache disposition, rate-limit scope.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	proxyRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxy_requests_total",
			Help: "Total proxy responses by method, status and cache result",
		},
		[]string{"method", "status", "cache"},
	)
	proxyRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "proxy_request_duration_seconds",
			Help:    "End-to-end proxy request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "cache"},
	)
	upstreamRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upstream_requests_total",
			Help: "Total upstream responses by method and status",
		},
		[]string{"method", "status"},
	)
	upstreamRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "upstream_request_duration_seconds",
			Help:    "Upstream request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
	ratelimitRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ratelimit_rejections_total",
			Help: "Requests rejected by the rate limiter, by scope",
		},
		[]string{"scope"},
	)
)

func init() {
	prometheus.MustRegister(
		proxyRequestsTotal,
		proxyRequestDuration,
		upstreamRequestsTotal,
		upstreamRequestDuration,
		ratelimitRejectionsTotal,
	)
}

// Handler returns the prometheus exposition handler mounted at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

func normCacheLabel(v string) string {
	if v == "" {
		return "BYPASS"
	}
	return v
}

// ObserveProxyResponse records one finished proxy request.
func ObserveProxyResponse(method string, status int, cache string, dur time.Duration) {
	cache = normCacheLabel(cache)
	proxyRequestsTotal.WithLabelValues(method, strconv.Itoa(status), cache).Inc()
	proxyRequestDuration.WithLabelValues(method, cache).Observe(dur.Seconds())
}

// ObserveUpstreamResponse records one finished upstream call.
func ObserveUpstreamResponse(method string, status int, dur time.Duration) {
	upstreamRequestsTotal.WithLabelValues(method, strconv.Itoa(status)).Inc()
	upstreamRequestDuration.WithLabelValues(method).Observe(dur.Seconds())
}

// RateLimitRejectionInc counts a request denied under the given scope.
func RateLimitRejectionInc(scope string) {
	ratelimitRejectionsTotal.WithLabelValues(scope).Inc()
}
