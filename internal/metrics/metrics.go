// Package metrics exposes governance counters in Prometheus format.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is safe to use as a nil pointer; every recorder is then a no-op.
type Metrics struct {
	registry *prometheus.Registry

	quotaRejections   *prometheus.CounterVec
	permissionDenials *prometheus.CounterVec
	rateLimited       *prometheus.CounterVec
	trimRuns          *prometheus.CounterVec
	trimRemoved       *prometheus.CounterVec
	cleanupFailures   prometheus.Counter
	httpRequests      *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		quotaRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orbit",
			Name:      "quota_rejections_total",
			Help:      "Requests rejected by a plan quota.",
		}, []string{"code", "plan"}),
		permissionDenials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orbit",
			Name:      "permission_denials_total",
			Help:      "Requests denied for a missing organization permission.",
		}, []string{"permission"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orbit",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by a sliding-window limiter.",
		}, []string{"route"}),
		trimRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orbit",
			Name:      "bounded_trim_runs_total",
			Help:      "Bounded collection enforcement runs.",
		}, []string{"collection", "converged"}),
		trimRemoved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orbit",
			Name:      "bounded_trim_removed_total",
			Help:      "Items evicted by bounded collection enforcement.",
		}, []string{"collection"}),
		cleanupFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "orbit",
			Name:      "blob_cleanup_failures_total",
			Help:      "Compensating blob deletions that failed.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orbit",
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "orbit",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	m.registry.MustRegister(
		m.quotaRejections,
		m.permissionDenials,
		m.rateLimited,
		m.trimRuns,
		m.trimRemoved,
		m.cleanupFailures,
		m.httpRequests,
		m.httpDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) QuotaRejected(code, plan string) {
	if m == nil {
		return
	}
	m.quotaRejections.WithLabelValues(code, plan).Inc()
}

func (m *Metrics) PermissionDenied(permission string) {
	if m == nil {
		return
	}
	m.permissionDenials.WithLabelValues(permission).Inc()
}

func (m *Metrics) RateLimited(route string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(route).Inc()
}

func (m *Metrics) Trimmed(collection string, removed int, converged bool) {
	if m == nil {
		return
	}
	m.trimRuns.WithLabelValues(collection, strconv.FormatBool(converged)).Inc()
	if removed > 0 {
		m.trimRemoved.WithLabelValues(collection).Add(float64(removed))
	}
}

func (m *Metrics) CleanupFailed() {
	if m == nil {
		return
	}
	m.cleanupFailures.Inc()
}

func (m *Metrics) ObserveRequest(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}
