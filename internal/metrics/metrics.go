// Package metrics exposes the daemon's prometheus instruments. When metrics
// are disabled every call is a no-op.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "strava_mirror"

// Cycle results.
const (
	CycleSuccess      = "success"
	CycleSkipped      = "skipped"
	CycleError        = "error"
	CycleRateLimited  = "rate_limited"
	CycleUnauthorized = "unauthorized"
)

// Recorder is implemented by the prometheus recorder and its no-op twin.
type Recorder interface {
	IncRequestsTotal(endpoint string, status int)
	ObserveRequestDuration(endpoint string, duration time.Duration)
	IncCacheHits()
	IncCacheMisses()
	IncCycles(identifier, result string)
	ObserveCycleDuration(identifier string, duration time.Duration)
	IncAPIErrors(kind string)
	IncTokenRefreshes(result string)
	SetRateLimit(window string, usage, limit int)
	SetModules(count int)
	// Handler serves the registry in the prometheus exposition format.
	Handler() http.Handler
}

type Prometheus struct {
	registry        *prometheus.Registry
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	cacheHits       prometheus.Counter
	cacheMisses     prometheus.Counter
	cycles          *prometheus.CounterVec
	cycleDuration   *prometheus.HistogramVec
	apiErrors       *prometheus.CounterVec
	tokenRefreshes  *prometheus.CounterVec
	rateLimitUsage  *prometheus.GaugeVec
	rateLimitLimit  *prometheus.GaugeVec
	modules         prometheus.Gauge
}

// New returns a prometheus backed Recorder with its own registry, or a
// no-op Recorder when enabled is false.
func New(enabled bool) Recorder {
	if !enabled {
		return Noop{}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Prometheus{
		registry: reg,

		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"endpoint", "status"}),

		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint"}),

		cacheHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of activity cache hits",
		}),

		cacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of activity cache misses",
		}),

		cycles: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Fetch cycles per module by result",
		}, []string{"identifier", "result"}),

		cycleDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Duration of fetch cycles in seconds",
			Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"identifier"}),

		apiErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_errors_total",
			Help:      "Strava API failures by kind",
		}, []string{"kind"}),

		tokenRefreshes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_refreshes_total",
			Help:      "Access token refresh attempts by result",
		}, []string{"result"}),

		rateLimitUsage: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rate_limit_usage",
			Help:      "Strava API usage in the current window",
		}, []string{"window"}),

		rateLimitLimit: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rate_limit_limit",
			Help:      "Strava API limit for the window",
		}, []string{"window"}),

		modules: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "modules",
			Help:      "Number of registered modules",
		}),
	}
}

func (m *Prometheus) IncRequestsTotal(endpoint string, status int) {
	m.requestsTotal.WithLabelValues(endpoint, httpStatusBucket(status)).Inc()
}

func (m *Prometheus) ObserveRequestDuration(endpoint string, duration time.Duration) {
	m.requestDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

func (m *Prometheus) IncCacheHits() {
	m.cacheHits.Inc()
}

func (m *Prometheus) IncCacheMisses() {
	m.cacheMisses.Inc()
}

func (m *Prometheus) IncCycles(identifier, result string) {
	m.cycles.WithLabelValues(identifier, result).Inc()
}

func (m *Prometheus) ObserveCycleDuration(identifier string, duration time.Duration) {
	m.cycleDuration.WithLabelValues(identifier).Observe(duration.Seconds())
}

func (m *Prometheus) IncAPIErrors(kind string) {
	m.apiErrors.WithLabelValues(kind).Inc()
}

func (m *Prometheus) IncTokenRefreshes(result string) {
	m.tokenRefreshes.WithLabelValues(result).Inc()
}

func (m *Prometheus) SetRateLimit(window string, usage, limit int) {
	m.rateLimitUsage.WithLabelValues(window).Set(float64(usage))
	m.rateLimitLimit.WithLabelValues(window).Set(float64(limit))
}

func (m *Prometheus) SetModules(count int) {
	m.modules.Set(float64(count))
}

func (m *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func httpStatusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}

// Noop discards every observation.
type Noop struct{}

func (Noop) IncRequestsTotal(_ string, _ int)                 {}
func (Noop) ObserveRequestDuration(_ string, _ time.Duration) {}
func (Noop) IncCacheHits()                                    {}
func (Noop) IncCacheMisses()                                  {}
func (Noop) IncCycles(_, _ string)                            {}
func (Noop) ObserveCycleDuration(_ string, _ time.Duration)   {}
func (Noop) IncAPIErrors(_ string)                            {}
func (Noop) IncTokenRefreshes(_ string)                       {}
func (Noop) SetRateLimit(_ string, _, _ int)                  {}
func (Noop) SetModules(_ int)                                 {}
func (Noop) Handler() http.Handler                            { return http.NotFoundHandler() }
