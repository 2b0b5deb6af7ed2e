package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_DisabledReturnsNoop(t *testing.T) {
	m := New(false)
	assert.IsType(t, Noop{}, m)

	// Ensure no-op methods don't panic
	m.IncRequestsTotal("/health", 200)
	m.ObserveRequestDuration("/health", time.Millisecond)
	m.IncCacheHits()
	m.IncCacheMisses()
	m.IncCycles("a", CycleSuccess)
	m.ObserveCycleDuration("a", time.Second)
	m.IncAPIErrors("network")
	m.IncTokenRefreshes("success")
	m.SetRateLimit("15min", 1, 100)
	m.SetModules(2)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestNew_EnabledReturnsPrometheus(t *testing.T) {
	m := New(true)
	assert.IsType(t, &Prometheus{}, m)
}

func TestPrometheus_Counters(t *testing.T) {
	m := New(true).(*Prometheus)

	m.IncCacheHits()
	m.IncCacheHits()
	m.IncCacheMisses()
	m.IncCycles("MMM-Strava_1", CycleSuccess)
	m.IncCycles("MMM-Strava_1", CycleRateLimited)
	m.IncCycles("MMM-Strava_1", CycleRateLimited)
	m.IncAPIErrors("rate_limited")
	m.IncTokenRefreshes("failure")

	assert.Equal(t, float64(2), testutil.ToFloat64(m.cacheHits))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.cacheMisses))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.cycles.WithLabelValues("MMM-Strava_1", CycleSuccess)))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.cycles.WithLabelValues("MMM-Strava_1", CycleRateLimited)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.apiErrors.WithLabelValues("rate_limited")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.tokenRefreshes.WithLabelValues("failure")))
}

func TestPrometheus_Gauges(t *testing.T) {
	m := New(true).(*Prometheus)

	m.SetRateLimit("daily", 120, 1000)
	m.SetModules(3)

	assert.Equal(t, float64(120), testutil.ToFloat64(m.rateLimitUsage.WithLabelValues("daily")))
	assert.Equal(t, float64(1000), testutil.ToFloat64(m.rateLimitLimit.WithLabelValues("daily")))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.modules))
}

func TestPrometheus_RequestStatusBuckets(t *testing.T) {
	m := New(true).(*Prometheus)

	m.IncRequestsTotal("/auth/request", 302)
	m.IncRequestsTotal("/auth/request", 404)
	m.IncRequestsTotal("/auth/request", 400)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.requestsTotal.WithLabelValues("/auth/request", "3xx")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.requestsTotal.WithLabelValues("/auth/request", "4xx")))
}

func TestPrometheus_IndependentRegistries(t *testing.T) {
	// Two recorders must not collide on registration.
	a := New(true).(*Prometheus)
	b := New(true).(*Prometheus)

	a.IncCacheHits()
	assert.Equal(t, float64(1), testutil.ToFloat64(a.cacheHits))
	assert.Equal(t, float64(0), testutil.ToFloat64(b.cacheHits))
}

func TestPrometheus_Handler(t *testing.T) {
	m := New(true)
	m.IncCycles("MMM-Strava_1", CycleSuccess)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `strava_mirror_cycles_total{identifier="MMM-Strava_1",result="success"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestHTTPStatusBucket(t *testing.T) {
	tests := map[int]string{101: "1xx", 200: "2xx", 302: "3xx", 404: "4xx", 500: "5xx", 503: "5xx"}
	for code, want := range tests {
		assert.Equal(t, want, httpStatusBucket(code), "code %d", code)
	}
}
