package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestMetricsHandlerExposesRuntimeMetrics(t *testing.T) {
	metrics := NewMetrics()

	rr := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), "go_goroutines")
	require.Contains(t, rr.Body.String(), "odyssey_http_requests_in_flight 0")
}

func TestMetricsMiddlewareRecordsRequest(t *testing.T) {
	metrics := NewMetrics()

	handler := metrics.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))

	routeCtx := chi.NewRouteContext()
	routeCtx.RoutePatterns = append(routeCtx.RoutePatterns, "/inventory/movements")

	req := httptest.NewRequest(http.MethodPost, "/inventory/movements", nil)
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, routeCtx))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusConflict, rr.Code)

	metricsRR := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(metricsRR, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body := metricsRR.Body.String()
	require.Contains(t, body, `odyssey_http_requests_total{code="409",route="/inventory/movements"} 1`)
	require.Contains(t, body, `odyssey_http_request_duration_seconds_bucket{route="/inventory/movements"`)
}

func TestMetricsRegistererAcceptsCustomCollectors(t *testing.T) {
	metrics := NewMetrics()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "odyssey_custom_total", Help: "test"})
	require.NoError(t, metrics.Registerer().Register(counter))
	counter.Inc()

	rr := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Contains(t, rr.Body.String(), "odyssey_custom_total 1")
}

func TestNilMetricsIsSafe(t *testing.T) {
	var metrics *Metrics
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })

	rr := httptest.NewRecorder()
	metrics.Middleware(next).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusNoContent, rr.Code)

	rr = httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
}
