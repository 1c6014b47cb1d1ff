package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

// routeSamples counts duration observations recorded under method and route.
func routeSamples(t *testing.T, method, route string) uint64 {
	t.Helper()
	obs, err := httpRequestDurationSeconds.GetMetricWithLabelValues(method, route)
	require.NoError(t, err)
	metric, ok := obs.(prometheus.Metric)
	require.True(t, ok)
	var out dto.Metric
	require.NoError(t, metric.Write(&out))
	return out.GetHistogram().GetSampleCount()
}

func TestMiddlewareLabelsChiRoutePattern(t *testing.T) {
	Init()
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Post("/sites/{siteID}/reprocess", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})
	r.Post("/sites/{siteID}/busy", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})

	for _, path := range []string{"/sites/a/reprocess", "/sites/b/reprocess", "/sites/c/busy"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, nil))
	}

	require.InDelta(t, 2, testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodPost, "202")), 0)
	require.InDelta(t, 1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodPost, "409")), 0)
	// Site IDs collapse into the pattern so the label set stays bounded.
	require.Equal(t, uint64(2), routeSamples(t, http.MethodPost, "/sites/{siteID}/reprocess"))
	require.Equal(t, uint64(1), routeSamples(t, http.MethodPost, "/sites/{siteID}/busy"))
}

func TestMiddlewareWithoutChiRoutingUsesUnknownRoute(t *testing.T) {
	Init()
	handler := Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/sites/abc", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.InDelta(t, 1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodOptions, "200")), 0)
	require.Equal(t, uint64(1), routeSamples(t, http.MethodOptions, "unknown"))
	require.Zero(t, routeSamples(t, http.MethodOptions, "/sites/abc"))
}
