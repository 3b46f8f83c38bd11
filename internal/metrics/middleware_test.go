package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMiddlewareRecordsRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Post("/v1/monitor/{user_id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})
	r.Get("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	for _, req := range []*http.Request{
		httptest.NewRequest(http.MethodPost, "/v1/monitor/42", nil),
		httptest.NewRequest(http.MethodGet, "/readyz", nil),
	} {
		r.ServeHTTP(httptest.NewRecorder(), req)
	}

	require.GreaterOrEqual(t, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("POST", "202")), 1.0)
	require.GreaterOrEqual(t, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "503")), 1.0)
	require.Positive(t, testutil.CollectAndCount(httpRequestDurationSeconds))
}
