package metrics_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/CourageResearch/endpointarena-sub000/internal/metrics"
)

func TestMiddlewareLabelsRequestsByRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(metrics.Middleware)
	r.Get("/markets/{marketID}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	for _, id := range []string{"mkt-1", "mkt-2", "mkt-3"} {
		req := httptest.NewRequest(http.MethodGet, "/markets/"+id, nil)
		r.ServeHTTP(httptest.NewRecorder(), req)
	}

	// All three requests collapse onto the pattern label, not the raw paths.
	patterned := testutil.ToFloat64(
		metrics.HTTPRequestsTotal.WithLabelValues(http.MethodGet, "/markets/{marketID}", "200"))
	assert.GreaterOrEqual(t, patterned, 3.0)

	raw := testutil.ToFloat64(
		metrics.HTTPRequestsTotal.WithLabelValues(http.MethodGet, "/markets/mkt-1", "200"))
	assert.Zero(t, raw)
}
