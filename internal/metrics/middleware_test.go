package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMiddlewareRecordsRoutePattern(t *testing.T) {
	Init()
	okBefore := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "200"))
	missingBefore := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "404"))

	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/v1/jobs/{job_id}", func(w http.ResponseWriter, r *http.Request) {
		if chi.URLParam(r, "job_id") == "missing" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	for _, id := range []string{"op-1", "op-2", "missing"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/jobs/"+id, nil))
	}

	assert.InDelta(t, okBefore+2, testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "200")), 0)
	assert.InDelta(t, missingBefore+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "404")), 0)
	assert.Positive(t, testutil.CollectAndCount(httpRequestDurationSeconds))
}

func TestMiddlewareKeepsFlusher(t *testing.T) {
	Init()
	var flushed bool
	handler := Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		f, ok := w.(http.Flusher)
		require.True(t, ok)
		_, _ = w.Write([]byte("{}\n"))
		f.Flush()
		flushed = true
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/actions", nil))
	require.True(t, flushed)
	require.True(t, rec.Flushed)
	require.Equal(t, http.StatusOK, rec.Code)
}
