package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/trace/noop"
)

func newTestRouter(c *Collector) http.Handler {
	r := chi.NewRouter()
	r.Use(TracingMiddleware(noop.NewTracerProvider().Tracer("test")))
	r.Use(MetricsMiddleware(c))
	r.Get("/rooms/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	return r
}

func TestMetricsMiddleware(t *testing.T) {
	t.Run("Should count requests by route pattern and status", func(t *testing.T) {
		c := NewCollector("test")
		router := newTestRouter(c)

		for _, path := range []string{"/rooms/a", "/rooms/b"} {
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
			assert.Equal(t, http.StatusTeapot, rec.Code)
		}

		assert.Equal(t, 2.0, testutil.ToFloat64(c.HTTPRequests.WithLabelValues("GET", "/rooms/{id}", "418")))
	})

	t.Run("Should label unmatched routes as unknown", func(t *testing.T) {
		c := NewCollector("test")
		rec := httptest.NewRecorder()
		newTestRouter(c).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/missing", nil))

		assert.Equal(t, 1.0, testutil.ToFloat64(c.HTTPRequests.WithLabelValues("GET", "unknown", "404")))
	})
}

func TestCollector(t *testing.T) {
	t.Run("Should keep registries of separate collectors apart", func(t *testing.T) {
		a, b := NewCollector("test"), NewCollector("test")
		a.Dropped(DropOversized)

		assert.Equal(t, 1.0, testutil.ToFloat64(a.MessagesDropped.WithLabelValues(DropOversized)))
		assert.Equal(t, 0.0, testutil.ToFloat64(b.MessagesDropped.WithLabelValues(DropOversized)))
	})
}
