package middleware

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/kenneth/envelope-vault/internal/metrics"
)

// MetricsMiddleware records request counts, latency and response size. The
// path label is the route template so file names never become label values.
func MetricsMiddleware(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m.IncrementActiveConnections()
			defer m.DecrementActiveConnections()

			start := time.Now()
			rw := newResponseWriter(w)
			next.ServeHTTP(rw, r)

			m.RecordHTTPRequest(r.Method, metricsPath(r), rw.statusCode, time.Since(start), rw.bytesWritten)
		})
	}
}

func metricsPath(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return "unmatched"
}
