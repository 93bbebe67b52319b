package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/zynqcloud/go-filestore/internal/metrics"
)

// unmatchedPath labels requests that no route handled, keeping label
// cardinality bounded.
const unmatchedPath = "unmatched"

// Metrics records http_requests_total and http_request_duration_seconds.
// The path label is the matched ServeMux pattern, so it must wrap the mux
// without cloning the request in between.
func Metrics(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if m == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := newRecorder(w)
			next.ServeHTTP(rec, r)

			path := r.Pattern
			if path == "" {
				path = unmatchedPath
			}
			m.HTTPRequests.WithLabelValues(r.Method, strconv.Itoa(rec.status), path).Inc()
			m.HTTPDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		})
	}
}
