package middleware

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// defaultUploadConcurrency is the fallback slot count when maxConcurrent ≤ 0.
	defaultUploadConcurrency = 256

	// retryAfterSeconds is the value of the Retry-After header sent on 503.
	retryAfterSeconds = "5"

	capacityErrorPayload = `{"message":"server at capacity, retry in 5s"}`
)

// UploadLimiter caps the number of concurrent upload and update requests with
// a non-blocking channel semaphore. When every slot is taken, new requests get
// 503 + Retry-After immediately instead of queuing behind the ones in flight.
//
// Each in-flight write holds one 512 KB copy buffer in the local backend plus
// the multipart parser's memory, so 256 slots stay well under 200 MB.
type UploadLimiter struct {
	sem   chan struct{}
	gauge prometheus.Gauge
}

// NewUploadLimiter creates a limiter allowing at most maxConcurrent simultaneous uploads.
func NewUploadLimiter(maxConcurrent int) *UploadLimiter {
	if maxConcurrent <= 0 {
		maxConcurrent = defaultUploadConcurrency
	}
	return &UploadLimiter{sem: make(chan struct{}, maxConcurrent)}
}

// Track reports the number of held slots on g.
func (l *UploadLimiter) Track(g prometheus.Gauge) *UploadLimiter {
	l.gauge = g
	return l
}

// Limit wraps a handler so that each request must acquire a slot from the
// semaphore before proceeding. Requests that cannot acquire immediately get 503.
func (l *UploadLimiter) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case l.sem <- struct{}{}:
			l.observe()
			defer func() {
				<-l.sem
				l.observe()
			}()
			next.ServeHTTP(w, r)
		default:
			w.Header().Set("Retry-After", retryAfterSeconds)
			w.Header().Set("X-Active-Uploads", strconv.Itoa(len(l.sem)))
			writeJSON(w, http.StatusServiceUnavailable, capacityErrorPayload)
		}
	})
}

func (l *UploadLimiter) observe() {
	if l.gauge != nil {
		l.gauge.Set(float64(len(l.sem)))
	}
}

// Active returns the number of upload slots currently in use.
func (l *UploadLimiter) Active() int { return len(l.sem) }

// Cap returns the maximum number of concurrent upload slots.
func (l *UploadLimiter) Cap() int { return cap(l.sem) }
