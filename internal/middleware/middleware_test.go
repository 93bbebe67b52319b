package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/zynqcloud/go-filestore/internal/metrics"
	"github.com/zynqcloud/go-filestore/internal/middleware"
)

var ok = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusCreated)
	w.Write([]byte("done")) //nolint:errcheck
})

func serve(h http.Handler, r *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func TestServiceToken(t *testing.T) {
	h := middleware.ServiceToken("s3cret")(ok)

	w := serve(h, httptest.NewRequest(http.MethodPost, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.JSONEq(t, `{"message":"unauthorized"}`, w.Body.String())

	r := httptest.NewRequest(http.MethodPost, "/", nil)
	r.Header.Set(middleware.ServiceTokenHeader, "s3cret")
	assert.Equal(t, http.StatusCreated, serve(h, r).Code)
}

func TestServiceTokenDisabled(t *testing.T) {
	h := middleware.ServiceToken("")(ok)
	assert.Equal(t, http.StatusCreated, serve(h, httptest.NewRequest(http.MethodPost, "/", nil)).Code)
}

func TestUploadLimiterRejectsWhenFull(t *testing.T) {
	m := metrics.New()
	l := middleware.NewUploadLimiter(1).Track(m.ActiveUploads)

	entered := make(chan struct{})
	release := make(chan struct{})
	blocking := l.Limit(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		close(entered)
		<-release
	}))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		serve(blocking, httptest.NewRequest(http.MethodPost, "/", nil))
	}()
	<-entered

	assert.Equal(t, 1, l.Active())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveUploads))

	w := serve(l.Limit(ok), httptest.NewRequest(http.MethodPost, "/", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "5", w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), "server at capacity")

	close(release)
	wg.Wait()
	assert.Equal(t, 0, l.Active())
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ActiveUploads))
	assert.Equal(t, http.StatusCreated, serve(l.Limit(ok), httptest.NewRequest(http.MethodPost, "/", nil)).Code)
}

func TestUploadLimiterDefaultCap(t *testing.T) {
	assert.Equal(t, 256, middleware.NewUploadLimiter(0).Cap())
}

func TestRequestID(t *testing.T) {
	var seen string
	h := middleware.RequestID(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = middleware.RequestIDFrom(r.Context())
	}))

	w := serve(h, httptest.NewRequest(http.MethodGet, "/", nil))
	require.NotEmpty(t, seen)
	assert.Len(t, seen, 36)
	assert.Equal(t, seen, w.Header().Get(middleware.RequestIDHeader))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set(middleware.RequestIDHeader, "abc-123")
	serve(h, r)
	assert.Equal(t, "abc-123", seen)

	r = httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set(middleware.RequestIDHeader, "bad id\n")
	serve(h, r)
	assert.NotEqual(t, "bad id\n", seen)
}

func TestRequestLog(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	h := middleware.RequestID(middleware.RequestLog(zap.New(core))(ok))

	serve(h, httptest.NewRequest(http.MethodPost, "/api/v1/binary", nil))

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "POST", fields["method"])
	assert.Equal(t, "/api/v1/binary", fields["path"])
	assert.EqualValues(t, http.StatusCreated, fields["status"])
	assert.EqualValues(t, 4, fields["response_bytes"])
	assert.NotEmpty(t, fields["request_id"])
}

func TestMetricsUsesRoutePattern(t *testing.T) {
	m := metrics.New()
	mux := http.NewServeMux()
	mux.Handle("GET /api/v1/binary/{filename}/metadata", ok)
	h := middleware.Metrics(m)(mux)

	serve(h, httptest.NewRequest(http.MethodGet, "/api/v1/binary/a/metadata", nil))
	serve(h, httptest.NewRequest(http.MethodGet, "/api/v1/binary/b/metadata", nil))
	serve(h, httptest.NewRequest(http.MethodGet, "/nowhere", nil))

	assert.Equal(t, 2.0, testutil.ToFloat64(
		m.HTTPRequests.WithLabelValues("GET", "201", "GET /api/v1/binary/{filename}/metadata")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequests.WithLabelValues("GET", "404", "unmatched")))
}
