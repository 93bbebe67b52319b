package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zynqcloud/go-filestore/internal/cache"
	"github.com/zynqcloud/go-filestore/internal/config"
	"github.com/zynqcloud/go-filestore/internal/coordinator"
	"github.com/zynqcloud/go-filestore/internal/handler"
	"github.com/zynqcloud/go-filestore/internal/metastore"
	"github.com/zynqcloud/go-filestore/internal/metrics"
	"github.com/zynqcloud/go-filestore/internal/store"
)

const token = "s3cret"

type fixture struct {
	srv   *httptest.Server
	local *store.Local
	meta  *metastore.Store
	down  atomic.Bool
}

func newFixture(t *testing.T, mutate ...func(*config.Config)) *fixture {
	t.Helper()
	ctx := context.Background()

	local, err := store.NewLocal(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, local.EnsureBucket(ctx, "files"))
	meta, err := metastore.Open(metastore.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { meta.Close() })
	mem, err := cache.NewMemory(ctx, cache.MemoryConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { mem.Close() })

	cfg := &config.Config{
		ServiceToken:         token,
		MaxConcurrentUploads: 4,
		MaxUploadBytes:       1 << 20,
		MinFreeBytes:         1,
	}
	for _, m := range mutate {
		m(cfg)
	}

	f := &fixture{local: local, meta: meta}
	m := metrics.New()
	files := coordinator.New(local, meta, mem, coordinator.WithMetrics(m))
	h := handler.New(handler.Deps{
		Config: cfg,
		Files:  files,
		Probes: []handler.Probe{
			{Name: "object_store", Check: local.Ping},
			{Name: "metadata_store", Check: meta.Ping},
			{Name: "cache", Check: func(context.Context) error {
				if f.down.Load() {
					return errors.New("connection refused")
				}
				return nil
			}},
		},
		Disk:    local,
		Metrics: m,
	})
	f.srv = httptest.NewServer(h)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body io.Reader, contentType string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, body)
	require.NoError(t, err)
	req.Header.Set("X-Service-Token", token)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func multipartBody(t *testing.T, filename, content string) (io.Reader, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = fw.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func (f *fixture) upload(t *testing.T, method, filename, content string) *http.Response {
	t.Helper()
	body, ct := multipartBody(t, filename, content)
	return f.do(t, method, "/api/v1/binary", body, ct)
}

func decode(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestUploadFetchRoundTrip(t *testing.T) {
	f := newFixture(t)

	resp := f.upload(t, http.MethodPost, "report.pdf", "%PDF-1.7 body")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	out := decode(t, resp)
	assert.Equal(t, "File uploaded successfully", out["message"])
	data := out["data"].(map[string]any)
	assert.Equal(t, "report", data["fileName"])
	assert.Equal(t, "pdf", data["fileExtension"])

	resp = f.do(t, http.MethodGet, "/api/v1/binary?filename=report.pdf", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/pdf", resp.Header.Get("Content-Type"))
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.7 body", string(b))
}

func TestUploadStatusCodes(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusCreated, f.upload(t, http.MethodPost, "a.txt", "x").StatusCode)

	resp := f.upload(t, http.MethodPost, "a.txt", "y")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "File already exists in the bucket.", decode(t, resp)["message"])

	resp = f.upload(t, http.MethodPost, "noext", "y")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/api/v1/binary", strings.NewReader("raw"), "text/plain")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "File not found", decode(t, resp)["message"])
}

func TestUploadTooLarge(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.MaxUploadBytes = 1024 })
	resp := f.upload(t, http.MethodPost, "big.bin", strings.Repeat("z", 4096))
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestRequiresServiceToken(t *testing.T) {
	f := newFixture(t)
	resp, err := f.srv.Client().Get(f.srv.URL + "/api/v1/binary/files")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestMetadata(t *testing.T) {
	f := newFixture(t)
	f.upload(t, http.MethodPost, "notes.md", strings.Repeat("n", 2048))

	resp := f.do(t, http.MethodGet, "/api/v1/binary/notes/metadata", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	meta := decode(t, resp)["fileMetadata"].(map[string]any)
	assert.Equal(t, "md", meta["fileExtension"])
	assert.Equal(t, 2.0, meta["fileSize"])

	resp = f.do(t, http.MethodGet, "/api/v1/binary/ghost/metadata", nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "File ghost not found in the database.", decode(t, resp)["message"])
}

func TestUpdate(t *testing.T) {
	f := newFixture(t)
	f.upload(t, http.MethodPost, "notes.txt", "v1")

	resp := f.upload(t, http.MethodPut, "notes.md", "v2 content")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "File updated successfully", decode(t, resp)["message"])

	resp = f.do(t, http.MethodGet, "/api/v1/binary?filename=notes.md", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	b, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "v2 content", string(b))

	resp = f.do(t, http.MethodGet, "/api/v1/binary?filename=notes.txt", nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = f.upload(t, http.MethodPut, "ghost.md", "x")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "File metadata not found", decode(t, resp)["message"])

	resp = f.do(t, http.MethodPut, "/api/v1/binary", nil, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "No file to update", decode(t, resp)["message"])
}

func TestDelete(t *testing.T) {
	f := newFixture(t)
	f.upload(t, http.MethodPost, "a.txt", "x")

	resp := f.do(t, http.MethodDelete, "/api/v1/binary?fileName=a", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, decode(t, resp)["message"], "deleted successfully")

	resp = f.do(t, http.MethodDelete, "/api/v1/binary?fileName=a", nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = f.do(t, http.MethodDelete, "/api/v1/binary", nil, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestFetchErrors(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/v1/binary", nil, "").StatusCode)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/v1/binary?filename=x.bin", nil, "").StatusCode)
}

func TestSearch(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodGet, "/api/v1/binary/files", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decode(t, resp)
	assert.EqualValues(t, 0, out["itemsFound"])
	assert.Empty(t, out["items"])

	f.upload(t, http.MethodPost, "alpha.txt", strings.Repeat("a", 1024))
	f.upload(t, http.MethodPost, "beta.pdf", strings.Repeat("b", 3072))

	resp = f.do(t, http.MethodGet, "/api/v1/binary/files?fileExtension=pdf", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out = decode(t, resp)
	assert.EqualValues(t, 1, out["itemsFound"])

	resp = f.do(t, http.MethodGet, "/api/v1/binary/files?fileSize=100", nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "items not found", decode(t, resp)["message"])

	resp = f.do(t, http.MethodGet, "/api/v1/binary/files?maxSize=lots", nil, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	for _, p := range []string{"/health", "/api/v1/health"} {
		resp, err := f.srv.Client().Get(f.srv.URL + p)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode, p)
		assert.Equal(t, "healthy", decode(t, resp)["status"])
		resp.Body.Close()
	}
}

func TestReadiness(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodGet, "/healthz/ready", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decode(t, resp)
	assert.Equal(t, true, out["ready"])
	checks := out["checks"].([]any)
	require.GreaterOrEqual(t, len(checks), 3)
	assert.Equal(t, "cache", checks[0].(map[string]any)["name"], "checks are sorted by name")

	f.down.Store(true)
	resp = f.do(t, http.MethodGet, "/healthz/ready", nil, "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, false, decode(t, resp)["ready"])
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.upload(t, http.MethodPost, "a.txt", "x")

	resp := f.do(t, http.MethodGet, "/metrics", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(b), `filestore_operations_total{op="upload",outcome="ok"} 1`)
	assert.Contains(t, string(b), `http_requests_total{method="POST",path="POST /api/v1/binary",status_code="201"} 1`)
}
