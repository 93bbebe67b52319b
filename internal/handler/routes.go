package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"github.com/zynqcloud/go-filestore/internal/config"
	"github.com/zynqcloud/go-filestore/internal/coordinator"
	"github.com/zynqcloud/go-filestore/internal/metrics"
	"github.com/zynqcloud/go-filestore/internal/middleware"
)

// probeTimeout bounds each readiness check.
const probeTimeout = 2 * time.Second

// Probe is one named readiness check, typically a store's Ping.
type Probe struct {
	Name  string
	Check func(ctx context.Context) error
}

// DiskStatser is implemented by backends that live on a local filesystem.
type DiskStatser interface {
	DiskStats() (avail, total uint64)
}

// Deps are the dependencies shared by every handler.
type Deps struct {
	Config  *config.Config
	Files   *coordinator.Coordinator
	Probes  []Probe
	Disk    DiskStatser // nil skips the disk-space check
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Handler holds shared dependencies for all HTTP handlers.
type Handler struct {
	cfg    *config.Config
	files  *coordinator.Coordinator
	probes []Probe
	disk   DiskStatser
	logger *zap.Logger
}

// New registers all routes and returns the root http.Handler.
// Uses Go 1.22 method+path pattern syntax, no external router needed.
//
// Middleware stack (outer → inner):
//
//	RequestID → RequestLog → Metrics → ServeMux → ServiceToken auth → UploadLimiter → handler
func New(d Deps) http.Handler {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{
		cfg:    d.Config,
		files:  d.Files,
		probes: d.Probes,
		disk:   d.Disk,
		logger: logger,
	}

	auth := middleware.ServiceToken(d.Config.ServiceToken)
	limiter := middleware.NewUploadLimiter(d.Config.MaxConcurrentUploads)
	if d.Metrics != nil {
		limiter.Track(d.Metrics.ActiveUploads)
	}

	mux := http.NewServeMux()

	// ── Binary files ─────────────────────────────────────────────────────────
	// POST   /api/v1/binary                      multipart "file" → create
	// PUT    /api/v1/binary                      multipart "file" → replace
	// GET    /api/v1/binary?filename=a.pdf       stream bytes
	// DELETE /api/v1/binary?fileName=a           remove blob + record
	mux.Handle("POST /api/v1/binary", auth(limiter.Limit(http.HandlerFunc(h.Upload))))
	mux.Handle("PUT /api/v1/binary", auth(limiter.Limit(http.HandlerFunc(h.Update))))
	mux.Handle("GET /api/v1/binary", auth(http.HandlerFunc(h.Fetch)))
	mux.Handle("DELETE /api/v1/binary", auth(http.HandlerFunc(h.Delete)))

	// ── Metadata ─────────────────────────────────────────────────────────────
	mux.Handle("GET /api/v1/binary/{filename}/metadata", auth(http.HandlerFunc(h.Metadata)))
	mux.Handle("GET /api/v1/binary/files", auth(http.HandlerFunc(h.Search)))

	// ── Observability ─────────────────────────────────────────────────────────
	//
	// GET /health, /api/v1/health  liveness: 200 while the process is alive.
	// GET /healthz/ready           readiness: pings every store and checks
	//                               disk space. 503 stops traffic, not the pod.
	// GET /metrics                 Prometheus exposition. Readiness and
	//                               metrics sit behind the service token so
	//                               internal state stays private.
	mux.HandleFunc("GET /health", Liveness)
	mux.HandleFunc("GET /api/v1/health", Liveness)
	mux.Handle("GET /healthz/ready", auth(http.HandlerFunc(h.Readiness)))
	if d.Metrics != nil {
		mux.Handle("GET /metrics", auth(d.Metrics.Handler()))
	}

	// Request logging wraps the whole mux so auth failures and limiter 503s
	// get an access log entry too.
	return middleware.RequestID(middleware.RequestLog(logger)(middleware.Metrics(d.Metrics)(mux)))
}

// Liveness always reports healthy.
func Liveness(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

type check struct {
	Name string `json:"name"`
	OK   bool   `json:"ok"`
	Msg  string `json:"msg,omitempty"`
}

// Readiness is the Kubernetes readiness probe handler.
// Returns 200 when every store answers and disk space is sufficient; 503 otherwise.
// Store pings run concurrently, each bounded by probeTimeout.
func (h *Handler) Readiness(w http.ResponseWriter, r *http.Request) {
	p := pool.NewWithResults[check]()
	for _, pr := range h.probes {
		p.Go(func() check {
			ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
			defer cancel()
			if err := pr.Check(ctx); err != nil {
				h.logger.Warn("readiness probe failed", zap.String("probe", pr.Name), zap.Error(err))
				return check{Name: pr.Name, Msg: err.Error()}
			}
			return check{Name: pr.Name, OK: true}
		})
	}
	checks := p.Wait()

	// (0, 0) means the platform cannot report disk stats; skip rather than false-alarm.
	if h.disk != nil {
		if avail, total := h.disk.DiskStats(); total > 0 {
			c := check{Name: "disk_space", OK: avail >= h.cfg.MinFreeBytes}
			if c.OK {
				c.Msg = fmt.Sprintf("%d MB free of %d MB", avail>>20, total>>20)
			} else {
				c.Msg = fmt.Sprintf("%d MB free, need %d MB", avail>>20, h.cfg.MinFreeBytes>>20)
			}
			checks = append(checks, c)
		}
	}

	sort.Slice(checks, func(i, j int) bool { return checks[i].Name < checks[j].Name })
	allOK := true
	for _, c := range checks {
		allOK = allOK && c.OK
	}
	status := http.StatusOK
	if !allOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{"ready": allOK, "checks": checks})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"message": msg})
}
