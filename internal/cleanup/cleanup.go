// Package cleanup reclaims object-store space held by orphan blobs.
//
// An upload writes the blob before committing its metadata record. When the
// metadata step or the commit fails, the blob stays behind with nothing
// referencing it, and a superseded blob can survive an update whose post-commit
// remove failed. Orphans lists the bucket and removes every object that no
// record points to and whose mtime is older than the configured TTL.
package cleanup

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/zynqcloud/go-filestore/internal/filemeta"
	"github.com/zynqcloud/go-filestore/internal/metrics"
	"github.com/zynqcloud/go-filestore/internal/store"
)

// Objects is the part of store.Backend the reconciler needs.
type Objects interface {
	List(ctx context.Context, bucket string) ([]store.ObjectInfo, error)
	Remove(ctx context.Context, bucket, key string) error
}

// Records resolves a file name to its metadata record.
type Records interface {
	FindByName(ctx context.Context, name string) (filemeta.Record, bool, error)
}

// Reconciler removes orphan blobs from one bucket.
type Reconciler struct {
	Objects Objects
	Records Records
	Bucket  string
	// TTL protects blobs of in-flight writes: only objects last modified
	// before now-TTL are candidates.
	TTL     time.Duration
	Logger  *zap.Logger
	Metrics *metrics.Metrics

	now func() time.Time
}

func (r *Reconciler) logger() *zap.Logger {
	if r.Logger == nil {
		return zap.NewNop()
	}
	return r.Logger
}

func (r *Reconciler) clock() time.Time {
	if r.now != nil {
		return r.now()
	}
	return time.Now()
}

// Orphans runs one reconciliation pass and returns how many objects it removed.
// It is safe to run alongside live traffic: recent objects are never touched,
// and a lookup error skips the object rather than deleting it.
func (r *Reconciler) Orphans(ctx context.Context) (int, error) {
	log := r.logger()
	objs, err := r.Objects.List(ctx, r.Bucket)
	if err != nil {
		return 0, err
	}

	cutoff := r.clock().Add(-r.TTL)
	var removed int
	for _, o := range objs {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if !o.LastModified.Before(cutoff) {
			continue
		}
		referenced, err := r.referenced(ctx, o.Key)
		if err != nil {
			log.Warn("cleanup: lookup failed", zap.String("key", o.Key), zap.Error(err))
			continue
		}
		if referenced {
			continue
		}
		if err := r.Objects.Remove(ctx, r.Bucket, o.Key); err != nil {
			log.Warn("cleanup: remove failed", zap.String("key", o.Key), zap.Error(err))
			continue
		}
		removed++
		log.Info("cleanup: removed orphan object",
			zap.String("key", o.Key), zap.Duration("age", r.clock().Sub(o.LastModified).Round(time.Minute)))
	}
	r.Metrics.Orphans(removed)
	if removed > 0 {
		log.Info("cleanup: cycle complete", zap.Int("removed", removed), zap.Int("scanned", len(objs)))
	}
	return removed, nil
}

// referenced reports whether a record's object key equals key. Names never
// contain a dot, so the name is everything before the first one.
func (r *Reconciler) referenced(ctx context.Context, key string) (bool, error) {
	name, _, ok := strings.Cut(key, ".")
	if !ok || name == "" {
		return false, nil
	}
	rec, found, err := r.Records.FindByName(ctx, name)
	if err != nil {
		return false, err
	}
	return found && rec.ObjectKey() == key, nil
}

// RunPeriodic starts a background goroutine that calls Orphans on every
// interval until ctx is cancelled. A first pass runs immediately to clear
// orphans left by a previous run. A zero interval runs only that first pass.
//
// Recommended values: ttl=1h, interval=1h.
func (r *Reconciler) RunPeriodic(ctx context.Context, interval time.Duration) {
	go func() {
		r.pass(ctx)
		if interval <= 0 {
			return
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.pass(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (r *Reconciler) pass(ctx context.Context) {
	if _, err := r.Orphans(ctx); err != nil && ctx.Err() == nil {
		r.logger().Warn("cleanup: pass failed", zap.String("bucket", r.Bucket), zap.Error(err))
	}
}
