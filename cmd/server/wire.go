package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/zynqcloud/go-filestore/internal/cache"
	"github.com/zynqcloud/go-filestore/internal/cleanup"
	"github.com/zynqcloud/go-filestore/internal/config"
	"github.com/zynqcloud/go-filestore/internal/coordinator"
	"github.com/zynqcloud/go-filestore/internal/handler"
	"github.com/zynqcloud/go-filestore/internal/metastore"
	"github.com/zynqcloud/go-filestore/internal/metrics"
	"github.com/zynqcloud/go-filestore/internal/store"
)

// objectBackend is a store.Backend that can provision its bucket.
type objectBackend interface {
	store.Backend
	EnsureBucket(ctx context.Context, bucket string) error
}

// app holds every long-lived component built from Config.
type app struct {
	handler    http.Handler
	reconciler *cleanup.Reconciler // nil when orphan cleanup is off
	closers    []func() error
}

// Close releases stores in reverse construction order.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	return errors.Join(errs...)
}

func build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			a.Close() //nolint:errcheck
		}
	}()
	m := metrics.New()

	objects, err := newObjectStore(cfg.ObjectStore)
	if err != nil {
		return nil, err
	}
	if err := objects.EnsureBucket(ctx, cfg.ObjectStore.Bucket); err != nil {
		return nil, fmt.Errorf("ensure bucket: %w", err)
	}

	meta, err := metastore.Open(metastore.Options{
		Path:       cfg.Metadata.Path,
		SyncWrites: cfg.Metadata.SyncWrites,
		Logger:     logger.Named("badger"),
	})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, meta.Close)

	c, err := newCache(ctx, cfg.Cache)
	if err != nil {
		return nil, err
	}
	if cl, ok := c.(interface{ Close() error }); ok {
		a.closers = append(a.closers, cl.Close)
	}

	opts := []coordinator.Option{
		coordinator.WithBucket(cfg.ObjectStore.Bucket),
		coordinator.WithNamespace(cfg.Cache.Namespace),
		coordinator.WithTTL(cfg.Cache.TTL),
		coordinator.WithLogger(logger.Named("coordinator")),
		coordinator.WithMetrics(m),
	}
	if cfg.Coordinator.SerializeWrites {
		opts = append(opts, coordinator.WithKeyLock())
	}
	files := coordinator.New(objects, meta, c, opts...)

	deps := handler.Deps{
		Config:  cfg,
		Files:   files,
		Logger:  logger.Named("http"),
		Metrics: m,
		Probes: []handler.Probe{
			{Name: "object_store", Check: objects.Ping},
			{Name: "metadata_store", Check: meta.Ping},
			{Name: "cache", Check: c.Ping},
		},
	}
	if ds, ok := objects.(handler.DiskStatser); ok {
		deps.Disk = ds
	}
	a.handler = handler.New(deps)

	// In-memory metadata is empty after every restart, so a reconciler over
	// it would treat every stored object as an orphan.
	switch {
	case !cfg.Cleanup.Enabled:
	case cfg.Metadata.Path == "":
		logger.Warn("orphan cleanup disabled: metadata is kept in memory")
	default:
		a.reconciler = &cleanup.Reconciler{
			Objects: objects,
			Records: meta,
			Bucket:  cfg.ObjectStore.Bucket,
			TTL:     cfg.Cleanup.OrphanTTL,
			Logger:  logger.Named("cleanup"),
			Metrics: m,
		}
	}
	return a, nil
}

func newObjectStore(cfg config.ObjectStoreConfig) (objectBackend, error) {
	switch cfg.Backend {
	case config.BackendS3:
		return store.NewS3(store.S3Config{
			Endpoint:  cfg.S3.Endpoint,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			UseSSL:    cfg.S3.UseSSL,
			Region:    cfg.S3.Region,
		})
	default:
		var opts []store.LocalOption
		if cfg.Local.Compression > 0 {
			opts = append(opts, store.WithCompression(cfg.Local.Compression))
		}
		return store.NewLocal(cfg.Local.Path, opts...)
	}
}

func newCache(ctx context.Context, cfg config.CacheConfig) (cache.Cache, error) {
	switch cfg.Backend {
	case config.BackendRedis:
		return cache.NewRedis(ctx, cache.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	case config.BackendNone:
		return cache.Nop{}, nil
	default:
		return cache.NewMemory(ctx, cache.MemoryConfig{
			LifeWindow:         cfg.TTL,
			CleanWindow:        cfg.TTL / 4,
			HardMaxCacheSizeMB: cfg.MemoryMB,
		})
	}
}
