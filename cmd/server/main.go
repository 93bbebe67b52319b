package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/zynqcloud/go-filestore/internal/config"
	"github.com/zynqcloud/go-filestore/internal/logging"
)

// shutdownTimeout is how long in-flight requests get to drain on shutdown.
const shutdownTimeout = 30 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	var configFile string

	cmd := &cobra.Command{
		Use:           "filestore",
		Short:         "File metadata and blob service",
		Long:          "Serves uploads, downloads and metadata search over an object store, a Badger metadata store and a cache.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v, configFile)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), shutdownSignals...)
			defer stop()
			if err := run(ctx, cfg); err != nil {
				fmt.Fprintln(os.Stderr, err)
				return err
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&configFile, "config", "", "YAML config file")
	f.String("port", "", "HTTP listen port")
	f.String("log-level", "", "log level: debug, info, warn, error")
	f.String("storage-path", "", "root directory of the local object store")
	f.String("metadata-path", "", "Badger directory; empty keeps metadata in memory and requires cleanup.enabled=false")
	f.String("cache-backend", "", "cache backend: redis, memory, none")

	for key, flag := range map[string]string{
		"port":                    "port",
		"log.level":               "log-level",
		"object_store.local.path": "storage-path",
		"metadata.path":           "metadata-path",
		"cache.backend":           "cache-backend",
	} {
		v.BindPFlag(key, f.Lookup(flag)) //nolint:errcheck
	}
	return cmd
}

func run(ctx context.Context, cfg *config.Config) error {
	logger, err := logging.New(logging.Options{Level: cfg.Log.Level, File: cfg.Log.File})
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.ServiceToken == "" {
		logger.Warn("service_token is not set, all requests will be accepted (dev mode only)")
	}

	app, err := build(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialise service", zap.Error(err))
		return err
	}
	defer app.Close()

	if app.reconciler != nil {
		app.reconciler.RunPeriodic(ctx, cfg.Cleanup.Interval)
	}

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: app.handler,
		// Large timeouts accommodate slow disks and very large files.
		ReadTimeout:  10 * time.Minute,
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  2 * time.Minute,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("file service starting",
			zap.String("port", cfg.Port),
			zap.String("object_store", cfg.ObjectStore.Backend),
			zap.String("cache", cfg.Cache.Backend),
			zap.String("bucket", cfg.ObjectStore.Bucket))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		logger.Error("server error", zap.Error(err))
		return err
	case <-ctx.Done():
	}

	logger.Info("shutdown signal received, draining connections")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
	logger.Info("file service stopped")
	return nil
}
