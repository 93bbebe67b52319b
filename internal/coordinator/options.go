package coordinator

import (
	"time"

	"go.uber.org/zap"

	"github.com/zynqcloud/go-filestore/internal/cache"
	"github.com/zynqcloud/go-filestore/internal/metrics"
)

// DefaultBucket is the object-store bucket used when none is configured.
const DefaultBucket = "files"

// Option is a functional option for configuring New.
type Option func(*Coordinator)

// WithBucket sets the object-store bucket.
func WithBucket(bucket string) Option {
	return func(c *Coordinator) {
		if bucket != "" {
			c.bucket = bucket
		}
	}
}

// WithNamespace sets the prefix of query-signature cache keys.
func WithNamespace(ns string) Option {
	return func(c *Coordinator) {
		if ns != "" {
			c.namespace = ns
		}
	}
}

// WithTTL sets the lifetime of cache entries written by the coordinator.
func WithTTL(ttl time.Duration) Option {
	return func(c *Coordinator) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics records operation outcomes and cache lookups on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithKeyLock serializes mutations of the same file name within this process.
// It closes the check-then-write race between concurrent uploads, updates and
// deletes of one name, but does not coordinate across replicas.
func WithKeyLock() Option {
	return func(c *Coordinator) { c.locks = &keyLocks{} }
}

func defaults() *Coordinator {
	return &Coordinator{
		bucket:    DefaultBucket,
		namespace: cache.DefaultNamespace,
		ttl:       cache.DefaultTTL,
		logger:    zap.NewNop(),
	}
}
