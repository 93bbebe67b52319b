// Package cache provides the advisory read cache in front of the metadata store.
//
// Entries are derived copies of metadata and never a source of truth: callers
// must tolerate misses, stale values up to the TTL, and backend errors.
package cache

import (
	"context"
	"sort"
	"strings"
	"time"
)

const (
	// DefaultNamespace prefixes every query-signature key.
	DefaultNamespace = "files:cache:"
	// EntityNamespace prefixes keys addressing a single file by name.
	EntityNamespace = "file:"
	// VersionNamespace prefixes the version tokens that entries are stamped with.
	// It lies outside DefaultNamespace so query sweeps leave tokens alone.
	VersionNamespace = "files:version:"
	// DefaultTTL bounds how long an entry may be served without invalidation.
	DefaultTTL = time.Hour
)

// Cache is a byte-oriented key/value cache with per-entry TTL.
type Cache interface {
	// Get returns (value, true, nil) on hit and (nil, false, nil) on miss.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set stores value for ttl.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetIfAbsent stores value for ttl only when key holds no live entry, and
	// reports whether it did.
	SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// Invalidate removes one key. Removing a missing key is not an error.
	Invalidate(ctx context.Context, key string) error
	// InvalidateAll removes every key beginning with prefix.
	InvalidateAll(ctx context.Context, prefix string) error
	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error
}

// ComputeKey returns the canonical signature of a query: parameters with empty
// values are dropped, the rest are sorted by name and joined as "k:v|k:v",
// then prefixed with namespace. The result does not depend on map iteration
// order, so the same logical query always maps to the same key.
func ComputeKey(namespace string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k, v := range params {
		if v != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(namespace)
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('|')
		}
		b.WriteString(k)
		b.WriteByte(':')
		b.WriteString(params[k])
	}
	return b.String()
}

// EntityKey returns the key caching the record of a single file.
func EntityKey(fileName string) string {
	return EntityNamespace + fileName
}

// VersionKey returns the key of the version token guarding key. For query
// entries pass the namespace: one token covers every filter signature.
func VersionKey(key string) string {
	return VersionNamespace + key
}

// Nop is a Cache that stores nothing. It is used when caching is disabled.
type Nop struct{}

func (Nop) Get(context.Context, string) ([]byte, bool, error) { return nil, false, nil }
func (Nop) Set(context.Context, string, []byte, time.Duration) error { return nil }
func (Nop) SetIfAbsent(context.Context, string, []byte, time.Duration) (bool, error) {
	return false, nil
}
func (Nop) Invalidate(context.Context, string) error { return nil }
func (Nop) InvalidateAll(context.Context, string) error { return nil }
func (Nop) Ping(context.Context) error { return nil }
