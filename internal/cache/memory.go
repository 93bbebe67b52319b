package cache

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/allegro/bigcache/v3"
)

// deadlineSize is the length of the expiry header stored before each value.
const deadlineSize = 8

// MemoryConfig configures the in-process cache.
type MemoryConfig struct {
	// LifeWindow is the longest TTL an entry may have; BigCache evicts anything older.
	LifeWindow time.Duration
	// CleanWindow is how often expired entries are swept. Zero disables sweeping.
	CleanWindow time.Duration
	// HardMaxCacheSizeMB caps memory use. Zero means unbounded.
	HardMaxCacheSizeMB int
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Memory is a Cache held in process memory by BigCache. It suits single-node
// deployments and tests; multiple nodes need the Redis backend to share
// invalidations.
//
// BigCache only knows one global life window, so each value is prefixed with
// its own expiry deadline and checked on read to honor per-call TTLs.
type Memory struct {
	cache *bigcache.BigCache
	now   func() time.Time
	// mu orders SetIfAbsent against Set; BigCache has no compare-and-set.
	mu sync.Mutex
}

// NewMemory creates an in-process cache.
func NewMemory(ctx context.Context, cfg MemoryConfig) (*Memory, error) {
	if cfg.LifeWindow <= 0 {
		cfg.LifeWindow = DefaultTTL
	}
	bc := bigcache.DefaultConfig(cfg.LifeWindow)
	bc.Shards = 64
	bc.CleanWindow = cfg.CleanWindow
	bc.HardMaxCacheSize = cfg.HardMaxCacheSizeMB
	bc.Verbose = false

	c, err := bigcache.New(ctx, bc)
	if err != nil {
		return nil, fmt.Errorf("create bigcache: %w", err)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Memory{cache: c, now: now}, nil
}

// Get returns the value for key unless it is missing or past its deadline.
func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	entry, err := m.cache.Get(key)
	if errors.Is(err, bigcache.ErrEntryNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if len(entry) < deadlineSize {
		m.cache.Delete(key) //nolint:errcheck
		return nil, false, nil
	}
	deadline := int64(binary.BigEndian.Uint64(entry[:deadlineSize]))
	if m.now().UnixNano() >= deadline {
		m.cache.Delete(key) //nolint:errcheck
		return nil, false, nil
	}
	value := make([]byte, len(entry)-deadlineSize)
	copy(value, entry[deadlineSize:])
	return value, true, nil
}

// Set stores value until now+ttl.
func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.set(key, value, ttl)
}

// SetIfAbsent stores value until now+ttl unless key holds a live entry.
func (m *Memory) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok, err := m.Get(ctx, key); err != nil || ok {
		return false, err
	}
	return true, m.set(key, value, ttl)
}

func (m *Memory) set(key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	entry := make([]byte, deadlineSize+len(value))
	binary.BigEndian.PutUint64(entry, uint64(m.now().Add(ttl).UnixNano()))
	copy(entry[deadlineSize:], value)
	return m.cache.Set(key, entry)
}

// Invalidate removes key.
func (m *Memory) Invalidate(_ context.Context, key string) error {
	err := m.cache.Delete(key)
	if errors.Is(err, bigcache.ErrEntryNotFound) {
		return nil
	}
	return err
}

// InvalidateAll removes every key beginning with prefix. Keys are collected
// first and deleted afterwards so the iterator never observes its own deletes.
func (m *Memory) InvalidateAll(ctx context.Context, prefix string) error {
	var doomed []string
	it := m.cache.Iterator()
	for it.SetNext() {
		info, err := it.Value()
		if err != nil {
			// entry evicted between SetNext and Value
			continue
		}
		if strings.HasPrefix(info.Key(), prefix) {
			doomed = append(doomed, info.Key())
		}
	}
	for _, k := range doomed {
		if err := m.Invalidate(ctx, k); err != nil {
			return err
		}
	}
	return nil
}

// Ping always succeeds for the in-process cache.
func (m *Memory) Ping(context.Context) error { return nil }

// Close stops BigCache's background cleaner.
func (m *Memory) Close() error {
	return m.cache.Close()
}
