package cache_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zynqcloud/go-filestore/internal/cache"
)

func TestComputeKeyIsOrderIndependent(t *testing.T) {
	a := cache.ComputeKey(cache.DefaultNamespace, map[string]string{"fileExtension": "txt", "fileName": "a"})
	b := cache.ComputeKey(cache.DefaultNamespace, map[string]string{"fileName": "a", "fileExtension": "txt"})
	assert.Equal(t, a, b)
	assert.Equal(t, "files:cache:fileExtension:txt|fileName:a", a)
}

func TestComputeKeyDropsEmptyValues(t *testing.T) {
	got := cache.ComputeKey("ns:", map[string]string{"fileName": "a", "minSize": "", "maxSize": "10"})
	assert.Equal(t, "ns:fileName:a|maxSize:10", got)
}

func TestComputeKeyEmptyParams(t *testing.T) {
	assert.Equal(t, cache.DefaultNamespace, cache.ComputeKey(cache.DefaultNamespace, nil))
	assert.Equal(t, cache.DefaultNamespace, cache.ComputeKey(cache.DefaultNamespace, map[string]string{"x": ""}))
}

func TestVersionKeyStaysOutsideNamespace(t *testing.T) {
	k := cache.VersionKey(cache.DefaultNamespace)
	assert.False(t, strings.HasPrefix(k, cache.DefaultNamespace))
	assert.NotEqual(t, cache.VersionKey(cache.EntityKey("a")), cache.VersionKey(cache.EntityKey("b")))
}

func TestEntityKey(t *testing.T) {
	assert.Equal(t, "file:report", cache.EntityKey("report"))
}

// clock is a manually advanced time source shared by the memory backend and
// miniredis so TTL expiry can be tested without sleeping.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type backend struct {
	name    string
	cache   cache.Cache
	advance func(time.Duration)
}

func backends(t *testing.T) []backend {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	mem, err := cache.NewMemory(context.Background(), cache.MemoryConfig{
		LifeWindow: 24 * time.Hour,
		Now:        clk.Now,
	})
	require.NoError(t, err)
	t.Cleanup(func() { mem.Close() })

	return []backend{
		{name: "redis", cache: cache.NewRedisFromClient(client), advance: mr.FastForward},
		{name: "memory", cache: mem, advance: clk.Advance},
	}
}

func TestBackends(t *testing.T) {
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			c := b.cache

			t.Run("miss", func(t *testing.T) {
				v, ok, err := c.Get(ctx, "absent")
				require.NoError(t, err)
				assert.False(t, ok)
				assert.Nil(t, v)
			})

			t.Run("set get", func(t *testing.T) {
				require.NoError(t, c.Set(ctx, "file:a", []byte(`{"fileName":"a"}`), time.Hour))
				v, ok, err := c.Get(ctx, "file:a")
				require.NoError(t, err)
				require.True(t, ok)
				assert.Equal(t, `{"fileName":"a"}`, string(v))
			})

			t.Run("ttl expiry", func(t *testing.T) {
				require.NoError(t, c.Set(ctx, "short", []byte("x"), time.Minute))
				b.advance(2 * time.Minute)
				_, ok, err := c.Get(ctx, "short")
				require.NoError(t, err)
				assert.False(t, ok)
			})

			t.Run("set if absent", func(t *testing.T) {
				stored, err := c.SetIfAbsent(ctx, "token", []byte("first"), time.Minute)
				require.NoError(t, err)
				assert.True(t, stored)
				stored, err = c.SetIfAbsent(ctx, "token", []byte("second"), time.Minute)
				require.NoError(t, err)
				assert.False(t, stored)

				v, _, err := c.Get(ctx, "token")
				require.NoError(t, err)
				assert.Equal(t, "first", string(v))

				b.advance(2 * time.Minute)
				stored, err = c.SetIfAbsent(ctx, "token", []byte("third"), time.Minute)
				require.NoError(t, err)
				assert.True(t, stored, "an expired entry counts as absent")
			})

			t.Run("invalidate", func(t *testing.T) {
				require.NoError(t, c.Set(ctx, "file:b", []byte("b"), time.Hour))
				require.NoError(t, c.Invalidate(ctx, "file:b"))
				_, ok, err := c.Get(ctx, "file:b")
				require.NoError(t, err)
				assert.False(t, ok)
				assert.NoError(t, c.Invalidate(ctx, "file:b"), "invalidating a missing key is fine")
			})

			t.Run("invalidate all by prefix", func(t *testing.T) {
				for _, k := range []string{"files:cache:", "files:cache:fileName:a", "files:cache:fileSize:1"} {
					require.NoError(t, c.Set(ctx, k, []byte("v"), time.Hour))
				}
				require.NoError(t, c.Set(ctx, "file:keep", []byte("keep"), time.Hour))

				require.NoError(t, c.InvalidateAll(ctx, cache.DefaultNamespace))

				for _, k := range []string{"files:cache:", "files:cache:fileName:a", "files:cache:fileSize:1"} {
					_, ok, err := c.Get(ctx, k)
					require.NoError(t, err)
					assert.False(t, ok, k)
				}
				_, ok, err := c.Get(ctx, "file:keep")
				require.NoError(t, err)
				assert.True(t, ok, "keys outside the prefix survive")
			})

			t.Run("ping", func(t *testing.T) {
				assert.NoError(t, c.Ping(ctx))
			})
		})
	}
}

func TestRedisErrorsSurface(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	c := cache.NewRedisFromClient(client)

	mr.Close()
	_, _, err := c.Get(context.Background(), "k")
	assert.Error(t, err)
	assert.Error(t, c.Set(context.Background(), "k", []byte("v"), time.Minute))
}

func TestNewRedisRequiresAddr(t *testing.T) {
	_, err := cache.NewRedis(context.Background(), cache.RedisConfig{})
	assert.Error(t, err)
}

func TestNewRedisPings(t *testing.T) {
	mr := miniredis.RunT(t)
	c, err := cache.NewRedis(context.Background(), cache.RedisConfig{Addr: mr.Addr()})
	require.NoError(t, err)
	defer c.Close()
	assert.NoError(t, c.Ping(context.Background()))
}

func TestNop(t *testing.T) {
	ctx := context.Background()
	var c cache.Cache = cache.Nop{}
	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Minute))
	_, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
	stored, err := c.SetIfAbsent(ctx, "k", []byte("v"), time.Minute)
	require.NoError(t, err)
	assert.False(t, stored)
}
