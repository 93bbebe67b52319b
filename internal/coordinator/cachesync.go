package coordinator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zynqcloud/go-filestore/internal/cache"
	"github.com/zynqcloud/go-filestore/internal/filemeta"
)

// entry is the cached form of a record or record list. Version is the token
// that was current at the guarding version key before Data was read from the
// metadata store. Every committed mutation replaces the token, so an entry
// filled by a read that overlapped the mutation no longer matches and is
// treated as a miss.
type entry struct {
	Version string          `json:"v"`
	Data    json.RawMessage `json:"d"`
}

// versionTTL keeps a token alive for at least as long as the entries
// stamped with it. An expired token is replaced, which only costs misses.
func (c *Coordinator) versionTTL() time.Duration { return 2 * c.ttl }

// version returns the token at vkey, creating one when none exists. It must
// be read before the metadata store. "" means the cache cannot stamp
// entries right now and the read goes without caching.
func (c *Coordinator) version(ctx context.Context, vkey string) string {
	for range 2 {
		raw, ok, err := c.cache.Get(ctx, vkey)
		if err != nil {
			c.logger.Warn("cache get", zap.String("key", vkey), zap.Error(err))
			return ""
		}
		if ok {
			return string(raw)
		}
		token := uuid.NewString()
		stored, err := c.cache.SetIfAbsent(ctx, vkey, []byte(token), c.versionTTL())
		if err != nil {
			c.logger.Warn("cache set", zap.String("key", vkey), zap.Error(err))
			return ""
		}
		if stored {
			return token
		}
		// lost the race to another reader; its token is there now
	}
	return ""
}

// bump replaces the token at vkey and returns the new one, or "" on failure.
func (c *Coordinator) bump(ctx context.Context, vkey string) string {
	token := uuid.NewString()
	if err := c.cache.Set(ctx, vkey, []byte(token), c.versionTTL()); err != nil {
		c.logger.Warn("cache version", zap.String("key", vkey), zap.Error(err))
		return ""
	}
	return token
}

// syncCache runs after a commit. It replaces the entity and query tokens,
// refreshes the entity entry for name (or drops it when rec is nil) and
// sweeps every cached query result. Failures are logged only.
func (c *Coordinator) syncCache(ctx context.Context, name string, rec *filemeta.Record) {
	sctx, cancel := detached(ctx)
	defer cancel()

	key := cache.EntityKey(name)
	version := c.bump(sctx, cache.VersionKey(key))
	if rec != nil && version != "" {
		c.cacheSet(sctx, key, version, *rec)
	} else if err := c.cache.Invalidate(sctx, key); err != nil {
		c.logger.Warn("cache invalidate", zap.String("key", key), zap.Error(err))
	}

	c.bump(sctx, cache.VersionKey(c.namespace))
	if err := c.cache.InvalidateAll(sctx, c.namespace); err != nil {
		c.logger.Warn("cache invalidate all", zap.String("prefix", c.namespace), zap.Error(err))
	}
}

// cacheGet decodes the entry at key into dst and reports a hit. Errors,
// undecodable entries and entries stamped with another version are misses.
func (c *Coordinator) cacheGet(ctx context.Context, kind, key, version string, dst any) bool {
	ok := version != "" && c.lookup(ctx, key, version, dst)
	c.metrics.CacheLookup(kind, ok)
	return ok
}

func (c *Coordinator) lookup(ctx context.Context, key, version string, dst any) bool {
	raw, ok, err := c.cache.Get(ctx, key)
	if err != nil {
		c.logger.Warn("cache get", zap.String("key", key), zap.Error(err))
		return false
	}
	if !ok {
		return false
	}
	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		c.logger.Warn("cache decode", zap.String("key", key), zap.Error(err))
		return false
	}
	if e.Version != version {
		return false
	}
	if err := json.Unmarshal(e.Data, dst); err != nil {
		c.logger.Warn("cache decode", zap.String("key", key), zap.Error(err))
		return false
	}
	return true
}

// cacheSet stores v at key stamped with version. An empty version stores nothing.
func (c *Coordinator) cacheSet(ctx context.Context, key, version string, v any) {
	if version == "" {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Warn("cache encode", zap.String("key", key), zap.Error(err))
		return
	}
	raw, err := json.Marshal(entry{Version: version, Data: data})
	if err != nil {
		c.logger.Warn("cache encode", zap.String("key", key), zap.Error(err))
		return
	}
	if err := c.cache.Set(ctx, key, raw, c.ttl); err != nil {
		c.logger.Warn("cache set", zap.String("key", key), zap.Error(err))
	}
}
