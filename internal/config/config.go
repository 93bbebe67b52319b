package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override: cache.redis.addr
// becomes FILESTORE_CACHE_REDIS_ADDR.
const EnvPrefix = "FILESTORE"

// Object and cache backends.
const (
	BackendLocal  = "local"
	BackendS3     = "s3"
	BackendRedis  = "redis"
	BackendMemory = "memory"
	BackendNone   = "none"
)

// Config holds all runtime configuration for the file service.
type Config struct {
	Port                 string
	ServiceToken         string
	MaxConcurrentUploads int
	MaxUploadBytes       int64
	MinFreeBytes         uint64

	Log         LogConfig
	ObjectStore ObjectStoreConfig
	Metadata    MetadataConfig
	Cache       CacheConfig
	Coordinator CoordinatorConfig
	Cleanup     CleanupConfig
}

type LogConfig struct {
	Level string
	File  string
}

type ObjectStoreConfig struct {
	Backend string
	Bucket  string
	Local   LocalConfig
	S3      S3Config
}

type LocalConfig struct {
	Path string
	// Compression is the zstd level, 1 fastest to 4 smallest; 0 stores objects
	// uncompressed.
	Compression int
}

type S3Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Region    string
}

type MetadataConfig struct {
	// Path is the Badger directory. Empty keeps metadata in memory, which
	// requires Cleanup.Enabled to be false.
	Path       string
	SyncWrites bool
}

type CacheConfig struct {
	Backend   string
	TTL       time.Duration
	Namespace string
	Redis     RedisConfig
	MemoryMB  int
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type CoordinatorConfig struct {
	SerializeWrites bool
}

type CleanupConfig struct {
	// Enabled runs the orphan reconciler. It must be off when metadata is
	// kept in memory, since every object looks orphaned after a restart.
	Enabled   bool
	OrphanTTL time.Duration
	// Interval between reconciliation passes. Zero runs only at startup.
	Interval time.Duration
}

// SetDefaults registers every key with its default so that environment
// overrides resolve through AutomaticEnv.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("port", "5000")
	v.SetDefault("service_token", "")
	v.SetDefault("max_concurrent_uploads", 256)
	v.SetDefault("max_upload_bytes", int64(5<<30))
	v.SetDefault("min_free_bytes", uint64(512<<20))

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")

	v.SetDefault("object_store.backend", BackendLocal)
	v.SetDefault("object_store.bucket", "files")
	v.SetDefault("object_store.local.path", "/data/files")
	v.SetDefault("object_store.local.compression", 0)
	v.SetDefault("object_store.s3.endpoint", "")
	v.SetDefault("object_store.s3.access_key", "")
	v.SetDefault("object_store.s3.secret_key", "")
	v.SetDefault("object_store.s3.use_ssl", false)
	v.SetDefault("object_store.s3.region", "")

	v.SetDefault("metadata.path", "/data/meta")
	v.SetDefault("metadata.sync_writes", false)

	v.SetDefault("cache.backend", BackendMemory)
	v.SetDefault("cache.ttl", time.Hour)
	v.SetDefault("cache.namespace", "files:cache:")
	v.SetDefault("cache.memory_mb", 0)
	v.SetDefault("cache.redis.addr", "localhost:6379")
	v.SetDefault("cache.redis.password", "")
	v.SetDefault("cache.redis.db", 0)

	v.SetDefault("coordinator.serialize_writes", false)

	v.SetDefault("cleanup.enabled", true)
	v.SetDefault("cleanup.orphan_ttl", time.Hour)
	v.SetDefault("cleanup.interval", time.Hour)
}

// Load resolves configuration from defaults, the optional YAML file, and
// FILESTORE_* environment variables, in increasing precedence. Flags bound
// to v by the caller take precedence over all of them.
func Load(v *viper.Viper, file string) (*Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AllowEmptyEnv(true)
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	cfg := &Config{
		Port:                 v.GetString("port"),
		ServiceToken:         v.GetString("service_token"),
		MaxConcurrentUploads: v.GetInt("max_concurrent_uploads"),
		MaxUploadBytes:       v.GetInt64("max_upload_bytes"),
		MinFreeBytes:         v.GetUint64("min_free_bytes"),
		Log: LogConfig{
			Level: v.GetString("log.level"),
			File:  v.GetString("log.file"),
		},
		ObjectStore: ObjectStoreConfig{
			Backend: strings.ToLower(v.GetString("object_store.backend")),
			Bucket:  v.GetString("object_store.bucket"),
			Local: LocalConfig{
				Path:        v.GetString("object_store.local.path"),
				Compression: v.GetInt("object_store.local.compression"),
			},
			S3: S3Config{
				Endpoint:  v.GetString("object_store.s3.endpoint"),
				AccessKey: v.GetString("object_store.s3.access_key"),
				SecretKey: v.GetString("object_store.s3.secret_key"),
				UseSSL:    v.GetBool("object_store.s3.use_ssl"),
				Region:    v.GetString("object_store.s3.region"),
			},
		},
		Metadata: MetadataConfig{
			Path:       v.GetString("metadata.path"),
			SyncWrites: v.GetBool("metadata.sync_writes"),
		},
		Cache: CacheConfig{
			Backend:   strings.ToLower(v.GetString("cache.backend")),
			TTL:       v.GetDuration("cache.ttl"),
			Namespace: v.GetString("cache.namespace"),
			MemoryMB:  v.GetInt("cache.memory_mb"),
			Redis: RedisConfig{
				Addr:     v.GetString("cache.redis.addr"),
				Password: v.GetString("cache.redis.password"),
				DB:       v.GetInt("cache.redis.db"),
			},
		},
		Coordinator: CoordinatorConfig{
			SerializeWrites: v.GetBool("coordinator.serialize_writes"),
		},
		Cleanup: CleanupConfig{
			Enabled:   v.GetBool("cleanup.enabled"),
			OrphanTTL: v.GetDuration("cleanup.orphan_ttl"),
			Interval:  v.GetDuration("cleanup.interval"),
		},
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if p, err := strconv.Atoi(c.Port); err != nil || p <= 0 || p > 65535 {
		errs = append(errs, fmt.Errorf("port %q is not a valid TCP port", c.Port))
	}
	if c.ObjectStore.Bucket == "" {
		errs = append(errs, errors.New("object_store.bucket is required"))
	}
	switch c.ObjectStore.Backend {
	case BackendLocal:
		if c.ObjectStore.Local.Path == "" {
			errs = append(errs, errors.New("object_store.local.path is required for the local backend"))
		}
		if l := c.ObjectStore.Local.Compression; l < 0 || l > 4 {
			errs = append(errs, fmt.Errorf("object_store.local.compression %d is outside 0-4", l))
		}
	case BackendS3:
		if c.ObjectStore.S3.Endpoint == "" {
			errs = append(errs, errors.New("object_store.s3.endpoint is required for the s3 backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("object_store.backend %q is not one of local, s3", c.ObjectStore.Backend))
	}
	switch c.Cache.Backend {
	case BackendRedis:
		if c.Cache.Redis.Addr == "" {
			errs = append(errs, errors.New("cache.redis.addr is required for the redis backend"))
		}
	case BackendMemory, BackendNone:
	default:
		errs = append(errs, fmt.Errorf("cache.backend %q is not one of redis, memory, none", c.Cache.Backend))
	}
	if c.Cache.TTL <= 0 {
		errs = append(errs, fmt.Errorf("cache.ttl %s must be positive", c.Cache.TTL))
	}
	if c.Metadata.Path == "" && c.Cleanup.Enabled {
		errs = append(errs, errors.New("metadata.path is empty (in-memory metadata) while cleanup.enabled is true: "+
			"the orphan pass would delete every stored object after a restart"))
	}
	if c.Cleanup.OrphanTTL <= 0 {
		errs = append(errs, fmt.Errorf("cleanup.orphan_ttl %s must be positive", c.Cleanup.OrphanTTL))
	}
	if c.Cleanup.Interval < 0 {
		errs = append(errs, fmt.Errorf("cleanup.interval %s must not be negative", c.Cleanup.Interval))
	}
	return errors.Join(errs...)
}
