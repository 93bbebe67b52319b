package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zynqcloud/go-filestore/internal/config"
)

func TestDefaults(t *testing.T) {
	cfg, err := config.Load(viper.New(), "")
	require.NoError(t, err)

	assert.Equal(t, "5000", cfg.Port)
	assert.Equal(t, config.BackendLocal, cfg.ObjectStore.Backend)
	assert.Equal(t, "files", cfg.ObjectStore.Bucket)
	assert.Equal(t, "/data/files", cfg.ObjectStore.Local.Path)
	assert.Equal(t, config.BackendMemory, cfg.Cache.Backend)
	assert.Equal(t, time.Hour, cfg.Cache.TTL)
	assert.Equal(t, "files:cache:", cfg.Cache.Namespace)
	assert.Equal(t, 256, cfg.MaxConcurrentUploads)
	assert.False(t, cfg.Coordinator.SerializeWrites)
	assert.True(t, cfg.Cleanup.Enabled)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("FILESTORE_PORT", "8080")
	t.Setenv("FILESTORE_CACHE_BACKEND", "redis")
	t.Setenv("FILESTORE_CACHE_REDIS_ADDR", "cache:6379")
	t.Setenv("FILESTORE_CACHE_TTL", "90s")
	t.Setenv("FILESTORE_METADATA_PATH", "")
	t.Setenv("FILESTORE_CLEANUP_ENABLED", "false")
	t.Setenv("FILESTORE_COORDINATOR_SERIALIZE_WRITES", "true")

	cfg, err := config.Load(viper.New(), "")
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, config.BackendRedis, cfg.Cache.Backend)
	assert.Equal(t, "cache:6379", cfg.Cache.Redis.Addr)
	assert.Equal(t, 90*time.Second, cfg.Cache.TTL)
	assert.Empty(t, cfg.Metadata.Path, "empty env value selects in-memory metadata")
	assert.True(t, cfg.Coordinator.SerializeWrites)
	assert.False(t, cfg.Cleanup.Enabled)
}

func TestConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "filestore.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
port: "7000"
object_store:
  backend: s3
  bucket: uploads
  s3:
    endpoint: minio:9000
    access_key: minio
    use_ssl: true
cleanup:
  orphan_ttl: 30m
  interval: 0s
`), 0o600))

	cfg, err := config.Load(viper.New(), path)
	require.NoError(t, err)

	assert.Equal(t, "7000", cfg.Port)
	assert.Equal(t, config.BackendS3, cfg.ObjectStore.Backend)
	assert.Equal(t, "uploads", cfg.ObjectStore.Bucket)
	assert.Equal(t, "minio:9000", cfg.ObjectStore.S3.Endpoint)
	assert.True(t, cfg.ObjectStore.S3.UseSSL)
	assert.Equal(t, 30*time.Minute, cfg.Cleanup.OrphanTTL)
	assert.Zero(t, cfg.Cleanup.Interval)
}

func TestEnvBeatsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "filestore.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: \"7000\"\n"), 0o600))
	t.Setenv("FILESTORE_PORT", "7001")

	cfg, err := config.Load(viper.New(), path)
	require.NoError(t, err)
	assert.Equal(t, "7001", cfg.Port)
}

func TestMissingFile(t *testing.T) {
	_, err := config.Load(viper.New(), filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := map[string]map[string]string{
		"bad port":           {"FILESTORE_PORT": "http"},
		"unknown backend":    {"FILESTORE_OBJECT_STORE_BACKEND": "ftp"},
		"s3 no endpoint":     {"FILESTORE_OBJECT_STORE_BACKEND": "s3"},
		"unknown cache":      {"FILESTORE_CACHE_BACKEND": "memcached"},
		"zero ttl":           {"FILESTORE_CACHE_TTL": "0s"},
		"compression level":  {"FILESTORE_OBJECT_STORE_LOCAL_COMPRESSION": "9"},
		"empty bucket":       {"FILESTORE_OBJECT_STORE_BUCKET": ""},
		"in-memory metadata": {"FILESTORE_METADATA_PATH": ""},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			for k, v := range env {
				t.Setenv(k, v)
			}
			_, err := config.Load(viper.New(), "")
			assert.Error(t, err)
		})
	}
}
