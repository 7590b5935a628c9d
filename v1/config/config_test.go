package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirkobrombin/go-shelf/v1/model"
)

func noEnvFile(t *testing.T) string {
	return filepath.Join(t.TempDir(), "missing.env")
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(noEnvFile(t))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "memory", cfg.Bus.Kind)
	assert.Equal(t, "memory", cfg.Lock.Backend)
	assert.Equal(t, 5*time.Second, cfg.Lock.Wait)
	assert.Equal(t, 3*time.Second, cfg.Lock.Lease)
	assert.Equal(t, "memory", cfg.Cache.Backend)
	assert.Equal(t, time.Hour, cfg.Cache.TTL)
	assert.Equal(t, 200*time.Millisecond, cfg.Cache.Timeout)
	assert.Equal(t, 3, cfg.Cache.Pages)
	assert.Equal(t, model.Planned, cfg.Library.InitialState)
	assert.Equal(t, 10, cfg.Library.PageSize)
	assert.Equal(t, slog.LevelInfo, cfg.Log.Level)
	assert.Equal(t, "alert", cfg.Audit.Mode)
	assert.False(t, cfg.Tracing)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("SHELF_HTTP_ADDR", ":9000")
	t.Setenv("SHELF_REDIS_ADDR", "127.0.0.1:6379")
	t.Setenv("SHELF_BUS", "REDIS")
	t.Setenv("SHELF_CACHE_BACKEND", "redis")
	t.Setenv("SHELF_CACHE_CODEC", "gob")
	t.Setenv("SHELF_LOCK_WAIT", "750ms")
	t.Setenv("SHELF_INITIAL_STATE", "IN_PROGRESS")
	t.Setenv("SHELF_PAGE_SIZE", "25")
	t.Setenv("SHELF_LOG_LEVEL", "debug")
	t.Setenv("SHELF_TRACING", "true")

	cfg, err := Load(noEnvFile(t))
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.HTTP.Addr)
	assert.Equal(t, "redis", cfg.Bus.Kind)
	assert.Equal(t, "redis", cfg.Lock.Backend, "redis lock is implied by a redis address")
	assert.Equal(t, "gob", cfg.Cache.Codec)
	assert.Equal(t, 750*time.Millisecond, cfg.Lock.Wait)
	assert.Equal(t, model.InProgress, cfg.Library.InitialState)
	assert.Equal(t, 25, cfg.Library.PageSize)
	assert.Equal(t, slog.LevelDebug, cfg.Log.Level)
	assert.True(t, cfg.Tracing)
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("SHELF_PAGE_SIZE=7\nSHELF_AUDIT_MODE=autoheal\n"), 0o600))
	t.Setenv("SHELF_AUDIT_MODE", "noop")
	// Restores the unset state after godotenv exports the file value.
	t.Setenv("SHELF_PAGE_SIZE", "")
	require.NoError(t, os.Unsetenv("SHELF_PAGE_SIZE"))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Library.PageSize)
	assert.Equal(t, "noop", cfg.Audit.Mode, "the real environment wins over .env")
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string][2]string{
		"state":      {"SHELF_INITIAL_STATE", "READING"},
		"level":      {"SHELF_LOG_LEVEL", "loud"},
		"bus":        {"SHELF_BUS", "carrier-pigeon"},
		"driver":     {"SHELF_DATABASE_DRIVER", "oracle"},
		"cache":      {"SHELF_CACHE_BACKEND", "memcached"},
		"page size":  {"SHELF_PAGE_SIZE", "0"},
		"lock wait":  {"SHELF_LOCK_WAIT", "0s"},
		"redis addr": {"SHELF_CACHE_BACKEND", "redis"},
	}
	for name, kv := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv(kv[0], kv[1])
			_, err := Load(noEnvFile(t))
			assert.Error(t, err)
		})
	}
}
