// Package config loads go-shelf settings from the environment.
//
// Every key is read from a SHELF_ prefixed variable, e.g. SHELF_HTTP_ADDR.
// Variables found in .env files are loaded first and never override the
// real environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/mirkobrombin/go-shelf/v1/model"
)

const envPrefix = "SHELF"

type (
	Config struct {
		HTTP
		Database
		Redis
		Bus
		Lock
		Cache
		Library
		Log
		Audit
		Tracing bool
	}

	HTTP struct {
		Addr            string
		ShutdownTimeout time.Duration
	}
	Database struct {
		Driver string // sqlite or postgres
		DSN    string
	}
	Redis struct {
		Addr     string
		Password string
		DB       int
	}
	Bus struct {
		Kind         string // memory, redis, nats or kafka
		NATSURL      string
		KafkaBrokers string
	}
	Lock struct {
		Backend string // memory or redis
		Wait    time.Duration
		Lease   time.Duration
	}
	Cache struct {
		Backend string // memory, ristretto or redis
		Codec   string // json or gob, redis only
		TTL     time.Duration
		Timeout time.Duration
		Pages   int
	}
	Library struct {
		InitialState model.State
		PageSize     int
	}
	Log struct {
		Level  slog.Level
		Format string // json or text
	}
	Audit struct {
		Mode     string // noop, alert or autoheal
		Interval time.Duration
	}
)

func defaults(v *viper.Viper) {
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("http_shutdown_timeout", "10s")
	v.SetDefault("database_driver", "sqlite")
	v.SetDefault("database_dsn", "file:shelf.db?_busy_timeout=5000")
	v.SetDefault("redis_addr", "")
	v.SetDefault("redis_password", "")
	v.SetDefault("redis_db", 0)
	v.SetDefault("bus", "memory")
	v.SetDefault("nats_url", "nats://127.0.0.1:4222")
	v.SetDefault("kafka_brokers", "127.0.0.1:9092")
	v.SetDefault("lock_backend", "")
	v.SetDefault("lock_wait", "5s")
	v.SetDefault("lock_lease", "3s")
	v.SetDefault("cache_backend", "memory")
	v.SetDefault("cache_codec", "json")
	v.SetDefault("cache_ttl", "1h")
	v.SetDefault("cache_timeout", "200ms")
	v.SetDefault("cache_pages", 3)
	v.SetDefault("initial_state", string(model.Planned))
	v.SetDefault("page_size", 10)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("audit_mode", "alert")
	v.SetDefault("audit_interval", "1m")
	v.SetDefault("tracing", false)
}

// Load reads .env files (default ".env", missing files are skipped) and the
// environment, then validates the result.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	defaults(v)

	state, err := model.ParseState(v.GetString("initial_state"))
	if err != nil {
		return nil, fmt.Errorf("SHELF_INITIAL_STATE: %w", err)
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(v.GetString("log_level"))); err != nil {
		return nil, fmt.Errorf("SHELF_LOG_LEVEL: %w", err)
	}

	cfg := &Config{
		HTTP: HTTP{
			Addr:            v.GetString("http_addr"),
			ShutdownTimeout: v.GetDuration("http_shutdown_timeout"),
		},
		Database: Database{
			Driver: strings.ToLower(v.GetString("database_driver")),
			DSN:    v.GetString("database_dsn"),
		},
		Redis: Redis{
			Addr:     v.GetString("redis_addr"),
			Password: v.GetString("redis_password"),
			DB:       v.GetInt("redis_db"),
		},
		Bus: Bus{
			Kind:         strings.ToLower(v.GetString("bus")),
			NATSURL:      v.GetString("nats_url"),
			KafkaBrokers: v.GetString("kafka_brokers"),
		},
		Lock: Lock{
			Backend: strings.ToLower(v.GetString("lock_backend")),
			Wait:    v.GetDuration("lock_wait"),
			Lease:   v.GetDuration("lock_lease"),
		},
		Cache: Cache{
			Backend: strings.ToLower(v.GetString("cache_backend")),
			Codec:   strings.ToLower(v.GetString("cache_codec")),
			TTL:     v.GetDuration("cache_ttl"),
			Timeout: v.GetDuration("cache_timeout"),
			Pages:   v.GetInt("cache_pages"),
		},
		Library: Library{
			InitialState: state,
			PageSize:     v.GetInt("page_size"),
		},
		Log: Log{
			Level:  level,
			Format: strings.ToLower(v.GetString("log_format")),
		},
		Audit: Audit{
			Mode:     strings.ToLower(v.GetString("audit_mode")),
			Interval: v.GetDuration("audit_interval"),
		},
		Tracing: v.GetBool("tracing"),
	}
	if cfg.Lock.Backend == "" {
		cfg.Lock.Backend = "memory"
		if cfg.Redis.Addr != "" {
			cfg.Lock.Backend = "redis"
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks enumerations and cross-field requirements.
func (c *Config) Validate() error {
	var errs []error
	oneOf := func(key, val string, allowed ...string) {
		for _, a := range allowed {
			if val == a {
				return
			}
		}
		errs = append(errs, fmt.Errorf("%s: %q is not one of %s", key, val, strings.Join(allowed, ", ")))
	}
	oneOf("SHELF_DATABASE_DRIVER", c.Database.Driver, "sqlite", "postgres")
	oneOf("SHELF_BUS", c.Bus.Kind, "memory", "redis", "nats", "kafka")
	oneOf("SHELF_LOCK_BACKEND", c.Lock.Backend, "memory", "redis")
	oneOf("SHELF_CACHE_BACKEND", c.Cache.Backend, "memory", "ristretto", "redis")
	oneOf("SHELF_CACHE_CODEC", c.Cache.Codec, "json", "gob")
	oneOf("SHELF_LOG_FORMAT", c.Log.Format, "json", "text")
	oneOf("SHELF_AUDIT_MODE", c.Audit.Mode, "noop", "alert", "autoheal")

	needRedis := c.Bus.Kind == "redis" || c.Lock.Backend == "redis" || c.Cache.Backend == "redis"
	if needRedis && c.Redis.Addr == "" {
		errs = append(errs, errors.New("SHELF_REDIS_ADDR is required by the selected bus, lock or cache backend"))
	}
	if c.Lock.Wait <= 0 || c.Lock.Lease <= 0 {
		errs = append(errs, errors.New("SHELF_LOCK_WAIT and SHELF_LOCK_LEASE must be positive"))
	}
	if c.Library.PageSize < 1 {
		errs = append(errs, errors.New("SHELF_PAGE_SIZE must be at least 1"))
	}
	if c.Cache.Pages < 1 {
		errs = append(errs, errors.New("SHELF_CACHE_PAGES must be at least 1"))
	}
	return errors.Join(errs...)
}
