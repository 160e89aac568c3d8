// Package factory builds a state.Store from configuration.
package factory

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tramitebot/tramitebot/state"
	"github.com/tramitebot/tramitebot/state/hybrid"
	redisstore "github.com/tramitebot/tramitebot/state/redis"
	sqlitestore "github.com/tramitebot/tramitebot/state/sqlite"
)

// Options selects and parameterizes the storage backend.
type Options struct {
	Backend       string
	SQLitePath    string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisTTL      time.Duration
}

func (o Options) withDefaults() Options {
	if o.Backend == "" {
		o.Backend = "sqlite"
	}
	if o.SQLitePath == "" {
		o.SQLitePath = "./.tramitebot/state.db"
	}
	if o.RedisAddr == "" {
		o.RedisAddr = "127.0.0.1:6379"
	}
	if o.RedisTTL <= 0 {
		o.RedisTTL = 72 * time.Hour
	}
	return o
}

// New builds the store described by the options. The hybrid backend
// degrades to durable-only when the cache is unreachable.
func New(opts Options) (state.Store, error) {
	opts = opts.withDefaults()

	switch strings.ToLower(strings.TrimSpace(opts.Backend)) {
	case "sqlite":
		return sqlitestore.New(opts.SQLitePath)

	case "redis":
		return newRedisStore(opts)

	case "hybrid":
		durable, err := sqlitestore.New(opts.SQLitePath)
		if err != nil {
			return nil, err
		}
		cache, err := newRedisStore(opts)
		if err != nil {
			return hybrid.New(durable, nil)
		}
		return hybrid.New(durable, cache)

	default:
		return nil, fmt.Errorf("unsupported state backend %q (use sqlite, redis, or hybrid)", opts.Backend)
	}
}

// FromEnv reads the TRAMITE_* variables and builds the store they
// describe.
func FromEnv(ctx context.Context) (state.Store, error) {
	_ = ctx
	return New(Options{
		Backend:       getenv("TRAMITE_STATE_BACKEND", ""),
		SQLitePath:    getenv("TRAMITE_SQLITE_PATH", ""),
		RedisAddr:     getenv("TRAMITE_REDIS_ADDR", ""),
		RedisPassword: strings.TrimSpace(os.Getenv("TRAMITE_REDIS_PASSWORD")),
		RedisDB:       getenvInt("TRAMITE_REDIS_DB", 0),
		RedisTTL:      getenvDuration("TRAMITE_REDIS_TTL", 0),
	})
}

func newRedisStore(opts Options) (state.Store, error) {
	return redisstore.New(opts.RedisAddr,
		redisstore.WithPassword(opts.RedisPassword),
		redisstore.WithDB(opts.RedisDB),
		redisstore.WithTTL(opts.RedisTTL),
	)
}

func getenv(key, fallback string) string {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	return val
}

func getenvInt(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return d
}
