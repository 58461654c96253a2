package kvstore

import (
	"context"
	"flag"
	"time"

	"github.com/go-kit/log"
	"github.com/pkg/errors"
)

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// ErrNotFound is returned by Get for keys that do not exist or have expired.
var ErrNotFound = errors.New("key not found")

// KV is one key/value pair returned by RangeGet.
type KV struct {
	Key   string
	Value []byte
}

// Store is durable string-keyed storage with optional best-effort TTL. It
// backs the request queue, locator progress markers and pending notification
// records. Values are opaque; serialization is the caller's concern (see
// Codec).
type Store interface {
	// Get returns the value for key or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Put stores value under key. ttl == 0 means no expiry.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	// Scan returns all keys with the given prefix, sorted.
	Scan(ctx context.Context, prefix string) ([]string, error)
	// RangeGet returns pairs with from <= key < to, sorted by key. An empty
	// to is unbounded, limit <= 0 returns everything in range.
	RangeGet(ctx context.Context, from, to string, limit int) ([]KV, error)
	Close() error
}

type Config struct {
	Backend string       `yaml:"backend"`
	Redis   *RedisConfig `yaml:"redis"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	cfg.Redis = &RedisConfig{}
	cfg.Redis.RegisterFlagsAndApplyDefaults(prefix+".redis", f)

	f.StringVar(&cfg.Backend, prefix+".backend", BackendMemory, "key-value store backend (memory, redis)")
}

// New builds the configured Store implementation.
func New(cfg Config, logger log.Logger) (Store, error) {
	switch cfg.Backend {
	case BackendMemory, "":
		return NewMemory(), nil
	case BackendRedis:
		if cfg.Redis == nil {
			return nil, errors.New("redis kvstore requires a redis config block")
		}
		return NewRedis(*cfg.Redis, logger)
	default:
		return nil, errors.Errorf("unknown kvstore backend %q", cfg.Backend)
	}
}
