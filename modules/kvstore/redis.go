package kvstore

import (
	"context"
	"flag"
	"sort"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/go-redis/redis/v8"
	"github.com/grafana/dskit/flagext"
	"github.com/pkg/errors"
)

const redisScanBatch = 100

type RedisConfig struct {
	Endpoint string         `yaml:"endpoint"`
	DB       int            `yaml:"db"`
	Password flagext.Secret `yaml:"password"`
	// KeyPrefix is prepended to every key on the wire and stripped from
	// results, so several deployments can share one database.
	KeyPrefix    string        `yaml:"key_prefix"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

func (cfg *RedisConfig) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	cfg.DialTimeout = 5 * time.Second
	cfg.ReadTimeout = 3 * time.Second
	cfg.WriteTimeout = 3 * time.Second

	f.StringVar(&cfg.Endpoint, prefix+".endpoint", "", "redis endpoint (host:port)")
	f.IntVar(&cfg.DB, prefix+".db", 0, "redis database number")
	f.StringVar(&cfg.KeyPrefix, prefix+".key-prefix", "", "prefix applied to every key")
	f.Var(&cfg.Password, prefix+".password", "redis password")
}

type redisStore struct {
	client *redis.Client
	prefix string
}

// NewRedis connects to the configured redis endpoint and fails fast if it is
// unreachable.
func NewRedis(cfg RedisConfig, logger log.Logger) (Store, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("redis endpoint is required")
	}

	level.Info(logger).Log("msg", "connecting to redis", "endpoint", cfg.Endpoint, "db", cfg.DB)

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Endpoint,
		Password:     cfg.Password.String(),
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrapf(err, "pinging redis at %s", cfg.Endpoint)
	}

	return &redisStore{
		client: client,
		prefix: cfg.KeyPrefix,
	}, nil
}

func (r *redisStore) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "redis get %s", key)
	}
	return val, nil
}

func (r *redisStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, r.prefix+key, value, ttl).Err(); err != nil {
		return errors.Wrapf(err, "redis set %s", key)
	}
	return nil
}

func (r *redisStore) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		return errors.Wrapf(err, "redis del %s", key)
	}
	return nil
}

func (r *redisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, r.prefix+key).Result()
	if err != nil {
		return false, errors.Wrapf(err, "redis exists %s", key)
	}
	return n > 0, nil
}

func (r *redisStore) Scan(ctx context.Context, prefix string) ([]string, error) {
	keys, err := r.scanKeys(ctx, prefix)
	if err != nil {
		return nil, err
	}

	sort.Strings(keys)
	return keys, nil
}

func (r *redisStore) RangeGet(ctx context.Context, from, to string, limit int) ([]KV, error) {
	keys, err := r.scanKeys(ctx, "")
	if err != nil {
		return nil, err
	}

	inRange := keys[:0]
	for _, k := range keys {
		if k < from || (to != "" && k >= to) {
			continue
		}
		inRange = append(inRange, k)
	}
	sort.Strings(inRange)
	if limit > 0 && len(inRange) > limit {
		inRange = inRange[:limit]
	}
	if len(inRange) == 0 {
		return nil, nil
	}

	wire := make([]string, len(inRange))
	for i, k := range inRange {
		wire[i] = r.prefix + k
	}
	values, err := r.client.MGet(ctx, wire...).Result()
	if err != nil {
		return nil, errors.Wrap(err, "redis mget")
	}

	pairs := make([]KV, 0, len(inRange))
	for i, v := range values {
		// keys can expire between scan and mget
		s, ok := v.(string)
		if !ok {
			continue
		}
		pairs = append(pairs, KV{Key: inRange[i], Value: []byte(s)})
	}
	return pairs, nil
}

func (r *redisStore) Close() error {
	return r.client.Close()
}

// scanKeys walks the whole SCAN cursor for prefix and returns keys with the
// wire prefix stripped, unsorted. MATCH is a glob, so results are re-checked
// literally.
func (r *redisStore) scanKeys(ctx context.Context, prefix string) ([]string, error) {
	var (
		cursor uint64
		keys   []string
	)
	match := r.prefix + prefix + "*"

	for {
		batch, next, err := r.client.Scan(ctx, cursor, match, redisScanBatch).Result()
		if err != nil {
			return nil, errors.Wrap(err, "redis scan")
		}
		for _, k := range batch {
			k = strings.TrimPrefix(k, r.prefix)
			if strings.HasPrefix(k, prefix) {
				keys = append(keys, k)
			}
		}
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}
