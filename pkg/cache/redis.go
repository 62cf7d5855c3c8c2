package cache

import (
	"context"
	"os"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
)

// DefaultTTL is the lifetime of redis entries
const DefaultTTL = time.Hour

// Redis stores entries in a shared redis so several servers reuse each other's
// tiles
type Redis struct {
	rc     *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedis wraps a client. Keys are prefixed with prefix.
func NewRedis(rc *redis.Client, prefix string, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{rc: rc, prefix: prefix, ttl: ttl}
}

// RedisOptionsFromEnv builds client options from REDIS_HOST, REDIS_PORT,
// REDIS_PASS and REDIS_DB. ok is false when REDIS_HOST is unset.
func RedisOptionsFromEnv() (opts *redis.Options, ok bool) {
	host := os.Getenv("REDIS_HOST")
	if host == "" {
		return nil, false
	}
	port := os.Getenv("REDIS_PORT")
	if port == "" {
		port = "6379"
	}
	db := 0
	if v := os.Getenv("REDIS_DB"); v != "" {
		// a bad value falls back to 0
		if n, _ := strconv.Atoi(v); n >= 0 {
			db = n
		}
	}
	return &redis.Options{Addr: host + ":" + port, Password: os.Getenv("REDIS_PASS"), DB: db}, true
}

// OpenRedisFromEnv connects to the redis configured in the environment and
// checks it answers. It returns nil, nil when none is configured.
func OpenRedisFromEnv(ctx context.Context, prefix string) (*Redis, error) {
	opts, ok := RedisOptionsFromEnv()
	if !ok {
		return nil, nil
	}
	rc := redis.NewClient(opts)
	if err := rc.Ping(ctx).Err(); err != nil {
		_ = rc.Close()
		return nil, errors.Wrapf(err, "redis %s", opts.Addr)
	}
	return NewRedis(rc, prefix, DefaultTTL), nil
}

func (r *Redis) Name() string { return "redis" }

func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := r.rc.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		observe(r, false)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "redis get")
	}
	observe(r, true)
	return v, true, nil
}

func (r *Redis) Set(ctx context.Context, key string, val []byte) error {
	if err := r.rc.Set(ctx, r.prefix+key, val, r.ttl).Err(); err != nil {
		return errors.Wrap(err, "redis set")
	}
	return nil
}

// Close closes the client
func (r *Redis) Close() error { return r.rc.Close() }
