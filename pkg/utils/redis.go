package utils

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisConfig controls redis client behavior.
// Keep it config-driven; defaults should be safe and conservative.
type RedisConfig struct {
	Addr string

	// Basic timeouts
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Pool tuning
	PoolSize        int
	MinIdleConns    int
	PoolTimeout     time.Duration
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration

	PingTimeout time.Duration
}

func (c RedisConfig) withDefaults() RedisConfig {
	out := c
	if out.DialTimeout <= 0 {
		out.DialTimeout = 3 * time.Second
	}
	if out.ReadTimeout <= 0 {
		out.ReadTimeout = 2 * time.Second
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = 2 * time.Second
	}
	if out.PoolSize <= 0 {
		out.PoolSize = 20
	}
	if out.MinIdleConns < 0 {
		out.MinIdleConns = 0
	}
	if out.PoolTimeout <= 0 {
		out.PoolTimeout = 4 * time.Second
	}
	if out.ConnMaxIdleTime <= 0 {
		out.ConnMaxIdleTime = 5 * time.Minute
	}
	if out.ConnMaxLifetime <= 0 {
		out.ConnMaxLifetime = 30 * time.Minute
	}
	if out.PingTimeout <= 0 {
		out.PingTimeout = 2 * time.Second
	}
	return out
}

// OpenRedis initializes a Redis client and validates connectivity via PING.
func OpenRedis(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	cfg = cfg.withDefaults()
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:            cfg.Addr,
		DialTimeout:     cfg.DialTimeout,
		ReadTimeout:     cfg.ReadTimeout,
		WriteTimeout:    cfg.WriteTimeout,
		PoolSize:        cfg.PoolSize,
		MinIdleConns:    cfg.MinIdleConns,
		PoolTimeout:     cfg.PoolTimeout,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return rdb, nil
}

// lockReleaseScript deletes the key only while it still holds the caller's token,
// so a release after TTL expiry cannot free a lock another worker now owns.
var lockReleaseScript = redis.NewScript(`
-- KEYS[1] = lock key
-- ARGV[1] = owner token
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// ProcessingLock serializes work on a single key across API replicas
// (e.g. concurrent deliveries of the same gateway event). It is advisory:
// the database remains the source of truth for idempotency.
type ProcessingLock struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

func NewProcessingLock(rdb *redis.Client, prefix string, ttl time.Duration) *ProcessingLock {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &ProcessingLock{rdb: rdb, prefix: prefix, ttl: ttl}
}

// TryLock returns a release func when the lock was acquired.
// ok=false means another worker currently holds the key.
//
// Safety properties:
// - SET NX PX acquires atomically with a TTL, so a crashed holder cannot leak the lock.
// - Release is owner-checked in Lua.
func (l *ProcessingLock) TryLock(ctx context.Context, key string) (release func(), ok bool, err error) {
	if l.rdb == nil {
		return func() {}, false, fmt.Errorf("redis client is nil")
	}
	if key == "" {
		return func() {}, false, fmt.Errorf("key is required")
	}
	full := l.prefix + key
	token := uuid.NewString()
	ok, err = l.rdb.SetNX(ctx, full, token, l.ttl).Result()
	if err != nil || !ok {
		return func() {}, ok, err
	}
	return func() {
		// Release on a fresh context; the request context may already be cancelled.
		relCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = lockReleaseScript.Run(relCtx, l.rdb, []string{full}, token).Err()
	}, true, nil
}
