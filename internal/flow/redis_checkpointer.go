package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/BTreeMap/PatientSim/internal/genai"
)

const (
	// DefaultRedisPrefix namespaces thread keys.
	DefaultRedisPrefix = "patientsim:thread:"
	redisDialTimeout   = 5 * time.Second
)

// RedisCheckpointer stores each thread's history as one JSON value in Redis.
type RedisCheckpointer struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

// RedisOption configures a RedisCheckpointer.
type RedisOption func(*RedisCheckpointer)

// WithRedisTTL expires idle threads after d. Zero keeps them forever.
func WithRedisTTL(d time.Duration) RedisOption {
	return func(c *RedisCheckpointer) { c.ttl = d }
}

// WithRedisPrefix overrides the key prefix.
func WithRedisPrefix(prefix string) RedisOption {
	return func(c *RedisCheckpointer) { c.prefix = prefix }
}

// NewRedisCheckpointer connects to addr and verifies the connection.
func NewRedisCheckpointer(ctx context.Context, addr string, opts ...RedisOption) (*RedisCheckpointer, error) {
	if addr == "" {
		return nil, fmt.Errorf("missing redis address")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:        addr,
		DialTimeout: redisDialTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, redisDialTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	c := &RedisCheckpointer{rdb: rdb, prefix: DefaultRedisPrefix}
	for _, opt := range opts {
		opt(c)
	}
	slog.Debug("RedisCheckpointer: connected", "addr", addr, "prefix", c.prefix, "ttl", c.ttl)
	return c, nil
}

func (c *RedisCheckpointer) key(threadID string) string { return c.prefix + threadID }

func (c *RedisCheckpointer) Load(ctx context.Context, threadID string) ([]genai.Message, error) {
	raw, err := c.rdb.Get(ctx, c.key(threadID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", threadID, err)
	}
	var history []genai.Message
	if err := json.Unmarshal(raw, &history); err != nil {
		return nil, fmt.Errorf("decode history of %s: %w", threadID, err)
	}
	return history, nil
}

func (c *RedisCheckpointer) Save(ctx context.Context, threadID string, history []genai.Message) error {
	raw, err := json.Marshal(history)
	if err != nil {
		return fmt.Errorf("encode history of %s: %w", threadID, err)
	}
	if err := c.rdb.Set(ctx, c.key(threadID), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", threadID, err)
	}
	return nil
}

// Delete removes a thread's history.
func (c *RedisCheckpointer) Delete(ctx context.Context, threadID string) error {
	return c.rdb.Del(ctx, c.key(threadID)).Err()
}

func (c *RedisCheckpointer) Mode() string { return ModeRedis }

// Close closes the Redis client.
func (c *RedisCheckpointer) Close() error { return c.rdb.Close() }
