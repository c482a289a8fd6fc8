package metrics

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RedisOptions configures the shared metric cache connection.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisClient connects and pings Redis.
func NewRedisClient(ctx context.Context, opts RedisOptions) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
		MaxRetries:   3,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}
	return client, nil
}

// RedisCache decorates a Provider with a short-lived Redis cache. Cache
// failures are logged and bypassed; they never turn a resolvable metric
// into an unavailable one.
type RedisCache struct {
	next   Provider
	client redis.Cmdable
	prefix string
	ttl    time.Duration
}

// NewRedisCache wraps next. prefix namespaces keys, typically the source name.
func NewRedisCache(next Provider, client redis.Cmdable, prefix string, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = 15 * time.Second
	}
	return &RedisCache{next: next, client: client, prefix: prefix, ttl: ttl}
}

func (c *RedisCache) key(asset, metric string) string {
	return "signalops:metric:" + c.prefix + ":" + strings.ToUpper(asset) + ":" + metric
}

func (c *RedisCache) Resolve(ctx context.Context, asset, metric string) (float64, error) {
	key := c.key(asset, metric)

	raw, err := c.client.Get(ctx, key).Result()
	switch {
	case err == nil:
		if v, perr := strconv.ParseFloat(raw, 64); perr == nil {
			return v, nil
		}
		log.Warn().Str("key", key).Str("raw", raw).Msg("Discarding malformed cached metric")
	case errors.Is(err, redis.Nil):
	default:
		log.Warn().Err(err).Str("key", key).Msg("Metric cache read failed")
	}

	v, err := c.next.Resolve(ctx, asset, metric)
	if err != nil {
		return 0, err
	}
	if err := c.client.Set(ctx, key, strconv.FormatFloat(v, 'g', -1, 64), c.ttl).Err(); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Metric cache write failed")
	}
	return v, nil
}
