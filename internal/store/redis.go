package store

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis connection timeout.
const redisConnectTimeout = 10 * time.Second

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Host  string
	Port  int
	Proto string // "redis" or "rediss" (TLS)
	Pass  string
	DB    int
}

// NewRedisClient creates and pings a Redis client.
func NewRedisClient(cfg *RedisConfig) (*redis.Client, error) {
	opts := &redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Pass,
		DB:       cfg.DB,
	}

	// Enable TLS for rediss:// protocol
	if cfg.Proto == "rediss" {
		opts.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), redisConnectTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to Redis: %w", err)
	}

	return client, nil
}
