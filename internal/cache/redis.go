package cache

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultDedupeTTL = 24 * time.Hour
	dedupeKeyPrefix  = "festabot:inbound"
)

// Redis wraps a go-redis client with logging helpers.
type Redis struct {
	client    *redis.Client
	logger    *slog.Logger
	dedupeTTL time.Duration
}

// Config defines connection parameters for Redis.
type Config struct {
	Addr      string
	Password  string
	DB        int
	UseTLS    bool
	DedupeTTL time.Duration
}

// New returns a Redis client based on provided configuration.
func New(cfg Config, logger *slog.Logger) *Redis {
	opts := &redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if cfg.UseTLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	ttl := cfg.DedupeTTL
	if ttl <= 0 {
		ttl = defaultDedupeTTL
	}

	return &Redis{
		client:    redis.NewClient(opts),
		logger:    logger.With("component", "redis"),
		dedupeTTL: ttl,
	}
}

// Ping verifies Redis connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// MarkMessageProcessed records an inbound provider message id for the dedupe
// window. It returns false when the id was already seen.
func (r *Redis) MarkMessageProcessed(ctx context.Context, instanceID, messageID string) (bool, error) {
	ok, err := r.client.SetNX(ctx, dedupeKey(instanceID, messageID), time.Now().Unix(), r.dedupeTTL).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return ok, nil
}

// ReleaseMessage forgets a message id so a provider retry is processed again.
func (r *Redis) ReleaseMessage(ctx context.Context, instanceID, messageID string) error {
	if err := r.client.Del(ctx, dedupeKey(instanceID, messageID)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Close releases Redis resources.
func (r *Redis) Close() error {
	return r.client.Close()
}

func dedupeKey(instanceID, messageID string) string {
	return fmt.Sprintf("%s:%s:%s", dedupeKeyPrefix, instanceID, messageID)
}
