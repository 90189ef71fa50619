package revocation

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the Redis deny-list.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// RedisDenyList stores revoked ids as keys whose TTL matches the token's
// remaining lifetime, so Redis expires them on its own.
type RedisDenyList struct {
	client    redis.UniversalClient
	keyPrefix string
	now       func() time.Time
}

var _ DenyList = (*RedisDenyList)(nil)

// NewRedisDenyList connects to Redis and verifies the connection.
func NewRedisDenyList(ctx context.Context, cfg RedisConfig) (*RedisDenyList, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewRedisDenyListWithClient(client, cfg.KeyPrefix), nil
}

// NewRedisDenyListWithClient wraps a pre-configured client.
// This is useful for testing with miniredis.
func NewRedisDenyListWithClient(client redis.UniversalClient, keyPrefix string) *RedisDenyList {
	return &RedisDenyList{
		client:    client,
		keyPrefix: keyPrefix,
		now:       time.Now,
	}
}

func (d *RedisDenyList) key(id string) string {
	return d.keyPrefix + id
}

func (d *RedisDenyList) Revoke(ctx context.Context, id string, until time.Time) error {
	ttl := until.Sub(d.now())
	if ttl <= 0 {
		return nil
	}
	if err := d.client.Set(ctx, d.key(id), "1", ttl).Err(); err != nil {
		return fmt.Errorf("failed to record revocation: %w", err)
	}
	return nil
}

func (d *RedisDenyList) IsRevoked(ctx context.Context, id string) (bool, error) {
	n, err := d.client.Exists(ctx, d.key(id)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check revocation: %w", err)
	}
	return n > 0, nil
}

// Ping checks the Redis connection.
func (d *RedisDenyList) Ping(ctx context.Context) error {
	return d.client.Ping(ctx).Err()
}

func (d *RedisDenyList) Close() error {
	return d.client.Close()
}
