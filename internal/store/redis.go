package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	inboundKeyPrefix = "outletpipe:inbound:"
	claimKeyPrefix   = "outletpipe:claim:"

	inboundPending = "pending"
	inboundDone    = "done"

	// DefaultInboundRetention is how long processed message ids are remembered.
	DefaultInboundRetention = 48 * time.Hour
)

// Compile-time checks for the Redis-backed repos.
var (
	_ DedupRepo = (*RedisDedup)(nil)
	_ ClaimRepo = (*RedisClaims)(nil)
)

// NewRedisClient parses a redis:// URL and returns a connected client.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

// RedisDedup implements DedupRepo with SET NX keys that expire on their own.
// Pending claims expire after DefaultClaimTimeout and processed ids after the
// retention window, so PurgeInboundBefore has nothing to do.
type RedisDedup struct {
	client    *redis.Client
	retention time.Duration
}

// NewRedisDedup creates a Redis dedup repo. A non-positive retention uses DefaultInboundRetention.
func NewRedisDedup(client *redis.Client, retention time.Duration) *RedisDedup {
	if retention <= 0 {
		retention = DefaultInboundRetention
	}
	return &RedisDedup{client: client, retention: retention}
}

func (r *RedisDedup) key(messageID string) string {
	return inboundKeyPrefix + messageID
}

func (r *RedisDedup) ClaimInbound(ctx context.Context, messageID, identity string, now time.Time) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.key(messageID), inboundPending, DefaultClaimTimeout).Result()
	if err != nil {
		return false, fmt.Errorf("redis claim inbound failed: %w", err)
	}
	return ok, nil
}

func (r *RedisDedup) MarkProcessed(ctx context.Context, messageID string, now time.Time) error {
	if err := r.client.Set(ctx, r.key(messageID), inboundDone, r.retention).Err(); err != nil {
		return fmt.Errorf("redis mark processed failed: %w", err)
	}
	return nil
}

// ReleaseInbound deletes the key only while it is still pending.
func (r *RedisDedup) ReleaseInbound(ctx context.Context, messageID string) error {
	key := r.key(messageID)
	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		val, err := tx.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		if val != inboundPending {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			return nil
		})
		return err
	}, key)
	if err != nil && !errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("redis release inbound failed: %w", err)
	}
	return nil
}

func (r *RedisDedup) PurgeInboundBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

// RedisClaims implements ClaimRepo with SET NX.
type RedisClaims struct {
	client *redis.Client
}

// NewRedisClaims creates a Redis claim repo.
func NewRedisClaims(client *redis.Client) *RedisClaims {
	return &RedisClaims{client: client}
}

func (r *RedisClaims) ClaimKey(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl < 0 {
		ttl = 0
	}
	ok, err := r.client.SetNX(ctx, claimKeyPrefix+key, time.Now().UTC().Format(time.RFC3339), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis claim %s failed: %w", key, err)
	}
	return ok, nil
}

func (r *RedisClaims) ReleaseKey(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, claimKeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("redis release %s failed: %w", key, err)
	}
	return nil
}
