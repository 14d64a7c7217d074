package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultDedupTTL = 72 * time.Hour

// RedisDeduper remembers webhook event ids that were processed successfully
// so exact redeliveries can be acknowledged without touching the order store.
// It is an optimisation only; the store's conditional update keeps handling
// idempotent when Redis is empty or unavailable.
type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	if ttl <= 0 {
		ttl = defaultDedupTTL
	}
	return &RedisDeduper{client: client, ttl: ttl}
}

func dedupKey(gateway, eventID string) string {
	return fmt.Sprintf("webhook:%s:%s", gateway, eventID)
}

// Seen reports whether the event id was remembered earlier.
func (d *RedisDeduper) Seen(ctx context.Context, gateway, eventID string) (bool, error) {
	n, err := d.client.Exists(ctx, dedupKey(gateway, eventID)).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists failed: %w", err)
	}
	return n > 0, nil
}

// Remember stores the event id for the configured TTL.
func (d *RedisDeduper) Remember(ctx context.Context, gateway, eventID string) error {
	if err := d.client.Set(ctx, dedupKey(gateway, eventID), time.Now().UTC().Format(time.RFC3339), d.ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}
