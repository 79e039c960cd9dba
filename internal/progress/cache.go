// Package progress provides a Redis-backed read model for intake and
// section progress rollups. The database rows stay the source of truth;
// the cache only shortcuts the hot dashboard reads and is invalidated
// whenever the aggregator recomputes.
package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultTTL = 5 * time.Minute

// Cache stores rendered progress payloads keyed by section or intake id.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewCache connects to Redis and verifies the connection.
func NewCache(redisURL string) (*Cache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &Cache{client: client, ttl: defaultTTL}, nil
}

// NewCacheWithClient wraps an existing Redis client.
func NewCacheWithClient(client *redis.Client) *Cache {
	return &Cache{client: client, ttl: defaultTTL}
}

func sectionKey(sectionInstanceID string) string {
	return "progress:section:" + sectionInstanceID
}

func intakeKey(intakeID string) string {
	return "progress:intake:" + intakeID
}

// GetSection returns the cached section payload, or ok=false on a miss.
func (c *Cache) GetSection(ctx context.Context, sectionInstanceID string) (map[string]any, bool, error) {
	return c.get(ctx, sectionKey(sectionInstanceID))
}

// GetIntake returns the cached intake payload, or ok=false on a miss.
func (c *Cache) GetIntake(ctx context.Context, intakeID string) (map[string]any, bool, error) {
	return c.get(ctx, intakeKey(intakeID))
}

func (c *Cache) get(ctx context.Context, key string) (map[string]any, bool, error) {
	raw, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get progress payload: %w", err)
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, false, fmt.Errorf("unmarshal progress payload: %w", err)
	}
	return payload, true, nil
}

// SetSection caches a freshly rendered section payload.
func (c *Cache) SetSection(ctx context.Context, sectionInstanceID string, payload map[string]any) error {
	return c.set(ctx, sectionKey(sectionInstanceID), payload)
}

// SetIntake caches a freshly rendered intake payload.
func (c *Cache) SetIntake(ctx context.Context, intakeID string, payload map[string]any) error {
	return c.set(ctx, intakeKey(intakeID), payload)
}

func (c *Cache) set(ctx context.Context, key string, payload map[string]any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal progress payload: %w", err)
	}
	if err := c.client.Set(ctx, key, raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("set progress payload: %w", err)
	}
	return nil
}

// InvalidateSection drops the cached section payload after a recompute.
func (c *Cache) InvalidateSection(ctx context.Context, sectionInstanceID string) error {
	if err := c.client.Del(ctx, sectionKey(sectionInstanceID)).Err(); err != nil {
		return fmt.Errorf("invalidate section progress: %w", err)
	}
	return nil
}

// InvalidateIntake drops the cached intake payload after a recompute.
func (c *Cache) InvalidateIntake(ctx context.Context, intakeID string) error {
	if err := c.client.Del(ctx, intakeKey(intakeID)).Err(); err != nil {
		return fmt.Errorf("invalidate intake progress: %w", err)
	}
	return nil
}

func (c *Cache) Close() error {
	return c.client.Close()
}

func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
