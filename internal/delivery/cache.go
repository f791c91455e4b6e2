// Package delivery remembers provider delivery ids that were already
// reconciled, so redeliveries can be acknowledged without touching the
// database. The ledger stays authoritative; every Redis failure fails open.
package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultTTL = 72 * time.Hour

type Cache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// Connect returns nil, nil when url is empty; a nil *Cache remembers nothing.
func Connect(ctx context.Context, url string) (*Cache, error) {
	if url == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return New(client, DefaultTTL), nil
}

func New(client *redis.Client, ttl time.Duration) *Cache {
	return &Cache{client: client, prefix: "delivery:", ttl: ttl}
}

func (c *Cache) key(provider, id string) string {
	return c.prefix + provider + ":" + id
}

// Seen reports whether the delivery was already reconciled.
func (c *Cache) Seen(ctx context.Context, provider, id string) bool {
	if c == nil || id == "" {
		return false
	}
	n, err := c.client.Exists(ctx, c.key(provider, id)).Result()
	if err != nil {
		slog.Warn("delivery cache lookup failed", "provider", provider, "delivery_id", id, "error", err)
		return false
	}
	return n > 0
}

// Mark records a reconciled delivery. Call it only after the ledger committed.
func (c *Cache) Mark(ctx context.Context, provider, id string) {
	if c == nil || id == "" {
		return
	}
	if err := c.client.Set(ctx, c.key(provider, id), time.Now().UTC().Format(time.RFC3339), c.ttl).Err(); err != nil {
		slog.Warn("delivery cache write failed", "provider", provider, "delivery_id", id, "error", err)
	}
}

func (c *Cache) Ping(ctx context.Context) error {
	if c == nil {
		return nil
	}
	return c.client.Ping(ctx).Err()
}

func (c *Cache) Close() error {
	if c == nil {
		return nil
	}
	return c.client.Close()
}
