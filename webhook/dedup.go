package webhook

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deduper remembers recently handled delivery ids.
type Deduper interface {
	// Contains reports whether id was recorded.
	Contains(ctx context.Context, id string) (bool, error)
	// Add records id and reports whether it was new.
	Add(ctx context.Context, id string) (bool, error)
}

// RingDeduper keeps the last N ids in memory. The oldest id is evicted first.
type RingDeduper struct {
	mu   sync.Mutex
	ring []string
	next int
	seen map[string]struct{}
}

// NewRingDeduper returns a ring holding size ids (50 when size <= 0).
func NewRingDeduper(size int) *RingDeduper {
	if size <= 0 {
		size = 50
	}
	return &RingDeduper{ring: make([]string, size), seen: make(map[string]struct{}, size)}
}

func (d *RingDeduper) Contains(_ context.Context, id string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.seen[id]
	return ok, nil
}

func (d *RingDeduper) Add(_ context.Context, id string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[id]; ok {
		return false, nil
	}
	if old := d.ring[d.next]; old != "" {
		delete(d.seen, old)
	}
	d.ring[d.next] = id
	d.seen[id] = struct{}{}
	d.next = (d.next + 1) % len(d.ring)
	return true, nil
}

// Len returns the number of ids currently remembered.
func (d *RingDeduper) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

const redisKeyPrefix = "relay:delivery:"

// RedisDeduper shares delivery ids between replicas. Entries expire after TTL.
type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisDeduper connects to the Redis server at url (redis://...).
func NewRedisDeduper(ctx context.Context, url string, ttl time.Duration) (*RedisDeduper, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisDeduper{client: client, ttl: ttl}, nil
}

func (d *RedisDeduper) Contains(ctx context.Context, id string) (bool, error) {
	n, err := d.client.Exists(ctx, redisKeyPrefix+id).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists: %w", err)
	}
	return n > 0, nil
}

func (d *RedisDeduper) Add(ctx context.Context, id string) (bool, error) {
	ok, err := d.client.SetNX(ctx, redisKeyPrefix+id, time.Now().UTC().Format(time.RFC3339), d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return ok, nil
}

// Close releases the Redis connection pool.
func (d *RedisDeduper) Close() error { return d.client.Close() }
