package ml

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"policy-automation/internal/domain"
)

const defaultMemoryCacheEntries = 100

// Cache stores market decisions keyed by asset pair and time bucket.
type Cache interface {
	Get(ctx context.Context, key string) (domain.Decision, bool, error)
	Set(ctx context.Context, key string, decision domain.Decision, ttl time.Duration) error
}

type memoryEntry struct {
	decision domain.Decision
	expires  time.Time
}

// MemoryCache is a bounded in-process cache evicting the oldest insert first.
type MemoryCache struct {
	mu         sync.Mutex
	maxEntries int
	entries    map[string]memoryEntry
	order      []string
	now        func() time.Time
}

// NewMemoryCache constructs a cache holding at most maxEntries decisions.
func NewMemoryCache(maxEntries int) *MemoryCache {
	if maxEntries <= 0 {
		maxEntries = defaultMemoryCacheEntries
	}
	return &MemoryCache{
		maxEntries: maxEntries,
		entries:    make(map[string]memoryEntry),
		now:        time.Now,
	}
}

// Get returns a live entry.
func (c *MemoryCache) Get(_ context.Context, key string) (domain.Decision, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok || !c.now().Before(entry.expires) {
		return domain.Decision{}, false, nil
	}
	return entry.decision, true, nil
}

// Set stores decision until ttl elapses.
func (c *MemoryCache) Set(_ context.Context, key string, decision domain.Decision, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists {
		c.order = append(c.order, key)
	}
	c.entries[key] = memoryEntry{decision: decision, expires: c.now().Add(ttl)}

	for len(c.order) > c.maxEntries {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}
	return nil
}

// Len returns the number of stored entries, expired or not.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// RedisCache shares decisions across replicas.
type RedisCache struct {
	client *goredis.Client
	prefix string
}

// NewRedisCache wraps a go-redis client. Keys are stored under prefix.
func NewRedisCache(client *goredis.Client, prefix string) *RedisCache {
	return &RedisCache{client: client, prefix: prefix}
}

// Get returns a cached decision when present.
func (c *RedisCache) Get(ctx context.Context, key string) (domain.Decision, bool, error) {
	raw, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return domain.Decision{}, false, nil
	}
	if err != nil {
		return domain.Decision{}, false, fmt.Errorf("redis get %s: %w", key, err)
	}

	var decision domain.Decision
	if err := json.Unmarshal(raw, &decision); err != nil {
		return domain.Decision{}, false, fmt.Errorf("decode cached decision: %w", err)
	}
	return decision, true, nil
}

// Set stores decision with ttl.
func (c *RedisCache) Set(ctx context.Context, key string, decision domain.Decision, ttl time.Duration) error {
	raw, err := json.Marshal(decision)
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, c.prefix+key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

var (
	_ Cache = (*MemoryCache)(nil)
	_ Cache = (*RedisCache)(nil)
)
