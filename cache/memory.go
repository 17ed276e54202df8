package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Memory is the volatile in-process cache variant.
type Memory struct {
	mu       sync.RWMutex
	items    map[string]memoryEntry
	maxItems int

	hits   atomic.Int64
	misses atomic.Int64

	stop     chan struct{}
	stopOnce sync.Once
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// NewMemory creates an in-process cache holding at most maxItems entries.
// Expired entries are swept by a janitor goroutine until Close.
func NewMemory(maxItems int) *Memory {
	if maxItems <= 0 {
		maxItems = 10000
	}
	c := &Memory{
		items:    make(map[string]memoryEntry),
		maxItems: maxItems,
		stop:     make(chan struct{}),
	}
	go c.janitor()
	return c
}

func (c *Memory) Get(ctx context.Context, key string) ([]byte, bool, error) {
	c.mu.RLock()
	entry, ok := c.items[key]
	c.mu.RUnlock()

	if !ok || time.Now().After(entry.expiresAt) {
		c.misses.Add(1)
		return nil, false, nil
	}
	c.hits.Add(1)
	return entry.value, true, nil
}

func (c *Memory) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.items[key]; !exists && len(c.items) >= c.maxItems {
		c.evictOldest()
	}
	c.items[key] = memoryEntry{
		value:     value,
		expiresAt: time.Now().Add(ttl),
	}
	return nil
}

func (c *Memory) Invalidate(ctx context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range keys {
		delete(c.items, key)
	}
	return nil
}

func (c *Memory) Stats(ctx context.Context) (Stats, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := time.Now()
	stats := Stats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
	}
	for _, entry := range c.items {
		if now.After(entry.expiresAt) {
			stats.Expired++
		} else {
			stats.Entries++
		}
	}
	return stats, nil
}

func (c *Memory) Close() error {
	c.stopOnce.Do(func() { close(c.stop) })
	return nil
}

// evictOldest removes the entry closest to expiry. Caller holds the lock.
func (c *Memory) evictOldest() {
	var oldestKey string
	var oldestTime time.Time
	for key, entry := range c.items {
		if oldestTime.IsZero() || entry.expiresAt.Before(oldestTime) {
			oldestKey = key
			oldestTime = entry.expiresAt
		}
	}
	if oldestKey != "" {
		delete(c.items, oldestKey)
	}
}

func (c *Memory) janitor() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			now := time.Now()
			c.mu.Lock()
			for key, entry := range c.items {
				if now.After(entry.expiresAt) {
					delete(c.items, key)
				}
			}
			c.mu.Unlock()
		}
	}
}
