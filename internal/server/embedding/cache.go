package embedding

import (
	"sync"
	"time"
)

// Factory builds the embedder used for one user's messages.
type Factory func(userID string) (Embedder, error)

type cacheEntry struct {
	embedder Embedder
	expires  time.Time
}

// Cache keeps one embedder per user for ttl. It belongs to whoever owns
// the sync workers; call Invalidate when a user's settings change.
type Cache struct {
	mu      sync.Mutex
	ttl     time.Duration
	factory Factory
	entries map[string]cacheEntry
	now     func() time.Time
}

func NewCache(ttl time.Duration, factory Factory) *Cache {
	return &Cache{
		ttl:     ttl,
		factory: factory,
		entries: make(map[string]cacheEntry),
		now:     time.Now,
	}
}

// Get returns the cached embedder for userID, building it on a miss or
// after expiry.
func (c *Cache) Get(userID string) (Embedder, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if e, ok := c.entries[userID]; ok && now.Before(e.expires) {
		return e.embedder, nil
	}
	emb, err := c.factory(userID)
	if err != nil {
		return nil, err
	}
	c.entries[userID] = cacheEntry{embedder: emb, expires: now.Add(c.ttl)}
	return emb, nil
}

func (c *Cache) Invalidate(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, userID)
}

// Purge drops expired entries and reports how many were removed.
func (c *Cache) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	n := 0
	for k, e := range c.entries {
		if !now.Before(e.expires) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
