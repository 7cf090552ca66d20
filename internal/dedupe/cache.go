// ABOUTME: TTL cache of seen message ids, backed by an expirable LRU.
// ABOUTME: The messaging transport uses it to drop redelivered inbound messages.

package dedupe

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Default window and capacity for inbound message ids.
const (
	DefaultTTL  = 10 * time.Minute
	DefaultSize = 10000
)

// Cache records message ids seen within a TTL window, bounded in size.
// When full, the least recently marked id is evicted.
type Cache struct {
	// mu makes CheckAndMark atomic; the LRU locks itself for single calls.
	mu     sync.Mutex
	seen   *expirable.LRU[string, struct{}]
	closed bool
}

// New creates a cache. Non-positive arguments select the defaults.
func New(ttl time.Duration, maxSize int) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxSize <= 0 {
		maxSize = DefaultSize
	}
	return &Cache{
		seen: expirable.NewLRU[string, struct{}](maxSize, nil, ttl),
	}
}

// Check reports whether key was seen and has not expired.
func (c *Cache) Check(key string) bool {
	_, ok := c.seen.Get(key)
	return ok
}

// CheckAndMark reports whether key was already seen, marking it when it was
// not. Concurrent callers with the same key see exactly one false.
func (c *Cache) CheckAndMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	if _, ok := c.seen.Get(key); ok {
		return true
	}
	c.seen.Add(key, struct{}{})
	return false
}

// Mark records key as seen, restarting its TTL.
func (c *Cache) Mark(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.seen.Add(key, struct{}{})
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	return c.seen.Len()
}

// Close drops every entry; later marks are ignored. Safe to call twice.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		c.closed = true
		c.seen.Purge()
	}
}
