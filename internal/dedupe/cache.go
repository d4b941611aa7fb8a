// ABOUTME: Thread-safe TTL cache for deduplicating inbound platform events.
// ABOUTME: The dispatcher checks every event here before any persona work happens.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// seenEntry stores the timestamp and list element for a cached key.
type seenEntry struct {
	at      time.Time
	element *list.Element
}

// Cache is a thread-safe, TTL-based, size-limited record of seen event keys.
// Platforms redeliver events; the dispatcher keys entries by
// account/conversation/message-id so a redelivered event is dropped before
// any generation work. Insertion order is kept in a doubly-linked list for
// O(1) eviction at capacity.
type Cache struct {
	mu      sync.Mutex
	seen    map[string]*seenEntry
	order   *list.List // keys in insertion order, oldest at front
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// New creates a dedupe cache with the given TTL and maximum size.
// A background goroutine periodically removes expired entries.
func New(ttl time.Duration, maxSize int) *Cache {
	c := &Cache{
		seen:    make(map[string]*seenEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// CheckAndMark atomically checks whether a key has been seen and marks it if
// not. Returns true if the key was already seen (duplicate), false if it is
// new and now marked.
func (c *Cache) CheckAndMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.seen[key]; ok && time.Since(entry.at) < c.ttl {
		return true
	}

	c.markLocked(key)
	return false
}

// Len returns the number of tracked keys, expired entries included.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

// markLocked records a key. Must be called with mu held.
func (c *Cache) markLocked(key string) {
	now := time.Now()

	if entry, exists := c.seen[key]; exists {
		entry.at = now
		c.order.MoveToBack(entry.element)
		return
	}

	if len(c.seen) >= c.maxSize {
		c.evictOldest()
	}

	elem := c.order.PushBack(key)
	c.seen[key] = &seenEntry{at: now, element: elem}
}

// evictOldest removes the oldest entry. Must be called with mu held.
func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}

	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.seen, key)
}

// cleanup periodically removes expired entries until Close.
func (c *Cache) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.runCleanup()
		case <-c.done:
			return
		}
	}
}

func (c *Cache) runCleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for key, entry := range c.seen {
		if now.Sub(entry.at) > c.ttl {
			c.order.Remove(entry.element)
			delete(c.seen, key)
		}
	}
}

// Close stops the background cleanup goroutine. Safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
