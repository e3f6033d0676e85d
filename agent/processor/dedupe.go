package processor

import (
	"container/list"
	"sync"
	"time"
)

// dedupeCache is a TTL-bounded, size-limited set of inbound message keys.
// It is only the fast path in front of the durable receipt table: a cache
// miss never means "not a duplicate", it means "ask storage".
type dedupeCache struct {
	mu      sync.Mutex
	seen    map[string]*dedupeEntry
	order   *list.List
	ttl     time.Duration
	maxSize int
}

type dedupeEntry struct {
	at   time.Time
	elem *list.Element
}

func newDedupeCache(ttl time.Duration, maxSize int) *dedupeCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &dedupeCache{
		seen:    make(map[string]*dedupeEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
	}
}

// Check reports whether key was marked within the TTL. Expired entries are
// pruned lazily on access.
func (c *dedupeCache) Check(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.seen[key]
	if !ok {
		return false
	}
	if time.Since(entry.at) >= c.ttl {
		c.order.Remove(entry.elem)
		delete(c.seen, key)
		return false
	}
	return true
}

// Mark records key, evicting the oldest entry at capacity.
func (c *dedupeCache) Mark(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.seen[key]; ok {
		entry.at = time.Now()
		c.order.MoveToBack(entry.elem)
		return
	}

	if len(c.seen) >= c.maxSize {
		if front := c.order.Front(); front != nil {
			oldest, _ := front.Value.(string)
			c.order.Remove(front)
			delete(c.seen, oldest)
		}
	}

	elem := c.order.PushBack(key)
	c.seen[key] = &dedupeEntry{at: time.Now(), elem: elem}
}
