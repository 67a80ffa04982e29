package autosave

import (
	"container/list"
	"sync"
	"time"
)

type dedupeEntry struct {
	key      string
	scope    string
	lastSeen time.Time
}

// DedupeCache remembers recently saved keys for a TTL. It holds at most
// maxEntries keys, evicting the least recently seen first, and Sweep drops
// expired keys outright.
type DedupeCache struct {
	mu         sync.Mutex
	ttl        time.Duration
	maxEntries int
	order      *list.List // front is most recently seen
	entries    map[string]*list.Element
}

// NewDedupeCache creates a cache. maxEntries <= 0 means unbounded.
func NewDedupeCache(ttl time.Duration, maxEntries int) *DedupeCache {
	return &DedupeCache{
		ttl:        ttl,
		maxEntries: maxEntries,
		order:      list.New(),
		entries:    make(map[string]*list.Element),
	}
}

// Admit reports whether key may be written at now. A key seen within the
// TTL is rejected and its timestamp is left as is, so the window runs from
// the last accepted write.
func (c *DedupeCache) Admit(key string, now time.Time) bool {
	return c.AdmitScoped("", key, now)
}

// AdmitScoped is Admit with key filed under scope, so ForgetScope can drop
// it before the TTL runs out.
func (c *DedupeCache) AdmitScoped(scope, key string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		e := el.Value.(*dedupeEntry)
		if now.Sub(e.lastSeen) < c.ttl {
			return false
		}
		e.lastSeen = now
		e.scope = scope
		c.order.MoveToFront(el)
		return true
	}

	c.entries[key] = c.order.PushFront(&dedupeEntry{key: key, scope: scope, lastSeen: now})
	for c.maxEntries > 0 && c.order.Len() > c.maxEntries {
		c.removeLocked(c.order.Back())
	}
	return true
}

// Sweep removes keys older than the TTL and returns how many were removed.
func (c *DedupeCache) Sweep(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for el := c.order.Back(); el != nil; {
		e := el.Value.(*dedupeEntry)
		if now.Sub(e.lastSeen) < c.ttl {
			// Entries are ordered by lastSeen; the rest are fresh.
			break
		}
		prev := el.Prev()
		c.removeLocked(el)
		removed++
		el = prev
	}
	return removed
}

// ForgetScope removes every key filed under scope and returns how many
// were removed.
func (c *DedupeCache) ForgetScope(scope string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for el := c.order.Front(); el != nil; {
		next := el.Next()
		if el.Value.(*dedupeEntry).scope == scope {
			c.removeLocked(el)
			removed++
		}
		el = next
	}
	return removed
}

// Len returns the number of tracked keys.
func (c *DedupeCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *DedupeCache) removeLocked(el *list.Element) {
	e := el.Value.(*dedupeEntry)
	delete(c.entries, e.key)
	c.order.Remove(el)
}
