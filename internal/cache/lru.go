package cache

import (
	"container/list"
	"sync"
	"time"
)

// LRUCache keeps at most maxSize entries, each valid for ttl. When full the
// least recently read or written entry is dropped.
type LRUCache[T any] struct {
	maxSize int
	ttl     time.Duration
	now     func() time.Time
	hook    func(hit bool)

	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // front is most recent
}

type entry[T any] struct {
	key     string
	value   T
	expires time.Time
}

// NewLRUCache creates the cache. A zero ttl disables it: Set is a no-op.
func NewLRUCache[T any](maxSize int, ttl time.Duration) *LRUCache[T] {
	return &LRUCache[T]{
		maxSize: max(maxSize, 1),
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]*list.Element),
		order:   list.New(),
	}
}

// OnLookup registers a hook called after every Get with its outcome.
func (c *LRUCache[T]) OnLookup(fn func(hit bool)) *LRUCache[T] {
	c.hook = fn
	return c
}

func (c *LRUCache[T]) Get(key string) (T, bool) {
	c.mu.Lock()
	v, ok := c.lookupLocked(key)
	c.mu.Unlock()

	if c.hook != nil {
		c.hook(ok)
	}
	return v, ok
}

func (c *LRUCache[T]) lookupLocked(key string) (T, bool) {
	var zero T
	el, ok := c.entries[key]
	if !ok {
		return zero, false
	}
	e := el.Value.(*entry[T])
	if c.expired(e) {
		c.dropLocked(el)
		return zero, false
	}
	c.order.MoveToFront(el)
	return e.value, true
}

func (c *LRUCache[T]) Set(key string, value T) {
	if c.ttl <= 0 {
		return
	}
	e := &entry[T]{key: key, value: value, expires: c.now().Add(c.ttl)}

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		el.Value = e
		c.order.MoveToFront(el)
		return
	}
	c.entries[key] = c.order.PushFront(e)
	for c.order.Len() > c.maxSize {
		c.dropLocked(c.order.Back())
	}
}

func (c *LRUCache[T]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		c.dropLocked(el)
	}
}

// Purge drops every entry.
func (c *LRUCache[T]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.entries)
	c.order.Init()
}

// CleanExpired drops expired entries and returns how many went.
func (c *LRUCache[T]) CleanExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for el := c.order.Back(); el != nil; {
		prev := el.Prev()
		if c.expired(el.Value.(*entry[T])) {
			c.dropLocked(el)
			removed++
		}
		el = prev
	}
	return removed
}

func (c *LRUCache[T]) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *LRUCache[T]) expired(e *entry[T]) bool {
	return !c.now().Before(e.expires)
}

func (c *LRUCache[T]) dropLocked(el *list.Element) {
	delete(c.entries, el.Value.(*entry[T]).key)
	c.order.Remove(el)
}
