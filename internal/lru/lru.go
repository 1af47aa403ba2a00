// Package lru is a size-bounded least-recently-used cache.
package lru

import "sync"

type item[K comparable, V any] struct {
	key  K
	val  V
	size int64
	prev *item[K, V]
	next *item[K, V]
}

// Cache bounds the total weight of its entries. Weight is computed once
// per insertion by the size function given to New.
type Cache[K comparable, V any] struct {
	maxBytes int64
	sizeOf   func(V) int64
	onEvict  func(K, V)

	mu    sync.Mutex
	items map[K]*item[K, V]
	head  *item[K, V]
	tail  *item[K, V]
	total int64
}

// Option configures a Cache.
type Option[K comparable, V any] func(*Cache[K, V])

// WithEvictHook registers fn to receive every entry pushed out by
// capacity pressure. fn runs with the cache lock held and must not call
// back into the cache.
func WithEvictHook[K comparable, V any](fn func(K, V)) Option[K, V] {
	return func(c *Cache[K, V]) { c.onEvict = fn }
}

// New returns a cache holding at most maxBytes of weight.
func New[K comparable, V any](maxBytes int64, sizeOf func(V) int64, opts ...Option[K, V]) *Cache[K, V] {
	c := &Cache[K, V]{
		maxBytes: maxBytes,
		sizeOf:   sizeOf,
		items:    map[K]*item[K, V]{},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Cache[K, V]) Capacity() int64 { return c.maxBytes }

func (c *Cache[K, V]) TotalSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Keys returns the keys from most to least recently used.
func (c *Cache[K, V]) Keys() []K {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]K, 0, len(c.items))
	for it := c.head; it != nil; it = it.next {
		out = append(out, it.key)
	}
	return out
}

// Get returns the value for key and marks it most recently used.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[key]
	if !ok {
		var zero V
		return zero, false
	}
	c.moveToFront(it)
	return it.val, true
}

// Peek returns the value for key without touching its recency.
func (c *Cache[K, V]) Peek(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[key]
	if !ok {
		var zero V
		return zero, false
	}
	return it.val, true
}

// Put inserts or replaces key. Least recently used entries are evicted
// until the new entry fits; an entry heavier than the whole capacity
// evicts everything else and is kept alone.
func (c *Cache[K, V]) Put(key K, val V) {
	sz := c.sizeOf(val)

	c.mu.Lock()
	defer c.mu.Unlock()

	if it, ok := c.items[key]; ok {
		c.remove(it)
		delete(c.items, key)
		c.total -= it.size
	}

	for c.tail != nil && c.total+sz > c.maxBytes {
		victim := c.tail
		c.remove(victim)
		delete(c.items, victim.key)
		c.total -= victim.size
		if c.onEvict != nil {
			c.onEvict(victim.key, victim.val)
		}
	}

	it := &item[K, V]{key: key, val: val, size: sz}
	c.items[key] = it
	c.addToFront(it)
	c.total += sz
}

func (c *Cache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[key]
	if !ok {
		return
	}
	c.remove(it)
	delete(c.items, key)
	c.total -= it.size
}

func (c *Cache[K, V]) addToFront(it *item[K, V]) {
	it.prev = nil
	it.next = c.head
	if c.head != nil {
		c.head.prev = it
	}
	c.head = it
	if c.tail == nil {
		c.tail = it
	}
}

func (c *Cache[K, V]) remove(it *item[K, V]) {
	if it.prev != nil {
		it.prev.next = it.next
	} else {
		c.head = it.next
	}
	if it.next != nil {
		it.next.prev = it.prev
	} else {
		c.tail = it.prev
	}
	it.prev, it.next = nil, nil
}

func (c *Cache[K, V]) moveToFront(it *item[K, V]) {
	if c.head == it {
		return
	}
	c.remove(it)
	c.addToFront(it)
}
