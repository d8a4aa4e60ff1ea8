// Package cache holds small in-process caches for catalog lookups whose
// answers are immutable or change rarely, such as an offering's plugin type.
package cache

import (
	"sync"
	"time"
)

// Expiring is a concurrency-safe map whose entries age out after a fixed
// lifetime. A zero lifetime keeps entries until invalidated.
type Expiring[K comparable, V any] struct {
	lifetime time.Duration
	now      func() time.Time

	mu      sync.RWMutex
	entries map[K]expiringEntry[V]
}

type expiringEntry[V any] struct {
	value V
	until time.Time
}

// NewExpiring builds an empty cache whose entries live for lifetime.
func NewExpiring[K comparable, V any](lifetime time.Duration) *Expiring[K, V] {
	return &Expiring[K, V]{
		lifetime: lifetime,
		now:      time.Now,
		entries:  make(map[K]expiringEntry[V]),
	}
}

// Lookup returns the live entry for key, filling it through fill on a miss.
// Fill errors are returned to the caller and never cached.
func (c *Expiring[K, V]) Lookup(key K, fill func() (V, error)) (V, error) {
	if value, ok := c.get(key); ok {
		return value, nil
	}
	value, err := fill()
	if err != nil {
		return value, err
	}
	c.put(key, value)
	return value, nil
}

// Invalidate drops key so the next Lookup refills it.
func (c *Expiring[K, V]) Invalidate(key K) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

func (c *Expiring[K, V]) get(key K) (V, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return entry.value, false
	}
	if !entry.until.IsZero() && c.now().After(entry.until) {
		c.Invalidate(key)
		var zero V
		return zero, false
	}
	return entry.value, true
}

func (c *Expiring[K, V]) put(key K, value V) {
	entry := expiringEntry[V]{value: value}
	if c.lifetime > 0 {
		entry.until = c.now().Add(c.lifetime)
	}
	c.mu.Lock()
	c.entries[key] = entry
	c.mu.Unlock()
}
