// Package memo provides a get-or-create cache where concurrent callers for
// the same missing key share a single in-flight producer.
package memo

import (
	"sync"

	"golang.org/x/sync/singleflight"
)

// Cache maps string keys to lazily produced values. Successful results are
// kept for the lifetime of the cache; failed productions are not stored, so
// a later call retries.
type Cache[V any] struct {
	group  singleflight.Group
	values sync.Map
}

// Get returns the cached value for key or calls create to produce it.
// Callers arriving while create runs wait for, and receive, its result.
func (c *Cache[V]) Get(key string, create func() (V, error)) (V, error) {
	if v, ok := c.values.Load(key); ok {
		return v.(V), nil
	}

	res, err, _ := c.group.Do(key, func() (any, error) {
		if v, ok := c.values.Load(key); ok {
			return v, nil
		}
		v, err := create()
		if err != nil {
			return nil, err
		}
		c.values.Store(key, v)
		return v, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return res.(V), nil
}

// Peek returns the cached value for key without producing it.
func (c *Cache[V]) Peek(key string) (V, bool) {
	if v, ok := c.values.Load(key); ok {
		return v.(V), true
	}
	var zero V
	return zero, false
}

// Delete evicts key.
func (c *Cache[V]) Delete(key string) {
	c.values.Delete(key)
	c.group.Forget(key)
}

// Range calls f for every cached entry until f returns false.
func (c *Cache[V]) Range(f func(key string, value V) bool) {
	c.values.Range(func(k, v any) bool {
		return f(k.(string), v.(V))
	})
}

// Len returns the number of cached entries.
func (c *Cache[V]) Len() int {
	n := 0
	c.values.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
