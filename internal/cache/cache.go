package cache

import (
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Cache defines a generic cache interface
type Cache[T any] interface {
	// Get retrieves a value from the cache
	Get(key string) (T, bool)

	// Set stores a value in the cache
	Set(key string, data T)

	// Delete removes a key from the cache
	Delete(key string)

	// Flush drops every entry
	Flush()

	// Size returns the current number of items in the cache
	Size() int
}

// TTLCache is a typed view over go-cache; expired items are purged by its janitor.
type TTLCache[T any] struct {
	c *gocache.Cache
}

// NewTTLCache creates a cache whose entries expire after ttl.
// A non-positive cleanupInterval disables the background janitor.
func NewTTLCache[T any](ttl, cleanupInterval time.Duration) *TTLCache[T] {
	return &TTLCache[T]{c: gocache.New(ttl, cleanupInterval)}
}

func (c *TTLCache[T]) Get(key string) (T, bool) {
	var zero T
	v, ok := c.c.Get(key)
	if !ok {
		return zero, false
	}
	data, ok := v.(T)
	if !ok {
		return zero, false
	}
	return data, true
}

func (c *TTLCache[T]) Set(key string, data T) {
	c.c.SetDefault(key, data)
}

func (c *TTLCache[T]) Delete(key string) {
	c.c.Delete(key)
}

func (c *TTLCache[T]) Flush() {
	c.c.Flush()
}

// Size counts items including expired ones not yet purged.
func (c *TTLCache[T]) Size() int {
	return c.c.ItemCount()
}

// Noop never stores anything; used when caching is disabled.
type Noop[T any] struct{}

func (Noop[T]) Get(string) (T, bool) {
	var zero T
	return zero, false
}
func (Noop[T]) Set(string, T) {}
func (Noop[T]) Delete(string) {}
func (Noop[T]) Flush()        {}
func (Noop[T]) Size() int     { return 0 }
