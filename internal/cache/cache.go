package cache

import (
	"sync"
	"unsafe"
)

// Key identifies a host buffer by its base address and byte length.
type Key struct {
	Addr uintptr
	Len  int
}

// KeyOf returns the key of a host buffer.
func KeyOf(host []byte) Key {
	if len(host) == 0 {
		return Key{}
	}
	return Key{Addr: uintptr(unsafe.Pointer(unsafe.SliceData(host))), Len: len(host)}
}

// MirrorCache maps host buffers to their resident device mirrors.
type MirrorCache[V any] interface {
	// Get retrieves the mirror of a host buffer.
	Get(key Key) (V, bool)
	// Put registers the mirror of a host buffer.
	Put(key Key, v V)
	// Delete removes and returns a registered mirror.
	Delete(key Key) (V, bool)
	// Size returns the number of mirrors.
	Size() int
}

// MapCache is a simple in-memory implementation of MirrorCache.
type MapCache[V any] struct {
	data map[Key]V
	mu   sync.RWMutex
}

func NewMapCache[V any]() *MapCache[V] {
	return &MapCache[V]{
		data: make(map[Key]V),
	}
}

func (c *MapCache[V]) Get(key Key) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.data[key]
	return v, ok
}

func (c *MapCache[V]) Put(key Key, v V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = v
}

func (c *MapCache[V]) Delete(key Key) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	if ok {
		delete(c.data, key)
	}
	return v, ok
}

func (c *MapCache[V]) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}

// Range calls fn for every registered mirror. fn must not modify the cache.
func (c *MapCache[V]) Range(fn func(key Key, v V)) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for k, v := range c.data {
		fn(k, v)
	}
}
