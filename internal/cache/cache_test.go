package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMapCache(t *testing.T) {
	c := NewMapCache[int]()
	a := make([]byte, 16)
	b := make([]byte, 16)

	ka, kb := KeyOf(a), KeyOf(b)
	assert.NotEqual(t, ka, kb)
	assert.Equal(t, Key{}, KeyOf(nil))

	c.Put(ka, 1)
	c.Put(kb, 2)
	assert.Equal(t, 2, c.Size())

	v, ok := c.Get(ka)
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	// A sub-slice starting at the same address is a different buffer.
	_, ok = c.Get(KeyOf(a[:8]))
	assert.False(t, ok)

	v, ok = c.Delete(kb)
	assert.True(t, ok)
	assert.Equal(t, 2, v)
	_, ok = c.Delete(kb)
	assert.False(t, ok)

	seen := 0
	c.Range(func(Key, int) { seen++ })
	assert.Equal(t, 1, seen)
}
