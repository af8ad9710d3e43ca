package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTTLCacheBasic(t *testing.T) {
	c := New[string, int](4, time.Hour)

	_, ok := c.Get("a")
	assert.False(t, ok)

	c.Set("a", 1)
	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	stats := c.Stats()
	assert.Equal(t, 1, stats.Size)
	assert.Equal(t, 1, stats.Hits)
	assert.Equal(t, 1, stats.Misses)
}

func TestTTLCacheExpiry(t *testing.T) {
	c := New[string, string](4, time.Minute)
	base := time.Now()
	c.now = func() time.Time { return base }

	c.Set("k", "v")
	_, ok := c.Get("k")
	require.True(t, ok)

	c.now = func() time.Time { return base.Add(2 * time.Minute) }
	_, ok = c.Get("k")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Stats().Size)
}

func TestTTLCacheLRUEviction(t *testing.T) {
	c := New[int, int](2, 0)
	c.Set(1, 1)
	c.Set(2, 2)

	// Touch 1 so 2 becomes the eviction candidate.
	_, ok := c.Get(1)
	require.True(t, ok)

	c.Set(3, 3)
	_, ok = c.Get(2)
	assert.False(t, ok, "least recently used entry should have been evicted")
	_, ok = c.Get(1)
	assert.True(t, ok)
	_, ok = c.Get(3)
	assert.True(t, ok)
}

func TestTTLCacheCleanup(t *testing.T) {
	c := New[int, int](8, time.Minute)
	base := time.Now()
	c.now = func() time.Time { return base }

	for i := 0; i < 5; i++ {
		c.Set(i, i)
	}
	c.now = func() time.Time { return base.Add(2 * time.Minute) }
	removed := c.Cleanup()
	assert.Equal(t, 5, removed)
	assert.Equal(t, 0, c.Stats().Size)
}
