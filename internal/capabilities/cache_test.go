package capabilities

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheHitAndMiss(t *testing.T) {
	c := NewResultCache(4, time.Minute)
	_, ok := c.Get("missing")
	assert.False(t, ok)

	c.Put("k", map[string]interface{}{"v": 1})
	got, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, 1, got["v"])
}

func TestCacheExpiry(t *testing.T) {
	c := NewResultCache(4, 10*time.Millisecond)
	c.Put("k", map[string]interface{}{"v": 1})
	time.Sleep(25 * time.Millisecond)
	_, ok := c.Get("k")
	assert.False(t, ok)
	assert.Zero(t, c.Len())
}

func TestCacheEvictsLeastRecentlyUsed(t *testing.T) {
	c := NewResultCache(3, time.Minute)
	for i := 0; i < 3; i++ {
		c.Put(fmt.Sprintf("k%d", i), map[string]interface{}{"i": i})
	}
	// touch k0 so k1 becomes the eviction candidate
	_, ok := c.Get("k0")
	require.True(t, ok)

	c.Put("k3", map[string]interface{}{"i": 3})
	assert.Equal(t, 3, c.Len())
	_, ok = c.Get("k1")
	assert.False(t, ok)
	_, ok = c.Get("k0")
	assert.True(t, ok)
}

func TestOverwriteDoesNotEvict(t *testing.T) {
	c := NewResultCache(2, time.Minute)
	c.Put("a", map[string]interface{}{"v": 1})
	c.Put("b", map[string]interface{}{"v": 2})
	c.Put("a", map[string]interface{}{"v": 3})

	assert.Equal(t, 2, c.Len())
	got, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 3, got["v"])
}
