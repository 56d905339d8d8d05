package cache

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLRUGetPut(t *testing.T) {
	l := NewLRU(4)

	_, ok := l.Get("missing")
	assert.False(t, ok)

	l.Put("a", 1)
	v, ok := l.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	l.Put("a", 2)
	v, ok = l.Get("a")
	require.True(t, ok)
	assert.Equal(t, 2, v)
	assert.Equal(t, 1, l.Len())
}

func TestLRUEvictsLeastRecentlyUsed(t *testing.T) {
	l := NewLRU(2)

	l.Put("a", 1)
	l.Put("b", 2)
	l.Put("c", 3)

	assert.False(t, l.Contains("a"))
	assert.True(t, l.Contains("b"))
	assert.True(t, l.Contains("c"))

	// Touch b so d evicts c.
	_, ok := l.Get("b")
	require.True(t, ok)
	l.Put("d", 4)

	assert.True(t, l.Contains("b"))
	assert.True(t, l.Contains("d"))
	assert.False(t, l.Contains("c"))
}

func TestLRUCapacityInvariant(t *testing.T) {
	l := NewLRU(8)
	for i := 0; i < 100; i++ {
		l.Put(fmt.Sprintf("k%d", i), i)
		assert.LessOrEqual(t, l.Len(), 8)
	}
	assert.Equal(t, 8, l.Len())
}

func TestLRUContainsDoesNotPromote(t *testing.T) {
	l := NewLRU(2)
	l.Put("a", 1)
	l.Put("b", 2)

	// Contains must not refresh a; inserting c evicts it anyway.
	assert.True(t, l.Contains("a"))
	l.Put("c", 3)
	assert.False(t, l.Contains("a"))
}

func TestLRUDelete(t *testing.T) {
	l := NewLRU(2)
	l.Put("a", 1)
	l.Delete("a")
	l.Delete("a") // absent keys are ignored
	assert.False(t, l.Contains("a"))
	assert.Equal(t, 0, l.Len())
}

func TestLRUResizeTakesEffectOnNextMutation(t *testing.T) {
	l := NewLRU(4)
	for i := 0; i < 4; i++ {
		l.Put(fmt.Sprintf("k%d", i), i)
	}

	l.Resize(2)
	// Shrinking alone does not evict.
	assert.Equal(t, 4, l.Len())

	l.Put("k4", 4)
	assert.Equal(t, 2, l.Len())
	assert.True(t, l.Contains("k4"))
	assert.True(t, l.Contains("k3"))
}
