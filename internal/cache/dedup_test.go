package cache

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDedupMapGetPut(t *testing.T) {
	d := NewDedupMap()

	_, ok := d.Get("missing")
	assert.False(t, ok)

	d.Put("k1", "value-1", []byte("body"))
	v, ok := d.Get("k1")
	require.True(t, ok)
	assert.Equal(t, "value-1", v)
	assert.True(t, d.Contains("k1"))
	assert.False(t, d.Contains("k2"))
}

func TestDedupMapIdenticalBodiesStoredOnce(t *testing.T) {
	d := NewDedupMap()

	d.Put("k1", "first", []byte("same body"))
	d.Put("k2", "second", []byte("same body"))

	// The first stored value is the representative for both sub-keys.
	v1, ok := d.Get("k1")
	require.True(t, ok)
	v2, ok := d.Get("k2")
	require.True(t, ok)
	assert.Equal(t, "first", v1)
	assert.Equal(t, "first", v2)
	assert.Equal(t, 1, d.ContentLen())
}

func TestDedupMapContentUniqueness(t *testing.T) {
	d := NewDedupMap()
	bodies := [][]byte{[]byte("a"), []byte("b"), []byte("a"), []byte("c"), []byte("b")}
	for i, b := range bodies {
		d.Put(fmt.Sprintf("k%d", i), i, b)
	}
	// Distinct bodies: a, b, c.
	assert.Equal(t, 3, d.ContentLen())
}

func TestDedupMapContainsHash(t *testing.T) {
	d := NewDedupMap()
	assert.False(t, d.ContainsHash([]byte("body")))

	d.Put("k1", "v", []byte("body"))
	assert.True(t, d.ContainsHash([]byte("body")))
	assert.False(t, d.ContainsHash([]byte("other")))
}

func TestDedupMapNilStoredBindsExistingContent(t *testing.T) {
	d := NewDedupMap()
	d.Put("k1", "parsed", []byte("body"))

	// A nil store reuses the entry already held for that content.
	d.Put("k2", nil, []byte("body"))
	v, ok := d.Get("k2")
	require.True(t, ok)
	assert.Equal(t, "parsed", v)

	// With no existing content a nil store is a no-op.
	d.Put("k3", nil, []byte("unseen"))
	_, ok = d.Get("k3")
	assert.False(t, ok)
}
