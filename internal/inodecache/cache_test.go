package inodecache

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLookupMissThenHitAfterInsert(t *testing.T) {
	c := New(8, 4)
	k := Key{Inode: 42, DevID: 1}

	require.False(t, c.Lookup(k))
	c.Insert(k)
	require.True(t, c.Lookup(k))
	require.Equal(t, 1, c.Len())
}

func TestKeyingDistinguishesAcrossDevices(t *testing.T) {
	c := New(8, 4)
	a := Key{Inode: 42, DevID: 1}
	b := Key{Inode: 42, DevID: 2}

	c.Insert(a)
	require.True(t, c.Lookup(a))
	require.False(t, c.Lookup(b))
}

func TestEvictionIsLRU(t *testing.T) {
	c := New(3, 2)
	k1, k2, k3, k4 := Key{Inode: 1}, Key{Inode: 2}, Key{Inode: 3}, Key{Inode: 4}

	c.Insert(k1)
	c.Insert(k2)
	c.Insert(k3)
	require.Equal(t, 3, c.Len())

	// Touch k1 so k2 becomes the LRU tail.
	require.True(t, c.Lookup(k1))

	c.Insert(k4)
	require.Equal(t, 3, c.Len()) // arena stays at capacity, no growth

	require.True(t, c.Lookup(k1))
	require.False(t, c.Lookup(k2)) // evicted
	require.True(t, c.Lookup(k3))
	require.True(t, c.Lookup(k4))
}

func TestInsertDoesNotExceedCapacity(t *testing.T) {
	c := New(4, 4)
	for i := uint64(0); i < 100; i++ {
		c.Insert(Key{Inode: i})
	}
	require.Equal(t, 4, c.Len())
	require.Equal(t, 4, c.Cap())
}

func TestRepeatedLookupIsIdempotent(t *testing.T) {
	c := New(4, 2)
	k := Key{Inode: 7, DevID: 1}
	c.Insert(k)
	for i := 0; i < 10; i++ {
		require.True(t, c.Lookup(k))
	}
	require.Equal(t, 1, c.Len())
}

func TestHashCollisionsDoNotAlias(t *testing.T) {
	// With 2 buckets and several distinct keys, collisions are forced;
	// every key must still resolve independently.
	c := New(16, 2)
	keys := []Key{
		{Inode: 1, DevID: 1}, {Inode: 2, DevID: 1}, {Inode: 3, DevID: 1},
		{Inode: 4, DevID: 1}, {Inode: 5, DevID: 1},
	}
	for _, k := range keys {
		c.Insert(k)
	}
	for _, k := range keys {
		require.True(t, c.Lookup(k), "key %+v should be present", k)
	}
	require.False(t, c.Lookup(Key{Inode: 999, DevID: 1}))
}
