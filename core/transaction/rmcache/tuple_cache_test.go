package rmcache_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	txn "github.com/sushant-115/gojodb-rm/core/transaction"
	"github.com/sushant-115/gojodb-rm/core/transaction/rmcache"
)

func TestGetMiss(t *testing.T) {
	c := rmcache.New(10)
	_, ok := c.Get(1, 1, 1)
	require.False(t, ok)
}

func TestPutThenGet(t *testing.T) {
	c := rmcache.New(10)
	c.Put(1, 1, 1, []byte("v1"))
	v, ok := c.Get(1, 1, 1)
	require.True(t, ok)
	require.Equal(t, []byte("v1"), v)
}

func TestPutOverwritesValue(t *testing.T) {
	c := rmcache.New(10)
	c.Put(1, 1, 1, []byte("v1"))
	c.Put(1, 1, 1, []byte("v2"))
	v, ok := c.Get(1, 1, 1)
	require.True(t, ok)
	require.Equal(t, []byte("v2"), v)
}

func TestInvalidateRemovesEntry(t *testing.T) {
	c := rmcache.New(10)
	c.Put(1, 1, 1, []byte("v1"))
	c.Invalidate(1, 1, 1)
	_, ok := c.Get(1, 1, 1)
	require.False(t, ok)
}

func TestLRUEvictsLeastRecentlyUsed(t *testing.T) {
	c := rmcache.New(2)
	c.Put(1, 1, 1, []byte("a"))
	c.Put(1, 1, 2, []byte("b"))
	// Touch key 1 so key 2 becomes the least recently used.
	c.Get(1, 1, 1)
	c.Put(1, 1, 3, []byte("c"))

	_, ok := c.Get(1, 1, 2)
	require.False(t, ok, "key 2 should have been evicted")

	v, ok := c.Get(1, 1, 1)
	require.True(t, ok)
	require.Equal(t, []byte("a"), v)

	v, ok = c.Get(1, 1, 3)
	require.True(t, ok)
	require.Equal(t, []byte("c"), v)
}

func TestUnboundedCapacityNeverEvicts(t *testing.T) {
	c := rmcache.New(0)
	for i := txn.TupleID(0); i < 100; i++ {
		c.Put(1, 1, i, []byte("v"))
	}
	for i := txn.TupleID(0); i < 100; i++ {
		_, ok := c.Get(1, 1, i)
		require.True(t, ok)
	}
}

func TestKeysAreScopedByTableAndShard(t *testing.T) {
	c := rmcache.New(10)
	c.Put(1, 1, 5, []byte("table1-shard1"))
	c.Put(2, 1, 5, []byte("table2-shard1"))
	c.Put(1, 2, 5, []byte("table1-shard2"))

	v, ok := c.Get(1, 1, 5)
	require.True(t, ok)
	require.Equal(t, []byte("table1-shard1"), v)

	v, ok = c.Get(2, 1, 5)
	require.True(t, ok)
	require.Equal(t, []byte("table2-shard1"), v)

	v, ok = c.Get(1, 2, 5)
	require.True(t, ok)
	require.Equal(t, []byte("table1-shard2"), v)
}
