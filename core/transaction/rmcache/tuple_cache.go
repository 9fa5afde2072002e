// Package rmcache is the concrete read-through tuple cache the
// transaction package's AccessCache interface is defined against. It
// is grounded on core/write_engine/memtable.BufferPoolManager's LRU
// list + index-map structure, adapted from fixed-size page frames to
// variable-length tuple byte slices keyed by (table, shard, tuple id).
package rmcache

import (
	"container/list"
	"sync"

	txn "github.com/sushant-115/gojodb-rm/core/transaction"
)

type key struct {
	table txn.TableID
	shard txn.ShardID
	tuple txn.TupleID
}

type entry struct {
	key   key
	value []byte
}

// TupleCache is a fixed-capacity, LRU-evicted cache of tuple bytes.
type TupleCache struct {
	mu       sync.Mutex
	capacity int
	index    map[key]*list.Element
	lru      *list.List // front = most recently used
}

// New returns a TupleCache holding up to capacity entries. capacity <=
// 0 means unbounded.
func New(capacity int) *TupleCache {
	return &TupleCache{
		capacity: capacity,
		index:    make(map[key]*list.Element),
		lru:      list.New(),
	}
}

// Get implements transaction.AccessCache.
func (c *TupleCache) Get(table txn.TableID, shard txn.ShardID, tuple txn.TupleID) ([]byte, bool) {
	k := key{table, shard, tuple}
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.index[k]
	if !ok {
		return nil, false
	}
	c.lru.MoveToFront(el)
	return el.Value.(*entry).value, true
}

// Put implements transaction.AccessCache, evicting the least recently
// used entry when at capacity.
func (c *TupleCache) Put(table txn.TableID, shard txn.ShardID, tuple txn.TupleID, value []byte) {
	k := key{table, shard, tuple}
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.index[k]; ok {
		el.Value.(*entry).value = value
		c.lru.MoveToFront(el)
		return
	}

	el := c.lru.PushFront(&entry{key: k, value: value})
	c.index[k] = el

	if c.capacity > 0 {
		for c.lru.Len() > c.capacity {
			oldest := c.lru.Back()
			if oldest == nil {
				break
			}
			c.lru.Remove(oldest)
			delete(c.index, oldest.Value.(*entry).key)
		}
	}
}

// Invalidate drops table/shard/tuple from the cache; a later Get for
// it misses until the key is Put again. It is not part of the
// AccessCache interface, so the RM itself never calls it.
func (c *TupleCache) Invalidate(table txn.TableID, shard txn.ShardID, tuple txn.TupleID) {
	k := key{table, shard, tuple}
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.index[k]; ok {
		c.lru.Remove(el)
		delete(c.index, k)
	}
}
