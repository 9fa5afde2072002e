// Package rmlock is the concrete row-level lock manager the
// transaction package's LockManager interface is defined against. It
// is grounded on the teacher's own mutex-guarded, map-indexed frame
// table style (core/write_engine/memtable.BufferPoolManager), adapted
// from page frames to per-tuple lock entries with FIFO wait queues.
package rmlock

import (
	"container/list"
	"sync"

	"go.uber.org/zap"

	txn "github.com/sushant-115/gojodb-rm/core/transaction"
)

type key struct {
	table txn.TableID
	shard txn.ShardID
	tuple txn.TupleID
}

// holder is one grant on an entry. violable is set by MakeViolable and
// makes the holder transparent to future compatibility checks — the
// early-lock-release optimization for geo-rep-optimized transactions
// (spec.md §4.8).
type holder struct {
	xid      txn.XID
	mode     txn.LockMode
	violable bool
}

type waiter struct {
	xid    txn.XID
	oid    txn.OID
	mode   txn.LockMode
	holder txn.LockAcquirer
}

type entry struct {
	mu      sync.Mutex
	holders []holder
	waiters *list.List // of *waiter, FIFO
}

// LockTable is an in-memory, per-process row lock manager.
type LockTable struct {
	mu      sync.Mutex
	entries map[key]*entry
	logger  *zap.Logger
}

// New returns an empty LockTable. A nil logger installs zap.NewNop().
func New(logger *zap.Logger) *LockTable {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LockTable{entries: make(map[key]*entry), logger: logger}
}

func (lt *LockTable) entryFor(table txn.TableID, shard txn.ShardID, tuple txn.TupleID) *entry {
	k := key{table, shard, tuple}
	lt.mu.Lock()
	e, ok := lt.entries[k]
	if !ok {
		e = &entry{waiters: list.New()}
		lt.entries[k] = e
	}
	lt.mu.Unlock()
	return e
}

// compatible reports whether mode may be granted given the current
// holder set, ignoring any holder marked violable.
func compatible(holders []holder, mode txn.LockMode) bool {
	for _, h := range holders {
		if h.violable {
			continue
		}
		if mode == txn.LockWriteRow || h.mode == txn.LockWriteRow {
			return false
		}
	}
	return true
}

// LockRow implements transaction.LockManager. An uncontended request
// is granted at once; otherwise the caller is queued until a release
// lets it through. Either way holder.NotifyLockAcquire runs on a
// goroutine of its own, so the RM's executor never blocks the lock
// table and vice versa.
func (lt *LockTable) LockRow(xid txn.XID, oid txn.OID, mode txn.LockMode, table txn.TableID, shard txn.ShardID, pred txn.Predicate, acquirer txn.LockAcquirer) {
	e := lt.entryFor(table, shard, pred.Key)
	e.mu.Lock()
	if compatible(e.holders, mode) {
		e.holders = append(e.holders, holder{xid: xid, mode: mode})
		e.mu.Unlock()
		go acquirer.NotifyLockAcquire(txn.ECOk, oid)
		return
	}
	e.waiters.PushBack(&waiter{xid: xid, oid: oid, mode: mode, holder: acquirer})
	e.mu.Unlock()
}

// Unlock implements transaction.LockManager. Releasing a holder wakes
// the longest-waiting compatible run of waiters at the head of the
// queue.
func (lt *LockTable) Unlock(xid txn.XID, mode txn.LockMode, table txn.TableID, shard txn.ShardID, pred txn.Predicate) {
	e := lt.entryFor(table, shard, pred.Key)
	e.mu.Lock()
	for i, h := range e.holders {
		if h.xid == xid && h.mode == mode {
			e.holders = append(e.holders[:i], e.holders[i+1:]...)
			break
		}
	}
	granted := lt.grantWaitersLocked(e)
	e.mu.Unlock()
	for _, g := range granted {
		go g.holder.NotifyLockAcquire(txn.ECOk, g.oid)
	}
}

// grantWaitersLocked pops every waiter from the head of the queue that
// is compatible with the (updated) holder set, in FIFO order. Must be
// called with e.mu held.
func (lt *LockTable) grantWaitersLocked(e *entry) []*waiter {
	var granted []*waiter
	for e.waiters.Len() > 0 {
		front := e.waiters.Front()
		w := front.Value.(*waiter)
		if !compatible(e.holders, w.mode) {
			break
		}
		e.waiters.Remove(front)
		e.holders = append(e.holders, holder{xid: w.xid, mode: w.mode})
		granted = append(granted, w)
	}
	return granted
}

// MakeViolable marks every holder on table/pred belonging to xid/mode
// as transparent to future compatibility checks, then immediately
// grants whatever waiters that unblocks. The interface (spec.md §9)
// omits shard, so every shard's entry for (table, pred) is scanned —
// a predicate's tuple id is unique within a table across the shards
// this process serves.
func (lt *LockTable) MakeViolable(xid txn.XID, mode txn.LockMode, table txn.TableID, pred txn.Predicate) (readViolated, writeViolated uint32) {
	lt.mu.Lock()
	var matches []*entry
	for k, e := range lt.entries {
		if k.table == table && k.tuple == pred.Key {
			matches = append(matches, e)
		}
	}
	lt.mu.Unlock()

	for _, e := range matches {
		e.mu.Lock()
		marked := false
		for i := range e.holders {
			if e.holders[i].xid == xid && e.holders[i].mode == mode && !e.holders[i].violable {
				e.holders[i].violable = true
				marked = true
			}
		}
		var granted []*waiter
		if marked {
			granted = lt.grantWaitersLocked(e)
			for _, g := range granted {
				if g.mode == txn.LockReadRow {
					readViolated++
				} else {
					writeViolated++
				}
			}
		}
		e.mu.Unlock()
		for _, g := range granted {
			go g.holder.NotifyLockAcquire(txn.ECOk, g.oid)
		}
	}
	return readViolated, writeViolated
}

// TxFinish drops every lock held or waited on by xid, used as a
// best-effort cleanup path when a transaction ends without releasing
// every lock explicitly (e.g. it aborted before acquiring one it had
// queued for). ResourceManager.releaseLocks is the normal path; this
// exists for the abnormal one.
func (lt *LockTable) TxFinish(xid txn.XID) {
	lt.mu.Lock()
	entries := make([]*entry, 0, len(lt.entries))
	for _, e := range lt.entries {
		entries = append(entries, e)
	}
	lt.mu.Unlock()

	for _, e := range entries {
		e.mu.Lock()
		for i := 0; i < len(e.holders); {
			if e.holders[i].xid == xid {
				e.holders = append(e.holders[:i], e.holders[i+1:]...)
				continue
			}
			i++
		}
		for el := e.waiters.Front(); el != nil; {
			next := el.Next()
			if el.Value.(*waiter).xid == xid {
				e.waiters.Remove(el)
			}
			el = next
		}
		granted := lt.grantWaitersLocked(e)
		e.mu.Unlock()
		for _, g := range granted {
			go g.holder.NotifyLockAcquire(txn.ECOk, g.oid)
		}
	}
}
