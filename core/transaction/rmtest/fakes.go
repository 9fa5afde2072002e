// Package rmtest provides fake collaborators for exercising
// core/transaction without a real lock manager, cache, WAL, or
// network — in the teacher's own style of hand-rolled test doubles
// (core/write_engine/wal's tests build a real LogManager against a
// t.TempDir() rather than mocking; these fakes do the equivalent for
// collaborators too heavy to stand up for every ResourceManager test).
package rmtest

import (
	"sync"
	"time"

	txn "github.com/sushant-115/gojodb-rm/core/transaction"
)

// FakeLockManager grants every lock immediately and synchronously,
// unless a per-tuple-key failure is preloaded with Fail.
type FakeLockManager struct {
	mu      sync.Mutex
	fail    map[txn.TupleID]txn.EC
	Granted []txn.LockItem
}

func NewFakeLockManager() *FakeLockManager {
	return &FakeLockManager{fail: make(map[txn.TupleID]txn.EC)}
}

// Fail makes the next LockRow call for this key resolve with ec
// instead of ECOk.
func (f *FakeLockManager) Fail(key txn.TupleID, ec txn.EC) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[key] = ec
}

func (f *FakeLockManager) LockRow(xid txn.XID, oid txn.OID, mode txn.LockMode, table txn.TableID, shard txn.ShardID, pred txn.Predicate, holder txn.LockAcquirer) {
	f.mu.Lock()
	ec, shouldFail := f.fail[pred.Key]
	if shouldFail {
		delete(f.fail, pred.Key)
	} else {
		ec = txn.ECOk
		f.Granted = append(f.Granted, txn.LockItem{XID: xid, OID: oid, Mode: mode, TableID: table, ShardID: shard, Predicate: pred})
	}
	f.mu.Unlock()
	holder.NotifyLockAcquire(ec, oid)
}

func (f *FakeLockManager) Unlock(xid txn.XID, mode txn.LockMode, table txn.TableID, shard txn.ShardID, pred txn.Predicate) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, l := range f.Granted {
		if l.XID == xid && l.Mode == mode && l.TableID == table && l.ShardID == shard && l.Predicate == pred {
			f.Granted = append(f.Granted[:i], f.Granted[i+1:]...)
			return
		}
	}
}

func (f *FakeLockManager) MakeViolable(xid txn.XID, mode txn.LockMode, table txn.TableID, pred txn.Predicate) (uint32, uint32) {
	if mode == txn.LockReadRow {
		return 1, 0
	}
	return 0, 1
}

// FakeCache is a plain map-backed AccessCache.
type FakeCache struct {
	mu   sync.Mutex
	data map[cacheKey][]byte
}

type cacheKey struct {
	table txn.TableID
	shard txn.ShardID
	tuple txn.TupleID
}

func NewFakeCache() *FakeCache {
	return &FakeCache{data: make(map[cacheKey][]byte)}
}

func (c *FakeCache) Get(table txn.TableID, shard txn.ShardID, key txn.TupleID) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[cacheKey{table, shard, key}]
	return v, ok
}

func (c *FakeCache) Put(table txn.TableID, shard txn.ShardID, key txn.TupleID, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[cacheKey{table, shard, key}] = value
}

// Seed preloads a value as if it had already been cached.
func (c *FakeCache) Seed(table txn.TableID, shard txn.ShardID, key txn.TupleID, value []byte) {
	c.Put(table, shard, key, value)
}

// dsbResponseHolder is the subset of ResourceManager FakeDSB needs to
// deliver its synchronous reply.
type dsbResponseHolder interface {
	ReadDataFromDSBResponse(resp txn.DSBReadResponse, ts time.Time)
}

// FakeDSB answers every read-through request from a preloaded table,
// or ECNotFound if the key isn't present. Holder must be set (to the
// ResourceManager under test) before any request is sent, unless
// OnSend is set to take over delivery entirely.
type FakeDSB struct {
	mu      sync.Mutex
	rows    map[cacheKey][]byte
	pending []txn.ReadDataReq

	Holder dsbResponseHolder
	OnSend func(req txn.ReadDataReq)
}

func NewFakeDSB() *FakeDSB {
	return &FakeDSB{rows: make(map[cacheKey][]byte)}
}

func (d *FakeDSB) Seed(table txn.TableID, shard txn.ShardID, key txn.TupleID, value []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rows[cacheKey{table, shard, key}] = value
}

func (d *FakeDSB) SendReadDataReq(req txn.ReadDataReq) error {
	d.mu.Lock()
	d.pending = append(d.pending, req)
	onSend := d.OnSend
	holder := d.Holder
	row, ok := d.rows[cacheKey{req.TableID, req.ShardID, req.TupleID}]
	d.mu.Unlock()

	if onSend != nil {
		onSend(req)
		return nil
	}
	if holder == nil {
		return nil
	}
	if ok {
		holder.ReadDataFromDSBResponse(txn.DSBReadResponse{
			XID: req.XID, OID: req.OID, EC: txn.ECOk, HasTupleRow: true,
			TupleRow: txn.TupleRow{TableID: req.TableID, ShardID: req.ShardID, TupleID: req.TupleID, Tuple: row},
		}, time.Now())
	} else {
		holder.ReadDataFromDSBResponse(txn.DSBReadResponse{
			XID: req.XID, OID: req.OID, EC: txn.ECNotFound,
		}, time.Now())
	}
	return nil
}

// Row looks up a preloaded value, for building a DSBReadResponse in a
// test.
func (d *FakeDSB) Row(table txn.TableID, shard txn.ShardID, key txn.TupleID) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.rows[cacheKey{table, shard, key}]
	return v, ok
}

// FakePeer records every message sent to it instead of putting it on
// the wire.
type FakePeer struct {
	mu         sync.Mutex
	Responses  []txn.ClientTxResp
	Prepares   []txn.TxRMPrepare
	Acks       []txn.TxRMAck
	Victims    []txn.TxVictim
	Violations []txn.TxEnableViolate
	OnResponse func(txn.ClientTxResp)
}

func NewFakePeer() *FakePeer { return &FakePeer{} }

func (p *FakePeer) SendPrepare(dest txn.NodeID, msg txn.TxRMPrepare) error {
	p.mu.Lock()
	p.Prepares = append(p.Prepares, msg)
	p.mu.Unlock()
	return nil
}

func (p *FakePeer) SendAck(dest txn.NodeID, msg txn.TxRMAck) error {
	p.mu.Lock()
	p.Acks = append(p.Acks, msg)
	p.mu.Unlock()
	return nil
}

func (p *FakePeer) SendVictim(dest txn.NodeID, msg txn.TxVictim) error {
	p.mu.Lock()
	p.Victims = append(p.Victims, msg)
	p.mu.Unlock()
	return nil
}

func (p *FakePeer) SendEnableViolate(dest txn.NodeID, msg txn.TxEnableViolate) error {
	p.mu.Lock()
	p.Violations = append(p.Violations, msg)
	p.mu.Unlock()
	return nil
}

func (p *FakePeer) SendClientResponse(msg txn.ClientTxResp) error {
	p.mu.Lock()
	p.Responses = append(p.Responses, msg)
	p.mu.Unlock()
	if p.OnResponse != nil {
		p.OnResponse(msg)
	}
	return nil
}

func (p *FakePeer) LastResponse() (txn.ClientTxResp, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Responses) == 0 {
		return txn.ClientTxResp{}, false
	}
	return p.Responses[len(p.Responses)-1], true
}

func (p *FakePeer) ResponseCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Responses)
}

// FakeWAL calls back asynchronously (on its own goroutine, matching
// the real rmwal.Writer's asynchrony) with ECOk-equivalent success —
// it never actually persists anything.
type FakeWAL struct {
	mu      sync.Mutex
	Entries [][]txn.StagedLogEntry

	// Hook, if set, runs on the commit goroutine before the commit
	// callback fires — tests use it to hold a commit back until some
	// other event has happened.
	Hook func(entries []txn.StagedLogEntry)
}

func NewFakeWAL() *FakeWAL { return &FakeWAL{} }

func (w *FakeWAL) AsyncForceLog(xid txn.XID, entries []txn.StagedLogEntry, holder txn.LogCommitReceiver) {
	w.mu.Lock()
	w.Entries = append(w.Entries, entries)
	hook := w.Hook
	w.mu.Unlock()

	var lastCmd txn.TxCmdType
	for _, e := range entries {
		if e.CmdType != txn.CmdNone {
			lastCmd = e.CmdType
		}
	}
	if lastCmd == txn.CmdNone {
		return
	}
	go func() {
		if hook != nil {
			hook(entries)
		}
		holder.OnLogEntryCommit(lastCmd, time.Now())
	}()
}

// FakeDeadlock records TxFinish calls.
type FakeDeadlock struct {
	mu      sync.Mutex
	Finished []txn.XID
}

func NewFakeDeadlock() *FakeDeadlock { return &FakeDeadlock{} }

func (d *FakeDeadlock) TxFinish(xid txn.XID) {
	d.mu.Lock()
	d.Finished = append(d.Finished, xid)
	d.mu.Unlock()
}
