package transaction_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	txn "github.com/sushant-115/gojodb-rm/core/transaction"
	"github.com/sushant-115/gojodb-rm/core/transaction/rmtest"
)

// harness bundles one ResourceManager and its fake collaborators, and
// gives tests a way to wait for the single CLIENT_TX_RESP every
// one-shot transaction eventually sends, without sleeping.
type harness struct {
	rm    *txn.ResourceManager
	lock  *rmtest.FakeLockManager
	cache *rmtest.FakeCache
	dsb   *rmtest.FakeDSB
	peer  *rmtest.FakePeer
	wal   *rmtest.FakeWAL
	dlv   *rmtest.FakeDeadlock
}

func newHarness(t *testing.T, cfg txn.Config) *harness {
	t.Helper()
	h := &harness{
		lock:  rmtest.NewFakeLockManager(),
		cache: rmtest.NewFakeCache(),
		dsb:   rmtest.NewFakeDSB(),
		peer:  rmtest.NewFakePeer(),
		wal:   rmtest.NewFakeWAL(),
		dlv:   rmtest.NewFakeDeadlock(),
	}
	h.rm = txn.NewResourceManager(
		1, 100, 200, map[txn.ShardID]txn.NodeID{1: 200},
		0, cfg,
		txn.Deps{
			LockMgr:  h.lock,
			Cache:    h.cache,
			DSB:      h.dsb,
			Peer:     h.peer,
			WAL:      h.wal,
			Deadlock: h.dlv,
			Metrics:  txn.NewMetrics(nil),
		},
		nil,
	)
	h.dsb.Holder = h.rm
	return h
}

func (h *harness) awaitResponse(t *testing.T) txn.ClientTxResp {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.peer.ResponseCount() > 0
	}, time.Second, time.Millisecond)
	resp, ok := h.peer.LastResponse()
	require.True(t, ok)
	return resp
}

func (h *harness) awaitState(t *testing.T, want txn.RMState) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.rm.State() == want
	}, time.Second, time.Millisecond)
}

func readOnlyOp(table txn.TableID, shard txn.ShardID, key txn.TupleID) txn.TxOperation {
	return txn.TxOperation{OpType: txn.OpRead, TupleRow: txn.TupleRow{TableID: table, ShardID: shard, TupleID: key}}
}

func insertOp(table txn.TableID, shard txn.ShardID, key txn.TupleID, value []byte) txn.TxOperation {
	return txn.TxOperation{OpType: txn.OpInsert, TupleRow: txn.TupleRow{TableID: table, ShardID: shard, TupleID: key, Tuple: value}}
}

func updateOp(table txn.TableID, shard txn.ShardID, key txn.TupleID, value []byte) txn.TxOperation {
	return txn.TxOperation{OpType: txn.OpUpdate, TupleRow: txn.TupleRow{TableID: table, ShardID: shard, TupleID: key, Tuple: value}}
}

// --- Scenario 1: local read-only success ---

func TestLocalReadOnlySuccess(t *testing.T) {
	h := newHarness(t, txn.Config{})
	h.cache.Seed(1, 1, 42, []byte("hello"))

	h.rm.ProcessTxRequest(txn.TxRequest{
		XID:      1,
		Source:   1,
		OneShot:  true,
		ReadOnly: true,
		Operations: []txn.TxOperation{
			readOnlyOp(1, 1, 42),
		},
	})

	resp := h.awaitResponse(t)
	require.Equal(t, txn.ECOk, resp.EC)
	require.Len(t, resp.Operations, 1)
	require.Equal(t, []byte("hello"), resp.Operations[0].TupleRow.Tuple)
	h.awaitState(t, txn.StateEnded)

	// A read-only transaction never takes locks (invariant P4).
	require.Empty(t, h.lock.Granted)
	require.Len(t, h.dlv.Finished, 1)
	require.Equal(t, txn.XID(1), h.dlv.Finished[0])
}

// --- Scenario 2: local insert-duplicate ---

func TestLocalInsertDuplicate(t *testing.T) {
	h := newHarness(t, txn.Config{})
	h.cache.Seed(1, 1, 42, []byte("exists"))

	h.rm.ProcessTxRequest(txn.TxRequest{
		XID:     1,
		Source:  1,
		OneShot: true,
		Operations: []txn.TxOperation{
			insertOp(1, 1, 42, []byte("new")),
		},
	})

	resp := h.awaitResponse(t)
	require.Equal(t, txn.ECDuplication, resp.EC)
	h.awaitState(t, txn.StateEnded)

	// The transaction still held its write lock until abort released it.
	require.Empty(t, h.lock.Granted)
}

// --- Scenario 3: local mixed happy path ---

func TestLocalMixedHappyPath(t *testing.T) {
	h := newHarness(t, txn.Config{})
	h.cache.Seed(1, 1, 1, []byte("row-1"))

	h.rm.ProcessTxRequest(txn.TxRequest{
		XID:     1,
		Source:  1,
		OneShot: true,
		Operations: []txn.TxOperation{
			readOnlyOp(1, 1, 1),
			insertOp(1, 1, 2, []byte("row-2")),
			updateOp(1, 1, 1, []byte("row-1-updated")),
		},
	})

	resp := h.awaitResponse(t)
	require.Equal(t, txn.ECOk, resp.EC)
	h.awaitState(t, txn.StateEnded)

	require.Len(t, h.wal.Entries, 1)
	lastEntry := h.wal.Entries[0]
	require.NotEmpty(t, lastEntry)
	require.Equal(t, txn.CmdRMCommit, lastEntry[len(lastEntry)-1].CmdType)
	// Read ops are not durable writes; only insert+update are staged.
	var staged int
	for _, e := range lastEntry {
		staged += len(e.Ops)
	}
	require.Equal(t, 2, staged)
}

// --- Scenario 4: distributed commit (share-nothing 2PC) ---

func TestDistributedCommit(t *testing.T) {
	h := newHarness(t, txn.Config{Distributed: true, ShareNothing: true})

	h.rm.ProcessTxRequest(txn.TxRequest{
		XID:         1,
		Source:      9, // coordinating TM's node id
		Distributed: true,
		OneShot:     true,
		Operations: []txn.TxOperation{
			insertOp(1, 1, 7, []byte("v")),
		},
	})

	require.Eventually(t, func() bool {
		return len(h.peer.Prepares) > 0
	}, time.Second, time.Millisecond)
	require.True(t, h.peer.Prepares[0].Commit)
	h.awaitState(t, txn.StatePrepareCommitting)

	h.rm.HandleTxTMCommit(txn.TxTMCommit{XID: 1})

	require.Eventually(t, func() bool {
		return len(h.peer.Acks) > 0
	}, time.Second, time.Millisecond)
	require.True(t, h.peer.Acks[0].Commit)
	h.awaitState(t, txn.StateEnded)
}

// TestDuplicateTMCommitAfterEndedReAcks covers R2: a TM that never saw
// our first ACK retries tx_tm_commit after the RM has already reached
// ENDED. The RM must still be addressable and must re-send the ACK,
// not silently drop the retry.
func TestDuplicateTMCommitAfterEndedReAcks(t *testing.T) {
	h := newHarness(t, txn.Config{Distributed: true, ShareNothing: true})

	h.rm.ProcessTxRequest(txn.TxRequest{
		XID:         1,
		Source:      9,
		Distributed: true,
		OneShot:     true,
		Operations: []txn.TxOperation{
			insertOp(1, 1, 7, []byte("v")),
		},
	})
	h.awaitState(t, txn.StatePrepareCommitting)

	h.rm.HandleTxTMCommit(txn.TxTMCommit{XID: 1})
	h.awaitState(t, txn.StateEnded)
	require.Eventually(t, func() bool {
		return len(h.peer.Acks) == 1
	}, time.Second, time.Millisecond)

	h.rm.HandleTxTMCommit(txn.TxTMCommit{XID: 1})
	require.Eventually(t, func() bool {
		return len(h.peer.Acks) == 2
	}, time.Second, time.Millisecond)
	require.True(t, h.peer.Acks[1].Commit)
}

// TestDuplicateTMAbortAfterEndedReAcks is TestDuplicateTMCommitAfterEndedReAcks's
// abort-side counterpart.
func TestDuplicateTMAbortAfterEndedReAcks(t *testing.T) {
	h := newHarness(t, txn.Config{Distributed: true, ShareNothing: true})

	h.rm.ProcessTxRequest(txn.TxRequest{
		XID:         1,
		Source:      9,
		Distributed: true,
		OneShot:     true,
		Operations: []txn.TxOperation{
			insertOp(1, 1, 7, []byte("v")),
		},
	})
	h.awaitState(t, txn.StatePrepareCommitting)

	h.rm.HandleTxTMAbort(txn.TxTMAbort{XID: 1})
	h.awaitState(t, txn.StateEnded)
	require.Eventually(t, func() bool {
		return len(h.peer.Acks) == 1
	}, time.Second, time.Millisecond)

	h.rm.HandleTxTMAbort(txn.TxTMAbort{XID: 1})
	require.Eventually(t, func() bool {
		return len(h.peer.Acks) == 2
	}, time.Second, time.Millisecond)
	require.False(t, h.peer.Acks[1].Commit)
}

// --- Scenario 5: distributed abort via victim ---

func TestDistributedAbortViaVictim(t *testing.T) {
	h := newHarness(t, txn.Config{Distributed: true, ShareNothing: true})

	h.rm.ProcessTxRequest(txn.TxRequest{
		XID:         1,
		Source:      9,
		Distributed: true,
		OneShot:     true,
		Operations: []txn.TxOperation{
			insertOp(1, 1, 7, []byte("v")),
		},
	})
	h.awaitState(t, txn.StatePrepareCommitting)

	h.rm.Abort(txn.ECVictim)

	require.Eventually(t, func() bool {
		return len(h.peer.Victims) > 0
	}, time.Second, time.Millisecond)
	require.Equal(t, txn.XID(1), h.peer.Victims[0].XID)

	// A distributed RM does not transition locally on Abort; the TM
	// still drives phase 2.
	require.Equal(t, txn.StatePrepareCommitting, h.rm.State())

	h.rm.HandleTxTMAbort(txn.TxTMAbort{XID: 1})
	require.Eventually(t, func() bool {
		return len(h.peer.Acks) > 0
	}, time.Second, time.Millisecond)
	require.False(t, h.peer.Acks[0].Commit)
	h.awaitState(t, txn.StateEnded)
}

// --- Scenario 6: timeout during IDLE ---

func TestTimeoutDuringIdle(t *testing.T) {
	h := newHarness(t, txn.Config{})
	// Never call ProcessTxRequest: the RM sits in IDLE indefinitely,
	// as if its request was lost or the client vanished.
	h.rm.TimeoutCleanUp(time.Now().Add(2 * time.Hour))

	// TimeoutCleanUp responds eagerly, before the abort log record is
	// even durable, so the client learns about the timeout without
	// waiting on the WAL round trip.
	resp := h.awaitResponse(t)
	require.Equal(t, txn.ECTxAbort, resp.EC)
	h.awaitState(t, txn.StateEnded)
}

func TestTimeoutBeforeDeadlineIsNoop(t *testing.T) {
	h := newHarness(t, txn.Config{})
	h.rm.TimeoutCleanUp(time.Now())

	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 0, h.peer.ResponseCount())
	require.Equal(t, txn.StateIdle, h.rm.State())
}

// TestTimeoutDuringPrepareCommittingIsNoop covers TimeoutCleanUp's
// guard against clobbering a decision already in flight to the TM
// (property R3: a transaction whose durable decision is pending must
// never be timed out out from under it).
func TestTimeoutDuringPrepareCommittingIsNoop(t *testing.T) {
	h := newHarness(t, txn.Config{Distributed: true, ShareNothing: true})
	h.rm.ProcessTxRequest(txn.TxRequest{
		XID: 1, Source: 9, Distributed: true, OneShot: true,
		Operations: []txn.TxOperation{insertOp(1, 1, 7, []byte("v"))},
	})
	h.awaitState(t, txn.StatePrepareCommitting)

	h.rm.TimeoutCleanUp(time.Now().Add(2 * time.Hour))
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, txn.StatePrepareCommitting, h.rm.State())
}

// --- Property: exactly one CLIENT_TX_RESP is ever sent (P4/R1) ---

func TestClientRespondsExactlyOnce(t *testing.T) {
	h := newHarness(t, txn.Config{})
	h.rm.ProcessTxRequest(txn.TxRequest{
		XID: 1, Source: 1, OneShot: true, ReadOnly: true,
		Operations: []txn.TxOperation{readOnlyOp(1, 1, 1)},
	})
	h.awaitResponse(t)
	h.awaitState(t, txn.StateEnded)

	// A racing timeout after the transaction has already ended must
	// not produce a second response.
	h.rm.TimeoutCleanUp(time.Now().Add(2 * time.Hour))
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 1, h.peer.ResponseCount())
}

// --- Property: lock manager failure aborts the transaction ---

func TestLockFailureAbortsTransaction(t *testing.T) {
	h := newHarness(t, txn.Config{})
	h.lock.Fail(5, txn.ECDeadlock)

	h.rm.ProcessTxRequest(txn.TxRequest{
		XID: 1, Source: 1, OneShot: true,
		Operations: []txn.TxOperation{
			updateOp(1, 1, 5, []byte("v")),
		},
	})

	resp := h.awaitResponse(t)
	require.Equal(t, txn.ECDeadlock, resp.EC)
	h.awaitState(t, txn.StateEnded)
}

// --- Property: read-through on a cache miss goes to the DSB ---

func TestReadThroughOnCacheMiss(t *testing.T) {
	h := newHarness(t, txn.Config{})
	h.dsb.Seed(1, 1, 9, []byte("from-dsb"))
	h.dsb.OnSend = func(req txn.ReadDataReq) {
		h.rm.ReadDataFromDSBResponse(txn.DSBReadResponse{
			XID: req.XID, OID: req.OID, EC: txn.ECOk, HasTupleRow: true,
			TupleRow: txn.TupleRow{TableID: req.TableID, ShardID: req.ShardID, TupleID: req.TupleID, Tuple: []byte("from-dsb")},
		}, time.Now())
	}

	h.rm.ProcessTxRequest(txn.TxRequest{
		XID: 1, Source: 1, OneShot: true, ReadOnly: true,
		Operations: []txn.TxOperation{readOnlyOp(1, 1, 9)},
	})

	resp := h.awaitResponse(t)
	require.Equal(t, txn.ECOk, resp.EC)
	require.Equal(t, []byte("from-dsb"), resp.Operations[0].TupleRow.Tuple)

	// The value is now cached for future reads.
	v, ok := h.cache.Get(1, 1, 9)
	require.True(t, ok)
	require.Equal(t, []byte("from-dsb"), v)
}

func TestReadThroughNotFound(t *testing.T) {
	h := newHarness(t, txn.Config{})
	h.dsb.OnSend = func(req txn.ReadDataReq) {
		h.rm.ReadDataFromDSBResponse(txn.DSBReadResponse{
			XID: req.XID, OID: req.OID, EC: txn.ECNotFound,
		}, time.Now())
	}

	h.rm.ProcessTxRequest(txn.TxRequest{
		XID: 1, Source: 1, OneShot: true, ReadOnly: true,
		Operations: []txn.TxOperation{readOnlyOp(1, 1, 404)},
	})

	resp := h.awaitResponse(t)
	// Read-only transactions treat a not-found read as still OK
	// overall (spec.md §4.1); only the individual op result carries
	// NOT_FOUND semantics via the cache miss path.
	require.Equal(t, txn.ECOk, resp.EC)
}
