package transaction_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	txn "github.com/sushant-115/gojodb-rm/core/transaction"
	"github.com/sushant-115/gojodb-rm/core/transaction/rmtest"
)

func newDepHarness(t *testing.T, xid txn.XID) *harness {
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
		xid, 100, 200, map[txn.ShardID]txn.NodeID{1: 200},
		0, txn.Config{GeoRepOptimized: true},
		txn.Deps{
			LockMgr: h.lock, Cache: h.cache, DSB: h.dsb, Peer: h.peer,
			WAL: h.wal, Deadlock: h.dlv, Metrics: txn.NewMetrics(nil),
		},
		nil,
	)
	h.dsb.Holder = h.rm
	return h
}

// TestRegisterDependencyOrdersLocksAscending exercises RegisterDependency
// between two RMs on either side of the xid ordering — the corrected
// pairwise acquire/mutate/release must not deadlock regardless of
// which RM is the caller.
func TestRegisterDependencyOrdersLocksAscending(t *testing.T) {
	low := newDepHarness(t, 1)
	high := newDepHarness(t, 2)

	// high depends on low (low wrote something high read).
	high.rm.RegisterDependency(low.rm)
	// Calling again with the same pair must not double count.
	high.rm.RegisterDependency(low.rm)

	done := make(chan struct{})
	go func() {
		// RegisterDependency called from the "wrong" direction too,
		// to exercise the ascending-order lock acquisition with the
		// higher-xid RM as the out side.
		low.rm.RegisterDependency(high.rm)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RegisterDependency deadlocked")
	}
}

// TestDependencyGatesLocalCommit verifies the transaction depended-on
// ("out") withholds its own delivery until its dependent ("in") has
// itself locally committed and reported in — per spec.md §4.8, it is
// out's dep_in_count that gates out's own dlv_try_tx_commit, decremented
// by in's (automatic, on its own log commit) ReportDependency call.
func TestDependencyGatesLocalCommit(t *testing.T) {
	out := newDepHarness(t, 1)
	in := newDepHarness(t, 2)

	// in read a value out wrote and has not yet committed.
	in.rm.RegisterDependency(out.rm)

	// Block out's own WAL commit until the test releases it, so out's
	// gate can be observed staying closed independent of timing.
	release := make(chan struct{})
	out.wal.Hook = func(entries []txn.StagedLogEntry) { <-release }

	out.rm.ProcessTxRequest(txn.TxRequest{
		XID: 1, Source: 1, OneShot: true,
		Operations: []txn.TxOperation{insertOp(1, 1, 1, []byte("v"))},
	})

	// out's own log commit is held back by the hook, so nothing has
	// been delivered yet regardless of the dependency.
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 0, out.peer.ResponseCount())

	close(release)

	// out's log now commits, but its dep_in_count is still 1 (in
	// hasn't reported), so out must remain undelivered.
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 0, out.peer.ResponseCount())
	require.NotEqual(t, txn.StateEnded, out.rm.State())

	// in commits its own (unrelated) transaction; its own log commit
	// automatically calls ReportDependency, which clears out's gate.
	in.rm.ProcessTxRequest(txn.TxRequest{
		XID: 2, Source: 1, OneShot: true,
		Operations: []txn.TxOperation{insertOp(1, 1, 2, []byte("w"))},
	})

	resp := out.awaitResponse(t)
	require.Equal(t, txn.ECOk, resp.EC)
	out.awaitState(t, txn.StateEnded)
}

// TestDlvMakeViolableDuringTransactionCompletes checks that an
// RM_ENABLE_VIOLATE arriving while a transaction runs does not panic
// and that the transaction still reaches ENDED.
func TestDlvMakeViolableDuringTransactionCompletes(t *testing.T) {
	h := newDepHarness(t, 1)
	h.rm.ProcessTxRequest(txn.TxRequest{
		XID: 1, Source: 1, OneShot: true, ReadOnly: false,
		Operations: []txn.TxOperation{
			insertOp(1, 1, 1, []byte("a")),
		},
	})
	// DlvMakeViolable only has locks to act on while the transaction
	// still holds them, so post it onto the RM's own executor via
	// HandleTxEnableViolate right behind the request, with no wait.
	h.rm.HandleTxEnableViolate()
	// No assertion beyond "does not panic and completes": once the
	// transaction ends locks are released and MakeViolable would see
	// nothing, which is a legitimate race in real deployments too
	// (spec.md §4.8 does not guarantee RM_ENABLE_VIOLATE arrives
	// before commit).
	h.awaitState(t, txn.StateEnded)
}
