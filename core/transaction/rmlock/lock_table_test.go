package rmlock_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	txn "github.com/sushant-115/gojodb-rm/core/transaction"
	"github.com/sushant-115/gojodb-rm/core/transaction/rmlock"
)

// fakeAcquirer records every NotifyLockAcquire call on a channel so
// tests can wait on asynchronous grants without sleeping.
type fakeAcquirer struct {
	grants chan grant
}

type grant struct {
	ec  txn.EC
	oid txn.OID
}

func newFakeAcquirer() *fakeAcquirer {
	return &fakeAcquirer{grants: make(chan grant, 16)}
}

func (f *fakeAcquirer) NotifyLockAcquire(ec txn.EC, oid txn.OID) {
	f.grants <- grant{ec: ec, oid: oid}
}

func (f *fakeAcquirer) awaitGrant(t *testing.T) grant {
	t.Helper()
	select {
	case g := <-f.grants:
		return g
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for lock grant")
		return grant{}
	}
}

func (f *fakeAcquirer) noGrant(t *testing.T) {
	t.Helper()
	select {
	case g := <-f.grants:
		t.Fatalf("unexpected grant: %+v", g)
	case <-time.After(30 * time.Millisecond):
	}
}

func TestLockRowUncontendedGrantsImmediately(t *testing.T) {
	lt := rmlock.New(nil)
	a := newFakeAcquirer()
	lt.LockRow(1, 1, txn.LockWriteRow, 1, 1, txn.Predicate{Key: 5}, a)

	g := a.awaitGrant(t)
	require.Equal(t, txn.ECOk, g.ec)
	require.Equal(t, txn.OID(1), g.oid)
}

func TestLockRowTwoReadersCompatible(t *testing.T) {
	lt := rmlock.New(nil)
	a, b := newFakeAcquirer(), newFakeAcquirer()
	lt.LockRow(1, 1, txn.LockReadRow, 1, 1, txn.Predicate{Key: 5}, a)
	a.awaitGrant(t)
	lt.LockRow(2, 1, txn.LockReadRow, 1, 1, txn.Predicate{Key: 5}, b)
	b.awaitGrant(t)
}

func TestLockRowWriterBlocksReader(t *testing.T) {
	lt := rmlock.New(nil)
	writer, reader := newFakeAcquirer(), newFakeAcquirer()
	lt.LockRow(1, 1, txn.LockWriteRow, 1, 1, txn.Predicate{Key: 5}, writer)
	writer.awaitGrant(t)

	lt.LockRow(2, 1, txn.LockReadRow, 1, 1, txn.Predicate{Key: 5}, reader)
	reader.noGrant(t)

	lt.Unlock(1, txn.LockWriteRow, 1, 1, txn.Predicate{Key: 5})
	g := reader.awaitGrant(t)
	require.Equal(t, txn.OID(1), g.oid)
}

func TestLockRowFIFOOrdering(t *testing.T) {
	lt := rmlock.New(nil)
	writer := newFakeAcquirer()
	lt.LockRow(1, 1, txn.LockWriteRow, 1, 1, txn.Predicate{Key: 5}, writer)
	writer.awaitGrant(t)

	first, second := newFakeAcquirer(), newFakeAcquirer()
	lt.LockRow(2, 1, txn.LockWriteRow, 1, 1, txn.Predicate{Key: 5}, first)
	lt.LockRow(3, 2, txn.LockWriteRow, 1, 1, txn.Predicate{Key: 5}, second)
	first.noGrant(t)
	second.noGrant(t)

	lt.Unlock(1, txn.LockWriteRow, 1, 1, txn.Predicate{Key: 5})
	first.awaitGrant(t)
	second.noGrant(t)

	lt.Unlock(2, txn.LockWriteRow, 1, 1, txn.Predicate{Key: 5})
	second.awaitGrant(t)
}

func TestMakeViolableUnblocksWaiters(t *testing.T) {
	lt := rmlock.New(nil)
	writer, reader := newFakeAcquirer(), newFakeAcquirer()
	lt.LockRow(1, 1, txn.LockWriteRow, 1, 1, txn.Predicate{Key: 5}, writer)
	writer.awaitGrant(t)

	lt.LockRow(2, 1, txn.LockReadRow, 1, 1, txn.Predicate{Key: 5}, reader)
	reader.noGrant(t)

	readV, writeV := lt.MakeViolable(1, txn.LockWriteRow, 1, txn.Predicate{Key: 5})
	require.Equal(t, uint32(1), readV)
	require.Equal(t, uint32(0), writeV)

	reader.awaitGrant(t)
}

func TestTxFinishDropsHoldsAndWaits(t *testing.T) {
	lt := rmlock.New(nil)
	writer, waiter := newFakeAcquirer(), newFakeAcquirer()
	lt.LockRow(1, 1, txn.LockWriteRow, 1, 1, txn.Predicate{Key: 5}, writer)
	writer.awaitGrant(t)
	lt.LockRow(2, 1, txn.LockWriteRow, 1, 1, txn.Predicate{Key: 5}, waiter)
	waiter.noGrant(t)

	lt.TxFinish(1)
	waiter.awaitGrant(t)
}
