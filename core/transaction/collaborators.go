package transaction

import "time"

// LockManager grants row-range locks and notifies the RM asynchronously
// on grant, deadlock-victim selection, or timeout. Implementations must
// be safe for concurrent use by many RMs; callbacks must arrive on the
// RM's own executor (via NotifyLockAcquire), never inline. See
// core/transaction/rmlock for the concrete adapter.
type LockManager interface {
	// LockRow requests a lock; the grant (or failure) is delivered
	// later via holder.NotifyLockAcquire(ec, oid).
	LockRow(xid XID, oid OID, mode LockMode, table TableID, shard ShardID, pred Predicate, holder LockAcquirer)
	// Unlock releases a previously granted lock. Called at most once
	// per lock, from releaseLocks() at end-of-life.
	Unlock(xid XID, mode LockMode, table TableID, shard ShardID, pred Predicate)
	// MakeViolable marks the lock xid holds in mode on (table, pred) as
	// eligible for early release (dependency mode only) and reports how
	// many waiting read/write requests that release let through.
	MakeViolable(xid XID, mode LockMode, table TableID, pred Predicate) (readViolated, writeViolated uint32)
}

// LockAcquirer is implemented by the RM so the LockManager can deliver
// a grant/failure notification without knowing about ResourceManager
// directly.
type LockAcquirer interface {
	NotifyLockAcquire(ec EC, oid OID)
}

// AccessCache is the in-memory per-node tuple cache with read-through
// semantics owned by the caller, not by the cache itself.
type AccessCache interface {
	Get(table TableID, shard ShardID, key TupleID) (tuple []byte, present bool)
	Put(table TableID, shard ShardID, key TupleID, tuple []byte)
}

// DSBTransport issues an asynchronous read-through request to the shard
// owner and is later handed the response by the caller (the RM's
// executor receives it from the network layer and calls
// ResourceManager.ReadDataFromDSBResponse).
type DSBTransport interface {
	SendReadDataReq(req ReadDataReq) error
}

// PeerTransport sends the 2PC control messages to the coordinating TM.
type PeerTransport interface {
	SendPrepare(dest NodeID, msg TxRMPrepare) error
	SendAck(dest NodeID, msg TxRMAck) error
	SendVictim(dest NodeID, msg TxVictim) error
	SendEnableViolate(dest NodeID, msg TxEnableViolate) error
	SendClientResponse(msg ClientTxResp) error
}

// WALWriter stages and force-appends log entries. AsyncForceLog is
// asynchronous: the corresponding commit notification arrives later
// via holder.OnLogEntryCommit, posted onto the RM's own executor by
// the adapter, never called inline.
type WALWriter interface {
	// AsyncForceLog durably appends entries and, once done, invokes
	// holder.OnLogEntryCommit(cmdType, ts) with the terminal command
	// type of the phase that was just forced.
	AsyncForceLog(xid XID, entries []StagedLogEntry, holder LogCommitReceiver)
}

// LogCommitReceiver is implemented by the RM.
type LogCommitReceiver interface {
	OnLogEntryCommit(cmdType TxCmdType, endTS time.Time)
}

// StagedLogEntry is what AsyncForceLog is handed: the operations and
// terminal command of one staged phase.
type StagedLogEntry struct {
	Ops     []TxOperation
	CmdType TxCmdType
}

// DeadlockNotifier is told when a transaction has fully ended so wait
// edges can be purged.
type DeadlockNotifier interface {
	TxFinish(xid XID)
}
