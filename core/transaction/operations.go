package transaction

import "go.uber.org/zap"

// handleOperation dispatches op to its async_* handler and wires
// opDone to run once the operation (lock + cache/DSB round trip) has
// fully resolved, exactly as spec.md §4.1 describes for each op type.
// Must only be called on rm.exec.
func (rm *ResourceManager) handleOperation(op TxOperation, opDone func(EC)) {
	table := op.TupleRow.TableID
	shard := op.TupleRow.ShardID
	key := op.TupleRow.TupleID

	switch op.OpType {
	case OpRead, OpReadForWrite:
		readForWrite := op.OpType == OpReadForWrite
		rm.asyncRead(table, shard, key, readForWrite, func(ec EC, tuple []byte) {
			if ec == ECNotFound {
				rm.logger.Debug("cannot find tuple", zap.Uint32("table", uint32(table)), zap.Uint64("key", uint64(key)))
			}
			rm.response = append(rm.response, TxOperation{
				OpType:   op.OpType,
				TupleRow: TupleRow{TableID: table, ShardID: shard, TupleID: key, Tuple: tuple},
			})
			rm.invokeDone(opDone, ec)
		})
	case OpUpdate:
		tuple := op.TupleRow.Tuple
		rm.asyncUpdate(table, shard, key, tuple, func(ec EC) {
			if ec == ECNotFound {
				rm.logger.Debug("cannot find tuple for update", zap.Uint32("table", uint32(table)), zap.Uint64("key", uint64(key)))
			}
			rm.appendOperation(op)
			rm.invokeDone(opDone, ec)
		})
	case OpInsert:
		tuple := op.TupleRow.Tuple
		rm.asyncInsert(table, shard, key, tuple, func(ec EC) {
			if ec == ECDuplication {
				rm.logger.Debug("duplicate key on insert", zap.Uint32("table", uint32(table)), zap.Uint64("key", uint64(key)))
			}
			rm.appendOperation(op)
			rm.invokeDone(opDone, ec)
		})
	case OpRemove:
		rm.asyncRemove(table, shard, key, func(ec EC, tuple []byte) {
			if ec == ECOk {
				rm.appendOperation(op)
				rm.response = append(rm.response, TxOperation{
					OpType:   op.OpType,
					TupleRow: TupleRow{TableID: table, ShardID: shard, TupleID: key, Tuple: tuple},
				})
			}
			rm.invokeDone(opDone, ec)
		})
	default:
		rm.debugAssert(false, "unknown op type", zap.Int("op_type", int(op.OpType)))
	}
}

func (rm *ResourceManager) allocOID() OID {
	oid := rm.oid
	rm.oid++
	return oid
}

func (rm *ResourceManager) trackLock(oid OID, mode LockMode, table TableID, shard ShardID, key TupleID) {
	l := &LockItem{XID: rm.xid, OID: oid, Mode: mode, TableID: table, ShardID: shard, Predicate: Predicate{Key: key}}
	if _, exists := rm.locks[oid]; !exists {
		rm.numLock++
		rm.metrics.incLocks(1)
	}
	rm.locks[oid] = l
}

// asyncRead acquires READ_ROW (or WRITE_ROW, for read-for-write) then
// resolves from cache or, on a miss, via read-through. Exactly one
// pending continuation is installed for the duration of the lock wait.
func (rm *ResourceManager) asyncRead(table TableID, shard ShardID, key TupleID, readForWrite bool, done func(EC, []byte)) {
	oid := rm.allocOID()
	mode := LockReadRow
	if readForWrite {
		mode = LockWriteRow
	}
	rm.debugAssert(rm.pending.kind == pendingNone, "lock_acquire continuation already pending")
	rm.trackLock(oid, mode, table, shard, key)

	rm.pending = pendingContinuation{
		kind: pendingRead, oid: oid, tableID: table, shardID: shard, key: key,
		readDone: done,
	}
	rm.lockWaitTimer.begin()
	if rm.readOnly {
		rm.completePendingLock(ECOk, oid)
		return
	}
	rm.lockMgr.LockRow(rm.xid, oid, mode, table, shard, Predicate{Key: key}, rm)
}

func (rm *ResourceManager) asyncUpdate(table TableID, shard ShardID, key TupleID, tuple []byte, done func(EC)) {
	oid := rm.allocOID()
	rm.debugAssert(rm.pending.kind == pendingNone, "lock_acquire continuation already pending")
	rm.trackLock(oid, LockWriteRow, table, shard, key)

	rm.pending = pendingContinuation{
		kind: pendingUpdate, oid: oid, tableID: table, shardID: shard, key: key, tuple: tuple,
		opDone: done,
	}
	rm.lockWaitTimer.begin()
	rm.lockMgr.LockRow(rm.xid, oid, LockWriteRow, table, shard, Predicate{Key: key}, rm)
}

func (rm *ResourceManager) asyncInsert(table TableID, shard ShardID, key TupleID, tuple []byte, done func(EC)) {
	oid := rm.allocOID()
	rm.debugAssert(rm.pending.kind == pendingNone, "lock_acquire continuation already pending")
	rm.trackLock(oid, LockWriteRow, table, shard, key)

	rm.pending = pendingContinuation{
		kind: pendingInsert, oid: oid, tableID: table, shardID: shard, key: key, tuple: tuple,
		opDone: done,
	}
	rm.lockWaitTimer.begin()
	rm.lockMgr.LockRow(rm.xid, oid, LockWriteRow, table, shard, Predicate{Key: key}, rm)
}

// asyncRemove implements TX_OP_REMOVE (spec.md §9 open question #2,
// resolved in SPEC_FULL.md §4.1: like the original async_remove, a
// cache miss is reported as NOT_FOUND rather than triggering
// read-through).
func (rm *ResourceManager) asyncRemove(table TableID, shard ShardID, key TupleID, done func(EC, []byte)) {
	oid := rm.allocOID()
	rm.debugAssert(rm.pending.kind == pendingNone, "lock_acquire continuation already pending")
	rm.trackLock(oid, LockWriteRow, table, shard, key)

	rm.pending = pendingContinuation{
		kind: pendingRemove, oid: oid, tableID: table, shardID: shard, key: key,
		readDone: done,
	}
	rm.lockWaitTimer.begin()
	rm.lockMgr.LockRow(rm.xid, oid, LockWriteRow, table, shard, Predicate{Key: key}, rm)
}
