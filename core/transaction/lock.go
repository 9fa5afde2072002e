package transaction

import "go.uber.org/zap"

// NotifyLockAcquire is called by the LockManager (from whatever
// goroutine the lock manager runs its grant notification on; the
// read-only bypass in asyncRead calls completePendingLock directly
// instead) when a lock this RM
// requested has been granted, deadlocked, selected as a victim, or
// timed out. It posts onto the RM's own executor and resolves the one
// pending continuation, exactly as spec.md §4.2 requires.
func (rm *ResourceManager) NotifyLockAcquire(ec EC, oid OID) {
	rm.exec.Post(func() {
		rm.completePendingLock(ec, oid)
	})
}

// completePendingLock runs the stored continuation. Must only be
// called on rm.exec.
func (rm *ResourceManager) completePendingLock(ec EC, oid OID) {
	if rm.pending.kind == pendingNone {
		rm.debugAssert(false, "lock grant with no pending continuation", zap.Uint32("oid", uint32(oid)))
		return
	}
	p := rm.pending
	rm.pending = pendingContinuation{}
	rm.lockWaitTimer.end()

	switch p.kind {
	case pendingRead:
		rm.resolveRead(ec, p)
	case pendingUpdate:
		rm.resolveUpdate(ec, p)
	case pendingInsert:
		rm.resolveInsert(ec, p)
	case pendingRemove:
		rm.resolveRemove(ec, p)
	}
}

func (rm *ResourceManager) resolveRead(ec EC, p pendingContinuation) {
	if ec != ECOk {
		rm.logger.Debug("cannot find tuple", zap.Uint32("table", uint32(p.tableID)), zap.Uint64("key", uint64(p.key)))
		p.readDone(ec, nil)
		return
	}
	if tuple, present := rm.cache.Get(p.tableID, p.shardID, p.key); present {
		p.readDone(ECOk, tuple)
		return
	}
	rm.readDataFromDSB(p.tableID, p.shardID, p.key, p.oid, func(ec EC, tuple []byte) {
		p.readDone(ec, tuple)
	})
}

func (rm *ResourceManager) resolveUpdate(ec EC, p pendingContinuation) {
	if ec != ECOk {
		rm.logger.Debug("cannot find tuple", zap.Uint32("table", uint32(p.tableID)), zap.Uint64("key", uint64(p.key)))
		p.opDone(ec)
		return
	}
	if _, present := rm.cache.Get(p.tableID, p.shardID, p.key); present {
		p.opDone(ECOk)
		return
	}
	rm.readDataFromDSB(p.tableID, p.shardID, p.key, p.oid, func(ec EC, _ []byte) {
		p.opDone(ec)
	})
}

func (rm *ResourceManager) resolveInsert(ec EC, p pendingContinuation) {
	if ec != ECOk {
		p.opDone(ec)
		return
	}
	if _, present := rm.cache.Get(p.tableID, p.shardID, p.key); present {
		p.opDone(ECDuplication)
		return
	}
	rm.readDataFromDSB(p.tableID, p.shardID, p.key, p.oid, func(ec EC, _ []byte) {
		switch ec {
		case ECOk:
			p.opDone(ECDuplication)
		case ECNotFound:
			p.opDone(ECOk)
		default:
			p.opDone(ec)
		}
	})
}

func (rm *ResourceManager) resolveRemove(ec EC, p pendingContinuation) {
	if tuple, present := rm.cache.Get(p.tableID, p.shardID, p.key); present {
		p.readDone(ec, tuple)
		return
	}
	p.readDone(ECNotFound, nil)
}

// releaseLocks unlocks every lock this RM holds, exactly once, unless
// it is read-only (invariant P4 in spec.md §3: read-only RMs never
// take locks, so releasing would be a no-op anyway, but skipping it
// entirely matches the "fast path" the original takes).
func (rm *ResourceManager) releaseLocks() {
	if rm.readOnly {
		return
	}
	for _, l := range rm.locks {
		rm.lockMgr.Unlock(l.XID, l.Mode, l.TableID, l.ShardID, l.Predicate)
	}
	rm.locks = make(map[OID]*LockItem)
}
