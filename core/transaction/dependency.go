package transaction

import "go.uber.org/zap"

// RegisterDependency records "this transaction read a value that out
// wrote and has not yet committed" (geo-rep-optimize mode only), per
// spec.md §4.8. Both per-RM mutexes are taken in ascending-xid order
// to avoid cross-RM deadlock (spec.md §5's "dependency-graph locking"
// rule), mutated, then released in that same order.
//
// This fixes the bug spec.md §9 Open Question #1 flags in the
// original: register_dependency there "unlocks" by calling Lock()
// again instead of Unlock(), which is a plain bug, not a redesign —
// the corrected pairwise acquire/mutate/release is what's implemented
// here.
func (rm *ResourceManager) RegisterDependency(out *ResourceManager) {
	if rm.xid == out.xid {
		rm.logger.Error("cannot register a dependency on the same transaction")
		return
	}
	first, second := rm, out
	if out.xid < rm.xid {
		first, second = out, rm
	}
	first.mu.Lock()
	second.mu.Lock()

	if out.state != StateAborting && out.state != StateCommitting &&
		rm.state != StateCommitting && rm.state != StateAborting {
		if _, exists := rm.depOut[out.xid]; !exists {
			out.depInCount++
			rm.depOut[out.xid] = out
			out.depIn[rm.xid] = rm
		}
	}

	first.mu.Unlock()
	second.mu.Unlock()
}

// ReportDependency is invoked once this RM has locally committed its
// log; it posts a decrement to every RM it depends on.
func (rm *ResourceManager) ReportDependency() {
	rm.mu.Lock()
	outs := make([]*ResourceManager, 0, len(rm.depOut))
	for _, out := range rm.depOut {
		outs = append(outs, out)
	}
	xid := rm.xid
	rm.mu.Unlock()

	for _, out := range outs {
		out := out
		out.exec.Post(func() {
			out.mu.Lock()
			if _, exists := out.depIn[xid]; exists && out.depInCount > 0 {
				out.depInCount--
				if out.depInCount == 0 {
					out.exec.Post(out.dependencyCommit)
				}
			}
			out.mu.Unlock()
		})
	}
}

// dependencyCommit marks that every transaction this RM depends on has
// itself committed, then attempts the delivery this RM has been
// waiting on. Must only be called on rm.exec.
func (rm *ResourceManager) dependencyCommit() {
	rm.mu.Lock()
	rm.dependencyCommitted = true
	rm.mu.Unlock()

	if rm.distributed {
		rm.dlvTryTxPrepareCommit()
	} else {
		rm.dlvTryTxCommit()
	}
}

// dlvTryTxCommit delivers a local commit exactly once, once both the
// dependency graph and the log agree it is safe.
func (rm *ResourceManager) dlvTryTxCommit() {
	if rm.depInCount == 0 && rm.commitLogSynced && !rm.dlvCommit {
		rm.dlvCommit = true
		rm.txCommitted()
	}
}

// dlvTryTxPrepareCommit is the distributed analogue.
func (rm *ResourceManager) dlvTryTxPrepareCommit() {
	if rm.depInCount == 0 && rm.prepareCommitLogSynced && !rm.dlvPrepare {
		rm.dlvPrepare = true
		rm.txPrepareCommitted()
	}
}

// DlvAbort propagates a cascade abort to every transaction this RM
// depends on, and marks this RM cascaded if anything still depends on
// it (spec.md §4.8, property P7).
func (rm *ResourceManager) DlvAbort() {
	if !rm.geoRepOptimized {
		return
	}
	for _, out := range rm.depOut {
		out.DlvAbort()
	}
	if rm.depInCount > 0 {
		rm.ec = ECCascade
	}
}

// DlvMakeViolable tells the lock manager every lock this RM holds may
// be released early while the RM stays live, accumulating the
// violation counters spec.md §3 names.
func (rm *ResourceManager) DlvMakeViolable() {
	for _, l := range rm.locks {
		read, write := rm.lockMgr.MakeViolable(l.XID, l.Mode, l.TableID, l.Predicate)
		rm.numReadViolate += read
		rm.numWriteViolate += write
		rm.metrics.incViolations(read, write)
	}
}

// HandleTxEnableViolate is RM_ENABLE_VIOLATE delivered from the TM.
func (rm *ResourceManager) HandleTxEnableViolate() {
	rm.exec.Post(rm.DlvMakeViolable)
}

// SendTxEnableViolate reports to the TM that this RM's locks are
// eligible for early release.
func (rm *ResourceManager) SendTxEnableViolate() {
	msg := TxEnableViolate{Source: rm.nodeID, Dest: rm.coordNodeID, Violable: true}
	if err := rm.peer.SendEnableViolate(rm.coordNodeID, msg); err != nil {
		rm.logger.Error("report RM enable violate failed", zap.Bool("violable", msg.Violable), zap.Error(err))
	}
}
