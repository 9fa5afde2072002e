package transaction

import "go.uber.org/zap"

// handleFinishTxPhase1Commit is the local (non-distributed) commit
// path. IDLE and a redundant PREPARE_COMMITTING (never actually
// reached for a non-distributed RM, kept for symmetry with the C++
// original) both advance to COMMITTING; an already-COMMITTING RM just
// re-sends the response (idempotent re-entry, R1-style).
func (rm *ResourceManager) handleFinishTxPhase1Commit() {
	switch rm.state {
	case StateIdle, StatePrepareCommitting:
		rm.transition(evLocalCommit)
		rm.setTxCmdType(CmdRMCommit)
		rm.logger.Debug("transaction commit")
		if rm.readOnly {
			rm.onCommittedLogCommit()
		} else {
			rm.asyncForceLog()
		}
	case StateCommitting:
		rm.sendTxResponse()
	default:
		rm.debugAssert(false, "impossible state entering phase1 commit", zap.String("state", rm.state.String()))
	}
}

// handleFinishTxPhase1Abort is the local abort path.
func (rm *ResourceManager) handleFinishTxPhase1Abort() {
	rm.abortTx1p()
}

// abortTx1p drives IDLE -> ABORTING for a local RM; a redundant call
// while already ABORTING just re-sends the response (R3).
func (rm *ResourceManager) abortTx1p() {
	switch rm.state {
	case StateIdle:
		rm.transition(evLocalAbort)
		rm.setTxCmdType(CmdRMAbort)
		rm.logger.Debug("phase1 aborted")
		rm.asyncForceLog()
	case StateAborting:
		rm.sendTxResponse()
	default:
		rm.debugAssert(false, "impossible state entering abort_tx_1p", zap.String("state", rm.state.String()))
	}
}

// Abort is the external cancellation entry point (deadlock victim
// selection, or any other caller-driven abort), per spec.md §4.6's
// "Victim" scenario. Local RMs abort phase 1 directly; distributed
// RMs forward a TX_VICTIM to the TM and do not transition locally —
// the TM drives phase 2.
func (rm *ResourceManager) Abort(ec EC) {
	rm.exec.Post(func() {
		if ec == ECVictim && !rm.victim && !rm.distributed {
			rm.victim = true
		}
		if !rm.distributed {
			if rm.state == StateIdle {
				rm.ec = ec
				rm.abortTx1p()
			}
			return
		}
		msg := TxVictim{XID: rm.xid, Source: rm.nodeID, Dest: rm.coordNodeID}
		if err := rm.peer.SendVictim(rm.coordNodeID, msg); err != nil {
			rm.logger.Error("async send tx_victim failed", zap.Error(err))
		}
	})
}

// --- distributed share-nothing 2PC ---

func (rm *ResourceManager) onPrepareCommittedLogCommit() {
	rm.prepareCommitLogSynced = true
	if rm.geoRepOptimized {
		rm.ReportDependency()
	}
	rm.dlvTryTxPrepareCommit()
}

func (rm *ResourceManager) onPrepareAbortedLogCommit() {
	rm.txPrepareAborted()
}

func (rm *ResourceManager) txPrepareCommitted() {
	rm.logger.Debug("prepare commit")
	rm.sendPrepareMessage(true)
}

func (rm *ResourceManager) txPrepareAborted() {
	rm.logger.Debug("prepare abort")
	rm.sendPrepareMessage(false)
}

// handleFinishTxPhase1PrepareCommit: all ops succeeded on a
// distributed, share-nothing RM. Stamp RM_PREPARE_COMMIT and force
// the log; the TM hears about it once the log is durable.
func (rm *ResourceManager) handleFinishTxPhase1PrepareCommit() {
	rm.prepareCommitTx()
	rm.asyncForceLog()
}

// handleFinishTxPhase1PrepareAbort: some op failed.
func (rm *ResourceManager) handleFinishTxPhase1PrepareAbort() {
	rm.prepareAbortTx()
	rm.asyncForceLog()
}

func (rm *ResourceManager) prepareCommitTx() {
	if rm.state == StateIdle {
		rm.transition(evDistCommit)
		rm.setTxCmdType(CmdRMPrepareCommit)
		rm.logger.Debug("transaction prepare commit")
	}
}

func (rm *ResourceManager) prepareAbortTx() {
	if rm.state == StateIdle {
		rm.transition(evDistAbort)
	}
	rm.setTxCmdType(CmdRMPrepareAbort)
	rm.logger.Debug("transaction prepare abort")
}

func (rm *ResourceManager) sendPrepareMessage(commit bool) {
	rm.partTimer.end()
	msg := TxRMPrepare{
		XID:        rm.xid,
		SourceNode: rm.nodeID,
		SourceRG:   toReplicationGroup(rm.nodeID),
		DestNode:   rm.coordNodeID,
		DestRG:     toReplicationGroup(rm.coordNodeID),
		Commit:     commit,
	}
	if commit {
		msg.Latencies = ClientLatencies{
			Append:    rm.appendTimer.micros(),
			Read:      rm.readTimer.micros(),
			LockWait:  rm.lockWaitTimer.micros(),
			Replicate: rm.logRepDelayUs,
			Part:      rm.partTimer.micros(),
		}
		msg.Counters = ClientCounters{
			NumLock:         rm.numLock,
			NumReadViolate:  rm.numReadViolate,
			NumWriteViolate: rm.numWriteViolate,
		}
	}
	if err := rm.peer.SendPrepare(rm.coordNodeID, msg); err != nil {
		rm.logger.Error("async send TX_RM_PREPARE failed", zap.Error(err))
	}
}

func (rm *ResourceManager) sendAckMessage(commit bool) {
	msg := TxRMAck{
		XID:        rm.xid,
		SourceNode: rm.nodeID,
		SourceRG:   toReplicationGroup(rm.nodeID),
		DestNode:   rm.coordNodeID,
		DestRG:     toReplicationGroup(rm.coordNodeID),
		Commit:     commit,
	}
	if err := rm.peer.SendAck(rm.coordNodeID, msg); err != nil {
		rm.logger.Error("async send TX_RM_ACK failed", zap.Error(err))
	}
}

// HandleTxTMCommit is tx_tm_commit: TM -> RM, phase 2 commit
// decision.
func (rm *ResourceManager) HandleTxTMCommit(msg TxTMCommit) {
	rm.exec.Post(func() {
		if msg.XID != rm.xid {
			rm.debugAssert(false, "tx_tm_commit for foreign xid", zap.Uint64("got", uint64(msg.XID)), zap.Uint64("want", uint64(rm.xid)))
			return
		}
		rm.handleFinishTxPhase2Commit()
	})
}

// HandleTxTMAbort is tx_tm_abort: TM -> RM, phase 2 abort decision.
func (rm *ResourceManager) HandleTxTMAbort(msg TxTMAbort) {
	rm.exec.Post(func() {
		if msg.XID != rm.xid {
			rm.debugAssert(false, "tx_tm_abort for foreign xid", zap.Uint64("got", uint64(msg.XID)), zap.Uint64("want", uint64(rm.xid)))
			return
		}
		rm.handleFinishTxPhase2Abort()
	})
}

// handleFinishTxPhase2Commit: PREPARE_COMMITTING -> COMMITTING once; a
// repeated tx_tm_commit while already COMMITTING or (during its
// post-ENDED linger, see logging.go's txEnded) ENDED just re-ACKs
// (R1/R2).
func (rm *ResourceManager) handleFinishTxPhase2Commit() {
	switch rm.state {
	case StatePrepareCommitting:
		rm.transition(evTMCommit)
		rm.setTxCmdType(CmdRMCommit)
		rm.logger.Debug("transaction commit, phase 2")
		rm.asyncForceLog()
	case StateCommitting, StateEnded:
		rm.sendAckMessage(true)
	default:
		rm.debugAssert(false, "impossible state entering phase2 commit", zap.String("state", rm.state.String()))
	}
}

func (rm *ResourceManager) handleFinishTxPhase2Abort() {
	rm.abortTx2p()
}

// abortTx2p: any of {IDLE, PREPARE_ABORTING, PREPARE_COMMITTING} ->
// ABORTING; a repeated tx_tm_abort while ABORTING or ENDED just
// re-ACKs false (R2).
func (rm *ResourceManager) abortTx2p() {
	switch rm.state {
	case StateIdle, StatePrepareAborting, StatePrepareCommitting:
		rm.transition(evTMAbort)
		rm.setTxCmdType(CmdRMAbort)
		rm.logger.Debug("phase2 aborted")
		rm.asyncForceLog()
	case StateAborting, StateEnded:
		rm.sendAckMessage(false)
	default:
		rm.debugAssert(false, "impossible state entering abort_tx_2p", zap.String("state", rm.state.String()))
	}
}
