package transaction

import (
	"container/list"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sushant-115/gojodb-rm/core/transaction/rmexec"
)

// pendingKind discriminates the tagged continuation stored in
// ResourceManager.pending, per spec.md §9's design note: a tagged
// pending-lock descriptor rather than an opaque closure, so "at most
// one pending lock_acquire" (invariant P2) is a single check that
// pending.kind is pendingNone.
type pendingKind int

const (
	pendingNone pendingKind = iota
	pendingRead
	pendingUpdate
	pendingInsert
	pendingRemove
)

// pendingContinuation is resolved by NotifyLockAcquire once the lock
// manager grants (or fails) the lock it was issued for.
type pendingContinuation struct {
	kind    pendingKind
	oid     OID
	tableID TableID
	shardID ShardID
	key     TupleID
	tuple   []byte      // staged write payload for update/insert
	opDone  func(EC)    // update/insert completion
	readDone func(EC, []byte) // read/remove completion (carries the tuple)
}

// ResourceManager is the RM transaction context: one instance per
// (xid, node), from ProcessTxRequest through release at ENDED.
type ResourceManager struct {
	// Identity
	xid         XID
	nodeID      NodeID
	dsbNodeID    NodeID
	coordNodeID  NodeID
	clientNodeID NodeID
	cno          Cno
	shard2node   map[ShardID]NodeID

	// Flags
	distributed            bool
	shareNothing           bool
	geoRepOptimized        bool
	readOnly               bool
	victim                 bool
	hasResponded           bool
	prepareCommitLogSynced bool
	commitLogSynced        bool
	timeoutInvoked         bool
	warnedSlow             bool
	dlvCommit              bool
	dlvPrepare             bool
	dependencyCommitted    bool

	// State
	state  RMState
	oid    OID
	maxOps int
	ec     EC

	txTimeoutMillis int64

	// Buffers
	ops            *list.List // FIFO of *TxOperation
	locks          map[OID]*LockItem
	dsReadHandlers map[OID]func(EC, []byte)
	stagedEntries  []logEntry
	response       []TxOperation

	pending pendingContinuation

	// Dependency tracking (geo-rep mode only)
	mu         sync.Mutex
	depOut     map[XID]*ResourceManager
	depIn      map[XID]*ResourceManager
	depInCount int

	// Telemetry
	numLock         uint32
	numReadViolate  uint32
	numWriteViolate uint32
	latencyReadDSBUs int64
	logRepDelayUs   int64
	lockWaitTimer   phaseTimer
	readTimer       phaseTimer
	appendTimer     phaseTimer
	partTimer       phaseTimer
	start           time.Time
	metrics         *Metrics

	// Collaborators
	lockMgr   LockManager
	cache     AccessCache
	dsb       DSBTransport
	peer      PeerTransport
	wal       WALWriter
	deadlock  DeadlockNotifier

	exec   *rmexec.Executor
	logger *zap.Logger

	// onEnded is invoked exactly once when the RM reaches ENDED, so a
	// host process can drop its reference (the ref-counted-handle
	// design note in spec.md §9 — here realized as a callback rather
	// than a shared_ptr, since Go's GC already keeps the RM alive as
	// long as anything holds a pointer to it, e.g. an outstanding
	// closure posted to the executor).
	onEnded func(XID, RMState)
}

// Config is the runtime configuration spec.md §9's design note calls
// for in place of compile-time build flags.
type Config struct {
	Distributed     bool
	ShareNothing    bool
	GeoRepOptimized bool
	TxTimeoutMillis int64
}

// Deps bundles the external collaborators a ResourceManager needs.
type Deps struct {
	LockMgr  LockManager
	Cache    AccessCache
	DSB      DSBTransport
	Peer     PeerTransport
	WAL      WALWriter
	Deadlock DeadlockNotifier
	Metrics  *Metrics
	Logger   *zap.Logger
}

// NewResourceManager constructs an RM for xid on nodeID and starts its
// executor. dsbNodeID and shard2node describe how to route
// read-through requests; coordNodeID is filled in from the first
// distributed tx_request (0 until then, per spec.md §3).
func NewResourceManager(
	xid XID, nodeID NodeID, dsbNodeID NodeID, shard2node map[ShardID]NodeID,
	cno Cno, cfg Config, deps Deps, onEnded func(XID, RMState),
) *ResourceManager {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if cfg.Distributed && !cfg.ShareNothing {
		panic("transaction: distributed replicated (non-share-nothing) coordination is not implemented; node config must set ShareNothing when Distributed is set")
	}
	rm := &ResourceManager{
		xid:             xid,
		nodeID:          nodeID,
		dsbNodeID:       dsbNodeID,
		shard2node:      shard2node,
		cno:             cno,
		distributed:     cfg.Distributed,
		shareNothing:    cfg.ShareNothing,
		geoRepOptimized: cfg.GeoRepOptimized,
		txTimeoutMillis: cfg.TxTimeoutMillis,
		state:           StateIdle,
		oid:             1,
		ec:              ECOk,
		ops:             list.New(),
		locks:           make(map[OID]*LockItem),
		dsReadHandlers:  make(map[OID]func(EC, []byte)),
		depOut:          make(map[XID]*ResourceManager),
		depIn:           make(map[XID]*ResourceManager),
		lockMgr:         deps.LockMgr,
		cache:           deps.Cache,
		dsb:             deps.DSB,
		peer:            deps.Peer,
		wal:             deps.WAL,
		deadlock:        deps.Deadlock,
		metrics:         deps.Metrics,
		exec:            rmexec.New(),
		logger:          deps.Logger.Named(fmt.Sprintf("xid-%d", xid)),
		onEnded:         onEnded,
		start:           time.Now(),
	}
	rm.partTimer.begin()
	return rm
}

// defaultTxTimeoutMillis is the RM_TIMEOUT window txTimeout returns
// when Config.TxTimeoutMillis is unset.
const defaultTxTimeoutMillis = 5000

func (rm *ResourceManager) txTimeout() time.Duration {
	if rm.txTimeoutMillis > 0 {
		return time.Duration(rm.txTimeoutMillis) * time.Millisecond
	}
	return time.Duration(defaultTxTimeoutMillis) * time.Millisecond
}

// State returns the RM's current lifecycle state.
func (rm *ResourceManager) State() RMState { return rm.state }

// XID returns the transaction id this RM drives.
func (rm *ResourceManager) XID() XID { return rm.xid }

// ProcessTxRequest is the entry point: sets read_only from the
// request, records coord_node_id for distributed transactions, fixes
// max_ops, enqueues the (one-shot) operation list, and pumps the
// pipeline. Non-one-shot transactions are a reserved extension per
// spec.md §4.1 and are rejected here rather than silently dropped.
func (rm *ResourceManager) ProcessTxRequest(req TxRequest) {
	rm.exec.Post(func() {
		rm.readOnly = req.ReadOnly
		rm.clientNodeID = req.Source
		if req.Distributed {
			rm.coordNodeID = req.Source
		}
		rm.maxOps = len(req.Operations)
		if !req.OneShot {
			rm.logger.Error("non-oneshot tx_request is a reserved extension, not implemented")
			rm.ec = ECTxAbort
			rm.handleNextOperation()
			return
		}
		for i := range req.Operations {
			rm.ops.PushBack(&req.Operations[i])
		}
		rm.handleNextOperation()
	})
}

// handleNextOperation is the pump. Must only be called on rm.exec.
func (rm *ResourceManager) handleNextOperation() {
	if rm.state != StateIdle {
		return
	}

	if rm.ec == ECOk {
		if rm.ops.Len() > 0 {
			front := rm.ops.Remove(rm.ops.Front()).(*TxOperation)
			op := *front
			rm.handleOperation(op, func(ec EC) {
				if rm.readOnly && ec == ECNotFound {
					rm.ec = ECOk
				} else {
					rm.ec = ec
				}
				rm.handleNextOperation()
			})
			return
		}
		rm.debugAssert(int(rm.oid) == rm.maxOps+1, "oid out of sync at end of ops",
			zap.Uint32("oid", uint32(rm.oid)), zap.Int("max_ops", rm.maxOps))
		if rm.distributed {
			if rm.shareNothing {
				rm.handleFinishTxPhase1PrepareCommit()
			}
		} else {
			rm.handleFinishTxPhase1Commit()
		}
		return
	}

	rm.logger.Debug("aborting", zap.String("ec", rm.ec.String()))
	if rm.distributed {
		if rm.shareNothing {
			rm.handleFinishTxPhase1PrepareAbort()
		}
	} else {
		rm.handleFinishTxPhase1Abort()
	}
}

// invokeDone dispatches an operation's completion back onto the RM's
// own executor before the pump advances, per spec.md §4.1 — this is
// what bounds recursion depth and preserves per-RM serialization.
func (rm *ResourceManager) invokeDone(opDone func(EC), ec EC) {
	rm.exec.Post(func() {
		opDone(ec)
	})
}
