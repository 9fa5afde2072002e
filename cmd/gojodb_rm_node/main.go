// Command gojodb_rm_node runs a Resource Manager transaction-context
// host: one process serving many concurrent ResourceManagers, wired
// to the concrete rmlock/rmcache/rmwal/rmtransport adapters. Its flag
// parsing, zap logging, and signal-driven graceful shutdown follow
// cmd/gojodb_server/main.go's shape.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/sushant-115/gojodb-rm/config/certs"
	"github.com/sushant-115/gojodb-rm/core/replication/events"
	txn "github.com/sushant-115/gojodb-rm/core/transaction"
	"github.com/sushant-115/gojodb-rm/core/transaction/rmcache"
	"github.com/sushant-115/gojodb-rm/core/transaction/rmconfig"
	"github.com/sushant-115/gojodb-rm/core/transaction/rmlock"
	"github.com/sushant-115/gojodb-rm/core/transaction/rmtransport"
	"github.com/sushant-115/gojodb-rm/core/transaction/rmwal"
	"github.com/sushant-115/gojodb-rm/core/write_engine/wal"
	"github.com/sushant-115/gojodb-rm/pkg/telemetry"
)

var configPath = flag.String("config", "/etc/gojodb/rm_node.yaml", "path to the RM node's YAML config")

func main() {
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		panic(fmt.Sprintf("CRITICAL: can't initialize zap logger: %v", err))
	}
	defer logger.Sync()

	cfg, err := rmconfig.Load(*configPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}
	if cfg.Tx.Distributed && !cfg.Tx.ShareNothing {
		logger.Fatal("invalid tx config: distributed replicated (non-share-nothing) coordination is not implemented; set share_nothing when distributed is enabled")
	}

	tel, telShutdown, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		logger.Fatal("failed to initialize telemetry", zap.Error(err))
	}
	metrics := txn.NewMetrics(tel)

	lm, err := wal.NewLogManager(cfg.WAL.LogDir, cfg.WAL.ArchiveDir, cfg.WAL.BufferSize, cfg.WAL.SegmentSizeLimit)
	if err != nil {
		logger.Fatal("failed to initialize WAL", zap.Error(err))
	}

	lockTable := rmlock.New(logger.Named("rmlock"))
	tupleCache := rmcache.New(cfg.Cache.Capacity)
	walWriter := rmwal.New(lm, logger.Named("rmwal"))

	serverTLS, clientTLS := certs.LoadCerts(cfg.Transport.CertDir)

	senderCfgs := make(map[txn.NodeID]events.Config, len(cfg.Transport.Peers))
	for _, p := range cfg.Transport.Peers {
		senderCfgs[txn.NodeID(p.NodeID)] = events.Config{
			Addr:    p.Addr,
			URLPath: p.URLPath,
			TLS:     clientTLS,
		}
	}
	recvCfg := events.ReceiverConfig{
		Addr:    cfg.Transport.ListenAddr,
		URLPath: cfg.Transport.URLPath,
		TLS:     serverTLS,
	}

	transport, err := rmtransport.New(senderCfgs, recvCfg, logger.Named("rmtransport"))
	if err != nil {
		logger.Fatal("failed to initialize transport", zap.Error(err))
	}

	shard2node := make(map[txn.ShardID]txn.NodeID, len(cfg.Shards))
	for shard, node := range cfg.Shards {
		shard2node[txn.ShardID(shard)] = txn.NodeID(node)
	}

	h := newHost(hostConfig{
		nodeID:     txn.NodeID(cfg.NodeID),
		dsbNodeID:  txn.NodeID(cfg.DSBNodeID),
		shard2node: shard2node,
		txConfig: txn.Config{
			Distributed:     cfg.Tx.Distributed,
			ShareNothing:    cfg.Tx.ShareNothing,
			GeoRepOptimized: cfg.Tx.GeoRepOptimized,
			TxTimeoutMillis: cfg.Tx.TxTimeoutMillis,
		},
		lockMgr:  lockTable,
		cache:    tupleCache,
		wal:      walWriter,
		peer:     transport,
		dsb:      transport,
		deadlock: lockTable,
		metrics:  metrics,
		logger:   logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	if err := transport.Start(ctx, h); err != nil {
		logger.Fatal("failed to start transport", zap.Error(err))
	}

	timeoutInterval := time.Duration(cfg.Tx.TxTimeoutMillis/2) * time.Millisecond
	go h.timeoutLoop(ctx, timeoutInterval)

	logger.Info("gojodb_rm_node started", zap.Uint32("node_id", cfg.NodeID))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down", zap.String("signal", sig.String()))

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := transport.Close(shutdownCtx); err != nil {
		logger.Warn("transport close failed", zap.Error(err))
	}
	if err := lm.Close(); err != nil {
		logger.Warn("wal close failed", zap.Error(err))
	}
	if err := telShutdown(shutdownCtx); err != nil {
		logger.Warn("telemetry shutdown failed", zap.Error(err))
	}
}

// hostConfig bundles what every ResourceManager this process spawns
// shares.
type hostConfig struct {
	nodeID     txn.NodeID
	dsbNodeID  txn.NodeID
	shard2node map[txn.ShardID]txn.NodeID
	txConfig   txn.Config
	lockMgr    txn.LockManager
	cache      txn.AccessCache
	wal        txn.WALWriter
	peer       txn.PeerTransport
	dsb        txn.DSBTransport
	deadlock   txn.DeadlockNotifier
	metrics    *txn.Metrics
	logger     *zap.Logger
}

// host is the process-wide registry of live ResourceManagers and the
// rmtransport.Handlers implementation that routes inbound envelopes
// to the right one, creating it on first sight of its xid.
type host struct {
	cfg hostConfig

	mu sync.Mutex
	rm map[txn.XID]*txn.ResourceManager
}

func newHost(cfg hostConfig) *host {
	return &host{cfg: cfg, rm: make(map[txn.XID]*txn.ResourceManager)}
}

func (h *host) getOrCreate(xid txn.XID) *txn.ResourceManager {
	h.mu.Lock()
	defer h.mu.Unlock()
	if rm, ok := h.rm[xid]; ok {
		return rm
	}
	rm := txn.NewResourceManager(
		xid, h.cfg.nodeID, h.cfg.dsbNodeID, h.cfg.shard2node, 0, h.cfg.txConfig,
		txn.Deps{
			LockMgr:  h.cfg.lockMgr,
			Cache:    h.cfg.cache,
			DSB:      h.cfg.dsb,
			Peer:     h.cfg.peer,
			WAL:      h.cfg.wal,
			Deadlock: h.cfg.deadlock,
			Metrics:  h.cfg.metrics,
			Logger:   h.cfg.logger,
		},
		func(xid txn.XID, _ txn.RMState) {
			h.mu.Lock()
			delete(h.rm, xid)
			h.mu.Unlock()
		},
	)
	h.rm[xid] = rm
	return rm
}

func (h *host) lookup(xid txn.XID) (*txn.ResourceManager, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rm, ok := h.rm[xid]
	return rm, ok
}

func (h *host) snapshot() []*txn.ResourceManager {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*txn.ResourceManager, 0, len(h.rm))
	for _, rm := range h.rm {
		out = append(out, rm)
	}
	return out
}

func (h *host) timeoutLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, rm := range h.snapshot() {
				rm.TimeoutCleanUp(now)
			}
		}
	}
}

// --- rmtransport.Handlers ---

func (h *host) OnTxRequest(req txn.TxRequest) {
	h.getOrCreate(req.XID).ProcessTxRequest(req)
}

func (h *host) OnReadDataReq(req txn.ReadDataReq) {
	h.cfg.logger.Warn("gojodb_rm_node received a DSB-side read request; this process only hosts RMs", zap.Uint64("xid", uint64(req.XID)))
}

func (h *host) OnDSBReadResponse(resp txn.DSBReadResponse, ts time.Time) {
	if rm, ok := h.lookup(resp.XID); ok {
		rm.ReadDataFromDSBResponse(resp, ts)
	}
}

func (h *host) OnTxRMPrepare(msg txn.TxRMPrepare) {
	h.cfg.logger.Warn("gojodb_rm_node received TX_RM_PREPARE; this process hosts RMs, not the TM", zap.Uint64("xid", uint64(msg.XID)))
}

func (h *host) OnTxRMAck(msg txn.TxRMAck) {
	h.cfg.logger.Warn("gojodb_rm_node received TX_RM_ACK; this process hosts RMs, not the TM", zap.Uint64("xid", uint64(msg.XID)))
}

func (h *host) OnTxVictim(msg txn.TxVictim) {
	h.cfg.logger.Warn("gojodb_rm_node received TX_VICTIM; this process hosts RMs, not the TM", zap.Uint64("xid", uint64(msg.XID)))
}

func (h *host) OnTxTMCommit(msg txn.TxTMCommit) {
	if rm, ok := h.lookup(msg.XID); ok {
		rm.HandleTxTMCommit(msg)
	}
}

func (h *host) OnTxTMAbort(msg txn.TxTMAbort) {
	if rm, ok := h.lookup(msg.XID); ok {
		rm.HandleTxTMAbort(msg)
	}
}

// OnTxEnableViolate has no xid on the wire message today (spec.md §6
// scopes RM_ENABLE_VIOLATE as TM -> RM without one); the TM is
// expected to address it over the same connection tied to a specific
// RM in a real deployment. Broadcasting to every live RM this process
// hosts is the closest same-process fallback.
func (h *host) OnTxEnableViolate(msg txn.TxEnableViolate) {
	for _, rm := range h.snapshot() {
		rm.HandleTxEnableViolate()
	}
}

func (h *host) OnClientTxResp(msg txn.ClientTxResp) {
	h.cfg.logger.Warn("gojodb_rm_node received CLIENT_TX_RESP; this process only originates these", zap.Uint64("xid", uint64(msg.XID)))
}
