// Package rmwal adapts the teacher's page-oriented write-ahead log
// (core/write_engine/wal.LogManager) to the transaction package's
// WALWriter interface. The underlying LogManager.Append is
// synchronous — it serializes and flushes inline — so this adapter
// supplies the asynchrony the RM expects by doing the append on its
// own goroutine and reporting completion through
// LogCommitReceiver.OnLogEntryCommit, exactly the "async commit
// callback dispatch" spec.md §4.5 describes.
package rmwal

import (
	"encoding/json"
	"time"

	"go.uber.org/zap"

	txn "github.com/sushant-115/gojodb-rm/core/transaction"
	"github.com/sushant-115/gojodb-rm/core/write_engine/wal"
)

// Writer implements transaction.WALWriter over a *wal.LogManager.
type Writer struct {
	lm     *wal.LogManager
	logger *zap.Logger
}

// New wraps lm. A nil logger installs zap.NewNop().
func New(lm *wal.LogManager, logger *zap.Logger) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{lm: lm, logger: logger}
}

func recordType(cmd txn.TxCmdType) wal.LogRecordType {
	switch cmd {
	case txn.CmdRMPrepareCommit, txn.CmdRMPrepareAbort:
		return wal.LogRecordTypePrepare
	case txn.CmdRMCommit:
		return wal.LogRecordTypeCommitTxn
	case txn.CmdRMAbort:
		return wal.LogRecordTypeAbortTxn
	default:
		return wal.LogRecordTypeUpdate
	}
}

// AsyncForceLog implements transaction.WALWriter. Every staged entry
// becomes one wal.LogRecord, chained by PrevLSN; the entry's row
// operations are the record's redo payload, JSON-encoded since the RM
// logs logical row operations rather than physical page images.
func (w *Writer) AsyncForceLog(xid txn.XID, entries []txn.StagedLogEntry, holder txn.LogCommitReceiver) {
	go func() {
		var prevLSN wal.LSN
		var lastCmd txn.TxCmdType

		for _, e := range entries {
			payload, err := json.Marshal(e.Ops)
			if err != nil {
				w.logger.Error("marshal staged ops failed", zap.Uint64("xid", uint64(xid)), zap.Error(err))
				continue
			}
			rec := &wal.LogRecord{
				PrevLSN: prevLSN,
				TxnID:   uint64(xid),
				Type:    recordType(e.CmdType),
				NewData: payload,
			}
			lsn, err := w.lm.Append(rec)
			if err != nil {
				w.logger.Error("wal append failed", zap.Uint64("xid", uint64(xid)), zap.Error(err))
				return
			}
			prevLSN = lsn
			if e.CmdType != txn.CmdNone {
				lastCmd = e.CmdType
			}
		}

		if lastCmd == txn.CmdNone {
			return
		}
		holder.OnLogEntryCommit(lastCmd, time.Now())
	}()
}
