package transaction

// Wire messages the RM sends and receives. These mirror spec.md §6
// exactly in field shape; they are plain JSON-tagged structs rather
// than protobuf because no .proto schema for RM traffic exists
// anywhere in the retrieved reference corpus — see DESIGN.md. The
// concrete rmtransport adapter frames these as length-prefixed JSON
// over QUIC streams.

// TxRequest is the operation request the RM's client (or the TM, for
// a distributed transaction) hands to ProcessTxRequest.
type TxRequest struct {
	XID         XID           `json:"xid"`
	Source      NodeID        `json:"source"`
	Distributed bool          `json:"distributed"`
	OneShot     bool          `json:"oneshot"`
	ReadOnly    bool          `json:"read_only"`
	Operations  []TxOperation `json:"operations"`
}

// ReadDataReq is C2D_READ_DATA_REQ: RM -> DSB node.
type ReadDataReq struct {
	Source  NodeID  `json:"source"`
	Dest    NodeID  `json:"dest"`
	XID     XID     `json:"xid"`
	OID     OID     `json:"oid"`
	Cno     Cno     `json:"cno"`
	TableID TableID `json:"table_id"`
	ShardID ShardID `json:"shard_id"`
	TupleID TupleID `json:"tuple_id"`
}

// DSBReadResponse is dsb_read_response: DSB -> RM.
type DSBReadResponse struct {
	XID             XID      `json:"xid"`
	OID             OID      `json:"oid"`
	EC              EC       `json:"ec"`
	TupleRow        TupleRow `json:"tuple_row"`
	HasTupleRow     bool     `json:"has_tuple_row"`
	LatencyReadDSBUs int64   `json:"latency_read_dsb_us"`
}

// ClientLatencies carries the phase timers reported on CLIENT_TX_RESP
// and TX_RM_PREPARE, in microseconds.
type ClientLatencies struct {
	Append    int64 `json:"append"`
	Read      int64 `json:"read"`
	ReadDSB   int64 `json:"read_dsb"`
	LockWait  int64 `json:"lock_wait"`
	Replicate int64 `json:"replicate"`
	Part      int64 `json:"part"`
}

// ClientCounters carries the lock/violation counters spec.md §6 names.
type ClientCounters struct {
	NumLock         uint32 `json:"num_lock"`
	NumReadViolate  uint32 `json:"num_read_violate"`
	NumWriteViolate uint32 `json:"num_write_violate"`
}

// ClientTxResp is CLIENT_TX_RESP: RM -> client.
type ClientTxResp struct {
	XID        XID             `json:"xid"`
	Dest       NodeID          `json:"dest"`
	EC         EC              `json:"ec"`
	Latencies  ClientLatencies `json:"latencies"`
	AccessPart int             `json:"access_part"`
	Counters   ClientCounters  `json:"counters"`
	Operations []TxOperation   `json:"operations,omitempty"`
}

// TxRMPrepare is TX_RM_PREPARE: RM -> TM.
type TxRMPrepare struct {
	XID        XID             `json:"xid"`
	SourceNode NodeID          `json:"source_node"`
	SourceRG   uint32          `json:"source_rg"`
	DestNode   NodeID          `json:"dest_node"`
	DestRG     uint32          `json:"dest_rg"`
	Commit     bool            `json:"commit"`
	Latencies  ClientLatencies `json:"latencies"`
	Counters   ClientCounters  `json:"counters"`
}

// TxRMAck is TX_RM_ACK: RM -> TM.
type TxRMAck struct {
	XID        XID    `json:"xid"`
	SourceNode NodeID `json:"source_node"`
	SourceRG   uint32 `json:"source_rg"`
	DestNode   NodeID `json:"dest_node"`
	DestRG     uint32 `json:"dest_rg"`
	Commit     bool   `json:"commit"`
}

// TxVictim is TX_VICTIM: RM -> TM.
type TxVictim struct {
	XID    XID    `json:"xid"`
	Source NodeID `json:"source"`
	Dest   NodeID `json:"dest"`
}

// TxTMCommit is tx_tm_commit: TM -> RM.
type TxTMCommit struct {
	XID XID `json:"xid"`
}

// TxTMAbort is tx_tm_abort: TM -> RM.
type TxTMAbort struct {
	XID XID `json:"xid"`
}

// TxEnableViolate is RM_ENABLE_VIOLATE: RM -> TM.
type TxEnableViolate struct {
	Source   NodeID `json:"source"`
	Dest     NodeID `json:"dest"`
	Violable bool   `json:"violable"`
}
