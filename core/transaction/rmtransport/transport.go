// Package rmtransport adapts the teacher's HTTP/3-over-QUIC batching
// sender/receiver (core/replication/events) into the transaction
// package's DSBTransport and PeerTransport collaborators. RM traffic
// has no protobuf-generated schema anywhere in the retrieved corpus,
// so envelopes carry JSON, matching messages.go's own JSON tags
// (spec.md §6).
package rmtransport

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	txn "github.com/sushant-115/gojodb-rm/core/transaction"
	"github.com/sushant-115/gojodb-rm/core/replication/events"
)

// Kind discriminates the payload carried by an Envelope.
type Kind string

const (
	KindTxRequest       Kind = "tx_request"
	KindReadDataReq     Kind = "read_data_req"
	KindDSBReadResponse Kind = "dsb_read_response"
	KindTxRMPrepare     Kind = "tx_rm_prepare"
	KindTxRMAck         Kind = "tx_rm_ack"
	KindTxVictim        Kind = "tx_victim"
	KindTxTMCommit      Kind = "tx_tm_commit"
	KindTxTMAbort       Kind = "tx_tm_abort"
	KindTxEnableViolate Kind = "tx_enable_violate"
	KindClientTxResp    Kind = "client_tx_resp"
)

// Envelope is the one wire wrapper every message is sent inside, so a
// single QUIC stream can multiplex every RM message type.
type Envelope struct {
	Kind    Kind            `json:"kind"`
	SentAt  int64           `json:"sent_at_unix_nano"`
	Payload json.RawMessage `json:"payload"`
}

// Handlers is implemented by whatever routes inbound envelopes to the
// right ResourceManager (cmd/gojodb_rm_node's registry, in practice).
type Handlers interface {
	OnTxRequest(TxRequest txn.TxRequest)
	OnReadDataReq(req txn.ReadDataReq)
	OnDSBReadResponse(resp txn.DSBReadResponse, ts time.Time)
	OnTxRMPrepare(msg txn.TxRMPrepare)
	OnTxRMAck(msg txn.TxRMAck)
	OnTxVictim(msg txn.TxVictim)
	OnTxTMCommit(msg txn.TxTMCommit)
	OnTxTMAbort(msg txn.TxTMAbort)
	OnTxEnableViolate(msg txn.TxEnableViolate)
	OnClientTxResp(msg txn.ClientTxResp)
}

// Transport is a DSBTransport and PeerTransport backed by one
// events.EventSender per destination node and a single shared
// events.EventReceiver for everything addressed to this node.
type Transport struct {
	senders  map[txn.NodeID]*events.EventSender
	receiver *events.EventReceiver
	logger   *zap.Logger
}

// New builds a Transport. senderCfgs maps every peer this node talks
// to onto the QUIC/HTTP3 config for reaching it; recvCfg configures
// this node's own inbound listener.
func New(senderCfgs map[txn.NodeID]events.Config, recvCfg events.ReceiverConfig, logger *zap.Logger) (*Transport, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	senders := make(map[txn.NodeID]*events.EventSender, len(senderCfgs))
	for node, cfg := range senderCfgs {
		s, err := events.NewEventSender(cfg)
		if err != nil {
			return nil, fmt.Errorf("rmtransport: sender to node %d: %w", node, err)
		}
		senders[node] = s
	}
	recv, err := events.NewEventReceiver(recvCfg, nil, events.ReceiverHooks{
		OnError: func(stage string, err error) {
			logger.Error("rmtransport receiver error", zap.String("stage", stage), zap.Error(err))
		},
	})
	if err != nil {
		return nil, fmt.Errorf("rmtransport: receiver: %w", err)
	}
	return &Transport{senders: senders, receiver: recv, logger: logger}, nil
}

// Start begins accepting inbound connections and dispatching decoded
// envelopes to h until ctx is cancelled.
func (t *Transport) Start(ctx context.Context, h Handlers) error {
	if err := t.receiver.Start(); err != nil {
		return fmt.Errorf("rmtransport: start receiver: %w", err)
	}
	go t.dispatchLoop(ctx, h)
	return nil
}

// Close tears down every sender and the receiver.
func (t *Transport) Close(ctx context.Context) error {
	for node, s := range t.senders {
		if err := s.Close(); err != nil {
			t.logger.Warn("closing sender failed", zap.Uint32("node", uint32(node)), zap.Error(err))
		}
	}
	return t.receiver.Close(ctx)
}

func (t *Transport) dispatchLoop(ctx context.Context, h Handlers) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-t.receiver.Events():
			if !ok {
				return
			}
			t.dispatch(raw, h)
		}
	}
}

func (t *Transport) dispatch(raw []byte, h Handlers) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.logger.Error("decode envelope failed", zap.Error(err))
		return
	}
	sentAt := time.Unix(0, env.SentAt)

	switch env.Kind {
	case KindTxRequest:
		var msg txn.TxRequest
		if t.unmarshal(env, &msg) {
			h.OnTxRequest(msg)
		}
	case KindReadDataReq:
		var msg txn.ReadDataReq
		if t.unmarshal(env, &msg) {
			h.OnReadDataReq(msg)
		}
	case KindDSBReadResponse:
		var msg txn.DSBReadResponse
		if t.unmarshal(env, &msg) {
			h.OnDSBReadResponse(msg, sentAt)
		}
	case KindTxRMPrepare:
		var msg txn.TxRMPrepare
		if t.unmarshal(env, &msg) {
			h.OnTxRMPrepare(msg)
		}
	case KindTxRMAck:
		var msg txn.TxRMAck
		if t.unmarshal(env, &msg) {
			h.OnTxRMAck(msg)
		}
	case KindTxVictim:
		var msg txn.TxVictim
		if t.unmarshal(env, &msg) {
			h.OnTxVictim(msg)
		}
	case KindTxTMCommit:
		var msg txn.TxTMCommit
		if t.unmarshal(env, &msg) {
			h.OnTxTMCommit(msg)
		}
	case KindTxTMAbort:
		var msg txn.TxTMAbort
		if t.unmarshal(env, &msg) {
			h.OnTxTMAbort(msg)
		}
	case KindTxEnableViolate:
		var msg txn.TxEnableViolate
		if t.unmarshal(env, &msg) {
			h.OnTxEnableViolate(msg)
		}
	case KindClientTxResp:
		var msg txn.ClientTxResp
		if t.unmarshal(env, &msg) {
			h.OnClientTxResp(msg)
		}
	default:
		t.logger.Warn("unknown envelope kind", zap.String("kind", string(env.Kind)))
	}
}

func (t *Transport) unmarshal(env Envelope, dst any) bool {
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		t.logger.Error("decode payload failed", zap.String("kind", string(env.Kind)), zap.Error(err))
		return false
	}
	return true
}

func (t *Transport) send(dest txn.NodeID, kind Kind, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", kind, err)
	}
	env := Envelope{Kind: kind, SentAt: time.Now().UnixNano(), Payload: body}
	framed, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	s, ok := t.senders[dest]
	if !ok {
		return fmt.Errorf("rmtransport: no sender configured for node %d", dest)
	}
	return s.Send(framed)
}

// --- transaction.DSBTransport ---

func (t *Transport) SendReadDataReq(req txn.ReadDataReq) error {
	return t.send(req.Dest, KindReadDataReq, req)
}

// --- transaction.PeerTransport ---

func (t *Transport) SendPrepare(dest txn.NodeID, msg txn.TxRMPrepare) error {
	return t.send(dest, KindTxRMPrepare, msg)
}

func (t *Transport) SendAck(dest txn.NodeID, msg txn.TxRMAck) error {
	return t.send(dest, KindTxRMAck, msg)
}

func (t *Transport) SendVictim(dest txn.NodeID, msg txn.TxVictim) error {
	return t.send(dest, KindTxVictim, msg)
}

func (t *Transport) SendEnableViolate(dest txn.NodeID, msg txn.TxEnableViolate) error {
	return t.send(dest, KindTxEnableViolate, msg)
}

func (t *Transport) SendClientResponse(msg txn.ClientTxResp) error {
	return t.send(msg.Dest, KindClientTxResp, msg)
}
