package rmtransport

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	txn "github.com/sushant-115/gojodb-rm/core/transaction"
)

// recordingHandlers implements Handlers, recording exactly which
// callback fired and with what payload, so dispatch's per-Kind switch
// can be exercised without a real QUIC receiver.
type recordingHandlers struct {
	txRequest   *txn.TxRequest
	readDataReq *txn.ReadDataReq
	dsbResponse *txn.DSBReadResponse
	prepare     *txn.TxRMPrepare
	ack         *txn.TxRMAck
	victim      *txn.TxVictim
	tmCommit    *txn.TxTMCommit
	tmAbort     *txn.TxTMAbort
	enableViol  *txn.TxEnableViolate
	clientResp  *txn.ClientTxResp
}

func (r *recordingHandlers) OnTxRequest(msg txn.TxRequest)     { r.txRequest = &msg }
func (r *recordingHandlers) OnReadDataReq(msg txn.ReadDataReq) { r.readDataReq = &msg }
func (r *recordingHandlers) OnDSBReadResponse(msg txn.DSBReadResponse, ts time.Time) {
	r.dsbResponse = &msg
}
func (r *recordingHandlers) OnTxRMPrepare(msg txn.TxRMPrepare)         { r.prepare = &msg }
func (r *recordingHandlers) OnTxRMAck(msg txn.TxRMAck)                 { r.ack = &msg }
func (r *recordingHandlers) OnTxVictim(msg txn.TxVictim)               { r.victim = &msg }
func (r *recordingHandlers) OnTxTMCommit(msg txn.TxTMCommit)           { r.tmCommit = &msg }
func (r *recordingHandlers) OnTxTMAbort(msg txn.TxTMAbort)             { r.tmAbort = &msg }
func (r *recordingHandlers) OnTxEnableViolate(msg txn.TxEnableViolate) { r.enableViol = &msg }
func (r *recordingHandlers) OnClientTxResp(msg txn.ClientTxResp)       { r.clientResp = &msg }

func marshalEnvelope(t *testing.T, kind Kind, payload any) []byte {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	env := Envelope{Kind: kind, SentAt: time.Now().UnixNano(), Payload: body}
	framed, err := json.Marshal(env)
	require.NoError(t, err)
	return framed
}

func TestSendWithNoConfiguredSenderErrors(t *testing.T) {
	tr := &Transport{senders: nil, logger: zap.NewNop()}
	err := tr.SendVictim(99, txn.TxVictim{XID: 1})
	require.Error(t, err)
	require.Contains(t, err.Error(), "no sender configured")
}

func TestDispatchRoutesEachKindToItsHandler(t *testing.T) {
	tr := &Transport{logger: zap.NewNop()}

	h := &recordingHandlers{}
	tr.dispatch(marshalEnvelope(t, KindTxRequest, txn.TxRequest{XID: 1, OneShot: true}), h)
	require.NotNil(t, h.txRequest)
	require.Equal(t, txn.XID(1), h.txRequest.XID)

	h = &recordingHandlers{}
	tr.dispatch(marshalEnvelope(t, KindReadDataReq, txn.ReadDataReq{XID: 2, OID: 1}), h)
	require.NotNil(t, h.readDataReq)
	require.Equal(t, txn.XID(2), h.readDataReq.XID)

	h = &recordingHandlers{}
	tr.dispatch(marshalEnvelope(t, KindDSBReadResponse, txn.DSBReadResponse{XID: 3, EC: txn.ECNotFound}), h)
	require.NotNil(t, h.dsbResponse)
	require.Equal(t, txn.XID(3), h.dsbResponse.XID)

	h = &recordingHandlers{}
	tr.dispatch(marshalEnvelope(t, KindTxTMCommit, txn.TxTMCommit{XID: 4}), h)
	require.NotNil(t, h.tmCommit)
	require.Equal(t, txn.XID(4), h.tmCommit.XID)

	h = &recordingHandlers{}
	tr.dispatch(marshalEnvelope(t, KindTxTMAbort, txn.TxTMAbort{XID: 9}), h)
	require.NotNil(t, h.tmAbort)
	require.Equal(t, txn.XID(9), h.tmAbort.XID)

	h = &recordingHandlers{}
	tr.dispatch(marshalEnvelope(t, KindTxEnableViolate, txn.TxEnableViolate{Source: 3, Violable: true}), h)
	require.NotNil(t, h.enableViol)
	require.True(t, h.enableViol.Violable)

	h = &recordingHandlers{}
	tr.dispatch(marshalEnvelope(t, KindTxRMPrepare, txn.TxRMPrepare{XID: 5, Commit: true}), h)
	require.NotNil(t, h.prepare)
	require.Equal(t, txn.XID(5), h.prepare.XID)
	require.True(t, h.prepare.Commit)

	h = &recordingHandlers{}
	tr.dispatch(marshalEnvelope(t, KindTxRMAck, txn.TxRMAck{XID: 6, Commit: false}), h)
	require.NotNil(t, h.ack)
	require.Equal(t, txn.XID(6), h.ack.XID)

	h = &recordingHandlers{}
	tr.dispatch(marshalEnvelope(t, KindTxVictim, txn.TxVictim{XID: 7}), h)
	require.NotNil(t, h.victim)
	require.Equal(t, txn.XID(7), h.victim.XID)

	h = &recordingHandlers{}
	tr.dispatch(marshalEnvelope(t, KindClientTxResp, txn.ClientTxResp{XID: 8, EC: txn.ECOk}), h)
	require.NotNil(t, h.clientResp)
	require.Equal(t, txn.XID(8), h.clientResp.XID)
}

func TestDispatchUnknownKindDoesNotPanic(t *testing.T) {
	tr := &Transport{logger: zap.NewNop()}
	h := &recordingHandlers{}
	tr.dispatch([]byte(`{"kind":"bogus","payload":{}}`), h)
	require.Nil(t, h.txRequest)
}

func TestDispatchMalformedEnvelopeDoesNotPanic(t *testing.T) {
	tr := &Transport{logger: zap.NewNop()}
	h := &recordingHandlers{}
	tr.dispatch([]byte(`not json`), h)
	require.Nil(t, h.txRequest)
}
