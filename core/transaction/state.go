package transaction

import "go.uber.org/zap"

// txEvent names the transitions of spec.md §4.4's table so they can be
// checked mechanically (property P5) instead of scattered across ad
// hoc if-chains.
type txEvent int

const (
	evLocalCommit txEvent = iota
	evLocalAbort
	evDistCommit
	evDistAbort
	evTMCommit
	evTMAbort
	evLogCommitted
)

// transition is one row of spec.md §4.4's table.
type transition struct {
	from RMState
	ev   txEvent
	to   RMState
}

var transitionTable = []transition{
	{StateIdle, evLocalCommit, StateCommitting},
	{StatePrepareCommitting, evLocalCommit, StateCommitting},
	{StateIdle, evLocalAbort, StateAborting},
	{StateIdle, evDistCommit, StatePrepareCommitting},
	{StateIdle, evDistAbort, StatePrepareAborting},
	{StatePrepareCommitting, evTMCommit, StateCommitting},
	{StateIdle, evTMAbort, StateAborting},
	{StatePrepareAborting, evTMAbort, StateAborting},
	{StatePrepareCommitting, evTMAbort, StateAborting},
	{StateCommitting, evLogCommitted, StateEnded},
	{StateAborting, evLogCommitted, StateEnded},
}

// allowedTransition reports whether (from, ev) is in the table and, if
// so, the resulting state. Redundant transitions (from == to already,
// e.g. a repeated tx_tm_commit while COMMITTING) are handled by call
// sites as idempotent re-sends, not looked up here — see twopc.go.
func allowedTransition(from RMState, ev txEvent) (RMState, bool) {
	for _, t := range transitionTable {
		if t.from == from && t.ev == ev {
			return t.to, true
		}
	}
	return from, false
}

// transition drives rm.state via the table above, asserting when the
// call site reaches it from a state the table doesn't recognize for
// ev — the mechanical check property P5 relies on.
func (rm *ResourceManager) transition(ev txEvent) {
	to, ok := allowedTransition(rm.state, ev)
	if !ok {
		rm.debugAssert(false, "no table transition for state/event",
			zap.String("state", rm.state.String()), zap.Int("event", int(ev)))
		return
	}
	rm.state = to
}
