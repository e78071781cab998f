package relay

import (
	"encoding/json"
	"sync"
	"time"
)

// CallState tracks a pending client-side function call through its lifecycle.
type CallState string

const (
	CallIssued   CallState = "issued"
	CallResolved CallState = "resolved"
	CallErrored  CallState = "errored"
	CallTimedOut CallState = "timed_out"
)

func (s CallState) Terminal() bool {
	return s == CallResolved || s == CallErrored || s == CallTimedOut
}

// FunctionOutcome is delivered to the waiting adapter turn when a pending
// call reaches a terminal state.
type FunctionOutcome struct {
	CallID string
	State  CallState
	Result json.RawMessage
	Error  string
}

type pendingCall struct {
	callID   string
	name     string
	args     json.RawMessage
	state    CallState
	issuedAt time.Time
	done     chan FunctionOutcome
}

// pendingCallTable is owned by one Room; callers never touch it directly.
type pendingCallTable struct {
	mu    sync.Mutex
	calls map[string]*pendingCall
}

func newPendingCallTable() *pendingCallTable {
	return &pendingCallTable{calls: map[string]*pendingCall{}}
}

func (t *pendingCallTable) issue(callID, name string, args json.RawMessage) <-chan FunctionOutcome {
	pc := &pendingCall{
		callID:   callID,
		name:     name,
		args:     args,
		state:    CallIssued,
		issuedAt: time.Now(),
		done:     make(chan FunctionOutcome, 1),
	}
	t.mu.Lock()
	t.calls[callID] = pc
	t.mu.Unlock()
	return pc.done
}

// settle transitions a call to a terminal state. It fails with UnknownCallId
// when the id is absent or the call is already terminal, leaving all state
// untouched.
func (t *pendingCallTable) settle(callID string, state CallState, result json.RawMessage, errMsg string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	pc, ok := t.calls[callID]
	if !ok {
		return NewError(CodeUnknownCallID, "no pending call %s", callID)
	}
	if pc.state.Terminal() {
		return NewError(CodeUnknownCallID, "call %s already %s", callID, pc.state)
	}
	pc.state = state
	pc.done <- FunctionOutcome{CallID: callID, State: state, Result: result, Error: errMsg}
	return nil
}

func (t *pendingCallTable) stateOf(callID string) (CallState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pc, ok := t.calls[callID]
	if !ok {
		return "", false
	}
	return pc.state, true
}

// drop forgets a terminal call once its turn has consumed the outcome.
func (t *pendingCallTable) drop(callID string) {
	t.mu.Lock()
	delete(t.calls, callID)
	t.mu.Unlock()
}
