package relay

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPendingCallResolve(t *testing.T) {
	tbl := newPendingCallTable()
	outcome := tbl.issue("call-1", "get_weather", json.RawMessage(`{"city":"Berlin"}`))

	require.NoError(t, tbl.settle("call-1", CallResolved, json.RawMessage(`{"temp":12}`), ""))

	out := <-outcome
	require.Equal(t, CallResolved, out.State)
	require.JSONEq(t, `{"temp":12}`, string(out.Result))

	state, ok := tbl.stateOf("call-1")
	require.True(t, ok)
	require.Equal(t, CallResolved, state)
}

func TestPendingCallUnknownID(t *testing.T) {
	tbl := newPendingCallTable()
	err := tbl.settle("nope", CallResolved, nil, "")
	require.Error(t, err)
	require.Equal(t, CodeUnknownCallID, CodeOf(err))
}

func TestPendingCallAlreadyTerminal(t *testing.T) {
	tbl := newPendingCallTable()
	tbl.issue("call-1", "f", nil)
	require.NoError(t, tbl.settle("call-1", CallErrored, nil, "boom"))

	err := tbl.settle("call-1", CallResolved, json.RawMessage(`{}`), "")
	require.Error(t, err)
	require.Equal(t, CodeUnknownCallID, CodeOf(err))

	// terminal state is untouched by the losing settle
	state, ok := tbl.stateOf("call-1")
	require.True(t, ok)
	require.Equal(t, CallErrored, state)
}

func TestPendingCallTimeoutRace(t *testing.T) {
	tbl := newPendingCallTable()
	outcome := tbl.issue("call-1", "f", nil)

	require.NoError(t, tbl.settle("call-1", CallTimedOut, nil, "function call timed out"))
	// the late client result loses the race
	err := tbl.settle("call-1", CallResolved, json.RawMessage(`{}`), "")
	require.Equal(t, CodeUnknownCallID, CodeOf(err))

	out := <-outcome
	require.Equal(t, CallTimedOut, out.State)
}

func TestPendingCallDrop(t *testing.T) {
	tbl := newPendingCallTable()
	tbl.issue("call-1", "f", nil)
	tbl.drop("call-1")
	_, ok := tbl.stateOf("call-1")
	require.False(t, ok)
}
