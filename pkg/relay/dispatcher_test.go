package relay

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, *RoomManager) {
	t.Helper()
	m, _ := newTestManager(t, &stubAdapter{}, RoomManagerOptions{})
	return NewDispatcher(NewConnectionRegistry(), m), m
}

func dispatch(t *testing.T, d *Dispatcher, sink *stubSink, event string, payload any) {
	t.Helper()
	frame, err := NewEnvelope(event, payload)
	require.NoError(t, err)
	d.Dispatch(context.Background(), sink, frame)
}

func TestDispatcherRequiresAuthentication(t *testing.T) {
	d, _ := newTestDispatcher(t)
	sink := newStubSink("c1")

	dispatch(t, d, sink, EventCreateRoom, CreateRoomRequest{ChatID: "chat-1", BackendKind: "aisuite", ModelID: "openai:gpt-4o"})

	env, ok := sink.lastEvent(EventError)
	require.True(t, ok)
	var payload ErrorPayload
	require.NoError(t, json.Unmarshal(env.Data, &payload))
	require.Equal(t, CodeAuthenticationFailed, payload.Code)
}

func TestDispatcherCreateJoinSendScenario(t *testing.T) {
	d, m := newTestDispatcher(t)
	c1, c2 := newStubSink("c1"), newStubSink("c2")
	require.NoError(t, d.Connect("c1", "u1", c1))
	require.NoError(t, d.Connect("c2", "u2", c2))

	// C1 creates the room and is auto-joined
	dispatch(t, d, c1, EventCreateRoom, CreateRoomRequest{ChatID: "chat-1", BackendKind: "aisuite", ModelID: "openai:gpt-4o"})
	env, ok := c1.lastEvent(EventRoomCreated)
	require.True(t, ok)
	var created RoomCreatedPayload
	require.NoError(t, json.Unmarshal(env.Data, &created))
	require.Equal(t, "chat-1", created.ChatID)
	require.Equal(t, "openai:gpt-4o", created.ModelID)

	room := m.GetRoom(created.RoomID)
	require.NotNil(t, room)
	require.True(t, room.HasMember("c1"))

	// C2 joins; C1 sees the membership event
	dispatch(t, d, c2, EventJoinRoom, RoomRef{RoomID: created.RoomID})
	env, ok = c2.lastEvent(EventRoomJoined)
	require.True(t, ok)
	var joined RoomRef
	require.NoError(t, json.Unmarshal(env.Data, &joined))
	require.Equal(t, created.RoomID, joined.RoomID)
	waitForEvent(t, c1, EventUserJoined)

	// C1 sends; C1 gets the confirmation, C2 the message
	dispatch(t, d, c1, EventSendMessage, SendMessageRequest{
		RoomID:  created.RoomID,
		Message: InboundMessage{Role: "user", Content: "hi"},
	})
	sentEnv := waitForEvent(t, c1, EventMessageSent)
	var sent MessageSentPayload
	require.NoError(t, json.Unmarshal(sentEnv.Data, &sent))
	require.NotEmpty(t, sent.MessageID)

	msgEnv := waitForEvent(t, c2, EventMessage)
	var received MessagePayload
	require.NoError(t, json.Unmarshal(msgEnv.Data, &received))
	require.Equal(t, sent.MessageID, received.Message.MessageID)
	require.Equal(t, "hi", received.Message.Content)
}

func TestDispatcherCreateRoomUnsupportedBackend(t *testing.T) {
	d, m := newTestDispatcher(t)
	c1 := newStubSink("c1")
	require.NoError(t, d.Connect("c1", "u1", c1))

	dispatch(t, d, c1, EventCreateRoom, CreateRoomRequest{ChatID: "chat-1", BackendKind: "unknown_provider", ModelID: "m1"})

	env, ok := c1.lastEvent(EventRoomError)
	require.True(t, ok)
	var payload ErrorPayload
	require.NoError(t, json.Unmarshal(env.Data, &payload))
	require.Equal(t, CodeUnsupportedBackend, payload.Code)
	require.Equal(t, 0, m.RoomCount())
}

func TestDispatcherJoinUnknownRoom(t *testing.T) {
	d, _ := newTestDispatcher(t)
	c1 := newStubSink("c1")
	require.NoError(t, d.Connect("c1", "u1", c1))

	dispatch(t, d, c1, EventJoinRoom, RoomRef{RoomID: "no-such-room"})

	env, ok := c1.lastEvent(EventRoomJoinError)
	require.True(t, ok)
	var payload ErrorPayload
	require.NoError(t, json.Unmarshal(env.Data, &payload))
	require.Equal(t, CodeUnknownRoom, payload.Code)
}

func TestDispatcherLeaveRoomIdempotent(t *testing.T) {
	d, m := newTestDispatcher(t)
	c1, c2 := newStubSink("c1"), newStubSink("c2")
	require.NoError(t, d.Connect("c1", "u1", c1))
	require.NoError(t, d.Connect("c2", "u2", c2))

	dispatch(t, d, c1, EventCreateRoom, CreateRoomRequest{ChatID: "chat-1", BackendKind: "aisuite", ModelID: "openai:gpt-4o"})
	roomID := m.FindRoomForChat("chat-1")
	require.NotEmpty(t, roomID)

	// leaving a room you never joined is a no-op success
	dispatch(t, d, c2, EventLeaveRoom, RoomRef{RoomID: roomID})
	_, ok := c2.lastEvent(EventRoomLeft)
	require.True(t, ok)
	require.False(t, c2.hasEvent(EventError))
}

func TestDispatcherSendMessageRequiresMembership(t *testing.T) {
	d, m := newTestDispatcher(t)
	c1, c2 := newStubSink("c1"), newStubSink("c2")
	require.NoError(t, d.Connect("c1", "u1", c1))
	require.NoError(t, d.Connect("c2", "u2", c2))

	dispatch(t, d, c1, EventCreateRoom, CreateRoomRequest{ChatID: "chat-1", BackendKind: "aisuite", ModelID: "openai:gpt-4o"})
	roomID := m.FindRoomForChat("chat-1")

	dispatch(t, d, c2, EventSendMessage, SendMessageRequest{RoomID: roomID, Message: InboundMessage{Content: "hi"}})

	env, ok := c2.lastEvent(EventError)
	require.True(t, ok)
	var payload ErrorPayload
	require.NoError(t, json.Unmarshal(env.Data, &payload))
	require.Equal(t, CodeNotAMember, payload.Code)
	// scoped errors never reach other members
	require.False(t, c1.hasEvent(EventError))
}

func TestDispatcherFunctionResultUnknownCallID(t *testing.T) {
	d, m := newTestDispatcher(t)
	c1 := newStubSink("c1")
	require.NoError(t, d.Connect("c1", "u1", c1))

	dispatch(t, d, c1, EventCreateRoom, CreateRoomRequest{ChatID: "chat-1", BackendKind: "aisuite", ModelID: "openai:gpt-4o"})
	room := m.GetRoom(m.FindRoomForChat("chat-1"))
	callID, _ := room.IssueFunctionCall("f", nil)

	dispatch(t, d, c1, EventFunctionResult, FunctionResultRequest{
		RoomID: room.ID(),
		CallID: "bogus",
		Result: json.RawMessage(`{}`),
	})

	env, ok := c1.lastEvent(EventError)
	require.True(t, ok)
	var payload ErrorPayload
	require.NoError(t, json.Unmarshal(env.Data, &payload))
	require.Equal(t, CodeUnknownCallID, payload.Code)

	state, ok := room.pending.stateOf(callID)
	require.True(t, ok)
	require.Equal(t, CallIssued, state)
}

func TestDispatcherFindRoom(t *testing.T) {
	d, _ := newTestDispatcher(t)
	c1 := newStubSink("c1")
	require.NoError(t, d.Connect("c1", "u1", c1))

	dispatch(t, d, c1, EventFindRoom, map[string]string{"chat_id": "chat-1"})
	_, ok := c1.lastEvent(EventRoomNotFound)
	require.True(t, ok)

	dispatch(t, d, c1, EventCreateRoom, CreateRoomRequest{ChatID: "chat-1", BackendKind: "aisuite", ModelID: "openai:gpt-4o"})
	dispatch(t, d, c1, EventFindRoom, map[string]string{"chat_id": "chat-1"})
	env, ok := c1.lastEvent(EventRoomFound)
	require.True(t, ok)
	var found RoomRef
	require.NoError(t, json.Unmarshal(env.Data, &found))
	require.Equal(t, "chat-1", found.ChatID)
	require.NotEmpty(t, found.RoomID)
}

func TestDispatcherDisconnectLeavesRooms(t *testing.T) {
	d, m := newTestDispatcher(t)
	c1, c2 := newStubSink("c1"), newStubSink("c2")
	require.NoError(t, d.Connect("c1", "u1", c1))
	require.NoError(t, d.Connect("c2", "u2", c2))

	dispatch(t, d, c1, EventCreateRoom, CreateRoomRequest{ChatID: "chat-1", BackendKind: "aisuite", ModelID: "openai:gpt-4o"})
	roomID := m.FindRoomForChat("chat-1")
	dispatch(t, d, c2, EventJoinRoom, RoomRef{RoomID: roomID})

	d.Disconnect("c1")
	room := m.GetRoom(roomID)
	require.False(t, room.HasMember("c1"))
	require.True(t, room.HasMember("c2"))
	// rooms with remaining members survive a disconnect
	require.Equal(t, 1, m.RoomCount())
	require.Equal(t, "", d.conns.UserFor("c1"))
}

func TestDispatcherMalformedFrame(t *testing.T) {
	d, _ := newTestDispatcher(t)
	c1 := newStubSink("c1")
	require.NoError(t, d.Connect("c1", "u1", c1))

	d.Dispatch(context.Background(), c1, []byte("{not json"))

	env, ok := c1.lastEvent(EventError)
	require.True(t, ok)
	var payload ErrorPayload
	require.NoError(t, json.Unmarshal(env.Data, &payload))
	require.Equal(t, CodeBadPayload, payload.Code)
}
