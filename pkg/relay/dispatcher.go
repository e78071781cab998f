package relay

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Dispatcher routes inbound transport events to the connection registry, room
// manager, and rooms. One Dispatch call handles one frame; scoped failures go
// back to the requesting connection only.
type Dispatcher struct {
	conns  *ConnectionRegistry
	rooms  *RoomManager
	logger zerolog.Logger
}

func NewDispatcher(conns *ConnectionRegistry, rooms *RoomManager) *Dispatcher {
	return &Dispatcher{
		conns:  conns,
		rooms:  rooms,
		logger: log.With().Str("component", "dispatcher").Logger(),
	}
}

// Connect registers an authenticated connection. Callers authenticate before
// this; a failure here means the connection must be closed.
func (d *Dispatcher) Connect(connID, userID string, sink EventSink) error {
	return d.conns.Register(connID, userID, sink)
}

// Disconnect tears down a connection: it leaves every room it was a member of
// and is removed from the registry. Rooms with other members stay alive.
func (d *Dispatcher) Disconnect(connID string) {
	userID := d.conns.Unregister(connID)
	if userID == "" {
		return
	}
	d.rooms.RemoveConnection(connID, userID)
	d.logger.Debug().Str("conn_id", connID).Str("user_id", userID).Msg("connection closed")
}

// Dispatch handles one inbound frame from a registered connection.
func (d *Dispatcher) Dispatch(ctx context.Context, sink EventSink, frame []byte) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		d.sendScoped(sink, EventError, errorPayload(WrapError(err, CodeBadPayload, "malformed frame")))
		return
	}

	userID := d.conns.UserFor(sink.ID())
	if userID == "" {
		d.sendScoped(sink, EventError, ErrorPayload{Code: CodeAuthenticationFailed, Message: "connection is not authenticated"})
		return
	}

	switch env.Event {
	case EventCreateRoom:
		d.handleCreateRoom(ctx, sink, userID, env.Data)
	case EventJoinRoom:
		d.handleJoinRoom(sink, userID, env.Data)
	case EventLeaveRoom:
		d.handleLeaveRoom(sink, userID, env.Data)
	case EventFindRoom:
		d.handleFindRoom(sink, env.Data)
	case EventSendMessage:
		d.handleSendMessage(ctx, sink, userID, env.Data)
	case EventFunctionResult:
		d.handleFunctionResult(ctx, sink, userID, env.Data)
	default:
		d.sendScoped(sink, EventError, ErrorPayload{Code: CodeBadPayload, Message: "unknown event " + env.Event})
	}
}

func (d *Dispatcher) handleCreateRoom(ctx context.Context, sink EventSink, userID string, data json.RawMessage) {
	var req CreateRoomRequest
	if err := json.Unmarshal(data, &req); err != nil {
		d.sendScoped(sink, EventRoomError, errorPayload(WrapError(err, CodeBadPayload, "malformed create_room payload")))
		return
	}
	room, err := d.rooms.CreateRoom(ctx, userID, req)
	if err != nil {
		d.sendScoped(sink, EventRoomError, errorPayload(err))
		return
	}
	// creator joins as the first member
	room.AddMember(sink, userID)
	d.sendScoped(sink, EventRoomCreated, RoomCreatedPayload{RoomID: room.ID(), ChatID: room.ChatID(), ModelID: room.ModelID()})
}

func (d *Dispatcher) handleJoinRoom(sink EventSink, userID string, data json.RawMessage) {
	var req RoomRef
	if err := json.Unmarshal(data, &req); err != nil {
		d.sendScoped(sink, EventRoomJoinError, errorPayload(WrapError(err, CodeBadPayload, "malformed join_room payload")))
		return
	}
	room := d.rooms.GetRoom(req.RoomID)
	if room == nil {
		d.sendScoped(sink, EventRoomJoinError, ErrorPayload{Code: CodeUnknownRoom, Message: "no room " + req.RoomID})
		return
	}
	room.AddMember(sink, userID)
	d.sendScoped(sink, EventRoomJoined, RoomRef{RoomID: room.ID(), ChatID: room.ChatID()})
}

func (d *Dispatcher) handleLeaveRoom(sink EventSink, userID string, data json.RawMessage) {
	var req RoomRef
	if err := json.Unmarshal(data, &req); err != nil {
		d.sendScoped(sink, EventError, errorPayload(WrapError(err, CodeBadPayload, "malformed leave_room payload")))
		return
	}
	room := d.rooms.GetRoom(req.RoomID)
	if room == nil {
		d.sendScoped(sink, EventError, ErrorPayload{Code: CodeUnknownRoom, Message: "no room " + req.RoomID})
		return
	}
	// leaving a room you're not in is a no-op success
	room.RemoveMember(sink.ID(), userID)
	d.sendScoped(sink, EventRoomLeft, RoomRef{RoomID: room.ID()})
}

func (d *Dispatcher) handleFindRoom(sink EventSink, data json.RawMessage) {
	var req struct {
		ChatID string `json:"chat_id"`
	}
	if err := json.Unmarshal(data, &req); err != nil || req.ChatID == "" {
		d.sendScoped(sink, EventError, ErrorPayload{Code: CodeBadPayload, Message: "malformed find_room payload"})
		return
	}
	roomID := d.rooms.FindRoomForChat(req.ChatID)
	if roomID == "" {
		d.sendScoped(sink, EventRoomNotFound, RoomRef{ChatID: req.ChatID})
		return
	}
	d.sendScoped(sink, EventRoomFound, RoomRef{RoomID: roomID, ChatID: req.ChatID})
}

func (d *Dispatcher) handleSendMessage(ctx context.Context, sink EventSink, userID string, data json.RawMessage) {
	var req SendMessageRequest
	if err := json.Unmarshal(data, &req); err != nil {
		d.sendScoped(sink, EventError, errorPayload(WrapError(err, CodeBadPayload, "malformed send_message payload")))
		return
	}
	room, err := d.memberRoom(req.RoomID, sink.ID())
	if err != nil {
		d.sendScoped(sink, EventError, errorPayload(err))
		return
	}
	if _, err := room.HandleInboundMessage(ctx, sink.ID(), userID, req.Message); err != nil {
		d.sendScoped(sink, EventError, errorPayload(err))
	}
}

func (d *Dispatcher) handleFunctionResult(ctx context.Context, sink EventSink, userID string, data json.RawMessage) {
	var req FunctionResultRequest
	if err := json.Unmarshal(data, &req); err != nil {
		d.sendScoped(sink, EventError, errorPayload(WrapError(err, CodeBadPayload, "malformed function_result payload")))
		return
	}
	room, err := d.memberRoom(req.RoomID, sink.ID())
	if err != nil {
		d.sendScoped(sink, EventError, errorPayload(err))
		return
	}
	if err := room.HandleFunctionResult(ctx, userID, req); err != nil {
		d.sendScoped(sink, EventError, errorPayload(err))
	}
}

// memberRoom resolves a room the connection must currently be a member of.
func (d *Dispatcher) memberRoom(roomID, connID string) (*Room, error) {
	room := d.rooms.GetRoom(roomID)
	if room == nil {
		return nil, NewError(CodeUnknownRoom, "no room %s", roomID)
	}
	if !room.HasMember(connID) {
		return nil, NewError(CodeNotAMember, "connection is not a member of room %s", roomID)
	}
	return room, nil
}

func (d *Dispatcher) sendScoped(sink EventSink, event string, payload any) {
	data, err := NewEnvelope(event, payload)
	if err != nil {
		d.logger.Error().Err(err).Str("event", event).Msg("encoding scoped event")
		return
	}
	if err := sink.Send(data); err != nil {
		d.logger.Warn().Err(err).Str("conn_id", sink.ID()).Str("event", event).Msg("scoped send failed")
	}
}
