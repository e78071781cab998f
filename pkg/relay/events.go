package relay

import (
	"encoding/json"

	"github.com/SecondBrainUS/AssistantWebserver/pkg/persistence/chatstore"
)

// Inbound event names accepted over the transport.
const (
	EventCreateRoom     = "create_room"
	EventJoinRoom       = "join_room"
	EventLeaveRoom      = "leave_room"
	EventFindRoom       = "find_room"
	EventSendMessage    = "send_message"
	EventFunctionResult = "function_result"
)

// Outbound event names emitted to clients.
const (
	EventRoomCreated   = "room_created"
	EventRoomError     = "room_error"
	EventRoomJoined    = "room_joined"
	EventRoomJoinError = "room_join_error"
	EventRoomLeft      = "room_left"
	EventRoomFound     = "room_found"
	EventRoomNotFound  = "room_not_found"
	EventUserJoined    = "user_joined"
	EventUserLeft      = "user_left"
	EventMessage       = "message"
	EventMessageSent   = "message_sent"
	EventError         = "error"
	EventFunctionCall  = "function_call"
	EventStreamStart   = "stream_start"
	EventStreamChunk   = "stream_chunk"
	EventStreamEnd     = "stream_end"
	EventStreamError   = "stream_error"
)

// Envelope is the wire shape of every transport frame, inbound and outbound.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func NewEnvelope(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}

// mustEnvelope is for payload types the package controls; marshal failures on
// those are programmer errors.
func mustEnvelope(event string, data any) []byte {
	b, err := NewEnvelope(event, data)
	if err != nil {
		panic(err)
	}
	return b
}

type CreateRoomRequest struct {
	// RoomID is optional; the server generates one when absent.
	RoomID      string `json:"room_id,omitempty"`
	ChatID      string `json:"chat_id"`
	BackendKind string `json:"backend_kind"`
	ModelID     string `json:"model_id"`
}

type RoomRef struct {
	RoomID string `json:"room_id"`
	ChatID string `json:"chat_id,omitempty"`
}

type SendMessageRequest struct {
	RoomID  string            `json:"room_id"`
	Message InboundMessage    `json:"message"`
	Meta    map[string]string `json:"meta,omitempty"`
}

type InboundMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	FileIDs []string `json:"file_ids,omitempty"`
}

type FunctionResultRequest struct {
	RoomID string          `json:"room_id"`
	CallID string          `json:"call_id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

type RoomCreatedPayload struct {
	RoomID  string `json:"room_id"`
	ChatID  string `json:"chat_id"`
	ModelID string `json:"model_id"`
}

type ErrorPayload struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

func errorPayload(err error) ErrorPayload {
	return ErrorPayload{Code: CodeOf(err), Message: err.Error()}
}

type MembershipPayload struct {
	RoomID string `json:"room_id"`
	UserID string `json:"user_id"`
}

type MessagePayload struct {
	Message *chatstore.Message `json:"message"`
}

type MessageSentPayload struct {
	MessageID string `json:"message_id"`
}

type FunctionCallPayload struct {
	CallID       string          `json:"call_id"`
	FunctionName string          `json:"function_name"`
	Arguments    json.RawMessage `json:"arguments"`
}

type StreamStartPayload struct {
	MessageID string `json:"message_id"`
}

type StreamChunkPayload struct {
	MessageID string `json:"message_id"`
	Content   string `json:"content"`
	Done      bool   `json:"done"`
}

type StreamEndPayload struct {
	MessageID string `json:"message_id"`
}

type StreamErrorPayload struct {
	MessageID string `json:"message_id"`
	Error     string `json:"error"`
}
