package relay

import (
	"context"
	"encoding/json"

	"github.com/SecondBrainUS/AssistantWebserver/pkg/persistence/chatstore"
)

// BackendKind selects which adapter variant a room runs.
type BackendKind string

const (
	BackendRealtime BackendKind = "openai_realtime"
	BackendSuite    BackendKind = "aisuite"
)

func ParseBackendKind(s string) (BackendKind, error) {
	switch BackendKind(s) {
	case BackendRealtime:
		return BackendRealtime, nil
	case BackendSuite:
		return BackendSuite, nil
	default:
		return "", NewError(CodeUnsupportedBackend, "no adapter for backend kind %q", s)
	}
}

// ToolDefinition describes a client-side function advertised to the backend.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// RoomEvents is the surface an adapter uses to reach its owning room. It
// keeps adapters decoupled from Room internals and stubbable in tests.
type RoomEvents interface {
	RoomID() string
	ChatID() string
	ModelID() string

	// EmitAssistantMessage persists and broadcasts a completed backend reply.
	EmitAssistantMessage(ctx context.Context, msg *chatstore.Message)
	EmitStreamStart(messageID string)
	EmitStreamChunk(messageID, content string, done bool)
	EmitStreamEnd(messageID string)
	EmitStreamError(messageID string, errMsg string)

	// IssueFunctionCall records a pending call, broadcasts function_call, and
	// returns the channel the terminal outcome arrives on.
	IssueFunctionCall(name string, args json.RawMessage) (callID string, outcome <-chan FunctionOutcome)
	// TimeoutFunctionCall marks an issued call timed out; no-op if already
	// terminal.
	TimeoutFunctionCall(callID string)
	// FailFunctionCall settles an issued call as errored, for turns that end
	// before the client answers. No-op if already terminal.
	FailFunctionCall(callID, reason string)

	// History returns the chat's recent messages, oldest first.
	History(ctx context.Context, limit int) ([]*chatstore.Message, error)
}

// Adapter is the per-backend strategy owned by exactly one room. The room
// serializes HandleMessage calls, so implementations may assume one turn at a
// time. Cleanup must be safe even when Initialize failed or never ran.
type Adapter interface {
	Initialize(ctx context.Context) error
	HandleMessage(ctx context.Context, msg *chatstore.Message) error
	Cleanup() error
}

// AdapterFactory builds the adapter for one backend kind.
type AdapterFactory func(room RoomEvents, modelID string) (Adapter, error)

// AdapterRegistry is the enum-keyed factory table consulted at room creation.
type AdapterRegistry struct {
	factories map[BackendKind]AdapterFactory
}

func NewAdapterRegistry() *AdapterRegistry {
	return &AdapterRegistry{factories: map[BackendKind]AdapterFactory{}}
}

func (r *AdapterRegistry) Register(kind BackendKind, f AdapterFactory) {
	r.factories[kind] = f
}

func (r *AdapterRegistry) Build(kind BackendKind, room RoomEvents, modelID string) (Adapter, error) {
	f, ok := r.factories[kind]
	if !ok {
		return nil, NewError(CodeUnsupportedBackend, "no adapter for backend kind %q", kind)
	}
	return f(room, modelID)
}

func (r *AdapterRegistry) Supports(kind BackendKind) bool {
	_, ok := r.factories[kind]
	return ok
}
