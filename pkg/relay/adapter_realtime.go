package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/SecondBrainUS/AssistantWebserver/pkg/persistence/chatstore"
)

// RealtimeAdapterConfig is shared by every realtime room.
type RealtimeAdapterConfig struct {
	APIKey      string
	EndpointURL string
	Tools       []ToolDefinition
	// HistoryReplay is how many stored messages are replayed into a fresh
	// backend session so reconnects keep their context.
	HistoryReplay int
	CallTimeout   time.Duration
	// Dial overrides the websocket dialer in tests.
	Dial func(ctx context.Context, url string, header http.Header) (realtimeConn, error)
}

func (c RealtimeAdapterConfig) withDefaults() RealtimeAdapterConfig {
	if c.EndpointURL == "" {
		c.EndpointURL = "wss://api.openai.com/v1/realtime"
	}
	if c.HistoryReplay <= 0 {
		c.HistoryReplay = 10
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 2 * time.Minute
	}
	if c.Dial == nil {
		c.Dial = dialRealtime
	}
	return c
}

// realtimeConn is the duplex session surface; *websocket.Conn satisfies it.
type realtimeConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

func dialRealtime(ctx context.Context, url string, header http.Header) (realtimeConn, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, err
}

// realtime wire shapes, client->server and server->client.

type realtimeClientEvent struct {
	Type     string            `json:"type"`
	Session  *realtimeSession  `json:"session,omitempty"`
	Item     *realtimeItem     `json:"item,omitempty"`
	Response *realtimeResponse `json:"response,omitempty"`
}

type realtimeSession struct {
	Modalities []string       `json:"modalities,omitempty"`
	Tools      []realtimeTool `json:"tools,omitempty"`
}

type realtimeTool struct {
	Type        string          `json:"type"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type realtimeItem struct {
	Type    string            `json:"type"`
	Role    string            `json:"role,omitempty"`
	Content []realtimeContent `json:"content,omitempty"`
	CallID  string            `json:"call_id,omitempty"`
	Output  string            `json:"output,omitempty"`
}

type realtimeContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type realtimeResponse struct {
	Modalities []string `json:"modalities,omitempty"`
}

type realtimeServerEvent struct {
	Type     string `json:"type"`
	Delta    string `json:"delta,omitempty"`
	Response struct {
		Output []struct {
			Type      string `json:"type"`
			Name      string `json:"name,omitempty"`
			CallID    string `json:"call_id,omitempty"`
			Arguments string `json:"arguments,omitempty"`
			Content   []struct {
				Type string `json:"type"`
				Text string `json:"text,omitempty"`
			} `json:"content,omitempty"`
		} `json:"output"`
	} `json:"response"`
	Error struct {
		Type    string `json:"type,omitempty"`
		Message string `json:"message,omitempty"`
	} `json:"error"`
}

// RealtimeAdapter keeps one persistent duplex session per room and relays
// incremental output as stream events. Turns are strictly serialized: a
// message turn holds the adapter until response.done, including any function
// call round trips the backend requests mid-turn.
type RealtimeAdapter struct {
	room   RoomEvents
	cfg    RealtimeAdapterConfig
	model  string
	logger zerolog.Logger

	mu     sync.Mutex
	conn   realtimeConn
	events chan realtimeServerEvent
	closed bool
}

// NewRealtimeAdapterFactory returns the factory registered for
// BackendRealtime.
func NewRealtimeAdapterFactory(cfg RealtimeAdapterConfig) AdapterFactory {
	cfg = cfg.withDefaults()
	return func(room RoomEvents, modelID string) (Adapter, error) {
		model := modelID
		if _, rest, ok := strings.Cut(modelID, ":"); ok && rest != "" {
			model = rest
		}
		return &RealtimeAdapter{
			room:   room,
			cfg:    cfg,
			model:  model,
			logger: log.With().Str("component", "realtime-adapter").Str("room_id", room.RoomID()).Str("model_id", modelID).Logger(),
		}, nil
	}
}

// Initialize dials the backend, configures the session, and replays recent
// history. On any failure the partially opened session is closed before
// returning.
func (a *RealtimeAdapter) Initialize(ctx context.Context) error {
	if a.cfg.APIKey == "" {
		return NewError(CodeInitializationFailed, "realtime backend has no api key")
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+a.cfg.APIKey)
	header.Set("OpenAI-Beta", "realtime=v1")
	conn, err := a.cfg.Dial(ctx, a.cfg.EndpointURL+"?model="+a.model, header)
	if err != nil {
		return WrapError(err, CodeInitializationFailed, "dialing realtime backend")
	}

	a.mu.Lock()
	a.conn = conn
	a.events = make(chan realtimeServerEvent, 64)
	a.mu.Unlock()
	go a.runReader(conn)

	if err := a.send(realtimeClientEvent{
		Type: "session.update",
		Session: &realtimeSession{
			Modalities: []string{"text"},
			Tools:      a.realtimeTools(),
		},
	}); err != nil {
		_ = a.Cleanup()
		return WrapError(err, CodeInitializationFailed, "configuring realtime session")
	}

	if err := a.replayHistory(ctx); err != nil {
		_ = a.Cleanup()
		return WrapError(err, CodeInitializationFailed, "replaying chat history")
	}
	return nil
}

// replayHistory seeds the fresh session with the chat's recent transcript.
func (a *RealtimeAdapter) replayHistory(ctx context.Context) error {
	history, err := a.room.History(ctx, a.cfg.HistoryReplay)
	if err != nil {
		return err
	}
	for _, m := range history {
		if m.Type != chatstore.MessageTypeMessage || m.Content == "" {
			continue
		}
		contentType := "input_text"
		if m.Role == chatstore.RoleAssistant {
			contentType = "text"
		}
		if err := a.send(realtimeClientEvent{
			Type: "conversation.item.create",
			Item: &realtimeItem{
				Type:    "message",
				Role:    string(m.Role),
				Content: []realtimeContent{{Type: contentType, Text: m.Content}},
			},
		}); err != nil {
			return err
		}
	}
	return nil
}

func (a *RealtimeAdapter) realtimeTools() []realtimeTool {
	if len(a.cfg.Tools) == 0 {
		return nil
	}
	tools := make([]realtimeTool, 0, len(a.cfg.Tools))
	for _, t := range a.cfg.Tools {
		tools = append(tools, realtimeTool{
			Type:        "function",
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}
	return tools
}

func (a *RealtimeAdapter) runReader(conn realtimeConn) {
	a.mu.Lock()
	events := a.events
	a.mu.Unlock()
	defer close(events)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			a.mu.Lock()
			closed := a.closed
			a.mu.Unlock()
			if !closed {
				a.logger.Warn().Err(err).Msg("realtime session read failed")
			}
			return
		}
		var ev realtimeServerEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			a.logger.Warn().Err(err).Msg("unparseable realtime event")
			continue
		}
		events <- ev
	}
}

func (a *RealtimeAdapter) send(ev realtimeClientEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		return errors.New("realtime session is not open")
	}
	return a.conn.WriteMessage(websocket.TextMessage, data)
}

// HandleMessage pushes the user message into the session, requests a
// response, and relays the stream until the turn completes.
func (a *RealtimeAdapter) HandleMessage(ctx context.Context, msg *chatstore.Message) error {
	if err := a.send(realtimeClientEvent{
		Type: "conversation.item.create",
		Item: &realtimeItem{
			Type:    "message",
			Role:    string(msg.Role),
			Content: []realtimeContent{{Type: "input_text", Text: msg.Content}},
		},
	}); err != nil {
		return errors.Wrap(err, "pushing message into realtime session")
	}
	if err := a.send(realtimeClientEvent{Type: "response.create", Response: &realtimeResponse{Modalities: []string{"text"}}}); err != nil {
		return errors.Wrap(err, "requesting realtime response")
	}
	return a.relayTurn(ctx)
}

// relayTurn consumes server events for one turn. Function calls suspend the
// turn until the client answers or the call times out, then the backend is
// asked to continue; the turn ends on a response.done whose output carries no
// further calls.
func (a *RealtimeAdapter) relayTurn(ctx context.Context) error {
	a.mu.Lock()
	events := a.events
	a.mu.Unlock()

	streamID := uuid.NewString()
	started := false
	var text strings.Builder

	for {
		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "realtime turn cancelled")
		case ev, ok := <-events:
			if !ok {
				if started {
					a.room.EmitStreamError(streamID, "realtime session closed mid-stream")
				}
				return NewError(CodeBackendProcessing, "realtime session closed")
			}
			switch ev.Type {
			case "response.text.delta", "response.output_text.delta":
				if !started {
					started = true
					a.room.EmitStreamStart(streamID)
				}
				text.WriteString(ev.Delta)
				a.room.EmitStreamChunk(streamID, ev.Delta, false)
			case "response.done":
				calls := a.functionCallsIn(ev)
				if len(calls) > 0 {
					if err := a.roundTripCalls(ctx, calls); err != nil {
						if started {
							a.room.EmitStreamError(streamID, err.Error())
						}
						return err
					}
					// backend continues the same turn after outputs land
					continue
				}
				final := a.finalText(ev, text.String())
				if started {
					a.room.EmitStreamChunk(streamID, "", true)
					a.room.EmitStreamEnd(streamID)
				}
				if final != "" {
					a.room.EmitAssistantMessage(ctx, &chatstore.Message{
						MessageID: streamID,
						UserID:    "assistant",
						Role:      chatstore.RoleAssistant,
						Type:      chatstore.MessageTypeMessage,
						Content:   final,
						CreatedAt: time.Now().UTC(),
					})
				}
				return nil
			case "error", "response.error":
				msg := ev.Error.Message
				if msg == "" {
					msg = "realtime backend error"
				}
				if started {
					a.room.EmitStreamError(streamID, msg)
				}
				return NewError(CodeBackendProcessing, "%s", msg)
			}
		}
	}
}

type realtimeFunctionCall struct {
	name      string
	backendID string
	arguments string
}

func (a *RealtimeAdapter) functionCallsIn(ev realtimeServerEvent) []realtimeFunctionCall {
	var calls []realtimeFunctionCall
	for _, item := range ev.Response.Output {
		if item.Type == "function_call" {
			calls = append(calls, realtimeFunctionCall{name: item.Name, backendID: item.CallID, arguments: item.Arguments})
		}
	}
	return calls
}

func (a *RealtimeAdapter) finalText(ev realtimeServerEvent, streamed string) string {
	for _, item := range ev.Response.Output {
		if item.Type != "message" {
			continue
		}
		for _, c := range item.Content {
			if c.Type == "text" || c.Type == "output_text" {
				return c.Text
			}
		}
	}
	return streamed
}

// roundTripCalls relays each requested function call through a connected
// client and feeds the outputs back, then asks the backend to continue.
func (a *RealtimeAdapter) roundTripCalls(ctx context.Context, calls []realtimeFunctionCall) error {
	for _, call := range calls {
		output := a.roundTripOne(ctx, call)
		if err := a.send(realtimeClientEvent{
			Type: "conversation.item.create",
			Item: &realtimeItem{
				Type:   "function_call_output",
				CallID: call.backendID,
				Output: output,
			},
		}); err != nil {
			return errors.Wrap(err, "returning function output to realtime session")
		}
	}
	if err := a.send(realtimeClientEvent{Type: "response.create", Response: &realtimeResponse{Modalities: []string{"text"}}}); err != nil {
		return errors.Wrap(err, "resuming realtime response")
	}
	return nil
}

func (a *RealtimeAdapter) roundTripOne(ctx context.Context, call realtimeFunctionCall) string {
	callID, outcome := a.room.IssueFunctionCall(call.name, json.RawMessage(call.arguments))
	select {
	case out := <-outcome:
		if out.State == CallResolved {
			return string(out.Result)
		}
		return `{"error":` + jsonString(out.Error) + `}`
	case <-time.After(a.cfg.CallTimeout):
		a.room.TimeoutFunctionCall(callID)
		return `{"error":"function call timed out"}`
	case <-ctx.Done():
		a.room.FailFunctionCall(callID, "turn cancelled")
		return `{"error":"turn cancelled"}`
	}
}

// Cleanup closes the backend session. Safe when Initialize failed or never
// ran.
func (a *RealtimeAdapter) Cleanup() error {
	a.mu.Lock()
	conn := a.conn
	a.conn = nil
	a.closed = true
	a.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}
