package relay

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/require"

	"github.com/SecondBrainUS/AssistantWebserver/pkg/persistence/chatstore"
)

// stubCompleter serves scripted completion responses in order.
type stubCompleter struct {
	mu        sync.Mutex
	responses []openai.ChatCompletionResponse
	requests  []openai.ChatCompletionRequest
}

func (s *stubCompleter) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if len(s.responses) == 0 {
		return openai.ChatCompletionResponse{}, nil
	}
	resp := s.responses[0]
	s.responses = s.responses[1:]
	return resp, nil
}

func textResponse(content string) openai.ChatCompletionResponse {
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{
			Message: openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: content},
		}},
		Usage: openai.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}
}

func toolCallResponse(callID, name, args string) openai.ChatCompletionResponse {
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{
			Message: openai.ChatCompletionMessage{
				Role: openai.ChatMessageRoleAssistant,
				ToolCalls: []openai.ToolCall{{
					ID:       callID,
					Type:     openai.ToolTypeFunction,
					Function: openai.FunctionCall{Name: name, Arguments: args},
				}},
			},
		}},
	}
}

func newSuiteUnderTest(t *testing.T, completer chatCompleter, cfg SuiteAdapterConfig) (*SuiteAdapter, *Room, chatstore.Store) {
	t.Helper()
	m, store := newTestManager(t, &stubAdapter{}, RoomManagerOptions{})
	room := createTestRoom(t, m, "chat-1")
	adapter := &SuiteAdapter{
		room:     room,
		cfg:      cfg.withDefaults(),
		provider: "openai",
		model:    "gpt-4o",
		client:   completer,
	}
	return adapter, room, store
}

func TestSuiteAdapterInitializeRequiresProvider(t *testing.T) {
	factory := NewSuiteAdapterFactory(SuiteAdapterConfig{
		Providers: map[string]ProviderCredentials{"openai": {APIKey: "sk-test"}},
	})
	m, _ := newTestManager(t, &stubAdapter{}, RoomManagerOptions{})
	room := createTestRoom(t, m, "chat-1")

	adapter, err := factory(room, "anthropic:claude")
	require.NoError(t, err)
	err = adapter.Initialize(context.Background())
	require.Error(t, err)
	require.Equal(t, CodeUnsupportedBackend, CodeOf(err))

	_, err = factory(room, "not-a-model-id")
	require.Error(t, err)
	require.Equal(t, CodeBadPayload, CodeOf(err))
}

func TestSuiteAdapterFinalMessage(t *testing.T) {
	completer := &stubCompleter{responses: []openai.ChatCompletionResponse{textResponse("hello there")}}
	adapter, room, store := newSuiteUnderTest(t, completer, SuiteAdapterConfig{})
	member := newStubSink("c1")
	room.AddMember(member, "u1")

	user := &chatstore.Message{
		MessageID: "m1", ChatID: "chat-1", UserID: "u1",
		Role: chatstore.RoleUser, Type: chatstore.MessageTypeMessage, Content: "hi",
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.SaveMessage(context.Background(), user))

	require.NoError(t, adapter.HandleMessage(context.Background(), user))

	env := waitForEvent(t, member, EventMessage)
	var payload MessagePayload
	require.NoError(t, json.Unmarshal(env.Data, &payload))
	require.Equal(t, "hello there", payload.Message.Content)
	require.Equal(t, chatstore.RoleAssistant, payload.Message.Role)
	require.NotNil(t, payload.Message.Usage)
	require.Equal(t, 15, payload.Message.Usage.TotalTokens)
	require.False(t, payload.Message.Usage.Estimated)

	// history was fed to the model
	require.Len(t, completer.requests, 1)
	require.Equal(t, "gpt-4o", completer.requests[0].Model)
	require.Len(t, completer.requests[0].Messages, 1)
	require.Equal(t, "hi", completer.requests[0].Messages[0].Content)
}

func TestSuiteAdapterEstimatesUsageWhenMissing(t *testing.T) {
	resp := textResponse("some reply content")
	resp.Usage = openai.Usage{}
	completer := &stubCompleter{responses: []openai.ChatCompletionResponse{resp}}
	adapter, room, _ := newSuiteUnderTest(t, completer, SuiteAdapterConfig{})
	member := newStubSink("c1")
	room.AddMember(member, "u1")

	require.NoError(t, adapter.HandleMessage(context.Background(), &chatstore.Message{Content: "hi"}))

	env := waitForEvent(t, member, EventMessage)
	var payload MessagePayload
	require.NoError(t, json.Unmarshal(env.Data, &payload))
	require.NotNil(t, payload.Message.Usage)
	require.True(t, payload.Message.Usage.Estimated)
	require.Greater(t, payload.Message.Usage.CompletionTokens, 0)
}

func TestSuiteAdapterToolCallRoundTrip(t *testing.T) {
	completer := &stubCompleter{responses: []openai.ChatCompletionResponse{
		toolCallResponse("backend-call-1", "get_weather", `{"city":"Berlin"}`),
		textResponse("it is 12 degrees"),
	}}
	adapter, room, _ := newSuiteUnderTest(t, completer, SuiteAdapterConfig{
		Tools: []ToolDefinition{{Name: "get_weather", Parameters: json.RawMessage(`{"type":"object"}`)}},
	})
	member := newStubSink("c1")
	room.AddMember(member, "u1")

	// answer the function_call event as a client would
	go func() {
		for i := 0; i < 200; i++ {
			env, ok := member.lastEvent(EventFunctionCall)
			if !ok {
				time.Sleep(10 * time.Millisecond)
				continue
			}
			var call FunctionCallPayload
			if err := json.Unmarshal(env.Data, &call); err != nil {
				return
			}
			_ = room.HandleFunctionResult(context.Background(), "u1", FunctionResultRequest{
				RoomID: room.ID(),
				CallID: call.CallID,
				Result: json.RawMessage(`{"temp":12}`),
			})
			return
		}
	}()

	require.NoError(t, adapter.HandleMessage(context.Background(), &chatstore.Message{Content: "weather?"}))

	env := waitForEvent(t, member, EventMessage)
	var payload MessagePayload
	require.NoError(t, json.Unmarshal(env.Data, &payload))
	require.Equal(t, "it is 12 degrees", payload.Message.Content)

	// the tool output was chained into the follow-up request
	require.Len(t, completer.requests, 2)
	second := completer.requests[1].Messages
	last := second[len(second)-1]
	require.Equal(t, openai.ChatMessageRoleTool, last.Role)
	require.Equal(t, "backend-call-1", last.ToolCallID)
	require.JSONEq(t, `{"temp":12}`, last.Content)
}

func TestSuiteAdapterToolCallTimeout(t *testing.T) {
	completer := &stubCompleter{responses: []openai.ChatCompletionResponse{
		toolCallResponse("backend-call-1", "get_weather", `{}`),
		textResponse("could not fetch the weather"),
	}}
	adapter, room, _ := newSuiteUnderTest(t, completer, SuiteAdapterConfig{
		CallTimeout: 20 * time.Millisecond,
	})
	member := newStubSink("c1")
	room.AddMember(member, "u1")

	require.NoError(t, adapter.HandleMessage(context.Background(), &chatstore.Message{Content: "weather?"}))

	// the model got an error payload instead of hanging forever
	require.Len(t, completer.requests, 2)
	second := completer.requests[1].Messages
	last := second[len(second)-1]
	require.Contains(t, last.Content, "timed out")
	waitForEvent(t, member, EventError)
}

func TestSuiteAdapterCancelledTurnMarksCallErrored(t *testing.T) {
	completer := &stubCompleter{responses: []openai.ChatCompletionResponse{
		toolCallResponse("backend-call-1", "get_weather", `{}`),
		textResponse("never mind"),
	}}
	adapter, room, _ := newSuiteUnderTest(t, completer, SuiteAdapterConfig{
		CallTimeout: time.Minute,
	})
	member := newStubSink("c1")
	room.AddMember(member, "u1")

	// cancel the turn once the call is out, instead of answering it
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		for i := 0; i < 200; i++ {
			if member.hasEvent(EventFunctionCall) {
				cancel()
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}()

	require.NoError(t, adapter.HandleMessage(ctx, &chatstore.Message{Content: "weather?"}))

	env := waitForEvent(t, member, EventFunctionCall)
	var call FunctionCallPayload
	require.NoError(t, json.Unmarshal(env.Data, &call))
	state, ok := room.pending.stateOf(call.CallID)
	require.True(t, ok)
	require.Equal(t, CallErrored, state)

	// the model got a cancellation payload, not a timeout
	require.Len(t, completer.requests, 2)
	msgs := completer.requests[1].Messages
	require.Contains(t, msgs[len(msgs)-1].Content, "cancelled")

	errEnv := waitForEvent(t, member, EventError)
	var payload ErrorPayload
	require.NoError(t, json.Unmarshal(errEnv.Data, &payload))
	require.Equal(t, CodeBackendProcessing, payload.Code)
}

func TestSuiteAdapterToolChainBounded(t *testing.T) {
	completer := &stubCompleter{responses: []openai.ChatCompletionResponse{
		toolCallResponse("c1", "f", `{}`),
		toolCallResponse("c2", "f", `{}`),
		toolCallResponse("c3", "f", `{}`),
	}}
	adapter, room, _ := newSuiteUnderTest(t, completer, SuiteAdapterConfig{
		MaxToolTurns: 2,
		CallTimeout:  10 * time.Millisecond,
	})
	room.AddMember(newStubSink("c1"), "u1")

	err := adapter.HandleMessage(context.Background(), &chatstore.Message{Content: "go"})
	require.Error(t, err)
	require.Equal(t, CodeBackendProcessing, CodeOf(err))
	require.Len(t, completer.requests, 2)
}

func TestSuiteAdapterHistoryConversion(t *testing.T) {
	adapter := &SuiteAdapter{cfg: SuiteAdapterConfig{}.withDefaults()}
	history := []*chatstore.Message{
		{Role: chatstore.RoleUser, Type: chatstore.MessageTypeMessage, Content: "what's the weather"},
		{Role: chatstore.RoleAssistant, Type: chatstore.MessageTypeFunctionCall, Name: "get_weather", Arguments: `{"city":"Berlin"}`, CallID: "call-1"},
		{Role: chatstore.RoleUser, Type: chatstore.MessageTypeFunctionResult, CallID: "call-1", Result: json.RawMessage(`{"temp":12}`)},
		{Role: chatstore.RoleAssistant, Type: chatstore.MessageTypeMessage, Content: "12 degrees"},
	}
	out := adapter.toOpenAIMessages(history)
	require.Len(t, out, 4)
	require.Equal(t, "user", out[0].Role)
	require.Len(t, out[1].ToolCalls, 1)
	require.Equal(t, "get_weather", out[1].ToolCalls[0].Function.Name)
	require.Equal(t, openai.ChatMessageRoleTool, out[2].Role)
	require.Equal(t, "call-1", out[2].ToolCallID)
	require.Equal(t, "assistant", out[3].Role)
}
