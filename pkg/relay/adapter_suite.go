package relay

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	openai "github.com/sashabaranov/go-openai"
	"github.com/tiktoken-go/tokenizer"

	"github.com/SecondBrainUS/AssistantWebserver/pkg/persistence/chatstore"
)

// chatCompleter is the slice of the OpenAI client the adapter needs; tests
// substitute a stub.
type chatCompleter interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// ProviderCredentials configures one suite provider. BaseURL is optional and
// points OpenAI-compatible providers at their own endpoint.
type ProviderCredentials struct {
	APIKey  string
	BaseURL string
}

// SuiteAdapterConfig is shared by every suite room.
type SuiteAdapterConfig struct {
	Providers map[string]ProviderCredentials
	Tools     []ToolDefinition
	// MaxToolTurns bounds chained tool invocations within one message turn.
	MaxToolTurns int
	// HistoryLimit is how many stored messages seed each completion request.
	HistoryLimit int
	CallTimeout  time.Duration
}

func (c SuiteAdapterConfig) withDefaults() SuiteAdapterConfig {
	if c.MaxToolTurns <= 0 {
		c.MaxToolTurns = 8
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 50
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 2 * time.Minute
	}
	return c
}

// SuiteAdapter drives request/response multi-model backends. Model ids are
// "provider:model"; each HandleMessage call runs one full turn, including any
// client-side tool round trips, before returning.
type SuiteAdapter struct {
	room   RoomEvents
	cfg    SuiteAdapterConfig
	logger zerolog.Logger

	provider string
	model    string
	client   chatCompleter
}

// NewSuiteAdapterFactory returns the factory registered for BackendSuite.
func NewSuiteAdapterFactory(cfg SuiteAdapterConfig) AdapterFactory {
	cfg = cfg.withDefaults()
	return func(room RoomEvents, modelID string) (Adapter, error) {
		provider, model, ok := strings.Cut(modelID, ":")
		if !ok || provider == "" || model == "" {
			return nil, NewError(CodeBadPayload, "model id %q is not provider:model", modelID)
		}
		return &SuiteAdapter{
			room:     room,
			cfg:      cfg,
			logger:   log.With().Str("component", "suite-adapter").Str("room_id", room.RoomID()).Str("model_id", modelID).Logger(),
			provider: provider,
			model:    model,
		}, nil
	}
}

func (a *SuiteAdapter) Initialize(ctx context.Context) error {
	creds, ok := a.cfg.Providers[a.provider]
	if !ok {
		return NewError(CodeUnsupportedBackend, "no credentials for provider %q", a.provider)
	}
	if creds.APIKey == "" {
		return NewError(CodeInitializationFailed, "provider %q has an empty api key", a.provider)
	}
	clientCfg := openai.DefaultConfig(creds.APIKey)
	if creds.BaseURL != "" {
		clientCfg.BaseURL = creds.BaseURL
	}
	a.client = openai.NewClientWithConfig(clientCfg)
	return nil
}

func (a *SuiteAdapter) Cleanup() error {
	// request/response client holds no session state
	a.client = nil
	return nil
}

// HandleMessage runs one backend turn: completion requests chained through
// tool calls until the model produces a final assistant message.
func (a *SuiteAdapter) HandleMessage(ctx context.Context, msg *chatstore.Message) error {
	if a.client == nil {
		return NewError(CodeInitializationFailed, "suite adapter not initialized")
	}

	history, err := a.room.History(ctx, a.cfg.HistoryLimit)
	if err != nil {
		return errors.Wrap(err, "loading chat history")
	}
	messages := a.toOpenAIMessages(history)

	for turn := 0; turn < a.cfg.MaxToolTurns; turn++ {
		resp, err := a.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:    a.model,
			Messages: messages,
			Tools:    a.openAITools(),
		})
		if err != nil {
			return errors.Wrapf(err, "completion request to %s", a.provider)
		}
		if len(resp.Choices) == 0 {
			return errors.New("completion response has no choices")
		}
		choice := resp.Choices[0]

		if len(choice.Message.ToolCalls) > 0 {
			messages = append(messages, choice.Message)
			for _, tc := range choice.Message.ToolCalls {
				output := a.roundTripToolCall(ctx, tc)
				messages = append(messages, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					ToolCallID: tc.ID,
					Content:    output,
				})
			}
			continue
		}

		a.room.EmitAssistantMessage(ctx, &chatstore.Message{
			UserID:    "assistant",
			Role:      chatstore.RoleAssistant,
			Type:      chatstore.MessageTypeMessage,
			Content:   choice.Message.Content,
			Usage:     a.usageFor(resp, messages, choice.Message.Content),
			CreatedAt: time.Now().UTC(),
		})
		return nil
	}
	return NewError(CodeBackendProcessing, "tool call chain exceeded %d turns", a.cfg.MaxToolTurns)
}

// roundTripToolCall relays one tool call through a connected client and
// returns the output fed back to the model. Timeouts and client-reported
// errors become error payloads the model can react to.
func (a *SuiteAdapter) roundTripToolCall(ctx context.Context, tc openai.ToolCall) string {
	callID, outcome := a.room.IssueFunctionCall(tc.Function.Name, json.RawMessage(tc.Function.Arguments))
	select {
	case out := <-outcome:
		switch out.State {
		case CallResolved:
			return string(out.Result)
		default:
			return `{"error":` + jsonString(out.Error) + `}`
		}
	case <-time.After(a.cfg.CallTimeout):
		a.room.TimeoutFunctionCall(callID)
		return `{"error":"function call timed out"}`
	case <-ctx.Done():
		a.room.FailFunctionCall(callID, "turn cancelled")
		return `{"error":"turn cancelled"}`
	}
}

func jsonString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func (a *SuiteAdapter) openAITools() []openai.Tool {
	if len(a.cfg.Tools) == 0 {
		return nil
	}
	tools := make([]openai.Tool, 0, len(a.cfg.Tools))
	for _, t := range a.cfg.Tools {
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return tools
}

// toOpenAIMessages converts stored rows, replaying tool calls and their
// results so the model sees a coherent transcript.
func (a *SuiteAdapter) toOpenAIMessages(history []*chatstore.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(history))
	for _, m := range history {
		switch m.Type {
		case chatstore.MessageTypeFunctionCall:
			out = append(out, openai.ChatCompletionMessage{
				Role: openai.ChatMessageRoleAssistant,
				ToolCalls: []openai.ToolCall{{
					ID:   m.CallID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      m.Name,
						Arguments: m.Arguments,
					},
				}},
			})
		case chatstore.MessageTypeFunctionResult:
			content := string(m.Result)
			if content == "" {
				content = `{"error":` + jsonString(m.Content) + `}`
			}
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				ToolCallID: m.CallID,
				Content:    content,
			})
		default:
			out = append(out, openai.ChatCompletionMessage{
				Role:    string(m.Role),
				Content: m.Content,
			})
		}
	}
	return out
}

// usageFor prefers the provider-reported usage and falls back to a local
// token estimate when the provider omits it.
func (a *SuiteAdapter) usageFor(resp openai.ChatCompletionResponse, prompt []openai.ChatCompletionMessage, completion string) *chatstore.Usage {
	if resp.Usage.TotalTokens > 0 {
		return &chatstore.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}
	enc, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		a.logger.Warn().Err(err).Msg("token estimator unavailable")
		return nil
	}
	promptTokens := 0
	for _, m := range prompt {
		promptTokens += countTokens(enc, m.Content)
	}
	completionTokens := countTokens(enc, completion)
	return &chatstore.Usage{
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		TotalTokens:      promptTokens + completionTokens,
		Estimated:        true,
	}
}

func countTokens(enc tokenizer.Codec, text string) int {
	if text == "" {
		return 0
	}
	ids, _, err := enc.Encode(text)
	if err != nil {
		return 0
	}
	return len(ids)
}
