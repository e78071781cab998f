package chatstore

import (
	"context"
	"encoding/json"
	"time"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// MessageType distinguishes plain messages from function-call bookkeeping rows.
type MessageType string

const (
	MessageTypeMessage        MessageType = "message"
	MessageTypeFunctionCall   MessageType = "function_call"
	MessageTypeFunctionResult MessageType = "function_result"
)

// Chat is one conversation; rooms bind to a chat by id.
type Chat struct {
	ChatID         string    `json:"chat_id"`
	UserID         string    `json:"user_id"`
	ModelAPISource string    `json:"model_api_source"`
	ModelID        string    `json:"model_id"`
	CreatedAt      time.Time `json:"created_timestamp"`
}

// Usage carries token accounting for one turn. Zero values mean unknown.
type Usage struct {
	PromptTokens     int  `json:"prompt_tokens,omitempty"`
	CompletionTokens int  `json:"completion_tokens,omitempty"`
	TotalTokens      int  `json:"total_tokens,omitempty"`
	Estimated        bool `json:"estimated,omitempty"`
}

// Message is an append-only chat record. Content is set for message rows;
// Name/Arguments/CallID for function_call rows; Result additionally for
// function_result rows.
type Message struct {
	MessageID      string          `json:"message_id"`
	ChatID         string          `json:"chat_id"`
	UserID         string          `json:"user_id,omitempty"`
	ModelID        string          `json:"model_id,omitempty"`
	ModelAPISource string          `json:"model_api_source,omitempty"`
	Role           Role            `json:"role"`
	Type           MessageType     `json:"type"`
	Content        string          `json:"content,omitempty"`
	FileIDs        []string        `json:"file_ids,omitempty"`
	Name           string          `json:"name,omitempty"`
	Arguments      string          `json:"arguments,omitempty"`
	CallID         string          `json:"call_id,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	Usage          *Usage          `json:"usage,omitempty"`
	Seq            uint64          `json:"seq,omitempty"`
	CreatedAt      time.Time       `json:"created_timestamp"`
}

// Store persists chats and messages. Implementations must be safe for
// concurrent use; rooms save messages fire-and-forget from many goroutines.
type Store interface {
	FindOrCreateChat(ctx context.Context, chatID, userID, modelAPISource, modelID string) (*Chat, error)
	GetChat(ctx context.Context, chatID string) (*Chat, error)
	SaveMessage(ctx context.Context, msg *Message) error
	// ListMessages returns the most recent messages for a chat in
	// chronological order, at most limit rows (limit <= 0 uses a default).
	ListMessages(ctx context.Context, chatID string, limit int) ([]*Message, error)
	Close() error
}
