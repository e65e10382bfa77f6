package repositories

import "context"

// LanguageModel abstracts a streaming chat provider.
type LanguageModel interface {
	// Name identifies the provider in the connect-time config message.
	Name() string
	// StreamChat sends one user turn with the rolling dialogue history and
	// returns the reply as a lazy delta stream. Cancelling the context
	// abandons the upstream request.
	StreamChat(ctx context.Context, history []ChatMessage, userText string) (ReplyStream, error)
}

// ReplyStream yields the reply one text delta at a time.
type ReplyStream interface {
	// Recv returns the next delta, or io.EOF once the reply is complete.
	// Non-text artefacts from the provider (tool calls, media references)
	// are filtered out before they reach the caller.
	Recv() (string, error)
	// Close releases the underlying stream. Idempotent.
	Close() error
}

// ChatMessage is a single message in a conversation.
type ChatMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Role defines the type of message sender.
type Role string

const (
	UserRole      Role = "user"
	AssistantRole Role = "assistant"
	SystemRole    Role = "system"
)
