// Package llm is the chat-completion client used by the deterministic
// planner. It exposes one small interface so tests and alternative
// backends can stand in for the real API.
package llm

import "context"

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one chat turn.
type Message struct {
	Role    string
	Content string
}

// System builds a system message.
func System(content string) Message { return Message{Role: RoleSystem, Content: content} }

// User builds a user message.
func User(content string) Message { return Message{Role: RoleUser, Content: content} }

// Assistant builds an assistant message.
func Assistant(content string) Message { return Message{Role: RoleAssistant, Content: content} }

// Client produces a single completion for a conversation.
type Client interface {
	Complete(ctx context.Context, messages []Message) (string, error)
}
