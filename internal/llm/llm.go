// Package llm defines the chat model backend used to execute workflow
// steps, and its OpenAI implementation.
package llm

import "context"

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one entry in a chat transcript.
type Message struct {
	Role    string
	Content string
	// ToolCalls is set on assistant messages that request tool use.
	ToolCalls []ToolCall
	// ToolCallID links a tool-role message to the call it answers.
	ToolCallID string
}

// ToolCall is a model request to invoke a named tool with JSON arguments.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// ToolSpec describes a tool offered to the model for one completion.
type ToolSpec struct {
	Name        string
	Description string
	// Parameters is a JSON Schema object describing the arguments.
	Parameters map[string]any
}

// Completion is the result of a single model call. ToolCalls being
// non-empty means the model wants tools executed before it will answer.
type Completion struct {
	Content    string
	ToolCalls  []ToolCall
	Model      string
	TokensUsed int
}

// Backend produces chat completions. Implementations must be safe for
// concurrent use.
type Backend interface {
	Complete(ctx context.Context, messages []Message, tools []ToolSpec) (Completion, error)
}
