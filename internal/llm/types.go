// Package llm provides LLM provider clients behind a uniform interface.
package llm

import (
	"log/slog"
	"time"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Message is a provider-neutral chat message. Wire format conversion
// happens at provider boundaries (ollama.go, anthropic.go).
type Message struct {
	Role    string `json:"role"` // system, user, assistant, tool
	Content string `json:"content"`

	// Images holds inline image attachments as data URLs
	// (data:image/png;base64,...). Only meaningful on user messages.
	Images []string `json:"images,omitempty"`

	// ToolCalls is set on assistant messages that request tool invocations.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID correlates a tool-role message with the ToolCall it answers.
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// ToolCall is a single tool invocation requested by the model.
type ToolCall struct {
	// ID is the provider-assigned call identifier. Providers that do not
	// assign IDs leave it empty; the orchestrator synthesizes one so every
	// call within a run is uniquely addressable.
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ChatResponse is the unified response from any LLM provider.
type ChatResponse struct {
	Model     string
	CreatedAt time.Time
	Message   Message
	Done      bool

	// Token usage as reported by the provider for this single call.
	InputTokens  int
	OutputTokens int
}

// StreamCallback receives incremental text tokens during a streaming
// chat call, in generation order. Tool calls are not streamed; they
// arrive on the final ChatResponse.
type StreamCallback func(token string)
