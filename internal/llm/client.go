package llm

import "context"

// Client is the interface every LLM provider implements. The tool
// schema slice uses the OpenAI function-call shape
// ({"type":"function","function":{...}}); providers convert as needed.
type Client interface {
	// Chat sends a chat completion request and returns the response.
	Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error)

	// ChatStream sends a streaming chat request. If callback is non-nil,
	// text tokens are pushed to it as they are generated.
	ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}
