package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// MultiClient routes chat requests to a provider based on the model
// name. Routes are explicit (AddRoute) with a prefix heuristic
// fallback: models starting with "claude" go to the anthropic
// provider, everything else to the default provider.
type MultiClient struct {
	mu        sync.RWMutex
	providers map[string]Client // provider name → client
	routes    map[string]string // model name → provider name
	fallback  string            // provider for unrouted models
	logger    *slog.Logger
}

// NewMultiClient creates a router with the given fallback provider name.
func NewMultiClient(fallback string, logger *slog.Logger) *MultiClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &MultiClient{
		providers: make(map[string]Client),
		routes:    make(map[string]string),
		fallback:  fallback,
		logger:    logger,
	}
}

// AddProvider registers a named provider client.
func (m *MultiClient) AddProvider(name string, client Client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers[name] = client
}

// AddRoute binds a model name to a provider name.
func (m *MultiClient) AddRoute(model, provider string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routes[model] = provider
}

// IsAnthropicModel reports whether a model name looks like an
// Anthropic model. Explicit routes override this heuristic.
func IsAnthropicModel(model string) bool {
	return strings.HasPrefix(model, "claude")
}

// Resolve returns the client responsible for the given model.
func (m *MultiClient) Resolve(model string) (Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	name, ok := m.routes[model]
	if !ok {
		if IsAnthropicModel(model) {
			name = "anthropic"
		} else {
			name = m.fallback
		}
	}

	client, ok := m.providers[name]
	if !ok {
		return nil, fmt.Errorf("no provider %q for model %q", name, model)
	}
	return client, nil
}

// Chat routes a non-streaming request to the model's provider.
func (m *MultiClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	client, err := m.Resolve(model)
	if err != nil {
		return nil, err
	}
	return client.Chat(ctx, model, messages, tools)
}

// ChatStream routes a streaming request to the model's provider.
func (m *MultiClient) ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error) {
	client, err := m.Resolve(model)
	if err != nil {
		return nil, err
	}
	return client.ChatStream(ctx, model, messages, tools, callback)
}

// Ping checks every registered provider, returning the first failure.
func (m *MultiClient) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for name, client := range m.providers {
		if err := client.Ping(ctx); err != nil {
			return fmt.Errorf("provider %s: %w", name, err)
		}
	}
	return nil
}
