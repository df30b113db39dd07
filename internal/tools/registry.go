// Package tools defines the registry of tools available to a conversation.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Descriptor describes a single callable tool.
type Descriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// Result is the outcome of a tool invocation. IsError marks a failure
// that happened inside the tool; the call itself succeeded.
type Result struct {
	Output  string
	IsError bool
}

// Server executes tools on behalf of the registry. Implementations are
// typically MCP server connections.
type Server interface {
	// Name identifies the server for logging and removal.
	Name() string

	// CallTool invokes a tool by name. A tool-level failure is reported
	// via Result.IsError; the error return is reserved for transport
	// and protocol failures.
	CallTool(ctx context.Context, name string, args map[string]any) (Result, error)
}

// binding ties a tool name to the server that provides it.
type binding struct {
	desc   Descriptor
	server Server
}

// Registry tracks every tool across connected servers. Reads go through
// Snapshot so an in-flight conversation keeps a stable view while
// servers connect and disconnect underneath.
type Registry struct {
	mu       sync.RWMutex
	bindings map[string]binding
	logger   *slog.Logger
}

// NewRegistry creates an empty tool registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		bindings: make(map[string]binding),
		logger:   logger,
	}
}

// RegisterServer adds every descriptor under the given server. A name
// already held by another server is overwritten; the later registration
// wins and the collision is logged.
func (r *Registry) RegisterServer(server Server, descs []Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, d := range descs {
		if prev, ok := r.bindings[d.Name]; ok && prev.server.Name() != server.Name() {
			r.logger.Warn("tool name collision, later registration wins",
				"tool", d.Name,
				"previous_server", prev.server.Name(),
				"server", server.Name(),
			)
		}
		r.bindings[d.Name] = binding{desc: d, server: server}
	}

	r.logger.Debug("registered tools", "server", server.Name(), "count", len(descs))
}

// RemoveServer drops every tool bound to the named server.
func (r *Registry) RemoveServer(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for tool, b := range r.bindings {
		if b.server.Name() == name {
			delete(r.bindings, tool)
			removed++
		}
	}

	if removed > 0 {
		r.logger.Debug("removed tools", "server", name, "count", removed)
	}
}

// Snapshot returns an immutable view of the current tool set. Later
// registry mutations do not affect it.
func (r *Registry) Snapshot() *Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	bindings := make(map[string]binding, len(r.bindings))
	for name, b := range r.bindings {
		bindings[name] = b
	}
	return &Snapshot{bindings: bindings}
}

// Snapshot is a frozen view of the registry taken at the start of a
// conversation run.
type Snapshot struct {
	bindings map[string]binding
}

// Len returns the number of tools in the snapshot.
func (s *Snapshot) Len() int {
	return len(s.bindings)
}

// Tools returns descriptors sorted by name.
func (s *Snapshot) Tools() []Descriptor {
	result := make([]Descriptor, 0, len(s.bindings))
	for _, b := range s.bindings {
		result = append(result, b.desc)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// Schemas returns the tool definitions in the function-call wire shape
// passed to model providers.
func (s *Snapshot) Schemas() []map[string]any {
	if len(s.bindings) == 0 {
		return nil
	}

	result := make([]map[string]any, 0, len(s.bindings))
	for _, d := range s.Tools() {
		params := d.InputSchema
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		result = append(result, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        d.Name,
				"description": d.Description,
				"parameters":  params,
			},
		})
	}
	return result
}

// Call executes the named tool through its bound server.
func (s *Snapshot) Call(ctx context.Context, name string, args map[string]any) (Result, error) {
	b, ok := s.bindings[name]
	if !ok {
		return Result{}, fmt.Errorf("unknown tool: %s", name)
	}
	return b.server.CallTool(ctx, name, args)
}
