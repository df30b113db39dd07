package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/skiffworks/skiff/internal/tools"
)

// sanitizeRe matches characters that are not lowercase alphanumeric or underscore.
var sanitizeRe = regexp.MustCompile(`[^a-z0-9_]`)

// Bridge exposes one MCP server's tools through the tools.Server
// interface. Registered tool names are namespaced as
// "mcp_{serverName}_{toolName}"; the bridge maps them back to the MCP
// names when calling.
type Bridge struct {
	client   *Client
	mcpNames map[string]string // registered name → MCP tool name
}

// Name identifies the bridge by its MCP server name.
func (b *Bridge) Name() string {
	return b.client.Name()
}

// CallTool proxies a registered tool call to the MCP server.
func (b *Bridge) CallTool(ctx context.Context, name string, args map[string]any) (tools.Result, error) {
	mcpName, ok := b.mcpNames[name]
	if !ok {
		return tools.Result{}, fmt.Errorf("tool %s not bridged from %s", name, b.client.Name())
	}

	output, isError, err := b.client.CallTool(ctx, mcpName, args)
	if err != nil {
		return tools.Result{}, err
	}
	return tools.Result{Output: output, IsError: isError}, nil
}

// BridgeTools discovers tools from an MCP client and registers them on
// the given tool registry under namespaced names.
//
// The include and exclude lists control which MCP tools are bridged:
//   - If include is non-empty, only tools whose MCP names appear in it are registered.
//   - If exclude is non-empty, tools whose MCP names appear in it are skipped.
//   - If both are empty, all tools are registered.
//
// BridgeTools returns the bridge and the number of tools registered.
func BridgeTools(ctx context.Context, client *Client, registry *tools.Registry, include, exclude []string, logger *slog.Logger) (*Bridge, int, error) {
	if logger == nil {
		logger = slog.Default()
	}

	mcpTools, err := client.ListTools(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("list tools from %s: %w", client.Name(), err)
	}

	includeSet := toSet(include)
	excludeSet := toSet(exclude)

	bridge := &Bridge{
		client:   client,
		mcpNames: make(map[string]string),
	}

	var descs []tools.Descriptor
	for _, td := range mcpTools {
		if len(includeSet) > 0 {
			if !includeSet[td.Name] {
				continue
			}
		} else if excludeSet[td.Name] {
			continue
		}

		name := ToolName(client.Name(), td.Name)
		bridge.mcpNames[name] = td.Name
		descs = append(descs, tools.Descriptor{
			Name:        name,
			Description: td.Description,
			InputSchema: td.InputSchema,
		})

		logger.Debug("bridged MCP tool",
			"mcp_name", td.Name,
			"registered_name", name,
			"server", client.Name(),
		)
	}

	registry.RegisterServer(bridge, descs)
	return bridge, len(descs), nil
}

// ToolName generates a namespaced tool name from an MCP server name and
// tool name. Both components are sanitized to contain only lowercase
// alphanumeric characters and underscores.
func ToolName(serverName, mcpToolName string) string {
	server := sanitize(serverName)
	tool := sanitize(mcpToolName)
	return fmt.Sprintf("mcp_%s_%s", server, tool)
}

// sanitize converts a name to lowercase and replaces non-alphanumeric
// characters (except underscore) with underscores. Consecutive
// underscores are collapsed and leading/trailing underscores are trimmed.
func sanitize(name string) string {
	s := strings.ToLower(name)
	s = strings.ReplaceAll(s, "-", "_")
	s = sanitizeRe.ReplaceAllString(s, "_")

	// Collapse consecutive underscores.
	for strings.Contains(s, "__") {
		s = strings.ReplaceAll(s, "__", "_")
	}

	return strings.Trim(s, "_")
}

// toSet converts a string slice to a set for O(1) lookups.
func toSet(items []string) map[string]bool {
	if len(items) == 0 {
		return nil
	}
	m := make(map[string]bool, len(items))
	for _, item := range items {
		m[item] = true
	}
	return m
}
