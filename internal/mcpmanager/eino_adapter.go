package mcpmanager

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"
)

// ToolAdapter exposes one ToolLocator as an eino InvokableTool, so a
// consumer that already speaks eino's tool abstraction can drive the
// aggregate catalog without caring that it is backed by MCP. Unlike the
// source this is adapted from, the wire name is the bare tool name, not a
// per-server-namespaced one: cross-server collisions are resolved by
// GetAllToolsAsync's first-match-wins rule before an adapter is ever
// constructed.
type ToolAdapter struct {
	manager *Manager
	loc     ToolLocator
}

// NewToolAdapter builds an adapter for one catalog entry.
func NewToolAdapter(manager *Manager, loc ToolLocator) ToolAdapter {
	return ToolAdapter{manager: manager, loc: loc}
}

// InputSchema returns the wrapped tool's raw MCP inputSchema. schema.ToolInfo
// carries no parameters field in this adapter (mirroring the source this is
// adapted from), so a caller building a wire-level function definition from
// the eino abstraction recovers the JSON schema through this narrower,
// optionally-implemented capability instead.
func (a ToolAdapter) InputSchema() any {
	return a.loc.Descriptor.InputSchema
}

func (a ToolAdapter) Info(ctx context.Context) (*schema.ToolInfo, error) {
	desc := strings.TrimSpace(a.loc.Descriptor.Description)
	if desc == "" {
		desc = a.loc.Descriptor.Name
	}
	return &schema.ToolInfo{
		Name: a.loc.Descriptor.Name,
		Desc: desc,
		Extra: map[string]any{
			"provider": "mcp",
			"server":   a.loc.ServerName,
		},
	}, nil
}

func (a ToolAdapter) InvokableRun(ctx context.Context, argsJSON string, opts ...tool.Option) (string, error) {
	if a.manager == nil {
		return "", fmt.Errorf("mcp manager is not configured")
	}
	result, err := a.manager.CallToolAsync(ctx, a.loc.ServerID, a.loc.Descriptor.Name, argsJSON)
	if err != nil {
		return "", err
	}
	return normalizeToolResult(result), nil
}

// Adapters builds an eino InvokableTool for every entry of the current
// aggregate catalog. This is the seam the turn orchestrator's direct-mode
// tool translation and dispatch drive: turn.translateTools reads Info off
// each adapter to build the gateway's function-calling definitions, and
// turn.Orchestrator.dispatchToolCall calls InvokableRun on the matching
// adapter to execute a call the model made.
func (m *Manager) Adapters(ctx context.Context) []tool.InvokableTool {
	catalog := m.GetAllToolsAsync(ctx)
	out := make([]tool.InvokableTool, 0, len(catalog))
	for _, loc := range catalog {
		out = append(out, NewToolAdapter(m, loc))
	}
	return out
}

func normalizeToolResult(v any) string {
	switch value := v.(type) {
	case nil:
		return "(no output)"
	case string:
		text := strings.TrimSpace(value)
		if text == "" {
			return "(no output)"
		}
		return text
	case []byte:
		text := strings.TrimSpace(string(value))
		if text == "" {
			return "(no output)"
		}
		return text
	case fmt.Stringer:
		text := strings.TrimSpace(value.String())
		if text == "" {
			return "(no output)"
		}
		return text
	default:
		data, err := json.Marshal(value)
		if err != nil {
			text := strings.TrimSpace(fmt.Sprint(value))
			if text == "" {
				return "(no output)"
			}
			return text
		}
		text := strings.TrimSpace(string(data))
		if text == "" || text == "null" {
			return "(no output)"
		}
		return text
	}
}
