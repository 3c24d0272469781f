package turn

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cloudwego/eino/components/tool"
)

// schemaSource is the narrower, optionally-implemented capability an
// InvokableTool exposes when it can recover the raw MCP inputSchema behind
// it; schema.ToolInfo itself carries no parameters field here.
// *mcpmanager.ToolAdapter implements it.
type schemaSource interface {
	InputSchema() any
}

// translateTools converts the live eino tool catalog into the gateway's
// function-calling shape. A tool with an empty name, or one whose Info call
// fails, is dropped and logged rather than failing the whole translation.
func translateTools(ctx context.Context, adapters []tool.InvokableTool) []any {
	out := make([]any, 0, len(adapters))
	for _, adapter := range adapters {
		def, ok := translateTool(ctx, adapter)
		if !ok {
			slog.Warn("dropping tool from catalog translation")
			continue
		}
		out = append(out, def)
	}
	return out
}

func translateTool(ctx context.Context, adapter tool.InvokableTool) (any, bool) {
	info, err := adapter.Info(ctx)
	if err != nil || info == nil {
		return nil, false
	}
	name := strings.TrimSpace(info.Name)
	if name == "" {
		return nil, false
	}

	params := map[string]any{}
	if source, ok := adapter.(schemaSource); ok {
		if schema, ok := source.InputSchema().(map[string]any); ok {
			for k, v := range schema {
				params[k] = v
			}
		}
	}
	if _, ok := params["type"]; !ok {
		params["type"] = "object"
	}
	params["additionalProperties"] = false

	return map[string]any{
		"type": "function",
		"function": map[string]any{
			"name":        name,
			"description": info.Desc,
			"parameters":  params,
		},
	}, true
}

// findToolByName looks up the InvokableTool in the live catalog whose Info
// advertises name, so a dispatched tool call can be routed to it.
func findToolByName(ctx context.Context, adapters []tool.InvokableTool, name string) (tool.InvokableTool, bool) {
	for _, adapter := range adapters {
		info, err := adapter.Info(ctx)
		if err != nil || info == nil {
			continue
		}
		if info.Name == name {
			return adapter, true
		}
	}
	return nil, false
}

// codeModeTools returns the two synthetic tools shipped instead of the
// full aggregate catalog when a turn runs in code mode.
func codeModeTools() []any {
	return []any{
		map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        "execute_code",
				"description": "Execute JavaScript in the sandbox workspace. Use the bridge module to call any connected MCP tool by name instead of receiving the whole tool catalog in context.",
				"parameters": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"code": map[string]any{
							"type":        "string",
							"description": "JavaScript source to run as an ES module with top-level await.",
						},
					},
					"required":             []string{"code"},
					"additionalProperties": false,
				},
			},
		},
		map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        "search_tools",
				"description": "Search the aggregate MCP tool catalog by name or description before writing code against it.",
				"parameters": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"query": map[string]any{
							"type":        "string",
							"description": "Substring to match against tool names and descriptions.",
						},
						"detail_level": map[string]any{
							"type": "string",
							"enum": []string{"name", "description", "full"},
						},
					},
					"required":             []string{"query"},
					"additionalProperties": false,
				},
			},
		},
	}
}

// extractStringArg pulls one string field out of a tool call's raw JSON
// argument object.
func extractStringArg(argsRaw, key string) (string, error) {
	if strings.TrimSpace(argsRaw) == "" {
		return "", fmt.Errorf("missing arguments")
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(argsRaw), &obj); err != nil {
		return "", fmt.Errorf("invalid arguments json: %w", err)
	}
	v, ok := obj[key].(string)
	if !ok {
		return "", fmt.Errorf("missing %q argument", key)
	}
	return v, nil
}

// searchCatalog implements the search_tools synthetic tool: a simple
// case-insensitive substring match over the live catalog's name and
// description, rendered at the requested detail level.
func searchCatalog(ctx context.Context, adapters []tool.InvokableTool, query, detail string) string {
	q := strings.ToLower(strings.TrimSpace(query))

	type match struct {
		name, desc string
		schema     any
	}
	matches := make([]match, 0)
	for _, adapter := range adapters {
		info, err := adapter.Info(ctx)
		if err != nil || info == nil {
			continue
		}
		name := strings.ToLower(info.Name)
		desc := strings.ToLower(info.Desc)
		if q == "" || strings.Contains(name, q) || strings.Contains(desc, q) {
			var schema any
			if source, ok := adapter.(schemaSource); ok {
				schema = source.InputSchema()
			}
			matches = append(matches, match{name: info.Name, desc: info.Desc, schema: schema})
		}
	}
	if len(matches) == 0 {
		return "No matching tools found."
	}

	var sb strings.Builder
	for _, m := range matches {
		switch detail {
		case "full":
			schema, _ := json.Marshal(m.schema)
			fmt.Fprintf(&sb, "%s: %s\n  inputSchema: %s\n", m.name, m.desc, schema)
		case "description":
			fmt.Fprintf(&sb, "%s: %s\n", m.name, m.desc)
		default: // "name"
			fmt.Fprintf(&sb, "%s\n", m.name)
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

const toolResultDisplayLimit = 2 * 1024

// truncateForDisplay bounds a ToolCallResult's display text to 2 KB, per
// the turn orchestrator's UI contract. It never truncates what gets
// threaded back into the model's history.
func truncateForDisplay(s string) string {
	if len(s) <= toolResultDisplayLimit {
		return s
	}
	return s[:toolResultDisplayLimit] + "... (truncated)"
}
