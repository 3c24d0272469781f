// Package jsonrpc provides the JSON-RPC 2.0 envelope, response decoding,
// and MCP handshake helpers shared by every transport in mcptransport and
// by mcpclient.
package jsonrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

const Version = "2.0"

// ClientInfo identifies this process during the MCP initialize handshake.
var ClientInfo = struct {
	Name    string
	Version string
}{Name: "corvidcore", Version: "v0.1.0"}

// Request is an outbound JSON-RPC 2.0 request or notification. A
// notification omits ID.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// RPCError mirrors the JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// NewRequest builds a correlated request envelope.
func NewRequest(id int64, method string, params any) Request {
	return Request{JSONRPC: Version, ID: id, Method: method, Params: params}
}

// NewNotification builds an uncorrelated notification envelope.
func NewNotification(method string, params any) Request {
	return Request{JSONRPC: Version, Method: method, Params: params}
}

// DecodeResponse parses one inbound frame. matched is false when the frame
// is a notification or a response to a different request id; the caller
// should keep waiting in that case. err is non-nil when the payload is not
// valid JSON (matched is false) or when the frame carries a JSON-RPC error
// object for the expected id (matched is true).
func DecodeResponse(payload []byte, expectedID int64) (result any, matched bool, err error) {
	var envelope map[string]any
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, false, fmt.Errorf("decode json-rpc response: %w", err)
	}

	if _, hasID := envelope["id"]; !hasID {
		return nil, false, nil
	}
	if normalizeID(envelope["id"]) != normalizeID(expectedID) {
		return nil, false, nil
	}

	if errValue, ok := envelope["error"]; ok && errValue != nil {
		parsed := RPCError{}
		if raw, err := json.Marshal(errValue); err == nil {
			_ = json.Unmarshal(raw, &parsed)
		}
		msg := strings.TrimSpace(parsed.Message)
		if msg == "" {
			msg = strings.TrimSpace(fmt.Sprint(errValue))
		}
		if msg == "" {
			msg = "json-rpc request failed"
		}
		return nil, true, errors.New(msg)
	}

	return envelope["result"], true, nil
}

func normalizeID(id any) string {
	switch value := id.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(value)
	case float64:
		return fmt.Sprintf("%.0f", value)
	case int:
		return fmt.Sprintf("%d", value)
	case int64:
		return fmt.Sprintf("%d", value)
	default:
		return strings.TrimSpace(fmt.Sprint(value))
	}
}

// InitializeParams returns the fixed params object for the MCP initialize
// handshake.
func InitializeParams() map[string]any {
	return map[string]any{
		"protocolVersion": "2024-11-05",
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    ClientInfo.Name,
			"version": ClientInfo.Version,
		},
	}
}

// Invoker is the capability a transport exposes to run the initialize
// handshake: send a correlated request and send a bare notification.
type Invoker interface {
	Invoke(ctx context.Context, method string, params any) (any, error)
	Notify(ctx context.Context, method string, params any) error
}

// Initialize runs the MCP handshake: `initialize` followed by the
// `notifications/initialized` notification. A rejection of the
// notification is not fatal — only the initialize call itself must
// succeed.
func Initialize(ctx context.Context, invoker Invoker) (any, error) {
	capabilities, err := invoker.Invoke(ctx, "initialize", InitializeParams())
	if err != nil {
		return nil, fmt.Errorf("initialize mcp session: %w", err)
	}
	if err := invoker.Notify(ctx, "notifications/initialized", map[string]any{}); err != nil {
		// Some servers reject this notification; it is logged and the
		// handshake still succeeds.
		slog.Warn("mcp initialized notification rejected", "error", err)
		return capabilities, nil
	}
	return capabilities, nil
}

// DecodeToolDefinitions unwraps a tools/list result into name,
// description, and inputSchema entries. Malformed entries are skipped
// rather than failing the whole list.
func DecodeToolDefinitions(result any) ([]ToolDefinition, error) {
	if result == nil {
		return nil, nil
	}

	var toolsValue any
	switch value := result.(type) {
	case map[string]any:
		toolsValue = value["tools"]
	default:
		toolsValue = value
	}

	items, ok := toolsValue.([]any)
	if !ok {
		return nil, fmt.Errorf("unexpected tools/list result shape")
	}

	defs := make([]ToolDefinition, 0, len(items))
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		name := strings.TrimSpace(stringValue(obj["name"]))
		if name == "" {
			continue
		}
		defs = append(defs, ToolDefinition{
			Name:        name,
			Description: strings.TrimSpace(stringValue(obj["description"])),
			InputSchema: obj["inputSchema"],
		})
	}
	return defs, nil
}

// ToolDefinition is the wire shape of one entry in a tools/list result.
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema any
}

// DecodeCallResult extracts the text content of a tools/call result,
// falling back to the raw result when the shape does not match the
// `{content: [{type, text}, ...]}` convention.
func DecodeCallResult(result any) (any, error) {
	obj, ok := result.(map[string]any)
	if !ok {
		return result, nil
	}

	isErr, _ := obj["isError"].(bool)
	if text := ExtractTextContent(obj["content"]); text != "" {
		if isErr {
			return nil, errors.New(text)
		}
		return text, nil
	}
	if isErr {
		return nil, fmt.Errorf("mcp tool call failed")
	}

	if structured, ok := obj["structuredContent"]; ok && structured != nil {
		return structured, nil
	}
	return result, nil
}

// ExtractTextContent joins the text fields of a `content` array with
// newlines, skipping non-text items.
func ExtractTextContent(v any) string {
	items, ok := v.([]any)
	if !ok {
		return ""
	}

	parts := make([]string, 0, len(items))
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if strings.ToLower(strings.TrimSpace(stringValue(obj["type"]))) != "text" {
			continue
		}
		text := strings.TrimSpace(stringValue(obj["text"]))
		if text == "" {
			continue
		}
		parts = append(parts, text)
	}
	return strings.TrimSpace(strings.Join(parts, "\n"))
}

func stringValue(v any) string {
	if v == nil {
		return ""
	}
	switch value := v.(type) {
	case string:
		return value
	default:
		return fmt.Sprint(v)
	}
}

// ParseToolArgs parses a tool-call argument string into a generic value,
// treating blank input as an empty object.
func ParseToolArgs(argsJSON string) (any, error) {
	trimmed := strings.TrimSpace(argsJSON)
	if trimmed == "" {
		return map[string]any{}, nil
	}

	var parsed any
	if err := json.Unmarshal([]byte(trimmed), &parsed); err != nil {
		return nil, fmt.Errorf("invalid tool args json: %w", err)
	}
	if parsed == nil {
		return map[string]any{}, nil
	}
	return parsed, nil
}

// CompactJSONOrRaw compacts a JSON text for log display, falling back to
// the trimmed raw text when it does not parse.
func CompactJSONOrRaw(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "{}"
	}
	var out bytes.Buffer
	if err := json.Compact(&out, []byte(trimmed)); err != nil {
		return trimmed
	}
	return out.String()
}
