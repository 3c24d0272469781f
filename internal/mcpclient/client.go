// Package mcpclient implements the MCP client (C4): a thin,
// transport-agnostic layer exposing Initialize, ListTools, CallTool, and
// Dispose. The correlation map and wire framing live in mcptransport; this
// package only adds the per-RPC timeout and the tools/list and tools/call
// method shapes.
package mcpclient

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/corvidai/corvid-core/internal/corerr"
	"github.com/corvidai/corvid-core/internal/jsonrpc"
	"github.com/corvidai/corvid-core/internal/mcptransport"
)

// RequestTimeout bounds every individual MCP RPC (spec: "30 s per
// request"). It does not bound the connection's lifetime.
const RequestTimeout = 30 * time.Second

// Client is a connected MCP session over one transport.
type Client struct {
	transport mcptransport.Transport
}

// New wraps transport in a Client. The caller must already have called
// transport.Start.
func New(transport mcptransport.Transport) *Client {
	return &Client{transport: transport}
}

// Initialize performs the initialize/notifications-initialized handshake
// and returns the server's advertised capabilities.
func (c *Client) Initialize(ctx context.Context) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, RequestTimeout)
	defer cancel()
	return jsonrpc.Initialize(ctx, clientInvoker{c.transport})
}

// ListTools returns the server's advertised tools in declaration order.
// A malformed response is logged and treated as empty, never as a fatal
// error.
func (c *Client) ListTools(ctx context.Context) ([]jsonrpc.ToolDefinition, error) {
	ctx, cancel := context.WithTimeout(ctx, RequestTimeout)
	defer cancel()

	result, err := c.transport.SendRequest(ctx, "tools/list", map[string]any{})
	if err != nil {
		return nil, classifyError(err)
	}
	defs, err := jsonrpc.DecodeToolDefinitions(result)
	if err != nil {
		slog.Warn("mcp tools/list returned a malformed result", "error", err)
		return nil, nil
	}
	return defs, nil
}

// CallTool invokes a named tool with a raw JSON arguments object and
// returns the extracted result.
func (c *Client) CallTool(ctx context.Context, name string, argsJSON string) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, RequestTimeout)
	defer cancel()

	args, err := jsonrpc.ParseToolArgs(jsonrpc.CompactJSONOrRaw(argsJSON))
	if err != nil {
		return nil, err
	}
	result, err := c.transport.SendRequest(ctx, "tools/call", map[string]any{
		"name":      strings.TrimSpace(name),
		"arguments": args,
	})
	if err != nil {
		return nil, classifyError(err)
	}
	return jsonrpc.DecodeCallResult(result)
}

// Dispose tears down the underlying transport.
func (c *Client) Dispose() error {
	return c.transport.Close()
}

// Logs returns up to n of the connection's most recent log lines.
func (c *Client) Logs(n int) []string {
	return c.transport.Logs(n)
}

func classifyError(err error) error {
	if err == context.DeadlineExceeded {
		return fmt.Errorf("%w: %v", corerr.Timeout, err)
	}
	return err
}

// clientInvoker adapts mcptransport.Transport to jsonrpc.Invoker for the
// handshake helper.
type clientInvoker struct {
	transport mcptransport.Transport
}

func (c clientInvoker) Invoke(ctx context.Context, method string, params any) (any, error) {
	return c.transport.SendRequest(ctx, method, params)
}

func (c clientInvoker) Notify(ctx context.Context, method string, params any) error {
	return c.transport.SendNotification(ctx, method, params)
}
