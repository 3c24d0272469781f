// Package mcptransport implements the three MCP wire transports: stdio
// subprocess, streamable HTTP, and legacy SSE. Each is a
// transport-agnostic capability exposing correlated request/response and
// fire-and-forget notification operations; the shared correlation map and
// log ring buffer live here so mcpclient stays a thin layer on top.
package mcptransport

import "context"

// Transport is the capability every concrete transport implements. It
// owns its own correlation map and log ring buffer; SendRequest blocks
// until the matching response is correlated, times out, or the context is
// cancelled.
type Transport interface {
	// Start brings the transport up: spawns the child process, or opens
	// the background SSE reader, as applicable. HTTP has nothing to do
	// here beyond recording configuration.
	Start(ctx context.Context) error

	// SendRequest writes a correlated JSON-RPC request and returns its
	// `result` value once the response arrives.
	SendRequest(ctx context.Context, method string, params any) (any, error)

	// SendNotification writes a JSON-RPC notification (no id, no
	// response expected).
	SendNotification(ctx context.Context, method string, params any) error

	// Logs returns up to n of the most recent log lines (informational
	// banners, stderr, unmatched notifications). n <= 0 returns all
	// retained lines.
	Logs(n int) []string

	// Close disposes the transport: kills the child process or closes
	// the HTTP/SSE connection, and drains the correlation map with a
	// "transport closed" error.
	Close() error
}

// Kind identifies which wire transport a Connection uses.
type Kind string

const (
	KindStdio     Kind = "stdio"
	KindHTTP      Kind = "http"
	KindLegacySSE Kind = "legacy-sse"
)
