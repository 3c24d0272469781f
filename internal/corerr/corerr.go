// Package corerr defines the error taxonomy shared across the MCP
// transport, manager, chat-stream, and orchestrator packages.
package corerr

import "errors"

// Sentinel kinds. Wrap one of these with fmt.Errorf("...: %w", Kind) so
// callers can classify an error with errors.Is while still carrying a
// human-readable message.
var (
	// ConfigInvalid marks a malformed or incomplete server-config entry.
	ConfigInvalid = errors.New("config invalid")
	// TransportError marks a connection setup or mid-stream transport failure.
	TransportError = errors.New("transport error")
	// ProtocolError marks a JSON-RPC error response or malformed frame.
	ProtocolError = errors.New("protocol error")
	// Timeout marks an RPC or sandbox execution timeout.
	Timeout = errors.New("timeout")
	// NotConnected marks an operation requested against a non-Connected server.
	NotConnected = errors.New("not connected")
	// ToolNotFound marks a CallToolByName whose name is not in the aggregate catalog.
	ToolNotFound = errors.New("tool not found")
	// GatewayError marks a non-2xx response from the chat-completions endpoint.
	GatewayError = errors.New("gateway error")
	// Cancelled marks cooperative cancellation; not logged as a failure.
	Cancelled = errors.New("cancelled")
)

// Is reports whether err is classified as kind, per errors.Is semantics.
func Is(err error, kind error) bool {
	return errors.Is(err, kind)
}
