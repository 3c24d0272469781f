// Package mcpmanager implements the MCP Manager (C5): the registry of
// configured servers, their connection lifecycle, the aggregate tool
// catalog, and name-based dispatch across servers.
package mcpmanager

import "github.com/corvidai/corvid-core/internal/config"

// ConnectionStatus mirrors the Connection.status enum from the data model.
type ConnectionStatus string

const (
	StatusStopped    ConnectionStatus = "stopped"
	StatusConnecting ConnectionStatus = "connecting"
	StatusConnected  ConnectionStatus = "connected"
	StatusError      ConnectionStatus = "error"
)

// ToolDescriptor is one tool advertised by a server.
type ToolDescriptor struct {
	Name        string
	Description string
	InputSchema any
}

// ToolLocator identifies which server owns a ToolDescriptor, so a caller
// holding the aggregate catalog can route a call back to the right
// server.
type ToolLocator struct {
	ServerID   string
	ServerName string
	Descriptor ToolDescriptor
}

// Status is the observable state of one configured server.
type Status struct {
	ServerID  string
	Name      string
	Kind      config.ServerKind
	Status    ConnectionStatus
	ToolCount int
	Message   string
}
