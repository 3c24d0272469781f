package mcpmanager

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/corvidai/corvid-core/internal/config"
	"github.com/corvidai/corvid-core/internal/corerr"
	"github.com/corvidai/corvid-core/internal/jsonrpc"
	"github.com/corvidai/corvid-core/internal/mcpclient"
	"github.com/corvidai/corvid-core/internal/mcptransport"
	"github.com/corvidai/corvid-core/internal/store"
)

const (
	reconnectMaxAttempts = 3
	reconnectBaseBackoff = 250 * time.Millisecond
)

type serverState struct {
	cfg    config.ServerConfig
	client *mcpclient.Client
	tools  []jsonrpc.ToolDefinition
	status Status
}

// Manager owns every configured MCP server's connection lifecycle and
// exposes the aggregate tool catalog and name-based dispatch across
// servers. A Manager is a single owned value, passed explicitly into the
// orchestrator and sandbox — never reached through a package-level
// global.
type Manager struct {
	registryPath string
	secrets      store.SecretStore
	dial         dialFunc

	mu      sync.RWMutex
	servers map[string]*serverState
	order   []string // registry iteration order, for deterministic first-match-wins dispatch
}

// dialFunc builds the transport for one server config; tests substitute a
// fake dialer instead of spawning real processes or HTTP connections.
type dialFunc func(config.ServerConfig) (mcptransport.Transport, error)

// Option customizes Manager construction.
type Option func(*Manager)

// WithDialer overrides the transport constructor used for every server.
// Production callers never need this; it exists so tests can inject a
// fake transport instead of spawning a real process or HTTP connection.
func WithDialer(dial dialFunc) Option {
	return func(m *Manager) { m.dial = dial }
}

// New constructs a Manager from the server registry at registryPath.
// secrets resolves AuthSecretName to a bearer token for http/legacy-sse
// servers; it may be nil if no configured server uses bearer auth.
// Disabled entries are retained (so they still appear in ListServers and
// Statuses) but are excluded from the background bring-up Connect
// performs.
func New(registryPath string, secrets store.SecretStore, opts ...Option) (*Manager, error) {
	servers, err := config.LoadRegistry(registryPath)
	if err != nil {
		return nil, err
	}

	m := &Manager{registryPath: registryPath, secrets: secrets}
	m.dial = m.newTransport
	for _, opt := range opts {
		opt(m)
	}
	m.applyRegistry(servers)
	return m, nil
}

func (m *Manager) applyRegistry(servers []config.ServerConfig) {
	state := make(map[string]*serverState, len(servers))
	order := make([]string, 0, len(servers))
	for _, cfg := range servers {
		order = append(order, cfg.ID)
		state[cfg.ID] = &serverState{
			cfg: cfg,
			status: Status{
				ServerID: cfg.ID,
				Name:     cfg.Name,
				Kind:     cfg.Kind,
				Status:   StatusStopped,
			},
		}
	}

	m.mu.Lock()
	m.servers = state
	m.order = order
	m.mu.Unlock()
}

// ListServers re-reads the registry file and returns the current set of
// configured servers. The manager never writes the file; a reload
// replaces the whole in-memory registry.
func (m *Manager) ListServers() ([]config.ServerConfig, error) {
	servers, err := config.LoadRegistry(m.registryPath)
	if err != nil {
		return nil, err
	}
	m.applyRegistry(servers)
	return servers, nil
}

// Connect launches background bring-up for every non-disabled,
// auto-starting server. It never blocks the caller; failures degrade the
// individual server's status rather than failing the whole call.
func (m *Manager) Connect(ctx context.Context) {
	for _, id := range m.serverOrder() {
		cfg, ok := m.serverConfig(id)
		if !ok || cfg.Disabled || !cfg.AutoStart {
			continue
		}
		go m.bringUp(ctx, id)
	}
}

func (m *Manager) bringUp(ctx context.Context, id string) {
	cfg, ok := m.serverConfig(id)
	if !ok {
		return
	}
	m.setConnecting(id)

	client, tools, err := m.connectAndDiscover(ctx, cfg)
	if err != nil {
		m.markError(id, fmt.Sprintf("connect failed: %v", err))
		slog.Warn("mcp server connect failed", "server", cfg.Name, "error", err)
		return
	}
	m.markConnected(id, client, tools, "")
}

// StartServer brings up a single server by id. It is rejected as a no-op
// if the server is already Connected or Connecting.
func (m *Manager) StartServer(ctx context.Context, id string) error {
	cfg, ok := m.serverConfig(id)
	if !ok {
		return fmt.Errorf("%w: mcp server %q", corerr.NotConnected, id)
	}

	m.mu.RLock()
	state := m.servers[id]
	current := state.status.Status
	m.mu.RUnlock()
	if current == StatusConnected || current == StatusConnecting {
		return nil
	}

	m.setConnecting(id)
	client, tools, err := m.connectAndDiscover(ctx, cfg)
	if err != nil {
		m.markError(id, fmt.Sprintf("connect failed: %v", err))
		return fmt.Errorf("%w: %v", corerr.TransportError, err)
	}
	m.markConnected(id, client, tools, "")
	return nil
}

// StopServer disposes the server's connection and marks it Stopped.
// Idempotent: stopping an already-stopped server is not an error.
func (m *Manager) StopServer(id string) error {
	m.mu.Lock()
	state := m.servers[id]
	if state == nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: mcp server %q", corerr.NotConnected, id)
	}
	client := state.client
	state.client = nil
	state.tools = nil
	state.status.Status = StatusStopped
	state.status.ToolCount = 0
	state.status.Message = ""
	m.mu.Unlock()

	if client != nil {
		return client.Dispose()
	}
	return nil
}

// GetStatus returns the observable state of one configured server.
func (m *Manager) GetStatus(id string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state := m.servers[id]
	if state == nil {
		return Status{}, false
	}
	return state.status, true
}

// GetLogs returns up to maxLines of the most recent log lines for a
// server's connection.
func (m *Manager) GetLogs(id string, maxLines int) []string {
	m.mu.RLock()
	state := m.servers[id]
	m.mu.RUnlock()
	if state == nil || state.client == nil {
		return nil
	}
	return state.client.Logs(maxLines)
}

// ListToolsAsync forwards to the connection; it requires the server to be
// Connected.
func (m *Manager) ListToolsAsync(ctx context.Context, id string) ([]ToolDescriptor, error) {
	client, err := m.connectedClient(id)
	if err != nil {
		return nil, err
	}
	defs, err := client.ListTools(ctx)
	if err != nil {
		return nil, err
	}
	return toDescriptors(defs), nil
}

// CallToolAsync routes a tool call to a specific server, parsing its
// arguments as JSON. A call against a server that is not Connected (or
// whose connection just failed) is retried once through a bounded
// reconnect-with-backoff before the error is surfaced to the caller.
func (m *Manager) CallToolAsync(ctx context.Context, id, toolName, argsJSON string) (any, error) {
	client, err := m.connectedClient(id)
	if err != nil {
		if reconnectErr := m.reconnectServer(ctx, id, err.Error()); reconnectErr != nil {
			return nil, fmt.Errorf("%w: %v", corerr.NotConnected, reconnectErr)
		}
		client, err = m.connectedClient(id)
		if err != nil {
			return nil, err
		}
	}

	result, callErr := client.CallTool(ctx, toolName, argsJSON)
	if callErr == nil {
		return result, nil
	}

	if reconnectErr := m.reconnectServer(ctx, id, fmt.Sprintf("tool call failed: %v", callErr)); reconnectErr != nil {
		return nil, fmt.Errorf("mcp server call failed: %v; reconnect failed: %w", callErr, reconnectErr)
	}
	client, err = m.connectedClient(id)
	if err != nil {
		return nil, err
	}
	return client.CallTool(ctx, toolName, argsJSON)
}

func (m *Manager) connectedClient(id string) (*mcpclient.Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state := m.servers[id]
	if state == nil {
		return nil, fmt.Errorf("%w: mcp server %q", corerr.NotConnected, id)
	}
	if state.status.Status != StatusConnected || state.client == nil {
		return nil, fmt.Errorf("%w: mcp server %q is not connected", corerr.NotConnected, id)
	}
	return state.client, nil
}

// GetAllToolsAsync fans out ListTools to every Connected server
// concurrently. A single server's failure is logged and drops that
// server's contribution; it never aborts the aggregate. The returned
// order is registry order, not completion order.
func (m *Manager) GetAllToolsAsync(ctx context.Context) []ToolLocator {
	ids := m.serverOrder()

	type result struct {
		idx  int
		locs []ToolLocator
	}
	results := make([]result, len(ids))

	var wg sync.WaitGroup
	for i, id := range ids {
		cfg, ok := m.serverConfig(id)
		client, clientOK := m.connectedClientQuiet(id)
		if !ok || !clientOK {
			continue
		}
		wg.Add(1)
		go func(i int, id string, cfg config.ServerConfig, client *mcpclient.Client) {
			defer wg.Done()
			defs, err := client.ListTools(ctx)
			if err != nil {
				slog.Warn("mcp list tools failed", "server", cfg.Name, "error", err)
				return
			}
			locs := make([]ToolLocator, 0, len(defs))
			for _, d := range defs {
				if strings.TrimSpace(d.Name) == "" {
					continue
				}
				locs = append(locs, ToolLocator{
					ServerID:   id,
					ServerName: cfg.Name,
					Descriptor: toDescriptor(d),
				})
			}
			results[i] = result{idx: i, locs: locs}
		}(i, id, cfg, client)
	}
	wg.Wait()

	seenNames := make(map[string]string) // tool name -> owning server name, for collision logging
	out := make([]ToolLocator, 0)
	for _, r := range results {
		for _, loc := range r.locs {
			if owner, dup := seenNames[loc.Descriptor.Name]; dup {
				slog.Warn("mcp tool name collision, first-registered server wins",
					"tool", loc.Descriptor.Name, "kept_server", owner, "dropped_server", loc.ServerName)
				continue
			}
			seenNames[loc.Descriptor.Name] = loc.ServerName
			out = append(out, loc)
		}
	}
	return out
}

func (m *Manager) connectedClientQuiet(id string) (*mcpclient.Client, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state := m.servers[id]
	if state == nil || state.status.Status != StatusConnected || state.client == nil {
		return nil, false
	}
	return state.client, true
}

// CallToolByNameAsync consults the aggregate catalog, resolves the owning
// server using the first-registry-order-wins collision rule, and forwards
// the call.
func (m *Manager) CallToolByNameAsync(ctx context.Context, name, argsJSON string) (any, error) {
	catalog := m.GetAllToolsAsync(ctx)
	for _, loc := range catalog {
		if loc.Descriptor.Name == name {
			return m.CallToolAsync(ctx, loc.ServerID, name, argsJSON)
		}
	}
	return nil, fmt.Errorf("%w: %q", corerr.ToolNotFound, name)
}

func (m *Manager) reconnectServer(ctx context.Context, id, reason string) error {
	cfg, ok := m.serverConfig(id)
	if !ok {
		return fmt.Errorf("%w: mcp server %q", corerr.NotConnected, id)
	}

	var lastErr error
	for attempt := 1; attempt <= reconnectMaxAttempts; attempt++ {
		if attempt > 1 {
			if err := waitBackoff(ctx, attempt-1); err != nil {
				return err
			}
		}
		client, tools, err := m.connectAndDiscover(ctx, cfg)
		if err == nil {
			m.markConnected(id, client, tools, fmt.Sprintf("recovered after %d reconnect attempt(s)", attempt))
			return nil
		}
		lastErr = err
	}

	m.markError(id, fmt.Sprintf("%s; reconnect failed after %d attempts: %v", strings.TrimSpace(reason), reconnectMaxAttempts, lastErr))
	return fmt.Errorf("reconnect failed after %d attempts: %w", reconnectMaxAttempts, lastErr)
}

func waitBackoff(ctx context.Context, retryIndex int) error {
	if retryIndex <= 0 {
		return nil
	}
	timer := time.NewTimer(time.Duration(retryIndex) * reconnectBaseBackoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (m *Manager) connectAndDiscover(ctx context.Context, cfg config.ServerConfig) (*mcpclient.Client, []jsonrpc.ToolDefinition, error) {
	// Bearer auth is resolved before any dial so a missing secret store or
	// secret fails fast, whichever dialer is in use.
	if _, err := m.authHeaders(cfg); err != nil {
		return nil, nil, err
	}
	transport, err := m.dial(cfg)
	if err != nil {
		return nil, nil, err
	}
	if err := transport.Start(ctx); err != nil {
		return nil, nil, err
	}

	client := mcpclient.New(transport)
	if _, err := client.Initialize(ctx); err != nil {
		_ = client.Dispose()
		return nil, nil, err
	}
	tools, err := client.ListTools(ctx)
	if err != nil {
		_ = client.Dispose()
		return nil, nil, fmt.Errorf("list tools failed: %w", err)
	}
	return client, tools, nil
}

func (m *Manager) newTransport(cfg config.ServerConfig) (mcptransport.Transport, error) {
	switch cfg.Kind {
	case config.KindStdio:
		return mcptransport.NewStdio(mcptransport.StdioOptions{
			Command: cfg.Command,
			Args:    cfg.Args,
			Cwd:     cfg.Cwd,
			Env:     cfg.Env,
		}), nil
	case config.KindHTTP:
		headers, err := m.authHeaders(cfg)
		if err != nil {
			return nil, err
		}
		return mcptransport.NewStreamableHTTP(mcptransport.StreamableHTTPOptions{
			URL:     cfg.URL,
			Headers: headers,
		}), nil
	case config.KindLegacySSE:
		headers, err := m.authHeaders(cfg)
		if err != nil {
			return nil, err
		}
		return mcptransport.NewLegacySSE(mcptransport.LegacySSEOptions{
			URL:     cfg.URL,
			Headers: headers,
		}), nil
	default:
		return nil, fmt.Errorf("%w: unknown transport %q", corerr.ConfigInvalid, cfg.Kind)
	}
}

func (m *Manager) authHeaders(cfg config.ServerConfig) (map[string]string, error) {
	if cfg.AuthKind != config.AuthBearer || cfg.AuthSecretName == "" {
		return nil, nil
	}
	if m.secrets == nil {
		return nil, fmt.Errorf("%w: server %q requires secret %q but no secret store is configured", corerr.ConfigInvalid, cfg.Name, cfg.AuthSecretName)
	}
	token, err := m.secrets.Get(context.Background(), cfg.AuthSecretName)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve secret %q: %v", corerr.ConfigInvalid, cfg.AuthSecretName, err)
	}
	return map[string]string{"Authorization": "Bearer " + token}, nil
}

func (m *Manager) setConnecting(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if state := m.servers[id]; state != nil {
		state.status.Status = StatusConnecting
	}
}

func (m *Manager) markConnected(id string, client *mcpclient.Client, tools []jsonrpc.ToolDefinition, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state := m.servers[id]
	if state == nil {
		_ = client.Dispose()
		return
	}
	state.client = client
	state.tools = tools
	state.status.Status = StatusConnected
	state.status.ToolCount = len(tools)
	state.status.Message = strings.TrimSpace(message)
}

func (m *Manager) markError(id, msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state := m.servers[id]
	if state == nil {
		return
	}
	state.client = nil
	state.tools = nil
	state.status.Status = StatusError
	state.status.ToolCount = 0
	state.status.Message = strings.TrimSpace(msg)
}

// Statuses returns every configured server's status in registry order.
func (m *Manager) Statuses() []Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Status, 0, len(m.order))
	for _, id := range m.order {
		if state := m.servers[id]; state != nil {
			out = append(out, state.status)
		}
	}
	return out
}

func (m *Manager) serverOrder() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}

func (m *Manager) serverConfig(id string) (config.ServerConfig, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state := m.servers[id]
	if state == nil {
		return config.ServerConfig{}, false
	}
	return state.cfg, true
}

func toDescriptor(d jsonrpc.ToolDefinition) ToolDescriptor {
	return ToolDescriptor{Name: d.Name, Description: d.Description, InputSchema: d.InputSchema}
}

func toDescriptors(defs []jsonrpc.ToolDefinition) []ToolDescriptor {
	out := make([]ToolDescriptor, 0, len(defs))
	for _, d := range defs {
		out = append(out, toDescriptor(d))
	}
	return out
}
