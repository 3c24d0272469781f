package mcpmanager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/corvidai/corvid-core/internal/config"
	"github.com/corvidai/corvid-core/internal/jsonrpc"
	"github.com/corvidai/corvid-core/internal/mcptransport"
	"github.com/corvidai/corvid-core/internal/store"
)

func writeRegistry(t *testing.T, entries map[string]map[string]any) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "mcp.json")
	doc := map[string]any{"mcpServers": entries}
	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal registry fixture: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write registry fixture: %v", err)
	}
	return path
}

// fakeTransport stands in for a real stdio/HTTP connection in tests; it
// answers initialize, tools/list, and tools/call directly without ever
// touching a process or socket.
type fakeTransport struct {
	tools      []jsonrpc.ToolDefinition
	callErr    error
	callResult string

	mu    sync.Mutex
	calls []fakeCall
}

type fakeCall struct {
	toolName string
	argsJSON string
}

func (f *fakeTransport) Start(ctx context.Context) error { return nil }

func (f *fakeTransport) SendRequest(ctx context.Context, method string, params any) (any, error) {
	switch method {
	case "initialize":
		return map[string]any{}, nil
	case "tools/list":
		items := make([]any, 0, len(f.tools))
		for _, d := range f.tools {
			items = append(items, map[string]any{"name": d.Name, "description": d.Description})
		}
		return map[string]any{"tools": items}, nil
	case "tools/call":
		obj, _ := params.(map[string]any)
		name, _ := obj["name"].(string)
		args, _ := json.Marshal(obj["arguments"])

		f.mu.Lock()
		f.calls = append(f.calls, fakeCall{toolName: name, argsJSON: string(args)})
		f.mu.Unlock()

		if f.callErr != nil {
			return nil, f.callErr
		}
		return map[string]any{
			"content": []any{map[string]any{"type": "text", "text": f.callResult}},
		}, nil
	default:
		return nil, fmt.Errorf("fakeTransport: unexpected method %q", method)
	}
}

func (f *fakeTransport) SendNotification(ctx context.Context, method string, params any) error {
	return nil
}

func (f *fakeTransport) Logs(n int) []string { return nil }

func (f *fakeTransport) Close() error { return nil }

func (f *fakeTransport) callsFor(name string) []fakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]fakeCall, 0, len(f.calls))
	for _, c := range f.calls {
		if c.toolName == name {
			out = append(out, c)
		}
	}
	return out
}

// fakeDialer replaces Manager.dial in tests: each server name has its own
// queue of dial outcomes, consumed in order and held on the last entry once
// exhausted, mirroring the teacher's sequenceConnector.
type fakeDialer struct {
	mu      sync.Mutex
	results map[string][]dialOutcome
	calls   map[string]int
}

type dialOutcome struct {
	transport mcptransport.Transport
	err       error
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{results: map[string][]dialOutcome{}, calls: map[string]int{}}
}

func (d *fakeDialer) on(serverName string, outcomes ...dialOutcome) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.results[serverName] = outcomes
}

func (d *fakeDialer) dial(cfg config.ServerConfig) (mcptransport.Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	seq := d.results[cfg.Name]
	idx := d.calls[cfg.Name]
	d.calls[cfg.Name]++
	if len(seq) == 0 {
		return nil, fmt.Errorf("fakeDialer: no outcome configured for %q", cfg.Name)
	}
	if idx >= len(seq) {
		idx = len(seq) - 1
	}
	return seq[idx].transport, seq[idx].err
}

func (d *fakeDialer) callCount(serverName string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[serverName]
}

func newManagerForTest(t *testing.T, registryPath string, dialer *fakeDialer, secrets store.SecretStore) *Manager {
	t.Helper()
	mgr, err := New(registryPath, secrets, WithDialer(dialer.dial))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return mgr
}

func idFor(name string) string { return config.StableID(name) }

func TestManager_CallToolAsync_FromConnectedServer(t *testing.T) {
	path := writeRegistry(t, map[string]map[string]any{
		"localfs": {"transport": "stdio", "command": "localfs-mcp"},
	})

	transport := &fakeTransport{
		tools:      []jsonrpc.ToolDefinition{{Name: "read", Description: "Read from MCP server"}},
		callResult: "ok",
	}
	dialer := newFakeDialer()
	dialer.on("localfs", dialOutcome{transport: transport})

	mgr := newManagerForTest(t, path, dialer, nil)

	id := idFor("localfs")
	if err := mgr.StartServer(context.Background(), id); err != nil {
		t.Fatalf("StartServer() error: %v", err)
	}

	argsJSON := `{"path":"notes/todo.md"}`
	result, err := mgr.CallToolAsync(context.Background(), id, "read", argsJSON)
	if err != nil {
		t.Fatalf("CallToolAsync() error: %v", err)
	}
	if result != "ok" {
		t.Fatalf("expected result %q, got %v", "ok", result)
	}

	calls := transport.callsFor("read")
	if len(calls) != 1 {
		t.Fatalf("expected one tool call, got %d", len(calls))
	}
	if calls[0].argsJSON != argsJSON {
		t.Fatalf("expected raw args JSON %q, got %q", argsJSON, calls[0].argsJSON)
	}
}

func TestManager_StartServer_DegradedStatus_WhenDialFails(t *testing.T) {
	badErr := errors.New("dial tcp: connection refused")

	path := writeRegistry(t, map[string]map[string]any{
		"broken": {"transport": "http", "url": "http://127.0.0.1:9011/mcp"},
		"ok":     {"transport": "stdio", "command": "ok-mcp"},
	})

	dialer := newFakeDialer()
	dialer.on("broken", dialOutcome{err: badErr})
	dialer.on("ok", dialOutcome{transport: &fakeTransport{
		tools: []jsonrpc.ToolDefinition{{Name: "ping"}},
	}})

	mgr := newManagerForTest(t, path, dialer, nil)

	brokenID, okID := idFor("broken"), idFor("ok")
	if err := mgr.StartServer(context.Background(), brokenID); err == nil {
		t.Fatal("expected StartServer to fail for broken server")
	}
	if err := mgr.StartServer(context.Background(), okID); err != nil {
		t.Fatalf("StartServer(ok) error: %v", err)
	}

	brokenStatus, ok := mgr.GetStatus(brokenID)
	if !ok {
		t.Fatal("expected status entry for broken server")
	}
	if brokenStatus.Status != StatusError {
		t.Fatalf("expected broken server status %q, got %q", StatusError, brokenStatus.Status)
	}
	if !strings.Contains(brokenStatus.Message, badErr.Error()) {
		t.Fatalf("expected degraded message to include %q, got %q", badErr.Error(), brokenStatus.Message)
	}

	okStatus, ok := mgr.GetStatus(okID)
	if !ok || okStatus.Status != StatusConnected {
		t.Fatalf("expected ok server connected, got %+v (found=%v)", okStatus, ok)
	}
}

func TestManager_CallToolAsync_ReconnectsAfterCallFailure(t *testing.T) {
	path := writeRegistry(t, map[string]map[string]any{
		"remote": {"transport": "http", "url": "http://127.0.0.1:19001/mcp"},
	})

	broken := &fakeTransport{
		tools:   []jsonrpc.ToolDefinition{{Name: "echo"}},
		callErr: errors.New("connection reset by peer"),
	}
	recovered := &fakeTransport{
		tools:      []jsonrpc.ToolDefinition{{Name: "echo"}},
		callResult: "ok-after-reconnect",
	}

	dialer := newFakeDialer()
	dialer.on("remote", dialOutcome{transport: broken}, dialOutcome{transport: recovered})

	mgr := newManagerForTest(t, path, dialer, nil)
	id := idFor("remote")

	if err := mgr.StartServer(context.Background(), id); err != nil {
		t.Fatalf("StartServer() error: %v", err)
	}

	result, err := mgr.CallToolAsync(context.Background(), id, "echo", `{}`)
	if err != nil {
		t.Fatalf("CallToolAsync() error: %v", err)
	}
	if result != "ok-after-reconnect" {
		t.Fatalf("expected reconnect result, got %v", result)
	}
	if dialer.callCount("remote") < 2 {
		t.Fatalf("expected reconnect to trigger a second dial, got %d calls", dialer.callCount("remote"))
	}

	status, ok := mgr.GetStatus(id)
	if !ok || status.Status != StatusConnected {
		t.Fatalf("expected connected status after reconnect, got %+v (found=%v)", status, ok)
	}
}

func TestManager_StartServer_RecoversFromStartupError(t *testing.T) {
	path := writeRegistry(t, map[string]map[string]any{
		"remote": {"transport": "http", "url": "http://127.0.0.1:19002/mcp"},
	})

	recovered := &fakeTransport{
		tools:      []jsonrpc.ToolDefinition{{Name: "echo"}},
		callResult: "pong",
	}
	dialer := newFakeDialer()
	dialer.on("remote", dialOutcome{err: errors.New("connect timeout")}, dialOutcome{transport: recovered})

	mgr := newManagerForTest(t, path, dialer, nil)
	id := idFor("remote")

	if err := mgr.StartServer(context.Background(), id); err == nil {
		t.Fatal("expected first StartServer attempt to fail")
	}
	before, ok := mgr.GetStatus(id)
	if !ok || before.Status != StatusError {
		t.Fatalf("expected error status before recovery, got %+v (found=%v)", before, ok)
	}

	if err := mgr.StartServer(context.Background(), id); err != nil {
		t.Fatalf("StartServer() second attempt error: %v", err)
	}
	after, ok := mgr.GetStatus(id)
	if !ok || after.Status != StatusConnected {
		t.Fatalf("expected connected status after recovery, got %+v (found=%v)", after, ok)
	}
}

func TestManager_Connect_SkipsDisabledServers(t *testing.T) {
	path := writeRegistry(t, map[string]map[string]any{
		"disabled": {"transport": "stdio", "command": "disabled-mcp", "disabled": true},
		"enabled":  {"transport": "stdio", "command": "enabled-mcp"},
	})

	dialer := newFakeDialer()
	dialer.on("enabled", dialOutcome{transport: &fakeTransport{tools: []jsonrpc.ToolDefinition{{Name: "ping"}}}})

	mgr := newManagerForTest(t, path, dialer, nil)
	mgr.Connect(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for dialer.callCount("enabled") == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	if dialer.callCount("enabled") == 0 {
		t.Fatal("expected Connect to dial the enabled server")
	}
	if dialer.callCount("disabled") != 0 {
		t.Fatalf("expected Connect to never dial the disabled server, got %d calls", dialer.callCount("disabled"))
	}

	statuses := mgr.Statuses()
	if len(statuses) != 2 {
		t.Fatalf("expected both servers to remain in the registry, got %d", len(statuses))
	}
}

func TestManager_GetAllToolsAsync_NameCollisionFirstRegisteredWins(t *testing.T) {
	path := writeRegistry(t, map[string]map[string]any{
		"alpha": {"transport": "stdio", "command": "alpha-mcp"},
		"beta":  {"transport": "stdio", "command": "beta-mcp"},
	})

	dialer := newFakeDialer()
	dialer.on("alpha", dialOutcome{transport: &fakeTransport{
		tools: []jsonrpc.ToolDefinition{{Name: "search", Description: "alpha search"}},
	}})
	dialer.on("beta", dialOutcome{transport: &fakeTransport{
		tools: []jsonrpc.ToolDefinition{{Name: "search", Description: "beta search"}},
	}})

	mgr := newManagerForTest(t, path, dialer, nil)
	ctx := context.Background()
	if err := mgr.StartServer(ctx, idFor("alpha")); err != nil {
		t.Fatalf("StartServer(alpha) error: %v", err)
	}
	if err := mgr.StartServer(ctx, idFor("beta")); err != nil {
		t.Fatalf("StartServer(beta) error: %v", err)
	}

	catalog := mgr.GetAllToolsAsync(ctx)
	var found int
	for _, loc := range catalog {
		if loc.Descriptor.Name == "search" {
			found++
			if loc.ServerName != "alpha" {
				t.Fatalf("expected collision to resolve to first-registered server %q, got %q", "alpha", loc.ServerName)
			}
		}
	}
	if found != 1 {
		t.Fatalf("expected exactly one surviving %q tool, got %d", "search", found)
	}
}

func TestManager_AuthHeaders_BearerWithoutSecretStoreFails(t *testing.T) {
	path := writeRegistry(t, map[string]map[string]any{
		"remote": {
			"transport":      "http",
			"url":            "http://127.0.0.1:19003/mcp",
			"authKind":       "bearer",
			"authSecretName": "remote-api-key",
		},
	})

	dialer := newFakeDialer() // never reached; authHeaders fails before dial
	mgr := newManagerForTest(t, path, dialer, nil)

	err := mgr.StartServer(context.Background(), idFor("remote"))
	if err == nil {
		t.Fatal("expected StartServer to fail when bearer auth has no secret store")
	}
	if !strings.Contains(err.Error(), "secret store") {
		t.Fatalf("expected error to mention missing secret store, got %v", err)
	}
	if dialer.callCount("remote") != 0 {
		t.Fatalf("expected dial to never be attempted, got %d calls", dialer.callCount("remote"))
	}
}

func TestManager_AuthHeaders_ResolvesBearerSecret(t *testing.T) {
	path := writeRegistry(t, map[string]map[string]any{
		"remote": {
			"transport":      "http",
			"url":            "http://127.0.0.1:19004/mcp",
			"authKind":       "bearer",
			"authSecretName": "remote-api-key",
		},
	})

	secrets := store.NewMemorySecretStore()
	if err := secrets.Set(context.Background(), "remote-api-key", "s3cr3t"); err != nil {
		t.Fatalf("seed secret: %v", err)
	}

	dialer := newFakeDialer()
	dialer.on("remote", dialOutcome{transport: &fakeTransport{tools: []jsonrpc.ToolDefinition{{Name: "ping"}}}})

	mgr := newManagerForTest(t, path, dialer, secrets)
	if err := mgr.StartServer(context.Background(), idFor("remote")); err != nil {
		t.Fatalf("StartServer() error: %v", err)
	}
}
