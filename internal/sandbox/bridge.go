package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/corvidai/corvid-core/internal/corerr"
	"github.com/corvidai/corvid-core/internal/mcpmanager"
)

// ToolSource is the dependency the sandbox's loopback bridge calls
// through; *mcpmanager.Manager satisfies it.
type ToolSource interface {
	GetAllToolsAsync(ctx context.Context) []mcpmanager.ToolLocator
	CallToolByNameAsync(ctx context.Context, name, argsJSON string) (any, error)
}

// bridgeServer is the per-ExecuteCode-call loopback HTTP server the
// synthesized workspace's bridge module talks to.
type bridgeServer struct {
	listener net.Listener
	httpSrv  *http.Server
}

// startBridge binds an ephemeral loopback port and starts serving
// /call-tool in the background. The caller must call shutdown once the
// code runner has exited.
func startBridge(manager ToolSource) (*bridgeServer, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("%w: bind sandbox bridge port: %v", corerr.TransportError, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/call-tool", callToolHandler(manager))

	httpSrv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
			slog.Error("sandbox bridge server stopped unexpectedly", "error", err)
		}
	}()

	return &bridgeServer{listener: listener, httpSrv: httpSrv}, nil
}

func (b *bridgeServer) port() int {
	return b.listener.Addr().(*net.TCPAddr).Port
}

func (b *bridgeServer) shutdown(ctx context.Context) {
	_ = b.httpSrv.Shutdown(ctx)
}

type callToolRequest struct {
	Tool string `json:"tool"`
	Args any    `json:"args"`
}

func callToolHandler(manager ToolSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeBridgeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
			return
		}

		var req callToolRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeBridgeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json body"})
			return
		}

		argsJSON, err := json.Marshal(req.Args)
		if err != nil {
			writeBridgeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
			return
		}

		result, err := manager.CallToolByNameAsync(r.Context(), req.Tool, string(argsJSON))
		if err != nil {
			writeBridgeJSON(w, http.StatusOK, map[string]any{"error": err.Error()})
			return
		}
		writeBridgeJSON(w, http.StatusOK, map[string]any{"result": result})
	}
}

func writeBridgeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
