package mcptransport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

// newLegacySSEServer wires up a GET /sse stream (bootstrapped with an
// `event: endpoint` payload pointing back at /rpc) and a POST /rpc handler
// that pushes its JSON-RPC response onto the open stream, the same
// bootstrap-then-push shape the legacy SSE transport expects from a real
// server.
func newLegacySSEServer(t *testing.T, respond func(req map[string]any) any) *httptest.Server {
	t.Helper()
	push := make(chan []byte, 8)

	mux := http.NewServeMux()
	mux.HandleFunc("/sse", func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			t.Fatal("response writer does not support flushing")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("event: endpoint\ndata: /rpc\n\n"))
		flusher.Flush()

		for {
			select {
			case payload := <-push:
				_, _ = w.Write([]byte("data: "))
				_, _ = w.Write(payload)
				_, _ = w.Write([]byte("\n\n"))
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})
	mux.HandleFunc("/rpc", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode rpc body: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
		if id, hasID := req["id"]; hasID {
			result := respond(req)
			payload, _ := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": id, "result": result})
			push <- payload
		}
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func TestLegacySSETransport_StartWaitsForEndpointEvent(t *testing.T) {
	server := newLegacySSEServer(t, func(req map[string]any) any { return map[string]any{} })
	transport := NewLegacySSE(LegacySSEOptions{URL: server.URL})

	if err := transport.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	t.Cleanup(func() { _ = transport.Close() })
}

func TestLegacySSETransport_SendRequestCorrelatesResponseFromStream(t *testing.T) {
	server := newLegacySSEServer(t, func(req map[string]any) any {
		if req["method"] != "tools/list" {
			t.Fatalf("unexpected method: %v", req["method"])
		}
		return map[string]any{"tools": []map[string]any{{"name": "echo"}}}
	})
	transport := NewLegacySSE(LegacySSEOptions{URL: server.URL})
	if err := transport.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	t.Cleanup(func() { _ = transport.Close() })

	result, err := transport.SendRequest(context.Background(), "tools/list", nil)
	if err != nil {
		t.Fatalf("SendRequest error: %v", err)
	}
	obj, ok := result.(map[string]any)
	if !ok {
		t.Fatalf("unexpected result shape: %#v", result)
	}
	if _, ok := obj["tools"]; !ok {
		t.Fatalf("expected tools key in result, got %#v", obj)
	}
}

func TestLegacySSETransport_SendRequestBeforeStartFailsWithNotConnected(t *testing.T) {
	transport := NewLegacySSE(LegacySSEOptions{URL: "http://127.0.0.1:0"})
	if _, err := transport.SendRequest(context.Background(), "tools/list", nil); err == nil {
		t.Fatal("expected an error sending a request before Start establishes an endpoint")
	}
}

func TestLegacySSETransport_CloseStopsTheReadLoop(t *testing.T) {
	server := newLegacySSEServer(t, func(req map[string]any) any { return map[string]any{} })
	transport := NewLegacySSE(LegacySSEOptions{URL: server.URL})
	if err := transport.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	if err := transport.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if _, err := transport.SendRequest(context.Background(), "tools/list", nil); err == nil {
		t.Fatal("expected an error sending a request after Close")
	}
}
