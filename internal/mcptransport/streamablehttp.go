package mcptransport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/corvidai/corvid-core/internal/corerr"
	"github.com/corvidai/corvid-core/internal/jsonrpc"
)

// StreamableHTTPOptions configures the streamable-HTTP MCP transport (C2):
// a single endpoint accepting POSTed JSON-RPC requests whose response may
// be a plain JSON object or an SSE stream.
type StreamableHTTPOptions struct {
	URL     string
	Headers map[string]string
}

type streamableHTTPTransport struct {
	httpClient *http.Client
	endpoint   string
	headers    map[string]string

	mu        sync.Mutex
	sessionID string

	corr *correlationMap
	logs *ringLog
}

// NewStreamableHTTP constructs a streamable-HTTP transport.
func NewStreamableHTTP(opts StreamableHTTPOptions) Transport {
	return &streamableHTTPTransport{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		endpoint:   strings.TrimSpace(opts.URL),
		headers:    cloneHeaders(opts.Headers),
		corr:       newCorrelationMap(),
		logs:       newRingLog(),
	}
}

func (t *streamableHTTPTransport) Start(ctx context.Context) error {
	if t.endpoint == "" {
		return fmt.Errorf("%w: streamable http transport requires url", corerr.ConfigInvalid)
	}
	return nil
}

func (t *streamableHTTPTransport) SendRequest(ctx context.Context, method string, params any) (any, error) {
	id := t.corr.NextID()
	req := jsonrpc.NewRequest(id, method, params)
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode json-rpc request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < httpRequestMaxAttempts; attempt++ {
		result, matched, err := t.postAndRead(ctx, body, id)
		if err == nil && matched {
			return result, nil
		}
		if err == nil {
			lastErr = fmt.Errorf("json-rpc response id mismatch")
			break
		}
		lastErr = err
		if !isRetryable(err) || attempt == httpRequestMaxAttempts-1 {
			break
		}
		if waitErr := waitHTTPRetry(ctx, attempt+1); waitErr != nil {
			return nil, waitErr
		}
	}
	return nil, fmt.Errorf("%w: streamable http %s: %v", corerr.TransportError, method, lastErr)
}

func (t *streamableHTTPTransport) SendNotification(ctx context.Context, method string, params any) error {
	notif := jsonrpc.NewNotification(method, params)
	body, err := json.Marshal(notif)
	if err != nil {
		return fmt.Errorf("encode json-rpc notification: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < httpRequestMaxAttempts; attempt++ {
		resp, err := t.post(ctx, body)
		if err != nil {
			lastErr = err
			if !isRetryable(err) || attempt == httpRequestMaxAttempts-1 {
				break
			}
			if waitErr := waitHTTPRetry(ctx, attempt+1); waitErr != nil {
				return waitErr
			}
			continue
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		statusErr := fmt.Errorf("notification failed with status %s", resp.Status)
		if !shouldRetryHTTPStatus(resp.StatusCode) {
			return fmt.Errorf("%w: %v", corerr.TransportError, statusErr)
		}
		lastErr = statusErr
		if attempt == httpRequestMaxAttempts-1 {
			break
		}
		if waitErr := waitHTTPRetry(ctx, attempt+1); waitErr != nil {
			return waitErr
		}
	}
	return fmt.Errorf("%w: %v", corerr.TransportError, lastErr)
}

func (t *streamableHTTPTransport) post(ctx context.Context, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	applyHeaders(req.Header, t.headers)

	t.mu.Lock()
	sessionID := t.sessionID
	t.mu.Unlock()
	if sessionID != "" {
		req.Header.Set("mcp-session-id", sessionID)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, makeRetryable(err)
	}

	if sid := resp.Header.Get("mcp-session-id"); sid != "" {
		t.mu.Lock()
		t.sessionID = sid
		t.mu.Unlock()
	}
	return resp, nil
}

func (t *streamableHTTPTransport) postAndRead(ctx context.Context, body []byte, id int64) (any, bool, error) {
	resp, err := t.post(ctx, body)
	if err != nil {
		return nil, false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		statusErr := fmt.Errorf("streamable http request failed: %s", strings.TrimSpace(string(msg)))
		if shouldRetryHTTPStatus(resp.StatusCode) {
			return nil, false, makeRetryable(statusErr)
		}
		return nil, false, statusErr
	}

	contentType := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Type")))
	if strings.HasPrefix(contentType, "text/event-stream") {
		return t.readResultFromSSE(ctx, resp.Body, id)
	}

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, false, fmt.Errorf("read streamable http response: %w", err)
	}
	result, matched, err := jsonrpc.DecodeResponse(payload, id)
	return result, matched, err
}

// readResultFromSSE reads SSE events until one carries the response with
// the matching id. A bare `data:` line (no `event:` line) is treated as
// `event: message` per the SSE spec; other named events are notifications
// and are recorded as logs.
func (t *streamableHTTPTransport) readResultFromSSE(ctx context.Context, body io.Reader, expectedID int64) (any, bool, error) {
	reader := bufio.NewReader(body)
	eventName := ""
	dataLines := make([]string, 0)

	for {
		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		default:
		}

		line, err := reader.ReadString('\n')
		if err != nil {
			if len(dataLines) > 0 {
				break
			}
			return nil, false, fmt.Errorf("read sse response: %w", err)
		}
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if len(dataLines) == 0 {
				eventName = ""
				continue
			}
			payload := strings.TrimSpace(strings.Join(dataLines, "\n"))
			dataLines = dataLines[:0]
			name := eventName
			eventName = ""
			if payload == "" {
				continue
			}
			if name != "" && !strings.EqualFold(name, "message") {
				t.logs.Append(fmt.Sprintf("event: %s data: %s", name, payload))
				continue
			}
			result, matched, err := jsonrpc.DecodeResponse([]byte(payload), expectedID)
			if err != nil {
				return nil, false, err
			}
			if !matched {
				t.logs.Append(payload)
				continue
			}
			return result, true, nil
		}

		if strings.HasPrefix(line, ":") {
			continue
		}
		if strings.HasPrefix(line, "event:") {
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			continue
		}
		if strings.HasPrefix(line, "data:") {
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	return nil, false, fmt.Errorf("sse stream ended without matching response")
}

func (t *streamableHTTPTransport) Logs(n int) []string {
	return t.logs.Tail(n)
}

func (t *streamableHTTPTransport) Close() error {
	t.corr.drain()
	return nil
}

func cloneHeaders(src map[string]string) map[string]string {
	out := make(map[string]string, len(src))
	for key, value := range src {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		out[key] = value
	}
	return out
}
