package mcptransport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/corvidai/corvid-core/internal/corerr"
	"github.com/corvidai/corvid-core/internal/jsonrpc"
)

// LegacySSEOptions configures the legacy-SSE MCP transport (C3): a
// long-lived GET event stream at {url}/sse and a POST endpoint for
// requests, bootstrapped by the stream's first `event: endpoint` payload.
type LegacySSEOptions struct {
	URL     string
	Headers map[string]string
}

type legacySSETransport struct {
	httpClient *http.Client
	baseURL    *url.URL
	sseURL     string
	headers    map[string]string

	corr *correlationMap
	logs *ringLog

	mu              sync.Mutex
	messageEndpoint string
	endpointReady   chan struct{}
	streamCancel    context.CancelFunc
	streamDone      chan struct{}
}

// NewLegacySSE constructs a legacy-SSE transport. Start must be called
// before use.
func NewLegacySSE(opts LegacySSEOptions) Transport {
	return &legacySSETransport{
		httpClient:    &http.Client{},
		sseURL:        strings.TrimRight(strings.TrimSpace(opts.URL), "/") + "/sse",
		headers:       cloneHeaders(opts.Headers),
		corr:          newCorrelationMap(),
		logs:          newRingLog(),
		endpointReady: make(chan struct{}),
		streamDone:    make(chan struct{}),
	}
}

func (t *legacySSETransport) Start(ctx context.Context) error {
	base, err := url.Parse(t.sseURL)
	if err != nil {
		return fmt.Errorf("%w: invalid legacy-sse url %q: %v", corerr.ConfigInvalid, t.sseURL, err)
	}
	t.baseURL = base

	streamCtx, cancel := context.WithCancel(context.Background())
	t.streamCancel = cancel

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, t.sseURL, nil)
	if err != nil {
		cancel()
		return fmt.Errorf("%w: %v", corerr.TransportError, err)
	}
	req.Header.Set("Accept", "text/event-stream")
	applyHeaders(req.Header, t.headers)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		cancel()
		return fmt.Errorf("%w: open legacy-sse stream: %v", corerr.TransportError, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		cancel()
		return fmt.Errorf("%w: legacy-sse stream returned status %s", corerr.TransportError, resp.Status)
	}

	go t.readLoop(resp.Body)

	// The first event:endpoint payload must arrive before any request can
	// be sent; bound the wait so a silent server does not hang Start
	// forever.
	select {
	case <-t.endpointReady:
	case <-time.After(10 * time.Second):
		cancel()
		return fmt.Errorf("%w: legacy-sse server never sent an endpoint event", corerr.TransportError)
	case <-ctx.Done():
		cancel()
		return ctx.Err()
	}
	return nil
}

func (t *legacySSETransport) readLoop(body io.ReadCloser) {
	defer body.Close()
	defer close(t.streamDone)
	defer t.corr.drain()

	reader := bufio.NewReader(body)
	eventName := ""
	dataLines := make([]string, 0)

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if len(dataLines) == 0 {
				eventName = ""
				continue
			}
			payload := strings.TrimSpace(strings.Join(dataLines, "\n"))
			name := eventName
			dataLines = dataLines[:0]
			eventName = ""
			t.handleEvent(name, payload)
			continue
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
}

func (t *legacySSETransport) handleEvent(name, payload string) {
	if payload == "" {
		return
	}

	if strings.EqualFold(name, "endpoint") {
		t.setMessageEndpoint(payload)
		return
	}

	var envelope map[string]any
	if err := json.Unmarshal([]byte(payload), &envelope); err != nil {
		t.logs.Append(payload)
		return
	}
	rawID, hasID := envelope["id"]
	if !hasID {
		t.logs.Append(payload)
		return
	}
	id, ok := numericID(rawID)
	if !ok {
		t.logs.Append(payload)
		return
	}
	if errValue, ok := envelope["error"]; ok && errValue != nil {
		t.corr.fulfill(id, nil, decodeEnvelopeError(errValue))
		return
	}
	t.corr.fulfill(id, envelope["result"], nil)
}

func (t *legacySSETransport) setMessageEndpoint(raw string) {
	resolved, err := t.baseURL.Parse(raw)
	endpoint := raw
	if err == nil {
		endpoint = resolved.String()
	}

	t.mu.Lock()
	first := t.messageEndpoint == ""
	t.messageEndpoint = endpoint
	t.mu.Unlock()

	if first {
		close(t.endpointReady)
	}
}

func (t *legacySSETransport) currentEndpoint() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.messageEndpoint
}

func (t *legacySSETransport) SendRequest(ctx context.Context, method string, params any) (any, error) {
	endpoint := t.currentEndpoint()
	if endpoint == "" {
		return nil, fmt.Errorf("%w: no message endpoint established", corerr.NotConnected)
	}

	id := t.corr.NextID()
	req := jsonrpc.NewRequest(id, method, params)
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode json-rpc request: %w", err)
	}

	ch := t.corr.register(id)
	if err := t.postMessage(ctx, endpoint, body); err != nil {
		t.corr.abandon(id)
		return nil, fmt.Errorf("%w: %v", corerr.TransportError, err)
	}

	select {
	case res := <-ch:
		return res.value, res.err
	case <-ctx.Done():
		t.corr.abandon(id)
		return nil, ctx.Err()
	case <-t.streamDone:
		t.corr.abandon(id)
		return nil, fmt.Errorf("%w: legacy-sse stream closed", corerr.TransportError)
	}
}

func (t *legacySSETransport) SendNotification(ctx context.Context, method string, params any) error {
	endpoint := t.currentEndpoint()
	if endpoint == "" {
		return fmt.Errorf("%w: no message endpoint established", corerr.NotConnected)
	}
	notif := jsonrpc.NewNotification(method, params)
	body, err := json.Marshal(notif)
	if err != nil {
		return fmt.Errorf("encode json-rpc notification: %w", err)
	}
	if err := t.postMessage(ctx, endpoint, body); err != nil {
		return fmt.Errorf("%w: %v", corerr.TransportError, err)
	}
	return nil
}

func (t *legacySSETransport) postMessage(ctx context.Context, endpoint string, body []byte) error {
	var lastErr error
	for attempt := 0; attempt < httpRequestMaxAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		applyHeaders(req.Header, t.headers)

		resp, err := t.httpClient.Do(req)
		if err != nil {
			lastErr = makeRetryable(err)
			if !isRetryable(lastErr) || attempt == httpRequestMaxAttempts-1 {
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
		statusErr := fmt.Errorf("legacy-sse message post failed with status %s", resp.Status)
		if !shouldRetryHTTPStatus(resp.StatusCode) || attempt == httpRequestMaxAttempts-1 {
			return statusErr
		}
		lastErr = statusErr
		if waitErr := waitHTTPRetry(ctx, attempt+1); waitErr != nil {
			return waitErr
		}
	}
	return lastErr
}

func (t *legacySSETransport) Logs(n int) []string {
	return t.logs.Tail(n)
}

func (t *legacySSETransport) Close() error {
	t.corr.drain()
	if t.streamCancel != nil {
		t.streamCancel()
	}
	select {
	case <-t.streamDone:
	case <-time.After(2 * time.Second):
	}
	return nil
}
