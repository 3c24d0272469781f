package chatstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/corvidai/corvid-core/internal/config"
	"github.com/corvidai/corvid-core/internal/corerr"
	"github.com/corvidai/corvid-core/internal/store"
)

// ChatMessage is one entry of a TurnRequest's ordered message list.
type ChatMessage struct {
	Role    string
	Content string
}

// Request is the outbound shape handed to Stream: the model, the full
// prior history, and an optional tool catalog already translated into
// the gateway's function-calling shape (the orchestrator owns that
// translation; this package only ships it across the wire).
type Request struct {
	Model    string
	Messages []ChatMessage
	Tools    []any
}

// Client issues streaming chat-completions requests against one
// configured gateway. A Client is safe for concurrent use; each Stream
// call owns its own HTTP request and response body.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	referer    string
	title      string
}

// NewClient resolves the gateway's bearer token from secrets (under
// cfg.AuthSecretName) and returns a ready-to-use Client. A blank
// AuthSecretName is treated as an unauthenticated gateway.
func NewClient(ctx context.Context, cfg config.GatewayConfig, secrets store.SecretStore) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("%w: gateway base_url is not configured", corerr.ConfigInvalid)
	}

	var token string
	if name := strings.TrimSpace(cfg.AuthSecretName); name != "" {
		if secrets == nil {
			return nil, fmt.Errorf("%w: gateway requires secret %q but no secret store is configured", corerr.ConfigInvalid, name)
		}
		resolved, err := secrets.Get(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("%w: resolve gateway secret %q: %v", corerr.ConfigInvalid, name, err)
		}
		token = resolved
	}

	return &Client{
		httpClient: &http.Client{Timeout: 0}, // streaming: no fixed response deadline, see spec §5
		baseURL:    baseURL,
		token:      token,
		referer:    strings.TrimSpace(cfg.HTTPReferer),
		title:      strings.TrimSpace(cfg.Title),
	}, nil
}

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type wireRequest struct {
	Model         string        `json:"model"`
	Messages      []wireMessage `json:"messages"`
	Stream        bool          `json:"stream"`
	StreamOptions streamOptions `json:"stream_options"`
	Tools         []any         `json:"tools,omitempty"`
}

// Stream opens the chat-completions POST and returns a Parser over its
// SSE body. The caller must Close the parser (directly or by draining it
// to exhaustion) to release the underlying HTTP response.
func (c *Client) Stream(ctx context.Context, req Request) (*Parser, error) {
	wireMessages := make([]wireMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		wireMessages = append(wireMessages, wireMessage{Role: m.Role, Content: m.Content})
	}
	body, err := json.Marshal(wireRequest{
		Model:         req.Model,
		Messages:      wireMessages,
		Stream:        true,
		StreamOptions: streamOptions{IncludeUsage: true},
		Tools:         req.Tools,
	})
	if err != nil {
		return nil, fmt.Errorf("encode chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.referer != "" {
		httpReq.Header.Set("HTTP-Referer", c.referer)
	}
	if c.title != "" {
		httpReq.Header.Set("X-Title", c.title)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", corerr.GatewayError, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
		return nil, fmt.Errorf("%w: gateway returned %s: %s", corerr.GatewayError, resp.Status, strings.TrimSpace(string(snippet)))
	}

	return NewParser(resp.Body), nil
}

// pingTimeout bounds settings.testGateway; streaming requests themselves
// are not bounded (see spec §5 "Model stream: no intrinsic timeout").
const pingTimeout = 10 * time.Second

// TestGateway issues a minimal request to confirm the configured base
// URL and credentials are reachable, without consuming a full
// completion. It is the implementation behind the GUI's
// settings.testGateway operation.
func (c *Client) TestGateway(ctx context.Context, model string) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	parser, err := c.Stream(ctx, Request{
		Model:    model,
		Messages: []ChatMessage{{Role: "user", Content: "ping"}},
	})
	if err != nil {
		return err
	}
	defer parser.Close()

	_, err = parser.Next()
	return err
}
