package chatstream

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/corvidai/corvid-core/internal/corerr"
)

// ErrExhausted is returned by Next once the sequence has produced its
// terminal DoneChunk (or hit a malformed trailing state); callers must
// stop calling Next.
var ErrExhausted = errors.New("chatstream: sequence exhausted")

var dataPrefix = []byte("data: ")

type rawChunk struct {
	Choices []rawChoice `json:"choices"`
	Usage   *rawUsage   `json:"usage"`
}

type rawChoice struct {
	Delta        rawDelta `json:"delta"`
	FinishReason string   `json:"finish_reason"`
}

type rawDelta struct {
	Content   string             `json:"content"`
	Reasoning string             `json:"reasoning"`
	ToolCalls []rawToolCallDelta `json:"tool_calls"`
}

type rawToolCallDelta struct {
	ID       string `json:"id"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type rawUsage struct {
	PromptTokens            int64 `json:"prompt_tokens"`
	CompletionTokens        int64 `json:"completion_tokens"`
	TotalTokens             int64 `json:"total_tokens"`
	CompletionTokensDetails *struct {
		ReasoningTokens int64 `json:"reasoning_tokens"`
	} `json:"completion_tokens_details"`
	Cost float64 `json:"cost"`
}

func (u *rawUsage) toUsage() Usage {
	if u == nil {
		return Usage{}
	}
	out := Usage{
		InputTokens:  u.PromptTokens,
		OutputTokens: u.CompletionTokens,
		TotalTokens:  u.TotalTokens,
		CostUSD:      u.Cost,
	}
	if u.CompletionTokensDetails != nil {
		out.ReasoningTokens = u.CompletionTokensDetails.ReasoningTokens
	}
	return out
}

// pendingToolCall accumulates one tool call's streamed fragments. Per the
// wire format the argument string is a JSON text delivered as a sequence
// of substrings that must be concatenated verbatim; it is never parsed
// until the call is assembled.
type pendingToolCall struct {
	id           string
	name         string
	argumentsRaw strings.Builder
}

// Parser consumes an SSE body and produces a finite, non-restartable
// sequence of StreamChunk values. It is pull-shaped: call Next until it
// returns ErrExhausted or a transport error.
type Parser struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	pending *pendingToolCall
	closed  bool

	// awaitingUsage is set once a terminal finish_reason has been seen
	// with no usage attached yet. Some gateways (OpenRouter among them)
	// send usage:null on the stop frame and deliver the real totals in a
	// later no-choices frame ahead of [DONE]; while this is set, Next
	// keeps reading past the stop frame instead of closing on it.
	awaitingUsage bool
}

// NewParser wraps an SSE response body. The caller remains responsible
// for closing body if the parser is abandoned before exhaustion; Close
// does this for the caller on the normal path.
func NewParser(body io.ReadCloser) *Parser {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	return &Parser{body: body, scanner: scanner}
}

// Close releases the underlying body; idempotent.
func (p *Parser) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	return p.body.Close()
}

// Next returns the next StreamChunk. Once a DoneChunk has been returned,
// subsequent calls return (nil, ErrExhausted). A read failure off the
// wire is classified as a GatewayError and also exhausts the sequence.
func (p *Parser) Next() (StreamChunk, error) {
	if p.closed {
		return nil, ErrExhausted
	}

	for {
		if !p.scanner.Scan() {
			_ = p.Close()
			if err := p.scanner.Err(); err != nil {
				return nil, fmt.Errorf("%w: read chat stream: %v", corerr.GatewayError, err)
			}
			// The stream closed without an explicit terminal frame; treat
			// it as a clean end with whatever usage we have (none).
			return DoneChunk{}, nil
		}

		line := p.scanner.Bytes()
		trimmed := strings.TrimSpace(string(line))
		if trimmed == "" || strings.HasPrefix(trimmed, ":") {
			continue
		}
		if !strings.HasPrefix(trimmed, "data: ") && !strings.HasPrefix(trimmed, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(trimmed, "data:"))
		if payload == "[DONE]" {
			_ = p.Close()
			return DoneChunk{}, nil
		}

		chunk, emit, ok := p.handlePayload(payload)
		if !ok {
			continue
		}
		if _, isDone := chunk.(DoneChunk); isDone {
			_ = p.Close()
		}
		_ = emit
		return chunk, nil
	}
}

// handlePayload decodes one data frame and advances tool-call assembly
// state. ok is false when the frame carries nothing worth surfacing (e.g.
// an empty delta) and the caller should keep reading.
func (p *Parser) handlePayload(payload string) (chunk StreamChunk, emit bool, ok bool) {
	var raw rawChunk
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		// Malformed frames are skipped; the wire is otherwise healthy.
		return nil, false, false
	}

	if len(raw.Choices) == 0 {
		if raw.Usage != nil {
			p.awaitingUsage = false
			return DoneChunk{Usage: raw.Usage.toUsage()}, true, true
		}
		return nil, false, false
	}

	if p.awaitingUsage {
		// A terminal frame already fired with no usage; discard anything
		// but the trailing no-choices usage frame handled above, until
		// that frame or [DONE] arrives.
		return nil, false, false
	}

	choice := raw.Choices[0]
	delta := choice.Delta

	if len(delta.ToolCalls) > 0 {
		p.assembleToolCall(delta.ToolCalls[0])
	}

	switch choice.FinishReason {
	case "tool_calls":
		assembled := p.pending
		p.pending = nil
		if assembled == nil {
			return p.terminal(raw.Usage)
		}
		return ToolCallAssembledChunk{
			ID:           assembled.id,
			Name:         assembled.name,
			ArgumentsRaw: assembled.argumentsRaw.String(),
		}, true, true
	case "stop":
		return p.terminal(raw.Usage)
	case "":
		// Still streaming; fall through to content/reasoning handling.
	default:
		// length, content_filter, and any other terminal reason: no tool
		// call is surfaced.
		return p.terminal(raw.Usage)
	}

	if delta.Content != "" {
		return ContentChunk{Text: delta.Content}, true, true
	}
	if delta.Reasoning != "" {
		return ReasoningChunk{Text: delta.Reasoning}, true, true
	}
	return nil, false, false
}

// terminal decides how to react to a finish_reason that ends the choice
// stream. If usage already rode along, the sequence is done now; if not,
// Next keeps reading in case a trailing no-choices usage frame follows.
func (p *Parser) terminal(usage *rawUsage) (StreamChunk, bool, bool) {
	if usage != nil {
		p.awaitingUsage = false
		return DoneChunk{Usage: usage.toUsage()}, true, true
	}
	p.awaitingUsage = true
	return nil, false, false
}

func (p *Parser) assembleToolCall(delta rawToolCallDelta) {
	if p.pending == nil {
		p.pending = &pendingToolCall{}
	}
	if delta.ID != "" {
		p.pending.id = delta.ID
	}
	if delta.Function.Name != "" {
		p.pending.name = delta.Function.Name
	}
	p.pending.argumentsRaw.WriteString(delta.Function.Arguments)
}
