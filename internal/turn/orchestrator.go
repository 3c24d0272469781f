// Package turn implements the chat streaming and tool-orchestration loop
// (C7): it drives one user turn end to end, threading model output and
// tool calls through either the full MCP aggregate catalog (direct mode)
// or the code-mode sandbox (execute_code / search_tools), and narrates
// every step onto an event bus for the UI to render live.
package turn

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cloudwego/eino/components/tool"
	"github.com/corvidai/corvid-core/internal/chatstream"
	"github.com/corvidai/corvid-core/internal/corerr"
	"github.com/corvidai/corvid-core/internal/eventbus"
	"github.com/corvidai/corvid-core/internal/metrics"
	"github.com/corvidai/corvid-core/internal/store"
)

// MaxToolCalls bounds how many tool round-trips a single turn may make.
// A tool call requested beyond the limit is not dispatched; the turn ends
// with a "[maximum tool calls reached]" marker appended to its text.
const MaxToolCalls = 30

// ErrTurnInFlight is returned by RunTurn when a turn is already running
// for the same conversation; conversations support at most one live turn.
var ErrTurnInFlight = errors.New("a turn is already running for this conversation")

// CodeRunner executes one code-mode submission in the sandbox and
// returns its captured stdout/return value as text. It is the seam C8
// is expected to satisfy; tests substitute a fake.
type CodeRunner interface {
	ExecuteCode(ctx context.Context, code string) (string, error)
}

// Gateway is the chat-stream client seam. *chatstream.Client satisfies
// it; tests substitute a fake that drives a canned SSE body through the
// real chatstream.Parser.
type Gateway interface {
	Stream(ctx context.Context, req chatstream.Request) (*chatstream.Parser, error)
}

// ToolManager is the MCP manager seam, expressed in terms of eino's own
// tool abstraction rather than the manager's concrete catalog type.
// *mcpmanager.Manager satisfies it via Adapters; tests substitute a fake
// catalog of InvokableTools.
type ToolManager interface {
	Adapters(ctx context.Context) []tool.InvokableTool
}

// Orchestrator owns the turn loop. It holds no conversation state itself
// beyond the live-turn registry; everything persisted lives in the
// injected ConversationStore.
type Orchestrator struct {
	gateway       Gateway
	manager       ToolManager
	sandbox       CodeRunner
	conversations store.ConversationStore
	bus           *eventbus.Bus
	metrics       *metrics.Recorder

	mu   sync.Mutex
	live map[string]context.CancelFunc
}

// New constructs an Orchestrator. sandbox may be nil if code mode is
// never used; RunTurn rejects a code-mode request in that case. recorder
// may be nil; every metrics call on a nil *metrics.Recorder is a no-op.
func New(gateway Gateway, manager ToolManager, sandbox CodeRunner, conversations store.ConversationStore, bus *eventbus.Bus, recorder *metrics.Recorder) *Orchestrator {
	return &Orchestrator{
		gateway:       gateway,
		manager:       manager,
		sandbox:       sandbox,
		conversations: conversations,
		bus:           bus,
		metrics:       recorder,
		live:          make(map[string]context.CancelFunc),
	}
}

// CancelTurn cancels the in-flight turn for conversationID, if any, and
// reports whether one was found.
func (o *Orchestrator) CancelTurn(conversationID string) bool {
	o.mu.Lock()
	cancel, ok := o.live[conversationID]
	o.mu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}

func (o *Orchestrator) registerLive(conversationID string, cancel context.CancelFunc) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.live[conversationID]; exists {
		return ErrTurnInFlight
	}
	o.live[conversationID] = cancel
	return nil
}

func (o *Orchestrator) clearLive(conversationID string) {
	o.mu.Lock()
	delete(o.live, conversationID)
	o.mu.Unlock()
}

// RunTurn drives one user turn to completion: persist the user message
// and an assistant placeholder, stream the model's reply, dispatch any
// tool calls it makes (up to MaxToolCalls), and finalize the assistant
// message once the model stops calling tools. Cancelling ctx terminates
// the in-flight stream or tool call promptly and finalizes with whatever
// content was already produced.
func (o *Orchestrator) RunTurn(ctx context.Context, conversationID, userText, model string, codeMode bool) (string, eventbus.Usage, error) {
	if codeMode && o.sandbox == nil {
		return "", eventbus.Usage{}, fmt.Errorf("%w: code mode requested but no sandbox is configured", corerr.ConfigInvalid)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := o.registerLive(conversationID, cancel); err != nil {
		return "", eventbus.Usage{}, err
	}
	defer o.clearLive(conversationID)

	if _, err := o.conversations.AppendMessage(ctx, store.Message{
		ConversationID: conversationID,
		Role:           store.RoleUser,
		Content:        userText,
	}); err != nil {
		return "", eventbus.Usage{}, fmt.Errorf("persist user message: %w", err)
	}
	placeholder, err := o.conversations.AppendMessage(ctx, store.Message{
		ConversationID: conversationID,
		Role:           store.RoleAssistant,
		Content:        "",
		Model:          model,
	})
	if err != nil {
		return "", eventbus.Usage{}, fmt.Errorf("persist assistant placeholder: %w", err)
	}
	messageID := placeholder.ID
	o.bus.Publish(eventbus.Start(messageID))

	history, err := o.buildHistory(ctx, conversationID, messageID, codeMode)
	if err != nil {
		return o.finalizeGatewayError(messageID, conversationID, "", err)
	}

	var catalog []tool.InvokableTool
	var tools []any
	if codeMode {
		tools = codeModeTools()
	} else {
		catalog = o.manager.Adapters(ctx)
		tools = translateTools(ctx, catalog)
	}

	var assembled strings.Builder
	var totalUsage eventbus.Usage
	var sawReasoning bool
	toolCalls := 0

	for {
		if ctx.Err() != nil {
			return o.finalizeCancelled(messageID, conversationID, assembled.String())
		}

		chunkUsage, toolCall, streamErr := o.streamOnce(ctx, model, history, tools, messageID, &assembled, &sawReasoning)
		totalUsage = mergeUsage(totalUsage, chunkUsage)

		if ctx.Err() != nil {
			return o.finalizeCancelled(messageID, conversationID, assembled.String())
		}
		if streamErr != nil {
			return o.finalizeGatewayError(messageID, conversationID, assembled.String(), streamErr)
		}

		if toolCall == nil {
			break
		}
		if toolCalls >= MaxToolCalls {
			assembled.WriteString("\n\n[maximum tool calls reached]")
			break
		}
		toolCalls++

		o.bus.Publish(eventbus.ToolCallStart(messageID, toolCall.Name, toolCall.ArgumentsRaw))
		callStart := time.Now()
		resultText, success := o.dispatchToolCall(ctx, codeMode, catalog, toolCall.Name, toolCall.ArgumentsRaw)
		var callErr error
		if !success {
			callErr = fmt.Errorf("%s: %s", toolCall.Name, resultText)
		}
		o.metrics.RecordToolCall(time.Since(callStart), callErr)
		o.bus.Publish(eventbus.ToolCallResult(messageID, toolCall.Name, truncateForDisplay(resultText), success))

		history = append(history,
			chatstream.ChatMessage{Role: "assistant", Content: fmt.Sprintf("[Called %s]", toolCall.Name)},
			chatstream.ChatMessage{Role: "user", Content: fmt.Sprintf("Tool result for %s:\n%s", toolCall.Name, resultText)},
		)
	}

	finalText := assembled.String()
	if !sawReasoning {
		// No provider-native reasoning delta arrived this turn; fall back
		// to pulling a <think>...</think> block out of the assembled
		// content, the shape some gateways use instead.
		if think, response, found := chatstream.SplitThink(finalText); found {
			o.bus.Publish(eventbus.Reasoning(messageID, think))
			finalText = response
		}
	}
	if err := o.conversations.UpdateMessage(ctx, store.Message{
		ID:             messageID,
		ConversationID: conversationID,
		Role:           store.RoleAssistant,
		Content:        finalText,
		Model:          model,
	}); err != nil {
		return finalText, totalUsage, fmt.Errorf("persist final assistant message: %w", err)
	}
	o.metrics.RecordTurnUsage(totalUsage.InputTokens, totalUsage.OutputTokens, totalUsage.TotalTokens)
	o.bus.Publish(eventbus.Done(messageID, totalUsage))
	return finalText, totalUsage, nil
}

// streamOnce opens one chat-completions request and drains it, folding
// content/reasoning into assembled and publishing Delta/Reasoning events
// as they arrive. It returns the usage observed on this call, the one
// tool call assembled (if any), and any stream-level error. sawReasoning
// is set to true the first time a native ReasoningChunk arrives, so the
// caller knows whether the <think>-tag fallback is still needed.
func (o *Orchestrator) streamOnce(ctx context.Context, model string, history []chatstream.ChatMessage, tools []any, messageID string, assembled *strings.Builder, sawReasoning *bool) (eventbus.Usage, *chatstream.ToolCallAssembledChunk, error) {
	parser, err := o.gateway.Stream(ctx, chatstream.Request{Model: model, Messages: history, Tools: tools})
	if err != nil {
		return eventbus.Usage{}, nil, err
	}
	defer parser.Close()

	var usage eventbus.Usage
	var toolCall *chatstream.ToolCallAssembledChunk

	for {
		chunk, err := parser.Next()
		if err != nil {
			if errors.Is(err, chatstream.ErrExhausted) {
				return usage, toolCall, nil
			}
			return usage, toolCall, err
		}

		switch c := chunk.(type) {
		case chatstream.ContentChunk:
			assembled.WriteString(c.Text)
			o.bus.Publish(eventbus.Delta(messageID, c.Text))
		case chatstream.ReasoningChunk:
			*sawReasoning = true
			o.bus.Publish(eventbus.Reasoning(messageID, c.Text))
		case chatstream.ToolCallAssembledChunk:
			cc := c
			toolCall = &cc
		case chatstream.DoneChunk:
			usage = toEventUsage(c.Usage)
			return usage, toolCall, nil
		}

		if ctx.Err() != nil {
			return usage, toolCall, nil
		}
	}
}

// buildHistory assembles the system prompt followed by every prior
// message in the conversation, excluding the assistant placeholder that
// was just appended for this turn.
func (o *Orchestrator) buildHistory(ctx context.Context, conversationID, placeholderID string, codeMode bool) ([]chatstream.ChatMessage, error) {
	history := []chatstream.ChatMessage{
		{Role: "system", Content: systemPrompt(codeMode)},
	}

	prior, err := o.conversations.ListMessages(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("load conversation history: %w", err)
	}
	for _, m := range prior {
		if m.ID == placeholderID {
			continue
		}
		history = append(history, chatstream.ChatMessage{Role: string(m.Role), Content: m.Content})
	}
	return history, nil
}

func systemPrompt(codeMode bool) string {
	base := "You are Corvid, a desktop AI assistant with access to tools exposed by Model Context Protocol servers. Be helpful and concise, and use tools when they let you answer more accurately."
	if !codeMode {
		return base
	}
	return base + " You are in code mode: call execute_code with JavaScript that drives MCP tools directly instead of calling them one at a time, and call search_tools first to discover what is available."
}

func (o *Orchestrator) dispatchToolCall(ctx context.Context, codeMode bool, catalog []tool.InvokableTool, name, argsRaw string) (resultText string, success bool) {
	if codeMode {
		return o.dispatchCodeModeTool(ctx, catalog, name, argsRaw)
	}

	adapter, ok := findToolByName(ctx, catalog, name)
	if !ok {
		return fmt.Sprintf("Error: unknown tool %q", name), false
	}
	result, err := adapter.InvokableRun(ctx, argsRaw)
	if err != nil {
		return fmt.Sprintf("Error: %v", err), false
	}
	return result, true
}

func (o *Orchestrator) dispatchCodeModeTool(ctx context.Context, catalog []tool.InvokableTool, name, argsRaw string) (string, bool) {
	switch name {
	case "execute_code":
		code, err := extractStringArg(argsRaw, "code")
		if err != nil {
			return fmt.Sprintf("Error: %v", err), false
		}
		out, err := o.sandbox.ExecuteCode(ctx, code)
		if err != nil {
			return fmt.Sprintf("Error: %v", err), false
		}
		return out, true
	case "search_tools":
		query, err := extractStringArg(argsRaw, "query")
		if err != nil {
			return fmt.Sprintf("Error: %v", err), false
		}
		detail, _ := extractStringArg(argsRaw, "detail_level")
		return searchCatalog(ctx, catalog, query, detail), true
	default:
		return fmt.Sprintf("Error: unknown tool %q in code mode", name), false
	}
}

func (o *Orchestrator) finalizeCancelled(messageID, conversationID, content string) (string, eventbus.Usage, error) {
	persistCtx := context.Background()
	_ = o.conversations.UpdateMessage(persistCtx, store.Message{
		ID:             messageID,
		ConversationID: conversationID,
		Role:           store.RoleAssistant,
		Content:        content,
	})
	o.bus.Publish(eventbus.Done(messageID, eventbus.Usage{}))
	return content, eventbus.Usage{}, corerr.Cancelled
}

func (o *Orchestrator) finalizeGatewayError(messageID, conversationID, content string, err error) (string, eventbus.Usage, error) {
	final := content + fmt.Sprintf("\n\n[Error: %v]", err)
	persistCtx := context.Background()
	_ = o.conversations.UpdateMessage(persistCtx, store.Message{
		ID:             messageID,
		ConversationID: conversationID,
		Role:           store.RoleAssistant,
		Content:        final,
	})
	o.bus.Publish(eventbus.Done(messageID, eventbus.Usage{}))
	return final, eventbus.Usage{}, err
}

func toEventUsage(u chatstream.Usage) eventbus.Usage {
	return eventbus.Usage{
		InputTokens:     u.InputTokens,
		OutputTokens:    u.OutputTokens,
		ReasoningTokens: u.ReasoningTokens,
		TotalTokens:     u.TotalTokens,
		CostUSD:         u.CostUSD,
	}
}

func mergeUsage(acc, next eventbus.Usage) eventbus.Usage {
	return eventbus.Usage{
		InputTokens:     acc.InputTokens + next.InputTokens,
		OutputTokens:    acc.OutputTokens + next.OutputTokens,
		ReasoningTokens: acc.ReasoningTokens + next.ReasoningTokens,
		TotalTokens:     acc.TotalTokens + next.TotalTokens,
		CostUSD:         acc.CostUSD + next.CostUSD,
	}
}
