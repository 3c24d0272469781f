package turn

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"
	"github.com/corvidai/corvid-core/internal/chatstream"
	"github.com/corvidai/corvid-core/internal/eventbus"
	"github.com/corvidai/corvid-core/internal/mcpmanager"
	"github.com/corvidai/corvid-core/internal/metrics"
	"github.com/corvidai/corvid-core/internal/store"
)

// closingReader adds a no-op Close to strings.Reader so a canned SSE
// script can stand in for a response body.
type closingReader struct {
	*strings.Reader
}

func (closingReader) Close() error { return nil }

func sseBody(frames ...string) closingReader {
	return closingReader{strings.NewReader(strings.Join(frames, "\n"))}
}

// fakeGateway hands back a new Parser over the next queued SSE script on
// each Stream call, so a multi-round tool loop can be scripted one
// completion call at a time.
type fakeGateway struct {
	mu      sync.Mutex
	scripts [][]string
	calls   []chatstream.Request
	index   int
	err     error
}

func (g *fakeGateway) Stream(ctx context.Context, req chatstream.Request) (*chatstream.Parser, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, req)
	if g.err != nil {
		return nil, g.err
	}
	if g.index >= len(g.scripts) {
		return nil, fmt.Errorf("fakeGateway: no script queued for call %d", g.index)
	}
	frames := g.scripts[g.index]
	g.index++
	return chatstream.NewParser(sseBody(frames...)), nil
}

func (g *fakeGateway) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

// fakeManager is a minimal ToolManager double.
type fakeManager struct {
	catalog []mcpmanager.ToolLocator
	result  any
	callErr error

	mu    sync.Mutex
	calls []string
}

// Adapters mirrors mcpmanager.Manager.Adapters, wrapping each catalog
// entry in a fakeToolAdapter that routes InvokableRun back through this
// manager's recorded-call bookkeeping instead of a real MCP round trip.
func (m *fakeManager) Adapters(ctx context.Context) []tool.InvokableTool {
	out := make([]tool.InvokableTool, 0, len(m.catalog))
	for _, loc := range m.catalog {
		out = append(out, fakeToolAdapter{manager: m, loc: loc})
	}
	return out
}

func (m *fakeManager) call(name string) (any, error) {
	m.mu.Lock()
	m.calls = append(m.calls, name)
	m.mu.Unlock()
	if m.callErr != nil {
		return nil, m.callErr
	}
	return m.result, nil
}

// fakeToolAdapter stands in for mcpmanager.ToolAdapter in tests.
type fakeToolAdapter struct {
	manager *fakeManager
	loc     mcpmanager.ToolLocator
}

func (a fakeToolAdapter) Info(ctx context.Context) (*schema.ToolInfo, error) {
	return &schema.ToolInfo{Name: a.loc.Descriptor.Name, Desc: a.loc.Descriptor.Description}, nil
}

func (a fakeToolAdapter) InputSchema() any {
	return a.loc.Descriptor.InputSchema
}

func (a fakeToolAdapter) InvokableRun(ctx context.Context, argsJSON string, opts ...tool.Option) (string, error) {
	result, err := a.manager.call(a.loc.Descriptor.Name)
	if err != nil {
		return "", err
	}
	if s, ok := result.(string); ok {
		return s, nil
	}
	return fmt.Sprint(result), nil
}

type fakeSandbox struct {
	output string
	err    error
	calls  []string
}

func (s *fakeSandbox) ExecuteCode(ctx context.Context, code string) (string, error) {
	s.calls = append(s.calls, code)
	if s.err != nil {
		return "", s.err
	}
	return s.output, nil
}

func newTestOrchestrator(gateway *fakeGateway, manager ToolManager, sandbox CodeRunner) (*Orchestrator, store.ConversationStore, *eventbus.Bus) {
	conversations := store.NewMemoryConversationStore()
	bus := eventbus.New()
	o := New(gateway, manager, sandbox, conversations, bus, metrics.NewRecorder())
	return o, conversations, bus
}

func TestRunTurn_PlainReplyNoToolCalls(t *testing.T) {
	gateway := &fakeGateway{scripts: [][]string{{
		`data: {"choices":[{"delta":{"content":"Hi"}}]}`,
		`data: {"choices":[{"delta":{"content":"!"}}]}`,
		`data: {"choices":[{"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":5,"completion_tokens":2,"total_tokens":7}}`,
		`data: [DONE]`,
	}}}
	o, conversations, bus := newTestOrchestrator(gateway, &fakeManager{}, nil)

	var kinds []eventbus.EventKind
	bus.Subscribe(func(ev eventbus.TurnEvent) { kinds = append(kinds, ev.Kind) })

	text, usage, err := o.RunTurn(context.Background(), "conv-1", "hello", "gpt-test", false)
	if err != nil {
		t.Fatalf("RunTurn() error: %v", err)
	}
	if text != "Hi!" {
		t.Fatalf("expected final text %q, got %q", "Hi!", text)
	}
	if usage.TotalTokens != 7 {
		t.Fatalf("expected usage total 7, got %+v", usage)
	}

	want := []eventbus.EventKind{eventbus.KindStart, eventbus.KindDelta, eventbus.KindDelta, eventbus.KindDone}
	if len(kinds) != len(want) {
		t.Fatalf("expected events %v, got %v", want, kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("event %d: expected %q, got %q", i, want[i], kinds[i])
		}
	}

	messages, err := conversations.ListMessages(context.Background(), "conv-1")
	if err != nil {
		t.Fatalf("ListMessages() error: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("expected 2 persisted messages, got %d", len(messages))
	}
	if messages[1].Content != "Hi!" {
		t.Fatalf("expected final assistant content %q, got %q", "Hi!", messages[1].Content)
	}
}

func TestRunTurn_DirectModeDispatchesToolCallAndLoops(t *testing.T) {
	gateway := &fakeGateway{scripts: [][]string{
		{
			`data: {"choices":[{"delta":{"tool_calls":[{"id":"call_1","function":{"name":"echo","arguments":"{\"text\":\"hi\"}"}}]}}]}`,
			`data: {"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
		},
		{
			`data: {"choices":[{"delta":{"content":"done"}}]}`,
			`data: {"choices":[{"delta":{},"finish_reason":"stop"}]}`,
			`data: [DONE]`,
		},
	}}
	manager := &fakeManager{
		catalog: []mcpmanager.ToolLocator{{
			ServerID: "srv", ServerName: "srv",
			Descriptor: mcpmanager.ToolDescriptor{Name: "echo", Description: "echoes text"},
		}},
		result: "hi",
	}
	o, _, bus := newTestOrchestrator(gateway, manager, nil)

	var toolEvents []eventbus.TurnEvent
	bus.Subscribe(func(ev eventbus.TurnEvent) {
		if ev.Kind == eventbus.KindToolCallStart || ev.Kind == eventbus.KindToolCallResult {
			toolEvents = append(toolEvents, ev)
		}
	})

	text, _, err := o.RunTurn(context.Background(), "conv-1", "call echo", "gpt-test", false)
	if err != nil {
		t.Fatalf("RunTurn() error: %v", err)
	}
	if text != "done" {
		t.Fatalf("expected final text %q, got %q", "done", text)
	}
	if gateway.callCount() != 2 {
		t.Fatalf("expected 2 completion calls, got %d", gateway.callCount())
	}
	if len(manager.calls) != 1 || manager.calls[0] != "echo" {
		t.Fatalf("expected exactly one InvokableRun(\"echo\"), got %v", manager.calls)
	}
	if len(toolEvents) != 2 {
		t.Fatalf("expected ToolCallStart+ToolCallResult pair, got %d events", len(toolEvents))
	}
	if toolEvents[0].Kind != eventbus.KindToolCallStart || toolEvents[0].ToolName != "echo" {
		t.Fatalf("unexpected first tool event: %+v", toolEvents[0])
	}
	if toolEvents[1].Kind != eventbus.KindToolCallResult || toolEvents[1].ResultText != "hi" || !toolEvents[1].Success {
		t.Fatalf("unexpected second tool event: %+v", toolEvents[1])
	}

	secondRequest := gateway.calls[1]
	found := false
	for _, m := range secondRequest.Messages {
		if strings.Contains(m.Content, "Tool result for echo") {
			found = true
		}
	}
	if !found {
		t.Fatal("expected the tool result to be threaded into the second completion request's history")
	}
}

func TestRunTurn_CodeModeRoutesExecuteCodeToSandbox(t *testing.T) {
	gateway := &fakeGateway{scripts: [][]string{
		{
			`data: {"choices":[{"delta":{"tool_calls":[{"id":"call_1","function":{"name":"execute_code","arguments":"{\"code\":\"console.log(1)\"}"}}]}}]}`,
			`data: {"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
		},
		{
			`data: {"choices":[{"delta":{"content":"ok"}}]}`,
			`data: {"choices":[{"delta":{},"finish_reason":"stop"}]}`,
			`data: [DONE]`,
		},
	}}
	sandbox := &fakeSandbox{output: "1\n"}
	o, _, _ := newTestOrchestrator(gateway, &fakeManager{}, sandbox)

	text, _, err := o.RunTurn(context.Background(), "conv-1", "run some code", "gpt-test", true)
	if err != nil {
		t.Fatalf("RunTurn() error: %v", err)
	}
	if text != "ok" {
		t.Fatalf("expected final text %q, got %q", "ok", text)
	}
	if len(sandbox.calls) != 1 || sandbox.calls[0] != "console.log(1)" {
		t.Fatalf("expected sandbox.ExecuteCode called with the submitted code, got %v", sandbox.calls)
	}

	firstReq := gateway.calls[0]
	if len(firstReq.Tools) != 2 {
		t.Fatalf("expected exactly the two synthetic code-mode tools, got %d", len(firstReq.Tools))
	}
}

func TestRunTurn_CodeModeWithoutSandboxFails(t *testing.T) {
	o, _, _ := newTestOrchestrator(&fakeGateway{}, &fakeManager{}, nil)

	if _, _, err := o.RunTurn(context.Background(), "conv-1", "hi", "gpt-test", true); err == nil {
		t.Fatal("expected code mode without a configured sandbox to fail")
	}
}

func TestRunTurn_StopsAtMaxToolCalls(t *testing.T) {
	// MaxToolCalls dispatched tool calls plus one more completion call
	// whose tool call is discarded once the limit check trips.
	scripts := make([][]string, 0, MaxToolCalls+1)
	for i := 0; i <= MaxToolCalls; i++ {
		scripts = append(scripts, []string{
			`data: {"choices":[{"delta":{"tool_calls":[{"id":"call","function":{"name":"echo","arguments":"{}"}}]}}]}`,
			`data: {"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
		})
	}
	gateway := &fakeGateway{scripts: scripts}
	manager := &fakeManager{
		catalog: []mcpmanager.ToolLocator{{Descriptor: mcpmanager.ToolDescriptor{Name: "echo"}}},
		result:  "x",
	}
	o, _, _ := newTestOrchestrator(gateway, manager, nil)

	text, _, err := o.RunTurn(context.Background(), "conv-1", "loop", "gpt-test", false)
	if err != nil {
		t.Fatalf("RunTurn() error: %v", err)
	}
	if !strings.Contains(text, "maximum tool calls reached") {
		t.Fatalf("expected a maximum-tool-calls marker in the final text, got %q", text)
	}
	if len(manager.calls) != MaxToolCalls {
		t.Fatalf("expected exactly %d tool calls, got %d", MaxToolCalls, len(manager.calls))
	}
}

func TestRunTurn_ToolCallErrorStillReportsResultAndContinues(t *testing.T) {
	gateway := &fakeGateway{scripts: [][]string{
		{
			`data: {"choices":[{"delta":{"tool_calls":[{"id":"call_1","function":{"name":"echo","arguments":"{}"}}]}}]}`,
			`data: {"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
		},
		{
			`data: {"choices":[{"delta":{"content":"recovered"}}]}`,
			`data: {"choices":[{"delta":{},"finish_reason":"stop"}]}`,
			`data: [DONE]`,
		},
	}}
	manager := &fakeManager{
		catalog: []mcpmanager.ToolLocator{{Descriptor: mcpmanager.ToolDescriptor{Name: "echo"}}},
		callErr: errors.New("boom"),
	}
	o, _, bus := newTestOrchestrator(gateway, manager, nil)

	var results []eventbus.TurnEvent
	bus.Subscribe(func(ev eventbus.TurnEvent) {
		if ev.Kind == eventbus.KindToolCallResult {
			results = append(results, ev)
		}
	})

	text, _, err := o.RunTurn(context.Background(), "conv-1", "call echo", "gpt-test", false)
	if err != nil {
		t.Fatalf("RunTurn() error: %v", err)
	}
	if text != "recovered" {
		t.Fatalf("expected final text %q, got %q", "recovered", text)
	}
	if len(results) != 1 || results[0].Success {
		t.Fatalf("expected exactly one failed ToolCallResult, got %+v", results)
	}
}

func TestRunTurn_CancellationDuringStreamFinalizesPartialContent(t *testing.T) {
	gateway := &fakeGateway{scripts: [][]string{{
		`data: {"choices":[{"delta":{"content":"partial"}}]}`,
	}}}
	o, conversations, bus := newTestOrchestrator(gateway, &fakeManager{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	var sawDelta bool
	bus.Subscribe(func(ev eventbus.TurnEvent) {
		if ev.Kind == eventbus.KindDelta {
			sawDelta = true
			cancel()
		}
	})

	text, usage, err := o.RunTurn(ctx, "conv-1", "hi", "gpt-test", false)
	if !sawDelta {
		t.Fatal("expected at least one Delta before cancellation")
	}
	if err == nil {
		t.Fatal("expected RunTurn to report cancellation")
	}
	if text != "partial" {
		t.Fatalf("expected partial content %q, got %q", "partial", text)
	}
	if usage != (eventbus.Usage{}) {
		t.Fatalf("expected zero usage on cancellation, got %+v", usage)
	}

	messages, lerr := conversations.ListMessages(context.Background(), "conv-1")
	if lerr != nil {
		t.Fatalf("ListMessages() error: %v", lerr)
	}
	if len(messages) != 2 || messages[1].Content != "partial" {
		t.Fatalf("expected persisted partial assistant content, got %+v", messages)
	}
}

func TestRunTurn_ExtractsThinkTagFallbackWhenNoNativeReasoningSeen(t *testing.T) {
	gateway := &fakeGateway{scripts: [][]string{{
		`data: {"choices":[{"delta":{"content":"<think>weighing options</think>final answer"}}]}`,
		`data: {"choices":[{"delta":{},"finish_reason":"stop"}]}`,
		`data: [DONE]`,
	}}}
	o, conversations, bus := newTestOrchestrator(gateway, &fakeManager{}, nil)

	var reasoning []string
	bus.Subscribe(func(ev eventbus.TurnEvent) {
		if ev.Kind == eventbus.KindReasoning {
			reasoning = append(reasoning, ev.Text)
		}
	})

	text, _, err := o.RunTurn(context.Background(), "conv-1", "hi", "gpt-test", false)
	if err != nil {
		t.Fatalf("RunTurn() error: %v", err)
	}
	if text != "final answer" {
		t.Fatalf("expected think block stripped from final text, got %q", text)
	}
	if len(reasoning) != 1 || reasoning[0] != "weighing options" {
		t.Fatalf("expected the think block published as reasoning, got %v", reasoning)
	}

	messages, err := conversations.ListMessages(context.Background(), "conv-1")
	if err != nil {
		t.Fatalf("ListMessages() error: %v", err)
	}
	if messages[1].Content != "final answer" {
		t.Fatalf("expected persisted content without the think block, got %q", messages[1].Content)
	}
}

func TestRunTurn_NativeReasoningSkipsThinkTagFallback(t *testing.T) {
	gateway := &fakeGateway{scripts: [][]string{{
		`data: {"choices":[{"delta":{"reasoning":"native thoughts"}}]}`,
		`data: {"choices":[{"delta":{"content":"<think>literal</think>answer"}}]}`,
		`data: {"choices":[{"delta":{},"finish_reason":"stop"}]}`,
		`data: [DONE]`,
	}}}
	o, _, bus := newTestOrchestrator(gateway, &fakeManager{}, nil)

	var reasoning []string
	bus.Subscribe(func(ev eventbus.TurnEvent) {
		if ev.Kind == eventbus.KindReasoning {
			reasoning = append(reasoning, ev.Text)
		}
	})

	text, _, err := o.RunTurn(context.Background(), "conv-1", "hi", "gpt-test", false)
	if err != nil {
		t.Fatalf("RunTurn() error: %v", err)
	}
	if text != "<think>literal</think>answer" {
		t.Fatalf("expected content left untouched when native reasoning already arrived, got %q", text)
	}
	if len(reasoning) != 1 || reasoning[0] != "native thoughts" {
		t.Fatalf("expected only the native reasoning delta published, got %v", reasoning)
	}
}

func TestOrchestrator_RejectsConcurrentTurnsOnSameConversation(t *testing.T) {
	gateway := &fakeGateway{scripts: [][]string{{
		`data: {"choices":[{"delta":{"content":"x"}}]}`,
	}}}
	o, _, _ := newTestOrchestrator(gateway, &fakeManager{}, nil)

	o.mu.Lock()
	o.live["conv-1"] = func() {}
	o.mu.Unlock()

	_, _, err := o.RunTurn(context.Background(), "conv-1", "hi", "gpt-test", false)
	if !errors.Is(err, ErrTurnInFlight) {
		t.Fatalf("expected ErrTurnInFlight, got %v", err)
	}
}
