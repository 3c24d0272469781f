// Package eventbus implements the single-writer/single-reader sink (C9)
// that carries TurnEvents from the orchestrator out to whatever UI layer
// is watching. The core never blocks on it: Publish is a direct,
// synchronous fan-out to every registered subscriber in emission order,
// so a subscriber that wants to avoid stalling the orchestrator must do
// its own buffering before returning.
package eventbus

import "sync"

// EventKind tags which variant of TurnEvent a value carries.
type EventKind string

const (
	KindStart          EventKind = "start"
	KindDelta          EventKind = "delta"
	KindReasoning      EventKind = "reasoning"
	KindToolCallStart  EventKind = "tool_call_start"
	KindToolCallResult EventKind = "tool_call_result"
	KindDone           EventKind = "done"
)

// Usage mirrors chatstream.Usage; duplicated here rather than imported so
// that eventbus (a leaf package watched by UI code) never needs to pull
// in the chat-streaming stack.
type Usage struct {
	InputTokens     int64
	OutputTokens    int64
	ReasoningTokens int64
	TotalTokens     int64
	CostUSD         float64
}

// TurnEvent is one causally-ordered step of a turn's lifecycle. Only the
// fields relevant to Kind are populated; see the spec's per-kind field
// list.
type TurnEvent struct {
	Kind      EventKind
	MessageID string

	Text string // Delta, Reasoning

	ToolName   string // ToolCallStart, ToolCallResult
	ArgsRaw    string // ToolCallStart
	ResultText string // ToolCallResult
	Success    bool   // ToolCallResult

	Usage Usage // Done
}

// Start builds a Start event.
func Start(messageID string) TurnEvent {
	return TurnEvent{Kind: KindStart, MessageID: messageID}
}

// Delta builds a Delta event.
func Delta(messageID, text string) TurnEvent {
	return TurnEvent{Kind: KindDelta, MessageID: messageID, Text: text}
}

// Reasoning builds a Reasoning event.
func Reasoning(messageID, text string) TurnEvent {
	return TurnEvent{Kind: KindReasoning, MessageID: messageID, Text: text}
}

// ToolCallStart builds a ToolCallStart event.
func ToolCallStart(messageID, toolName, argsRaw string) TurnEvent {
	return TurnEvent{Kind: KindToolCallStart, MessageID: messageID, ToolName: toolName, ArgsRaw: argsRaw}
}

// ToolCallResult builds a ToolCallResult event.
func ToolCallResult(messageID, toolName, resultText string, success bool) TurnEvent {
	return TurnEvent{
		Kind:       KindToolCallResult,
		MessageID:  messageID,
		ToolName:   toolName,
		ResultText: resultText,
		Success:    success,
	}
}

// Done builds a Done event.
func Done(messageID string, usage Usage) TurnEvent {
	return TurnEvent{Kind: KindDone, MessageID: messageID, Usage: usage}
}

// Subscriber receives TurnEvents in emission order. It must not block for
// long; the bus calls it synchronously on the publishing goroutine.
type Subscriber func(TurnEvent)

// Bus fans a turn's events out to every registered subscriber.
type Bus struct {
	mu          sync.RWMutex
	subscribers []Subscriber
}

// New constructs an empty Bus.
func New() *Bus {
	return &Bus{}
}

// Subscribe registers fn to receive every future Publish call. There is
// no unsubscribe: the bus is owned by one turn's lifetime and discarded
// with it.
func (b *Bus) Subscribe(fn Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = append(b.subscribers, fn)
}

// Publish delivers ev to every subscriber, in subscription order. It
// never buffers or drops; a panicking subscriber is not recovered, by
// design, so misbehaving UI code fails loudly during development.
func (b *Bus) Publish(ev TurnEvent) {
	b.mu.RLock()
	subs := make([]Subscriber, len(b.subscribers))
	copy(subs, b.subscribers)
	b.mu.RUnlock()

	for _, fn := range subs {
		fn(ev)
	}
}
