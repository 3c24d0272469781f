// Package chatstream parses the server-sent-events body of an
// OpenAI-compatible chat-completions response into a pull-shaped sequence
// of StreamChunk values, and issues the streaming request itself against a
// configured chat gateway.
package chatstream

// Usage is the token/cost accounting carried on a terminal frame. A zero
// value means no usage was ever observed for the turn.
type Usage struct {
	InputTokens     int64
	OutputTokens    int64
	ReasoningTokens int64
	TotalTokens     int64
	CostUSD         float64
}

// Empty reports whether no usage was ever recorded.
func (u Usage) Empty() bool {
	return u == Usage{}
}

// StreamChunk is the tagged-sum output of the parser: exactly one of
// Content, Reasoning, ToolCallAssembled, or Done is ever produced per
// value. Implementations are the four chunk types below; a type switch on
// the interface is the orchestrator's main loop.
type StreamChunk interface {
	chunkTag()
}

// ContentChunk carries one fragment of assistant-visible text.
type ContentChunk struct {
	Text string
}

func (ContentChunk) chunkTag() {}

// ReasoningChunk carries one fragment of model "thinking" text, never
// persisted to the conversation store.
type ReasoningChunk struct {
	Text string
}

func (ReasoningChunk) chunkTag() {}

// ToolCallAssembledChunk is emitted once a tool call's delta fragments
// have been fully concatenated, at the moment `finish_reason: tool_calls`
// arrives.
type ToolCallAssembledChunk struct {
	ID           string
	Name         string
	ArgumentsRaw string // concatenated JSON text, not yet parsed
}

func (ToolCallAssembledChunk) chunkTag() {}

// DoneChunk terminates the sequence. Usage is the zero value when the
// server never sent one.
type DoneChunk struct {
	Usage Usage
}

func (DoneChunk) chunkTag() {}
