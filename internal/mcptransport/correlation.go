package mcptransport

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/corvidai/corvid-core/internal/corerr"
	"github.com/corvidai/corvid-core/internal/jsonrpc"
)

// decodeEnvelopeError builds an error from a JSON-RPC `error` member, used
// by transports that dispatch inbound frames to correlation slots by hand
// (stdio, legacy SSE) rather than through jsonrpc.DecodeResponse's
// single-id-match path.
func decodeEnvelopeError(errValue any) error {
	parsed := jsonrpc.RPCError{}
	if raw, err := json.Marshal(errValue); err == nil {
		_ = json.Unmarshal(raw, &parsed)
	}
	msg := strings.TrimSpace(parsed.Message)
	if msg == "" {
		msg = strings.TrimSpace(fmt.Sprint(errValue))
	}
	if msg == "" {
		msg = "json-rpc request failed"
	}
	return errors.New(msg)
}

// rpcResult is the value delivered to a correlation slot's channel.
type rpcResult struct {
	value any
	err   error
}

// correlationMap holds one single-shot completion slot per in-flight
// request id. Removal from the map and fulfillment of the slot happen
// atomically: fulfill deletes the entry before sending on the channel, so
// a request id is never matched twice.
type correlationMap struct {
	mu      sync.Mutex
	pending map[int64]chan rpcResult
	nextID  int64
}

func newCorrelationMap() *correlationMap {
	return &correlationMap{pending: make(map[int64]chan rpcResult)}
}

// NextID returns the next monotonically increasing request id for this
// connection. Ids are never reused within the connection's lifetime.
func (c *correlationMap) NextID() int64 {
	return atomic.AddInt64(&c.nextID, 1)
}

// register creates a pending slot for id and returns the channel the
// caller should receive on.
func (c *correlationMap) register(id int64) chan rpcResult {
	ch := make(chan rpcResult, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	return ch
}

// fulfill delivers a result to the slot for id, if one is still pending.
// It reports whether a slot was found.
func (c *correlationMap) fulfill(id int64, value any, err error) bool {
	c.mu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	ch <- rpcResult{value: value, err: err}
	return true
}

// abandon removes the slot for id without delivering a result, used when
// the caller gives up waiting (e.g. context cancellation).
func (c *correlationMap) abandon(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// drain fails every pending slot with a "transport closed" error, used on
// process exit or stream teardown.
func (c *correlationMap) drain() {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[int64]chan rpcResult)
	c.mu.Unlock()

	err := fmt.Errorf("%w: transport closed", corerr.TransportError)
	for _, ch := range pending {
		ch <- rpcResult{err: err}
	}
}
