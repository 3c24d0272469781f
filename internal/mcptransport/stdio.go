package mcptransport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/corvidai/corvid-core/internal/corerr"
	"github.com/corvidai/corvid-core/internal/jsonrpc"
)

// StdioOptions configures a stdio child-process transport.
type StdioOptions struct {
	Command string
	Args    []string
	Cwd     string
	Env     map[string]string
}

// stdioTransport spawns a child process and speaks line-delimited JSON-RPC
// over its stdin/stdout. Each outbound object is one line terminated by
// \n; stderr is captured line-by-line into the log ring buffer and never
// interpreted as protocol data. Inbound lines that are not a JSON object
// carrying a recognized envelope (startup banners, whitespace) are
// likewise recorded as informational log lines.
type stdioTransport struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser

	writeMu sync.Mutex // serializes stdin writes so concurrent RPCs never interleave bytes

	corr *correlationMap
	logs *ringLog

	exitMu   sync.Mutex
	exited   bool
	exitErr  error
	exitDone chan struct{}
}

// NewStdio constructs a stdio transport. Start must be called before use.
func NewStdio(opts StdioOptions) Transport {
	return &stdioTransport{
		corr:     newCorrelationMap(),
		logs:     newRingLog(),
		exitDone: make(chan struct{}),
		cmd:      buildCommand(opts),
	}
}

func buildCommand(opts StdioOptions) *exec.Cmd {
	cmd := exec.Command(opts.Command, opts.Args...)
	cmd.Dir = opts.Cwd
	cmd.Env = mergeEnv(opts.Env)
	return cmd
}

func mergeEnv(extra map[string]string) []string {
	base := os.Environ()
	if len(extra) == 0 {
		return base
	}

	merged := make(map[string]string, len(base)+len(extra))
	for _, item := range base {
		parts := strings.SplitN(item, "=", 2)
		key := parts[0]
		value := ""
		if len(parts) == 2 {
			value = parts[1]
		}
		merged[key] = value
	}
	for key, value := range extra {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			continue
		}
		merged[trimmedKey] = value
	}

	out := make([]string, 0, len(merged))
	for key, value := range merged {
		out = append(out, key+"="+value)
	}
	return out
}

func (t *stdioTransport) Start(ctx context.Context) error {
	stdin, err := t.cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("%w: create stdin pipe: %v", corerr.TransportError, err)
	}
	stdout, err := t.cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("%w: create stdout pipe: %v", corerr.TransportError, err)
	}
	stderr, err := t.cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("%w: create stderr pipe: %v", corerr.TransportError, err)
	}

	if err := t.cmd.Start(); err != nil {
		return fmt.Errorf("%w: start stdio server: %v", corerr.TransportError, err)
	}
	t.stdin = stdin

	go t.drainStderr(stderr)
	go t.readLoop(stdout)
	go t.waitExit()

	return nil
}

func (t *stdioTransport) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		t.logs.Append(scanner.Text())
	}
}

func (t *stdioTransport) readLoop(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		t.handleInboundLine(line)
	}
}

func (t *stdioTransport) handleInboundLine(line string) {
	var envelope map[string]any
	if err := json.Unmarshal([]byte(line), &envelope); err != nil {
		// Startup banner or other non-JSON noise: informational only.
		t.logs.Append(line)
		return
	}

	rawID, hasID := envelope["id"]
	if !hasID {
		// Notification: nothing to correlate, just record it.
		t.logs.Append(line)
		return
	}

	id, ok := numericID(rawID)
	if !ok {
		t.logs.Append(line)
		return
	}

	if errValue, ok := envelope["error"]; ok && errValue != nil {
		t.corr.fulfill(id, nil, decodeEnvelopeError(errValue))
		return
	}
	t.corr.fulfill(id, envelope["result"], nil)
}

func numericID(v any) (int64, bool) {
	switch value := v.(type) {
	case float64:
		return int64(value), true
	case int64:
		return value, true
	case int:
		return int64(value), true
	default:
		return 0, false
	}
}

func (t *stdioTransport) waitExit() {
	err := t.cmd.Wait()
	t.exitMu.Lock()
	t.exited = true
	t.exitErr = err
	t.exitMu.Unlock()
	close(t.exitDone)
	t.corr.drain()
}

func (t *stdioTransport) processExited() (bool, error) {
	t.exitMu.Lock()
	defer t.exitMu.Unlock()
	return t.exited, t.exitErr
}

func (t *stdioTransport) SendRequest(ctx context.Context, method string, params any) (any, error) {
	if exited, exitErr := t.processExited(); exited {
		return nil, fmt.Errorf("%w: stdio process exited: %v", corerr.TransportError, exitErr)
	}

	id := t.corr.NextID()
	req := jsonrpc.NewRequest(id, method, params)
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode json-rpc request: %w", err)
	}

	ch := t.corr.register(id)
	if err := t.writeLine(payload); err != nil {
		t.corr.abandon(id)
		return nil, fmt.Errorf("%w: %v", corerr.TransportError, err)
	}

	select {
	case res := <-ch:
		return res.value, res.err
	case <-ctx.Done():
		t.corr.abandon(id)
		return nil, ctx.Err()
	case <-t.exitDone:
		t.corr.abandon(id)
		return nil, fmt.Errorf("%w: stdio process exited mid-request", corerr.TransportError)
	}
}

func (t *stdioTransport) SendNotification(ctx context.Context, method string, params any) error {
	notif := jsonrpc.NewNotification(method, params)
	payload, err := json.Marshal(notif)
	if err != nil {
		return fmt.Errorf("encode json-rpc notification: %w", err)
	}
	if err := t.writeLine(payload); err != nil {
		return fmt.Errorf("%w: %v", corerr.TransportError, err)
	}
	return nil
}

func (t *stdioTransport) writeLine(payload []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if _, err := t.stdin.Write(payload); err != nil {
		return err
	}
	_, err := t.stdin.Write([]byte("\n"))
	return err
}

func (t *stdioTransport) Logs(n int) []string {
	return t.logs.Tail(n)
}

func (t *stdioTransport) Close() error {
	t.corr.drain()
	if t.cmd.Process != nil {
		_ = t.cmd.Process.Kill()
	}
	select {
	case <-t.exitDone:
	case <-time.After(2 * time.Second):
	}
	return nil
}
