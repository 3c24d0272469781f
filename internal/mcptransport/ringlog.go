package mcptransport

import "sync"

// maxLogLines bounds a Connection's log ring buffer (spec §3: "bounded
// ring buffer of log lines (≤ 1000, oldest dropped)").
const maxLogLines = 1000

// ringLog is a mutex-guarded, copy-on-read bounded line buffer. A
// transport may append from more than one goroutine (stdio appends from
// both its stderr drain and its stdout reader); Tail always returns a
// consistent snapshot.
type ringLog struct {
	mu    sync.Mutex
	lines []string
	start int // index of the oldest retained line within the logical sequence
}

func newRingLog() *ringLog {
	return &ringLog{lines: make([]string, 0, maxLogLines)}
}

// Append adds one log line, dropping the oldest line once the buffer is
// full.
func (r *ringLog) Append(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.lines) >= maxLogLines {
		r.lines = r.lines[1:]
		r.start++
	}
	r.lines = append(r.lines, line)
}

// Tail returns a copy of the last n lines (or all retained lines if n <= 0
// or exceeds the buffer length).
func (r *ringLog) Tail(n int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n <= 0 || n > len(r.lines) {
		n = len(r.lines)
	}
	out := make([]string, n)
	copy(out, r.lines[len(r.lines)-n:])
	return out
}
