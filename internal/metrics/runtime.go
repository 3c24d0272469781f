// Package metrics tracks in-memory latency and token-usage accounting
// for MCP tool calls and chat turns. Nothing here is persisted; a fresh
// process starts from a zero snapshot.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

var latencyBucketUpperBoundsMs = []int64{
	10, 25, 50, 100, 250, 500, 1000, 2000, 5000, 10000, 30000,
}

// ToolStats tracks tool-call execution metrics.
type ToolStats struct {
	Total             int64 `json:"total"`
	Errors            int64 `json:"errors"`
	Timeouts          int64 `json:"timeouts"`
	TotalLatencyMs    int64 `json:"total_latency_ms"`
	MaxLatencyMs      int64 `json:"max_latency_ms"`
	LastLatencyMs     int64 `json:"last_latency_ms"`
	P95ProxyLatencyMs int64 `json:"p95_proxy_latency_ms"`
}

// ErrorRatio returns errors/total in [0,1].
func (t ToolStats) ErrorRatio() float64 {
	if t.Total <= 0 {
		return 0
	}
	return float64(t.Errors) / float64(t.Total)
}

// TimeoutRatio returns timeouts/total in [0,1].
func (t ToolStats) TimeoutRatio() float64 {
	if t.Total <= 0 {
		return 0
	}
	return float64(t.Timeouts) / float64(t.Total)
}

// AvgLatencyMs returns average tool latency in milliseconds.
func (t ToolStats) AvgLatencyMs() float64 {
	if t.Total <= 0 {
		return 0
	}
	return float64(t.TotalLatencyMs) / float64(t.Total)
}

// UsageStats accumulates chat-turn token usage.
type UsageStats struct {
	Turns            int64 `json:"turns"`
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// AvgTotalTokens returns the average total tokens per turn.
func (u UsageStats) AvgTotalTokens() float64 {
	if u.Turns <= 0 {
		return 0
	}
	return float64(u.TotalTokens) / float64(u.Turns)
}

// Snapshot is a point-in-time read of all tracked metrics.
type Snapshot struct {
	UpdatedAt time.Time  `json:"updated_at"`
	Tool      ToolStats  `json:"tool"`
	Usage     UsageStats `json:"usage"`
}

// HasData reports whether anything has been recorded yet.
func (s Snapshot) HasData() bool {
	return s.Tool.Total > 0 || s.Usage.Turns > 0
}

// Recorder accumulates tool-call and turn metrics behind a mutex. The
// zero value is not usable; construct with NewRecorder. A nil *Recorder
// is safe to call methods on (all are no-ops), so callers can wire
// metrics optionally without nil-checking at every call site.
type Recorder struct {
	mu      sync.Mutex
	snap    Snapshot
	buckets []int64
}

// NewRecorder constructs an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{buckets: make([]int64, len(latencyBucketUpperBoundsMs)+1)}
}

// Snapshot returns the latest accumulated metrics.
func (r *Recorder) Snapshot() Snapshot {
	if r == nil {
		return Snapshot{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snap
}

// RecordToolCall updates tool-call metrics for one completed call.
func (r *Recorder) RecordToolCall(duration time.Duration, callErr error) Snapshot {
	if r == nil {
		return Snapshot{}
	}

	latencyMs := duration.Milliseconds()
	if latencyMs < 0 {
		latencyMs = 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.snap.UpdatedAt = time.Now().UTC()
	r.snap.Tool.Total++
	r.snap.Tool.TotalLatencyMs += latencyMs
	r.snap.Tool.LastLatencyMs = latencyMs
	if latencyMs > r.snap.Tool.MaxLatencyMs {
		r.snap.Tool.MaxLatencyMs = latencyMs
	}
	if callErr != nil {
		r.snap.Tool.Errors++
		if isTimeoutError(callErr) {
			r.snap.Tool.Timeouts++
		}
	}

	r.buckets[latencyBucketIndex(latencyMs)]++
	r.snap.Tool.P95ProxyLatencyMs = p95ProxyFromBuckets(r.buckets, r.snap.Tool.Total)

	return r.snap
}

// RecordTurnUsage accumulates one turn's token usage.
func (r *Recorder) RecordTurnUsage(promptTokens, completionTokens, totalTokens int64) Snapshot {
	if r == nil {
		return Snapshot{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.snap.UpdatedAt = time.Now().UTC()
	r.snap.Usage.Turns++
	r.snap.Usage.PromptTokens += promptTokens
	r.snap.Usage.CompletionTokens += completionTokens
	r.snap.Usage.TotalTokens += totalTokens

	return r.snap
}

func latencyBucketIndex(latencyMs int64) int {
	for i, upper := range latencyBucketUpperBoundsMs {
		if latencyMs <= upper {
			return i
		}
	}
	return len(latencyBucketUpperBoundsMs)
}

func p95ProxyFromBuckets(buckets []int64, total int64) int64 {
	if total <= 0 {
		return 0
	}
	target := int64(float64(total) * 0.95)
	if target <= 0 {
		target = 1
	}

	var cumulative int64
	for i, count := range buckets {
		cumulative += count
		if cumulative < target {
			continue
		}
		if i >= len(latencyBucketUpperBoundsMs) {
			return latencyBucketUpperBoundsMs[len(latencyBucketUpperBoundsMs)-1]
		}
		return latencyBucketUpperBoundsMs[i]
	}
	return latencyBucketUpperBoundsMs[len(latencyBucketUpperBoundsMs)-1]
}

func isTimeoutError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	lowered := strings.ToLower(fmt.Sprint(err))
	return strings.Contains(lowered, "timeout") || strings.Contains(lowered, "timed out") ||
		strings.Contains(lowered, "deadline exceeded")
}
