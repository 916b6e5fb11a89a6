package scheduler

import (
	"sort"
	"sync"
	"time"
)

// latencyTracker keeps a rolling window of shard completion latencies
// per stage and answers p95 queries for the autosplit decision.
type latencyTracker struct {
	mu      sync.Mutex
	window  int
	byStage map[string][]time.Duration
}

func newLatencyTracker(window int) *latencyTracker {
	if window <= 0 {
		window = 64
	}
	return &latencyTracker{
		window:  window,
		byStage: make(map[string][]time.Duration),
	}
}

// Observe records one completion latency for a stage.
func (t *latencyTracker) Observe(stageID string, d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	buf := append(t.byStage[stageID], d)
	if len(buf) > t.window {
		buf = buf[len(buf)-t.window:]
	}
	t.byStage[stageID] = buf
}

// P95 returns the 95th percentile latency over the stage's window, or
// zero when no completions have been observed.
func (t *latencyTracker) P95(stageID string) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	buf := t.byStage[stageID]
	if len(buf) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(buf))
	copy(sorted, buf)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := (len(sorted)*95 + 99) / 100
	if idx > 0 {
		idx--
	}
	return sorted[idx]
}
