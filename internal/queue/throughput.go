package queue

import (
	"sync"
	"time"
)

// throughput keeps task completion timestamps inside a sliding window and
// derives messages/second from them. Zero completions in the window means
// zero throughput; callers treat that as "no estimate yet".
type throughput struct {
	mu     sync.Mutex
	window time.Duration
	marks  []time.Time
}

func newThroughput(window time.Duration) *throughput {
	return &throughput{window: window}
}

func (t *throughput) record(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.marks = append(t.marks, now)
	t.prune(now)
}

// perSecond divides the mark count by the span actually observed, capped at
// the window, so a freshly started queue is not understated against the
// full 60s. A one-second floor keeps a burst of marks in the same instant
// from reading as infinite throughput.
func (t *throughput) perSecond(now time.Time) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.prune(now)
	if len(t.marks) == 0 {
		return 0
	}
	elapsed := now.Sub(t.marks[0])
	if elapsed > t.window {
		elapsed = t.window
	}
	if elapsed < time.Second {
		elapsed = time.Second
	}
	return float64(len(t.marks)) / elapsed.Seconds()
}

// prune drops marks older than the window. Caller holds the lock.
func (t *throughput) prune(now time.Time) {
	cutoff := now.Add(-t.window)
	i := 0
	for i < len(t.marks) && t.marks[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		t.marks = append(t.marks[:0], t.marks[i:]...)
	}
}
