package queue

import (
	"testing"
	"time"
)

func TestThroughput_EmptyWindow(t *testing.T) {
	t.Parallel()

	tp := newThroughput(time.Minute)
	if got := tp.perSecond(time.Now()); got != 0 {
		t.Fatalf("expected 0 with no completions, got %f", got)
	}
}

func TestThroughput_CountsOverObservedSpan(t *testing.T) {
	t.Parallel()

	tp := newThroughput(time.Minute)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 30; i++ {
		tp.record(base.Add(time.Duration(i) * time.Second))
	}

	// 30 completions observed over 30s, not diluted across the full window.
	got := tp.perSecond(base.Add(30 * time.Second))
	if got != 1.0 {
		t.Fatalf("expected 1.0 msgs/sec, got %f", got)
	}
}

func TestThroughput_EarlySpanNotUnderstated(t *testing.T) {
	t.Parallel()

	tp := newThroughput(time.Minute)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		tp.record(base.Add(time.Duration(i) * time.Second))
	}

	// 5 completions over 10 seconds of observation.
	got := tp.perSecond(base.Add(10 * time.Second))
	if got != 0.5 {
		t.Fatalf("expected 0.5 msgs/sec, got %f", got)
	}
}

func TestThroughput_BurstFloor(t *testing.T) {
	t.Parallel()

	tp := newThroughput(time.Minute)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tp.record(base)
	tp.record(base)
	tp.record(base)

	// Same-instant marks divide by the one-second floor, not by zero span.
	if got := tp.perSecond(base); got != 3.0 {
		t.Fatalf("expected 3.0 msgs/sec, got %f", got)
	}
}

func TestThroughput_SpanCappedAtWindow(t *testing.T) {
	t.Parallel()

	tp := newThroughput(time.Minute)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 60; i++ {
		tp.record(base.Add(time.Duration(i) * time.Second))
	}

	// Pruning keeps only marks inside the window; the divisor never
	// exceeds the window length.
	got := tp.perSecond(base.Add(90 * time.Second))
	if got > 1.0 {
		t.Fatalf("expected at most 1.0 msgs/sec, got %f", got)
	}
	if got == 0 {
		t.Fatalf("expected nonzero throughput inside the window")
	}
}

func TestThroughput_PrunesOldMarks(t *testing.T) {
	t.Parallel()

	tp := newThroughput(time.Minute)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tp.record(base)
	tp.record(base.Add(time.Second))

	// Both marks fall out of the window two minutes later.
	if got := tp.perSecond(base.Add(2 * time.Minute)); got != 0 {
		t.Fatalf("expected 0 after window passed, got %f", got)
	}
}
