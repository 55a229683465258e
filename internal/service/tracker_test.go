package service

import (
	"context"
	"testing"
	"time"

	"github.com/lcwong/smspanel/internal/metrics"
	"github.com/lcwong/smspanel/internal/model"
	"github.com/lcwong/smspanel/internal/repo"
)

func newTestTracker(t *testing.T, perSec float64) (*Tracker, *repo.Memory) {
	t.Helper()
	store := repo.NewMemory()
	tr := NewTracker(store, nil, metrics.NewNop(), func() float64 { return perSec })
	return tr, store
}

func TestTracker_QueuePositionLifecycle(t *testing.T) {
	t.Parallel()

	tr, store := newTestTracker(t, 0)
	ctx := context.Background()

	msg1, _ := createMessage(t, store, "first", "11111111")
	tr.MarkEnqueued(ctx, msg1.ID)
	msg2, _ := createMessage(t, store, "second", "22222222")
	tr.MarkEnqueued(ctx, msg2.ID)

	got1, err := store.GetMessage(ctx, msg1.ID)
	if err != nil {
		t.Fatalf("GetMessage() error: %v", err)
	}
	got2, err := store.GetMessage(ctx, msg2.ID)
	if err != nil {
		t.Fatalf("GetMessage() error: %v", err)
	}

	if got1.QueuePosition == nil || *got1.QueuePosition != 1 {
		t.Fatalf("expected position 1, got %v", got1.QueuePosition)
	}
	if got2.QueuePosition == nil || *got2.QueuePosition != 2 {
		t.Fatalf("expected position 2, got %v", got2.QueuePosition)
	}

	// Moving to sending clears the position.
	tr.MarkSending(ctx, msg1.ID)

	got1, err = store.GetMessage(ctx, msg1.ID)
	if err != nil {
		t.Fatalf("GetMessage() error: %v", err)
	}
	if got1.JobStatus != model.JobSending {
		t.Fatalf("expected sending, got %s", got1.JobStatus)
	}
	if got1.QueuePosition != nil {
		t.Fatalf("sending message should have no position, got %d", *got1.QueuePosition)
	}

	// Recompute closes the gap left by msg1.
	tr.RecomputeQueue(ctx)

	got2, err = store.GetMessage(ctx, msg2.ID)
	if err != nil {
		t.Fatalf("GetMessage() error: %v", err)
	}
	if got2.QueuePosition == nil || *got2.QueuePosition != 1 {
		t.Fatalf("expected recomputed position 1, got %v", got2.QueuePosition)
	}
}

func TestTracker_ETAFromThroughput(t *testing.T) {
	t.Parallel()

	tr, store := newTestTracker(t, 0.5)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return base }

	msg, _ := createMessage(t, store, "eta", "11111111")
	tr.MarkEnqueued(ctx, msg.ID)
	tr.RecomputeQueue(ctx)

	got, err := store.GetMessage(ctx, msg.ID)
	if err != nil {
		t.Fatalf("GetMessage() error: %v", err)
	}
	if got.EstimatedAt == nil {
		t.Fatalf("expected an ETA with positive throughput")
	}
	// Position 1 at 0.5 msg/s is two seconds out.
	if want := base.Add(2 * time.Second); !got.EstimatedAt.Equal(want) {
		t.Fatalf("expected ETA %v, got %v", want, *got.EstimatedAt)
	}
}

func TestTracker_NoETAWithoutThroughput(t *testing.T) {
	t.Parallel()

	tr, store := newTestTracker(t, 0)
	ctx := context.Background()

	msg, _ := createMessage(t, store, "no eta", "11111111")
	tr.MarkEnqueued(ctx, msg.ID)
	tr.RecomputeQueue(ctx)

	got, err := store.GetMessage(ctx, msg.ID)
	if err != nil {
		t.Fatalf("GetMessage() error: %v", err)
	}
	if got.EstimatedAt != nil {
		t.Fatalf("expected no ETA before any completion, got %v", *got.EstimatedAt)
	}
	if got.QueuePosition == nil || *got.QueuePosition != 1 {
		t.Fatalf("position should still be set, got %v", got.QueuePosition)
	}
}

func TestTracker_RecordOutcomeVanishedRecipient(t *testing.T) {
	t.Parallel()

	tr, store := newTestTracker(t, 0)
	ctx := context.Background()

	msg, recs := createMessage(t, store, "gone", "11111111")
	store.DeleteMessage(msg.ID)

	// Must not panic or create state for the deleted rows.
	tr.RecordOutcome(ctx, msg.ID, recs[0].ID, "OK", nil)

	if _, err := store.GetMessage(ctx, msg.ID); err == nil {
		t.Fatalf("message should stay deleted")
	}
}
