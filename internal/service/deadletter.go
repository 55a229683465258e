package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lcwong/smspanel/internal/metrics"
	"github.com/lcwong/smspanel/internal/model"
	"github.com/lcwong/smspanel/internal/queue"
	"github.com/lcwong/smspanel/internal/repo"
)

// ErrDeadLetterClosed is returned when retrying or abandoning an entry that
// already left the pending state.
var ErrDeadLetterClosed = errors.New("dead letter entry is not pending")

// DeadLetter holds deliveries that exhausted their retry budget. Entries
// are created by the worker pool exactly once per unresolved failure and
// are only mutated by the admin operations Retry and Abandon.
type DeadLetter struct {
	store   repo.Store
	enqueue func(ctx context.Context, messageID, recipientID int64) bool
	met     *metrics.Metrics
}

func NewDeadLetter(store repo.Store, enqueue func(ctx context.Context, messageID, recipientID int64) bool, met *metrics.Metrics) *DeadLetter {
	return &DeadLetter{store: store, enqueue: enqueue, met: met}
}

// Record appends a pending entry for a terminally failed delivery. It is
// idempotent while an entry for the same recipient is still pending.
func (d *DeadLetter) Record(ctx context.Context, msg *model.Message, rec *model.Recipient, lastErr string, attempts int) {
	// A row deleted mid-task leaves nothing to retry.
	if _, err := d.store.GetRecipient(ctx, rec.ID); errors.Is(err, repo.ErrNotFound) {
		slog.Info("recipient gone, not dead-lettering", "recipient_id", rec.ID)
		return
	}

	if _, err := d.store.FindOpenDeadLetter(ctx, rec.ID); err == nil {
		slog.Info("dead letter already open, skipping", "recipient_id", rec.ID)
		return
	} else if !errors.Is(err, repo.ErrNotFound) {
		slog.Error("dead letter lookup failed", "recipient_id", rec.ID, "error", err)
		return
	}

	entry := &model.DeadLetterEntry{
		MessageID:   msg.ID,
		RecipientID: rec.ID,
		Phone:       rec.Phone,
		Content:     msg.Content,
		LastError:   lastErr,
		Attempts:    attempts,
	}
	if _, err := d.store.CreateDeadLetter(ctx, entry); err != nil {
		slog.Error("dead letter create failed", "recipient_id", rec.ID, "error", err)
		return
	}

	d.met.DeadLettered.Inc()
	slog.Warn("delivery dead-lettered",
		"message_id", msg.ID,
		"recipient_id", rec.ID,
		"phone", rec.Phone,
		"attempts", attempts,
	)
}

func (d *DeadLetter) List(ctx context.Context, limit, offset int) ([]model.DeadLetterEntry, error) {
	return d.store.ListDeadLetters(ctx, limit, offset)
}

// Retry re-enqueues the original single-recipient delivery. The entry is
// marked retried only after the queue accepted the task, so a full queue
// never loses the entry.
func (d *DeadLetter) Retry(ctx context.Context, entryID int64) error {
	entry, err := d.store.GetDeadLetter(ctx, entryID)
	if err != nil {
		return err
	}
	if entry.Status != model.DeadLetterPending {
		return fmt.Errorf("%w: %s", ErrDeadLetterClosed, entry.Status)
	}

	if !d.enqueue(ctx, entry.MessageID, entry.RecipientID) {
		return queue.ErrQueueFull
	}

	if err := d.store.SetDeadLetterStatus(ctx, entryID, model.DeadLetterRetried); err != nil {
		return err
	}

	slog.Info("dead letter retried", "entry_id", entryID, "message_id", entry.MessageID, "recipient_id", entry.RecipientID)
	return nil
}

// Abandon marks the entry abandoned, a terminal state that is never
// auto-retried.
func (d *DeadLetter) Abandon(ctx context.Context, entryID int64) error {
	entry, err := d.store.GetDeadLetter(ctx, entryID)
	if err != nil {
		return err
	}
	if entry.Status != model.DeadLetterPending {
		return fmt.Errorf("%w: %s", ErrDeadLetterClosed, entry.Status)
	}

	if err := d.store.SetDeadLetterStatus(ctx, entryID, model.DeadLetterAbandoned); err != nil {
		return err
	}

	slog.Info("dead letter abandoned", "entry_id", entryID)
	return nil
}
