package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/lcwong/smspanel/internal/cache"
	"github.com/lcwong/smspanel/internal/metrics"
	"github.com/lcwong/smspanel/internal/model"
	"github.com/lcwong/smspanel/internal/repo"
)

// Tracker propagates task progress back to the persisted Message and
// Recipient rows: counters, terminal statuses, queue positions and ETAs.
type Tracker struct {
	store      repo.Store
	receipts   cache.ReceiptCache
	met        *metrics.Metrics
	throughput func() float64
	now        func() time.Time
}

func NewTracker(store repo.Store, receipts cache.ReceiptCache, met *metrics.Metrics, throughput func() float64) *Tracker {
	return &Tracker{
		store:      store,
		receipts:   receipts,
		met:        met,
		throughput: throughput,
		now:        time.Now,
	}
}

// MarkEnqueued stamps the queue position of a freshly accepted job: its
// 1-based rank among all currently pending jobs.
func (t *Tracker) MarkEnqueued(ctx context.Context, messageID int64) {
	pos, err := t.store.CountPending(ctx)
	if err != nil {
		slog.Error("count pending failed", "message_id", messageID, "error", err)
		return
	}
	if pos < 1 {
		pos = 1
	}
	if err := t.store.MarkEnqueued(ctx, messageID, pos); err != nil {
		slog.Error("mark enqueued failed", "message_id", messageID, "error", err)
	}
}

// MarkRejected finalizes a job the queue refused. No worker will ever
// serve the row, so leaving it pending would give it a queue position and
// inflate the pending count forever.
func (t *Tracker) MarkRejected(ctx context.Context, messageID int64) {
	if err := t.store.Finalize(ctx, messageID, model.JobFailed, model.MessageFailed, nil); err != nil {
		slog.Error("mark rejected failed", "message_id", messageID, "error", err)
	}
}

// MarkSending is invoked by the worker as it pops a task: the job moves to
// sending and loses its queue position.
func (t *Tracker) MarkSending(ctx context.Context, messageID int64) {
	if err := t.store.MarkSending(ctx, messageID); err != nil {
		slog.Error("mark sending failed", "message_id", messageID, "error", err)
	}
}

// RecordOutcome commits one recipient's terminal attempt result. When it is
// the last outstanding recipient of the message, the message is finalized.
// A vanished message or recipient row is logged and otherwise ignored.
func (t *Tracker) RecordOutcome(ctx context.Context, messageID, recipientID int64, raw string, sendErr error) {
	rec, err := t.store.GetRecipient(ctx, recipientID)
	if errors.Is(err, repo.ErrNotFound) {
		slog.Warn("recipient vanished mid-task", "message_id", messageID, "recipient_id", recipientID)
		return
	}
	if err != nil {
		slog.Error("load recipient failed", "recipient_id", recipientID, "error", err)
		return
	}

	sent := sendErr == nil
	status := model.RecipientFailed
	var errMsg *string
	if sent {
		status = model.RecipientSent
	} else {
		s := sendErr.Error()
		errMsg = &s
	}

	if err := t.store.SetRecipientStatus(ctx, recipientID, status, errMsg); err != nil {
		slog.Error("set recipient status failed", "recipient_id", recipientID, "error", err)
		return
	}

	if sent {
		t.met.SMSSent.Inc()
	} else {
		t.met.SMSFailed.Inc()
	}

	switch {
	case rec.Status == model.RecipientPending:
		msg, err := t.store.AddOutcome(ctx, messageID, sent)
		if errors.Is(err, repo.ErrNotFound) {
			slog.Warn("message vanished mid-task", "message_id", messageID)
			return
		}
		if err != nil {
			slog.Error("add outcome failed", "message_id", messageID, "error", err)
			return
		}
		if msg.SuccessCount+msg.FailedCount >= msg.RecipientCount {
			t.finalize(ctx, msg, raw)
		}
	case rec.Status == model.RecipientFailed && sent:
		// Dead-letter retry that went through.
		if _, err := t.store.ConvertFailure(ctx, messageID); err != nil && !errors.Is(err, repo.ErrNotFound) {
			slog.Error("convert failure failed", "message_id", messageID, "error", err)
		}
	}
}

func (t *Tracker) finalize(ctx context.Context, msg *model.Message, raw string) {
	var job model.JobStatus
	var status model.MessageStatus
	switch {
	case msg.FailedCount == 0:
		job, status = model.JobCompleted, model.MessageSent
	case msg.SuccessCount == 0:
		job, status = model.JobFailed, model.MessageFailed
	default:
		job, status = model.JobPartial, model.MessagePartial
	}

	var rawPtr *string
	if raw != "" {
		rawPtr = &raw
	}

	if err := t.store.Finalize(ctx, msg.ID, job, status, rawPtr); err != nil {
		slog.Error("finalize message failed", "message_id", msg.ID, "error", err)
		return
	}

	slog.Info("message finalized",
		"message_id", msg.ID,
		"job_status", string(job),
		"success", msg.SuccessCount,
		"failed", msg.FailedCount,
	)

	if t.receipts != nil {
		final, err := t.store.GetMessage(ctx, msg.ID)
		if err == nil {
			if err := t.receipts.StoreReceipt(ctx, cache.FromMessage(final)); err != nil {
				slog.Warn("receipt cache write failed", "message_id", msg.ID, "error", err)
			}
		}
	}
}

// RecomputeQueue reassigns queue positions and ETAs to every still-pending
// job. Positions are dense 1..n in enqueue order; the ETA extrapolates the
// queue's observed throughput over its sliding window. With no observed
// completions yet there is no defensible estimate and ETA stays null.
func (t *Tracker) RecomputeQueue(ctx context.Context) {
	pending, err := t.store.ListPending(ctx)
	if err != nil {
		slog.Error("list pending failed", "error", err)
		return
	}

	perSec := t.throughput()
	now := t.now().UTC()

	for i := range pending {
		pos := i + 1
		var eta *time.Time
		if perSec > 0 {
			est := now.Add(time.Duration(float64(pos) / perSec * float64(time.Second)))
			eta = &est
		}
		if err := t.store.SetQueueInfo(ctx, pending[i].ID, &pos, eta); err != nil {
			slog.Error("set queue info failed", "message_id", pending[i].ID, "error", err)
		}
	}

	t.met.PendingMessages.Set(float64(len(pending)))
}
