package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/lcwong/smspanel/internal/cache"
	"github.com/lcwong/smspanel/internal/client"
	"github.com/lcwong/smspanel/internal/metrics"
	"github.com/lcwong/smspanel/internal/model"
	"github.com/lcwong/smspanel/internal/queue"
	"github.com/lcwong/smspanel/internal/repo"
)

// Pipeline wires the delivery pipeline together: it turns accepted messages
// into queue tasks, and the task bodies compose the gateway client, the
// status tracker and the dead-letter store.
type Pipeline struct {
	store   repo.Store
	queue   *queue.Queue
	client  *client.Client
	tracker *Tracker
	dead    *DeadLetter
	met     *metrics.Metrics
}

func NewPipeline(store repo.Store, q *queue.Queue, cl *client.Client, receipts cache.ReceiptCache, met *metrics.Metrics) *Pipeline {
	p := &Pipeline{
		store:  store,
		queue:  q,
		client: cl,
		met:    met,
	}

	p.tracker = NewTracker(store, receipts, met, func() float64 {
		return q.Snapshot().PerSecond
	})
	p.dead = NewDeadLetter(store, p.enqueueRetry, met)

	q.WithHooks(
		func(ctx context.Context, messageID int64) {
			p.tracker.MarkSending(ctx, messageID)
		},
		func(ctx context.Context, messageID int64) {
			p.tracker.RecomputeQueue(ctx)
		},
	)

	return p
}

// DeadLetters exposes the dead-letter admin operations.
func (p *Pipeline) DeadLetters() *DeadLetter {
	return p.dead
}

// Tracker exposes the status tracker, mainly for tests.
func (p *Pipeline) Tracker() *Tracker {
	return p.tracker
}

// EnqueueSingle schedules a single-recipient delivery. False means the
// queue is full and nothing was scheduled.
func (p *Pipeline) EnqueueSingle(ctx context.Context, messageID, recipientID int64) bool {
	return p.submit(ctx, queue.Task{
		MessageID: messageID,
		Run: func(taskCtx context.Context) {
			p.runSingle(taskCtx, messageID, recipientID)
		},
	})
}

// EnqueueBulk schedules a delivery to every pending recipient of the
// message, processed sequentially inside one task.
func (p *Pipeline) EnqueueBulk(ctx context.Context, messageID int64) bool {
	return p.submit(ctx, queue.Task{
		MessageID: messageID,
		Run: func(taskCtx context.Context) {
			p.runBulk(taskCtx, messageID)
		},
	})
}

func (p *Pipeline) submit(ctx context.Context, t queue.Task) bool {
	if !p.queue.Enqueue(t) {
		p.met.EnqueueRejected.Inc()
		p.tracker.MarkRejected(ctx, t.MessageID)
		return false
	}
	p.tracker.MarkEnqueued(ctx, t.MessageID)
	return true
}

// enqueueRetry re-enqueues a dead-lettered single delivery.
func (p *Pipeline) enqueueRetry(ctx context.Context, messageID, recipientID int64) bool {
	return p.queue.Enqueue(queue.Task{
		MessageID: messageID,
		Run: func(taskCtx context.Context) {
			p.runSingle(taskCtx, messageID, recipientID)
		},
	})
}

// runSingle is the single-recipient unit of work. The store is re-read at
// task start: a message or recipient deleted mid-flight is a no-op, not an
// error.
func (p *Pipeline) runSingle(ctx context.Context, messageID, recipientID int64) {
	msg, err := p.store.GetMessage(ctx, messageID)
	if errors.Is(err, repo.ErrNotFound) {
		slog.Info("message gone before send, skipping", "message_id", messageID)
		return
	}
	if err != nil {
		slog.Error("load message failed", "message_id", messageID, "error", err)
		return
	}

	rec, err := p.store.GetRecipient(ctx, recipientID)
	if errors.Is(err, repo.ErrNotFound) {
		slog.Info("recipient gone before send, skipping", "message_id", messageID, "recipient_id", recipientID)
		return
	}
	if err != nil {
		slog.Error("load recipient failed", "recipient_id", recipientID, "error", err)
		return
	}

	p.deliver(ctx, msg, rec)
}

// runBulk iterates the message's still-pending recipients in order. Each
// outcome is reported independently so partial success is representable.
func (p *Pipeline) runBulk(ctx context.Context, messageID int64) {
	msg, err := p.store.GetMessage(ctx, messageID)
	if errors.Is(err, repo.ErrNotFound) {
		slog.Info("message gone before send, skipping", "message_id", messageID)
		return
	}
	if err != nil {
		slog.Error("load message failed", "message_id", messageID, "error", err)
		return
	}

	recs, err := p.store.ListRecipients(ctx, messageID)
	if err != nil {
		slog.Error("list recipients failed", "message_id", messageID, "error", err)
		return
	}

	for i := range recs {
		if recs[i].Status != model.RecipientPending {
			continue
		}
		p.deliver(ctx, msg, &recs[i])
	}
}

// deliver performs one rate-limited, retried gateway send and reports the
// outcome. Terminal failures are dead-lettered; the worker never sees an
// error.
func (p *Pipeline) deliver(ctx context.Context, msg *model.Message, rec *model.Recipient) {
	start := time.Now()
	raw, err := p.client.Send(ctx, rec.Phone, msg.Content)
	p.met.SendDuration.Observe(time.Since(start).Seconds())

	if err == nil {
		p.tracker.RecordOutcome(ctx, msg.ID, rec.ID, raw, nil)
		return
	}

	var sendErr *client.SendError
	if !errors.As(err, &sendErr) {
		// Send only fails through SendError; guard anyway.
		sendErr = &client.SendError{Attempts: 0, LastErr: err}
	}

	p.tracker.RecordOutcome(ctx, msg.ID, rec.ID, sendErr.Raw, sendErr)
	p.dead.Record(ctx, msg, rec, sendErr.Error(), sendErr.Attempts)
}
