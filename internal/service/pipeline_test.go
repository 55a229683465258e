package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/lcwong/smspanel/internal/client"
	"github.com/lcwong/smspanel/internal/metrics"
	"github.com/lcwong/smspanel/internal/model"
	"github.com/lcwong/smspanel/internal/queue"
	"github.com/lcwong/smspanel/internal/ratelimit"
	"github.com/lcwong/smspanel/internal/repo"
)

// scriptedGateway succeeds unless the phone is listed as failing.
type scriptedGateway struct {
	mu    sync.Mutex
	fail  map[string]bool
	calls map[string]int
}

func newScriptedGateway(failing ...string) *scriptedGateway {
	fail := make(map[string]bool, len(failing))
	for _, p := range failing {
		fail[p] = true
	}
	return &scriptedGateway{fail: fail, calls: make(map[string]int)}
}

func (g *scriptedGateway) Send(ctx context.Context, phone, content string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls[phone]++
	if g.fail[phone] {
		return "", &client.GatewayError{Message: "gateway error", Raw: "ERROR: boom", Retryable: true}
	}
	return "OK: Message sent successfully", nil
}

func (g *scriptedGateway) callCount(phone string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[phone]
}

func (g *scriptedGateway) setFailing(phone string, failing bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fail[phone] = failing
}

func newTestPipeline(t *testing.T, gw client.Gateway, capacity, workers int) (*Pipeline, *repo.Memory, *queue.Queue) {
	t.Helper()

	store := repo.NewMemory()

	bucket, err := ratelimit.New(1000, 1000)
	if err != nil {
		t.Fatalf("ratelimit.New() error: %v", err)
	}
	sender := client.New(gw, bucket, client.RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
	})

	q, err := queue.New(capacity, workers)
	if err != nil {
		t.Fatalf("queue.New() error: %v", err)
	}

	p := NewPipeline(store, q, sender, nil, metrics.NewNop())
	return p, store, q
}

func createMessage(t *testing.T, store *repo.Memory, content string, phones ...string) (*model.Message, []*model.Recipient) {
	t.Helper()

	ctx := context.Background()
	user := store.AddUser("tester", model.NewToken(), false)

	msg, err := store.CreateMessage(ctx, user.ID, content)
	if err != nil {
		t.Fatalf("CreateMessage() error: %v", err)
	}

	var recs []*model.Recipient
	for _, phone := range phones {
		rec, err := store.CreateRecipient(ctx, msg.ID, phone)
		if err != nil {
			t.Fatalf("CreateRecipient() error: %v", err)
		}
		recs = append(recs, rec)
	}
	return msg, recs
}

func waitForTerminal(t *testing.T, store *repo.Memory, messageID int64) *model.Message {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		msg, err := store.GetMessage(context.Background(), messageID)
		if err != nil {
			t.Fatalf("GetMessage() error: %v", err)
		}
		if msg.JobStatus.Terminal() {
			return msg
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("message %d never reached a terminal job status", messageID)
	return nil
}

func TestPipeline_SingleMessageDelivered(t *testing.T) {
	t.Parallel()

	gw := newScriptedGateway()
	p, store, q := newTestPipeline(t, gw, 10, 2)
	ctx := context.Background()

	msg, recs := createMessage(t, store, "Test", "85212345678")

	q.Start()
	t.Cleanup(func() {
		sctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		q.Shutdown(sctx)
	})

	if !p.EnqueueSingle(ctx, msg.ID, recs[0].ID) {
		t.Fatalf("enqueue failed")
	}

	final := waitForTerminal(t, store, msg.ID)

	if final.JobStatus != model.JobCompleted {
		t.Fatalf("expected job_status=completed, got %s", final.JobStatus)
	}
	if final.Status != model.MessageSent {
		t.Fatalf("expected status=sent, got %s", final.Status)
	}
	if final.SuccessCount != 1 || final.FailedCount != 0 {
		t.Fatalf("expected counts 1/0, got %d/%d", final.SuccessCount, final.FailedCount)
	}
	if final.SentAt == nil {
		t.Fatalf("expected sent_at to be stamped")
	}
	if final.HKTResponse == nil || *final.HKTResponse != "OK: Message sent successfully" {
		t.Fatalf("expected raw gateway response, got %v", final.HKTResponse)
	}
	if final.QueuePosition != nil {
		t.Fatalf("terminal message should have no queue position")
	}

	rec, err := store.GetRecipient(ctx, recs[0].ID)
	if err != nil {
		t.Fatalf("GetRecipient() error: %v", err)
	}
	if rec.Status != model.RecipientSent {
		t.Fatalf("expected recipient sent, got %s", rec.Status)
	}

	dls, err := store.ListDeadLetters(ctx, 10, 0)
	if err != nil {
		t.Fatalf("ListDeadLetters() error: %v", err)
	}
	if len(dls) != 0 {
		t.Fatalf("expected no dead letters, got %d", len(dls))
	}
}

func TestPipeline_BulkPartialSuccess(t *testing.T) {
	t.Parallel()

	gw := newScriptedGateway("22222222")
	p, store, _ := newTestPipeline(t, gw, 10, 1)
	ctx := context.Background()

	msg, recs := createMessage(t, store, "Hello", "11111111", "22222222", "33333333")

	// Drive the task body directly the way a worker would.
	p.tracker.MarkSending(ctx, msg.ID)
	p.runBulk(ctx, msg.ID)

	final, err := store.GetMessage(ctx, msg.ID)
	if err != nil {
		t.Fatalf("GetMessage() error: %v", err)
	}

	if final.JobStatus != model.JobPartial {
		t.Fatalf("expected job_status=partial, got %s", final.JobStatus)
	}
	if final.Status != model.MessagePartial {
		t.Fatalf("expected status=partial, got %s", final.Status)
	}
	if final.SuccessCount != 2 || final.FailedCount != 1 {
		t.Fatalf("expected counts 2/1, got %d/%d", final.SuccessCount, final.FailedCount)
	}
	if final.SuccessCount+final.FailedCount != final.RecipientCount {
		t.Fatalf("counts %d+%d do not add up to %d recipients",
			final.SuccessCount, final.FailedCount, final.RecipientCount)
	}

	// The failing recipient used its whole retry budget.
	if got := gw.callCount("22222222"); got != 3 {
		t.Fatalf("expected 3 attempts for failing recipient, got %d", got)
	}

	rec2, err := store.GetRecipient(ctx, recs[1].ID)
	if err != nil {
		t.Fatalf("GetRecipient() error: %v", err)
	}
	if rec2.Status != model.RecipientFailed {
		t.Fatalf("expected recipient #2 failed, got %s", rec2.Status)
	}
	if rec2.ErrorMessage == nil || *rec2.ErrorMessage == "" {
		t.Fatalf("expected recipient #2 to carry an error message")
	}

	dls, err := store.ListDeadLetters(ctx, 10, 0)
	if err != nil {
		t.Fatalf("ListDeadLetters() error: %v", err)
	}
	if len(dls) != 1 {
		t.Fatalf("expected exactly one dead letter, got %d", len(dls))
	}
	if dls[0].RecipientID != recs[1].ID {
		t.Fatalf("dead letter references recipient %d, want %d", dls[0].RecipientID, recs[1].ID)
	}
	if dls[0].Status != model.DeadLetterPending {
		t.Fatalf("expected dead letter pending, got %s", dls[0].Status)
	}
	if dls[0].Attempts != 3 {
		t.Fatalf("expected 3 recorded attempts, got %d", dls[0].Attempts)
	}
}

func TestPipeline_EnqueueRejectedOnFullQueue(t *testing.T) {
	t.Parallel()

	gw := newScriptedGateway()
	p, store, _ := newTestPipeline(t, gw, 1, 1)
	ctx := context.Background()

	// Workers never started, so the first task occupies the only slot.
	msg1, recs1 := createMessage(t, store, "first", "11111111")
	if !p.EnqueueSingle(ctx, msg1.ID, recs1[0].ID) {
		t.Fatalf("first enqueue should succeed")
	}

	msg2, recs2 := createMessage(t, store, "second", "22222222")
	if p.EnqueueSingle(ctx, msg2.ID, recs2[0].ID) {
		t.Fatalf("enqueue against a full queue should fail")
	}

	// The rejected row goes terminal so recomputes never rank it.
	got, err := store.GetMessage(ctx, msg2.ID)
	if err != nil {
		t.Fatalf("GetMessage() error: %v", err)
	}
	if got.JobStatus != model.JobFailed || got.Status != model.MessageFailed {
		t.Fatalf("rejected message should be failed, got %s/%s", got.JobStatus, got.Status)
	}
	if got.QueuePosition != nil {
		t.Fatalf("rejected message should have no queue position")
	}

	pending, err := store.CountPending(ctx)
	if err != nil {
		t.Fatalf("CountPending() error: %v", err)
	}
	if pending != 1 {
		t.Fatalf("rejected message must not count as pending, got %d", pending)
	}

	dls, err := store.ListDeadLetters(ctx, 10, 0)
	if err != nil {
		t.Fatalf("ListDeadLetters() error: %v", err)
	}
	if len(dls) != 0 {
		t.Fatalf("expected no dead letters, got %d", len(dls))
	}
}

func TestPipeline_MessageDeletedMidFlight(t *testing.T) {
	t.Parallel()

	gw := newScriptedGateway()
	p, store, _ := newTestPipeline(t, gw, 10, 1)
	ctx := context.Background()

	msg, recs := createMessage(t, store, "gone", "11111111")
	store.DeleteMessage(msg.ID)

	// Must be a silent no-op, not a panic or a dead letter.
	p.runSingle(ctx, msg.ID, recs[0].ID)

	if got := gw.callCount("11111111"); got != 0 {
		t.Fatalf("gateway should not be called for a deleted message, got %d calls", got)
	}

	dls, err := store.ListDeadLetters(ctx, 10, 0)
	if err != nil {
		t.Fatalf("ListDeadLetters() error: %v", err)
	}
	if len(dls) != 0 {
		t.Fatalf("expected no dead letters, got %d", len(dls))
	}
}

// transientGateway fails its first call with a retryable error, blocking
// until released, and succeeds afterwards.
type transientGateway struct {
	mu      sync.Mutex
	calls   int
	entered chan struct{}
	release chan struct{}
}

func (g *transientGateway) Send(ctx context.Context, phone, content string) (string, error) {
	g.mu.Lock()
	g.calls++
	first := g.calls == 1
	g.mu.Unlock()

	if first {
		close(g.entered)
		<-g.release
		return "", &client.GatewayError{Message: "transient", Raw: "", Retryable: true}
	}
	return "OK: Message sent successfully", nil
}

func TestPipeline_ShutdownKeepsRetryBudget(t *testing.T) {
	t.Parallel()

	gw := &transientGateway{entered: make(chan struct{}), release: make(chan struct{})}
	p, store, q := newTestPipeline(t, gw, 10, 1)
	ctx := context.Background()

	msg, recs := createMessage(t, store, "survives shutdown", "85212345678")

	q.Start()
	if !p.EnqueueSingle(ctx, msg.ID, recs[0].ID) {
		t.Fatalf("enqueue failed")
	}

	select {
	case <-gw.entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("gateway never reached")
	}

	// Shutdown arrives while attempt 1 is still on the wire. The delivery
	// must keep its remaining attempts and succeed on attempt 2.
	shutdownDone := make(chan struct{})
	go func() {
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		q.Shutdown(sctx)
		close(shutdownDone)
	}()

	time.Sleep(50 * time.Millisecond)
	close(gw.release)

	select {
	case <-shutdownDone:
	case <-time.After(2 * time.Second):
		t.Fatalf("shutdown did not complete")
	}

	final, err := store.GetMessage(ctx, msg.ID)
	if err != nil {
		t.Fatalf("GetMessage() error: %v", err)
	}
	if final.JobStatus != model.JobCompleted || final.Status != model.MessageSent {
		t.Fatalf("expected completed/sent after shutdown, got %s/%s", final.JobStatus, final.Status)
	}

	dls, err := store.ListDeadLetters(ctx, 10, 0)
	if err != nil {
		t.Fatalf("ListDeadLetters() error: %v", err)
	}
	if len(dls) != 0 {
		t.Fatalf("clean shutdown must not dead-letter, got %d entries", len(dls))
	}
}

func TestPipeline_AllRecipientsFail(t *testing.T) {
	t.Parallel()

	gw := newScriptedGateway("11111111", "22222222")
	p, store, _ := newTestPipeline(t, gw, 10, 1)
	ctx := context.Background()

	msg, _ := createMessage(t, store, "doomed", "11111111", "22222222")

	p.tracker.MarkSending(ctx, msg.ID)
	p.runBulk(ctx, msg.ID)

	final, err := store.GetMessage(ctx, msg.ID)
	if err != nil {
		t.Fatalf("GetMessage() error: %v", err)
	}
	if final.JobStatus != model.JobFailed {
		t.Fatalf("expected job_status=failed, got %s", final.JobStatus)
	}
	if final.Status != model.MessageFailed {
		t.Fatalf("expected status=failed, got %s", final.Status)
	}
	if final.SuccessCount != 0 || final.FailedCount != 2 {
		t.Fatalf("expected counts 0/2, got %d/%d", final.SuccessCount, final.FailedCount)
	}

	dls, err := store.ListDeadLetters(ctx, 10, 0)
	if err != nil {
		t.Fatalf("ListDeadLetters() error: %v", err)
	}
	if len(dls) != 2 {
		t.Fatalf("expected two dead letters, got %d", len(dls))
	}
}
