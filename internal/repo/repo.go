package repo

import (
	"context"
	"errors"
	"time"

	"github.com/lcwong/smspanel/internal/model"
)

// ErrNotFound is returned when a referenced row does not exist. The
// pipeline treats it as a silent no-op: the store is the source of truth
// and rows may be deleted by the admin surface while a task is in flight.
var ErrNotFound = errors.New("not found")

type MessageRepository interface {
	CreateMessage(ctx context.Context, userID int64, content string) (*model.Message, error)
	GetMessage(ctx context.Context, id int64) (*model.Message, error)
	GetMessageForUser(ctx context.Context, id, userID int64) (*model.Message, error)
	ListMessages(ctx context.Context, userID int64, limit, offset int) ([]model.Message, int, error)

	// MarkEnqueued assigns the queue position of a freshly accepted job.
	MarkEnqueued(ctx context.Context, id int64, position int) error
	// MarkSending moves the job to sending and clears its queue position.
	MarkSending(ctx context.Context, id int64) error
	// AddOutcome atomically increments the success or failed counter and
	// returns the updated row, so concurrent workers never lose updates.
	AddOutcome(ctx context.Context, id int64, sent bool) (*model.Message, error)
	// ConvertFailure moves one counted failure to a success, used when a
	// dead-lettered delivery is retried and goes through.
	ConvertFailure(ctx context.Context, id int64) (*model.Message, error)
	// Finalize stamps the terminal job status, aggregate status, sent_at
	// and the raw gateway response.
	Finalize(ctx context.Context, id int64, job model.JobStatus, status model.MessageStatus, raw *string) error

	// SetQueueInfo rewrites queue position and ETA for a still-pending job.
	SetQueueInfo(ctx context.Context, id int64, position *int, eta *time.Time) error
	// ListPending returns messages with job_status=pending in enqueue order.
	ListPending(ctx context.Context) ([]model.Message, error)
	CountPending(ctx context.Context) (int, error)
}

type RecipientRepository interface {
	CreateRecipient(ctx context.Context, messageID int64, phone string) (*model.Recipient, error)
	GetRecipient(ctx context.Context, id int64) (*model.Recipient, error)
	ListRecipients(ctx context.Context, messageID int64) ([]model.Recipient, error)
	SetRecipientStatus(ctx context.Context, id int64, status model.RecipientStatus, errMsg *string) error
}

type DeadLetterRepository interface {
	CreateDeadLetter(ctx context.Context, e *model.DeadLetterEntry) (*model.DeadLetterEntry, error)
	GetDeadLetter(ctx context.Context, id int64) (*model.DeadLetterEntry, error)
	// FindOpenDeadLetter returns the pending entry for a recipient, or
	// ErrNotFound. Used to keep Record idempotent.
	FindOpenDeadLetter(ctx context.Context, recipientID int64) (*model.DeadLetterEntry, error)
	ListDeadLetters(ctx context.Context, limit, offset int) ([]model.DeadLetterEntry, error)
	SetDeadLetterStatus(ctx context.Context, id int64, status model.DeadLetterStatus) error
}

type UserRepository interface {
	GetUserByToken(ctx context.Context, token string) (*model.User, error)
}

// Store aggregates every repository the pipeline needs.
type Store interface {
	MessageRepository
	RecipientRepository
	DeadLetterRepository
	UserRepository
}
