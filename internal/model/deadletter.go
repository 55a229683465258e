package model

import "time"

// DeadLetterStatus tracks what happened to a dead-lettered delivery.
// Entries are created pending and only ever mutated by the admin surface.
type DeadLetterStatus string

const (
	DeadLetterPending   DeadLetterStatus = "pending"
	DeadLetterRetried   DeadLetterStatus = "retried"
	DeadLetterAbandoned DeadLetterStatus = "abandoned"
)

// DeadLetterEntry records a delivery that exhausted its retry budget.
// Phone and Content are snapshotted so the entry stays inspectable and
// retryable even if the original rows change.
type DeadLetterEntry struct {
	ID          int64
	MessageID   int64
	RecipientID int64
	Phone       string
	Content     string
	LastError   string
	Attempts    int
	Status      DeadLetterStatus
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
