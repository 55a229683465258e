package model

import "time"

// RecipientStatus is the per-recipient delivery outcome. Exactly one
// terminal status (sent or failed) is reached once the worker finishes the
// recipient's attempt.
type RecipientStatus string

const (
	RecipientPending RecipientStatus = "pending"
	RecipientSent    RecipientStatus = "sent"
	RecipientFailed  RecipientStatus = "failed"
)

type Recipient struct {
	ID           int64
	MessageID    int64
	Phone        string
	Status       RecipientStatus
	ErrorMessage *string
	CreatedAt    time.Time
}
