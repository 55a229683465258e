package model

import "time"

// MessageStatus is the aggregate delivery outcome of a message.
type MessageStatus string

const (
	MessagePending MessageStatus = "pending"
	MessageSent    MessageStatus = "sent"
	MessageFailed  MessageStatus = "failed"
	MessagePartial MessageStatus = "partial"
)

// JobStatus is the pipeline lifecycle of a message, distinct from the
// delivery outcome. It only moves forward:
// pending -> sending -> {completed | partial | failed}.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobSending   JobStatus = "sending"
	JobCompleted JobStatus = "completed"
	JobPartial   JobStatus = "partial"
	JobFailed    JobStatus = "failed"
)

// CanTransition reports whether moving to the given job status is a legal
// forward step.
func (s JobStatus) CanTransition(to JobStatus) bool {
	switch s {
	case JobPending:
		return to == JobSending || to == JobCompleted || to == JobPartial || to == JobFailed
	case JobSending:
		return to == JobCompleted || to == JobPartial || to == JobFailed
	default:
		return false
	}
}

// Terminal reports whether the job status is final.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobPartial || s == JobFailed
}

type Message struct {
	ID             int64
	UserID         int64
	Content        string
	Status         MessageStatus
	JobStatus      JobStatus
	QueuePosition  *int
	EstimatedAt    *time.Time
	RecipientCount int
	SuccessCount   int
	FailedCount    int
	SentAt         *time.Time
	HKTResponse    *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
