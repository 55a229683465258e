package cache

import (
	"context"
	"time"

	"github.com/lcwong/smspanel/internal/model"
)

// Receipt is the cached terminal record of a message, written once the job
// reaches a final status so pollers stop hitting Postgres.
type Receipt struct {
	MessageID    int64             `json:"messageId"`
	Status       string            `json:"status"`
	JobStatus    string            `json:"jobStatus"`
	SuccessCount int               `json:"successCount"`
	FailedCount  int               `json:"failedCount"`
	HKTResponse  *string           `json:"hktResponse,omitempty"`
	SentAt       time.Time         `json:"sentAt"`
	Recipients   map[string]string `json:"recipients,omitempty"`
}

type ReceiptCache interface {
	StoreReceipt(ctx context.Context, r Receipt) error
	GetReceipt(ctx context.Context, messageID int64) (*Receipt, error)
}

// FromMessage builds a receipt from a finalized message row.
func FromMessage(m *model.Message) Receipt {
	r := Receipt{
		MessageID:    m.ID,
		Status:       string(m.Status),
		JobStatus:    string(m.JobStatus),
		SuccessCount: m.SuccessCount,
		FailedCount:  m.FailedCount,
		HKTResponse:  m.HKTResponse,
	}
	if m.SentAt != nil {
		r.SentAt = *m.SentAt
	}
	return r
}
