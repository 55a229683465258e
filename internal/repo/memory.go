package repo

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/lcwong/smspanel/internal/model"
)

// Memory is an in-process Store used by the test suite and local
// development. All methods are safe for concurrent use; counter updates
// are serialized by the store mutex, mirroring the row-level atomicity the
// Postgres implementation gets from single UPDATE statements.
type Memory struct {
	mu          sync.Mutex
	messages    map[int64]*model.Message
	recipients  map[int64]*model.Recipient
	deadLetters map[int64]*model.DeadLetterEntry
	users       map[int64]*model.User
	nextID      int64
}

func NewMemory() *Memory {
	return &Memory{
		messages:    make(map[int64]*model.Message),
		recipients:  make(map[int64]*model.Recipient),
		deadLetters: make(map[int64]*model.DeadLetterEntry),
		users:       make(map[int64]*model.User),
	}
}

func (m *Memory) id() int64 {
	m.nextID++
	return m.nextID
}

// AddUser registers a user and returns it. Test/bootstrap helper.
func (m *Memory) AddUser(username, token string, isAdmin bool) *model.User {
	m.mu.Lock()
	defer m.mu.Unlock()

	u := &model.User{
		ID:        m.id(),
		Username:  username,
		Token:     token,
		IsAdmin:   isAdmin,
		IsActive:  true,
		CreatedAt: time.Now().UTC(),
	}
	m.users[u.ID] = u
	return u
}

// DeleteMessage removes a message row and its recipients, matching the
// ON DELETE CASCADE in the Postgres schema. Test helper simulating a
// concurrent admin delete.
func (m *Memory) DeleteMessage(id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.messages, id)
	for rid, rec := range m.recipients {
		if rec.MessageID == id {
			delete(m.recipients, rid)
		}
	}
}

func (m *Memory) CreateMessage(ctx context.Context, userID int64, content string) (*model.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	msg := &model.Message{
		ID:        m.id(),
		UserID:    userID,
		Content:   content,
		Status:    model.MessagePending,
		JobStatus: model.JobPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.messages[msg.ID] = msg
	out := *msg
	return &out, nil
}

func (m *Memory) GetMessage(ctx context.Context, id int64) (*model.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *msg
	return &out, nil
}

func (m *Memory) GetMessageForUser(ctx context.Context, id, userID int64) (*model.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[id]
	if !ok || msg.UserID != userID {
		return nil, ErrNotFound
	}
	out := *msg
	return &out, nil
}

func (m *Memory) ListMessages(ctx context.Context, userID int64, limit, offset int) ([]model.Message, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	var all []model.Message
	for _, msg := range m.messages {
		if msg.UserID == userID {
			all = append(all, *msg)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID > all[j].ID
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})

	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (m *Memory) MarkEnqueued(ctx context.Context, id int64, position int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[id]
	if !ok || msg.JobStatus != model.JobPending {
		return nil
	}
	p := position
	msg.QueuePosition = &p
	msg.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) MarkSending(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[id]
	if !ok || !msg.JobStatus.CanTransition(model.JobSending) {
		return nil
	}
	msg.JobStatus = model.JobSending
	msg.QueuePosition = nil
	msg.EstimatedAt = nil
	msg.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) AddOutcome(ctx context.Context, id int64, sent bool) (*model.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	if sent {
		msg.SuccessCount++
	} else {
		msg.FailedCount++
	}
	msg.UpdatedAt = time.Now().UTC()
	out := *msg
	return &out, nil
}

func (m *Memory) ConvertFailure(ctx context.Context, id int64) (*model.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	if msg.FailedCount > 0 {
		msg.FailedCount--
		msg.SuccessCount++
		msg.UpdatedAt = time.Now().UTC()
	}
	out := *msg
	return &out, nil
}

func (m *Memory) Finalize(ctx context.Context, id int64, job model.JobStatus, status model.MessageStatus, raw *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[id]
	if !ok || !msg.JobStatus.CanTransition(job) {
		return nil
	}
	msg.JobStatus = job
	msg.Status = status
	if raw != nil {
		r := *raw
		msg.HKTResponse = &r
	}
	now := time.Now().UTC()
	msg.SentAt = &now
	msg.QueuePosition = nil
	msg.EstimatedAt = nil
	msg.UpdatedAt = now
	return nil
}

func (m *Memory) SetQueueInfo(ctx context.Context, id int64, position *int, eta *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[id]
	if !ok || msg.JobStatus != model.JobPending {
		return nil
	}
	if position != nil {
		p := *position
		msg.QueuePosition = &p
	} else {
		msg.QueuePosition = nil
	}
	if eta != nil {
		t := *eta
		msg.EstimatedAt = &t
	} else {
		msg.EstimatedAt = nil
	}
	msg.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) ListPending(ctx context.Context) ([]model.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []model.Message
	for _, msg := range m.messages {
		if msg.JobStatus == model.JobPending {
			out = append(out, *msg)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *Memory) CountPending(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, msg := range m.messages {
		if msg.JobStatus == model.JobPending {
			n++
		}
	}
	return n, nil
}

func (m *Memory) CreateRecipient(ctx context.Context, messageID int64, phone string) (*model.Recipient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := &model.Recipient{
		ID:        m.id(),
		MessageID: messageID,
		Phone:     phone,
		Status:    model.RecipientPending,
		CreatedAt: time.Now().UTC(),
	}
	m.recipients[rec.ID] = rec

	if msg, ok := m.messages[messageID]; ok {
		msg.RecipientCount++
	}

	out := *rec
	return &out, nil
}

func (m *Memory) GetRecipient(ctx context.Context, id int64) (*model.Recipient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.recipients[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *rec
	return &out, nil
}

func (m *Memory) ListRecipients(ctx context.Context, messageID int64) ([]model.Recipient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []model.Recipient
	for _, rec := range m.recipients {
		if rec.MessageID == messageID {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) SetRecipientStatus(ctx context.Context, id int64, status model.RecipientStatus, errMsg *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.recipients[id]
	if !ok {
		return nil
	}
	rec.Status = status
	if errMsg != nil {
		e := *errMsg
		rec.ErrorMessage = &e
	} else {
		rec.ErrorMessage = nil
	}
	return nil
}

func (m *Memory) CreateDeadLetter(ctx context.Context, e *model.DeadLetterEntry) (*model.DeadLetterEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	entry := *e
	entry.ID = m.id()
	entry.Status = model.DeadLetterPending
	entry.CreatedAt = now
	entry.UpdatedAt = now
	m.deadLetters[entry.ID] = &entry

	out := entry
	return &out, nil
}

func (m *Memory) GetDeadLetter(ctx context.Context, id int64) (*model.DeadLetterEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.deadLetters[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *e
	return &out, nil
}

func (m *Memory) FindOpenDeadLetter(ctx context.Context, recipientID int64) (*model.DeadLetterEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var found *model.DeadLetterEntry
	for _, e := range m.deadLetters {
		if e.RecipientID == recipientID && e.Status == model.DeadLetterPending {
			if found == nil || e.ID > found.ID {
				found = e
			}
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	out := *found
	return &out, nil
}

func (m *Memory) ListDeadLetters(ctx context.Context, limit, offset int) ([]model.DeadLetterEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	var all []model.DeadLetterEntry
	for _, e := range m.deadLetters {
		all = append(all, *e)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID > all[j].ID })

	if offset >= len(all) {
		return nil, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

func (m *Memory) SetDeadLetterStatus(ctx context.Context, id int64, status model.DeadLetterStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.deadLetters[id]
	if !ok {
		return ErrNotFound
	}
	e.Status = status
	e.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) GetUserByToken(ctx context.Context, token string) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, u := range m.users {
		if u.Token == token && u.IsActive {
			out := *u
			return &out, nil
		}
	}
	return nil, ErrNotFound
}
