package repo

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/lcwong/smspanel/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// Postgres implements Store on top of database/sql with the pgx driver.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// Open connects to Postgres and ensures the schema exists.
func Open(ctx context.Context, url string) (*Postgres, error) {
	db, err := sql.Open("pgx", url)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		db.Close()
		return nil, err
	}
	return NewPostgres(db), nil
}

func (r *Postgres) Close() error {
	return r.db.Close()
}

const messageColumns = `
	id, user_id, content, status, job_status, queue_position,
	estimated_complete_at, recipient_count, success_count, failed_count,
	sent_at, hkt_response, created_at, updated_at`

func scanMessage(row interface{ Scan(...any) error }) (*model.Message, error) {
	var m model.Message
	var status, jobStatus string
	var queuePos sql.NullInt64
	var eta, sentAt sql.NullTime
	var hkt sql.NullString

	err := row.Scan(
		&m.ID,
		&m.UserID,
		&m.Content,
		&status,
		&jobStatus,
		&queuePos,
		&eta,
		&m.RecipientCount,
		&m.SuccessCount,
		&m.FailedCount,
		&sentAt,
		&hkt,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	m.Status = model.MessageStatus(status)
	m.JobStatus = model.JobStatus(jobStatus)
	if queuePos.Valid {
		p := int(queuePos.Int64)
		m.QueuePosition = &p
	}
	if eta.Valid {
		t := eta.Time
		m.EstimatedAt = &t
	}
	if sentAt.Valid {
		t := sentAt.Time
		m.SentAt = &t
	}
	if hkt.Valid {
		s := hkt.String
		m.HKTResponse = &s
	}
	return &m, nil
}

func (r *Postgres) CreateMessage(ctx context.Context, userID int64, content string) (*model.Message, error) {
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO messages (user_id, content)
		VALUES ($1, $2)
		RETURNING`+messageColumns+`
	`, userID, content)
	return scanMessage(row)
}

func (r *Postgres) GetMessage(ctx context.Context, id int64) (*model.Message, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT`+messageColumns+`
		FROM messages
		WHERE id = $1
	`, id)
	return scanMessage(row)
}

func (r *Postgres) GetMessageForUser(ctx context.Context, id, userID int64) (*model.Message, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT`+messageColumns+`
		FROM messages
		WHERE id = $1 AND user_id = $2
	`, id, userID)
	return scanMessage(row)
}

func (r *Postgres) ListMessages(ctx context.Context, userID int64, limit, offset int) ([]model.Message, int, error) {
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	var total int
	if err := r.db.QueryRowContext(ctx, `
		SELECT count(*) FROM messages WHERE user_id = $1
	`, userID).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT`+messageColumns+`
		FROM messages
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *m)
	}
	return out, total, rows.Err()
}

func (r *Postgres) MarkEnqueued(ctx context.Context, id int64, position int) error {
	return r.exec(ctx, `
		UPDATE messages
		SET queue_position = $2, updated_at = now()
		WHERE id = $1 AND job_status = 'pending'
	`, id, position)
}

func (r *Postgres) MarkSending(ctx context.Context, id int64) error {
	return r.exec(ctx, `
		UPDATE messages
		SET job_status = 'sending',
		    queue_position = NULL,
		    estimated_complete_at = NULL,
		    updated_at = now()
		WHERE id = $1 AND job_status = 'pending'
	`, id)
}

func (r *Postgres) AddOutcome(ctx context.Context, id int64, sent bool) (*model.Message, error) {
	col := "failed_count"
	if sent {
		col = "success_count"
	}
	row := r.db.QueryRowContext(ctx, `
		UPDATE messages
		SET `+col+` = `+col+` + 1, updated_at = now()
		WHERE id = $1
		RETURNING`+messageColumns+`
	`, id)
	return scanMessage(row)
}

func (r *Postgres) ConvertFailure(ctx context.Context, id int64) (*model.Message, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE messages
		SET failed_count = failed_count - 1,
		    success_count = success_count + 1,
		    updated_at = now()
		WHERE id = $1 AND failed_count > 0
		RETURNING`+messageColumns+`
	`, id)
	return scanMessage(row)
}

func (r *Postgres) Finalize(ctx context.Context, id int64, job model.JobStatus, status model.MessageStatus, raw *string) error {
	return r.exec(ctx, `
		UPDATE messages
		SET job_status = $2,
		    status = $3,
		    hkt_response = COALESCE($4, hkt_response),
		    sent_at = now(),
		    queue_position = NULL,
		    estimated_complete_at = NULL,
		    updated_at = now()
		WHERE id = $1 AND job_status IN ('pending', 'sending')
	`, id, string(job), string(status), raw)
}

func (r *Postgres) SetQueueInfo(ctx context.Context, id int64, position *int, eta *time.Time) error {
	return r.exec(ctx, `
		UPDATE messages
		SET queue_position = $2,
		    estimated_complete_at = $3,
		    updated_at = now()
		WHERE id = $1 AND job_status = 'pending'
	`, id, position, eta)
}

func (r *Postgres) ListPending(ctx context.Context) ([]model.Message, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT`+messageColumns+`
		FROM messages
		WHERE job_status = 'pending'
		ORDER BY created_at ASC, id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func (r *Postgres) CountPending(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT count(*) FROM messages WHERE job_status = 'pending'
	`).Scan(&n)
	return n, err
}

func (r *Postgres) CreateRecipient(ctx context.Context, messageID int64, phone string) (*model.Recipient, error) {
	var rec model.Recipient
	var status string
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO recipients (message_id, phone)
		VALUES ($1, $2)
		RETURNING id, message_id, phone, status, created_at
	`, messageID, phone).Scan(&rec.ID, &rec.MessageID, &rec.Phone, &status, &rec.CreatedAt)
	if err != nil {
		return nil, err
	}
	rec.Status = model.RecipientStatus(status)

	if err := r.exec(ctx, `
		UPDATE messages
		SET recipient_count = recipient_count + 1, updated_at = now()
		WHERE id = $1
	`, messageID); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *Postgres) GetRecipient(ctx context.Context, id int64) (*model.Recipient, error) {
	return scanRecipient(r.db.QueryRowContext(ctx, `
		SELECT id, message_id, phone, status, error_message, created_at
		FROM recipients
		WHERE id = $1
	`, id))
}

func scanRecipient(row interface{ Scan(...any) error }) (*model.Recipient, error) {
	var rec model.Recipient
	var status string
	var errMsg sql.NullString

	err := row.Scan(&rec.ID, &rec.MessageID, &rec.Phone, &status, &errMsg, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rec.Status = model.RecipientStatus(status)
	if errMsg.Valid {
		s := errMsg.String
		rec.ErrorMessage = &s
	}
	return &rec, nil
}

func (r *Postgres) ListRecipients(ctx context.Context, messageID int64) ([]model.Recipient, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, message_id, phone, status, error_message, created_at
		FROM recipients
		WHERE message_id = $1
		ORDER BY id ASC
	`, messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Recipient
	for rows.Next() {
		rec, err := scanRecipient(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func (r *Postgres) SetRecipientStatus(ctx context.Context, id int64, status model.RecipientStatus, errMsg *string) error {
	return r.exec(ctx, `
		UPDATE recipients
		SET status = $2, error_message = $3
		WHERE id = $1
	`, id, string(status), errMsg)
}

func (r *Postgres) CreateDeadLetter(ctx context.Context, e *model.DeadLetterEntry) (*model.DeadLetterEntry, error) {
	out := *e
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO dead_letters (message_id, recipient_id, phone, content, last_error, attempts)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, status, created_at, updated_at
	`, e.MessageID, e.RecipientID, e.Phone, e.Content, e.LastError, e.Attempts).
		Scan(&out.ID, &out.Status, &out.CreatedAt, &out.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func scanDeadLetter(row interface{ Scan(...any) error }) (*model.DeadLetterEntry, error) {
	var e model.DeadLetterEntry
	var status string

	err := row.Scan(
		&e.ID,
		&e.MessageID,
		&e.RecipientID,
		&e.Phone,
		&e.Content,
		&e.LastError,
		&e.Attempts,
		&status,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	e.Status = model.DeadLetterStatus(status)
	return &e, nil
}

func (r *Postgres) GetDeadLetter(ctx context.Context, id int64) (*model.DeadLetterEntry, error) {
	return scanDeadLetter(r.db.QueryRowContext(ctx, `
		SELECT id, message_id, recipient_id, phone, content, last_error, attempts, status, created_at, updated_at
		FROM dead_letters
		WHERE id = $1
	`, id))
}

func (r *Postgres) FindOpenDeadLetter(ctx context.Context, recipientID int64) (*model.DeadLetterEntry, error) {
	return scanDeadLetter(r.db.QueryRowContext(ctx, `
		SELECT id, message_id, recipient_id, phone, content, last_error, attempts, status, created_at, updated_at
		FROM dead_letters
		WHERE recipient_id = $1 AND status = 'pending'
		ORDER BY id DESC
		LIMIT 1
	`, recipientID))
}

func (r *Postgres) ListDeadLetters(ctx context.Context, limit, offset int) ([]model.DeadLetterEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, message_id, recipient_id, phone, content, last_error, attempts, status, created_at, updated_at
		FROM dead_letters
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.DeadLetterEntry
	for rows.Next() {
		e, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func (r *Postgres) SetDeadLetterStatus(ctx context.Context, id int64, status model.DeadLetterStatus) error {
	return r.exec(ctx, `
		UPDATE dead_letters
		SET status = $2, updated_at = now()
		WHERE id = $1
	`, id, string(status))
}

func (r *Postgres) GetUserByToken(ctx context.Context, token string) (*model.User, error) {
	var u model.User
	err := r.db.QueryRowContext(ctx, `
		SELECT id, username, token, is_admin, is_active, created_at
		FROM users
		WHERE token = $1 AND is_active
	`, token).Scan(&u.ID, &u.Username, &u.Token, &u.IsAdmin, &u.IsActive, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *Postgres) exec(ctx context.Context, query string, args ...any) error {
	_, err := r.db.ExecContext(ctx, query, args...)
	return err
}
