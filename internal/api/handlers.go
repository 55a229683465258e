package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/lcwong/smspanel/internal/client"
	"github.com/lcwong/smspanel/internal/model"
	"github.com/lcwong/smspanel/internal/queue"
	"github.com/lcwong/smspanel/internal/repo"
	"github.com/lcwong/smspanel/internal/service"
)

type Handler struct {
	store    repo.Store
	pipeline *service.Pipeline
	queue    *queue.Queue
}

func NewHandler(store repo.Store, pipeline *service.Pipeline, q *queue.Queue) *Handler {
	return &Handler{store: store, pipeline: pipeline, queue: q}
}

// authUser resolves the bearer token to a user, or writes a 401.
func (h *Handler) authUser(w http.ResponseWriter, r *http.Request) *model.User {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		unauthorized(w)
		return nil
	}

	user, err := h.store.GetUserByToken(r.Context(), strings.TrimPrefix(auth, "Bearer "))
	if err != nil {
		unauthorized(w)
		return nil
	}
	return user
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type sendRequest struct {
	Recipient string `json:"recipient"`
	Content   string `json:"content"`
}

// SendSMS accepts a single-recipient message and schedules its delivery.
func (h *Handler) SendSMS(w http.ResponseWriter, r *http.Request) {
	user := h.authUser(w, r)
	if user == nil {
		return
	}

	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "Invalid JSON body")
		return
	}
	if req.Recipient == "" || req.Content == "" {
		missingFields(w, "recipient and content are required")
		return
	}
	if !client.ValidPhone(req.Recipient) {
		badRequest(w, "Invalid phone number: "+req.Recipient)
		return
	}

	ctx := r.Context()
	msg, err := h.store.CreateMessage(ctx, user.ID, req.Content)
	if err != nil {
		internalError(w)
		return
	}
	rec, err := h.store.CreateRecipient(ctx, msg.ID, req.Recipient)
	if err != nil {
		internalError(w)
		return
	}

	if !h.pipeline.EnqueueSingle(ctx, msg.ID, rec.ID) {
		serviceUnavailable(w)
		return
	}

	writeSuccess(w, http.StatusAccepted, map[string]any{
		"id":         msg.ID,
		"status":     string(model.MessagePending),
		"recipient":  req.Recipient,
		"content":    req.Content,
		"created_at": msg.CreatedAt.Format(time.RFC3339),
	}, "SMS queued for sending")
}

type sendBulkRequest struct {
	Recipients []string `json:"recipients"`
	Content    string   `json:"content"`
}

// SendBulkSMS accepts a multi-recipient message and schedules one bulk
// delivery task for it.
func (h *Handler) SendBulkSMS(w http.ResponseWriter, r *http.Request) {
	user := h.authUser(w, r)
	if user == nil {
		return
	}

	var req sendBulkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "Invalid JSON body")
		return
	}
	if req.Content == "" || len(req.Recipients) == 0 {
		missingFields(w, "Recipients list cannot be empty")
		return
	}
	for _, phone := range req.Recipients {
		if !client.ValidPhone(phone) {
			badRequest(w, "Invalid phone number: "+phone)
			return
		}
	}

	ctx := r.Context()
	msg, err := h.store.CreateMessage(ctx, user.ID, req.Content)
	if err != nil {
		internalError(w)
		return
	}
	for _, phone := range req.Recipients {
		if _, err := h.store.CreateRecipient(ctx, msg.ID, phone); err != nil {
			internalError(w)
			return
		}
	}

	if !h.pipeline.EnqueueBulk(ctx, msg.ID) {
		serviceUnavailable(w)
		return
	}

	writeSuccess(w, http.StatusAccepted, map[string]any{
		"id":         msg.ID,
		"status":     string(model.MessagePending),
		"total":      len(req.Recipients),
		"content":    req.Content,
		"created_at": msg.CreatedAt.Format(time.RFC3339),
	}, "Bulk SMS queued for sending")
}

// ListMessages returns the authenticated user's messages, newest first.
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	user := h.authUser(w, r)
	if user == nil {
		return
	}

	page := parseInt(r.URL.Query().Get("page"), 1)
	perPage := parseInt(r.URL.Query().Get("per_page"), 20)
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 20
	}

	msgs, total, err := h.store.ListMessages(r.Context(), user.ID, perPage, (page-1)*perPage)
	if err != nil {
		internalError(w)
		return
	}

	items := make([]map[string]any, 0, len(msgs))
	for i := range msgs {
		recs, err := h.store.ListRecipients(r.Context(), msgs[i].ID)
		if err != nil {
			internalError(w)
			return
		}
		phones := make([]string, 0, len(recs))
		for _, rec := range recs {
			phones = append(phones, rec.Phone)
		}
		items = append(items, map[string]any{
			"id":              msgs[i].ID,
			"content":         msgs[i].Content,
			"status":          string(msgs[i].Status),
			"created_at":      msgs[i].CreatedAt.Format(time.RFC3339),
			"recipient_count": msgs[i].RecipientCount,
			"recipients":      phones,
		})
	}

	pages := total / perPage
	if total%perPage != 0 {
		pages++
	}

	writeSuccess(w, http.StatusOK, map[string]any{
		"messages":     items,
		"total":        total,
		"pages":        pages,
		"current_page": page,
	}, "")
}

// GetMessage returns one message with its delivery and job state.
func (h *Handler) GetMessage(w http.ResponseWriter, r *http.Request) {
	user := h.authUser(w, r)
	if user == nil {
		return
	}

	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		badRequest(w, "Invalid message id")
		return
	}

	msg, err := h.store.GetMessageForUser(r.Context(), id, user.ID)
	if errors.Is(err, repo.ErrNotFound) {
		notFound(w, "Message not found")
		return
	}
	if err != nil {
		internalError(w)
		return
	}

	data := map[string]any{
		"id":                    msg.ID,
		"content":               msg.Content,
		"status":                string(msg.Status),
		"job_status":            string(msg.JobStatus),
		"queue_position":        msg.QueuePosition,
		"estimated_complete_at": formatTimePtr(msg.EstimatedAt),
		"recipient_count":       msg.RecipientCount,
		"success_count":         msg.SuccessCount,
		"failed_count":          msg.FailedCount,
		"sent_at":               formatTimePtr(msg.SentAt),
		"hkt_response":          msg.HKTResponse,
		"created_at":            msg.CreatedAt.Format(time.RFC3339),
	}
	writeSuccess(w, http.StatusOK, data, "")
}

// GetMessageRecipients returns per-recipient delivery state.
func (h *Handler) GetMessageRecipients(w http.ResponseWriter, r *http.Request) {
	user := h.authUser(w, r)
	if user == nil {
		return
	}

	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		badRequest(w, "Invalid message id")
		return
	}

	if _, err := h.store.GetMessageForUser(r.Context(), id, user.ID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			notFound(w, "Message not found")
			return
		}
		internalError(w)
		return
	}

	recs, err := h.store.ListRecipients(r.Context(), id)
	if err != nil {
		internalError(w)
		return
	}

	items := make([]map[string]any, 0, len(recs))
	for _, rec := range recs {
		items = append(items, map[string]any{
			"id":            rec.ID,
			"phone":         rec.Phone,
			"status":        string(rec.Status),
			"error_message": rec.ErrorMessage,
		})
	}
	writeSuccess(w, http.StatusOK, map[string]any{"recipients": items}, "")
}

// QueueStatus is a point-in-time, non-blocking snapshot of the pipeline.
func (h *Handler) QueueStatus(w http.ResponseWriter, r *http.Request) {
	stats := h.queue.Snapshot()

	pending, err := h.store.CountPending(r.Context())
	if err != nil {
		internalError(w)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"queue_depth":      stats.Depth,
		"msgs_per_sec":     stats.PerSecond,
		"pending_messages": pending,
	})
}

// ListDeadLetters lists dead-letter entries for the admin surface.
func (h *Handler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	if h.adminUser(w, r) == nil {
		return
	}

	limit := parseInt(r.URL.Query().Get("limit"), 50)
	offset := parseInt(r.URL.Query().Get("offset"), 0)

	entries, err := h.pipeline.DeadLetters().List(r.Context(), limit, offset)
	if err != nil {
		internalError(w)
		return
	}

	items := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		items = append(items, map[string]any{
			"id":           e.ID,
			"message_id":   e.MessageID,
			"recipient_id": e.RecipientID,
			"phone":        e.Phone,
			"last_error":   e.LastError,
			"attempts":     e.Attempts,
			"status":       string(e.Status),
			"created_at":   e.CreatedAt.Format(time.RFC3339),
		})
	}
	writeSuccess(w, http.StatusOK, map[string]any{"entries": items}, "")
}

// RetryDeadLetter re-enqueues one dead-lettered delivery.
func (h *Handler) RetryDeadLetter(w http.ResponseWriter, r *http.Request) {
	if h.adminUser(w, r) == nil {
		return
	}

	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		badRequest(w, "Invalid entry id")
		return
	}

	switch err := h.pipeline.DeadLetters().Retry(r.Context(), id); {
	case err == nil:
		writeSuccess(w, http.StatusOK, map[string]any{"id": id, "status": string(model.DeadLetterRetried)}, "Delivery re-enqueued")
	case errors.Is(err, repo.ErrNotFound):
		notFound(w, "Dead letter entry not found")
	case errors.Is(err, queue.ErrQueueFull):
		serviceUnavailable(w)
	case errors.Is(err, service.ErrDeadLetterClosed):
		badRequest(w, "Entry is no longer pending")
	default:
		internalError(w)
	}
}

// AbandonDeadLetter closes one dead-lettered delivery for good.
func (h *Handler) AbandonDeadLetter(w http.ResponseWriter, r *http.Request) {
	if h.adminUser(w, r) == nil {
		return
	}

	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		badRequest(w, "Invalid entry id")
		return
	}

	switch err := h.pipeline.DeadLetters().Abandon(r.Context(), id); {
	case err == nil:
		writeSuccess(w, http.StatusOK, map[string]any{"id": id, "status": string(model.DeadLetterAbandoned)}, "Entry abandoned")
	case errors.Is(err, repo.ErrNotFound):
		notFound(w, "Dead letter entry not found")
	case errors.Is(err, service.ErrDeadLetterClosed):
		badRequest(w, "Entry is no longer pending")
	default:
		internalError(w)
	}
}

func (h *Handler) adminUser(w http.ResponseWriter, r *http.Request) *model.User {
	user := h.authUser(w, r)
	if user == nil {
		return nil
	}
	if !user.IsAdmin {
		unauthorized(w)
		return nil
	}
	return user
}

func parseInt(raw string, def int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339)
	return &s
}
