package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func Router(h *Handler, reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", h.Health)

	mux.HandleFunc("POST /api/sms", h.SendSMS)
	mux.HandleFunc("POST /api/sms/send-bulk", h.SendBulkSMS)
	mux.HandleFunc("GET /api/sms", h.ListMessages)
	mux.HandleFunc("GET /api/sms/{id}", h.GetMessage)
	mux.HandleFunc("GET /api/sms/{id}/recipients", h.GetMessageRecipients)

	mux.HandleFunc("GET /api/queue/status", h.QueueStatus)

	mux.HandleFunc("GET /api/deadletter", h.ListDeadLetters)
	mux.HandleFunc("POST /api/deadletter/{id}/retry", h.RetryDeadLetter)
	mux.HandleFunc("POST /api/deadletter/{id}/abandon", h.AbandonDeadLetter)

	if reg != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}

	mux.HandleFunc("GET /", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("smspanel"))
	})

	return mux
}
