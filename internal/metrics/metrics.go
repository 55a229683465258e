// Package metrics exposes prometheus collectors for the delivery pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	QueueDepth      prometheus.GaugeFunc
	PendingMessages prometheus.Gauge
	SMSSent         prometheus.Counter
	SMSFailed       prometheus.Counter
	DeadLettered    prometheus.Counter
	EnqueueRejected prometheus.Counter
	SendDuration    prometheus.Histogram
}

// New registers the pipeline collectors with reg. depth is sampled on
// scrape so the gauge never lags the queue.
func New(reg prometheus.Registerer, depth func() float64) *Metrics {
	m := &Metrics{
		QueueDepth: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "smspanel_queue_depth",
			Help: "Number of tasks waiting in the delivery queue.",
		}, depth),
		PendingMessages: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "smspanel_pending_messages",
			Help: "Messages with job_status=pending.",
		}),
		SMSSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smspanel_sms_sent_total",
			Help: "Recipient deliveries reported sent.",
		}),
		SMSFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smspanel_sms_failed_total",
			Help: "Recipient deliveries reported failed.",
		}),
		DeadLettered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smspanel_dead_letters_total",
			Help: "Deliveries recorded in the dead-letter store.",
		}),
		EnqueueRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smspanel_enqueue_rejected_total",
			Help: "Enqueue attempts rejected because the queue was full.",
		}),
		SendDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "smspanel_send_duration_seconds",
			Help:    "Wall time of a full delivery attempt including retries.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		m.QueueDepth,
		m.PendingMessages,
		m.SMSSent,
		m.SMSFailed,
		m.DeadLettered,
		m.EnqueueRejected,
		m.SendDuration,
	)
	return m
}

// NewNop returns collectors registered nowhere, for tests.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry(), func() float64 { return 0 })
}
