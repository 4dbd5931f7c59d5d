package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	AdmissionDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jiva_admission_decisions_total",
			Help: "Total number of admission decisions by outcome.",
		},
		[]string{"outcome"}, // allowed, whitelisted, blocked, limited, error
	)

	JobsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jiva_jobs_enqueued_total",
			Help: "Total number of jobs accepted onto a queue.",
		},
		[]string{"queue", "type"},
	)

	JobsProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jiva_jobs_processed_total",
			Help: "Total number of job attempts by status.",
		},
		[]string{"queue", "status"}, // completed, retry, failed
	)

	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "jiva_job_duration_seconds",
			Help:    "Duration of a single job attempt.",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"queue"},
	)

	BackendLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "jiva_backend_latency_seconds",
			Help:    "Latency of AI backend calls.",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"status"}, // ok, error
	)

	WebhookDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jiva_webhook_deliveries_total",
			Help: "Total number of webhook deliveries by status.",
		},
		[]string{"status", "reason"},
	)

	WebhookLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "jiva_webhook_latency_seconds",
			Help:    "Webhook delivery latency.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"status"},
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jiva_job_retries_total",
			Help: "Total number of job retries by queue.",
		},
		[]string{"queue"},
	)

	DLQTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jiva_dlq_total",
			Help: "Total number of jobs that failed terminally.",
		},
		[]string{"queue", "reason"},
	)

	WorkerBacklog = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "jiva_worker_backlog",
			Help: "Number of messages waiting for the worker channel.",
		},
	)

	NSQTopicDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jiva_nsq_topic_depth",
			Help: "Depth of NSQ topics and channels.",
		},
		[]string{"topic", "channel"},
	)
)

func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		AdmissionDecisionsTotal,
		JobsEnqueuedTotal,
		JobsProcessedTotal,
		JobDuration,
		BackendLatency,
		WebhookDeliveriesTotal,
		WebhookLatency,
		RetriesTotal,
		DLQTotal,
		WorkerBacklog,
		NSQTopicDepth,
	)
}

func RecordAdmission(outcome string) {
	AdmissionDecisionsTotal.WithLabelValues(outcome).Inc()
}

func RecordEnqueue(queue, jobType string) {
	JobsEnqueuedTotal.WithLabelValues(queue, jobType).Inc()
}

// RecordJob counts one attempt and observes its duration.
func RecordJob(queue, status string, d time.Duration) {
	JobsProcessedTotal.WithLabelValues(queue, status).Inc()
	JobDuration.WithLabelValues(queue).Observe(d.Seconds())
}

func RecordBackendCall(status string, d time.Duration) {
	BackendLatency.WithLabelValues(status).Observe(d.Seconds())
}

// RecordWebhook counts a delivery; reason is empty for successes.
func RecordWebhook(status, reason string, d time.Duration) {
	WebhookDeliveriesTotal.WithLabelValues(status, reason).Inc()
	WebhookLatency.WithLabelValues(status).Observe(d.Seconds())
}

func RecordRetry(queue string) {
	RetriesTotal.WithLabelValues(queue).Inc()
}

func RecordDLQ(queue, reason string) {
	DLQTotal.WithLabelValues(queue, reason).Inc()
}

func UpdateWorkerBacklog(depth int64) {
	WorkerBacklog.Set(float64(depth))
}

func UpdateNSQTopicDepth(topic, channel string, depth int64) {
	NSQTopicDepth.WithLabelValues(topic, channel).Set(float64(depth))
}
