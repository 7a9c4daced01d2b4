// Package metrics exposes Prometheus collectors for the intake subsystem.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Queue gateway metrics
	MessagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intake_messages_published_total",
			Help: "Total envelopes published, by queue",
		},
		[]string{"queue"},
	)

	PublishFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intake_publish_failures_total",
			Help: "Total publish operations that exhausted their retry bound",
		},
		[]string{"queue"},
	)

	MessagesConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intake_messages_consumed_total",
			Help: "Total consumed envelopes, by queue and outcome (acked, retried, dead_lettered)",
		},
		[]string{"queue", "outcome"},
	)

	// Broker pool metrics
	BrokerPoolOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "intake_broker_pool_open_connections",
			Help: "Number of open broker pool connections",
		},
	)

	BrokerPoolDegraded = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "intake_broker_pool_degraded_connections",
			Help: "Number of broker pool slots that exhausted a reconnect cycle",
		},
	)

	// Mailbox metrics
	MailboxMessagesSeen = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "intake_mailbox_messages_total",
			Help: "Total inbound email messages observed by the mailbox monitor",
		},
	)

	MailboxReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "intake_mailbox_reconnects_total",
			Help: "Total mailbox session reconnect cycles",
		},
	)

	// Attachment pipeline metrics
	AttachmentsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intake_attachments_processed_total",
			Help: "Total attachments processed, by outcome (stored, rejected, duplicate)",
		},
		[]string{"outcome"},
	)

	AttachmentRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intake_attachment_rejections_total",
			Help: "Total attachment rejections, by error code",
		},
		[]string{"code"},
	)

	AttachmentProcessingSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "intake_attachment_processing_seconds",
			Help:    "Time spent processing one attachment through the security pipeline",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
	)

	// Webhook delivery metrics
	WebhookDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intake_webhook_deliveries_total",
			Help: "Total webhook delivery attempts, by outcome (success, failure)",
		},
		[]string{"outcome"},
	)

	WebhookAttemptSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "intake_webhook_attempt_seconds",
			Help:    "Duration of individual webhook HTTP delivery attempts",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		},
	)
)
