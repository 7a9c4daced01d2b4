package queue

import (
	"strings"
	"time"
)

// Wire naming contract shared with existing deployments: one queue per
// business document type bound to the documents exchange with the type
// lower-cased as routing key, and a single shared dead-letter exchange.
const (
	DocumentExchange   = "documents"
	DeadLetterExchange = "documents.dlx"
	WebhookExchange    = "webhooks"

	queuePrefix      = "documents."
	deadLetterSuffix = ".dead"
)

// Topology declares the exchange/queue/dead-letter layout for one message
// type. Created once at startup and immutable thereafter.
type Topology struct {
	ExchangeName       string
	QueueName          string
	RoutingKey         string
	DeadLetterExchange string
	DeadLetterQueue    string
	MaxPriority        uint8
	MessageTTL         time.Duration
}

// TopologyFor returns the topology for a business document type, following
// the deployment naming convention.
func TopologyFor(documentType string) Topology {
	key := strings.ToLower(strings.TrimSpace(documentType))
	return Topology{
		ExchangeName:       DocumentExchange,
		QueueName:          queuePrefix + key,
		RoutingKey:         key,
		DeadLetterExchange: DeadLetterExchange,
		DeadLetterQueue:    queuePrefix + key + deadLetterSuffix,
		MaxPriority:        MaxPriority,
	}
}

// WebhookTopology returns the topology for outbound webhook deliveries. It
// shares the document dead-letter exchange so one DLQ surface covers both
// inbound and outbound traffic.
func WebhookTopology() Topology {
	return Topology{
		ExchangeName:       WebhookExchange,
		QueueName:          "webhooks.delivery",
		RoutingKey:         "delivery",
		DeadLetterExchange: DeadLetterExchange,
		DeadLetterQueue:    "webhooks.delivery" + deadLetterSuffix,
		MaxPriority:        MaxPriority,
	}
}
