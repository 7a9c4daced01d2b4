// Package intake fans inbound email items from the mailbox monitor into a
// worker pool that runs the attachment security pipeline, publishes stored
// documents onto their routing queues, and emits webhook events.
package intake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"

	"github.com/parikshitpisal/circa-boybz6-sub001/internal/mailbox"
	"github.com/parikshitpisal/circa-boybz6-sub001/internal/pipeline"
	"github.com/parikshitpisal/circa-boybz6-sub001/internal/queue"
	"github.com/parikshitpisal/circa-boybz6-sub001/internal/retry"
	"github.com/parikshitpisal/circa-boybz6-sub001/internal/webhook"
)

// StoredDocument is the payload published for every attachment that clears
// the pipeline. Downstream processors consume it from the per-type queue.
type StoredDocument struct {
	DocumentID      string                `json:"document_id"`
	DocumentType    pipeline.DocumentType `json:"document_type"`
	Checksum        string                `json:"checksum"`
	StorageLocation string                `json:"storage_location"`
	Filename        string                `json:"filename"`
	SizeBytes       int64                 `json:"size_bytes"`
	Sender          string                `json:"sender"`
	Subject         string                `json:"subject"`
	ReceivedAt      time.Time             `json:"received_at"`
	Duplicate       bool                  `json:"duplicate"`
}

// RejectionNotice is the payload for rejection webhook events.
type RejectionNotice struct {
	Sender     string                      `json:"sender"`
	Subject    string                      `json:"subject"`
	Filename   string                      `json:"filename,omitempty"`
	ReceivedAt time.Time                   `json:"received_at"`
	Errors     []*pipeline.ProcessingError `json:"errors"`
}

// Publisher is the slice of the queue gateway the worker needs.
type Publisher interface {
	Publish(ctx context.Context, t queue.Topology, env *queue.Envelope) error
}

// Notifier emits webhook events. Usually the webhook dispatcher.
type Notifier interface {
	Dispatch(ctx context.Context, event *webhook.Event) error
}

// Config tunes the worker pool.
type Config struct {
	// Workers is the number of concurrent pipeline runners.
	Workers int

	// EmailRetry bounds transient pipeline failures per email before the
	// email is rejected with a transient error notice.
	EmailRetry retry.Policy

	// BreakerCooldown is how long an open collaborator breaker holds
	// items before probing again.
	BreakerCooldown time.Duration
}

// Worker drains the monitor's item channel. A shared circuit breaker
// tracks collaborator health (scanner, storage); when it opens, items are
// held rather than dropped until the collaborators recover.
type Worker struct {
	cfg       Config
	items     <-chan *mailbox.InboundEmailItem
	processor *pipeline.Processor
	publisher Publisher
	notifier  Notifier
	breaker   *gobreaker.CircuitBreaker
	logger    *slog.Logger
}

// NewWorker wires a worker pool over the given item source.
func NewWorker(cfg Config, items <-chan *mailbox.InboundEmailItem, processor *pipeline.Processor, publisher Publisher, notifier Notifier, logger *slog.Logger) *Worker {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.EmailRetry.MaxAttempts == 0 {
		cfg.EmailRetry = retry.Policy{
			MaxAttempts:  3,
			InitialDelay: 2 * time.Second,
			MaxDelay:     30 * time.Second,
			Multiplier:   2,
			Jitter:       true,
		}
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "intake-pipeline",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	return &Worker{
		cfg:       cfg,
		items:     items,
		processor: processor,
		publisher: publisher,
		notifier:  notifier,
		breaker:   breaker,
		logger:    logger.With("component", "intake-worker"),
	}
}

// Run blocks until ctx is canceled or the item channel closes.
func (w *Worker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for i := 0; i < w.cfg.Workers; i++ {
		worker := i
		g.Go(func() error {
			w.logger.Debug("worker started", "worker", worker)
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case item, ok := <-w.items:
					if !ok {
						return nil
					}
					w.handleItem(ctx, item)
				}
			}
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// handleItem runs one email through the pipeline behind the collaborator
// breaker. An open breaker parks the item instead of failing it; inbound
// email cannot be requeued once emitted by the monitor.
func (w *Worker) handleItem(ctx context.Context, item *mailbox.InboundEmailItem) {
	for {
		_, err := w.breaker.Execute(func() (interface{}, error) {
			return nil, w.processItem(ctx, item)
		})
		if err == nil {
			return
		}

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			w.logger.Warn("pipeline breaker open, holding item",
				"sender", item.Sender, "cooldown", w.cfg.BreakerCooldown)
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.cfg.BreakerCooldown):
			}
			continue
		}

		// Terminal failure: the notice was already emitted inside
		// processItem where the rejection detail lives.
		w.logger.Error("email processing failed",
			"sender", item.Sender, "subject", item.Subject, "error", err)
		return
	}
}

// processItem runs the pipeline with bounded retries for transient
// failures, then publishes results and webhook events. Validation and
// security rejections are terminal on the first pass.
func (w *Worker) processItem(ctx context.Context, item *mailbox.InboundEmailItem) error {
	var res *pipeline.EmailResult

	err := w.cfg.EmailRetry.Do(ctx, func() error {
		res = w.processor.ProcessEmail(ctx, item)
		if transientOnly(res) {
			return fmt.Errorf("transient pipeline failure for %s: %s", item.Sender, firstError(res))
		}
		return nil
	})
	if err != nil {
		var errs []*pipeline.ProcessingError
		if res != nil {
			errs = res.Errors
		}
		w.notifyRejection(ctx, item, "", errs)
		return err
	}

	if !res.Accepted {
		w.notifyRejection(ctx, item, rejectedFilename(item), res.Errors)
		w.logger.Warn("email rejected",
			"sender", item.Sender,
			"subject", item.Subject,
			"errors", len(res.Errors))
		return nil
	}

	return w.publishAccepted(ctx, item, res)
}

// publishAccepted routes every stored attachment onto its document-type
// queue and emits a stored event per document.
func (w *Worker) publishAccepted(ctx context.Context, item *mailbox.InboundEmailItem, res *pipeline.EmailResult) error {
	for i, attachment := range res.Attachments {
		ref := item.Attachments[i]
		docType := pipeline.Classify(item.Subject, ref.Filename)

		doc := StoredDocument{
			DocumentID:      uuid.NewString(),
			DocumentType:    docType,
			Checksum:        attachment.Checksum,
			StorageLocation: attachment.StorageLocation,
			Filename:        ref.Filename,
			SizeBytes:       ref.SizeBytes,
			Sender:          item.Sender,
			Subject:         item.Subject,
			ReceivedAt:      item.ReceivedAt,
			Duplicate:       attachment.Duplicate,
		}

		env, err := queue.NewEnvelope("document."+string(docType), doc)
		if err != nil {
			return err
		}
		env.Priority = queue.PriorityHigh

		if err := w.publisher.Publish(ctx, queue.TopologyFor(string(docType)), env); err != nil {
			return fmt.Errorf("failed to publish document %s: %w", doc.DocumentID, err)
		}

		w.notify(ctx, webhook.EventDocumentStored, doc)
		w.logger.Info("document stored",
			"document_id", doc.DocumentID,
			"document_type", docType,
			"checksum", doc.Checksum,
			"duplicate", doc.Duplicate,
			"sender", item.Sender)
	}

	return nil
}

func (w *Worker) notifyRejection(ctx context.Context, item *mailbox.InboundEmailItem, filename string, errs []*pipeline.ProcessingError) {
	eventType := webhook.EventEmailRejected
	if filename != "" {
		eventType = webhook.EventDocumentRejected
	}
	w.notify(ctx, eventType, RejectionNotice{
		Sender:     item.Sender,
		Subject:    item.Subject,
		Filename:   filename,
		ReceivedAt: item.ReceivedAt,
		Errors:     errs,
	})
}

func (w *Worker) notify(ctx context.Context, eventType string, data interface{}) {
	if w.notifier == nil {
		return
	}
	event, err := webhook.NewEvent(eventType, data)
	if err != nil {
		w.logger.Error("failed to build webhook event", "event_type", eventType, "error", err)
		return
	}
	if err := w.notifier.Dispatch(ctx, event); err != nil {
		w.logger.Error("failed to dispatch webhook event",
			"event_type", eventType, "event_id", event.ID, "error", err)
	}
}

// transientOnly reports whether the result failed purely on transient
// collaborator errors, which makes the whole email retryable.
func transientOnly(res *pipeline.EmailResult) bool {
	if res.Accepted || len(res.Errors) == 0 {
		return false
	}
	for _, e := range res.Errors {
		if e.Kind != pipeline.KindTransient {
			return false
		}
	}
	return true
}

func firstError(res *pipeline.EmailResult) string {
	if len(res.Errors) == 0 {
		return "unknown"
	}
	return res.Errors[0].Error()
}

// rejectedFilename returns the filename of the attachment that caused the
// rejection, or empty when the whole batch was refused up front.
func rejectedFilename(item *mailbox.InboundEmailItem) string {
	for _, ref := range item.Attachments {
		if ref.State == mailbox.AttachmentRejected {
			return ref.Filename
		}
	}
	return ""
}
