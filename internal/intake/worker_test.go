package intake

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parikshitpisal/circa-boybz6-sub001/internal/antivirus"
	"github.com/parikshitpisal/circa-boybz6-sub001/internal/cache"
	"github.com/parikshitpisal/circa-boybz6-sub001/internal/mailbox"
	"github.com/parikshitpisal/circa-boybz6-sub001/internal/pipeline"
	"github.com/parikshitpisal/circa-boybz6-sub001/internal/queue"
	"github.com/parikshitpisal/circa-boybz6-sub001/internal/retry"
	"github.com/parikshitpisal/circa-boybz6-sub001/internal/storage"
	"github.com/parikshitpisal/circa-boybz6-sub001/internal/webhook"
)

var validPDF = []byte("%PDF-1.4\nloan application body\n%%EOF\n")

type fakeScanner struct {
	mu         sync.Mutex
	calls      int
	infections []string
	failUntil  int
}

func (f *fakeScanner) Connect() error    { return nil }
func (f *fakeScanner) Close() error      { return nil }
func (f *fakeScanner) IsConnected() bool { return true }
func (f *fakeScanner) Name() string      { return "fake" }
func (f *fakeScanner) ScanBytes(ctx context.Context, data []byte) (*antivirus.ScanResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failUntil {
		return nil, antivirus.ErrScanFailed
	}
	return &antivirus.ScanResult{Clean: len(f.infections) == 0, Infections: f.infections}, nil
}

type published struct {
	topology queue.Topology
	env      *queue.Envelope
}

type fakePublisher struct {
	mu   sync.Mutex
	sent []published
}

func (f *fakePublisher) Publish(ctx context.Context, t queue.Topology, env *queue.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, published{t, env})
	return nil
}

func (f *fakePublisher) all() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.sent...)
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []*webhook.Event
}

func (f *fakeNotifier) Dispatch(ctx context.Context, event *webhook.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

func (f *fakeNotifier) all() []*webhook.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*webhook.Event(nil), f.events...)
}

func testWorker(t *testing.T, scanner antivirus.Scanner) (*Worker, chan *mailbox.InboundEmailItem, *fakePublisher, *fakeNotifier) {
	t.Helper()

	cfg := pipeline.DefaultConfig()
	cfg.StorageRetry = retry.Policy{MaxAttempts: 2, InitialDelay: time.Millisecond}
	processor := pipeline.NewProcessor(cfg, scanner, storage.NewMemoryStore(), cache.NewMemory(), nil)

	items := make(chan *mailbox.InboundEmailItem, 4)
	pub := &fakePublisher{}
	notifier := &fakeNotifier{}
	w := NewWorker(Config{
		Workers:         2,
		EmailRetry:      retry.Policy{MaxAttempts: 2, InitialDelay: time.Millisecond},
		BreakerCooldown: time.Millisecond,
	}, items, processor, pub, notifier, nil)
	return w, items, pub, notifier
}

func emailItem(subject, filename string) *mailbox.InboundEmailItem {
	return &mailbox.InboundEmailItem{
		Sender:     "jordan@acmefunding.example",
		Subject:    subject,
		ReceivedAt: time.Now(),
		Attachments: []*mailbox.AttachmentRef{{
			Filename:         filename,
			DeclaredMimeType: "application/pdf",
			SizeBytes:        int64(len(validPDF)),
			Content:          validPDF,
			State:            mailbox.AttachmentReceived,
		}},
	}
}

// run drains one batch of items then shuts the worker down.
func run(t *testing.T, w *Worker, items chan *mailbox.InboundEmailItem, feed ...*mailbox.InboundEmailItem) {
	t.Helper()
	for _, item := range feed {
		items <- item
	}
	close(items)

	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not drain")
	}
}

func TestWorkerPublishesStoredDocuments(t *testing.T) {
	w, items, pub, notifier := testWorker(t, &fakeScanner{})

	run(t, w, items, emailItem("March Bank Statement", "statement.pdf"))

	sent := pub.all()
	require.Len(t, sent, 1)
	assert.Equal(t, "documents.bank_statement", sent[0].topology.QueueName)
	assert.Equal(t, queue.PriorityHigh, sent[0].env.Priority)

	var doc StoredDocument
	require.NoError(t, json.Unmarshal(sent[0].env.Payload, &doc))
	assert.Equal(t, pipeline.DocTypeBankStatement, doc.DocumentType)
	assert.Equal(t, "statement.pdf", doc.Filename)
	assert.Equal(t, "jordan@acmefunding.example", doc.Sender)
	assert.NotEmpty(t, doc.DocumentID)
	assert.Len(t, doc.Checksum, 64)
	assert.False(t, doc.Duplicate)

	events := notifier.all()
	require.Len(t, events, 1)
	assert.Equal(t, webhook.EventDocumentStored, events[0].Type)
}

func TestWorkerEmitsRejectionEvents(t *testing.T) {
	t.Run("malware rejection names the attachment", func(t *testing.T) {
		w, items, pub, notifier := testWorker(t, &fakeScanner{infections: []string{"Eicar-Signature"}})

		run(t, w, items, emailItem("Loan Application", "application.pdf"))

		assert.Empty(t, pub.all())
		events := notifier.all()
		require.Len(t, events, 1)
		assert.Equal(t, webhook.EventDocumentRejected, events[0].Type)

		var notice RejectionNotice
		require.NoError(t, json.Unmarshal(events[0].Data, &notice))
		assert.Equal(t, "application.pdf", notice.Filename)
		require.Len(t, notice.Errors, 1)
		assert.Equal(t, pipeline.CodeMalwareDetected, notice.Errors[0].Code)
	})

	t.Run("batch rejection has no filename", func(t *testing.T) {
		w, items, _, notifier := testWorker(t, &fakeScanner{})

		item := emailItem("Loan Application", "application.pdf")
		item.Sender = "someone@untrusted.example"
		// Recreate the worker's processor with a domain allowlist.
		cfg := pipeline.DefaultConfig()
		cfg.AllowedSenderDomains = []string{"acmefunding.example"}
		w.processor = pipeline.NewProcessor(cfg, &fakeScanner{}, storage.NewMemoryStore(), cache.NewMemory(), nil)

		run(t, w, items, item)

		events := notifier.all()
		require.Len(t, events, 1)
		assert.Equal(t, webhook.EventEmailRejected, events[0].Type)

		var notice RejectionNotice
		require.NoError(t, json.Unmarshal(events[0].Data, &notice))
		assert.Empty(t, notice.Filename)
		require.Len(t, notice.Errors, 1)
		assert.Equal(t, pipeline.CodeDomainNotAllowed, notice.Errors[0].Code)
	})
}

func TestWorkerRetriesTransientFailures(t *testing.T) {
	// The first scan fails transiently; the retry succeeds and the
	// document is still published.
	scanner := &fakeScanner{failUntil: 1}
	w, items, pub, _ := testWorker(t, scanner)

	run(t, w, items, emailItem("Loan Application", "application.pdf"))

	sent := pub.all()
	require.Len(t, sent, 1)
	assert.Equal(t, "documents.application", sent[0].topology.QueueName)
	assert.GreaterOrEqual(t, scanner.calls, 2)
}

func TestWorkerExhaustedTransientRetries(t *testing.T) {
	// Every scan fails; the email is rejected with a transient notice
	// after the retry budget runs out.
	scanner := &fakeScanner{failUntil: 1 << 30}
	w, items, pub, notifier := testWorker(t, scanner)

	run(t, w, items, emailItem("Loan Application", "application.pdf"))

	assert.Empty(t, pub.all())
	events := notifier.all()
	require.Len(t, events, 1)
	assert.Equal(t, webhook.EventEmailRejected, events[0].Type)

	var notice RejectionNotice
	require.NoError(t, json.Unmarshal(events[0].Data, &notice))
	require.Len(t, notice.Errors, 1)
	assert.Equal(t, pipeline.CodeScanUnavailable, notice.Errors[0].Code)
}

func TestWorkerStopsOnContextCancel(t *testing.T) {
	w, items, _, _ := testWorker(t, &fakeScanner{})
	_ = items

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err, "cancellation is a clean shutdown")
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestClassifyRouting(t *testing.T) {
	w, items, pub, _ := testWorker(t, &fakeScanner{})

	run(t, w, items,
		emailItem("Voided check attached", "check.pdf"),
		emailItem("Loan Application", "application.pdf"),
	)

	queues := map[string]bool{}
	for _, p := range pub.all() {
		queues[p.topology.QueueName] = true
	}
	assert.True(t, queues["documents.voided_check"])
	assert.True(t, queues["documents.application"])
}
