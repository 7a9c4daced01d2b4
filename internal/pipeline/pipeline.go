// Package pipeline implements the attachment security pipeline: structural
// validation, malware scanning, format validation, checksumming, and
// encrypted persistence. Every attachment passes all five steps before it
// may be referenced by a queued envelope.
package pipeline

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/parikshitpisal/circa-boybz6-sub001/internal/antivirus"
	"github.com/parikshitpisal/circa-boybz6-sub001/internal/cache"
	"github.com/parikshitpisal/circa-boybz6-sub001/internal/mailbox"
	"github.com/parikshitpisal/circa-boybz6-sub001/internal/metrics"
	"github.com/parikshitpisal/circa-boybz6-sub001/internal/retry"
	"github.com/parikshitpisal/circa-boybz6-sub001/internal/storage"
)

// safeFilename is the character class accepted for attachment filenames.
var safeFilename = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9 ._()-]*$`)

// Config tunes the pipeline limits.
type Config struct {
	AllowedMimeTypes     []string
	AllowedSenderDomains []string
	MaxAttachmentBytes   int64
	MaxAttachments       int
	MaxTotalBytes        int64
	MinPDFVersion        float64
	StorageRetry         retry.Policy
	ChecksumTTL          time.Duration
}

// DefaultConfig returns the pipeline limits used in production.
func DefaultConfig() Config {
	return Config{
		AllowedMimeTypes:   []string{"application/pdf"},
		MaxAttachmentBytes: 25 * 1024 * 1024,
		MaxAttachments:     10,
		MaxTotalBytes:      100 * 1024 * 1024,
		MinPDFVersion:      1.3,
		StorageRetry: retry.Policy{
			MaxAttempts:  3,
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     5 * time.Second,
			Multiplier:   2,
			Jitter:       true,
		},
		ChecksumTTL: 24 * time.Hour,
	}
}

// Result reports the outcome of processing one attachment.
type Result struct {
	Success         bool
	Duplicate       bool
	Checksum        string
	StorageLocation string
	Errors          []*ProcessingError
	Duration        time.Duration
}

// EmailResult reports the outcome for a whole inbound email. A rejected
// attachment aborts its parent with the recorded reason; nothing is ever
// silently dropped.
type EmailResult struct {
	Accepted    bool
	Attachments []*Result
	Errors      []*ProcessingError
}

// Processor runs the security pipeline. Collaborators are injected in
// dependency order; the processor owns none of their lifecycles.
type Processor struct {
	cfg     Config
	scanner antivirus.Scanner
	store   storage.ObjectStore
	dedup   cache.Cache
	logger  *slog.Logger
}

// NewProcessor creates a pipeline processor.
func NewProcessor(cfg Config, scanner antivirus.Scanner, store storage.ObjectStore, dedup cache.Cache, logger *slog.Logger) *Processor {
	if len(cfg.AllowedMimeTypes) == 0 {
		cfg.AllowedMimeTypes = []string{"application/pdf"}
	}
	if cfg.MaxAttachmentBytes <= 0 {
		cfg.MaxAttachmentBytes = 25 * 1024 * 1024
	}
	if cfg.MaxAttachments <= 0 {
		cfg.MaxAttachments = 10
	}
	if cfg.MaxTotalBytes <= 0 {
		cfg.MaxTotalBytes = cfg.MaxAttachmentBytes * int64(cfg.MaxAttachments)
	}
	if cfg.StorageRetry.MaxAttempts == 0 {
		cfg.StorageRetry = DefaultConfig().StorageRetry
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Processor{
		cfg:     cfg,
		scanner: scanner,
		store:   store,
		dedup:   dedup,
		logger:  logger.With("component", "attachment-pipeline"),
	}
}

// ProcessEmail enforces the batch limits, then runs every attachment
// through the pipeline. The whole batch is rejected before any
// per-attachment work when the sender domain, attachment count, or
// cumulative size is out of bounds.
func (p *Processor) ProcessEmail(ctx context.Context, item *mailbox.InboundEmailItem) *EmailResult {
	res := &EmailResult{}

	if err := p.checkBatch(item); err != nil {
		res.Errors = append(res.Errors, err)
		p.rejectAll(item, err)
		p.logger.Warn("inbound email rejected",
			"sender", item.Sender,
			"code", err.Code,
			"reason", err.Message)
		return res
	}

	for _, ref := range item.Attachments {
		r := p.Process(ctx, ref)
		res.Attachments = append(res.Attachments, r)
		if !r.Success {
			// One bad attachment aborts the parent item.
			res.Errors = append(res.Errors, r.Errors...)
			return res
		}
	}

	res.Accepted = true
	return res
}

// checkBatch validates the email-level limits before step 1 runs for any
// attachment.
func (p *Processor) checkBatch(item *mailbox.InboundEmailItem) *ProcessingError {
	if len(p.cfg.AllowedSenderDomains) > 0 {
		domain := item.SenderDomain()
		allowed := false
		for _, d := range p.cfg.AllowedSenderDomains {
			if strings.EqualFold(d, domain) {
				allowed = true
				break
			}
		}
		if !allowed {
			return validationError(CodeDomainNotAllowed, "Domain not in allowed list")
		}
	}

	if len(item.Attachments) > p.cfg.MaxAttachments {
		return validationError(CodeTooManyAttachments,
			fmt.Sprintf("Too many attachments: %d exceeds limit of %d", len(item.Attachments), p.cfg.MaxAttachments))
	}

	if total := item.TotalAttachmentBytes(); total > p.cfg.MaxTotalBytes {
		return validationError(CodeBatchTooLarge,
			fmt.Sprintf("Combined attachment size %d exceeds limit of %d", total, p.cfg.MaxTotalBytes))
	}

	return nil
}

func (p *Processor) rejectAll(item *mailbox.InboundEmailItem, err *ProcessingError) {
	for _, ref := range item.Attachments {
		ref.State = mailbox.AttachmentRejected
		ref.RejectReason = err.Message
		metrics.AttachmentRejections.WithLabelValues(string(err.Code)).Inc()
	}
}

// Process runs one attachment through all five steps, short-circuiting on
// the first failure with a specific error code. No side effects happen
// before validation passes; the scanner is never called for a structurally
// invalid attachment and storage is never touched before a clean scan.
func (p *Processor) Process(ctx context.Context, ref *mailbox.AttachmentRef) *Result {
	start := time.Now()
	res := &Result{}
	defer func() {
		res.Duration = time.Since(start)
		metrics.AttachmentProcessingSeconds.Observe(res.Duration.Seconds())
	}()

	// Step 1: structural validation.
	if err := p.validateStructure(ref); err != nil {
		return p.reject(ref, res, err)
	}
	ref.State = mailbox.AttachmentStructurallyValid

	// Step 2: malware scan.
	if err := p.scan(ctx, ref); err != nil {
		return p.reject(ref, res, err)
	}
	ref.State = mailbox.AttachmentScannedClean

	// Step 3: format-specific validation.
	if err := p.validatePDF(ref.Content); err != nil {
		return p.reject(ref, res, err)
	}

	// Step 4: checksum.
	sum := sha256.Sum256(ref.Content)
	res.Checksum = hex.EncodeToString(sum[:])
	ref.Checksum = res.Checksum

	// Step 5: encrypted persistence, keyed by checksum so a replayed hop
	// re-stores nothing.
	location, duplicate, err := p.persist(ctx, ref, res.Checksum)
	if err != nil {
		return p.reject(ref, res, err)
	}

	ref.State = mailbox.AttachmentStored
	res.Success = true
	res.Duplicate = duplicate
	res.StorageLocation = location

	outcome := "stored"
	if duplicate {
		outcome = "duplicate"
	}
	metrics.AttachmentsProcessed.WithLabelValues(outcome).Inc()

	p.logger.Info("attachment processed",
		"filename", ref.Filename,
		"bytes", ref.SizeBytes,
		"checksum", res.Checksum,
		"duplicate", duplicate,
		"duration", res.Duration)

	return res
}

func (p *Processor) reject(ref *mailbox.AttachmentRef, res *Result, err *ProcessingError) *Result {
	ref.State = mailbox.AttachmentRejected
	ref.RejectReason = err.Message
	res.Errors = append(res.Errors, err)

	metrics.AttachmentsProcessed.WithLabelValues("rejected").Inc()
	metrics.AttachmentRejections.WithLabelValues(string(err.Code)).Inc()

	level := slog.LevelWarn
	if err.Kind == KindSecurity {
		level = slog.LevelError
	}
	p.logger.Log(context.Background(), level, "attachment rejected",
		"filename", ref.Filename,
		"code", err.Code,
		"kind", err.Kind,
		"reason", err.Message)

	return res
}

// validateStructure checks mime type, size, and filename before anything
// else runs.
func (p *Processor) validateStructure(ref *mailbox.AttachmentRef) *ProcessingError {
	allowed := false
	for _, mt := range p.cfg.AllowedMimeTypes {
		if strings.EqualFold(mt, ref.DeclaredMimeType) {
			allowed = true
			break
		}
	}
	if !allowed {
		return validationError(CodeInvalidMimeType,
			fmt.Sprintf("Invalid file type: %s is not allowed", ref.DeclaredMimeType))
	}

	if ref.SizeBytes > p.cfg.MaxAttachmentBytes {
		return validationError(CodeFileTooLarge, "File too large")
	}

	if ref.Filename == "" || !safeFilename.MatchString(ref.Filename) || strings.Contains(ref.Filename, "..") {
		return validationError(CodeUnsafeFilename,
			fmt.Sprintf("Filename %q contains unsafe characters", ref.Filename))
	}

	// Sniff the real content type; a declared PDF carrying something else
	// is rejected before it reaches the scanner.
	detected := mimetype.Detect(ref.Content)
	if !detected.Is(ref.DeclaredMimeType) {
		return validationError(CodeMimeMismatch,
			fmt.Sprintf("Declared type %s does not match detected type %s", ref.DeclaredMimeType, detected.String()))
	}

	return nil
}

// scan delegates to the malware scanner; any non-clean verdict rejects.
func (p *Processor) scan(ctx context.Context, ref *mailbox.AttachmentRef) *ProcessingError {
	result, err := p.scanner.ScanBytes(ctx, ref.Content)
	if err != nil {
		return transientError(CodeScanUnavailable,
			fmt.Sprintf("Malware scan unavailable: %v", err))
	}

	if !result.Clean {
		return securityError(CodeMalwareDetected,
			fmt.Sprintf("Malware detected: %s", strings.Join(result.Infections, ", ")))
	}

	return nil
}

// validatePDF performs lightweight structural checks: header magic, format
// version floor, and the end-of-file marker.
func (p *Processor) validatePDF(content []byte) *ProcessingError {
	if !bytes.HasPrefix(content, []byte("%PDF-")) {
		return validationError(CodeInvalidPDF, "Missing PDF header")
	}

	rest := content[len("%PDF-"):]
	end := bytes.IndexAny(rest, "\r\n")
	if end == -1 || end > 8 {
		end = min(len(rest), 8)
	}
	version, err := strconv.ParseFloat(strings.TrimSpace(string(rest[:end])), 64)
	if err != nil {
		return validationError(CodeInvalidPDF, "Unparseable PDF version")
	}
	if version < p.cfg.MinPDFVersion {
		return validationError(CodeInvalidPDF,
			fmt.Sprintf("PDF version %.1f below minimum %.1f", version, p.cfg.MinPDFVersion))
	}

	// Trailers may be followed by trailing whitespace; search the tail.
	tail := content
	if len(tail) > 1024 {
		tail = tail[len(tail)-1024:]
	}
	if !bytes.Contains(tail, []byte("%%EOF")) {
		return validationError(CodeInvalidPDF, "Missing PDF end-of-file marker")
	}

	return nil
}

// persist writes the attachment to object storage under its checksum key.
// Storing the same bytes twice yields the same key and is a no-op; storage
// failures are retried a bounded number of times here, never inside the
// store.
func (p *Processor) persist(ctx context.Context, ref *mailbox.AttachmentRef, checksum string) (string, bool, *ProcessingError) {
	key := "documents/" + checksum + ".pdf"

	if p.dedup != nil && p.dedup.IsConnected() {
		if seen, err := p.dedup.Exists(ctx, "checksum:"+checksum); err == nil && seen {
			// The key is derived from the checksum, so the existing
			// object's location is reconstructible without a lookup.
			return p.store.Location(key), true, nil
		}
	}

	exists, err := p.store.Exists(ctx, key)
	if err == nil && exists {
		p.rememberChecksum(ctx, checksum)
		return p.store.Location(key), true, nil
	}

	var location string
	storeErr := p.cfg.StorageRetry.Do(ctx, func() error {
		var putErr error
		location, putErr = p.store.Put(ctx, key, ref.Content, ref.DeclaredMimeType, storage.Metadata{
			"checksum":          checksum,
			"original-filename": ref.Filename,
			"scanned-by":        p.scanner.Name(),
		})
		return putErr
	})
	if storeErr != nil {
		return "", false, transientError(CodeStorageFailure,
			fmt.Sprintf("Failed to store attachment: %v", storeErr))
	}

	p.rememberChecksum(ctx, checksum)
	return location, false, nil
}

func (p *Processor) rememberChecksum(ctx context.Context, checksum string) {
	if p.dedup == nil || !p.dedup.IsConnected() {
		return
	}
	if _, err := p.dedup.SetNX(ctx, "checksum:"+checksum, "1", p.cfg.ChecksumTTL); err != nil {
		p.logger.Debug("failed to record checksum in dedup cache", "error", err)
	}
}
