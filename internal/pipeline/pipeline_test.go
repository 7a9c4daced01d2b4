package pipeline

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parikshitpisal/circa-boybz6-sub001/internal/antivirus"
	"github.com/parikshitpisal/circa-boybz6-sub001/internal/cache"
	"github.com/parikshitpisal/circa-boybz6-sub001/internal/mailbox"
	"github.com/parikshitpisal/circa-boybz6-sub001/internal/retry"
	"github.com/parikshitpisal/circa-boybz6-sub001/internal/storage"
)

var validPDF = []byte("%PDF-1.4\n1 0 obj\n<< /Type /Catalog >>\nendobj\ntrailer\n%%EOF\n")

type fakeScanner struct {
	calls      int
	infections []string
	err        error
}

func (f *fakeScanner) Connect() error      { return nil }
func (f *fakeScanner) Close() error        { return nil }
func (f *fakeScanner) IsConnected() bool   { return true }
func (f *fakeScanner) Name() string        { return "fake" }
func (f *fakeScanner) ScanBytes(ctx context.Context, data []byte) (*antivirus.ScanResult, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &antivirus.ScanResult{
		Engine:     "fake",
		Timestamp:  time.Now(),
		Clean:      len(f.infections) == 0,
		Infections: f.infections,
	}, nil
}

// failingStore rejects every Put so retry and escalation can be observed.
type failingStore struct {
	puts int
}

func (s *failingStore) Put(ctx context.Context, key string, data []byte, contentType string, meta storage.Metadata) (string, error) {
	s.puts++
	return "", errors.New("s3 unavailable")
}

func (s *failingStore) Exists(ctx context.Context, key string) (bool, error) { return false, nil }

func (s *failingStore) Location(key string) string { return "memory://" + key }

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.StorageRetry = retry.Policy{MaxAttempts: 3, InitialDelay: time.Millisecond}
	return cfg
}

func testProcessor(t *testing.T, cfg Config, scanner antivirus.Scanner) (*Processor, *storage.MemoryStore, *cache.Memory) {
	t.Helper()
	store := storage.NewMemoryStore()
	dedup := cache.NewMemory()
	return NewProcessor(cfg, scanner, store, dedup, nil), store, dedup
}

func pdfRef(filename string) *mailbox.AttachmentRef {
	return &mailbox.AttachmentRef{
		Filename:         filename,
		DeclaredMimeType: "application/pdf",
		SizeBytes:        int64(len(validPDF)),
		Content:          validPDF,
		State:            mailbox.AttachmentReceived,
	}
}

func TestProcess(t *testing.T) {
	ctx := context.Background()

	t.Run("clean attachment walks all five steps", func(t *testing.T) {
		scanner := &fakeScanner{}
		p, store, dedup := testProcessor(t, testConfig(), scanner)

		ref := pdfRef("application.pdf")
		res := p.Process(ctx, ref)

		require.Empty(t, res.Errors)
		assert.True(t, res.Success)
		assert.False(t, res.Duplicate)
		assert.Len(t, res.Checksum, 64)
		assert.Equal(t, "memory://documents/"+res.Checksum+".pdf", res.StorageLocation)
		assert.Equal(t, mailbox.AttachmentStored, ref.State)
		assert.Equal(t, res.Checksum, ref.Checksum)
		assert.Equal(t, 1, scanner.calls)
		assert.Equal(t, 1, store.Len())

		seen, err := dedup.Exists(ctx, "checksum:"+res.Checksum)
		require.NoError(t, err)
		assert.True(t, seen)
	})

	t.Run("duplicate checksum is not stored twice", func(t *testing.T) {
		scanner := &fakeScanner{}
		p, store, _ := testProcessor(t, testConfig(), scanner)

		first := p.Process(ctx, pdfRef("a.pdf"))
		require.True(t, first.Success)

		second := p.Process(ctx, pdfRef("b.pdf"))
		require.True(t, second.Success)
		assert.True(t, second.Duplicate)
		assert.Equal(t, first.Checksum, second.Checksum)
		assert.Equal(t, first.StorageLocation, second.StorageLocation,
			"duplicates keep the canonical location of the stored object")
		assert.Equal(t, 1, store.Len())
	})

	t.Run("store-level duplicate reports the existing location", func(t *testing.T) {
		// No dedup cache, so the second pass hits the store existence
		// check instead of the checksum cache.
		scanner := &fakeScanner{}
		store := storage.NewMemoryStore()
		p := NewProcessor(testConfig(), scanner, store, nil, nil)

		first := p.Process(ctx, pdfRef("a.pdf"))
		require.True(t, first.Success)

		second := p.Process(ctx, pdfRef("b.pdf"))
		require.True(t, second.Success)
		assert.True(t, second.Duplicate)
		assert.Equal(t, first.StorageLocation, second.StorageLocation)
		assert.Equal(t, 1, store.Len())
	})

	t.Run("oversize attachment is rejected before the scanner runs", func(t *testing.T) {
		scanner := &fakeScanner{}
		p, _, _ := testProcessor(t, testConfig(), scanner)

		ref := pdfRef("big.pdf")
		ref.SizeBytes = 26 * 1024 * 1024

		res := p.Process(ctx, ref)
		require.Len(t, res.Errors, 1)
		assert.Equal(t, CodeFileTooLarge, res.Errors[0].Code)
		assert.Equal(t, "File too large", res.Errors[0].Message)
		assert.Equal(t, mailbox.AttachmentRejected, ref.State)
		assert.Equal(t, 0, scanner.calls)
	})

	t.Run("disallowed declared mime type", func(t *testing.T) {
		p, _, _ := testProcessor(t, testConfig(), &fakeScanner{})

		ref := pdfRef("notes.txt")
		ref.DeclaredMimeType = "text/plain"

		res := p.Process(ctx, ref)
		require.Len(t, res.Errors, 1)
		assert.Equal(t, CodeInvalidMimeType, res.Errors[0].Code)
		assert.Equal(t, KindValidation, res.Errors[0].Kind)
	})

	t.Run("declared type must match sniffed content", func(t *testing.T) {
		scanner := &fakeScanner{}
		p, _, _ := testProcessor(t, testConfig(), scanner)

		ref := pdfRef("fake.pdf")
		ref.Content = []byte("this is plainly not a pdf")
		ref.SizeBytes = int64(len(ref.Content))

		res := p.Process(ctx, ref)
		require.Len(t, res.Errors, 1)
		assert.Equal(t, CodeMimeMismatch, res.Errors[0].Code)
		assert.Equal(t, 0, scanner.calls)
	})

	t.Run("unsafe filenames", func(t *testing.T) {
		p, _, _ := testProcessor(t, testConfig(), &fakeScanner{})

		for _, name := range []string{"", "../../etc/passwd", ".hidden", "bad\x00name.pdf", "semi;colon.pdf"} {
			ref := pdfRef(name)
			res := p.Process(ctx, ref)
			require.Len(t, res.Errors, 1, "filename %q", name)
			assert.Equal(t, CodeUnsafeFilename, res.Errors[0].Code, "filename %q", name)
		}
	})

	t.Run("malware verdict is a security rejection", func(t *testing.T) {
		scanner := &fakeScanner{infections: []string{"Eicar-Signature"}}
		p, store, _ := testProcessor(t, testConfig(), scanner)

		ref := pdfRef("infected.pdf")
		res := p.Process(ctx, ref)

		require.Len(t, res.Errors, 1)
		assert.Equal(t, CodeMalwareDetected, res.Errors[0].Code)
		assert.Equal(t, KindSecurity, res.Errors[0].Kind)
		assert.Contains(t, res.Errors[0].Message, "Eicar-Signature")
		assert.Equal(t, mailbox.AttachmentRejected, ref.State)
		assert.Equal(t, 0, store.Len(), "infected content must never reach storage")
	})

	t.Run("scanner outage is transient", func(t *testing.T) {
		scanner := &fakeScanner{err: antivirus.ErrNotConnected}
		p, _, _ := testProcessor(t, testConfig(), scanner)

		res := p.Process(ctx, pdfRef("a.pdf"))
		require.Len(t, res.Errors, 1)
		assert.Equal(t, CodeScanUnavailable, res.Errors[0].Code)
		assert.Equal(t, KindTransient, res.Errors[0].Kind)
	})

	t.Run("pdf validation", func(t *testing.T) {
		tests := []struct {
			name    string
			content []byte
		}{
			{"missing header", append([]byte("%PDX-1.4\n"), validPDF...)},
			{"version below floor", []byte("%PDF-1.2\nstuff\n%%EOF\n")},
			{"unparseable version", []byte("%PDF-abc\nstuff\n%%EOF\n")},
			{"missing eof marker", []byte("%PDF-1.7\nno trailer here\n")},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				p, _, _ := testProcessor(t, testConfig(), &fakeScanner{})

				ref := pdfRef("doc.pdf")
				ref.Content = tt.content
				ref.SizeBytes = int64(len(tt.content))

				res := p.Process(ctx, ref)
				require.Len(t, res.Errors, 1)
				assert.Equal(t, CodeInvalidPDF, res.Errors[0].Code)
			})
		}
	})

	t.Run("storage failure is retried then escalated", func(t *testing.T) {
		store := &failingStore{}
		p := NewProcessor(testConfig(), &fakeScanner{}, store, cache.NewMemory(), nil)

		res := p.Process(ctx, pdfRef("a.pdf"))
		require.Len(t, res.Errors, 1)
		assert.Equal(t, CodeStorageFailure, res.Errors[0].Code)
		assert.Equal(t, KindTransient, res.Errors[0].Kind)
		assert.Equal(t, 3, store.puts)
	})
}

func TestProcessEmail(t *testing.T) {
	ctx := context.Background()

	email := func(refs ...*mailbox.AttachmentRef) *mailbox.InboundEmailItem {
		return &mailbox.InboundEmailItem{
			Sender:      "jordan@acmefunding.example",
			Subject:     "Loan Application",
			ReceivedAt:  time.Now(),
			Attachments: refs,
		}
	}

	t.Run("accepted email", func(t *testing.T) {
		p, _, _ := testProcessor(t, testConfig(), &fakeScanner{})

		res := p.ProcessEmail(ctx, email(pdfRef("a.pdf")))
		assert.True(t, res.Accepted)
		require.Len(t, res.Attachments, 1)
		assert.True(t, res.Attachments[0].Success)
	})

	t.Run("sender domain not in allowed list", func(t *testing.T) {
		cfg := testConfig()
		cfg.AllowedSenderDomains = []string{"trusted.example"}
		p, _, _ := testProcessor(t, cfg, &fakeScanner{})

		ref := pdfRef("a.pdf")
		res := p.ProcessEmail(ctx, email(ref))

		assert.False(t, res.Accepted)
		require.Len(t, res.Errors, 1)
		assert.Equal(t, CodeDomainNotAllowed, res.Errors[0].Code)
		assert.Equal(t, "Domain not in allowed list", res.Errors[0].Message)
		assert.Equal(t, mailbox.AttachmentRejected, ref.State)
	})

	t.Run("allowed domain comparison is case-insensitive", func(t *testing.T) {
		cfg := testConfig()
		cfg.AllowedSenderDomains = []string{"AcmeFunding.Example"}
		p, _, _ := testProcessor(t, cfg, &fakeScanner{})

		res := p.ProcessEmail(ctx, email(pdfRef("a.pdf")))
		assert.True(t, res.Accepted)
	})

	t.Run("too many attachments", func(t *testing.T) {
		cfg := testConfig()
		cfg.MaxAttachments = 2
		scanner := &fakeScanner{}
		p, _, _ := testProcessor(t, cfg, scanner)

		res := p.ProcessEmail(ctx, email(pdfRef("a.pdf"), pdfRef("b.pdf"), pdfRef("c.pdf")))
		assert.False(t, res.Accepted)
		require.Len(t, res.Errors, 1)
		assert.Equal(t, CodeTooManyAttachments, res.Errors[0].Code)
		assert.Equal(t, 0, scanner.calls)
	})

	t.Run("combined size over the batch cap", func(t *testing.T) {
		cfg := testConfig()
		cfg.MaxTotalBytes = 100
		p, _, _ := testProcessor(t, cfg, &fakeScanner{})

		big := pdfRef("a.pdf")
		big.SizeBytes = 101

		res := p.ProcessEmail(ctx, email(big))
		assert.False(t, res.Accepted)
		require.Len(t, res.Errors, 1)
		assert.Equal(t, CodeBatchTooLarge, res.Errors[0].Code)
	})

	t.Run("one bad attachment aborts the email", func(t *testing.T) {
		p, store, _ := testProcessor(t, testConfig(), &fakeScanner{})

		bad := pdfRef("bad.pdf")
		bad.Content = []byte("not a pdf at all")
		bad.SizeBytes = int64(len(bad.Content))

		res := p.ProcessEmail(ctx, email(pdfRef("good.pdf"), bad, pdfRef("never-reached.pdf")))
		assert.False(t, res.Accepted)
		assert.Len(t, res.Attachments, 2, "processing stops at the first rejection")
		assert.NotEmpty(t, res.Errors)
		assert.Equal(t, 1, store.Len())
	})
}

func TestProcessingError(t *testing.T) {
	err := validationError(CodeFileTooLarge, "File too large")
	assert.Equal(t, "FILE_TOO_LARGE: File too large", err.Error())
	assert.True(t, bytes.Contains([]byte(err.Error()), []byte(string(err.Code))))
}
