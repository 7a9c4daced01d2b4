package mailbox

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
)

// AttachmentState tracks an attachment through the security pipeline.
type AttachmentState string

const (
	AttachmentReceived          AttachmentState = "received"
	AttachmentStructurallyValid AttachmentState = "structurally_valid"
	AttachmentScannedClean      AttachmentState = "scanned_clean"
	AttachmentStored            AttachmentState = "stored"
	AttachmentRejected          AttachmentState = "rejected"
)

// AttachmentRef is one attachment lifted out of an inbound email. Content is
// buffered fully in memory at parse time; the configured size cap is
// enforced by the pipeline's structural validation, not here.
type AttachmentRef struct {
	Filename         string
	DeclaredMimeType string
	SizeBytes        int64
	Content          []byte
	Checksum         string
	State            AttachmentState
	RejectReason     string
}

// InboundEmailItem is created when the monitor observes a new message. It is
// immutable once validated and consumed exactly once into a queue envelope.
type InboundEmailItem struct {
	Sender      string
	Subject     string
	ReceivedAt  time.Time
	Attachments []*AttachmentRef
	RawHeaders  map[string][]string
}

// SenderDomain returns the lower-cased domain of the sender address, or an
// empty string when the address has no domain part.
func (it *InboundEmailItem) SenderDomain() string {
	at := strings.LastIndex(it.Sender, "@")
	if at == -1 || at == len(it.Sender)-1 {
		return ""
	}
	return strings.ToLower(it.Sender[at+1:])
}

// TotalAttachmentBytes sums the declared sizes of all attachments.
func (it *InboundEmailItem) TotalAttachmentBytes() int64 {
	var total int64
	for _, a := range it.Attachments {
		total += a.SizeBytes
	}
	return total
}

// ParseMessage converts a raw RFC 5322 message into an InboundEmailItem,
// extracting every attachment part into an AttachmentRef in the Received
// state. Inline parts and the message body are ignored; only attachments
// feed the pipeline.
func ParseMessage(raw io.Reader) (*InboundEmailItem, error) {
	mr, err := mail.CreateReader(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}

	header := mr.Header
	item := &InboundEmailItem{
		ReceivedAt: time.Now().UTC(),
		RawHeaders: make(map[string][]string),
	}

	if from, err := header.AddressList("From"); err == nil && len(from) > 0 {
		item.Sender = from[0].Address
	}
	if subject, err := header.Subject(); err == nil {
		item.Subject = subject
	}
	if date, err := header.Date(); err == nil && !date.IsZero() {
		item.ReceivedAt = date.UTC()
	}

	fields := header.Fields()
	for fields.Next() {
		key := fields.Key()
		item.RawHeaders[key] = append(item.RawHeaders[key], fields.Value())
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read message part: %w", err)
		}

		ah, ok := part.Header.(*mail.AttachmentHeader)
		if !ok {
			continue
		}

		filename, _ := ah.Filename()
		contentType, _, _ := ah.ContentType()

		content, err := io.ReadAll(part.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read attachment %q: %w", filename, err)
		}

		item.Attachments = append(item.Attachments, &AttachmentRef{
			Filename:         filename,
			DeclaredMimeType: strings.ToLower(contentType),
			SizeBytes:        int64(len(content)),
			Content:          content,
			State:            AttachmentReceived,
		})
	}

	return item, nil
}
