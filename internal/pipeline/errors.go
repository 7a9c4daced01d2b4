package pipeline

import "fmt"

// Kind buckets processing failures by how callers must react.
type Kind string

const (
	// KindValidation covers bad input: rejected immediately, never retried.
	KindValidation Kind = "validation_failure"
	// KindSecurity covers malware verdicts: rejected immediately, logged at
	// high severity.
	KindSecurity Kind = "security_rejection"
	// KindTransient covers collaborator blips: retried with backoff before
	// escalation.
	KindTransient Kind = "transient_io"
)

// Code identifies the exact pipeline step that rejected an attachment.
type Code string

const (
	CodeInvalidMimeType    Code = "INVALID_MIME_TYPE"
	CodeMimeMismatch       Code = "MIME_MISMATCH"
	CodeFileTooLarge       Code = "FILE_TOO_LARGE"
	CodeUnsafeFilename     Code = "UNSAFE_FILENAME"
	CodeTooManyAttachments Code = "TOO_MANY_ATTACHMENTS"
	CodeBatchTooLarge      Code = "BATCH_TOO_LARGE"
	CodeDomainNotAllowed   Code = "DOMAIN_NOT_ALLOWED"
	CodeMalwareDetected    Code = "MALWARE_DETECTED"
	CodeInvalidPDF         Code = "INVALID_PDF"
	CodeScanUnavailable    Code = "SCAN_UNAVAILABLE"
	CodeStorageFailure     Code = "STORAGE_FAILURE"
)

// ProcessingError is one specific, actionable rejection reason. Pipeline
// failures are reported as error lists, never as bare exceptions.
type ProcessingError struct {
	Code    Code   `json:"code"`
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *ProcessingError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func validationError(code Code, msg string) *ProcessingError {
	return &ProcessingError{Code: code, Kind: KindValidation, Message: msg}
}

func securityError(code Code, msg string) *ProcessingError {
	return &ProcessingError{Code: code, Kind: KindSecurity, Message: msg}
}

func transientError(code Code, msg string) *ProcessingError {
	return &ProcessingError{Code: code, Kind: KindTransient, Message: msg}
}
