package pipeline

import "strings"

// DocumentType buckets a stored attachment for downstream routing. Each
// type gets its own queue; the type doubles as the routing key.
type DocumentType string

const (
	DocTypeApplication   DocumentType = "application"
	DocTypeBankStatement DocumentType = "bank_statement"
	DocTypeVoidedCheck   DocumentType = "voided_check"
)

// AllDocumentTypes lists every routable document type, used to declare
// topology at startup.
var AllDocumentTypes = []DocumentType{
	DocTypeApplication,
	DocTypeBankStatement,
	DocTypeVoidedCheck,
}

var bankStatementHints = []string{"bank statement", "bank_statement", "statement"}
var voidedCheckHints = []string{"voided check", "voided_check", "void check", "check"}

// Classify guesses the document type from the email subject and attachment
// filename. Deeper content classification belongs to the downstream
// processor; this only picks the routing queue.
func Classify(subject, filename string) DocumentType {
	haystack := strings.ToLower(subject + " " + filename)

	for _, hint := range bankStatementHints {
		if strings.Contains(haystack, hint) {
			return DocTypeBankStatement
		}
	}
	for _, hint := range voidedCheckHints {
		if strings.Contains(haystack, hint) {
			return DocTypeVoidedCheck
		}
	}
	return DocTypeApplication
}
