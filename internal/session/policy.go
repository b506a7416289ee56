package session

import (
	"viewguard/internal/document"
	"viewguard/internal/violation"
)

// ShouldRevoke decides whether v ends the session on doc. The rules are
// ordered: an out-of-band recording device always revokes, MAXIMUM documents
// tolerate nothing, and CRITICAL severity is the general backstop.
func ShouldRevoke(v violation.Event, doc *document.SecureDocument) bool {
	if v.Code == violation.ExternalCameraDetected {
		return true
	}
	if doc != nil && doc.Maximum() {
		return true
	}
	return v.Severity == violation.SeverityCritical
}
