package store

import (
	"time"

	"viewguard/internal/document"
	"viewguard/internal/session"
)

// History caps, newest first.
const (
	MaxLogEntries       = 40
	MaxViolationEntries = 25
	ReaderPreview       = 8
)

// SessionRecord is a redeemed OTP: the viewer, their session and its trail.
type SessionRecord struct {
	Token         string                 `json:"token"`
	Session       session.Status         `json:"session"`
	DocumentID    string                 `json:"documentId"`
	Viewer        document.ViewerProfile `json:"viewer"`
	RevokedReason string                 `json:"revokedReason,omitempty"`
	History       History                `json:"history"`
}

// History is the durable per-token trail.
type History struct {
	Logs         []LogEntry        `json:"logs"`
	Violations   []ViolationEntry  `json:"violations"`
	LastLocation *session.Location `json:"lastLocation,omitempty"`
}

// LogEntry is a persisted activity log line.
type LogEntry struct {
	ID        string         `json:"id"`
	Event     string         `json:"event"`
	CreatedAt time.Time      `json:"createdAt"`
	Context   map[string]any `json:"context,omitempty"`
}

// ViolationEntry is a persisted violation.
type ViolationEntry struct {
	ID         string    `json:"id"`
	Code       string    `json:"code"`
	Message    string    `json:"message"`
	OccurredAt time.Time `json:"occurredAt"`
	Photo      string    `json:"photo,omitempty"`
}

// ReaderSnapshot is an identity-verified reader as the owner console sees
// them.
type ReaderSnapshot struct {
	DocumentID    string            `json:"documentId"`
	DocumentTitle string            `json:"documentTitle"`
	ViewerID      string            `json:"viewerId"`
	Name          string            `json:"name,omitempty"`
	Phone         string            `json:"phone,omitempty"`
	Photo         string            `json:"photo,omitempty"`
	VerifiedAt    *time.Time        `json:"verifiedAt,omitempty"`
	LastLocation  *session.Location `json:"lastLocation,omitempty"`
	Locked        bool              `json:"locked"`
	Active        bool              `json:"active"`
	Logs          []LogEntry        `json:"logs"`
	Violations    []ViolationEntry  `json:"violations"`
}
