// Package session implements the viewing-session state machine and the
// revocation policy that drives it.
//
// A Machine owns one viewer's session: its lifetime and countdown, focus
// state, the capped violation and activity logs, and the active flag. Every
// violation is classified, logged, reported, and run through ShouldRevoke;
// revocation is monotonic and happens exactly once.
package session

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"

	"viewguard/internal/document"
)

// DefaultHeartbeat is the reference heartbeat interval.
const DefaultHeartbeat = 5 * time.Second

var (
	// ErrRevoked is returned for operations on a revoked session.
	ErrRevoked = errors.New("session: revoked")
	// ErrNotFound is returned when a session record does not exist.
	ErrNotFound = errors.New("session: not found")
)

// State is the lifecycle position of a session.
type State string

// Session states. Revoked is terminal.
const (
	StateInitializing State = "INITIALIZING"
	StateActive       State = "ACTIVE"
	StateFocusLost    State = "FOCUS_LOST"
	StateRevoked      State = "REVOKED"
)

// Identity is what the viewer supplied at identity capture.
type Identity struct {
	Name       string     `json:"name,omitempty"`
	Phone      string     `json:"phone,omitempty"`
	Photo      string     `json:"photo,omitempty"`
	VerifiedAt *time.Time `json:"verifiedAt,omitempty"`
}

// Status is the persisted view of a session.
type Status struct {
	ID               string    `json:"id"`
	DocumentID       string    `json:"documentId"`
	ViewerID         string    `json:"viewerId"`
	StartedAt        time.Time `json:"startedAt"`
	ExpiresAt        time.Time `json:"expiresAt"`
	Active           bool      `json:"active"`
	HeartbeatMs      int64     `json:"heartbeatMs"`
	FocusLost        bool      `json:"focusLost"`
	TamperHash       string    `json:"tamperHash"`
	IdentityVerified bool      `json:"identityVerified"`
	ViewerIdentity   *Identity `json:"viewerIdentity,omitempty"`
}

// Heartbeat returns the heartbeat interval, falling back to the default.
func (s *Status) Heartbeat() time.Duration {
	if s.HeartbeatMs <= 0 {
		return DefaultHeartbeat
	}
	return time.Duration(s.HeartbeatMs) * time.Millisecond
}

// Remaining returns the time left before expiry, never negative.
func (s *Status) Remaining(now time.Time) time.Duration {
	d := s.ExpiresAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// TamperKey derives per-session tamper hashes. An empty key falls back to a
// random token per session.
type TamperKey []byte

// Hash derives the tamper hash for sessionID.
func (k TamperKey) Hash(sessionID string) string {
	if len(k) == 0 {
		return uuid.NewString()
	}
	r := hkdf.New(sha256.New, k, []byte(sessionID), []byte("viewguard tamper v1"))
	out := make([]byte, 16)
	if _, err := io.ReadFull(r, out); err != nil {
		return uuid.NewString()
	}
	return hex.EncodeToString(out)
}

// NewStatus opens a session on doc for viewerID.
func NewStatus(doc *document.SecureDocument, viewerID string, key TamperKey, now time.Time) Status {
	id := uuid.NewString()
	return Status{
		ID:          id,
		DocumentID:  doc.DocumentID,
		ViewerID:    viewerID,
		StartedAt:   now,
		ExpiresAt:   now.Add(doc.SessionLength()),
		Active:      true,
		HeartbeatMs: DefaultHeartbeat.Milliseconds(),
		TamperHash:  key.Hash(id),
	}
}

// Location is a viewer position fix.
type Location struct {
	Lat        float64   `json:"lat"`
	Lon        float64   `json:"lon"`
	Accuracy   *float64  `json:"accuracy,omitempty"`
	CapturedAt time.Time `json:"capturedAt"`
}

// Evidence is a best-effort capture attached to a violation.
type Evidence struct {
	Photo     string    `json:"photo,omitempty"`
	FrameHash string    `json:"frameHash,omitempty"`
	Location  *Location `json:"location,omitempty"`
}
