// Package presence records where and who a viewer is: location fixes,
// presence photos, violation evidence and the identity captured before a
// document opens. Every recording is persisted against the viewer token and
// announced on the event bus.
package presence

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"viewguard/internal/document"
	"viewguard/internal/eventbus"
	"viewguard/internal/session"
	"viewguard/internal/store"
)

// DefaultReason labels presence captures that do not name one.
const DefaultReason = "presence"

// Presence reasons sent by viewers.
const (
	ReasonGeolocation            = "geolocation"
	ReasonGeolocationUnavailable = "geolocation_unavailable"
	ReasonGeolocationDenied      = "geolocation_denied"
	ReasonPhoto                  = "presence_photo"
	ReasonCameraUnavailable      = "camera_unavailable"
)

var (
	// ErrIdentityIncomplete is returned when a required name or phone is missing.
	ErrIdentityIncomplete = errors.New("presence: name and phone are required")
	// ErrNameMismatch is returned when the name differs from the expected viewer.
	ErrNameMismatch = errors.New("presence: provided name does not match the expected viewer")
	// ErrPhoneMismatch is returned when the phone differs from the expected viewer.
	ErrPhoneMismatch = errors.New("presence: provided phone does not match the expected viewer")
	// ErrPhotoRequired is returned when no data-URL photo was supplied.
	ErrPhotoRequired = errors.New("presence: photo capture required")
)

// Store is the persistence the recorder needs.
type Store interface {
	GetSession(token string) (*store.SessionRecord, error)
	GetDocument(id string) (*document.SecureDocument, error)
	AppendLog(token string, e store.LogEntry) error
	RecordViolation(token string, e store.ViolationEntry, loc *session.Location) error
	RecordPresence(token string, loc *session.Location) error
	AttachIdentity(token string, id session.Identity) (*store.SessionRecord, error)
}

// Capture is a presence report from a viewer.
type Capture struct {
	DocumentID string            `json:"documentId"`
	Location   *session.Location `json:"location"`
	Photo      string            `json:"photo"`
	FrameHash  string            `json:"frameHash"`
	Reason     string            `json:"reason"`
}

// Violation is a violation plus optional evidence, as reported by a viewer
// or attached to a document lock.
type Violation struct {
	ID          string
	Code        string
	Description string
	CreatedAt   time.Time
	Photo       string
	Location    *session.Location
}

// IdentityInput is what a viewer submits at identity capture.
type IdentityInput struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
	Photo string `json:"photo"`
}

// Recorder persists presence data and emits the matching bus events.
type Recorder struct {
	store  Store
	bus    *eventbus.Bus
	logger *slog.Logger
	now    func() time.Time
}

// NewRecorder creates a Recorder.
func NewRecorder(st Store, bus *eventbus.Bus, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Recorder{
		store:  st,
		bus:    bus,
		logger: logger.With("component", "presence"),
		now:    time.Now,
	}
}

// RecordPresence stores the location fix, if any, and emits
// PRESENCE_CAPTURED.
func (r *Recorder) RecordPresence(token string, c Capture) error {
	if c.Reason == "" {
		c.Reason = DefaultReason
	}
	if c.Location != nil && c.Location.CapturedAt.IsZero() {
		c.Location.CapturedAt = r.now().UTC()
	}
	if err := r.store.RecordPresence(token, c.Location); err != nil {
		return fmt.Errorf("record presence: %w", err)
	}
	r.bus.Emit(eventbus.New(eventbus.PresenceCaptured, map[string]any{
		"documentId": c.DocumentID,
		"location":   c.Location,
		"photo":      nullable(c.Photo),
		"frameHash":  nullable(c.FrameHash),
		"reason":     c.Reason,
	}))
	r.logger.Debug("presence captured", "document_id", c.DocumentID, "reason", c.Reason)
	return nil
}

// RecordViolation appends v to the token's history.
func (r *Recorder) RecordViolation(token string, v Violation) error {
	if v.CreatedAt.IsZero() {
		v.CreatedAt = r.now().UTC()
	}
	entry := store.ViolationEntry{
		ID:         v.ID,
		Code:       v.Code,
		Message:    v.Description,
		OccurredAt: v.CreatedAt,
		Photo:      v.Photo,
	}
	if err := r.store.RecordViolation(token, entry, v.Location); err != nil {
		return fmt.Errorf("record violation: %w", err)
	}
	return nil
}

// AppendLog appends an activity entry to the token's history.
func (r *Recorder) AppendLog(token, event string, ctx map[string]any) error {
	if event == "" {
		event = "UNKNOWN"
	}
	if err := r.store.AppendLog(token, store.LogEntry{Event: event, Context: ctx}); err != nil {
		return fmt.Errorf("append log: %w", err)
	}
	return nil
}

// CaptureIdentity checks the input against the document's identity requirement,
// marks the session verified and emits VIEWER_IDENTITY_CAPTURED.
func (r *Recorder) CaptureIdentity(token string, in IdentityInput) (*store.SessionRecord, error) {
	rec, err := r.store.GetSession(token)
	if err != nil {
		return nil, err
	}
	doc, err := r.store.GetDocument(rec.DocumentID)
	if err != nil {
		return nil, err
	}

	id, err := CheckIdentity(doc.IdentityRequirement, in)
	if err != nil {
		return nil, err
	}
	now := r.now().UTC()
	id.VerifiedAt = &now

	updated, err := r.store.AttachIdentity(token, id)
	if err != nil {
		return nil, fmt.Errorf("attach identity: %w", err)
	}
	r.bus.Emit(eventbus.New(eventbus.ViewerIdentityCaptured, map[string]any{
		"documentId": updated.DocumentID,
		"viewerId":   updated.Session.ViewerID,
		"name":       id.Name,
		"phone":      id.Phone,
		"photo":      id.Photo,
	}))
	r.logger.Info("viewer identity captured", "document_id", updated.DocumentID, "viewer_id", updated.Session.ViewerID)
	return updated, nil
}

// CheckIdentity applies req to in. Names compare case-insensitively after
// trimming; phones compare on their digits only. The photo must be a data
// URL.
func CheckIdentity(req document.IdentityRequirement, in IdentityInput) (session.Identity, error) {
	name := strings.TrimSpace(in.Name)
	phone := strings.TrimSpace(in.Phone)

	if req.Required && (name == "" || phone == "") {
		return session.Identity{}, ErrIdentityIncomplete
	}
	if req.EnforceMatch {
		if req.ExpectedName != "" && !strings.EqualFold(name, strings.TrimSpace(req.ExpectedName)) {
			return session.Identity{}, ErrNameMismatch
		}
		if req.ExpectedPhone != "" && digits(phone) != digits(req.ExpectedPhone) {
			return session.Identity{}, ErrPhoneMismatch
		}
	}
	if !strings.HasPrefix(in.Photo, "data:") {
		return session.Identity{}, ErrPhotoRequired
	}
	return session.Identity{Name: name, Phone: phone, Photo: in.Photo}, nil
}

func digits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
