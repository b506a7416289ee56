package session

import (
	"time"

	"github.com/google/uuid"
)

// LogCapacity bounds the live violation and activity logs.
const LogCapacity = 32

// EventKind classifies an activity log entry.
type EventKind string

// Activity log kinds.
const (
	EventViewerOpened       EventKind = "VIEWER_OPENED"
	EventViewerClosed       EventKind = "VIEWER_CLOSED"
	EventHeartbeat          EventKind = "HEARTBEAT"
	EventScreenshotBlocked  EventKind = "SCREENSHOT_BLOCKED"
	EventScreenShareBlocked EventKind = "SCREEN_SHARE_BLOCKED"
	EventViolation          EventKind = "VIOLATION"
	EventCameraState        EventKind = "CAMERA_STATE"
	EventPolicyChanged      EventKind = "POLICY_CHANGED"
	EventSessionRevoked     EventKind = "SESSION_REVOKED"
)

// ActivityLog is a lightweight trail entry.
type ActivityLog struct {
	ID         string         `json:"id"`
	DocumentID string         `json:"documentId"`
	ViewerID   string         `json:"viewerId"`
	Event      EventKind      `json:"event"`
	Context    map[string]any `json:"context,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
}

// NewActivityLog builds a log entry.
func NewActivityLog(documentID, viewerID string, kind EventKind, ctx map[string]any, now time.Time) ActivityLog {
	return ActivityLog{
		ID:         uuid.NewString(),
		DocumentID: documentID,
		ViewerID:   viewerID,
		Event:      kind,
		Context:    ctx,
		CreatedAt:  now,
	}
}

// Ring keeps the newest entries first and never grows beyond its capacity.
type Ring[T any] struct {
	items []T
	limit int
}

// NewRing creates a ring holding at most limit entries.
func NewRing[T any](limit int) *Ring[T] {
	if limit <= 0 {
		limit = LogCapacity
	}
	return &Ring[T]{items: make([]T, 0, limit), limit: limit}
}

// Push prepends v, evicting the oldest entry when full.
func (r *Ring[T]) Push(v T) {
	if len(r.items) < r.limit {
		r.items = append(r.items, v)
	}
	copy(r.items[1:], r.items[:len(r.items)-1])
	r.items[0] = v
}

// Update applies fn to the first entry for which match returns true.
func (r *Ring[T]) Update(match func(T) bool, fn func(*T)) bool {
	for i := range r.items {
		if match(r.items[i]) {
			fn(&r.items[i])
			return true
		}
	}
	return false
}

// Len returns the number of entries held.
func (r *Ring[T]) Len() int { return len(r.items) }

// Items returns a copy, newest first.
func (r *Ring[T]) Items() []T {
	out := make([]T, len(r.items))
	copy(out, r.items)
	return out
}
