// Package document holds the owner-defined document record and the viewer
// profile bound to it at OTP redemption. Both are read-only to the engine
// except for the lock fields.
package document

import (
	"errors"
	"time"
)

// SecurityLevel is the owner-selected strictness of a document.
type SecurityLevel string

// Security levels.
const (
	LevelLow     SecurityLevel = "LOW"
	LevelMedium  SecurityLevel = "MEDIUM"
	LevelHigh    SecurityLevel = "HIGH"
	LevelMaximum SecurityLevel = "MAXIMUM"
)

// Valid reports whether l is a known level.
func (l SecurityLevel) Valid() bool {
	switch l {
	case LevelLow, LevelMedium, LevelHigh, LevelMaximum:
		return true
	}
	return false
}

// Classification labels.
const (
	Confidential = "CONFIDENTIAL"
	Secret       = "SECRET"
	Restricted   = "RESTRICTED"
)

var (
	// ErrNotFound is returned when no document matches.
	ErrNotFound = errors.New("document: not found")
	// ErrLocked is returned when a locked document is requested for viewing.
	ErrLocked = errors.New("document: locked")
)

// Permissions bound how and for how long a document may be viewed.
type Permissions struct {
	MaxViews              int           `json:"maxViews"`
	ExpiryDate            time.Time     `json:"expiryDate"`
	AllowedDevices        []string      `json:"allowedDevices,omitempty"`
	AllowedIPs            []string      `json:"allowedIPs,omitempty"`
	SecurityLevel         SecurityLevel `json:"securityLevel"`
	MaxSessionMinutes     int           `json:"maxSessionMinutes,omitempty"`
	MaxConcurrentSessions int           `json:"maxConcurrentSessions,omitempty"`
}

// Policies toggles the individual enforcement behaviours.
type Policies struct {
	CameraEnforcement  bool `json:"cameraEnforcement"`
	Watermarking       bool `json:"watermarking"`
	ScreenShield       bool `json:"screenShield"`
	DownloadDisabled   bool `json:"downloadDisabled"`
	MultiMonitorBlock  bool `json:"multiMonitorBlock"`
	DeviceLock         bool `json:"deviceLock"`
	LocationTracking   bool `json:"locationTracking"`
	CaptureReaderPhoto bool `json:"captureReaderPhoto"`
}

// IdentityRequirement describes what a viewer must prove before viewing.
type IdentityRequirement struct {
	Required      bool   `json:"required"`
	ExpectedName  string `json:"expectedName,omitempty"`
	ExpectedPhone string `json:"expectedPhone,omitempty"`
	EnforceMatch  bool   `json:"enforceMatch,omitempty"`
}

// SecureDocument is the policy envelope around a sensitive document.
type SecureDocument struct {
	DocumentID          string              `json:"documentId"`
	OwnerID             string              `json:"ownerId"`
	Title               string              `json:"title"`
	Description         string              `json:"description,omitempty"`
	Classification      string              `json:"classification"`
	Permissions         Permissions         `json:"permissions"`
	Policies            Policies            `json:"policies"`
	IdentityRequirement IdentityRequirement `json:"identityRequirement"`
	Locked              bool                `json:"locked"`
	LockedReason        string              `json:"lockedReason,omitempty"`
	LockedAt            *time.Time          `json:"lockedAt,omitempty"`
	CreatedAt           time.Time           `json:"createdAt"`
}

// Maximum reports whether the document is zero-tolerance.
func (d *SecureDocument) Maximum() bool {
	return d.Permissions.SecurityLevel == LevelMaximum
}

// SessionLength returns the viewing window granted per session.
func (d *SecureDocument) SessionLength() time.Duration {
	if d.Permissions.MaxSessionMinutes > 0 {
		return time.Duration(d.Permissions.MaxSessionMinutes) * time.Minute
	}
	return 30 * time.Minute
}

// Device fingerprints the client that redeemed the OTP.
type Device struct {
	ID        string    `json:"id"`
	Label     string    `json:"label"`
	Platform  string    `json:"platform"`
	IPAddress string    `json:"ipAddress"`
	CreatedAt time.Time `json:"createdAt"`
}

// ViewerProfile is created once per OTP redemption.
type ViewerProfile struct {
	ViewerID     string `json:"viewerId"`
	Name         string `json:"name"`
	Email        string `json:"email"`
	Organization string `json:"organization,omitempty"`
	Device       Device `json:"device"`
}
