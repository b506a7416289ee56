// Package violation defines the fixed violation taxonomy shared by the
// signal collectors, the session state machine and the owner console.
//
// Codes and severities are serialized verbatim on the wire; consumers key
// their treatment off these exact strings.
package violation

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Code identifies a class of policy violation.
type Code string

// Violation codes.
const (
	ScreenRecording        Code = "SCREEN_RECORDING"
	ScreenSharing          Code = "SCREEN_SHARING"
	ScreenshotAttempt      Code = "SCREENSHOT_ATTEMPT"
	FocusLoss              Code = "FOCUS_LOSS"
	DevtoolsOpened         Code = "DEVTOOLS_OPENED"
	DevtoolsAttempt        Code = "DEVTOOLS_ATTEMPT"
	CameraObstructed       Code = "CAMERA_OBSTRUCTED"
	CameraAbsent           Code = "CAMERA_ABSENT"
	ExternalCameraDetected Code = "EXTERNAL_CAMERA_DETECTED"
	MultiPerson            Code = "MULTI_PERSON"
	NoLiveness             Code = "NO_LIVENESS"
	EnvironmentChange      Code = "ENVIRONMENT_CHANGE"
	NetworkTamper          Code = "NETWORK_TAMPER"
	SessionTamper          Code = "SESSION_TAMPER"
	PolicyBreach           Code = "POLICY_BREACH"
)

// Severity grades a violation.
type Severity string

// Severities, lowest first.
const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// ErrUnknownCode is returned by ParseCode for strings outside the taxonomy.
var ErrUnknownCode = errors.New("violation: unknown code")

// Codes lists every code in taxonomy order.
var Codes = []Code{
	ScreenRecording,
	ScreenSharing,
	ScreenshotAttempt,
	FocusLoss,
	DevtoolsOpened,
	DevtoolsAttempt,
	CameraObstructed,
	CameraAbsent,
	ExternalCameraDetected,
	MultiPerson,
	NoLiveness,
	EnvironmentChange,
	NetworkTamper,
	SessionTamper,
	PolicyBreach,
}

var descriptions = map[Code]string{
	ScreenRecording:        "Screen recording tool detected.",
	ScreenSharing:          "Screen sharing detected.",
	ScreenshotAttempt:      "Screenshot attempt blocked.",
	FocusLoss:              "Viewer lost focus on the secure window.",
	DevtoolsOpened:         "Developer tools opened.",
	DevtoolsAttempt:        "Developer tools shortcut blocked.",
	CameraObstructed:       "Camera obstruction detected.",
	CameraAbsent:           "Camera stream missing.",
	ExternalCameraDetected: "External phone or camera aimed at the screen.",
	MultiPerson:            "Multiple people detected in frame.",
	NoLiveness:             "Liveness check failed.",
	EnvironmentChange:      "Environment changed unexpectedly.",
	NetworkTamper:          "Network tamper detected.",
	SessionTamper:          "Session tamper detected.",
	PolicyBreach:           "Access policy violation.",
}

// Describe returns the human-readable description of a code. Unknown codes
// describe themselves.
func Describe(c Code) string {
	if d, ok := descriptions[c]; ok {
		return d
	}
	return string(c)
}

// Valid reports whether c belongs to the taxonomy.
func (c Code) Valid() bool {
	_, ok := descriptions[c]
	return ok
}

// ParseCode converts a wire string into a Code.
func ParseCode(s string) (Code, error) {
	c := Code(s)
	if !c.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownCode, s)
	}
	return c, nil
}

// Classify returns the severity for a code. An out-of-band recording device
// is the only critical signal; everything else is HIGH until tuned.
func Classify(c Code) Severity {
	if c == ExternalCameraDetected {
		return SeverityCritical
	}
	return SeverityHigh
}

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// Event is a single classified observation. The log of events is
// append-only.
type Event struct {
	ID          string    `json:"id"`
	Code        Code      `json:"code"`
	Severity    Severity  `json:"severity"`
	Description string    `json:"description"`
	EvidenceURL string    `json:"evidenceUrl,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// New builds an Event for code with the taxonomy severity and description.
func New(c Code, now time.Time) Event {
	return Event{
		ID:          uuid.NewString(),
		Code:        c,
		Severity:    Classify(c),
		Description: Describe(c),
		CreatedAt:   now,
	}
}
