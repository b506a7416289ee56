// Package watermark derives the tamper-evident overlay drawn over a
// document while it is being viewed.
package watermark

import (
	"fmt"
	"time"

	"viewguard/internal/document"
	"viewguard/internal/session"
)

// Overlay opacities.
const (
	OpacityDefault = 0.15
	OpacityMaximum = 0.25
)

const expiresLayout = "2006-01-02 15:04:05"

// Payload is the overlay content. It is recomputed on every render and never
// persisted.
type Payload struct {
	Lines   []string `json:"lines"`
	Opacity float64  `json:"opacity"`
}

// Build renders the overlay for status at now. The expiry is printed in
// now's location.
func Build(doc *document.SecureDocument, status session.Status, viewer document.ViewerProfile, now time.Time) Payload {
	minutes := int64(status.ExpiresAt.Sub(now) / time.Minute)
	if minutes < 0 {
		minutes = 0
	}

	opacity := OpacityDefault
	if doc.Maximum() {
		opacity = OpacityMaximum
	}

	return Payload{
		Lines: []string{
			"DOC " + doc.DocumentID,
			"OWNER " + doc.OwnerID,
			"SESSION " + status.ID,
			"VIEWER " + viewer.ViewerID,
			"IP " + viewer.Device.IPAddress,
			"LEVEL " + string(doc.Permissions.SecurityLevel),
			"EXPIRES " + status.ExpiresAt.In(now.Location()).Format(expiresLayout),
			fmt.Sprintf("COUNTDOWN %dm", minutes),
		},
		Opacity: opacity,
	}
}
