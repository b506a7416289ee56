package camera

import "viewguard/internal/violation"

// ObstructionLimit is the obstruction score above which the lens counts as
// covered.
const ObstructionLimit = 0.4

// Registrar accepts violations raised from camera insights.
type Registrar interface {
	RegisterViolation(code violation.Code, ctx violation.Context) (violation.Event, error)
}

// React applies the camera rules to one insight and reports whether the
// lens is obstructed. Each rule is checked independently, so a single frame
// may raise several violations.
func React(in Insight, r Registrar) (obstructed bool) {
	obstructed = in.ObstructionScore > ObstructionLimit
	if in.ExternalDeviceDetected {
		_, _ = r.RegisterViolation(violation.ExternalCameraDetected, violation.CameraContext{FrameHash: in.FrameHash})
	}
	if obstructed {
		_, _ = r.RegisterViolation(violation.CameraObstructed, violation.CameraContext{Obstruction: in.ObstructionScore})
	}
	if in.PersonsDetected == 0 {
		_, _ = r.RegisterViolation(violation.CameraAbsent, nil)
	}
	return obstructed
}
