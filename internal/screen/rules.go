package screen

import (
	"strings"

	"viewguard/internal/violation"
)

// Verdict is a violation matched from an input event.
type Verdict struct {
	Code    violation.Code
	Context violation.Context
}

// Classify maps an input event to the violations it triggers. A developer
// tools shortcut is reported alone; the other rules are independent.
func Classify(ev InputEvent) []Verdict {
	if ev.Kind == ContextMenu {
		return []Verdict{{violation.PolicyBreach, violation.PolicyContext{Reason: "right_click_blocked"}}}
	}

	if devtoolsShortcut(ev) {
		return []Verdict{{violation.DevtoolsAttempt, violation.KeyContext{Key: ev.Key}}}
	}

	var out []Verdict
	if ev.Key == "PrintScreen" || ((ev.Ctrl || ev.Meta) && ev.Shift && strings.EqualFold(ev.Key, "s")) {
		out = append(out, Verdict{violation.ScreenshotAttempt, violation.KeyContext{Via: ev.Key}})
	}
	if (ev.Ctrl || ev.Meta) && strings.EqualFold(ev.Key, "p") {
		out = append(out, Verdict{violation.PolicyBreach, violation.PolicyContext{Reason: "print_blocked"}})
	}
	if ev.Alt && ev.Key == "Tab" {
		out = append(out, Verdict{violation.FocusLoss, violation.FocusContext{Reason: "alt_tab"}})
	}
	return out
}

func devtoolsShortcut(ev InputEvent) bool {
	if ev.Key == "F12" {
		return true
	}
	k := strings.ToUpper(ev.Key)
	if k != "I" && k != "J" && k != "C" {
		return false
	}
	return (ev.Ctrl && ev.Shift) || (ev.Meta && ev.Alt)
}

// DevtoolsDocked reports whether the chrome gap implies a docked developer
// tools panel.
func DevtoolsDocked(s WindowState, gap int) bool {
	return s.OuterWidth-s.InnerWidth > gap || s.OuterHeight-s.InnerHeight > gap
}

// SharingTitle reports whether title names a known screen-share tool.
func SharingTitle(title string, keywords []string) bool {
	t := strings.ToLower(title)
	for _, k := range keywords {
		if strings.Contains(t, k) {
			return true
		}
	}
	return false
}
