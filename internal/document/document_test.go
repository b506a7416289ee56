package document

import (
	"testing"
	"time"
)

func TestSessionLength(t *testing.T) {
	tests := []struct {
		name    string
		minutes int
		want    time.Duration
	}{
		{"configured", 12, 12 * time.Minute},
		{"zero falls back", 0, 30 * time.Minute},
		{"negative falls back", -5, 30 * time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &SecureDocument{Permissions: Permissions{MaxSessionMinutes: tt.minutes}}
			if got := d.SessionLength(); got != tt.want {
				t.Errorf("SessionLength() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSecurityLevelValid(t *testing.T) {
	for _, l := range []SecurityLevel{LevelLow, LevelMedium, LevelHigh, LevelMaximum} {
		if !l.Valid() {
			t.Errorf("%s should be valid", l)
		}
	}
	if SecurityLevel("EXTREME").Valid() {
		t.Error("EXTREME should not be valid")
	}
	d := &SecureDocument{Permissions: Permissions{SecurityLevel: LevelMaximum}}
	if !d.Maximum() {
		t.Error("Maximum() should be true")
	}
}
