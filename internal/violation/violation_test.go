package violation

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEveryCodeHasDescription(t *testing.T) {
	require.Len(t, Codes, 15)
	for _, c := range Codes {
		assert.True(t, c.Valid(), "code %s", c)
		assert.NotEqual(t, string(c), Describe(c), "code %s should have a description", c)
	}
}

func TestClassify(t *testing.T) {
	for _, c := range Codes {
		want := SeverityHigh
		if c == ExternalCameraDetected {
			want = SeverityCritical
		}
		assert.Equal(t, want, Classify(c), "code %s", c)
	}
}

func TestParseCode(t *testing.T) {
	c, err := ParseCode("FOCUS_LOSS")
	require.NoError(t, err)
	assert.Equal(t, FocusLoss, c)

	_, err = ParseCode("focus_loss")
	assert.True(t, errors.Is(err, ErrUnknownCode))
}

func TestDescribeUnknown(t *testing.T) {
	assert.Equal(t, "NOT_A_CODE", Describe(Code("NOT_A_CODE")))
}

func TestNewEvent(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	ev := New(ExternalCameraDetected, now)

	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, SeverityCritical, ev.Severity)
	assert.Equal(t, "External phone or camera aimed at the screen.", ev.Description)
	assert.Equal(t, now, ev.CreatedAt)
	assert.NotEqual(t, ev.ID, New(ExternalCameraDetected, now).ID)
}

func TestContextFields(t *testing.T) {
	tests := []struct {
		name string
		ctx  Context
		want map[string]any
	}{
		{"nil", nil, map[string]any{}},
		{"focus", FocusContext{Reason: "alt_tab"}, map[string]any{"reason": "alt_tab"}},
		{"key", KeyContext{Via: "PrintScreen"}, map[string]any{"via": "PrintScreen"}},
		{"policy", PolicyContext{Reason: "fullscreen_exit"}, map[string]any{"reason": "fullscreen_exit"}},
		{"camera", CameraContext{FrameHash: "ab", Obstruction: 0.5}, map[string]any{"frameHash": "ab", "obstruction": 0.5}},
		{"meta", Meta{"x": 1}, map[string]any{"x": 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FieldsOf(tt.ctx))
		})
	}
}
