package screen

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"viewguard/internal/violation"
)

type focusCall struct {
	hasFocus bool
	reason   string
}

type fakeSink struct {
	mu     sync.Mutex
	codes  []violation.Code
	fields []map[string]any
	focus  []focusCall
}

func (s *fakeSink) RegisterViolation(code violation.Code, ctx violation.Context) (violation.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes = append(s.codes, code)
	s.fields = append(s.fields, violation.FieldsOf(ctx))
	return violation.New(code, time.Now()), nil
}

func (s *fakeSink) SetFocus(hasFocus bool, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.focus = append(s.focus, focusCall{hasFocus, reason})
}

func (s *fakeSink) snapshot() ([]violation.Code, []focusCall) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]violation.Code(nil), s.codes...), append([]focusCall(nil), s.focus...)
}

type fakeProbe struct {
	mu    sync.Mutex
	state WindowState
	err   error
}

func (p *fakeProbe) set(s WindowState) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

func (p *fakeProbe) Probe() (WindowState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state, p.err
}

type fakeWiper struct {
	mu    sync.Mutex
	wipes int
}

func (w *fakeWiper) Wipe(string) error {
	w.mu.Lock()
	w.wipes++
	w.mu.Unlock()
	return nil
}

type chanFocus chan FocusEvent

func (c chanFocus) FocusChanges() <-chan FocusEvent { return c }

type chanInput chan InputEvent

func (c chanInput) Inputs() <-chan InputEvent { return c }

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		ev   InputEvent
		want []violation.Code
	}{
		{"F12", InputEvent{Key: "F12"}, []violation.Code{violation.DevtoolsAttempt}},
		{"ctrl shift I", InputEvent{Key: "I", Ctrl: true, Shift: true}, []violation.Code{violation.DevtoolsAttempt}},
		{"ctrl shift J", InputEvent{Key: "J", Ctrl: true, Shift: true}, []violation.Code{violation.DevtoolsAttempt}},
		{"ctrl shift C", InputEvent{Key: "C", Ctrl: true, Shift: true}, []violation.Code{violation.DevtoolsAttempt}},
		{"cmd alt i", InputEvent{Key: "i", Meta: true, Alt: true}, []violation.Code{violation.DevtoolsAttempt}},
		{"ctrl I alone", InputEvent{Key: "I", Ctrl: true}, nil},
		{"print screen", InputEvent{Key: "PrintScreen"}, []violation.Code{violation.ScreenshotAttempt}},
		{"ctrl shift s", InputEvent{Key: "s", Ctrl: true, Shift: true}, []violation.Code{violation.ScreenshotAttempt}},
		{"cmd shift S", InputEvent{Key: "S", Meta: true, Shift: true}, []violation.Code{violation.ScreenshotAttempt}},
		{"ctrl p", InputEvent{Key: "p", Ctrl: true}, []violation.Code{violation.PolicyBreach}},
		{"cmd P", InputEvent{Key: "P", Meta: true}, []violation.Code{violation.PolicyBreach}},
		{"alt tab", InputEvent{Key: "Tab", Alt: true}, []violation.Code{violation.FocusLoss}},
		{"right click", InputEvent{Kind: ContextMenu}, []violation.Code{violation.PolicyBreach}},
		{"plain key", InputEvent{Key: "a"}, nil},
		{"ctrl s", InputEvent{Key: "s", Ctrl: true}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []violation.Code
			for _, v := range Classify(tt.ev) {
				got = append(got, v.Code)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestClassifyContext(t *testing.T) {
	v := Classify(InputEvent{Key: "p", Ctrl: true})
	require.Len(t, v, 1)
	assert.Equal(t, map[string]any{"reason": "print_blocked"}, v[0].Context.Fields())

	v = Classify(InputEvent{Kind: ContextMenu})
	assert.Equal(t, map[string]any{"reason": "right_click_blocked"}, v[0].Context.Fields())

	v = Classify(InputEvent{Key: "PrintScreen"})
	assert.Equal(t, map[string]any{"via": "PrintScreen"}, v[0].Context.Fields())
}

func TestDevtoolsDocked(t *testing.T) {
	assert.False(t, DevtoolsDocked(WindowState{OuterWidth: 1200, InnerWidth: 1200, OuterHeight: 800, InnerHeight: 700}, 160))
	assert.False(t, DevtoolsDocked(WindowState{OuterWidth: 1360, InnerWidth: 1200}, 160))
	assert.True(t, DevtoolsDocked(WindowState{OuterWidth: 1361, InnerWidth: 1200}, 160))
	assert.True(t, DevtoolsDocked(WindowState{OuterHeight: 900, InnerHeight: 500}, 160))
}

func TestSharingTitle(t *testing.T) {
	kw := DefaultConfig().ShareKeywords
	assert.True(t, SharingTitle("Zoom Meeting", kw))
	assert.True(t, SharingTitle("Microsoft Teams - call", kw))
	assert.True(t, SharingTitle("OBS 30.1", kw))
	assert.False(t, SharingTitle("Quarterly report", kw))
}

func TestPollRisingEdge(t *testing.T) {
	sink := &fakeSink{}
	probe := &fakeProbe{}
	wiper := &fakeWiper{}
	c := New(Config{}, Platform{Probe: probe, Wiper: wiper}, sink, nil)

	docked := WindowState{OuterWidth: 1600, InnerWidth: 1200, OuterHeight: 900, InnerHeight: 880}
	closed := WindowState{OuterWidth: 1200, InnerWidth: 1200, OuterHeight: 900, InnerHeight: 880}

	probe.set(docked)
	c.Poll()
	c.Poll()
	probe.set(closed)
	c.Poll()
	probe.set(docked)
	c.Poll()

	codes, _ := sink.snapshot()
	assert.Equal(t, []violation.Code{violation.DevtoolsOpened, violation.DevtoolsOpened}, codes)
	assert.Equal(t, 2, wiper.wipes)
}

func TestPollScreenShare(t *testing.T) {
	sink := &fakeSink{}
	probe := &fakeProbe{}
	c := New(Config{}, Platform{Probe: probe}, sink, nil)

	probe.set(WindowState{Title: "Document - Google Meet"})
	c.Poll()
	c.Poll()
	probe.set(WindowState{Title: "Document"})
	c.Poll()

	codes, _ := sink.snapshot()
	assert.Equal(t, []violation.Code{violation.ScreenSharing}, codes)
}

func TestPollProbeError(t *testing.T) {
	sink := &fakeSink{}
	c := New(Config{}, Platform{Probe: &fakeProbe{err: errors.New("gone")}}, sink, nil)
	c.Poll()
	codes, _ := sink.snapshot()
	assert.Empty(t, codes)
}

func TestHandleFocus(t *testing.T) {
	sink := &fakeSink{}
	c := New(Config{}, Platform{}, sink, nil)

	c.HandleFocus(FocusEvent{Kind: FocusGained})
	c.HandleFocus(FocusEvent{Kind: FocusBlur})
	c.HandleFocus(FocusEvent{Kind: FocusGained})
	c.HandleFocus(FocusEvent{Kind: VisibilityHidden})
	c.HandleFocus(FocusEvent{Kind: VisibilityVisible})

	_, focus := sink.snapshot()
	assert.Equal(t, []focusCall{
		{false, "window_blur"},
		{true, ""},
		{false, "visibilitychange"},
		{true, ""},
	}, focus)
}

func TestStartStop(t *testing.T) {
	sink := &fakeSink{}
	focus := make(chanFocus, 1)
	input := make(chanInput, 1)
	probe := &fakeProbe{}
	probe.set(WindowState{Title: "zoom"})

	c := New(Config{PollInterval: 5 * time.Millisecond}, Platform{Focus: focus, Input: input, Probe: probe}, sink, nil)
	require.NoError(t, c.Start(context.Background()))
	assert.ErrorIs(t, c.Start(context.Background()), ErrAlreadyRunning)

	focus <- FocusEvent{Kind: FocusBlur}
	input <- InputEvent{Key: "F12"}

	require.Eventually(t, func() bool {
		codes, focus := sink.snapshot()
		return len(codes) == 2 && len(focus) == 1
	}, time.Second, time.Millisecond)

	c.Stop()
	codes, _ := sink.snapshot()
	assert.ElementsMatch(t, []violation.Code{violation.ScreenSharing, violation.DevtoolsAttempt}, codes)
}
