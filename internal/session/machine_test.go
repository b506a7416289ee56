package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"viewguard/internal/camera"
	"viewguard/internal/document"
	"viewguard/internal/violation"
)

type fakeNotifier struct {
	mu         sync.Mutex
	violations []ViolationReport
	heartbeats []HeartbeatReport
	logs       []ActivityLog
	revokes    []string
	locks      []LockRequest
	err        error
}

func (f *fakeNotifier) Violation(_ context.Context, r ViolationReport) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.violations = append(f.violations, r)
	return f.err
}

func (f *fakeNotifier) Heartbeat(_ context.Context, r HeartbeatReport) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats = append(f.heartbeats, r)
	return f.err
}

func (f *fakeNotifier) Log(_ context.Context, l ActivityLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, l)
	return f.err
}

func (f *fakeNotifier) Revoke(_ context.Context, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revokes = append(f.revokes, reason)
	return f.err
}

func (f *fakeNotifier) LockDocument(_ context.Context, r LockRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.locks = append(f.locks, r)
	return f.err
}

func (f *fakeNotifier) counts() (violations, heartbeats, revokes, locks int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.violations), len(f.heartbeats), len(f.revokes), len(f.locks)
}

func testDoc(level document.SecurityLevel) *document.SecureDocument {
	return &document.SecureDocument{
		DocumentID: "doc-1",
		OwnerID:    "owner-1",
		Title:      "Quarterly",
		Permissions: document.Permissions{
			SecurityLevel:     level,
			MaxSessionMinutes: 15,
		},
	}
}

func testViewer() document.ViewerProfile {
	return document.ViewerProfile{ViewerID: "viewer-1", Device: document.Device{IPAddress: "10.0.0.1"}}
}

func newTestMachine(t *testing.T, level document.SecurityLevel, opts Options) (*Machine, *fakeNotifier) {
	t.Helper()
	n := &fakeNotifier{}
	if opts.Notifier == nil {
		opts.Notifier = n
	}
	doc := testDoc(level)
	status := NewStatus(doc, "viewer-1", TamperKey("secret"), time.Now())
	m := NewMachine(doc, testViewer(), status, opts)
	t.Cleanup(m.Close)
	return m, n
}

func TestObstructionSequenceKeepsSessionActive(t *testing.T) {
	m, _ := newTestMachine(t, document.LevelHigh, Options{})
	m.Ready()

	var obstructed []bool
	for _, score := range []float64{0.1, 0.5, 0.1} {
		obstructed = append(obstructed, m.UpdateCameraInsight(camera.Insight{PersonsDetected: 1, ObstructionScore: score}))
	}
	assert.Equal(t, []bool{false, true, false}, obstructed)

	snap := m.Snapshot()
	require.Len(t, snap.Violations, 1)
	assert.Equal(t, violation.CameraObstructed, snap.Violations[0].Code)
	assert.Equal(t, violation.SeverityHigh, snap.Violations[0].Severity)
	assert.True(t, snap.Status.Active)
	assert.Equal(t, StateActive, snap.State)
	require.NotNil(t, snap.Camera)
	assert.Equal(t, 0.1, snap.Camera.ObstructionScore)
}

func TestExternalDeviceRevokesWithinCall(t *testing.T) {
	for _, level := range []document.SecurityLevel{document.LevelLow, document.LevelMedium, document.LevelHigh, document.LevelMaximum} {
		t.Run(string(level), func(t *testing.T) {
			m, n := newTestMachine(t, level, Options{})
			m.Ready()

			m.UpdateCameraInsight(camera.Insight{PersonsDetected: 1, ExternalDeviceDetected: true, FrameHash: "abc"})

			assert.False(t, m.Active())
			assert.Equal(t, StateRevoked, m.State())
			snap := m.Snapshot()
			require.Len(t, snap.Violations, 1)
			assert.Equal(t, violation.ExternalCameraDetected, snap.Violations[0].Code)
			assert.Equal(t, violation.SeverityCritical, snap.Violations[0].Severity)
			assert.Equal(t, ReasonPolicy, snap.RevokedReason)

			m.Flush()
			_, _, revokes, locks := n.counts()
			assert.Equal(t, 1, revokes)
			assert.Equal(t, 1, locks)
			assert.Equal(t, "doc-1", n.locks[0].DocumentID)
			assert.Equal(t, violation.Describe(violation.ExternalCameraDetected), n.locks[0].Reason)
		})
	}
}

func TestMaximumRevokesOnFocusLoss(t *testing.T) {
	m, _ := newTestMachine(t, document.LevelMaximum, Options{})
	m.Ready()

	ev, err := m.RegisterViolation(violation.FocusLoss, violation.FocusContext{Reason: "window_blur"})
	require.NoError(t, err)
	assert.Equal(t, violation.SeverityHigh, ev.Severity)
	assert.False(t, m.Active())
}

func TestHighSeverityDoesNotRevokeBelowMaximum(t *testing.T) {
	m, _ := newTestMachine(t, document.LevelHigh, Options{})
	for _, code := range violation.Codes {
		if code == violation.ExternalCameraDetected {
			continue
		}
		_, err := m.RegisterViolation(code, nil)
		require.NoError(t, err)
	}
	assert.True(t, m.Active())
}

func TestRevocationIsMonotonic(t *testing.T) {
	m, n := newTestMachine(t, document.LevelMaximum, Options{})

	_, err := m.RegisterViolation(violation.ScreenshotAttempt, nil)
	require.NoError(t, err)
	require.False(t, m.Active())

	_, err = m.RegisterViolation(violation.ExternalCameraDetected, nil)
	assert.ErrorIs(t, err, ErrRevoked)
	m.KillSession("again")
	m.HandleFocusChange(true)

	snap := m.Snapshot()
	assert.False(t, snap.Status.Active)
	assert.Len(t, snap.Violations, 1)
	assert.Equal(t, ReasonPolicy, snap.RevokedReason)

	revoked := 0
	for _, l := range snap.Logs {
		if l.Event == EventSessionRevoked {
			revoked++
		}
	}
	assert.Equal(t, 1, revoked)

	m.Flush()
	_, _, revokes, locks := n.counts()
	assert.Equal(t, 1, revokes)
	assert.Equal(t, 1, locks)

	select {
	case <-m.Revoked():
	default:
		t.Fatal("revoked channel not closed")
	}
}

func TestConcurrentRevocationHappensOnce(t *testing.T) {
	var mu sync.Mutex
	var reasons []string
	m, _ := newTestMachine(t, document.LevelLow, Options{
		OnRevoke: func(reason string) {
			mu.Lock()
			reasons = append(reasons, reason)
			mu.Unlock()
		},
	})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = m.RegisterViolation(violation.ExternalCameraDetected, nil)
		}()
	}
	wg.Wait()

	assert.Len(t, reasons, 1)
	assert.False(t, m.Active())
}

func TestLogsAreCapped(t *testing.T) {
	m, _ := newTestMachine(t, document.LevelLow, Options{})
	for i := 0; i < LogCapacity+8; i++ {
		_, err := m.RegisterViolation(violation.ScreenshotAttempt, violation.KeyContext{Via: "PrintScreen"})
		require.NoError(t, err)
	}
	snap := m.Snapshot()
	assert.Len(t, snap.Violations, LogCapacity)
	assert.Len(t, snap.Logs, LogCapacity)
	assert.Equal(t, "PrintScreen", snap.Logs[0].Context["via"])
	assert.Equal(t, "SCREENSHOT_ATTEMPT", snap.Logs[0].Context["code"])
}

func TestEvidenceAttached(t *testing.T) {
	m, n := newTestMachine(t, document.LevelLow, Options{
		Evidence: func(_ context.Context, code violation.Code) (*Evidence, error) {
			return &Evidence{Photo: "data:image/jpeg;base64,AAAA", FrameHash: "hash"}, nil
		},
	})

	ev, err := m.RegisterViolation(violation.MultiPerson, nil)
	require.NoError(t, err)
	m.Flush()

	snap := m.Snapshot()
	require.Len(t, snap.Violations, 1)
	assert.Equal(t, ev.ID, snap.Violations[0].ID)
	assert.Equal(t, "data:image/jpeg;base64,AAAA", snap.Violations[0].EvidenceURL)

	require.Len(t, n.violations, 1)
	require.NotNil(t, n.violations[0].Evidence)
	assert.Equal(t, "hash", n.violations[0].Evidence.FrameHash)
	assert.Equal(t, "data:image/jpeg;base64,AAAA", n.violations[0].Violation.EvidenceURL)
}

func TestEvidenceFailureStillAppliesPolicy(t *testing.T) {
	m, n := newTestMachine(t, document.LevelMaximum, Options{
		Evidence: func(context.Context, violation.Code) (*Evidence, error) {
			return nil, errors.New("camera gone")
		},
	})

	_, err := m.RegisterViolation(violation.NoLiveness, nil)
	require.NoError(t, err)
	assert.False(t, m.Active())

	m.Flush()
	violations, _, _, _ := n.counts()
	assert.Equal(t, 1, violations)
	assert.Empty(t, m.Snapshot().Violations[0].EvidenceURL)
}

func TestNotifierFailureIsSwallowed(t *testing.T) {
	n := &fakeNotifier{err: errors.New("sink down")}
	m, _ := newTestMachine(t, document.LevelLow, Options{Notifier: n})

	_, err := m.RegisterViolation(violation.ScreenSharing, nil)
	assert.NoError(t, err)
	m.Flush()
	assert.True(t, m.Active())
}

func TestFocusTransitions(t *testing.T) {
	m, _ := newTestMachine(t, document.LevelHigh, Options{})
	m.Ready()

	m.HandleFocusChange(false)
	snap := m.Snapshot()
	assert.Equal(t, StateFocusLost, snap.State)
	assert.True(t, snap.Status.FocusLost)
	require.Len(t, snap.Violations, 1)
	assert.Equal(t, violation.FocusLoss, snap.Violations[0].Code)
	assert.Equal(t, "focus_change", snap.Logs[0].Context["reason"])

	m.HandleFocusChange(true)
	snap = m.Snapshot()
	assert.Equal(t, StateActive, snap.State)
	assert.False(t, snap.Status.FocusLost)
	assert.Len(t, snap.Violations, 1, "regaining focus keeps the logged violation")
}

func TestFocusIgnoredAfterRevocation(t *testing.T) {
	m, _ := newTestMachine(t, document.LevelMaximum, Options{})
	m.Ready()

	m.HandleFocusChange(false)
	require.False(t, m.Active())
	snap := m.Snapshot()
	assert.Equal(t, StateRevoked, snap.State)
	assert.True(t, snap.Status.FocusLost)

	m.HandleFocusChange(true)
	snap = m.Snapshot()
	assert.Equal(t, StateRevoked, snap.State)
	assert.True(t, snap.Status.FocusLost, "revoked status is frozen")
	assert.Len(t, snap.Violations, 1)
}

func TestFullscreen(t *testing.T) {
	m, _ := newTestMachine(t, document.LevelHigh, Options{})

	m.FullscreenExited()
	assert.Empty(t, m.Snapshot().Violations, "ignored before ready")
	assert.Equal(t, StateInitializing, m.State())

	m.Ready()
	m.FullscreenExited()
	snap := m.Snapshot()
	assert.Equal(t, StateFocusLost, snap.State)
	require.Len(t, snap.Violations, 1)
	assert.Equal(t, violation.PolicyBreach, snap.Violations[0].Code)
	assert.Equal(t, "fullscreen_exit", snap.Logs[0].Context["reason"])

	m.FullscreenEntered()
	assert.Equal(t, StateActive, m.State())
}

func TestHeartbeat(t *testing.T) {
	n := &fakeNotifier{}
	doc := testDoc(document.LevelHigh)
	status := NewStatus(doc, "viewer-1", TamperKey("secret"), time.Now())
	status.HeartbeatMs = 10
	m := NewMachine(doc, testViewer(), status, Options{Notifier: n})
	defer m.Close()

	m.Start(context.Background())
	require.Eventually(t, func() bool {
		_, hb, _, _ := n.counts()
		return hb >= 2
	}, time.Second, 5*time.Millisecond)

	n.mu.Lock()
	assert.Equal(t, status.TamperHash, n.heartbeats[0].TamperHash)
	assert.Equal(t, status.ID, n.heartbeats[0].SessionID)
	n.mu.Unlock()

	m.KillSession("done")
	m.Close()
	_, before, _, _ := n.counts()
	time.Sleep(50 * time.Millisecond)
	_, after, _, _ := n.counts()
	assert.Equal(t, before, after, "no heartbeats after revocation")
}

func TestExpiryRevokes(t *testing.T) {
	doc := testDoc(document.LevelHigh)
	status := NewStatus(doc, "viewer-1", nil, time.Now())
	status.ExpiresAt = time.Now().Add(30 * time.Millisecond)
	m := NewMachine(doc, testViewer(), status, Options{})
	defer m.Close()

	m.Start(context.Background())
	require.Eventually(t, func() bool { return !m.Active() }, time.Second, 5*time.Millisecond)
	assert.Equal(t, ReasonExpired, m.Snapshot().RevokedReason)
}

func TestInactiveStatusStartsRevoked(t *testing.T) {
	doc := testDoc(document.LevelHigh)
	status := NewStatus(doc, "viewer-1", nil, time.Now())
	status.Active = false
	m := NewMachine(doc, testViewer(), status, Options{})
	defer m.Close()

	assert.Equal(t, StateRevoked, m.State())
	_, err := m.RegisterViolation(violation.FocusLoss, nil)
	assert.ErrorIs(t, err, ErrRevoked)
}

func TestCloseStopsReporting(t *testing.T) {
	m, n := newTestMachine(t, document.LevelHigh, Options{})
	m.Close()

	_, err := m.RegisterViolation(violation.ScreenSharing, nil)
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)
	violations, _, _, _ := n.counts()
	assert.Zero(t, violations)
}

// slowNotifier delays each log delivery and records whether its context was
// still live when the call completed.
type slowNotifier struct {
	fakeNotifier
	delay time.Duration

	mu       sync.Mutex
	canceled map[EventKind]bool
}

func (s *slowNotifier) Log(ctx context.Context, l ActivityLog) error {
	time.Sleep(s.delay)
	s.mu.Lock()
	s.canceled[l.Event] = ctx.Err() != nil
	s.mu.Unlock()
	return s.fakeNotifier.Log(ctx, l)
}

func TestCloseDeliversQueuedReports(t *testing.T) {
	n := &slowNotifier{delay: 5 * time.Millisecond, canceled: map[EventKind]bool{}}
	m, _ := newTestMachine(t, document.LevelHigh, Options{Notifier: n})

	m.LogEvent(EventViewerClosed, nil)
	m.Close()

	n.mu.Lock()
	defer n.mu.Unlock()
	canceled, delivered := n.canceled[EventViewerClosed]
	require.True(t, delivered)
	assert.False(t, canceled, "close log is sent before the context is cancelled")
}
