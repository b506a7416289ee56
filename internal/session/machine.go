package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"viewguard/internal/camera"
	"viewguard/internal/document"
	"viewguard/internal/violation"
)

// Revocation reasons.
const (
	ReasonPolicy  = "Session revoked due to policy violation."
	ReasonExpired = "Session expired."
)

// ViolationReport is sent to the monitor for every registered violation.
type ViolationReport struct {
	DocumentID string          `json:"documentId"`
	ViewerID   string          `json:"viewerId"`
	Violation  violation.Event `json:"violation"`
	Context    map[string]any  `json:"context,omitempty"`
	Evidence   *Evidence       `json:"evidence,omitempty"`
}

// HeartbeatReport proves the session is still alive.
type HeartbeatReport struct {
	SessionID  string `json:"sessionId"`
	DocumentID string `json:"documentId"`
	TamperHash string `json:"tamperHash"`
}

// LockRequest asks the server to lock the document for every viewer.
type LockRequest struct {
	DocumentID string           `json:"-"`
	Reason     string           `json:"reason"`
	Violation  *violation.Event `json:"violation,omitempty"`
	Context    map[string]any   `json:"context,omitempty"`
}

// Notifier delivers session telemetry. Calls are made from background
// goroutines; errors are logged and never retried by the machine.
type Notifier interface {
	Violation(ctx context.Context, r ViolationReport) error
	Heartbeat(ctx context.Context, r HeartbeatReport) error
	Log(ctx context.Context, l ActivityLog) error
	Revoke(ctx context.Context, reason string) error
	LockDocument(ctx context.Context, r LockRequest) error
}

// EvidenceFunc fetches best-effort evidence for a violation. A nil result
// with a nil error means nothing could be captured.
type EvidenceFunc func(ctx context.Context, code violation.Code) (*Evidence, error)

// Options configures a Machine. Every field is optional.
type Options struct {
	Notifier Notifier
	Evidence EvidenceFunc
	Logger   *slog.Logger
	Now      func() time.Time

	// OnViolation and OnRevoke observe the machine; they run synchronously
	// and must not call back into it.
	OnViolation func(violation.Event, bool)
	OnRevoke    func(reason string)
}

// Snapshot is a point-in-time copy of a machine.
type Snapshot struct {
	Status        Status            `json:"session"`
	State         State             `json:"state"`
	Logs          []ActivityLog     `json:"logs"`
	Violations    []violation.Event `json:"violations"`
	Camera        *camera.Insight   `json:"camera,omitempty"`
	RevokedReason string            `json:"revokedReason,omitempty"`
}

// Machine is the state machine for one viewing session.
type Machine struct {
	doc    *document.SecureDocument
	viewer document.ViewerProfile
	opts   Options
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	status        Status
	state         State
	violations    *Ring[violation.Event]
	logs          *Ring[ActivityLog]
	insight       *camera.Insight
	revokedReason string
	lockRequested bool
	revoked       chan struct{}
	started       bool

	bgMu   sync.Mutex
	closed bool
	stop   chan struct{}
	wg     sync.WaitGroup
	loop   sync.WaitGroup
}

// NewMachine builds a machine for status, which must already be persisted.
// The machine starts in INITIALIZING, or REVOKED when status is inactive.
func NewMachine(doc *document.SecureDocument, viewer document.ViewerProfile, status Status, opts Options) *Machine {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Machine{
		doc:        doc,
		viewer:     viewer,
		opts:       opts,
		logger:     opts.Logger.With("session", status.ID, "document", doc.DocumentID),
		ctx:        ctx,
		cancel:     cancel,
		status:     status,
		state:      StateInitializing,
		violations: NewRing[violation.Event](LogCapacity),
		logs:       NewRing[ActivityLog](LogCapacity),
		revoked:    make(chan struct{}),
		stop:       make(chan struct{}),
	}
	if !status.Active {
		m.state = StateRevoked
		close(m.revoked)
	}
	return m
}

// Ready marks the viewing surface as up. Fullscreen enforcement only applies
// after Ready.
func (m *Machine) Ready() {
	m.mu.Lock()
	if m.state == StateInitializing {
		m.state = StateActive
	}
	m.mu.Unlock()
}

// State returns the current lifecycle state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Active reports whether the session is still live.
func (m *Machine) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status.Active
}

// RegisterViolation records a violation, reports it, and revokes the session
// when policy demands. It returns ErrRevoked once the session has ended.
func (m *Machine) RegisterViolation(code violation.Code, vctx violation.Context) (violation.Event, error) {
	fields := violation.FieldsOf(vctx)

	m.mu.Lock()
	if !m.status.Active {
		m.mu.Unlock()
		return violation.Event{}, ErrRevoked
	}
	ev := violation.New(code, m.opts.Now())
	m.violations.Push(ev)
	revoke := ShouldRevoke(ev, m.doc)
	lock := revoke && !m.lockRequested
	if lock {
		m.lockRequested = true
	}
	m.mu.Unlock()

	m.logger.Info("violation registered", "code", ev.Code, "severity", ev.Severity, "revoke", revoke)
	if m.opts.OnViolation != nil {
		m.opts.OnViolation(ev, revoke)
	}

	m.reportViolation(ev, fields)

	logCtx := map[string]any{"code": string(code)}
	for k, v := range fields {
		logCtx[k] = v
	}
	m.pushLog(EventViolation, logCtx)

	if revoke {
		if lock {
			req := LockRequest{
				DocumentID: m.doc.DocumentID,
				Reason:     ev.Description,
				Violation:  &ev,
				Context:    fields,
			}
			m.notify("lock document", func(ctx context.Context, n Notifier) error {
				return n.LockDocument(ctx, req)
			})
		}
		m.KillSession(ReasonPolicy)
	}
	return ev, nil
}

// reportViolation fetches evidence in the background, attaches it to the
// logged event and then notifies the monitor.
func (m *Machine) reportViolation(ev violation.Event, fields map[string]any) {
	report := ViolationReport{
		DocumentID: m.doc.DocumentID,
		ViewerID:   m.viewer.ViewerID,
		Violation:  ev,
		Context:    fields,
	}
	if m.opts.Evidence == nil {
		m.notify("violation", func(ctx context.Context, n Notifier) error {
			return n.Violation(ctx, report)
		})
		return
	}
	m.background(func(ctx context.Context) {
		evidence, err := m.opts.Evidence(ctx, ev.Code)
		if err != nil {
			m.logger.Warn("evidence capture failed", "code", ev.Code, "error", err)
		}
		if evidence != nil && evidence.Photo != "" {
			m.mu.Lock()
			m.violations.Update(
				func(e violation.Event) bool { return e.ID == ev.ID },
				func(e *violation.Event) { e.EvidenceURL = evidence.Photo },
			)
			m.mu.Unlock()
			report.Violation.EvidenceURL = evidence.Photo
		}
		report.Evidence = evidence
		if m.opts.Notifier == nil {
			return
		}
		if err := m.opts.Notifier.Violation(ctx, report); err != nil {
			m.logger.Warn("violation notify failed", "error", err)
		}
	})
}

// KillSession ends the session. Only the first call has any effect.
func (m *Machine) KillSession(reason string) {
	m.mu.Lock()
	if !m.status.Active {
		m.mu.Unlock()
		return
	}
	m.status.Active = false
	m.state = StateRevoked
	m.revokedReason = reason
	close(m.revoked)
	m.mu.Unlock()

	m.logger.Warn("session revoked", "reason", reason)
	m.pushLog(EventSessionRevoked, map[string]any{"reason": reason})
	m.notify("revoke", func(ctx context.Context, n Notifier) error {
		return n.Revoke(ctx, reason)
	})
	if m.opts.OnRevoke != nil {
		m.opts.OnRevoke(reason)
	}
}

// Revoked is closed when the session ends.
func (m *Machine) Revoked() <-chan struct{} {
	return m.revoked
}

// HandleFocusChange records a focus transition from the viewing surface.
func (m *Machine) HandleFocusChange(hasFocus bool) {
	m.SetFocus(hasFocus, "focus_change")
}

// SetFocus records a focus transition. Losing focus registers FOCUS_LOSS
// tagged with reason; regaining it only clears the flag. A revoked session
// ignores it.
func (m *Machine) SetFocus(hasFocus bool, reason string) {
	m.mu.Lock()
	if !m.status.Active {
		m.mu.Unlock()
		return
	}
	m.status.FocusLost = !hasFocus
	switch {
	case hasFocus && m.state == StateFocusLost:
		m.state = StateActive
	case !hasFocus && m.state == StateActive:
		m.state = StateFocusLost
	}
	m.mu.Unlock()

	if !hasFocus {
		_, _ = m.RegisterViolation(violation.FocusLoss, violation.FocusContext{Reason: reason})
	}
}

// FullscreenExited handles leaving fullscreen. Before Ready it is ignored.
func (m *Machine) FullscreenExited() {
	m.mu.Lock()
	ready := m.state != StateInitializing
	if m.state == StateActive {
		m.state = StateFocusLost
	}
	m.mu.Unlock()

	if ready {
		_, _ = m.RegisterViolation(violation.PolicyBreach, violation.PolicyContext{Reason: "fullscreen_exit"})
	}
}

// FullscreenEntered handles returning to fullscreen.
func (m *Machine) FullscreenEntered() {
	m.mu.Lock()
	if m.state == StateFocusLost && !m.status.FocusLost {
		m.state = StateActive
	}
	m.mu.Unlock()
}

// UpdateCameraInsight stores the latest insight and applies the camera
// rules. It reports whether the lens is obstructed.
func (m *Machine) UpdateCameraInsight(in camera.Insight) bool {
	m.mu.Lock()
	m.insight = &in
	m.mu.Unlock()
	return camera.React(in, m)
}

// LogEvent appends an activity log entry and reports it.
func (m *Machine) LogEvent(kind EventKind, ctx map[string]any) {
	m.pushLog(kind, ctx)
}

func (m *Machine) pushLog(kind EventKind, ctx map[string]any) {
	entry := NewActivityLog(m.doc.DocumentID, m.viewer.ViewerID, kind, ctx, m.opts.Now())
	m.mu.Lock()
	m.logs.Push(entry)
	m.mu.Unlock()
	m.notify("log", func(ctx context.Context, n Notifier) error {
		return n.Log(ctx, entry)
	})
}

// Start runs the heartbeat until the session ends, ctx is done, or Close is
// called. It also revokes the session once it expires.
func (m *Machine) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started || !m.status.Active {
		m.mu.Unlock()
		return
	}
	m.started = true
	interval := m.status.Heartbeat()
	remaining := m.status.Remaining(m.opts.Now())
	m.mu.Unlock()

	m.bgMu.Lock()
	if m.closed {
		m.bgMu.Unlock()
		return
	}
	m.loop.Add(1)
	m.bgMu.Unlock()

	go func() {
		defer m.loop.Done()
		m.heartbeat(ctx, interval, remaining)
	}()
}

func (m *Machine) heartbeat(ctx context.Context, interval, remaining time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	expiry := time.NewTimer(remaining)
	defer expiry.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-m.revoked:
			return
		case <-expiry.C:
			m.KillSession(ReasonExpired)
			return
		case <-ticker.C:
			m.beat()
		}
	}
}

func (m *Machine) beat() {
	m.mu.Lock()
	if !m.status.Active {
		m.mu.Unlock()
		return
	}
	report := HeartbeatReport{
		SessionID:  m.status.ID,
		DocumentID: m.doc.DocumentID,
		TamperHash: m.status.TamperHash,
	}
	m.mu.Unlock()

	m.notify("heartbeat", func(ctx context.Context, n Notifier) error {
		return n.Heartbeat(ctx, report)
	})
	m.pushLog(EventHeartbeat, map[string]any{"tamperHash": report.TamperHash})
}

// Snapshot returns a copy of the machine's state.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Snapshot{
		Status:        m.status,
		State:         m.state,
		Logs:          m.logs.Items(),
		Violations:    m.violations.Items(),
		RevokedReason: m.revokedReason,
	}
	if m.insight != nil {
		in := *m.insight
		s.Camera = &in
	}
	return s
}

// Flush waits for outstanding notifications and evidence captures.
func (m *Machine) Flush() {
	m.wg.Wait()
}

// Close stops the heartbeat, lets reports already queued finish, then
// cancels the machine's context. Nothing is reported after Close returns.
func (m *Machine) Close() {
	m.bgMu.Lock()
	if m.closed {
		m.bgMu.Unlock()
		return
	}
	m.closed = true
	close(m.stop)
	m.bgMu.Unlock()

	m.loop.Wait()
	// Each queued report is bounded by the notifier's own timeout.
	m.wg.Wait()
	m.cancel()
}

func (m *Machine) background(fn func(ctx context.Context)) {
	m.bgMu.Lock()
	if m.closed {
		m.bgMu.Unlock()
		return
	}
	m.wg.Add(1)
	m.bgMu.Unlock()

	go func() {
		defer m.wg.Done()
		fn(m.ctx)
	}()
}

func (m *Machine) notify(what string, fn func(ctx context.Context, n Notifier) error) {
	if m.opts.Notifier == nil {
		return
	}
	m.background(func(ctx context.Context) {
		if err := fn(ctx, m.opts.Notifier); err != nil {
			m.logger.Warn("notify failed", "call", what, "error", err)
		}
	})
}
