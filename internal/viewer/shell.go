// Package viewer assembles one secure viewing surface: the camera and
// screen collectors, the snapshot broker, presence capture and geolocation,
// all driving a single session.Machine.
//
// A Shell is started once and closed once. Close tears everything down in
// dependency order; no collector callback, notification or presence report
// fires after it returns.
package viewer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"viewguard/internal/camera"
	"viewguard/internal/document"
	"viewguard/internal/eventbus"
	"viewguard/internal/metrics"
	"viewguard/internal/presence"
	"viewguard/internal/screen"
	"viewguard/internal/session"
	"viewguard/internal/snapshot"
	"viewguard/internal/violation"
	"viewguard/internal/watermark"
)

// ReasonDocumentLocked ends sessions whose document the owner locked.
const ReasonDocumentLocked = "Document locked by owner."

var (
	// ErrGeolocationDenied is returned by a Geolocator the viewer refused.
	ErrGeolocationDenied = errors.New("viewer: geolocation denied")
	// ErrGeolocationUnavailable is returned when no position source exists.
	ErrGeolocationUnavailable = errors.New("viewer: geolocation unavailable")
	// ErrStarted is returned by a second Start.
	ErrStarted = errors.New("viewer: already started")
)

// Geolocator resolves the viewer's position.
type Geolocator interface {
	Locate(ctx context.Context) (*session.Location, error)
}

// PresenceSink receives presence captures; notify.Client implements it.
type PresenceSink interface {
	Presence(ctx context.Context, c presence.Capture) error
}

// Config tunes a Shell.
type Config struct {
	Camera camera.Config
	Screen screen.Config

	// SnapshotTimeout bounds a single broker capture.
	SnapshotTimeout time.Duration
	// GeoTimeout bounds the position fix.
	GeoTimeout time.Duration
	// ReportTimeout bounds a presence report.
	ReportTimeout time.Duration
}

// DefaultConfig returns the reference timeouts.
func DefaultConfig() Config {
	return Config{
		Camera:          camera.DefaultConfig(),
		Screen:          screen.DefaultConfig(),
		SnapshotTimeout: 5 * time.Second,
		GeoTimeout:      5 * time.Second,
		ReportTimeout:   5 * time.Second,
	}
}

// Deps are the collaborators of a Shell. Document and Status are required;
// a nil Camera, Geolocator or Presence disables that signal.
type Deps struct {
	Document *document.SecureDocument
	Viewer   document.ViewerProfile
	Status   session.Status

	Camera     camera.Source
	Detector   camera.Detector
	Platform   screen.Platform
	Geolocator Geolocator
	Notifier   session.Notifier
	Presence   PresenceSink
	Bus        *eventbus.Bus
	Metrics    *metrics.EngineMetrics
	Logger     *slog.Logger
}

// Shell is one running viewing surface.
type Shell struct {
	config Config
	deps   Deps
	doc    *document.SecureDocument
	logger *slog.Logger

	machine *session.Machine
	camera  *camera.Collector
	broker  *snapshot.Broker
	screen  *screen.Collector

	mu         sync.Mutex
	started    bool
	closed     bool
	obstructed bool
	location   *session.Location
	cancel     context.CancelFunc
	unsub      func()
	wg         sync.WaitGroup
}

// New wires a Shell. Nothing runs until Start.
func New(cfg Config, deps Deps) (*Shell, error) {
	if deps.Document == nil {
		return nil, fmt.Errorf("viewer: document is required")
	}
	if deps.Camera != nil && deps.Detector == nil && deps.Document.Policies.CameraEnforcement {
		return nil, fmt.Errorf("viewer: camera enforcement needs a detector")
	}
	def := DefaultConfig()
	if cfg.SnapshotTimeout <= 0 {
		cfg.SnapshotTimeout = def.SnapshotTimeout
	}
	if cfg.GeoTimeout <= 0 {
		cfg.GeoTimeout = def.GeoTimeout
	}
	if cfg.ReportTimeout <= 0 {
		cfg.ReportTimeout = def.ReportTimeout
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	logger = logger.With("component", "viewer", "document", deps.Document.DocumentID)

	s := &Shell{
		config: cfg,
		deps:   deps,
		doc:    deps.Document,
		logger: logger,
	}

	if deps.Camera != nil {
		s.camera = camera.New(deps.Camera, deps.Detector, cfg.Camera, logger)
		s.camera.OnDegraded = func(streak int, err error) {
			s.machine.LogEvent(session.EventCameraState, map[string]any{"state": "degraded", "failures": streak, "error": err.Error()})
		}
		s.camera.OnRecovered = func() {
			s.machine.LogEvent(session.EventCameraState, map[string]any{"state": "recovered"})
		}
		s.broker = snapshot.New(s.camera, cfg.SnapshotTimeout, logger)
	} else {
		s.broker = snapshot.New(snapshot.CaptureFunc(func() (string, string, error) {
			return "", "", camera.ErrCameraUnavailable
		}), cfg.SnapshotTimeout, logger)
	}

	s.machine = session.NewMachine(deps.Document, deps.Viewer, deps.Status, session.Options{
		Notifier:    deps.Notifier,
		Evidence:    s.evidence,
		Logger:      logger,
		OnViolation: s.onViolation,
		OnRevoke:    s.onRevoke,
	})
	s.screen = screen.New(cfg.Screen, deps.Platform, s.machine, logger)
	return s, nil
}

// Machine returns the session state machine.
func (s *Shell) Machine() *session.Machine {
	return s.machine
}

// Start brings the surface up. Camera denial is not fatal: it is reported
// as a camera state change and, under camera enforcement, as CAMERA_ABSENT.
func (s *Shell) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started || s.closed {
		s.mu.Unlock()
		return ErrStarted
	}
	s.started = true
	ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.machine.Start(ctx)
	s.machine.LogEvent(session.EventViewerOpened, map[string]any{"viewerId": s.deps.Viewer.ViewerID})

	policies := s.doc.Policies
	switch {
	case policies.CameraEnforcement:
		s.startCamera(ctx, func(ctx context.Context) error {
			if s.camera == nil {
				return camera.ErrCameraUnavailable
			}
			return s.camera.Start(ctx, s.onInsight)
		})
	case policies.CaptureReaderPhoto && s.camera != nil:
		s.startCamera(ctx, s.camera.Open)
	}

	if err := s.screen.Start(ctx); err != nil {
		return fmt.Errorf("start screen collector: %w", err)
	}
	if s.deps.Bus != nil {
		unsub := s.deps.Bus.Subscribe(s.onBusEvent)
		s.mu.Lock()
		s.unsub = unsub
		s.mu.Unlock()
	}
	s.machine.Ready()

	if policies.LocationTracking {
		s.spawn(ctx, s.locate)
	}
	if policies.CaptureReaderPhoto {
		s.spawn(ctx, s.presencePhoto)
	}
	s.spawn(ctx, s.watchRevocation)
	return nil
}

func (s *Shell) startCamera(ctx context.Context, start func(context.Context) error) {
	err := start(ctx)
	if err == nil {
		s.machine.LogEvent(session.EventCameraState, map[string]any{"state": "active"})
		return
	}
	s.logger.Warn("camera unavailable", "error", err)
	s.machine.LogEvent(session.EventCameraState, map[string]any{"state": "unavailable", "error": err.Error()})
	s.spawn(ctx, func(ctx context.Context) {
		s.report(ctx, presence.Capture{Reason: presence.ReasonCameraUnavailable})
	})
	if s.doc.Policies.CameraEnforcement {
		_, _ = s.machine.RegisterViolation(violation.CameraAbsent, violation.PolicyContext{Reason: "camera_unavailable"})
	}
}

func (s *Shell) spawn(ctx context.Context, fn func(ctx context.Context)) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		fn(ctx)
	}()
}

func (s *Shell) onInsight(in camera.Insight) {
	obstructed := s.machine.UpdateCameraInsight(in)
	s.mu.Lock()
	s.obstructed = obstructed
	s.mu.Unlock()
}

// Obstructed reports whether the last insight showed a covered lens.
func (s *Shell) Obstructed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.obstructed
}

func (s *Shell) onViolation(ev violation.Event, revoked bool) {
	if m := s.deps.Metrics; m != nil {
		m.ViolationsTotal.Inc()
	}
	s.logger.Info("violation", "code", ev.Code, "severity", ev.Severity, "revoke", revoked)
}

func (s *Shell) onRevoke(reason string) {
	if m := s.deps.Metrics; m != nil {
		m.RevocationsTotal.Inc()
	}
}

// watchRevocation stops sampling once the session ends.
func (s *Shell) watchRevocation(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-s.machine.Revoked():
		s.screen.Stop()
		if s.camera != nil {
			if err := s.camera.Stop(); err != nil {
				s.logger.Debug("camera release failed", "error", err)
			}
		}
	}
}

func (s *Shell) onBusEvent(ev eventbus.Event) {
	if ev.Type != eventbus.DocumentLocked {
		return
	}
	if id, _ := ev.Payload["documentId"].(string); id == s.doc.DocumentID {
		s.machine.KillSession(ReasonDocumentLocked)
	}
}

// evidence is the machine's EvidenceFunc: a broker capture plus the last
// known location.
func (s *Shell) evidence(ctx context.Context, code violation.Code) (*session.Evidence, error) {
	res, err := s.capture(ctx, snapshot.ReasonViolation, map[string]any{"code": string(code)})
	if err != nil || res == nil || res.Photo == "" {
		return nil, err
	}
	return &session.Evidence{Photo: res.Photo, FrameHash: res.FrameHash, Location: s.lastLocation()}, nil
}

func (s *Shell) capture(ctx context.Context, reason snapshot.Reason, meta map[string]any) (*snapshot.Result, error) {
	if m := s.deps.Metrics; m != nil {
		m.SnapshotQueueDepth.Inc()
		defer m.SnapshotQueueDepth.Dec()
	}
	res, err := s.broker.Request(ctx, reason, meta)
	if errors.Is(err, snapshot.ErrClosed) {
		return nil, nil
	}
	return res, err
}

func (s *Shell) presencePhoto(ctx context.Context) {
	res, err := s.capture(ctx, snapshot.ReasonPresence, nil)
	if err != nil || res == nil || res.Photo == "" {
		return
	}
	s.report(ctx, presence.Capture{Photo: res.Photo, FrameHash: res.FrameHash, Reason: presence.ReasonPhoto})
}

func (s *Shell) locate(ctx context.Context) {
	if s.deps.Geolocator == nil {
		s.report(ctx, presence.Capture{Reason: presence.ReasonGeolocationUnavailable})
		return
	}
	gctx, cancel := context.WithTimeout(ctx, s.config.GeoTimeout)
	loc, err := s.deps.Geolocator.Locate(gctx)
	cancel()

	switch {
	case ctx.Err() != nil:
		return
	case errors.Is(err, ErrGeolocationUnavailable):
		s.report(ctx, presence.Capture{Reason: presence.ReasonGeolocationUnavailable})
		return
	case err != nil || loc == nil:
		s.logger.Debug("geolocation failed", "error", err)
		s.report(ctx, presence.Capture{Reason: presence.ReasonGeolocationDenied})
		return
	}

	if loc.CapturedAt.IsZero() {
		loc.CapturedAt = time.Now().UTC()
	}
	s.mu.Lock()
	s.location = loc
	s.mu.Unlock()
	s.report(ctx, presence.Capture{Location: loc, Reason: presence.ReasonGeolocation})
}

func (s *Shell) lastLocation() *session.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.location == nil {
		return nil
	}
	l := *s.location
	return &l
}

// report sends c, falling back to the last known location.
func (s *Shell) report(ctx context.Context, c presence.Capture) {
	if s.deps.Presence == nil || ctx.Err() != nil {
		return
	}
	c.DocumentID = s.doc.DocumentID
	if c.Location == nil {
		c.Location = s.lastLocation()
	}
	rctx, cancel := context.WithTimeout(ctx, s.config.ReportTimeout)
	defer cancel()
	if err := s.deps.Presence.Presence(rctx, c); err != nil {
		s.logger.Warn("presence sync failed", "reason", c.Reason, "error", err)
	}
}

// Watermark renders the overlay for now, or an empty payload when the
// document does not ask for one.
func (s *Shell) Watermark(now time.Time) watermark.Payload {
	if !s.doc.Policies.Watermarking {
		return watermark.Payload{}
	}
	return watermark.Build(s.doc, s.machine.Snapshot().Status, s.deps.Viewer, now)
}

// Close tears the surface down and waits for every background task.
func (s *Shell) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	cancel, unsub := s.cancel, s.unsub
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if unsub != nil {
		unsub()
	}
	s.screen.Stop()
	s.broker.Close()
	s.wg.Wait()
	if s.camera != nil {
		if err := s.camera.Stop(); err != nil {
			s.logger.Debug("camera release failed", "error", err)
		}
	}
	s.machine.LogEvent(session.EventViewerClosed, nil)
	s.machine.Close()
}
