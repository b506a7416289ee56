package main

import (
	"context"
	"log/slog"
	"maps"
	"sync"

	"viewguard/internal/eventbus"
	"viewguard/internal/logging"
)

// Liveness chatter stays out of the audit trail.
var auditSkip = map[eventbus.Type]bool{
	eventbus.SessionHeartbeat: true,
	eventbus.PresenceCaptured: true,
}

var auditResult = map[eventbus.Type]string{
	eventbus.DocumentCreated:        "created",
	eventbus.DocumentDeleted:        "deleted",
	eventbus.OTPVerified:            "granted",
	eventbus.Violation:              "violation",
	eventbus.ViewerIdentityCaptured: "verified",
	eventbus.SessionRevoked:         "revoked",
	eventbus.DocumentLocked:         "locked",
	eventbus.DocumentUnlocked:       "unlocked",
}

// auditSink writes security-relevant bus events to the audit log off the
// bus goroutine.
type auditSink struct {
	audit  *logging.AuditLogger
	logger *slog.Logger
	queue  chan eventbus.Event
	unsub  func()
	wg     sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	dropped int
}

func newAuditSink(bus *eventbus.Bus, audit *logging.AuditLogger, logger *slog.Logger, queue int) *auditSink {
	if queue <= 0 {
		queue = 256
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &auditSink{
		audit:  audit,
		logger: logger,
		queue:  make(chan eventbus.Event, queue),
	}
	s.wg.Add(1)
	go s.run()
	s.unsub = bus.Subscribe(s.enqueue)
	return s
}

func (s *auditSink) enqueue(ev eventbus.Event) {
	if auditSkip[ev.Type] {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.queue <- ev:
	default:
		s.dropped++
	}
}

func (s *auditSink) run() {
	defer s.wg.Done()
	for ev := range s.queue {
		if err := s.audit.Log(context.Background(), auditEvent(ev)); err != nil {
			s.logger.Warn("audit write failed", "type", ev.Type, "error", err)
		}
	}
}

// Dropped reports events lost to a full queue.
func (s *auditSink) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close unsubscribes and drains the queue.
func (s *auditSink) Close() {
	s.unsub()
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func auditEvent(ev eventbus.Event) logging.AuditEvent {
	details := maps.Clone(ev.Payload)
	out := logging.AuditEvent{
		Timestamp: ev.CreatedAt,
		Type:      string(ev.Type),
		Result:    auditResult[ev.Type],
		Details:   details,
	}
	if id, ok := details["documentId"].(string); ok {
		out.DocumentID = id
		delete(details, "documentId")
	}
	if id, ok := details["viewerId"].(string); ok {
		out.ViewerID = id
		delete(details, "viewerId")
	}
	if out.Result == "" {
		out.Result = "recorded"
	}
	return out
}
