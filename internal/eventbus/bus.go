// Package eventbus fans system events out to in-process subscribers: the
// owner console's push stream and, optionally, a Kafka topic.
//
// A single Bus is created at startup and handed to every producer and to
// the stream endpoint.
package eventbus

import (
	"log/slog"
	"sync"
	"time"
)

// Type names a system event.
type Type string

// Event types.
const (
	DocumentCreated        Type = "DOCUMENT_CREATED"
	DocumentDeleted        Type = "DOCUMENT_DELETED"
	OTPVerified            Type = "OTP_VERIFIED"
	SessionHeartbeat       Type = "SESSION_HEARTBEAT"
	Violation              Type = "VIOLATION"
	PresenceCaptured       Type = "PRESENCE_CAPTURED"
	ViewerIdentityCaptured Type = "VIEWER_IDENTITY_CAPTURED"
	SessionRevoked         Type = "SESSION_REVOKED_EVENT"
	DocumentLocked         Type = "DOCUMENT_LOCKED"
	DocumentUnlocked       Type = "DOCUMENT_UNLOCKED"

	// Stream control frames; never emitted on the bus.
	Ready     Type = "READY"
	Heartbeat Type = "HEARTBEAT"
)

// Event is one system event.
type Event struct {
	Type      Type           `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// New stamps an event with the current time.
func New(t Type, payload map[string]any) Event {
	return Event{Type: t, Payload: payload, CreatedAt: time.Now().UTC()}
}

// Handler receives events. It is called synchronously from Emit and must
// not block.
type Handler func(Event)

// Bus is a synchronous publish/subscribe hub.
type Bus struct {
	logger *slog.Logger

	mu   sync.RWMutex
	subs map[uint64]Handler
	next uint64
}

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Bus{logger: logger, subs: make(map[uint64]Handler)}
}

// Emit delivers ev to every current subscriber. A panicking handler is
// logged and does not affect the others.
func (b *Bus) Emit(ev Event) {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs))
	for _, h := range b.subs {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		b.deliver(h, ev)
	}
}

func (b *Bus) deliver(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked", "type", ev.Type, "panic", r)
		}
	}()
	h(ev)
}

// Subscribe registers h. The returned function removes it and is safe to
// call more than once.
func (b *Bus) Subscribe(h Handler) (unsubscribe func()) {
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = h
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// Subscribers returns the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
