// Package snapshot serializes competing demands for a camera frame.
//
// Presence proofs and violation evidence both need the same camera. The
// Broker queues requests in submission order and keeps at most one capture
// outstanding; resolving it immediately dispatches the next.
package snapshot

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrClosed is returned by Request after Close.
var ErrClosed = errors.New("snapshot: broker closed")

// Reason tags why a frame is wanted.
type Reason string

// Request reasons.
const (
	ReasonPresence  Reason = "presence"
	ReasonViolation Reason = "violation"
)

// Directive identifies one capture request.
type Directive struct {
	ID     string
	Reason Reason
	Meta   map[string]any
}

// Result is a captured frame. Photo may be empty when the camera produced
// nothing usable.
type Result struct {
	Photo     string
	FrameHash string
	Directive Directive
}

// Capturer grabs the current frame.
type Capturer interface {
	Capture() (photo, frameHash string, err error)
}

// CaptureFunc adapts a function to Capturer.
type CaptureFunc func() (string, string, error)

// Capture calls f.
func (f CaptureFunc) Capture() (string, string, error) { return f() }

type pending struct {
	directive Directive
	done      chan *Result
}

// Broker is a single-flight FIFO capture queue.
type Broker struct {
	capturer Capturer
	timeout  time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	queue  []*pending
	active *pending
	// busy stays set until the capturer returns, even after a timed-out
	// request has been answered.
	busy   bool
	closed bool
}

// New creates a Broker. A capture that exceeds timeout answers its caller
// with nil; the next request starts only once the late capture returns.
// Zero disables the bound.
func New(capturer Capturer, timeout time.Duration, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Broker{capturer: capturer, timeout: timeout, logger: logger}
}

// Request queues a capture and waits for its result. A nil result means no
// photo could be taken. If ctx ends first the caller stops waiting, but the
// request keeps its place and is still served in order.
func (b *Broker) Request(ctx context.Context, reason Reason, meta map[string]any) (*Result, error) {
	p := &pending{
		directive: Directive{ID: uuid.NewString(), Reason: reason, Meta: meta},
		done:      make(chan *Result, 1),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.queue = append(b.queue, p)
	b.mu.Unlock()

	b.pump()

	select {
	case r := <-p.done:
		return r, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// next dequeues the oldest request when nothing is in flight.
func (b *Broker) next() *pending {
	if b.closed || b.busy || len(b.queue) == 0 {
		return nil
	}
	p := b.queue[0]
	b.queue[0] = nil
	b.queue = b.queue[1:]
	b.active = p
	b.busy = true
	return p
}

func (b *Broker) pump() {
	b.mu.Lock()
	p := b.next()
	b.mu.Unlock()
	if p != nil {
		go b.serve(p)
	}
}

func (b *Broker) serve(p *pending) {
	type captured struct {
		photo, hash string
		err         error
	}
	ch := make(chan captured, 1)
	go func() {
		photo, hash, err := b.capturer.Capture()
		ch <- captured{photo, hash, err}
	}()

	var timeout <-chan time.Time
	if b.timeout > 0 {
		t := time.NewTimer(b.timeout)
		defer t.Stop()
		timeout = t.C
	}

	var result *Result
	select {
	case c := <-ch:
		if c.err != nil {
			b.logger.Warn("snapshot capture failed", "reason", p.directive.Reason, "error", c.err)
		} else {
			result = &Result{Photo: c.photo, FrameHash: c.hash, Directive: p.directive}
		}
		b.finish(p, result)
	case <-timeout:
		b.logger.Warn("snapshot capture timed out", "reason", p.directive.Reason)
		b.abandon(p)
		<-ch
		b.logger.Debug("late snapshot capture returned", "reason", p.directive.Reason)
		b.finish(nil, nil)
	}
}

// abandon answers p with nil while its capture still holds the camera.
func (b *Broker) abandon(p *pending) {
	b.mu.Lock()
	if b.active != p {
		b.mu.Unlock()
		return
	}
	b.active = nil
	b.mu.Unlock()

	p.done <- nil
}

// finish frees the camera, answers p if it is still waiting and dispatches
// the next request.
func (b *Broker) finish(p *pending, r *Result) {
	b.mu.Lock()
	b.busy = false
	owed := p != nil && b.active == p
	if owed {
		b.active = nil
	}
	b.mu.Unlock()

	if owed {
		p.done <- r
	}
	b.pump()
}

// Pending returns the number of queued requests not yet dispatched.
func (b *Broker) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// InFlight returns 1 while the capturer is running, else 0.
func (b *Broker) InFlight() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.busy {
		return 1
	}
	return 0
}

// Close resolves every waiting request with nil and rejects new ones.
func (b *Broker) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	waiting := b.queue
	if b.active != nil {
		waiting = append([]*pending{b.active}, waiting...)
	}
	b.queue = nil
	b.active = nil
	b.mu.Unlock()

	for _, p := range waiting {
		p.done <- nil
	}
}
