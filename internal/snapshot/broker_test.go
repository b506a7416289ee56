package snapshot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gatedCamera blocks each capture until released and records concurrency.
type gatedCamera struct {
	gate     chan struct{}
	inflight atomic.Int32
	peak     atomic.Int32
	mu       sync.Mutex
	calls    int
}

func newGatedCamera() *gatedCamera {
	return &gatedCamera{gate: make(chan struct{})}
}

func (g *gatedCamera) Capture() (string, string, error) {
	n := g.inflight.Add(1)
	for {
		p := g.peak.Load()
		if n <= p || g.peak.CompareAndSwap(p, n) {
			break
		}
	}
	<-g.gate
	g.mu.Lock()
	g.calls++
	call := g.calls
	g.mu.Unlock()
	g.inflight.Add(-1)
	return fmt.Sprintf("photo-%d", call), fmt.Sprintf("hash-%d", call), nil
}

func TestSingleRequest(t *testing.T) {
	b := New(CaptureFunc(func() (string, string, error) { return "p", "h", nil }), 0, nil)
	r, err := b.Request(context.Background(), ReasonPresence, nil)
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, "p", r.Photo)
	assert.Equal(t, "h", r.FrameHash)
	assert.Equal(t, ReasonPresence, r.Directive.Reason)
	assert.NotEmpty(t, r.Directive.ID)
}

func TestCaptureErrorResolvesNil(t *testing.T) {
	b := New(CaptureFunc(func() (string, string, error) { return "", "", errors.New("no frame") }), 0, nil)
	r, err := b.Request(context.Background(), ReasonViolation, nil)
	require.NoError(t, err)
	assert.Nil(t, r)
	assert.Equal(t, 0, b.InFlight())
}

func TestFIFOSingleFlight(t *testing.T) {
	cam := newGatedCamera()
	b := New(cam, 0, nil)

	type outcome struct {
		idx    int
		result *Result
	}
	results := make(chan outcome, 2)
	for i, reason := range []Reason{ReasonViolation, ReasonPresence} {
		i, reason := i, reason
		go func() {
			r, _ := b.Request(context.Background(), reason, map[string]any{"idx": i})
			results <- outcome{i, r}
		}()
		// Submission order must be deterministic.
		require.Eventually(t, func() bool { return b.Pending()+b.InFlight() == i+1 }, time.Second, time.Millisecond)
	}

	assert.Equal(t, 1, b.InFlight())
	assert.Equal(t, 1, b.Pending())

	cam.gate <- struct{}{}
	first := <-results
	assert.Equal(t, 0, first.idx)
	assert.Equal(t, "photo-1", first.result.Photo)
	assert.Equal(t, ReasonViolation, first.result.Directive.Reason)

	cam.gate <- struct{}{}
	second := <-results
	assert.Equal(t, 1, second.idx)
	assert.Equal(t, "photo-2", second.result.Photo)

	assert.Equal(t, int32(1), cam.peak.Load(), "never more than one capture in flight")
	assert.Equal(t, 0, b.InFlight())
	assert.Equal(t, 0, b.Pending())
}

func TestManyRequestsAllServed(t *testing.T) {
	var mu sync.Mutex
	var order []int
	b := New(CaptureFunc(func() (string, string, error) { return "p", "h", nil }), 0, nil)

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := b.Request(context.Background(), ReasonPresence, nil)
			if err == nil && r != nil {
				mu.Lock()
				order = append(order, 1)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, order, n, "no request is dropped")
}

func TestCancelledCallerKeepsSlot(t *testing.T) {
	cam := newGatedCamera()
	b := New(cam, 0, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := b.Request(ctx, ReasonPresence, nil)
		errc <- err
	}()
	require.Eventually(t, func() bool { return b.InFlight() == 1 }, time.Second, time.Millisecond)

	done := make(chan *Result, 1)
	go func() {
		r, _ := b.Request(context.Background(), ReasonViolation, nil)
		done <- r
	}()
	require.Eventually(t, func() bool { return b.Pending() == 1 }, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)

	cam.gate <- struct{}{}
	cam.gate <- struct{}{}
	r := <-done
	require.NotNil(t, r)
	assert.Equal(t, "photo-2", r.Photo)
}

func TestTimeoutUnblocksQueue(t *testing.T) {
	cam := newGatedCamera()
	b := New(cam, 20*time.Millisecond, nil)

	r, err := b.Request(context.Background(), ReasonViolation, nil)
	require.NoError(t, err)
	assert.Nil(t, r)
	assert.Equal(t, 1, b.InFlight(), "late capture still holds the camera")

	results := make(chan *Result, 2)
	for i := 0; i < 2; i++ {
		go func() {
			r, _ := b.Request(context.Background(), ReasonPresence, nil)
			results <- r
		}()
	}
	require.Eventually(t, func() bool { return b.Pending() == 2 }, time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, b.Pending(), "queued requests wait for the late capture")
	assert.Equal(t, int32(1), cam.inflight.Load())

	// Release the late capture; the next request then starts and times out too.
	cam.gate <- struct{}{}
	assert.Nil(t, <-results)
	cam.gate <- struct{}{}
	assert.Nil(t, <-results)
	cam.gate <- struct{}{}

	require.Eventually(t, func() bool { return b.InFlight() == 0 }, time.Second, time.Millisecond)
	assert.Equal(t, int32(1), cam.peak.Load(), "captures never overlap")
	assert.Equal(t, 0, b.Pending())
}

func TestClose(t *testing.T) {
	cam := newGatedCamera()
	b := New(cam, 0, nil)

	results := make(chan *Result, 2)
	for i := 0; i < 2; i++ {
		go func() {
			r, _ := b.Request(context.Background(), ReasonPresence, nil)
			results <- r
		}()
	}
	require.Eventually(t, func() bool { return b.Pending()+b.InFlight() == 2 }, time.Second, time.Millisecond)

	b.Close()
	assert.Nil(t, <-results)
	assert.Nil(t, <-results)

	_, err := b.Request(context.Background(), ReasonPresence, nil)
	assert.ErrorIs(t, err, ErrClosed)
	close(cam.gate)
}
