package eventbus

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"viewguard/internal/metrics"
	"viewguard/internal/retry"
)

func TestBusFanOut(t *testing.T) {
	bus := NewBus(nil)

	var a, b []Type
	unsubA := bus.Subscribe(func(ev Event) { a = append(a, ev.Type) })
	unsubB := bus.Subscribe(func(ev Event) { b = append(b, ev.Type) })
	assert.Equal(t, 2, bus.Subscribers())

	bus.Emit(New(Violation, map[string]any{"code": "FOCUS_LOSS"}))
	unsubA()
	unsubA()
	bus.Emit(New(OTPVerified, nil))
	unsubB()

	assert.Equal(t, []Type{Violation}, a)
	assert.Equal(t, []Type{Violation, OTPVerified}, b)
	assert.Zero(t, bus.Subscribers())
}

func TestBusPanickingHandler(t *testing.T) {
	bus := NewBus(nil)
	got := 0
	bus.Subscribe(func(Event) { panic("boom") })
	bus.Subscribe(func(Event) { got++ })

	assert.NotPanics(t, func() { bus.Emit(Event{Type: DocumentCreated}) })
	assert.Equal(t, 1, got)
}

func TestBusStampsCreatedAt(t *testing.T) {
	bus := NewBus(nil)
	var seen Event
	bus.Subscribe(func(ev Event) { seen = ev })
	bus.Emit(Event{Type: DocumentDeleted})
	assert.False(t, seen.CreatedAt.IsZero())
}

func readEvent(t *testing.T, sc *bufio.Scanner) Event {
	t.Helper()
	require.True(t, sc.Scan(), "stream ended: %v", sc.Err())
	var ev Event
	require.NoError(t, json.Unmarshal(sc.Bytes(), &ev))
	return ev
}

func TestStreamDelivery(t *testing.T) {
	bus := NewBus(nil)
	h := NewStreamHandler(bus, StreamConfig{Heartbeat: time.Hour}, nil)
	h.Clients = metrics.NewGauge("stream_clients", "", nil)
	srv := httptest.NewServer(h)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "application/x-ndjson", resp.Header.Get("Content-Type"))

	sc := bufio.NewScanner(resp.Body)
	assert.Equal(t, Ready, readEvent(t, sc).Type)

	require.Eventually(t, func() bool { return bus.Subscribers() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, int64(1), h.Clients.Value())

	bus.Emit(New(Violation, map[string]any{"code": "SCREEN_SHARING"}))
	ev := readEvent(t, sc)
	assert.Equal(t, Violation, ev.Type)
	assert.Equal(t, "SCREEN_SHARING", ev.Payload["code"])

	cancel()
	require.Eventually(t, func() bool { return bus.Subscribers() == 0 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return h.Clients.Value() == 0 }, time.Second, time.Millisecond)
}

func TestStreamHeartbeat(t *testing.T) {
	bus := NewBus(nil)
	srv := httptest.NewServer(NewStreamHandler(bus, StreamConfig{Heartbeat: 10 * time.Millisecond}, nil))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	sc := bufio.NewScanner(resp.Body)
	assert.Equal(t, Ready, readEvent(t, sc).Type)
	ev := readEvent(t, sc)
	assert.Equal(t, Heartbeat, ev.Type)
	assert.NotNil(t, ev.Payload["at"])
}

// stallingWriter accepts the first write and then blocks until released.
type stallingWriter struct {
	header http.Header
	mu     sync.Mutex
	writes int
	gate   chan struct{}
}

func (w *stallingWriter) Header() http.Header { return w.header }
func (w *stallingWriter) WriteHeader(int)     {}
func (w *stallingWriter) Flush()              {}

func (w *stallingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	w.writes++
	n := w.writes
	w.mu.Unlock()
	if n > 1 {
		<-w.gate
	}
	return len(p), nil
}

func TestStreamDropsForSlowClient(t *testing.T) {
	bus := NewBus(nil)
	h := NewStreamHandler(bus, StreamConfig{Heartbeat: time.Hour, Buffer: 1}, nil)
	h.Dropped = metrics.NewCounter("stream_dropped_total", "", nil)

	w := &stallingWriter{header: http.Header{}, gate: make(chan struct{})}
	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/api/events", nil).WithContext(ctx)

	done := make(chan struct{})
	go func() {
		h.ServeHTTP(w, req)
		close(done)
	}()
	require.Eventually(t, func() bool { return bus.Subscribers() == 1 }, time.Second, time.Millisecond)

	for i := 0; i < 6; i++ {
		bus.Emit(New(SessionHeartbeat, nil))
	}
	assert.GreaterOrEqual(t, h.Dropped.Value(), uint64(4))

	cancel()
	close(w.gate)
	<-done
	assert.Zero(t, bus.Subscribers())
}

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	fails  int
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fails > 0 {
		w.fails--
		return errors.New("leader not available")
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	return nil
}

func (w *fakeWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.msgs)
}

func TestKafkaForwarder(t *testing.T) {
	bus := NewBus(nil)
	w := &fakeWriter{fails: 2}
	f := NewKafkaForwarder(w, KafkaConfig{Topic: "viewguard.events", Retry: retry.Policy{Attempts: 3, Backoff: time.Millisecond}}, nil)
	f.Attach(bus)
	f.Attach(bus)
	assert.Equal(t, 1, bus.Subscribers())

	bus.Emit(New(DocumentLocked, map[string]any{"documentId": "doc-1"}))
	require.Eventually(t, func() bool { return w.count() == 1 }, time.Second, time.Millisecond)

	w.mu.Lock()
	msg := w.msgs[0]
	w.mu.Unlock()
	assert.Equal(t, "DOCUMENT_LOCKED", string(msg.Key))
	var ev Event
	require.NoError(t, json.Unmarshal(msg.Value, &ev))
	assert.Equal(t, "doc-1", ev.Payload["documentId"])

	require.NoError(t, f.Close())
	assert.True(t, w.closed)
	assert.Zero(t, bus.Subscribers())
	assert.Zero(t, f.Dropped())
}
