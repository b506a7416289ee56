package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"viewguard/internal/metrics"
	"viewguard/internal/retry"
	"viewguard/internal/session"
	"viewguard/internal/violation"
)

type captured struct {
	path   string
	cookie string
	body   map[string]any
}

type sink struct {
	mu       sync.Mutex
	requests []captured
}

func (s *sink) handler(status int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		c := captured{path: r.URL.Path, body: body}
		if ck, err := r.Cookie(CookieName); err == nil {
			c.cookie = ck.Value
		}
		s.mu.Lock()
		s.requests = append(s.requests, c)
		s.mu.Unlock()
		w.WriteHeader(status)
	}
}

func newClient(t *testing.T, url string) *Client {
	t.Helper()
	c, err := New(Config{BaseURL: url + "/", Token: "tok", Retry: retry.Policy{Attempts: 3, Backoff: time.Millisecond}}, nil)
	require.NoError(t, err)
	return c
}

func TestClientPostsToSinks(t *testing.T) {
	s := &sink{}
	srv := httptest.NewServer(s.handler(http.StatusOK))
	defer srv.Close()
	c := newClient(t, srv.URL)
	ctx := context.Background()

	ev := violation.New(violation.FocusLoss, time.Now())
	require.NoError(t, c.Violation(ctx, session.ViolationReport{DocumentID: "doc-1", ViewerID: "v", Violation: ev}))
	require.NoError(t, c.Heartbeat(ctx, session.HeartbeatReport{SessionID: "s", DocumentID: "doc-1", TamperHash: "h"}))
	require.NoError(t, c.Log(ctx, session.NewActivityLog("doc-1", "v", session.EventHeartbeat, nil, time.Now())))
	require.NoError(t, c.Revoke(ctx, session.ReasonPolicy))
	require.NoError(t, c.LockDocument(ctx, session.LockRequest{DocumentID: "doc-1", Reason: "locked", Violation: &ev}))

	require.Len(t, s.requests, 5)
	paths := []string{"/api/violations", "/api/heartbeat", "/api/logs", "/api/session/revoke", "/api/documents/doc-1/lock"}
	for i, want := range paths {
		assert.Equal(t, want, s.requests[i].path)
		assert.Equal(t, "tok", s.requests[i].cookie)
	}

	data := s.requests[0].body["data"].(map[string]any)
	assert.Equal(t, "VIOLATION", s.requests[0].body["type"])
	assert.Equal(t, "FOCUS_LOSS", data["violation"].(map[string]any)["code"])
	assert.Equal(t, "h", s.requests[1].body["data"].(map[string]any)["tamperHash"])
	assert.Equal(t, "HEARTBEAT", s.requests[2].body["data"].(map[string]any)["event"])
	assert.Equal(t, session.ReasonPolicy, s.requests[3].body["reason"])
	assert.Equal(t, "locked", s.requests[4].body["reason"])
	assert.NotContains(t, s.requests[4].body, "DocumentID")
}

func TestClientRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newClient(t, srv.URL)
	require.NoError(t, c.Revoke(context.Background(), "done"))
	assert.Equal(t, int32(3), calls.Load())
}

func TestClientDoesNotRetryRejections(t *testing.T) {
	s := &sink{}
	srv := httptest.NewServer(s.handler(http.StatusUnauthorized))
	defer srv.Close()

	c := newClient(t, srv.URL)
	c.Failures = metrics.NewCounter("notify_failures_total", "", nil)
	err := c.Revoke(context.Background(), "done")
	assert.ErrorIs(t, err, ErrRejected)
	assert.Len(t, s.requests, 1)
	assert.Equal(t, uint64(1), c.Failures.Value())
}

func TestNewValidatesURL(t *testing.T) {
	_, err := New(Config{BaseURL: "ftp://example.com"}, nil)
	assert.Error(t, err)

	c, err := New(Config{BaseURL: "http://localhost:8080"}, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultTimeout, c.http.Timeout)
	assert.Equal(t, retry.Default, c.retry)
}
