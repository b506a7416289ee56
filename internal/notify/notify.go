// Package notify delivers viewer telemetry to the viewguard server sinks.
//
// Client implements session.Notifier. Each call posts one JSON body and
// retries transport failures and 5xx responses with backoff; 4xx responses
// are final. The viewer token travels in the viewer-session cookie.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"viewguard/internal/metrics"
	"viewguard/internal/presence"
	"viewguard/internal/retry"
	"viewguard/internal/session"
)

// CookieName is the viewer token cookie shared with the API.
const CookieName = "viewer-session"

// DefaultTimeout bounds a single delivery attempt.
const DefaultTimeout = 5 * time.Second

// ErrRejected is returned when the server refuses a delivery.
var ErrRejected = errors.New("notify: rejected by server")

// Envelope is the body posted to the violation, log and heartbeat sinks.
type Envelope struct {
	Type      string    `json:"type"`
	Data      any       `json:"data"`
	CreatedAt time.Time `json:"createdAt"`
}

// Config configures a Client.
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	Retry   retry.Policy
}

// Client posts telemetry to the server.
type Client struct {
	base   *url.URL
	token  string
	http   *http.Client
	retry  retry.Policy
	logger *slog.Logger
	now    func() time.Time

	// Failures counts deliveries that failed after retries. Optional.
	Failures *metrics.Counter
}

// New creates a Client for cfg.
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base url %q: scheme must be http or https", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Retry.Attempts <= 0 {
		cfg.Retry = retry.Default
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Client{
		base:   base,
		token:  cfg.Token,
		http:   &http.Client{Timeout: cfg.Timeout},
		retry:  cfg.Retry,
		logger: logger.With("component", "notify"),
		now:    time.Now,
	}, nil
}

// Violation posts a violation report.
func (c *Client) Violation(ctx context.Context, r session.ViolationReport) error {
	return c.post(ctx, "/api/violations", Envelope{Type: "VIOLATION", Data: r, CreatedAt: c.now().UTC()})
}

// Heartbeat posts a heartbeat.
func (c *Client) Heartbeat(ctx context.Context, r session.HeartbeatReport) error {
	return c.post(ctx, "/api/heartbeat", Envelope{Type: "HEARTBEAT", Data: r, CreatedAt: c.now().UTC()})
}

// Log posts an activity log entry.
func (c *Client) Log(ctx context.Context, l session.ActivityLog) error {
	return c.post(ctx, "/api/logs", Envelope{Type: "LOG", Data: l, CreatedAt: c.now().UTC()})
}

// Revoke asks the server to end the viewer's session.
func (c *Client) Revoke(ctx context.Context, reason string) error {
	return c.post(ctx, "/api/session/revoke", map[string]string{"reason": reason})
}

// LockDocument asks the server to lock the document for every viewer.
func (c *Client) LockDocument(ctx context.Context, r session.LockRequest) error {
	return c.post(ctx, "/api/documents/"+url.PathEscape(r.DocumentID)+"/lock", r)
}

// Presence posts a presence capture.
func (c *Client) Presence(ctx context.Context, p presence.Capture) error {
	return c.post(ctx, "/api/presence", p)
}

func (c *Client) post(ctx context.Context, path string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	target := c.base.String() + path

	err = retry.Execute(ctx, c.retry, c.logger, func(ctx context.Context) error {
		return c.send(ctx, target, payload)
	})
	if err != nil {
		c.Failures.Inc()
		return fmt.Errorf("post %s: %w", path, err)
	}
	return nil
}

func (c *Client) send(ctx context.Context, target string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.AddCookie(&http.Cookie{Name: CookieName, Value: c.token})
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 500:
		return fmt.Errorf("server error: %s", resp.Status)
	case resp.StatusCode >= 400:
		return retry.Permanent(fmt.Errorf("%w: %s", ErrRejected, resp.Status))
	}
	return nil
}

var _ session.Notifier = (*Client)(nil)
