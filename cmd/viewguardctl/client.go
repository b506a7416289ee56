package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"viewguard/internal/document"
	"viewguard/internal/eventbus"
	"viewguard/internal/health"
	"viewguard/internal/notify"
	"viewguard/internal/session"
	"viewguard/internal/store"
)

// apiError is a non-2xx answer from the daemon.
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server answered %d", e.Status)
	}
	return fmt.Sprintf("server answered %d: %s", e.Status, e.Message)
}

// ownerClient talks to the owner routes of the daemon.
type ownerClient struct {
	base    string
	token   string
	timeout time.Duration
	http    *http.Client
}

func newOwnerClient(base, token string, timeout time.Duration) (*ownerClient, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("server url %q: scheme must be http or https", base)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	// Requests are bounded by their context; the event stream has no deadline.
	return &ownerClient{base: u.String(), token: token, timeout: timeout, http: &http.Client{}}, nil
}

func (c *ownerClient) request(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		var msg struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&msg)
		return nil, &apiError{Status: resp.StatusCode, Message: msg.Error}
	}
	return resp, nil
}

// do performs a bounded request and decodes the answer into out.
func (c *ownerClient) do(ctx context.Context, method, path string, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	resp, err := c.request(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// Health fetches the full health report. An unhealthy daemon answers 503
// with a report, which is returned rather than treated as an error.
func (c *ownerClient) Health(ctx context.Context) (*health.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/healthz?full=true", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
		return nil, &apiError{Status: resp.StatusCode}
	}
	var report health.Response
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return nil, fmt.Errorf("decode health: %w", err)
	}
	return &report, nil
}

func (c *ownerClient) Documents(ctx context.Context) ([]document.SecureDocument, error) {
	var body struct {
		Documents []document.SecureDocument `json:"documents"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/documents", nil, &body); err != nil {
		return nil, err
	}
	return body.Documents, nil
}

func (c *ownerClient) Document(ctx context.Context, id string) (*document.SecureDocument, error) {
	var body struct {
		Document *document.SecureDocument `json:"document"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/documents/"+url.PathEscape(id), nil, &body); err != nil {
		return nil, err
	}
	if body.Document == nil {
		return nil, fmt.Errorf("document %s: empty answer", id)
	}
	return body.Document, nil
}

// createRequest mirrors the daemon's create body.
type createRequest struct {
	Title               string                       `json:"title"`
	Description         string                       `json:"description,omitempty"`
	OwnerID             string                       `json:"ownerId,omitempty"`
	OTP                 string                       `json:"otp"`
	Classification      string                       `json:"classification,omitempty"`
	Permissions         document.Permissions         `json:"permissions"`
	Policies            document.Policies            `json:"policies"`
	IdentityRequirement document.IdentityRequirement `json:"identityRequirement"`
}

func (c *ownerClient) CreateDocument(ctx context.Context, req createRequest) (*document.SecureDocument, error) {
	var body struct {
		Document *document.SecureDocument `json:"document"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/documents", req, &body); err != nil {
		return nil, err
	}
	return body.Document, nil
}

func (c *ownerClient) DeleteDocument(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/documents/"+url.PathEscape(id), nil, nil)
}

func (c *ownerClient) Unlock(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/api/documents/"+url.PathEscape(id)+"/unlock", nil, nil)
}

func (c *ownerClient) Readers(ctx context.Context) ([]store.ReaderSnapshot, error) {
	var body struct {
		Readers []store.ReaderSnapshot `json:"readers"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/readers", nil, &body); err != nil {
		return nil, err
	}
	return body.Readers, nil
}

// viewer returns a telemetry client acting for viewerToken. An empty token
// reaches only the unauthenticated viewer routes.
func (c *ownerClient) viewer(viewerToken string) (*notify.Client, error) {
	return notify.New(notify.Config{BaseURL: c.base, Token: viewerToken, Timeout: c.timeout}, nil)
}

func (c *ownerClient) Lock(ctx context.Context, id, reason string) error {
	v, err := c.viewer("")
	if err != nil {
		return err
	}
	return v.LockDocument(ctx, session.LockRequest{DocumentID: id, Reason: reason})
}

func (c *ownerClient) Revoke(ctx context.Context, viewerToken, reason string) error {
	v, err := c.viewer(viewerToken)
	if err != nil {
		return err
	}
	return v.Revoke(ctx, reason)
}

// Tail follows the event stream until ctx ends or the server hangs up. fn
// sees every event, including READY and heartbeats.
func (c *ownerClient) Tail(ctx context.Context, fn func(eventbus.Event) error) error {
	resp, err := c.request(ctx, http.MethodGet, "/api/events", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64<<10), 8<<20)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var ev eventbus.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			return fmt.Errorf("decode event: %w", err)
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
