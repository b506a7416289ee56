package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// AuditEvent is one security-relevant record: an access code redemption,
// a violation, a revocation or an owner action.
type AuditEvent struct {
	Timestamp  time.Time      `json:"timestamp"`
	Type       string         `json:"type"`
	DocumentID string         `json:"document_id,omitempty"`
	ViewerID   string         `json:"viewer_id,omitempty"`
	Result     string         `json:"result,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	RequestID  string         `json:"request_id,omitempty"`
}

// AuditConfig configures the audit log file.
type AuditConfig struct {
	FilePath   string
	MaxSizeMB  int64
	MaxAgeDays int
	MaxBackups int
	Compress   bool
}

// AuditLogger appends JSON lines to a rotating audit file. Detail values
// whose key is sensitive, or that are inline data URLs, are replaced
// before writing.
type AuditLogger struct {
	mu      sync.Mutex
	rotator *FileRotator
	now     func() time.Time
}

// NewAuditLogger opens the audit file.
func NewAuditLogger(cfg AuditConfig) (*AuditLogger, error) {
	rotator, err := NewFileRotator(&Config{
		FilePath:   cfg.FilePath,
		MaxSizeMB:  cfg.MaxSizeMB,
		MaxAgeDays: cfg.MaxAgeDays,
		MaxBackups: cfg.MaxBackups,
		Compress:   cfg.Compress,
	})
	if err != nil {
		return nil, fmt.Errorf("create audit rotator: %w", err)
	}
	return &AuditLogger{rotator: rotator, now: time.Now}, nil
}

// Log writes event.
func (a *AuditLogger) Log(ctx context.Context, event AuditEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = a.now().UTC()
	}
	if event.RequestID == "" {
		event.RequestID = RequestIDFromContext(ctx)
	}
	event.Details = scrub(event.Details)

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	data = append(data, '\n')

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := a.rotator.Write(data); err != nil {
		return fmt.Errorf("write audit event: %w", err)
	}
	return nil
}

func scrub(details map[string]any) map[string]any {
	if len(details) == 0 {
		return details
	}
	out := make(map[string]any, len(details))
	for k, v := range details {
		switch {
		case shouldRedact(k):
			out[k] = "[REDACTED]"
		default:
			if s, ok := v.(string); ok && len(s) > 5 && s[:5] == "data:" {
				out[k] = fmt.Sprintf("[data-url %d bytes]", len(s))
				continue
			}
			if m, ok := v.(map[string]any); ok {
				out[k] = scrub(m)
				continue
			}
			out[k] = v
		}
	}
	return out
}

// Sync flushes the audit file.
func (a *AuditLogger) Sync() error {
	return a.rotator.Sync()
}

// Close closes the audit file.
func (a *AuditLogger) Close() error {
	return a.rotator.Close()
}
