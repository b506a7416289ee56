package main

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"viewguard/internal/eventbus"
	"viewguard/internal/logging"
)

func readAuditLines(t *testing.T, path string) []logging.AuditEvent {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var events []logging.AuditEvent
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var ev logging.AuditEvent
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &ev))
		events = append(events, ev)
	}
	require.NoError(t, scanner.Err())
	return events
}

func TestAuditSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit", "audit.log")
	audit, err := logging.NewAuditLogger(logging.AuditConfig{FilePath: path})
	require.NoError(t, err)
	defer audit.Close()

	bus := eventbus.NewBus(nil)
	sink := newAuditSink(bus, audit, nil, 16)

	bus.Emit(eventbus.New(eventbus.SessionHeartbeat, map[string]any{"documentId": "doc-1"}))
	bus.Emit(eventbus.New(eventbus.Violation, map[string]any{
		"documentId": "doc-1",
		"viewerId":   "viewer-1",
		"code":       "PHONE_DETECTED",
		"photo":      "data:image/jpeg;base64,AAAA",
	}))
	bus.Emit(eventbus.New(eventbus.DocumentLocked, map[string]any{"documentId": "doc-1", "reason": "PHONE_DETECTED"}))
	sink.Close()

	assert.Equal(t, 0, bus.Subscribers())
	assert.Equal(t, 0, sink.Dropped())

	events := readAuditLines(t, path)
	require.Len(t, events, 2)

	v := events[0]
	assert.Equal(t, string(eventbus.Violation), v.Type)
	assert.Equal(t, "violation", v.Result)
	assert.Equal(t, "doc-1", v.DocumentID)
	assert.Equal(t, "viewer-1", v.ViewerID)
	assert.Equal(t, "PHONE_DETECTED", v.Details["code"])
	assert.Equal(t, "[REDACTED]", v.Details["photo"])
	assert.NotContains(t, v.Details, "documentId")
	assert.NotContains(t, v.Details, "viewerId")

	l := events[1]
	assert.Equal(t, string(eventbus.DocumentLocked), l.Type)
	assert.Equal(t, "locked", l.Result)
	assert.Empty(t, l.ViewerID)
}

func TestAuditSinkCloseIsIdempotent(t *testing.T) {
	audit, err := logging.NewAuditLogger(logging.AuditConfig{FilePath: filepath.Join(t.TempDir(), "audit.log")})
	require.NoError(t, err)
	defer audit.Close()

	bus := eventbus.NewBus(nil)
	sink := newAuditSink(bus, audit, nil, 0)
	sink.Close()
	sink.Close()

	bus.Emit(eventbus.New(eventbus.DocumentCreated, map[string]any{"documentId": "doc-2"}))
	assert.Equal(t, 0, sink.Dropped())
}

func TestAuditEventDefaults(t *testing.T) {
	ev := eventbus.New(eventbus.Type("CUSTOM"), map[string]any{"documentId": 42})
	out := auditEvent(ev)
	assert.Equal(t, "recorded", out.Result)
	assert.Empty(t, out.DocumentID)
	assert.Equal(t, 42, out.Details["documentId"])
	assert.Equal(t, 42, ev.Payload["documentId"])
}

func TestParseFlags(t *testing.T) {
	opts, err := parseFlags([]string{"-c", "/etc/viewguard.toml", "--listen", ":9000", "--log-level", "debug", "--no-watch"})
	require.NoError(t, err)
	assert.Equal(t, "/etc/viewguard.toml", opts.configPath)
	assert.Equal(t, ":9000", opts.listen)
	assert.Equal(t, "debug", opts.logLevel)
	assert.True(t, opts.noWatch)

	_, err = parseFlags([]string{"serve"})
	assert.Error(t, err)

	_, err = parseFlags([]string{"--bogus"})
	assert.Error(t, err)
}

func TestRunVersion(t *testing.T) {
	assert.NoError(t, run([]string{"--version"}))
}
