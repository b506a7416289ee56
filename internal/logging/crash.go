package logging

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"
)

// CrashReport is written for every recovered panic.
type CrashReport struct {
	Timestamp    time.Time      `json:"timestamp"`
	Version      string         `json:"version"`
	GOOS         string         `json:"goos"`
	GOARCH       string         `json:"goarch"`
	NumGoroutine int            `json:"num_goroutine"`
	PanicValue   string         `json:"panic_value"`
	StackTrace   string         `json:"stack_trace"`
	Context      map[string]any `json:"context,omitempty"`
}

// CrashHandler records panics to JSON files under a directory.
type CrashHandler struct {
	mu      sync.Mutex
	dir     string
	version string
	logger  *slog.Logger
	seq     int
}

// NewCrashHandler creates dir if needed.
func NewCrashHandler(dir, version string, logger *slog.Logger) (*CrashHandler, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create crash directory: %w", err)
	}
	return &CrashHandler{dir: dir, version: version, logger: logger.With("component", "crash")}, nil
}

// Recover must be deferred directly. It records a panic and swallows it.
//
//	go func() { defer crashes.Recover(map[string]any{"worker": "kafka"}); ... }()
func (h *CrashHandler) Recover(info map[string]any) {
	if r := recover(); r != nil {
		h.HandlePanic(r, info)
	}
}

// HandlePanic writes a report for panicValue.
func (h *CrashHandler) HandlePanic(panicValue any, info map[string]any) CrashReport {
	report := CrashReport{
		Timestamp:    time.Now().UTC(),
		Version:      h.version,
		GOOS:         runtime.GOOS,
		GOARCH:       runtime.GOARCH,
		NumGoroutine: runtime.NumGoroutine(),
		PanicValue:   fmt.Sprint(panicValue),
		StackTrace:   string(debug.Stack()),
		Context:      info,
	}

	path, err := h.write(report)
	if err != nil {
		h.logger.Error("write crash report failed", "error", err, "panic", report.PanicValue)
		return report
	}
	h.logger.Error("recovered panic", "panic", report.PanicValue, "report", path)
	return report
}

func (h *CrashHandler) write(report CrashReport) (string, error) {
	h.mu.Lock()
	h.seq++
	name := fmt.Sprintf("crash-%s-%03d.json", report.Timestamp.Format("20060102-150405"), h.seq)
	h.mu.Unlock()

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal crash report: %w", err)
	}
	path := filepath.Join(h.dir, name)
	if err := os.WriteFile(path, data, 0640); err != nil {
		return "", fmt.Errorf("write crash report: %w", err)
	}
	return path, nil
}

// Reports loads every stored report, oldest first.
func (h *CrashHandler) Reports() ([]CrashReport, error) {
	entries, err := os.ReadDir(h.dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), "crash-") && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	reports := make([]CrashReport, 0, len(names))
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(h.dir, name))
		if err != nil {
			continue
		}
		var r CrashReport
		if json.Unmarshal(data, &r) == nil {
			reports = append(reports, r)
		}
	}
	return reports, nil
}

// Cleanup removes reports older than maxAge.
func (h *CrashHandler) Cleanup(maxAge time.Duration) error {
	entries, err := os.ReadDir(h.dir)
	if err != nil {
		return err
	}
	cutoff := time.Now().Add(-maxAge)
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), "crash-") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			os.Remove(filepath.Join(h.dir, e.Name()))
		}
	}
	return nil
}
