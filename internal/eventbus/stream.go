package eventbus

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"viewguard/internal/metrics"
)

// StreamConfig tunes the push stream.
type StreamConfig struct {
	// Heartbeat is the keep-alive cadence.
	Heartbeat time.Duration
	// Buffer is the per-client queue length. Events that do not fit are
	// dropped for that client only.
	Buffer int
}

// DefaultStreamConfig returns a 15s heartbeat and a 64 event buffer.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{Heartbeat: 15 * time.Second, Buffer: 64}
}

// StreamHandler serves the bus as newline-delimited JSON. Each client gets
// READY first, then every bus event, interleaved with heartbeats.
type StreamHandler struct {
	bus    *Bus
	config StreamConfig
	logger *slog.Logger

	// Clients and Dropped are optional.
	Clients *metrics.Gauge
	Dropped *metrics.Counter
}

// NewStreamHandler creates a handler over bus.
func NewStreamHandler(bus *Bus, cfg StreamConfig, logger *slog.Logger) *StreamHandler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	def := DefaultStreamConfig()
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = def.Heartbeat
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = def.Buffer
	}
	return &StreamHandler{bus: bus, config: cfg, logger: logger}
}

func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache, no-transform")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	enc := json.NewEncoder(w)
	send := func(ev Event) bool {
		if err := enc.Encode(ev); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	if !send(New(Ready, nil)) {
		return
	}

	events := make(chan Event, h.config.Buffer)
	unsubscribe := h.bus.Subscribe(func(ev Event) {
		select {
		case events <- ev:
		default:
			if h.Dropped != nil {
				h.Dropped.Inc()
			}
		}
	})
	defer unsubscribe()

	ticker := time.NewTicker(h.config.Heartbeat)
	defer ticker.Stop()

	if h.Clients != nil {
		h.Clients.Inc()
		defer h.Clients.Dec()
	}
	h.logger.Debug("stream client connected", "remote", r.RemoteAddr)
	defer h.logger.Debug("stream client disconnected", "remote", r.RemoteAddr)

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-events:
			if !send(ev) {
				return
			}
		case now := <-ticker.C:
			if !send(New(Heartbeat, map[string]any{"at": now.UnixMilli()})) {
				return
			}
		}
	}
}
