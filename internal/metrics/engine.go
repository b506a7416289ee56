package metrics

import (
	"time"
)

// EngineMetrics holds the viewguard engine metrics.
type EngineMetrics struct {
	registry *Registry

	// Counters
	ViolationsTotal     *Counter
	RevocationsTotal    *Counter
	OTPRedemptionsTotal *Counter
	OTPRejectedTotal    *Counter
	StreamDroppedTotal  *Counter
	NotifyFailuresTotal *Counter
	KafkaDroppedTotal   *Counter

	// Gauges
	StreamClients      *Gauge
	SnapshotQueueDepth *Gauge
	LockedDocuments    *Gauge
	UptimeSeconds      *Gauge

	// Histograms
	RequestDuration *Histogram
}

var startTime = time.Now()

// NewEngineMetrics creates and registers the engine metrics on registry.
func NewEngineMetrics(registry *Registry) *EngineMetrics {
	if registry == nil {
		registry = Default()
	}

	return &EngineMetrics{
		registry: registry,

		ViolationsTotal: registry.RegisterCounter(
			"violations_total",
			"Total number of violations reported by viewers",
			nil,
		),
		RevocationsTotal: registry.RegisterCounter(
			"revocations_total",
			"Total number of viewing sessions revoked",
			nil,
		),
		OTPRedemptionsTotal: registry.RegisterCounter(
			"otp_redemptions_total",
			"Total number of access codes redeemed",
			nil,
		),
		OTPRejectedTotal: registry.RegisterCounter(
			"otp_rejected_total",
			"Total number of access codes rejected",
			nil,
		),
		StreamDroppedTotal: registry.RegisterCounter(
			"stream_dropped_total",
			"Events dropped for slow stream clients",
			nil,
		),
		NotifyFailuresTotal: registry.RegisterCounter(
			"notify_failures_total",
			"Telemetry deliveries that failed after retries",
			nil,
		),
		KafkaDroppedTotal: registry.RegisterCounter(
			"kafka_dropped_total",
			"Events dropped by the Kafka forwarder",
			nil,
		),

		StreamClients: registry.RegisterGauge(
			"stream_clients",
			"Number of connected event stream clients",
			nil,
		),
		SnapshotQueueDepth: registry.RegisterGauge(
			"snapshot_queue_depth",
			"Capture requests waiting in snapshot brokers",
			nil,
		),
		LockedDocuments: registry.RegisterGauge(
			"locked_documents",
			"Documents locked since startup, net of unlocks",
			nil,
		),
		UptimeSeconds: registry.RegisterGauge(
			"uptime_seconds",
			"Number of seconds the daemon has been running",
			nil,
		),

		RequestDuration: registry.RegisterHistogram(
			"http_request_duration_seconds",
			"HTTP request latency",
			nil,
			[]float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		),
	}
}

// Registry returns the registry the metrics are registered on.
func (m *EngineMetrics) Registry() *Registry {
	return m.registry
}

// UpdateUptime updates the uptime metric.
func (m *EngineMetrics) UpdateUptime() {
	m.UptimeSeconds.Set(int64(time.Since(startTime).Seconds()))
}

// Snapshot returns the key engine metrics.
func (m *EngineMetrics) Snapshot() map[string]interface{} {
	m.UpdateUptime()
	return map[string]interface{}{
		"violations_total":      m.ViolationsTotal.Value(),
		"revocations_total":     m.RevocationsTotal.Value(),
		"otp_redemptions_total": m.OTPRedemptionsTotal.Value(),
		"stream_clients":        m.StreamClients.Value(),
		"stream_dropped_total":  m.StreamDroppedTotal.Value(),
		"notify_failures_total": m.NotifyFailuresTotal.Value(),
		"snapshot_queue_depth":  m.SnapshotQueueDepth.Value(),
		"uptime_seconds":        m.UptimeSeconds.Value(),
		"request_avg_seconds":   m.RequestDuration.Mean(),
	}
}
