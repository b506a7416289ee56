package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Fields returns the names of the offending fields.
func (e ValidationErrors) Fields() []string {
	out := make([]string, 0, len(e))
	for _, err := range e {
		out = append(out, err.Field)
	}
	return out
}

// ValidateConfig performs comprehensive validation of the configuration.
func ValidateConfig(c *Config) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var errs ValidationErrors
	if c.Version < 1 || c.Version > Version {
		errs.add("version", "unsupported version %d (current: %d)", c.Version, Version)
	}
	errs = append(errs, validateServer(&c.Server)...)
	errs = append(errs, validateStorage(&c.Storage)...)
	errs = append(errs, validateCamera(&c.Camera)...)
	errs = append(errs, validateScreen(&c.Screen)...)
	errs = append(errs, validateSession(&c.Session)...)
	errs = append(errs, validateStream(&c.Stream)...)
	errs = append(errs, validateNotify(&c.Notify)...)
	errs = append(errs, validateKafka(&c.Kafka)...)
	errs = append(errs, validateLogging(&c.Logging)...)
	errs = append(errs, validateSecurity(&c.Security)...)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func (e *ValidationErrors) add(field, format string, args ...any) {
	*e = append(*e, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
}

func validateServer(s *ServerConfig) ValidationErrors {
	var errs ValidationErrors
	if _, _, err := net.SplitHostPort(s.Listen); err != nil {
		errs.add("server.listen", "invalid address %q: %v", s.Listen, err)
	}
	if s.CookieMaxAgeSec < 60 {
		errs.add("server.cookie_max_age_sec", "must be at least 60")
	}
	if s.MaxBodyBytes < 1024 {
		errs.add("server.max_body_bytes", "must be at least 1024")
	}
	if s.ReadTimeoutSec < 1 {
		errs.add("server.read_timeout_sec", "must be at least 1")
	}
	if s.ShutdownTimeoutSec < 1 {
		errs.add("server.shutdown_timeout_sec", "must be at least 1")
	}
	return errs
}

func validateStorage(s *StorageConfig) ValidationErrors {
	var errs ValidationErrors
	if s.Path == "" {
		errs.add("storage.path", "path is required")
	}
	if s.BcryptCost < bcrypt.MinCost || s.BcryptCost > bcrypt.MaxCost {
		errs.add("storage.bcrypt_cost", "must be between %d and %d", bcrypt.MinCost, bcrypt.MaxCost)
	}
	return errs
}

func validateCamera(c *CameraConfig) ValidationErrors {
	var errs ValidationErrors
	if c.IntervalMs < 250 {
		errs.add("camera.interval_ms", "must be at least 250")
	}
	if c.AcquireTimeoutMs < 100 {
		errs.add("camera.acquire_timeout_ms", "must be at least 100")
	}
	if c.DegradedAfter < 1 {
		errs.add("camera.degraded_after", "must be at least 1")
	}
	if c.PersonThreshold <= 0 || c.PersonThreshold > 1 {
		errs.add("camera.person_threshold", "must be in (0, 1]")
	}
	if c.DeviceThreshold <= 0 || c.DeviceThreshold > 1 {
		errs.add("camera.device_threshold", "must be in (0, 1]")
	}
	if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
		errs.add("camera.jpeg_quality", "must be between 1 and 100")
	}
	return errs
}

func validateScreen(s *ScreenConfig) ValidationErrors {
	var errs ValidationErrors
	if s.PollIntervalMs < 100 {
		errs.add("screen.poll_interval_ms", "must be at least 100")
	}
	if s.DevtoolsGap < 0 {
		errs.add("screen.devtools_gap", "must not be negative")
	}
	for i, kw := range s.ShareKeywords {
		if kw != strings.ToLower(kw) || strings.TrimSpace(kw) == "" {
			errs.add(fmt.Sprintf("screen.share_keywords[%d]", i), "must be non-empty lower case")
		}
	}
	return errs
}

func validateSession(s *SessionConfig) ValidationErrors {
	var errs ValidationErrors
	if s.TamperSecret != "" && len(s.TamperSecret) < 16 {
		errs.add("session.tamper_secret", "must be at least 16 bytes")
	}
	for field, v := range map[string]int{
		"session.snapshot_timeout_ms": s.SnapshotTimeoutMs,
		"session.geo_timeout_ms":      s.GeoTimeoutMs,
		"session.report_timeout_ms":   s.ReportTimeoutMs,
	} {
		if v < 100 {
			errs.add(field, "must be at least 100")
		}
	}
	return errs
}

func validateStream(s *StreamConfig) ValidationErrors {
	var errs ValidationErrors
	if s.HeartbeatSec < 1 {
		errs.add("stream.heartbeat_sec", "must be at least 1")
	}
	if s.Buffer < 1 {
		errs.add("stream.buffer", "must be at least 1")
	}
	if s.MaxClients < 1 {
		errs.add("stream.max_clients", "must be at least 1")
	}
	if s.MaxPerIP < 1 || s.MaxPerIP > s.MaxClients {
		errs.add("stream.max_per_ip", "must be between 1 and max_clients")
	}
	return errs
}

func validateNotify(n *NotifyConfig) ValidationErrors {
	var errs ValidationErrors
	u, err := url.Parse(n.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs.add("notify.base_url", "must be an absolute http(s) URL")
	}
	if n.TimeoutSec < 1 {
		errs.add("notify.timeout_sec", "must be at least 1")
	}
	if n.RetryAttempts < 1 {
		errs.add("notify.retry_attempts", "must be at least 1")
	}
	if n.RetryBackoffMs < 0 {
		errs.add("notify.retry_backoff_ms", "must not be negative")
	}
	return errs
}

func validateKafka(k *KafkaConfig) ValidationErrors {
	var errs ValidationErrors
	if !k.Enabled {
		return errs
	}
	if len(k.Brokers) == 0 {
		errs.add("kafka.brokers", "at least one broker is required when enabled")
	}
	for i, b := range k.Brokers {
		if _, _, err := net.SplitHostPort(b); err != nil {
			errs.add(fmt.Sprintf("kafka.brokers[%d]", i), "invalid address %q", b)
		}
	}
	if k.Topic == "" {
		errs.add("kafka.topic", "topic is required when enabled")
	}
	if k.Queue < 1 {
		errs.add("kafka.queue", "must be at least 1")
	}
	if k.DropTolerance < 0 {
		errs.add("kafka.drop_tolerance", "must not be negative")
	}
	return errs
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors
	switch strings.ToLower(l.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs.add("logging.level", "unknown level %q", l.Level)
	}
	switch strings.ToLower(l.Format) {
	case "text", "json":
	default:
		errs.add("logging.format", "unknown format %q", l.Format)
	}
	switch l.Output {
	case "stdout", "stderr":
	case "file", "both":
		if l.FilePath == "" {
			errs.add("logging.file_path", "required when output is %s", l.Output)
		}
	default:
		errs.add("logging.output", "unknown output %q", l.Output)
	}
	if l.MaxSizeMB < 1 {
		errs.add("logging.max_size_mb", "must be at least 1")
	}
	if l.MaxBackups < 0 {
		errs.add("logging.max_backups", "must not be negative")
	}
	if l.MaxAgeDays < 0 {
		errs.add("logging.max_age_days", "must not be negative")
	}
	return errs
}

func validateSecurity(s *SecurityConfig) ValidationErrors {
	var errs ValidationErrors
	if s.OTPRate <= 0 {
		errs.add("security.otp_rate", "must be positive")
	}
	if s.OTPBurst < 1 {
		errs.add("security.otp_burst", "must be at least 1")
	}
	if s.OTPMaxFailures < 1 {
		errs.add("security.otp_max_failures", "must be at least 1")
	}
	if s.OTPLockoutSec < 1 {
		errs.add("security.otp_lockout_sec", "must be at least 1")
	}
	return errs
}
