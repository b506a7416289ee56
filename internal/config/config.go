// Package config handles configuration loading, validation, and management for viewguard.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"golang.org/x/crypto/bcrypt"

	"viewguard/internal/api"
	"viewguard/internal/camera"
	"viewguard/internal/eventbus"
	"viewguard/internal/logging"
	"viewguard/internal/notify"
	"viewguard/internal/retry"
	"viewguard/internal/screen"
	"viewguard/internal/viewer"
)

// Version is the current configuration schema version.
const Version = 1

// EnvPrefix prefixes every environment override.
const EnvPrefix = "VIEWGUARD_"

// Config holds the complete daemon configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version" yaml:"version"`

	Server   ServerConfig   `toml:"server" json:"server" yaml:"server"`
	Storage  StorageConfig  `toml:"storage" json:"storage" yaml:"storage"`
	Camera   CameraConfig   `toml:"camera" json:"camera" yaml:"camera"`
	Screen   ScreenConfig   `toml:"screen" json:"screen" yaml:"screen"`
	Session  SessionConfig  `toml:"session" json:"session" yaml:"session"`
	Stream   StreamConfig   `toml:"stream" json:"stream" yaml:"stream"`
	Notify   NotifyConfig   `toml:"notify" json:"notify" yaml:"notify"`
	Kafka    KafkaConfig    `toml:"kafka" json:"kafka" yaml:"kafka"`
	Logging  LoggingConfig  `toml:"logging" json:"logging" yaml:"logging"`
	Security SecurityConfig `toml:"security" json:"security" yaml:"security"`

	mu sync.RWMutex `toml:"-" json:"-" yaml:"-"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	// Listen is the TCP address of the HTTP server.
	Listen string `toml:"listen" json:"listen" yaml:"listen"`

	// TrustProxy takes the client address from X-Forwarded-For.
	TrustProxy bool `toml:"trust_proxy" json:"trust_proxy" yaml:"trust_proxy"`

	// SecureCookie marks the viewer-session cookie Secure.
	SecureCookie bool `toml:"secure_cookie" json:"secure_cookie" yaml:"secure_cookie"`

	CookieMaxAgeSec    int   `toml:"cookie_max_age_sec" json:"cookie_max_age_sec" yaml:"cookie_max_age_sec"`
	MaxBodyBytes       int64 `toml:"max_body_bytes" json:"max_body_bytes" yaml:"max_body_bytes"`
	ReadTimeoutSec     int   `toml:"read_timeout_sec" json:"read_timeout_sec" yaml:"read_timeout_sec"`
	ShutdownTimeoutSec int   `toml:"shutdown_timeout_sec" json:"shutdown_timeout_sec" yaml:"shutdown_timeout_sec"`

	// PidFile is locked for the lifetime of the daemon.
	PidFile string `toml:"pid_file" json:"pid_file" yaml:"pid_file"`
}

// StorageConfig holds persistence configuration.
type StorageConfig struct {
	// Path is the SQLite database file.
	Path string `toml:"path" json:"path" yaml:"path"`

	// BcryptCost is the work factor for access code hashes.
	BcryptCost int `toml:"bcrypt_cost" json:"bcrypt_cost" yaml:"bcrypt_cost"`
}

// CameraConfig tunes the camera signal collector.
type CameraConfig struct {
	IntervalMs       int     `toml:"interval_ms" json:"interval_ms" yaml:"interval_ms"`
	AcquireTimeoutMs int     `toml:"acquire_timeout_ms" json:"acquire_timeout_ms" yaml:"acquire_timeout_ms"`
	DegradedAfter    int     `toml:"degraded_after" json:"degraded_after" yaml:"degraded_after"`
	PersonThreshold  float64 `toml:"person_threshold" json:"person_threshold" yaml:"person_threshold"`
	DeviceThreshold  float64 `toml:"device_threshold" json:"device_threshold" yaml:"device_threshold"`
	JPEGQuality      int     `toml:"jpeg_quality" json:"jpeg_quality" yaml:"jpeg_quality"`
}

// ScreenConfig tunes the screen and input collector.
type ScreenConfig struct {
	PollIntervalMs int      `toml:"poll_interval_ms" json:"poll_interval_ms" yaml:"poll_interval_ms"`
	DevtoolsGap    int      `toml:"devtools_gap" json:"devtools_gap" yaml:"devtools_gap"`
	ShareKeywords  []string `toml:"share_keywords" json:"share_keywords" yaml:"share_keywords"`
}

// SessionConfig bounds the viewer shell's side calls.
type SessionConfig struct {
	// TamperSecret keys the per-session tamper hash. Prefer the
	// VIEWGUARD_TAMPER_SECRET environment variable.
	TamperSecret string `toml:"tamper_secret" json:"tamper_secret" yaml:"tamper_secret"`

	SnapshotTimeoutMs int `toml:"snapshot_timeout_ms" json:"snapshot_timeout_ms" yaml:"snapshot_timeout_ms"`
	GeoTimeoutMs      int `toml:"geo_timeout_ms" json:"geo_timeout_ms" yaml:"geo_timeout_ms"`
	ReportTimeoutMs   int `toml:"report_timeout_ms" json:"report_timeout_ms" yaml:"report_timeout_ms"`
}

// StreamConfig tunes the live event stream.
type StreamConfig struct {
	HeartbeatSec int `toml:"heartbeat_sec" json:"heartbeat_sec" yaml:"heartbeat_sec"`
	Buffer       int `toml:"buffer" json:"buffer" yaml:"buffer"`
	MaxClients   int `toml:"max_clients" json:"max_clients" yaml:"max_clients"`
	MaxPerIP     int `toml:"max_per_ip" json:"max_per_ip" yaml:"max_per_ip"`
}

// NotifyConfig is how viewer shells reach the server.
type NotifyConfig struct {
	BaseURL        string `toml:"base_url" json:"base_url" yaml:"base_url"`
	TimeoutSec     int    `toml:"timeout_sec" json:"timeout_sec" yaml:"timeout_sec"`
	RetryAttempts  int    `toml:"retry_attempts" json:"retry_attempts" yaml:"retry_attempts"`
	RetryBackoffMs int    `toml:"retry_backoff_ms" json:"retry_backoff_ms" yaml:"retry_backoff_ms"`
}

// KafkaConfig configures the optional event forwarder.
type KafkaConfig struct {
	Enabled        bool     `toml:"enabled" json:"enabled" yaml:"enabled"`
	Brokers        []string `toml:"brokers" json:"brokers" yaml:"brokers"`
	Topic          string   `toml:"topic" json:"topic" yaml:"topic"`
	Queue          int      `toml:"queue" json:"queue" yaml:"queue"`
	RetryAttempts  int      `toml:"retry_attempts" json:"retry_attempts" yaml:"retry_attempts"`
	RetryBackoffMs int      `toml:"retry_backoff_ms" json:"retry_backoff_ms" yaml:"retry_backoff_ms"`

	// DropTolerance is how many new drops per health check still count
	// as healthy.
	DropTolerance int `toml:"drop_tolerance" json:"drop_tolerance" yaml:"drop_tolerance"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is the log format: "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is the log destination: "stdout", "stderr", "file", or "both".
	Output string `toml:"output" json:"output" yaml:"output"`

	FilePath   string `toml:"file_path" json:"file_path" yaml:"file_path"`
	MaxSizeMB  int    `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `toml:"compress" json:"compress" yaml:"compress"`

	// AuditPath receives one JSON line per security event. Empty disables
	// the audit log.
	AuditPath string `toml:"audit_path" json:"audit_path" yaml:"audit_path"`

	// CrashDir receives panic reports.
	CrashDir string `toml:"crash_dir" json:"crash_dir" yaml:"crash_dir"`
}

// SecurityConfig guards access code redemption and owner routes.
type SecurityConfig struct {
	// OwnerToken guards owner routes. Prefer VIEWGUARD_OWNER_TOKEN.
	OwnerToken string `toml:"owner_token" json:"owner_token" yaml:"owner_token"`

	OTPRate        float64 `toml:"otp_rate" json:"otp_rate" yaml:"otp_rate"`
	OTPBurst       int     `toml:"otp_burst" json:"otp_burst" yaml:"otp_burst"`
	OTPMaxFailures int     `toml:"otp_max_failures" json:"otp_max_failures" yaml:"otp_max_failures"`
	OTPLockoutSec  int     `toml:"otp_lockout_sec" json:"otp_lockout_sec" yaml:"otp_lockout_sec"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	dir := DataDir()
	state := logging.DefaultStateDir()
	cam := camera.DefaultConfig()
	scr := screen.DefaultConfig()

	return &Config{
		Version: Version,
		Server: ServerConfig{
			Listen:             "127.0.0.1:8080",
			CookieMaxAgeSec:    3600,
			MaxBodyBytes:       8 << 20,
			ReadTimeoutSec:     30,
			ShutdownTimeoutSec: 10,
			PidFile:            filepath.Join(dir, "viewguardd.pid"),
		},
		Storage: StorageConfig{
			Path:       filepath.Join(dir, "viewguard.db"),
			BcryptCost: bcrypt.DefaultCost,
		},
		Camera: CameraConfig{
			IntervalMs:       int(cam.Interval / time.Millisecond),
			AcquireTimeoutMs: int(cam.AcquireTimeout / time.Millisecond),
			DegradedAfter:    cam.DegradedAfter,
			PersonThreshold:  cam.PersonThreshold,
			DeviceThreshold:  cam.DeviceThreshold,
			JPEGQuality:      cam.JPEGQuality,
		},
		Screen: ScreenConfig{
			PollIntervalMs: int(scr.PollInterval / time.Millisecond),
			DevtoolsGap:    scr.DevtoolsGap,
			ShareKeywords:  scr.ShareKeywords,
		},
		Session: SessionConfig{
			SnapshotTimeoutMs: 5000,
			GeoTimeoutMs:      5000,
			ReportTimeoutMs:   5000,
		},
		Stream: StreamConfig{
			HeartbeatSec: 15,
			Buffer:       64,
			MaxClients:   64,
			MaxPerIP:     4,
		},
		Notify: NotifyConfig{
			BaseURL:        "http://127.0.0.1:8080",
			TimeoutSec:     10,
			RetryAttempts:  retry.Default.Attempts,
			RetryBackoffMs: int(retry.Default.Backoff / time.Millisecond),
		},
		Kafka: KafkaConfig{
			Enabled:        false,
			Brokers:        []string{},
			Topic:          "viewguard.events",
			Queue:          1024,
			RetryAttempts:  3,
			RetryBackoffMs: 200,
			DropTolerance:  0,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   filepath.Join(state, "viewguard.log"),
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
			Compress:   true,
			AuditPath:  filepath.Join(state, "audit.log"),
			CrashDir:   filepath.Join(state, "crashes"),
		},
		Security: SecurityConfig{
			OTPRate:        1,
			OTPBurst:       5,
			OTPMaxFailures: 10,
			OTPLockoutSec:  900,
		},
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.toml")
}

// Load reads configuration from path, applies environment overrides and
// validates the result. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}
	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// EnsureDirectories creates the directories the daemon writes to.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		filepath.Dir(c.Storage.Path),
		filepath.Dir(c.Server.PidFile),
		c.Logging.CrashDir,
	}
	if c.Logging.Output == "file" || c.Logging.Output == "both" {
		dirs = append(dirs, filepath.Dir(c.Logging.FilePath))
	}
	if c.Logging.AuditPath != "" {
		dirs = append(dirs, filepath.Dir(c.Logging.AuditPath))
	}

	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// ApplyEnvOverrides applies VIEWGUARD_* environment variables. Malformed
// numbers and booleans are ignored.
func (c *Config) ApplyEnvOverrides() {
	c.mu.Lock()
	defer c.mu.Unlock()

	envString("SERVER_LISTEN", &c.Server.Listen)
	envBool("SERVER_TRUST_PROXY", &c.Server.TrustProxy)
	envBool("SERVER_SECURE_COOKIE", &c.Server.SecureCookie)
	envString("STORAGE_PATH", &c.Storage.Path)
	envInt("STORAGE_BCRYPT_COST", &c.Storage.BcryptCost)

	// Secrets belong in the environment.
	envString("TAMPER_SECRET", &c.Session.TamperSecret)
	envString("OWNER_TOKEN", &c.Security.OwnerToken)

	envString("NOTIFY_BASE_URL", &c.Notify.BaseURL)

	envBool("KAFKA_ENABLED", &c.Kafka.Enabled)
	if v := os.Getenv(EnvPrefix + "KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = splitList(v)
	}
	envString("KAFKA_TOPIC", &c.Kafka.Topic)

	envString("LOG_LEVEL", &c.Logging.Level)
	envString("LOG_FORMAT", &c.Logging.Format)
	envString("LOG_OUTPUT", &c.Logging.Output)
	envString("LOG_PATH", &c.Logging.FilePath)
	envString("AUDIT_PATH", &c.Logging.AuditPath)
}

func envString(key string, dst *string) {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	clone := &Config{
		Version:  c.Version,
		Server:   c.Server,
		Storage:  c.Storage,
		Camera:   c.Camera,
		Screen:   c.Screen,
		Session:  c.Session,
		Stream:   c.Stream,
		Notify:   c.Notify,
		Kafka:    c.Kafka,
		Logging:  c.Logging,
		Security: c.Security,
	}
	clone.Screen.ShareKeywords = append([]string{}, c.Screen.ShareKeywords...)
	clone.Kafka.Brokers = append([]string{}, c.Kafka.Brokers...)
	return clone
}

// Encode writes the configuration as TOML.
func (c *Config) Encode() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var b strings.Builder
	if err := toml.NewEncoder(&b).Encode(c); err != nil {
		return nil, fmt.Errorf("encode TOML: %w", err)
	}
	return []byte(b.String()), nil
}

// SaveConfig writes cfg to path as TOML with owner-only permissions.
func SaveConfig(cfg *Config, path string) error {
	data, err := cfg.Encode()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// API returns the HTTP surface settings.
func (c *Config) API() api.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return api.Config{
		TamperSecret:     []byte(c.Session.TamperSecret),
		OwnerToken:       c.Security.OwnerToken,
		SecureCookie:     c.Server.SecureCookie,
		CookieMaxAge:     seconds(c.Server.CookieMaxAgeSec),
		TrustProxy:       c.Server.TrustProxy,
		OTPRate:          c.Security.OTPRate,
		OTPBurst:         c.Security.OTPBurst,
		OTPMaxFailures:   c.Security.OTPMaxFailures,
		OTPLockout:       seconds(c.Security.OTPLockoutSec),
		MaxStreamClients: c.Stream.MaxClients,
		MaxStreamPerIP:   c.Stream.MaxPerIP,
		Stream: eventbus.StreamConfig{
			Heartbeat: seconds(c.Stream.HeartbeatSec),
			Buffer:    c.Stream.Buffer,
		},
		MaxBodyBytes: c.Server.MaxBodyBytes,
	}
}

// Viewer returns the viewer shell settings.
func (c *Config) Viewer() viewer.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return viewer.Config{
		Camera: camera.Config{
			Interval:        millis(c.Camera.IntervalMs),
			AcquireTimeout:  millis(c.Camera.AcquireTimeoutMs),
			DegradedAfter:   c.Camera.DegradedAfter,
			PersonThreshold: c.Camera.PersonThreshold,
			DeviceThreshold: c.Camera.DeviceThreshold,
			JPEGQuality:     c.Camera.JPEGQuality,
		},
		Screen: screen.Config{
			PollInterval:  millis(c.Screen.PollIntervalMs),
			DevtoolsGap:   c.Screen.DevtoolsGap,
			ShareKeywords: append([]string{}, c.Screen.ShareKeywords...),
		},
		SnapshotTimeout: millis(c.Session.SnapshotTimeoutMs),
		GeoTimeout:      millis(c.Session.GeoTimeoutMs),
		ReportTimeout:   millis(c.Session.ReportTimeoutMs),
	}
}

// NotifyClient returns the telemetry client settings. token is the
// viewer-session cookie value, if known.
func (c *Config) NotifyClient(token string) notify.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return notify.Config{
		BaseURL: c.Notify.BaseURL,
		Token:   token,
		Timeout: seconds(c.Notify.TimeoutSec),
		Retry:   retry.Policy{Attempts: c.Notify.RetryAttempts, Backoff: millis(c.Notify.RetryBackoffMs)},
	}
}

// KafkaForwarder returns the forwarder settings.
func (c *Config) KafkaForwarder() eventbus.KafkaConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return eventbus.KafkaConfig{
		Brokers: append([]string{}, c.Kafka.Brokers...),
		Topic:   c.Kafka.Topic,
		Queue:   c.Kafka.Queue,
		Retry:   retry.Policy{Attempts: c.Kafka.RetryAttempts, Backoff: millis(c.Kafka.RetryBackoffMs)},
	}
}

// Logger returns the logging settings. Call after Validate; unknown
// levels and formats fall back to the defaults.
func (c *Config) Logger() *logging.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	cfg := logging.DefaultConfig()
	if lvl, err := logging.ParseLevel(c.Logging.Level); err == nil {
		cfg.Level = lvl
	}
	if f, err := logging.ParseFormat(c.Logging.Format); err == nil {
		cfg.Format = f
	}
	cfg.Output = c.Logging.Output
	cfg.FilePath = c.Logging.FilePath
	cfg.MaxSizeMB = int64(c.Logging.MaxSizeMB)
	cfg.MaxBackups = c.Logging.MaxBackups
	cfg.MaxAgeDays = c.Logging.MaxAgeDays
	cfg.Compress = c.Logging.Compress
	return cfg
}

// Audit returns the audit log settings, sharing rotation with the main log.
func (c *Config) Audit() logging.AuditConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return logging.AuditConfig{
		FilePath:   c.Logging.AuditPath,
		MaxSizeMB:  int64(c.Logging.MaxSizeMB),
		MaxAgeDays: c.Logging.MaxAgeDays,
		MaxBackups: c.Logging.MaxBackups,
		Compress:   c.Logging.Compress,
	}
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }
func millis(n int) time.Duration  { return time.Duration(n) * time.Millisecond }
