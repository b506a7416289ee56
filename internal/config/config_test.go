package config

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestDefaultConfigIsValid(t *testing.T) {
	t.Setenv("VIEWGUARD_DATA_DIR", t.TempDir())

	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Version != Version {
		t.Errorf("expected version %d, got %d", Version, cfg.Version)
	}
	if !strings.HasPrefix(cfg.Storage.Path, os.Getenv("VIEWGUARD_DATA_DIR")) {
		t.Errorf("storage path should live in the data dir: %s", cfg.Storage.Path)
	}
	if cfg.Kafka.Enabled {
		t.Error("kafka should be disabled by default")
	}
}

func TestConfigPath(t *testing.T) {
	path := ConfigPath()
	if !strings.HasSuffix(path, "config.toml") {
		t.Errorf("expected path ending with config.toml, got %s", path)
	}
	if !strings.Contains(path, "viewguard") {
		t.Errorf("config path should contain viewguard: %s", path)
	}
}

func TestLoadNonexistent(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Listen != "127.0.0.1:8080" {
		t.Errorf("expected default listen address, got %s", cfg.Server.Listen)
	}
}

func TestLoadFormats(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{
			name: "toml",
			file: "config.toml",
			content: `
version = 1

[server]
listen = "0.0.0.0:9090"
secure_cookie = true

[camera]
interval_ms = 2000

[kafka]
enabled = true
brokers = ["kafka-1:9092"]
topic = "viewguard.audit"
`,
		},
		{
			name: "yaml",
			file: "config.yaml",
			content: `
version: 1
server:
  listen: "0.0.0.0:9090"
  secure_cookie: true
camera:
  interval_ms: 2000
kafka:
  enabled: true
  brokers: ["kafka-1:9092"]
  topic: viewguard.audit
`,
		},
		{
			name: "json",
			file: "config.json",
			content: `{
  "version": 1,
  "server": {"listen": "0.0.0.0:9090", "secure_cookie": true},
  "camera": {"interval_ms": 2000},
  "kafka": {"enabled": true, "brokers": ["kafka-1:9092"], "topic": "viewguard.audit"}
}`,
		},
		{
			name: "detected",
			file: "viewguard.conf",
			content: `
[server]
listen = "0.0.0.0:9090"
secure_cookie = true

[camera]
interval_ms = 2000

[kafka]
enabled = true
brokers = ["kafka-1:9092"]
topic = "viewguard.audit"
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), tt.file)
			writeFile(t, path, tt.content)

			cfg, err := Load(path)
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			if cfg.Server.Listen != "0.0.0.0:9090" {
				t.Errorf("listen = %s", cfg.Server.Listen)
			}
			if !cfg.Server.SecureCookie {
				t.Error("secure_cookie not applied")
			}
			if cfg.Camera.IntervalMs != 2000 {
				t.Errorf("camera interval = %d", cfg.Camera.IntervalMs)
			}
			// Unset keys keep their defaults.
			if cfg.Camera.JPEGQuality != 80 {
				t.Errorf("jpeg quality default lost: %d", cfg.Camera.JPEGQuality)
			}
			if !cfg.Kafka.Enabled || cfg.Kafka.Topic != "viewguard.audit" {
				t.Errorf("kafka section not applied: %+v", cfg.Kafka)
			}
			if got := cfg.Viewer().Camera.Interval; got != 2*time.Second {
				t.Errorf("viewer camera interval = %v", got)
			}
		})
	}
}

func TestLoadRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	writeFile(t, path, "[server\nlisten = ")

	if _, err := Load(path); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("VIEWGUARD_SERVER_LISTEN", "127.0.0.1:7000")
	t.Setenv("VIEWGUARD_TAMPER_SECRET", "0123456789abcdef0123")
	t.Setenv("VIEWGUARD_OWNER_TOKEN", "owner-secret")
	t.Setenv("VIEWGUARD_KAFKA_ENABLED", "true")
	t.Setenv("VIEWGUARD_KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092,")
	t.Setenv("VIEWGUARD_LOG_LEVEL", "debug")
	t.Setenv("VIEWGUARD_STORAGE_BCRYPT_COST", "not-a-number")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Listen != "127.0.0.1:7000" {
		t.Errorf("listen = %s", cfg.Server.Listen)
	}
	if string(cfg.API().TamperSecret) != "0123456789abcdef0123" {
		t.Error("tamper secret not applied")
	}
	if cfg.API().OwnerToken != "owner-secret" {
		t.Error("owner token not applied")
	}
	if !slices.Equal(cfg.Kafka.Brokers, []string{"kafka-1:9092", "kafka-2:9092"}) {
		t.Errorf("brokers = %v", cfg.Kafka.Brokers)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("level = %s", cfg.Logging.Level)
	}
	if cfg.Storage.BcryptCost != DefaultConfig().Storage.BcryptCost {
		t.Errorf("malformed override should be ignored, got %d", cfg.Storage.BcryptCost)
	}
}

func TestValidationCollectsErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.Listen = "no-port"
	cfg.Camera.PersonThreshold = 1.5
	cfg.Screen.ShareKeywords = []string{"Zoom"}
	cfg.Kafka.Enabled = true
	cfg.Kafka.Brokers = nil
	cfg.Logging.Output = "syslog"
	cfg.Session.TamperSecret = "short"

	err := cfg.Validate()
	var verrs ValidationErrors
	if !errors.As(err, &verrs) {
		t.Fatalf("expected ValidationErrors, got %v", err)
	}

	want := []string{
		"server.listen",
		"camera.person_threshold",
		"screen.share_keywords[0]",
		"session.tamper_secret",
		"kafka.brokers",
		"logging.output",
	}
	fields := verrs.Fields()
	for _, f := range want {
		if !slices.Contains(fields, f) {
			t.Errorf("missing error for %s in %v", f, fields)
		}
	}
	if !strings.Contains(err.Error(), "config: server.listen:") {
		t.Errorf("unexpected message: %s", err.Error())
	}
}

func TestLoadReturnsValidationErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	writeFile(t, path, "[stream]\nmax_per_ip = 500\n")

	_, err := Load(path)
	var verrs ValidationErrors
	if !errors.As(err, &verrs) {
		t.Fatalf("expected ValidationErrors, got %v", err)
	}
	if !slices.Contains(verrs.Fields(), "stream.max_per_ip") {
		t.Errorf("fields = %v", verrs.Fields())
	}
}

func TestCloneIsDeep(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Kafka.Brokers = []string{"kafka-1:9092"}

	clone := cfg.Clone()
	clone.Kafka.Brokers[0] = "changed:9092"
	clone.Screen.ShareKeywords[0] = "changed"

	if cfg.Kafka.Brokers[0] != "kafka-1:9092" {
		t.Error("clone shares broker slice")
	}
	if cfg.Screen.ShareKeywords[0] == "changed" {
		t.Error("clone shares keyword slice")
	}
}

func TestSaveConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	cfg := DefaultConfig()
	cfg.Server.Listen = "127.0.0.1:9191"
	cfg.Screen.ShareKeywords = []string{"webex"}

	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("mode = %v", info.Mode().Perm())
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Server.Listen != "127.0.0.1:9191" {
		t.Errorf("listen = %s", loaded.Server.Listen)
	}
	if !slices.Equal(loaded.Screen.ShareKeywords, []string{"webex"}) {
		t.Errorf("keywords = %v", loaded.Screen.ShareKeywords)
	}
}

func TestConversions(t *testing.T) {
	cfg := DefaultConfig()

	a := cfg.API()
	if a.CookieMaxAge != time.Hour {
		t.Errorf("cookie max age = %v", a.CookieMaxAge)
	}
	if a.OTPLockout != 15*time.Minute {
		t.Errorf("otp lockout = %v", a.OTPLockout)
	}
	if a.Stream.Heartbeat != 15*time.Second || a.Stream.Buffer != 64 {
		t.Errorf("stream = %+v", a.Stream)
	}

	n := cfg.NotifyClient("tok")
	if n.Token != "tok" || n.Retry.Attempts != 5 || n.Retry.Backoff != 500*time.Millisecond {
		t.Errorf("notify = %+v", n)
	}

	k := cfg.KafkaForwarder()
	if k.Topic != "viewguard.events" || k.Queue != 1024 {
		t.Errorf("kafka = %+v", k)
	}

	l := cfg.Logger()
	if l.Output != "stderr" || l.MaxSizeMB != 100 {
		t.Errorf("logger = %+v", l)
	}

	if cfg.Audit().FilePath != cfg.Logging.AuditPath {
		t.Error("audit path not carried over")
	}
}

func TestEnsureDirectories(t *testing.T) {
	root := t.TempDir()
	cfg := DefaultConfig()
	cfg.Storage.Path = filepath.Join(root, "data", "viewguard.db")
	cfg.Server.PidFile = filepath.Join(root, "run", "viewguardd.pid")
	cfg.Logging.CrashDir = filepath.Join(root, "crashes")
	cfg.Logging.AuditPath = filepath.Join(root, "audit", "audit.log")

	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories failed: %v", err)
	}
	for _, dir := range []string{"data", "run", "crashes", "audit"} {
		if info, err := os.Stat(filepath.Join(root, dir)); err != nil || !info.IsDir() {
			t.Errorf("%s not created", dir)
		}
	}
}

func TestLoadEnvFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	writeFile(t, path, "VIEWGUARD_OWNER_TOKEN=from-file\nVIEWGUARD_ENVFILE_ONLY=loaded\n")

	t.Setenv("VIEWGUARD_OWNER_TOKEN", "from-env")
	t.Cleanup(func() { os.Unsetenv("VIEWGUARD_ENVFILE_ONLY") })

	if err := LoadEnvFiles(filepath.Join(dir, "missing.env"), path); err != nil {
		t.Fatalf("LoadEnvFiles failed: %v", err)
	}
	if got := os.Getenv("VIEWGUARD_OWNER_TOKEN"); got != "from-env" {
		t.Errorf("existing variable overridden: %s", got)
	}
	if got := os.Getenv("VIEWGUARD_ENVFILE_ONLY"); got != "loaded" {
		t.Errorf("file variable not loaded: %q", got)
	}
}

func TestLoaderHotReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	writeFile(t, path, "[logging]\nlevel = \"info\"\n")

	loader := NewLoader(path)
	if _, err := loader.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	changed := make(chan *Config, 1)
	loader.OnChange(func(old, new *Config) {
		if old.Logging.Level != "info" {
			t.Errorf("old level = %s", old.Logging.Level)
		}
		select {
		case changed <- new:
		default:
		}
	})
	if err := loader.Watch(); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	defer loader.Close()

	writeFile(t, path, "[logging]\nlevel = \"debug\"\n")

	select {
	case cfg := <-changed:
		if cfg.Logging.Level != "debug" {
			t.Errorf("reloaded level = %s", cfg.Logging.Level)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("config was not reloaded")
	}
	if loader.Config().Logging.Level != "debug" {
		t.Error("loader did not swap config")
	}
}

func TestLoaderKeepsConfigOnInvalidReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	writeFile(t, path, "[logging]\nlevel = \"warn\"\n")

	loader := NewLoader(path)
	if _, err := loader.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if err := loader.Watch(); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	defer loader.Close()

	writeFile(t, path, "[logging]\nlevel = \"loud\"\n")

	select {
	case err := <-loader.Errors():
		var verrs ValidationErrors
		if !errors.As(err, &verrs) {
			t.Errorf("expected validation error, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reload error reported")
	}
	if loader.Config().Logging.Level != "warn" {
		t.Errorf("config replaced by invalid file: %s", loader.Config().Logging.Level)
	}
}
