package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// DataDir returns the directory for the database and pid file, honoring
// VIEWGUARD_DATA_DIR.
//
// Platform paths:
//   - macOS:   ~/Library/Application Support/viewguard/
//   - Linux:   $XDG_DATA_HOME/viewguard/ or ~/.local/share/viewguard/
//   - Windows: %APPDATA%\viewguard\
func DataDir() string {
	if dir := os.Getenv(EnvPrefix + "DATA_DIR"); dir != "" {
		return dir
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(homeDir(), "Library", "Application Support", "viewguard")
	case "windows":
		return windowsDir("APPDATA", "Roaming")
	default:
		return xdgDir("XDG_DATA_HOME", ".local", "share")
	}
}

// ConfigDir returns the directory holding config.toml and .env.
//
// Platform paths:
//   - macOS:   ~/Library/Application Support/viewguard/
//   - Linux:   $XDG_CONFIG_HOME/viewguard/ or ~/.config/viewguard/
//   - Windows: %APPDATA%\viewguard\
func ConfigDir() string {
	switch runtime.GOOS {
	case "darwin", "windows":
		return DataDir()
	default:
		return xdgDir("XDG_CONFIG_HOME", ".config")
	}
}

func xdgDir(env string, fallback ...string) string {
	if base := os.Getenv(env); base != "" {
		return filepath.Join(base, "viewguard")
	}
	parts := append([]string{homeDir()}, fallback...)
	return filepath.Join(append(parts, "viewguard")...)
}

func windowsDir(env, fallback string) string {
	if base := os.Getenv(env); base != "" {
		return filepath.Join(base, "viewguard")
	}
	return filepath.Join(homeDir(), "AppData", fallback, "viewguard")
}

func homeDir() string {
	if home := os.Getenv("HOME"); home != "" {
		return home
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}

// ExpandPath expands a leading ~ and environment variables.
func ExpandPath(path string) string {
	if path == "~" {
		return homeDir()
	}
	if strings.HasPrefix(path, "~/") {
		path = filepath.Join(homeDir(), path[2:])
	}
	return os.ExpandEnv(path)
}
