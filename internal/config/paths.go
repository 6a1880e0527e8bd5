package config

import (
	"os"
	"path/filepath"
)

// FlowdPath returns the root directory for flowd data.
// It uses $FLOWD_PATH if set, otherwise defaults to ~/.flowd.
func FlowdPath() string {
	if v := os.Getenv("FLOWD_PATH"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".flowd")
	}
	return filepath.Join(home, ".flowd")
}

// ConfigPath returns the path to the flowd config file.
func ConfigPath() string {
	return filepath.Join(FlowdPath(), "config.jsonc")
}

// DotenvPath returns the path to the flowd .env file.
func DotenvPath() string {
	return filepath.Join(FlowdPath(), ".env")
}

// DatabasePath returns the default database file path.
func DatabasePath() string {
	return filepath.Join(FlowdPath(), "flowd.db")
}

// LogsDir returns the default JSONL message log directory.
func LogsDir() string {
	return filepath.Join(FlowdPath(), "logs")
}
