// Package profile resolves the local profile a client run operates under.
// A profile owns its own cache database, log file and lock, so one machine
// can hold independent inbox mirrors (e.g. an admin and a student account).
package profile

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.lmsinbox.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".lmsinbox")
}

// Dir returns the profile-specific directory.
func Dir(name string) string {
	return filepath.Join(BaseDir(), "profiles", name)
}

// CacheDBPath returns the local inbox cache database path.
func CacheDBPath(name string) string {
	return filepath.Join(Dir(name), "inbox.db")
}

// LogDir returns the log directory for a profile.
func LogDir(name string) string {
	return filepath.Join(Dir(name), "logs")
}

// LogPath returns the daemon log file path.
func LogPath(name string) string {
	return filepath.Join(LogDir(name), "inboxd.log")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnsureDir creates the profile directory tree with owner-only permissions.
func EnsureDir(name string) error {
	for _, d := range []string{Dir(name), LogDir(name)} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
