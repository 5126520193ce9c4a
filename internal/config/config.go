// Package config reads and writes the global ~/.lmsinbox/config.toml.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// DefaultRefreshDebounce is the coalescing window for background directory
// refreshes when the config file does not override it.
const DefaultRefreshDebounce = 2 * time.Second

// Config represents the global client configuration.
type Config struct {
	// BaseURL is the LMS backend origin, e.g. https://lms.example.com.
	BaseURL string `toml:"base_url"`
	// Token is the bearer token used for REST calls and channel auth.
	Token string `toml:"token"`
	// UserID is the authenticated user's id, used to tell own message
	// echoes apart from counterpart messages.
	UserID string `toml:"user_id"`
	// DefaultProfile selects the local profile when --profile is not given.
	DefaultProfile string `toml:"default_profile"`
	// Sound toggles the audible new-message notification.
	Sound bool `toml:"sound"`
	// RefreshDebounceMS overrides the directory refresh coalescing window.
	RefreshDebounceMS int `toml:"refresh_debounce_ms"`
}

// RefreshDebounce returns the configured coalescing window.
func (c *Config) RefreshDebounce() time.Duration {
	if c.RefreshDebounceMS <= 0 {
		return DefaultRefreshDebounce
	}
	return time.Duration(c.RefreshDebounceMS) * time.Millisecond
}

// Validate checks the fields required to talk to a backend.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("config: base_url is required")
	}
	if c.Token == "" {
		return fmt.Errorf("config: token is required")
	}
	if c.UserID == "" {
		return fmt.Errorf("config: user_id is required")
	}
	return nil
}

// Load reads config from the given path. Returns an error if the file is
// missing or malformed.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
