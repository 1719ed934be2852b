package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.chatsync/config.toml.
type Config struct {
	DefaultSession string `toml:"default_session"`

	User   UserConfig   `toml:"user"`
	Remote RemoteConfig `toml:"remote"`
	Send   SendConfig   `toml:"send"`
}

// UserConfig identifies the local participant.
type UserConfig struct {
	ID          string `toml:"id"`
	DisplayName string `toml:"display_name"`
}

// RemoteConfig points at the sync gateway.
type RemoteConfig struct {
	URL string `toml:"url"`
}

// SendConfig tunes delivery behavior. Zero values fall back to the
// engine defaults.
type SendConfig struct {
	MaxAttempts      int `toml:"max_attempts"`
	BackoffMS        int `toml:"backoff_ms"`
	TypingTTLSeconds int `toml:"typing_ttl_seconds"`
	ReconnectBaseMS  int `toml:"reconnect_base_ms"`
}

// Backoff returns the configured base backoff, or zero when unset.
func (s SendConfig) Backoff() time.Duration {
	return time.Duration(s.BackoffMS) * time.Millisecond
}

// TypingTTL returns the configured typing expiry, or zero when unset.
func (s SendConfig) TypingTTL() time.Duration {
	return time.Duration(s.TypingTTLSeconds) * time.Second
}

// ReconnectBase returns the configured resubscribe base wait, or zero
// when unset.
func (s SendConfig) ReconnectBase() time.Duration {
	return time.Duration(s.ReconnectBaseMS) * time.Millisecond
}

// Load reads config from the given path. Returns zero config and error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
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
