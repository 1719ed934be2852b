package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	cfg := &Config{
		DefaultSession: "work",
		User:           UserConfig{ID: "alice", DisplayName: "Alice"},
		Remote:         RemoteConfig{URL: "wss://gateway.example/sync"},
		Send:           SendConfig{MaxAttempts: 3, BackoffMS: 500, TypingTTLSeconds: 5},
	}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.DefaultSession != "work" {
		t.Errorf("DefaultSession = %q, want %q", loaded.DefaultSession, "work")
	}
	if loaded.User.ID != "alice" || loaded.Remote.URL != "wss://gateway.example/sync" {
		t.Errorf("loaded = %+v", loaded)
	}
	if loaded.Send.Backoff() != 500*time.Millisecond {
		t.Errorf("Backoff() = %v", loaded.Send.Backoff())
	}
	if loaded.Send.TypingTTL() != 5*time.Second {
		t.Errorf("TypingTTL() = %v", loaded.Send.TypingTTL())
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	if err == nil {
		t.Error("Load() expected error for missing file")
	}
}

func TestSavePermissions(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	if err := Save(path, &Config{DefaultSession: "main"}); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	perm := info.Mode().Perm()
	if perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}

func TestZeroSendConfigFallsBack(t *testing.T) {
	var s SendConfig
	if s.Backoff() != 0 || s.TypingTTL() != 0 || s.ReconnectBase() != 0 {
		t.Error("zero config should report zero durations")
	}
}
