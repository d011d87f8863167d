package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultBounds(t *testing.T) {
	cfg := Default()
	if cfg.Terminal.ReplayWindowBytes <= 0 {
		t.Fatal("replay window must be bounded and positive")
	}
	if cfg.Terminal.ScrollbackBytes < cfg.Terminal.ReplayWindowBytes {
		t.Fatal("scrollback should hold at least the replay window")
	}
	if cfg.Terminal.CreateRateMax <= 0 || cfg.Terminal.CreateRateWindow <= 0 {
		t.Fatal("create rate limit must be bounded")
	}
	if cfg.Client.ReplayStallTimeout <= 0 {
		t.Fatal("replay stall timeout must be positive")
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "freshell.yaml")
	data := []byte("listen: 127.0.0.1:9999\ntoken: secret\nterminal:\n  replay_window_bytes: 2048\nclient:\n  replay_stall_timeout: 250ms\n")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Listen != "127.0.0.1:9999" {
		t.Fatalf("listen = %q", cfg.Listen)
	}
	if cfg.Token != "secret" {
		t.Fatalf("token = %q", cfg.Token)
	}
	if cfg.Terminal.ReplayWindowBytes != 2048 {
		t.Fatalf("replay window = %d", cfg.Terminal.ReplayWindowBytes)
	}
	if cfg.Client.ReplayStallTimeout != 250*time.Millisecond {
		t.Fatalf("stall timeout = %v", cfg.Client.ReplayStallTimeout)
	}
	// Untouched keys keep their defaults.
	if cfg.Terminal.CreateRateMax != Default().Terminal.CreateRateMax {
		t.Fatalf("create rate max = %d", cfg.Terminal.CreateRateMax)
	}
}

func TestLoadMissingFileFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
