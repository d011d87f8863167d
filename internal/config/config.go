// Package config provides configuration types and defaults for the freshell
// server. Values load from freshell.yaml and FRESHELL_* environment
// overrides; every retention and throttling bound lives here rather than
// being hard-coded.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all server options.
type Config struct {
	Listen   string         `mapstructure:"listen"`
	Token    string         `mapstructure:"token"`
	Terminal TerminalConfig `mapstructure:"terminal"`
	Client   ClientConfig   `mapstructure:"client"`
	Claude   ClaudeConfig   `mapstructure:"claude"`
}

// TerminalConfig bounds per-terminal memory and creation throughput.
type TerminalConfig struct {
	// ReplayWindowBytes caps the sequenced output log per terminal. History
	// beyond it is evicted and replayed as an explicit gap.
	ReplayWindowBytes int `mapstructure:"replay_window_bytes"`
	// ScrollbackBytes caps the full-state capture buffer per terminal.
	ScrollbackBytes int `mapstructure:"scrollback_bytes"`
	// CreateRateMax creation requests are allowed per connection within
	// CreateRateWindow; the excess fails fast with RATE_LIMITED.
	CreateRateMax    int           `mapstructure:"create_rate_max"`
	CreateRateWindow time.Duration `mapstructure:"create_rate_window"`
	// DefaultShell overrides $SHELL resolution for the default mode.
	DefaultShell string `mapstructure:"default_shell"`
}

// ClientConfig tunes the reconnect & replay controller.
type ClientConfig struct {
	// ReplayStallTimeout bounds how long the controller waits for a started
	// replay to finish before its one automatic re-attach per reconnect
	// generation.
	ReplayStallTimeout time.Duration `mapstructure:"replay_stall_timeout"`
	// CursorCacheTTL bounds how long idle cursors stay in the in-memory
	// cache in front of the persisted store.
	CursorCacheTTL time.Duration `mapstructure:"cursor_cache_ttl"`
}

// ClaudeConfig configures the external CLI session bridge.
type ClaudeConfig struct {
	Command string `mapstructure:"command"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen", "127.0.0.1:4020")
	v.SetDefault("terminal.replay_window_bytes", 1<<20)
	v.SetDefault("terminal.scrollback_bytes", 4<<20)
	v.SetDefault("terminal.create_rate_max", 10)
	v.SetDefault("terminal.create_rate_window", 10*time.Second)
	v.SetDefault("client.replay_stall_timeout", 5*time.Second)
	v.SetDefault("client.cursor_cache_ttl", 30*time.Minute)
	v.SetDefault("claude.command", "claude")
}

// Load reads configuration from path (optional) layered under env overrides.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("FRESHELL")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// Default returns the built-in configuration.
func Default() Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return cfg
}
