package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// fileOverrides is the subset of Config a TOML file may override. Only
// plain scalars are exposed here; flags and AGTMUX_LOG always win over
// anything in the file, per spec 6's "no other environment variable
// influences classification" invariant — the file itself is not an
// environment variable, but it must still lose to explicit overrides.
type fileOverrides struct {
	PollIntervalMS int    `toml:"poll_interval_ms"`
	SocketPath     string `toml:"socket_path"`
	MuxSocketPath  string `toml:"mux_socket_path"`
	MuxSocketName  string `toml:"mux_socket_name"`
	AppServerAddr  string `toml:"appserver_addr"`
}

// DefaultFilePath returns $XDG_CONFIG_HOME/agtmux/config.toml, falling back
// to ~/.config/agtmux/config.toml.
func DefaultFilePath() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "agtmux", "config.toml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "agtmux", "config.toml")
}

// ApplyFile merges a TOML config file into cfg, in place, skipping any
// field that does not appear in the file. A missing file is not an error:
// the file is optional per spec 6.
func ApplyFile(cfg *Config, path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var overrides fileOverrides
	if err := toml.Unmarshal(data, &overrides); err != nil {
		return err
	}
	if overrides.PollIntervalMS > 0 {
		cfg.PollInterval = time.Duration(overrides.PollIntervalMS) * time.Millisecond
	}
	if overrides.SocketPath != "" {
		cfg.SocketPath = overrides.SocketPath
	}
	if overrides.MuxSocketPath != "" {
		cfg.MuxSocketPath = overrides.MuxSocketPath
	}
	if overrides.MuxSocketName != "" {
		cfg.MuxSocketName = overrides.MuxSocketName
	}
	if overrides.AppServerAddr != "" {
		cfg.AppServerAddr = overrides.AppServerAddr
	}
	return nil
}
