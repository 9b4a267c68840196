// Package config loads the relay configuration. Values come from built-in
// defaults, then a TOML file (~/.codexrelay/config.toml unless --config
// names another), then environment variables, then CLI flags.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/yomogiu/codex-cli-renderer/internal/errors"
	"github.com/yomogiu/codex-cli-renderer/internal/launch"
)

// Config is the relay configuration. TOML keys are snake_case.
type Config struct {
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `toml:"log_level"`

	// LogFormat is json, text, or auto (text on a terminal, JSON otherwise).
	LogFormat string `toml:"log_format"`

	// MdnsEnabled advertises the control API on the local network.
	// Off by default: discovery reveals presence to the whole LAN.
	MdnsEnabled bool `toml:"mdns_enabled"`

	Session  SessionConfig  `toml:"session"`
	Sidecar  SidecarConfig  `toml:"sidecar"`
	API      APIConfig      `toml:"api"`
	Terminal TerminalConfig `toml:"terminal"`
	Store    StoreConfig    `toml:"store"`
}

// SessionConfig describes the supervised agent process.
type SessionConfig struct {
	// Command is the agent executable. Script files are run through
	// their interpreter.
	Command string `toml:"command"`

	// Args is an argument template, either space separated or a JSON
	// array. Tokens {prompt} {repoPath} {sessionId} {profile} are
	// substituted at start.
	Args string `toml:"args"`

	// DefaultDir is used when a start request names no repository.
	DefaultDir string `toml:"default_dir"`

	Cols          int `toml:"cols"`
	Rows          int `toml:"rows"`
	PromptDelayMs int `toml:"prompt_delay_ms"`
	StopGraceMs   int `toml:"stop_grace_ms"`
}

// SidecarConfig describes the per-session companion process.
type SidecarConfig struct {
	Enabled bool `toml:"enabled"`

	// Command falls back to Session.Command when empty.
	Command string `toml:"command"`
	Args    string `toml:"args"`

	AutoRestart      bool   `toml:"auto_restart"`
	RestartMs        int    `toml:"restart_ms"`
	DefaultSessionID string `toml:"default_session_id"`
}

// APIConfig describes the control API listener.
type APIConfig struct {
	Host           string   `toml:"host"`
	Port           int      `toml:"port"`
	AllowedOrigins []string `toml:"allowed_origins"`
	HeartbeatMs    int      `toml:"heartbeat_ms"`
}

// TerminalConfig describes the interactive terminal listener.
type TerminalConfig struct {
	Enabled bool   `toml:"enabled"`
	Host    string `toml:"host"`
	Port    int    `toml:"port"`

	// Token is the shared secret viewers present. TokenHash is a bcrypt
	// hash accepted instead of a plaintext token.
	Token          string   `toml:"token"`
	TokenHash      string   `toml:"token_hash"`
	AllowedOrigins []string `toml:"allowed_origins"`

	// Shell defaults to $SHELL, then /bin/sh.
	Shell string `toml:"shell"`

	// IdleTimeoutMs of zero or less disables idle eviction.
	IdleTimeoutMs     int     `toml:"idle_timeout_ms"`
	FlushIntervalMs   int     `toml:"flush_interval_ms"`
	MaxBufferedAmount int     `toml:"max_buffered_amount"`
	InputRate         float64 `toml:"input_rate"`
	InputBurst        int     `toml:"input_burst"`
}

// StoreConfig describes the run ledger.
type StoreConfig struct {
	// Path is a SQLite file, or ":memory:".
	Path string `toml:"path"`
}

// DefaultConfigPath returns ~/.codexrelay/config.toml.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".codexrelay", "config.toml"), nil
}

// Load returns the defaults overlaid with a TOML file.
//
// Behavior:
//   - If path is empty, the default location is tried. A missing default
//     file is not an error.
//   - If path is given, the file must exist.
//   - A file that exists but does not parse is an error.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return cfg, nil
		}
		if _, err := os.Stat(defaultPath); os.IsNotExist(err) {
			return cfg, nil
		}
		path = defaultPath
	} else if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports the first unusable setting.
func (c *Config) Validate() error {
	switch c.LogFormat {
	case "", "auto", "json", "text":
	default:
		return errors.ConfigInvalid("log_format", c.LogFormat, nil)
	}
	if c.Session.Cols <= 0 {
		return errors.ConfigInvalid("session.cols", strconv.Itoa(c.Session.Cols), nil)
	}
	if c.Session.Rows <= 0 {
		return errors.ConfigInvalid("session.rows", strconv.Itoa(c.Session.Rows), nil)
	}
	if err := checkPort("api.port", c.API.Port); err != nil {
		return err
	}
	if c.API.HeartbeatMs <= 0 {
		return errors.ConfigInvalid("api.heartbeat_ms", strconv.Itoa(c.API.HeartbeatMs), nil)
	}
	if c.Sidecar.RestartMs < 0 {
		return errors.ConfigInvalid("sidecar.restart_ms", strconv.Itoa(c.Sidecar.RestartMs), nil)
	}

	if !c.Terminal.Enabled {
		return nil
	}
	if err := checkPort("terminal.port", c.Terminal.Port); err != nil {
		return err
	}
	if c.Terminal.Token == "" && c.Terminal.TokenHash == "" {
		return errors.New(errors.CodeConfigInvalid, "terminal listener requires PTY_TOKEN or PTY_TOKEN_HASH")
	}
	if len(c.Terminal.AllowedOrigins) == 0 {
		return errors.New(errors.CodeConfigInvalid, "terminal listener requires PTY_ALLOWED_ORIGIN")
	}
	if c.Terminal.FlushIntervalMs <= 0 {
		return errors.ConfigInvalid("terminal.flush_interval_ms", strconv.Itoa(c.Terminal.FlushIntervalMs), nil)
	}
	if c.Terminal.MaxBufferedAmount <= 0 {
		return errors.ConfigInvalid("terminal.max_buffered_amount", strconv.Itoa(c.Terminal.MaxBufferedAmount), nil)
	}
	if c.Terminal.InputRate <= 0 {
		return errors.ConfigInvalid("terminal.input_rate", strconv.FormatFloat(c.Terminal.InputRate, 'f', -1, 64), nil)
	}
	return nil
}

func checkPort(key string, port int) error {
	if port < 0 || port > 65535 {
		return errors.ConfigInvalid(key, strconv.Itoa(port), nil)
	}
	return nil
}

// APIAddr is the control API listen address.
func (c *Config) APIAddr() string {
	return net.JoinHostPort(c.API.Host, strconv.Itoa(c.API.Port))
}

// TerminalAddr is the terminal listen address.
func (c *Config) TerminalAddr() string {
	return net.JoinHostPort(c.Terminal.Host, strconv.Itoa(c.Terminal.Port))
}

// SessionArgs parses the session argument template.
func (c *Config) SessionArgs() []string {
	return launch.ParseArgs(c.Session.Args)
}

// SidecarCommand returns the companion executable.
func (c *Config) SidecarCommand() string {
	if c.Sidecar.Command != "" {
		return c.Sidecar.Command
	}
	return c.Session.Command
}

// SidecarArgs parses the companion argument template.
func (c *Config) SidecarArgs() []string {
	return launch.ParseArgs(c.Sidecar.Args)
}

// Milliseconds converts a millisecond setting to a Duration.
func Milliseconds(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
