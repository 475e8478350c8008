// Package config handles configuration parsing for tuibridge.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/acolita/tuibridge/internal/ports"
)

// EnvPrefix prefixes environment overrides, e.g. TUIBRIDGE_SERVER_LISTEN_ADDR.
const EnvPrefix = "TUIBRIDGE"

// DefaultConfigPath returns the default config file path:
// $XDG_CONFIG_HOME/tuibridge/config.yaml or ~/.config/tuibridge/config.yaml
func DefaultConfigPath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "tuibridge", "config.yaml")
}

// Config represents the top-level configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server" split_words:"true"`
	Program   ProgramConfig   `yaml:"program" split_words:"true"`
	Session   SessionConfig   `yaml:"session" split_words:"true"`
	Logging   LoggingConfig   `yaml:"logging" split_words:"true"`
	Recording RecordingConfig `yaml:"recording" split_words:"true"`
	Admin     AdminConfig     `yaml:"admin" split_words:"true"`
}

// ServerConfig defines the SSH listener.
type ServerConfig struct {
	ListenAddr  string `yaml:"listen_addr" split_words:"true"`
	HostKeyPath string `yaml:"host_key_path" split_words:"true"`
	// HostKeyPassphraseEnv names the env var holding the host key passphrase.
	HostKeyPassphraseEnv string `yaml:"host_key_passphrase_env" split_words:"true"`
	UseKeyring           bool   `yaml:"use_keyring" split_words:"true"`
	MaxSessions          int    `yaml:"max_sessions" split_words:"true"` // 0 = unlimited
}

// ProgramConfig defines the interactive program each session runs.
type ProgramConfig struct {
	Path string   `yaml:"path" split_words:"true"`
	Args []string `yaml:"args" split_words:"true"`
	Dir  string   `yaml:"dir" split_words:"true"`
	Env  []string `yaml:"env" split_words:"true"` // KEY=VALUE entries
	// AcceptEnv lists glob patterns of client "env" requests passed to the program.
	AcceptEnv []string `yaml:"accept_env" split_words:"true"`
}

// SessionConfig defines per-session behavior.
type SessionConfig struct {
	GracePeriod     time.Duration     `yaml:"grace_period" split_words:"true"`
	StartupWatchdog time.Duration     `yaml:"startup_watchdog" split_words:"true"` // 0 disables
	TerminateOnHang bool              `yaml:"terminate_on_hang" split_words:"true"`
	MaxCarry        int               `yaml:"max_carry" split_words:"true"`
	CarryTimeout    time.Duration     `yaml:"carry_timeout" split_words:"true"`
	ChunkSize       int               `yaml:"chunk_size" split_words:"true"`
	DefaultTerm     string            `yaml:"default_term" split_words:"true"`
	Negotiation     NegotiationConfig `yaml:"negotiation" split_words:"true"`
}

// NegotiationConfig declares terminal features the program may not enable in
// the client.
type NegotiationConfig struct {
	DisableMouseReporting bool `yaml:"disable_mouse_reporting" split_words:"true"`
	DisableBracketedPaste bool `yaml:"disable_bracketed_paste" split_words:"true"`
	DisableSyncUpdates    bool `yaml:"disable_sync_updates" split_words:"true"`
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level    string `yaml:"level" split_words:"true"`       // "debug", "info", "warn", "error"
	Sanitize bool   `yaml:"sanitize" split_words:"true"` // sanitize sensitive data from logs
	File     string `yaml:"file" split_words:"true"`         // append-only log file, in addition to stderr
}

// RecordingConfig defines session recording settings.
type RecordingConfig struct {
	Enabled bool   `yaml:"enabled" split_words:"true"`
	Path    string `yaml:"path" split_words:"true"` // directory to store recordings
}

// AdminConfig defines the HTTP admin endpoint.
type AdminConfig struct {
	Addr string `yaml:"addr" split_words:"true"` // "" disables
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:  ":2222",
			HostKeyPath: "host_key",
			MaxSessions: 100,
		},
		Program: ProgramConfig{
			AcceptEnv: []string{"LANG", "LC_*"},
		},
		Session: SessionConfig{
			GracePeriod:     2 * time.Second,
			StartupWatchdog: 10 * time.Second,
			MaxCarry:        64,
			CarryTimeout:    100 * time.Millisecond,
			ChunkSize:       8192,
			DefaultTerm:     "xterm-256color",
		},
		Logging: LoggingConfig{
			Level:    "info",
			Sanitize: true,
		},
		Recording: RecordingConfig{
			Path: "recordings",
		},
	}
}

// Load loads configuration from a YAML file and applies environment overrides.
// An empty path yields the defaults plus overrides.
// An optional FileSystem can be passed for testing; if omitted, the real OS is used.
func Load(path string, fsys ...ports.FileSystem) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		var data []byte
		var err error
		if len(fsys) > 0 && fsys[0] != nil {
			data, err = fsys[0].ReadFile(path)
		} else {
			data, err = os.ReadFile(path)
		}
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("apply environment overrides: %w", err)
	}
	return cfg, nil
}

// Validate fills unset values with defaults and rejects invalid ones.
func (c *Config) Validate() error {
	def := DefaultConfig()
	var errs []error

	if c.Program.Path == "" {
		errs = append(errs, errors.New("program.path is required"))
	}
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = def.Server.ListenAddr
	}
	if c.Server.HostKeyPath == "" {
		c.Server.HostKeyPath = def.Server.HostKeyPath
	}
	if c.Server.MaxSessions < 0 {
		errs = append(errs, fmt.Errorf("server.max_sessions must not be negative, got %d", c.Server.MaxSessions))
	}

	s := &c.Session
	if s.GracePeriod == 0 {
		s.GracePeriod = def.Session.GracePeriod
	}
	if s.GracePeriod < 0 {
		errs = append(errs, fmt.Errorf("session.grace_period must be positive, got %v", s.GracePeriod))
	}
	if s.StartupWatchdog < 0 {
		errs = append(errs, fmt.Errorf("session.startup_watchdog must not be negative, got %v", s.StartupWatchdog))
	}
	if s.MaxCarry == 0 {
		s.MaxCarry = def.Session.MaxCarry
	}
	if s.MaxCarry < 0 {
		errs = append(errs, fmt.Errorf("session.max_carry must be positive, got %d", s.MaxCarry))
	}
	if s.CarryTimeout < 0 {
		errs = append(errs, fmt.Errorf("session.carry_timeout must not be negative, got %v", s.CarryTimeout))
	}
	if s.ChunkSize == 0 {
		s.ChunkSize = def.Session.ChunkSize
	}
	if s.ChunkSize < 0 {
		errs = append(errs, fmt.Errorf("session.chunk_size must be positive, got %d", s.ChunkSize))
	}
	if s.DefaultTerm == "" {
		s.DefaultTerm = def.Session.DefaultTerm
	}

	for _, kv := range c.Program.Env {
		if name, _, ok := strings.Cut(kv, "="); !ok || name == "" {
			errs = append(errs, fmt.Errorf("program.env entry %q is not KEY=VALUE", kv))
		}
	}
	for _, pattern := range c.Program.AcceptEnv {
		if !doublestar.ValidatePattern(pattern) {
			errs = append(errs, fmt.Errorf("program.accept_env pattern %q is invalid", pattern))
		}
	}

	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level))
	}

	if c.Recording.Enabled && c.Recording.Path == "" {
		c.Recording.Path = def.Recording.Path
	}

	return errors.Join(errs...)
}

// AcceptsEnv reports whether a client-supplied environment variable may be
// passed to the program.
func (p ProgramConfig) AcceptsEnv(name string) bool {
	for _, pattern := range p.AcceptEnv {
		if ok, err := doublestar.Match(pattern, name); err == nil && ok {
			return true
		}
	}
	return false
}
