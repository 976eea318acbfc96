// Package config loads the Twoyi host configuration from YAML.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"twoyi/pkg/protocol"
)

// Launcher names accepted in engine.launcher.
const (
	LauncherLocal  = "local"
	LauncherDocker = "docker"
	LauncherAuto   = "auto"
)

// Capability names in the order the permission gate queries them.
var DefaultCapabilities = []string{"notifications", "storage", "foreground"}

// Config is the top-level host configuration.
type Config struct {
	DataDir    string           `yaml:"data_dir"`
	Bundle     string           `yaml:"bundle"`
	Engine     EngineConfig     `yaml:"engine"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Bridge     BridgeConfig     `yaml:"bridge"`
	Gate       GateConfig       `yaml:"gate"`
	Log        LogConfig        `yaml:"log"`
}

// EngineConfig describes how the engine process is launched.
type EngineConfig struct {
	Launcher       string   `yaml:"launcher"`
	Init           string   `yaml:"init"`   // relative to rom/ unless absolute
	Args           []string `yaml:"args,omitempty"`
	Loader         string   `yaml:"loader"` // exported to the engine as TYLOADER
	EnvPassthrough []string `yaml:"env_passthrough,omitempty"`
	Image          string   `yaml:"image"` // docker launcher only
	LogFile        string   `yaml:"log_file"`
}

// SupervisorConfig holds the supervisor's timers and crash-loop policy.
type SupervisorConfig struct {
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	GracePeriod      time.Duration `yaml:"grace_period"`
	BackoffBase      time.Duration `yaml:"backoff_base"`
	BackoffCap       time.Duration `yaml:"backoff_cap"`
	CrashThreshold   int           `yaml:"crash_threshold"`
	CrashWindow      time.Duration `yaml:"crash_window"`
}

// BridgeConfig tunes the control socket.
type BridgeConfig struct {
	MaxConnections   int           `yaml:"max_connections"`
	BacklogHint      int           `yaml:"backlog_hint,omitempty"` // informational only
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`      // first frame must arrive within this
	ReadTimeout      time.Duration `yaml:"read_timeout,omitempty"` // 0 disables
}

// GateConfig configures the permission gate's capability host.
type GateConfig struct {
	GrantsFile   string   `yaml:"grants_file"`
	StorageRoot  string   `yaml:"storage_root"`
	Capabilities []string `yaml:"capabilities"`
}

// LogConfig configures the root logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text, json or auto
	File   string `yaml:"file,omitempty"`
}

// DefaultPath returns $XDG_CONFIG_HOME/twoyi/config.yaml.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(dir, "twoyi", "config.yaml")
}

// DefaultDataDir returns $XDG_DATA_HOME/twoyi, falling back to
// ~/.local/share/twoyi.
func DefaultDataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "twoyi")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "twoyi")
	}
	return filepath.Join(home, ".local", "share", "twoyi")
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// Load reads a configuration file. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyDefaults fills every unset field.
func (c *Config) ApplyDefaults() {
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir()
	}
	if c.Bundle == "" {
		c.Bundle = filepath.Join(c.DataDir, "bundle")
	}

	if c.Engine.Launcher == "" {
		c.Engine.Launcher = LauncherAuto
	}
	if c.Engine.Init == "" {
		c.Engine.Init = "init"
	}
	if c.Engine.Image == "" {
		c.Engine.Image = "twoyi/engine:latest"
	}
	if c.Engine.LogFile == "" {
		c.Engine.LogFile = filepath.Join(c.DataDir, "engine.log")
	}

	s := &c.Supervisor
	if s.HandshakeTimeout == 0 {
		s.HandshakeTimeout = 10 * time.Second
	}
	if s.GracePeriod == 0 {
		s.GracePeriod = 5 * time.Second
	}
	if s.BackoffBase == 0 {
		s.BackoffBase = time.Second
	}
	if s.BackoffCap == 0 {
		s.BackoffCap = 60 * time.Second
	}
	if s.CrashThreshold == 0 {
		s.CrashThreshold = 5
	}
	if s.CrashWindow == 0 {
		s.CrashWindow = 60 * time.Second
	}

	if c.Bridge.MaxConnections == 0 {
		c.Bridge.MaxConnections = 4
	}
	if c.Bridge.HandshakeTimeout == 0 {
		c.Bridge.HandshakeTimeout = 5 * time.Second
	}

	if c.Gate.GrantsFile == "" {
		c.Gate.GrantsFile = filepath.Join(c.DataDir, "grants.yaml")
	}
	if c.Gate.StorageRoot == "" {
		c.Gate.StorageRoot = filepath.Join(c.DataDir, "storage")
	}
	if len(c.Gate.Capabilities) == 0 {
		c.Gate.Capabilities = append([]string(nil), DefaultCapabilities...)
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "auto"
	}
}

// Validate rejects configurations the host cannot run with.
func (c *Config) Validate() error {
	switch c.Engine.Launcher {
	case LauncherLocal, LauncherDocker, LauncherAuto:
	default:
		return fmt.Errorf("unknown engine.launcher %q", c.Engine.Launcher)
	}

	s := c.Supervisor
	for name, d := range map[string]time.Duration{
		"supervisor.handshake_timeout": s.HandshakeTimeout,
		"supervisor.grace_period":      s.GracePeriod,
		"supervisor.backoff_base":      s.BackoffBase,
		"supervisor.backoff_cap":       s.BackoffCap,
		"supervisor.crash_window":      s.CrashWindow,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %v", name, d)
		}
	}
	if s.BackoffCap < s.BackoffBase {
		return fmt.Errorf("supervisor.backoff_cap (%v) is below backoff_base (%v)", s.BackoffCap, s.BackoffBase)
	}
	if s.CrashThreshold < 1 {
		return fmt.Errorf("supervisor.crash_threshold must be at least 1, got %d", s.CrashThreshold)
	}
	if c.Bridge.MaxConnections < 1 {
		return fmt.Errorf("bridge.max_connections must be at least 1, got %d", c.Bridge.MaxConnections)
	}
	if c.Bridge.HandshakeTimeout <= 0 {
		return fmt.Errorf("bridge.handshake_timeout must be positive, got %v", c.Bridge.HandshakeTimeout)
	}
	if c.Bridge.ReadTimeout < 0 {
		return fmt.Errorf("bridge.read_timeout must not be negative")
	}

	switch c.Log.Format {
	case "text", "json", "auto":
	default:
		return fmt.Errorf("unknown log.format %q", c.Log.Format)
	}
	return nil
}

// RomDir is where the RomImage is materialized.
func (c *Config) RomDir() string { return filepath.Join(c.DataDir, "rom") }

// SocketPath is the control socket path.
func (c *Config) SocketPath() string { return filepath.Join(c.DataDir, protocol.SocketName) }

// JournalPath is the supervisor's lifecycle journal.
func (c *Config) JournalPath() string { return filepath.Join(c.DataDir, "journal.jsonl") }

// PresencePath is the presence indicator status file.
func (c *Config) PresencePath() string { return filepath.Join(c.DataDir, "presence.json") }
