package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete branchyard configuration
type Config struct {
	Worktree WorktreeConfig `mapstructure:"worktree"`
	Lock     LockConfig     `mapstructure:"lock"`
	Bridge   BridgeConfig   `mapstructure:"bridge"`
	Session  SessionConfig  `mapstructure:"session"`
	Gateway  GatewayConfig  `mapstructure:"gateway"`
	Events   EventsConfig   `mapstructure:"events"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// WorktreeConfig controls where worktrees live and which branches are guarded
type WorktreeConfig struct {
	// Dir is the directory where git worktrees are created.
	// Relative paths resolve against the repository root (default: ".worktrees").
	// Supports ~ for home directory expansion.
	Dir string `mapstructure:"dir"`
	// ProtectedBranches are never removed or offered for cleanup without force
	ProtectedBranches []string `mapstructure:"protected_branches"`
}

// LockConfig controls per-worktree advisory locking
type LockConfig struct {
	// StaleAfter is the minimum marker age before a dead owner's lock may be
	// reclaimed. Zero means a dead owner is enough.
	StaleAfter time.Duration `mapstructure:"stale_after"`
	// AcquireTimeout bounds how long Acquire waits for a busy lock
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout"`
	// RetryInterval is the initial backoff between acquire attempts
	RetryInterval time.Duration `mapstructure:"retry_interval"`
}

// BridgeConfig controls pseudo-terminal sessions
type BridgeConfig struct {
	// TerminateGrace is how long a session gets to exit after an interrupt
	// before it is killed
	TerminateGrace time.Duration `mapstructure:"terminate_grace"`
	// ShutdownGrace bounds the total time spent terminating all sessions
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace"`
	Rows          int           `mapstructure:"rows"`
	Cols          int           `mapstructure:"cols"`
	// ScrollbackBytes is how much recent output is replayed to a newly
	// attached consumer
	ScrollbackBytes int `mapstructure:"scrollback_bytes"`
	// ExitLinger is how long an exited session stays reachable so a late
	// consumer still receives its output and exit
	ExitLinger time.Duration `mapstructure:"exit_linger"`
}

// SessionConfig controls the session history store
type SessionConfig struct {
	// Store selects the backend: "sqlite" or "json"
	Store string `mapstructure:"store"`
	// RetentionDays prunes finished records older than this many days (0 disables)
	RetentionDays int `mapstructure:"retention_days"`
}

// GatewayConfig controls the remote stream gateway
type GatewayConfig struct {
	Addr string `mapstructure:"addr"`
	// SendQueue is the number of frames buffered per connection before the
	// consumer is detached
	SendQueue int `mapstructure:"send_queue"`
}

// EventsConfig controls the engine event stream
type EventsConfig struct {
	Buffer int `mapstructure:"buffer"`
}

// LoggingConfig controls logging behavior
type LoggingConfig struct {
	// Level is the log level: "debug", "info", "warn", "error" (default: "info")
	Level string `mapstructure:"level"`
	// Dir is where branchyard.log is written; empty logs to stderr
	Dir string `mapstructure:"dir"`
	// MaxSizeMB is the log file size in megabytes before rotation (default: 10)
	MaxSizeMB int `mapstructure:"max_size_mb"`
	// MaxBackups is the number of rotated log files to keep (default: 3)
	MaxBackups int `mapstructure:"max_backups"`
}

// ResolveDir returns the resolved worktree directory path.
// If Dir is empty, it returns the default path relative to repoRoot.
// If Dir starts with ~, it expands to the user's home directory.
// If Dir is a relative path, it's resolved relative to repoRoot.
func (w *WorktreeConfig) ResolveDir(repoRoot string) string {
	if w.Dir == "" {
		return filepath.Join(repoRoot, DefaultWorktreeDir)
	}

	path := w.Dir

	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, path[2:])
		}
	} else if path == "~" {
		if home, err := os.UserHomeDir(); err == nil {
			path = home
		}
	}

	if !filepath.IsAbs(path) {
		path = filepath.Join(repoRoot, path)
	}

	return path
}

// IsProtected reports whether branch is in the protected list.
func (w *WorktreeConfig) IsProtected(branch string) bool {
	for _, p := range w.ProtectedBranches {
		if p == branch {
			return true
		}
	}
	return false
}

// Retention returns the history retention window (0 means keep forever)
func (s *SessionConfig) Retention() time.Duration {
	return time.Duration(s.RetentionDays) * 24 * time.Hour
}

// DefaultWorktreeDir is the worktree directory relative to the repository root
const DefaultWorktreeDir = ".worktrees"

// Session store backends
const (
	StoreSQLite = "sqlite"
	StoreJSON   = "json"
)

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		Worktree: WorktreeConfig{
			Dir:               DefaultWorktreeDir,
			ProtectedBranches: []string{"main", "master", "develop", "release"},
		},
		Lock: LockConfig{
			StaleAfter:     0,
			AcquireTimeout: 5 * time.Second,
			RetryInterval:  50 * time.Millisecond,
		},
		Bridge: BridgeConfig{
			TerminateGrace:  3 * time.Second,
			ShutdownGrace:   10 * time.Second,
			Rows:            24,
			Cols:            80,
			ScrollbackBytes: 64 * 1024,
			ExitLinger:      30 * time.Second,
		},
		Session: SessionConfig{
			Store:         StoreSQLite,
			RetentionDays: 90,
		},
		Gateway: GatewayConfig{
			Addr:      "127.0.0.1:7777",
			SendQueue: 256,
		},
		Events: EventsConfig{
			Buffer: 256,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Dir:        "",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
	}
}

// SetDefaults registers default values with viper
func SetDefaults() {
	SetDefaultsOn(viper.GetViper())
}

// SetDefaultsOn registers default values with v
func SetDefaultsOn(v *viper.Viper) {
	defaults := Default()

	v.SetDefault("worktree.dir", defaults.Worktree.Dir)
	v.SetDefault("worktree.protected_branches", defaults.Worktree.ProtectedBranches)

	v.SetDefault("lock.stale_after", defaults.Lock.StaleAfter)
	v.SetDefault("lock.acquire_timeout", defaults.Lock.AcquireTimeout)
	v.SetDefault("lock.retry_interval", defaults.Lock.RetryInterval)

	v.SetDefault("bridge.terminate_grace", defaults.Bridge.TerminateGrace)
	v.SetDefault("bridge.shutdown_grace", defaults.Bridge.ShutdownGrace)
	v.SetDefault("bridge.rows", defaults.Bridge.Rows)
	v.SetDefault("bridge.cols", defaults.Bridge.Cols)
	v.SetDefault("bridge.scrollback_bytes", defaults.Bridge.ScrollbackBytes)
	v.SetDefault("bridge.exit_linger", defaults.Bridge.ExitLinger)

	v.SetDefault("session.store", defaults.Session.Store)
	v.SetDefault("session.retention_days", defaults.Session.RetentionDays)

	v.SetDefault("gateway.addr", defaults.Gateway.Addr)
	v.SetDefault("gateway.send_queue", defaults.Gateway.SendQueue)

	v.SetDefault("events.buffer", defaults.Events.Buffer)

	v.SetDefault("logging.level", defaults.Logging.Level)
	v.SetDefault("logging.dir", defaults.Logging.Dir)
	v.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	v.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)
}

// EnvPrefix is the prefix for environment variable overrides,
// e.g. BRANCHYARD_LOCK_ACQUIRE_TIMEOUT.
const EnvPrefix = "BRANCHYARD"

// BindEnv enables environment overrides on v.
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom reads the configuration from v and validates it
func LoadFrom(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// Get returns the current configuration (convenience function)
func Get() *Config {
	cfg, err := Load()
	if err != nil {
		// Fall back to defaults if unmarshaling fails
		return Default()
	}
	return cfg
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "branchyard")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".branchyard"
	}
	return filepath.Join(home, ".config", "branchyard")
}

// ConfigFile returns the path to the config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

// ToolsFilePath returns the path of the global tool definition file
func ToolsFilePath() string {
	return filepath.Join(ConfigDir(), toolFileNames[0])
}
