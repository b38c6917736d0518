// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is where Load looks when neither the flag nor
// HEARTH_CONFIG names a file.
const DefaultPath = "/etc/hearth/hearth.yaml"

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for local development machines.
	Development Environment = "development"
	// Staging is for pre-production testing.
	Staging Environment = "staging"
	// Production is for production deployments.
	Production Environment = "production"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "250ms" or "5m".
type Duration time.Duration

func (d *Duration) UnmarshalText(data []byte) error {
	parsed, err := time.ParseDuration(string(data))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Value returns the duration as a time.Duration.
func (d Duration) Value() time.Duration { return time.Duration(d) }

// Config is the homeserver core configuration.
type Config struct {
	// Environment identifies the deployment type.
	Environment Environment `yaml:"environment"`

	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Retention RetentionConfig `yaml:"retention"`
	Presence  PresenceConfig  `yaml:"presence"`
	Join      JoinConfig      `yaml:"join"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Control   ControlConfig   `yaml:"control"`
	Signing   SigningConfig   `yaml:"signing"`
	Log       LogConfig       `yaml:"log"`

	// Per-environment overlays, applied after the base values load.
	Development *Overrides `yaml:"development,omitempty"`
	Staging     *Overrides `yaml:"staging,omitempty"`
	Production  *Overrides `yaml:"production,omitempty"`
}

// Overrides contains the sections an environment overlay may replace.
// Only non-zero fields inside a present section apply.
type Overrides struct {
	Server    *ServerConfig    `yaml:"server,omitempty"`
	Storage   *StorageConfig   `yaml:"storage,omitempty"`
	Retention *RetentionConfig `yaml:"retention,omitempty"`
	Presence  *PresenceConfig  `yaml:"presence,omitempty"`
	Join      *JoinConfig      `yaml:"join,omitempty"`
	Metrics   *MetricsConfig   `yaml:"metrics,omitempty"`
	Control   *ControlConfig   `yaml:"control,omitempty"`
	Signing   *SigningConfig   `yaml:"signing,omitempty"`
	Log       *LogConfig       `yaml:"log,omitempty"`
}

// ServerConfig identifies this homeserver.
type ServerConfig struct {
	// Name is the server name other homeservers know this one by.
	// Required.
	Name string `yaml:"name"`

	// DataDir is the base directory for all persistent state.
	DataDir string `yaml:"data_dir"`

	// RulesFile optionally overrides the embedded state-resolution
	// rule tables with an operator-supplied JSONC file.
	RulesFile string `yaml:"rules_file"`
}

// StorageConfig configures the event store.
type StorageConfig struct {
	// FsyncMode is the WAL durability policy: "always", "interval",
	// or "never". Default "always".
	FsyncMode string `yaml:"fsync_mode"`

	// FsyncInterval applies in "interval" mode. Default 5ms.
	FsyncInterval Duration `yaml:"fsync_interval"`

	// Compression forces a record codec: "zstd", "lz4", or "none".
	// Empty picks per record.
	Compression string `yaml:"compression"`

	// EncryptionKeyFile, when set, is an age-encrypted 32-byte store
	// key enabling at-rest record encryption.
	EncryptionKeyFile string `yaml:"encryption_key_file"`
}

// RetentionConfig bounds the commit-log trim policy. Events themselves
// are never deleted; only sync deliverability shrinks.
type RetentionConfig struct {
	// MinEvents is the number of most recent log entries always kept.
	MinEvents uint64 `yaml:"min_events"`

	// MaxAge expires log entries older than this. Zero disables
	// age-based trimming.
	MaxAge Duration `yaml:"max_age"`
}

// PresenceConfig tunes the presence merge engine.
type PresenceConfig struct {
	// Debounce holds a transition to a less-present status before
	// publishing it. Default 10s.
	Debounce Duration `yaml:"debounce"`

	// RecencyWindow bounds which device reports compete on presence
	// rank. Default 5m.
	RecencyWindow Duration `yaml:"recency_window"`

	// IdleTimeout degrades Online reports to Unavailable. Default 5m.
	IdleTimeout Duration `yaml:"idle_timeout"`

	// OfflineTimeout degrades any report to Offline. Default 30m.
	OfflineTimeout Duration `yaml:"offline_timeout"`
}

// JoinConfig tunes the federation join coordinator.
type JoinConfig struct {
	// AttemptTimeout bounds one join attempt end to end. Default 60s.
	AttemptTimeout Duration `yaml:"attempt_timeout"`

	// ServerTimeout bounds each request to one candidate. Default 10s.
	ServerTimeout Duration `yaml:"server_timeout"`

	// InitialBackoff and MaxBackoff shape the wait between
	// consecutive candidate servers. Defaults 500ms and 10s.
	InitialBackoff Duration `yaml:"initial_backoff"`
	MaxBackoff     Duration `yaml:"max_backoff"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// ListenAddr serves /metrics when non-empty, e.g. "127.0.0.1:9640".
	ListenAddr string `yaml:"listen_addr"`
}

// ControlConfig configures the local control socket.
type ControlConfig struct {
	// SocketPath is the unix socket for colocated transport shims and
	// operator tooling.
	SocketPath string `yaml:"socket_path"`
}

// SigningConfig names the server's signing key material.
type SigningConfig struct {
	// KeyFile is the age-sealed ed25519 signing key.
	KeyFile string `yaml:"key_file"`

	// IdentityFile is the age identity that unseals KeyFile.
	IdentityFile string `yaml:"identity_file"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	// Level is one of "debug", "info", "warn", "error". Default
	// "info".
	Level string `yaml:"level"`
}

// Default returns the base defaults merged under any loaded file.
func Default() *Config {
	return &Config{
		Environment: Development,
		Server: ServerConfig{
			DataDir: "/var/lib/hearth",
		},
		Storage: StorageConfig{
			FsyncMode:     "always",
			FsyncInterval: Duration(5 * time.Millisecond),
		},
		Retention: RetentionConfig{
			MinEvents: 10_000,
		},
		Presence: PresenceConfig{
			Debounce:       Duration(10 * time.Second),
			RecencyWindow:  Duration(5 * time.Minute),
			IdleTimeout:    Duration(5 * time.Minute),
			OfflineTimeout: Duration(30 * time.Minute),
		},
		Join: JoinConfig{
			AttemptTimeout: Duration(60 * time.Second),
			ServerTimeout:  Duration(10 * time.Second),
			InitialBackoff: Duration(500 * time.Millisecond),
			MaxBackoff:     Duration(10 * time.Second),
		},
		Control: ControlConfig{
			SocketPath: "/run/hearth/control.sock",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load resolves the config path (flag value first, then HEARTH_CONFIG,
// then DefaultPath) and loads it. An empty flagPath means the flag was
// not passed.
func Load(flagPath string) (*Config, error) {
	path := flagPath
	if path == "" {
		path = os.Getenv("HEARTH_CONFIG")
	}
	if path == "" {
		path = DefaultPath
	}
	return LoadFile(path)
}

// LoadFile loads configuration from a specific file, applies the
// matching environment overlay, and expands ${VAR} patterns.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()
	return cfg, nil
}

// applyEnvironmentOverrides overlays the section matching the
// configured environment.
func (c *Config) applyEnvironmentOverrides() {
	var overrides *Overrides
	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
	}
	if overrides == nil {
		return
	}

	if o := overrides.Server; o != nil {
		applyString(&c.Server.Name, o.Name)
		applyString(&c.Server.DataDir, o.DataDir)
		applyString(&c.Server.RulesFile, o.RulesFile)
	}
	if o := overrides.Storage; o != nil {
		applyString(&c.Storage.FsyncMode, o.FsyncMode)
		applyDuration(&c.Storage.FsyncInterval, o.FsyncInterval)
		applyString(&c.Storage.Compression, o.Compression)
		applyString(&c.Storage.EncryptionKeyFile, o.EncryptionKeyFile)
	}
	if o := overrides.Retention; o != nil {
		if o.MinEvents != 0 {
			c.Retention.MinEvents = o.MinEvents
		}
		applyDuration(&c.Retention.MaxAge, o.MaxAge)
	}
	if o := overrides.Presence; o != nil {
		applyDuration(&c.Presence.Debounce, o.Debounce)
		applyDuration(&c.Presence.RecencyWindow, o.RecencyWindow)
		applyDuration(&c.Presence.IdleTimeout, o.IdleTimeout)
		applyDuration(&c.Presence.OfflineTimeout, o.OfflineTimeout)
	}
	if o := overrides.Join; o != nil {
		applyDuration(&c.Join.AttemptTimeout, o.AttemptTimeout)
		applyDuration(&c.Join.ServerTimeout, o.ServerTimeout)
		applyDuration(&c.Join.InitialBackoff, o.InitialBackoff)
		applyDuration(&c.Join.MaxBackoff, o.MaxBackoff)
	}
	if o := overrides.Metrics; o != nil {
		applyString(&c.Metrics.ListenAddr, o.ListenAddr)
	}
	if o := overrides.Control; o != nil {
		applyString(&c.Control.SocketPath, o.SocketPath)
	}
	if o := overrides.Signing; o != nil {
		applyString(&c.Signing.KeyFile, o.KeyFile)
		applyString(&c.Signing.IdentityFile, o.IdentityFile)
	}
	if o := overrides.Log; o != nil {
		applyString(&c.Log.Level, o.Level)
	}
}

func applyString(dst *string, value string) {
	if value != "" {
		*dst = value
	}
}

func applyDuration(dst *Duration, value Duration) {
	if value != 0 {
		*dst = value
	}
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in path
// and address fields.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"HEARTH_DATA": c.Server.DataDir,
		"HOME":        os.Getenv("HOME"),
	}

	c.Server.DataDir = expandVars(c.Server.DataDir, vars)
	vars["HEARTH_DATA"] = c.Server.DataDir

	c.Server.RulesFile = expandVars(c.Server.RulesFile, vars)
	c.Storage.EncryptionKeyFile = expandVars(c.Storage.EncryptionKeyFile, vars)
	c.Metrics.ListenAddr = expandVars(c.Metrics.ListenAddr, vars)
	c.Control.SocketPath = expandVars(c.Control.SocketPath, vars)
	c.Signing.KeyFile = expandVars(c.Signing.KeyFile, vars)
	c.Signing.IdentityFile = expandVars(c.Signing.IdentityFile, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration, aggregating every problem.
func (c *Config) Validate() error {
	var problems []error

	if c.Environment != Development && c.Environment != Staging && c.Environment != Production {
		problems = append(problems, fmt.Errorf("invalid environment: %s", c.Environment))
	}
	if c.Server.Name == "" {
		problems = append(problems, fmt.Errorf("server.name is required"))
	}
	if c.Server.DataDir == "" {
		problems = append(problems, fmt.Errorf("server.data_dir is required"))
	}

	switch c.Storage.FsyncMode {
	case "always", "interval", "never":
	default:
		problems = append(problems, fmt.Errorf("storage.fsync_mode must be one of: always, interval, never"))
	}
	switch c.Storage.Compression {
	case "", "zstd", "lz4", "none":
	default:
		problems = append(problems, fmt.Errorf("storage.compression must be one of: zstd, lz4, none"))
	}

	if c.Presence.Debounce <= 0 {
		problems = append(problems, fmt.Errorf("presence.debounce must be positive"))
	}
	if c.Presence.RecencyWindow <= 0 {
		problems = append(problems, fmt.Errorf("presence.recency_window must be positive"))
	}
	if c.Join.AttemptTimeout <= 0 {
		problems = append(problems, fmt.Errorf("join.attempt_timeout must be positive"))
	}
	if c.Join.InitialBackoff > c.Join.MaxBackoff {
		problems = append(problems, fmt.Errorf("join.initial_backoff exceeds join.max_backoff"))
	}
	if c.Control.SocketPath == "" {
		problems = append(problems, fmt.Errorf("control.socket_path is required"))
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		problems = append(problems, fmt.Errorf("log.level must be one of: debug, info, warn, error"))
	}

	if len(problems) > 0 {
		return errors.Join(problems...)
	}
	return nil
}

// EnsurePaths creates the data directory tree.
func (c *Config) EnsurePaths() error {
	paths := []string{
		c.Server.DataDir,
		filepath.Join(c.Server.DataDir, "events"),
		filepath.Join(c.Server.DataDir, "cursors"),
		filepath.Join(c.Server.DataDir, "quarantine"),
	}
	for _, path := range paths {
		if err := os.MkdirAll(path, 0700); err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
	}
	return nil
}

// EventStoreDir returns the Pebble directory under the data dir.
func (c *Config) EventStoreDir() string {
	return filepath.Join(c.Server.DataDir, "events")
}

// CursorDBPath returns the cursor SQLite file under the data dir.
func (c *Config) CursorDBPath() string {
	return filepath.Join(c.Server.DataDir, "cursors", "cursors.db")
}

// QuarantineDir returns the quarantine report directory.
func (c *Config) QuarantineDir() string {
	return filepath.Join(c.Server.DataDir, "quarantine")
}
