// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Environment != Development {
		t.Errorf("expected environment=development, got %s", cfg.Environment)
	}
	if cfg.Storage.FsyncMode != "always" {
		t.Errorf("expected fsync_mode=always, got %s", cfg.Storage.FsyncMode)
	}
	if cfg.Presence.Debounce.Value() != 10*time.Second {
		t.Errorf("expected debounce=10s, got %s", cfg.Presence.Debounce.Value())
	}
	if cfg.Control.SocketPath != "/run/hearth/control.sock" {
		t.Errorf("expected socket_path=/run/hearth/control.sock, got %s", cfg.Control.SocketPath)
	}
}

func TestLoad_EnvVarNamesFile(t *testing.T) {
	origConfig := os.Getenv("HEARTH_CONFIG")
	defer os.Setenv("HEARTH_CONFIG", origConfig)

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "hearth.yaml")

	configContent := `
environment: staging
server:
  name: hearth.example.org
  data_dir: /test/data
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	os.Setenv("HEARTH_CONFIG", configPath)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Environment != Staging {
		t.Errorf("expected environment=staging, got %s", cfg.Environment)
	}
	if cfg.Server.Name != "hearth.example.org" {
		t.Errorf("expected name=hearth.example.org, got %s", cfg.Server.Name)
	}
}

func TestLoad_FlagBeatsEnvVar(t *testing.T) {
	origConfig := os.Getenv("HEARTH_CONFIG")
	defer os.Setenv("HEARTH_CONFIG", origConfig)

	tmpDir := t.TempDir()

	envPath := filepath.Join(tmpDir, "env.yaml")
	if err := os.WriteFile(envPath, []byte("server:\n  name: from-env\n"), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	flagPath := filepath.Join(tmpDir, "flag.yaml")
	if err := os.WriteFile(flagPath, []byte("server:\n  name: from-flag\n"), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	os.Setenv("HEARTH_CONFIG", envPath)

	cfg, err := Load(flagPath)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Server.Name != "from-flag" {
		t.Errorf("expected name=from-flag, got %s", cfg.Server.Name)
	}
}

func TestLoadFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "hearth.yaml")

	configContent := `
environment: staging

server:
  name: hearth.example.org
  data_dir: /custom/data

storage:
  fsync_mode: interval
  fsync_interval: 20ms
  compression: lz4

retention:
  min_events: 500
  max_age: 720h

presence:
  debounce: 3s

join:
  attempt_timeout: 30s
  server_timeout: 5s

metrics:
  listen_addr: "127.0.0.1:9640"

log:
  level: debug
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := LoadFile(configPath)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}

	if cfg.Environment != Staging {
		t.Errorf("expected environment=staging, got %s", cfg.Environment)
	}
	if cfg.Server.DataDir != "/custom/data" {
		t.Errorf("expected data_dir=/custom/data, got %s", cfg.Server.DataDir)
	}
	if cfg.Storage.FsyncMode != "interval" {
		t.Errorf("expected fsync_mode=interval, got %s", cfg.Storage.FsyncMode)
	}
	if cfg.Storage.FsyncInterval.Value() != 20*time.Millisecond {
		t.Errorf("expected fsync_interval=20ms, got %s", cfg.Storage.FsyncInterval.Value())
	}
	if cfg.Storage.Compression != "lz4" {
		t.Errorf("expected compression=lz4, got %s", cfg.Storage.Compression)
	}
	if cfg.Retention.MinEvents != 500 {
		t.Errorf("expected min_events=500, got %d", cfg.Retention.MinEvents)
	}
	if cfg.Retention.MaxAge.Value() != 720*time.Hour {
		t.Errorf("expected max_age=720h, got %s", cfg.Retention.MaxAge.Value())
	}
	if cfg.Presence.Debounce.Value() != 3*time.Second {
		t.Errorf("expected debounce=3s, got %s", cfg.Presence.Debounce.Value())
	}
	if cfg.Join.ServerTimeout.Value() != 5*time.Second {
		t.Errorf("expected server_timeout=5s, got %s", cfg.Join.ServerTimeout.Value())
	}
	if cfg.Metrics.ListenAddr != "127.0.0.1:9640" {
		t.Errorf("expected listen_addr=127.0.0.1:9640, got %s", cfg.Metrics.ListenAddr)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("expected level=debug, got %s", cfg.Log.Level)
	}

	// Unset fields keep defaults.
	if cfg.Presence.OfflineTimeout.Value() != 30*time.Minute {
		t.Errorf("expected offline_timeout=30m, got %s", cfg.Presence.OfflineTimeout.Value())
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "hearth.yaml")

	configContent := `
environment: production

server:
  name: hearth.example.org
  data_dir: /default/data

storage:
  fsync_mode: never

log:
  level: debug

production:
  server:
    data_dir: /prod/data
  storage:
    fsync_mode: always
  log:
    level: warn

staging:
  server:
    data_dir: /staging/data
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := LoadFile(configPath)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}

	if cfg.Server.DataDir != "/prod/data" {
		t.Errorf("expected data_dir=/prod/data, got %s", cfg.Server.DataDir)
	}
	if cfg.Storage.FsyncMode != "always" {
		t.Errorf("expected fsync_mode=always from production override, got %s", cfg.Storage.FsyncMode)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("expected level=warn from production override, got %s", cfg.Log.Level)
	}
	// The staging section must not apply.
	if cfg.Server.Name != "hearth.example.org" {
		t.Errorf("expected name=hearth.example.org, got %s", cfg.Server.Name)
	}
}

func TestExpandVars(t *testing.T) {
	tests := []struct {
		input    string
		vars     map[string]string
		expected string
	}{
		{
			input:    "${HEARTH_DATA}/events",
			vars:     map[string]string{"HEARTH_DATA": "/var/lib/hearth"},
			expected: "/var/lib/hearth/events",
		},
		{
			input:    "${MISSING:-/fallback}",
			vars:     map[string]string{},
			expected: "/fallback",
		},
		{
			input:    "${PRESENT:-/fallback}",
			vars:     map[string]string{"PRESENT": "/value"},
			expected: "/value",
		},
		{
			input:    "${A}/${B}",
			vars:     map[string]string{"A": "first", "B": "second"},
			expected: "first/second",
		},
		{
			input:    "no variables here",
			vars:     map[string]string{},
			expected: "no variables here",
		},
	}

	for _, tt := range tests {
		result := expandVars(tt.input, tt.vars)
		if result != tt.expected {
			t.Errorf("expandVars(%q) = %q, want %q", tt.input, result, tt.expected)
		}
	}
}

func TestVariableExpansionInPaths(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "hearth.yaml")

	configContent := `
server:
  name: hearth.example.org
  data_dir: /srv/hearth
signing:
  key_file: ${HEARTH_DATA}/signing.key
  identity_file: ${HEARTH_DATA}/identity.age
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := LoadFile(configPath)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}

	if cfg.Signing.KeyFile != "/srv/hearth/signing.key" {
		t.Errorf("expected key_file=/srv/hearth/signing.key, got %s", cfg.Signing.KeyFile)
	}
	if cfg.Signing.IdentityFile != "/srv/hearth/identity.age" {
		t.Errorf("expected identity_file=/srv/hearth/identity.age, got %s", cfg.Signing.IdentityFile)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.Server.Name = "hearth.example.org"
		return cfg
	}

	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name: "invalid environment",
			modify: func(c *Config) {
				c.Environment = "invalid"
			},
			wantErr: true,
		},
		{
			name: "missing server name",
			modify: func(c *Config) {
				c.Server.Name = ""
			},
			wantErr: true,
		},
		{
			name: "empty data dir",
			modify: func(c *Config) {
				c.Server.DataDir = ""
			},
			wantErr: true,
		},
		{
			name: "invalid fsync mode",
			modify: func(c *Config) {
				c.Storage.FsyncMode = "sometimes"
			},
			wantErr: true,
		},
		{
			name: "invalid compression codec",
			modify: func(c *Config) {
				c.Storage.Compression = "gzip"
			},
			wantErr: true,
		},
		{
			name: "backoff bounds inverted",
			modify: func(c *Config) {
				c.Join.InitialBackoff = Duration(time.Minute)
				c.Join.MaxBackoff = Duration(time.Second)
			},
			wantErr: true,
		},
		{
			name: "empty socket path",
			modify: func(c *Config) {
				c.Control.SocketPath = ""
			},
			wantErr: true,
		},
		{
			name: "invalid log level",
			modify: func(c *Config) {
				c.Log.Level = "verbose"
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.modify(cfg)

			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestEnsurePaths(t *testing.T) {
	tmpDir := t.TempDir()

	cfg := Default()
	cfg.Server.DataDir = filepath.Join(tmpDir, "hearth")

	if err := cfg.EnsurePaths(); err != nil {
		t.Fatalf("EnsurePaths failed: %v", err)
	}

	for _, path := range []string{cfg.Server.DataDir, cfg.EventStoreDir(), filepath.Dir(cfg.CursorDBPath()), cfg.QuarantineDir()} {
		info, err := os.Stat(path)
		if err != nil {
			t.Errorf("path %s not created: %v", path, err)
			continue
		}
		if !info.IsDir() {
			t.Errorf("path %s is not a directory", path)
		}
	}
}
