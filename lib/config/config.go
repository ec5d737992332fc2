// Copyright 2026 The QueryLedger Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for QueryLedger
// binaries.
//
// Configuration is loaded from a single YAML file specified by the
// QUERYLEDGER_CONFIG environment variable or the --config flag. There
// are no fallbacks or automatic discovery; this keeps configuration
// deterministic and auditable.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full configuration for the QueryLedger service.
type Config struct {
	// Database configures the SQLite store.
	Database DatabaseConfig `yaml:"database"`

	// Source describes the remote AdGuard Home instance.
	Source SourceConfig `yaml:"source"`

	// Fetch configures the ingestion cycle.
	Fetch FetchConfig `yaml:"fetch"`

	// Socket is the Unix socket path for the action API.
	Socket string `yaml:"socket"`

	// ReportTimezone is the IANA timezone used to derive the date
	// dimension from record timestamps. Defaults to UTC.
	ReportTimezone string `yaml:"report_timezone"`

	// LogLevel is one of debug, info, warn, error. Defaults to info.
	LogLevel string `yaml:"log_level"`
}

// DatabaseConfig configures the SQLite store.
type DatabaseConfig struct {
	// Path is the database file. The parent directory must exist.
	Path string `yaml:"path"`

	// PoolSize is the connection pool size. Zero means the pool
	// default.
	PoolSize int `yaml:"pool_size"`
}

// SourceConfig describes one remote log source.
type SourceConfig struct {
	// Name identifies the source; it keys the fetch cursor. Defaults
	// to the SSH host.
	Name string `yaml:"name"`

	// SSH is the remote command channel endpoint.
	SSH SSHConfig `yaml:"ssh"`

	// QueryLog is the remote path of the AdGuard Home query log.
	QueryLog string `yaml:"query_log"`

	// RotatedCopy enables draining the unread tail of the rotated
	// predecessor file (<query_log>.1) when a rotation is detected.
	RotatedCopy bool `yaml:"rotated_copy"`

	// LeasesPath is the remote dnsmasq lease file used for client
	// name resolution. Empty disables resolution.
	LeasesPath string `yaml:"leases_path"`
}

// SSHConfig is the SSH endpoint for the remote command channel.
type SSHConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	User string `yaml:"user"`

	// KeyFile is the private key used for authentication. Environment
	// variables in the path are expanded.
	KeyFile string `yaml:"key_file"`

	// KnownHostsFile pins the remote host key. Environment variables
	// are expanded. Empty disables host key verification; only
	// acceptable on a trusted LAN segment.
	KnownHostsFile string `yaml:"known_hosts_file"`

	// Timeout bounds connection establishment and each remote command.
	Timeout Duration `yaml:"timeout"`
}

// FetchConfig configures the ingestion cycle.
type FetchConfig struct {
	// ChunkSize is the range-read size in bytes. Defaults to 256 KiB.
	ChunkSize int64 `yaml:"chunk_size"`

	// MaxTransfer caps the total bytes moved in one cycle. The
	// remainder is picked up by the next cycle from the committed
	// cursor. Defaults to 64 MiB.
	MaxTransfer int64 `yaml:"max_transfer"`

	// Schedule is an optional 5-field cron expression (UTC) for
	// automatic cycles. Empty disables scheduling; cycles then run
	// only on explicit triggers.
	Schedule string `yaml:"schedule"`
}

// Duration wraps time.Duration for YAML fields like "30s".
type Duration time.Duration

// UnmarshalYAML parses a Go duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Defaults applied by Load.
const (
	defaultChunkSize   = 256 * 1024
	defaultMaxTransfer = 64 * 1024 * 1024
	defaultSSHPort     = 22
	defaultSSHTimeout  = 30 * time.Second
)

// Load reads, expands, and validates the configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return &cfg, nil
}

// Path resolves the config file location from the explicit flag value
// or the QUERYLEDGER_CONFIG environment variable.
func Path(flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	if env := os.Getenv("QUERYLEDGER_CONFIG"); env != "" {
		return env, nil
	}
	return "", fmt.Errorf("config: no --config flag and QUERYLEDGER_CONFIG is not set")
}

func (c *Config) applyDefaults() {
	if c.Source.Name == "" {
		c.Source.Name = c.Source.SSH.Host
	}
	if c.Source.SSH.Port == 0 {
		c.Source.SSH.Port = defaultSSHPort
	}
	if c.Source.SSH.Timeout == 0 {
		c.Source.SSH.Timeout = Duration(defaultSSHTimeout)
	}
	if c.Fetch.ChunkSize == 0 {
		c.Fetch.ChunkSize = defaultChunkSize
	}
	if c.Fetch.MaxTransfer == 0 {
		c.Fetch.MaxTransfer = defaultMaxTransfer
	}
	if c.ReportTimezone == "" {
		c.ReportTimezone = "UTC"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	c.Source.SSH.KeyFile = os.ExpandEnv(c.Source.SSH.KeyFile)
	c.Source.SSH.KnownHostsFile = os.ExpandEnv(c.Source.SSH.KnownHostsFile)
	c.Database.Path = os.ExpandEnv(c.Database.Path)
	c.Socket = os.ExpandEnv(c.Socket)
}

func (c *Config) validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Socket == "" {
		return fmt.Errorf("socket is required")
	}
	if c.Source.SSH.Host == "" {
		return fmt.Errorf("source.ssh.host is required")
	}
	if c.Source.SSH.User == "" {
		return fmt.Errorf("source.ssh.user is required")
	}
	if c.Source.QueryLog == "" {
		return fmt.Errorf("source.query_log is required")
	}
	if c.Fetch.ChunkSize < 0 || c.Fetch.MaxTransfer < 0 {
		return fmt.Errorf("fetch sizes must be non-negative")
	}
	if _, err := time.LoadLocation(c.ReportTimezone); err != nil {
		return fmt.Errorf("report_timezone %q: %w", c.ReportTimezone, err)
	}
	return nil
}
