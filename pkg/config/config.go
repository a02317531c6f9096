// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package config loads vnlink settings from a TOML or YAML file. Absent keys
// keep their defaults; command-line flags are applied on top by the caller.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/Thermoquad/vnlink/pkg/export"
	"github.com/Thermoquad/vnlink/pkg/router"
	"github.com/Thermoquad/vnlink/pkg/vnproto"
)

// Duration is a time.Duration written as "200ms" in config files
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for TOML
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.UnmarshalText([]byte(node.Value))
}

// Std returns the value as a time.Duration
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Connection selects the transport
type Connection struct {
	Port          string   `toml:"port" yaml:"port"`
	Baud          int      `toml:"baud" yaml:"baud"`
	ReadTimeout   Duration `toml:"read_timeout" yaml:"read_timeout"`
	URL           string   `toml:"url" yaml:"url"`
	Username      string   `toml:"username" yaml:"username"`
	SkipSSLVerify bool     `toml:"no_ssl_verify" yaml:"no_ssl_verify"`
	File          string   `toml:"file" yaml:"file"`
	ReplayRate    int      `toml:"replay_rate" yaml:"replay_rate"`
}

// Buffer sizes the receive ring buffer
type Buffer struct {
	Capacity int `toml:"capacity" yaml:"capacity"`
}

// Framer configures packet framing
type Framer struct {
	// Binary registers extra binary output fields as "group:field:type:count:name"
	Binary []string `toml:"binary" yaml:"binary"`
}

// Commands configures command submission
type Commands struct {
	Checksum       string   `toml:"checksum" yaml:"checksum"`
	RemovalTimeout Duration `toml:"removal_timeout" yaml:"removal_timeout"`
	ResendInterval Duration `toml:"resend_interval" yaml:"resend_interval"`
	Retries        int      `toml:"retries" yaml:"retries"`
}

// Router configures default subscriber queues
type Router struct {
	QueueCapacity int      `toml:"queue_capacity" yaml:"queue_capacity"`
	Policy        string   `toml:"policy" yaml:"policy"`
	RetryTimeout  Duration `toml:"retry_timeout" yaml:"retry_timeout"`
}

// Measurements sizes the measurement queue
type Measurements struct {
	QueueCapacity int `toml:"queue_capacity" yaml:"queue_capacity"`
}

// Errors sizes the async error channel
type Errors struct {
	Capacity int `toml:"capacity" yaml:"capacity"`
}

// Export configures the export command
type Export struct {
	Dir     string   `toml:"dir" yaml:"dir"`
	Kinds   []string `toml:"kinds" yaml:"kinds"`
	Filters []string `toml:"filters" yaml:"filters"`
}

// Logging configures zerolog output and file rotation
type Logging struct {
	Level      string `toml:"level" yaml:"level"`
	File       string `toml:"file" yaml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `toml:"compress" yaml:"compress"`
}

// Metrics configures the Prometheus endpoint. An empty Addr disables it.
type Metrics struct {
	Addr      string `toml:"addr" yaml:"addr"`
	Namespace string `toml:"namespace" yaml:"namespace"`
}

// Config is the complete vnlink configuration
type Config struct {
	Connection   Connection   `toml:"connection" yaml:"connection"`
	Buffer       Buffer       `toml:"buffer" yaml:"buffer"`
	Framer       Framer       `toml:"framer" yaml:"framer"`
	Commands     Commands     `toml:"commands" yaml:"commands"`
	Router       Router       `toml:"router" yaml:"router"`
	Measurements Measurements `toml:"measurements" yaml:"measurements"`
	Errors       Errors       `toml:"errors" yaml:"errors"`
	Export       Export       `toml:"export" yaml:"export"`
	Logging      Logging      `toml:"logging" yaml:"logging"`
	Metrics      Metrics      `toml:"metrics" yaml:"metrics"`
}

// Default returns the built-in configuration
func Default() Config {
	return Config{
		Connection: Connection{
			Baud:        115200,
			ReadTimeout: Duration(100 * time.Millisecond),
		},
		Buffer: Buffer{Capacity: 64 * 1024},
		Commands: Commands{
			Checksum:       "xor",
			RemovalTimeout: Duration(200 * time.Millisecond),
			ResendInterval: Duration(500 * time.Millisecond),
			Retries:        3,
		},
		Router: Router{
			QueueCapacity: 1024,
			Policy:        "retry",
			RetryTimeout:  Duration(10 * time.Millisecond),
		},
		Measurements: Measurements{QueueCapacity: 256},
		Errors:       Errors{Capacity: 64},
		Export: Export{
			Dir:   ".",
			Kinds: []string{"csv"},
		},
		Logging: Logging{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Metrics: Metrics{Namespace: "vnlink"},
	}
}

// Load reads path over the defaults. The format follows the extension:
// .toml, .yaml or .yml. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		return Config{}, fmt.Errorf("unsupported config format %q (use .toml, .yaml or .yml)", filepath.Ext(path))
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks ranges and enumerated values
func (c Config) Validate() error {
	var errs []error

	if c.Connection.Baud < 0 {
		errs = append(errs, fmt.Errorf("connection.baud must not be negative"))
	}
	if c.Connection.ReplayRate < 0 {
		errs = append(errs, fmt.Errorf("connection.replay_rate must not be negative"))
	}
	if c.Buffer.Capacity <= 0 {
		errs = append(errs, fmt.Errorf("buffer.capacity must be positive"))
	}
	if _, err := c.FieldTable(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.ChecksumMode(); err != nil {
		errs = append(errs, fmt.Errorf("commands.checksum: %w", err))
	}
	if c.Commands.RemovalTimeout <= 0 {
		errs = append(errs, fmt.Errorf("commands.removal_timeout must be positive"))
	}
	if c.Commands.ResendInterval <= 0 {
		errs = append(errs, fmt.Errorf("commands.resend_interval must be positive"))
	}
	if c.Commands.Retries < 0 {
		errs = append(errs, fmt.Errorf("commands.retries must not be negative"))
	}
	if c.Router.QueueCapacity <= 0 {
		errs = append(errs, fmt.Errorf("router.queue_capacity must be positive"))
	}
	if _, err := router.ParsePolicy(c.Router.Policy); err != nil {
		errs = append(errs, fmt.Errorf("router.policy: %w", err))
	}
	if c.Measurements.QueueCapacity < 0 {
		errs = append(errs, fmt.Errorf("measurements.queue_capacity must not be negative"))
	}
	if c.Errors.Capacity <= 0 {
		errs = append(errs, fmt.Errorf("errors.capacity must be positive"))
	}
	for _, k := range c.Export.Kinds {
		if _, err := export.ParseKind(k); err != nil {
			errs = append(errs, fmt.Errorf("export.kinds: %w", err))
		}
	}
	for _, f := range c.Export.Filters {
		if _, err := router.ParseFilter(f); err != nil {
			errs = append(errs, fmt.Errorf("export.filters: %w", err))
		}
	}
	if _, err := zerolog.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("logging.level: %w", err))
	}

	return errors.Join(errs...)
}

// ChecksumMode returns the parsed command checksum mode
func (c Config) ChecksumMode() (vnproto.ChecksumMode, error) {
	return vnproto.ParseChecksumMode(c.Commands.Checksum)
}

// FieldTable returns the default binary field table extended with
// Framer.Binary entries
func (c Config) FieldTable() (*vnproto.FieldTable, error) {
	table := vnproto.DefaultFieldTable()
	for _, spec := range c.Framer.Binary {
		d, err := vnproto.ParseFieldDescriptor(spec)
		if err != nil {
			return nil, fmt.Errorf("framer.binary: %w", err)
		}
		if err := table.Add(d); err != nil {
			return nil, fmt.Errorf("framer.binary: %w", err)
		}
	}
	return table, nil
}
