// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the NetAudit service configuration.
//
// # Description
//
// Configuration is resolved in three layers, later layers winning:
//
//  1. Default(), the built-in defaults of every component.
//  2. A YAML file. Unknown keys are rejected.
//  3. NETAUDIT_* environment variables (see envOverrides).
//
// The result is validated with struct tags before use. A Watcher reloads
// the file on change and hands the new configuration to a callback.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianNetAudit/pkg/logging"
	"github.com/AleutianAI/AleutianNetAudit/services/netaudit/audit"
	"github.com/AleutianAI/AleutianNetAudit/services/netaudit/backoff"
	"github.com/AleutianAI/AleutianNetAudit/services/netaudit/backup"
	"github.com/AleutianAI/AleutianNetAudit/services/netaudit/remediation"
	"github.com/AleutianAI/AleutianNetAudit/services/netaudit/scheduler"
	"github.com/AleutianAI/AleutianNetAudit/services/netaudit/storage"
	"github.com/AleutianAI/AleutianNetAudit/services/netaudit/telemetry"
	"github.com/AleutianAI/AleutianNetAudit/services/netaudit/trigger"
)

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr              string        `yaml:"addr" validate:"required,hostname_port"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" validate:"gt=0"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`
}

// VaultConfig locates the credential master key. Exactly one of MasterKey
// and MasterKeyFile should be set; both hold a base64 encoded 32 byte key.
type VaultConfig struct {
	KeyID         string `yaml:"key_id" validate:"required"`
	MasterKey     string `yaml:"master_key" validate:"omitempty,base64"`
	MasterKeyFile string `yaml:"master_key_file"`
}

// ConnectorConfig holds settings shared by every connector variant.
type ConnectorConfig struct {
	// ConnectTimeout bounds dial plus handshake.
	ConnectTimeout time.Duration `yaml:"connect_timeout" validate:"gt=0"`

	// OpTimeout bounds each fetch or push.
	OpTimeout time.Duration `yaml:"op_timeout" validate:"gt=0"`

	// KnownHostsFile verifies device SSH host keys. Empty accepts any key.
	KnownHostsFile string `yaml:"known_hosts_file"`
}

// TriggerConfig configures the audit-execution interface.
type TriggerConfig struct {
	Dispatcher trigger.DispatcherConfig `yaml:"dispatcher"`

	// RemoteURL sends re-audit requests to another NetAudit instance
	// instead of the local dispatcher.
	RemoteURL string `yaml:"remote_url" validate:"omitempty,url"`
}

// Config is the complete service configuration.
type Config struct {
	Server      ServerConfig       `yaml:"server"`
	Storage     storage.Config     `yaml:"storage"`
	Vault       VaultConfig        `yaml:"vault"`
	Connector   ConnectorConfig    `yaml:"connector"`
	Backoff     backoff.Config     `yaml:"backoff"`
	Audit       audit.Config       `yaml:"audit"`
	Backup      backup.Config      `yaml:"backup"`
	Remediation remediation.Config `yaml:"remediation"`
	Scheduler   scheduler.Config   `yaml:"scheduler"`
	Trigger     TriggerConfig      `yaml:"trigger"`
	Telemetry   telemetry.Config   `yaml:"telemetry"`
	Logging     logging.Config     `yaml:"logging"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:              "127.0.0.1:8087",
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownTimeout:   30 * time.Second,
		},
		Storage: storage.DefaultConfig(),
		Vault:   VaultConfig{KeyID: "primary"},
		Connector: ConnectorConfig{
			ConnectTimeout: 15 * time.Second,
			OpTimeout:      60 * time.Second,
		},
		Backoff:     backoff.DefaultConfig(),
		Audit:       audit.DefaultConfig(),
		Backup:      backup.DefaultConfig(),
		Remediation: remediation.DefaultConfig(),
		Scheduler:   scheduler.DefaultConfig(),
		Trigger: TriggerConfig{
			Dispatcher: trigger.DispatcherConfig{MaxConcurrent: 2, MaxPending: 64},
		},
		Telemetry: telemetry.DefaultConfig(),
		Logging:   logging.DefaultConfig(),
	}
}

// Load resolves the configuration from path (optional) and the process
// environment.
//
// # Outputs
//
//   - *Config: Validated configuration.
//   - error: Read, parse, override or validation failure.
func Load(path string) (*Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := decode(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if err := applyEnv(cfg, lookup); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// =============================================================================
// Environment overrides
// =============================================================================

type envOverride struct {
	name  string
	apply func(cfg *Config, v string) error
}

func str(dst func(*Config) *string) func(*Config, string) error {
	return func(c *Config, v string) error { *dst(c) = v; return nil }
}

func dur(dst func(*Config) *time.Duration) func(*Config, string) error {
	return func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*dst(c) = d
		return nil
	}
}

func integer(dst func(*Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*dst(c) = n
		return nil
	}
}

func boolean(dst func(*Config) *bool) func(*Config, string) error {
	return func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*dst(c) = b
		return nil
	}
}

var envOverrides = []envOverride{
	{"NETAUDIT_SERVER_ADDR", str(func(c *Config) *string { return &c.Server.Addr })},
	{"NETAUDIT_STORAGE_PATH", str(func(c *Config) *string { return &c.Storage.Path })},
	{"NETAUDIT_STORAGE_IN_MEMORY", boolean(func(c *Config) *bool { return &c.Storage.InMemory })},
	{"NETAUDIT_VAULT_KEY_ID", str(func(c *Config) *string { return &c.Vault.KeyID })},
	{"NETAUDIT_VAULT_MASTER_KEY", str(func(c *Config) *string { return &c.Vault.MasterKey })},
	{"NETAUDIT_VAULT_MASTER_KEY_FILE", str(func(c *Config) *string { return &c.Vault.MasterKeyFile })},
	{"NETAUDIT_KNOWN_HOSTS_FILE", str(func(c *Config) *string { return &c.Connector.KnownHostsFile })},
	{"NETAUDIT_CONNECT_TIMEOUT", dur(func(c *Config) *time.Duration { return &c.Connector.ConnectTimeout })},
	{"NETAUDIT_MAX_DEVICES", integer(func(c *Config) *int { return &c.Scheduler.MaxDevices })},
	{"NETAUDIT_HEALTH_INTERVAL", dur(func(c *Config) *time.Duration { return &c.Scheduler.HealthInterval })},
	{"NETAUDIT_TRIGGER_URL", str(func(c *Config) *string { return &c.Trigger.RemoteURL })},
	{"NETAUDIT_TRACE_EXPORTER", str(func(c *Config) *string { return &c.Telemetry.TraceExporter })},
	{"NETAUDIT_METRIC_EXPORTER", str(func(c *Config) *string { return &c.Telemetry.MetricExporter })},
	{"NETAUDIT_OTLP_ENDPOINT", str(func(c *Config) *string { return &c.Telemetry.OTLPEndpoint })},
	{"NETAUDIT_ENV", str(func(c *Config) *string { return &c.Telemetry.Environment })},
	{"NETAUDIT_LOG_DIR", str(func(c *Config) *string { return &c.Logging.LogDir })},
	{"NETAUDIT_LOG_JSON", boolean(func(c *Config) *bool { return &c.Logging.JSON })},
	{"NETAUDIT_LOG_LEVEL", func(c *Config, v string) error { return c.Logging.Level.UnmarshalText([]byte(v)) }},
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	var errs []error
	for _, o := range envOverrides {
		v, ok := lookup(o.name)
		if !ok || v == "" {
			continue
		}
		if err := o.apply(cfg, v); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", o.name, err))
		}
	}
	return errors.Join(errs...)
}

// =============================================================================
// Validation
// =============================================================================

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct tags and cross-field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]error, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Errorf("%s: failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
			}
			return fmt.Errorf("invalid config: %w", errors.Join(msgs...))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Vault.MasterKey != "" && c.Vault.MasterKeyFile != "" {
		return errors.New("invalid config: vault.master_key and vault.master_key_file are mutually exclusive")
	}
	if !c.Storage.InMemory && c.Storage.Path == "" {
		return errors.New("invalid config: storage.path is required unless storage.in_memory is set")
	}
	return nil
}

// MasterKey returns the base64 master key from the inline value or file.
// An empty string means no key is configured.
func (c *Config) MasterKey() (string, error) {
	if c.Vault.MasterKeyFile == "" {
		return c.Vault.MasterKey, nil
	}
	data, err := os.ReadFile(c.Vault.MasterKeyFile)
	if err != nil {
		return "", fmt.Errorf("read master key file: %w", err)
	}
	return string(bytes.TrimSpace(data)), nil
}
