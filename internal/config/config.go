// Package config provides configuration types for rowguard.
//
// The schema is intentionally small: rowguard terminates exactly one
// PostgreSQL-compatible listener, talks to exactly one control plane, and
// proxies to exactly one backend per session. Anything beyond that (pooling,
// multi-tenant routing, an admin UI) is out of scope for the core.
package config

import (
	"os"

	"github.com/spf13/viper"
)

// Config is the top-level configuration for rowguard.
type Config struct {
	// DriverType selects the wire dialect. Only "postgres" is supported today;
	// the field exists so a future driver can be added without a schema break.
	DriverType string `yaml:"driver_type" mapstructure:"driver_type" validate:"required,eq=postgres"`

	// ControlPlaneAddr is the host:port of the control-plane RPC endpoint.
	ControlPlaneAddr string `yaml:"controlplane_addr" mapstructure:"controlplane_addr" validate:"required,hostname_port"`

	// SecretToken authenticates rowguard to the control plane (auth-token header).
	SecretToken string `yaml:"secret_token" mapstructure:"secret_token" validate:"required"`

	// Postgres configures the backend connection and the client-facing listener.
	Postgres PostgresConfig `yaml:"postgres_config" mapstructure:"postgres_config" validate:"required"`

	// Log configures the ambient slog output.
	Log LogConfig `yaml:"log" mapstructure:"log"`

	// Metrics configures the Prometheus exposition endpoint.
	Metrics MetricsConfig `yaml:"metrics" mapstructure:"metrics"`

	// Tracing configures the OpenTelemetry tracer.
	Tracing TracingConfig `yaml:"tracing" mapstructure:"tracing"`

	// Audit configures where per-statement audit records are sent.
	Audit AuditConfig `yaml:"audit" mapstructure:"audit"`

	// BreakGlass configures the operator-maintained CEL override rule file.
	BreakGlass BreakGlassConfig `yaml:"break_glass" mapstructure:"break_glass"`

	// TableInfoRefresh is how often the admin side-channel re-queries the
	// information schema (e.g. "2m"). Defaults to "2m" per spec.
	TableInfoRefresh string `yaml:"table_info_refresh" mapstructure:"table_info_refresh" validate:"omitempty"`

	// DevMode relaxes startup requirements for local iteration (e.g. allows
	// the bundled dev control plane to be used instead of a real one).
	DevMode bool `yaml:"dev_mode" mapstructure:"dev_mode"`
}

// PostgresConfig configures the backend connection rowguard dials and the
// port rowguard itself listens on for client connections.
type PostgresConfig struct {
	TargetAddr      string `yaml:"target_addr" mapstructure:"target_addr" validate:"required"`
	TargetPort      int    `yaml:"target_port" mapstructure:"target_port" validate:"required,min=1,max=65535"`
	TargetUsername  string `yaml:"target_username" mapstructure:"target_username" validate:"required"`
	TargetPassword  string `yaml:"target_password" mapstructure:"target_password"`
	ProxyListenPort int    `yaml:"proxy_listen_port" mapstructure:"proxy_listen_port" validate:"required,min=1,max=65535"`

	// ProxyListenAddr defaults to "0.0.0.0" when empty.
	ProxyListenAddr string `yaml:"proxy_listen_addr" mapstructure:"proxy_listen_addr"`

	// TLS configures optional TLS upgrade on the client-facing listener.
	TLS TLSConfig `yaml:"tls" mapstructure:"tls"`
}

// TLSConfig configures the optional client-side TLS upgrade (§4.2).
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled" mapstructure:"enabled"`
	CertFile string `yaml:"cert_file" mapstructure:"cert_file" validate:"required_if=Enabled true"`
	KeyFile  string `yaml:"key_file" mapstructure:"key_file" validate:"required_if=Enabled true"`
}

// LogConfig configures the ambient slog handler.
type LogConfig struct {
	// Level: "debug", "info", "warn", "error". Defaults to "info".
	Level string `yaml:"level" mapstructure:"level" validate:"omitempty,oneof=debug info warn warning error"`
	// Format: "text" or "json". Defaults to "text".
	Format string `yaml:"format" mapstructure:"format" validate:"omitempty,oneof=text json"`
}

// MetricsConfig configures the Prometheus exposition endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Addr    string `yaml:"addr" mapstructure:"addr" validate:"omitempty,hostname_port"`
}

// TracingConfig configures the OpenTelemetry tracer provider.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled" mapstructure:"enabled"`
	Exporter string `yaml:"exporter" mapstructure:"exporter" validate:"omitempty,oneof=stdout none"`
}

// AuditConfig configures the audit worker's sink selection (§4.9, §10.3).
type AuditConfig struct {
	// Sink: "stdout", "file", or "cloudlog". Defaults to "stdout".
	Sink string `yaml:"sink" mapstructure:"sink" validate:"omitempty,oneof=stdout file cloudlog"`
	// ChannelSize is the bounded audit channel capacity. Spec mandates 32.
	ChannelSize int `yaml:"channel_size" mapstructure:"channel_size" validate:"omitempty,min=1"`
	// File configures the file sink (only read when Sink == "file").
	File AuditFileConfig `yaml:"file" mapstructure:"file"`
	// CloudLog configures the cloud-log sink (only read when Sink == "cloudlog").
	CloudLog AuditCloudLogConfig `yaml:"cloud_log" mapstructure:"cloud_log"`
}

// AuditFileConfig configures the file-based audit persistence (repurposed
// from the teacher's file_store rotation/retention logic, §10.3).
type AuditFileConfig struct {
	Dir           string `yaml:"dir" mapstructure:"dir" validate:"required_if=Sink file"`
	RetentionDays int    `yaml:"retention_days" mapstructure:"retention_days" validate:"omitempty,min=1"`
	MaxFileSizeMB int    `yaml:"max_file_size_mb" mapstructure:"max_file_size_mb" validate:"omitempty,min=1"`
}

// AuditCloudLogConfig configures the remote log-service sink.
type AuditCloudLogConfig struct {
	Endpoint string `yaml:"endpoint" mapstructure:"endpoint" validate:"required_if=Sink cloudlog"`
}

// BreakGlassConfig configures the CEL-based local override feature (§10.1).
type BreakGlassConfig struct {
	Enabled   bool   `yaml:"enabled" mapstructure:"enabled"`
	RulesFile string `yaml:"rules_file" mapstructure:"rules_file" validate:"required_if=Enabled true"`
}

// SetDevDefaults applies permissive defaults for development mode.
// Applied BEFORE validation so required fields are satisfied when a
// developer points rowguard at the bundled dev control plane.
func (c *Config) SetDevDefaults() {
	if !c.DevMode {
		return
	}
	if c.ControlPlaneAddr == "" {
		c.ControlPlaneAddr = "127.0.0.1:8090"
	}
	if c.SecretToken == "" {
		c.SecretToken = "dev-secret-token"
	}
	if c.Audit.Sink == "" {
		c.Audit.Sink = "stdout"
	}
}

// SetDefaults applies sensible default values to the configuration.
// Uses viper.IsSet to distinguish "not present in YAML/env" from
// "explicitly set to the zero value".
func (c *Config) SetDefaults() {
	if c.DriverType == "" {
		c.DriverType = "postgres"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Postgres.ProxyListenAddr == "" {
		c.Postgres.ProxyListenAddr = "0.0.0.0"
	}
	if c.Audit.Sink == "" {
		c.Audit.Sink = "stdout"
	}
	if c.Audit.ChannelSize == 0 {
		c.Audit.ChannelSize = 32
	}
	if c.Audit.File.RetentionDays == 0 {
		c.Audit.File.RetentionDays = 7
	}
	if c.Audit.File.MaxFileSizeMB == 0 {
		c.Audit.File.MaxFileSizeMB = 100
	}
	if c.TableInfoRefresh == "" {
		c.TableInfoRefresh = "2m"
	}
	if !viper.IsSet("metrics.enabled") {
		c.Metrics.Enabled = true
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = "127.0.0.1:9090"
	}
	if c.Tracing.Exporter == "" {
		c.Tracing.Exporter = "stdout"
	}
}

// devConfigDir returns the per-user directory used by the bundled dev
// control plane for its sqlite-backed store. Best-effort: it returns "" when
// the home directory cannot be determined. No code in this repository calls
// it.
func devConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return home + "/.rowguard"
}
