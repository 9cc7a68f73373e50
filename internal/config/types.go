// Package config loads hierplan configuration from files, env vars, and flags, and validates it.
package config

import (
	"cmp"
	"maps"
	"time"
)

// Config holds the application configuration.
type Config struct {
	Database      DatabaseConfig      `mapstructure:"database"`
	Metadata      MetadataConfig      `mapstructure:"metadata"`
	ContextStore  ContextStoreConfig  `mapstructure:"context_store"`
	Compiler      CompilerConfig      `mapstructure:"compiler"`
	Server        ServerConfig        `mapstructure:"server"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Compile       CompileConfig       `mapstructure:"compile"`
}

// Metadata source kinds.
const (
	MetadataSourceSQL     = "sql"
	MetadataSourceCatalog = "catalog"
)

// MetadataConfig selects where bindings, entities, and relationships are read from.
type MetadataConfig struct {
	// Source is "sql" (metadata tables in the configured database) or "catalog" (a YAML file).
	Source      string `mapstructure:"source"`
	CatalogFile string `mapstructure:"catalog_file"`
	// TablePrefix is prepended to every metadata table name.
	TablePrefix string `mapstructure:"table_prefix"`
}

// UsesDatabase reports whether the metadata source needs a database connection.
func (m MetadataConfig) UsesDatabase() bool {
	return m.Source != MetadataSourceCatalog
}

// ContextStoreConfig controls where incremental high-water marks are read from.
type ContextStoreConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Table   string `mapstructure:"table"`
}

// CompilerConfig tunes plan compilation.
type CompilerConfig struct {
	MaxConcurrency    int  `mapstructure:"max_concurrency"`
	AllowDisconnected bool `mapstructure:"allow_disconnected"`
}

// CompileConfig describes a one-shot compilation run from the command line.
// A zero Destination means the HTTP server is started instead.
type CompileConfig struct {
	Destination      int64  `mapstructure:"destination"`
	Binding          int64  `mapstructure:"binding"`
	BindingExecution int64  `mapstructure:"binding_execution"`
	LoadType         string `mapstructure:"load_type"`
	IncrementalStart string `mapstructure:"incremental_start"`
	// Output is the file the plan JSON is written to; empty means stdout.
	Output string `mapstructure:"output"`
}

// Enabled reports whether a one-shot compilation was requested.
func (c CompileConfig) Enabled() bool {
	return c.Destination != 0
}

// IncrementalStartTime parses IncrementalStart as RFC3339. Empty returns nil.
func (c CompileConfig) IncrementalStartTime() (*time.Time, error) {
	if c.IncrementalStart == "" {
		return nil, nil
	}
	ts, err := time.Parse(time.RFC3339Nano, c.IncrementalStart)
	if err != nil {
		return nil, err
	}
	return &ts, nil
}

// PoolConfig holds connection pool parameters.
type PoolConfig struct {
	MaxOpen     int           `mapstructure:"max_open"`
	MaxIdle     int           `mapstructure:"max_idle"`
	MaxLifetime time.Duration `mapstructure:"max_lifetime"`
}

// DatabaseTLSConfig holds TLS/SSL configuration for database connections.
type DatabaseTLSConfig struct {
	// Mode controls TLS behavior:
	//   - "off": No TLS (plaintext connection)
	//   - "skip-verify": TLS without server certificate verification (insecure)
	//   - "verify-ca": TLS with CA verification but no hostname check
	//   - "verify-full": TLS with full verification including hostname
	Mode string `mapstructure:"mode"`

	CAFile string `mapstructure:"ca_file"`
	// CAFileEnv names an environment variable holding the CA file path.
	CAFileEnv string `mapstructure:"ca_file_env"`

	CertFile    string `mapstructure:"cert_file"`
	CertFileEnv string `mapstructure:"cert_file_env"`

	KeyFile    string `mapstructure:"key_file"`
	KeyFileEnv string `mapstructure:"key_file_env"`

	// ServerName overrides the server name used for TLS verification.
	ServerName string `mapstructure:"server_name"`
}

// DatabaseConfig holds connection parameters for the database that stores the
// metadata tables and the high-water mark table.
type DatabaseConfig struct {
	// ConnectionString is a complete go-sql-driver/mysql DSN.
	// When set, overrides Host/Port/User/Password/Database fields.
	ConnectionString string `mapstructure:"dsn"`
	// ConnectionStringFile is a path to a file containing the DSN. "@-" reads stdin.
	ConnectionStringFile string `mapstructure:"dsn_file"`

	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	PasswordFile   string `mapstructure:"password_file"`
	PasswordPrompt bool   `mapstructure:"password_prompt"`
	Database       string `mapstructure:"database"`

	TLS  DatabaseTLSConfig `mapstructure:"tls"`
	Pool PoolConfig        `mapstructure:"pool"`

	// ConnectionTimeout is the max time to wait for the DB on startup.
	ConnectionTimeout time.Duration `mapstructure:"connection_timeout"`
	// ConnectionRetryInterval is the initial interval between connection retries.
	ConnectionRetryInterval time.Duration `mapstructure:"connection_retry_interval"`
}

const defaultDatabaseName = "hierplan"

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port               int           `mapstructure:"port"`
	RateLimitEnabled   bool          `mapstructure:"rate_limit_enabled"`
	RateLimitRPS       float64       `mapstructure:"rate_limit_rps"`
	RateLimitBurst     int           `mapstructure:"rate_limit_burst"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	IdleTimeout        time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout    time.Duration `mapstructure:"shutdown_timeout"`
	HealthCheckTimeout time.Duration `mapstructure:"health_check_timeout"`
}

// LoggingConfig holds logging parameters.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, text
	// ExportsEnabled mirrors every record to OTLP alongside local output.
	ExportsEnabled bool `mapstructure:"exports_enabled"`
}

// ObservabilityConfig holds observability parameters. Metrics are served
// for Prometheus scraping, so only traces and logs use OTLP.
type ObservabilityConfig struct {
	ServiceName         string        `mapstructure:"service_name"`
	ServiceVersion      string        `mapstructure:"service_version"`
	Environment         string        `mapstructure:"environment"`
	MetricsEnabled      bool          `mapstructure:"metrics_enabled"`
	TracingEnabled      bool          `mapstructure:"tracing_enabled"`
	TraceSampleRatio    float64       `mapstructure:"trace_sample_ratio"`
	SQLCommenterEnabled bool          `mapstructure:"sqlcommenter_enabled"`
	Logging             LoggingConfig `mapstructure:"logging"`

	// OTLP is shared by both signals; Traces and Logs override it field by field.
	OTLP   OTLPConfig  `mapstructure:"otlp"`
	Traces *OTLPConfig `mapstructure:"traces,omitempty"`
	Logs   *OTLPConfig `mapstructure:"logs,omitempty"`
}

// OTLPConfig holds OTLP exporter configuration.
type OTLPConfig struct {
	Endpoint          string            `mapstructure:"endpoint"`
	Protocol          string            `mapstructure:"protocol"` // grpc, http/protobuf
	Insecure          bool              `mapstructure:"insecure"`
	TLSCertFile       string            `mapstructure:"tls_cert_file"`
	TLSClientCertFile string            `mapstructure:"tls_client_cert_file"`
	TLSClientKeyFile  string            `mapstructure:"tls_client_key_file"`
	Headers           map[string]string `mapstructure:"headers"`
	Timeout           time.Duration     `mapstructure:"timeout"`
	Compression       string            `mapstructure:"compression"` // none, gzip
	RetryEnabled      bool              `mapstructure:"retry_enabled"`
	RetryMaxAttempts  int               `mapstructure:"retry_max_attempts"`
}

// GetTracesConfig returns the effective OTLP config for traces.
func (c *ObservabilityConfig) GetTracesConfig() OTLPConfig {
	return c.OTLP.overlay(c.Traces)
}

// GetLogsConfig returns the effective OTLP config for logs.
func (c *ObservabilityConfig) GetLogsConfig() OTLPConfig {
	return c.OTLP.overlay(c.Logs)
}

// overlay returns base with the non-zero fields of o laid over it. Insecure
// always comes from o when o is present; retry settings move together;
// headers merge key by key.
func (base OTLPConfig) overlay(o *OTLPConfig) OTLPConfig {
	if o == nil {
		return base
	}
	out := base
	out.Endpoint = cmp.Or(o.Endpoint, base.Endpoint)
	out.Protocol = cmp.Or(o.Protocol, base.Protocol)
	out.Insecure = o.Insecure
	out.TLSCertFile = cmp.Or(o.TLSCertFile, base.TLSCertFile)
	out.TLSClientCertFile = cmp.Or(o.TLSClientCertFile, base.TLSClientCertFile)
	out.TLSClientKeyFile = cmp.Or(o.TLSClientKeyFile, base.TLSClientKeyFile)
	out.Timeout = cmp.Or(o.Timeout, base.Timeout)
	out.Compression = cmp.Or(o.Compression, base.Compression)
	if o.RetryMaxAttempts != 0 {
		out.RetryEnabled, out.RetryMaxAttempts = o.RetryEnabled, o.RetryMaxAttempts
	}
	if o.Headers != nil {
		out.Headers = make(map[string]string, len(base.Headers)+len(o.Headers))
		maps.Copy(out.Headers, base.Headers)
		maps.Copy(out.Headers, o.Headers)
	}
	return out
}
