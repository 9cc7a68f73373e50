package config

import (
	"fmt"
	"net"
	"net/url"
	"slices"
	"strings"
	"time"
)

// ValidationError represents a configuration validation error with context.
type ValidationError struct {
	Field   string
	Message string
	Hint    string
}

func (e ValidationError) Error() string {
	if e.Hint != "" {
		return fmt.Sprintf("%s: %s (hint: %s)", e.Field, e.Message, e.Hint)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationWarning is a non-fatal configuration issue.
type ValidationWarning struct {
	Field   string
	Message string
	Hint    string
}

// ValidationResult collects everything Validate found.
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationWarning
}

// HasErrors reports whether any fatal issue was found.
func (r *ValidationResult) HasErrors() bool {
	return len(r.Errors) > 0
}

// Error joins all validation errors with "; ", or returns "" when there are none.
func (r *ValidationResult) Error() string {
	msgs := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		msgs = append(msgs, e.Error())
	}
	return strings.Join(msgs, "; ")
}

func (r *ValidationResult) fail(field, hint, format string, args ...any) {
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: fmt.Sprintf(format, args...), Hint: hint})
}

func (r *ValidationResult) warn(field, hint, format string, args ...any) {
	r.Warnings = append(r.Warnings, ValidationWarning{Field: field, Message: fmt.Sprintf(format, args...), Hint: hint})
}

// oneOf checks value against the allowed set and records an error naming
// the valid choices.
func (r *ValidationResult) oneOf(field, what, value string, allowed ...string) {
	if slices.Contains(allowed, value) {
		return
	}
	var shown []string
	for _, a := range allowed {
		if a != "" {
			shown = append(shown, a)
		}
	}
	r.fail(field, "valid values are: "+strings.Join(shown, ", "), "invalid %s %q", what, value)
}

// Validate checks the configuration. Sections that the selected mode does
// not use are skipped: the database only matters when metadata or high water
// marks come from it, and the server section is ignored for a one-shot compile.
func (c *Config) Validate() *ValidationResult {
	r := &ValidationResult{}

	c.Metadata.validate(r)
	if c.Metadata.UsesDatabase() || c.ContextStore.Enabled {
		c.Database.validate(r)
	}
	c.ContextStore.validate(r)
	c.Compiler.validate(r)
	if c.Compile.Enabled() {
		c.Compile.validate(r)
	} else {
		c.Server.validate(r)
	}
	c.Observability.validate(r)

	return r
}

func (m *MetadataConfig) validate(r *ValidationResult) {
	switch m.Source {
	case MetadataSourceSQL:
		if m.CatalogFile != "" {
			r.warn("metadata.catalog_file", "", "catalog_file is ignored when metadata.source is sql")
		}
	case MetadataSourceCatalog:
		if strings.TrimSpace(m.CatalogFile) == "" {
			r.fail("metadata.catalog_file", "set metadata.catalog_file to a YAML catalog path, or use @- for stdin",
				"catalog_file is required when metadata.source is catalog")
		}
	default:
		r.oneOf("metadata.source", "metadata source", m.Source, MetadataSourceSQL, MetadataSourceCatalog)
	}

	if m.TablePrefix != "" && !validIdentifierFragment(m.TablePrefix) {
		r.fail("metadata.table_prefix", "", "table_prefix %q contains characters outside [A-Za-z0-9_$]", m.TablePrefix)
	}
}

func (c *ContextStoreConfig) validate(r *ValidationResult) {
	switch {
	case !c.Enabled:
	case strings.TrimSpace(c.Table) == "":
		r.fail("context_store.table", "", "table is required when the context store is enabled")
	case !validIdentifierFragment(c.Table):
		r.fail("context_store.table", "", "table %q contains characters outside [A-Za-z0-9_$]", c.Table)
	}
}

func (c *CompilerConfig) validate(r *ValidationResult) {
	if c.MaxConcurrency < 1 {
		r.fail("compiler.max_concurrency", "", "max_concurrency must be at least 1")
	}
	if c.AllowDisconnected {
		r.warn("compiler.allow_disconnected", "fix the binding relationships and disable allow_disconnected",
			"bindings unreachable from the root are dropped from plans")
	}
}

func (c *CompileConfig) validate(r *ValidationResult) {
	if c.Destination < 0 {
		r.fail("compile.destination", "", "destination cannot be negative")
	}
	if c.Binding < 0 {
		r.fail("compile.binding", "", "binding cannot be negative")
	}

	loadType := strings.ToLower(strings.TrimSpace(c.LoadType))
	if loadType != "" {
		r.oneOf("compile.load_type", "load type", loadType, "full", "incremental")
	}

	if _, err := c.IncrementalStartTime(); err != nil {
		example := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC).Format(time.RFC3339)
		r.fail("compile.incremental_start", "use RFC3339, e.g. "+example, "invalid incremental_start %q", c.IncrementalStart)
	} else if c.IncrementalStart != "" && loadType != "incremental" {
		r.warn("compile.incremental_start", "", "incremental_start is ignored unless load_type is incremental")
	}
}

// validIdentifierFragment reports whether s is safe to splice into a
// backtick-quoted MySQL identifier.
func validIdentifierFragment(s string) bool {
	for _, c := range s {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_', c == '$':
		default:
			return false
		}
	}
	return true
}

func (d *DatabaseConfig) validate(r *ValidationResult) {
	if d.ConnectionString == "" && !validPort(d.Port) {
		r.fail("database.port", "", "port %d is out of valid range (1-65535)", d.Port)
	}

	d.TLS.validate(r)

	for _, n := range []struct {
		field string
		value int
	}{
		{"database.pool.max_open", d.Pool.MaxOpen},
		{"database.pool.max_idle", d.Pool.MaxIdle},
	} {
		if n.value < 0 {
			r.fail(n.field, "", "%s cannot be negative", n.field[strings.LastIndex(n.field, ".")+1:])
		}
	}
	if d.Pool.MaxOpen > 0 && d.Pool.MaxIdle > d.Pool.MaxOpen {
		r.warn("database.pool.max_idle", "idle connections will be limited to max_open", "max_idle is greater than max_open")
	}

	switch {
	case d.ConnectionTimeout < 0:
		r.fail("database.connection_timeout", "", "connection_timeout cannot be negative")
	case d.ConnectionRetryInterval < 0:
		r.fail("database.connection_retry_interval", "", "connection_retry_interval cannot be negative")
	case d.ConnectionTimeout > 0 && d.ConnectionRetryInterval == 0:
		r.fail("database.connection_retry_interval",
			"set a retry interval such as 2s, or set connection_timeout to 0 to disable retries",
			"connection_retry_interval must be greater than 0 when connection_timeout is set")
	case d.ConnectionTimeout > 0 && d.ConnectionRetryInterval > d.ConnectionTimeout:
		r.warn("database.connection_retry_interval", "only one connection attempt will be made",
			"connection_retry_interval is greater than connection_timeout")
	}

	name, _, err := resolveEffectiveDatabaseName(d.Database, d.ConnectionString)
	if err != nil {
		if strings.HasPrefix(err.Error(), "database.dsn") {
			r.fail("database.dsn", "set a valid MySQL DSN in database.dsn or database.dsn_file", "%s", err)
		} else {
			r.fail("database.database", "set database.database or include a /database in database.dsn", "%s", err)
		}
		return
	}
	d.Database = name
}

func (t *DatabaseTLSConfig) validate(r *ValidationResult) {
	r.oneOf("database.tls.mode", "TLS mode", t.Mode, "", "off", "skip-verify", "verify-ca", "verify-full")

	verifying := t.Mode == "verify-ca" || t.Mode == "verify-full"
	if verifying && fromEnvOr(t.CAFileEnv, t.CAFile) == "" {
		r.fail("database.tls.ca_file", "set ca_file or ca_file_env to specify the CA certificate",
			"CA file is required for verify-ca and verify-full modes")
	}

	hasCert := fromEnvOr(t.CertFileEnv, t.CertFile) != ""
	hasKey := fromEnvOr(t.KeyFileEnv, t.KeyFile) != ""
	if hasCert != hasKey {
		r.fail("database.tls.cert_file", "provide both cert_file and key_file, or neither",
			"both cert_file and key_file must be specified for client certificate authentication")
	}

	if t.Mode == "skip-verify" {
		r.warn("database.tls.mode", "use verify-ca or verify-full in production",
			"skip-verify mode does not verify server certificates")
	}
}

func (s *ServerConfig) validate(r *ValidationResult) {
	if !validPort(s.Port) {
		r.fail("server.port", "", "port %d is out of valid range (1-65535)", s.Port)
	}

	if s.RateLimitEnabled {
		if s.RateLimitRPS <= 0 {
			r.fail("server.rate_limit_rps", "", "rate_limit_rps must be greater than 0 when rate limiting is enabled")
		}
		if s.RateLimitBurst <= 0 {
			r.fail("server.rate_limit_burst", "", "rate_limit_burst must be greater than 0 when rate limiting is enabled")
		}
	} else if s.RateLimitRPS > 0 || s.RateLimitBurst > 0 {
		r.warn("server.rate_limit_enabled", "enable server.rate_limit_enabled to apply rate limits",
			"rate limit values are set but rate limiting is disabled")
	}

	for field, value := range map[string]time.Duration{
		"server.read_timeout":         s.ReadTimeout,
		"server.write_timeout":        s.WriteTimeout,
		"server.idle_timeout":         s.IdleTimeout,
		"server.shutdown_timeout":     s.ShutdownTimeout,
		"server.health_check_timeout": s.HealthCheckTimeout,
	} {
		if value < 0 {
			r.fail(field, "", "timeout cannot be negative")
		}
	}
}

func (o *ObservabilityConfig) validate(r *ValidationResult) {
	r.oneOf("observability.logging.level", "log level", o.Logging.Level, "debug", "info", "warn", "error")
	r.oneOf("observability.logging.format", "log format", o.Logging.Format, "json", "text")

	if o.TraceSampleRatio < 0 || o.TraceSampleRatio > 1 {
		r.fail("observability.trace_sample_ratio", "", "trace_sample_ratio %v is outside [0, 1]", o.TraceSampleRatio)
	}

	o.OTLP.validate("observability.otlp", r)
	for prefix, signal := range map[string]*OTLPConfig{
		"observability.traces": o.Traces,
		"observability.logs":   o.Logs,
	} {
		if signal != nil {
			signal.validate(prefix, r)
		}
	}
}

func (o *OTLPConfig) validate(prefix string, r *ValidationResult) {
	r.oneOf(prefix+".protocol", "OTLP protocol", o.Protocol, "", "grpc", "http/protobuf")
	if o.Protocol == "http/protobuf" && !validOTLPEndpoint(o.Endpoint) {
		r.fail(prefix+".endpoint", "use host:port or a full URL", "invalid OTLP endpoint %q for http/protobuf", o.Endpoint)
	}
	r.oneOf(prefix+".compression", "OTLP compression", o.Compression, "", "none", "gzip")
	if o.RetryMaxAttempts < 0 {
		r.fail(prefix+".retry_max_attempts", "", "retry_max_attempts cannot be negative")
	}
}

func validPort(port int) bool {
	return port >= 1 && port <= 65535
}

// validOTLPEndpoint accepts host:port or a URL with a host.
func validOTLPEndpoint(endpoint string) bool {
	if endpoint == "" {
		return false
	}
	if !strings.Contains(endpoint, "://") {
		_, _, err := net.SplitHostPort(endpoint)
		return err == nil
	}
	u, err := url.Parse(endpoint)
	return err == nil && u.Host != ""
}
