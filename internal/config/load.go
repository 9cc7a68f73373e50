package config

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/term"
)

// EnvPrefix prefixes every environment variable, e.g. HIERPLAN_DATABASE_HOST.
const EnvPrefix = "HIERPLAN"

// stdinPath, given as a *_file setting, reads the value from standard input.
const stdinPath = "@-"

// stdinCapableFiles are the settings that accept stdinPath. At most one may use it.
var stdinCapableFiles = []string{
	"database.dsn_file",
	"database.password_file",
	"metadata.catalog_file",
}

var defineFlagsOnce sync.Once

// Load reads the configuration. Precedence, highest first: command line
// flags, HIERPLAN_* environment variables, the config file, defaults.
// Secrets named by *_file settings and the optional password prompt only
// fill values left empty by every other source.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	defineFlags()
	if !pflag.Parsed() {
		pflag.Parse()
	}

	cfgPath, _ := pflag.CommandLine.GetString("config")
	if cfgPath != "" {
		v.SetConfigFile(cfgPath)
	} else {
		v.SetConfigName("hierplan")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/hierplan/")
		v.AddConfigPath("$HOME/.hierplan")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if cfgPath != "" {
			return nil, fmt.Errorf("failed to read config file %q: %w", cfgPath, err)
		}
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	bindChangedFlagsToViper(v)
	return resolve(v, databaseNameExplicitlyConfigured(v))
}

// resolve fills secrets, settles the database name, and strictly decodes v.
func resolve(v *viper.Viper, databaseNameExplicit bool) (*Config, error) {
	if err := checkStdinUse(v); err != nil {
		return nil, err
	}

	if err := fillFromFile(v, "database.dsn", "database.dsn_file"); err != nil {
		return nil, fmt.Errorf("failed to read database DSN file: %w", err)
	}
	if err := fillFromFile(v, "database.password", "database.password_file"); err != nil {
		return nil, fmt.Errorf("failed to read database password file: %w", err)
	}
	if v.GetString("database.password") == "" && v.GetBool("database.password_prompt") {
		pwd, err := promptPassword()
		if err != nil {
			return nil, fmt.Errorf("failed to read password: %w", err)
		}
		v.Set("database.password", pwd)
	}

	if usesDatabase(v) {
		if err := settleDatabaseName(v, databaseNameExplicit); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.UnmarshalExact(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

func usesDatabase(v *viper.Viper) bool {
	return v.GetString("metadata.source") != MetadataSourceCatalog || v.GetBool("context_store.enabled")
}

// settleDatabaseName clears the built-in default database when the DSN names
// its own, then pins the effective name.
func settleDatabaseName(v *viper.Viper, explicit bool) error {
	dsn := strings.TrimSpace(v.GetString("database.dsn"))
	if dsn != "" && !explicit && strings.TrimSpace(v.GetString("database.database")) == defaultDatabaseName {
		v.Set("database.database", "")
	}

	name, _, err := resolveEffectiveDatabaseName(v.GetString("database.database"), dsn)
	if err != nil {
		return fmt.Errorf("failed to resolve effective database name: %w", err)
	}
	v.Set("database.database", name)
	return nil
}

// fillFromFile sets key to the trimmed contents of the file named by fileKey
// when key is still empty.
func fillFromFile(v *viper.Viper, key, fileKey string) error {
	path := strings.TrimSpace(v.GetString(fileKey))
	if v.GetString(key) != "" || path == "" {
		return nil
	}
	raw, err := readSettingFile(path)
	if err != nil {
		return err
	}
	v.Set(key, strings.TrimSpace(raw))
	return nil
}

func readSettingFile(path string) (string, error) {
	var data []byte
	var err error
	if path == stdinPath {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func checkStdinUse(v *viper.Viper) error {
	var configured []string
	for _, key := range stdinCapableFiles {
		if strings.TrimSpace(v.GetString(key)) == stdinPath {
			configured = append(configured, key)
		}
	}
	if len(configured) > 1 {
		return fmt.Errorf("only one setting may read stdin (%s), got: %s",
			stdinPath, strings.Join(configured, ", "))
	}
	return nil
}

func promptPassword() (string, error) {
	fmt.Print("Enter database password: ")
	pwd, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return "", err
	}
	return string(pwd), nil
}

func databaseNameExplicitlyConfigured(v *viper.Viper) bool {
	if _, ok := os.LookupEnv(EnvPrefix + "_DATABASE_DATABASE"); ok {
		return true
	}
	if flag := pflag.CommandLine.Lookup("database.database"); flag != nil && flag.Changed {
		return true
	}
	return v.InConfig("database.database")
}

func decodeHook() viper.DecoderConfigOption {
	return viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	)
}

// bindChangedFlagsToViper copies only flags set on the command line, so
// unset flags never shadow env, file, or default values.
func bindChangedFlagsToViper(v *viper.Viper) {
	fs := pflag.CommandLine
	fs.Visit(func(f *pflag.Flag) {
		if f.Name == "config" || f.Name == "version" {
			return
		}
		v.Set(f.Name, typedFlagValue(fs, f))
	})
}

func typedFlagValue(fs *pflag.FlagSet, f *pflag.Flag) any {
	var val any
	var err error
	switch f.Value.Type() {
	case "string":
		val, err = fs.GetString(f.Name)
	case "int":
		val, err = fs.GetInt(f.Name)
	case "int64":
		val, err = fs.GetInt64(f.Name)
	case "bool":
		val, err = fs.GetBool(f.Name)
	case "float64":
		val, err = fs.GetFloat64(f.Name)
	case "duration":
		val, err = fs.GetDuration(f.Name)
	default:
		return f.Value.String()
	}
	if err != nil {
		return f.Value.String()
	}
	return val
}

// flagSpec declares one command line flag. The type of zero picks the flag kind.
type flagSpec struct {
	name  string
	zero  any
	usage string
}

var flagSpecs = []flagSpec{
	{"database.dsn", "", "Complete MySQL DSN (user:pass@tcp(host:port)/db)"},
	{"database.dsn_file", "", "File holding the database DSN (@- for stdin)"},
	{"database.host", "", "Database host"},
	{"database.port", 0, "Database port"},
	{"database.user", "", "Database user"},
	{"database.password", "", "Database password"},
	{"database.password_file", "", "File holding the database password (@- for stdin)"},
	{"database.password_prompt", false, "Prompt for the database password"},
	{"database.database", "", "Database holding the metadata and high-water mark tables"},
	{"database.tls.mode", "", "TLS mode (off, skip-verify, verify-ca, verify-full)"},
	{"database.tls.ca_file", "", "CA certificate for server verification"},
	{"database.tls.cert_file", "", "Client certificate for mTLS"},
	{"database.tls.key_file", "", "Client private key for mTLS"},
	{"database.tls.server_name", "", "TLS server name override"},
	{"database.pool.max_open", 0, "Maximum open database connections"},
	{"database.pool.max_idle", 0, "Maximum idle database connections"},
	{"database.pool.max_lifetime", time.Duration(0), "Connection max lifetime (e.g. 5m)"},
	{"database.connection_timeout", time.Duration(0), "How long to wait for the database on startup (0 = single attempt)"},
	{"database.connection_retry_interval", time.Duration(0), "Initial interval between connection attempts"},

	{"metadata.source", "", "Metadata source (sql, catalog)"},
	{"metadata.catalog_file", "", "YAML metadata catalog for the catalog source (@- for stdin)"},
	{"metadata.table_prefix", "", "Prefix for metadata table names"},

	{"context_store.enabled", false, "Read high-water marks from the database"},
	{"context_store.table", "", "High-water mark table"},

	{"compiler.max_concurrency", 0, "Maximum concurrent metadata lookups per compilation"},
	{"compiler.allow_disconnected", false, "Compile only the reachable bindings instead of failing"},

	{"compile.destination", int64(0), "Compile the plan for this destination entity id and exit"},
	{"compile.binding", int64(0), "Root binding id (default: topmost)"},
	{"compile.binding_execution", int64(0), "Binding execution id of the run"},
	{"compile.load_type", "", "Load type (full, incremental)"},
	{"compile.incremental_start", "", "Explicit incremental start (RFC3339)"},
	{"compile.output", "", "Plan output file (default: stdout)"},

	{"server.port", 0, "HTTP port"},
	{"server.rate_limit_enabled", false, "Enable global rate limiting"},
	{"server.rate_limit_rps", 0.0, "Rate limit in requests per second"},
	{"server.rate_limit_burst", 0, "Rate limit burst size"},
	{"server.read_timeout", time.Duration(0), "HTTP read timeout"},
	{"server.write_timeout", time.Duration(0), "HTTP write timeout"},
	{"server.idle_timeout", time.Duration(0), "HTTP idle timeout"},
	{"server.shutdown_timeout", time.Duration(0), "Graceful shutdown timeout"},
	{"server.health_check_timeout", time.Duration(0), "Health check database ping timeout"},

	{"observability.service_name", "", "Service name"},
	{"observability.service_version", "", "Service version"},
	{"observability.environment", "", "Deployment environment"},
	{"observability.metrics_enabled", false, "Enable metrics and /metrics"},
	{"observability.tracing_enabled", false, "Enable tracing"},
	{"observability.trace_sample_ratio", 0.0, "Trace sampling ratio (0.0 to 1.0)"},
	{"observability.sqlcommenter_enabled", false, "Inject trace context into SQL comments"},
	{"observability.logging.level", "", "Log level (debug, info, warn, error)"},
	{"observability.logging.format", "", "Log format (json, text)"},
	{"observability.logging.exports_enabled", false, "Export logs over OTLP"},
	{"observability.otlp.endpoint", "", "OTLP endpoint (e.g. localhost:4317)"},
	{"observability.otlp.protocol", "", "OTLP protocol (grpc, http/protobuf)"},
	{"observability.otlp.insecure", false, "Disable OTLP TLS"},
	{"observability.otlp.timeout", time.Duration(0), "OTLP export timeout"},
	{"observability.otlp.compression", "", "OTLP compression (none, gzip)"},
	{"observability.traces.endpoint", "", "OTLP endpoint for traces only"},
	{"observability.logs.endpoint", "", "OTLP endpoint for logs only"},
}

func defineFlags() {
	defineFlagsOnce.Do(func() {
		for _, spec := range flagSpecs {
			switch zero := spec.zero.(type) {
			case string:
				pflag.String(spec.name, zero, spec.usage)
			case int:
				pflag.Int(spec.name, zero, spec.usage)
			case int64:
				pflag.Int64(spec.name, zero, spec.usage)
			case bool:
				pflag.Bool(spec.name, zero, spec.usage)
			case float64:
				pflag.Float64(spec.name, zero, spec.usage)
			case time.Duration:
				pflag.Duration(spec.name, zero, spec.usage)
			default:
				panic(fmt.Sprintf("unsupported flag type %T for %s", zero, spec.name))
			}
		}
		pflag.StringP("config", "c", "", "Config file path")
	})
}

// defaultSettings registers every key with Viper, which is also what lets
// AutomaticEnv see keys that appear in no config file.
var defaultSettings = []struct {
	key   string
	value any
}{
	{"database.dsn", ""},
	{"database.dsn_file", ""},
	{"database.host", "localhost"},
	{"database.port", 4000},
	{"database.user", "hierplan"},
	{"database.password", ""},
	{"database.password_file", ""},
	{"database.password_prompt", false},
	{"database.database", defaultDatabaseName},
	{"database.tls.mode", ""},
	{"database.tls.ca_file", ""},
	{"database.tls.ca_file_env", ""},
	{"database.tls.cert_file", ""},
	{"database.tls.cert_file_env", ""},
	{"database.tls.key_file", ""},
	{"database.tls.key_file_env", ""},
	{"database.tls.server_name", ""},
	{"database.pool.max_open", 10},
	{"database.pool.max_idle", 5},
	{"database.pool.max_lifetime", 5 * time.Minute},
	{"database.connection_timeout", 60 * time.Second},
	{"database.connection_retry_interval", 2 * time.Second},

	{"metadata.source", MetadataSourceSQL},
	{"metadata.catalog_file", ""},
	{"metadata.table_prefix", ""},

	{"context_store.enabled", true},
	{"context_store.table", "incremental_high_water_marks"},

	{"compiler.max_concurrency", 4},
	{"compiler.allow_disconnected", false},

	{"compile.destination", int64(0)},
	{"compile.binding", int64(0)},
	{"compile.binding_execution", int64(0)},
	{"compile.load_type", "full"},
	{"compile.incremental_start", ""},
	{"compile.output", ""},

	{"server.port", 8080},
	{"server.rate_limit_enabled", false},
	{"server.rate_limit_rps", 0.0},
	{"server.rate_limit_burst", 0},
	{"server.read_timeout", 15 * time.Second},
	{"server.write_timeout", 15 * time.Second},
	{"server.idle_timeout", 60 * time.Second},
	{"server.shutdown_timeout", 30 * time.Second},
	{"server.health_check_timeout", 2 * time.Second},

	{"observability.service_name", "hierplan"},
	{"observability.service_version", ""},
	{"observability.environment", "development"},
	{"observability.metrics_enabled", true},
	{"observability.tracing_enabled", false},
	{"observability.trace_sample_ratio", 1.0},
	{"observability.sqlcommenter_enabled", false},
	{"observability.logging.level", "info"},
	{"observability.logging.format", "json"},
	{"observability.logging.exports_enabled", false},
	{"observability.otlp.endpoint", "localhost:4317"},
	{"observability.otlp.protocol", "grpc"},
	{"observability.otlp.insecure", false},
	{"observability.otlp.tls_cert_file", ""},
	{"observability.otlp.tls_client_cert_file", ""},
	{"observability.otlp.tls_client_key_file", ""},
	{"observability.otlp.timeout", 10 * time.Second},
	{"observability.otlp.compression", "gzip"},
	{"observability.otlp.retry_enabled", true},
	{"observability.otlp.retry_max_attempts", 3},
}

func setDefaults(v *viper.Viper) {
	for _, d := range defaultSettings {
		v.SetDefault(d.key, d.value)
	}
}
