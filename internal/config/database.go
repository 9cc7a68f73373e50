package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
)

// tlsConfigName is the name used to register custom TLS configs with the MySQL driver.
const tlsConfigName = "hierplan-custom"

// DSN returns a MySQL-compatible data source name.
// ConnectionString is used when set; otherwise the DSN is built from the
// discrete fields. parseTime is always enabled and loc defaults to UTC so
// high-water mark columns scan into time.Time.
func (d *DatabaseConfig) DSN() string {
	var cfg *mysql.Config
	if d.ConnectionString != "" {
		parsed, err := mysql.ParseDSN(d.ConnectionString)
		if err != nil {
			// Validate reports malformed DSNs; hand it to the driver unchanged.
			return d.ConnectionString
		}
		cfg = parsed
	} else {
		cfg = mysql.NewConfig()
		cfg.User = d.User
		cfg.Passwd = d.Password
		cfg.Net = "tcp"
		cfg.Addr = net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
		cfg.DBName = d.Database
	}

	cfg.ParseTime = true
	if cfg.Loc == nil {
		cfg.Loc = time.UTC
	}
	if cfg.TLSConfig == "" {
		cfg.TLSConfig = d.effectiveTLSParam()
	}
	return cfg.FormatDSN()
}

// EffectiveDatabaseName returns the database holding the metadata tables and
// which setting named it ("database.database" or "dsn").
func (d *DatabaseConfig) EffectiveDatabaseName() (name string, source string, err error) {
	return resolveEffectiveDatabaseName(d.Database, d.ConnectionString)
}

// resolveEffectiveDatabaseName prefers database.database and requires it to
// agree with the DSN when both name a database.
func resolveEffectiveDatabaseName(databaseName string, connectionString string) (name string, source string, err error) {
	configured := strings.TrimSpace(databaseName)
	fromDSN, err := parseDSNDatabaseName(connectionString)
	if err != nil {
		return "", "", err
	}

	switch {
	case configured != "" && fromDSN != "" && configured != fromDSN:
		return "", "", fmt.Errorf("database mismatch: database.database=%q but database.dsn targets %q", configured, fromDSN)
	case configured != "":
		return configured, "database.database", nil
	case fromDSN != "":
		return fromDSN, "dsn", nil
	default:
		return "", "", fmt.Errorf("no database configured: set database.database or include /<database> in database.dsn")
	}
}

func parseDSNDatabaseName(connectionString string) (string, error) {
	dsn := strings.TrimSpace(connectionString)
	if dsn == "" {
		return "", nil
	}

	parsed, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("database.dsn is invalid: %w", err)
	}
	return strings.TrimSpace(parsed.DBName), nil
}

// effectiveTLSParam maps the configured TLS mode to the driver's tls parameter.
// An empty mode leaves the parameter unset.
func (d *DatabaseConfig) effectiveTLSParam() string {
	switch d.TLS.Mode {
	case "":
		return ""
	case "off":
		return "false"
	case "verify-ca", "verify-full":
		return tlsConfigName
	default:
		return d.TLS.Mode
	}
}

// RegisterTLS registers the verify-ca/verify-full TLS configuration with the
// MySQL driver. It must run before the connection is opened and is a no-op
// for other modes.
func (d *DatabaseConfig) RegisterTLS() error {
	if d.effectiveTLSParam() != tlsConfigName {
		return nil
	}

	tlsCfg, err := d.buildTLSConfig()
	if err != nil {
		return fmt.Errorf("failed to build TLS config: %w", err)
	}

	if err := mysql.RegisterTLSConfig(tlsConfigName, tlsCfg); err != nil {
		return fmt.Errorf("failed to register TLS config: %w", err)
	}

	return nil
}

func (d *DatabaseConfig) buildTLSConfig() (*tls.Config, error) {
	tlsCfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}

	caFile := fromEnvOr(d.TLS.CAFileEnv, d.TLS.CAFile)
	certFile := fromEnvOr(d.TLS.CertFileEnv, d.TLS.CertFile)
	keyFile := fromEnvOr(d.TLS.KeyFileEnv, d.TLS.KeyFile)

	if caFile != "" {
		caCert, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA file %q: %w", caFile, err)
		}

		certPool := x509.NewCertPool()
		if !certPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate from %q", caFile)
		}
		tlsCfg.RootCAs = certPool
	}

	if certFile != "" && keyFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	} else if certFile != "" || keyFile != "" {
		return nil, fmt.Errorf("both cert_file and key_file must be specified for client certificate authentication")
	}

	if d.TLS.Mode == "verify-full" && d.TLS.ServerName != "" {
		tlsCfg.ServerName = d.TLS.ServerName
	}

	return tlsCfg, nil
}

// fromEnvOr returns the path named by env var envName when set, else path.
func fromEnvOr(envName, path string) string {
	if envName != "" {
		if p := os.Getenv(envName); p != "" {
			return p
		}
	}
	return path
}
