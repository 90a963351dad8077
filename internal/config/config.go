// Package config provides daemon configuration through environment variables.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/allisson/go-env"
	"github.com/joho/godotenv"
)

// Config holds all daemon configuration.
type Config struct {
	// SocketPath is the filesystem path of the local unix socket.
	SocketPath string
	// SocketMode is the permission bits applied to the socket file (octal).
	SocketMode int

	// RemoteEnabled indicates whether the mTLS HTTP listener is enabled.
	RemoteEnabled bool
	// RemoteHost is the host address the mTLS listener will bind to.
	RemoteHost string
	// RemotePort is the port number the mTLS listener will listen on.
	RemotePort int
	// TLSCertFile is the path to the server certificate (PEM).
	TLSCertFile string
	// TLSKeyFile is the path to the server private key (PEM).
	TLSKeyFile string
	// TLSClientCAFile is the path to the trusted root used to validate client certificates (PEM).
	TLSClientCAFile string
	// TLSMinVersion is the minimum accepted TLS protocol version ("1.2" or "1.3").
	TLSMinVersion string

	// CertAllowedCNs is a comma-separated list of allowed certificate CN patterns (glob-style).
	CertAllowedCNs string
	// CertPinnedFingerprints is a comma-separated list of pinned SHA-256 certificate
	// fingerprints (hex). Empty disables pinning.
	CertPinnedFingerprints string
	// CertRevokedFingerprints is the path to a file with one revoked SHA-256
	// fingerprint per line. Empty disables the revocation check.
	CertRevokedFingerprints string
	// CertRevocationFailOpen allows requests through when the revocation source
	// cannot be read. Defaults to false (fail-closed).
	CertRevocationFailOpen bool

	// ProcessAllowedExecutables is a comma-separated list of executable paths allowed
	// to authenticate over the local socket.
	ProcessAllowedExecutables string
	// ProcessAllowedUsers is a comma-separated list of users allowed to authenticate
	// over the local socket.
	ProcessAllowedUsers string
	// ProcessTrustedAncestors is a comma-separated list of executable paths; when set,
	// the parent chain of an authenticating process must contain one of them.
	ProcessTrustedAncestors string

	// StorePath is the path to the encrypted secrets file.
	StorePath string
	// MasterKeyFile is the path to the file holding the master passphrase.
	MasterKeyFile string
	// KMSKeyURI is the gocloud.dev keeper URI used to unwrap the master passphrase
	// file. Empty means the file holds the passphrase in plaintext.
	KMSKeyURI string

	// RulesPath is the path to the JSON authorization rule list.
	RulesPath string

	// BootstrapTokenTTL is the lifetime of single-use bootstrap tokens.
	BootstrapTokenTTL time.Duration
	// SessionTokenTTL is the lifetime of session tokens.
	SessionTokenTTL time.Duration
	// AdminTokenTTL is the lifetime of admin tokens.
	AdminTokenTTL time.Duration
	// MaxSessionsPerClient caps live sessions per client; issuing beyond the cap
	// evicts the oldest session.
	MaxSessionsPerClient int

	// RateLimitEnabled indicates whether per-client rate limiting is enabled.
	RateLimitEnabled bool
	// RateLimitAuthPerSec is the allowed rate for authentication requests per client.
	RateLimitAuthPerSec float64
	// RateLimitAuthBurst is the burst size for authentication requests.
	RateLimitAuthBurst int
	// RateLimitReadPerSec is the allowed rate for secret-read requests per client.
	RateLimitReadPerSec float64
	// RateLimitReadBurst is the burst size for secret-read requests.
	RateLimitReadBurst int
	// RateLimitAdminPerSec is the allowed rate for administrative requests per client.
	RateLimitAdminPerSec float64
	// RateLimitAdminBurst is the burst size for administrative requests.
	RateLimitAdminBurst int
	// RateLimitHealthPerSec is the allowed rate for health requests per client.
	RateLimitHealthPerSec float64
	// RateLimitHealthBurst is the burst size for health requests.
	RateLimitHealthBurst int

	// AuditPath is the audit sink destination: a file path or "stdout".
	AuditPath string

	// LogLevel is the logging level (e.g., "debug", "info", "warn", "error").
	LogLevel string

	// MetricsEnabled indicates whether metrics collection is enabled.
	MetricsEnabled bool
	// MetricsNamespace is the namespace for the daemon metrics.
	MetricsNamespace string
	// MetricsPort is the port number for the metrics server.
	MetricsPort int

	// ReadTimeout bounds every network read on both transports.
	ReadTimeout time.Duration
	// ShutdownGrace bounds the drain of in-flight requests on shutdown.
	ShutdownGrace time.Duration
}

// Load loads configuration from environment variables and .env file.
func Load() *Config {
	// Try to load .env file recursively
	loadDotEnv()

	return &Config{
		// Local transport
		SocketPath: env.GetString("SOCKET_PATH", "/run/secretsd/secretsd.sock"),
		SocketMode: env.GetInt("SOCKET_MODE", 0o600),

		// Remote transport
		RemoteEnabled:   env.GetBool("REMOTE_ENABLED", false),
		RemoteHost:      env.GetString("REMOTE_HOST", "0.0.0.0"),
		RemotePort:      env.GetInt("REMOTE_PORT", 8200),
		TLSCertFile:     env.GetString("TLS_CERT_FILE", ""),
		TLSKeyFile:      env.GetString("TLS_KEY_FILE", ""),
		TLSClientCAFile: env.GetString("TLS_CLIENT_CA_FILE", ""),
		TLSMinVersion:   env.GetString("TLS_MIN_VERSION", "1.2"),

		// Certificate identity
		CertAllowedCNs:          env.GetString("CERT_ALLOWED_CNS", ""),
		CertPinnedFingerprints:  env.GetString("CERT_PINNED_FINGERPRINTS", ""),
		CertRevokedFingerprints: env.GetString("CERT_REVOKED_FINGERPRINTS", ""),
		CertRevocationFailOpen:  env.GetBool("CERT_REVOCATION_FAIL_OPEN", false),

		// Process identity
		ProcessAllowedExecutables: env.GetString("PROCESS_ALLOWED_EXECUTABLES", ""),
		ProcessAllowedUsers:       env.GetString("PROCESS_ALLOWED_USERS", ""),
		ProcessTrustedAncestors:   env.GetString("PROCESS_TRUSTED_ANCESTORS", ""),

		// Secrets store
		StorePath:     env.GetString("STORE_PATH", "/var/lib/secretsd/store.enc"),
		MasterKeyFile: env.GetString("MASTER_KEY_FILE", "/var/lib/secretsd/master.key"),
		KMSKeyURI:     env.GetString("KMS_KEY_URI", ""),

		// Authorization
		RulesPath: env.GetString("RULES_PATH", "/etc/secretsd/rules.json"),

		// Sessions
		BootstrapTokenTTL:    env.GetDuration("BOOTSTRAP_TOKEN_TTL_SECONDS", 300, time.Second),
		SessionTokenTTL:      env.GetDuration("SESSION_TOKEN_TTL_SECONDS", 14400, time.Second),
		AdminTokenTTL:        env.GetDuration("ADMIN_TOKEN_TTL_SECONDS", 600, time.Second),
		MaxSessionsPerClient: env.GetInt("MAX_SESSIONS_PER_CLIENT", 5),

		// Rate limiting
		RateLimitEnabled:      env.GetBool("RATE_LIMIT_ENABLED", true),
		RateLimitAuthPerSec:   env.GetFloat64("RATE_LIMIT_AUTH_REQUESTS_PER_SEC", 5.0),
		RateLimitAuthBurst:    env.GetInt("RATE_LIMIT_AUTH_BURST", 10),
		RateLimitReadPerSec:   env.GetFloat64("RATE_LIMIT_READ_REQUESTS_PER_SEC", 50.0),
		RateLimitReadBurst:    env.GetInt("RATE_LIMIT_READ_BURST", 100),
		RateLimitAdminPerSec:  env.GetFloat64("RATE_LIMIT_ADMIN_REQUESTS_PER_SEC", 1.0),
		RateLimitAdminBurst:   env.GetInt("RATE_LIMIT_ADMIN_BURST", 2),
		RateLimitHealthPerSec: env.GetFloat64("RATE_LIMIT_HEALTH_REQUESTS_PER_SEC", 10.0),
		RateLimitHealthBurst:  env.GetInt("RATE_LIMIT_HEALTH_BURST", 20),

		// Audit
		AuditPath: env.GetString("AUDIT_PATH", "stdout"),

		// Logging
		LogLevel: env.GetString("LOG_LEVEL", "info"),

		// Metrics
		MetricsEnabled:   env.GetBool("METRICS_ENABLED", true),
		MetricsNamespace: env.GetString("METRICS_NAMESPACE", "secretsd"),
		MetricsPort:      env.GetInt("METRICS_PORT", 8201),

		// Timeouts
		ReadTimeout:   env.GetDuration("READ_TIMEOUT_SECONDS", 10, time.Second),
		ShutdownGrace: env.GetDuration("SHUTDOWN_GRACE_SECONDS", 15, time.Second),
	}
}

// GetGinMode returns the appropriate Gin mode based on log level.
func (c *Config) GetGinMode() string {
	switch c.LogLevel {
	case "debug":
		return "debug"
	default:
		return "release"
	}
}

// SplitList splits a comma-separated configuration value into trimmed entries.
// Empty entries are dropped, so both "" and "," produce an empty slice.
func SplitList(value string) []string {
	var out []string
	for _, item := range strings.Split(value, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}

// loadDotEnv searches for a .env file recursively from the current directory
// up to the root directory and loads it if found.
func loadDotEnv() {
	// Get current working directory
	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	// Search for .env file recursively up the directory tree
	dir := cwd
	for {
		envPath := filepath.Join(dir, ".env")
		if _, err := os.Stat(envPath); err == nil {
			// .env file found, load it
			_ = godotenv.Load(envPath)
			return
		}

		// Move to parent directory
		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root directory
			break
		}
		dir = parent
	}
}
