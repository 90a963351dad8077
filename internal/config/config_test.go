package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name     string
		envVars  map[string]string
		validate func(t *testing.T, cfg *Config)
	}{
		{
			name:    "load default configuration",
			envVars: map[string]string{},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "/run/secretsd/secretsd.sock", cfg.SocketPath)
				assert.Equal(t, 0o600, cfg.SocketMode)
				assert.False(t, cfg.RemoteEnabled)
				assert.Equal(t, 8200, cfg.RemotePort)
				assert.Equal(t, "1.2", cfg.TLSMinVersion)
				assert.False(t, cfg.CertRevocationFailOpen)
				assert.Equal(t, 300*time.Second, cfg.BootstrapTokenTTL)
				assert.Equal(t, 14400*time.Second, cfg.SessionTokenTTL)
				assert.Equal(t, 600*time.Second, cfg.AdminTokenTTL)
				assert.Equal(t, 5, cfg.MaxSessionsPerClient)
				assert.True(t, cfg.RateLimitEnabled)
				assert.Equal(t, 5.0, cfg.RateLimitAuthPerSec)
				assert.Equal(t, 100, cfg.RateLimitReadBurst)
				assert.Equal(t, "stdout", cfg.AuditPath)
				assert.Equal(t, "info", cfg.LogLevel)
				assert.True(t, cfg.MetricsEnabled)
				assert.Equal(t, "secretsd", cfg.MetricsNamespace)
				assert.Equal(t, 8201, cfg.MetricsPort)
				assert.Equal(t, 10*time.Second, cfg.ReadTimeout)
				assert.Equal(t, 15*time.Second, cfg.ShutdownGrace)
			},
		},
		{
			name: "load custom transport configuration",
			envVars: map[string]string{
				"SOCKET_PATH":    "/tmp/test.sock",
				"REMOTE_ENABLED": "true",
				"REMOTE_PORT":    "9443",
				"TLS_MIN_VERSION": "1.3",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "/tmp/test.sock", cfg.SocketPath)
				assert.True(t, cfg.RemoteEnabled)
				assert.Equal(t, 9443, cfg.RemotePort)
				assert.Equal(t, "1.3", cfg.TLSMinVersion)
			},
		},
		{
			name: "load custom session configuration",
			envVars: map[string]string{
				"SESSION_TOKEN_TTL_SECONDS": "60",
				"MAX_SESSIONS_PER_CLIENT":   "2",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 60*time.Second, cfg.SessionTokenTTL)
				assert.Equal(t, 2, cfg.MaxSessionsPerClient)
			},
		},
		{
			name: "load custom rate limit configuration",
			envVars: map[string]string{
				"RATE_LIMIT_ENABLED":                "false",
				"RATE_LIMIT_READ_REQUESTS_PER_SEC":  "5",
				"RATE_LIMIT_READ_BURST":             "7",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.False(t, cfg.RateLimitEnabled)
				assert.Equal(t, 5.0, cfg.RateLimitReadPerSec)
				assert.Equal(t, 7, cfg.RateLimitReadBurst)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for key, value := range tt.envVars {
				t.Setenv(key, value)
			}
			tt.validate(t, Load())
		})
	}
}

func TestGetGinMode(t *testing.T) {
	assert.Equal(t, "debug", (&Config{LogLevel: "debug"}).GetGinMode())
	assert.Equal(t, "release", (&Config{LogLevel: "info"}).GetGinMode())
}

func TestSplitList(t *testing.T) {
	assert.Nil(t, SplitList(""))
	assert.Nil(t, SplitList(" , "))
	assert.Equal(t, []string{"a", "b"}, SplitList("a,b"))
	assert.Equal(t, []string{"a", "b"}, SplitList(" a , b ,"))
}
