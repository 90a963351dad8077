// Package app provides the dependency injection container assembling the
// daemon components.
package app

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync"

	"github.com/allisson/secretsd/internal/audit"
	"github.com/allisson/secretsd/internal/authz"
	"github.com/allisson/secretsd/internal/config"
	"github.com/allisson/secretsd/internal/dispatch"
	"github.com/allisson/secretsd/internal/identity"
	"github.com/allisson/secretsd/internal/metrics"
	"github.com/allisson/secretsd/internal/ratelimit"
	"github.com/allisson/secretsd/internal/session"
	"github.com/allisson/secretsd/internal/store"
	"github.com/allisson/secretsd/internal/transport"
)

// Container holds all daemon dependencies and provides methods to access them.
// It follows the lazy initialization pattern - components are created on first access.
type Container struct {
	config *config.Config

	logger          *slog.Logger
	keySource       *store.FileKeySource
	secretStore     *store.Store
	sessions        *session.Manager
	rules           *authz.Engine
	auditLogger     audit.Logger
	auditSigner     *audit.Signer
	limiter         *ratelimit.Limiter
	metricsProvider *metrics.Provider
	requestMetrics  metrics.RequestMetrics
	dispatcher      *dispatch.Dispatcher
	localServer     *transport.LocalServer
	remoteServer    *transport.RemoteServer
	metricsServer   *transport.MetricsServer

	mu                  sync.Mutex
	loggerInit          sync.Once
	keySourceInit       sync.Once
	storeInit           sync.Once
	sessionsInit        sync.Once
	rulesInit           sync.Once
	auditInit           sync.Once
	limiterInit         sync.Once
	metricsProviderInit sync.Once
	requestMetricsInit  sync.Once
	dispatcherInit      sync.Once
	localServerInit     sync.Once
	remoteServerInit    sync.Once
	metricsServerInit   sync.Once
	initErrors          map[string]error
}

// NewContainer creates a new dependency injection container with the provided configuration.
func NewContainer(cfg *config.Config) *Container {
	return &Container{
		config:     cfg,
		initErrors: make(map[string]error),
	}
}

// Config returns the daemon configuration.
func (c *Container) Config() *config.Config {
	return c.config
}

// Logger returns the configured logger instance.
// It creates a new logger on first access based on the log level in configuration.
func (c *Container) Logger() *slog.Logger {
	c.loggerInit.Do(func() {
		c.logger = c.initLogger()
	})
	return c.logger
}

// KeySource returns the master passphrase source.
func (c *Container) KeySource() (*store.FileKeySource, error) {
	c.keySourceInit.Do(func() {
		c.keySource = store.NewFileKeySource(c.config.MasterKeyFile, c.config.KMSKeyURI)
	})
	return c.keySource, nil
}

// Store returns the secrets store. The store is empty until the daemon
// lifecycle calls Load.
func (c *Container) Store() (*store.Store, error) {
	c.storeInit.Do(func() {
		keys, err := c.KeySource()
		if err != nil {
			c.initErrors["store"] = err
			return
		}
		c.secretStore = store.New(
			store.NewBlobCrypt(),
			store.NewFileBlobSource(c.config.StorePath),
			keys,
			c.Logger(),
		)
	})
	if storedErr, exists := c.initErrors["store"]; exists {
		return nil, storedErr
	}
	return c.secretStore, nil
}

// Sessions returns the session manager.
func (c *Container) Sessions() *session.Manager {
	c.sessionsInit.Do(func() {
		c.sessions = session.NewManager(session.TTLs{
			Bootstrap: c.config.BootstrapTokenTTL,
			Session:   c.config.SessionTokenTTL,
			Admin:     c.config.AdminTokenTTL,
		}, c.config.MaxSessionsPerClient, c.Logger())
	})
	return c.sessions
}

// Rules returns the authorization engine loaded from the rules file.
func (c *Container) Rules() (*authz.Engine, error) {
	c.rulesInit.Do(func() {
		rules, err := authz.LoadRules(c.config.RulesPath)
		if err != nil {
			c.initErrors["rules"] = fmt.Errorf("failed to load authorization rules: %w", err)
			return
		}
		c.rules = authz.NewEngine(rules, false, c.Logger())
	})
	if storedErr, exists := c.initErrors["rules"]; exists {
		return nil, storedErr
	}
	return c.rules, nil
}

// Audit returns the audit logger. Entries are signed with a key derived from
// the master passphrase, so the trail is verifiable with store access alone.
func (c *Container) Audit() (audit.Logger, error) {
	c.auditInit.Do(func() {
		keys, err := c.KeySource()
		if err != nil {
			c.initErrors["audit"] = err
			return
		}

		var signer *audit.Signer
		err = keys.Passphrase(context.Background(), func(passphrase []byte) error {
			var serr error
			signer, serr = audit.NewSigner(passphrase)
			return serr
		})
		if err != nil {
			c.initErrors["audit"] = fmt.Errorf("failed to derive audit signing key: %w", err)
			return
		}

		logger, err := audit.NewLogger(c.config.AuditPath, signer, c.Logger())
		if err != nil {
			signer.Destroy()
			c.initErrors["audit"] = err
			return
		}
		c.auditSigner = signer
		c.auditLogger = logger
	})
	if storedErr, exists := c.initErrors["audit"]; exists {
		return nil, storedErr
	}
	return c.auditLogger, nil
}

// Limiter returns the per-client rate limiter.
func (c *Container) Limiter() *ratelimit.Limiter {
	c.limiterInit.Do(func() {
		c.limiter = ratelimit.New(c.config.RateLimitEnabled, map[ratelimit.Class]ratelimit.Quota{
			ratelimit.ClassAuth:   {PerSec: c.config.RateLimitAuthPerSec, Burst: c.config.RateLimitAuthBurst},
			ratelimit.ClassRead:   {PerSec: c.config.RateLimitReadPerSec, Burst: c.config.RateLimitReadBurst},
			ratelimit.ClassAdmin:  {PerSec: c.config.RateLimitAdminPerSec, Burst: c.config.RateLimitAdminBurst},
			ratelimit.ClassHealth: {PerSec: c.config.RateLimitHealthPerSec, Burst: c.config.RateLimitHealthBurst},
		})
	})
	return c.limiter
}

// MetricsProvider returns the Prometheus metrics provider, or nil when
// metrics are disabled.
func (c *Container) MetricsProvider() (*metrics.Provider, error) {
	c.metricsProviderInit.Do(func() {
		if !c.config.MetricsEnabled {
			return
		}
		provider, err := metrics.NewProvider(c.config.MetricsNamespace)
		if err != nil {
			c.initErrors["metricsProvider"] = fmt.Errorf("failed to create metrics provider: %w", err)
			return
		}
		c.metricsProvider = provider
	})
	if storedErr, exists := c.initErrors["metricsProvider"]; exists {
		return nil, storedErr
	}
	return c.metricsProvider, nil
}

// RequestMetrics returns the request metrics recorder. A no-op recorder is
// returned when metrics are disabled.
func (c *Container) RequestMetrics() (metrics.RequestMetrics, error) {
	c.requestMetricsInit.Do(func() {
		provider, err := c.MetricsProvider()
		if err != nil {
			c.initErrors["requestMetrics"] = err
			return
		}
		if provider == nil {
			c.requestMetrics = metrics.NopRequestMetrics()
			return
		}

		recorder, err := metrics.NewRequestMetrics(provider.MeterProvider(), c.config.MetricsNamespace)
		if err != nil {
			c.initErrors["requestMetrics"] = fmt.Errorf("failed to create request metrics: %w", err)
			return
		}
		c.requestMetrics = recorder
	})
	if storedErr, exists := c.initErrors["requestMetrics"]; exists {
		return nil, storedErr
	}
	return c.requestMetrics, nil
}

// Dispatcher returns the request dispatcher with all its dependencies.
func (c *Container) Dispatcher() (*dispatch.Dispatcher, error) {
	c.dispatcherInit.Do(func() {
		secretStore, err := c.Store()
		if err != nil {
			c.initErrors["dispatcher"] = err
			return
		}
		rules, err := c.Rules()
		if err != nil {
			c.initErrors["dispatcher"] = err
			return
		}
		auditLogger, err := c.Audit()
		if err != nil {
			c.initErrors["dispatcher"] = err
			return
		}
		requestMetrics, err := c.RequestMetrics()
		if err != nil {
			c.initErrors["dispatcher"] = err
			return
		}
		certificates, err := c.certificateValidator()
		if err != nil {
			c.initErrors["dispatcher"] = err
			return
		}

		logger := c.Logger()
		processes := identity.NewProcessValidator(
			config.SplitList(c.config.ProcessAllowedExecutables),
			config.SplitList(c.config.ProcessAllowedUsers),
			config.SplitList(c.config.ProcessTrustedAncestors),
			logger,
		)

		c.dispatcher = dispatch.New(
			secretStore,
			c.Sessions(),
			rules,
			processes,
			certificates,
			c.Limiter(),
			auditLogger,
			requestMetrics,
			logger,
		)
	})
	if storedErr, exists := c.initErrors["dispatcher"]; exists {
		return nil, storedErr
	}
	return c.dispatcher, nil
}

// LocalServer returns the unix-socket listener.
func (c *Container) LocalServer() (*transport.LocalServer, error) {
	c.localServerInit.Do(func() {
		dispatcher, err := c.Dispatcher()
		if err != nil {
			c.initErrors["localServer"] = err
			return
		}
		c.localServer = transport.NewLocalServer(
			c.config.SocketPath,
			fs.FileMode(c.config.SocketMode),
			c.config.ReadTimeout,
			dispatcher,
			c.Logger(),
		)
	})
	if storedErr, exists := c.initErrors["localServer"]; exists {
		return nil, storedErr
	}
	return c.localServer, nil
}

// RemoteServer returns the mTLS listener, or nil when the remote transport is
// disabled.
func (c *Container) RemoteServer() (*transport.RemoteServer, error) {
	c.remoteServerInit.Do(func() {
		if !c.config.RemoteEnabled {
			return
		}
		dispatcher, err := c.Dispatcher()
		if err != nil {
			c.initErrors["remoteServer"] = err
			return
		}
		c.remoteServer = transport.NewRemoteServer(transport.RemoteConfig{
			Host:         c.config.RemoteHost,
			Port:         c.config.RemotePort,
			CertFile:     c.config.TLSCertFile,
			KeyFile:      c.config.TLSKeyFile,
			ClientCAFile: c.config.TLSClientCAFile,
			MinVersion:   c.config.TLSMinVersion,
			ReadTimeout:  c.config.ReadTimeout,
		}, dispatcher, c.Logger())
	})
	if storedErr, exists := c.initErrors["remoteServer"]; exists {
		return nil, storedErr
	}
	return c.remoteServer, nil
}

// MetricsServer returns the metrics scrape server, or nil when metrics are
// disabled.
func (c *Container) MetricsServer() (*transport.MetricsServer, error) {
	c.metricsServerInit.Do(func() {
		provider, err := c.MetricsProvider()
		if err != nil {
			c.initErrors["metricsServer"] = err
			return
		}
		if provider == nil {
			return
		}
		c.metricsServer = transport.NewMetricsServer(
			c.config.RemoteHost,
			c.config.MetricsPort,
			c.Logger(),
			provider,
		)
	})
	if storedErr, exists := c.initErrors["metricsServer"]; exists {
		return nil, storedErr
	}
	return c.metricsServer, nil
}

// Shutdown releases all initialized resources: sessions are dropped, the
// store is securely cleared, key material is destroyed, and the audit sink is
// flushed. Listener shutdown is handled by the daemon command before this.
func (c *Container) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var shutdownErrors []error

	if c.sessions != nil {
		c.sessions.Clear()
	}
	if c.secretStore != nil {
		c.secretStore.SecureClear()
	}
	if c.keySource != nil {
		c.keySource.Destroy()
	}
	if c.auditSigner != nil {
		c.auditSigner.Destroy()
	}
	if c.auditLogger != nil {
		if err := c.auditLogger.Close(); err != nil {
			shutdownErrors = append(shutdownErrors, fmt.Errorf("audit close: %w", err))
		}
	}
	if c.metricsProvider != nil {
		if err := c.metricsProvider.Shutdown(ctx); err != nil {
			shutdownErrors = append(shutdownErrors, fmt.Errorf("metrics shutdown: %w", err))
		}
	}

	return errors.Join(shutdownErrors...)
}

// certificateValidator builds the remote identity validator. When the remote
// transport is disabled a validator with an empty trust pool is returned; it
// denies everything, which is correct because no certificate peer can exist.
func (c *Container) certificateValidator() (*identity.CertificateValidator, error) {
	roots := x509.NewCertPool()
	if c.config.RemoteEnabled {
		caPEM, err := os.ReadFile(c.config.TLSClientCAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read client CA file: %w", err)
		}
		if !roots.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("no certificates parsed from client CA file")
		}
	}

	return identity.NewCertificateValidator(
		roots,
		config.SplitList(c.config.CertAllowedCNs),
		config.SplitList(c.config.CertPinnedFingerprints),
		c.config.CertRevokedFingerprints,
		c.config.CertRevocationFailOpen,
		c.Logger(),
	), nil
}

// initLogger creates and configures a structured logger based on the log level.
func (c *Container) initLogger() *slog.Logger {
	var logLevel slog.Level
	switch c.config.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})

	return slog.New(handler)
}
