package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/allisson/secretsd/internal/app"
	"github.com/allisson/secretsd/internal/config"
	"github.com/allisson/secretsd/internal/dispatch"
)

// RunDaemon starts the secrets daemon with graceful shutdown support.
//
// Lifecycle: configuration and rules load, the store is decrypted once, the
// listeners bind, and only then does the dispatcher accept requests. A decrypt
// failure at startup is fatal. SIGINT/SIGTERM drain in-flight requests within
// the shutdown grace period; SIGHUP reloads the store without a restart.
func RunDaemon(ctx context.Context, version string) error {
	cfg := config.Load()

	// Set Gin mode based on log level
	gin.SetMode(cfg.GetGinMode())

	container := app.NewContainer(cfg)
	logger := container.Logger()
	logger.Info("starting secretsd", slog.String("version", version))

	defer closeContainer(container, logger)

	dispatcher, err := container.Dispatcher()
	if err != nil {
		return fmt.Errorf("failed to initialize dispatcher: %w", err)
	}
	dispatcher.SetState(dispatch.StateInit)

	secretStore, err := container.Store()
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	if err := secretStore.Load(ctx); err != nil {
		return fmt.Errorf("failed to load secrets store: %w", err)
	}

	localServer, err := container.LocalServer()
	if err != nil {
		return fmt.Errorf("failed to initialize local listener: %w", err)
	}
	if err := localServer.Start(); err != nil {
		return fmt.Errorf("failed to start local listener: %w", err)
	}

	remoteServer, err := container.RemoteServer()
	if err != nil {
		return fmt.Errorf("failed to initialize remote listener: %w", err)
	}
	metricsServer, err := container.MetricsServer()
	if err != nil {
		return fmt.Errorf("failed to initialize metrics server: %w", err)
	}

	// Setup graceful shutdown
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		container.Limiter().StartCleanup(groupCtx, time.Hour)
		return nil
	})
	group.Go(func() error {
		return localServer.Serve(groupCtx)
	})
	if remoteServer != nil {
		group.Go(func() error {
			return remoteServer.Start()
		})
	}
	if metricsServer != nil {
		group.Go(func() error {
			return metricsServer.Start()
		})
	}

	// SIGHUP reloads the store in place; a failed reload keeps serving the
	// current mapping.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	group.Go(func() error {
		for {
			select {
			case <-groupCtx.Done():
				return nil
			case <-hup:
				if err := secretStore.Reload(groupCtx); err != nil {
					logger.Error("signal-triggered reload failed", slog.Any("error", err))
				} else {
					logger.Info("secrets store reloaded",
						slog.Int("secret_count", secretStore.Count()))
				}
			}
		}
	})

	dispatcher.SetState(dispatch.StateReady)
	logger.Info("secretsd ready",
		slog.String("socket_path", cfg.SocketPath),
		slog.Bool("remote_enabled", cfg.RemoteEnabled),
		slog.Int("secret_count", secretStore.Count()))

	<-groupCtx.Done()
	dispatcher.SetState(dispatch.StateShutdown)
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()

	var shutdownErrors []error
	if err := localServer.Shutdown(shutdownCtx); err != nil {
		shutdownErrors = append(shutdownErrors, fmt.Errorf("local listener shutdown: %w", err))
	}
	if remoteServer != nil {
		if err := remoteServer.Shutdown(shutdownCtx); err != nil {
			shutdownErrors = append(shutdownErrors, fmt.Errorf("remote listener shutdown: %w", err))
		}
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			shutdownErrors = append(shutdownErrors, fmt.Errorf("metrics server shutdown: %w", err))
		}
	}
	if err := group.Wait(); err != nil {
		shutdownErrors = append(shutdownErrors, err)
	}

	return errors.Join(shutdownErrors...)
}
