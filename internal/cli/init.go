// Package cli provides common CLI initialization utilities shared by
// cmd/fxledger, cmd/fx-worker and cmd/fxctl.
package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"fxledger/internal/backend"
	"fxledger/internal/config"
	"fxledger/internal/fx"
	applog "fxledger/internal/log"
	"fxledger/internal/metrics"
)

// SetupLogger initializes structured logging at the given LOG_LEVEL, in the
// LOG_FORMAT encoding, and installs it as the default logger.
func SetupLogger(level, component string) *applog.Logger {
	logger := applog.New(applog.Config{
		Level:     applog.ParseLevel(level),
		Format:    applog.ParseFormat(os.Getenv("LOG_FORMAT")),
		Component: component,
		Output:    os.Stdout,
	})
	applog.SetDefault(logger)
	return logger
}

// LoadEnvFile loads the .env file for local development.
// Errors are ignored silently as this is optional in production.
func LoadEnvFile() {
	_ = godotenv.Load()
}

// LoadConfig loads the environment, overlays FX_PROVIDERS_FILE when set and
// validates the result.
func LoadConfig() (*config.Config, error) {
	cfg := config.Load()
	if cfg.FXProvidersFile != "" {
		p, err := config.LoadProviders(cfg.FXProvidersFile)
		if err != nil {
			return nil, err
		}
		cfg.ApplyProviders(p)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadAndValidateConfig loads configuration and validates it.
// Returns the config or exits the process on validation failure.
func LoadAndValidateConfig(logger *applog.Logger) *config.Config {
	cfg, err := LoadConfig()
	if err != nil {
		logger.Error("Configuration validation failed",
			applog.FieldError, err.Error(),
			applog.FieldOperation, applog.OpValidate)
		os.Exit(1)
	}
	return cfg
}

// InitBackend opens the configured store and, when AMQP_URL is set, the broker.
// Exits the process on failure.
func InitBackend(ctx context.Context, logger *applog.Logger, cfg *config.Config) *backend.BackendResult {
	bcfg, err := backend.FromAppConfig(cfg)
	if err != nil {
		logger.Error("Invalid backend configuration", applog.FieldError, err.Error())
		os.Exit(1)
	}
	res, err := backend.NewOpener(logger.WithComponent(applog.ComponentBackend).Logger).Open(ctx, bcfg)
	if err != nil {
		logger.Error("Failed to initialize backend",
			applog.FieldError, err.Error(),
			"backend", cfg.DataBackend)
		os.Exit(1)
	}
	return res
}

// NewFetcher builds the rate fetcher from FX_* settings. reg may be nil.
func NewFetcher(cfg *config.Config, reg *metrics.Registry) *fx.Fetcher {
	fc := fx.Config{
		Timeout:     cfg.FXTimeout,
		MaxAttempts: cfg.FXMaxAttempts,
		BackoffBase: cfg.FXBackoff,
	}
	for _, p := range cfg.FXEndpoints {
		fc.Endpoints = append(fc.Endpoints, fx.Endpoint{URL: p.URL, BaseInPath: p.BaseInPath})
	}

	var opts []fx.Option
	if reg != nil {
		opts = append(opts, fx.WithObserver(reg))
	}
	return fx.New(fc, opts...)
}

// GracefulShutdown sets up signal handling for graceful shutdown.
// Returns a context that will be cancelled on shutdown signals,
// and a channel that signals when shutdown is complete.
func GracefulShutdown(logger *applog.Logger, timeout time.Duration, cleanup func(ctx context.Context)) (context.Context, <-chan struct{}) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigChan
		logger.Info("Shutdown signal received",
			"signal", sig.String(),
			applog.FieldOperation, applog.OpShutdown)

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), timeout)
		defer shutdownCancel()

		cancel()

		finished := make(chan struct{})
		go func() {
			if cleanup != nil {
				cleanup(shutdownCtx)
			}
			close(finished)
		}()

		select {
		case <-shutdownCtx.Done():
			logger.Warn("Shutdown timeout reached")
		case <-finished:
			logger.Info("Shutdown complete")
		}
		close(done)
	}()

	return ctx, done
}

// WaitForShutdown blocks until the context is cancelled.
func WaitForShutdown(ctx context.Context, done <-chan struct{}) {
	<-ctx.Done()
	<-done
}
