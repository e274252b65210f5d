package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"fxledger/internal/cache"
	"fxledger/internal/cli"
	"fxledger/internal/core"
	apphttp "fxledger/internal/http"
	applog "fxledger/internal/log"
	"fxledger/internal/metrics"
	"fxledger/internal/middleware/ratelimit"
	"fxledger/internal/services"
	"fxledger/internal/worker"
)

func main() {
	cli.LoadEnvFile()

	logger := cli.SetupLogger(os.Getenv("LOG_LEVEL"), applog.ComponentApp)
	cfg := cli.LoadAndValidateConfig(logger)
	logger = cli.SetupLogger(cfg.LogLevel, applog.ComponentApp)

	backendRes := cli.InitBackend(context.Background(), logger, cfg)

	reg := metrics.NewRegistry()
	fetcher := cli.NewFetcher(cfg, reg)

	var reportCache cache.Cache[core.MonthlyReport] = cache.Noop[core.MonthlyReport]{}
	if cfg.ReportCacheTTL > 0 {
		reportCache = cache.NewTTLCache[core.MonthlyReport](cfg.ReportCacheTTL, 2*cfg.ReportCacheTTL)
	}
	reports := services.NewReportService(backendRes.Store, reportCache, reg)

	rates := services.NewRateService(fetcher, backendRes.Store, cfg.FXSymbols,
		services.WithRateMetrics(reg))
	if err := rates.Seed(context.Background()); err != nil {
		logger.Error("Failed to seed default rates", applog.FieldError, err.Error())
		os.Exit(1)
	}

	expenseOpts := []services.ExpenseOption{
		services.WithExpenseMetrics(reg),
		services.WithSupportedCurrencies(cfg.SupportedCurrencies),
		services.OnRecorded(func(core.LedgerEntry) { reports.Invalidate() }),
	}
	deps := apphttp.Dependencies{
		Rates:      rates,
		Reports:    reports,
		Store:      backendRes.Store,
		Metrics:    reg,
		Logger:     logger,
		Categories: cfg.Categories,
		RateLimit: ratelimit.Config{
			RequestsPerSecond: cfg.RateLimitRPS,
			Burst:             cfg.RateLimitBurst,
		},
	}
	if backendRes.AMQP != nil {
		expenseOpts = append(expenseOpts, services.WithPublisher(backendRes.AMQP))
		deps.RefreshPublisher = backendRes.AMQP
	}
	deps.Expenses = services.NewExpenseService(backendRes.Store, backendRes.Store, expenseOpts...)

	srv := apphttp.NewServer(":"+cfg.Port, deps)

	ctx, done := cli.GracefulShutdown(logger, 30*time.Second, func(shutdownCtx context.Context) {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server shutdown error", applog.FieldError, err.Error())
		}
		if err := backendRes.Cleanup(); err != nil {
			logger.Error("Backend cleanup error", applog.FieldError, err.Error())
		}
	})

	// With no worker deployment the server owns periodic refresh.
	if cfg.FXRefreshInterval > 0 {
		refresher := worker.NewSyncWorker(nil, rates, nil)
		go func() {
			_ = refresher.RefreshLoop(ctx, cfg.FXRefreshInterval)
		}()
	}

	logger.Info("Starting fxledger server",
		"port", cfg.Port,
		"backend", cfg.DataBackend,
		"amqp", backendRes.AMQP != nil,
		applog.FieldOperation, applog.OpStartup)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("Server error", applog.FieldError, err.Error(), "port", cfg.Port)
		os.Exit(1)
	}

	cli.WaitForShutdown(ctx, done)
	logger.Info("Server stopped gracefully")
}
