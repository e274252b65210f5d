package main

import (
	"context"
	"os"
	"time"

	"fxledger/internal/cli"
	applog "fxledger/internal/log"
	"fxledger/internal/metrics"
	"fxledger/internal/services"
	gsheet "fxledger/internal/sheets/google"
	"fxledger/internal/worker"
)

func main() {
	cli.LoadEnvFile()

	logger := cli.SetupLogger(os.Getenv("LOG_LEVEL"), applog.ComponentWorker)
	logger.Info("Starting fx-worker", applog.FieldOperation, applog.OpStartup)

	cfg := cli.LoadAndValidateConfig(logger)
	logger = cli.SetupLogger(cfg.LogLevel, applog.ComponentWorker)

	backendRes := cli.InitBackend(context.Background(), logger, cfg)

	reg := metrics.NewRegistry()
	rates := services.NewRateService(cli.NewFetcher(cfg, reg), backendRes.Store, cfg.FXSymbols,
		services.WithRateMetrics(reg))
	if err := rates.Seed(context.Background()); err != nil {
		logger.Error("Failed to seed default rates", applog.FieldError, err.Error())
		os.Exit(1)
	}

	var mirror worker.LedgerMirror
	if cfg.GoogleSpreadsheetID != "" {
		m, err := gsheet.NewFromEnv(context.Background(), cfg.GoogleSpreadsheetID, cfg.GoogleSheetName)
		if err != nil {
			logger.Error("Failed to initialize Google Sheets mirror", applog.FieldError, err.Error())
			os.Exit(1)
		}
		mirror = m
		logger.Info("Google Sheets mirror initialized",
			"spreadsheet_id", cfg.GoogleSpreadsheetID,
			"sheet", cfg.GoogleSheetName)
	} else {
		logger.Info("Google Sheets mirror disabled - no GOOGLE_SPREADSHEET_ID provided")
	}

	var consumer worker.Consumer
	if backendRes.AMQP != nil {
		consumer = backendRes.AMQP
	} else {
		logger.Info("Skipping AMQP message consumption - no broker available")
	}

	if consumer == nil && cfg.FXRefreshInterval <= 0 {
		logger.Error("Nothing to do: set AMQP_URL or FX_REFRESH_INTERVAL")
		os.Exit(1)
	}

	ctx, done := cli.GracefulShutdown(logger, 30*time.Second, func(context.Context) {
		if err := backendRes.Cleanup(); err != nil {
			logger.Error("Backend cleanup error", applog.FieldError, err.Error())
		}
	})

	syncWorker := worker.NewSyncWorker(mirror, rates, nil)
	if err := syncWorker.Run(ctx, consumer, cfg.FXRefreshInterval); err != nil {
		logger.Error("Worker stopped with error", applog.FieldError, err.Error())
		_ = backendRes.Cleanup()
		os.Exit(1)
	}

	cli.WaitForShutdown(ctx, done)
	logger.Info("Worker shutdown complete")
}
