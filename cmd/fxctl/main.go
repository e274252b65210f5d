package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"fxledger/internal/cache"
	"fxledger/internal/cli"
	"fxledger/internal/core"
	applog "fxledger/internal/log"
	"fxledger/internal/services"
)

type refreshPublisher interface {
	PublishRatesRefresh(ctx context.Context, reason string, symbols []string) error
}

// app is the service graph a command runs against.
type app struct {
	expenses  *services.ExpenseService
	rates     *services.RateService
	reports   *services.ReportService
	publisher refreshPublisher // nil without a broker
	cleanup   func() error
}

type appFactory func(ctx context.Context) (*app, error)

// newApp wires the same store, fetcher and services as the server.
func newApp(ctx context.Context) (*app, error) {
	cli.LoadEnvFile()
	cfg, err := cli.LoadConfig()
	if err != nil {
		return nil, err
	}
	logger := cli.SetupLogger(cfg.LogLevel, applog.ComponentCLI)

	res := cli.InitBackend(ctx, logger, cfg)
	rates := services.NewRateService(cli.NewFetcher(cfg, nil), res.Store, cfg.FXSymbols)
	if err := rates.Seed(ctx); err != nil {
		_ = res.Cleanup()
		return nil, err
	}

	a := &app{
		rates:   rates,
		reports: services.NewReportService(res.Store, cache.Noop[core.MonthlyReport]{}, nil),
		cleanup: res.Cleanup,
	}
	opts := []services.ExpenseOption{services.WithSupportedCurrencies(cfg.SupportedCurrencies)}
	if res.AMQP != nil {
		opts = append(opts, services.WithPublisher(res.AMQP))
		a.publisher = res.AMQP
	}
	a.expenses = services.NewExpenseService(res.Store, res.Store, opts...)
	return a, nil
}

func newRootCmd(factory appFactory) *cobra.Command {
	var a *app

	root := &cobra.Command{
		Use:   "fxctl",
		Short: "Multi-currency expense ledger",
		Long: `fxctl records expenses in any supported currency, normalizes them to USD
with the stored FX table, and reports monthly totals.

Settings are read from the environment (and .env) exactly as the server does.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			a, err = factory(cmd.Context())
			return err
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if a != nil && a.cleanup != nil {
				return a.cleanup()
			}
			return nil
		},
	}

	current := func() *app { return a }
	root.AddCommand(
		newFetchCmd(current),
		newAddCmd(current),
		newReportCmd(current),
		newRatesCmd(current),
		newRecentCmd(current),
	)
	return root
}

func main() {
	if err := newRootCmd(newApp).ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
