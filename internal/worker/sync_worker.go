package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"fxledger/internal/amqp"
	"fxledger/internal/cache"
	"fxledger/internal/core"
	logger "fxledger/internal/log"
	"fxledger/internal/services"
)

// LedgerMirror receives committed entries, e.g. a spreadsheet.
type LedgerMirror interface {
	AppendEntry(ctx context.Context, e core.LedgerEntry) (string, error)
}

// RateRefresher fetches and stores fresh rates.
type RateRefresher interface {
	Refresh(ctx context.Context, symbols []string) (services.RefreshResult, error)
}

// Consumer delivers broker messages to handlers until ctx is done.
type Consumer interface {
	Consume(ctx context.Context, h amqp.Handlers) error
}

// SyncWorker mirrors recorded expenses and services refresh requests.
type SyncWorker struct {
	mirror LedgerMirror
	rates  RateRefresher
	// mirrored remembers recently mirrored IDs so a redelivered message
	// does not produce a second row.
	mirrored cache.Cache[struct{}]
}

func NewSyncWorker(mirror LedgerMirror, rates RateRefresher, mirrored cache.Cache[struct{}]) *SyncWorker {
	if mirrored == nil {
		mirrored = cache.NewTTLCache[struct{}](24*time.Hour, time.Hour)
	}
	return &SyncWorker{
		mirror:   mirror,
		rates:    rates,
		mirrored: mirrored,
	}
}

// Handlers binds the worker to the broker routing keys.
func (w *SyncWorker) Handlers() amqp.Handlers {
	return amqp.Handlers{
		ExpenseRecorded: w.HandleExpenseRecorded,
		RatesRefresh:    w.HandleRatesRefresh,
	}
}

// HandleExpenseRecorded appends the entry to the mirror. An error asks the
// broker to redeliver.
func (w *SyncWorker) HandleExpenseRecorded(ctx context.Context, msg *amqp.ExpenseRecordedMessage) error {
	entry := msg.Entry()
	fields := logger.NewFields().
		WithComponent(logger.ComponentWorker).
		WithOperation(logger.OpMirror).
		WithEntry(entry.ID, entry.Category, entry.Currency, entry.AmountOriginal, entry.AmountUSD, msg.ExpenseDate)

	if w.mirror == nil {
		slog.DebugContext(ctx, "No ledger mirror configured, skipping", fields.ToSlice()...)
		return nil
	}

	key := strconv.FormatInt(entry.ID, 10)
	if _, seen := w.mirrored.Get(key); seen {
		slog.InfoContext(ctx, "Entry already mirrored, skipping duplicate", fields.ToSlice()...)
		return nil
	}

	ref, err := w.mirror.AppendEntry(ctx, entry)
	if err != nil {
		if errors.Is(err, core.ErrInvalidInput) {
			slog.ErrorContext(ctx, "Dropping unmirrorable entry", fields.WithError(err).ToSlice()...)
			return nil
		}
		return fmt.Errorf("mirror entry %d: %w", entry.ID, err)
	}
	w.mirrored.Set(key, struct{}{})

	slog.InfoContext(ctx, "Mirrored ledger entry", append(fields.ToSlice(), "sheets_ref", ref)...)
	return nil
}

// HandleRatesRefresh runs one refresh. Upstream failures are redelivered once
// by the broker; the stored table is left untouched either way.
func (w *SyncWorker) HandleRatesRefresh(ctx context.Context, msg *amqp.RatesRefreshMessage) error {
	if w.rates == nil {
		slog.WarnContext(ctx, "No rate refresher configured, dropping refresh request", "reason", msg.Reason)
		return nil
	}
	res, err := w.rates.Refresh(ctx, msg.Symbols)
	if err != nil {
		return fmt.Errorf("refresh rates (%s): %w", msg.Reason, err)
	}
	slog.InfoContext(ctx, "Rates refreshed on request",
		"reason", msg.Reason,
		logger.FieldSnapshotID, res.Snapshot.ID,
		logger.FieldProviderDate, res.Snapshot.ProviderDate)
	return nil
}

// RefreshLoop refreshes rates every interval until ctx is done. A failed
// tick is logged and the previous table stays live.
func (w *SyncWorker) RefreshLoop(ctx context.Context, interval time.Duration) error {
	if w.rates == nil || interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.InfoContext(ctx, "Starting periodic rate refresh", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			slog.InfoContext(ctx, "Stopping periodic rate refresh", "reason", ctx.Err())
			return nil
		case <-ticker.C:
			res, err := w.rates.Refresh(ctx, nil)
			if err != nil {
				slog.ErrorContext(ctx, "Periodic rate refresh failed", "error", err)
				continue
			}
			slog.InfoContext(ctx, "Periodic rate refresh completed",
				logger.FieldSnapshotID, res.Snapshot.ID,
				logger.FieldProviderDate, res.Snapshot.ProviderDate)
		}
	}
}

// Run consumes broker messages and runs the refresh loop until ctx is done
// or one of them fails. consumer may be nil.
func (w *SyncWorker) Run(ctx context.Context, consumer Consumer, interval time.Duration) error {
	g, ctx := errgroup.WithContext(ctx)

	if consumer != nil {
		g.Go(func() error {
			err := consumer.Consume(ctx, w.Handlers())
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}
	g.Go(func() error {
		return w.RefreshLoop(ctx, interval)
	})

	return g.Wait()
}
