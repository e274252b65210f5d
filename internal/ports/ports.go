package ports

import (
	"context"
	"time"

	"fxledger/internal/core"
)

// Ports for outbound adapters.
type (
	// RateWriter merges a fetched table into the live rate table.
	RateWriter interface {
		// Upsert replaces the listed currencies and leaves every other row untouched.
		Upsert(ctx context.Context, table core.RateTable) error
		// SeedDefaults writes rates only when the live table is empty; it returns the rows written.
		SeedDefaults(ctx context.Context, rates map[string]float64) (int, error)
	}

	// RateReader serves the live rate table.
	RateReader interface {
		// Latest never returns an empty table; an unpopulated store yields core.FallbackTable().
		Latest(ctx context.Context) (core.RateTable, error)
		RateOf(ctx context.Context, code string) (float64, bool, error)
		Rates(ctx context.Context) ([]core.StoredRate, error)
		// RatesTimestamp returns the newest UpdatedAt, zero when nothing is stored.
		RatesTimestamp(ctx context.Context) (time.Time, error)
	}

	SnapshotRecorder interface {
		RecordSnapshot(ctx context.Context, table core.RateTable) (core.RateSnapshot, error)
		LatestSnapshot(ctx context.Context) (core.RateSnapshot, bool, error)
	}

	RateStore interface {
		RateWriter
		RateReader
		SnapshotRecorder
	}

	LedgerWriter interface {
		// Append persists e and returns it with ID and CreatedAt assigned.
		Append(ctx context.Context, e core.LedgerEntry) (core.LedgerEntry, error)
	}

	LedgerReader interface {
		// Query returns entries with from <= ExpenseDate < to, ordered by date then ID.
		Query(ctx context.Context, from, to time.Time) ([]core.LedgerEntry, error)
		// Recent returns up to limit entries, newest ID first.
		Recent(ctx context.Context, limit int) ([]core.LedgerEntry, error)
	}

	Ledger interface {
		LedgerWriter
		LedgerReader
	}

	// Store is everything a data backend provides.
	Store interface {
		RateStore
		Ledger
		Ping(ctx context.Context) error
		Close() error
	}
)
