package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"fxledger/internal/core"

	_ "modernc.org/sqlite"
)

// Fixed-width UTC timestamps so MAX() and ORDER BY on the text columns follow time order.
const storedTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string { return t.UTC().Format(storedTimeLayout) }

func parseTime(s string) (time.Time, error) { return time.Parse(time.RFC3339Nano, s) }

// SQLiteRepository implements ports.Store on a single SQLite file.
type SQLiteRepository struct {
	db   *sqlx.DB
	base string
	now  func() time.Time

	rateMu   sync.Mutex // serializes Upsert and SeedDefaults
	ledgerMu sync.Mutex // serializes Append
}

// NewSQLiteRepository opens (creating if needed) the database at dbPath and applies migrations.
func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sqlx.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := EnsureSchema(dbPath); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	return NewWithDB(db), nil
}

// NewWithDB wraps an already-migrated handle.
func NewWithDB(db *sqlx.DB) *SQLiteRepository {
	return &SQLiteRepository{
		db:   db,
		base: core.ReportingCurrency,
		now:  time.Now,
	}
}

func (r *SQLiteRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

func (r *SQLiteRepository) Ping(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return storageErr("ping", err)
	}
	return nil
}

// storageErr tags err with core.ErrStorageUnavailable while keeping the driver error reachable.
func storageErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, core.ErrStorageUnavailable, err)
}

type rateRow struct {
	Currency  string  `db:"currency"`
	Rate      float64 `db:"rate"`
	UpdatedAt string  `db:"updated_at"`
	Source    string  `db:"source"`
}

func (row rateRow) toCore() core.StoredRate {
	ts, _ := parseTime(row.UpdatedAt)
	return core.StoredRate{
		Currency:  row.Currency,
		Rate:      row.Rate,
		UpdatedAt: ts,
		Source:    core.RateSource(row.Source),
	}
}

const upsertRateSQL = `INSERT INTO fx_rates (currency, rate, updated_at, source)
VALUES (?, ?, ?, ?)
ON CONFLICT(currency) DO UPDATE SET
    rate = excluded.rate,
    updated_at = excluded.updated_at,
    source = excluded.source`

// Upsert merges table into fx_rates inside one transaction. Currencies absent from
// table keep their previous value, timestamp and source.
func (r *SQLiteRepository) Upsert(ctx context.Context, table core.RateTable) error {
	if table.Base != "" && core.NormalizeCode(table.Base) != r.base {
		return fmt.Errorf("%w: rate table base %s does not match store base %s", core.ErrInvalidInput, table.Base, r.base)
	}

	r.rateMu.Lock()
	defer r.rateMu.Unlock()

	now := formatTime(r.now())

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return storageErr("begin upsert", err)
	}
	defer tx.Rollback()

	written := 0
	for _, code := range table.Currencies() {
		rate := table.Rates[code]
		if code == r.base || !core.UsableRate(rate) {
			continue
		}
		if _, err := tx.ExecContext(ctx, upsertRateSQL, code, rate, now, string(core.SourceProvider)); err != nil {
			return storageErr("upsert rate "+code, err)
		}
		written++
	}
	if _, err := tx.ExecContext(ctx, upsertRateSQL, r.base, 1.0, now, string(core.SourceProvider)); err != nil {
		return storageErr("upsert base rate", err)
	}

	if err := tx.Commit(); err != nil {
		return storageErr("commit upsert", err)
	}

	slog.InfoContext(ctx, "FX rates upserted",
		"base", r.base,
		"currencies", written)
	return nil
}

// SeedDefaults writes rates with source=default only when fx_rates is empty.
func (r *SQLiteRepository) SeedDefaults(ctx context.Context, rates map[string]float64) (int, error) {
	r.rateMu.Lock()
	defer r.rateMu.Unlock()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, storageErr("begin seed", err)
	}
	defer tx.Rollback()

	var count int
	if err := tx.GetContext(ctx, &count, `SELECT COUNT(*) FROM fx_rates`); err != nil {
		return 0, storageErr("count rates", err)
	}
	if count > 0 {
		return 0, nil
	}

	now := formatTime(r.now())
	tbl := core.NewRateTable(r.base, rates, time.Time{}, "")
	tbl.Rates[r.base] = 1.0

	for _, code := range tbl.Currencies() {
		if _, err := tx.ExecContext(ctx, upsertRateSQL, code, tbl.Rates[code], now, string(core.SourceDefault)); err != nil {
			return 0, storageErr("seed rate "+code, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, storageErr("commit seed", err)
	}

	slog.InfoContext(ctx, "Seeded default FX rates", "count", len(tbl.Rates))
	return len(tbl.Rates), nil
}

// Rates returns every stored row ordered by currency.
func (r *SQLiteRepository) Rates(ctx context.Context) ([]core.StoredRate, error) {
	var rows []rateRow
	if err := r.db.SelectContext(ctx, &rows,
		`SELECT currency, rate, updated_at, source FROM fx_rates ORDER BY currency`); err != nil {
		return nil, storageErr("list rates", err)
	}
	out := make([]core.StoredRate, len(rows))
	for i, row := range rows {
		out[i] = row.toCore()
	}
	return out, nil
}

// Latest returns the live table, or the fallback table when nothing has been stored.
func (r *SQLiteRepository) Latest(ctx context.Context) (core.RateTable, error) {
	rows, err := r.Rates(ctx)
	if err != nil {
		return core.RateTable{}, err
	}
	if len(rows) == 0 {
		return core.FallbackTable(), nil
	}
	return tableFromRows(r.base, rows), nil
}

func tableFromRows(base string, rows []core.StoredRate) core.RateTable {
	rates := make(map[string]float64, len(rows))
	var newest time.Time
	for _, row := range rows {
		rates[row.Currency] = row.Rate
		if row.UpdatedAt.After(newest) {
			newest = row.UpdatedAt
		}
	}
	tbl := core.NewRateTable(base, rates, newest, "")
	tbl.Rates[base] = 1.0
	return tbl
}

func (r *SQLiteRepository) RateOf(ctx context.Context, code string) (float64, bool, error) {
	tbl, err := r.Latest(ctx)
	if err != nil {
		return 0, false, err
	}
	rate, ok := tbl.RateOf(code)
	return rate, ok, nil
}

func (r *SQLiteRepository) RatesTimestamp(ctx context.Context) (time.Time, error) {
	var ts sql.NullString
	if err := r.db.GetContext(ctx, &ts, `SELECT MAX(updated_at) FROM fx_rates`); err != nil {
		return time.Time{}, storageErr("rates timestamp", err)
	}
	if !ts.Valid {
		return time.Time{}, nil
	}
	t, err := parseTime(ts.String)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse rates timestamp %q: %w", ts.String, err)
	}
	return t, nil
}

type snapshotRow struct {
	ID           int64  `db:"id"`
	FetchedAt    string `db:"fetched_at"`
	Base         string `db:"base"`
	ProviderDate string `db:"provider_date"`
	Symbols      string `db:"symbols"`
	Payload      string `db:"payload"`
}

// RecordSnapshot appends an immutable snapshot of table.
func (r *SQLiteRepository) RecordSnapshot(ctx context.Context, table core.RateTable) (core.RateSnapshot, error) {
	fetchedAt := table.RetrievedAt
	if fetchedAt.IsZero() {
		fetchedAt = r.now()
	}
	snap := core.RateSnapshot{
		FetchedAt:    fetchedAt.UTC(),
		Base:         table.Base,
		ProviderDate: table.ProviderDate,
		Symbols:      table.RequestedSymbols(),
		Rates:        table.Clone().Rates,
	}

	payload, err := EncodeSnapshotPayload(snap)
	if err != nil {
		return core.RateSnapshot{}, err
	}

	res, err := r.db.ExecContext(ctx,
		`INSERT INTO fx_snapshots (fetched_at, base, provider_date, symbols, payload) VALUES (?, ?, ?, ?, ?)`,
		formatTime(snap.FetchedAt), snap.Base, snap.ProviderDate, strings.Join(snap.Symbols, ","), payload)
	if err != nil {
		return core.RateSnapshot{}, storageErr("insert snapshot", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return core.RateSnapshot{}, storageErr("snapshot id", err)
	}
	snap.ID = id

	slog.InfoContext(ctx, "FX snapshot recorded",
		"snapshot_id", id,
		"provider_date", snap.ProviderDate,
		"rates", len(snap.Rates))
	return snap, nil
}

// LatestSnapshot returns the snapshot with the highest ID.
func (r *SQLiteRepository) LatestSnapshot(ctx context.Context) (core.RateSnapshot, bool, error) {
	var row snapshotRow
	err := r.db.GetContext(ctx, &row,
		`SELECT id, fetched_at, base, provider_date, symbols, payload FROM fx_snapshots ORDER BY id DESC LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return core.RateSnapshot{}, false, nil
	}
	if err != nil {
		return core.RateSnapshot{}, false, storageErr("latest snapshot", err)
	}

	snap, err := row.toCore()
	if err != nil {
		return core.RateSnapshot{}, false, err
	}
	return snap, true, nil
}

func (row snapshotRow) toCore() (core.RateSnapshot, error) {
	fetchedAt, _ := parseTime(row.FetchedAt)
	snap := core.RateSnapshot{
		ID:           row.ID,
		FetchedAt:    fetchedAt,
		Base:         row.Base,
		ProviderDate: row.ProviderDate,
	}
	if row.Symbols != "" {
		snap.Symbols = strings.Split(row.Symbols, ",")
	}

	p, err := DecodeSnapshotPayload(row.Payload)
	if err != nil {
		return core.RateSnapshot{}, fmt.Errorf("snapshot %d: %w", row.ID, err)
	}
	snap.Rates = p.Rates
	if snap.Base == "" {
		snap.Base = p.Base
	}
	if snap.ProviderDate == "" {
		snap.ProviderDate = p.Date
	}
	return snap, nil
}

type ledgerRow struct {
	ID             int64   `db:"id"`
	CreatedAt      string  `db:"created_at"`
	ExpenseDate    string  `db:"expense_date"`
	Category       string  `db:"category"`
	AmountOriginal float64 `db:"amount_original"`
	Currency       string  `db:"currency"`
	AmountUSD      float64 `db:"amount_usd"`
}

func (row ledgerRow) toCore() core.LedgerEntry {
	created, _ := parseTime(row.CreatedAt)
	day, _ := time.Parse(core.DateLayout, row.ExpenseDate)
	return core.LedgerEntry{
		ID:             row.ID,
		CreatedAt:      created,
		ExpenseDate:    day,
		Category:       row.Category,
		AmountOriginal: row.AmountOriginal,
		Currency:       row.Currency,
		AmountUSD:      row.AmountUSD,
	}
}

const ledgerColumns = `id, created_at, expense_date, category, amount_original, currency, amount_usd`

// Append inserts e and returns it with ID and CreatedAt set.
func (r *SQLiteRepository) Append(ctx context.Context, e core.LedgerEntry) (core.LedgerEntry, error) {
	r.ledgerMu.Lock()
	defer r.ledgerMu.Unlock()

	if e.CreatedAt.IsZero() {
		e.CreatedAt = r.now()
	}
	e.CreatedAt = e.CreatedAt.UTC()

	res, err := r.db.ExecContext(ctx,
		`INSERT INTO ledger_entries (created_at, expense_date, category, amount_original, currency, amount_usd)
VALUES (?, ?, ?, ?, ?, ?)`,
		formatTime(e.CreatedAt), e.ExpenseDate.Format(core.DateLayout),
		e.Category, e.AmountOriginal, e.Currency, e.AmountUSD)
	if err != nil {
		return core.LedgerEntry{}, storageErr("insert ledger entry", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return core.LedgerEntry{}, storageErr("ledger entry id", err)
	}
	e.ID = id

	slog.InfoContext(ctx, "Ledger entry saved to SQLite",
		"id", e.ID,
		"category", e.Category,
		"currency", e.Currency,
		"amount_usd", e.AmountUSD,
		"expense_date", e.ExpenseDate.Format(core.DateLayout))
	return e, nil
}

// Query returns entries with from <= expense_date < to in (expense_date, id) order.
func (r *SQLiteRepository) Query(ctx context.Context, from, to time.Time) ([]core.LedgerEntry, error) {
	var rows []ledgerRow
	err := r.db.SelectContext(ctx, &rows,
		`SELECT `+ledgerColumns+` FROM ledger_entries
WHERE expense_date >= ? AND expense_date < ?
ORDER BY expense_date, id`,
		from.Format(core.DateLayout), to.Format(core.DateLayout))
	if err != nil {
		return nil, storageErr("query ledger", err)
	}
	return ledgerFromRows(rows), nil
}

func (r *SQLiteRepository) Recent(ctx context.Context, limit int) ([]core.LedgerEntry, error) {
	if limit <= 0 {
		limit = 10
	}
	var rows []ledgerRow
	err := r.db.SelectContext(ctx, &rows,
		`SELECT `+ledgerColumns+` FROM ledger_entries ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, storageErr("recent ledger entries", err)
	}
	return ledgerFromRows(rows), nil
}

func ledgerFromRows(rows []ledgerRow) []core.LedgerEntry {
	out := make([]core.LedgerEntry, len(rows))
	for i, row := range rows {
		out[i] = row.toCore()
	}
	return out
}
