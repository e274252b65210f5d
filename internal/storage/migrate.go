package storage

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// migrator opens its own handle on dbPath; Close releases it along with
// the embedded source.
func migrator(dbPath string) (*migrate.Migrate, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open migration database: %w", err)
	}
	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite migration driver: %w", err)
	}
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		driver.Close()
		return nil, fmt.Errorf("embedded migrations: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		driver.Close()
		return nil, fmt.Errorf("migrate instance: %w", err)
	}
	return m, nil
}

// EnsureSchema applies pending migrations to the ledger database. A schema
// left dirty by an interrupted run is reported instead of being forced.
func EnsureSchema(dbPath string) error {
	m, err := migrator(dbPath)
	if err != nil {
		return err
	}
	defer m.Close()

	from, dirty, err := version(m)
	if err != nil {
		return err
	}
	if dirty {
		return fmt.Errorf("ledger schema at version %d is dirty, fix it by hand before starting", from)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}

	to, _, err := version(m)
	if err != nil {
		return err
	}
	if to != from {
		slog.Info("Applied ledger schema migrations", "from_version", from, "to_version", to)
	}
	return nil
}

// SchemaVersion reports the applied migration version; 0 means none.
func SchemaVersion(dbPath string) (uint, bool, error) {
	m, err := migrator(dbPath)
	if err != nil {
		return 0, false, err
	}
	defer m.Close()
	return version(m)
}

func version(m *migrate.Migrate) (uint, bool, error) {
	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read schema version: %w", err)
	}
	return v, dirty, nil
}
