package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"fxledger/internal/amqp"
	"fxledger/internal/ports"
	"fxledger/internal/storage"
	"fxledger/internal/storage/memory"
)

type opener struct {
	logger *slog.Logger
}

// NewOpener returns the default Opener. A nil logger uses slog.Default.
func NewOpener(logger *slog.Logger) Opener {
	if logger == nil {
		logger = slog.Default()
	}
	return &opener{logger: logger}
}

// Open builds the store, checks that it answers, then dials the broker.
// A broker that cannot be reached is logged and skipped.
func (o *opener) Open(ctx context.Context, cfg Config) (*BackendResult, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	store, err := o.openStore(cfg)
	if err != nil {
		return nil, err
	}
	if err := store.Ping(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("%s backend not ready: %w", cfg.Kind, err)
	}

	client := o.dialBroker(cfg.Broker)

	return &BackendResult{
		Store: store,
		AMQP:  client,
		Cleanup: func() error {
			var errs []error
			if client != nil {
				errs = append(errs, client.Close())
			}
			errs = append(errs, store.Close())
			return errors.Join(errs...)
		},
	}, nil
}

func (o *opener) openStore(cfg Config) (ports.Store, error) {
	switch cfg.Kind {
	case SQLite:
		repo, err := storage.NewSQLiteRepository(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		version, _, err := storage.SchemaVersion(cfg.SQLitePath)
		if err != nil {
			repo.Close()
			return nil, err
		}
		o.logger.Info("Opened SQLite store", "db_path", cfg.SQLitePath, "schema_version", version)
		return repo, nil
	case Memory:
		o.logger.Info("Opened memory store", "seed_dir", cfg.SeedDir)
		return memory.NewFromFiles(cfg.SeedDir), nil
	default:
		return nil, fmt.Errorf("unsupported data backend %q", cfg.Kind)
	}
}

func (o *opener) dialBroker(b Broker) *amqp.Client {
	if !b.Enabled() {
		return nil
	}
	client, err := amqp.NewClient(b.URL, b.Exchange, b.Queue)
	if err != nil {
		o.logger.Warn("AMQP broker unreachable, ledger events disabled", "error", err)
		return nil
	}
	o.logger.Info("Connected to AMQP broker", "exchange", b.Exchange, "queue", b.Queue)
	return client
}
