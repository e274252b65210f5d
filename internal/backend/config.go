package backend

import (
	"cmp"
	"errors"

	"fxledger/internal/config"
)

const defaultSeedDir = "data"

// Broker is the optional AMQP connection used for expense.recorded and
// rates.refresh messages.
type Broker struct {
	URL      string
	Exchange string
	Queue    string
}

func (b Broker) Enabled() bool {
	return b.URL != ""
}

type Config struct {
	Kind Kind

	// SQLitePath is required for the sqlite backend; parent directories
	// are created on open.
	SQLitePath string

	// SeedDir holds the JSON files the memory backend starts from.
	SeedDir string

	Broker Broker
}

// FromAppConfig derives and validates the backend settings.
func FromAppConfig(app *config.Config) (Config, error) {
	if app == nil {
		return Config{}, errors.New("backend: nil app config")
	}
	kind, err := ParseKind(app.DataBackend)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Kind:       kind,
		SQLitePath: app.SQLiteDBPath,
		SeedDir:    cmp.Or(app.DataDirectory, defaultSeedDir),
		Broker: Broker{
			URL:      app.AMQPURL,
			Exchange: app.AMQPExchange,
			Queue:    app.AMQPQueue,
		},
	}
	return cfg, cfg.Validate()
}

// Validate reports every problem at once.
func (c Config) Validate() error {
	var errs []error
	if _, err := ParseKind(string(c.Kind)); err != nil {
		errs = append(errs, err)
	}
	if c.Kind == SQLite && c.SQLitePath == "" {
		errs = append(errs, errors.New("sqlite backend needs SQLITE_DB_PATH"))
	}
	if c.Broker.Enabled() && (c.Broker.Exchange == "" || c.Broker.Queue == "") {
		errs = append(errs, errors.New("AMQP_URL is set but AMQP_EXCHANGE or AMQP_QUEUE is empty"))
	}
	return errors.Join(errs...)
}
