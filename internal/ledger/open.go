package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// Store drivers accepted by OpenStore.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverBadger   = "badger"
)

// StoreConfig selects and configures the ledger store.
type StoreConfig struct {
	Driver          string
	DSN             string
	Dir             string
	InMemory        bool
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	SkipMigrations  bool
}

// OpenStore opens the store selected by cfg.Driver.
func OpenStore(ctx context.Context, cfg StoreConfig) (Store, error) {
	log.Info().Str("driver", cfg.Driver).Msg("Opening migration ledger")

	switch cfg.Driver {
	case DriverPostgres, DriverSQLite:
		return OpenSQL(ctx, SQLConfig{
			Dialect:         Dialect(cfg.Driver),
			DSN:             cfg.DSN,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime,
			SkipMigrations:  cfg.SkipMigrations,
		})
	case DriverBadger:
		return OpenBadger(BadgerConfig{Dir: cfg.Dir, InMemory: cfg.InMemory})
	default:
		return nil, fmt.Errorf("unknown ledger driver %q", cfg.Driver)
	}
}
