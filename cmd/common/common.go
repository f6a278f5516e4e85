// Package common implements common stagesync command options.
package common

import (
	"context"
	"errors"
	"fmt"
	"io"
	stdLog "log"
	"os"

	"github.com/akrylysov/pogreb"
	migrate "github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres" // postgres driver for golang_migrate
	_ "github.com/golang-migrate/migrate/v4/source/file"       // support file scheme for golang_migrate

	"github.com/ethsync/stagesync/config"
	"github.com/ethsync/stagesync/log"
	"github.com/ethsync/stagesync/metrics"
	"github.com/ethsync/stagesync/storage"
	"github.com/ethsync/stagesync/storage/kvstore"
	"github.com/ethsync/stagesync/storage/memdb"
	"github.com/ethsync/stagesync/storage/postgres"
)

const metricsPrefix = "stagesync"

var rootLogger = log.NewDefaultLogger("stagesync")

// Init initializes the common environment.
func Init(cfg *config.Config) error {
	var w io.Writer = os.Stdout
	format := log.FmtJSON
	level := log.LevelDebug

	if cfg.Log != nil {
		var err error
		if w, err = getLoggingStream(cfg.Log); err != nil {
			return fmt.Errorf("opening log file: %w", err)
		}
		if err := format.Set(cfg.Log.Format); err != nil {
			return err
		}
		if err := level.Set(cfg.Log.Level); err != nil {
			return err
		}
	}
	logger, err := log.NewLogger("stagesync", w, format, level)
	if err != nil {
		return err
	}
	rootLogger = logger

	// Initialize pogreb logging.
	pogreb.SetLogger(stdLog.New(RootLogger().WithModule("pogreb").Writer(), "", 0))

	return nil
}

// RootLogger returns the logger defined by the config.
func RootLogger() *log.Logger {
	return rootLogger
}

func getLoggingStream(cfg *config.LogConfig) (io.Writer, error) {
	if cfg == nil || cfg.File == "" {
		return os.Stdout, nil
	}
	w, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	return w, nil
}

// NewDatabase opens the configured storage backend.
func NewDatabase(cfg *config.StorageConfig, logger *log.Logger) (storage.Database, error) {
	var backend config.StorageBackend
	if err := backend.Set(cfg.Backend); err != nil {
		return nil, err
	}

	dbMetrics := metrics.NewDefaultDatabaseMetrics(metricsPrefix)
	switch backend {
	case config.BackendPostgres:
		client, err := postgres.NewClient(cfg.Endpoint, logger, dbMetrics)
		if err != nil {
			return nil, err
		}
		return client, nil
	case config.BackendPogreb:
		db, err := kvstore.Open(cfg.Endpoint, logger, dbMetrics)
		if err != nil {
			return nil, err
		}
		return db, nil
	case config.BackendInMemory:
		return memdb.New(), nil
	default:
		return nil, fmt.Errorf("unsupported storage backend: %v", backend.String())
	}
}

// PrepareStorage wipes the storage if configured to, and applies schema
// migrations to postgres.
func PrepareStorage(ctx context.Context, cfg *config.StorageConfig, db storage.Database, logger *log.Logger) error {
	if cfg.WipeStorage {
		wiper, ok := db.(storage.Wiper)
		if !ok {
			return fmt.Errorf("storage backend %s cannot be wiped", db.Name())
		}
		logger.Warn("wiping storage")
		if err := wiper.Wipe(ctx); err != nil {
			return fmt.Errorf("wiping storage: %w", err)
		}
		logger.Info("storage wiped")
	}

	var backend config.StorageBackend
	if err := backend.Set(cfg.Backend); err != nil {
		return err
	}
	if backend != config.BackendPostgres {
		return nil
	}

	m, err := migrate.New(cfg.Migrations, cfg.Endpoint)
	if err != nil {
		logger.Error("migrator failed to start",
			"error", err,
		)
		return err
	}
	defer m.Close()
	m.Log = &migrateLogger{logger: logger.WithModule("migrate")}

	switch err = m.Up(); {
	case errors.Is(err, migrate.ErrNoChange):
		logger.Info("no migrations needed to be applied")
	case err != nil:
		logger.Error("migrations failed",
			"error", err,
		)
		return err
	default:
		logger.Info("migrations completed")
	}
	return nil
}

// migrateLogger adapts the logger to migrate.Logger.
type migrateLogger struct {
	logger *log.Logger
}

func (l *migrateLogger) Printf(format string, v ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, v...))
}

func (l *migrateLogger) Verbose() bool {
	return l.logger.Level() <= log.LevelDebug
}
