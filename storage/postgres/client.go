// Package postgres implements the storage.Database interface
// backed by PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/tracelog"

	"github.com/ethsync/stagesync/log"
	"github.com/ethsync/stagesync/metrics"
	"github.com/ethsync/stagesync/storage"
)

const (
	moduleName = "postgres"

	// Schema holding all tables owned by the sync engine.
	schemaName = "stagesync"
)

const (
	getQuery = `
		SELECT v FROM stagesync.kv
		WHERE tbl = $1 AND k = $2`

	putQuery = `
		INSERT INTO stagesync.kv (tbl, k, v)
		VALUES ($1, $2, $3)
		ON CONFLICT (tbl, k) DO UPDATE SET v = excluded.v`

	deleteQuery = `
		DELETE FROM stagesync.kv
		WHERE tbl = $1 AND k = $2`
)

// Client is a client for connecting to PostgreSQL.
type Client struct {
	pool    *pgxpool.Pool
	logger  *log.Logger
	metrics *metrics.DatabaseMetrics // if nil, no metrics are emitted
}

var (
	_ storage.Database = (*Client)(nil)
	_ storage.Wiper    = (*Client)(nil)
)

// pgxLogger is a pgx-compatible logger interface that uses the standard
// logger as the backend.
type pgxLogger struct {
	logger *log.Logger
}

// logFuncForLevel maps a pgx log severity level to a corresponding logger function.
func (l *pgxLogger) logFuncForLevel(level tracelog.LogLevel) func(string, ...interface{}) {
	switch level {
	case tracelog.LogLevelTrace, tracelog.LogLevelDebug:
		return l.logger.Debug
	case tracelog.LogLevelInfo:
		return l.logger.Info
	case tracelog.LogLevelWarn:
		return l.logger.Warn
	case tracelog.LogLevelError, tracelog.LogLevelNone:
		return l.logger.Error
	default:
		l.logger.Warn("Unknown log level", "unknown_level", level)
		return l.logger.Info
	}
}

// Implements tracelog.Logger interface.
func (l *pgxLogger) Log(ctx context.Context, level tracelog.LogLevel, msg string, data map[string]interface{}) {
	args := []interface{}{}
	for k, v := range data {
		args = append(args, k, v)
	}

	logFunc := l.logFuncForLevel(level)
	logFunc(msg, args...)
}

// NewClient creates a new PostgreSQL client.
// dbMetrics can be nil, in which case no metrics are emitted.
func NewClient(connString string, l *log.Logger, dbMetrics *metrics.DatabaseMetrics) (*Client, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}

	// For a log line to be produced, it needs to be >= the level specified
	// here, and >= the level of the underlying logger. "Info" level logs
	// every SQL statement executed.
	config.ConnConfig.Tracer = &tracelog.TraceLog{
		LogLevel: tracelog.LogLevelWarn,
		Logger: &pgxLogger{
			logger: l.WithModule(moduleName).With("db", config.ConnConfig.Database),
		},
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, err
	}
	return &Client{
		pool:    pool,
		logger:  l.WithModule(moduleName),
		metrics: dbMetrics,
	}, nil
}

// BeginRo implements storage.Database.
func (c *Client) BeginRo(ctx context.Context) (storage.Tx, error) {
	pgTx, err := c.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("failed to begin read-only tx: %w", err)
	}
	return &tx{client: c, tx: pgTx, readOnly: true}, nil
}

// BeginRw implements storage.Database.
func (c *Client) BeginRw(ctx context.Context) (storage.RwTx, error) {
	pgTx, err := c.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadWrite})
	if err != nil {
		return nil, fmt.Errorf("failed to begin tx: %w", err)
	}
	return &tx{client: c, tx: pgTx}, nil
}

// Close implements storage.Database.
func (c *Client) Close() {
	c.pool.Close()
}

// Name implements storage.Database.
func (c *Client) Name() string {
	return moduleName
}

// Exec runs a statement outside of any storage transaction.
func (c *Client) Exec(ctx context.Context, sql string, args ...interface{}) error {
	if _, err := c.pool.Exec(ctx, sql, args...); err != nil {
		c.logger.Error("failed to exec statement",
			"error", err,
			"query_cmd", sql,
		)
		return err
	}
	return nil
}

// Returns all tables owned by the sync engine. Table names are fully-qualified,
// i.e. of the form "<schema>.<table>".
func (c *Client) listTables(ctx context.Context) ([]string, error) {
	rows, err := c.pool.Query(ctx, `
		SELECT schemaname, tablename
		FROM pg_tables
		WHERE schemaname = $1
	`, schemaName)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}

	tables := []string{}
	defer rows.Close() // Ensure rows is closed even if we return early.
	for rows.Next() {
		var schema, table string
		if err = rows.Scan(&schema, &table); err != nil {
			return nil, err
		}
		tables = append(tables, fmt.Sprintf("%s.%s", schema, table))
	}
	return tables, rows.Err()
}

// Wipe removes all contents of the database, including the migration
// bookkeeping, so that migrations run again on the next startup.
func (c *Client) Wipe(ctx context.Context) error {
	tables, err := c.listTables(ctx)
	if err != nil {
		return err
	}
	for _, table := range tables {
		c.logger.Info("dropping table", "table", table)
		if _, err = c.pool.Exec(ctx, fmt.Sprintf("DROP TABLE %s CASCADE;", table)); err != nil {
			return err
		}
	}
	if _, err = c.pool.Exec(ctx, "DROP TABLE IF EXISTS public.schema_migrations;"); err != nil {
		return err
	}
	return nil
}

// tx is a storage.RwTx on top of a pgx transaction.
type tx struct {
	client   *Client
	tx       pgx.Tx
	readOnly bool
}

func (t *tx) Get(ctx context.Context, table string, key []byte) ([]byte, error) {
	var value []byte
	err := t.tx.QueryRow(ctx, getQuery, table, key).Scan(&value)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return nil, storage.ErrNotFound
	case errors.Is(err, pgx.ErrTxClosed):
		return nil, storage.ErrTxClosed
	case err != nil:
		return nil, fmt.Errorf("get %s: %w", table, err)
	}
	return value, nil
}

func (t *tx) Put(ctx context.Context, table string, key []byte, value []byte) error {
	if t.readOnly {
		return storage.ErrReadOnly
	}
	if _, err := t.tx.Exec(ctx, putQuery, table, key, value); err != nil {
		return fmt.Errorf("put %s: %w", table, err)
	}
	return nil
}

func (t *tx) Delete(ctx context.Context, table string, key []byte) error {
	if t.readOnly {
		return storage.ErrReadOnly
	}
	if _, err := t.tx.Exec(ctx, deleteQuery, table, key); err != nil {
		return fmt.Errorf("delete %s: %w", table, err)
	}
	return nil
}

func (t *tx) Commit(ctx context.Context) (err error) {
	if m := t.client.metrics; m != nil && !t.readOnly {
		timer := m.DatabaseLatencies(moduleName, "commit")
		defer timer.ObserveDuration()
		defer func() {
			status := "success"
			if err != nil {
				status = "failure"
			}
			m.DatabaseOperations(moduleName, "commit", status).Inc()
		}()
	}

	err = t.tx.Commit(ctx)
	if errors.Is(err, pgx.ErrTxClosed) {
		return storage.ErrTxClosed
	}
	if err != nil {
		return fmt.Errorf("failed to commit tx: %w", err)
	}
	return nil
}

func (t *tx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if errors.Is(err, pgx.ErrTxClosed) {
		// Already committed or rolled back.
		return nil
	}
	return err
}
