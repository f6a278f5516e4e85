// Package storage defines the transactional key-value storage interfaces
// used by the sync pipeline and its stages.
package storage

import (
	"context"
	"errors"
)

// Tables known to the sync engine. Backends create them lazily; a table is
// just a key namespace.
const (
	// TableStageCheckpoints maps a stage ID to its encoded checkpoint.
	TableStageCheckpoints = "StageCheckpoints"
	// TableCanonicalHashes maps a big-endian block height to the canonical block hash.
	TableCanonicalHashes = "CanonicalHashes"
	// TableHeaders maps a big-endian block height to the RLP-encoded block header.
	TableHeaders = "Headers"
	// TableSyncStatus holds sync-wide markers (e.g. the last fully synced height).
	TableSyncStatus = "SyncStatus"
)

var (
	// ErrNotFound is returned by Get if the key does not exist in the table.
	ErrNotFound = errors.New("storage: key not found")

	// ErrTxClosed is returned when using a transaction that was already
	// committed or rolled back.
	ErrTxClosed = errors.New("storage: transaction closed")

	// ErrReadOnly is returned when a write is attempted in a read-only transaction.
	ErrReadOnly = errors.New("storage: read-only transaction")
)

// Tx is a read-only view of the database. A Tx must be closed with either
// Commit or Rollback; calling Rollback after Commit is a no-op.
type Tx interface {
	// Get returns the value stored under key in table, or ErrNotFound.
	Get(ctx context.Context, table string, key []byte) ([]byte, error)

	// Commit closes the transaction, making its writes (if any) durable.
	Commit(ctx context.Context) error

	// Rollback closes the transaction, discarding its writes (if any).
	Rollback(ctx context.Context) error
}

// RwTx is a read-write transaction.
type RwTx interface {
	Tx

	// Put stores value under key in table, overwriting any existing value.
	Put(ctx context.Context, table string, key []byte, value []byte) error

	// Delete removes key from table. Deleting a missing key is not an error.
	Delete(ctx context.Context, table string, key []byte) error
}

// Database can open read-only and read-write transactions.
type Database interface {
	// BeginRo opens a read-only transaction.
	BeginRo(ctx context.Context) (Tx, error)

	// BeginRw opens a read-write transaction.
	BeginRw(ctx context.Context) (RwTx, error)

	// Close releases all resources held by the database.
	Close()

	// Name returns the name of the storage backend.
	Name() string
}

// Wiper is implemented by backends that can remove all of their contents.
type Wiper interface {
	Wipe(ctx context.Context) error
}

// View runs fn in a read-only transaction. The transaction is always closed
// before View returns.
func View(ctx context.Context, db Database, fn func(tx Tx) error) error {
	tx, err := db.BeginRo(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Update runs fn in a read-write transaction and commits it if fn succeeds.
// The transaction is always closed before Update returns.
func Update(ctx context.Context, db Database, fn func(tx RwTx) error) error {
	tx, err := db.BeginRw(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
