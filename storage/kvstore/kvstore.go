// Package kvstore implements an embedded storage.Database backed by pogreb.
package kvstore

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/akrylysov/pogreb"

	"github.com/ethsync/stagesync/log"
	"github.com/ethsync/stagesync/metrics"
	"github.com/ethsync/stagesync/storage"
)

const moduleName = "pogreb"

// Separates the table name from the key inside a pogreb key.
const tableSeparator = 0x00

// DB is a storage.Database on top of a single pogreb store.
//
// pogreb has no multi-key transactions. Read-write transactions buffer their
// writes and apply them under a commit lock followed by an fsync, so readers
// never observe a half-applied commit within the process. A crash in the
// middle of applying a commit can leave it partially persisted.
type DB struct {
	db *pogreb.DB

	// Serializes commits, and commits against reads.
	commitLock sync.RWMutex

	path    string
	logger  *log.Logger
	metrics *metrics.DatabaseMetrics // if nil, no metrics are emitted
}

var (
	_ storage.Database = (*DB)(nil)
	_ storage.Wiper    = (*DB)(nil)
)

func dbKey(table string, key []byte) []byte {
	k := make([]byte, 0, len(table)+1+len(key))
	k = append(k, table...)
	k = append(k, tableSeparator)
	return append(k, key...)
}

// Returns true if path exists. Uses simplified error handling
// to match pogreb's behavior.
func pathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Gets rid of excessively backed-up pogreb index files. Pogreb backs up its
// indices into <oldname>.bac on every reindex; after repeated crashes the
// filenames grow until pogreb can no longer open the store.
func (s *DB) cleanupBackups() {
	matches, err := filepath.Glob(filepath.Join(s.path, "*.bac.bac"))
	if err != nil {
		s.logger.Warn("failed to glob backed-up pogreb index files", "err", err)
		return
	}
	for _, f := range matches {
		if err := os.Remove(f); err != nil {
			s.logger.Warn("failed to delete backed-up pogreb index file", "file", f, "err", err)
		}
	}
}

// Open opens the pogreb store at path, creating it if needed.
// dbMetrics can be nil, in which case no metrics are emitted.
func Open(path string, logger *log.Logger, dbMetrics *metrics.DatabaseMetrics) (*DB, error) {
	s := &DB{
		path:    path,
		logger:  logger.WithModule(moduleName).With("path", path),
		metrics: dbMetrics,
	}
	if pathExists(path) {
		s.cleanupBackups()
	}

	s.logger.Info("opening KV store")
	db, err := pogreb.Open(path, &pogreb.Options{BackgroundSyncInterval: -1})
	if err != nil {
		return nil, fmt.Errorf("opening pogreb store at %s: %w", path, err)
	}
	s.db = db
	s.logger.Info("KV store opened", "entries", db.Count())
	return s, nil
}

// BeginRo implements storage.Database.
func (s *DB) BeginRo(ctx context.Context) (storage.Tx, error) {
	return &tx{store: s}, nil
}

// BeginRw implements storage.Database.
func (s *DB) BeginRw(ctx context.Context) (storage.RwTx, error) {
	return &tx{store: s, writes: storage.NewWriteSet()}, nil
}

// Close implements storage.Database.
func (s *DB) Close() {
	s.logger.Info("closing KV store")
	if err := s.db.Close(); err != nil {
		s.logger.Error("failed to close KV store", "err", err)
	}
}

// Name implements storage.Database.
func (s *DB) Name() string {
	return moduleName
}

// Wipe implements storage.Wiper.
func (s *DB) Wipe(ctx context.Context) error {
	s.commitLock.Lock()
	defer s.commitLock.Unlock()

	var keys [][]byte
	it := s.db.Items()
	for {
		key, _, err := it.Next()
		if err == pogreb.ErrIterationDone {
			break
		}
		if err != nil {
			return fmt.Errorf("iterating KV store: %w", err)
		}
		keys = append(keys, bytes.Clone(key))
	}
	for _, k := range keys {
		if err := s.db.Delete(k); err != nil {
			return fmt.Errorf("deleting key: %w", err)
		}
	}
	s.logger.Info("wiped KV store", "deleted", len(keys))
	return s.db.Sync()
}

func (s *DB) get(table string, key []byte) ([]byte, error) {
	s.commitLock.RLock()
	defer s.commitLock.RUnlock()

	k := dbKey(table, key)
	has, err := s.db.Has(k)
	if err != nil {
		return nil, err
	}
	if !has {
		return nil, storage.ErrNotFound
	}
	return s.db.Get(k)
}

func (s *DB) apply(ws *storage.WriteSet) (err error) {
	if s.metrics != nil {
		timer := s.metrics.DatabaseLatencies(moduleName, "commit")
		defer timer.ObserveDuration()
		defer func() {
			status := "success"
			if err != nil {
				status = "failure"
			}
			s.metrics.DatabaseOperations(moduleName, "commit", status).Inc()
		}()
	}

	s.commitLock.Lock()
	defer s.commitLock.Unlock()

	if err = ws.ForEach(func(table string, key []byte, value []byte, deleted bool) error {
		if deleted {
			return s.db.Delete(dbKey(table, key))
		}
		return s.db.Put(dbKey(table, key), value)
	}); err != nil {
		return fmt.Errorf("applying write set: %w", err)
	}
	return s.db.Sync()
}

type tx struct {
	store  *DB
	writes *storage.WriteSet // nil for read-only transactions
	closed bool
}

func (t *tx) Get(ctx context.Context, table string, key []byte) ([]byte, error) {
	if t.closed {
		return nil, storage.ErrTxClosed
	}
	if t.writes != nil {
		if v, deleted, found := t.writes.Lookup(table, key); found {
			if deleted {
				return nil, storage.ErrNotFound
			}
			return v, nil
		}
	}
	return t.store.get(table, key)
}

func (t *tx) Put(ctx context.Context, table string, key []byte, value []byte) error {
	if t.closed {
		return storage.ErrTxClosed
	}
	if t.writes == nil {
		return storage.ErrReadOnly
	}
	t.writes.Put(table, key, value)
	return nil
}

func (t *tx) Delete(ctx context.Context, table string, key []byte) error {
	if t.closed {
		return storage.ErrTxClosed
	}
	if t.writes == nil {
		return storage.ErrReadOnly
	}
	t.writes.Delete(table, key)
	return nil
}

func (t *tx) Commit(ctx context.Context) error {
	if t.closed {
		return storage.ErrTxClosed
	}
	t.closed = true
	if t.writes == nil || t.writes.Len() == 0 {
		return nil
	}
	return t.store.apply(t.writes)
}

func (t *tx) Rollback(ctx context.Context) error {
	t.closed = true
	return nil
}
