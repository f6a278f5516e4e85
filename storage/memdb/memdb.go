// Package memdb implements an in-memory storage.Database. It backs the
// "inmemory" storage backend and the tests of the sync pipeline.
package memdb

import (
	"context"
	"sync"

	"github.com/ethsync/stagesync/storage"
)

const moduleName = "inmemory"

// DB is an in-memory database. Writes of a read-write transaction are
// buffered and applied atomically on commit.
type DB struct {
	mu     sync.RWMutex
	tables map[string]map[string][]byte

	// Number of committed read-write transactions; useful in tests.
	commits int
}

var _ storage.Database = (*DB)(nil)

// New returns an empty in-memory database.
func New() *DB {
	return &DB{tables: map[string]map[string][]byte{}}
}

// BeginRo implements storage.Database.
func (db *DB) BeginRo(ctx context.Context) (storage.Tx, error) {
	return &tx{db: db}, nil
}

// BeginRw implements storage.Database.
func (db *DB) BeginRw(ctx context.Context) (storage.RwTx, error) {
	return &tx{db: db, writes: storage.NewWriteSet()}, nil
}

// Close implements storage.Database.
func (db *DB) Close() {}

// Name implements storage.Database.
func (db *DB) Name() string {
	return moduleName
}

// Wipe implements storage.Wiper.
func (db *DB) Wipe(ctx context.Context) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.tables = map[string]map[string][]byte{}
	return nil
}

// Commits returns the number of read-write transactions committed so far.
func (db *DB) Commits() int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.commits
}

func (db *DB) get(table string, key []byte) ([]byte, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	v, ok := db.tables[table][string(key)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (db *DB) apply(ws *storage.WriteSet) {
	db.mu.Lock()
	defer db.mu.Unlock()
	_ = ws.ForEach(func(table string, key []byte, value []byte, deleted bool) error {
		t, ok := db.tables[table]
		if !ok {
			t = map[string][]byte{}
			db.tables[table] = t
		}
		if deleted {
			delete(t, string(key))
		} else {
			t[string(key)] = value
		}
		return nil
	})
	db.commits++
}

type tx struct {
	db     *DB
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
	return t.db.get(table, key)
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
	if t.writes != nil {
		t.db.apply(t.writes)
	}
	return nil
}

func (t *tx) Rollback(ctx context.Context) error {
	t.closed = true
	return nil
}
