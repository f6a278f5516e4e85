// Package storagetest contains tests shared by all storage backends.
package storagetest

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ethsync/stagesync/storage"
)

// Run checks the transactional behavior of db. db must be empty.
func Run(t *testing.T, db storage.Database) {
	t.Run("read your writes", func(t *testing.T) { testReadYourWrites(t, db) })
	t.Run("rollback discards writes", func(t *testing.T) { testRollbackDiscards(t, db) })
	t.Run("read-only", func(t *testing.T) { testReadOnly(t, db) })
	t.Run("closed transaction", func(t *testing.T) { testClosed(t, db) })
	t.Run("tables are separate", func(t *testing.T) { testTables(t, db) })
}

// RunWipe checks that wiping removes committed data.
func RunWipe(t *testing.T, db storage.Database, w storage.Wiper) {
	testWipe(t, db, w)
}

func get(t *testing.T, db storage.Database, table string, key []byte) ([]byte, error) {
	t.Helper()
	var value []byte
	err := storage.View(context.Background(), db, func(tx storage.Tx) error {
		var err error
		value, err = tx.Get(context.Background(), table, key)
		return err
	})
	return value, err
}

func testReadYourWrites(t *testing.T, db storage.Database) {
	ctx := context.Background()
	require.NoError(t, storage.Update(ctx, db, func(tx storage.RwTx) error {
		require.NoError(t, tx.Put(ctx, storage.TableHeaders, storage.HeightKey(1), []byte("one")))
		require.NoError(t, tx.Put(ctx, storage.TableHeaders, storage.HeightKey(2), []byte("two")))
		require.NoError(t, tx.Delete(ctx, storage.TableHeaders, storage.HeightKey(2)))

		v, err := tx.Get(ctx, storage.TableHeaders, storage.HeightKey(1))
		require.NoError(t, err)
		require.Equal(t, []byte("one"), v)
		_, err = tx.Get(ctx, storage.TableHeaders, storage.HeightKey(2))
		require.ErrorIs(t, err, storage.ErrNotFound)
		return nil
	}))

	v, err := get(t, db, storage.TableHeaders, storage.HeightKey(1))
	require.NoError(t, err)
	require.Equal(t, []byte("one"), v)
	_, err = get(t, db, storage.TableHeaders, storage.HeightKey(2))
	require.ErrorIs(t, err, storage.ErrNotFound)

	// Overwrite and delete committed keys.
	require.NoError(t, storage.Update(ctx, db, func(tx storage.RwTx) error {
		require.NoError(t, tx.Put(ctx, storage.TableHeaders, storage.HeightKey(1), []byte("uno")))
		return tx.Delete(ctx, storage.TableHeaders, storage.HeightKey(3))
	}))
	v, err = get(t, db, storage.TableHeaders, storage.HeightKey(1))
	require.NoError(t, err)
	require.Equal(t, []byte("uno"), v)
}

func testRollbackDiscards(t *testing.T, db storage.Database) {
	ctx := context.Background()
	errAbort := errors.New("abort")
	err := storage.Update(ctx, db, func(tx storage.RwTx) error {
		require.NoError(t, tx.Put(ctx, storage.TableSyncStatus, []byte("discarded"), []byte{1}))
		return errAbort
	})
	require.ErrorIs(t, err, errAbort)

	_, err = get(t, db, storage.TableSyncStatus, []byte("discarded"))
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func testReadOnly(t *testing.T, db storage.Database) {
	ctx := context.Background()
	tx, err := db.BeginRo(ctx)
	require.NoError(t, err)
	defer func() { _ = tx.Rollback(ctx) }()

	if rw, ok := tx.(storage.RwTx); ok {
		require.ErrorIs(t, rw.Put(ctx, storage.TableSyncStatus, []byte("ro"), []byte{1}), storage.ErrReadOnly)
	}
}

func testClosed(t *testing.T, db storage.Database) {
	ctx := context.Background()
	tx, err := db.BeginRw(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))

	require.Error(t, tx.Put(ctx, storage.TableSyncStatus, []byte("closed"), []byte{1}))
	require.Error(t, tx.Commit(ctx))
	require.NoError(t, tx.Rollback(ctx), "rollback after commit is a no-op")
}

func testTables(t *testing.T, db storage.Database) {
	ctx := context.Background()
	require.NoError(t, storage.Update(ctx, db, func(tx storage.RwTx) error {
		return tx.Put(ctx, storage.TableCanonicalHashes, storage.HeightKey(7), []byte("hash"))
	}))
	_, err := get(t, db, storage.TableHeaders, storage.HeightKey(7))
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func testWipe(t *testing.T, db storage.Database, w storage.Wiper) {
	ctx := context.Background()
	require.NoError(t, storage.Update(ctx, db, func(tx storage.RwTx) error {
		return tx.Put(ctx, storage.TableStageCheckpoints, []byte("Headers"), []byte{1})
	}))
	require.NoError(t, w.Wipe(ctx))
	_, err := get(t, db, storage.TableStageCheckpoints, []byte("Headers"))
	require.ErrorIs(t, err, storage.ErrNotFound)
}
