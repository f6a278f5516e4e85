package storage_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ethsync/stagesync/storage"
	"github.com/ethsync/stagesync/storage/memdb"
)

func TestUpdateCommitsOnSuccess(t *testing.T) {
	ctx := context.Background()
	db := memdb.New()

	require.NoError(t, storage.Update(ctx, db, func(tx storage.RwTx) error {
		return tx.Put(ctx, storage.TableSyncStatus, []byte("k"), []byte("v"))
	}))
	require.Equal(t, 1, db.Commits())

	errBoom := errors.New("boom")
	err := storage.Update(ctx, db, func(tx storage.RwTx) error {
		require.NoError(t, tx.Put(ctx, storage.TableSyncStatus, []byte("k"), []byte("w")))
		return errBoom
	})
	require.ErrorIs(t, err, errBoom)
	require.Equal(t, 1, db.Commits())

	require.NoError(t, storage.View(ctx, db, func(tx storage.Tx) error {
		v, err := tx.Get(ctx, storage.TableSyncStatus, []byte("k"))
		require.NoError(t, err)
		require.Equal(t, []byte("v"), v)
		return nil
	}))
}

func TestViewClosesTransaction(t *testing.T) {
	ctx := context.Background()
	db := memdb.New()

	var leaked storage.Tx
	require.NoError(t, storage.View(ctx, db, func(tx storage.Tx) error {
		leaked = tx
		return nil
	}))
	_, err := leaked.Get(ctx, storage.TableSyncStatus, []byte("k"))
	require.ErrorIs(t, err, storage.ErrTxClosed)
}
