package postgres_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ethsync/stagesync/log"
	"github.com/ethsync/stagesync/storage"
	"github.com/ethsync/stagesync/storage/postgres"
	"github.com/ethsync/stagesync/storage/postgres/testutil"
	"github.com/ethsync/stagesync/storage/storagetest"
)

func TestInvalidConnect(t *testing.T) {
	connString := "an invalid connstring"
	logger := log.NewDefaultLogger("postgres-test")

	_, err := postgres.NewClient(connString, logger, nil)
	require.NotNil(t, err)
}

func TestCommitAndRollback(t *testing.T) {
	client := testutil.NewTestClient(t)
	defer client.Close()
	ctx := context.Background()

	// Committed writes are visible to later transactions.
	require.NoError(t, storage.Update(ctx, client, func(tx storage.RwTx) error {
		return tx.Put(ctx, "Test", []byte("a"), []byte("1"))
	}))

	// Rolled back writes are not.
	tx, err := client.BeginRw(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Put(ctx, "Test", []byte("b"), []byte("2")))
	require.NoError(t, tx.Rollback(ctx))

	require.NoError(t, storage.View(ctx, client, func(tx storage.Tx) error {
		v, err := tx.Get(ctx, "Test", []byte("a"))
		require.NoError(t, err)
		require.Equal(t, []byte("1"), v)

		_, err = tx.Get(ctx, "Test", []byte("b"))
		require.ErrorIs(t, err, storage.ErrNotFound)
		return nil
	}))

	// Read-only transactions reject writes.
	ro, err := client.BeginRo(ctx)
	require.NoError(t, err)
	defer func() { _ = ro.Rollback(ctx) }()
	rw, ok := ro.(storage.RwTx)
	require.True(t, ok)
	require.ErrorIs(t, rw.Put(ctx, "Test", []byte("c"), []byte("3")), storage.ErrReadOnly)

	require.NoError(t, client.Wipe(ctx))
}

func TestStorage(t *testing.T) {
	client := testutil.NewTestClient(t)
	defer client.Close()
	ctx := context.Background()

	storagetest.Run(t, client)
	require.NoError(t, client.Wipe(ctx))
}
