package testutil

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ethsync/stagesync/log"
	"github.com/ethsync/stagesync/storage/postgres"
)

// NewTestClient returns a postgres client used in CI tests. The test is
// skipped if CI_TEST_CONN_STRING is not set.
func NewTestClient(t *testing.T) *postgres.Client {
	connString := os.Getenv("CI_TEST_CONN_STRING")
	if connString == "" {
		t.Skip("CI_TEST_CONN_STRING not set, skipping postgres test")
	}
	logger, err := log.NewLogger("postgres-test", os.Stdout, log.FmtJSON, log.LevelError)
	require.Nil(t, err, "log.NewLogger")

	client, err := postgres.NewClient(connString, logger, nil)
	require.Nil(t, err, "postgres.NewClient")

	// Tests expect the kv table, without depending on the migration runner.
	err = client.Exec(context.Background(), `
		CREATE SCHEMA IF NOT EXISTS stagesync;
		CREATE TABLE IF NOT EXISTS stagesync.kv (
			tbl TEXT NOT NULL, k BYTEA NOT NULL, v BYTEA NOT NULL, PRIMARY KEY (tbl, k)
		);`)
	require.Nil(t, err, "creating kv table")
	return client
}
