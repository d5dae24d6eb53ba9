package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_AppliesPragmas(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "ledger.db"), nil)
	require.NoError(t, err)
	defer db.Close()

	var journalMode string
	require.NoError(t, db.QueryRow("PRAGMA journal_mode").Scan(&journalMode))
	assert.Equal(t, "wal", journalMode)

	var foreignKeys int
	require.NoError(t, db.QueryRow("PRAGMA foreign_keys").Scan(&foreignKeys))
	assert.Equal(t, 1, foreignKeys)

	var busyTimeout int
	require.NoError(t, db.QueryRow("PRAGMA busy_timeout").Scan(&busyTimeout))
	assert.Equal(t, 5000, busyTimeout)
}

func TestDSN(t *testing.T) {
	assert.Equal(t, "ledger.db?"+connParams, dsn("ledger.db"))
	assert.Equal(t, "file:ledger.db?mode=rwc&"+connParams, dsn("file:ledger.db?mode=rwc"))
}

// A read-then-write transaction must not fail when another connection
// writes between its read and its write.
func TestTransactionHoldsWriteLockFromBegin(t *testing.T) {
	db, err := OpenWithMigrations(filepath.Join(t.TempDir(), "ledger.db"), nil)
	require.NoError(t, err)
	defer db.Close()
	db.SetMaxOpenConns(2)

	ctx := context.Background()
	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)

	var count int
	require.NoError(t, tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM data_sources").Scan(&count))

	otherDone := make(chan error, 1)
	go func() {
		_, err := db.ExecContext(ctx, "INSERT INTO data_sources (name, created_at) VALUES ('other', ?)", time.Now().UTC())
		otherDone <- err
	}()

	// Give the other writer time to reach the lock
	time.Sleep(50 * time.Millisecond)
	select {
	case err := <-otherDone:
		t.Fatalf("other writer finished while the transaction was open: %v", err)
	default:
	}

	_, err = tx.ExecContext(ctx, "INSERT INTO data_sources (name, created_at) VALUES ('mine', ?)", time.Now().UTC())
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	require.NoError(t, <-otherDone)
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM data_sources").Scan(&count))
	assert.Equal(t, 2, count)
}

func TestOpenWithMigrations(t *testing.T) {
	db, err := OpenWithMigrations(filepath.Join(t.TempDir(), "ledger.db"), nil)
	require.NoError(t, err)
	defer db.Close()

	for _, table := range []string{"schema_migrations", "data_sources", "datasource_jobs", "agent_jobs"} {
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		require.NoError(t, err)
		assert.Equal(t, 1, count, "table %s should exist after migrations", table)
	}
}

func TestIsDatabaseClosed(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "ledger.db"), nil)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	_, err = db.Exec("SELECT 1")
	require.Error(t, err)
	assert.True(t, IsDatabaseClosed(err))
	assert.False(t, IsDatabaseClosed(nil))
}
