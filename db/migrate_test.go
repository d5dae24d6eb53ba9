package db

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/agentpulse/errors"
)

func TestMigrate_Idempotent(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "ledger.db"), nil)
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, Migrate(db, nil))
	require.NoError(t, Migrate(db, nil), "second run must skip applied migrations")

	var versions int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&versions))
	assert.Equal(t, 4, versions)
}

func TestMigrate_ConflictingSchemaFails(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "ledger.db"), nil)
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, Migrate(db, nil))
	_, err = db.Exec("DELETE FROM schema_migrations WHERE version = '003'")
	require.NoError(t, err)

	// agent_jobs already exists, so replaying 003 fails
	err = Migrate(db, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMigrationFailed))
	assert.Contains(t, err.Error(), "003_create_agent_jobs.sql")
}

func TestActiveJobIndexRejectsDuplicates(t *testing.T) {
	db, err := OpenWithMigrations(filepath.Join(t.TempDir(), "ledger.db"), nil)
	require.NoError(t, err)
	defer db.Close()

	now := time.Now().UTC()
	insert := `INSERT INTO datasource_jobs (resource_id, kind, state, is_retriable, created_at, updated_at)
		VALUES (?, ?, ?, 1, ?, ?)`

	_, err = db.Exec(insert, 7, "sync", "new", now, now)
	require.NoError(t, err)

	_, err = db.Exec(insert, 7, "sync", "in_progress", now, now)
	require.Error(t, err)
	assert.True(t, IsUniqueViolation(err))

	// Terminal rows are outside the partial index
	_, err = db.Exec(insert, 7, "sync", "completed", now, now)
	require.NoError(t, err)
	_, err = db.Exec(insert, 7, "sync", "failed", now, now)
	require.NoError(t, err)

	// A different kind for the same resource is independent
	_, err = db.Exec(insert, 7, "tag_sync", "new", now, now)
	require.NoError(t, err)
}

func TestIsUniqueViolation_OtherErrors(t *testing.T) {
	assert.False(t, IsUniqueViolation(nil))
	assert.False(t, IsUniqueViolation(errors.New("boom")))
}
