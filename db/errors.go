package db

import (
	"strings"

	"github.com/mattn/go-sqlite3"

	"github.com/teranos/agentpulse/errors"
)

// ErrMigrationFailed marks schema migration failures
var ErrMigrationFailed = errors.New("migration failed")

// ErrDatabaseClosed is returned when operations are attempted on a closed database,
// typically while the engine is shutting down.
var ErrDatabaseClosed = errors.New("database is closed")

// IsDatabaseClosed checks if an error indicates the database connection is closed.
// The string fallback covers errors raised by database/sql itself.
func IsDatabaseClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDatabaseClosed) {
		return true
	}
	return strings.Contains(err.Error(), "database is closed")
}

// IsUniqueViolation reports whether err is a SQLite UNIQUE constraint failure,
// including violations of partial unique indexes.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
