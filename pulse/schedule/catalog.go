package schedule

import (
	"context"
	"database/sql"
	"time"

	"github.com/teranos/agentpulse/db"
	"github.com/teranos/agentpulse/errors"
)

// DataSource is a registered ingestion source
type DataSource struct {
	ID           int64      `json:"id"`
	Name         string     `json:"name"`
	LastSyncedAt *time.Time `json:"last_synced_at,omitempty"` // nil = never synced
	CreatedAt    time.Time  `json:"created_at"`
}

// Catalog is the scheduler's view of registered data sources
type Catalog interface {
	// ListStale returns up to limit sources whose last successful sync is
	// before threshold, never-synced sources first, then oldest first.
	ListStale(ctx context.Context, threshold time.Time, limit int) ([]*DataSource, error)
	// MarkSynced records a successful sync
	MarkSynced(ctx context.Context, id int64, at time.Time) error
}

// SQLCatalog stores data sources in the data_sources table
type SQLCatalog struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLCatalog creates a catalog using the wall clock
func NewSQLCatalog(database *sql.DB) *SQLCatalog {
	return NewSQLCatalogWithClock(database, time.Now)
}

// NewSQLCatalogWithClock creates a catalog with an injectable clock (for testing)
func NewSQLCatalogWithClock(database *sql.DB, now func() time.Time) *SQLCatalog {
	return &SQLCatalog{db: database, now: now}
}

// Register adds a data source and returns it. Registering an existing name
// fails with errors.ErrConflict.
func (c *SQLCatalog) Register(ctx context.Context, name string) (*DataSource, error) {
	if name == "" {
		return nil, errors.NewInvalidRequestError("data source name is required")
	}

	ds := &DataSource{Name: name, CreatedAt: c.now().UTC()}
	res, err := c.db.ExecContext(ctx,
		`INSERT INTO data_sources (name, created_at) VALUES (?, ?)`, ds.Name, ds.CreatedAt)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return nil, errors.Wrapf(errors.ErrConflict, "data source %q already registered", name)
		}
		return nil, errors.Wrapf(err, "failed to register data source %q", name)
	}

	ds.ID, err = res.LastInsertId()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read data source id")
	}
	return ds, nil
}

// Get returns a data source by id
func (c *SQLCatalog) Get(ctx context.Context, id int64) (*DataSource, error) {
	ds, err := scanDataSource(c.db.QueryRowContext(ctx,
		`SELECT id, name, last_synced_at, created_at FROM data_sources WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("data source %d", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get data source %d", id)
	}
	return ds, nil
}

// List returns all data sources by id
func (c *SQLCatalog) List(ctx context.Context) ([]*DataSource, error) {
	return c.query(ctx, `SELECT id, name, last_synced_at, created_at FROM data_sources ORDER BY id`)
}

// ListStale implements Catalog
func (c *SQLCatalog) ListStale(ctx context.Context, threshold time.Time, limit int) ([]*DataSource, error) {
	return c.query(ctx, `
		SELECT id, name, last_synced_at, created_at
		FROM data_sources
		WHERE last_synced_at IS NULL OR last_synced_at < ?
		ORDER BY last_synced_at IS NOT NULL, last_synced_at ASC, id ASC
		LIMIT ?`, threshold.UTC(), limit)
}

// MarkSynced implements Catalog
func (c *SQLCatalog) MarkSynced(ctx context.Context, id int64, at time.Time) error {
	res, err := c.db.ExecContext(ctx, `UPDATE data_sources SET last_synced_at = ? WHERE id = ?`, at.UTC(), id)
	if err != nil {
		return errors.Wrapf(err, "failed to mark data source %d synced", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrapf(err, "failed to read sync result for data source %d", id)
	}
	if n == 0 {
		return errors.NewNotFoundError("data source %d", id)
	}
	return nil
}

// Remove deletes a data source; used by the remove executor once ingestion data is gone
func (c *SQLCatalog) Remove(ctx context.Context, id int64) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM data_sources WHERE id = ?`, id); err != nil {
		return errors.Wrapf(err, "failed to remove data source %d", id)
	}
	return nil
}

func (c *SQLCatalog) query(ctx context.Context, query string, args ...interface{}) ([]*DataSource, error) {
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query data sources")
	}
	defer rows.Close()

	var sources []*DataSource
	for rows.Next() {
		ds, err := scanDataSource(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan data source")
		}
		sources = append(sources, ds)
	}
	return sources, errors.Wrap(rows.Err(), "failed to iterate data sources")
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDataSource(row rowScanner) (*DataSource, error) {
	var ds DataSource
	var lastSynced sql.NullTime
	if err := row.Scan(&ds.ID, &ds.Name, &lastSynced, &ds.CreatedAt); err != nil {
		return nil, err
	}
	if lastSynced.Valid {
		t := lastSynced.Time.UTC()
		ds.LastSyncedAt = &t
	}
	ds.CreatedAt = ds.CreatedAt.UTC()
	return &ds, nil
}
