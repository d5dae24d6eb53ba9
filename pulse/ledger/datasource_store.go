package ledger

import (
	"context"
	"database/sql"
	"time"

	"github.com/teranos/agentpulse/db"
	"github.com/teranos/agentpulse/errors"
)

// DataSourceJobStore handles persistence of data-source jobs
type DataSourceJobStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewDataSourceJobStore creates a store using the wall clock
func NewDataSourceJobStore(database *sql.DB) *DataSourceJobStore {
	return NewDataSourceJobStoreWithClock(database, time.Now)
}

// NewDataSourceJobStoreWithClock creates a store with an injectable clock (for testing)
func NewDataSourceJobStoreWithClock(database *sql.DB, now func() time.Time) *DataSourceJobStore {
	return &DataSourceJobStore{db: database, now: now}
}

// Now returns the store's current time in UTC
func (s *DataSourceJobStore) Now() time.Time {
	return s.now().UTC()
}

// Schedule returns the active job for (resourceID, kind), creating a New one if
// none exists. created reports whether a row was inserted. The partial unique
// index on active jobs backs this up when another process inserts between the
// lookup and the insert; the loser re-reads and returns the winner's job.
func (s *DataSourceJobStore) Schedule(ctx context.Context, resourceID int64, kind Kind) (*DataSourceJob, bool, error) {
	if _, err := ParseKind(string(kind)); err != nil {
		return nil, false, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, errors.Wrap(err, "failed to begin schedule transaction")
	}
	defer tx.Rollback()

	existing, err := findActive(ctx, tx, resourceID, kind)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	job := NewDataSourceJob(resourceID, kind, s.Now())
	if err := insertDataSourceJob(ctx, tx, job); err != nil {
		if errors.Is(err, errors.ErrConflict) {
			tx.Rollback()
			winner, findErr := s.FindActive(ctx, resourceID, kind)
			if findErr != nil {
				return nil, false, findErr
			}
			if winner != nil {
				return winner, false, nil
			}
		}
		return nil, false, err
	}

	if err := tx.Commit(); err != nil {
		return nil, false, errors.Wrapf(err, "failed to commit %s job for resource %d", kind, resourceID)
	}
	return job, true, nil
}

// Create inserts job as given. A second active job for the same
// (resource, kind) fails with errors.ErrConflict.
func (s *DataSourceJobStore) Create(ctx context.Context, job *DataSourceJob) error {
	return insertDataSourceJob(ctx, s.db, job)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func insertDataSourceJob(ctx context.Context, ex execer, job *DataSourceJob) error {
	query := `
		INSERT INTO datasource_jobs (
			resource_id, kind, state, is_retriable, error_message, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	errorMessage := sql.NullString{String: job.ErrorMessage, Valid: job.ErrorMessage != ""}

	res, err := ex.ExecContext(ctx, query,
		job.ResourceID,
		job.Kind,
		job.State,
		job.IsRetriable,
		errorMessage,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		if db.IsUniqueViolation(err) {
			err = errors.Wrapf(errors.ErrConflict, "active %s job already exists for resource %d", job.Kind, job.ResourceID)
			return errors.WithDetailf(err, "Resource: %d, Kind: %s", job.ResourceID, job.Kind)
		}
		return errors.Wrapf(err, "failed to create %s job for resource %d", job.Kind, job.ResourceID)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return errors.Wrap(err, "failed to read new job id")
	}
	job.ID = id
	return nil
}

// Get retrieves a job by id
func (s *DataSourceJobStore) Get(ctx context.Context, id int64) (*DataSourceJob, error) {
	query := `SELECT ` + dataSourceJobColumns() + ` FROM datasource_jobs WHERE id = ?`

	job, err := scanDataSourceJob(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("data-source job %d", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get data-source job %d", id)
	}
	return job, nil
}

// FindActive returns the New or InProgress job for (resourceID, kind), or nil if none
func (s *DataSourceJobStore) FindActive(ctx context.Context, resourceID int64, kind Kind) (*DataSourceJob, error) {
	return findActive(ctx, s.db, resourceID, kind)
}

func findActive(ctx context.Context, ex execer, resourceID int64, kind Kind) (*DataSourceJob, error) {
	query := `SELECT ` + dataSourceJobColumns() + `
		FROM datasource_jobs
		WHERE resource_id = ? AND kind = ? AND state IN (?, ?)
		ORDER BY created_at ASC, id ASC
		LIMIT 1`

	job, err := scanDataSourceJob(ex.QueryRowContext(ctx, query, resourceID, kind, StateNew, StateInProgress))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to look up active %s job for resource %d", kind, resourceID)
	}
	return job, nil
}

// ListByState returns jobs in state, oldest first. limit <= 0 returns all.
func (s *DataSourceJobStore) ListByState(ctx context.Context, state JobState, limit int) ([]*DataSourceJob, error) {
	query := `SELECT ` + dataSourceJobColumns() + `
		FROM datasource_jobs
		WHERE state = ?
		ORDER BY created_at ASC, id ASC`
	args := []interface{}{state}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.query(ctx, query, args...)
}

// List returns the most recent jobs, optionally filtered by state
func (s *DataSourceJobStore) List(ctx context.Context, state *JobState, limit int) ([]*DataSourceJob, error) {
	query := `SELECT ` + dataSourceJobColumns() + ` FROM datasource_jobs`
	var args []interface{}
	if state != nil {
		query += ` WHERE state = ?`
		args = append(args, *state)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.query(ctx, query, args...)
}

func (s *DataSourceJobStore) query(ctx context.Context, query string, args ...interface{}) ([]*DataSourceJob, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query data-source jobs")
	}
	defer rows.Close()

	var jobs []*DataSourceJob
	for rows.Next() {
		job, err := scanDataSourceJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan data-source job")
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate data-source jobs")
	}
	return jobs, nil
}

// Claim moves job id from New to InProgress if nobody else has. It reports
// false when the row was no longer New, which is how a second dispatcher
// process loses the race for the same job.
func (s *DataSourceJobStore) Claim(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE datasource_jobs SET state = ?, updated_at = ? WHERE id = ? AND state = ?`,
		StateInProgress, s.Now(), id, StateNew)
	if err != nil {
		return false, errors.Wrapf(err, "failed to claim data-source job %d", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrapf(err, "failed to read claim result for job %d", id)
	}
	return n == 1, nil
}

// Update persists the job's state and error message
func (s *DataSourceJobStore) Update(ctx context.Context, job *DataSourceJob) error {
	errorMessage := sql.NullString{String: job.ErrorMessage, Valid: job.ErrorMessage != ""}

	res, err := s.db.ExecContext(ctx,
		`UPDATE datasource_jobs SET state = ?, error_message = ?, updated_at = ? WHERE id = ?`,
		job.State, errorMessage, job.UpdatedAt, job.ID)
	if err != nil {
		return errors.Wrapf(err, "failed to update data-source job %d", job.ID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrapf(err, "failed to read update result for job %d", job.ID)
	}
	if n == 0 {
		return errors.NewNotFoundError("data-source job %d", job.ID)
	}
	return nil
}

// ResetRetriableInProgress moves every retriable InProgress job back to New.
// Non-retriable InProgress jobs are untouched.
func (s *DataSourceJobStore) ResetRetriableInProgress(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE datasource_jobs SET state = ?, updated_at = ? WHERE state = ? AND is_retriable = 1`,
		StateNew, s.Now(), StateInProgress)
	if err != nil {
		return 0, errors.Wrap(err, "failed to reset retriable in-progress jobs")
	}
	return res.RowsAffected()
}

// PurgeTerminal deletes Completed and Failed jobs last updated before cutoff
func (s *DataSourceJobStore) PurgeTerminal(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM datasource_jobs WHERE state IN (?, ?) AND updated_at < ?`,
		StateCompleted, StateFailed, cutoff.UTC())
	if err != nil {
		return 0, errors.Wrap(err, "failed to purge terminal data-source jobs")
	}
	return res.RowsAffected()
}
