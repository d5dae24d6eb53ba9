package ledger

import (
	"context"
	"database/sql"
	"time"

	"github.com/teranos/agentpulse/errors"
)

// AgentJobStore handles persistence of agent jobs
type AgentJobStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewAgentJobStore creates a store using the wall clock
func NewAgentJobStore(database *sql.DB) *AgentJobStore {
	return NewAgentJobStoreWithClock(database, time.Now)
}

// NewAgentJobStoreWithClock creates a store with an injectable clock (for testing)
func NewAgentJobStoreWithClock(database *sql.DB, now func() time.Time) *AgentJobStore {
	return &AgentJobStore{db: database, now: now}
}

// Now returns the store's current time in UTC
func (s *AgentJobStore) Now() time.Time {
	return s.now().UTC()
}

// Create inserts a new agent job and sets its ID
func (s *AgentJobStore) Create(ctx context.Context, job *AgentJob) error {
	parameters, err := marshalParameters(job.Parameters)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO agent_jobs (
			guid, target_agent_name, parameters, caller_identity,
			state, result, valid_till, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	result := sql.NullString{String: job.Result, Valid: job.Result != ""}

	res, err := s.db.ExecContext(ctx, query,
		job.GUID,
		job.TargetAgentName,
		parameters,
		job.CallerIdentity,
		job.State,
		result,
		job.ValidTill.UTC(),
		job.CreatedAt.UTC(),
		job.UpdatedAt.UTC(),
	)
	if err != nil {
		return errors.WithDetailf(
			errors.Wrapf(err, "failed to create agent job for %s", job.TargetAgentName),
			"GUID: %s", job.GUID)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return errors.Wrap(err, "failed to read new agent job id")
	}
	job.ID = id
	return nil
}

// GetByGUID retrieves a job by its correlation guid
func (s *AgentJobStore) GetByGUID(ctx context.Context, guid string) (*AgentJob, error) {
	query := `SELECT ` + agentJobColumns() + ` FROM agent_jobs WHERE guid = ?`

	job, err := scanAgentJob(s.db.QueryRowContext(ctx, query, guid))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("agent job %s", guid)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get agent job %s", guid)
	}
	return job, nil
}

// NextNew returns the oldest New job that has not yet expired, or nil if none.
// Expired New jobs are left for DeleteExpired.
func (s *AgentJobStore) NextNew(ctx context.Context) (*AgentJob, error) {
	query := `SELECT ` + agentJobColumns() + `
		FROM agent_jobs
		WHERE state = ? AND valid_till >= ?
		ORDER BY created_at ASC, id ASC
		LIMIT 1`

	job, err := scanAgentJob(s.db.QueryRowContext(ctx, query, StateNew, s.Now()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to fetch next agent job")
	}
	return job, nil
}

// List returns the most recent jobs, optionally filtered by state
func (s *AgentJobStore) List(ctx context.Context, state *JobState, limit int) ([]*AgentJob, error) {
	query := `SELECT ` + agentJobColumns() + ` FROM agent_jobs`
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

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query agent jobs")
	}
	defer rows.Close()

	var jobs []*AgentJob
	for rows.Next() {
		job, err := scanAgentJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan agent job")
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate agent jobs")
	}
	return jobs, nil
}

// Claim moves the job from New to InProgress; false means another executor got there first
func (s *AgentJobStore) Claim(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agent_jobs SET state = ?, updated_at = ? WHERE id = ? AND state = ?`,
		StateInProgress, s.Now(), id, StateNew)
	if err != nil {
		return false, errors.Wrapf(err, "failed to claim agent job %d", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrapf(err, "failed to read claim result for agent job %d", id)
	}
	return n == 1, nil
}

// Update persists the job's state and result. A job removed by the expiry
// sweep while it ran yields errors.ErrNotFound.
func (s *AgentJobStore) Update(ctx context.Context, job *AgentJob) error {
	result := sql.NullString{String: job.Result, Valid: job.Result != ""}

	res, err := s.db.ExecContext(ctx,
		`UPDATE agent_jobs SET state = ?, result = ?, updated_at = ? WHERE id = ?`,
		job.State, result, job.UpdatedAt.UTC(), job.ID)
	if err != nil {
		return errors.Wrapf(err, "failed to update agent job %s", job.GUID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrapf(err, "failed to read update result for agent job %s", job.GUID)
	}
	if n == 0 {
		return errors.NewNotFoundError("agent job %s", job.GUID)
	}
	return nil
}

// DeleteExpired removes every job whose ValidTill is before now, whatever its state
func (s *AgentJobStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agent_jobs WHERE valid_till < ?`, now.UTC())
	if err != nil {
		return 0, errors.Wrap(err, "failed to delete expired agent jobs")
	}
	return res.RowsAffected()
}
