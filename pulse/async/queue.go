package async

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/agentpulse/errors"
	"github.com/teranos/agentpulse/logger"
	"github.com/teranos/agentpulse/pulse/ledger"
)

// Queue is the producer side of the agent job queue
type Queue struct {
	store      *ledger.AgentJobStore
	defaultTTL time.Duration
	logger     *zap.SugaredLogger
}

// NewQueue creates a queue. Enqueue with a non-positive ttl uses defaultTTL.
func NewQueue(store *ledger.AgentJobStore, defaultTTL time.Duration, log *zap.SugaredLogger) *Queue {
	return &Queue{
		store:      store,
		defaultTTL: defaultTTL,
		logger:     log.Named("agent-queue"),
	}
}

// Enqueue persists a New agent job and returns its correlation guid
func (q *Queue) Enqueue(ctx context.Context, agentName string, params map[string]string, identity CallerIdentity, ttl time.Duration) (string, error) {
	if agentName == "" {
		return "", errors.NewInvalidRequestError("agent name is required")
	}
	if ttl <= 0 {
		ttl = q.defaultTTL
	}
	if ttl <= 0 {
		return "", errors.NewInvalidRequestError("ttl must be positive")
	}
	if params == nil {
		params = map[string]string{}
	}

	serialized, err := identity.Serialize()
	if err != nil {
		return "", err
	}

	now := q.store.Now()
	job := &ledger.AgentJob{
		GUID:            uuid.NewString(),
		TargetAgentName: agentName,
		Parameters:      params,
		CallerIdentity:  serialized,
		State:           ledger.StateNew,
		ValidTill:       now.Add(ttl),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := q.store.Create(ctx, job); err != nil {
		return "", errors.Wrap(err, "failed to enqueue agent job")
	}

	q.logger.Infow("Agent job enqueued",
		logger.FieldGUID, job.GUID,
		logger.FieldAgent, agentName,
		logger.FieldLoginID, identity.LoginID,
		"valid_till", job.ValidTill)
	return job.GUID, nil
}

// GetResult returns the state and result of a job. Unknown guids and jobs
// past their ValidTill yield errors.ErrNotFound.
func (q *Queue) GetResult(ctx context.Context, guid string) (ledger.JobState, string, error) {
	job, err := q.store.GetByGUID(ctx, guid)
	if err != nil {
		return "", "", err
	}
	if job.Expired(q.store.Now()) {
		return "", "", errors.NewNotFoundError("agent job %s expired", guid)
	}
	return job.State, job.Result, nil
}

// List returns recent jobs, newest first, optionally filtered by state
func (q *Queue) List(ctx context.Context, state *ledger.JobState, limit int) ([]*ledger.AgentJob, error) {
	return q.store.List(ctx, state, limit)
}
