// Package async is the agent job queue: producers enqueue "run this agent as
// this caller" requests, and a background executor drains them in FIFO order,
// restoring the caller's identity in a fresh scope for every job.
package async

import (
	"context"
	"database/sql"
	"html"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/teranos/agentpulse/am"
	"github.com/teranos/agentpulse/db"
	"github.com/teranos/agentpulse/errors"
	"github.com/teranos/agentpulse/logger"
	"github.com/teranos/agentpulse/pulse/ledger"
)

const (
	maxConsecutiveErrors = 5
	maxBackoff           = 30 * time.Second
)

// ExecutorConfig controls the background executor
type ExecutorConfig struct {
	IdleInterval   time.Duration // Sleep between drain cycles (default: 2s)
	CallsPerSecond float64       // Agent call throttle; 0 means unlimited
}

// ExecutorConfigFromAm converts the agent_queue section of the engine config
func ExecutorConfigFromAm(c am.AgentQueueConfig) ExecutorConfig {
	return ExecutorConfig{
		IdleInterval:   c.IdleInterval(),
		CallsPerSecond: c.CallsPerSecond,
	}
}

// CycleResult summarizes one drain-and-sweep cycle
type CycleResult struct {
	Processed int   // Jobs claimed and run
	Failed    int   // Of those, jobs that ended Failed
	Expired   int64 // Rows removed by the expiry sweep
}

// Executor drains New agent jobs and sweeps expired ones
type Executor struct {
	store     *ledger.AgentJobStore
	directory AgentDirectory
	registry  *ExecutorRegistry
	limiter   *rate.Limiter
	cfg       ExecutorConfig
	logger    *zap.SugaredLogger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewExecutor creates the background executor
func NewExecutor(store *ledger.AgentJobStore, directory AgentDirectory, registry *ExecutorRegistry, cfg ExecutorConfig, log *zap.SugaredLogger) *Executor {
	if cfg.IdleInterval <= 0 {
		cfg.IdleInterval = am.DefaultIdleIntervalSeconds * time.Second
	}
	e := &Executor{
		store:     store,
		directory: directory,
		registry:  registry,
		cfg:       cfg,
		logger:    log.Named("agent-executor"),
	}
	if cfg.CallsPerSecond > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(cfg.CallsPerSecond), 1)
	}
	return e
}

// Start runs the executor in the background until Stop or ctx is cancelled
func (e *Executor) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.Run(ctx)
	}()
	e.logger.Infow("Agent executor started", logger.FieldInterval, e.cfg.IdleInterval)
}

// Stop cancels the loop and waits for the current job to finish
func (e *Executor) Stop() {
	if e.cancel == nil {
		return
	}
	e.cancel()
	e.wg.Wait()
	e.logger.Infow("Agent executor stopped")
}

// Run drains and sweeps until ctx is cancelled, sleeping the idle interval
// between cycles. Consecutive ledger errors back off exponentially.
func (e *Executor) Run(ctx context.Context) {
	errorCount := 0
	backoff := time.Second

	for {
		wait := e.cfg.IdleInterval

		if _, err := e.RunCycle(ctx); err != nil {
			if ctx.Err() != nil || errors.Is(err, sql.ErrConnDone) || db.IsDatabaseClosed(err) {
				return
			}
			errorCount++
			e.logger.Errorw("Agent executor cycle failed",
				logger.FieldError, err,
				"consecutive_errors", errorCount)
			if errorCount >= maxConsecutiveErrors {
				wait = backoff
				backoff = min(backoff*2, maxBackoff)
			}
		} else if errorCount > 0 {
			e.logger.Infow("Agent executor recovered", "previous_error_count", errorCount)
			errorCount = 0
			backoff = time.Second
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// RunCycle runs every New job, oldest first, then deletes expired jobs.
// A failing agent never aborts the cycle; only ledger errors do.
func (e *Executor) RunCycle(ctx context.Context) (*CycleResult, error) {
	result := &CycleResult{}

	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		job, err := e.store.NextNew(ctx)
		if err != nil {
			return result, err
		}
		if job == nil {
			break
		}

		ran, failed, err := e.process(ctx, job)
		if err != nil {
			return result, err
		}
		if ran {
			result.Processed++
			if failed {
				result.Failed++
			}
		}
	}

	expired, err := e.store.DeleteExpired(ctx, e.store.Now())
	if err != nil {
		return result, err
	}
	result.Expired = expired
	if expired > 0 {
		e.logger.Infow("Swept expired agent jobs", logger.FieldCount, expired)
	}
	return result, nil
}

// process runs one job. ran is false when another executor claimed it first.
func (e *Executor) process(ctx context.Context, job *ledger.AgentJob) (ran, failed bool, err error) {
	ctx = logger.WithGUID(ctx, job.GUID)
	log := logger.FromContext(ctx, e.logger).With(logger.FieldAgent, job.TargetAgentName)

	scope := NewScope()
	restoreErr := RestoreIdentity(job.CallerIdentity, scope)

	won, err := e.store.Claim(ctx, job.ID)
	if err != nil {
		return false, false, errors.WithDetailf(err, "GUID: %s", job.GUID)
	}
	if !won {
		return false, false, nil
	}
	job.Start(e.store.Now())

	var output string
	callErr := restoreErr
	if callErr == nil {
		identity := scope.Identity()
		log = log.With(logger.FieldLoginID, identity.LoginID)
		log.Infow("Running agent job")
		output, callErr = e.call(WithScope(ctx, scope), job)
	}

	now := e.store.Now()
	if callErr != nil {
		job.Fail(callErr.Error(), now)
	} else {
		job.Complete(html.UnescapeString(output), now)
	}

	if err := e.store.Update(context.WithoutCancel(ctx), job); err != nil {
		if errors.IsNotFoundError(err) {
			log.Debugw("Agent job expired while running, result dropped")
			return true, callErr != nil, nil
		}
		return true, callErr != nil, err
	}

	if callErr != nil {
		log.Warnw("Agent job failed", logger.FieldError, callErr)
	} else {
		log.Infow("Agent job completed")
	}
	return true, callErr != nil, nil
}

// call resolves the agent and invokes its executor, turning a panic into an error
func (e *Executor) call(ctx context.Context, job *ledger.AgentJob) (output string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("agent panic: %v", r)
		}
	}()

	agent, err := e.directory.Lookup(ctx, job.TargetAgentName)
	if err != nil {
		return "", err
	}
	executor := e.registry.Get(agent.Type)
	if executor == nil {
		return "", errors.NewInvalidRequestError("no executor registered for agent type %q", agent.Type)
	}

	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return "", errors.Wrap(err, "agent call throttled")
		}
	}

	return executor.DoCall(ctx, agent, job.Parameters)
}
