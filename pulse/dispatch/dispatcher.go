// Package dispatch runs data-source jobs with a global concurrency cap and
// at most one running job per resource.
package dispatch

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/agentpulse/am"
	"github.com/teranos/agentpulse/db"
	"github.com/teranos/agentpulse/errors"
	"github.com/teranos/agentpulse/logger"
	"github.com/teranos/agentpulse/pulse/ledger"
)

// SyncRecorder is told when a Sync job for a resource completes
type SyncRecorder interface {
	MarkSynced(ctx context.Context, resourceID int64, at time.Time) error
}

// Config controls the dispatcher loop
type Config struct {
	Interval         time.Duration // Poll period (default: 5s)
	MaxConcurrent    int           // Global cap on running jobs in this process (default: 2)
	MaxMemoryPercent float64       // Skip ticks while host memory use is above this; 0 disables
	ShutdownTimeout  time.Duration // How long Stop waits for cancelled jobs to be requeued (default: 30s)
}

// ConfigFromAm converts the dispatcher section of the engine config
func ConfigFromAm(c am.DispatcherConfig) Config {
	return Config{
		Interval:         c.Interval(),
		MaxConcurrent:    c.MaxConcurrent,
		MaxMemoryPercent: c.MaxMemoryPercent,
		ShutdownTimeout:  c.ShutdownTimeout(),
	}
}

// Dispatcher polls the ledger for New data-source jobs and executes them
type Dispatcher struct {
	jobs     *ledger.DataSourceJobStore
	executor Executor
	synced   SyncRecorder
	cfg      Config
	claims   *claimSet
	memStats MemoryStatsFunc
	logger   *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc
	loopWg sync.WaitGroup // run loop
	tickWg sync.WaitGroup // in-flight ticks
}

// New creates a dispatcher. synced may be nil.
func New(jobs *ledger.DataSourceJobStore, executor Executor, synced SyncRecorder, cfg Config, log *zap.SugaredLogger) *Dispatcher {
	if cfg.Interval <= 0 {
		cfg.Interval = am.DefaultDispatcherInterval * time.Second
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = am.DefaultMaxConcurrent
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = am.DefaultShutdownTimeoutSeconds * time.Second
	}
	return &Dispatcher{
		jobs:     jobs,
		executor: executor,
		synced:   synced,
		cfg:      cfg,
		claims:   newClaimSet(cfg.MaxConcurrent),
		memStats: getMemoryStats,
		logger:   log.Named("dispatcher"),
	}
}

// SetMemoryStats replaces the host memory probe (for testing)
func (d *Dispatcher) SetMemoryStats(stats MemoryStatsFunc) {
	d.memStats = stats
}

// SetMaxConcurrent changes the cap at runtime, e.g. after a config reload
func (d *Dispatcher) SetMaxConcurrent(n int) {
	if n <= 0 {
		return
	}
	d.claims.setMax(n)
	d.logger.Infow("Dispatcher concurrency cap changed", logger.FieldCap, n)
}

// Start recovers jobs interrupted by a previous crash, then begins polling.
// Recovery finishes before the first tick can run.
func (d *Dispatcher) Start(ctx context.Context) {
	d.ctx, d.cancel = context.WithCancel(ctx)

	if _, err := d.Recover(d.ctx); err != nil {
		// Keep going; stuck rows stay visible as in_progress
		d.logger.Warnw("Failed to recover interrupted jobs", logger.FieldError, err)
	}

	d.loopWg.Add(1)
	go d.run()
	d.logger.Infow("Dispatcher started",
		logger.FieldInterval, d.cfg.Interval,
		logger.FieldCap, d.cfg.MaxConcurrent)
}

// Recover resets every retriable InProgress job to New. Non-retriable ones
// are left for an operator and logged. Returns how many were reset.
func (d *Dispatcher) Recover(ctx context.Context) (int64, error) {
	reset, err := d.jobs.ResetRetriableInProgress(ctx)
	if err != nil {
		return 0, err
	}
	if reset > 0 {
		d.logger.Infow("Recovered interrupted jobs", logger.FieldCount, reset)
	}

	stranded, err := d.jobs.ListByState(ctx, ledger.StateInProgress, 0)
	if err != nil {
		return reset, err
	}
	for _, job := range stranded {
		d.logger.Warnw("Non-retriable job left in progress, needs operator action",
			logger.FieldJobID, job.ID,
			logger.FieldResourceID, job.ResourceID,
			logger.FieldKind, job.Kind)
	}
	return reset, nil
}

// Stop cancels polling and running jobs, then waits up to the shutdown
// timeout for interrupted jobs to be put back. Retriable jobs return to New,
// non-retriable ones stay InProgress for an operator.
func (d *Dispatcher) Stop() {
	if d.cancel == nil {
		return
	}
	d.cancel()
	d.loopWg.Wait()

	done := make(chan struct{})
	go func() {
		d.tickWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Infow("Dispatcher stopped")
	case <-time.After(d.cfg.ShutdownTimeout):
		d.logger.Warnw("Dispatcher stop timed out, jobs still running", "timeout", d.cfg.ShutdownTimeout)
	}
}

func (d *Dispatcher) run() {
	defer d.loopWg.Done()

	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			// Each tick runs on its own so a long job doesn't hold back
			// claims for other resources; the claim set bounds concurrency.
			d.tickWg.Add(1)
			go func() {
				defer d.tickWg.Done()
				if _, err := d.Tick(d.ctx); err != nil {
					if d.ctx.Err() != nil || errors.Is(err, sql.ErrConnDone) || db.IsDatabaseClosed(err) {
						return
					}
					d.logger.Warnw("Dispatcher tick error", logger.FieldError, err)
				}
			}()
		}
	}
}

// Tick claims the oldest New job whose resource is free, executes it and
// records the outcome. It returns the processed job, or nil when nothing
// could be claimed.
func (d *Dispatcher) Tick(ctx context.Context) (*ledger.DataSourceJob, error) {
	if d.underMemoryPressure() {
		return nil, nil
	}

	candidates, err := d.jobs.ListByState(ctx, ledger.StateNew, 0)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list new data-source jobs")
	}

	for _, job := range candidates {
		switch d.claims.claim(job.ResourceID) {
		case capReached:
			return nil, nil
		case resourceBusy:
			continue
		}

		won, err := d.jobs.Claim(ctx, job.ID)
		if err != nil {
			d.claims.release(job.ResourceID)
			return nil, errors.WithDetailf(err, "Resource: %d", job.ResourceID)
		}
		if !won {
			// Another dispatcher process took the row first
			d.claims.release(job.ResourceID)
			continue
		}

		d.process(ctx, job)
		return job, nil
	}
	return nil, nil
}

func (d *Dispatcher) process(ctx context.Context, job *ledger.DataSourceJob) {
	defer d.claims.release(job.ResourceID)

	job.Start(d.jobs.Now())
	log := d.logger.With(
		logger.FieldJobID, job.ID,
		logger.FieldResourceID, job.ResourceID,
		logger.FieldKind, job.Kind)
	log.Infow("Executing data-source job")

	started := time.Now()
	execErr := d.safeExecute(logger.WithJobID(ctx, job.ID), job)

	// Outcome must land even when shutdown cancelled ctx mid-job
	persistCtx := context.WithoutCancel(ctx)
	now := d.jobs.Now()

	if execErr != nil && ctx.Err() != nil {
		d.interrupted(persistCtx, job, execErr, now, log)
		return
	}

	if execErr != nil {
		job.Fail(execErr.Error(), now)
	} else {
		job.Complete(now)
	}

	if err := d.jobs.Update(persistCtx, job); err != nil {
		log.Errorw("Failed to record job outcome", logger.FieldState, job.State, logger.FieldError, err)
		return
	}

	if execErr != nil {
		log.Warnw("Data-source job failed",
			logger.FieldError, execErr,
			logger.FieldDurationMS, time.Since(started).Milliseconds())
		return
	}

	log.Infow("Data-source job completed", logger.FieldDurationMS, time.Since(started).Milliseconds())

	if job.Kind == ledger.KindSync && d.synced != nil {
		if err := d.synced.MarkSynced(persistCtx, job.ResourceID, now); err != nil {
			log.Warnw("Failed to record sync time", logger.FieldError, err)
		}
	}
}

// interrupted handles a job cut off by shutdown. It is not the job's fault,
// so it is never marked Failed.
func (d *Dispatcher) interrupted(ctx context.Context, job *ledger.DataSourceJob, cause error, now time.Time, log *zap.SugaredLogger) {
	if !job.IsRetriable {
		log.Warnw("Non-retriable job interrupted by shutdown, left in progress", logger.FieldError, cause)
		return
	}

	job.Requeue(now)
	if err := d.jobs.Update(ctx, job); err != nil {
		// Recover resets it on next start
		log.Errorw("Failed to requeue interrupted job", logger.FieldError, err)
		return
	}
	log.Infow("Job interrupted by shutdown, requeued")
}

// safeExecute runs the executor, turning a panic into an error
func (d *Dispatcher) safeExecute(ctx context.Context, job *ledger.DataSourceJob) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("executor panic: %v", r)
		}
	}()
	return d.executor.Execute(ctx, job.Kind, job.ResourceID, job.ID)
}

func (d *Dispatcher) underMemoryPressure() bool {
	if d.cfg.MaxMemoryPercent <= 0 || d.memStats == nil {
		return false
	}
	_, _, pct, err := memoryPercent(d.memStats)
	if err != nil {
		d.logger.Debugw("Memory probe failed, not gating", logger.FieldError, err)
		return false
	}
	if pct > d.cfg.MaxMemoryPercent {
		d.logger.Warnw("Skipping dispatch under memory pressure",
			"memory_percent", fmt.Sprintf("%.1f", pct),
			"limit", d.cfg.MaxMemoryPercent)
		return true
	}
	return false
}
