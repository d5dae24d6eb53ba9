// Package schedule finds stale data sources and files Sync jobs for them.
package schedule

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/agentpulse/am"
	"github.com/teranos/agentpulse/errors"
	"github.com/teranos/agentpulse/logger"
	"github.com/teranos/agentpulse/pulse/ledger"
)

// Config controls the ingestion scan
type Config struct {
	Interval       time.Duration // How often the scan runs (default: 10 minutes)
	BatchSize      int           // Max stale sources considered per tick (default: 2)
	StalenessDelay time.Duration // A source is stale once its last sync is older than this
	Retention      time.Duration // Terminal jobs older than this are purged after each scan
}

// ConfigFromAm converts the ingestion section of the engine config
func ConfigFromAm(c am.IngestionConfig) Config {
	return Config{
		Interval:       c.Interval(),
		BatchSize:      c.BatchSize,
		StalenessDelay: c.StalenessDelay(),
		Retention:      c.Retention(),
	}
}

// TickResult summarizes one scan
type TickResult struct {
	Candidates int
	Scheduled  []int64 // ids of newly created Sync jobs
	Skipped    int     // sources that already had an active Sync job
	Purged     int64
}

// Scheduler periodically turns stale data sources into Sync jobs
type Scheduler struct {
	catalog Catalog
	jobs    *ledger.DataSourceJobStore
	cfg     Config
	logger  *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu              sync.Mutex
	lastTickAt      time.Time
	ticksSinceStart int64
}

// NewScheduler creates a scheduler; call Start to run it on a timer
func NewScheduler(catalog Catalog, jobs *ledger.DataSourceJobStore, cfg Config, log *zap.SugaredLogger) *Scheduler {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = am.DefaultIngestionBatchSize
	}
	if cfg.Interval <= 0 {
		cfg.Interval = am.DefaultIngestionInterval * time.Second
	}
	return &Scheduler{
		catalog: catalog,
		jobs:    jobs,
		cfg:     cfg,
		logger:  log.Named("scheduler"),
	}
}

// Start begins the scan loop. The first scan runs after one interval.
func (s *Scheduler) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.run()
	s.logger.Infow("Ingestion scheduler started",
		logger.FieldInterval, s.cfg.Interval,
		logger.FieldBatchSize, s.cfg.BatchSize)
}

// Stop cancels the loop and waits for an in-flight scan to return
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.wg.Wait()
	s.logger.Infow("Ingestion scheduler stopped")
}

func (s *Scheduler) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case tickTime := <-ticker.C:
			s.mu.Lock()
			s.lastTickAt = tickTime
			s.ticksSinceStart++
			tick := s.ticksSinceStart
			s.mu.Unlock()

			if _, err := s.Tick(s.ctx); err != nil {
				// The next tick starts from scratch, so a failed scan heals itself
				s.logger.Warnw("Ingestion tick error", logger.FieldError, err, "tick", tick)
			}
		}
	}
}

// Tick runs one scan: schedule Sync jobs for stale sources, then purge old
// terminal jobs. Running it again before the jobs finish creates nothing new.
func (s *Scheduler) Tick(ctx context.Context) (*TickResult, error) {
	now := s.jobs.Now()
	threshold := now.Add(-s.cfg.StalenessDelay)

	stale, err := s.catalog.ListStale(ctx, threshold, s.cfg.BatchSize)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list stale data sources")
	}

	result := &TickResult{Candidates: len(stale)}
	for _, ds := range stale {
		job, created, err := s.jobs.Schedule(ctx, ds.ID, ledger.KindSync)
		if err != nil {
			return result, errors.WithDetailf(
				errors.Wrapf(err, "failed to schedule sync for data source %d", ds.ID),
				"Data source: %s", ds.Name)
		}
		if !created {
			result.Skipped++
			s.logger.Debugw("Sync already active, skipping",
				logger.FieldResourceID, ds.ID,
				logger.FieldJobID, job.ID,
				logger.FieldState, job.State)
			continue
		}
		result.Scheduled = append(result.Scheduled, job.ID)
		s.logger.Infow("Scheduled sync for stale data source",
			logger.FieldResourceID, ds.ID,
			logger.FieldJobID, job.ID,
			"data_source", ds.Name,
			logger.FieldThreshold, threshold)
	}

	if s.cfg.Retention > 0 {
		purged, err := s.jobs.PurgeTerminal(ctx, now.Add(-s.cfg.Retention))
		if err != nil {
			return result, errors.Wrap(err, "failed to purge terminal jobs")
		}
		result.Purged = purged
		if purged > 0 {
			s.logger.Infow("Purged terminal data-source jobs", logger.FieldCount, purged)
		}
	}

	return result, nil
}

// LastTick returns when the timer last fired and how many ticks have run
func (s *Scheduler) LastTick() (time.Time, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastTickAt, s.ticksSinceStart
}
