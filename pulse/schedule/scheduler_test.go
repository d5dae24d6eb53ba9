package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teranos/agentpulse/errors"
	pulsetest "github.com/teranos/agentpulse/internal/testing"
	"github.com/teranos/agentpulse/pulse/ledger"
)

// ============================================================================
// Lighthouse Test Universe
// ============================================================================
//
// Characters:
//   - Keeper: sweeps the horizon on a timer, looking for dark lamps (stale sources)
//   - Lamps: data sources that go dark when not synced for too long
// ============================================================================

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	catalog *SQLCatalog
	jobs    *ledger.DataSourceJobStore
	clock   *pulsetest.Clock
	sched   *Scheduler
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	database := pulsetest.CreateTestDB(t)
	clock := pulsetest.NewClock(epoch)
	f := &fixture{
		catalog: NewSQLCatalogWithClock(database, clock.Now),
		jobs:    ledger.NewDataSourceJobStoreWithClock(database, clock.Now),
		clock:   clock,
	}
	f.sched = NewScheduler(f.catalog, f.jobs, cfg, zap.NewNop().Sugar())
	return f
}

func defaultConfig() Config {
	return Config{
		Interval:       10 * time.Minute,
		BatchSize:      2,
		StalenessDelay: time.Hour,
		Retention:      24 * time.Hour,
	}
}

func (f *fixture) register(t *testing.T, name string, lastSynced *time.Time) *DataSource {
	t.Helper()
	ds, err := f.catalog.Register(context.Background(), name)
	require.NoError(t, err)
	if lastSynced != nil {
		require.NoError(t, f.catalog.MarkSynced(context.Background(), ds.ID, *lastSynced))
	}
	return ds
}

func TestKeeperSchedulesDarkLampsOldestFirst(t *testing.T) {
	t.Log("🗼 Keeper scans for lamps dark for more than an hour")

	ctx := context.Background()
	f := newFixture(t, defaultConfig())

	fresh := epoch.Add(-10 * time.Minute)
	old := epoch.Add(-3 * time.Hour)
	older := epoch.Add(-5 * time.Hour)

	f.register(t, "fresh", &fresh)
	oldDS := f.register(t, "old", &old)
	olderDS := f.register(t, "older", &older)
	neverDS := f.register(t, "never", nil)

	result, err := f.sched.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Candidates, "batch size caps the scan")
	require.Len(t, result.Scheduled, 2)

	first, err := f.jobs.Get(ctx, result.Scheduled[0])
	require.NoError(t, err)
	assert.Equal(t, neverDS.ID, first.ResourceID, "never-synced sources go first")
	assert.Equal(t, ledger.KindSync, first.Kind)

	second, err := f.jobs.Get(ctx, result.Scheduled[1])
	require.NoError(t, err)
	assert.Equal(t, olderDS.ID, second.ResourceID)

	active, err := f.jobs.FindActive(ctx, oldDS.ID, ledger.KindSync)
	require.NoError(t, err)
	assert.Nil(t, active, "third stale lamp waits for a later tick")

	t.Log("✓ Keeper lit the two darkest lamps")
}

func TestTickIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, defaultConfig())
	f.register(t, "a", nil)
	f.register(t, "b", nil)

	first, err := f.sched.Tick(ctx)
	require.NoError(t, err)
	require.Len(t, first.Scheduled, 2)

	second, err := f.sched.Tick(ctx)
	require.NoError(t, err)
	assert.Empty(t, second.Scheduled)
	assert.Equal(t, 2, second.Skipped)

	jobs, err := f.jobs.List(ctx, nil, 0)
	require.NoError(t, err)
	assert.Len(t, jobs, 2, "re-running a tick must never duplicate jobs")
}

func TestTickSkipsInProgressSync(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, defaultConfig())
	ds := f.register(t, "busy", nil)

	job, _, err := f.jobs.Schedule(ctx, ds.ID, ledger.KindSync)
	require.NoError(t, err)
	won, err := f.jobs.Claim(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, won)

	result, err := f.sched.Tick(ctx)
	require.NoError(t, err)
	assert.Empty(t, result.Scheduled)
	assert.Equal(t, 1, result.Skipped)
}

func TestTickIgnoresOtherKinds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, defaultConfig())
	ds := f.register(t, "tagged", nil)

	_, _, err := f.jobs.Schedule(ctx, ds.ID, ledger.KindTagSync)
	require.NoError(t, err)

	result, err := f.sched.Tick(ctx)
	require.NoError(t, err)
	assert.Len(t, result.Scheduled, 1, "an active TagSync does not block a Sync")
}

func TestSyncedSourceBecomesStaleAgain(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, defaultConfig())
	ds := f.register(t, "lamp", nil)

	result, err := f.sched.Tick(ctx)
	require.NoError(t, err)
	require.Len(t, result.Scheduled, 1)

	job, err := f.jobs.Get(ctx, result.Scheduled[0])
	require.NoError(t, err)
	job.Complete(f.clock.Now())
	require.NoError(t, f.jobs.Update(ctx, job))
	require.NoError(t, f.catalog.MarkSynced(ctx, ds.ID, f.clock.Now()))

	f.clock.Advance(30 * time.Minute)
	result, err = f.sched.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, result.Candidates, "synced half an hour ago, still fresh")

	f.clock.Advance(31 * time.Minute)
	result, err = f.sched.Tick(ctx)
	require.NoError(t, err)
	assert.Len(t, result.Scheduled, 1)
}

func TestTickPurgesOldTerminalJobs(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, defaultConfig())

	done, _, err := f.jobs.Schedule(ctx, 99, ledger.KindRemove)
	require.NoError(t, err)
	done.Complete(f.clock.Now())
	require.NoError(t, f.jobs.Update(ctx, done))

	f.clock.Advance(25 * time.Hour)
	result, err := f.sched.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.Purged)

	_, err = f.jobs.Get(ctx, done.ID)
	assert.True(t, errors.IsNotFoundError(err))
}

type failingCatalog struct {
	calls int
}

func (c *failingCatalog) ListStale(ctx context.Context, threshold time.Time, limit int) ([]*DataSource, error) {
	c.calls++
	return nil, errors.New("catalog offline")
}

func (c *failingCatalog) MarkSynced(ctx context.Context, id int64, at time.Time) error {
	return nil
}

func TestTickErrorDoesNotStopLoop(t *testing.T) {
	database := pulsetest.CreateTestDB(t)
	catalog := &failingCatalog{}
	cfg := defaultConfig()
	cfg.Interval = 10 * time.Millisecond

	sched := NewScheduler(catalog, ledger.NewDataSourceJobStore(database), cfg, zap.NewNop().Sugar())

	_, err := sched.Tick(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "catalog offline")

	sched.Start(context.Background())
	require.Eventually(t, func() bool {
		_, ticks := sched.LastTick()
		return ticks >= 3
	}, 2*time.Second, 5*time.Millisecond, "loop keeps ticking after errors")
	sched.Stop()
}
