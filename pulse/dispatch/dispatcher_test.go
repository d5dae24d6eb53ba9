package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	pulsetest "github.com/teranos/agentpulse/internal/testing"
	"github.com/teranos/agentpulse/pulse/ledger"
)

// ============================================================================
// Harbor Test Universe
// ============================================================================
//
// Characters:
//   - Harbormaster: assigns ships (jobs) to berths, never more than the harbor holds
//   - Berths: the concurrency cap
//   - Ships: data-source jobs; two ships for the same owner never dock together
// ============================================================================

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	jobs  *ledger.DataSourceJobStore
	clock *pulsetest.Clock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := pulsetest.NewClock(epoch)
	return &fixture{
		jobs:  ledger.NewDataSourceJobStoreWithClock(pulsetest.CreateTestDB(t), clock.Now),
		clock: clock,
	}
}

// schedule creates a New job and advances the clock so creation order is strict
func (f *fixture) schedule(t *testing.T, resourceID int64, kind ledger.Kind) *ledger.DataSourceJob {
	t.Helper()
	job, created, err := f.jobs.Schedule(context.Background(), resourceID, kind)
	require.NoError(t, err)
	require.True(t, created)
	f.clock.Advance(time.Second)
	return job
}

func (f *fixture) state(t *testing.T, id int64) *ledger.DataSourceJob {
	t.Helper()
	job, err := f.jobs.Get(context.Background(), id)
	require.NoError(t, err)
	return job
}

func testConfig(maxConcurrent int) Config {
	return Config{
		Interval:        time.Hour,
		MaxConcurrent:   maxConcurrent,
		ShutdownTimeout: 5 * time.Second,
	}
}

// gate blocks executions for the resources it holds until opened
type gate struct {
	hold    map[int64]bool
	started chan int64
	open    chan struct{}
}

func newGate(resources ...int64) *gate {
	g := &gate{hold: map[int64]bool{}, started: make(chan int64, 16), open: make(chan struct{})}
	for _, r := range resources {
		g.hold[r] = true
	}
	return g
}

func (g *gate) Execute(ctx context.Context, kind ledger.Kind, resourceID, jobID int64) error {
	g.started <- resourceID
	if g.hold[resourceID] || len(g.hold) == 0 {
		<-g.open
	}
	return nil
}

type recorder struct {
	mu     sync.Mutex
	synced map[int64]time.Time
}

func (r *recorder) MarkSynced(ctx context.Context, id int64, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.synced == nil {
		r.synced = map[int64]time.Time{}
	}
	r.synced[id] = at
	return nil
}

func (r *recorder) get(id int64) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	at, ok := r.synced[id]
	return at, ok
}

func TestHarborHoldsTwoShipsAtOnce(t *testing.T) {
	t.Log("⚓ Five ships arrive for five owners; the harbor has two berths")

	ctx := context.Background()
	f := newFixture(t)
	for r := int64(1); r <= 5; r++ {
		f.schedule(t, r, ledger.KindSync)
	}

	g := newGate() // every ship waits at berth
	d := New(f.jobs, g, nil, testConfig(2), zap.NewNop().Sugar())

	results := make(chan *ledger.DataSourceJob, 5)
	for i := 0; i < 5; i++ {
		go func() {
			job, err := d.Tick(ctx)
			assert.NoError(t, err)
			results <- job
		}()
	}

	// Two ships dock, three harbormaster rounds come back empty
	<-g.started
	<-g.started
	for i := 0; i < 3; i++ {
		assert.Nil(t, <-results)
	}

	metrics := d.SystemMetrics()
	assert.Equal(t, 2, metrics.ClaimsActive)
	assert.Equal(t, 2, metrics.ClaimsMax)

	inProgress, err := f.jobs.ListByState(ctx, ledger.StateInProgress, 0)
	require.NoError(t, err)
	assert.Len(t, inProgress, 2)
	t.Log("✓ Exactly two jobs in progress while the berths are full")

	close(g.open)
	for i := 0; i < 2; i++ {
		job := <-results
		require.NotNil(t, job)
		assert.Equal(t, ledger.StateCompleted, f.state(t, job.ID).State)
	}

	remaining, err := f.jobs.ListByState(ctx, ledger.StateNew, 0)
	require.NoError(t, err)
	assert.Len(t, remaining, 3)
	assert.Equal(t, 0, d.SystemMetrics().ClaimsActive)
}

func TestSameOwnerNeverDocksTwice(t *testing.T) {
	t.Log("⚓ Owner 7 sends a sync and a tag_sync; owner 8 arrives later")

	ctx := context.Background()
	f := newFixture(t)
	syncJob := f.schedule(t, 7, ledger.KindSync)
	tagJob := f.schedule(t, 7, ledger.KindTagSync)
	otherJob := f.schedule(t, 8, ledger.KindSync)

	g := newGate(7)
	d := New(f.jobs, g, nil, testConfig(2), zap.NewNop().Sugar())

	first := make(chan *ledger.DataSourceJob, 1)
	go func() {
		job, err := d.Tick(ctx)
		assert.NoError(t, err)
		first <- job
	}()
	require.Equal(t, int64(7), <-g.started)

	// Owner 7 is busy, so the harbormaster passes over its tag_sync
	job, err := d.Tick(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, otherJob.ID, job.ID)
	<-g.started

	job, err = d.Tick(ctx)
	require.NoError(t, err)
	assert.Nil(t, job, "nothing claimable while resource 7 is executing")
	assert.Equal(t, ledger.StateNew, f.state(t, tagJob.ID).State)

	close(g.open)
	done := <-first
	require.NotNil(t, done)
	assert.Equal(t, syncJob.ID, done.ID)

	job, err = d.Tick(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, tagJob.ID, job.ID)
	assert.Equal(t, ledger.StateCompleted, f.state(t, tagJob.ID).State)
	t.Log("✓ tag_sync for 7 ran only after the sync for 7 finished")
}

func TestShipsDockInArrivalOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	var want []int64
	for _, r := range []int64{30, 10, 20} {
		want = append(want, f.schedule(t, r, ledger.KindSync).ID)
	}

	var got []int64
	exec := ExecutorFunc(func(ctx context.Context, kind ledger.Kind, resourceID, jobID int64) error {
		got = append(got, jobID)
		return nil
	})
	d := New(f.jobs, exec, nil, testConfig(1), zap.NewNop().Sugar())

	for range want {
		job, err := d.Tick(ctx)
		require.NoError(t, err)
		require.NotNil(t, job)
	}
	assert.Equal(t, want, got)

	job, err := d.Tick(ctx)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestExecutorErrorMarksFailed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	job := f.schedule(t, 3, ledger.KindSync)

	rec := &recorder{}
	exec := ExecutorFunc(func(ctx context.Context, kind ledger.Kind, resourceID, jobID int64) error {
		return assert.AnError
	})
	d := New(f.jobs, exec, rec, testConfig(2), zap.NewNop().Sugar())

	_, err := d.Tick(ctx)
	require.NoError(t, err)

	stored := f.state(t, job.ID)
	assert.Equal(t, ledger.StateFailed, stored.State)
	assert.Equal(t, assert.AnError.Error(), stored.ErrorMessage)
	_, synced := rec.get(3)
	assert.False(t, synced, "failed sync must not advance last_synced_at")
}

func TestExecutorPanicMarksFailed(t *testing.T) {
	t.Log("⚓ A ship catches fire at berth; the harbor keeps working")

	ctx := context.Background()
	f := newFixture(t)
	burning := f.schedule(t, 1, ledger.KindSync)
	next := f.schedule(t, 2, ledger.KindSync)

	exec := ExecutorFunc(func(ctx context.Context, kind ledger.Kind, resourceID, jobID int64) error {
		if resourceID == 1 {
			panic("boom")
		}
		return nil
	})
	d := New(f.jobs, exec, nil, testConfig(1), zap.NewNop().Sugar())

	_, err := d.Tick(ctx)
	require.NoError(t, err)
	stored := f.state(t, burning.ID)
	assert.Equal(t, ledger.StateFailed, stored.State)
	assert.Contains(t, stored.ErrorMessage, "boom")
	assert.Equal(t, 0, d.SystemMetrics().ClaimsActive, "claim released after panic")

	_, err = d.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, ledger.StateCompleted, f.state(t, next.ID).State)
}

func TestUnknownKindFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	job := f.schedule(t, 4, ledger.KindTagSync)

	reg := NewRegistry()
	reg.Register(ledger.KindSync, ExecutorFunc(func(ctx context.Context, kind ledger.Kind, resourceID, jobID int64) error {
		return nil
	}))
	d := New(f.jobs, reg, nil, testConfig(2), zap.NewNop().Sugar())

	_, err := d.Tick(ctx)
	require.NoError(t, err)

	stored := f.state(t, job.ID)
	assert.Equal(t, ledger.StateFailed, stored.State)
	assert.Contains(t, stored.ErrorMessage, "no executor registered")
}

func TestSyncCompletionMarksCatalog(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	syncJob := f.schedule(t, 5, ledger.KindSync)
	f.schedule(t, 6, ledger.KindTagSync)

	rec := &recorder{}
	exec := ExecutorFunc(func(ctx context.Context, kind ledger.Kind, resourceID, jobID int64) error { return nil })
	d := New(f.jobs, exec, rec, testConfig(1), zap.NewNop().Sugar())

	_, err := d.Tick(ctx)
	require.NoError(t, err)
	_, err = d.Tick(ctx)
	require.NoError(t, err)

	at, ok := rec.get(5)
	require.True(t, ok)
	assert.True(t, f.state(t, syncJob.ID).UpdatedAt.Equal(at))

	_, ok = rec.get(6)
	assert.False(t, ok, "tag_sync does not count as a sync")
}

func TestRecoverResetsOnlyRetriableJobs(t *testing.T) {
	t.Log("⚓ The harbor reopens after a storm; ships left mid-dock are sorted out")

	ctx := context.Background()
	f := newFixture(t)
	syncJob := f.schedule(t, 1, ledger.KindSync)
	removeJob := f.schedule(t, 2, ledger.KindRemove)
	for _, j := range []*ledger.DataSourceJob{syncJob, removeJob} {
		won, err := f.jobs.Claim(ctx, j.ID)
		require.NoError(t, err)
		require.True(t, won)
	}

	d := New(f.jobs, ExecutorFunc(func(ctx context.Context, kind ledger.Kind, resourceID, jobID int64) error {
		return nil
	}), nil, testConfig(2), zap.NewNop().Sugar())

	reset, err := d.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), reset)
	assert.Equal(t, ledger.StateNew, f.state(t, syncJob.ID).State)
	assert.Equal(t, ledger.StateInProgress, f.state(t, removeJob.ID).State)
	t.Log("✓ Sync requeued; the half-done remove waits for an operator")
}

func TestMemoryPressureSkipsTick(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	job := f.schedule(t, 1, ledger.KindSync)

	cfg := testConfig(2)
	cfg.MaxMemoryPercent = 90
	d := New(f.jobs, ExecutorFunc(func(ctx context.Context, kind ledger.Kind, resourceID, jobID int64) error {
		return nil
	}), nil, cfg, zap.NewNop().Sugar())

	available := uint64(5)
	d.SetMemoryStats(func() (uint64, uint64, error) { return 100, available, nil })

	got, err := d.Tick(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Equal(t, ledger.StateNew, f.state(t, job.ID).State)
	assert.InDelta(t, 95.0, d.SystemMetrics().MemoryPercent, 0.001)

	available = 50
	got, err = d.Tick(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, ledger.StateCompleted, f.state(t, job.ID).State)
}

func TestSetMaxConcurrent(t *testing.T) {
	f := newFixture(t)
	d := New(f.jobs, NewRegistry(), nil, testConfig(2), zap.NewNop().Sugar())

	d.SetMaxConcurrent(4)
	assert.Equal(t, 4, d.SystemMetrics().ClaimsMax)

	d.SetMaxConcurrent(0)
	assert.Equal(t, 4, d.SystemMetrics().ClaimsMax, "non-positive cap ignored")
}

func TestStartRecoversAndRuns(t *testing.T) {
	f := newFixture(t)
	stuck := f.schedule(t, 1, ledger.KindSync)
	won, err := f.jobs.Claim(context.Background(), stuck.ID)
	require.NoError(t, err)
	require.True(t, won)

	cfg := testConfig(2)
	cfg.Interval = 10 * time.Millisecond
	d := New(f.jobs, ExecutorFunc(func(ctx context.Context, kind ledger.Kind, resourceID, jobID int64) error {
		return nil
	}), nil, cfg, zap.NewNop().Sugar())

	d.Start(context.Background())
	defer d.Stop()

	require.Eventually(t, func() bool {
		job, err := f.jobs.Get(context.Background(), stuck.ID)
		return err == nil && job.State == ledger.StateCompleted
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStopRequeuesInterruptedRetriableJobs(t *testing.T) {
	t.Log("🌊 A storm closes the harbor while two ships are still unloading")

	f := newFixture(t)
	tagSync := f.schedule(t, 1, ledger.KindTagSync)
	remove := f.schedule(t, 2, ledger.KindRemove)

	started := make(chan int64, 2)
	cfg := testConfig(2)
	cfg.Interval = 10 * time.Millisecond
	d := New(f.jobs, ExecutorFunc(func(ctx context.Context, kind ledger.Kind, resourceID, jobID int64) error {
		started <- resourceID
		<-ctx.Done()
		return ctx.Err()
	}), nil, cfg, zap.NewNop().Sugar())

	d.Start(context.Background())
	<-started
	<-started
	d.Stop()

	requeued := f.state(t, tagSync.ID)
	t.Logf("   tag_sync after stop: state=%s error=%q", requeued.State, requeued.ErrorMessage)
	assert.Equal(t, ledger.StateNew, requeued.State, "retriable job goes back to the queue")
	assert.Empty(t, requeued.ErrorMessage)

	held := f.state(t, remove.ID)
	assert.Equal(t, ledger.StateInProgress, held.State, "non-retriable job waits for an operator")
	assert.Empty(t, held.ErrorMessage)

	// The next run picks the requeued job up again
	ran := make(chan int64, 1)
	next := New(f.jobs, ExecutorFunc(func(ctx context.Context, kind ledger.Kind, resourceID, jobID int64) error {
		ran <- jobID
		return nil
	}), nil, testConfig(2), zap.NewNop().Sugar())
	got, err := next.Tick(context.Background())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, tagSync.ID, <-ran)
	assert.Equal(t, ledger.StateCompleted, f.state(t, tagSync.ID).State)
}

func TestExecutorTimeoutIsAFailure(t *testing.T) {
	f := newFixture(t)
	job := f.schedule(t, 1, ledger.KindTagSync)

	d := New(f.jobs, ExecutorFunc(func(ctx context.Context, kind ledger.Kind, resourceID, jobID int64) error {
		return context.DeadlineExceeded
	}), nil, testConfig(2), zap.NewNop().Sugar())

	_, err := d.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ledger.StateFailed, f.state(t, job.ID).State, "executor's own timeout is a real failure")
}

func TestSystemMetricsWithoutMemoryProbe(t *testing.T) {
	f := newFixture(t)
	d := New(f.jobs, NewRegistry(), nil, testConfig(2), zap.NewNop().Sugar())
	d.SetMemoryStats(nil)

	var metrics SystemMetrics
	assert.NotPanics(t, func() { metrics = d.SystemMetrics() })
	assert.Zero(t, metrics.MemoryPercent)
	assert.Equal(t, 2, metrics.ClaimsMax)
}

func TestStopWithoutStart(t *testing.T) {
	f := newFixture(t)
	d := New(f.jobs, NewRegistry(), nil, Config{}, zap.NewNop().Sugar())
	d.Stop()
	assert.Equal(t, 2, d.SystemMetrics().ClaimsMax, "defaults applied")
}
