// Package pulse wires the job ledger, the ingestion scheduler, the task
// dispatcher and the agent job executor into one Engine, and exposes the
// producer API used by the CLI and embedding programs.
package pulse

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/agentpulse/am"
	"github.com/teranos/agentpulse/errors"
	"github.com/teranos/agentpulse/internal/httpclient"
	"github.com/teranos/agentpulse/logger"
	"github.com/teranos/agentpulse/pulse/async"
	"github.com/teranos/agentpulse/pulse/dispatch"
	"github.com/teranos/agentpulse/pulse/ledger"
	"github.com/teranos/agentpulse/pulse/schedule"
)

// Options overrides the collaborators the engine would otherwise build from config
type Options struct {
	// Executor runs data-source jobs. Default: dispatcher.commands plus the built-in remove.
	Executor dispatch.Executor

	// Directory resolves agent names. Default: the configured [[agents]].
	Directory async.AgentDirectory

	// AgentExecutors maps agent types to executors. Default: the command and http executors.
	AgentExecutors *async.ExecutorRegistry

	// Now replaces the wall clock for every store (testing)
	Now func() time.Time
}

// Engine owns the three background loops and the producer API
type Engine struct {
	cfg    *am.Config
	logger *zap.SugaredLogger

	catalog    *schedule.SQLCatalog
	dsJobs     *ledger.DataSourceJobStore
	agentJobs  *ledger.AgentJobStore
	scheduler  *schedule.Scheduler
	dispatcher *dispatch.Dispatcher
	queue      *async.Queue
	executor   *async.Executor
	watcher    *am.ConfigWatcher
}

// New builds an engine over an opened, migrated database
func New(database *sql.DB, cfg *am.Config, opts Options, log *zap.SugaredLogger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid engine config")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	e := &Engine{
		cfg:       cfg,
		logger:    log.Named("engine"),
		catalog:   schedule.NewSQLCatalogWithClock(database, now),
		dsJobs:    ledger.NewDataSourceJobStoreWithClock(database, now),
		agentJobs: ledger.NewAgentJobStoreWithClock(database, now),
	}

	executor := opts.Executor
	if executor == nil {
		reg, err := dispatch.RegistryFromCommands(cfg.Dispatcher.Commands, e.catalog)
		if err != nil {
			return nil, err
		}
		executor = reg
	}

	directory := opts.Directory
	if directory == nil {
		directory = directoryFromConfig(cfg.Agents)
	}

	agentExecutors := opts.AgentExecutors
	if agentExecutors == nil {
		reg, err := agentExecutorsFromConfig(cfg.Agents, cfg.AgentQueue)
		if err != nil {
			return nil, err
		}
		agentExecutors = reg
	}

	e.scheduler = schedule.NewScheduler(e.catalog, e.dsJobs, schedule.ConfigFromAm(cfg.Ingestion), log)
	e.dispatcher = dispatch.New(e.dsJobs, executor, e.catalog, dispatch.ConfigFromAm(cfg.Dispatcher), log)
	e.queue = async.NewQueue(e.agentJobs, cfg.AgentQueue.DefaultTTL(), log)
	e.executor = async.NewExecutor(e.agentJobs, directory, agentExecutors, async.ExecutorConfigFromAm(cfg.AgentQueue), log)
	return e, nil
}

func directoryFromConfig(agents []am.AgentConfig) *async.StaticDirectory {
	dir := async.NewStaticDirectory()
	for _, a := range agents {
		dir.Add(async.Agent{Name: a.Name, Type: a.AgentType()})
	}
	return dir
}

func agentExecutorsFromConfig(agents []am.AgentConfig, qcfg am.AgentQueueConfig) (*async.ExecutorRegistry, error) {
	commands := make(map[string]string)
	endpoints := make(map[string]string)
	for _, a := range agents {
		switch a.AgentType() {
		case am.AgentTypeCommand:
			commands[a.Name] = a.Command
		case am.AgentTypeHTTP:
			endpoints[a.Name] = a.URL
		}
	}

	cmdExec, err := async.NewCommandExecutor(commands)
	if err != nil {
		return nil, err
	}
	client := httpclient.New(httpclient.Options{
		Timeout:      qcfg.HTTPTimeout(),
		AllowPrivate: qcfg.AllowPrivateHosts,
	})
	httpExec, err := async.NewHTTPExecutor(client, endpoints)
	if err != nil {
		return nil, err
	}

	reg := async.NewExecutorRegistry()
	reg.Register(async.CommandAgentType, cmdExec)
	reg.Register(async.HTTPAgentType, httpExec)
	return reg, nil
}

// ScheduleDataSourceJob files a job for resourceID, or returns the id of the
// New or InProgress job already filed for the same resource and kind
func (e *Engine) ScheduleDataSourceJob(ctx context.Context, resourceID int64, kind ledger.Kind) (int64, error) {
	job, created, err := e.dsJobs.Schedule(ctx, resourceID, kind)
	if err != nil {
		return 0, err
	}
	if created {
		e.logger.Infow("Data-source job scheduled",
			logger.FieldJobID, job.ID,
			logger.FieldResourceID, resourceID,
			logger.FieldKind, kind)
	}
	return job.ID, nil
}

// EnqueueAgentJob queues a deferred agent call and returns its correlation guid.
// A non-positive ttl uses agent_queue.default_ttl_seconds.
func (e *Engine) EnqueueAgentJob(ctx context.Context, agentName string, params map[string]string, identity async.CallerIdentity, ttl time.Duration) (string, error) {
	return e.queue.Enqueue(ctx, agentName, params, identity, ttl)
}

// GetAgentJobResult returns the state and result of an agent job
func (e *Engine) GetAgentJobResult(ctx context.Context, guid string) (ledger.JobState, string, error) {
	return e.queue.GetResult(ctx, guid)
}

// Start runs the three loops. The dispatcher recovers interrupted jobs
// before its first tick.
func (e *Engine) Start(ctx context.Context) {
	e.dispatcher.Start(ctx)
	e.scheduler.Start(ctx)
	e.executor.Start(ctx)
	e.logger.Infow("Engine started")
}

// Stop halts the loops and the config watcher, waiting for running work
func (e *Engine) Stop() {
	if e.watcher != nil {
		if err := e.watcher.Stop(); err != nil {
			e.logger.Warnw("Failed to stop config watcher", logger.FieldError, err)
		}
	}
	e.scheduler.Stop()
	e.executor.Stop()
	e.dispatcher.Stop()
	e.logger.Infow("Engine stopped")
}

// WatchConfig re-applies the dispatcher cap whenever configPath changes
func (e *Engine) WatchConfig(configPath string) error {
	watcher, err := am.NewConfigWatcher(configPath)
	if err != nil {
		return err
	}
	watcher.OnReload(e.applyConfig)
	watcher.Start()
	e.watcher = watcher
	return nil
}

func (e *Engine) applyConfig(cfg *am.Config) error {
	if cfg.Dispatcher.MaxConcurrent != e.cfg.Dispatcher.MaxConcurrent {
		e.dispatcher.SetMaxConcurrent(cfg.Dispatcher.MaxConcurrent)
		e.cfg.Dispatcher.MaxConcurrent = cfg.Dispatcher.MaxConcurrent
	}
	return nil
}

// Catalog returns the data-source catalog
func (e *Engine) Catalog() *schedule.SQLCatalog { return e.catalog }

// DataSourceJobs returns the data-source job ledger
func (e *Engine) DataSourceJobs() *ledger.DataSourceJobStore { return e.dsJobs }

// Queue returns the agent job queue
func (e *Engine) Queue() *async.Queue { return e.queue }

// Scheduler returns the ingestion scheduler
func (e *Engine) Scheduler() *schedule.Scheduler { return e.scheduler }

// Dispatcher returns the task dispatcher
func (e *Engine) Dispatcher() *dispatch.Dispatcher { return e.dispatcher }

// Executor returns the agent job executor
func (e *Engine) Executor() *async.Executor { return e.executor }
