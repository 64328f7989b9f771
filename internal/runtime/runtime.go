// Package runtime is the connector's composition root. It wires every
// component (ModelLibrary, RoutineLibrary, Scheduler, Runner, Heartbeat,
// log sink) from a single Config, starts their background activities
// under one cancellation scope, and supervises the group: a fatal error
// from any activity stops the whole group, drains in-flight work, and
// restarts after a fixed delay. The wiring order follows the usual
// composition-root shape (config -> logging/tracing/metrics init ->
// store -> client -> components -> signal-driven graceful shutdown),
// with an added restart loop since this connector is expected to
// recover from its own fatal errors without an external process
// supervisor.
package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cognitedata/simulator-connector/internal/cache"
	"github.com/cognitedata/simulator-connector/internal/config"
	"github.com/cognitedata/simulator-connector/internal/controlplane"
	"github.com/cognitedata/simulator-connector/internal/domain"
	"github.com/cognitedata/simulator-connector/internal/errs"
	"github.com/cognitedata/simulator-connector/internal/filefetcher"
	"github.com/cognitedata/simulator-connector/internal/heartbeat"
	"github.com/cognitedata/simulator-connector/internal/logging"
	"github.com/cognitedata/simulator-connector/internal/logsink"
	"github.com/cognitedata/simulator-connector/internal/modellibrary"
	"github.com/cognitedata/simulator-connector/internal/observability"
	"github.com/cognitedata/simulator-connector/internal/queue"
	"github.com/cognitedata/simulator-connector/internal/routinelibrary"
	"github.com/cognitedata/simulator-connector/internal/runner"
	"github.com/cognitedata/simulator-connector/internal/scheduler"
	"github.com/cognitedata/simulator-connector/internal/simulator"
	"github.com/cognitedata/simulator-connector/internal/statestore"
	"github.com/jackc/pgx/v5/pgxpool"
)

// connectorVersion is stamped into the connector's integration identity.
// It has no config surface; it changes with releases of this binary.
const connectorVersion = "0.1.0"

// RunTask is the long-running activity shape every component exposes
// via GetRunTasks. ConnectorRuntime aggregates all of them into one
// supervised group.
type RunTask func(ctx context.Context) error

// ConnectorRuntime is the assembled connector: every component plus the
// supervision loop that restarts the whole group on a fatal error.
type ConnectorRuntime struct {
	cfg *config.Config
	sim simulator.Client

	client *controlplane.Client
	store  *statestore.Store
	fetch  *filefetcher.Fetcher
	c      cache.Cache
	pgPool *pgxpool.Pool

	models   *modellibrary.Library
	routines *routinelibrary.Library
	sched    *scheduler.Scheduler
	run      *runner.Runner
	beat     *heartbeat.Heartbeat
	logs     *logsink.Batcher
	notifier queue.Notifier
	identity domain.ConnectorIdentity
}

// New builds a ConnectorRuntime from cfg. sim is the simulator automation
// driver; it is an external collaborator this package never implements
// (actual simulator automation — COM/process control — is out of scope
// here) and must be supplied by the binary embedding this package.
func New(cfg *config.Config, sim simulator.Client) (*ConnectorRuntime, error) {
	if cfg == nil {
		return nil, errs.New(errs.KindInvalidArgument, "nil config")
	}
	if sim == nil {
		return nil, errs.New(errs.KindInvalidArgument, "nil simulator client")
	}

	store, err := statestore.Open(cfg.StateStore.Path)
	if err != nil {
		return nil, errs.Wrap(errs.KindControlPlaneGone, "open state store", err)
	}

	client := controlplane.New(controlplane.Config{
		BaseURL:  cfg.ControlPlane.Host,
		Project:  cfg.ControlPlane.Project,
		ClientID: cfg.ControlPlane.ClientID,
		APIKey:   cfg.ControlPlane.APIKey,
		Timeout:  cfg.ControlPlane.Timeout,
	})

	fetch := filefetcher.New(context.Background(),
		filefetcher.WithMaxFileDownloadSize(cfg.FileFetcher.MaxFileDownloadSize),
		filefetcher.WithLargeFileSize(cfg.FileFetcher.LargeFileSize),
	)

	var c cache.Cache
	if cfg.Redis.Enabled {
		c = cache.NewRedisCache(cache.RedisCacheConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
		})
	} else {
		c = cache.NewInMemoryCache()
	}

	models, err := modellibrary.New(modellibrary.Config{
		SimulatorExternalID:   cfg.Simulator,
		FilesDirectory:        cfg.Connector.ModelLibrary.FilesDirectory,
		LibraryUpdateInterval: cfg.Connector.ModelLibrary.LibraryUpdateInterval,
		PersistInterval:       cfg.Connector.ModelLibrary.PersistInterval,
	}, store, client, fetch, sim, c)
	if err != nil {
		return nil, errs.Wrap(errs.KindControlPlaneGone, "construct model library", err)
	}

	routines, err := routinelibrary.New(routinelibrary.Config{
		SimulatorExternalID:   cfg.Simulator,
		LibraryUpdateInterval: cfg.Connector.RoutineLibrary.LibraryUpdateInterval,
		PageSize:              cfg.Connector.RoutineLibrary.PaginationLimit,
	}, store, client)
	if err != nil {
		return nil, errs.Wrap(errs.KindControlPlaneGone, "construct routine library", err)
	}

	var notifier queue.Notifier = queue.NewNoopNotifier()
	if cfg.Connector.Runner.PushNotifications {
		notifier = queue.NewChannelNotifier()
	}

	sched := scheduler.New(scheduler.Config{
		SchedulerUpdateInterval: cfg.Connector.Scheduler.UpdateInterval,
		Notifier:                notifier,
	}, client, routines, nil)

	var sink logsink.Sink = logsink.NewRemoteSink(client)
	var pgPool *pgxpool.Pool
	if cfg.Postgres.Enabled {
		pgPool, err = pgxpool.New(context.Background(), cfg.Postgres.DSN)
		if err != nil {
			return nil, errs.Wrap(errs.KindControlPlaneGone, "connect postgres log mirror", err)
		}
		sink = logsink.NewMultiSink(sink, logsink.NewPostgresSink(pgPool))
	}
	logs := logsink.NewBatcher(sink, logsink.BatcherConfig{})

	runnerComp := runner.New(runner.Config{
		SimulatorExternalID: cfg.Simulator,
		Workers:             cfg.Connector.Runner.Workers,
		PollInterval:        cfg.Connector.Runner.PollInterval,
		ClaimLimit:          cfg.Connector.Runner.ClaimLimit,
		RunTimeout:          cfg.Connector.Runner.RunTimeout,
		Notifier:            notifier,
		MinLogSeverity:      domain.ParseLogSeverity(cfg.Observability.Logging.Remote.Level),
	}, client, models, routines, sim, logs)

	identity := domain.ConnectorIdentity{
		IntegrationExternalID: fmt.Sprintf("%s%s", cfg.Connector.NamePrefix, cfg.Simulator),
		SimulatorExternalID:   cfg.Simulator,
		DataSetID:             cfg.Connector.DataSetID,
		ConnectorVersion:      connectorVersion,
	}

	beat := heartbeat.New(heartbeat.Config{
		Interval: cfg.Connector.StatusInterval,
		Identity: identity,
	}, client, nil)

	return &ConnectorRuntime{
		cfg:      cfg,
		sim:      sim,
		client:   client,
		store:    store,
		fetch:    fetch,
		c:        c,
		pgPool:   pgPool,
		models:   models,
		routines: routines,
		sched:    sched,
		run:      runnerComp,
		beat:     beat,
		logs:     logs,
		notifier: notifier,
		identity: identity,
	}, nil
}

// bootstrap performs the one-time startup sequence that must succeed
// before any background activity is started: probe the control plane,
// then upsert this connector's simulator definition and integration
// identity.
func (r *ConnectorRuntime) bootstrap(ctx context.Context) error {
	if err := r.client.InspectToken(ctx); err != nil {
		return errs.Wrap(errs.KindNetworkAuth, "probe control plane token", err)
	}

	if err := r.sim.Initialize(ctx); err != nil {
		return errs.Wrap(errs.KindSimulatorFailure, "initialize simulator automation layer", err)
	}

	if err := r.client.UpsertSimulator(ctx, controlplane.Simulator{
		ExternalID: r.cfg.Simulator,
		Name:       r.cfg.Simulator,
	}); err != nil {
		return errs.Wrap(errs.KindControlPlaneGone, "upsert simulator definition", err)
	}

	r.identity.IntegrationExternalID = fmt.Sprintf("%s%s", r.cfg.Connector.NamePrefix, r.cfg.Simulator)
	if err := r.client.UpsertIntegration(ctx, r.identity); err != nil {
		return errs.Wrap(errs.KindControlPlaneGone, "upsert integration identity", err)
	}

	if err := r.models.Init(ctx); err != nil {
		return errs.Wrap(errs.KindControlPlaneGone, "initialize model library", err)
	}
	if err := r.routines.Init(ctx); err != nil {
		return errs.Wrap(errs.KindControlPlaneGone, "initialize routine library", err)
	}
	return nil
}

// tasks collects every component's background activities into one list.
func (r *ConnectorRuntime) tasks() []RunTask {
	var all []RunTask
	for _, t := range r.models.GetRunTasks() {
		all = append(all, RunTask(t))
	}
	for _, t := range r.routines.GetRunTasks() {
		all = append(all, RunTask(t))
	}
	for _, t := range r.sched.GetRunTasks() {
		all = append(all, RunTask(t))
	}
	for _, t := range r.run.GetRunTasks() {
		all = append(all, RunTask(t))
	}
	for _, t := range r.beat.GetRunTasks() {
		all = append(all, RunTask(t))
	}
	return all
}

// Run starts the connector and blocks until ctx is cancelled. A fatal
// error from any supervised activity stops the group, drains in-flight
// work, and restarts the whole group after cfg.Runtime.RestartDelay.
// Cancelling ctx stops the loop for good.
func (r *ConnectorRuntime) Run(ctx context.Context) error {
	if observability.Enabled() {
		defer func() {
			shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = observability.Shutdown(shutCtx)
		}()
	}
	defer func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.sim.PreShutdown(shutCtx); err != nil {
			logging.Op().Warn("runtime: simulator pre-shutdown failed", "error", err)
		}
	}()

	for {
		if err := r.bootstrap(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logging.Op().Error("runtime: bootstrap failed, retrying after restart delay", "error", err)
			if !sleepOrDone(ctx, r.cfg.Runtime.RestartDelay) {
				return nil
			}
			continue
		}

		groupCtx, cancel := context.WithCancel(ctx)
		fatal, done := r.superviseOnce(groupCtx)
		cancel()
		r.drain(done, r.cfg.Runtime.DrainTimeout)

		if ctx.Err() != nil {
			return nil
		}
		if fatal == nil {
			// every task returned nil: a clean, voluntary stop.
			return nil
		}

		logging.Op().Error("runtime: supervised group failed, restarting", "error", fatal, "delay", r.cfg.Runtime.RestartDelay)
		if !sleepOrDone(ctx, r.cfg.Runtime.RestartDelay) {
			return nil
		}
	}
}

// superviseOnce starts every task and waits for either groupCtx to be
// cancelled (voluntary stop, returns nil) or the first task to return a
// non-nil error (fatal, returns that error). It returns immediately once
// the outcome is known; done closes once every task has actually
// returned, which the caller uses to bound how long it waits for the
// group to drain before restarting.
func (r *ConnectorRuntime) superviseOnce(groupCtx context.Context) (error, <-chan struct{}) {
	tasks := r.tasks()
	errCh := make(chan error, len(tasks))
	var wg sync.WaitGroup
	wg.Add(len(tasks))
	for _, t := range tasks {
		t := t
		go func() {
			defer wg.Done()
			errCh <- t(groupCtx)
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	for {
		select {
		case <-groupCtx.Done():
			return nil, done
		case err := <-errCh:
			if err != nil {
				return err, done
			}
			// a voluntary nil return from one task; keep waiting on the rest.
		case <-done:
			return nil, done
		}
	}
}

// drain waits (bounded by timeout) for every supervised task to actually
// return after cancellation, then stops the batched log sink with a
// best-effort final flush so in-flight work gets a bounded chance to
// finish before the process moves on.
func (r *ConnectorRuntime) drain(done <-chan struct{}, timeout time.Duration) {
	select {
	case <-done:
	case <-time.After(timeout):
		logging.Op().Warn("runtime: timed out waiting for supervised tasks to drain", "timeout", timeout)
	}
	r.logs.Shutdown(timeout)
}

// Close releases held resources. It does not stop a running Run loop;
// callers cancel the context passed to Run for that.
func (r *ConnectorRuntime) Close() error {
	if r.notifier != nil {
		_ = r.notifier.Close()
	}
	if r.c != nil {
		_ = r.c.Close()
	}
	if r.pgPool != nil {
		r.pgPool.Close()
	}
	return r.store.Close()
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
