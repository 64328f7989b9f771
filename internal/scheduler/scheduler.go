// Package scheduler evaluates cron schedules on routine revisions and
// creates ready simulation runs at the computed fire times. It keeps its
// own robfig/cron/v3 parser and per-entry bookkeeping under a mutex,
// with the cron.Cron goroutine/clock replaced by an injected TimeManager
// so tests can drive fire times without sleeping in wall-clock time.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/cognitedata/simulator-connector/internal/controlplane"
	"github.com/cognitedata/simulator-connector/internal/domain"
	"github.com/cognitedata/simulator-connector/internal/errs"
	"github.com/cognitedata/simulator-connector/internal/logging"
	"github.com/cognitedata/simulator-connector/internal/metrics"
	"github.com/cognitedata/simulator-connector/internal/queue"
	"github.com/cognitedata/simulator-connector/internal/routinelibrary"
	"github.com/robfig/cron/v3"
)

// TimeManager abstracts wall-clock reads and delay waits so scheduling
// logic is testable without real sleeps.
type TimeManager interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// realTimeManager is the production TimeManager, backed by the actual
// clock.
type realTimeManager struct{}

func (realTimeManager) Now() time.Time                       { return time.Now() }
func (realTimeManager) After(d time.Duration) <-chan time.Time { return time.After(d) }

// NewRealTimeManager returns the wall-clock-backed TimeManager.
func NewRealTimeManager() TimeManager { return realTimeManager{} }

// Config configures a Scheduler.
type Config struct {
	SchedulerUpdateInterval time.Duration

	// Notifier wakes the runner's claim loop as soon as a scheduled run is
	// created, instead of leaving it to wait out its next poll tick. Nil
	// falls back to queue.NoopNotifier (pure polling).
	Notifier queue.Notifier
}

// Scheduler is the connector's Scheduler component.
type Scheduler struct {
	cfg      Config
	client   *controlplane.Client
	lib      *routinelibrary.Library
	tm       TimeManager
	notifier queue.Notifier
	parser   cron.Parser

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	exprs   map[string]string // externalID -> cron expression currently scheduled
	wg      sync.WaitGroup
}

// New constructs a Scheduler. tm may be nil, in which case the real
// wall clock is used.
func New(cfg Config, client *controlplane.Client, lib *routinelibrary.Library, tm TimeManager) *Scheduler {
	if cfg.SchedulerUpdateInterval <= 0 {
		cfg.SchedulerUpdateInterval = 30 * time.Second
	}
	if tm == nil {
		tm = NewRealTimeManager()
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = queue.NewNoopNotifier()
	}
	return &Scheduler{
		cfg:      cfg,
		client:   client,
		lib:      lib,
		tm:       tm,
		notifier: notifier,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		cancels:  make(map[string]context.CancelFunc),
		exprs:    make(map[string]string),
	}
}

// RunTask is the long-running activity GetRunTasks returns.
type RunTask func(ctx context.Context) error

// GetRunTasks returns the scheduler's single background convergence
// activity: a periodic re-evaluation of which routine revisions declare
// a schedule, keeping per-revision fire loops in sync with the library.
func (s *Scheduler) GetRunTasks() []RunTask {
	return []RunTask{s.runConvergenceLoop}
}

func (s *Scheduler) runConvergenceLoop(ctx context.Context) error {
	s.reconcile(ctx)

	ticker := time.NewTicker(s.cfg.SchedulerUpdateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.stopAll()
			return nil
		case <-ticker.C:
			s.reconcile(ctx)
		}
	}
}

// reconcile adds a fire loop for every newly-scheduled or re-scheduled
// routine revision and removes the loop for any revision that no longer
// declares a schedule, at most SchedulerUpdateInterval apart.
func (s *Scheduler) reconcile(ctx context.Context) {
	revs := s.lib.ScheduledRevisions()

	seen := make(map[string]*domain.RoutineRevision, len(revs))
	for _, rev := range revs {
		seen[rev.ExternalID] = rev
	}

	s.mu.Lock()
	known := make(map[string]string, len(s.exprs))
	for id, expr := range s.exprs {
		known[id] = expr
	}
	s.mu.Unlock()

	for id, rev := range seen {
		if prevExpr, ok := known[id]; !ok || prevExpr != rev.Configuration.Schedule {
			if err := s.Add(ctx, rev); err != nil {
				logging.Op().Warn("scheduler: failed to register schedule", "routineExternalId", id, "error", err)
			}
		}
	}
	for id := range known {
		if _, ok := seen[id]; !ok {
			s.Remove(id)
		}
	}
}

// Add registers (or replaces) the fire loop for rev, re-parsing its cron
// expression. A revision whose expression changed remotely is re-parsed
// here, on the next library update.
func (s *Scheduler) Add(ctx context.Context, rev *domain.RoutineRevision) error {
	schedule, err := s.parser.Parse(rev.Configuration.Schedule)
	if err != nil {
		return errs.Wrap(errs.KindInvalidArgument, "parse cron schedule", err)
	}

	s.mu.Lock()
	if cancel, ok := s.cancels[rev.ExternalID]; ok {
		cancel()
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancels[rev.ExternalID] = cancel
	s.exprs[rev.ExternalID] = rev.Configuration.Schedule
	s.mu.Unlock()

	s.wg.Add(1)
	go s.runFireLoop(runCtx, rev.ExternalID, schedule)
	return nil
}

// Remove unregisters the fire loop for externalID, if any.
func (s *Scheduler) Remove(externalID string) {
	s.mu.Lock()
	if cancel, ok := s.cancels[externalID]; ok {
		cancel()
		delete(s.cancels, externalID)
	}
	delete(s.exprs, externalID)
	s.mu.Unlock()
}

func (s *Scheduler) stopAll() {
	s.mu.Lock()
	for id, cancel := range s.cancels {
		cancel()
		delete(s.cancels, id)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// NextJobDelayAndRunTime computes how long to wait before schedule next
// fires relative to now, and the canonical epoch-millisecond run time to
// stamp on the created run.
func NextJobDelayAndRunTime(schedule cron.Schedule, now time.Time) (time.Duration, int64) {
	next := schedule.Next(now)
	return next.Sub(now), next.UnixMilli()
}

func (s *Scheduler) runFireLoop(ctx context.Context, externalID string, schedule cron.Schedule) {
	defer s.wg.Done()
	for {
		delay, runTimeMillis := NextJobDelayAndRunTime(schedule, s.tm.Now())
		select {
		case <-ctx.Done():
			return
		case <-s.tm.After(delay):
			s.fire(ctx, externalID, runTimeMillis)
		}
	}
}

func (s *Scheduler) fire(ctx context.Context, externalID string, runTimeMillis int64) {
	_, err := s.client.CreateSimulationRuns(ctx, []controlplane.CreateSimulationRunRequest{{
		RoutineExternalID:       externalID,
		RunType:                 domain.RunTypeScheduled,
		RequestedSimulationTime: runTimeMillis,
	}})
	if err != nil {
		logging.Op().Warn("scheduler: failed to create scheduled run", "routineExternalId", externalID, "error", err)
		return
	}
	metrics.RecordSchedulerFire(externalID)
	logging.Op().Debug("scheduler: created scheduled run", "routineExternalId", externalID, "runTime", runTimeMillis)

	if err := s.notifier.Notify(ctx, queue.QueueRunnerClaims); err != nil {
		logging.Op().Warn("scheduler: failed to push runner wakeup", "routineExternalId", externalID, "error", err)
	}
}
