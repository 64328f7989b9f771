// Package runner claims ready simulation runs and drives them through the
// run lifecycle: claim, fetch the routine and model revisions, assemble
// inputs, invoke the simulator, persist outputs, report status, and
// flush the run's buffered logs. It is the connector's busiest
// component, built around a fixed, non-adaptive worker pool with the
// per-job body carrying this lifecycle.
package runner

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cognitedata/simulator-connector/internal/controlplane"
	"github.com/cognitedata/simulator-connector/internal/domain"
	"github.com/cognitedata/simulator-connector/internal/errs"
	"github.com/cognitedata/simulator-connector/internal/logging"
	"github.com/cognitedata/simulator-connector/internal/logsink"
	"github.com/cognitedata/simulator-connector/internal/metrics"
	"github.com/cognitedata/simulator-connector/internal/modellibrary"
	"github.com/cognitedata/simulator-connector/internal/observability"
	"github.com/cognitedata/simulator-connector/internal/queue"
	"github.com/cognitedata/simulator-connector/internal/routinelibrary"
	"github.com/cognitedata/simulator-connector/internal/samplingwindow"
	"github.com/cognitedata/simulator-connector/internal/simulator"
)

const (
	defaultWorkers      = 8
	defaultPollInterval = 2 * time.Second
	defaultClaimLimit   = 16
	defaultRunTimeout   = 10 * time.Minute
)

// Config configures a Runner.
type Config struct {
	SimulatorExternalID string
	Workers             int
	PollInterval        time.Duration
	ClaimLimit          int
	RunTimeout          time.Duration
	Notifier            queue.Notifier // optional push-based wakeup between poll ticks
	// MinLogSeverity is the connector-wide log filter floor
	// (observability.logging.remote.level). A run's own LogSeverityOverride, when set,
	// replaces this floor for that run only.
	MinLogSeverity domain.LogSeverity
}

// Runner claims ready simulation runs and drives each to a terminal
// status, up to a fixed worker concurrency cap.
type Runner struct {
	cfg      Config
	client   *controlplane.Client
	models   *modellibrary.Library
	routines *routinelibrary.Library
	sim      simulator.Client
	logs     *logsink.Batcher
	notifier queue.Notifier

	taskCh chan domain.SimulationRun

	logFloorMu sync.Mutex
	logFloors  map[int64]domain.LogSeverity // per-run filter override, set for the run's lifetime
}

// New constructs a Runner. None of the collaborators are started here —
// GetRunTasks returns the long-running activities ConnectorRuntime runs.
func New(cfg Config, client *controlplane.Client, models *modellibrary.Library, routines *routinelibrary.Library, sim simulator.Client, logs *logsink.Batcher) *Runner {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.ClaimLimit <= 0 {
		cfg.ClaimLimit = defaultClaimLimit
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = defaultRunTimeout
	}
	if cfg.MinLogSeverity == "" {
		cfg.MinLogSeverity = domain.SeverityInfo
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = queue.NewNoopNotifier()
	}

	return &Runner{
		cfg:       cfg,
		client:    client,
		models:    models,
		routines:  routines,
		sim:       sim,
		logs:      logs,
		notifier:  notifier,
		taskCh:    make(chan domain.SimulationRun, cfg.Workers*cfg.ClaimLimit),
		logFloors: make(map[int64]domain.LogSeverity),
	}
}

// RunTask is one long-running activity GetRunTasks returns.
type RunTask func(ctx context.Context) error

// GetRunTasks returns the runner's background activities: one poller that
// lists ready runs and dispatches them, and a fixed pool of workers that
// drain the dispatch channel.
func (r *Runner) GetRunTasks() []RunTask {
	tasks := make([]RunTask, 0, r.cfg.Workers+1)
	tasks = append(tasks, r.runPoller)
	for i := 0; i < r.cfg.Workers; i++ {
		workerID := i
		tasks = append(tasks, func(ctx context.Context) error {
			return r.runWorker(ctx, workerID)
		})
	}
	return tasks
}

func (r *Runner) runPoller(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	notifyCh := r.notifier.Subscribe(ctx, queue.QueueRunnerClaims)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.pollOnce(ctx)
		case <-notifyCh:
			r.pollOnce(ctx)
		}
	}
}

func (r *Runner) pollOnce(ctx context.Context) {
	runs, err := r.client.ListSimulationRuns(ctx, controlplane.ListReadyRunsFilter{
		SimulatorExternalID: r.cfg.SimulatorExternalID,
		Status:              domain.RunReady,
		Limit:               r.cfg.ClaimLimit,
	})
	if err != nil {
		logging.Op().Warn("runner: list ready runs failed", "error", err)
		return
	}
	for _, run := range runs {
		select {
		case r.taskCh <- run:
		default:
			logging.Op().Warn("runner: dispatch channel full, run will be retried next poll", "run_id", run.ID)
		}
	}
}

func (r *Runner) runWorker(ctx context.Context, id int) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case run := <-r.taskCh:
			r.processRun(ctx, id, run)
		}
	}
}

func (r *Runner) processRun(parent context.Context, workerID int, run domain.SimulationRun) {
	ctx, cancel := context.WithTimeout(parent, r.cfg.RunTimeout)
	defer cancel()
	r.setLogFloor(run.ID, run.LogSeverityOverride)
	defer r.flushLogs(run.ID)

	ctx, span := observability.StartSpan(ctx, "runner.process_run",
		observability.AttrRunID.Int64(run.ID),
		observability.AttrSimulatorExternalID.String(r.cfg.SimulatorExternalID),
	)
	defer span.End()

	claimedAt := time.Now()
	metrics.RecordRunClaimed()
	r.log(run.ID, domain.SeverityInfo, fmt.Sprintf("worker %d claimed run %d", workerID, run.ID))

	if err := r.client.UpdateSimulationRunStatus(ctx, run.ID, domain.RunRunning, "", 0); err != nil {
		// A transient claim-update failure is logged and simulation
		// continues; the terminal status update afterwards consolidates
		// the true outcome.
		logging.Op().Warn("runner: claim update failed, continuing", "run_id", run.ID, "error", err)
		r.log(run.ID, domain.SeverityWarning, "claim update failed: "+err.Error())
	}

	routine, model, inputs, err := r.prepare(ctx, run)
	if err != nil {
		observability.SetSpanError(span, err)
		r.fail(ctx, run.ID, claimedAt, err)
		return
	}
	span.SetAttributes(
		observability.AttrRoutineExternalID.String(routine.ExternalID),
		observability.AttrModelExternalID.String(model.ExternalID),
	)

	outputs, err := r.sim.RunSimulation(ctx, model, routine, inputs)
	if err != nil {
		wrapped := errs.Wrap(errs.KindSimulatorFailure, "run simulation", err)
		observability.SetSpanError(span, wrapped)
		r.fail(ctx, run.ID, claimedAt, wrapped)
		return
	}

	simulationTime := run.RequestedSimulationTime
	if simulationTime == 0 {
		simulationTime = time.Now().UTC().UnixMilli()
	}
	points := r.persistOutputs(ctx, run, routine, outputs, simulationTime)
	r.log(run.ID, domain.SeverityInfo, fmt.Sprintf("produced %d output values", len(points)))

	if err := r.client.UpdateSimulationRunStatus(ctx, run.ID, domain.RunSuccess, "", simulationTime); err != nil {
		logging.Op().Error("runner: terminal status update failed", "run_id", run.ID, "error", err)
		r.log(run.ID, domain.SeverityError, "terminal status update failed: "+err.Error())
	}
	metrics.RecordRunTerminal("success", time.Since(claimedAt))
	observability.SetSpanOK(span)
}

// prepare fetches the routine and model revisions and assembles the
// resolved simulator inputs, including the data-sampling window check
// and input-override resolution.
func (r *Runner) prepare(ctx context.Context, run domain.SimulationRun) (*domain.RoutineRevision, *domain.LocalModelState, []simulator.SimulationInput, error) {
	routine, err := r.routines.GetRoutineRevisionByID(run.RoutineRevisionID)
	if err != nil {
		return nil, nil, nil, errs.Wrap(errs.KindNotFound, "fetch routine revision", err)
	}

	model, err := r.models.GetModelRevisionByID(ctx, run.ModelRevisionID)
	if err != nil {
		return nil, nil, nil, errs.Wrap(errs.KindNotFound, "fetch model revision", err)
	}

	var window samplingwindow.Window
	sampling := routine.Configuration.DataSampling
	if sampling.Enabled {
		validationEnd := time.Now().UTC()
		if run.RequestedSimulationTime != 0 {
			validationEnd = time.UnixMilli(run.RequestedSimulationTime).UTC()
		}
		window, err = samplingwindow.Compute(sampling, routine.Configuration.SteadyState, routine.Configuration.LogicalCheck, validationEnd)
		if err != nil {
			return nil, nil, nil, errs.Wrap(errs.KindInvalidArgument, "compute sampling window", err)
		}
	}

	inputs, err := r.assembleInputs(ctx, routine, run, window, sampling.Enabled)
	if err != nil {
		return nil, nil, nil, err
	}
	return routine, model, inputs, nil
}

func (r *Runner) assembleInputs(ctx context.Context, routine *domain.RoutineRevision, run domain.SimulationRun, window samplingwindow.Window, sampled bool) ([]simulator.SimulationInput, error) {
	overrides := make(map[string]float64, len(run.InputOverrides))
	for _, o := range run.InputOverrides {
		v, err := o.Value.Float64()
		if err != nil {
			return nil, errs.Wrap(errs.KindInvalidArgument, "parse input override value", err)
		}
		overrides[o.ReferenceID] = v
	}

	inputs := make([]simulator.SimulationInput, 0, len(routine.Configuration.Inputs))
	for _, decl := range routine.Configuration.Inputs {
		if v, ok := overrides[decl.ReferenceID]; ok {
			inputs = append(inputs, simulator.SimulationInput{ReferenceID: decl.ReferenceID, Value: v, Overridden: true})
			continue
		}

		if !decl.IsTimeSeries {
			inputs = append(inputs, simulator.SimulationInput{ReferenceID: decl.ReferenceID, Value: decl.ConstantValue})
			continue
		}

		value, err := r.sampleTimeSeries(ctx, decl.TimeSeriesID, run, window, sampled)
		if err != nil {
			return nil, errs.Wrap(errs.KindNetworkTransient, "sample time series input", err)
		}
		inputs = append(inputs, simulator.SimulationInput{ReferenceID: decl.ReferenceID, Value: value})
	}
	return inputs, nil
}

func (r *Runner) sampleTimeSeries(ctx context.Context, timeSeriesID int64, run domain.SimulationRun, window samplingwindow.Window, sampled bool) (float64, error) {
	start, end := window.Start.UnixMilli(), window.End.UnixMilli()
	if !sampled {
		at := time.Now().UTC()
		if run.RequestedSimulationTime != 0 {
			at = time.UnixMilli(run.RequestedSimulationTime).UTC()
		}
		start, end = at.UnixMilli(), at.UnixMilli()
	}

	points, err := r.client.RetrieveTimeSeriesDataPoints(ctx, strconv.FormatInt(timeSeriesID, 10), start, end)
	if err != nil {
		return 0, err
	}
	if len(points) == 0 {
		return 0, nil
	}
	return points[len(points)-1].Value, nil
}

func (r *Runner) persistOutputs(ctx context.Context, run domain.SimulationRun, routine *domain.RoutineRevision, outputs map[string]float64, simulationTime int64) []domain.OutputDataPoint {
	points := make([]domain.OutputDataPoint, 0, len(outputs))
	for _, decl := range routine.Configuration.Outputs {
		value, ok := outputs[decl.ReferenceID]
		if !ok {
			continue
		}
		points = append(points, domain.OutputDataPoint{ReferenceID: decl.ReferenceID, Value: value, Timestamp: simulationTime})

		if decl.TimeSeriesID == 0 {
			continue
		}
		err := r.client.InsertTimeSeriesDataPoints(ctx, strconv.FormatInt(decl.TimeSeriesID, 10), []controlplane.DataPoint{
			{Timestamp: simulationTime, Value: value},
		})
		if err != nil {
			logging.Op().Warn("runner: persist output data point failed", "run_id", run.ID, "reference_id", decl.ReferenceID, "error", err)
			r.log(run.ID, domain.SeverityWarning, "persist output "+decl.ReferenceID+" failed: "+err.Error())
		}
	}
	return points
}

func (r *Runner) fail(ctx context.Context, runID int64, claimedAt time.Time, cause error) {
	logging.Op().Warn("runner: run failed", "run_id", runID, "error", cause)
	r.log(runID, domain.SeverityError, cause.Error())
	if err := r.client.UpdateSimulationRunStatus(ctx, runID, domain.RunFailure, cause.Error(), 0); err != nil {
		logging.Op().Error("runner: failure status update failed", "run_id", runID, "error", err)
	}
	metrics.RecordRunTerminal("failure", time.Since(claimedAt))
}

// setLogFloor records runID's per-run severity filter floor for the
// duration of its run. An empty override leaves the connector-wide floor
// (cfg.MinLogSeverity) in effect for this run.
func (r *Runner) setLogFloor(runID int64, override domain.LogSeverity) {
	if override == "" {
		return
	}
	r.logFloorMu.Lock()
	r.logFloors[runID] = override
	r.logFloorMu.Unlock()
}

func (r *Runner) logFloor(runID int64) domain.LogSeverity {
	r.logFloorMu.Lock()
	floor, ok := r.logFloors[runID]
	r.logFloorMu.Unlock()
	if !ok {
		return r.cfg.MinLogSeverity
	}
	return floor
}

// log buffers a run-scoped log entry, dropping it if its severity falls
// below the run's effective filter floor: the floor is per-run, and a
// run may request a debug override of the connector-wide level.
func (r *Runner) log(runID int64, severity domain.LogSeverity, message string) {
	if r.logs == nil {
		return
	}
	if !severity.Meets(r.logFloor(runID)) {
		return
	}
	r.logs.Enqueue(runID, domain.LogEntry{Timestamp: time.Now().UTC(), Severity: severity, Message: message})
}

func (r *Runner) flushLogs(runID int64) {
	r.logFloorMu.Lock()
	delete(r.logFloors, runID)
	r.logFloorMu.Unlock()

	if r.logs == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.logs.Flush(ctx, runID); err != nil {
		logging.Op().Warn("runner: log flush failed", "run_id", runID, "error", err)
	}
}
