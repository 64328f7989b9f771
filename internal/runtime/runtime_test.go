package runtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cognitedata/simulator-connector/internal/config"
	"github.com/cognitedata/simulator-connector/internal/domain"
	"github.com/cognitedata/simulator-connector/internal/simulator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSim is a minimal no-op simulator.Client double. ConnectorRuntime
// itself calls Initialize during bootstrap and PreShutdown on the way
// out; RunCommand/ExtractModelInformation/RunSimulation are exercised by
// the components that own the run lifecycle, not by ConnectorRuntime.
type fakeSim struct{}

func (fakeSim) Initialize(context.Context) error  { return nil }
func (fakeSim) PreShutdown(context.Context) error { return nil }
func (fakeSim) RunCommand(context.Context, simulator.RunCommandRequest) (simulator.RunCommandResult, error) {
	return simulator.RunCommandResult{}, nil
}
func (fakeSim) ExtractModelInformation(context.Context, *domain.LocalModelState) (simulator.ParseResult, error) {
	return simulator.ParseResult{Status: domain.ParsingSuccess}, nil
}
func (fakeSim) RunSimulation(context.Context, *domain.LocalModelState, *domain.RoutineRevision, []simulator.SimulationInput) (map[string]float64, error) {
	return nil, nil
}

var _ simulator.Client = fakeSim{}

// controlPlaneDouble plays every remote endpoint ConnectorRuntime's
// bootstrap and component construction touch: token inspect, simulator
// and integration upsert, the routine library's initial sync, and the
// runner's/heartbeat's steady-state calls.
type controlPlaneDouble struct {
	*httptest.Server

	mu           sync.Mutex
	tokenOK      bool
	upsertedSim  []string
	upsertedInts int
	heartbeats   int
}

func newControlPlaneDouble(t *testing.T) *controlPlaneDouble {
	t.Helper()
	d := &controlPlaneDouble{tokenOK: true}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/token/inspect", func(w http.ResponseWriter, r *http.Request) {
		d.mu.Lock()
		ok := d.tokenOK
		d.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusUnauthorized)
		}
	})
	mux.HandleFunc("/api/v1/simulators", func(w http.ResponseWriter, r *http.Request) {
		d.mu.Lock()
		d.upsertedSim = append(d.upsertedSim, r.URL.Path)
		d.mu.Unlock()
	})
	mux.HandleFunc("/api/v1/simulators/integrations", func(w http.ResponseWriter, r *http.Request) {
		d.mu.Lock()
		d.upsertedInts++
		d.mu.Unlock()
	})
	mux.HandleFunc("/api/v1/simulators/integrations/", func(w http.ResponseWriter, r *http.Request) {
		d.mu.Lock()
		d.heartbeats++
		d.mu.Unlock()
	})
	mux.HandleFunc("/api/v1/simulators/routines/revisions/list", func(w http.ResponseWriter, r *http.Request) {
		var out struct {
			Items      []domain.RoutineRevision `json:"items"`
			NextCursor string                   `json:"nextCursor,omitempty"`
		}
		_ = json.NewEncoder(w).Encode(out)
	})
	mux.HandleFunc("/api/v1/simulators/models/revisions/list", func(w http.ResponseWriter, r *http.Request) {
		var out struct {
			Items      []domain.ModelRevision `json:"items"`
			NextCursor string                 `json:"nextCursor,omitempty"`
		}
		_ = json.NewEncoder(w).Encode(out)
	})
	mux.HandleFunc("/api/v1/simulators/runs/list", func(w http.ResponseWriter, r *http.Request) {
		var out struct {
			Items []domain.SimulationRun `json:"items"`
		}
		_ = json.NewEncoder(w).Encode(out)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	d.Server = httptest.NewServer(mux)
	t.Cleanup(d.Close)
	return d
}

func testConfig(t *testing.T, baseURL string) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Simulator = "test-sim"
	cfg.ControlPlane.Host = baseURL
	cfg.ControlPlane.Project = "test-project"
	cfg.StateStore.Path = filepath.Join(t.TempDir(), "state.db")
	cfg.Connector.ModelLibrary.FilesDirectory = filepath.Join(t.TempDir(), "files")
	cfg.Connector.ModelLibrary.LibraryUpdateInterval = time.Hour
	cfg.Connector.RoutineLibrary.LibraryUpdateInterval = time.Hour
	cfg.Connector.Scheduler.UpdateInterval = time.Hour
	cfg.Connector.Runner.Workers = 1
	cfg.Connector.Runner.PollInterval = time.Hour
	cfg.Connector.StatusInterval = time.Hour
	cfg.Runtime.RestartDelay = 20 * time.Millisecond
	cfg.Runtime.DrainTimeout = 200 * time.Millisecond
	return cfg
}

func TestNewRejectsNilArguments(t *testing.T) {
	cfg := config.DefaultConfig()
	_, err := New(nil, fakeSim{})
	require.Error(t, err)

	_, err = New(cfg, nil)
	require.Error(t, err)
}

func TestNewWiresEveryComponent(t *testing.T) {
	d := newControlPlaneDouble(t)
	cfg := testConfig(t, d.URL)

	rt, err := New(cfg, fakeSim{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })

	assert.NotNil(t, rt.models)
	assert.NotNil(t, rt.routines)
	assert.NotNil(t, rt.sched)
	assert.NotNil(t, rt.run)
	assert.NotNil(t, rt.beat)
	assert.NotNil(t, rt.logs)

	tasks := rt.tasks()
	assert.NotEmpty(t, tasks)
}

func TestBootstrapUpsertsSimulatorAndIntegration(t *testing.T) {
	d := newControlPlaneDouble(t)
	cfg := testConfig(t, d.URL)

	rt, err := New(cfg, fakeSim{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })

	require.NoError(t, rt.bootstrap(context.Background()))

	d.mu.Lock()
	defer d.mu.Unlock()
	assert.Len(t, d.upsertedSim, 1)
	assert.Equal(t, 1, d.upsertedInts)
	assert.Equal(t, "connectortest-sim", rt.identity.IntegrationExternalID)
}

func TestBootstrapFailsOnAuthRejection(t *testing.T) {
	d := newControlPlaneDouble(t)
	d.tokenOK = false
	cfg := testConfig(t, d.URL)

	rt, err := New(cfg, fakeSim{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })

	err = rt.bootstrap(context.Background())
	require.Error(t, err)
}

func TestRunStopsGracefullyOnContextCancel(t *testing.T) {
	d := newControlPlaneDouble(t)
	cfg := testConfig(t, d.URL)

	rt, err := New(cfg, fakeSim{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestRunRestartsAfterBootstrapFailureThenStops(t *testing.T) {
	d := newControlPlaneDouble(t)
	d.mu.Lock()
	d.tokenOK = false
	d.mu.Unlock()
	cfg := testConfig(t, d.URL)

	rt, err := New(cfg, fakeSim{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()

	// let a couple of failed-bootstrap-then-restart-delay cycles elapse
	time.Sleep(80 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
