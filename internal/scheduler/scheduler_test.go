package scheduler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cognitedata/simulator-connector/internal/controlplane"
	"github.com/cognitedata/simulator-connector/internal/domain"
	"github.com/cognitedata/simulator-connector/internal/routinelibrary"
	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTimeManager lets a test fire a schedule without a real sleep: Now
// is fixed until advanced, and After returns an already-fired channel
// (up to fireLimit times), rather than reaching for a fake-clock library.
type fakeTimeManager struct {
	mu        sync.Mutex
	now       time.Time
	fireLimit int32 // 0 means unlimited
	fireCount int32
}

func newFakeTimeManager(start time.Time) *fakeTimeManager {
	return &fakeTimeManager{now: start}
}

func (f *fakeTimeManager) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// After fires immediately regardless of d, advancing the clock by d so
// NextJobDelayAndRunTime's next computation starts from the post-fire
// instant. This collapses "wait for the cron delay" into "happens now"
// for test purposes. Once fireLimit fires have been delivered, it
// returns a channel that never fires, so a test's fire loop parks
// instead of spinning once the scenario under test is done.
func (f *fakeTimeManager) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.fireLimit > 0 && f.fireCount >= f.fireLimit {
		return make(chan time.Time) // never sent to
	}
	f.fireCount++
	f.now = f.now.Add(d)
	fired := f.now

	ch := make(chan time.Time, 1)
	ch <- fired
	return ch
}

func newRunsCapturingServer(t *testing.T) (*httptest.Server, *int32, chan controlplane.CreateSimulationRunRequest) {
	t.Helper()
	var calls int32
	captured := make(chan controlplane.CreateSimulationRunRequest, 16)
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/simulators/runs", func(w http.ResponseWriter, r *http.Request) {
		var reqs []controlplane.CreateSimulationRunRequest
		_ = json.NewDecoder(r.Body).Decode(&reqs)
		for _, req := range reqs {
			atomic.AddInt32(&calls, 1)
			captured <- req
		}
		_ = json.NewEncoder(w).Encode(struct {
			Items []domain.SimulationRun `json:"items"`
		}{})
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts, &calls, captured
}

func TestNextJobDelayAndRunTime_ComputesNextMinuteBoundary(t *testing.T) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse("* * * * *")
	require.NoError(t, err)

	now := time.Date(2026, 1, 1, 10, 30, 15, 0, time.UTC)
	delay, runTime := NextJobDelayAndRunTime(sched, now)

	assert.Equal(t, 45*time.Second, delay)
	wantNext := time.Date(2026, 1, 1, 10, 31, 0, 0, time.UTC)
	assert.Equal(t, wantNext.UnixMilli(), runTime)
}

func TestAddFiresScheduledRunAtComputedTime(t *testing.T) {
	ts, calls, captured := newRunsCapturingServer(t)
	client := controlplane.New(controlplane.Config{BaseURL: ts.URL})
	tm := newFakeTimeManager(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	tm.fireLimit = 1
	s := New(Config{}, client, nil, tm)

	rev := &domain.RoutineRevision{
		ExternalID: "routine-rev-1",
		Configuration: domain.RoutineConfiguration{
			Schedule: "* * * * *",
		},
	}
	require.NoError(t, s.Add(context.Background(), rev))

	select {
	case req := <-captured:
		assert.Equal(t, "routine-rev-1", req.RoutineExternalID)
		assert.Equal(t, domain.RunTypeScheduled, req.RunType)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for scheduled run to be created")
	}
	assert.GreaterOrEqual(t, atomic.LoadInt32(calls), int32(1))

	s.Remove("routine-rev-1")
}

func TestAddRejectsInvalidCronExpression(t *testing.T) {
	client := controlplane.New(controlplane.Config{BaseURL: "http://127.0.0.1:0"})
	tm := newFakeTimeManager(time.Now())
	s := New(Config{}, client, nil, tm)

	err := s.Add(context.Background(), &domain.RoutineRevision{
		ExternalID:    "bad",
		Configuration: domain.RoutineConfiguration{Schedule: "not a cron expression"},
	})
	require.Error(t, err)
}

func TestReconcileWithEmptyLibrarySchedulesNothing(t *testing.T) {
	client := controlplane.New(controlplane.Config{BaseURL: "http://127.0.0.1:0"})
	lib, err := routinelibrary.New(routinelibrary.Config{SimulatorExternalID: "sim-1"}, nil, client)
	require.NoError(t, err)
	tm := newFakeTimeManager(time.Now())
	s := New(Config{}, client, lib, tm)

	s.reconcile(context.Background())
	s.mu.Lock()
	assert.Empty(t, s.exprs)
	s.mu.Unlock()
}
