package routinelibrary

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cognitedata/simulator-connector/internal/controlplane"
	"github.com/cognitedata/simulator-connector/internal/domain"
	"github.com/cognitedata/simulator-connector/internal/statestore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type routineTestServer struct {
	*httptest.Server

	mu          sync.Mutex
	pages       [][]domain.RoutineRevision
	byID        map[string]domain.RoutineRevision
	listCalls   int32
	retrieveHit int32
}

func newRoutineTestServer(t *testing.T, pages [][]domain.RoutineRevision) *routineTestServer {
	t.Helper()
	ts := &routineTestServer{pages: pages, byID: map[string]domain.RoutineRevision{}}
	mux := http.NewServeMux()

	mux.HandleFunc("/api/v1/simulators/routines/revisions/list", func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&ts.listCalls, 1) - 1
		var out controlplane.ListRoutineRevisionsPage
		if int(n) < len(ts.pages) {
			out.Items = ts.pages[n]
			if int(n) < len(ts.pages)-1 {
				out.NextCursor = "cursor-next"
			}
		}
		_ = json.NewEncoder(w).Encode(out)
	})
	mux.HandleFunc("/api/v1/simulators/routines/revisions/byids/", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&ts.retrieveHit, 1)
		id := r.URL.Path[len("/api/v1/simulators/routines/revisions/byids/"):]
		ts.mu.Lock()
		rev, ok := ts.byID[id]
		ts.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(rev)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	ts.Server = httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func newTestLibrary(t *testing.T, baseURL string) (*Library, *statestore.Store) {
	t.Helper()
	store, err := statestore.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	client := controlplane.New(controlplane.Config{BaseURL: baseURL, Project: "test-project"})
	lib, err := New(Config{SimulatorExternalID: "sim-1", LibraryUpdateInterval: time.Hour}, store, client)
	require.NoError(t, err)
	return lib, store
}

func TestInitPaginatesAcrossCursorPages(t *testing.T) {
	pages := [][]domain.RoutineRevision{
		{{ExternalID: "r1"}, {ExternalID: "r2"}},
		{{ExternalID: "r3"}},
	}
	ts := newRoutineTestServer(t, pages)
	lib, _ := newTestLibrary(t, ts.URL)

	require.NoError(t, lib.Init(context.Background()))
	assert.Equal(t, int32(2), atomic.LoadInt32(&ts.listCalls))

	for _, id := range []string{"r1", "r2", "r3"} {
		rev, err := lib.GetRoutineRevision(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, id, rev.ExternalID)
	}
}

func TestGetRoutineRevisionFetchesOnDemandWhenUncached(t *testing.T) {
	ts := newRoutineTestServer(t, nil)
	ts.byID["r-remote"] = domain.RoutineRevision{ExternalID: "r-remote", RoutineExternalID: "routine-1"}
	lib, _ := newTestLibrary(t, ts.URL)
	require.NoError(t, lib.Init(context.Background()))

	rev, err := lib.GetRoutineRevision(context.Background(), "r-remote")
	require.NoError(t, err)
	assert.Equal(t, "routine-1", rev.RoutineExternalID)
	assert.Equal(t, int32(1), atomic.LoadInt32(&ts.retrieveHit))

	// a second call for the same id must hit the now-populated cache, not
	// issue a second remote retrieve.
	_, err = lib.GetRoutineRevision(context.Background(), "r-remote")
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&ts.retrieveHit))
}

func TestGetRoutineRevisionUnknownIDErrors(t *testing.T) {
	ts := newRoutineTestServer(t, nil)
	lib, _ := newTestLibrary(t, ts.URL)
	require.NoError(t, lib.Init(context.Background()))

	_, err := lib.GetRoutineRevision(context.Background(), "does-not-exist")
	require.Error(t, err)
}

func TestInitPersistsExtractionRange(t *testing.T) {
	ts := newRoutineTestServer(t, [][]domain.RoutineRevision{{{ExternalID: "r1"}}})
	lib, store := newTestLibrary(t, ts.URL)

	require.NoError(t, lib.Init(context.Background()))

	r, err := store.RestoreExtractedRange(context.Background(), extractionScope)
	require.NoError(t, err)
	assert.False(t, r.LastUpdatedTo.IsZero())
	assert.Empty(t, r.Cursor)
}
