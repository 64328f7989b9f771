// Package modellibrary is the connector's authoritative local view of
// model revisions. It keeps an on-disk cache of model files and their
// external dependencies, materialized through FileFetcher and parsed
// through a simulator.Client, converging against the control plane on a
// timer and on demand.
package modellibrary

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cognitedata/simulator-connector/internal/cache"
	"github.com/cognitedata/simulator-connector/internal/controlplane"
	"github.com/cognitedata/simulator-connector/internal/domain"
	"github.com/cognitedata/simulator-connector/internal/errs"
	"github.com/cognitedata/simulator-connector/internal/filefetcher"
	"github.com/cognitedata/simulator-connector/internal/logging"
	"github.com/cognitedata/simulator-connector/internal/simulator"
	"github.com/cognitedata/simulator-connector/internal/statestore"
	"github.com/cognitedata/simulator-connector/internal/taskholder"
)

const statesTable = "model_states"

// Config configures a Library.
type Config struct {
	SimulatorExternalID  string
	FilesDirectory       string
	LibraryUpdateInterval time.Duration
	PersistInterval       time.Duration
}

// Library is the connector's ModelLibrary component.
type Library struct {
	cfg    Config
	store  *statestore.Store
	client *controlplane.Client
	fetch  *filefetcher.Fetcher
	sim    simulator.Client
	cache  cache.Cache // optional, may be nil

	revisionHolder *taskholder.Holder[string, *domain.LocalModelState]
	fileHolder     *taskholder.Holder[string, string] // keyed by "<filesDir>:<fileId>"

	mu         sync.RWMutex
	states     map[string]*domain.LocalModelState // by ModelRevision.ExternalID
	tempStates map[string]*domain.LocalModelState // hot-reload working set
	dirty      map[string]bool
}

// New constructs a Library. Init must be called before use.
func New(cfg Config, store *statestore.Store, client *controlplane.Client, fetch *filefetcher.Fetcher, sim simulator.Client, c cache.Cache) (*Library, error) {
	if cfg.FilesDirectory == "" {
		cfg.FilesDirectory = "./files"
	}
	if cfg.LibraryUpdateInterval <= 0 {
		cfg.LibraryUpdateInterval = time.Minute
	}
	if cfg.PersistInterval <= 0 {
		cfg.PersistInterval = 30 * time.Second
	}

	revisionHolder, err := taskholder.New[string, *domain.LocalModelState]()
	if err != nil {
		return nil, err
	}
	fileHolder, err := taskholder.New[string, string]()
	if err != nil {
		return nil, err
	}

	return &Library{
		cfg:            cfg,
		store:          store,
		client:         client,
		fetch:          fetch,
		sim:            sim,
		cache:          c,
		revisionHolder: revisionHolder,
		fileHolder:     fileHolder,
		states:         make(map[string]*domain.LocalModelState),
		tempStates:     make(map[string]*domain.LocalModelState),
		dirty:          make(map[string]bool),
	}, nil
}

// Init loads persisted state, validating each entry's primary file
// against the local filesystem: a state whose recorded local file is
// missing on disk is demoted to file-absent and will be re-downloaded on
// next access. No background activity is started here.
func (l *Library) Init(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.store.ScanTable(ctx, statesTable, func(id string, _ time.Time, payload json.RawMessage) error {
		var state domain.LocalModelState
		if err := json.Unmarshal(payload, &state); err != nil {
			logging.Op().Error("model library init: corrupt persisted state, skipping", "externalId", id, "error", err)
			return nil
		}
		validateAgainstDisk(&state)
		l.states[id] = &state
		return nil
	})
}

// RunTask is one long-running activity GetRunTasks returns.
type RunTask func(ctx context.Context) error

// GetRunTasks returns the library's background convergence activities:
// a periodic remote list, a periodic retry of not-yet-materialized
// revisions, and a periodic persistence flush.
func (l *Library) GetRunTasks() []RunTask {
	return []RunTask{
		l.runListLoop,
		l.runConvergenceLoop,
		l.runPersistLoop,
	}
}

func (l *Library) runListLoop(ctx context.Context) error {
	ticker := time.NewTicker(l.cfg.LibraryUpdateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := l.syncFromRemote(ctx); err != nil {
				logging.Op().Warn("model library: remote sync failed", "error", err)
			}
		}
	}
}

func (l *Library) syncFromRemote(ctx context.Context) error {
	cursor := ""
	for {
		page, err := l.client.ListModelRevisions(ctx, l.cfg.SimulatorExternalID, cursor, 100)
		if err != nil {
			return errs.Wrap(errs.KindNetworkTransient, "list model revisions", err)
		}
		l.mu.Lock()
		for _, rev := range page.Items {
			existing, ok := l.states[rev.ExternalID]
			if !ok {
				l.states[rev.ExternalID] = newDiscoveredState(rev)
				l.dirty[rev.ExternalID] = true
				continue
			}
			if rev.ParsingStatus == domain.ParsingUnknown && existing.State != domain.StateNeedsReparse {
				existing.State = domain.StateNeedsReparse
				existing.Processed = false
				existing.DownloadAttempts = 0
				l.dirty[rev.ExternalID] = true
			}
			existing.ModelRevision = rev
		}
		l.mu.Unlock()
		if page.NextCursor == "" {
			return nil
		}
		cursor = page.NextCursor
	}
}

// runConvergenceLoop retries revisions left in a non-terminal state by a
// prior materialization attempt (e.g. TooLargeToDownloadNow).
func (l *Library) runConvergenceLoop(ctx context.Context) error {
	ticker := time.NewTicker(l.cfg.LibraryUpdateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, externalID := range l.pendingExternalIDs() {
				if _, err := l.GetModelRevision(ctx, externalID); err != nil {
					logging.Op().Warn("model library: convergence retry failed", "externalId", externalID, "error", err)
				}
			}
		}
	}
}

func (l *Library) pendingExternalIDs() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []string
	for id, s := range l.states {
		if !s.Ready() {
			out = append(out, id)
		}
	}
	return out
}

func (l *Library) runPersistLoop(ctx context.Context) error {
	ticker := time.NewTicker(l.cfg.PersistInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return l.flushDirty(context.Background())
		case <-ticker.C:
			if err := l.flushDirty(ctx); err != nil {
				logging.Op().Warn("model library: persist flush failed", "error", err)
			}
		}
	}
}

func (l *Library) flushDirty(ctx context.Context) error {
	l.mu.Lock()
	toFlush := make(map[string]*domain.LocalModelState, len(l.dirty))
	for id := range l.dirty {
		if s, ok := l.states[id]; ok {
			toFlush[id] = s.Clone()
		}
		delete(l.dirty, id)
	}
	l.mu.Unlock()

	var firstErr error
	for id, s := range toFlush {
		if err := l.store.Upsert(ctx, statesTable, id, s); err != nil {
			logging.Op().Error("model library: state store write failed, will retry", "externalId", id, "error", err)
			l.mu.Lock()
			l.dirty[id] = true
			l.mu.Unlock()
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// GetModelRevision returns the fully-materialized local state for
// externalID. If not yet known or not yet ready, a single materialization
// runs via the per-revision TaskHolder; concurrent callers for the same
// external id share the in-flight work and observe the same result.
func (l *Library) GetModelRevision(ctx context.Context, externalID string) (*domain.LocalModelState, error) {
	if c := l.cacheGet(ctx, externalID); c != nil {
		return c, nil
	}

	l.mu.RLock()
	_, inMain := l.states[externalID]
	l.mu.RUnlock()

	state, err := l.revisionHolder.ExecuteAsync(ctx, externalID, func(ctx context.Context) (*domain.LocalModelState, error) {
		return l.materialize(ctx, externalID, inMain)
	})
	if err != nil {
		return nil, err
	}
	l.cacheSet(ctx, externalID, state)
	return state, nil
}

// GetModelRevisionByID returns the cached state for the model revision
// whose numeric ModelRevision.ID matches id, as used by SimulationRun's
// ModelRevisionID (the control plane's wire format ties runs to revisions
// by numeric id, not external id). Unlike GetModelRevision this never
// looks a revision up remotely by itself — id is only meaningful once the
// revision has already been discovered by syncFromRemote or by an earlier
// GetModelRevision call (whose on-demand result lives in tempStates).
func (l *Library) GetModelRevisionByID(ctx context.Context, id int64) (*domain.LocalModelState, error) {
	l.mu.RLock()
	var externalID string
	for _, s := range l.states {
		if s.ID == id {
			externalID = s.ExternalID
			break
		}
	}
	if externalID == "" {
		for _, s := range l.tempStates {
			if s.ID == id {
				externalID = s.ExternalID
				break
			}
		}
	}
	l.mu.RUnlock()

	if externalID == "" {
		return nil, errs.New(errs.KindNotFound, fmt.Sprintf("model revision id %d not known locally", id))
	}
	return l.GetModelRevision(ctx, externalID)
}

// WipeTemporaryModelFiles removes the hot-reload working subtree and
// clears the temporary-state map.
func (l *Library) WipeTemporaryModelFiles() error {
	l.mu.Lock()
	l.tempStates = make(map[string]*domain.LocalModelState)
	l.mu.Unlock()

	tempDir := filepath.Join(l.cfg.FilesDirectory, "temp")
	if err := os.RemoveAll(tempDir); err != nil {
		return errs.Wrap(errs.KindUnknown, "wipe temporary model files", err)
	}
	return nil
}

func newDiscoveredState(rev domain.ModelRevision) *domain.LocalModelState {
	deps := make([]domain.DependencyFile, 0, len(rev.Dependencies))
	for _, d := range rev.Dependencies {
		deps = append(deps, domain.DependencyFile{FileID: d.FileID, Arguments: d.Arguments})
	}
	return &domain.LocalModelState{
		ModelRevision:   rev,
		State:           domain.StateDiscovered,
		DependencyFiles: deps,
		LastUpdatedTime: time.Now().UTC(),
	}
}

func validateAgainstDisk(state *domain.LocalModelState) {
	if state.LocalFilePath != "" {
		if _, err := os.Stat(state.LocalFilePath); err != nil {
			state.LocalFilePath = ""
			state.Processed = false
			state.State = domain.StateFileAbsent
		}
	}
	for i := range state.DependencyFiles {
		dep := &state.DependencyFiles[i]
		if dep.LocalPath != "" {
			if _, err := os.Stat(dep.LocalPath); err != nil {
				dep.LocalPath = ""
			}
		}
	}
}

func primaryFilePath(filesDir string, fileID int64, ext string) string {
	name := fmt.Sprintf("%d", fileID)
	if ext != "" {
		name = name + "." + ext
	}
	return filepath.Join(filesDir, fmt.Sprintf("%d", fileID), name)
}

const cacheKeyPrefix = "modellibrary:state:"

func (l *Library) cacheGet(ctx context.Context, externalID string) *domain.LocalModelState {
	if l.cache == nil {
		return nil
	}
	raw, err := l.cache.Get(ctx, cacheKeyPrefix+externalID)
	if err != nil {
		return nil
	}
	var state domain.LocalModelState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil
	}
	return &state
}

func (l *Library) cacheSet(ctx context.Context, externalID string, state *domain.LocalModelState) {
	if l.cache == nil || !state.Ready() {
		return
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return
	}
	_ = l.cache.Set(ctx, cacheKeyPrefix+externalID, raw, 30*time.Second)
}
