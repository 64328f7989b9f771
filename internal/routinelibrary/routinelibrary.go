// Package routinelibrary is the connector's local, read-only catalog of
// routine revisions. Unlike ModelLibrary there is no file
// materialization step — a routine revision's configuration is embedded
// in the remote record — so this package is a cursor-paginated sync loop
// plus an on-demand lookup, deduplicated the same way ModelLibrary
// deduplicates fetches.
package routinelibrary

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cognitedata/simulator-connector/internal/controlplane"
	"github.com/cognitedata/simulator-connector/internal/domain"
	"github.com/cognitedata/simulator-connector/internal/errs"
	"github.com/cognitedata/simulator-connector/internal/logging"
	"github.com/cognitedata/simulator-connector/internal/statestore"
	"github.com/cognitedata/simulator-connector/internal/taskholder"
)

const extractionScope = "routines"

// Config configures a Library.
type Config struct {
	SimulatorExternalID string
	LibraryUpdateInterval time.Duration
	PageSize              int
}

// Library is the connector's RoutineLibrary component.
type Library struct {
	cfg    Config
	store  *statestore.Store
	client *controlplane.Client

	holder *taskholder.Holder[string, *domain.RoutineRevision]

	mu        sync.RWMutex
	revisions map[string]*domain.RoutineRevision // by RoutineRevision.ExternalID
	extracted statestore.ExtractionRange
}

// New constructs a Library. Init must be called before use.
func New(cfg Config, store *statestore.Store, client *controlplane.Client) (*Library, error) {
	if cfg.LibraryUpdateInterval <= 0 {
		cfg.LibraryUpdateInterval = time.Minute
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}

	holder, err := taskholder.New[string, *domain.RoutineRevision]()
	if err != nil {
		return nil, err
	}

	return &Library{
		cfg:       cfg,
		store:     store,
		client:    client,
		holder:    holder,
		revisions: make(map[string]*domain.RoutineRevision),
	}, nil
}

// Init restores the persisted extraction range, then performs an initial
// full cursor-paginated list so the catalog is warm before any caller
// reaches GetRoutineRevision.
func (l *Library) Init(ctx context.Context) error {
	r, err := l.store.RestoreExtractedRange(ctx, extractionScope)
	if err != nil {
		return errs.Wrap(errs.KindUnknown, "restore routine extraction range", err)
	}
	l.mu.Lock()
	l.extracted = r
	l.mu.Unlock()

	return l.syncFromRemote(ctx)
}

// RunTask is one long-running activity GetRunTasks returns.
type RunTask func(ctx context.Context) error

// GetRunTasks returns the library's single background convergence
// activity: a periodic cursor-paginated sync that advances the
// persisted extraction range so unchanged routines are not re-fetched.
func (l *Library) GetRunTasks() []RunTask {
	return []RunTask{l.runSyncLoop}
}

func (l *Library) runSyncLoop(ctx context.Context) error {
	ticker := time.NewTicker(l.cfg.LibraryUpdateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := l.syncFromRemote(ctx); err != nil {
				logging.Op().Warn("routine library: remote sync failed", "error", err)
			}
		}
	}
}

// syncFromRemote lists every routine revision updated since the
// persisted extraction range's high-water mark, advancing the cursor
// page by page and the time window once the list is exhausted.
func (l *Library) syncFromRemote(ctx context.Context) error {
	l.mu.RLock()
	updatedAfter := l.extracted.LastUpdatedTo
	cursor := l.extracted.Cursor
	l.mu.RUnlock()

	syncStart := time.Now().UTC()
	for {
		page, err := l.client.ListRoutineRevisions(ctx, l.cfg.SimulatorExternalID, updatedAfter, cursor, l.cfg.PageSize)
		if err != nil {
			return errs.Wrap(errs.KindNetworkTransient, "list routine revisions", err)
		}

		l.mu.Lock()
		for i := range page.Items {
			rev := page.Items[i]
			l.revisions[rev.ExternalID] = &rev
		}
		l.extracted.Cursor = page.NextCursor
		l.mu.Unlock()

		if err := l.store.SaveExtractedRange(ctx, extractionScope, statestore.ExtractionRange{
			Cursor:        page.NextCursor,
			LastUpdatedTo: updatedAfter,
		}); err != nil {
			logging.Op().Warn("routine library: failed to persist extraction range", "error", err)
		}

		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	l.mu.Lock()
	l.extracted = statestore.ExtractionRange{Cursor: "", LastUpdatedTo: syncStart}
	l.mu.Unlock()
	return l.store.SaveExtractedRange(ctx, extractionScope, statestore.ExtractionRange{Cursor: "", LastUpdatedTo: syncStart})
}

// ScheduledRevisions returns a snapshot of every cached routine revision
// that declares a cron schedule, for the Scheduler's reconcile loop.
func (l *Library) ScheduledRevisions() []*domain.RoutineRevision {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]*domain.RoutineRevision, 0, len(l.revisions))
	for _, rev := range l.revisions {
		if rev.Configuration.Schedule != "" {
			out = append(out, rev.Clone())
		}
	}
	return out
}

// GetRoutineRevision returns the cached record for externalID, fetching
// it with a single remote call if not yet known. Concurrent
// callers for the same unseen external id share the in-flight fetch via
// the TaskHolder, the same dedup shape ModelLibrary uses for revisions.
func (l *Library) GetRoutineRevision(ctx context.Context, externalID string) (*domain.RoutineRevision, error) {
	l.mu.RLock()
	rev, ok := l.revisions[externalID]
	l.mu.RUnlock()
	if ok {
		return rev.Clone(), nil
	}

	rev, err := l.holder.ExecuteAsync(ctx, externalID, func(ctx context.Context) (*domain.RoutineRevision, error) {
		fetched, err := l.client.RetrieveRoutineRevisionByExternalID(ctx, externalID)
		if err != nil {
			return nil, err
		}
		l.mu.Lock()
		l.revisions[fetched.ExternalID] = &fetched
		l.mu.Unlock()
		return &fetched, nil
	})
	if err != nil {
		return nil, err
	}
	return rev.Clone(), nil
}

// GetRoutineRevisionByID returns the cached revision whose numeric ID
// matches id, as used by SimulationRun's RoutineRevisionID (the control
// plane ties runs to revisions by numeric id). Unlike GetRoutineRevision
// this never triggers a remote fetch by itself — id is only resolvable
// once the revision has been discovered by syncFromRemote.
func (l *Library) GetRoutineRevisionByID(id int64) (*domain.RoutineRevision, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, rev := range l.revisions {
		if rev.ID == id {
			return rev.Clone(), nil
		}
	}
	return nil, errs.New(errs.KindNotFound, fmt.Sprintf("routine revision id %d not known locally", id))
}
