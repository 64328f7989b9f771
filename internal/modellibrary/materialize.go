package modellibrary

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cognitedata/simulator-connector/internal/domain"
	"github.com/cognitedata/simulator-connector/internal/errs"
	"github.com/cognitedata/simulator-connector/internal/logging"
	"github.com/cognitedata/simulator-connector/internal/metrics"
	"github.com/cognitedata/simulator-connector/internal/observability"
	"golang.org/x/sync/errgroup"
)

// materialize runs the full materialization protocol for externalID:
// fetch-or-reuse the primary and dependency files, parse if the primary
// file is present, persist the result. It is always invoked through
// revisionHolder, so at most one materialization per external id runs at
// a time.
//
// inMain selects which working set the revision belongs to: a revision
// already known to the main state map (inMain) materializes under
// cfg.FilesDirectory and commits back to l.states; a revision observed
// only through this on-demand call (hot reload) materializes under
// cfg.FilesDirectory/temp and commits to l.tempStates instead, leaving
// the main map untouched until the next remote list confirms it.
func (l *Library) materialize(ctx context.Context, externalID string, inMain bool) (*domain.LocalModelState, error) {
	ctx, span := observability.StartSpan(ctx, "modellibrary.materialize",
		observability.AttrModelExternalID.String(externalID),
	)
	defer span.End()

	state, known := l.lookupOrDiscover(ctx, externalID, inMain)
	if state == nil {
		err := errs.New(errs.KindInvalidArgument, "unknown model revision external id "+externalID)
		observability.SetSpanError(span, err)
		return nil, err
	}
	if known && state.Ready() {
		observability.SetSpanOK(span)
		return state.Clone(), nil
	}

	filesDir := l.cfg.FilesDirectory
	if !inMain {
		filesDir = filepath.Join(filesDir, "temp")
	}

	start := time.Now()

	// Primary and dependency files are independent downloads (deduplicated
	// per file id by fileHolder, not by revision), so they are fetched
	// concurrently rather than one at a time.
	g, gctx := errgroup.WithContext(ctx)
	if state.FileID != 0 {
		g.Go(func() error {
			l.materializeFile(gctx, filesDir, state.FileID, nil, &state.LocalFilePath, &state.FileExtension)
			return nil
		})
	}
	for i := range state.DependencyFiles {
		dep := &state.DependencyFiles[i]
		g.Go(func() error {
			l.materializeFile(gctx, filesDir, dep.FileID, dep, &dep.LocalPath, nil)
			return nil
		})
	}
	_ = g.Wait()

	if state.LocalFilePath != "" {
		l.parse(ctx, state)
	} else {
		state.DownloadAttempts++
		state.State = domain.StateFileAbsent
	}

	outcome := "success"
	switch state.State {
	case domain.StateFileAbsent:
		outcome = "download_failure"
	case domain.StateFailedParse:
		outcome = "parse_failure"
	}
	metrics.RecordMaterialization(outcome, time.Since(start))
	if outcome == "success" {
		observability.SetSpanOK(span)
	} else {
		observability.SetSpanError(span, errs.New(errs.KindParseFailure, outcome))
	}

	l.mu.Lock()
	if inMain {
		l.states[externalID] = state
		l.dirty[externalID] = true
	} else {
		l.tempStates[externalID] = state
	}
	l.mu.Unlock()

	return state.Clone(), nil
}

// lookupOrDiscover resolves externalID against the working set inMain
// selects (the main state map, or the hot-reload temporary one),
// falling back to a remote retrieve-by-external-id when neither map has
// seen it yet.
func (l *Library) lookupOrDiscover(ctx context.Context, externalID string, inMain bool) (*domain.LocalModelState, bool) {
	l.mu.RLock()
	var state *domain.LocalModelState
	var ok bool
	if inMain {
		state, ok = l.states[externalID]
	} else {
		state, ok = l.tempStates[externalID]
	}
	l.mu.RUnlock()
	if ok {
		return state, true
	}

	rev, err := l.client.RetrieveModelRevisionByExternalID(ctx, externalID)
	if err != nil {
		logging.Op().Error("model library: retrieve by external id failed", "externalId", externalID, "error", err)
		return nil, false
	}
	state = newDiscoveredState(rev)
	return state, false
}

// materializeFile resolves one file (primary or dependency) to a local
// path under filesDir, deduplicating concurrent downloads of the same
// file id under the same directory across revisions via fileHolder. dep
// is nil for the primary file.
func (l *Library) materializeFile(ctx context.Context, filesDir string, fileID int64, dep *domain.DependencyFile, outPath *string, outExt *string) {
	path, err := l.fileHolder.ExecuteAsync(ctx, fileTaskKey(filesDir, fileID), func(ctx context.Context) (string, error) {
		return l.downloadFile(ctx, filesDir, fileID)
	})
	if err != nil {
		if errs.Is(err, errs.KindSizeExceeded) {
			logging.Op().Error("model library: file permanently too large, marking unreadable", "fileId", fileID)
		} else if errs.Is(err, errs.KindTooLargeToDownloadNow) {
			logging.Op().Warn("model library: file too large for now, will retry", "fileId", fileID)
		} else {
			logging.Op().Warn("model library: file download failed", "fileId", fileID, "error", err)
		}
		return
	}
	*outPath = path
	if outExt != nil {
		*outExt = extOf(path)
	}
	if dep != nil {
		dep.LocalPath = path
	}
}

// downloadFile resolves fileID to a local path under filesDir, skipping
// the network round trip entirely when that path is already present on
// disk (e.g. a prior materialization of the same file under the same
// directory, or a restart that found the file still there).
func (l *Library) downloadFile(ctx context.Context, filesDir string, fileID int64) (string, error) {
	localPath := primaryFilePath(filesDir, fileID, l.fileExtension(ctx, fileID))
	if _, err := os.Stat(localPath); err == nil {
		return localPath, nil
	}

	links, err := l.client.FileDownloadLinks(ctx, []int64{fileID})
	if err != nil {
		return "", errs.Wrap(errs.KindNetworkTransient, "resolve download link", err)
	}
	if len(links) == 0 {
		return "", errs.New(errs.KindNetworkTransient, "no download link returned")
	}

	downloaded, err := l.fetch.DownloadFileAsync(ctx, links[0].DownloadURL, localPath)
	if err != nil {
		return "", err
	}
	if !downloaded {
		return "", errs.New(errs.KindNetworkTransient, "download did not complete")
	}
	return localPath, nil
}

// fileExtension looks up fileID's remote name and returns its extension,
// so the on-disk path mirrors the real file (e.g. "100.csv" rather than
// a bare "100"). A metadata lookup failure degrades to an extensionless
// path rather than blocking the download outright.
func (l *Library) fileExtension(ctx context.Context, fileID int64) string {
	metas, err := l.client.FilesByIDs(ctx, []int64{fileID})
	if err != nil || len(metas) == 0 {
		logging.Op().Warn("model library: file metadata lookup failed, continuing with an extensionless path", "fileId", fileID, "error", err)
		return ""
	}
	return extOf(metas[0].Name)
}

func fileTaskKey(filesDir string, fileID int64) string {
	return fmt.Sprintf("%s:%d", filesDir, fileID)
}

func (l *Library) parse(ctx context.Context, state *domain.LocalModelState) {
	result, err := l.sim.ExtractModelInformation(ctx, state)
	if err != nil {
		logging.Op().Error("model library: parse failed", "externalId", state.ExternalID, "error", err)
		state.ParsingStatus = domain.ParsingFailure
		state.CanRead = false
		state.State = domain.StateFailedParse
	} else {
		state.ParsingStatus = result.Status
		state.CanRead = result.Status == domain.ParsingSuccess
		state.Processed = result.Status == domain.ParsingSuccess
		if state.Processed {
			state.State = domain.StateParsedProcessed
		} else {
			state.State = domain.StateFailedParse
		}
	}

	if err := l.client.UpdateParsingStatus(ctx, state.ExternalID, state.ParsingStatus); err != nil {
		logging.Op().Warn("model library: failed to report parsing status upstream", "externalId", state.ExternalID, "error", err)
	}
}

func extOf(path string) string {
	for i := len(path) - 1; i >= 0 && path[i] != '/'; i-- {
		if path[i] == '.' {
			return path[i+1:]
		}
	}
	return ""
}
