// Package domain holds the connector's core entity types — the local
// representations of what the control plane calls models, routines, and
// simulation runs, plus the connector's own identity. These types are
// shared across modellibrary, routinelibrary, runner, and scheduler; none
// of them own remote mutation (the control plane does), mirroring the
// ownership rules in the data model.
package domain

import (
	"encoding/json"
	"time"
)

// ParsingStatus is the outcome of SimulatorClient.ExtractModelInformation
// against a materialized model file.
type ParsingStatus string

const (
	ParsingUnknown ParsingStatus = "unknown"
	ParsingSuccess ParsingStatus = "success"
	ParsingFailure ParsingStatus = "failure"
)

// ModelRevision is the remote-authoritative record for one model revision.
// It is discovered via the control-plane list/retrieve endpoints and
// mutated only by ModelLibrary (parsing status, never the revision's own
// identity fields).
type ModelRevision struct {
	ID              int64            `json:"id"`
	ExternalID      string           `json:"externalId"`
	ModelExternalID string           `json:"modelExternalId"`
	DataSetID       int64            `json:"dataSetId"`
	FileID          int64            `json:"fileId"`
	CreatedTime     time.Time        `json:"createdTime"`
	UpdatedTime     time.Time        `json:"updatedTime"`
	VersionNumber   int              `json:"versionNumber"`
	LogID           int64            `json:"logId"`
	ParsingStatus   ParsingStatus    `json:"status"`
	Dependencies    []DependencyDecl `json:"boundaryConditions,omitempty"`
}

// DependencyDecl is the remote declaration of an external dependency file
// a model revision requires (e.g. a boundary-condition or lookup table).
type DependencyDecl struct {
	FileID    int64             `json:"fileId"`
	Arguments map[string]string `json:"arguments,omitempty"`
}

// DependencyFile is the local materialization record for one declared
// dependency. LocalPath is non-empty iff the file exists on disk at that
// path at the time of the last write (invariant from the data model).
type DependencyFile struct {
	FileID    int64             `json:"fileId"`
	LocalPath string            `json:"localPath,omitempty"`
	Arguments map[string]string `json:"arguments,omitempty"`
}

// Exists reports whether the dependency file has been materialized.
func (d DependencyFile) Exists() bool { return d.LocalPath != "" }

// LocalState tags where a LocalModelState sits in the local convergence
// state machine. It is a plain enum rather than a class hierarchy — the
// automation state is data, not a type hierarchy.
type LocalState int

const (
	StateDiscovered LocalState = iota
	StateFileAbsent
	StateFilePresentUnparsed
	StateParsedProcessed
	StateFailedParse
	StateNeedsReparse
)

func (s LocalState) String() string {
	switch s {
	case StateDiscovered:
		return "discovered"
	case StateFileAbsent:
		return "file_absent"
	case StateFilePresentUnparsed:
		return "file_present_unparsed"
	case StateParsedProcessed:
		return "parsed_processed"
	case StateFailedParse:
		return "failed_parse"
	case StateNeedsReparse:
		return "needs_reparse"
	default:
		return "unknown"
	}
}

// LocalModelState is the full local view of a model revision: the remote
// record plus everything ModelLibrary has learned about materializing it.
type LocalModelState struct {
	ModelRevision

	LocalFilePath    string            `json:"localFilePath,omitempty"`
	FileExtension    string            `json:"fileExtension,omitempty"`
	DownloadAttempts int               `json:"downloadAttempts"`
	Processed        bool              `json:"processed"`
	CanRead          bool              `json:"canRead"`
	DependencyFiles  []DependencyFile  `json:"dependencyFiles,omitempty"`
	State            LocalState        `json:"state"`
	LastUpdatedTime  time.Time         `json:"lastUpdatedTime"`
}

// DependencyByFileID returns the dependency file entry for fileID, if any.
func (s *LocalModelState) DependencyByFileID(fileID int64) (*DependencyFile, bool) {
	for i := range s.DependencyFiles {
		if s.DependencyFiles[i].FileID == fileID {
			return &s.DependencyFiles[i], true
		}
	}
	return nil, false
}

// Ready reports whether the state can be returned to a caller without
// triggering materialization: the primary file is processed and present,
// or parsing permanently failed — both are stable outcomes. A revision
// flagged StateNeedsReparse is never ready, even if it was previously
// processed: the remote status regressed to unknown and the stale
// Processed flag must not short-circuit the re-download/re-parse pass.
func (s *LocalModelState) Ready() bool {
	if s.State == StateNeedsReparse {
		return false
	}
	return s.Processed || s.State == StateFailedParse
}

// Clone returns a deep-enough copy safe to hand to a caller without
// sharing the dependency slice backing array.
func (s *LocalModelState) Clone() *LocalModelState {
	cp := *s
	if s.DependencyFiles != nil {
		cp.DependencyFiles = make([]DependencyFile, len(s.DependencyFiles))
		copy(cp.DependencyFiles, s.DependencyFiles)
	}
	return &cp
}

// MarshalState serializes a state record to JSON. It is a free function
// rather than a method so it works for any record type; statestore does
// its own encoding/json marshalling and does not call it.
func MarshalState(v any) ([]byte, error) { return json.Marshal(v) }
