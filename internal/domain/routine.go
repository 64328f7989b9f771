package domain

import (
	"encoding/json"
	"time"
)

// RoutineInput describes one input the routine expects.
type RoutineInput struct {
	ReferenceID    string  `json:"referenceId"`
	TimeSeriesID   int64   `json:"timeSeriesId,omitempty"`
	IsTimeSeries   bool    `json:"isTimeSeries"`
	ConstantValue  float64 `json:"value,omitempty"`
	Unit           string  `json:"unit,omitempty"`
}

// RoutineOutput describes one output the routine produces.
type RoutineOutput struct {
	ReferenceID  string `json:"referenceId"`
	TimeSeriesID int64  `json:"timeSeriesId,omitempty"`
	Unit         string `json:"unit,omitempty"`
}

// DataSamplingConfig configures the sampling window computation (§4.6).
type DataSamplingConfig struct {
	Enabled           bool          `json:"enabled"`
	ValidationWindow  time.Duration `json:"validationWindow"`
	SamplingFrequency time.Duration `json:"samplingFrequency"`
}

// LogicalCheckConfig and SteadyStateConfig gate the sampling window on
// external numeric routines (out of scope — only their enabled flag and
// tolerance matter to the window computation here).
type LogicalCheckConfig struct {
	Enabled   bool    `json:"enabled"`
	Tolerance float64 `json:"tolerance,omitempty"`
}

type SteadyStateConfig struct {
	Enabled   bool    `json:"enabled"`
	MinWindow time.Duration `json:"minWindow,omitempty"`
}

// RoutineConfiguration is the declarative body of a routine revision.
type RoutineConfiguration struct {
	Inputs             []RoutineInput      `json:"inputs"`
	Outputs            []RoutineOutput     `json:"outputs"`
	Schedule           string              `json:"schedule,omitempty"` // 5-field cron expression, empty if unscheduled
	DataSampling       DataSamplingConfig  `json:"dataSampling"`
	LogicalCheck       LogicalCheckConfig  `json:"logicalCheck"`
	SteadyState        SteadyStateConfig   `json:"steadyStateDetection"`
}

// RoutineRevision is the local, read-only view of a routine revision.
type RoutineRevision struct {
	ID                  int64                `json:"id"`
	ExternalID          string               `json:"externalId"`
	RoutineExternalID   string               `json:"routineExternalId"`
	ModelExternalID     string               `json:"modelExternalId"`
	SimulatorExternalID string               `json:"simulatorExternalId"`
	Configuration       RoutineConfiguration `json:"configuration"`
	CreatedTime         time.Time            `json:"createdTime"`
}

// Clone deep-copies the slices so callers can't mutate the cached record.
func (r *RoutineRevision) Clone() *RoutineRevision {
	cp := *r
	cp.Configuration.Inputs = append([]RoutineInput(nil), r.Configuration.Inputs...)
	cp.Configuration.Outputs = append([]RoutineOutput(nil), r.Configuration.Outputs...)
	return &cp
}

// RunStatus is the local view of a SimulationRun's lifecycle status.
type RunStatus string

const (
	RunReady   RunStatus = "ready"
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunFailure RunStatus = "failure"
)

// RunType records how the run was created.
type RunType string

const (
	RunTypeExternal  RunType = "external"
	RunTypeScheduled RunType = "scheduled"
	RunTypeManual    RunType = "manual"
)

// InputOverride is a user-provided override for one input, matched by
// ReferenceID.
type InputOverride struct {
	ReferenceID string          `json:"referenceId"`
	Value       json.Number     `json:"value"`
}

// SimulationRun is the local view of one run claimed/observed by the
// runner. The control plane owns the authoritative copy; this struct is
// the payload exchanged over the client interface.
type SimulationRun struct {
	ID                      int64           `json:"id"`
	Status                  RunStatus       `json:"status"`
	StatusMessage           string          `json:"statusMessage,omitempty"`
	RoutineRevisionID       int64           `json:"routineRevisionExternalId"`
	ModelRevisionID         int64           `json:"modelRevisionExternalId"`
	RunType                 RunType         `json:"runType"`
	RequestedSimulationTime int64           `json:"runTime,omitempty"` // epoch millis
	InputOverrides          []InputOverride `json:"inputs,omitempty"`
	LogID                   int64           `json:"logId"`
	// LogSeverityOverride replaces the connector-wide remote log level as
	// this run's log filter floor, e.g. lowering it to SeverityDebug. Empty
	// means no override: the run-scoped filter falls back to the
	// connector-wide configured level.
	LogSeverityOverride LogSeverity `json:"logSeverityOverride,omitempty"`
}

// OutputDataPoint is one produced output value, optionally marked as
// having come from a user override rather than the simulator.
type OutputDataPoint struct {
	ReferenceID string  `json:"referenceId"`
	Value       float64 `json:"value"`
	Overridden  bool    `json:"overridden"`
	Timestamp   int64   `json:"timestamp"`
}
