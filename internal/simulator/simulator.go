// Package simulator defines the boundary between the connector core and
// the actual simulation engine automation (COM, subprocess, or any other
// local control surface). That automation layer is an external
// collaborator — this package only specifies the small interface the
// core drives it through, per the source-pattern re-architecture notes:
// a mock-by-virtual-method test double becomes, in Go, a type that
// satisfies Client.
package simulator

import (
	"context"

	"github.com/cognitedata/simulator-connector/internal/domain"
)

// RunCommandRequest is one opaque command dispatched to the simulator
// automation layer. Name and Args are simulator-specific and passed
// through unopinionated; only the connector's config (`automation.*`)
// shapes them.
type RunCommandRequest struct {
	Name string
	Args map[string]string
}

// RunCommandResult is the automation layer's reply to one RunCommandRequest.
type RunCommandResult struct {
	Output map[string]string
}

// ParseResult is the outcome of parsing a materialized model file.
type ParseResult struct {
	Status  domain.ParsingStatus
	Message string
}

// SimulationInput is one fully-resolved input value ready to hand to the
// simulator (after sampling/override resolution in the runner).
type SimulationInput struct {
	ReferenceID string
	Value       float64
	Overridden  bool
}

// Client is the simulator automation driver boundary. Implementations
// wrap whatever local control surface a concrete simulator exposes
// (COM automation, a long-lived subprocess, a vendor SDK); the
// connector core only ever sees this interface.
type Client interface {
	// Initialize starts or attaches to the simulator process/COM server.
	// Called by ConnectorRuntime at the start of every bootstrap attempt
	// (so again after each supervised restart), before any other method.
	Initialize(ctx context.Context) error

	// PreShutdown gives the automation layer a chance to release any
	// licenses/handles before the process exits. Errors are logged, not
	// fatal — shutdown proceeds regardless.
	PreShutdown(ctx context.Context) error

	// RunCommand dispatches one opaque automation command. Used for
	// simulator-specific setup/teardown steps outside the run lifecycle
	// (e.g. license checks feeding ConnectorIdentity.LastLicenseCheck).
	RunCommand(ctx context.Context, req RunCommandRequest) (RunCommandResult, error)

	// ExtractModelInformation parses a materialized model file and
	// reports the resulting parsing status. state.LocalFilePath is
	// guaranteed non-empty when this is called (ModelLibrary only calls
	// it after the primary file materializes).
	ExtractModelInformation(ctx context.Context, state *domain.LocalModelState) (ParseResult, error)

	// RunSimulation executes one routine revision against a materialized
	// model revision with the given resolved inputs, returning output
	// values keyed by reference id.
	RunSimulation(ctx context.Context, state *domain.LocalModelState, routine *domain.RoutineRevision, inputs []SimulationInput) (map[string]float64, error)
}
