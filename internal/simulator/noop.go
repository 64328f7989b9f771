package simulator

import (
	"context"

	"github.com/cognitedata/simulator-connector/internal/domain"
	"github.com/cognitedata/simulator-connector/internal/logging"
)

// NoopClient is a Client that logs every call and does no actual
// automation work. It exists so cmd/connector has something concrete to
// hand ConnectorRuntime when no vendor-specific automation driver is
// compiled in; it materializes and parses nothing and every simulation
// run it "executes" returns an empty result set.
type NoopClient struct{}

func (NoopClient) Initialize(ctx context.Context) error {
	logging.Op().Info("simulator: noop driver initialized, no automation layer attached")
	return nil
}

func (NoopClient) PreShutdown(ctx context.Context) error {
	return nil
}

func (NoopClient) RunCommand(ctx context.Context, req RunCommandRequest) (RunCommandResult, error) {
	logging.Op().Warn("simulator: noop driver ignoring command", "command", req.Name)
	return RunCommandResult{}, nil
}

func (NoopClient) ExtractModelInformation(ctx context.Context, state *domain.LocalModelState) (ParseResult, error) {
	return ParseResult{Status: domain.ParsingFailure, Message: "no automation driver attached"}, nil
}

func (NoopClient) RunSimulation(ctx context.Context, state *domain.LocalModelState, routine *domain.RoutineRevision, inputs []SimulationInput) (map[string]float64, error) {
	logging.Op().Warn("simulator: noop driver cannot run simulations")
	return map[string]float64{}, nil
}

var _ Client = NoopClient{}
