// Package samplingwindow computes the [start, end] time interval a run's
// time-series inputs are sampled over before invoking the simulator. The
// statistics that judge whether a window is valid (logical-check,
// steady-state detection) are external numeric routines out of scope for
// this repository — this package only computes the candidate window and
// reports whether one could be found at all.
package samplingwindow

import (
	"time"

	"github.com/cognitedata/simulator-connector/internal/domain"
	"github.com/cognitedata/simulator-connector/internal/errs"
)

// Window is a closed time interval, inclusive of both ends.
type Window struct {
	Start time.Time
	End   time.Time
}

// Duration reports the window's length.
func (w Window) Duration() time.Duration { return w.End.Sub(w.Start) }

// Compute derives the sampling window ending at validationEnd for a
// routine's data-sampling configuration.
//
// When neither LogicalCheck nor SteadyState is enabled, the window ends
// exactly at validationEnd and starts ValidationWindow earlier — the
// simple case where the sampling window just ends at the validation
// end time.
//
// When either check is enabled, the window is centered on validationEnd:
// the midpoint of [start, end] equals validationEnd, so callers that run
// steady-state/logical-check statistics see symmetric history and
// lookahead. SteadyState additionally floors the window length at
// MinWindow so short ValidationWindow configurations still give the
// detector enough samples.
func Compute(cfg domain.DataSamplingConfig, steadyState domain.SteadyStateConfig, logicalCheck domain.LogicalCheckConfig, validationEnd time.Time) (Window, error) {
	if !cfg.Enabled {
		return Window{}, errs.New(errs.KindInvalidArgument, "data sampling is not enabled for this routine")
	}
	if cfg.ValidationWindow <= 0 {
		return Window{}, errs.New(errs.KindInvalidArgument, "validationWindow must be positive")
	}

	if !logicalCheck.Enabled && !steadyState.Enabled {
		return Window{
			Start: validationEnd.Add(-cfg.ValidationWindow),
			End:   validationEnd,
		}, nil
	}

	half := cfg.ValidationWindow / 2
	if steadyState.Enabled && steadyState.MinWindow > cfg.ValidationWindow {
		half = steadyState.MinWindow / 2
	}
	return Window{
		Start: validationEnd.Add(-half),
		End:   validationEnd.Add(half),
	}, nil
}
