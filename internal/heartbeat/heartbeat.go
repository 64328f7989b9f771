// Package heartbeat periodically publishes the connector's own liveness
// to the control plane. It is intentionally the smallest component in
// the runtime: one ticker loop, one field update, one remote call.
package heartbeat

import (
	"context"
	"sync"
	"time"

	"github.com/cognitedata/simulator-connector/internal/controlplane"
	"github.com/cognitedata/simulator-connector/internal/domain"
	"github.com/cognitedata/simulator-connector/internal/logging"
	"github.com/cognitedata/simulator-connector/internal/metrics"
)

// LicenseChecker is an optional external collaborator consulted once per
// interval to refresh LastLicenseCheck; a connector with no licensing
// concept can leave it nil.
type LicenseChecker interface {
	CheckLicense(ctx context.Context) error
}

// Config configures a Heartbeat.
type Config struct {
	Interval time.Duration
	Identity domain.ConnectorIdentity
}

// Heartbeat publishes ConnectorIdentity.LastSeen/Status updates on a
// fixed interval.
type Heartbeat struct {
	cfg     Config
	client  *controlplane.Client
	checker LicenseChecker

	mu       sync.Mutex
	identity domain.ConnectorIdentity
}

// New constructs a Heartbeat. checker may be nil.
func New(cfg Config, client *controlplane.Client, checker LicenseChecker) *Heartbeat {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	return &Heartbeat{cfg: cfg, client: client, checker: checker, identity: cfg.Identity}
}

// RunTask is the long-running activity GetRunTasks returns.
type RunTask func(ctx context.Context) error

// GetRunTasks returns the heartbeat's single background activity.
func (h *Heartbeat) GetRunTasks() []RunTask {
	return []RunTask{h.run}
}

func (h *Heartbeat) run(ctx context.Context) error {
	if err := h.beat(ctx); err != nil {
		logging.Op().Warn("heartbeat: initial publish failed", "error", err)
	}

	ticker := time.NewTicker(h.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := h.beat(ctx); err != nil {
				logging.Op().Warn("heartbeat: publish failed", "error", err)
			}
		}
	}
}

// beat stamps LastSeen, optionally refreshes LastLicenseCheck through
// the LicenseChecker, and publishes the identity update.
func (h *Heartbeat) beat(ctx context.Context) error {
	h.mu.Lock()
	h.identity.LastSeen = time.Now().UTC()
	h.identity.Status = "alive"
	if h.checker != nil {
		if err := h.checker.CheckLicense(ctx); err != nil {
			h.identity.Status = "license_check_failed"
			logging.Op().Warn("heartbeat: license check failed", "error", err)
		} else {
			h.identity.LastLicenseCheck = time.Now().UTC()
		}
	}
	identity := h.identity
	h.mu.Unlock()

	err := h.client.UpdateIntegrationHeartbeat(ctx, identity.IntegrationExternalID, identity)
	metrics.RecordHeartbeat(err == nil)
	return err
}
