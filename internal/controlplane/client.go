// Package controlplane is the connector's typed SDK client for the
// remote control plane: an opaque client offering typed list/retrieve/
// update/callback operations. This package owns only the shape of
// that interface as consumed by ModelLibrary, RoutineLibrary, the
// scheduler, the runner, the heartbeat, and the log sink.
package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cognitedata/simulator-connector/internal/circuitbreaker"
	"github.com/cognitedata/simulator-connector/internal/domain"
	"github.com/cognitedata/simulator-connector/internal/errs"
	"github.com/cognitedata/simulator-connector/internal/logging"
)

// Config configures the client's transport and breaker behavior.
type Config struct {
	BaseURL   string
	Project   string
	ClientID  string
	APIKey    string // used only in dev/test environments; production uses OAuth
	Timeout   time.Duration
	Breaker   circuitbreaker.Config
}

// Client is the connector's handle to the remote control plane.
type Client struct {
	baseURL  string
	project  string
	clientID string
	apiKey   string
	http     *http.Client
	breakers *circuitbreaker.Registry
	breakCfg circuitbreaker.Config

	tokenMu     chan struct{}
	accessToken string
	tokenExpiry time.Time
}

// New constructs a Client. Token acquisition happens lazily on first call.
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:  cfg.BaseURL,
		project:  cfg.Project,
		clientID: cfg.ClientID,
		apiKey:   cfg.APIKey,
		http:     &http.Client{Timeout: timeout},
		breakers: circuitbreaker.NewRegistry(),
		breakCfg: cfg.Breaker,
		tokenMu:  make(chan struct{}, 1),
	}
}

// BreakerSnapshot exposes breaker state per endpoint group for
// observability/metrics.
func (c *Client) BreakerSnapshot() map[string]string { return c.breakers.Snapshot() }

// --- token ---

// TokenInfo is the result of a token acquire/inspect call.
type TokenInfo struct {
	AccessToken string    `json:"accessToken"`
	ExpiresAt   time.Time `json:"expiresAt"`
	Project     string    `json:"project"`
}

// AcquireToken fetches (or returns the cached, still-valid) access token.
func (c *Client) AcquireToken(ctx context.Context) (TokenInfo, error) {
	select {
	case c.tokenMu <- struct{}{}:
		defer func() { <-c.tokenMu }()
	case <-ctx.Done():
		return TokenInfo{}, errs.Wrap(errs.KindCancelled, "acquire token", ctx.Err())
	}

	if c.accessToken != "" && time.Now().Before(c.tokenExpiry) {
		return TokenInfo{AccessToken: c.accessToken, ExpiresAt: c.tokenExpiry, Project: c.project}, nil
	}

	var out TokenInfo
	if err := c.call(ctx, "token", http.MethodPost, "/oauth/token", map[string]string{
		"clientId": c.clientID,
		"project":  c.project,
	}, &out); err != nil {
		return TokenInfo{}, err
	}
	c.accessToken = out.AccessToken
	c.tokenExpiry = out.ExpiresAt
	return out, nil
}

// InspectToken verifies the current token is still accepted by the
// control plane (used by ConnectorRuntime's startup probe).
func (c *Client) InspectToken(ctx context.Context) error {
	return c.call(ctx, "token", http.MethodGet, "/api/v1/token/inspect", nil, nil)
}

// --- simulators & integrations ---

// Simulator describes a registered simulator definition.
type Simulator struct {
	ExternalID string `json:"externalId"`
	Name       string `json:"name"`
	FileExtensionTypes []string `json:"fileExtensionTypes,omitempty"`
}

// UpsertSimulator creates or updates a simulator definition.
func (c *Client) UpsertSimulator(ctx context.Context, s Simulator) error {
	return c.call(ctx, "simulators", http.MethodPost, "/api/v1/simulators", []Simulator{s}, nil)
}

// UpsertIntegration registers or updates this connector's integration
// identity with the control plane.
func (c *Client) UpsertIntegration(ctx context.Context, id domain.ConnectorIdentity) error {
	return c.call(ctx, "integrations", http.MethodPost, "/api/v1/simulators/integrations", []domain.ConnectorIdentity{id}, nil)
}

// UpdateIntegrationHeartbeat publishes a liveness update for the
// connector's own integration identity.
func (c *Client) UpdateIntegrationHeartbeat(ctx context.Context, externalID string, id domain.ConnectorIdentity) error {
	path := fmt.Sprintf("/api/v1/simulators/integrations/%s/update", url.PathEscape(externalID))
	return c.call(ctx, "integrations", http.MethodPost, path, id, nil)
}

// --- model revisions ---

// ListModelRevisionsPage is one page of the model-revisions list.
type ListModelRevisionsPage struct {
	Items      []domain.ModelRevision `json:"items"`
	NextCursor string                  `json:"nextCursor,omitempty"`
}

// ListModelRevisions lists model revisions for this connector's
// simulator, paged by cursor.
func (c *Client) ListModelRevisions(ctx context.Context, simulatorExternalID, cursor string, limit int) (ListModelRevisionsPage, error) {
	q := url.Values{}
	q.Set("simulatorExternalId", simulatorExternalID)
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out ListModelRevisionsPage
	path := "/api/v1/simulators/models/revisions/list?" + q.Encode()
	err := c.call(ctx, "models", http.MethodGet, path, nil, &out)
	return out, err
}

// RetrieveModelRevisionByExternalID retrieves a single model revision.
func (c *Client) RetrieveModelRevisionByExternalID(ctx context.Context, externalID string) (domain.ModelRevision, error) {
	var out domain.ModelRevision
	path := fmt.Sprintf("/api/v1/simulators/models/revisions/byids/%s", url.PathEscape(externalID))
	err := c.call(ctx, "models", http.MethodGet, path, nil, &out)
	return out, err
}

// UpdateParsingStatus patches a model revision's remote parsing status.
func (c *Client) UpdateParsingStatus(ctx context.Context, revisionExternalID string, status domain.ParsingStatus) error {
	path := fmt.Sprintf("/api/v1/simulators/models/revisions/%s/parsingstatus", url.PathEscape(revisionExternalID))
	return c.call(ctx, "models", http.MethodPost, path, map[string]string{"status": string(status)}, nil)
}

// --- routine revisions ---

// ListRoutineRevisionsPage is one page of the routine-revisions list.
type ListRoutineRevisionsPage struct {
	Items      []domain.RoutineRevision `json:"items"`
	NextCursor string                    `json:"nextCursor,omitempty"`
}

// ListRoutineRevisions lists routine revisions updated since
// updatedAfter, filtered by simulator external id.
func (c *Client) ListRoutineRevisions(ctx context.Context, simulatorExternalID string, updatedAfter time.Time, cursor string, limit int) (ListRoutineRevisionsPage, error) {
	q := url.Values{}
	q.Set("simulatorExternalId", simulatorExternalID)
	if !updatedAfter.IsZero() {
		q.Set("updatedAfter", strconv.FormatInt(updatedAfter.UnixMilli(), 10))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out ListRoutineRevisionsPage
	path := "/api/v1/simulators/routines/revisions/list?" + q.Encode()
	err := c.call(ctx, "routines", http.MethodGet, path, nil, &out)
	return out, err
}

// RetrieveRoutineRevisionByExternalID retrieves a single routine revision.
func (c *Client) RetrieveRoutineRevisionByExternalID(ctx context.Context, externalID string) (domain.RoutineRevision, error) {
	var out domain.RoutineRevision
	path := fmt.Sprintf("/api/v1/simulators/routines/revisions/byids/%s", url.PathEscape(externalID))
	err := c.call(ctx, "routines", http.MethodGet, path, nil, &out)
	return out, err
}

// --- simulation runs ---

// ListReadyRunsFilter scopes a ready-run list to this connector.
type ListReadyRunsFilter struct {
	SimulatorExternalID string
	Status              domain.RunStatus
	Limit               int
}

// ListSimulationRuns lists runs matching the filter.
func (c *Client) ListSimulationRuns(ctx context.Context, filter ListReadyRunsFilter) ([]domain.SimulationRun, error) {
	q := url.Values{}
	q.Set("simulatorExternalId", filter.SimulatorExternalID)
	if filter.Status != "" {
		q.Set("status", string(filter.Status))
	}
	if filter.Limit > 0 {
		q.Set("limit", strconv.Itoa(filter.Limit))
	}
	var out struct {
		Items []domain.SimulationRun `json:"items"`
	}
	path := "/api/v1/simulators/runs/list?" + q.Encode()
	err := c.call(ctx, "runs", http.MethodGet, path, nil, &out)
	return out.Items, err
}

// CreateSimulationRunRequest creates a new run (used by the scheduler).
type CreateSimulationRunRequest struct {
	RoutineExternalID       string               `json:"routineExternalId"`
	RunType                 domain.RunType       `json:"runType"`
	RequestedSimulationTime int64                `json:"requestedSimulationTime"`
}

// CreateSimulationRuns creates one or more runs.
func (c *Client) CreateSimulationRuns(ctx context.Context, reqs []CreateSimulationRunRequest) ([]domain.SimulationRun, error) {
	var out struct {
		Items []domain.SimulationRun `json:"items"`
	}
	err := c.call(ctx, "runs", http.MethodPost, "/api/v1/simulators/runs", reqs, &out)
	return out.Items, err
}

// UpdateSimulationRunStatus is the callback the runner uses to report
// claim, running, success, and failure transitions.
func (c *Client) UpdateSimulationRunStatus(ctx context.Context, runID int64, status domain.RunStatus, message string, simulationTime int64) error {
	path := fmt.Sprintf("/api/v1/simulators/runs/%d/update", runID)
	body := map[string]any{
		"status":         status,
		"statusMessage":  message,
	}
	if simulationTime != 0 {
		body["simulationTime"] = simulationTime
	}
	return c.call(ctx, "runs", http.MethodPost, path, body, nil)
}

// --- files ---

// FileDownloadLink is a (possibly presigned) URL for a file id.
type FileDownloadLink struct {
	FileID      int64  `json:"fileId"`
	DownloadURL string `json:"downloadUrl"`
}

// FileMetadata is the subset of a file's remote metadata this connector
// needs: its id and its stored name, the latter carrying the extension
// ModelLibrary mirrors into the on-disk path.
type FileMetadata struct {
	FileID int64  `json:"id"`
	Name   string `json:"name"`
}

// FilesByIDs retrieves file metadata for the given file ids.
func (c *Client) FilesByIDs(ctx context.Context, fileIDs []int64) ([]FileMetadata, error) {
	var out struct {
		Items []FileMetadata `json:"items"`
	}
	err := c.call(ctx, "files", http.MethodPost, "/api/v1/files/byids", map[string]any{"items": fileIDs}, &out)
	return out.Items, err
}

// FileDownloadLinks resolves download URLs for the given file ids.
func (c *Client) FileDownloadLinks(ctx context.Context, fileIDs []int64) ([]FileDownloadLink, error) {
	var out struct {
		Items []FileDownloadLink `json:"items"`
	}
	err := c.call(ctx, "files", http.MethodPost, "/api/v1/files/downloadlink", map[string]any{"items": fileIDs}, &out)
	return out.Items, err
}

// --- time series ---

// DataPoint is a single numeric observation.
type DataPoint struct {
	Timestamp int64   `json:"timestamp"`
	Value     float64 `json:"value"`
}

// RetrieveTimeSeriesDataPoints fetches data points in [start,end] for a
// time series referenced by external id.
func (c *Client) RetrieveTimeSeriesDataPoints(ctx context.Context, externalID string, start, end int64) ([]DataPoint, error) {
	var out struct {
		Items []DataPoint `json:"datapoints"`
	}
	err := c.call(ctx, "timeseries", http.MethodPost, "/api/v1/timeseries/data/list", map[string]any{
		"externalId": externalID,
		"start":      start,
		"end":        end,
	}, &out)
	return out.Items, err
}

// InsertTimeSeriesDataPoints writes output values back to a time series.
func (c *Client) InsertTimeSeriesDataPoints(ctx context.Context, externalID string, points []DataPoint) error {
	return c.call(ctx, "timeseries", http.MethodPost, "/api/v1/timeseries/data", map[string]any{
		"externalId": externalID,
		"datapoints": points,
	}, nil)
}

// --- logs ---

// AppendLogs forwards a run's buffered log entries to the control plane.
func (c *Client) AppendLogs(ctx context.Context, runID int64, entries []domain.LogEntry) error {
	path := fmt.Sprintf("/api/v1/simulators/logs/%d/append", runID)
	return c.call(ctx, "logs", http.MethodPost, path, map[string]any{"items": entries}, nil)
}

// --- transport ---

// call performs one authenticated HTTP round trip, classifying failures
// into the connector's error taxonomy and routing through the
// per-endpoint-group circuit breaker.
func (c *Client) call(ctx context.Context, breakerKey, method, path string, body, dst any) error {
	// Every call other than the token acquisition itself goes through
	// AcquireToken first when a client id is configured and no static
	// api-key is set, so a caller never has to remember to authenticate
	// up front. Neither configured (dev/test against an unauthenticated
	// endpoint) leaves requests unauthenticated, same as before.
	if breakerKey != "token" && c.apiKey == "" && c.clientID != "" {
		if _, err := c.AcquireToken(ctx); err != nil {
			return err
		}
	}

	breaker := c.breakers.Get(breakerKey, c.breakCfg)
	if breaker != nil && !breaker.Allow() {
		return errs.New(errs.KindControlPlaneGone, fmt.Sprintf("circuit open for %s", breakerKey))
	}

	err := c.doRequest(ctx, method, path, body, dst)
	if breaker != nil {
		if err != nil && errs.Is(err, errs.KindNetworkTransient) {
			breaker.RecordFailure()
		} else if err == nil {
			breaker.RecordSuccess()
		}
	}
	return err
}

func (c *Client) doRequest(ctx context.Context, method, path string, body, dst any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errs.Wrap(errs.KindInvalidArgument, "marshal request body", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return errs.Wrap(errs.KindInvalidArgument, "build request", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.accessToken)
	} else if c.apiKey != "" {
		req.Header.Set("api-key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errs.Wrap(errs.KindNetworkTransient, "request failed", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return errs.Wrap(errs.KindNetworkTransient, "read response body", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		logging.Op().Error("control plane auth failure", "path", path, "status", resp.StatusCode)
		return errs.New(errs.KindNetworkAuth, fmt.Sprintf("request to control plane failed with code %d", resp.StatusCode))
	case resp.StatusCode == http.StatusGone:
		logging.Op().Error("control plane gone", "path", path)
		return errs.New(errs.KindControlPlaneGone, fmt.Sprintf("request to control plane failed with code %d", resp.StatusCode))
	case resp.StatusCode >= 500:
		logging.Op().Warn("control plane transient failure", "path", path, "status", resp.StatusCode)
		return errs.New(errs.KindNetworkTransient, fmt.Sprintf("request to control plane failed with code %d", resp.StatusCode))
	case resp.StatusCode >= 400:
		return errs.New(errs.KindInvalidArgument, fmt.Sprintf("request rejected with code %d: %s", resp.StatusCode, string(respBody)))
	}

	if dst == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, dst); err != nil {
		return errs.Wrap(errs.KindUnknown, "unmarshal response body", err)
	}
	return nil
}
