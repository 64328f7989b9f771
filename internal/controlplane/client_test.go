package controlplane

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"context"

	"github.com/cognitedata/simulator-connector/internal/circuitbreaker"
	"github.com/cognitedata/simulator-connector/internal/domain"
	"github.com/cognitedata/simulator-connector/internal/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL, Project: "test-project"}), srv
}

func TestAcquireToken_CachesUntilExpiry(t *testing.T) {
	var calls int
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		_ = json.NewEncoder(w).Encode(TokenInfo{
			AccessToken: "tok-1",
			ExpiresAt:   time.Now().Add(time.Hour),
		})
	})

	tok1, err := c.AcquireToken(context.Background())
	require.NoError(t, err)
	tok2, err := c.AcquireToken(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, calls)
	assert.Equal(t, tok1.AccessToken, tok2.AccessToken)
}

func TestCall_401IsNetworkAuth(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	err := c.InspectToken(context.Background())
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindNetworkAuth))
	assert.True(t, errs.Restartable(err))
}

func TestCall_410IsControlPlaneGone(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	})

	err := c.InspectToken(context.Background())
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindControlPlaneGone))
	assert.True(t, errs.Restartable(err))
}

func TestCall_5xxIsNetworkTransient(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	err := c.InspectToken(context.Background())
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindNetworkTransient))
	assert.True(t, errs.Retryable(err))
}

func TestListModelRevisions_DecodesPage(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Query().Get("simulatorExternalId"), "sim-1")
		_ = json.NewEncoder(w).Encode(ListModelRevisionsPage{
			Items:      []domain.ModelRevision{{ID: 1, ExternalID: "rev-1"}},
			NextCursor: "cursor-2",
		})
	})

	page, err := c.ListModelRevisions(context.Background(), "sim-1", "", 50)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "rev-1", page.Items[0].ExternalID)
	assert.Equal(t, "cursor-2", page.NextCursor)
}

func TestUpdateSimulationRunStatus_PostsExpectedBody(t *testing.T) {
	var received map[string]any
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusOK)
	})

	err := c.UpdateSimulationRunStatus(context.Background(), 42, domain.RunSuccess, "ok", 12345)
	require.NoError(t, err)
	assert.Equal(t, "success", received["status"])
	assert.Equal(t, "ok", received["statusMessage"])
	assert.EqualValues(t, 12345, received["simulationTime"])
}

func TestCircuitBreaker_TripsAfterRepeatedFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := New(Config{
		BaseURL: srv.URL,
		Breaker: circuitbreaker.Config{
			ErrorPct:       50,
			WindowDuration: time.Minute,
			OpenDuration:   time.Minute,
		},
	})

	for i := 0; i < 10; i++ {
		_ = c.InspectToken(context.Background())
	}

	err := c.InspectToken(context.Background())
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindControlPlaneGone))
}
