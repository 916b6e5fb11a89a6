package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orchard/internal/certify"
	"orchard/internal/checkpoint"
	"orchard/internal/config"
	"orchard/internal/events"
	"orchard/internal/healing"
	"orchard/internal/plan"
	"orchard/internal/scheduler"
)

func newTestServer(t *testing.T) (*httptest.Server, *config.Config) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Checkpoint.Path = filepath.Join(cfg.DataDir, "orchard.db")
	cfg.API.AdminToken = "sekrit"
	cfg.Scheduler.InitialShardsPerStage = 2

	store, err := checkpoint.NewSQLiteStore(cfg.Checkpoint.Path, cfg.Checkpoint.WriteRetries, cfg.CheckpointBackoff())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cache := events.NewCache(cfg.Events.CacheCapacity)
	router := events.NewRouter(cache, nil, nil, cfg.Events.RelayQueueSize)
	healer := healing.NewController(healing.DefaultConfig())
	pipeline := certify.NewPipeline([]certify.Authority{&certify.LocalAuthority{}}, certify.QuorumMajority, time.Second)

	sch := scheduler.New(cfg, store, healer, pipeline, router, nil,
		scheduler.ExecutorFunc(func(ctx context.Context, s *plan.Shard) (string, error) {
			return "ok", nil
		}))
	require.NoError(t, sch.Start(context.Background()))
	t.Cleanup(sch.Stop)

	srv := httptest.NewServer(NewServer(cfg, sch, cache, nil).Handler())
	t.Cleanup(srv.Close)
	return srv, cfg
}

func submitPlan(t *testing.T, srv *httptest.Server, body string) submitResponse {
	t.Helper()
	resp, err := http.Post(srv.URL+"/v1/plans", "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var out submitResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func waitCertified(t *testing.T, srv *httptest.Server, planID string) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(srv.URL + "/v1/plans/" + planID)
		require.NoError(t, err)
		var st statusResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
		resp.Body.Close()
		if st.Status == plan.StatusCertified {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("plan %s never certified", planID)
}

func TestSubmitStatusReportFlow(t *testing.T) {
	srv, _ := newTestServer(t)

	out := submitPlan(t, srv, `{"name":"demo","stages":[{"id":"a","kind":"map","slo_ms":2000}],"constraints":{"max_shards":4}}`)
	assert.NotEmpty(t, out.PlanID)

	waitCertified(t, srv, out.PlanID)

	resp, err := http.Get(srv.URL + "/v1/plans/" + out.PlanID + "/report")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var rep plan.Report
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rep))
	assert.Equal(t, plan.StatusCertified, rep.Status)
	require.NotNil(t, rep.Certification)
	assert.True(t, rep.Certification.Certified)
	assert.NotEmpty(t, rep.Certification.RootHash)
}

func TestSubmitValidationFailureIs422(t *testing.T) {
	srv, _ := newTestServer(t)

	body := `{"name":"bad","stages":[{"id":"a","depends_on":["a"]}]}`
	resp, err := http.Post(srv.URL+"/v1/plans", "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	var e errorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&e))
	assert.Contains(t, e.Error, "depends on itself")
}

func TestUnknownPlanIs404(t *testing.T) {
	srv, _ := newTestServer(t)

	for _, path := range []string{"/v1/plans/ghost", "/v1/plans/ghost/report"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, path)
	}

	resp, err := http.Post(srv.URL+"/v1/plans/ghost/abort", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAbortEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	out := submitPlan(t, srv, `{"name":"abortme","stages":[{"id":"a","kind":"map","slo_ms":2000}],"constraints":{"max_shards":4}}`)

	resp, err := http.Post(srv.URL+"/v1/plans/"+out.PlanID+"/abort", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "aborted", body["status"])
}

func TestRetryRequiresToken(t *testing.T) {
	srv, cfg := newTestServer(t)
	out := submitPlan(t, srv, `{"name":"locked","stages":[{"id":"a","kind":"map","slo_ms":2000}],"constraints":{"max_shards":4}}`)
	waitCertified(t, srv, out.PlanID)

	// No token.
	resp, err := http.Post(srv.URL+"/v1/plans/"+out.PlanID+"/retry", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Wrong token.
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/v1/plans/"+out.PlanID+"/retry", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Right token, but a certified plan is not retryable.
	req, _ = http.NewRequest(http.MethodPost, srv.URL+"/v1/plans/"+out.PlanID+"/retry", nil)
	req.Header.Set("Authorization", "Bearer "+cfg.API.AdminToken)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestEventsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	out := submitPlan(t, srv, `{"name":"evented","stages":[{"id":"a","kind":"map","slo_ms":2000}],"constraints":{"max_shards":4}}`)
	waitCertified(t, srv, out.PlanID)

	resp, err := http.Get(srv.URL + "/v1/events?plan=" + out.PlanID)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var evs []*plan.Event
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&evs))
	assert.NotEmpty(t, evs)

	types := make(map[string]bool)
	for _, ev := range evs {
		types[ev.Type] = true
	}
	assert.True(t, types["plan_submitted"], "missing plan_submitted event")
	assert.True(t, types["plan_certified"], "missing plan_certified event")

	// Missing plan parameter.
	resp, err = http.Get(srv.URL + "/v1/events")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
