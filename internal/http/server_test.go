package http

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cartridge/policyrt/internal/errs"
	"github.com/cartridge/policyrt/internal/events"
	"github.com/cartridge/policyrt/internal/metrics"
	"github.com/cartridge/policyrt/internal/policy"
	"github.com/cartridge/policyrt/internal/replay"
	"github.com/cartridge/policyrt/internal/service"
	"github.com/cartridge/policyrt/internal/storage"
)

func newTestServer(t *testing.T, opts ...Option) http.Handler {
	t.Helper()
	logger := zerolog.New(io.Discard)
	collector := metrics.NewCollector(logger)
	cfg := service.DefaultConfig()
	cfg.Epsilon = 0
	rt := service.NewRuntime(cfg, storage.NewMemoryStore(), events.NoopPublisher{}, replay.NewBuffer(0), collector, &logger)
	return NewServer(rt, collector, &logger, opts...).Routes()
}

func linearWeights(t *testing.T) []byte {
	t.Helper()
	p, err := policy.NewDefault(policy.DefaultShape, policy.Linear)
	require.NoError(t, err)
	return append([]byte{byte(policy.Linear)}, p.SerializeWeights()...)
}

func do(t *testing.T, h http.Handler, method, path, contentType string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func createEnv(t *testing.T, h http.Handler) service.EnvironmentInfo {
	t.Helper()
	res := do(t, h, http.MethodPost, "/api/v1/envs?label=test", octetStream, linearWeights(t))
	if res.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", res.Code, res.Body.String())
	}
	var info service.EnvironmentInfo
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &info))
	return info
}

type errorBody struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

func decodeError(t *testing.T, res *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &body))
	return body
}

func TestCreateEnvironmentOctetStream(t *testing.T) {
	h := newTestServer(t)
	info := createEnv(t, h)
	assert.Equal(t, "linear", info.Algorithm)
	assert.Equal(t, "test", info.Label)

	res := do(t, h, http.MethodGet, "/api/v1/envs/"+info.ID, "", nil)
	require.Equal(t, http.StatusOK, res.Code)

	res = do(t, h, http.MethodGet, "/api/v1/envs", "", nil)
	require.Equal(t, http.StatusOK, res.Code)
	var list []service.EnvironmentInfo
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &list))
	assert.Len(t, list, 1)
}

func TestCreateEnvironmentJSON(t *testing.T) {
	h := newTestServer(t)
	body, _ := json.Marshal(map[string]any{
		"weights": base64.StdEncoding.EncodeToString(linearWeights(t)),
		"label":   "json",
	})
	res := do(t, h, http.MethodPost, "/api/v1/envs", "application/json", body)
	require.Equal(t, http.StatusCreated, res.Code, res.Body.String())

	res = do(t, h, http.MethodPost, "/api/v1/envs", "application/json", []byte(`{"label":"none"}`))
	assert.Equal(t, http.StatusBadRequest, res.Code)

	res = do(t, h, http.MethodPost, "/api/v1/envs", "application/json", []byte(`{`))
	assert.Equal(t, http.StatusBadRequest, res.Code)
}

func TestCreateEnvironmentRejectsBadWeights(t *testing.T) {
	h := newTestServer(t)

	res := do(t, h, http.MethodPost, "/api/v1/envs", octetStream, []byte{byte(policy.Linear), 0, 0})
	require.Equal(t, http.StatusUnprocessableEntity, res.Code)
	assert.Equal(t, errs.CodeBadWeights, decodeError(t, res).Code)

	res = do(t, h, http.MethodPost, "/api/v1/envs", octetStream, []byte{42})
	require.Equal(t, http.StatusUnprocessableEntity, res.Code)
	assert.Equal(t, errs.CodeBadWeights, decodeError(t, res).Code)
}

func TestResetStepAndTransitions(t *testing.T) {
	h := newTestServer(t)
	info := createEnv(t, h)
	base := "/api/v1/envs/" + info.ID

	res := do(t, h, http.MethodPost, base+"/reset", "application/json", []byte(`{"observation":[0.1,0.2,0.3,0.4]}`))
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	var step service.StepResult
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &step))
	assert.Equal(t, uint64(1), step.Episode)
	assert.Equal(t, 2, step.Action.Len())

	res = do(t, h, http.MethodPost, base+"/step", "application/json", []byte(`{"observation":[0.1,0.2,0.3,0.4]}`))
	require.Equal(t, http.StatusOK, res.Code)
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &step))
	assert.Equal(t, uint64(1), step.Step)

	res = do(t, h, http.MethodPost, base+"/step", "application/json", []byte(`{"observation":[1,2]}`))
	require.Equal(t, http.StatusUnprocessableEntity, res.Code)
	assert.Equal(t, errs.CodeBadSize, decodeError(t, res).Code)

	res = do(t, h, http.MethodPost, base+"/step", "text/plain", []byte(`{}`))
	assert.Equal(t, http.StatusUnsupportedMediaType, res.Code)

	res = do(t, h, http.MethodGet, base+"/transitions?limit=1", "", nil)
	require.Equal(t, http.StatusOK, res.Code)
	var transitions []replay.Transition
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &transitions))
	require.Len(t, transitions, 1)
	assert.Equal(t, replay.KindStep, transitions[0].Kind)

	res = do(t, h, http.MethodGet, base+"/transitions?limit=-5", "", nil)
	assert.Equal(t, http.StatusBadRequest, res.Code)

	res = do(t, h, http.MethodGet, base+"/transitions/stats", "", nil)
	require.Equal(t, http.StatusOK, res.Code)
	var stats replay.Stats
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &stats))
	assert.Equal(t, uint64(2), stats.TotalTransitions)
}

func TestSampleAndClearTransitions(t *testing.T) {
	h := newTestServer(t)
	info := createEnv(t, h)
	base := "/api/v1/envs/" + info.ID
	obs := []byte(`{"observation":[0.1,0.2,0.3,0.4]}`)

	res := do(t, h, http.MethodGet, base+"/transitions/sample", "", nil)
	require.Equal(t, http.StatusNotFound, res.Code, "nothing recorded yet")

	res = do(t, h, http.MethodPost, base+"/reset", "application/json", obs)
	require.Equal(t, http.StatusOK, res.Code)
	for i := 0; i < 4; i++ {
		res = do(t, h, http.MethodPost, base+"/step", "application/json", obs)
		require.Equal(t, http.StatusOK, res.Code)
	}

	res = do(t, h, http.MethodGet, base+"/transitions/sample?batch_size=3", "", nil)
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	var batch []replay.Transition
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &batch))
	require.Len(t, batch, 3)
	seen := map[string]bool{}
	for _, tr := range batch {
		assert.Equal(t, info.ID, tr.EnvID)
		assert.False(t, seen[tr.ID], "sample without replacement")
		seen[tr.ID] = true
	}

	res = do(t, h, http.MethodGet, base+"/transitions/sample?batch_size=0", "", nil)
	assert.Equal(t, http.StatusBadRequest, res.Code)
	res = do(t, h, http.MethodGet, base+"/transitions/sample?batch_size=x", "", nil)
	assert.Equal(t, http.StatusBadRequest, res.Code)

	res = do(t, h, http.MethodDelete, base+"/transitions?keep_last_n=2", "", nil)
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	var cleared service.ClearResult
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &cleared))
	assert.Equal(t, service.ClearResult{Cleared: 3, Remaining: 2}, cleared)

	res = do(t, h, http.MethodDelete, base+"/transitions?keep_last_n=-1", "", nil)
	assert.Equal(t, http.StatusBadRequest, res.Code)
	res = do(t, h, http.MethodDelete, base+"/transitions?before=yesterday", "", nil)
	assert.Equal(t, http.StatusBadRequest, res.Code)

	future := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	res = do(t, h, http.MethodDelete, base+"/transitions?before="+future, "", nil)
	require.Equal(t, http.StatusOK, res.Code)
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &cleared))
	assert.Equal(t, service.ClearResult{Cleared: 2, Remaining: 0}, cleared)

	res = do(t, h, http.MethodDelete, "/api/v1/envs/missing/transitions", "", nil)
	assert.Equal(t, http.StatusNotFound, res.Code)
}

func TestStepWithNonFiniteObservationReportsViolation(t *testing.T) {
	h := newTestServer(t)
	info := createEnv(t, h)

	res := do(t, h, http.MethodPost, "/api/v1/envs/"+info.ID+"/step", "application/json", []byte(`{"observation":["NaN",0,0,0]}`))
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	var step service.StepResult
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &step))
	assert.Contains(t, step.Violation, "not finite")
}

func TestCheck(t *testing.T) {
	h := newTestServer(t)
	info := createEnv(t, h)
	path := "/api/v1/envs/" + info.ID + "/check"

	res := do(t, h, http.MethodPost, path, "application/json", []byte(`{"observation":[0,0,0,0],"action":[0.5,-0.5]}`))
	require.Equal(t, http.StatusOK, res.Code)
	assert.Contains(t, res.Body.String(), `"ok":true`)

	res = do(t, h, http.MethodPost, path, "application/json", []byte(`{"observation":[0,0,0,0],"action":[2,0]}`))
	require.Equal(t, http.StatusOK, res.Code)
	assert.Contains(t, res.Body.String(), `"ok":false`)
	assert.Contains(t, res.Body.String(), `"code":-3`)

	res = do(t, h, http.MethodPost, path, "application/json", []byte(`{"observation":[0,0,0,0],"action":[0]}`))
	assert.Equal(t, http.StatusUnprocessableEntity, res.Code)
}

func TestWeightsRoundTripAndHotSwap(t *testing.T) {
	h := newTestServer(t)
	info := createEnv(t, h)
	base := "/api/v1/envs/" + info.ID

	res := do(t, h, http.MethodGet, base+"/weights", "", nil)
	require.Equal(t, http.StatusOK, res.Code)
	assert.Equal(t, octetStream, res.Header().Get("Content-Type"))
	assert.Equal(t, linearWeights(t), res.Body.Bytes())

	tab, err := policy.NewDefault(policy.DefaultShape, policy.Tabular)
	require.NoError(t, err)
	wrong := append([]byte{byte(policy.Tabular)}, tab.SerializeWeights()...)
	res = do(t, h, http.MethodPut, base+"/weights", octetStream, wrong)
	require.Equal(t, http.StatusUnprocessableEntity, res.Code)
	assert.Contains(t, decodeError(t, res).Error, "algorithm type mismatch")

	res = do(t, h, http.MethodPut, base+"/weights", octetStream, linearWeights(t))
	require.Equal(t, http.StatusOK, res.Code)

	res = do(t, h, http.MethodGet, base+"/checkpoints", "", nil)
	require.Equal(t, http.StatusOK, res.Code)
	var cps []storage.Checkpoint
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &cps))
	require.Len(t, cps, 2)

	res = do(t, h, http.MethodPost, base+"/checkpoints/"+cps[1].ID+"/restore", "", nil)
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())

	res = do(t, h, http.MethodPost, base+"/checkpoints/nope/restore", "", nil)
	assert.Equal(t, http.StatusNotFound, res.Code)
}

func TestLearn(t *testing.T) {
	h := newTestServer(t)
	info := createEnv(t, h)
	path := "/api/v1/envs/" + info.ID + "/learn"

	res := do(t, h, http.MethodPost, path, "application/json", []byte(`{"observation":[1,1,1,1],"target":[1,1]}`))
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())

	res = do(t, h, http.MethodPost, path, "application/json", []byte(`{"state":-1}`))
	assert.Equal(t, http.StatusBadRequest, res.Code)

	res = do(t, h, http.MethodPost, path, "application/json", []byte(`{"observation":[1]}`))
	assert.Equal(t, http.StatusUnprocessableEntity, res.Code)
}

func TestReleaseAndNotFound(t *testing.T) {
	h := newTestServer(t)
	info := createEnv(t, h)

	res := do(t, h, http.MethodDelete, "/api/v1/envs/"+info.ID, "", nil)
	require.Equal(t, http.StatusNoContent, res.Code)

	res = do(t, h, http.MethodGet, "/api/v1/envs/"+info.ID, "", nil)
	require.Equal(t, http.StatusNotFound, res.Code)
	assert.Equal(t, errs.CodeInternal, decodeError(t, res).Code)

	res = do(t, h, http.MethodDelete, "/api/v1/envs/"+info.ID, "", nil)
	assert.Equal(t, http.StatusNotFound, res.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	h := newTestServer(t)
	createEnv(t, h)

	res := do(t, h, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, res.Code)
	assert.Contains(t, res.Body.String(), `"environments":1`)
	assert.NotEmpty(t, res.Header().Get("X-Correlation-ID"))

	res = do(t, h, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, res.Code)
	body := res.Body.String()
	assert.True(t, strings.Contains(body, "policyrt_environments 1"), body)
	assert.True(t, strings.Contains(body, `route="/api/v1/envs"`), body)
}

func TestRateLimitAppliesToAPI(t *testing.T) {
	h := newTestServer(t, WithRateLimit(1, 1))

	first := do(t, h, http.MethodGet, "/api/v1/envs", "", nil)
	second := do(t, h, http.MethodGet, "/api/v1/envs", "", nil)
	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)

	health := do(t, h, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, health.Code, "health checks are not rate limited")
}
