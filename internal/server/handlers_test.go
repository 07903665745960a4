package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jsdbg/jsdbg/internal/cdptest"
	"github.com/jsdbg/jsdbg/internal/config"
	"github.com/jsdbg/jsdbg/internal/executor"
	"github.com/jsdbg/jsdbg/internal/logging"
	"github.com/jsdbg/jsdbg/internal/monitoring"
	"github.com/jsdbg/jsdbg/internal/sandbox"
	"github.com/jsdbg/jsdbg/internal/session"
)

// stubProvisioner routes sessions at the scripted in-process target.
type stubProvisioner struct {
	tgt *cdptest.Target
}

func (p *stubProvisioner) Provision(ctx context.Context, spec sandbox.Spec) (*sandbox.Env, error) {
	return &sandbox.Env{ContainerID: "c-stub", Endpoint: p.tgt.URL(), HostPort: "9229"}, nil
}

func (p *stubProvisioner) Teardown(ctx context.Context, env *sandbox.Env) error {
	return nil
}

func newTestAPI(t *testing.T) (*gin.Engine, *cdptest.Target) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	tgt := cdptest.New(t)
	cfg := config.Default()
	cfg.RateLimit.Enabled = false

	log := logging.NewNop()
	reg := session.NewRegistry(&stubProvisioner{tgt: tgt}, cfg, log)
	t.Cleanup(func() { reg.CloseAll(context.Background()) })

	metrics := monitoring.NewMetricsWith(prometheus.NewRegistry())
	return newRouter(cfg, reg, log, metrics), tgt
}

func doJSON(t *testing.T, router *gin.Engine, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()

	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	out := map[string]any{}
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	}
	return w, out
}

func scriptPauseOnStart(tgt *cdptest.Target) {
	tgt.Script("Runtime.runIfWaitingForDebugger", cdptest.Reply{
		After: []cdptest.Event{
			{Method: "Runtime.consoleAPICalled", Params: map[string]any{
				"args": []any{map[string]any{"value": "a"}},
			}},
			{Method: "Debugger.paused"},
		},
	})
}

func TestCreateSession(t *testing.T) {
	router, tgt := newTestAPI(t)
	scriptPauseOnStart(tgt)

	w, body := doJSON(t, router, http.MethodPost, "/sessions",
		`{"code": "console.log(\"a\"); debugger;"}`)

	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.True(t, strings.HasPrefix(body["session_id"].(string), "sess_"))
	assert.Equal(t, "paused", body["status"])
	assert.Equal(t, "paused", body["outcome"])

	items, ok := body["items"].([]any)
	require.True(t, ok, "items must be a JSON array")
	assert.NotEmpty(t, items)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestCreateSessionTimeoutReturnsLiveSession(t *testing.T) {
	router, tgt := newTestAPI(t)

	// The startup burst never quiesces, like a long-running server script.
	tgt.Script("Runtime.runIfWaitingForDebugger", cdptest.Reply{
		After: []cdptest.Event{{Method: "Runtime.consoleAPICalled", Params: map[string]any{
			"args": []any{map[string]any{"value": "listening"}},
		}}},
	})
	tgt.Script("Debugger.pause", cdptest.Reply{
		After: []cdptest.Event{{Method: "Debugger.paused", Delay: 10 * time.Millisecond}},
	})

	w, body := doJSON(t, router, http.MethodPost, "/sessions",
		`{"code": "serve();", "timeout_ms": 300}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	sid := body["session_id"].(string)
	assert.True(t, strings.HasPrefix(sid, "sess_"))
	assert.Equal(t, "running", body["status"])
	assert.Equal(t, "timeout", body["outcome"])
	assert.Empty(t, body["items"])

	// The caller can attach to the still-running target; the next batch
	// delivers the preserved startup events.
	w, _ = doJSON(t, router, http.MethodPost, "/sessions/"+sid+"/commands",
		`{"commands": [{"method": "Debugger.pause"}]}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), "listening")
}

func TestProvisionMetricsExcludeInitialBatch(t *testing.T) {
	tgt := cdptest.New(t)
	cfg := config.Default()
	metrics := monitoring.NewMetricsWith(prometheus.NewRegistry())
	prov := &meteredProvisioner{Provisioner: &stubProvisioner{tgt: tgt}, metrics: metrics}
	reg := session.NewRegistry(prov, cfg, logging.NewNop())
	t.Cleanup(func() { reg.CloseAll(context.Background()) })

	// Nothing scripted: the initial batch times out.
	_, _, err := reg.Create(context.Background(), sandbox.Spec{Code: "serve();"}, nil, 200*time.Millisecond)
	require.ErrorIs(t, err, executor.ErrTimeout)

	// The provision itself succeeded and was timed; the batch timeout is
	// not a provisioning failure.
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.ProvisionErrors))
	var m dto.Metric
	require.NoError(t, metrics.ProvisionDuration.Write(&m))
	assert.Equal(t, uint64(1), m.GetHistogram().GetSampleCount())
}

func TestCreateSessionRequiresCode(t *testing.T) {
	router, _ := newTestAPI(t)

	w, body := doJSON(t, router, http.MethodPost, "/sessions", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, body["error"], "invalid request")
}

func TestCreateSessionRejectsUnknownCommand(t *testing.T) {
	router, _ := newTestAPI(t)

	w, body := doJSON(t, router, http.MethodPost, "/sessions",
		`{"code": "debugger;", "commands": [{"method": "Page.navigate"}]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, body["error"], "Page.navigate")
}

func TestExecuteResumeToTermination(t *testing.T) {
	router, tgt := newTestAPI(t)
	scriptPauseOnStart(tgt)
	tgt.Script("Debugger.resume", cdptest.Reply{
		After: []cdptest.Event{
			{Method: "Runtime.consoleAPICalled", Params: map[string]any{
				"args": []any{map[string]any{"value": "b"}},
			}},
			{Method: "Inspector.detached"},
		},
	})

	w, body := doJSON(t, router, http.MethodPost, "/sessions", `{"code": "debugger;"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	sid := body["session_id"].(string)

	w, body = doJSON(t, router, http.MethodPost, "/sessions/"+sid+"/commands",
		`{"commands": [{"method": "Debugger.resume"}]}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "terminated", body["status"])
	assert.Contains(t, w.Body.String(), `"b"`)

	// The target is gone: a terminated session takes no more batches.
	w, _ = doJSON(t, router, http.MethodPost, "/sessions/"+sid+"/commands",
		`{"commands": [{"method": "Runtime.evaluate"}]}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestExecuteUnknownSession(t *testing.T) {
	router, _ := newTestAPI(t)

	w, _ := doJSON(t, router, http.MethodPost, "/sessions/sess_missing/commands",
		`{"commands": []}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCloseIsIdempotent(t *testing.T) {
	router, tgt := newTestAPI(t)
	scriptPauseOnStart(tgt)

	w, body := doJSON(t, router, http.MethodPost, "/sessions", `{"code": "debugger;"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	sid := body["session_id"].(string)

	for i := 0; i < 2; i++ {
		w, body = doJSON(t, router, http.MethodDelete, "/sessions/"+sid, "")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "closed", body["status"])
	}

	// Closing a session that never existed also succeeds.
	w, body = doJSON(t, router, http.MethodDelete, "/sessions/sess_never", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "closed", body["status"])
}

func TestListAndGetSessions(t *testing.T) {
	router, tgt := newTestAPI(t)
	scriptPauseOnStart(tgt)

	w, body := doJSON(t, router, http.MethodPost, "/sessions", `{"code": "debugger;"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	sid := body["session_id"].(string)

	w, body = doJSON(t, router, http.MethodGet, "/sessions", "")
	require.Equal(t, http.StatusOK, w.Code)
	sessions := body["sessions"].([]any)
	require.Len(t, sessions, 1)
	assert.Equal(t, sid, sessions[0].(map[string]any)["session_id"])

	w, body = doJSON(t, router, http.MethodGet, "/sessions/"+sid, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "paused", body["status"])
	assert.Equal(t, "c-stub", body["container_id"])

	w, _ = doJSON(t, router, http.MethodGet, "/sessions/sess_unknown", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealth(t *testing.T) {
	router, _ := newTestAPI(t)

	w, body := doJSON(t, router, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", body["status"])
}
