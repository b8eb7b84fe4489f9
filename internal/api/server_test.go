package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentoverseer/overseer/internal/audit"
	"github.com/agentoverseer/overseer/internal/config"
	"github.com/agentoverseer/overseer/internal/humangate"
	"github.com/agentoverseer/overseer/internal/killswitch"
	"github.com/agentoverseer/overseer/internal/policy"
	"github.com/agentoverseer/overseer/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fixture struct {
	srv    *Server
	http   *httptest.Server
	store  *store.SQLiteStore
	gate   *humangate.Gate
	pauses *killswitch.KillSwitch
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := config.DefaultConfig()
	logger := testLogger()

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "overseer.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	rec := audit.NewRecorder(logger, st)
	gate := humangate.NewGate(cfg.Human, rec, nil, logger)
	pauses := killswitch.New("", rec, logger)
	pol, err := policy.NewStore(cfg.Permissions, cfg.Policy, rec, logger)
	require.NoError(t, err)

	srv, err := NewServer(Deps{Config: cfg.Server, Store: st, Gate: gate, Pauses: pauses, Policy: pol, Logger: logger})
	require.NoError(t, err)
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(hs.Close)
	t.Cleanup(srv.wsHub.Close)

	return &fixture{srv: srv, http: hs, store: st, gate: gate, pauses: pauses}
}

func (f *fixture) do(t *testing.T, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, f.http.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodGet, "/api/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestRespondResolvesPendingRequest(t *testing.T) {
	f := newFixture(t)
	h := f.gate.Request(context.Background(), humangate.Request{TaskID: "t1", Step: 1, Reason: "run shell_exec"})

	resp, body := f.do(t, http.MethodGet, "/api/human/pending", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["pending"], 1)

	resp, body = f.do(t, http.MethodPost, "/api/human/"+h.ID()+"/respond", `{"response":"approve"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	intent, _ := body["intent"].(map[string]any)
	assert.Equal(t, "approve", intent["kind"])
	assert.Equal(t, humangate.StateResolved, h.State())

	resp, _ = f.do(t, http.MethodPost, "/api/human/"+h.ID()+"/respond", `{"response":"approve"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRespondRejectsMalformedBody(t *testing.T) {
	f := newFixture(t)
	h := f.gate.Request(context.Background(), humangate.Request{TaskID: "t1"})
	resp, _ := f.do(t, http.MethodPost, "/api/human/"+h.ID()+"/respond", `{"response":`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Len(t, f.gate.Pending(), 1)
}

func TestTaskRoutes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := &store.Task{Goal: "inspect"}
	require.NoError(t, f.store.CreateTask(ctx, task))

	resp, body := f.do(t, http.MethodGet, "/api/tasks/"+task.ID, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "inspect", body["goal"])

	resp, _ = f.do(t, http.MethodGet, "/api/tasks/missing", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = f.do(t, http.MethodGet, "/api/tasks", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["tasks"], 1)
}

func TestPauseRoutes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := &store.Task{Goal: "long job"}
	require.NoError(t, f.store.CreateTask(ctx, task))

	resp, _ := f.do(t, http.MethodPost, "/api/tasks/"+task.ID+"/pause", `{"reason":"coffee"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	paused, why := f.pauses.PauseRequested(task.ID)
	assert.True(t, paused)
	assert.Equal(t, "pause requested: coffee", why)

	resp, _ = f.do(t, http.MethodPost, "/api/tasks/nope/pause", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/api/pause", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	paused, why = f.pauses.PauseRequested("any")
	assert.True(t, paused)
	assert.Equal(t, "global pause requested: requested via API", why)

	resp, _ = f.do(t, http.MethodDelete, "/api/pause", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	paused, _ = f.pauses.PauseRequested("any")
	assert.False(t, paused)

	events, err := f.store.ListAuditEvents(ctx, store.AuditFilter{Type: audit.TypePauseRequested})
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestPolicyAndAuditRoutes(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodGet, "/api/policy", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "confirm", body["default"])

	f.pauses.PauseTask("t1", "audit me", killswitch.SourceCLI)
	resp, body = f.do(t, http.MethodGet, "/api/audit?task_id=t1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["events"], 1)

	resp, body = f.do(t, http.MethodGet, "/api/audit/verify", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["intact"])
}

func TestWebSocketFeedsGateNotices(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.srv.pumpNotices(ctx)

	wsURL := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/api/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return f.srv.wsHub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	f.gate.Request(context.Background(), humangate.Request{TaskID: "t1", Reason: "confirm file_write"})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg struct {
		Type string           `json:"type"`
		Data humangate.Notice `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "human.requested", msg.Type)
	assert.Equal(t, "t1", msg.Data.Request.TaskID)
}
