package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/studio/internal/config"
	"github.com/mpataki/studio/internal/orchestrator"
	"github.com/mpataki/studio/internal/process"
	"github.com/mpataki/studio/internal/storage"
)

type fakeLauncher struct {
	mu    sync.Mutex
	specs []process.Spec
}

func (f *fakeLauncher) Launch(ctx context.Context, spec process.Spec) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.specs = append(f.specs, spec)
	return 4000 + len(f.specs), nil
}

func (f *fakeLauncher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.specs)
}

type testServer struct {
	root     string
	handler  http.Handler
	launcher *fakeLauncher
	orch     *orchestrator.Orchestrator
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	root, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)

	cfg := config.Default()
	cfg.DefaultRoot = root
	cfg.Queue.PollInterval = time.Hour

	store, err := storage.New(filepath.Join(t.TempDir(), "studio.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	launcher := &fakeLauncher{}
	orch := orchestrator.New(cfg, store, orchestrator.Options{Launcher: launcher})
	t.Cleanup(orch.Close)

	return &testServer{
		root:     root,
		handler:  New(orch, "127.0.0.1:0", nil).Handler(),
		launcher: launcher,
		orch:     orch,
	}
}

func (ts *testServer) do(t *testing.T, method, path string, body any, mutate func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = strings.NewReader(string(data))
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if mutate != nil {
		mutate(req)
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	body := decode(t, rec)
	assert.Equal(t, false, body["ok"])
	return body["error"].(map[string]any)["code"].(string)
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["ok"])
}

func TestStartRequiresPermission(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/runs", map[string]any{"root": ts.root, "stage": "plan"}, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "permission_denied", errorCode(t, rec))
	assert.Equal(t, 0, ts.launcher.count())
}

func TestStartWithOnceToken(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/permissions/once", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	token := decode(t, rec)["token"].(string)

	withToken := func(r *http.Request) { r.Header.Set(onceTokenHeader, token) }

	rec = ts.do(t, http.MethodPost, "/runs", map[string]any{"root": ts.root, "stage": "plan", "run_id": "r1"}, withToken)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, "r1", body["run_id"])
	assert.EqualValues(t, 4001, body["pid"])

	rec = ts.do(t, http.MethodPost, "/runs", map[string]any{"root": ts.root, "stage": "plan"}, withToken)
	assert.Equal(t, http.StatusForbidden, rec.Code, "once tokens are single use")
}

func TestSessionCookieGrantsAccess(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/permissions/session", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, sessionCookie, cookies[0].Name)

	withSession := func(r *http.Request) { r.AddCookie(cookies[0]) }

	rec = ts.do(t, http.MethodGet, "/permissions?root="+ts.root, nil, withSession)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "session", decode(t, rec)["mode"])

	rec = ts.do(t, http.MethodPost, "/runs/r9/stop", map[string]any{"root": ts.root}, withSession)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.FileExists(t, filepath.Join(ts.root, ".studio", "runs", "r9", "state", "stop.flag"))
}

func TestPersistentCookieGrantsAccess(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/permissions/persistent", map[string]any{"root": ts.root}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, browserCookie, cookies[0].Name)

	rec = ts.do(t, http.MethodPost, "/jobs", map[string]any{"root": ts.root, "stage": "run"}, func(r *http.Request) { r.AddCookie(cookies[0]) })
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.EqualValues(t, 1, decode(t, rec)["job_id"])

	rec = ts.do(t, http.MethodGet, "/jobs?root="+ts.root, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["jobs"], 1)

	// The server runs the root's queue, so the job gets launched.
	assert.Eventually(t, func() bool { return ts.launcher.count() == 1 }, 5*time.Second, 10*time.Millisecond)
}

func TestRootNotAllowed(t *testing.T) {
	ts := newTestServer(t)
	outside := t.TempDir()

	rec := ts.do(t, http.MethodGet, "/runs?root="+outside, nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "root_not_allowed", errorCode(t, rec))

	rec = ts.do(t, http.MethodPost, "/permissions/persistent", map[string]any{"root": outside}, nil)
	assert.Equal(t, "root_not_allowed", errorCode(t, rec))
}

func TestPathEscapes(t *testing.T) {
	ts := newTestServer(t)
	tok := ts.orch.Ledger().IssueOnce(0)

	rec := ts.do(t, http.MethodPost, "/runs", map[string]any{"root": ts.root, "rel_paths": []string{"../../etc/passwd"}},
		func(r *http.Request) { r.Header.Set(onceTokenHeader, tok.Token) })
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "path_escapes", errorCode(t, rec))
}

func TestInvalidRequests(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/runs", nil, nil)
	assert.Equal(t, "invalid_request", errorCode(t, rec))

	rec = ts.do(t, http.MethodGet, "/runs/r1/events?root="+ts.root+"&cursor=abc", nil, nil)
	assert.Equal(t, "invalid_request", errorCode(t, rec))

	rec = ts.do(t, http.MethodPost, "/runs/r1/approvals/a1", map[string]any{"root": ts.root}, nil)
	assert.Equal(t, "invalid_request", errorCode(t, rec))

	rec = ts.do(t, http.MethodGet, "/runs/a%5Cb/status?root="+ts.root, nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_request", errorCode(t, rec))
}

func TestRunReadEndpoints(t *testing.T) {
	ts := newTestServer(t)
	runDir := filepath.Join(ts.root, ".studio", "runs", "r1")
	require.NoError(t, os.MkdirAll(filepath.Join(runDir, "state", "approvals"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(runDir, "events"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(runDir, "state", "run.json"),
		[]byte(`{"run_id":"r1","status":"running","pid":0,"started_at":"2024-01-01T00:00:00Z"}`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(runDir, "events", "events.jsonl"),
		[]byte("{\"i\":0}\n{\"i\":1}\n{\"i\":2}\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(runDir, "state", "approvals", "a1.json"),
		[]byte(`{"approval_id":"a1"}`), 0644))

	rec := ts.do(t, http.MethodGet, "/runs?root="+ts.root, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	runs := decode(t, rec)["runs"].([]any)
	require.Len(t, runs, 1)

	rec = ts.do(t, http.MethodGet, "/runs/r1/status?root="+ts.root, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode(t, rec)
	assert.Equal(t, true, status["ok"])
	assert.Equal(t, false, status["pid_alive"])

	rec = ts.do(t, http.MethodGet, "/runs/missing/status?root="+ts.root, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decode(t, rec)["ok"])

	rec = ts.do(t, http.MethodGet, "/runs/r1/events?root="+ts.root+"&limit=2", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode(t, rec)
	assert.EqualValues(t, 1, page["cursor"])
	assert.EqualValues(t, 3, page["next_cursor"])
	assert.Len(t, page["events"], 2)

	rec = ts.do(t, http.MethodGet, "/runs/r1/approvals?root="+ts.root, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["approvals"], 1)

	rec = ts.do(t, http.MethodPost, "/runs/r1/approvals/a1", map[string]any{"root": ts.root, "approved": true, "reason": "ok"}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.FileExists(t, filepath.Join(runDir, "state", "approvals", "a1.decision"))

	rec = ts.do(t, http.MethodGet, "/runs/r1/approvals?root="+ts.root, nil, nil)
	assert.Len(t, decode(t, rec)["approvals"], 0)

	rec = ts.do(t, http.MethodGet, "/runs/r1/approvals?root="+ts.root+"&all=true", nil, nil)
	assert.Len(t, decode(t, rec)["approvals"], 1)

	rec = ts.do(t, http.MethodGet, "/runs/r1/audit?root="+ts.root, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	audit := decode(t, rec)
	assert.Equal(t, "running", audit["run"].(map[string]any)["status"])
	assert.Len(t, audit["approvals"], 1)
}

func TestAutoApprove(t *testing.T) {
	ts := newTestServer(t)
	dir := filepath.Join(ts.root, ".studio", "runs", "r1", "state", "approvals")
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a1.json"), []byte(`{"tool":"read"}`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a2.json"), []byte(`{"tool":"exec"}`), 0644))

	rec := ts.do(t, http.MethodPost, "/runs/r1/auto-approve", map[string]any{"root": ts.root}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_request", errorCode(t, rec))

	rules := `function review(a) if a.tool == "read" then return true, "read only" end return nil end`
	require.NoError(t, os.WriteFile(filepath.Join(ts.root, ".studio", "approval_rules.lua"), []byte(rules), 0644))

	rec = ts.do(t, http.MethodPost, "/runs/r1/auto-approve", map[string]any{"root": ts.root}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	decided := decode(t, rec)["decided"].([]any)
	require.Len(t, decided, 1)
	assert.Equal(t, "a1", decided[0].(map[string]any)["id"])
	assert.FileExists(t, filepath.Join(dir, "a1.decision"))
	assert.NoFileExists(t, filepath.Join(dir, "a2.decision"))
}
