package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentflow/internal/contextstore"
	"agentflow/internal/domain"
	"agentflow/internal/ingress"
	"agentflow/internal/queue"
)

type testEnv struct {
	srv   *httptest.Server
	repo  queue.Repository
	store *contextstore.Store
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	dir := t.TempDir()
	repo, err := queue.OpenSQLite(context.Background(), filepath.Join(dir, "q.db"), queue.Options{DefaultMaxRetries: 1})
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	store, err := contextstore.New(filepath.Join(dir, "ctx"))
	require.NoError(t, err)

	srv := httptest.NewServer(NewServer(ingress.New(repo, store, nil), opts))
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, repo: repo, store: store}
}

func (e *testEnv) do(t *testing.T, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, e.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("content-type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf strings.Builder
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, []byte(buf.String())
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t, Options{})
	resp, body := env.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", string(body))

	resp, _ = env.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSubmitAndFetch(t *testing.T) {
	env := newTestEnv(t, Options{})

	resp, body := env.do(t, http.MethodPost, "/api/tasks", `{"description":"write the plan","priority":"high","agent_type_hint":"claude"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))
	var one submitResp
	require.NoError(t, json.Unmarshal(body, &one))
	require.NotEmpty(t, one.ID)

	resp, body = env.do(t, http.MethodGet, "/api/tasks/"+one.ID, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var task domain.Task
	require.NoError(t, json.Unmarshal(body, &task))
	assert.Equal(t, "write the plan", task.Description)
	assert.Equal(t, domain.PriorityHigh, task.Priority)
	assert.Equal(t, domain.StatusPending, task.Status)

	resp, body = env.do(t, http.MethodPost, "/api/tasks", `{"tasks":[{"description":"a"},{"description":"b","priority":"low"}]}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))
	var many submitResp
	require.NoError(t, json.Unmarshal(body, &many))
	assert.Len(t, many.IDs, 2)

	resp, body = env.do(t, http.MethodGet, "/api/tasks?status=pending", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var tasks []domain.Task
	require.NoError(t, json.Unmarshal(body, &tasks))
	assert.Len(t, tasks, 3)

	resp, body = env.do(t, http.MethodGet, "/api/tasks?status=completed,failed", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `[]`, string(body))

	resp, _ = env.do(t, http.MethodGet, "/api/tasks?status=bogus", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = env.do(t, http.MethodGet, "/api/tasks/"+one.ID+"/attempts", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `[]`, string(body))
}

func TestSubmitRejectsBadInput(t *testing.T) {
	env := newTestEnv(t, Options{})
	cases := map[string]string{
		"malformed":     `{"description":`,
		"empty":         `{"description":"  "}`,
		"bad priority":  `{"description":"x","priority":"urgent"}`,
		"bad ref":       `{"description":"x","context_refs":[{"kind":"task_output"}]}`,
		"unknown dep":   `{"description":"x","depends_on":["tsk_missing"]}`,
		"negative max":  `{"description":"x","max_retries":-1}`,
		"bad batch row": `{"tasks":[{"description":""}]}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			resp, out := env.do(t, http.MethodPost, "/api/tasks", body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode, string(out))
		})
	}
}

func TestSubmitTimeoutAsDuration(t *testing.T) {
	env := newTestEnv(t, Options{})
	resp, body := env.do(t, http.MethodPost, "/api/tasks", `{"description":"x","timeout":"5m"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))
	var one submitResp
	require.NoError(t, json.Unmarshal(body, &one))
	task, err := env.repo.Get(context.Background(), one.ID)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, task.Timeout)

	resp, body = env.do(t, http.MethodPost, "/api/tasks", `{"tasks":[{"description":"a","timeout":"90s"},{"description":"b"}]}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))
	var many submitResp
	require.NoError(t, json.Unmarshal(body, &many))
	require.Len(t, many.IDs, 2)
	task, err = env.repo.Get(context.Background(), many.IDs[0])
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, task.Timeout)

	resp, _ = env.do(t, http.MethodPost, "/api/tasks", `{"description":"x","timeout":"soon"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSubmitPartialBatchReturnsCreatedIDs(t *testing.T) {
	env := newTestEnv(t, Options{})
	resp, body := env.do(t, http.MethodPost, "/api/tasks",
		`{"tasks":[{"description":"a"},{"description":"b","depends_on":["tsk_missing"]},{"description":"c"}]}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode, string(body))

	var out errorResp
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Contains(t, out.Error, "task 1")
	require.Len(t, out.IDs, 1)
	task, err := env.repo.Get(context.Background(), out.IDs[0])
	require.NoError(t, err)
	assert.Equal(t, "a", task.Description)
}

func TestNotFound(t *testing.T) {
	env := newTestEnv(t, Options{})
	for _, path := range []string{"/api/tasks/tsk_nope", "/api/tasks/tsk_nope/attempts", "/api/tasks/tsk_nope/output", "/api/documents/plan"} {
		resp, _ := env.do(t, http.MethodGet, path, "")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, path)
	}
	resp, _ := env.do(t, http.MethodPost, "/api/kill/tsk_nope", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestKillPendingAndConflict(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()
	id, err := env.repo.Enqueue(ctx, domain.NewTask{Description: "x"})
	require.NoError(t, err)

	resp, body := env.do(t, http.MethodPost, "/api/kill/"+id, "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))
	task, err := env.repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, task.Status)

	resp, _ = env.do(t, http.MethodPost, "/api/kill/"+id, "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestOutputAndDocuments(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()
	id, err := env.repo.Enqueue(ctx, domain.NewTask{Description: "x"})
	require.NoError(t, err)
	_, err = env.repo.ClaimNext(ctx, "slot-1", []string{domain.AnyAgent})
	require.NoError(t, err)
	ref, err := env.store.PublishArtifact(id, []byte("# Result\n"))
	require.NoError(t, err)
	require.NoError(t, env.repo.Complete(ctx, id, ref))

	resp, body := env.do(t, http.MethodGet, "/api/tasks/"+id+"/output", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "# Result\n", string(body))

	_, err = env.store.UpdateSharedDocument(ctx, "plan", func([]byte) ([]byte, error) { return []byte("v1 body"), nil })
	require.NoError(t, err)
	resp, body = env.do(t, http.MethodGet, "/api/documents/plan", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var doc documentResp
	require.NoError(t, json.Unmarshal(body, &doc))
	assert.Equal(t, 1, doc.Version)
	assert.Equal(t, "v1 body", doc.Body)

	resp, _ = env.do(t, http.MethodGet, "/api/documents/..%2Fescape", "")
	assert.NotEqual(t, http.StatusOK, resp.StatusCode)
}

func TestBroadcastAndCleanup(t *testing.T) {
	env := newTestEnv(t, Options{})
	resp, body := env.do(t, http.MethodPost, "/api/broadcast", `{"from":"lead","text":"schema changed"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	resp, _ = env.do(t, http.MethodPost, "/api/broadcast", `{"from":"lead","text":""}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPost, "/api/cleanup", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = env.do(t, http.MethodPost, "/api/cleanup?older_than=soon", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = env.do(t, http.MethodPost, "/api/cleanup?older_than=24h", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"tasks":[],"broadcasts":0}`, string(body))
}

func TestSlotsWithoutRuntime(t *testing.T) {
	env := newTestEnv(t, Options{})
	resp, body := env.do(t, http.MethodGet, "/api/slots", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `[]`, string(body))
}

func TestSubmitRateLimit(t *testing.T) {
	env := newTestEnv(t, Options{SubmitRate: 0.001, SubmitBurst: 1})
	resp, _ := env.do(t, http.MethodPost, "/api/tasks", `{"description":"first"}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp, _ = env.do(t, http.MethodPost, "/api/tasks", `{"description":"second"}`)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("Retry-After"))

	// Reads are not limited.
	resp, _ = env.do(t, http.MethodGet, "/api/tasks", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
