package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/orcflow/internal/db"
	"github.com/randalmurphal/orcflow/internal/durable"
	"github.com/randalmurphal/orcflow/internal/events"
	"github.com/randalmurphal/orcflow/internal/orchestrator"
	"github.com/randalmurphal/orcflow/internal/registry"
	"github.com/randalmurphal/orcflow/internal/runtime"
	"github.com/randalmurphal/orcflow/internal/testutil"
)

type fixture struct {
	srv     *httptest.Server
	store   *db.EngineDB
	repo    *testutil.TestRepo
	project *db.Project
	orch    *orchestrator.Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store := db.NewTestEngineDB(t)
	repo := testutil.SetupTestRepo(t)
	proj := &db.Project{Name: "app", Path: repo.RootDir}
	require.NoError(t, store.SaveProject(ctx, proj))
	repo.WriteWorkflow("hello.yaml", testutil.MinimalWorkflow("hello"))

	pub := events.NewMemoryPublisher()
	t.Cleanup(pub.Close)
	rec := events.NewRecorder(store, pub, nil)

	reg := registry.New(store, nil, registry.WithRecorder(rec))
	_, err := reg.Reload(ctx)
	require.NoError(t, err)

	sub := durable.New(store, durable.WithRetries(0), durable.WithBackoff(time.Millisecond))
	engine := runtime.New(store, sub, runtime.WithRecorder(rec))
	orch := orchestrator.New(store, reg, engine, sub)
	t.Cleanup(orch.Shutdown)

	s := New(Config{Store: store, Registry: reg, Orchestrator: orch, Recorder: rec})
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.ws.CloseAll()
		srv.Close()
	})
	return &fixture{srv: srv, store: store, repo: repo, project: proj, orch: orch}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.srv.URL+path, &buf)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestHealth(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	resp := f.do(t, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[map[string]any](t, resp)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(1), body["definitions"])
}

func TestTriggerRunAndInspect(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/api/runs", orchestrator.Request{
		ProjectID:    f.project.ID,
		DefinitionID: "hello",
		Wait:         true,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	run := decode[db.WorkflowRun](t, resp)
	assert.Equal(t, db.RunCompleted, run.Status)
	assert.Equal(t, "api", run.TriggeredBy)

	resp = f.do(t, http.MethodGet, "/api/runs/"+run.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, run.ID, decode[db.WorkflowRun](t, resp).ID)

	resp = f.do(t, http.MethodGet, "/api/runs/"+run.ID+"/steps", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	steps := decode[[]db.WorkflowRunStep](t, resp)
	require.Len(t, steps, 2)
	assert.Equal(t, "note", steps[1].Name)

	resp = f.do(t, http.MethodGet, "/api/runs/"+run.ID+"/events", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	evs := decode[[]events.Event](t, resp)
	var types []events.EventType
	for _, ev := range evs {
		types = append(types, ev.Type)
	}
	assert.Contains(t, types, events.EventAnnotationAdded)
	assert.Contains(t, types, events.EventWorkflowCompleted)

	last := evs[len(evs)-1].ID
	resp = f.do(t, http.MethodGet, "/api/runs/"+run.ID+"/events?after="+strconv.FormatInt(last, 10), nil)
	assert.Empty(t, decode[[]events.Event](t, resp))

	resp = f.do(t, http.MethodGet, "/api/runs?project_id="+f.project.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[[]db.WorkflowRun](t, resp), 1)
}

func TestTriggerAsyncReturnsAccepted(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/api/runs", orchestrator.Request{ProjectID: f.project.ID, DefinitionID: "hello"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	run := decode[db.WorkflowRun](t, resp)
	assert.Equal(t, db.RunPending, run.Status)
	f.orch.Wait()
}

func TestErrorResponses(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"unknown run", http.MethodGet, "/api/runs/RUN-nope", nil, http.StatusNotFound, "RUN_NOT_FOUND"},
		{"unknown definition", http.MethodPost, "/api/runs",
			orchestrator.Request{ProjectID: f.project.ID, DefinitionID: "nope"}, http.StatusNotFound, "DEFINITION_NOT_FOUND"},
		{"bad args", http.MethodPost, "/api/runs",
			orchestrator.Request{ProjectID: f.project.ID, DefinitionID: "hello", Args: map[string]any{"x": 1}},
			http.StatusBadRequest, "ARGS_INVALID"},
		{"bad limit", http.MethodGet, "/api/runs?limit=-2", nil, http.StatusBadRequest, ""},
		{"bad project path", http.MethodPost, "/api/projects",
			map[string]string{"path": "/definitely/not/here"}, http.StatusBadRequest, "PROJECT_INVALID"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
			body := decode[APIError](t, resp)
			assert.Equal(t, tt.code, body.Code)
			assert.NotEmpty(t, body.Error)
		})
	}

	req, err := http.NewRequest(http.MethodPost, f.srv.URL+"/api/runs", strings.NewReader("{"))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestProjectsAndReload(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	other := testutil.SetupTestRepo(t)
	other.WriteWorkflow("build.yaml", testutil.MinimalWorkflow("build"))

	resp := f.do(t, http.MethodPost, "/api/projects", map[string]string{"path": other.RootDir, "name": "other"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	proj := decode[db.Project](t, resp)
	assert.Equal(t, "other", proj.Name)

	resp = f.do(t, http.MethodGet, "/api/projects", nil)
	assert.Len(t, decode[[]db.Project](t, resp), 2)

	resp = f.do(t, http.MethodPost, "/api/reload", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	diff := decode[registry.Diff](t, resp)
	require.Len(t, diff.New, 1)
	assert.Equal(t, "build", diff.New[0].ID)

	resp = f.do(t, http.MethodGet, "/api/definitions?project_id="+proj.ID, nil)
	defs := decode[[]db.WorkflowDefinition](t, resp)
	require.Len(t, defs, 1)
	assert.Equal(t, "build", defs[0].Identifier)
	assert.True(t, defs[0].IsActive())
}

func TestWebSocketStreamsRunEvents(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	wsURL := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/api/ws?run_id=*"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	defer func() { _ = conn.Close() }()

	type wsEnvelope struct {
		Type  string       `json:"type"`
		RunID string       `json:"run_id"`
		Event events.Event `json:"event"`
	}
	read := func() wsEnvelope {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		var msg wsEnvelope
		require.NoError(t, conn.ReadJSON(&msg))
		return msg
	}

	first := read()
	require.Equal(t, "subscribed", first.Type)
	assert.Equal(t, "*", first.RunID)

	require.NoError(t, conn.WriteJSON(WSMessage{Type: "ping"}))
	assert.Equal(t, "pong", read().Type)

	r := f.do(t, http.MethodPost, "/api/runs", orchestrator.Request{ProjectID: f.project.ID, DefinitionID: "hello"})
	run := decode[db.WorkflowRun](t, r)

	for {
		msg := read()
		if msg.Type != "event" {
			continue
		}
		assert.Equal(t, run.ID, msg.Event.RunID)
		if msg.Event.Type == events.EventWorkflowCompleted {
			break
		}
	}
}
