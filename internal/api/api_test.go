package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/flexinfer/mentatlab/services/dagrunner/internal/blobstore"
	"github.com/flexinfer/mentatlab/services/dagrunner/internal/config"
	"github.com/flexinfer/mentatlab/services/dagrunner/internal/dagbag"
	"github.com/flexinfer/mentatlab/services/dagrunner/internal/driver"
	"github.com/flexinfer/mentatlab/services/dagrunner/internal/executor"
	"github.com/flexinfer/mentatlab/services/dagrunner/internal/logstore"
	"github.com/flexinfer/mentatlab/services/dagrunner/internal/operator"
	"github.com/flexinfer/mentatlab/services/dagrunner/internal/registry"
	"github.com/flexinfer/mentatlab/services/dagrunner/internal/runstore"
	"github.com/flexinfer/mentatlab/services/dagrunner/internal/scheduler"
	"github.com/flexinfer/mentatlab/services/dagrunner/internal/validator"
	"github.com/flexinfer/mentatlab/services/dagrunner/internal/xcom"
	"github.com/flexinfer/mentatlab/services/dagrunner/pkg/types"
)

const numbersDAG = `{
  "id": "numbers",
  "tags": ["demo"],
  "tasks": [
    {"id": "extract", "operator": "func", "func": {"name": "extract"}},
    {"id": "sum", "operator": "func", "func": {"name": "sum"}, "upstream": ["extract"]}
  ]
}`

const blockingDAG = `{
  "id": "blocking",
  "tasks": [
    {"id": "wait", "operator": "func", "func": {"name": "block"}},
    {"id": "after", "operator": "empty", "upstream": ["wait"]}
  ]
}`

type testEnv struct {
	t       *testing.T
	handler http.Handler
	h       *Handlers
	store   runstore.RunStore
	xcom    xcom.Store
	exec    *executor.Executor
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	reg := registry.NewMemoryRegistry()
	store := runstore.Compose(runstore.NewMemoryStore(nil), runstore.NewMemoryEvents(nil))
	xc := xcom.NewMemoryStore()
	logs := logstore.New(blobstore.NewMemoryBackend())

	ops := operator.NewRegistry()
	ops.RegisterFunc("extract", func(ctx context.Context, tc *operator.TaskContext, args map[string]interface{}) (interface{}, error) {
		return []int{1, 2, 3}, nil
	})
	ops.RegisterFunc("sum", func(ctx context.Context, tc *operator.TaskContext, args map[string]interface{}) (interface{}, error) {
		v, err := tc.XCom.Pull(ctx, "extract", "")
		if err != nil {
			return nil, err
		}
		total := 0.0
		for _, n := range v.([]interface{}) {
			total += n.(float64)
		}
		return total, nil
	})
	ops.RegisterFunc("block", func(ctx context.Context, tc *operator.TaskContext, args map[string]interface{}) (interface{}, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	runner := operator.NewRunner(ops, xc, operator.RunnerConfig{
		Worker: "api-test",
		Logs:   logs,
		Events: operator.NewRunStoreEmitter(store),
	}, nil)
	backend := driver.NewLocal(runner, 4)
	exec := executor.New(store, reg, xc, backend, executor.Config{})
	sched := scheduler.New(reg, store, exec, scheduler.Config{})

	v, err := validator.New()
	if err != nil {
		t.Fatalf("validator: %v", err)
	}
	cfg := config.Load()
	h := NewHandlers(Deps{
		Registry: reg,
		Store:    store,
		Runs:     exec,
		Trigger:  sched,
		XCom:     xc,
		Logs:     logs,
		Loader:   dagbag.NewLoader(reg, v, nil),
		Config:   cfg,
	})

	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		exec.Shutdown(shutdownCtx)
		backend.Close(shutdownCtx)
	})

	return &testEnv{
		t:       t,
		handler: NewServer(h).Router(),
		h:       h,
		store:   store,
		xcom:    xc,
		exec:    exec,
	}
}

func (e *testEnv) do(method, path string, body string, header ...string) *httptest.ResponseRecorder {
	e.t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) expect(rec *httptest.ResponseRecorder, status int) {
	e.t.Helper()
	if rec.Code != status {
		e.t.Fatalf("status = %d, want %d; body: %s", rec.Code, status, rec.Body.String())
	}
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(bytes.NewReader(rec.Body.Bytes())).Decode(&v); err != nil {
		t.Fatalf("decode %s: %v", rec.Body.String(), err)
	}
	return v
}

func (e *testEnv) trigger(dagID string) *types.DAGRun {
	e.t.Helper()
	rec := e.do(http.MethodPost, "/api/v1/dags/"+dagID+"/runs", `{"conf": {"source": "test"}}`)
	e.expect(rec, http.StatusCreated)
	resp := decode[TriggerRunResponse](e.t, rec)
	if resp.SSEURL != "/api/v1/runs/"+resp.ID+"/events" {
		e.t.Errorf("sse_url = %q", resp.SSEURL)
	}
	return resp.DAGRun
}

func (e *testEnv) wait(runID string) *types.DAGRun {
	e.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.exec.Wait(ctx, runID); err != nil {
		e.t.Fatalf("wait for run: %v", err)
	}
	run, err := e.store.GetRun(context.Background(), runID)
	if err != nil {
		e.t.Fatalf("get run: %v", err)
	}
	return run
}

func TestHealthAndReady(t *testing.T) {
	env := newTestEnv(t)

	for _, path := range []string{"/health", "/healthz"} {
		rec := env.do(http.MethodGet, path, "")
		env.expect(rec, http.StatusOK)
	}

	rec := env.do(http.MethodGet, "/ready", "")
	env.expect(rec, http.StatusOK)
	body := decode[map[string]interface{}](t, rec)
	if body["status"] != "ready" {
		t.Errorf("status = %v", body["status"])
	}

	rec = env.do(http.MethodGet, "/metrics", "")
	env.expect(rec, http.StatusOK)
}

func TestDAGLifecycle(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodPost, "/api/v1/dags", numbersDAG)
	env.expect(rec, http.StatusCreated)
	d := decode[types.DAG](t, rec)
	if d.ID != "numbers" || d.Version != 1 {
		t.Fatalf("registered %s v%d", d.ID, d.Version)
	}

	// Same content is a no-op.
	rec = env.do(http.MethodPost, "/api/v1/dags", numbersDAG)
	env.expect(rec, http.StatusOK)

	yamlDoc := `
id: numbers
description: changed
tasks:
  - id: extract
    operator: func
    func: {name: extract}
`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/dags", strings.NewReader(yamlDoc))
	req.Header.Set("Content-Type", "application/yaml")
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	env.expect(rec, http.StatusCreated)
	if d := decode[types.DAG](t, rec); d.Version != 2 {
		t.Errorf("version = %d, want 2", d.Version)
	}

	rec = env.do(http.MethodGet, "/api/v1/dags/numbers?version=1", "")
	env.expect(rec, http.StatusOK)
	if d := decode[types.DAG](t, rec); len(d.Tasks) != 2 {
		t.Errorf("version 1 has %d tasks, want 2", len(d.Tasks))
	}

	rec = env.do(http.MethodPatch, "/api/v1/dags/numbers", `{"paused": true}`)
	env.expect(rec, http.StatusOK)
	if d := decode[types.DAG](t, rec); !d.Paused {
		t.Error("dag should be paused")
	}

	rec = env.do(http.MethodGet, "/api/v1/dags?paused=true", "")
	env.expect(rec, http.StatusOK)
	list := decode[struct {
		DAGs  []types.DAG `json:"dags"`
		Count int         `json:"count"`
	}](t, rec)
	if list.Count != 1 || list.DAGs[0].ID != "numbers" {
		t.Errorf("paused list = %+v", list)
	}

	rec = env.do(http.MethodPatch, "/api/v1/dags/numbers", `{}`)
	env.expect(rec, http.StatusBadRequest)

	rec = env.do(http.MethodDelete, "/api/v1/dags/numbers", "")
	env.expect(rec, http.StatusNoContent)

	rec = env.do(http.MethodGet, "/api/v1/dags/numbers", "", "X-Request-ID", "req-123")
	env.expect(rec, http.StatusNotFound)
	errResp := decode[ErrorResponse](t, rec)
	if errResp.Error != ErrCodeNotFound || errResp.RequestID != "req-123" {
		t.Errorf("error envelope = %+v", errResp)
	}
}

func TestCreateDAGRejectsInvalid(t *testing.T) {
	env := newTestEnv(t)

	cyclic := `{"id": "cyclic", "tasks": [
		{"id": "a", "operator": "empty", "upstream": ["b"]},
		{"id": "b", "operator": "empty", "upstream": ["a"]}
	]}`
	rec := env.do(http.MethodPost, "/api/v1/dags", cyclic)
	env.expect(rec, http.StatusBadRequest)
	errResp := decode[ErrorResponse](t, rec)
	if errResp.Error != ErrCodeInvalidDAG {
		t.Errorf("error = %q, want invalid_dag", errResp.Error)
	}
	if _, ok := errResp.Details["problems"]; !ok {
		t.Errorf("details missing problems: %+v", errResp.Details)
	}

	rec = env.do(http.MethodPost, "/api/v1/dags", `{"id": "x", "tasks": [{"id": "a", "operator": "bash"}]}`)
	env.expect(rec, http.StatusBadRequest)

	rec = env.do(http.MethodPost, "/api/v1/dags", `not json`)
	env.expect(rec, http.StatusBadRequest)
}

func TestTriggerAndInspectRun(t *testing.T) {
	env := newTestEnv(t)
	env.expect(env.do(http.MethodPost, "/api/v1/dags", numbersDAG), http.StatusCreated)

	run := env.trigger("numbers")
	if run.RunType != types.RunTypeManual || run.Conf["source"] != "test" {
		t.Errorf("run = %+v", run)
	}
	final := env.wait(run.ID)
	if final.State != types.RunStateSuccess {
		t.Fatalf("run state = %s (%s)", final.State, final.Error)
	}

	rec := env.do(http.MethodGet, "/api/v1/runs/"+run.ID, "")
	env.expect(rec, http.StatusOK)
	detail := decode[RunDetail](t, rec)
	if len(detail.Tasks) != 2 {
		t.Errorf("tasks = %d, want 2", len(detail.Tasks))
	}

	rec = env.do(http.MethodGet, "/api/v1/runs/"+run.ID+"/tasks", "")
	env.expect(rec, http.StatusOK)

	rec = env.do(http.MethodGet, "/api/v1/runs/"+run.ID+"/xcom/sum/return_value", "")
	env.expect(rec, http.StatusOK)
	if entry := decode[types.XComEntry](t, rec); string(entry.Value) != "6" {
		t.Errorf("sum = %s, want 6", entry.Value)
	}
	rec = env.do(http.MethodGet, "/api/v1/runs/"+run.ID+"/xcom", "")
	env.expect(rec, http.StatusOK)
	if list := decode[map[string]interface{}](t, rec); list["count"].(float64) != 2 {
		t.Errorf("xcom count = %v, want 2", list["count"])
	}
	rec = env.do(http.MethodGet, "/api/v1/runs/"+run.ID+"/xcom/sum/missing", "")
	env.expect(rec, http.StatusNotFound)

	rec = env.do(http.MethodGet, "/api/v1/runs/"+run.ID+"/tasks/sum/logs", "")
	env.expect(rec, http.StatusOK)
	if !strings.Contains(rec.Body.String(), "attempt 1 of task sum") {
		t.Errorf("log = %q", rec.Body.String())
	}
	rec = env.do(http.MethodGet, "/api/v1/runs/"+run.ID+"/tasks/sum/logs?attempt=7", "")
	env.expect(rec, http.StatusNotFound)

	date := run.LogicalDate.UTC().Format(time.RFC3339)
	rec = env.do(http.MethodGet, "/api/v1/dags/numbers/runs?logical_date="+date, "")
	env.expect(rec, http.StatusOK)
	if list := decode[map[string]interface{}](t, rec); list["count"].(float64) != 1 {
		t.Errorf("runs for date = %v", list["count"])
	}
	rec = env.do(http.MethodGet, "/api/v1/dags/numbers/runs?state=failed", "")
	env.expect(rec, http.StatusOK)
	if list := decode[map[string]interface{}](t, rec); list["count"].(float64) != 0 {
		t.Errorf("failed runs = %v, want 0", list["count"])
	}

	rec = env.do(http.MethodDelete, "/api/v1/runs/"+run.ID, "")
	env.expect(rec, http.StatusNoContent)
	env.expect(env.do(http.MethodGet, "/api/v1/runs/"+run.ID, ""), http.StatusNotFound)
	if _, err := env.xcom.Get(context.Background(), run.ID, "sum", types.ReturnValueKey); !errors.Is(err, xcom.ErrNotFound) {
		t.Errorf("xcom of deleted run: err = %v", err)
	}
}

func TestTriggerUnknownDAG(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(http.MethodPost, "/api/v1/dags/ghost/runs", "")
	env.expect(rec, http.StatusNotFound)
}

func TestTriggerDuplicateLogicalDate(t *testing.T) {
	env := newTestEnv(t)
	env.expect(env.do(http.MethodPost, "/api/v1/dags", numbersDAG), http.StatusCreated)

	body := `{"logical_date": "2026-03-01T00:00:00Z"}`
	rec := env.do(http.MethodPost, "/api/v1/dags/numbers/runs", body)
	env.expect(rec, http.StatusCreated)
	env.wait(decode[TriggerRunResponse](t, rec).ID)

	rec = env.do(http.MethodPost, "/api/v1/dags/numbers/runs", body)
	env.expect(rec, http.StatusConflict)
}

func TestCancelRun(t *testing.T) {
	env := newTestEnv(t)
	env.expect(env.do(http.MethodPost, "/api/v1/dags", blockingDAG), http.StatusCreated)

	run := env.trigger("blocking")

	deadline := time.Now().Add(5 * time.Second)
	for {
		ti, err := env.store.GetTaskInstance(context.Background(), run.ID, "wait")
		if err == nil && ti.State == types.TaskStateRunning {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("task never started")
		}
		time.Sleep(10 * time.Millisecond)
	}

	rec := env.do(http.MethodDelete, "/api/v1/runs/"+run.ID, "")
	env.expect(rec, http.StatusConflict)

	rec = env.do(http.MethodPost, "/api/v1/runs/"+run.ID+"/cancel?force=true", "")
	env.expect(rec, http.StatusAccepted)

	final := env.wait(run.ID)
	if final.State != types.RunStateCancelled {
		t.Fatalf("state = %s, want cancelled", final.State)
	}
	after, err := env.store.GetTaskInstance(context.Background(), run.ID, "after")
	if err != nil {
		t.Fatal(err)
	}
	if after.State != types.TaskStateSkipped {
		t.Errorf("downstream state = %s, want skipped", after.State)
	}

	rec = env.do(http.MethodPost, "/api/v1/runs/"+run.ID+"/cancel", "")
	env.expect(rec, http.StatusConflict)
}

func TestClearTask(t *testing.T) {
	env := newTestEnv(t)
	env.expect(env.do(http.MethodPost, "/api/v1/dags", numbersDAG), http.StatusCreated)

	run := env.trigger("numbers")
	env.wait(run.ID)

	rec := env.do(http.MethodPost, "/api/v1/runs/"+run.ID+"/tasks/sum/clear", "")
	env.expect(rec, http.StatusAccepted)

	final := env.wait(run.ID)
	if final.State != types.RunStateSuccess {
		t.Fatalf("state = %s (%s)", final.State, final.Error)
	}
	ti, err := env.store.GetTaskInstance(context.Background(), run.ID, "sum")
	if err != nil {
		t.Fatal(err)
	}
	if ti.Attempt != 2 {
		t.Errorf("attempt = %d, want 2", ti.Attempt)
	}

	rec = env.do(http.MethodPost, "/api/v1/runs/"+run.ID+"/tasks/nope/clear", "")
	env.expect(rec, http.StatusNotFound)
}

func TestStreamEventsOfFinishedRun(t *testing.T) {
	env := newTestEnv(t)
	env.expect(env.do(http.MethodPost, "/api/v1/dags", numbersDAG), http.StatusCreated)

	run := env.trigger("numbers")
	env.wait(run.ID)

	rec := env.do(http.MethodGet, "/api/v1/runs/"+run.ID+"/events", "")
	env.expect(rec, http.StatusOK)
	body := rec.Body.String()
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}
	for _, want := range []string{"event: hello", "event: task_state", "event: run_state", "event: stream_end", `"state":"success"`} {
		if !strings.Contains(body, want) {
			t.Errorf("stream missing %q", want)
		}
	}

	// Resuming past every event replays nothing but still ends the stream.
	events, err := env.store.GetEventsSince(context.Background(), run.ID, "")
	if err != nil {
		t.Fatal(err)
	}
	last := events[len(events)-1].ID
	rec = env.do(http.MethodGet, "/api/v1/runs/"+run.ID+"/events", "", "Last-Event-ID", last)
	env.expect(rec, http.StatusOK)
	if strings.Contains(rec.Body.String(), "event: task_state") {
		t.Error("resumed stream replayed old events")
	}
	if !strings.Contains(rec.Body.String(), "event: stream_end") {
		t.Error("resumed stream did not end")
	}

	env.expect(env.do(http.MethodGet, "/api/v1/runs/nope/events", ""), http.StatusNotFound)
}

func TestFollowRunLiveEvents(t *testing.T) {
	env := newTestEnv(t)
	env.expect(env.do(http.MethodPost, "/api/v1/dags", blockingDAG), http.StatusCreated)
	run := env.trigger("blocking")
	defer func() {
		env.expect(env.do(http.MethodPost, "/api/v1/runs/"+run.ID+"/cancel?force=true", ""), http.StatusAccepted)
		env.wait(run.ID)
	}()

	final, _ := json.Marshal(types.RunStateEvent{State: types.RunStateCancelled})
	live := make(chan *types.Event, 2)
	live <- &types.Event{ID: "900", RunID: run.ID, Type: types.EventTypeTaskState, Data: json.RawMessage(`{"task_id":"wait","state":"running"}`)}
	live <- &types.Event{ID: "901", RunID: run.ID, Type: types.EventTypeRunState, Data: final}

	rec := httptest.NewRecorder()
	reason := env.h.followRun(context.Background(), &eventStream{w: rec, flusher: rec}, run.ID, "", live)
	if reason != "finished" {
		t.Fatalf("reason = %q, want finished", reason)
	}
	body := rec.Body.String()
	for _, want := range []string{"id: 900\nevent: task_state", "id: 901\nevent: run_state", "event: stream_end"} {
		if !strings.Contains(body, want) {
			t.Errorf("stream missing %q in %s", want, body)
		}
	}

	// a subscription closed under the stream ends it too
	closed := make(chan *types.Event)
	close(closed)
	rec = httptest.NewRecorder()
	if reason := env.h.followRun(context.Background(), &eventStream{w: rec, flusher: rec}, run.ID, "", closed); reason != "closed" {
		t.Errorf("reason = %q, want closed", reason)
	}
	if !strings.Contains(rec.Body.String(), "event: stream_end") {
		t.Error("closed stream did not end")
	}
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(http.MethodOptions, "/api/v1/dags", "", "Origin", "http://localhost:3000")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("allow origin = %q", got)
	}
}

func TestNormalizePath(t *testing.T) {
	tests := map[string]string{
		"/api/v1/runs/123e4567-e89b-12d3-a456-426614174000": "/api/v1/runs/{id}",
		"/api/v1/dags/etl/runs":                             "/api/v1/dags/etl/runs",
		"/api/v1/runs/42/tasks":                             "/api/v1/runs/{id}/tasks",
	}
	for in, want := range tests {
		if got := normalizePath(in); got != want {
			t.Errorf("normalizePath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	h := NewHandlers(Deps{Config: &config.Config{}})
	panicky := h.RecoveryMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	panicky.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}
