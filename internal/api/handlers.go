package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/flexinfer/mentatlab/services/dagrunner/internal/auth"
	"github.com/flexinfer/mentatlab/services/dagrunner/internal/config"
	"github.com/flexinfer/mentatlab/services/dagrunner/internal/dag"
	"github.com/flexinfer/mentatlab/services/dagrunner/internal/dagbag"
	"github.com/flexinfer/mentatlab/services/dagrunner/internal/logstore"
	"github.com/flexinfer/mentatlab/services/dagrunner/internal/registry"
	"github.com/flexinfer/mentatlab/services/dagrunner/internal/runstore"
	"github.com/flexinfer/mentatlab/services/dagrunner/internal/xcom"
	"github.com/flexinfer/mentatlab/services/dagrunner/pkg/types"
)

const maxDAGBodyBytes = 1 << 20

// RunController acts on runs owned by the executor.
type RunController interface {
	Cancel(ctx context.Context, runID string, force bool) error
	ClearTask(ctx context.Context, runID, taskID string, downstream bool) error
	ActiveRuns() []string
}

// Triggerer creates manual runs.
type Triggerer interface {
	Trigger(ctx context.Context, dagID string, logicalDate *time.Time, conf map[string]interface{}) (*types.DAGRun, error)
}

// Deps are the components the handlers serve.
type Deps struct {
	Registry registry.Registry
	Store    runstore.RunStore
	Runs     RunController
	Trigger  Triggerer
	XCom     xcom.Store
	Logs     *logstore.Store
	Loader   *dagbag.Loader
	Config   *config.Config
	Logger   *slog.Logger
}

// Handlers contains all HTTP handlers and their dependencies.
type Handlers struct {
	registry registry.Registry
	store    runstore.RunStore
	runs     RunController
	trigger  Triggerer
	xcom     xcom.Store
	logs     *logstore.Store
	loader   *dagbag.Loader
	config   *config.Config
	logger   *slog.Logger
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(d Deps) *Handlers {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Config == nil {
		d.Config = config.Load()
	}
	if d.Loader == nil {
		d.Loader = dagbag.NewLoader(d.Registry, nil, d.Logger)
	}
	return &Handlers{
		registry: d.Registry,
		store:    d.Store,
		runs:     d.Runs,
		trigger:  d.Trigger,
		xcom:     d.XCom,
		logs:     d.Logs,
		loader:   d.Loader,
		config:   d.Config,
		logger:   d.Logger,
	}
}

// --- Health Endpoints ---

// Health handles the /health and /healthz endpoints.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready handles the /ready endpoint, checking the state store.
func (h *Handlers) Ready(w http.ResponseWriter, r *http.Request) {
	info, err := h.store.AdapterInfo(r.Context())
	if err != nil {
		h.logger.Error("state store unhealthy", slog.Any("error", err))
		writeErrorResponse(w, r, http.StatusServiceUnavailable, ErrCodeServiceUnavail, "state store unhealthy", nil)
		return
	}

	resp := map[string]interface{}{
		"status":     "ready",
		"statestore": info,
	}
	if h.runs != nil {
		resp["active_runs"] = len(h.runs.ActiveRuns())
	}
	h.respondJSON(w, http.StatusOK, resp)
}

// --- DAGs ---

// ListDAGs handles GET /api/v1/dags
func (h *Handlers) ListDAGs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := &registry.ListOptions{
		Limit:  queryInt(r, "limit", 0),
		Offset: queryInt(r, "offset", 0),
	}
	if tags := q.Get("tags"); tags != "" {
		opts.Tags = strings.Split(tags, ",")
	}
	if p := q.Get("paused"); p != "" {
		paused, err := strconv.ParseBool(p)
		if err != nil {
			writeErrorResponse(w, r, http.StatusBadRequest, ErrCodeBadRequest, "paused must be a boolean", nil)
			return
		}
		opts.Paused = &paused
	}

	dags, err := h.registry.List(r.Context(), opts)
	if err != nil {
		h.respondError(w, r, err, "failed to list dags")
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"dags":  dags,
		"count": len(dags),
	})
}

// CreateDAG handles POST /api/v1/dags. The body is a JSON or YAML DAG
// document, picked by Content-Type.
func (h *Handlers) CreateDAG(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxDAGBodyBytes))
	if err != nil {
		writeErrorResponse(w, r, http.StatusBadRequest, ErrCodeBadRequest, "failed to read body", map[string]interface{}{"cause": err.Error()})
		return
	}

	var d *types.DAG
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if strings.Contains(mediaType, "yaml") {
		d, err = h.loader.DecodeYAML(body)
	} else {
		d, err = h.loader.Decode(body)
	}
	if err != nil {
		writeErrorResponse(w, r, http.StatusBadRequest, ErrCodeInvalidDAG, err.Error(), nil)
		return
	}

	prev, _ := h.registry.Lookup(ctx, d.ID)
	registered, err := h.registry.Register(ctx, d)
	if err != nil {
		var verr *dag.ValidationError
		if errors.As(err, &verr) {
			writeErrorResponse(w, r, http.StatusBadRequest, ErrCodeInvalidDAG, "dag rejected", map[string]interface{}{
				"dag_id":   verr.DAGID,
				"problems": verr.Problems,
			})
			return
		}
		h.respondError(w, r, err, "failed to register dag")
		return
	}

	status := http.StatusCreated
	if prev != nil && prev.Version == registered.Version {
		status = http.StatusOK
	}
	h.audit(r, "dag registered",
		slog.String("dag_id", registered.ID),
		slog.Int("version", registered.Version))
	h.respondJSON(w, status, registered)
}

// GetDAG handles GET /api/v1/dags/{dagId}; ?version=n selects an older version.
func (h *Handlers) GetDAG(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	dagID := mux.Vars(r)["dagId"]

	var (
		d   *types.DAG
		err error
	)
	if v := r.URL.Query().Get("version"); v != "" {
		version, convErr := strconv.Atoi(v)
		if convErr != nil || version < 1 {
			writeErrorResponse(w, r, http.StatusBadRequest, ErrCodeBadRequest, "version must be a positive integer", nil)
			return
		}
		d, err = h.registry.LookupVersion(ctx, dagID, version)
	} else {
		d, err = h.registry.Lookup(ctx, dagID)
	}
	if err != nil {
		h.respondError(w, r, err, "failed to get dag")
		return
	}
	h.respondJSON(w, http.StatusOK, d)
}

// PatchDAGRequest is the body of PATCH /api/v1/dags/{dagId}.
type PatchDAGRequest struct {
	Paused *bool `json:"paused"`
}

// PatchDAG handles PATCH /api/v1/dags/{dagId}
func (h *Handlers) PatchDAG(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	dagID := mux.Vars(r)["dagId"]

	var req PatchDAGRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Paused == nil {
		writeErrorResponse(w, r, http.StatusBadRequest, ErrCodeBadRequest, `body must be {"paused": bool}`, nil)
		return
	}
	if err := h.registry.SetPaused(ctx, dagID, *req.Paused); err != nil {
		h.respondError(w, r, err, "failed to update dag")
		return
	}
	d, err := h.registry.Lookup(ctx, dagID)
	if err != nil {
		h.respondError(w, r, err, "failed to get dag")
		return
	}
	h.audit(r, "dag pause state changed", slog.String("dag_id", dagID), slog.Bool("paused", d.Paused))
	h.respondJSON(w, http.StatusOK, d)
}

// DeleteDAG handles DELETE /api/v1/dags/{dagId}. Existing runs are kept.
func (h *Handlers) DeleteDAG(w http.ResponseWriter, r *http.Request) {
	dagID := mux.Vars(r)["dagId"]
	if err := h.registry.Delete(r.Context(), dagID); err != nil {
		h.respondError(w, r, err, "failed to delete dag")
		return
	}
	h.audit(r, "dag deleted", slog.String("dag_id", dagID))
	w.WriteHeader(http.StatusNoContent)
}

// --- Runs ---

// TriggerRunRequest is the optional body of POST /api/v1/dags/{dagId}/runs.
type TriggerRunRequest struct {
	LogicalDate *time.Time             `json:"logical_date,omitempty"`
	Conf        map[string]interface{} `json:"conf,omitempty"`
}

// TriggerRunResponse is returned after a manual trigger.
type TriggerRunResponse struct {
	*types.DAGRun
	SSEURL string `json:"sse_url"`
}

// TriggerRun handles POST /api/v1/dags/{dagId}/runs
func (h *Handlers) TriggerRun(w http.ResponseWriter, r *http.Request) {
	dagID := mux.Vars(r)["dagId"]
	if h.trigger == nil {
		writeErrorResponse(w, r, http.StatusServiceUnavailable, ErrCodeServiceUnavail, "scheduler not available", nil)
		return
	}

	var req TriggerRunRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeErrorResponse(w, r, http.StatusBadRequest, ErrCodeBadRequest, "invalid request body", map[string]interface{}{"cause": err.Error()})
			return
		}
	}

	run, err := h.trigger.Trigger(r.Context(), dagID, req.LogicalDate, req.Conf)
	if err != nil {
		details := map[string]interface{}{}
		if run != nil {
			details["run_id"] = run.ID
		}
		writeErrorResponse(w, r, statusForError(err), HTTPStatusToErrorCode(statusForError(err)), err.Error(), details)
		return
	}
	h.audit(r, "run triggered", slog.String("dag_id", dagID), slog.String("run_id", run.ID))
	h.respondJSON(w, http.StatusCreated, TriggerRunResponse{
		DAGRun: run,
		SSEURL: fmt.Sprintf("/api/v1/runs/%s/events", run.ID),
	})
}

// ListDAGRuns handles GET /api/v1/dags/{dagId}/runs. Supports ?state=a,b,
// ?limit=n and ?logical_date=RFC3339 for an exact lookup.
func (h *Handlers) ListDAGRuns(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	dagID := mux.Vars(r)["dagId"]
	q := r.URL.Query()

	if ld := q.Get("logical_date"); ld != "" {
		t, err := time.Parse(time.RFC3339, ld)
		if err != nil {
			writeErrorResponse(w, r, http.StatusBadRequest, ErrCodeBadRequest, "logical_date must be RFC3339", nil)
			return
		}
		run, err := h.store.FindRun(ctx, dagID, t)
		if err != nil {
			if errors.Is(err, runstore.ErrRunNotFound) {
				h.respondJSON(w, http.StatusOK, map[string]interface{}{"runs": []*types.DAGRun{}, "count": 0})
				return
			}
			h.respondError(w, r, err, "failed to find run")
			return
		}
		h.respondJSON(w, http.StatusOK, map[string]interface{}{"runs": []*types.DAGRun{run}, "count": 1})
		return
	}

	filter := &runstore.RunFilter{DAGID: dagID, Limit: queryInt(r, "limit", 100)}
	if states := q.Get("state"); states != "" {
		for _, s := range strings.Split(states, ",") {
			filter.States = append(filter.States, types.RunState(strings.TrimSpace(s)))
		}
	}
	runs, err := h.store.ListRuns(ctx, filter)
	if err != nil {
		h.respondError(w, r, err, "failed to list runs")
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"runs":  runs,
		"count": len(runs),
	})
}

// RunDetail is a run with its task instances.
type RunDetail struct {
	*types.DAGRun
	Tasks []*types.TaskInstance `json:"tasks"`
}

// GetRun handles GET /api/v1/runs/{runId}
func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	runID := mux.Vars(r)["runId"]

	run, err := h.store.GetRun(ctx, runID)
	if err != nil {
		h.respondError(w, r, err, "failed to get run")
		return
	}
	tasks, err := h.store.ListTaskInstances(ctx, runID)
	if err != nil {
		h.respondError(w, r, err, "failed to list tasks")
		return
	}
	h.respondJSON(w, http.StatusOK, RunDetail{DAGRun: run, Tasks: tasks})
}

// DeleteRun handles DELETE /api/v1/runs/{runId}. Only finished runs can be
// deleted; their XCom values and task logs go with them.
func (h *Handlers) DeleteRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	runID := mux.Vars(r)["runId"]

	run, err := h.store.GetRun(ctx, runID)
	if err != nil {
		h.respondError(w, r, err, "failed to get run")
		return
	}
	if !run.State.Terminal() {
		writeErrorResponse(w, r, http.StatusConflict, ErrCodeConflict, "run is still active", map[string]interface{}{"state": run.State})
		return
	}
	tasks, err := h.store.ListTaskInstances(ctx, runID)
	if err != nil {
		h.respondError(w, r, err, "failed to list task instances")
		return
	}
	if err := h.store.DeleteRun(ctx, runID); err != nil {
		h.respondError(w, r, err, "failed to delete run")
		return
	}
	if h.xcom != nil {
		if err := h.xcom.DeleteRun(ctx, runID); err != nil {
			h.logger.Warn("failed to delete xcom of run", slog.String("run_id", runID), slog.Any("error", err))
		}
	}
	if h.logs != nil {
		for _, ti := range tasks {
			key := logstore.Key{DAGID: run.DAGID, LogicalDate: run.LogicalDate, TaskID: ti.TaskID}
			if err := h.logs.Delete(ctx, key); err != nil {
				h.logger.Warn("failed to delete task logs", slog.String("run_id", runID), slog.String("task_id", ti.TaskID), slog.Any("error", err))
			}
		}
	}
	h.audit(r, "run deleted", slog.String("dag_id", run.DAGID), slog.String("run_id", runID))
	w.WriteHeader(http.StatusNoContent)
}

// CancelRun handles POST /api/v1/runs/{runId}/cancel?force=true
func (h *Handlers) CancelRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	runID := mux.Vars(r)["runId"]
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))

	if err := h.runs.Cancel(ctx, runID, force); err != nil {
		h.respondError(w, r, err, "failed to cancel run")
		return
	}
	h.audit(r, "run cancel requested", slog.String("run_id", runID), slog.Bool("force", force))
	run, err := h.store.GetRun(ctx, runID)
	if err != nil {
		h.respondError(w, r, err, "failed to get run")
		return
	}
	h.respondJSON(w, http.StatusAccepted, run)
}

// --- Tasks ---

// ListTasks handles GET /api/v1/runs/{runId}/tasks
func (h *Handlers) ListTasks(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	runID := mux.Vars(r)["runId"]

	if _, err := h.store.GetRun(ctx, runID); err != nil {
		h.respondError(w, r, err, "failed to get run")
		return
	}
	tasks, err := h.store.ListTaskInstances(ctx, runID)
	if err != nil {
		h.respondError(w, r, err, "failed to list tasks")
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"tasks": tasks,
		"count": len(tasks),
	})
}

// ClearTask handles POST /api/v1/runs/{runId}/tasks/{taskId}/clear?downstream=true
func (h *Handlers) ClearTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	vars := mux.Vars(r)
	runID, taskID := vars["runId"], vars["taskId"]
	downstream, _ := strconv.ParseBool(r.URL.Query().Get("downstream"))

	if err := h.runs.ClearTask(ctx, runID, taskID, downstream); err != nil {
		h.respondError(w, r, err, "failed to clear task")
		return
	}
	h.audit(r, "task cleared", slog.String("run_id", runID), slog.String("task_id", taskID), slog.Bool("downstream", downstream))
	tasks, err := h.store.ListTaskInstances(ctx, runID)
	if err != nil {
		h.respondError(w, r, err, "failed to list tasks")
		return
	}
	h.respondJSON(w, http.StatusAccepted, map[string]interface{}{
		"tasks": tasks,
		"count": len(tasks),
	})
}

// GetTaskLog handles GET /api/v1/runs/{runId}/tasks/{taskId}/logs?attempt=n
func (h *Handlers) GetTaskLog(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	vars := mux.Vars(r)
	runID, taskID := vars["runId"], vars["taskId"]

	if h.logs == nil {
		writeErrorResponse(w, r, http.StatusServiceUnavailable, ErrCodeServiceUnavail, "task logs are not stored", nil)
		return
	}
	run, err := h.store.GetRun(ctx, runID)
	if err != nil {
		h.respondError(w, r, err, "failed to get run")
		return
	}
	key := logstore.Key{
		DAGID:       run.DAGID,
		LogicalDate: run.LogicalDate,
		TaskID:      taskID,
		Attempt:     queryInt(r, "attempt", 0),
	}
	data, err := h.logs.Read(ctx, key)
	if err != nil {
		h.respondError(w, r, err, "failed to read task log")
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// --- XCom ---

// ListXCom handles GET /api/v1/runs/{runId}/xcom
func (h *Handlers) ListXCom(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["runId"]
	entries, err := h.xcom.List(r.Context(), runID)
	if err != nil {
		h.respondError(w, r, err, "failed to list xcom")
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"count":   len(entries),
	})
}

// GetXCom handles GET /api/v1/runs/{runId}/xcom/{taskId}/{key}
func (h *Handlers) GetXCom(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	entry, err := h.xcom.Get(r.Context(), vars["runId"], vars["taskId"], vars["key"])
	if err != nil {
		h.respondError(w, r, err, "failed to get xcom")
		return
	}
	h.respondJSON(w, http.StatusOK, entry)
}

// --- Helper Methods ---

// audit logs a state-changing call with the caller's identity.
func (h *Handlers) audit(r *http.Request, msg string, attrs ...slog.Attr) {
	attrs = append(attrs, slog.String("by", auth.Subject(r.Context())))
	h.logger.LogAttrs(r.Context(), slog.LevelInfo, msg, attrs...)
}

func (h *Handlers) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", slog.Any("error", err))
	}
}

// respondError writes err through the error envelope, picking the status from
// the error chain. Server errors are logged.
func (h *Handlers) respondError(w http.ResponseWriter, r *http.Request, err error, message string) {
	status := statusForError(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error(message,
			slog.Any("error", err),
			slog.Int("status", status),
			slog.String("request_id", GetRequestID(r.Context(), r)))
	}
	writeErrorResponse(w, r, status, HTTPStatusToErrorCode(status), message+": "+err.Error(), nil)
}

func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	return def
}
