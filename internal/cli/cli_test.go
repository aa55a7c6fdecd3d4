package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flexinfer/mentatlab/services/dagrunner/internal/auth"
	"github.com/flexinfer/mentatlab/services/dagrunner/pkg/types"
)

var logicalDate = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

// fakeServer answers the subset of the API dagctl uses.
func fakeServer(t *testing.T) (*httptest.Server, *[]string) {
	t.Helper()
	var seen []string
	mux := http.NewServeMux()
	record := func(r *http.Request) {
		seen = append(seen, r.Method+" "+r.URL.RequestURI())
	}
	writeJSON := func(w http.ResponseWriter, status int, v interface{}) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(v)
	}
	run := types.DAGRun{ID: "run-1", DAGID: "etl", LogicalDate: logicalDate, State: types.RunStateRunning, RunType: types.RunTypeManual}

	mux.HandleFunc("/api/v1/dags", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"dags":  []types.DAG{{ID: "etl", Version: 3, Schedule: "@daily", Tags: []string{"prod"}}},
			"count": 1,
		})
	})
	mux.HandleFunc("/api/v1/dags/etl", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		d := types.DAG{ID: "etl", Version: 3, Tasks: []types.TaskSpec{{ID: "extract", Operator: "bash"}}}
		if r.Method == http.MethodPatch {
			var body map[string]bool
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			d.Paused = body["paused"]
		}
		writeJSON(w, http.StatusOK, d)
	})
	mux.HandleFunc("/api/v1/dags/ghost", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not_found", "message": "dag not found"})
	})
	mux.HandleFunc("/api/v1/dags/etl/runs", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		if r.Method == http.MethodPost {
			var body struct {
				LogicalDate *time.Time             `json:"logical_date"`
				Conf        map[string]interface{} `json:"conf"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			created := run
			created.Conf = body.Conf
			if body.LogicalDate != nil {
				created.LogicalDate = *body.LogicalDate
			}
			writeJSON(w, http.StatusCreated, map[string]interface{}{"id": created.ID, "dag_id": created.DAGID, "logical_date": created.LogicalDate, "conf": created.Conf, "sse_url": "/x"})
			return
		}
		runs := []types.DAGRun{run}
		if d := r.URL.Query().Get("logical_date"); d != "" && d != logicalDate.Format(time.RFC3339) {
			runs = nil
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"runs": runs, "count": len(runs)})
	})
	mux.HandleFunc("/api/v1/runs/run-1/cancel", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		writeJSON(w, http.StatusAccepted, run)
	})
	mux.HandleFunc("/api/v1/runs/run-1/tasks/load/logs", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		w.Header().Set("Content-Type", "text/plain")
		io.WriteString(w, "attempt "+r.URL.Query().Get("attempt")+" output\n")
	})
	mux.HandleFunc("/api/v1/runs/run-1/tasks/load/clear", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"tasks": []types.TaskInstance{{RunID: "run-1", TaskID: "load", State: types.TaskStatePending, Attempt: 1, MaxAttempts: 2}},
		})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &seen
}

func execute(t *testing.T, srv *httptest.Server, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--server", srv.URL}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestDAGCommands(t *testing.T) {
	srv, seen := fakeServer(t)

	out, err := execute(t, srv, "dags", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "etl")
	assert.Contains(t, out, "@daily")

	out, err = execute(t, srv, "dags", "show", "etl", "-o", "json")
	require.NoError(t, err)
	var d types.DAG
	require.NoError(t, json.Unmarshal([]byte(out), &d))
	assert.Equal(t, 3, d.Version)

	out, err = execute(t, srv, "dags", "pause", "etl")
	require.NoError(t, err)
	assert.Contains(t, out, "paused=true")

	_, err = execute(t, srv, "dags", "show", "ghost")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.Contains(t, err.Error(), "dag not found")

	assert.Contains(t, *seen, "PATCH /api/v1/dags/etl")
}

func TestTriggerCommand(t *testing.T) {
	srv, _ := fakeServer(t)

	out, err := execute(t, srv, "dags", "trigger", "etl", "--conf", `{"full": true}`, "--date", "2026-03-01", "-o", "json")
	require.NoError(t, err)
	var run types.DAGRun
	require.NoError(t, json.Unmarshal([]byte(out), &run))
	assert.Equal(t, logicalDate, run.LogicalDate.UTC())
	assert.Equal(t, true, run.Conf["full"])

	_, err = execute(t, srv, "dags", "trigger", "etl", "--conf", `[1]`)
	assert.ErrorContains(t, err, "--conf must be a JSON object")

	_, err = execute(t, srv, "dags", "trigger", "etl", "--date", "yesterday")
	assert.ErrorContains(t, err, "invalid date")
}

func TestRunAndTaskCommands(t *testing.T) {
	srv, seen := fakeServer(t)

	out, err := execute(t, srv, "runs", "list", "etl", "--state", "running")
	require.NoError(t, err)
	assert.Contains(t, out, "run-1")

	_, err = execute(t, srv, "runs", "cancel", "run-1", "--force")
	require.NoError(t, err)

	out, err = execute(t, srv, "tasks", "logs", "etl", "load", "2026-03-01T00:00:00Z", "--attempt", "2")
	require.NoError(t, err)
	assert.Equal(t, "attempt 2 output\n", out)

	_, err = execute(t, srv, "tasks", "logs", "etl", "load", "2026-04-01")
	assert.True(t, IsNotFound(err))

	out, err = execute(t, srv, "tasks", "clear", "run-1", "load", "--downstream")
	require.NoError(t, err)
	assert.Contains(t, out, "1/2")

	assert.Contains(t, *seen, "GET /api/v1/dags/etl/runs?limit=20&state=running")
	assert.Contains(t, *seen, "POST /api/v1/runs/run-1/cancel?force=true")
	assert.Contains(t, *seen, "POST /api/v1/runs/run-1/tasks/load/clear?downstream=true")
}

func TestTokenCommand(t *testing.T) {
	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"token", "--secret", "s3cret", "--subject", "ci", "--role", "operator"})
	require.NoError(t, cmd.Execute())

	claims, err := auth.NewTokenVerifier("s3cret", "dagrunner").Verify(context.Background(), strings.TrimSpace(out.String()))
	require.NoError(t, err)
	assert.Equal(t, "ci", claims.Subject)
	assert.True(t, claims.HasRole("operator"))
}

func TestClientSendsToken(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Authorization")
		io.WriteString(w, `{"dags": []}`)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL+"/", "abc", time.Second).ListDAGs(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "Bearer abc", got)
}

func TestClientRetriesTransientGets(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		io.WriteString(w, `{"dags": [{"id": "etl", "tasks": []}]}`)
	}))
	defer srv.Close()

	dags, err := NewClient(srv.URL, "", time.Second).ListDAGs(context.Background(), nil, nil)
	require.NoError(t, err)
	require.Len(t, dags, 1)
	assert.EqualValues(t, 3, calls.Load())
}

func TestClientDoesNotRetryWrites(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
		io.WriteString(w, "draining")
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "", time.Second).TriggerRun(context.Background(), "etl", nil, nil)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.Status)
	assert.Equal(t, "service_unavailable", apiErr.Code)
	assert.Equal(t, "draining", apiErr.Message)
	assert.EqualValues(t, 1, calls.Load())
}

func TestParseDate(t *testing.T) {
	d, err := parseDate("2026-03-01")
	require.NoError(t, err)
	assert.Equal(t, logicalDate, d)

	d, err = parseDate("2026-03-01T02:00:00+02:00")
	require.NoError(t, err)
	assert.Equal(t, logicalDate, d)

	_, err = parseDate("03/01/2026")
	assert.Error(t, err)
}
