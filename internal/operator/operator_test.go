package operator

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flexinfer/mentatlab/services/dagrunner/internal/blobstore"
	"github.com/flexinfer/mentatlab/services/dagrunner/internal/logstore"
	"github.com/flexinfer/mentatlab/services/dagrunner/internal/xcom"
	"github.com/flexinfer/mentatlab/services/dagrunner/pkg/types"
)

var logical = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func newJob(task types.TaskSpec, upstream ...string) *types.TaskJob {
	return &types.TaskJob{
		RunID:       "run-1",
		DAGID:       "tutorial",
		TaskID:      task.ID,
		Attempt:     1,
		LogicalDate: logical,
		Conf:        map[string]interface{}{"target": "prod"},
		Upstream:    upstream,
		Task:        task,
	}
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []*types.EventInput
}

func (e *recordingEmitter) EmitEvent(ctx context.Context, runID string, input *types.EventInput) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, input)
	return nil
}

type fakeSender struct {
	to            []string
	subject, body string
	err           error
}

func (s *fakeSender) Send(ctx context.Context, to []string, subject, body string) error {
	s.to, s.subject, s.body = to, subject, body
	return s.err
}

type fixture struct {
	registry *Registry
	xcom     xcom.Store
	logs     *logstore.Store
	events   *recordingEmitter
	runner   *Runner
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		registry: NewRegistry(),
		xcom:     xcom.NewMemoryStore(),
		logs:     logstore.New(blobstore.NewMemoryBackend()),
		events:   &recordingEmitter{},
	}
	f.runner = NewRunner(f.registry, f.xcom, RunnerConfig{
		Worker: "test-worker",
		Logs:   f.logs,
		Events: f.events,
	}, nil)
	return f
}

func (f *fixture) log(t *testing.T, job *types.TaskJob) string {
	t.Helper()
	data, err := f.logs.Read(context.Background(), logstore.Key{
		DAGID: job.DAGID, LogicalDate: job.LogicalDate, TaskID: job.TaskID, Attempt: job.Attempt,
	})
	require.NoError(t, err)
	return string(data)
}

func TestRunner_Bash(t *testing.T) {
	f := newFixture(t)

	t.Run("last stdout line is the output", func(t *testing.T) {
		job := newJob(types.TaskSpec{
			ID:       "print_date",
			Operator: types.OperatorBash,
			Bash:     &types.BashConfig{Command: `echo "hello $TASK_ID"; echo "{{ ds }} {{ conf "target" }}" ; echo oops >&2`},
		})
		report := f.runner.Run(context.Background(), job)

		require.True(t, report.Succeeded(), report.Error)
		assert.Equal(t, "test-worker", report.Worker)
		assert.JSONEq(t, `"2026-03-01 prod"`, string(report.Output))

		log := f.log(t, job)
		assert.Contains(t, log, "hello print_date")
		assert.Contains(t, log, "oops")
		assert.Contains(t, log, "attempt 1 succeeded")
		assert.NotEmpty(t, f.events.events)
	})

	t.Run("non-zero exit fails", func(t *testing.T) {
		job := newJob(types.TaskSpec{
			ID:       "fail",
			Operator: types.OperatorBash,
			Bash:     &types.BashConfig{Command: "echo before; exit 3"},
		})
		report := f.runner.Run(context.Background(), job)
		assert.False(t, report.Succeeded())
		assert.Contains(t, report.Error, "exited with code 3")
		assert.Empty(t, report.Output)
	})

	t.Run("timeout", func(t *testing.T) {
		job := newJob(types.TaskSpec{
			ID:       "sleep",
			Operator: types.OperatorBash,
			Timeout:  types.Duration(100 * time.Millisecond),
			Bash:     &types.BashConfig{Command: "sleep 30"},
		})
		start := time.Now()
		report := f.runner.Run(context.Background(), job)
		assert.Less(t, time.Since(start), 10*time.Second)
		assert.Contains(t, report.Error, "timed out")
	})

	t.Run("skip xcom push", func(t *testing.T) {
		job := newJob(types.TaskSpec{
			ID:       "quiet",
			Operator: types.OperatorBash,
			Bash:     &types.BashConfig{Command: "echo value", SkipXComPush: true},
		})
		report := f.runner.Run(context.Background(), job)
		require.True(t, report.Succeeded(), report.Error)
		assert.Empty(t, report.Output)
	})

	t.Run("xcom template", func(t *testing.T) {
		require.NoError(t, f.xcom.Put(context.Background(), &types.XComEntry{
			RunID: "run-1", TaskID: "extract", Key: types.ReturnValueKey, Value: json.RawMessage(`"s3://bucket/file.csv"`),
		}))
		job := newJob(types.TaskSpec{
			ID:       "load",
			Operator: types.OperatorBash,
			Bash:     &types.BashConfig{Command: `echo "loading {{ xcom "extract" }}"`},
		}, "extract")
		report := f.runner.Run(context.Background(), job)
		require.True(t, report.Succeeded(), report.Error)
		assert.JSONEq(t, `"loading s3://bucket/file.csv"`, string(report.Output))
	})
}

func TestRunner_Func(t *testing.T) {
	f := newFixture(t)
	f.registry.RegisterFunc("sum", func(ctx context.Context, tc *TaskContext, args map[string]interface{}) (interface{}, error) {
		if err := tc.XCom.Push(ctx, "detail", map[string]int{"n": 2}); err != nil {
			return nil, err
		}
		return args["a"].(float64) + args["b"].(float64), nil
	})
	f.registry.RegisterFunc("boom", func(ctx context.Context, tc *TaskContext, args map[string]interface{}) (interface{}, error) {
		panic("kaboom")
	})

	job := newJob(types.TaskSpec{
		ID:       "add",
		Operator: types.OperatorFunc,
		Func:     &types.FuncConfig{Name: "sum", Args: map[string]interface{}{"a": 1.5, "b": 2.0}},
	})
	report := f.runner.Run(context.Background(), job)
	require.True(t, report.Succeeded(), report.Error)
	assert.Equal(t, "3.5", string(report.Output))

	pushed, err := f.xcom.Get(context.Background(), "run-1", "add", "detail")
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":2}`, string(pushed.Value))

	panicking := newJob(types.TaskSpec{ID: "explode", Operator: types.OperatorFunc, Func: &types.FuncConfig{Name: "boom"}})
	report = f.runner.Run(context.Background(), panicking)
	assert.Contains(t, report.Error, "panicked")

	missing := newJob(types.TaskSpec{ID: "missing", Operator: types.OperatorFunc, Func: &types.FuncConfig{Name: "nope"}})
	report = f.runner.Run(context.Background(), missing)
	assert.Contains(t, report.Error, "not registered")
}

func TestRunner_Condition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.xcom.Put(ctx, &types.XComEntry{
		RunID: "run-1", TaskID: "count", Key: types.ReturnValueKey, Value: json.RawMessage(`{"rows": 10}`),
	}))

	tests := []struct {
		name       string
		expression string
		wantSkip   bool
		wantErr    bool
	}{
		{"true keeps downstream", `upstream.count.rows > 5`, false, false},
		{"false skips downstream", `upstream.count.rows > 50`, true, false},
		{"conf access", `conf.target == "prod"`, false, false},
		{"missing upstream is nil", `upstream.missing == nil`, false, false},
		{"syntax error", `upstream.count.rows >`, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := newJob(types.TaskSpec{
				ID:        "check",
				Operator:  types.OperatorCondition,
				Condition: &types.ConditionConfig{Expression: tt.expression},
			}, "count", "missing")
			report := f.runner.Run(ctx, job)
			if tt.wantErr {
				assert.NotEmpty(t, report.Error)
				return
			}
			require.True(t, report.Succeeded(), report.Error)
			assert.Equal(t, tt.wantSkip, report.SkipDownstream)
		})
	}
}

func TestRunner_Email(t *testing.T) {
	f := newFixture(t)
	sender := &fakeSender{}
	f.registry.RegisterEmail(sender)

	job := newJob(types.TaskSpec{
		ID:       "notify",
		Operator: types.OperatorEmail,
		Email: &types.EmailConfig{
			To:      []string{"ops@example.com"},
			Subject: "{{ .DAGID }} finished for {{ .DS }}",
			Body:    "run {{ run_id }}",
		},
	})
	report := f.runner.Run(context.Background(), job)
	require.True(t, report.Succeeded(), report.Error)
	assert.Equal(t, "tutorial finished for 2026-03-01", sender.subject)
	assert.Equal(t, "run run-1", sender.body)

	sender.err = errors.New("relay down")
	report = f.runner.Run(context.Background(), job)
	assert.Contains(t, report.Error, "relay down")
}

func TestRegistry_Unknown(t *testing.T) {
	f := newFixture(t)
	job := newJob(types.TaskSpec{ID: "x", Operator: "python"})
	report := f.runner.Run(context.Background(), job)
	assert.Contains(t, report.Error, "unknown operator")

	_, err := f.registry.New(&types.TaskSpec{ID: "y", Operator: types.OperatorBash})
	assert.ErrorIs(t, err, ErrMissingConfig)
}

func TestRegistry_Kinds(t *testing.T) {
	kinds := NewRegistry().Kinds()
	assert.Equal(t, []string{types.OperatorBash, types.OperatorCondition, types.OperatorEmpty, types.OperatorFunc}, kinds)
}

func TestLogCaptureTruncates(t *testing.T) {
	c := newLogCapture(context.Background(), newJob(types.TaskSpec{ID: "t"}), nil, 10)
	c.Write([]byte("0123456789abcdef\n"))
	out := string(c.Bytes())
	assert.True(t, strings.HasPrefix(out, "0123456789"))
	assert.Contains(t, out, "[log truncated]")
}

func TestBuildMessage(t *testing.T) {
	msg := string(buildMessage("dagrunner@example.com", []string{"a@example.com", "b@example.com"}, "subj\nline", "hi\nthere"))
	assert.Contains(t, msg, "To: a@example.com, b@example.com\r\n")
	assert.Contains(t, msg, "Subject: subj line\r\n")
	assert.True(t, strings.HasSuffix(msg, "hi\r\nthere"))
}
