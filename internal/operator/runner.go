package operator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/flexinfer/mentatlab/services/dagrunner/internal/logstore"
	"github.com/flexinfer/mentatlab/services/dagrunner/internal/metrics"
	"github.com/flexinfer/mentatlab/services/dagrunner/internal/tracing"
	"github.com/flexinfer/mentatlab/services/dagrunner/internal/xcom"
	"github.com/flexinfer/mentatlab/services/dagrunner/pkg/types"
)

// RunnerConfig holds optional collaborators of a Runner.
type RunnerConfig struct {
	// Worker identifies this process in reports
	Worker string

	// Logs persists the captured task log; nil disables persistence
	Logs *logstore.Store

	// Events receives each log line as a live event; may be nil
	Events EventEmitter

	// MaxLogBytes caps the captured log (default 4 MiB)
	MaxLogBytes int
}

// Runner executes a single task attempt and turns the outcome into a
// finished report. It is shared by every execution backend.
type Runner struct {
	registry *Registry
	xcom     xcom.Store
	cfg      RunnerConfig
	logger   *slog.Logger
	tracer   trace.Tracer
}

// NewRunner creates a runner.
func NewRunner(registry *Registry, store xcom.Store, cfg RunnerConfig, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxLogBytes <= 0 {
		cfg.MaxLogBytes = 4 << 20
	}
	return &Runner{
		registry: registry,
		xcom:     store,
		cfg:      cfg,
		logger:   logger,
		tracer:   tracing.Tracer("operator"),
	}
}

// Worker returns the worker id placed in reports.
func (r *Runner) Worker() string { return r.cfg.Worker }

// Run executes job and always returns a finished report; failures are carried
// in report.Error.
func (r *Runner) Run(ctx context.Context, job *types.TaskJob) *types.TaskReport {
	ctx = tracing.Extract(ctx, job.TraceContext)
	ctx, span := r.tracer.Start(ctx, "task.execute", trace.WithAttributes(
		attribute.String("dag.id", job.DAGID),
		attribute.String("run.id", job.RunID),
		attribute.String("task.id", job.TaskID),
		attribute.Int("task.attempt", job.Attempt),
		attribute.String("task.operator", job.Task.Operator),
	))
	defer span.End()

	logger := r.logger.With(
		slog.String("run_id", job.RunID),
		slog.String("dag_id", job.DAGID),
		slog.String("task_id", job.TaskID),
		slog.Int("attempt", job.Attempt),
	)

	capture := newLogCapture(ctx, job, r.cfg.Events, r.cfg.MaxLogBytes)
	start := time.Now()
	fmt.Fprintf(capture, "[%s] attempt %d of task %s started on %s\n",
		start.UTC().Format(time.RFC3339), job.Attempt, job.TaskID, r.cfg.Worker)

	tc := &TaskContext{
		Job:    job,
		Logger: logger,
		Log:    capture,
		XCom:   NewXComClient(r.xcom, job.RunID, job.TaskID),
	}

	output, err := r.execute(ctx, job, tc)
	duration := time.Since(start)

	report := &types.TaskReport{
		RunID:     job.RunID,
		TaskID:    job.TaskID,
		Attempt:   job.Attempt,
		Kind:      types.ReportFinished,
		Worker:    r.cfg.Worker,
		Timestamp: time.Now().UTC(),
	}

	if err == nil && output != nil {
		data, merr := json.Marshal(output)
		if merr != nil {
			err = fmt.Errorf("encode output: %w", merr)
		} else {
			report.Output = data
		}
	}

	status := "success"
	if err != nil {
		status = "failed"
		report.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		fmt.Fprintf(capture, "[%s] attempt %d failed after %s: %v\n",
			report.Timestamp.Format(time.RFC3339), job.Attempt, duration.Round(time.Millisecond), err)
		logger.Warn("task attempt failed", slog.Any("error", err), slog.Duration("duration", duration))
	} else {
		report.SkipDownstream = tc.skipRequested()
		fmt.Fprintf(capture, "[%s] attempt %d succeeded after %s\n",
			report.Timestamp.Format(time.RFC3339), job.Attempt, duration.Round(time.Millisecond))
		logger.Info("task attempt succeeded", slog.Duration("duration", duration))
	}
	metrics.TaskDuration.WithLabelValues(job.Task.Operator, status).Observe(duration.Seconds())

	if r.cfg.Logs != nil {
		// The attempt's context may be cancelled; the log must still land.
		writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		key := logstore.Key{DAGID: job.DAGID, LogicalDate: job.LogicalDate, TaskID: job.TaskID, Attempt: job.Attempt}
		if _, werr := r.cfg.Logs.Write(writeCtx, key, capture.Bytes()); werr != nil {
			logger.Error("failed to persist task log", slog.Any("error", werr))
		}
		cancel()
	}

	return report
}

func (r *Runner) execute(ctx context.Context, job *types.TaskJob, tc *TaskContext) (out interface{}, err error) {
	op, err := r.registry.New(&job.Task)
	if err != nil {
		return nil, err
	}

	if timeout := job.Task.Timeout.Std(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
		defer func() {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				out, err = nil, fmt.Errorf("task timed out after %s", timeout)
			}
		}()
	}

	defer func() {
		if p := recover(); p != nil {
			out, err = nil, fmt.Errorf("operator panicked: %v", p)
		}
	}()

	return op.Execute(ctx, tc)
}

// logCapture buffers the task log up to a limit and mirrors each line as a
// log event.
type logCapture struct {
	ctx       context.Context
	job       *types.TaskJob
	events    EventEmitter
	limit     int
	mu        sync.Mutex
	buf       bytes.Buffer
	partial   []byte
	truncated bool
}

func newLogCapture(ctx context.Context, job *types.TaskJob, events EventEmitter, limit int) *logCapture {
	return &logCapture{ctx: ctx, job: job, events: events, limit: limit}
}

func (c *logCapture) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if room := c.limit - c.buf.Len(); room > 0 {
		if len(p) > room {
			c.buf.Write(p[:room])
			c.truncated = true
		} else {
			c.buf.Write(p)
		}
	} else {
		c.truncated = true
	}

	if c.events == nil {
		return len(p), nil
	}
	c.partial = append(c.partial, p...)
	for {
		i := bytes.IndexByte(c.partial, '\n')
		if i < 0 {
			break
		}
		line := string(c.partial[:i])
		c.partial = c.partial[i+1:]
		c.events.EmitEvent(c.ctx, c.job.RunID, &types.EventInput{
			Type:   types.EventTypeLog,
			TaskID: c.job.TaskID,
			Data:   types.TaskLogEvent{Attempt: c.job.Attempt, Line: line},
		})
	}
	return len(p), nil
}

// Bytes returns the captured log.
func (c *logCapture) Bytes() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := append([]byte(nil), c.buf.Bytes()...)
	if c.truncated {
		out = append(out, []byte("\n[log truncated]\n")...)
	}
	return out
}
