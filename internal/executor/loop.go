package executor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/flexinfer/mentatlab/services/dagrunner/internal/dag"
	"github.com/flexinfer/mentatlab/services/dagrunner/internal/driver"
	"github.com/flexinfer/mentatlab/services/dagrunner/internal/metrics"
	"github.com/flexinfer/mentatlab/services/dagrunner/internal/runstore"
	"github.com/flexinfer/mentatlab/services/dagrunner/internal/tracing"
	"github.com/flexinfer/mentatlab/services/dagrunner/internal/xcom"
	"github.com/flexinfer/mentatlab/services/dagrunner/pkg/types"
)

// attempt is a job handed to the backend and not yet finished.
type attempt struct {
	number int
	cancel context.CancelFunc
}

const (
	storeRetryInitial = 500 * time.Millisecond
	storeRetryMax     = 30 * time.Second
)

type command struct {
	apply func(*runLoop) error
	reply chan error
}

// runLoop is the single goroutine that owns one run's state changes.
type runLoop struct {
	e      *Executor
	runID  string
	run    *types.DAGRun
	dag    *types.DAG
	graph  *dag.Graph
	logger *slog.Logger

	reports  chan *types.TaskReport
	retries  chan string
	commands chan command
	done     chan struct{}

	inflight map[string]*attempt
	timers   map[string]*clock.Timer

	// Store writes that failed for a reason other than a lost race are
	// retried from wake after a backoff. redo holds reports whose outcome
	// could not be written yet.
	wake       chan struct{}
	wakeTimer  *clock.Timer
	storeRetry *backoff.ExponentialBackOff
	storeErr   error
	storeFails int
	redo       []*types.TaskReport

	// attempts left queued or running by a previous process
	orphans []*types.TaskInstance

	cancelling bool
	draining   bool
	finished   bool
}

func newRunLoop(e *Executor, run *types.DAGRun, d *types.DAG, g *dag.Graph) *runLoop {
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = storeRetryInitial
	retry.MaxInterval = storeRetryMax
	retry.MaxElapsedTime = 0

	return &runLoop{
		e:      e,
		runID:  run.ID,
		run:    run,
		dag:    d,
		graph:  g,
		logger: e.logger.With(slog.String("run_id", run.ID), slog.String("dag_id", run.DAGID)),

		reports:  make(chan *types.TaskReport, 64),
		retries:  make(chan string, 16),
		commands: make(chan command),
		done:     make(chan struct{}),

		inflight: make(map[string]*attempt),
		timers:   make(map[string]*clock.Timer),

		wake:       make(chan struct{}, 1),
		storeRetry: retry,
	}
}

// deliver hands a backend report to the loop. Reports for a loop that has
// exited are dropped.
func (l *runLoop) deliver(r *types.TaskReport) {
	select {
	case l.reports <- r:
	case <-l.done:
	}
}

// send runs fn on the loop goroutine and returns its error.
func (l *runLoop) send(ctx context.Context, fn func(*runLoop) error) error {
	cmd := command{apply: fn, reply: make(chan error, 1)}
	select {
	case l.commands <- cmd:
	case <-l.done:
		return ErrRunNotActive
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *runLoop) serve() {
	defer l.e.release(l)
	defer close(l.done)
	defer l.stopTimers()
	defer func() {
		if l.wakeTimer != nil {
			l.wakeTimer.Stop()
		}
	}()

	ctx := l.e.root
	l.logger.Info("run loop started")
	l.adopt(ctx)
	l.armRetries(ctx)
	l.step(ctx)
	l.settle()

	for !l.finished {
		if l.draining && len(l.inflight) == 0 {
			l.logger.Info("run loop drained")
			return
		}
		select {
		case r := <-l.reports:
			l.handleReport(ctx, r)
		case id := <-l.retries:
			l.requeue(ctx, id)
		case cmd := <-l.commands:
			cmd.reply <- cmd.apply(l)
		case <-l.wake:
			l.wakeTimer = nil
			l.adopt(ctx)
			redo := l.redo
			l.redo = nil
			for _, r := range redo {
				l.handleReport(ctx, r)
			}
		case <-ctx.Done():
			for _, a := range l.inflight {
				a.cancel()
			}
			l.logger.Warn("run loop stopped with work in flight", slog.Int("inflight", len(l.inflight)))
			return
		}
		l.step(ctx)
		l.settle()
	}
}

// storeFailed records a store error that a later attempt may not hit.
func (l *runLoop) storeFailed(err error) {
	l.storeErr = err
	l.storeFails++
}

// transient reports whether err may go away on retry. Lost races and
// rejected transitions are final.
func transient(err error) bool {
	return !errors.Is(err, runstore.ErrStateConflict) &&
		!errors.Is(err, runstore.ErrInvalidTransition) &&
		!errors.Is(err, runstore.ErrRunNotFound) &&
		!errors.Is(err, runstore.ErrTaskNotFound)
}

// settle arms a wake-up after a store failure so the loop steps again even
// when no report, retry or command is due.
func (l *runLoop) settle() {
	err := l.storeErr
	l.storeErr = nil
	if err == nil {
		if l.wakeTimer == nil {
			l.storeRetry.Reset()
		}
		return
	}
	if l.wakeTimer != nil || l.finished {
		return
	}
	delay := l.storeRetry.NextBackOff()
	l.logger.Warn("state store unavailable, retrying",
		slog.Duration("retry_in", delay),
		slog.Int("pending_reports", len(l.redo)),
		slog.Any("error", err))
	l.wakeTimer = l.e.clock.AfterFunc(delay, func() {
		select {
		case l.wake <- struct{}{}:
		default:
		}
	})
}

// adopt takes over the attempts a previous process left on a backend that
// can reattach. An attempt the backend no longer knows is reset as lost.
func (l *runLoop) adopt(ctx context.Context) {
	if len(l.orphans) == 0 {
		return
	}
	orphans := l.orphans
	l.orphans = nil
	r, _ := l.e.backend.(driver.Reattacher)
	reset := 0
	for _, ti := range orphans {
		if r != nil {
			n := ti.Attempt
			if ti.State == types.TaskStateQueued {
				n++
			}
			ok, err := r.Reattach(ctx, l.runID, ti.TaskID, n, l.deliver)
			if err != nil {
				l.logger.Warn("reattach failed", slog.String("task_id", ti.TaskID), slog.Any("error", err))
				l.storeFailed(err)
				l.orphans = append(l.orphans, ti)
				continue
			}
			if ok {
				l.inflight[ti.TaskID] = &attempt{number: n, cancel: func() {}}
				l.logger.Info("reattached task instance", slog.String("task_id", ti.TaskID), slog.Int("attempt", n))
				continue
			}
		}
		if err := l.e.resetOrphan(ctx, l.runID, l.dag, ti); err != nil {
			l.logger.Error("failed to reset task instance", slog.String("task_id", ti.TaskID), slog.Any("error", err))
			if transient(err) {
				l.storeFailed(err)
				l.orphans = append(l.orphans, ti)
			}
			continue
		}
		reset++
	}
	if reset > 0 {
		l.armRetries(ctx)
	}
}

// step settles every pending instance whose upstream is terminal and
// finishes the run once nothing is left to do.
func (l *runLoop) step(ctx context.Context) {
	if l.finished {
		return
	}
	tis, err := l.e.store.ListTaskInstances(ctx, l.runID)
	if err != nil {
		l.logger.Error("failed to list task instances", slog.Any("error", err))
		l.storeFailed(err)
		return
	}
	states := make(map[string]*types.TaskInstance, len(tis))
	for _, ti := range tis {
		states[ti.TaskID] = ti
	}

	if l.cancelling {
		l.skipRemaining(ctx, states)
	} else if !l.draining {
		for _, id := range l.graph.Order() {
			ti := states[id]
			if ti == nil || ti.State != types.TaskStatePending {
				continue
			}
			upstream := make([]types.TaskState, 0, len(l.graph.Upstream(id)))
			for _, up := range l.graph.Upstream(id) {
				if u := states[up]; u != nil {
					upstream = append(upstream, u.State)
				}
			}
			spec, _ := l.dag.Task(id)

			var next *types.TaskInstance
			switch dag.Evaluate(spec.TriggerRule.OrDefault(), upstream) {
			case dag.Ready:
				next = l.dispatch(ctx, ti, spec)
			case dag.UpstreamFailed:
				next = l.transition(ctx, ti, types.TaskStateUpstreamFailed, l.finish(""))
			case dag.Skip:
				next = l.transition(ctx, ti, types.TaskStateSkipped, l.finish(""))
			}
			if next != nil {
				states[id] = next
			}
		}
	}

	failed := false
	for _, ti := range states {
		if !ti.State.Terminal() {
			return
		}
		if ti.State.Failed() {
			failed = true
		}
	}
	switch {
	case l.cancelling:
		l.complete(ctx, types.RunStateCancelled, "")
	case failed:
		l.complete(ctx, types.RunStateFailed, "one or more tasks failed")
	default:
		l.complete(ctx, types.RunStateSuccess, "")
	}
}

// transition moves ti to `to`, emits the state event and returns the stored
// instance, or nil when the write lost a race.
func (l *runLoop) transition(ctx context.Context, ti *types.TaskInstance, to types.TaskState, mutate func(*types.TaskInstance)) *types.TaskInstance {
	from := ti.State
	next, err := l.e.store.TransitionTask(ctx, l.runID, ti.TaskID, from, to, mutate)
	if err != nil {
		level := slog.LevelError
		switch {
		case errors.Is(err, runstore.ErrStateConflict):
			level = slog.LevelDebug
		case transient(err):
			l.storeFailed(err)
		}
		l.logger.Log(ctx, level, "task transition rejected",
			slog.String("task_id", ti.TaskID),
			slog.String("from", string(from)),
			slog.String("to", string(to)),
			slog.Any("error", err))
		return nil
	}
	if to.Terminal() {
		metrics.TasksTotal.WithLabelValues(string(to)).Inc()
	}
	l.e.emit(ctx, l.runID, &types.EventInput{
		Type:   types.EventTypeTaskState,
		TaskID: ti.TaskID,
		Data:   types.TaskStateEvent{From: from, State: to, Attempt: next.Attempt, Error: next.Error},
	})
	return next
}

// finish returns a mutation stamping the finish time and error.
func (l *runLoop) finish(msg string) func(*types.TaskInstance) {
	now := l.e.clock.Now().UTC()
	return func(ti *types.TaskInstance) {
		ti.FinishedAt = &now
		ti.Error = msg
		ti.NextRetryAt = nil
	}
}

// dispatch queues ti (pending or retrying) and submits its next attempt.
func (l *runLoop) dispatch(ctx context.Context, ti *types.TaskInstance, spec *types.TaskSpec) *types.TaskInstance {
	queued := l.transition(ctx, ti, types.TaskStateQueued, func(ti *types.TaskInstance) {
		ti.NextRetryAt = nil
		ti.FinishedAt = nil
	})
	if queued == nil {
		return nil
	}

	job := &types.TaskJob{
		RunID:       l.runID,
		DAGID:       l.run.DAGID,
		TaskID:      ti.TaskID,
		Attempt:     queued.Attempt + 1,
		LogicalDate: l.run.LogicalDate,
		Conf:        l.run.Conf,
		Upstream:    l.graph.Upstream(ti.TaskID),
		Task:        *spec,
	}

	spanCtx, span := l.e.tracer.Start(ctx, "task.dispatch", trace.WithAttributes(
		attribute.String("run.id", l.runID),
		attribute.String("task.id", job.TaskID),
		attribute.Int("task.attempt", job.Attempt),
		attribute.String("backend", l.e.backend.Name()),
	))
	job.TraceContext = tracing.Inject(spanCtx)
	span.End()

	jobCtx, cancel := context.WithCancel(ctx)
	l.inflight[ti.TaskID] = &attempt{number: job.Attempt, cancel: cancel}
	if err := l.e.backend.Submit(jobCtx, job, l.deliver); err != nil {
		cancel()
		delete(l.inflight, ti.TaskID)
		l.logger.Error("submit failed", slog.String("task_id", ti.TaskID), slog.Any("error", err))
		fails := l.storeFails
		failed := l.transition(ctx, queued, types.TaskStateFailed, l.finish("submit: "+err.Error()))
		if failed == nil && l.storeFails != fails {
			// settle it through the report path once the store is back
			l.inflight[ti.TaskID] = &attempt{number: job.Attempt, cancel: func() {}}
			l.redo = append(l.redo, &types.TaskReport{
				RunID: l.runID, TaskID: ti.TaskID, Attempt: job.Attempt, Kind: types.ReportFinished,
				Error: "submit: " + err.Error(), Timestamp: l.e.clock.Now().UTC(),
			})
		}
		return failed
	}
	l.logger.Debug("task dispatched", slog.String("task_id", ti.TaskID), slog.Int("attempt", job.Attempt))
	return queued
}

// handleReport applies a backend report. A report whose outcome the store
// did not accept is kept and applied again on the next wake.
func (l *runLoop) handleReport(ctx context.Context, r *types.TaskReport) {
	a := l.inflight[r.TaskID]
	if a == nil || a.number != r.Attempt {
		l.logger.Debug("ignoring stale report", slog.String("task_id", r.TaskID), slog.Int("attempt", r.Attempt))
		return
	}
	fails := l.storeFails
	l.applyReport(ctx, r)
	if l.storeFails != fails {
		l.redo = append(l.redo, r)
		return
	}
	if r.Kind == types.ReportFinished {
		delete(l.inflight, r.TaskID)
		a.cancel()
	}
}

func (l *runLoop) applyReport(ctx context.Context, r *types.TaskReport) {
	ti, err := l.e.store.GetTaskInstance(ctx, l.runID, r.TaskID)
	if err != nil {
		l.logger.Error("failed to load task instance", slog.String("task_id", r.TaskID), slog.Any("error", err))
		if transient(err) {
			l.storeFailed(err)
		}
		return
	}

	if ti.State == types.TaskStateQueued {
		started := l.transition(ctx, ti, types.TaskStateRunning, func(ti *types.TaskInstance) {
			ti.Attempt = r.Attempt
			ti.StartedAt = &r.Timestamp
			ti.Worker = r.Worker
			ti.Error = ""
		})
		if started == nil {
			return
		}
		ti = started
	}
	if r.Kind == types.ReportStarted || ti.State != types.TaskStateRunning {
		// a finished report for an instance no longer running was cancelled
		// while queued; the attempt's outcome no longer matters
		return
	}

	if r.Error == "" {
		l.succeed(ctx, ti, r)
		return
	}

	if !l.cancelling && ti.Attempt < maxAttempts(ti) {
		spec, _ := l.dag.Task(ti.TaskID)
		delay := retryDelay(l.dag.RetryFor(spec), ti.Attempt)
		at := l.e.clock.Now().UTC().Add(delay)
		if l.transition(ctx, ti, types.TaskStateRetrying, func(ti *types.TaskInstance) {
			ti.Error = r.Error
			ti.NextRetryAt = &at
		}) != nil {
			metrics.TaskRetries.Inc()
			l.logger.Info("task attempt failed, retrying",
				slog.String("task_id", ti.TaskID),
				slog.Int("attempt", ti.Attempt),
				slog.Duration("delay", delay),
				slog.String("error", r.Error))
			l.armRetry(ti.TaskID, delay)
		}
		return
	}
	l.logger.Warn("task failed", slog.String("task_id", ti.TaskID), slog.Int("attempt", ti.Attempt), slog.String("error", r.Error))
	l.transition(ctx, ti, types.TaskStateFailed, l.finish(r.Error))
}

func (l *runLoop) succeed(ctx context.Context, ti *types.TaskInstance, r *types.TaskReport) {
	outputKey := ""
	if len(r.Output) > 0 && string(r.Output) != "null" {
		err := l.e.xcom.Put(ctx, &types.XComEntry{
			RunID:  l.runID,
			TaskID: ti.TaskID,
			Key:    types.ReturnValueKey,
			Value:  r.Output,
		})
		switch {
		case err == nil:
			outputKey = types.ReturnValueKey
			l.e.emit(ctx, l.runID, &types.EventInput{
				Type:   types.EventTypeXCom,
				TaskID: ti.TaskID,
				Data:   types.XComEvent{Key: types.ReturnValueKey, Size: len(r.Output)},
			})
		case errors.Is(err, xcom.ErrAlreadyExists):
			outputKey = types.ReturnValueKey
			l.logger.Warn("return value already pushed", slog.String("task_id", ti.TaskID))
		default:
			l.logger.Error("failed to store return value", slog.String("task_id", ti.TaskID), slog.Any("error", err))
			l.transition(ctx, ti, types.TaskStateFailed, l.finish("store return value: "+err.Error()))
			return
		}
	}

	finish := l.finish("")
	if l.transition(ctx, ti, types.TaskStateSuccess, func(ti *types.TaskInstance) {
		finish(ti)
		ti.OutputKey = outputKey
	}) == nil {
		return
	}

	if !r.SkipDownstream {
		return
	}
	for _, id := range l.graph.Downstream(ti.TaskID) {
		down, err := l.e.store.GetTaskInstance(ctx, l.runID, id)
		if err != nil || down.State != types.TaskStatePending {
			continue
		}
		l.transition(ctx, down, types.TaskStateSkipped, l.finish(""))
	}
}

// armRetries schedules timers for instances already waiting to retry.
func (l *runLoop) armRetries(ctx context.Context) {
	tis, err := l.e.store.ListTaskInstances(ctx, l.runID)
	if err != nil {
		l.logger.Error("failed to list task instances", slog.Any("error", err))
		return
	}
	now := l.e.clock.Now()
	for _, ti := range tis {
		if ti.State != types.TaskStateRetrying {
			continue
		}
		var delay time.Duration
		if ti.NextRetryAt != nil {
			delay = ti.NextRetryAt.Sub(now)
		}
		l.armRetry(ti.TaskID, max(delay, 0))
	}
}

func (l *runLoop) armRetry(taskID string, delay time.Duration) {
	if t := l.timers[taskID]; t != nil {
		t.Stop()
	}
	l.timers[taskID] = l.e.clock.AfterFunc(delay, func() {
		select {
		case l.retries <- taskID:
		case <-l.done:
		}
	})
}

func (l *runLoop) stopTimers() {
	for id, t := range l.timers {
		t.Stop()
		delete(l.timers, id)
	}
}

// requeue dispatches the next attempt of a retrying instance.
func (l *runLoop) requeue(ctx context.Context, taskID string) {
	delete(l.timers, taskID)
	if l.cancelling || l.draining {
		return
	}
	ti, err := l.e.store.GetTaskInstance(ctx, l.runID, taskID)
	if err != nil {
		l.logger.Error("failed to load task instance", slog.String("task_id", taskID), slog.Any("error", err))
		if transient(err) {
			l.armRetry(taskID, l.storeRetry.NextBackOff())
		}
		return
	}
	if ti.State != types.TaskStateRetrying {
		return
	}
	// A new attempt must not see values pushed by the failed one
	if err := l.e.xcom.ClearTask(ctx, l.runID, taskID); err != nil {
		l.logger.Error("failed to clear xcom before retry", slog.String("task_id", taskID), slog.Any("error", err))
		l.armRetry(taskID, l.storeRetry.NextBackOff())
		return
	}
	spec, _ := l.dag.Task(taskID)
	fails := l.storeFails
	if l.dispatch(ctx, ti, spec) == nil && l.storeFails != fails {
		l.armRetry(taskID, l.storeRetry.NextBackOff())
	}
}

// cancel skips everything that has not started and lets the loop finish the
// run as cancelled once running attempts are done.
func (l *runLoop) cancel(force bool) error {
	if l.cancelling {
		return nil
	}
	ctx := l.e.root
	tis, err := l.e.store.ListTaskInstances(ctx, l.runID)
	if err != nil {
		return err
	}
	l.cancelling = true
	l.stopTimers()

	states := make(map[string]*types.TaskInstance, len(tis))
	for _, ti := range tis {
		states[ti.TaskID] = ti
	}
	l.skipRemaining(ctx, states)
	if force && l.e.backend.SupportsKill() {
		for id, ti := range states {
			if a := l.inflight[id]; a != nil && ti.State == types.TaskStateRunning {
				a.cancel()
			}
		}
	}
	l.logger.Info("run cancelled", slog.Bool("force", force), slog.Int("inflight", len(l.inflight)))
	return nil
}

// skipRemaining skips every instance in states that has not started and
// abandons its queued attempt. states is updated in place.
func (l *runLoop) skipRemaining(ctx context.Context, states map[string]*types.TaskInstance) {
	for id, ti := range states {
		switch ti.State {
		case types.TaskStatePending, types.TaskStateQueued, types.TaskStateRetrying:
		default:
			continue
		}
		next := l.transition(ctx, ti, types.TaskStateSkipped, l.finish(""))
		if next == nil {
			continue
		}
		states[id] = next
		if a := l.inflight[id]; a != nil {
			a.cancel()
			delete(l.inflight, id)
		}
	}
}

// complete writes the final run state and stops the loop.
func (l *runLoop) complete(ctx context.Context, state types.RunState, msg string) {
	now := l.e.clock.Now().UTC()
	run, err := l.e.store.TransitionRun(ctx, l.runID, []types.RunState{types.RunStateRunning}, state, func(r *types.DAGRun) {
		r.FinishedAt = &now
		r.Error = msg
	})
	if err != nil {
		l.logger.Error("failed to finish run", slog.String("state", string(state)), slog.Any("error", err))
		if transient(err) {
			l.storeFailed(err)
			return
		}
		// someone else settled the run
		l.finished = true
		return
	}
	l.finished = true

	metrics.RunsTotal.WithLabelValues(l.run.DAGID, string(state)).Inc()
	if run.StartedAt != nil {
		metrics.RunDuration.WithLabelValues(string(state)).Observe(now.Sub(*run.StartedAt).Seconds())
	}
	l.e.emit(ctx, l.runID, &types.EventInput{
		Type: types.EventTypeRunState,
		Data: types.RunStateEvent{State: state, Error: msg},
	})
	l.e.store.CloseStream(ctx, l.runID)
	l.logger.Info("run finished", slog.String("state", string(state)))
}
