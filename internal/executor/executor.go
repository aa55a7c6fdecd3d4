// Package executor drives DAG runs: one control loop per active run decides
// which task instances are ready, dispatches them to an execution backend
// and applies the reports that come back.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/otel/trace"

	"github.com/flexinfer/mentatlab/services/dagrunner/internal/dag"
	"github.com/flexinfer/mentatlab/services/dagrunner/internal/driver"
	"github.com/flexinfer/mentatlab/services/dagrunner/internal/metrics"
	"github.com/flexinfer/mentatlab/services/dagrunner/internal/registry"
	"github.com/flexinfer/mentatlab/services/dagrunner/internal/runstore"
	"github.com/flexinfer/mentatlab/services/dagrunner/internal/tracing"
	"github.com/flexinfer/mentatlab/services/dagrunner/internal/xcom"
	"github.com/flexinfer/mentatlab/services/dagrunner/pkg/types"
)

var (
	ErrShuttingDown  = errors.New("executor is shutting down")
	ErrRunNotActive  = errors.New("run is not active")
	ErrRunFinished   = errors.New("run already finished")
	ErrRunCancelling = errors.New("run is being cancelled")
	ErrTaskNotFound  = errors.New("task not found in dag")
)

// Config holds optional executor settings.
type Config struct {
	// Clock drives retry timers (default: wall clock)
	Clock clock.Clock

	Logger *slog.Logger
}

// Executor owns the control loops of active runs.
type Executor struct {
	store    runstore.RunStore
	registry registry.Registry
	xcom     xcom.Store
	backend  driver.Backend
	clock    clock.Clock
	logger   *slog.Logger
	tracer   trace.Tracer

	// root is cancelled when Shutdown gives up waiting
	root     context.Context
	stopRoot context.CancelFunc

	mu      sync.Mutex
	loops   map[string]*runLoop
	closing bool
}

// New creates an executor.
func New(store runstore.RunStore, reg registry.Registry, xc xcom.Store, backend driver.Backend, cfg Config) *Executor {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	root, stop := context.WithCancel(context.Background())
	return &Executor{
		store:    store,
		registry: reg,
		xcom:     xc,
		backend:  backend,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
		tracer:   tracing.Tracer("executor"),
		root:     root,
		stopRoot: stop,
		loops:    make(map[string]*runLoop),
	}
}

// Backend returns the execution backend jobs are submitted to.
func (e *Executor) Backend() driver.Backend { return e.backend }

// Launch starts the control loop of a running run. Launching a run that
// already has a loop is a no-op. Task instances left queued or running by a
// previous owner are reset first: queued goes back to pending, running counts
// as a failed attempt.
func (e *Executor) Launch(ctx context.Context, run *types.DAGRun) error {
	if run.State != types.RunStateRunning {
		return fmt.Errorf("%w: run %s is %s", ErrRunNotActive, run.ID, run.State)
	}

	e.mu.Lock()
	if e.closing {
		e.mu.Unlock()
		return ErrShuttingDown
	}
	if _, ok := e.loops[run.ID]; ok {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	d, err := e.registry.LookupVersion(ctx, run.DAGID, run.DAGVersion)
	if err != nil {
		e.failRun(ctx, run, fmt.Sprintf("load dag %s v%d: %v", run.DAGID, run.DAGVersion, err))
		return fmt.Errorf("load dag: %w", err)
	}
	graph, err := dag.Build(d)
	if err != nil {
		e.failRun(ctx, run, err.Error())
		return err
	}
	orphans, err := e.resetOrphans(ctx, run.ID, d)
	if err != nil {
		return err
	}

	l := newRunLoop(e, run, d, graph)
	l.orphans = orphans

	e.mu.Lock()
	if e.closing {
		e.mu.Unlock()
		return ErrShuttingDown
	}
	if _, ok := e.loops[run.ID]; ok {
		e.mu.Unlock()
		return nil
	}
	e.loops[run.ID] = l
	e.mu.Unlock()

	metrics.RunsActive.Inc()
	go l.serve()
	return nil
}

// resetOrphans repairs instances whose attempt was lost with its owner.
// When the backend can reattach, queued and running instances are returned
// for the run loop to adopt instead.
func (e *Executor) resetOrphans(ctx context.Context, runID string, d *types.DAG) ([]*types.TaskInstance, error) {
	tis, err := e.store.ListTaskInstances(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("list task instances: %w", err)
	}
	_, reattach := e.backend.(driver.Reattacher)
	var orphans []*types.TaskInstance
	for _, ti := range tis {
		if ti.State != types.TaskStateQueued && ti.State != types.TaskStateRunning {
			continue
		}
		if reattach {
			orphans = append(orphans, ti)
			continue
		}
		if err := e.resetOrphan(ctx, runID, d, ti); err != nil {
			return nil, err
		}
	}
	return orphans, nil
}

// resetOrphan puts a queued instance back to pending and retries or fails a
// running one.
func (e *Executor) resetOrphan(ctx context.Context, runID string, d *types.DAG, ti *types.TaskInstance) error {
	var err error
	now := e.clock.Now().UTC()
	switch ti.State {
	case types.TaskStateQueued:
		_, err = e.store.TransitionTask(ctx, runID, ti.TaskID, types.TaskStateQueued, types.TaskStatePending, nil)
	case types.TaskStateRunning:
		msg := "attempt lost: executor restarted"
		if ti.Attempt < maxAttempts(ti) {
			spec, _ := d.Task(ti.TaskID)
			at := now.Add(retryDelay(d.RetryFor(spec), ti.Attempt))
			_, err = e.store.TransitionTask(ctx, runID, ti.TaskID, types.TaskStateRunning, types.TaskStateRetrying, func(ti *types.TaskInstance) {
				ti.Error = msg
				ti.NextRetryAt = &at
			})
		} else {
			_, err = e.store.TransitionTask(ctx, runID, ti.TaskID, types.TaskStateRunning, types.TaskStateFailed, func(ti *types.TaskInstance) {
				ti.Error = msg
				ti.FinishedAt = &now
			})
		}
	default:
		return nil
	}
	if err != nil && !errors.Is(err, runstore.ErrStateConflict) {
		return fmt.Errorf("reset task %s: %w", ti.TaskID, err)
	}
	e.logger.Warn("reset orphaned task instance",
		slog.String("run_id", runID),
		slog.String("task_id", ti.TaskID),
		slog.String("state", string(ti.State)))
	return nil
}

func (e *Executor) failRun(ctx context.Context, run *types.DAGRun, msg string) {
	now := e.clock.Now().UTC()
	if _, err := e.store.TransitionRun(ctx, run.ID, []types.RunState{types.RunStateRunning}, types.RunStateFailed, func(r *types.DAGRun) {
		r.FinishedAt = &now
		r.Error = msg
	}); err != nil {
		e.logger.Error("failed to fail run", slog.String("run_id", run.ID), slog.Any("error", err))
		return
	}
	metrics.RunsTotal.WithLabelValues(run.DAGID, string(types.RunStateFailed)).Inc()
	e.emit(ctx, run.ID, &types.EventInput{
		Type: types.EventTypeRunState,
		Data: types.RunStateEvent{State: types.RunStateFailed, Error: msg},
	})
	e.store.CloseStream(ctx, run.ID)
}

func (e *Executor) emit(ctx context.Context, runID string, input *types.EventInput) {
	if _, err := e.store.AppendEvent(ctx, runID, input); err != nil {
		e.logger.Warn("failed to append event",
			slog.String("run_id", runID),
			slog.String("type", string(input.Type)),
			slog.Any("error", err))
		return
	}
	metrics.EventsTotal.WithLabelValues(string(input.Type)).Inc()
}

func (e *Executor) loop(runID string) *runLoop {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loops[runID]
}

func (e *Executor) release(l *runLoop) {
	e.mu.Lock()
	if e.loops[l.runID] == l {
		delete(e.loops, l.runID)
	}
	e.mu.Unlock()
	metrics.RunsActive.Dec()
}

// ActiveRuns returns the ids of runs with a control loop, sorted.
func (e *Executor) ActiveRuns() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.loops))
	for id := range e.loops {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Wait blocks until the run's loop exits or ctx ends. It returns nil at
// once when the run has no loop.
func (e *Executor) Wait(ctx context.Context, runID string) error {
	l := e.loop(runID)
	if l == nil {
		return nil
	}
	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel stops dispatching new work for the run. Instances that have not
// started are skipped. Running attempts finish on their own unless force is
// set and the backend can kill them. The run ends cancelled.
func (e *Executor) Cancel(ctx context.Context, runID string, force bool) error {
	if l := e.loop(runID); l != nil {
		err := l.send(ctx, func(l *runLoop) error { return l.cancel(force) })
		if !errors.Is(err, ErrRunNotActive) {
			return err
		}
	}

	// No loop owns the run: settle it directly.
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.State.Terminal() {
		return ErrRunFinished
	}
	tis, err := e.store.ListTaskInstances(ctx, runID)
	if err != nil {
		return err
	}
	now := e.clock.Now().UTC()
	for _, ti := range tis {
		if ti.State.Terminal() || !types.CanTransition(ti.State, types.TaskStateSkipped) {
			continue
		}
		if _, err := e.store.TransitionTask(ctx, runID, ti.TaskID, ti.State, types.TaskStateSkipped, func(ti *types.TaskInstance) {
			ti.FinishedAt = &now
		}); err != nil && !errors.Is(err, runstore.ErrStateConflict) {
			return err
		}
	}
	if _, err := e.store.TransitionRun(ctx, runID, []types.RunState{types.RunStateQueued, types.RunStateRunning}, types.RunStateCancelled, func(r *types.DAGRun) {
		r.FinishedAt = &now
	}); err != nil {
		return err
	}
	metrics.RunsTotal.WithLabelValues(run.DAGID, string(types.RunStateCancelled)).Inc()
	e.emit(ctx, runID, &types.EventInput{Type: types.EventTypeRunState, Data: types.RunStateEvent{State: types.RunStateCancelled}})
	e.store.CloseStream(ctx, runID)
	return nil
}

// ClearTask resets a finished task instance (and, with downstream, every task
// after it) to pending so it runs again. A finished run is reopened.
func (e *Executor) ClearTask(ctx context.Context, runID, taskID string, downstream bool) error {
	if l := e.loop(runID); l != nil {
		err := l.send(ctx, func(l *runLoop) error {
			if l.cancelling {
				return ErrRunCancelling
			}
			return clearTasks(ctx, e, runID, l.dag, l.graph, taskID, downstream)
		})
		if !errors.Is(err, ErrRunNotActive) {
			return err
		}
	}

	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.State == types.RunStateCancelled {
		return ErrRunFinished
	}
	d, err := e.registry.LookupVersion(ctx, run.DAGID, run.DAGVersion)
	if err != nil {
		return fmt.Errorf("load dag: %w", err)
	}
	graph, err := dag.Build(d)
	if err != nil {
		return err
	}
	if err := clearTasks(ctx, e, runID, d, graph, taskID, downstream); err != nil {
		return err
	}

	if run.State.Terminal() {
		run, err = e.store.TransitionRun(ctx, runID, []types.RunState{types.RunStateSuccess, types.RunStateFailed}, types.RunStateRunning, func(r *types.DAGRun) {
			r.FinishedAt = nil
			r.Error = ""
		})
		if err != nil {
			return fmt.Errorf("reopen run: %w", err)
		}
		e.emit(ctx, runID, &types.EventInput{Type: types.EventTypeRunState, Data: types.RunStateEvent{State: types.RunStateRunning}})
	}
	return e.Launch(ctx, run)
}

// clearTasks resets the terminal instances among taskID and optionally its
// descendants. Each cleared instance gets a fresh attempt budget on top of
// the attempts it already used.
func clearTasks(ctx context.Context, e *Executor, runID string, d *types.DAG, g *dag.Graph, taskID string, downstream bool) error {
	if _, ok := d.Task(taskID); !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	ids := []string{taskID}
	if downstream {
		ids = append(ids, g.Descendants(taskID)...)
	}
	for _, id := range ids {
		ti, err := e.store.GetTaskInstance(ctx, runID, id)
		if err != nil {
			return err
		}
		if !ti.State.Terminal() {
			continue
		}
		spec, _ := d.Task(id)
		budget := d.RetryFor(spec).MaxAttempts
		from := ti.State
		if err := e.xcom.ClearTask(ctx, runID, id); err != nil {
			return fmt.Errorf("clear xcom of %s: %w", id, err)
		}
		if _, err := e.store.TransitionTask(ctx, runID, id, from, types.TaskStatePending, func(ti *types.TaskInstance) {
			ti.MaxAttempts = ti.Attempt + budget
			ti.Error = ""
			ti.StartedAt = nil
			ti.FinishedAt = nil
			ti.NextRetryAt = nil
		}); err != nil {
			return fmt.Errorf("clear task %s: %w", id, err)
		}
		e.emit(ctx, runID, &types.EventInput{
			Type:   types.EventTypeTaskState,
			TaskID: id,
			Data:   types.TaskStateEvent{From: from, State: types.TaskStatePending, Attempt: ti.Attempt},
		})
	}
	return nil
}

// Shutdown stops accepting runs and lets every loop finish its in-flight
// attempts without dispatching new ones. When ctx ends first the remaining
// loops are stopped; their runs stay running and are recovered on restart.
func (e *Executor) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closing = true
	loops := make([]*runLoop, 0, len(e.loops))
	for _, l := range e.loops {
		loops = append(loops, l)
	}
	e.mu.Unlock()

	for _, l := range loops {
		l.send(ctx, func(l *runLoop) error {
			l.draining = true
			return nil
		})
	}

	var err error
	for _, l := range loops {
		select {
		case <-l.done:
		case <-ctx.Done():
			err = ctx.Err()
		}
		if err != nil {
			break
		}
	}
	e.stopRoot()
	for _, l := range loops {
		<-l.done
	}
	e.logger.Info("executor stopped", slog.Int("runs", len(loops)))
	return err
}

func maxAttempts(ti *types.TaskInstance) int {
	if ti.MaxAttempts < 1 {
		return 1
	}
	return ti.MaxAttempts
}
