// Package scheduler creates DAG runs when their schedule comes due and hands
// them to the executor.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/flexinfer/mentatlab/services/dagrunner/internal/executor"
	"github.com/flexinfer/mentatlab/services/dagrunner/internal/metrics"
	"github.com/flexinfer/mentatlab/services/dagrunner/internal/registry"
	"github.com/flexinfer/mentatlab/services/dagrunner/internal/runstore"
	"github.com/flexinfer/mentatlab/services/dagrunner/internal/schedule"
	"github.com/flexinfer/mentatlab/services/dagrunner/pkg/types"
)

// maxSkipsPerTick bounds how many already-existing intervals one tick walks
// past for a single DAG.
const maxSkipsPerTick = 100

// Launcher starts the control loop of a created run. *executor.Executor
// satisfies it.
type Launcher interface {
	Launch(ctx context.Context, run *types.DAGRun) error
}

// Config holds scheduler configuration.
type Config struct {
	// Interval between ticks (default 5s)
	Interval time.Duration

	// Clock drives the tick loop (default: wall clock)
	Clock clock.Clock

	Logger *slog.Logger
}

// Scheduler turns schedules into runs.
type Scheduler struct {
	registry registry.Registry
	store    runstore.RunStore
	launcher Launcher
	interval time.Duration
	clock    clock.Clock
	logger   *slog.Logger

	mu         sync.Mutex
	last       map[string]time.Time // logical date of the latest scheduled run per DAG
	unlaunched map[string]bool      // created runs whose launch failed
}

// New creates a scheduler.
func New(reg registry.Registry, store runstore.RunStore, launcher Launcher, cfg Config) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Scheduler{
		registry: reg,
		store:    store,
		launcher: launcher,
		interval: cfg.Interval,
		clock:    cfg.Clock,
		logger:   cfg.Logger.With(slog.String("component", "scheduler")),
		last:       make(map[string]time.Time),
		unlaunched: make(map[string]bool),
	}
}

// Run ticks until ctx is cancelled. Tick errors are logged and retried on
// the next tick.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := s.clock.Ticker(s.interval)
	defer ticker.Stop()

	s.logger.Info("scheduler started", slog.Duration("interval", s.interval))
	for {
		if err := s.Tick(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("scheduler tick failed", slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Tick retries failed launches, then creates at most one due run per
// unpaused DAG.
func (s *Scheduler) Tick(ctx context.Context) error {
	start := time.Now()
	defer func() { metrics.SchedulerTickDuration.Observe(time.Since(start).Seconds()) }()

	errs := s.relaunch(ctx)

	unpaused := false
	dags, err := s.registry.List(ctx, &registry.ListOptions{Paused: &unpaused})
	if err != nil {
		metrics.SchedulerTicks.WithLabelValues("error").Inc()
		return errors.Join(append(errs, fmt.Errorf("list dags: %w", err))...)
	}

	for _, d := range dags {
		if err := s.scheduleDAG(ctx, d); err != nil {
			errs = append(errs, fmt.Errorf("dag %s: %w", d.ID, err))
		}
	}
	if len(errs) > 0 {
		metrics.SchedulerTicks.WithLabelValues("error").Inc()
		return errors.Join(errs...)
	}
	metrics.SchedulerTicks.WithLabelValues("ok").Inc()
	return nil
}

func (s *Scheduler) scheduleDAG(ctx context.Context, d *types.DAG) error {
	sched, err := schedule.Parse(d.Schedule)
	if err != nil || sched == nil {
		return err
	}

	active, err := s.store.ListRuns(ctx, &runstore.RunFilter{
		DAGID:  d.ID,
		States: []types.RunState{types.RunStateQueued, types.RunStateRunning},
	})
	if err != nil {
		return fmt.Errorf("list active runs: %w", err)
	}
	if len(active) >= d.ActiveRunLimit() {
		return nil
	}

	last, err := s.lastScheduled(ctx, d.ID)
	if err != nil {
		return err
	}
	anchor := d.RegisteredAt
	if d.StartDate != nil {
		anchor = *d.StartDate
	}
	now := s.clock.Now().UTC()

	for i := 0; i < maxSkipsPerTick; i++ {
		interval, due := schedule.NextDue(sched, anchor, last, now, d.Catchup, d.EndDate)
		if !due {
			return nil
		}
		_, err := s.createRun(ctx, d, executor.RunOptions{
			LogicalDate:       interval.Start,
			DataIntervalStart: interval.Start,
			DataIntervalEnd:   interval.End,
			RunType:           types.RunTypeScheduled,
		})
		if errors.Is(err, runstore.ErrRunExists) {
			last = &interval.Start
			s.setLast(d.ID, interval.Start)
			continue
		}
		if err != nil {
			return err
		}
		s.setLast(d.ID, interval.Start)
		return nil
	}
	return nil
}

// lastScheduled returns the logical date of the DAG's newest scheduled run.
func (s *Scheduler) lastScheduled(ctx context.Context, dagID string) (*time.Time, error) {
	s.mu.Lock()
	t, ok := s.last[dagID]
	s.mu.Unlock()
	if ok {
		return &t, nil
	}

	runs, err := s.store.ListRuns(ctx, &runstore.RunFilter{DAGID: dagID, Limit: 100})
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	for _, r := range runs {
		if r.RunType == types.RunTypeScheduled {
			s.setLast(dagID, r.LogicalDate)
			ld := r.LogicalDate
			return &ld, nil
		}
	}
	return nil, nil
}

func (s *Scheduler) setLast(dagID string, t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.last[dagID]; !ok || t.After(cur) {
		s.last[dagID] = t
	}
}

// Trigger creates a manual run. A nil logicalDate means now.
func (s *Scheduler) Trigger(ctx context.Context, dagID string, logicalDate *time.Time, conf map[string]interface{}) (*types.DAGRun, error) {
	d, err := s.registry.Lookup(ctx, dagID)
	if err != nil {
		return nil, err
	}
	logical := s.clock.Now().UTC().Truncate(time.Second)
	if logicalDate != nil {
		logical = logicalDate.UTC()
	}
	return s.createRun(ctx, d, executor.RunOptions{
		LogicalDate: logical,
		RunType:     types.RunTypeManual,
		Conf:        conf,
	})
}

func (s *Scheduler) createRun(ctx context.Context, d *types.DAG, opts executor.RunOptions) (*types.DAGRun, error) {
	run, tasks := executor.NewRun(d, opts, s.clock.Now())
	if err := s.store.CreateRun(ctx, run, tasks); err != nil {
		return nil, err
	}
	metrics.RunsCreated.WithLabelValues(d.ID, string(run.RunType)).Inc()
	if _, err := s.store.AppendEvent(ctx, run.ID, &types.EventInput{
		Type: types.EventTypeRunState,
		Data: types.RunStateEvent{State: run.State},
	}); err != nil {
		s.logger.Warn("failed to append event", slog.String("run_id", run.ID), slog.Any("error", err))
	}
	s.logger.Info("run created",
		slog.String("run_id", run.ID),
		slog.String("dag_id", d.ID),
		slog.Int("dag_version", d.Version),
		slog.String("run_type", string(run.RunType)),
		slog.Time("logical_date", run.LogicalDate))

	if err := s.launcher.Launch(ctx, run); err != nil {
		s.launchFailed(run.ID, err)
		return run, fmt.Errorf("launch run %s: %w", run.ID, err)
	}
	return run, nil
}

// launchFailed marks a run for relaunch on the next tick. Runs refused
// because the executor is shutting down are left to Recover.
func (s *Scheduler) launchFailed(runID string, err error) {
	if errors.Is(err, executor.ErrShuttingDown) {
		return
	}
	s.mu.Lock()
	s.unlaunched[runID] = true
	s.mu.Unlock()
}

// relaunch launches the runs whose earlier launch failed. A run that
// finished or disappeared meanwhile is dropped.
func (s *Scheduler) relaunch(ctx context.Context) []error {
	s.mu.Lock()
	ids := make([]string, 0, len(s.unlaunched))
	for id := range s.unlaunched {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	sort.Strings(ids)

	var errs []error
	for _, id := range ids {
		run, err := s.store.GetRun(ctx, id)
		if errors.Is(err, runstore.ErrRunNotFound) || (err == nil && run.State.Terminal()) {
			s.forget(id)
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("relaunch run %s: %w", id, err))
			continue
		}
		if err := s.launcher.Launch(ctx, run); err != nil {
			if errors.Is(err, executor.ErrRunNotActive) || errors.Is(err, executor.ErrShuttingDown) {
				s.forget(id)
			}
			errs = append(errs, fmt.Errorf("relaunch run %s: %w", id, err))
			continue
		}
		s.forget(id)
		s.logger.Info("run relaunched", slog.String("run_id", id), slog.String("dag_id", run.DAGID))
	}
	return errs
}

func (s *Scheduler) forget(runID string) {
	s.mu.Lock()
	delete(s.unlaunched, runID)
	s.mu.Unlock()
}

// Recover relaunches runs a previous process left unfinished.
func (s *Scheduler) Recover(ctx context.Context) error {
	runs, err := s.store.ListRuns(ctx, &runstore.RunFilter{
		States: []types.RunState{types.RunStateQueued, types.RunStateRunning},
	})
	if err != nil {
		return fmt.Errorf("list unfinished runs: %w", err)
	}

	var errs []error
	for _, run := range runs {
		if run.State == types.RunStateQueued {
			started, err := s.store.TransitionRun(ctx, run.ID, []types.RunState{types.RunStateQueued}, types.RunStateRunning, nil)
			if err != nil {
				errs = append(errs, fmt.Errorf("start run %s: %w", run.ID, err))
				continue
			}
			run = started
		}
		if err := s.launcher.Launch(ctx, run); err != nil {
			s.launchFailed(run.ID, err)
			errs = append(errs, fmt.Errorf("recover run %s: %w", run.ID, err))
			continue
		}
		s.logger.Info("recovered run", slog.String("run_id", run.ID), slog.String("dag_id", run.DAGID))
	}
	return errors.Join(errs...)
}
