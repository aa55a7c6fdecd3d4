// Package runstore persists DAG runs and task instances and streams run events.
package runstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/flexinfer/mentatlab/services/dagrunner/pkg/types"
)

// Common errors returned by store implementations.
var (
	ErrRunNotFound       = errors.New("run not found")
	ErrTaskNotFound      = errors.New("task instance not found")
	ErrRunExists         = errors.New("run already exists for logical date")
	ErrStateConflict     = errors.New("state changed concurrently")
	ErrInvalidTransition = errors.New("transition not allowed")
)

// RunFilter narrows ListRuns. Results are ordered by logical date, newest first.
type RunFilter struct {
	DAGID  string
	States []types.RunState
	Limit  int
}

func (f *RunFilter) matches(run *types.DAGRun) bool {
	if f == nil {
		return true
	}
	if f.DAGID != "" && run.DAGID != f.DAGID {
		return false
	}
	if len(f.States) == 0 {
		return true
	}
	for _, s := range f.States {
		if run.State == s {
			return true
		}
	}
	return false
}

// StateStore holds DAGRun and TaskInstance records. Every state change is a
// compare-and-set on the prior state so concurrent writers cannot both win.
// Implementations must be safe for concurrent use.
type StateStore interface {
	// CreateRun stores run together with its task instances. Returns
	// ErrRunExists if a run for the same DAG and logical date exists.
	CreateRun(ctx context.Context, run *types.DAGRun, tasks []*types.TaskInstance) error
	GetRun(ctx context.Context, runID string) (*types.DAGRun, error)
	// FindRun looks a run up by DAG and logical date.
	FindRun(ctx context.Context, dagID string, logicalDate time.Time) (*types.DAGRun, error)
	ListRuns(ctx context.Context, filter *RunFilter) ([]*types.DAGRun, error)
	// TransitionRun moves the run to `to` if its current state is one of from.
	// mutate, if non-nil, may adjust other fields before the write.
	TransitionRun(ctx context.Context, runID string, from []types.RunState, to types.RunState, mutate func(*types.DAGRun)) (*types.DAGRun, error)
	DeleteRun(ctx context.Context, runID string) error

	GetTaskInstance(ctx context.Context, runID, taskID string) (*types.TaskInstance, error)
	// ListTaskInstances returns instances ordered by task id.
	ListTaskInstances(ctx context.Context, runID string) ([]*types.TaskInstance, error)
	// TransitionTask moves an instance from `from` to `to`. Returns
	// ErrInvalidTransition for edges outside the state machine and
	// ErrStateConflict when the stored state is not from.
	TransitionTask(ctx context.Context, runID, taskID string, from, to types.TaskState, mutate func(*types.TaskInstance)) (*types.TaskInstance, error)

	// AdapterInfo describes the backend; it fails when the backend is
	// unreachable, which makes the service not ready.
	AdapterInfo(ctx context.Context) (map[string]interface{}, error)

	// Cleanup
	Close() error
}

// EventStore is a per-run append-only event log with live subscription.
type EventStore interface {
	// AppendEvent adds an event to the run's event stream and returns the created event.
	AppendEvent(ctx context.Context, runID string, input *types.EventInput) (*types.Event, error)

	// GetEventsSince returns events after the given event ID (exclusive).
	// If lastEventID is empty, returns all events from the beginning.
	GetEventsSince(ctx context.Context, runID string, lastEventID string) ([]*types.Event, error)

	// Subscribe returns a channel that receives new events for the run.
	// The cleanup function must be called when done to release resources.
	// The channel is closed by CloseStream.
	Subscribe(ctx context.Context, runID string) (<-chan *types.Event, func(), error)

	// CloseStream closes all subscriber channels of a finished run.
	CloseStream(ctx context.Context, runID string) error
}

// RunStore combines state and event storage.
type RunStore interface {
	StateStore
	EventStore
}

// Config holds configuration for store implementations.
type Config struct {
	// Maximum number of events to keep per run (ring buffer)
	EventMaxLen int64

	// TTL for runs in seconds (0 = no expiry)
	TTLSeconds int64
}

// DefaultConfig returns sensible defaults for store configuration.
func DefaultConfig() *Config {
	return &Config{
		EventMaxLen: 5000,
		TTLSeconds:  7 * 24 * 60 * 60, // 7 days
	}
}

// Compose joins a StateStore and an EventStore into a RunStore.
func Compose(state StateStore, events EventStore) RunStore {
	return &composite{StateStore: state, EventStore: events}
}

type composite struct {
	StateStore
	EventStore
}

func (c *composite) Close() error {
	if closer, ok := c.EventStore.(interface{ Close() error }); ok {
		closer.Close()
	}
	return c.StateStore.Close()
}

// applyTaskTransition validates and applies a task transition in place.
// Shared by all implementations so the rules cannot drift.
func applyTaskTransition(ti *types.TaskInstance, from, to types.TaskState, mutate func(*types.TaskInstance), now time.Time) error {
	if !types.CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	if ti.State != from {
		return fmt.Errorf("%w: task %s is %s, expected %s", ErrStateConflict, ti.TaskID, ti.State, from)
	}
	if mutate != nil {
		mutate(ti)
	}
	ti.State = to
	ti.UpdatedAt = now
	return nil
}

func applyRunTransition(run *types.DAGRun, from []types.RunState, to types.RunState, mutate func(*types.DAGRun), now time.Time) error {
	ok := false
	for _, s := range from {
		if run.State == s {
			ok = true
			break
		}
	}
	if !ok {
		return fmt.Errorf("%w: run %s is %s", ErrStateConflict, run.ID, run.State)
	}
	if mutate != nil {
		mutate(run)
	}
	run.State = to
	run.UpdatedAt = now
	return nil
}

func sortRuns(runs []*types.DAGRun) {
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].LogicalDate.Equal(runs[j].LogicalDate) {
			return runs[i].CreatedAt.After(runs[j].CreatedAt)
		}
		return runs[i].LogicalDate.After(runs[j].LogicalDate)
	})
}

func limitRuns(runs []*types.DAGRun, f *RunFilter) []*types.DAGRun {
	if f != nil && f.Limit > 0 && f.Limit < len(runs) {
		return runs[:f.Limit]
	}
	return runs
}

func prepareRun(run *types.DAGRun, tasks []*types.TaskInstance, now time.Time) {
	run.LogicalDate = run.LogicalDate.UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = now
	for _, ti := range tasks {
		ti.RunID = run.ID
		if ti.State == "" {
			ti.State = types.TaskStatePending
		}
		ti.UpdatedAt = now
	}
}
