// Package operator implements the task kinds a DAG can use and the runner
// that executes one task attempt.
package operator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"

	"github.com/flexinfer/mentatlab/services/dagrunner/internal/xcom"
	"github.com/flexinfer/mentatlab/services/dagrunner/pkg/types"
)

var (
	ErrUnknownOperator = errors.New("unknown operator")
	ErrMissingConfig   = errors.New("operator config missing")
)

// Operator executes one task attempt. The returned value, if non-nil, is
// JSON-encoded and stored as the task's return_value XCom.
type Operator interface {
	Execute(ctx context.Context, tc *TaskContext) (interface{}, error)
}

// OperatorFunc adapts a function to Operator.
type OperatorFunc func(ctx context.Context, tc *TaskContext) (interface{}, error)

func (f OperatorFunc) Execute(ctx context.Context, tc *TaskContext) (interface{}, error) {
	return f(ctx, tc)
}

// TaskContext is what an operator sees of the run it belongs to.
type TaskContext struct {
	Job    *types.TaskJob
	Logger *slog.Logger

	// Log receives the task's own output; it ends up in the task log.
	Log io.Writer

	XCom *XComClient

	mu   sync.Mutex
	skip bool
}

// SkipDownstream marks direct downstream tasks to be skipped when this
// attempt succeeds.
func (tc *TaskContext) SkipDownstream() {
	tc.mu.Lock()
	tc.skip = true
	tc.mu.Unlock()
}

func (tc *TaskContext) skipRequested() bool {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.skip
}

// XComClient reads and writes XCom entries scoped to one task of one run.
type XComClient struct {
	store  xcom.Store
	runID  string
	taskID string
}

// NewXComClient scopes store to a task of a run.
func NewXComClient(store xcom.Store, runID, taskID string) *XComClient {
	return &XComClient{store: store, runID: runID, taskID: taskID}
}

// PullRaw returns the JSON value another task of the same run pushed.
func (c *XComClient) PullRaw(ctx context.Context, taskID, key string) (json.RawMessage, error) {
	if key == "" {
		key = types.ReturnValueKey
	}
	e, err := c.store.Get(ctx, c.runID, taskID, key)
	if err != nil {
		return nil, err
	}
	return e.Value, nil
}

// Pull decodes a value pushed by taskID under key (return_value when empty).
func (c *XComClient) Pull(ctx context.Context, taskID, key string) (interface{}, error) {
	raw, err := c.PullRaw(ctx, taskID, key)
	if err != nil {
		return nil, err
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decode xcom %s/%s: %w", taskID, key, err)
	}
	return v, nil
}

// Push stores value under key for the current task. Keys are write-once per
// attempt.
func (c *XComClient) Push(ctx context.Context, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode xcom %s: %w", key, err)
	}
	return c.store.Put(ctx, &types.XComEntry{
		RunID:  c.runID,
		TaskID: c.taskID,
		Key:    key,
		Value:  data,
	})
}

// Factory builds an operator for a task spec.
type Factory func(spec *types.TaskSpec) (Operator, error)

// Registry maps operator kinds to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	funcs     map[string]Func
}

// NewRegistry returns a registry with the built-in kinds that need no
// external dependencies: empty, bash, func and condition.
func NewRegistry() *Registry {
	r := &Registry{
		factories: make(map[string]Factory),
		funcs:     make(map[string]Func),
	}
	r.Register(types.OperatorEmpty, func(*types.TaskSpec) (Operator, error) { return Empty{}, nil })
	r.Register(types.OperatorBash, newBash)
	r.Register(types.OperatorFunc, r.newFunc)
	r.Register(types.OperatorCondition, newCondition())
	return r
}

// Register adds or replaces the factory for kind.
func (r *Registry) Register(kind string, f Factory) {
	r.mu.Lock()
	r.factories[kind] = f
	r.mu.Unlock()
}

// Kinds lists registered operator kinds in sorted order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// New builds the operator for spec.
func (r *Registry) New(spec *types.TaskSpec) (Operator, error) {
	r.mu.RLock()
	f, ok := r.factories[spec.Operator]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownOperator, spec.Operator)
	}
	return f(spec)
}

// Empty does nothing and succeeds.
type Empty struct{}

func (Empty) Execute(ctx context.Context, tc *TaskContext) (interface{}, error) {
	return nil, nil
}
