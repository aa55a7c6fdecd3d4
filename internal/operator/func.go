package operator

import (
	"context"
	"fmt"

	"github.com/flexinfer/mentatlab/services/dagrunner/pkg/types"
)

// Func is an in-process task body registered under a name.
type Func func(ctx context.Context, tc *TaskContext, args map[string]interface{}) (interface{}, error)

// RegisterFunc makes fn callable from tasks with operator "func".
func (r *Registry) RegisterFunc(name string, fn Func) {
	r.mu.Lock()
	r.funcs[name] = fn
	r.mu.Unlock()
}

func (r *Registry) newFunc(spec *types.TaskSpec) (Operator, error) {
	if spec.Func == nil || spec.Func.Name == "" {
		return nil, fmt.Errorf("%w: func.name", ErrMissingConfig)
	}
	r.mu.RLock()
	fn, ok := r.funcs[spec.Func.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("function %q is not registered", spec.Func.Name)
	}
	args := spec.Func.Args
	return OperatorFunc(func(ctx context.Context, tc *TaskContext) (interface{}, error) {
		return fn(ctx, tc, args)
	}), nil
}
