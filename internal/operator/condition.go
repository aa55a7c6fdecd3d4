package operator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/flexinfer/mentatlab/services/dagrunner/internal/xcom"
	"github.com/flexinfer/mentatlab/services/dagrunner/pkg/types"
)

// Condition evaluates a boolean expression over upstream outputs. When it is
// false the direct downstream tasks are skipped.
//
// The expression environment holds:
//
//	upstream      map of upstream task id to its decoded return_value (nil if unset)
//	conf          the run's conf
//	logical_date  time.Time
//	ds            logical date as YYYY-MM-DD
//	run_id, dag_id, attempt
type Condition struct {
	expression string
	program    *vm.Program
}

const maxExpressionLength = 4096

// programCache holds compiled condition expressions. Programs are compiled
// without a typed env so one program serves every run.
type programCache struct {
	mu       sync.RWMutex
	programs map[string]*vm.Program
}

func (c *programCache) compile(expression string) (*vm.Program, error) {
	c.mu.RLock()
	prog, ok := c.programs[expression]
	c.mu.RUnlock()
	if ok {
		return prog, nil
	}
	if len(expression) > maxExpressionLength {
		return nil, fmt.Errorf("condition expression longer than %d characters", maxExpressionLength)
	}
	prog, err := expr.Compile(expression, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("compile condition %q: %w", expression, err)
	}
	c.mu.Lock()
	c.programs[expression] = prog
	c.mu.Unlock()
	return prog, nil
}

func newCondition() Factory {
	cache := &programCache{programs: make(map[string]*vm.Program)}
	return func(spec *types.TaskSpec) (Operator, error) {
		if spec.Condition == nil || spec.Condition.Expression == "" {
			return nil, fmt.Errorf("%w: condition.expression", ErrMissingConfig)
		}
		prog, err := cache.compile(spec.Condition.Expression)
		if err != nil {
			return nil, err
		}
		return &Condition{expression: spec.Condition.Expression, program: prog}, nil
	}
}

func (c *Condition) Execute(ctx context.Context, tc *TaskContext) (interface{}, error) {
	job := tc.Job
	upstream := make(map[string]interface{}, len(job.Upstream))
	for _, id := range job.Upstream {
		upstream[id] = nil
		if tc.XCom == nil {
			continue
		}
		v, err := tc.XCom.Pull(ctx, id, types.ReturnValueKey)
		if err != nil {
			if errors.Is(err, xcom.ErrNotFound) {
				continue
			}
			return nil, err
		}
		upstream[id] = v
	}

	conf := job.Conf
	if conf == nil {
		conf = map[string]interface{}{}
	}
	env := map[string]interface{}{
		"upstream":     upstream,
		"conf":         conf,
		"logical_date": job.LogicalDate,
		"ds":           job.LogicalDate.UTC().Format(time.DateOnly),
		"run_id":       job.RunID,
		"dag_id":       job.DAGID,
		"attempt":      job.Attempt,
	}

	out, err := expr.Run(c.program, env)
	if err != nil {
		return nil, fmt.Errorf("evaluate condition %q: %w", c.expression, err)
	}
	ok, err := truthy(out)
	if err != nil {
		return nil, fmt.Errorf("condition %q: %w", c.expression, err)
	}
	fmt.Fprintf(tc.Log, "condition %q evaluated to %t\n", c.expression, ok)
	if !ok {
		tc.SkipDownstream()
	}
	return ok, nil
}

// truthy accepts booleans and treats zero numbers, empty strings and nil as
// false.
func truthy(v interface{}) (bool, error) {
	switch v := v.(type) {
	case bool:
		return v, nil
	case int:
		return v != 0, nil
	case int64:
		return v != 0, nil
	case float64:
		return v != 0, nil
	case string:
		return v != "", nil
	case nil:
		return false, nil
	}
	return false, fmt.Errorf("result is %T, want bool", v)
}
