package dag

import "github.com/flexinfer/mentatlab/services/dagrunner/pkg/types"

// Decision is the outcome of evaluating a trigger rule.
type Decision int

const (
	// Wait means some upstream task has not reached a terminal state.
	Wait Decision = iota
	// Ready means the task may be queued.
	Ready
	// UpstreamFailed means the rule can no longer be met because of a failure.
	UpstreamFailed
	// Skip means the rule can no longer be met and nothing failed.
	Skip
)

func (d Decision) String() string {
	switch d {
	case Ready:
		return "ready"
	case UpstreamFailed:
		return "upstream_failed"
	case Skip:
		return "skip"
	default:
		return "wait"
	}
}

// Evaluate applies rule to the states of a task's direct upstream instances.
// No decision other than Wait is made until every upstream is terminal.
func Evaluate(rule types.TriggerRule, upstream []types.TaskState) Decision {
	var success, failed, skipped int
	for _, s := range upstream {
		if !s.Terminal() {
			return Wait
		}
		switch {
		case s == types.TaskStateSuccess:
			success++
		case s.Failed():
			failed++
		case s == types.TaskStateSkipped:
			skipped++
		}
	}
	n := len(upstream)
	if n == 0 {
		return Ready
	}

	// unmet picks the terminal state for a task whose rule cannot be satisfied.
	unmet := func() Decision {
		if failed > 0 {
			return UpstreamFailed
		}
		return Skip
	}

	switch rule.OrDefault() {
	case types.TriggerAllSuccess:
		if success == n {
			return Ready
		}
		return unmet()
	case types.TriggerAllFailed:
		if failed == n {
			return Ready
		}
		return Skip
	case types.TriggerAllDone:
		return Ready
	case types.TriggerOneSuccess:
		if success > 0 {
			return Ready
		}
		return unmet()
	case types.TriggerOneFailed:
		if failed > 0 {
			return Ready
		}
		return Skip
	case types.TriggerNoneFailed:
		if failed == 0 {
			return Ready
		}
		return UpstreamFailed
	}
	return unmet()
}
