package executor

import (
	"time"

	"github.com/google/uuid"

	"github.com/flexinfer/mentatlab/services/dagrunner/pkg/types"
)

// RunOptions describes a run to create.
type RunOptions struct {
	LogicalDate       time.Time
	DataIntervalStart time.Time
	DataIntervalEnd   time.Time
	RunType           types.RunType
	Conf              map[string]interface{}
}

// NewRun builds a running DAGRun for d with one pending instance per task.
// The caller persists it with StateStore.CreateRun and then calls Launch.
func NewRun(d *types.DAG, opts RunOptions, now time.Time) (*types.DAGRun, []*types.TaskInstance) {
	logical := opts.LogicalDate.UTC()
	start, end := opts.DataIntervalStart, opts.DataIntervalEnd
	if start.IsZero() {
		start = logical
	}
	if end.IsZero() {
		end = logical
	}
	runType := opts.RunType
	if runType == "" {
		runType = types.RunTypeManual
	}

	now = now.UTC()
	run := &types.DAGRun{
		ID:                uuid.NewString(),
		DAGID:             d.ID,
		DAGVersion:        d.Version,
		LogicalDate:       logical,
		DataIntervalStart: start.UTC(),
		DataIntervalEnd:   end.UTC(),
		RunType:           runType,
		State:             types.RunStateRunning,
		Conf:              opts.Conf,
		StartedAt:         &now,
	}

	tasks := make([]*types.TaskInstance, 0, len(d.Tasks))
	for i := range d.Tasks {
		spec := &d.Tasks[i]
		tasks = append(tasks, &types.TaskInstance{
			TaskID:      spec.ID,
			State:       types.TaskStatePending,
			MaxAttempts: d.RetryFor(spec).MaxAttempts,
		})
	}
	return run, tasks
}
