package dag

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/flexinfer/mentatlab/services/dagrunner/pkg/types"
)

func TestEvaluate(t *testing.T) {
	const (
		ok   = types.TaskStateSuccess
		fail = types.TaskStateFailed
		upf  = types.TaskStateUpstreamFailed
		skip = types.TaskStateSkipped
		run  = types.TaskStateRunning
		rtry = types.TaskStateRetrying
	)
	tests := []struct {
		name     string
		rule     types.TriggerRule
		upstream []types.TaskState
		want     Decision
	}{
		{"no upstream", "", nil, Ready},
		{"default waits on running", "", []types.TaskState{ok, run}, Wait},
		{"retrying is not terminal", types.TriggerAllDone, []types.TaskState{rtry}, Wait},
		{"all_success ready", types.TriggerAllSuccess, []types.TaskState{ok, ok}, Ready},
		{"all_success failed", types.TriggerAllSuccess, []types.TaskState{ok, fail}, UpstreamFailed},
		{"all_success propagates upstream_failed", "", []types.TaskState{upf}, UpstreamFailed},
		{"all_success skipped", types.TriggerAllSuccess, []types.TaskState{ok, skip}, Skip},
		{"all_failed ready", types.TriggerAllFailed, []types.TaskState{fail, upf}, Ready},
		{"all_failed with success", types.TriggerAllFailed, []types.TaskState{fail, ok}, Skip},
		{"all_done mixed", types.TriggerAllDone, []types.TaskState{fail, ok, skip}, Ready},
		{"one_success ready", types.TriggerOneSuccess, []types.TaskState{fail, ok}, Ready},
		{"one_success none", types.TriggerOneSuccess, []types.TaskState{fail, skip}, UpstreamFailed},
		{"one_success all skipped", types.TriggerOneSuccess, []types.TaskState{skip, skip}, Skip},
		{"one_failed ready", types.TriggerOneFailed, []types.TaskState{ok, fail}, Ready},
		{"one_failed none", types.TriggerOneFailed, []types.TaskState{ok, ok}, Skip},
		{"none_failed with skip", types.TriggerNoneFailed, []types.TaskState{ok, skip}, Ready},
		{"none_failed failure", types.TriggerNoneFailed, []types.TaskState{ok, fail}, UpstreamFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Evaluate(tt.rule, tt.upstream))
		})
	}
}
