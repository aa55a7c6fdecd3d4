// Package types provides shared types for the dagrunner service.
package types

import (
	"encoding/json"
	"time"
)

// RunState represents the current state of a DAG run.
type RunState string

const (
	RunStateQueued    RunState = "queued"
	RunStateRunning   RunState = "running"
	RunStateSuccess   RunState = "success"
	RunStateFailed    RunState = "failed"
	RunStateCancelled RunState = "cancelled"
)

// Terminal reports whether the run has finished.
func (s RunState) Terminal() bool {
	return s == RunStateSuccess || s == RunStateFailed || s == RunStateCancelled
}

// RunType distinguishes scheduler-created runs from manual triggers.
type RunType string

const (
	RunTypeScheduled RunType = "scheduled"
	RunTypeManual    RunType = "manual"
)

// TaskState represents the state of a task instance within a run.
type TaskState string

const (
	TaskStatePending        TaskState = "pending"
	TaskStateQueued         TaskState = "queued"
	TaskStateRunning        TaskState = "running"
	TaskStateSuccess        TaskState = "success"
	TaskStateFailed         TaskState = "failed"
	TaskStateRetrying       TaskState = "retrying"
	TaskStateUpstreamFailed TaskState = "upstream_failed"
	TaskStateSkipped        TaskState = "skipped"
)

// Terminal reports whether no further automatic transition will happen.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskStateSuccess, TaskStateFailed, TaskStateUpstreamFailed, TaskStateSkipped:
		return true
	}
	return false
}

// Failed reports whether the state counts as a failure for trigger rules.
func (s TaskState) Failed() bool {
	return s == TaskStateFailed || s == TaskStateUpstreamFailed
}

var taskTransitions = map[TaskState][]TaskState{
	TaskStatePending:        {TaskStateQueued, TaskStateUpstreamFailed, TaskStateSkipped},
	TaskStateQueued:         {TaskStateRunning, TaskStatePending, TaskStateSkipped, TaskStateFailed},
	TaskStateRunning:        {TaskStateSuccess, TaskStateFailed, TaskStateRetrying},
	TaskStateRetrying:       {TaskStateQueued, TaskStateSkipped},
	TaskStateSuccess:        {TaskStatePending},
	TaskStateFailed:         {TaskStatePending},
	TaskStateUpstreamFailed: {TaskStatePending},
	TaskStateSkipped:        {TaskStatePending},
}

// CanTransition reports whether a task instance may move from one state to another.
func CanTransition(from, to TaskState) bool {
	for _, s := range taskTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// DAGRun is one execution of a DAG for a logical date.
type DAGRun struct {
	ID                string                 `json:"id"`
	DAGID             string                 `json:"dag_id"`
	DAGVersion        int                    `json:"dag_version"`
	LogicalDate       time.Time              `json:"logical_date"`
	DataIntervalStart time.Time              `json:"data_interval_start"`
	DataIntervalEnd   time.Time              `json:"data_interval_end"`
	RunType           RunType                `json:"run_type"`
	State             RunState               `json:"state"`
	Conf              map[string]interface{} `json:"conf,omitempty"`
	StartedAt         *time.Time             `json:"started_at,omitempty"`
	FinishedAt        *time.Time             `json:"finished_at,omitempty"`
	Error             string                 `json:"error,omitempty"`
	CreatedAt         time.Time              `json:"created_at"`
	UpdatedAt         time.Time              `json:"updated_at"`
}

// TaskInstance is the runtime state of one task within one run.
type TaskInstance struct {
	RunID       string     `json:"run_id"`
	TaskID      string     `json:"task_id"`
	State       TaskState  `json:"state"`
	Attempt     int        `json:"attempt"`
	MaxAttempts int        `json:"max_attempts"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`
	Error       string     `json:"error,omitempty"`
	Worker      string     `json:"worker,omitempty"`
	OutputKey   string     `json:"output_key,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// XComEntry is a value passed between tasks of the same run.
type XComEntry struct {
	RunID     string          `json:"run_id"`
	TaskID    string          `json:"task_id"`
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value,omitempty"`
	Ref       string          `json:"ref,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// ReturnValueKey is the XCom key holding a task's output.
const ReturnValueKey = "return_value"
