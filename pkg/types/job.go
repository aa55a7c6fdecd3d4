package types

import (
	"encoding/json"
	"strconv"
	"time"
)

// TaskJob is the unit of work handed to an execution backend.
type TaskJob struct {
	RunID       string                 `json:"run_id"`
	DAGID       string                 `json:"dag_id"`
	TaskID      string                 `json:"task_id"`
	Attempt     int                    `json:"attempt"`
	LogicalDate time.Time              `json:"logical_date"`
	Conf        map[string]interface{} `json:"conf,omitempty"`
	Upstream    []string               `json:"upstream,omitempty"`
	Task        TaskSpec               `json:"task"`

	// TraceContext carries the dispatching span across process boundaries.
	TraceContext map[string]string `json:"trace_context,omitempty"`
}

// Key identifies the job attempt.
func (j *TaskJob) Key() string {
	return JobKey(j.RunID, j.TaskID, j.Attempt)
}

// ReportKind distinguishes start from completion reports.
type ReportKind string

const (
	ReportStarted  ReportKind = "started"
	ReportFinished ReportKind = "finished"
)

// TaskReport is sent by a backend when a job starts and when it finishes.
type TaskReport struct {
	RunID          string          `json:"run_id"`
	TaskID         string          `json:"task_id"`
	Attempt        int             `json:"attempt"`
	Kind           ReportKind      `json:"kind"`
	Output         json.RawMessage `json:"output,omitempty"`
	SkipDownstream bool            `json:"skip_downstream,omitempty"`
	Error          string          `json:"error,omitempty"`
	Worker         string          `json:"worker,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
}

// Succeeded reports whether a finished report carries no error.
func (r *TaskReport) Succeeded() bool {
	return r.Kind == ReportFinished && r.Error == ""
}

// JobKey builds the identifier shared by a job and its reports.
func JobKey(runID, taskID string, attempt int) string {
	return runID + "/" + taskID + "/" + strconv.Itoa(attempt)
}

