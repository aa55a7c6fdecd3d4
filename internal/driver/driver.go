// Package driver provides the execution backends that run task jobs.
package driver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/flexinfer/mentatlab/services/dagrunner/pkg/types"
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("backend closed")

// Backend names.
const (
	BackendSequential = "sequential"
	BackendLocal      = "local"
	BackendRedis      = "redis"
)

// ReportFunc receives the started and finished reports of a submitted job.
// It may be called from any goroutine.
type ReportFunc func(report *types.TaskReport)

// Backend runs task jobs. Submit never blocks on execution: the outcome
// arrives later through report.
//
// A backend that supports forced kill stops the job when the ctx passed to
// Submit is cancelled; others ignore ctx once the job was accepted.
type Backend interface {
	Submit(ctx context.Context, job *types.TaskJob, report ReportFunc) error
	Name() string
	SupportsKill() bool
	// Close stops accepting jobs and waits for in-flight jobs until ctx ends.
	Close(ctx context.Context) error
}

// Reattacher is a Backend whose queued jobs outlive the process that
// submitted them. After a restart the submitter reattaches to a job instead
// of submitting it again.
type Reattacher interface {
	// Reattach routes the reports of an earlier submitted job to report.
	// Reports received before the call are delivered first. It returns
	// false when the backend has no trace of the job.
	Reattach(ctx context.Context, runID, taskID string, attempt int, report ReportFunc) (bool, error)
}

// Executor runs one job in-process. *operator.Runner satisfies it.
type Executor interface {
	Run(ctx context.Context, job *types.TaskJob) *types.TaskReport
	Worker() string
}

// StartedReport builds the report a backend sends when job begins.
func StartedReport(job *types.TaskJob, worker string) *types.TaskReport {
	return &types.TaskReport{
		RunID:     job.RunID,
		TaskID:    job.TaskID,
		Attempt:   job.Attempt,
		Kind:      types.ReportStarted,
		Worker:    worker,
		Timestamp: time.Now().UTC(),
	}
}

// FailedReport builds a finished report for a job that could not run.
func FailedReport(job *types.TaskJob, worker string, err error) *types.TaskReport {
	return &types.TaskReport{
		RunID:     job.RunID,
		TaskID:    job.TaskID,
		Attempt:   job.Attempt,
		Kind:      types.ReportFinished,
		Error:     err.Error(),
		Worker:    worker,
		Timestamp: time.Now().UTC(),
	}
}

// execute runs job on exec and sends both reports.
func execute(ctx context.Context, exec Executor, job *types.TaskJob, report ReportFunc) {
	if err := ctx.Err(); err != nil {
		report(FailedReport(job, exec.Worker(), fmt.Errorf("cancelled before start: %w", err)))
		return
	}
	report(StartedReport(job, exec.Worker()))
	report(exec.Run(ctx, job))
}
