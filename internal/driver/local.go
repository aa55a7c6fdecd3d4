package driver

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/flexinfer/mentatlab/services/dagrunner/internal/metrics"
	"github.com/flexinfer/mentatlab/services/dagrunner/pkg/types"
)

// Local runs jobs in goroutines bounded by a parallelism limit.
type Local struct {
	exec Executor
	sem  *semaphore.Weighted

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewLocal creates a pool running at most parallelism jobs at once.
func NewLocal(exec Executor, parallelism int) *Local {
	if parallelism <= 0 {
		parallelism = 1
	}
	return &Local{exec: exec, sem: semaphore.NewWeighted(int64(parallelism))}
}

func (l *Local) Name() string       { return BackendLocal }
func (l *Local) SupportsKill() bool { return true }

func (l *Local) Submit(ctx context.Context, job *types.TaskJob, report ReportFunc) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return ErrClosed
	}

	l.wg.Add(1)
	metrics.TasksDispatched.WithLabelValues(BackendLocal).Inc()
	metrics.BackendQueueDepth.WithLabelValues(BackendLocal).Inc()
	go func() {
		defer l.wg.Done()
		err := l.sem.Acquire(ctx, 1)
		metrics.BackendQueueDepth.WithLabelValues(BackendLocal).Dec()
		if err != nil {
			report(FailedReport(job, l.exec.Worker(), fmt.Errorf("cancelled before start: %w", err)))
			return
		}
		defer l.sem.Release(1)
		execute(ctx, l.exec, job, report)
	}()
	return nil
}

// Close stops accepting jobs and waits for running ones until ctx ends.
func (l *Local) Close(ctx context.Context) error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var _ Backend = (*Local)(nil)
