package driver

import (
	"context"
	"sync"

	"github.com/flexinfer/mentatlab/services/dagrunner/internal/metrics"
	"github.com/flexinfer/mentatlab/services/dagrunner/pkg/types"
)

type queuedJob struct {
	ctx    context.Context
	job    *types.TaskJob
	report ReportFunc
}

// Sequential runs one job at a time in submission order.
type Sequential struct {
	exec Executor

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []queuedJob
	closed bool
	done   chan struct{}
}

// NewSequential starts a single-worker backend.
func NewSequential(exec Executor) *Sequential {
	s := &Sequential{exec: exec, done: make(chan struct{})}
	s.cond = sync.NewCond(&s.mu)
	go s.loop()
	return s
}

func (s *Sequential) Name() string       { return BackendSequential }
func (s *Sequential) SupportsKill() bool { return true }

func (s *Sequential) Submit(ctx context.Context, job *types.TaskJob, report ReportFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.queue = append(s.queue, queuedJob{ctx: ctx, job: job, report: report})
	metrics.TasksDispatched.WithLabelValues(BackendSequential).Inc()
	metrics.BackendQueueDepth.WithLabelValues(BackendSequential).Set(float64(len(s.queue)))
	s.cond.Signal()
	return nil
}

// next blocks until a job is queued. It returns false once closed and drained.
func (s *Sequential) next() (queuedJob, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.queue) == 0 && !s.closed {
		s.cond.Wait()
	}
	if len(s.queue) == 0 {
		return queuedJob{}, false
	}
	item := s.queue[0]
	s.queue[0] = queuedJob{}
	s.queue = s.queue[1:]
	metrics.BackendQueueDepth.WithLabelValues(BackendSequential).Set(float64(len(s.queue)))
	return item, true
}

func (s *Sequential) loop() {
	defer close(s.done)
	for {
		item, ok := s.next()
		if !ok {
			return
		}
		execute(item.ctx, s.exec, item.job, item.report)
	}
}

// Close stops accepting jobs; queued jobs still run unless ctx ends first.
func (s *Sequential) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var _ Backend = (*Sequential)(nil)
