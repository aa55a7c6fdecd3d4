package driver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flexinfer/mentatlab/services/dagrunner/pkg/types"
)

// fakeExecutor records execution order and concurrency.
type fakeExecutor struct {
	delay   time.Duration
	running atomic.Int32
	peak    atomic.Int32

	mu    sync.Mutex
	order []string
}

func (f *fakeExecutor) Worker() string { return "fake" }

func (f *fakeExecutor) Run(ctx context.Context, job *types.TaskJob) *types.TaskReport {
	n := f.running.Add(1)
	defer f.running.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}

	f.mu.Lock()
	f.order = append(f.order, job.TaskID)
	f.mu.Unlock()

	report := &types.TaskReport{RunID: job.RunID, TaskID: job.TaskID, Attempt: job.Attempt, Kind: types.ReportFinished}
	select {
	case <-time.After(f.delay):
	case <-ctx.Done():
		report.Error = ctx.Err().Error()
	}
	return report
}

// collector gathers reports and signals when n finished reports arrived.
type collector struct {
	mu       sync.Mutex
	reports  []*types.TaskReport
	finished chan *types.TaskReport
}

func newCollector() *collector {
	return &collector{finished: make(chan *types.TaskReport, 100)}
}

func (c *collector) report(r *types.TaskReport) {
	c.mu.Lock()
	c.reports = append(c.reports, r)
	c.mu.Unlock()
	if r.Kind == types.ReportFinished {
		c.finished <- r
	}
}

func (c *collector) wait(t *testing.T, n int) []*types.TaskReport {
	t.Helper()
	var out []*types.TaskReport
	for len(out) < n {
		select {
		case r := <-c.finished:
			out = append(out, r)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for %d reports, got %d", n, len(out))
		}
	}
	return out
}

func job(taskID string) *types.TaskJob {
	return &types.TaskJob{RunID: "run-1", DAGID: "d", TaskID: taskID, Attempt: 1}
}

func TestSequential_RunsInOrder(t *testing.T) {
	exec := &fakeExecutor{delay: 5 * time.Millisecond}
	b := NewSequential(exec)
	c := newCollector()

	for i := 0; i < 5; i++ {
		require.NoError(t, b.Submit(context.Background(), job(fmt.Sprintf("t%d", i)), c.report))
	}
	c.wait(t, 5)
	require.NoError(t, b.Close(context.Background()))

	assert.Equal(t, []string{"t0", "t1", "t2", "t3", "t4"}, exec.order)
	assert.EqualValues(t, 1, exec.peak.Load())

	// Every job got a started report before its finished report
	seen := map[string]types.ReportKind{}
	for _, r := range c.reports {
		if r.Kind == types.ReportFinished {
			assert.Equal(t, types.ReportStarted, seen[r.TaskID], r.TaskID)
		}
		seen[r.TaskID] = r.Kind
	}

	assert.ErrorIs(t, b.Submit(context.Background(), job("late"), c.report), ErrClosed)
}

func TestLocal_BoundsParallelism(t *testing.T) {
	exec := &fakeExecutor{delay: 30 * time.Millisecond}
	b := NewLocal(exec, 2)
	c := newCollector()

	for i := 0; i < 6; i++ {
		require.NoError(t, b.Submit(context.Background(), job(fmt.Sprintf("t%d", i)), c.report))
	}
	reports := c.wait(t, 6)
	require.NoError(t, b.Close(context.Background()))

	for _, r := range reports {
		assert.True(t, r.Succeeded(), r.Error)
	}
	assert.EqualValues(t, 2, exec.peak.Load())
	assert.ErrorIs(t, b.Submit(context.Background(), job("late"), c.report), ErrClosed)
}

func TestLocal_CancelKillsJob(t *testing.T) {
	exec := &fakeExecutor{delay: time.Minute}
	b := NewLocal(exec, 1)
	c := newCollector()

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, b.Submit(ctx, job("long"), c.report))
	require.NoError(t, b.Submit(ctx, job("waiting"), c.report))
	time.Sleep(20 * time.Millisecond)
	cancel()

	reports := c.wait(t, 2)
	for _, r := range reports {
		assert.NotEmpty(t, r.Error, r.TaskID)
	}
	assert.True(t, b.SupportsKill())
	require.NoError(t, b.Close(context.Background()))
}

func TestSequential_CancelledBeforeStart(t *testing.T) {
	exec := &fakeExecutor{}
	b := NewSequential(exec)
	c := newCollector()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, b.Submit(ctx, job("never"), c.report))
	r := c.wait(t, 1)[0]
	assert.Contains(t, r.Error, "cancelled before start")
	assert.Empty(t, exec.order)
	require.NoError(t, b.Close(context.Background()))
}

func TestClose_RespectsDeadline(t *testing.T) {
	exec := &fakeExecutor{delay: time.Minute}
	b := NewLocal(exec, 1)
	c := newCollector()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, b.Submit(ctx, job("long"), c.report))

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer closeCancel()
	err := b.Close(closeCtx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func reportMessage(t *testing.T, r *types.TaskReport) redis.XMessage {
	t.Helper()
	data, err := json.Marshal(r)
	require.NoError(t, err)
	return redis.XMessage{ID: "1-0", Values: map[string]interface{}{"report": string(data)}}
}

func TestRedisBackend_ReattachReplaysEarlyReports(t *testing.T) {
	b := &RedisBackend{
		logger:    slog.Default(),
		pending:   make(map[string]ReportFunc),
		unclaimed: make(map[string]*unclaimedReports),
	}
	j := job("a")

	// reports arriving before anybody reattached are held
	assert.Empty(t, b.route(reportMessage(t, StartedReport(j, "w1"))))
	key := b.route(reportMessage(t, &types.TaskReport{RunID: j.RunID, TaskID: "a", Attempt: 1, Kind: types.ReportFinished, Output: []byte(`1`)}))
	assert.Equal(t, j.Key(), key)
	assert.Equal(t, 0, b.InFlight())

	c := newCollector()
	ok, err := b.Reattach(context.Background(), j.RunID, "a", 1, c.report)
	require.NoError(t, err)
	require.True(t, ok)
	got := c.wait(t, 1)
	assert.JSONEq(t, `1`, string(got[0].Output))

	c.mu.Lock()
	require.Len(t, c.reports, 2)
	assert.Equal(t, types.ReportStarted, c.reports[0].Kind)
	c.mu.Unlock()
	assert.Equal(t, 0, b.InFlight(), "finished job is not pending")
	assert.Empty(t, b.unclaimed)
}

func TestRedisBackend_HeldReportsExpire(t *testing.T) {
	b := &RedisBackend{
		logger:    slog.Default(),
		pending:   make(map[string]ReportFunc),
		unclaimed: make(map[string]*unclaimedReports),
	}
	b.unclaimed["old"] = &unclaimedReports{since: time.Now().Add(-2 * unclaimedTTL)}

	b.route(reportMessage(t, StartedReport(job("a"), "w1")))
	assert.NotContains(t, b.unclaimed, "old")
	assert.Contains(t, b.unclaimed, job("a").Key())
}
