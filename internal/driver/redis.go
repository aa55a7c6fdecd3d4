package driver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flexinfer/mentatlab/services/dagrunner/internal/metrics"
	"github.com/flexinfer/mentatlab/services/dagrunner/pkg/types"
)

// RedisConfig describes the streams shared by the dispatching service and
// its workers.
type RedisConfig struct {
	// Prefix for stream keys (default "dagrunner")
	Prefix string

	// WorkerGroup is the consumer group workers read jobs through
	WorkerGroup string

	// Instance names the reports stream of one dispatching process. It must
	// be stable across restarts.
	Instance string

	// MaxLen caps each stream (approximate)
	MaxLen int64

	// Block bounds a single XREADGROUP call
	Block time.Duration
}

// DefaultRedisConfig returns defaults for a single-scheduler deployment.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Prefix:      "dagrunner",
		WorkerGroup: "workers",
		Instance:    "scheduler",
		MaxLen:      100000,
		Block:       2 * time.Second,
	}
}

func (c RedisConfig) withDefaults() RedisConfig {
	d := DefaultRedisConfig()
	if c.Prefix == "" {
		c.Prefix = d.Prefix
	}
	if c.WorkerGroup == "" {
		c.WorkerGroup = d.WorkerGroup
	}
	if c.Instance == "" {
		c.Instance = d.Instance
	}
	if c.MaxLen <= 0 {
		c.MaxLen = d.MaxLen
	}
	if c.Block <= 0 {
		c.Block = d.Block
	}
	return c
}

// TasksStream is the stream jobs are queued on.
func (c RedisConfig) TasksStream() string { return c.Prefix + ":tasks" }

// ReportsStream is the stream the instance receives reports on.
func (c RedisConfig) ReportsStream() string { return c.Prefix + ":reports:" + c.Instance }

// SubmittedKey is the hash of jobs the instance submitted that have not
// finished yet.
func (c RedisConfig) SubmittedKey() string { return c.Prefix + ":submitted:" + c.Instance }

const (
	reportsGroup = "dispatcher"

	// reports of jobs nobody reattached to are dropped after unclaimedTTL
	unclaimedTTL = 10 * time.Minute
)

type unclaimedReports struct {
	reports []*types.TaskReport
	since   time.Time
}

// EnsureGroup creates the consumer group on stream if it does not exist.
func EnsureGroup(ctx context.Context, client redis.Cmdable, stream, group string) error {
	err := client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s on %s: %w", group, stream, err)
	}
	return nil
}

// DecodeJob reads a job message produced by RedisBackend.Submit. It returns
// the job and the stream reports must be sent to.
func DecodeJob(msg redis.XMessage) (*types.TaskJob, string, error) {
	data, _ := msg.Values["job"].(string)
	replyTo, _ := msg.Values["reply_to"].(string)
	if data == "" || replyTo == "" {
		return nil, "", fmt.Errorf("message %s: missing job or reply_to", msg.ID)
	}
	var job types.TaskJob
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return nil, "", fmt.Errorf("message %s: decode job: %w", msg.ID, err)
	}
	return &job, replyTo, nil
}

// PublishReport appends report to a reports stream.
func PublishReport(ctx context.Context, client redis.Cmdable, stream string, maxLen int64, report *types.TaskReport) error {
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	if err := client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: maxLen,
		Approx: true,
		Values: map[string]interface{}{"report": string(data)},
	}).Err(); err != nil {
		return fmt.Errorf("xadd report: %w", err)
	}
	return nil
}

// RedisBackend queues jobs on a Redis stream for dagworker processes and
// routes their reports back to the submitter. Jobs cannot be killed once
// queued.
type RedisBackend struct {
	client *redis.Client
	cfg    RedisConfig
	logger *slog.Logger

	mu        sync.Mutex
	pending   map[string]ReportFunc
	unclaimed map[string]*unclaimedReports
	closed    bool

	cancel context.CancelFunc
	done   chan struct{}
}

// NewRedisBackend creates the streams and starts reading reports.
func NewRedisBackend(ctx context.Context, client *redis.Client, cfg RedisConfig, logger *slog.Logger) (*RedisBackend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	if err := EnsureGroup(ctx, client, cfg.TasksStream(), cfg.WorkerGroup); err != nil {
		return nil, err
	}
	if err := EnsureGroup(ctx, client, cfg.ReportsStream(), reportsGroup); err != nil {
		return nil, err
	}

	readCtx, cancel := context.WithCancel(context.Background())
	b := &RedisBackend{
		client:    client,
		cfg:       cfg,
		logger:    logger.With(slog.String("backend", BackendRedis)),
		pending:   make(map[string]ReportFunc),
		unclaimed: make(map[string]*unclaimedReports),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go b.readReports(readCtx)
	return b, nil
}

func (b *RedisBackend) Name() string       { return BackendRedis }
func (b *RedisBackend) SupportsKill() bool { return false }

func (b *RedisBackend) Submit(ctx context.Context, job *types.TaskJob, report ReportFunc) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	key := job.Key()
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.pending[key] = report
	b.mu.Unlock()

	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: b.cfg.TasksStream(),
			MaxLen: b.cfg.MaxLen,
			Approx: true,
			Values: map[string]interface{}{
				"job":      string(data),
				"reply_to": b.cfg.ReportsStream(),
			},
		})
		pipe.HSet(ctx, b.cfg.SubmittedKey(), key, time.Now().UTC().Format(time.RFC3339))
		return nil
	})
	if err != nil {
		b.mu.Lock()
		delete(b.pending, key)
		b.mu.Unlock()
		return fmt.Errorf("xadd job: %w", err)
	}
	metrics.TasksDispatched.WithLabelValues(BackendRedis).Inc()
	return nil
}

// Reattach routes the reports of a job submitted by a previous process to
// report. Reports already received for it are delivered first, in order.
func (b *RedisBackend) Reattach(ctx context.Context, runID, taskID string, attempt int, report ReportFunc) (bool, error) {
	key := types.JobKey(runID, taskID, attempt)
	b.mu.Lock()
	early := b.takeUnclaimed(key)
	b.mu.Unlock()

	submitted := len(early) > 0
	if !submitted {
		var err error
		submitted, err = b.client.HExists(ctx, b.cfg.SubmittedKey(), key).Result()
		if err != nil {
			return false, fmt.Errorf("look up job %s: %w", key, err)
		}
	}

	b.mu.Lock()
	// reports routed while the hash was read
	early = append(early, b.takeUnclaimed(key)...)
	if len(early) == 0 && !submitted {
		b.mu.Unlock()
		return false, nil
	}
	if early == nil || early[len(early)-1].Kind != types.ReportFinished {
		b.pending[key] = report
	}
	b.mu.Unlock()

	b.logger.Info("reattached job",
		slog.String("run_id", runID),
		slog.String("task_id", taskID),
		slog.Int("attempt", attempt),
		slog.Int("replayed", len(early)))
	if len(early) > 0 {
		go func() {
			for _, r := range early {
				report(r)
			}
		}()
	}
	return true, nil
}

// InFlight returns the number of jobs without a finished report.
func (b *RedisBackend) InFlight() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *RedisBackend) readReports(ctx context.Context) {
	defer close(b.done)
	stream := b.cfg.ReportsStream()

	// "0" re-reads reports this instance read but never acked before a
	// restart; ">" then follows new ones
	cursor := "0"
	for {
		if ctx.Err() != nil {
			return
		}
		streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    reportsGroup,
			Consumer: b.cfg.Instance,
			Streams:  []string{stream, cursor},
			Count:    64,
			Block:    b.cfg.Block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			b.logger.Warn("read reports failed", slog.Any("error", err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		if cursor != ">" && (len(streams) == 0 || len(streams[0].Messages) == 0) {
			cursor = ">"
			continue
		}
		for _, s := range streams {
			ids := make([]string, 0, len(s.Messages))
			var done []string
			for _, msg := range s.Messages {
				if key := b.route(msg); key != "" {
					done = append(done, key)
				}
				ids = append(ids, msg.ID)
			}
			if len(done) > 0 {
				if err := b.client.HDel(ctx, b.cfg.SubmittedKey(), done...).Err(); err != nil {
					b.logger.Warn("forget finished jobs failed", slog.Any("error", err))
				}
			}
			if len(ids) == 0 {
				continue
			}
			if err := b.client.XAck(ctx, stream, reportsGroup, ids...).Err(); err != nil {
				b.logger.Warn("ack reports failed", slog.Any("error", err))
			}
			b.client.XDel(ctx, stream, ids...)
		}
	}
}

// route hands a report to its job's ReportFunc. It returns the job key when
// the report finished the job.
func (b *RedisBackend) route(msg redis.XMessage) string {
	data, _ := msg.Values["report"].(string)
	var report types.TaskReport
	if err := json.Unmarshal([]byte(data), &report); err != nil {
		b.logger.Error("dropping malformed report", slog.String("id", msg.ID), slog.Any("error", err))
		return ""
	}

	key := types.JobKey(report.RunID, report.TaskID, report.Attempt)
	b.mu.Lock()
	fn := b.pending[key]
	switch {
	case fn == nil:
		b.hold(key, &report)
	case report.Kind == types.ReportFinished:
		delete(b.pending, key)
	}
	b.mu.Unlock()

	if fn != nil {
		fn(&report)
	}
	if report.Kind == types.ReportFinished {
		return key
	}
	return ""
}

// takeUnclaimed removes and returns the held reports of key.
// Caller must hold b.mu.
func (b *RedisBackend) takeUnclaimed(key string) []*types.TaskReport {
	u := b.unclaimed[key]
	if u == nil {
		return nil
	}
	delete(b.unclaimed, key)
	return u.reports
}

// hold keeps a report no job is registered for until a Reattach claims it.
// Caller must hold b.mu.
func (b *RedisBackend) hold(key string, report *types.TaskReport) {
	now := time.Now()
	for k, u := range b.unclaimed {
		if now.Sub(u.since) > unclaimedTTL {
			b.logger.Warn("dropping reports for unknown job", slog.String("job", k), slog.Int("reports", len(u.reports)))
			delete(b.unclaimed, k)
		}
	}
	u := b.unclaimed[key]
	if u == nil {
		u = &unclaimedReports{since: now}
		b.unclaimed[key] = u
	}
	u.reports = append(u.reports, report)
}

// Close stops accepting jobs and waits until queued jobs reported back or
// ctx ends. The Redis client is left open.
func (b *RedisBackend) Close(ctx context.Context) error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	var err error
	for b.InFlight() > 0 && err == nil {
		select {
		case <-ctx.Done():
			err = ctx.Err()
		case <-ticker.C:
		}
	}

	b.cancel()
	<-b.done
	return err
}

var (
	_ Backend    = (*RedisBackend)(nil)
	_ Reattacher = (*RedisBackend)(nil)
)
