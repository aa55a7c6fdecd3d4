// Package worker consumes task jobs from the Redis stream and runs them.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/flexinfer/mentatlab/services/dagrunner/internal/driver"
	"github.com/flexinfer/mentatlab/services/dagrunner/pkg/types"
)

// Config holds worker configuration.
type Config struct {
	// ID names this worker's consumers (default hostname plus a random suffix)
	ID string

	// Concurrency is the number of jobs run at once
	Concurrency int

	// ClaimIdle is how long a job may sit unacknowledged with a consumer
	// before another consumer takes it over (default 5m). Running jobs
	// refresh their claim well within it.
	ClaimIdle time.Duration

	Streams driver.RedisConfig
}

// DefaultID returns hostname-xxxxxxxx.
func DefaultID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return host + "-" + uuid.NewString()[:8]
}

// Worker pulls jobs through the workers consumer group.
type Worker struct {
	client *redis.Client
	exec   driver.Executor
	cfg    Config
	logger *slog.Logger
}

// New creates a worker. exec is usually an *operator.Runner.
func New(client *redis.Client, exec driver.Executor, cfg Config, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ID == "" {
		cfg.ID = DefaultID()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.ClaimIdle <= 0 {
		cfg.ClaimIdle = 5 * time.Minute
	}
	if cfg.Streams.Prefix == "" {
		cfg.Streams = driver.DefaultRedisConfig()
	}
	if cfg.Streams.Block <= 0 {
		cfg.Streams.Block = 2 * time.Second
	}
	return &Worker{
		client: client,
		exec:   exec,
		cfg:    cfg,
		logger: logger.With(slog.String("worker", cfg.ID)),
	}
}

// Run consumes jobs until ctx is cancelled. Jobs already started run to
// completion and report back even after cancellation.
func (w *Worker) Run(ctx context.Context) error {
	if err := driver.EnsureGroup(ctx, w.client, w.cfg.Streams.TasksStream(), w.cfg.Streams.WorkerGroup); err != nil {
		return err
	}
	w.logger.Info("worker started",
		slog.String("stream", w.cfg.Streams.TasksStream()),
		slog.Int("concurrency", w.cfg.Concurrency))

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.cfg.Concurrency; i++ {
		consumer := fmt.Sprintf("%s-%d", w.cfg.ID, i)
		g.Go(func() error { return w.consume(ctx, consumer) })
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	w.logger.Info("worker stopped")
	return err
}

func (w *Worker) consume(ctx context.Context, consumer string) error {
	stream := w.cfg.Streams.TasksStream()
	group := w.cfg.Streams.WorkerGroup

	var lastClaim time.Time
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if time.Since(lastClaim) >= w.cfg.ClaimIdle/2 {
			lastClaim = time.Now()
			if w.reclaim(ctx, consumer) {
				// keep draining stalled jobs
				lastClaim = time.Time{}
				continue
			}
		}
		streams, err := w.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: consumer,
			Streams:  []string{stream, ">"},
			Count:    1,
			Block:    w.cfg.Streams.Block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Warn("read jobs failed", slog.Any("error", err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		for _, s := range streams {
			for _, msg := range s.Messages {
				w.process(ctx, consumer, msg)
			}
		}
	}
}

// reclaim takes over a job that a consumer read and never acknowledged
// within ClaimIdle, usually because its worker died.
func (w *Worker) reclaim(ctx context.Context, consumer string) bool {
	msgs, _, err := w.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   w.cfg.Streams.TasksStream(),
		Group:    w.cfg.Streams.WorkerGroup,
		Consumer: consumer,
		MinIdle:  w.cfg.ClaimIdle,
		Start:    "0-0",
		Count:    1,
	}).Result()
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Warn("claim stalled jobs failed", slog.Any("error", err))
		}
		return false
	}
	for _, msg := range msgs {
		w.logger.Warn("reclaimed stalled job", slog.String("id", msg.ID), slog.String("consumer", consumer))
		w.process(ctx, consumer, msg)
	}
	return len(msgs) > 0
}

// process runs one job message and acknowledges it.
func (w *Worker) process(ctx context.Context, consumer string, msg redis.XMessage) {
	hbCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	go w.heartbeat(hbCtx, consumer, msg.ID)
	w.handle(ctx, msg)
	stop()

	// The job finished; acknowledge with a fresh context
	ackCtx := context.WithoutCancel(ctx)
	if err := w.client.XAck(ackCtx, w.cfg.Streams.TasksStream(), w.cfg.Streams.WorkerGroup, msg.ID).Err(); err != nil {
		w.logger.Warn("ack job failed", slog.String("id", msg.ID), slog.Any("error", err))
	}
}

// heartbeat re-claims a running job so its idle time stays below ClaimIdle.
func (w *Worker) heartbeat(ctx context.Context, consumer, id string) {
	ticker := time.NewTicker(w.cfg.ClaimIdle / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		err := w.client.XClaimJustID(ctx, &redis.XClaimArgs{
			Stream:   w.cfg.Streams.TasksStream(),
			Group:    w.cfg.Streams.WorkerGroup,
			Consumer: consumer,
			Messages: []string{id},
		}).Err()
		if err != nil && ctx.Err() == nil {
			w.logger.Warn("refresh job claim failed", slog.String("id", id), slog.Any("error", err))
		}
	}
}

func (w *Worker) handle(ctx context.Context, msg redis.XMessage) {
	job, replyTo, err := driver.DecodeJob(msg)
	if err != nil {
		w.logger.Error("dropping malformed job", slog.Any("error", err))
		return
	}
	logger := w.logger.With(
		slog.String("run_id", job.RunID),
		slog.String("task_id", job.TaskID),
		slog.Int("attempt", job.Attempt),
	)

	// Shutdown lets the current job finish
	runCtx := context.WithoutCancel(ctx)
	w.publish(runCtx, logger, replyTo, driver.StartedReport(job, w.exec.Worker()))
	report := w.exec.Run(runCtx, job)
	w.publish(runCtx, logger, replyTo, report)
}

func (w *Worker) publish(ctx context.Context, logger *slog.Logger, stream string, report *types.TaskReport) {
	if err := driver.PublishReport(ctx, w.client, stream, w.cfg.Streams.MaxLen, report); err != nil {
		logger.Error("publish report failed", slog.String("kind", string(report.Kind)), slog.Any("error", err))
	}
}
