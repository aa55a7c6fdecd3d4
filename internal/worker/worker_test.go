package worker

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flexinfer/mentatlab/services/dagrunner/internal/driver"
	"github.com/flexinfer/mentatlab/services/dagrunner/pkg/types"
)

type echoExecutor struct{}

func (echoExecutor) Worker() string { return "echo" }

func (echoExecutor) Run(ctx context.Context, job *types.TaskJob) *types.TaskReport {
	return &types.TaskReport{
		RunID:   job.RunID,
		TaskID:  job.TaskID,
		Attempt: job.Attempt,
		Kind:    types.ReportFinished,
		Output:  []byte(`"` + job.TaskID + `"`),
		Worker:  "echo",
	}
}

func redisClient(t *testing.T) *redis.Client {
	t.Helper()
	url := os.Getenv("DAGRUNNER_TEST_REDIS_URL")
	if url == "" {
		t.Skip("DAGRUNNER_TEST_REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	require.NoError(t, err)
	client := redis.NewClient(opts)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRedisBackendRoundTrip(t *testing.T) {
	client := redisClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	streams := driver.RedisConfig{
		Prefix:      "dagrunner-test-" + uuid.NewString()[:8],
		WorkerGroup: "workers",
		Instance:    "test",
		Block:       100 * time.Millisecond,
	}
	t.Cleanup(func() {
		client.Del(context.Background(), streams.TasksStream(), streams.ReportsStream(), streams.SubmittedKey())
	})

	backend, err := driver.NewRedisBackend(ctx, client, streams, nil)
	require.NoError(t, err)
	assert.False(t, backend.SupportsKill())

	w := New(client, echoExecutor{}, Config{ID: "w1", Concurrency: 2, Streams: streams}, nil)
	workerDone := make(chan error, 1)
	go func() { workerDone <- w.Run(ctx) }()

	reports := make(chan *types.TaskReport, 10)
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, backend.Submit(ctx, &types.TaskJob{RunID: "r1", DAGID: "d", TaskID: id, Attempt: 1},
			func(r *types.TaskReport) { reports <- r }))
	}

	finished := map[string]string{}
	started := 0
	deadline := time.After(10 * time.Second)
	for len(finished) < 3 {
		select {
		case r := <-reports:
			if r.Kind == types.ReportStarted {
				started++
				continue
			}
			finished[r.TaskID] = string(r.Output)
		case <-deadline:
			t.Fatalf("timed out, finished=%v", finished)
		}
	}
	assert.Equal(t, 3, started)
	assert.Equal(t, `"b"`, finished["b"])
	assert.Equal(t, 0, backend.InFlight())

	require.NoError(t, backend.Close(context.Background()))
	cancel()
	select {
	case err := <-workerDone:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func testStreams(t *testing.T, client *redis.Client) driver.RedisConfig {
	t.Helper()
	streams := driver.RedisConfig{
		Prefix:      "dagrunner-test-" + uuid.NewString()[:8],
		WorkerGroup: "workers",
		Instance:    "test",
		Block:       100 * time.Millisecond,
	}
	t.Cleanup(func() {
		client.Del(context.Background(), streams.TasksStream(), streams.ReportsStream(), streams.SubmittedKey())
	})
	return streams
}

func waitFinished(t *testing.T, reports <-chan *types.TaskReport) *types.TaskReport {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case r := <-reports:
			if r.Kind == types.ReportFinished {
				return r
			}
		case <-deadline:
			t.Fatal("timed out waiting for a finished report")
			return nil
		}
	}
}

func TestWorkerReclaimsJobOfDeadConsumer(t *testing.T) {
	client := redisClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	streams := testStreams(t, client)

	backend, err := driver.NewRedisBackend(ctx, client, streams, nil)
	require.NoError(t, err)
	reports := make(chan *types.TaskReport, 10)
	require.NoError(t, backend.Submit(ctx, &types.TaskJob{RunID: "r1", DAGID: "d", TaskID: "a", Attempt: 1},
		func(r *types.TaskReport) { reports <- r }))

	// a consumer reads the job and disappears without acknowledging it
	read, err := client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    streams.WorkerGroup,
		Consumer: "gone-0",
		Streams:  []string{streams.TasksStream(), ">"},
		Count:    1,
	}).Result()
	require.NoError(t, err)
	require.Len(t, read[0].Messages, 1)

	w := New(client, echoExecutor{}, Config{ID: "w1", Streams: streams, ClaimIdle: 200 * time.Millisecond}, nil)
	go w.Run(ctx)

	r := waitFinished(t, reports)
	assert.Equal(t, `"a"`, string(r.Output))
	assert.Eventually(t, func() bool {
		pending, err := client.XPending(ctx, streams.TasksStream(), streams.WorkerGroup).Result()
		return err == nil && pending.Count == 0
	}, 5*time.Second, 50*time.Millisecond)
}

func TestRedisBackendReattachAfterRestart(t *testing.T) {
	client := redisClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	streams := testStreams(t, client)

	first, err := driver.NewRedisBackend(ctx, client, streams, nil)
	require.NoError(t, err)
	require.NoError(t, first.Submit(ctx, &types.TaskJob{RunID: "r1", DAGID: "d", TaskID: "a", Attempt: 1},
		func(*types.TaskReport) { t.Error("report routed to the stopped backend") }))

	// the dispatching process goes away with the job still queued
	stopped, stop := context.WithCancel(ctx)
	stop()
	assert.Error(t, first.Close(stopped))

	w := New(client, echoExecutor{}, Config{ID: "w1", Streams: streams}, nil)
	go w.Run(ctx)

	second, err := driver.NewRedisBackend(ctx, client, streams, nil)
	require.NoError(t, err)
	reports := make(chan *types.TaskReport, 10)
	ok, err := second.Reattach(ctx, "r1", "a", 1, func(r *types.TaskReport) { reports <- r })
	require.NoError(t, err)
	require.True(t, ok)

	r := waitFinished(t, reports)
	assert.Equal(t, `"a"`, string(r.Output))
	assert.Eventually(t, func() bool {
		n, err := client.HLen(ctx, streams.SubmittedKey()).Result()
		return err == nil && n == 0
	}, 5*time.Second, 50*time.Millisecond)

	ok, err = second.Reattach(ctx, "r1", "never-submitted", 1, func(*types.TaskReport) {})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDecodeJobRejectsMalformed(t *testing.T) {
	_, _, err := driver.DecodeJob(redis.XMessage{ID: "1-0", Values: map[string]interface{}{"job": "{"}})
	assert.Error(t, err)

	_, _, err = driver.DecodeJob(redis.XMessage{ID: "1-0", Values: map[string]interface{}{"job": "{}", "reply_to": "s"}})
	assert.NoError(t, err)
}
