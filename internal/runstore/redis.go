package runstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flexinfer/mentatlab/services/dagrunner/pkg/types"
)

const (
	maxTxRetries     = 16
	defaultKeyPrefix = "runs"
	pingTimeout      = 5 * time.Second
)

// RedisConfig holds Redis connection and retention settings.
type RedisConfig struct {
	// redis://host:port/db; Password and DB override the URL's when set
	URL      string
	Password string
	DB       int

	Prefix string

	// retention of run keys, refreshed on every run transition; 0 keeps forever
	TTL time.Duration

	// approximate cap of each run's event stream
	EventMaxLen int64

	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		URL:          "redis://localhost:6379/0",
		Prefix:       defaultKeyPrefix,
		TTL:          7 * 24 * time.Hour,
		EventMaxLen:  5000,
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

func (cfg *RedisConfig) options() (*redis.Options, error) {
	opts := &redis.Options{Addr: "localhost:6379"}
	if cfg.URL != "" {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts = parsed
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.DB != 0 {
		opts.DB = cfg.DB
	}
	opts.PoolSize = cfg.PoolSize
	opts.MinIdleConns = cfg.MinIdleConns
	opts.DialTimeout = cfg.DialTimeout
	opts.ReadTimeout = cfg.ReadTimeout
	opts.WriteTimeout = cfg.WriteTimeout
	return opts, nil
}

// NewRedisClient connects with cfg and pings the server. The client is shared
// by every Redis-backed component of a process.
func NewRedisClient(cfg *RedisConfig) (*redis.Client, error) {
	if cfg == nil {
		cfg = DefaultRedisConfig()
	}
	opts, err := cfg.options()
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}
	return client, nil
}

// redisKeys builds the key layout of one store prefix:
//
//	<p>:<run>:run        run JSON
//	<p>:<run>:tasks      hash task id -> task instance JSON
//	<p>:<run>:events     event stream
//	<p>:<run>:seq        event sequence counter
//	<p>:index            zset of run ids by logical date
//	<p>:dag:<id>:runs    zset of one DAG's run ids
//	<p>:dag:<id>:logical:<date>  run id, enforcing one run per date
type redisKeys string

func (p redisKeys) run(id string) string    { return string(p) + ":" + id + ":run" }
func (p redisKeys) tasks(id string) string  { return string(p) + ":" + id + ":tasks" }
func (p redisKeys) events(id string) string { return string(p) + ":" + id + ":events" }
func (p redisKeys) seq(id string) string    { return string(p) + ":" + id + ":seq" }
func (p redisKeys) index() string           { return string(p) + ":index" }
func (p redisKeys) dagRuns(dagID string) string {
	return string(p) + ":dag:" + dagID + ":runs"
}
func (p redisKeys) logical(dagID string, t time.Time) string {
	return string(p) + ":dag:" + dagID + ":logical:" + t.UTC().Format(time.RFC3339Nano)
}

// perRun lists the keys that live and expire with a run.
func (p redisKeys) perRun(run *types.DAGRun) []string {
	return []string{p.run(run.ID), p.tasks(run.ID), p.events(run.ID), p.seq(run.ID), p.logical(run.DAGID, run.LogicalDate)}
}

// RedisStore keeps runs and task instances as JSON values updated under
// WATCH/MULTI, and events in one Redis stream per run, so several processes
// can share it.
type RedisStore struct {
	client    *redis.Client
	keys      redisKeys
	ttl       time.Duration
	maxEvents int64

	closeOnce sync.Once

	subsMu sync.Mutex
	subs   map[string]map[*redisSub]struct{}
}

// NewRedisStore connects and returns a store owning its client.
func NewRedisStore(cfg *RedisConfig) (*RedisStore, error) {
	client, err := NewRedisClient(cfg)
	if err != nil {
		return nil, err
	}
	return NewRedisStoreFromClient(client, cfg), nil
}

// NewRedisStoreFromClient wraps an existing client. Close closes the client.
func NewRedisStoreFromClient(client *redis.Client, cfg *RedisConfig) *RedisStore {
	if cfg == nil {
		cfg = DefaultRedisConfig()
	}
	s := &RedisStore{
		client:    client,
		keys:      redisKeys(cfg.Prefix),
		ttl:       cfg.TTL,
		maxEvents: cfg.EventMaxLen,
		subs:      make(map[string]map[*redisSub]struct{}),
	}
	if s.keys == "" {
		s.keys = defaultKeyPrefix
	}
	if s.maxEvents <= 0 {
		s.maxEvents = DefaultConfig().EventMaxLen
	}
	return s
}

// touch refreshes the retention of a run's keys.
func (s *RedisStore) touch(ctx context.Context, run *types.DAGRun) {
	if s.ttl <= 0 {
		return
	}
	pipe := s.client.Pipeline()
	for _, key := range s.keys.perRun(run) {
		pipe.Expire(ctx, key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Warn("failed to refresh run ttl", slog.String("run_id", run.ID), slog.Any("error", err))
	}
}

func (s *RedisStore) CreateRun(ctx context.Context, run *types.DAGRun, tasks []*types.TaskInstance) (err error) {
	defer func() { observeOp("create_run", err) }()
	prepareRun(run, tasks, time.Now().UTC())

	runJSON, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}
	taskFields := make(map[string]interface{}, len(tasks))
	for _, ti := range tasks {
		b, err := json.Marshal(ti)
		if err != nil {
			return fmt.Errorf("marshal task instance %s: %w", ti.TaskID, err)
		}
		taskFields[ti.TaskID] = string(b)
	}

	// the logical-date key is the uniqueness constraint
	logicalKey := s.keys.logical(run.DAGID, run.LogicalDate)
	reserved, err := s.client.SetNX(ctx, logicalKey, run.ID, 0).Result()
	if err != nil {
		return fmt.Errorf("reserve logical date: %w", err)
	}
	if !reserved {
		return ErrRunExists
	}

	member := redis.Z{Score: float64(run.LogicalDate.Unix()), Member: run.ID}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.keys.run(run.ID), runJSON, 0)
		if len(taskFields) > 0 {
			pipe.HSet(ctx, s.keys.tasks(run.ID), taskFields)
		}
		pipe.Set(ctx, s.keys.seq(run.ID), 0, 0)
		pipe.ZAdd(ctx, s.keys.index(), member)
		pipe.ZAdd(ctx, s.keys.dagRuns(run.DAGID), member)
		return nil
	})
	if err != nil {
		s.client.Del(ctx, logicalKey)
		return fmt.Errorf("create run: %w", err)
	}
	s.touch(ctx, run)
	return nil
}

func decodeJSON[T any](data string) (*T, error) {
	v := new(T)
	if err := json.Unmarshal([]byte(data), v); err != nil {
		return nil, fmt.Errorf("decode %T: %w", v, err)
	}
	return v, nil
}

func (s *RedisStore) GetRun(ctx context.Context, runID string) (*types.DAGRun, error) {
	data, err := s.client.Get(ctx, s.keys.run(runID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return decodeJSON[types.DAGRun](data)
}

func (s *RedisStore) FindRun(ctx context.Context, dagID string, logicalDate time.Time) (*types.DAGRun, error) {
	runID, err := s.client.Get(ctx, s.keys.logical(dagID, logicalDate)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find run: %w", err)
	}
	return s.GetRun(ctx, runID)
}

// ListRuns reads the run index newest first. Index entries whose run expired
// are pruned on the way.
func (s *RedisStore) ListRuns(ctx context.Context, filter *RunFilter) ([]*types.DAGRun, error) {
	index := s.keys.index()
	if filter != nil && filter.DAGID != "" {
		index = s.keys.dagRuns(filter.DAGID)
	}
	ids, err := s.client.ZRevRange(ctx, index, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	runs := make([]*types.DAGRun, 0, len(ids))
	if len(ids) == 0 {
		return runs, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.keys.run(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	var stale []interface{}
	for i, v := range values {
		data, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		run, err := decodeJSON[types.DAGRun](data)
		if err != nil {
			return nil, err
		}
		if filter.matches(run) {
			runs = append(runs, run)
		}
	}
	if len(stale) > 0 {
		s.client.ZRem(ctx, index, stale...)
	}
	sortRuns(runs)
	return limitRuns(runs, filter), nil
}

// watch runs fn in an optimistic transaction on key, retrying while other
// clients modify it. Exhausted retries surface as ErrStateConflict.
func (s *RedisStore) watch(ctx context.Context, key string, fn func(tx *redis.Tx) error) error {
	var err error
	for attempt := 0; attempt < maxTxRetries; attempt++ {
		if err = s.client.Watch(ctx, fn, key); !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("%w: %s: %v", ErrStateConflict, key, err)
}

func (s *RedisStore) TransitionRun(ctx context.Context, runID string, from []types.RunState, to types.RunState, mutate func(*types.DAGRun)) (result *types.DAGRun, err error) {
	defer func() { observeOp("transition_run", err) }()
	key := s.keys.run(runID)
	err = s.watch(ctx, key, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return ErrRunNotFound
		}
		if err != nil {
			return fmt.Errorf("get run: %w", err)
		}
		run, err := decodeJSON[types.DAGRun](data)
		if err != nil {
			return err
		}
		if err := applyRunTransition(run, from, to, mutate, time.Now().UTC()); err != nil {
			return err
		}
		b, err := json.Marshal(run)
		if err != nil {
			return fmt.Errorf("marshal run: %w", err)
		}
		if _, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, b, redis.KeepTTL)
			return nil
		}); err != nil {
			return err
		}
		result = run
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.touch(ctx, result)
	return result, nil
}

func (s *RedisStore) DeleteRun(ctx context.Context, runID string) (err error) {
	defer func() { observeOp("delete_run", err) }()
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	s.CloseStream(ctx, runID)

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.keys.perRun(run)...)
		pipe.ZRem(ctx, s.keys.index(), runID)
		pipe.ZRem(ctx, s.keys.dagRuns(run.DAGID), runID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete run: %w", err)
	}
	return nil
}

// missingRun distinguishes an unknown run from an unknown task.
func (s *RedisStore) missingRun(ctx context.Context, runID string) bool {
	n, err := s.client.Exists(ctx, s.keys.run(runID)).Result()
	return err == nil && n == 0
}

func (s *RedisStore) GetTaskInstance(ctx context.Context, runID, taskID string) (*types.TaskInstance, error) {
	data, err := s.client.HGet(ctx, s.keys.tasks(runID), taskID).Result()
	if errors.Is(err, redis.Nil) {
		if s.missingRun(ctx, runID) {
			return nil, ErrRunNotFound
		}
		return nil, fmt.Errorf("%w: %s/%s", ErrTaskNotFound, runID, taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("get task instance: %w", err)
	}
	return decodeJSON[types.TaskInstance](data)
}

func (s *RedisStore) ListTaskInstances(ctx context.Context, runID string) ([]*types.TaskInstance, error) {
	fields, err := s.client.HGetAll(ctx, s.keys.tasks(runID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list task instances: %w", err)
	}
	if len(fields) == 0 && s.missingRun(ctx, runID) {
		return nil, ErrRunNotFound
	}
	out := make([]*types.TaskInstance, 0, len(fields))
	for _, data := range fields {
		ti, err := decodeJSON[types.TaskInstance](data)
		if err != nil {
			return nil, err
		}
		out = append(out, ti)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out, nil
}

func (s *RedisStore) TransitionTask(ctx context.Context, runID, taskID string, from, to types.TaskState, mutate func(*types.TaskInstance)) (result *types.TaskInstance, err error) {
	defer func() { observeOp("transition_task", err) }()
	key := s.keys.tasks(runID)
	err = s.watch(ctx, key, func(tx *redis.Tx) error {
		data, err := tx.HGet(ctx, key, taskID).Result()
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("%w: %s/%s", ErrTaskNotFound, runID, taskID)
		}
		if err != nil {
			return fmt.Errorf("get task instance: %w", err)
		}
		ti, err := decodeJSON[types.TaskInstance](data)
		if err != nil {
			return err
		}
		if err := applyTaskTransition(ti, from, to, mutate, time.Now().UTC()); err != nil {
			return err
		}
		b, err := json.Marshal(ti)
		if err != nil {
			return fmt.Errorf("marshal task instance: %w", err)
		}
		if _, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, taskID, string(b))
			return nil
		}); err != nil {
			return err
		}
		result = ti
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// AdapterInfo pings Redis and reports pool statistics.
func (s *RedisStore) AdapterInfo(ctx context.Context) (map[string]interface{}, error) {
	start := time.Now()
	if err := s.client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	pool := s.client.PoolStats()
	return map[string]interface{}{
		"adapter":      "redis",
		"prefix":       string(s.keys),
		"ttl":          s.ttl.String(),
		"ping_latency": time.Since(start).String(),
		"pool": map[string]uint32{
			"hits":     pool.Hits,
			"misses":   pool.Misses,
			"timeouts": pool.Timeouts,
			"total":    pool.TotalConns,
			"idle":     pool.IdleConns,
			"stale":    pool.StaleConns,
		},
	}, nil
}

// Close ends every subscription and closes the client.
func (s *RedisStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.subsMu.Lock()
		all := s.subs
		s.subs = make(map[string]map[*redisSub]struct{})
		s.subsMu.Unlock()
		for _, subs := range all {
			for sub := range subs {
				sub.close()
			}
		}
		err = s.client.Close()
	})
	return err
}

var _ RunStore = (*RedisStore)(nil)
