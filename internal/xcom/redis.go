package xcom

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flexinfer/mentatlab/services/dagrunner/pkg/types"
)

// fieldSep separates task id and key in a hash field. Task ids cannot
// contain it.
const fieldSep = "\x00"

// RedisStore keeps one hash per run: field "{task}\x00{key}" holds the
// JSON-encoded entry. HSETNX gives write-once semantics.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore creates an XCom store on an existing client. A non-zero ttl
// is applied to each run hash on write.
func NewRedisStore(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "xcom"
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *RedisStore) keyRun(runID string) string { return s.prefix + ":" + runID }

func field(taskID, key string) string { return taskID + fieldSep + key }

type redisEntry struct {
	Value     json.RawMessage `json:"v,omitempty"`
	Ref       string          `json:"ref,omitempty"`
	CreatedAt time.Time       `json:"ts"`
}

func encodeEntry(e *types.XComEntry) ([]byte, error) {
	ts := e.CreatedAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return json.Marshal(&redisEntry{Value: e.Value, Ref: e.Ref, CreatedAt: ts})
}

func decodeEntry(runID, f, data string) (*types.XComEntry, error) {
	var rec redisEntry
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("unmarshal xcom entry: %w", err)
	}
	taskID, key, _ := strings.Cut(f, fieldSep)
	return &types.XComEntry{
		RunID:     runID,
		TaskID:    taskID,
		Key:       key,
		Value:     rec.Value,
		Ref:       rec.Ref,
		CreatedAt: rec.CreatedAt,
	}, nil
}

func (s *RedisStore) expire(ctx context.Context, runID string) {
	if s.ttl > 0 {
		s.client.Expire(ctx, s.keyRun(runID), s.ttl)
	}
}

func (s *RedisStore) Put(ctx context.Context, entry *types.XComEntry) error {
	data, err := encodeEntry(entry)
	if err != nil {
		return err
	}
	ok, err := s.client.HSetNX(ctx, s.keyRun(entry.RunID), field(entry.TaskID, entry.Key), data).Result()
	if err != nil {
		return fmt.Errorf("put xcom: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrAlreadyExists, entry.TaskID, entry.Key)
	}
	s.expire(ctx, entry.RunID)
	return nil
}

func (s *RedisStore) Replace(ctx context.Context, entry *types.XComEntry) error {
	data, err := encodeEntry(entry)
	if err != nil {
		return err
	}
	if err := s.client.HSet(ctx, s.keyRun(entry.RunID), field(entry.TaskID, entry.Key), data).Err(); err != nil {
		return fmt.Errorf("replace xcom: %w", err)
	}
	s.expire(ctx, entry.RunID)
	return nil
}

func (s *RedisStore) Get(ctx context.Context, runID, taskID, key string) (*types.XComEntry, error) {
	f := field(taskID, key)
	data, err := s.client.HGet(ctx, s.keyRun(runID), f).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get xcom: %w", err)
	}
	return decodeEntry(runID, f, data)
}

func (s *RedisStore) List(ctx context.Context, runID string) ([]*types.XComEntry, error) {
	all, err := s.client.HGetAll(ctx, s.keyRun(runID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list xcom: %w", err)
	}
	entries := make([]*types.XComEntry, 0, len(all))
	for f, data := range all {
		e, err := decodeEntry(runID, f, data)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	sortEntries(entries)
	return entries, nil
}

func (s *RedisStore) ClearTask(ctx context.Context, runID, taskID string) error {
	fields, err := s.client.HKeys(ctx, s.keyRun(runID)).Result()
	if err != nil {
		return fmt.Errorf("list xcom keys: %w", err)
	}
	var doomed []string
	for _, f := range fields {
		if strings.HasPrefix(f, taskID+fieldSep) {
			doomed = append(doomed, f)
		}
	}
	if len(doomed) == 0 {
		return nil
	}
	if err := s.client.HDel(ctx, s.keyRun(runID), doomed...).Err(); err != nil {
		return fmt.Errorf("clear xcom: %w", err)
	}
	return nil
}

func (s *RedisStore) DeleteRun(ctx context.Context, runID string) error {
	if err := s.client.Del(ctx, s.keyRun(runID)).Err(); err != nil {
		return fmt.Errorf("delete xcom: %w", err)
	}
	return nil
}

// Close is a no-op; the client is owned by the caller.
func (s *RedisStore) Close() error { return nil }

var _ Store = (*RedisStore)(nil)
