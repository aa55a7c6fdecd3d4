package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flexinfer/mentatlab/services/dagrunner/pkg/types"
)

const (
	// Key patterns for Redis storage
	dagKeyPrefix = "dag:"
	dagIndexKey  = "dags:all"

	maxTxRetries = 10
)

// RedisRegistry implements Registry using Redis for persistence.
// Each DAG keeps a meta hash (latest version, hash, paused flag) and a hash of
// version number to JSON definition.
type RedisRegistry struct {
	client *redis.Client
}

// NewRedisRegistryFromClient creates a registry from an existing Redis client.
func NewRedisRegistryFromClient(client *redis.Client) *RedisRegistry {
	return &RedisRegistry{client: client}
}

func metaKey(id string) string     { return dagKeyPrefix + id + ":meta" }
func versionsKey(id string) string { return dagKeyPrefix + id + ":versions" }

// Register validates and stores a DAG definition.
func (r *RedisRegistry) Register(ctx context.Context, d *types.DAG) (*types.DAG, error) {
	prepared, err := Prepare(d)
	if err != nil {
		return nil, err
	}

	var result *types.DAG
	txf := func(tx *redis.Tx) error {
		meta, err := tx.HGetAll(ctx, metaKey(prepared.ID)).Result()
		if err != nil {
			return fmt.Errorf("get dag meta: %w", err)
		}
		latest, _ := strconv.Atoi(meta["latest"])
		paused := meta["paused"] == "true"

		if latest > 0 && meta["hash"] == prepared.Hash {
			current, err := r.loadVersion(ctx, tx, prepared.ID, latest)
			if err != nil {
				return err
			}
			current.Paused = paused
			result = current
			return nil
		}

		next := *prepared
		next.Version = latest + 1
		next.RegisteredAt = time.Now().UTC()
		data, err := json.Marshal(&next)
		if err != nil {
			return fmt.Errorf("marshal dag: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, versionsKey(next.ID), strconv.Itoa(next.Version), data)
			pipe.HSet(ctx, metaKey(next.ID), map[string]interface{}{
				"latest": next.Version,
				"hash":   next.Hash,
			})
			pipe.SAdd(ctx, dagIndexKey, next.ID)
			return nil
		})
		if err != nil {
			return err
		}
		next.Paused = paused
		result = &next
		return nil
	}

	for i := 0; i < maxTxRetries; i++ {
		err = r.client.Watch(ctx, txf, metaKey(prepared.ID))
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("register dag: %w", err)
	}
	return result, nil
}

// hashGetter is satisfied by both *redis.Client and *redis.Tx.
type hashGetter interface {
	HGet(ctx context.Context, key, field string) *redis.StringCmd
}

func (r *RedisRegistry) loadVersion(ctx context.Context, c hashGetter, id string, version int) (*types.DAG, error) {
	data, err := c.HGet(ctx, versionsKey(id), strconv.Itoa(version)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrVersionNotFound
		}
		return nil, fmt.Errorf("get dag version: %w", err)
	}
	var d types.DAG
	if err := json.Unmarshal([]byte(data), &d); err != nil {
		return nil, fmt.Errorf("unmarshal dag: %w", err)
	}
	return &d, nil
}

// Lookup returns the latest version of a DAG.
func (r *RedisRegistry) Lookup(ctx context.Context, id string) (*types.DAG, error) {
	meta, err := r.client.HGetAll(ctx, metaKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get dag meta: %w", err)
	}
	latest, _ := strconv.Atoi(meta["latest"])
	if latest == 0 {
		return nil, ErrDAGNotFound
	}
	d, err := r.loadVersion(ctx, r.client, id, latest)
	if err != nil {
		return nil, err
	}
	d.Paused = meta["paused"] == "true"
	return d, nil
}

// LookupVersion returns a specific version of a DAG.
func (r *RedisRegistry) LookupVersion(ctx context.Context, id string, version int) (*types.DAG, error) {
	paused, err := r.client.HGet(ctx, metaKey(id), "paused").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("get dag meta: %w", err)
	}
	exists, err := r.client.Exists(ctx, metaKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("check exists: %w", err)
	}
	if exists == 0 {
		return nil, ErrDAGNotFound
	}
	d, err := r.loadVersion(ctx, r.client, id, version)
	if err != nil {
		return nil, err
	}
	d.Paused = paused == "true"
	return d, nil
}

// List returns the latest version of all DAGs matching the options.
func (r *RedisRegistry) List(ctx context.Context, opts *ListOptions) ([]*types.DAG, error) {
	ids, err := r.client.SMembers(ctx, dagIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list dag ids: %w", err)
	}

	dags := make([]*types.DAG, 0, len(ids))
	for _, id := range ids {
		d, err := r.Lookup(ctx, id)
		if err != nil {
			if errors.Is(err, ErrDAGNotFound) {
				// Clean up stale index entry
				r.client.SRem(ctx, dagIndexKey, id)
				continue
			}
			return nil, err
		}
		dags = append(dags, d)
	}
	return filterPage(dags, opts), nil
}

// SetPaused toggles scheduling for a DAG.
func (r *RedisRegistry) SetPaused(ctx context.Context, id string, paused bool) error {
	exists, err := r.client.Exists(ctx, metaKey(id)).Result()
	if err != nil {
		return fmt.Errorf("check exists: %w", err)
	}
	if exists == 0 {
		return ErrDAGNotFound
	}
	if err := r.client.HSet(ctx, metaKey(id), "paused", strconv.FormatBool(paused)).Err(); err != nil {
		return fmt.Errorf("set paused: %w", err)
	}
	return nil
}

// Delete removes a DAG and all its versions.
func (r *RedisRegistry) Delete(ctx context.Context, id string) error {
	exists, err := r.client.Exists(ctx, metaKey(id)).Result()
	if err != nil {
		return fmt.Errorf("check exists: %w", err)
	}
	if exists == 0 {
		return ErrDAGNotFound
	}

	pipe := r.client.TxPipeline()
	pipe.Del(ctx, metaKey(id), versionsKey(id))
	pipe.SRem(ctx, dagIndexKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete dag: %w", err)
	}
	return nil
}

// Close releases Redis connection resources.
func (r *RedisRegistry) Close() error {
	return r.client.Close()
}

var _ Registry = (*RedisRegistry)(nil)
