package runstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"

	"github.com/flexinfer/mentatlab/services/dagrunner/pkg/types"
)

const (
	subscriberBuffer = 100
	xreadBlock       = time.Second
	xreadCount       = 10
)

// stream entry fields
const (
	fieldSeq  = "seq"
	fieldTime = "ts"
	fieldType = "type"
	fieldTask = "task_id"
	fieldData = "data"
)

type redisSub struct {
	ch     chan *types.Event
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// close stops the reader and then closes the channel, so the reader never
// sends on a closed channel.
func (s *redisSub) close() {
	s.once.Do(func() {
		s.cancel()
		<-s.done
		close(s.ch)
	})
}

// AppendEvent numbers the event from the run's counter and appends it to the
// run's stream, trimming the stream to about maxEvents entries.
func (s *RedisStore) AppendEvent(ctx context.Context, runID string, input *types.EventInput) (*types.Event, error) {
	data, err := json.Marshal(input.Data)
	if err != nil {
		return nil, fmt.Errorf("marshal event data: %w", err)
	}
	seq, err := s.client.Incr(ctx, s.keys.seq(runID)).Result()
	if err != nil {
		return nil, fmt.Errorf("next event id: %w", err)
	}

	evt := &types.Event{
		ID:        strconv.FormatInt(seq, 10),
		RunID:     runID,
		Type:      input.Type,
		TaskID:    input.TaskID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
	err = s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.keys.events(runID),
		MaxLen: s.maxEvents,
		Approx: true,
		Values: map[string]interface{}{
			fieldSeq:  evt.ID,
			fieldTime: evt.Timestamp.Format(time.RFC3339Nano),
			fieldType: string(evt.Type),
			fieldTask: evt.TaskID,
			fieldData: string(data),
		},
	}).Err()
	if err != nil {
		return nil, fmt.Errorf("append event: %w", err)
	}
	return evt, nil
}

func decodeStreamEntry(runID string, msg redis.XMessage) *types.Event {
	field := func(name string) string {
		v, _ := msg.Values[name].(string)
		return v
	}
	ts, _ := time.Parse(time.RFC3339Nano, field(fieldTime))
	return &types.Event{
		ID:        field(fieldSeq),
		RunID:     runID,
		Type:      types.EventType(field(fieldType)),
		TaskID:    field(fieldTask),
		Timestamp: ts,
		Data:      json.RawMessage(field(fieldData)),
	}
}

// GetEventsSince returns the retained events numbered after lastEventID. An
// empty or unparsable ID replays everything.
func (s *RedisStore) GetEventsSince(ctx context.Context, runID string, lastEventID string) ([]*types.Event, error) {
	msgs, err := s.client.XRange(ctx, s.keys.events(runID), "-", "+").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("read events: %w", err)
	}
	after, _ := strconv.ParseInt(lastEventID, 10, 64)

	events := make([]*types.Event, 0, len(msgs))
	for _, msg := range msgs {
		evt := decodeStreamEntry(runID, msg)
		if seq, _ := strconv.ParseInt(evt.ID, 10, 64); seq > after {
			events = append(events, evt)
		}
	}
	return events, nil
}

// Subscribe follows the run's stream from now on, so events appended by other
// processes are delivered too. A subscriber that falls behind by more than
// its buffer loses events; it can catch up with GetEventsSince.
func (s *RedisStore) Subscribe(ctx context.Context, runID string) (<-chan *types.Event, func(), error) {
	readCtx, cancel := context.WithCancel(ctx)
	sub := &redisSub{
		ch:     make(chan *types.Event, subscriberBuffer),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	s.subsMu.Lock()
	if s.subs[runID] == nil {
		s.subs[runID] = make(map[*redisSub]struct{})
	}
	s.subs[runID][sub] = struct{}{}
	s.subsMu.Unlock()

	go s.follow(readCtx, runID, sub)

	unsubscribe := func() {
		s.subsMu.Lock()
		delete(s.subs[runID], sub)
		if len(s.subs[runID]) == 0 {
			delete(s.subs, runID)
		}
		s.subsMu.Unlock()
		sub.close()
	}
	return sub.ch, unsubscribe, nil
}

// follow blocks on XREAD and forwards new entries until ctx ends. Read errors
// back off exponentially up to a few seconds.
func (s *RedisStore) follow(ctx context.Context, runID string, sub *redisSub) {
	defer close(sub.done)

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = 100 * time.Millisecond
	retry.MaxInterval = 5 * time.Second
	retry.MaxElapsedTime = 0

	stream := s.keys.events(runID)
	cursor := "$"
	for ctx.Err() == nil {
		res, err := s.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{stream, cursor},
			Count:   xreadCount,
			Block:   xreadBlock,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			wait := retry.NextBackOff()
			slog.Debug("event stream read failed", slog.String("run_id", runID), slog.Duration("retry_in", wait), slog.Any("error", err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}
		retry.Reset()

		for _, r := range res {
			for _, msg := range r.Messages {
				cursor = msg.ID
				select {
				case sub.ch <- decodeStreamEntry(runID, msg):
				case <-ctx.Done():
					return
				default:
				}
			}
		}
	}
}

// CloseStream ends this process's subscriptions of a run. Subscribers in
// other processes end when they see the final run_state event.
func (s *RedisStore) CloseStream(ctx context.Context, runID string) error {
	s.subsMu.Lock()
	subs := s.subs[runID]
	delete(s.subs, runID)
	s.subsMu.Unlock()

	for sub := range subs {
		sub.close()
	}
	return nil
}
