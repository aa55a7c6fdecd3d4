package runstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/flexinfer/mentatlab/services/dagrunner/pkg/types"
)

type memoryStream struct {
	events      []*types.Event
	nextSeq     int64
	subscribers map[chan *types.Event]struct{}
}

// MemoryEvents is an in-memory EventStore with a bounded ring buffer per run.
type MemoryEvents struct {
	mu        sync.Mutex
	streams   map[string]*memoryStream
	maxEvents int64
}

// NewMemoryEvents creates an in-memory event log.
func NewMemoryEvents(cfg *Config) *MemoryEvents {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &MemoryEvents{
		streams:   make(map[string]*memoryStream),
		maxEvents: cfg.EventMaxLen,
	}
}

func (m *MemoryEvents) stream(runID string) *memoryStream {
	st, ok := m.streams[runID]
	if !ok {
		st = &memoryStream{nextSeq: 1, subscribers: make(map[chan *types.Event]struct{})}
		m.streams[runID] = st
	}
	return st
}

func (m *MemoryEvents) AppendEvent(ctx context.Context, runID string, input *types.EventInput) (*types.Event, error) {
	dataJSON, err := json.Marshal(input.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event data: %w", err)
	}

	m.mu.Lock()
	st := m.stream(runID)
	event := &types.Event{
		ID:        strconv.FormatInt(st.nextSeq, 10),
		RunID:     runID,
		Type:      input.Type,
		TaskID:    input.TaskID,
		Timestamp: time.Now().UTC(),
		Data:      dataJSON,
	}
	st.nextSeq++

	// Append to ring buffer
	if m.maxEvents > 0 && int64(len(st.events)) >= m.maxEvents {
		st.events = st.events[1:]
	}
	st.events = append(st.events, event)

	// Notify under the lock so CloseStream cannot close a channel mid-send.
	for ch := range st.subscribers {
		select {
		case ch <- event:
		default:
			// Subscriber too slow, skip
		}
	}
	m.mu.Unlock()

	return event, nil
}

func (m *MemoryEvents) GetEventsSince(ctx context.Context, runID string, lastEventID string) ([]*types.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.streams[runID]
	if !ok {
		return []*types.Event{}, nil
	}

	var lastSeq int64
	if lastEventID != "" {
		lastSeq, _ = strconv.ParseInt(lastEventID, 10, 64)
	}
	result := make([]*types.Event, 0, len(st.events))
	for _, evt := range st.events {
		seq, _ := strconv.ParseInt(evt.ID, 10, 64)
		if seq > lastSeq {
			result = append(result, evt)
		}
	}
	return result, nil
}

func (m *MemoryEvents) Subscribe(ctx context.Context, runID string) (<-chan *types.Event, func(), error) {
	ch := make(chan *types.Event, 100)

	m.mu.Lock()
	st := m.stream(runID)
	st.subscribers[ch] = struct{}{}
	m.mu.Unlock()

	cleanup := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if st, ok := m.streams[runID]; ok {
			if _, ok := st.subscribers[ch]; ok {
				delete(st.subscribers, ch)
				close(ch)
			}
		}
	}
	return ch, cleanup, nil
}

func (m *MemoryEvents) CloseStream(ctx context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.streams[runID]
	if !ok {
		return nil
	}
	for ch := range st.subscribers {
		close(ch)
	}
	st.subscribers = make(map[chan *types.Event]struct{})
	return nil
}

// drop forgets a run's events.
func (m *MemoryEvents) drop(runID string) {
	m.CloseStream(context.Background(), runID)
	m.mu.Lock()
	delete(m.streams, runID)
	m.mu.Unlock()
}

// Close closes every subscriber channel.
func (m *MemoryEvents) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, st := range m.streams {
		for ch := range st.subscribers {
			close(ch)
		}
		st.subscribers = make(map[chan *types.Event]struct{})
	}
	return nil
}

var _ EventStore = (*MemoryEvents)(nil)
