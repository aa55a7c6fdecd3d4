package xcom

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/flexinfer/mentatlab/services/dagrunner/pkg/types"
)

type entryKey struct {
	task string
	key  string
}

// MemoryStore keeps entries in process memory.
type MemoryStore struct {
	mu   sync.RWMutex
	runs map[string]map[entryKey]*types.XComEntry
}

// NewMemoryStore creates an empty in-memory XCom store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[string]map[entryKey]*types.XComEntry)}
}

func (m *MemoryStore) write(entry *types.XComEntry, overwrite bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[entry.RunID]
	if !ok {
		run = make(map[entryKey]*types.XComEntry)
		m.runs[entry.RunID] = run
	}
	k := entryKey{task: entry.TaskID, key: entry.Key}
	if _, exists := run[k]; exists && !overwrite {
		return fmt.Errorf("%w: %s/%s", ErrAlreadyExists, entry.TaskID, entry.Key)
	}
	stored := copyEntry(entry)
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	run[k] = stored
	return nil
}

func (m *MemoryStore) Put(ctx context.Context, entry *types.XComEntry) error {
	return m.write(entry, false)
}

func (m *MemoryStore) Replace(ctx context.Context, entry *types.XComEntry) error {
	return m.write(entry, true)
}

func (m *MemoryStore) Get(ctx context.Context, runID, taskID, key string) (*types.XComEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.runs[runID][entryKey{task: taskID, key: key}]
	if !ok {
		return nil, ErrNotFound
	}
	return copyEntry(e), nil
}

func (m *MemoryStore) List(ctx context.Context, runID string) ([]*types.XComEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := make([]*types.XComEntry, 0, len(m.runs[runID]))
	for _, e := range m.runs[runID] {
		entries = append(entries, copyEntry(e))
	}
	sortEntries(entries)
	return entries, nil
}

func (m *MemoryStore) ClearTask(ctx context.Context, runID, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for k := range m.runs[runID] {
		if k.task == taskID {
			delete(m.runs[runID], k)
		}
	}
	return nil
}

func (m *MemoryStore) DeleteRun(ctx context.Context, runID string) error {
	m.mu.Lock()
	delete(m.runs, runID)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
