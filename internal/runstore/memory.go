package runstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/flexinfer/mentatlab/services/dagrunner/pkg/types"
)

// memoryRun holds all state for a single run in memory.
type memoryRun struct {
	run   *types.DAGRun
	tasks map[string]*types.TaskInstance
}

// MemoryStore is an in-memory implementation of RunStore.
// Suitable for development and testing. Data is lost on restart.
type MemoryStore struct {
	*MemoryEvents

	mu      sync.RWMutex
	runs    map[string]*memoryRun
	logical map[string]string // dagID|logical date -> runID
	config  *Config
}

// NewMemoryStore creates a new in-memory RunStore.
func NewMemoryStore(cfg *Config) *MemoryStore {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &MemoryStore{
		MemoryEvents: NewMemoryEvents(cfg),
		runs:         make(map[string]*memoryRun),
		logical:      make(map[string]string),
		config:       cfg,
	}
}

func logicalKey(dagID string, t time.Time) string {
	return dagID + "|" + t.UTC().Format(time.RFC3339Nano)
}

func copyRun(r *types.DAGRun) *types.DAGRun {
	c := *r
	return &c
}

func copyTask(t *types.TaskInstance) *types.TaskInstance {
	c := *t
	return &c
}

func (s *MemoryStore) CreateRun(ctx context.Context, run *types.DAGRun, tasks []*types.TaskInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := logicalKey(run.DAGID, run.LogicalDate)
	if _, exists := s.logical[key]; exists {
		return ErrRunExists
	}
	if _, exists := s.runs[run.ID]; exists {
		return ErrRunExists
	}

	prepareRun(run, tasks, time.Now().UTC())
	mr := &memoryRun{
		run:   copyRun(run),
		tasks: make(map[string]*types.TaskInstance, len(tasks)),
	}
	for _, ti := range tasks {
		mr.tasks[ti.TaskID] = copyTask(ti)
	}
	s.runs[run.ID] = mr
	s.logical[key] = run.ID
	return nil
}

func (s *MemoryStore) GetRun(ctx context.Context, runID string) (*types.DAGRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	mr, ok := s.runs[runID]
	if !ok {
		return nil, ErrRunNotFound
	}
	return copyRun(mr.run), nil
}

func (s *MemoryStore) FindRun(ctx context.Context, dagID string, logicalDate time.Time) (*types.DAGRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runID, ok := s.logical[logicalKey(dagID, logicalDate)]
	if !ok {
		return nil, ErrRunNotFound
	}
	return copyRun(s.runs[runID].run), nil
}

func (s *MemoryStore) ListRuns(ctx context.Context, filter *RunFilter) ([]*types.DAGRun, error) {
	s.mu.RLock()
	runs := make([]*types.DAGRun, 0, len(s.runs))
	for _, mr := range s.runs {
		if filter.matches(mr.run) {
			runs = append(runs, copyRun(mr.run))
		}
	}
	s.mu.RUnlock()

	sortRuns(runs)
	return limitRuns(runs, filter), nil
}

func (s *MemoryStore) TransitionRun(ctx context.Context, runID string, from []types.RunState, to types.RunState, mutate func(*types.DAGRun)) (*types.DAGRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mr, ok := s.runs[runID]
	if !ok {
		return nil, ErrRunNotFound
	}
	next := copyRun(mr.run)
	if err := applyRunTransition(next, from, to, mutate, time.Now().UTC()); err != nil {
		return nil, err
	}
	mr.run = next
	return copyRun(next), nil
}

func (s *MemoryStore) DeleteRun(ctx context.Context, runID string) error {
	s.mu.Lock()
	mr, ok := s.runs[runID]
	if !ok {
		s.mu.Unlock()
		return ErrRunNotFound
	}
	delete(s.logical, logicalKey(mr.run.DAGID, mr.run.LogicalDate))
	delete(s.runs, runID)
	s.mu.Unlock()

	s.MemoryEvents.drop(runID)
	return nil
}

func (s *MemoryStore) GetTaskInstance(ctx context.Context, runID, taskID string) (*types.TaskInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	mr, ok := s.runs[runID]
	if !ok {
		return nil, ErrRunNotFound
	}
	ti, ok := mr.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrTaskNotFound, runID, taskID)
	}
	return copyTask(ti), nil
}

func (s *MemoryStore) ListTaskInstances(ctx context.Context, runID string) ([]*types.TaskInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	mr, ok := s.runs[runID]
	if !ok {
		return nil, ErrRunNotFound
	}
	out := make([]*types.TaskInstance, 0, len(mr.tasks))
	for _, ti := range mr.tasks {
		out = append(out, copyTask(ti))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out, nil
}

func (s *MemoryStore) TransitionTask(ctx context.Context, runID, taskID string, from, to types.TaskState, mutate func(*types.TaskInstance)) (*types.TaskInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mr, ok := s.runs[runID]
	if !ok {
		return nil, ErrRunNotFound
	}
	ti, ok := mr.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrTaskNotFound, runID, taskID)
	}
	next := copyTask(ti)
	if err := applyTaskTransition(next, from, to, mutate, time.Now().UTC()); err != nil {
		return nil, err
	}
	mr.tasks[taskID] = next
	return copyTask(next), nil
}

func (s *MemoryStore) AdapterInfo(ctx context.Context) (map[string]interface{}, error) {
	s.mu.RLock()
	runCount := len(s.runs)
	s.mu.RUnlock()

	return map[string]interface{}{
		"adapter":    "memory",
		"run_count":  runCount,
		"max_events": s.config.EventMaxLen,
	}, nil
}

func (s *MemoryStore) Close() error {
	return s.MemoryEvents.Close()
}

// Verify interface compliance
var _ RunStore = (*MemoryStore)(nil)
