package registry

import (
	"context"
	"sync"
	"time"

	"github.com/flexinfer/mentatlab/services/dagrunner/pkg/types"
)

type memoryEntry struct {
	versions []*types.DAG // index i holds version i+1
	paused   bool
}

// MemoryRegistry implements Registry using in-memory storage.
// Suitable for testing and local development.
type MemoryRegistry struct {
	mu   sync.RWMutex
	dags map[string]*memoryEntry
	now  func() time.Time
}

// NewMemoryRegistry creates a new in-memory DAG registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		dags: make(map[string]*memoryEntry),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Register validates and stores a DAG definition.
func (r *MemoryRegistry) Register(ctx context.Context, d *types.DAG) (*types.DAG, error) {
	prepared, err := Prepare(d)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.dags[prepared.ID]
	if !ok {
		entry = &memoryEntry{}
		r.dags[prepared.ID] = entry
	}
	if n := len(entry.versions); n > 0 && entry.versions[n-1].Hash == prepared.Hash {
		return snapshot(entry.versions[n-1], entry.paused), nil
	}

	prepared.Version = len(entry.versions) + 1
	prepared.RegisteredAt = r.now()
	entry.versions = append(entry.versions, prepared)
	return snapshot(prepared, entry.paused), nil
}

// Lookup returns the latest version of a DAG.
func (r *MemoryRegistry) Lookup(ctx context.Context, id string) (*types.DAG, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.dags[id]
	if !ok || len(entry.versions) == 0 {
		return nil, ErrDAGNotFound
	}
	return snapshot(entry.versions[len(entry.versions)-1], entry.paused), nil
}

// LookupVersion returns a specific version of a DAG.
func (r *MemoryRegistry) LookupVersion(ctx context.Context, id string, version int) (*types.DAG, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.dags[id]
	if !ok {
		return nil, ErrDAGNotFound
	}
	if version < 1 || version > len(entry.versions) {
		return nil, ErrVersionNotFound
	}
	return snapshot(entry.versions[version-1], entry.paused), nil
}

// List returns the latest version of all DAGs matching the options.
func (r *MemoryRegistry) List(ctx context.Context, opts *ListOptions) ([]*types.DAG, error) {
	r.mu.RLock()
	dags := make([]*types.DAG, 0, len(r.dags))
	for _, entry := range r.dags {
		if len(entry.versions) == 0 {
			continue
		}
		dags = append(dags, snapshot(entry.versions[len(entry.versions)-1], entry.paused))
	}
	r.mu.RUnlock()

	return filterPage(dags, opts), nil
}

// SetPaused toggles scheduling for a DAG.
func (r *MemoryRegistry) SetPaused(ctx context.Context, id string, paused bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.dags[id]
	if !ok {
		return ErrDAGNotFound
	}
	entry.paused = paused
	return nil
}

// Delete removes a DAG.
func (r *MemoryRegistry) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.dags[id]; !ok {
		return ErrDAGNotFound
	}
	delete(r.dags, id)
	return nil
}

// Close is a no-op for the memory registry.
func (r *MemoryRegistry) Close() error {
	return nil
}

func snapshot(d *types.DAG, paused bool) *types.DAG {
	out := d.Clone()
	out.Paused = paused
	return out
}

var _ Registry = (*MemoryRegistry)(nil)
