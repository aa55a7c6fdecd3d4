// Package xcom implements the run-scoped data channel between tasks.
//
// Entries are addressed by (run, task, key) and are write-once: Put fails with
// ErrAlreadyExists if the key is already set. A task re-run clears its entries
// with ClearTask before writing again. Entries never leak between runs.
package xcom

import (
	"context"
	"errors"
	"sort"

	"github.com/flexinfer/mentatlab/services/dagrunner/pkg/types"
)

var (
	ErrNotFound      = errors.New("xcom entry not found")
	ErrAlreadyExists = errors.New("xcom entry already set")
)

// Store holds XCom entries.
type Store interface {
	// Put writes a new entry. Returns ErrAlreadyExists if the key is set.
	Put(ctx context.Context, entry *types.XComEntry) error

	// Replace writes an entry, overwriting any previous value.
	Replace(ctx context.Context, entry *types.XComEntry) error

	// Get returns the entry or ErrNotFound.
	Get(ctx context.Context, runID, taskID, key string) (*types.XComEntry, error)

	// List returns every entry of a run ordered by task then key.
	List(ctx context.Context, runID string) ([]*types.XComEntry, error)

	// ClearTask removes all entries written by one task of a run.
	ClearTask(ctx context.Context, runID, taskID string) error

	// DeleteRun removes all entries of a run.
	DeleteRun(ctx context.Context, runID string) error

	Close() error
}

func sortEntries(entries []*types.XComEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].TaskID == entries[j].TaskID {
			return entries[i].Key < entries[j].Key
		}
		return entries[i].TaskID < entries[j].TaskID
	})
}

func copyEntry(e *types.XComEntry) *types.XComEntry {
	c := *e
	if e.Value != nil {
		c.Value = append([]byte(nil), e.Value...)
	}
	return &c
}
