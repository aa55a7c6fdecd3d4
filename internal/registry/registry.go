// Package registry stores versioned DAG definitions.
package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/flexinfer/mentatlab/services/dagrunner/internal/dag"
	"github.com/flexinfer/mentatlab/services/dagrunner/internal/schedule"
	"github.com/flexinfer/mentatlab/services/dagrunner/pkg/types"
)

// Common errors returned by Registry implementations.
var (
	ErrDAGNotFound     = errors.New("dag not found")
	ErrVersionNotFound = errors.New("dag version not found")
)

// ListOptions configures list queries.
type ListOptions struct {
	// Tags filters DAGs that have ALL specified tags
	Tags []string

	// Paused filters by pause state when non-nil
	Paused *bool

	// Limit is the maximum number of DAGs to return (0 = no limit)
	Limit int

	// Offset is the number of DAGs to skip (for pagination)
	Offset int
}

// Registry defines the interface for DAG registration and lookup.
// Returned DAGs are snapshots; mutating them does not affect the registry.
// Implementations must be safe for concurrent use.
type Registry interface {
	// Register validates and stores d. Identical content is a no-op returning
	// the current version; changed content creates a new version.
	// Invalid definitions fail with a *dag.ValidationError.
	Register(ctx context.Context, d *types.DAG) (*types.DAG, error)

	// Lookup returns the latest version. Returns ErrDAGNotFound if unknown.
	Lookup(ctx context.Context, id string) (*types.DAG, error)

	// LookupVersion returns a specific version.
	LookupVersion(ctx context.Context, id string, version int) (*types.DAG, error)

	// List returns the latest version of every DAG matching opts, sorted by id.
	List(ctx context.Context, opts *ListOptions) ([]*types.DAG, error)

	// SetPaused pauses or resumes scheduling of a DAG.
	SetPaused(ctx context.Context, id string, paused bool) error

	// Delete removes a DAG and all of its versions.
	Delete(ctx context.Context, id string) error

	// Close releases any resources.
	Close() error
}

// Prepare validates d and returns a normalized copy carrying its content hash.
// Registry-owned fields on the input are ignored.
func Prepare(d *types.DAG) (*types.DAG, error) {
	if _, err := dag.BuildWithSchedule(d, schedule.Validate); err != nil {
		return nil, err
	}
	out := d.Clone()
	out.Version = 0
	out.Hash = ""
	out.Paused = false
	out.RegisteredAt = time.Time{}

	b, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("hash dag: %w", err)
	}
	sum := sha256.Sum256(b)
	out.Hash = hex.EncodeToString(sum[:])
	return out, nil
}

func hasAllTags(have, required []string) bool {
	set := make(map[string]bool, len(have))
	for _, t := range have {
		set[t] = true
	}
	for _, r := range required {
		if !set[r] {
			return false
		}
	}
	return true
}

// filterPage applies tag/pause filters, id ordering and pagination.
func filterPage(dags []*types.DAG, opts *ListOptions) []*types.DAG {
	if opts == nil {
		opts = &ListOptions{}
	}
	out := make([]*types.DAG, 0, len(dags))
	for _, d := range dags {
		if len(opts.Tags) > 0 && !hasAllTags(d.Tags, opts.Tags) {
			continue
		}
		if opts.Paused != nil && d.Paused != *opts.Paused {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return []*types.DAG{}
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(out) {
		out = out[:opts.Limit]
	}
	return out
}
