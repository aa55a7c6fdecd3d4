package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/flexinfer/mentatlab/services/dagrunner/internal/dag"
	"github.com/flexinfer/mentatlab/services/dagrunner/pkg/types"
)

func tutorialDAG() *types.DAG {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return &types.DAG{
		ID:          "tutorial",
		Description: "print date, sleep, templated",
		Schedule:    "@daily",
		StartDate:   &start,
		Tags:        []string{"example", "bash"},
		Tasks: []types.TaskSpec{
			{ID: "print_date", Operator: types.OperatorBash, Bash: &types.BashConfig{Command: "date"}},
			{ID: "sleep", Operator: types.OperatorBash, Upstream: []string{"print_date"},
				Bash: &types.BashConfig{Command: "sleep 5"}, Retry: &types.RetryPolicy{MaxAttempts: 3}},
			{ID: "templated", Operator: types.OperatorBash, Upstream: []string{"print_date"},
				Bash: &types.BashConfig{Command: "echo {{ .DS }}"}},
		},
	}
}

func TestMemoryRegistry_Register(t *testing.T) {
	reg := NewMemoryRegistry()
	defer reg.Close()
	ctx := context.Background()

	t.Run("registers new dag", func(t *testing.T) {
		d, err := reg.Register(ctx, tutorialDAG())
		if err != nil {
			t.Fatalf("Register failed: %v", err)
		}
		if d.Version != 1 {
			t.Errorf("expected Version 1, got %d", d.Version)
		}
		if d.Hash == "" {
			t.Error("Hash should be set")
		}
		if d.RegisteredAt.IsZero() {
			t.Error("RegisteredAt should be set")
		}
	})

	t.Run("identical content keeps version", func(t *testing.T) {
		d, err := reg.Register(ctx, tutorialDAG())
		if err != nil {
			t.Fatalf("Register failed: %v", err)
		}
		if d.Version != 1 {
			t.Errorf("expected Version 1, got %d", d.Version)
		}
	})

	t.Run("changed content bumps version", func(t *testing.T) {
		changed := tutorialDAG()
		changed.Description = "new description"
		d, err := reg.Register(ctx, changed)
		if err != nil {
			t.Fatalf("Register failed: %v", err)
		}
		if d.Version != 2 {
			t.Errorf("expected Version 2, got %d", d.Version)
		}

		old, err := reg.LookupVersion(ctx, "tutorial", 1)
		if err != nil {
			t.Fatalf("LookupVersion failed: %v", err)
		}
		if old.Description != "print date, sleep, templated" {
			t.Errorf("version 1 was modified: %q", old.Description)
		}
	})

	t.Run("rejects cyclic dag", func(t *testing.T) {
		cyclic := &types.DAG{
			ID: "cyclic",
			Tasks: []types.TaskSpec{
				{ID: "a", Upstream: []string{"b"}},
				{ID: "b", Upstream: []string{"a"}},
			},
		}
		_, err := reg.Register(ctx, cyclic)
		if !errors.Is(err, dag.ErrInvalidDAG) {
			t.Fatalf("expected ErrInvalidDAG, got %v", err)
		}
		if _, err := reg.Lookup(ctx, "cyclic"); err != ErrDAGNotFound {
			t.Errorf("expected ErrDAGNotFound, got %v", err)
		}
	})

	t.Run("rejects bad schedule", func(t *testing.T) {
		bad := tutorialDAG()
		bad.ID = "bad-schedule"
		bad.Schedule = "whenever"
		_, err := reg.Register(ctx, bad)
		var verr *dag.ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("expected ValidationError, got %v", err)
		}
	})
}

func TestMemoryRegistry_Lookup(t *testing.T) {
	reg := NewMemoryRegistry()
	ctx := context.Background()

	if _, err := reg.Register(ctx, tutorialDAG()); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	t.Run("returns snapshot", func(t *testing.T) {
		d, err := reg.Lookup(ctx, "tutorial")
		if err != nil {
			t.Fatalf("Lookup failed: %v", err)
		}
		d.Tasks[0].ID = "mutated"
		d.Tags[0] = "mutated"

		again, _ := reg.Lookup(ctx, "tutorial")
		if again.Tasks[0].ID != "print_date" {
			t.Errorf("registry state mutated through snapshot: %q", again.Tasks[0].ID)
		}
		if again.Tags[0] != "example" {
			t.Errorf("registry tags mutated through snapshot: %q", again.Tags[0])
		}
	})

	t.Run("unknown dag", func(t *testing.T) {
		if _, err := reg.Lookup(ctx, "missing"); err != ErrDAGNotFound {
			t.Errorf("expected ErrDAGNotFound, got %v", err)
		}
	})

	t.Run("unknown version", func(t *testing.T) {
		if _, err := reg.LookupVersion(ctx, "tutorial", 7); err != ErrVersionNotFound {
			t.Errorf("expected ErrVersionNotFound, got %v", err)
		}
	})
}

func TestMemoryRegistry_Pause(t *testing.T) {
	reg := NewMemoryRegistry()
	ctx := context.Background()
	reg.Register(ctx, tutorialDAG())

	if err := reg.SetPaused(ctx, "tutorial", true); err != nil {
		t.Fatalf("SetPaused failed: %v", err)
	}
	d, _ := reg.Lookup(ctx, "tutorial")
	if !d.Paused {
		t.Error("expected dag to be paused")
	}

	// Re-registering the same content does not resume the dag.
	d, _ = reg.Register(ctx, tutorialDAG())
	if !d.Paused {
		t.Error("expected pause to survive re-registration")
	}

	if err := reg.SetPaused(ctx, "missing", true); err != ErrDAGNotFound {
		t.Errorf("expected ErrDAGNotFound, got %v", err)
	}
}

func TestMemoryRegistry_Delete(t *testing.T) {
	reg := NewMemoryRegistry()
	ctx := context.Background()
	reg.Register(ctx, tutorialDAG())

	if err := reg.Delete(ctx, "tutorial"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := reg.Lookup(ctx, "tutorial"); err != ErrDAGNotFound {
		t.Errorf("expected ErrDAGNotFound, got %v", err)
	}
	if err := reg.Delete(ctx, "tutorial"); err != ErrDAGNotFound {
		t.Errorf("expected ErrDAGNotFound, got %v", err)
	}
}

func TestMemoryRegistry_List(t *testing.T) {
	reg := NewMemoryRegistry()
	ctx := context.Background()

	for _, id := range []string{"c", "a", "b"} {
		d := tutorialDAG()
		d.ID = id
		if id == "b" {
			d.Tags = []string{"other"}
		}
		if _, err := reg.Register(ctx, d); err != nil {
			t.Fatalf("Register %s failed: %v", id, err)
		}
	}
	reg.SetPaused(ctx, "c", true)

	paused := true
	tests := []struct {
		name string
		opts *ListOptions
		want []string
	}{
		{"all sorted", nil, []string{"a", "b", "c"}},
		{"by tag", &ListOptions{Tags: []string{"example"}}, []string{"a", "c"}},
		{"paused only", &ListOptions{Paused: &paused}, []string{"c"}},
		{"limit", &ListOptions{Limit: 2}, []string{"a", "b"}},
		{"offset", &ListOptions{Offset: 2}, []string{"c"}},
		{"offset past end", &ListOptions{Offset: 5}, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dags, err := reg.List(ctx, tt.opts)
			if err != nil {
				t.Fatalf("List failed: %v", err)
			}
			if len(dags) != len(tt.want) {
				t.Fatalf("expected %d dags, got %d", len(tt.want), len(dags))
			}
			for i, id := range tt.want {
				if dags[i].ID != id {
					t.Errorf("position %d: expected %q, got %q", i, id, dags[i].ID)
				}
			}
		})
	}
}
