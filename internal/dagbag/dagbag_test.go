package dagbag

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flexinfer/mentatlab/services/dagrunner/internal/dag"
	"github.com/flexinfer/mentatlab/services/dagrunner/internal/registry"
	"github.com/flexinfer/mentatlab/services/dagrunner/internal/validator"
)

const tutorialYAML = `
id: tutorial
description: Airflow tutorial
schedule: "@daily"
start_date: 2026-01-01T00:00:00Z
default_retry:
  max_attempts: 2
  backoff: 5m
tags: [example]
tasks:
  - id: print_date
    operator: bash
    bash:
      command: date
  - id: sleep
    operator: bash
    upstream: [print_date]
    retry:
      max_attempts: 3
    bash:
      command: sleep 5
  - id: templated
    operator: bash
    upstream: [print_date]
    bash:
      command: 'echo "{{ .DS }}"'
`

const twoDocsYAML = `
id: first
tasks:
  - id: a
    operator: empty
---
id: second
tasks:
  - id: a
    operator: empty
`

const cyclicJSON = `{
  "id": "cyclic",
  "tasks": [
    {"id": "a", "operator": "empty", "upstream": ["b"]},
    {"id": "b", "operator": "empty", "upstream": ["a"]}
  ]
}`

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func newLoader(t *testing.T) (*Loader, *registry.MemoryRegistry) {
	t.Helper()
	v, err := validator.New()
	require.NoError(t, err)
	reg := registry.NewMemoryRegistry()
	return NewLoader(reg, v, nil), reg
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "tutorial.yaml", tutorialYAML)
	writeFile(t, dir, "multi.yml", twoDocsYAML)
	writeFile(t, dir, "cyclic.json", cyclicJSON)
	writeFile(t, dir, "broken.yaml", "id: [unterminated")
	writeFile(t, dir, "notes.txt", "ignored")
	require.NoError(t, os.Mkdir(filepath.Join(dir, ".hidden"), 0o755))
	writeFile(t, filepath.Join(dir, ".hidden"), "skip.yaml", tutorialYAML)

	loader, reg := newLoader(t)
	ctx := context.Background()

	result, err := loader.LoadDir(ctx, dir)
	require.NoError(t, err)
	assert.Len(t, result.Loaded, 3)
	require.Len(t, result.Errors, 2)

	var cycleErr *dag.ValidationError
	for _, fe := range result.Errors {
		if filepath.Base(fe.Path) == "cyclic.json" {
			require.True(t, errors.As(fe, &cycleErr))
		}
	}
	require.NotNil(t, cycleErr, "cyclic.json should fail DAG validation")
	assert.ErrorIs(t, cycleErr, dag.ErrInvalidDAG)

	tutorial, err := reg.Lookup(ctx, "tutorial")
	require.NoError(t, err)
	assert.Equal(t, 1, tutorial.Version)
	require.NotNil(t, tutorial.StartDate)
	assert.Equal(t, 2026, tutorial.StartDate.Year())
	assert.Equal(t, 5*60, int(tutorial.DefaultRetry.Backoff.Std().Seconds()))

	// Reloading unchanged files keeps the version.
	_, err = loader.LoadDir(ctx, dir)
	require.NoError(t, err)
	tutorial, err = reg.Lookup(ctx, "tutorial")
	require.NoError(t, err)
	assert.Equal(t, 1, tutorial.Version)
}

func TestLoadDirMissing(t *testing.T) {
	loader, _ := newLoader(t)
	_, err := loader.LoadDir(context.Background(), filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}

func TestDecodeRejectsSchemaViolations(t *testing.T) {
	loader, _ := newLoader(t)
	_, err := loader.Decode([]byte(`{"id": "x", "tasks": [{"id": "a", "operator": "bash"}]}`))
	assert.ErrorContains(t, err, "schema validation failed")
}

func TestDecodeYAML(t *testing.T) {
	loader, _ := newLoader(t)

	d, err := loader.DecodeYAML([]byte(tutorialYAML))
	require.NoError(t, err)
	assert.Equal(t, "tutorial", d.ID)
	assert.Len(t, d.Tasks, 3)

	_, err = loader.DecodeYAML([]byte(twoDocsYAML))
	assert.ErrorContains(t, err, "expected one yaml document")
}

func TestWatchPicksUpChanges(t *testing.T) {
	dir := t.TempDir()
	loader, reg := newLoader(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- loader.Watch(ctx, dir, 10*time.Millisecond) }()

	writeFile(t, dir, "multi.yml", twoDocsYAML)
	require.Eventually(t, func() bool {
		_, err := reg.Lookup(ctx, "second")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}
