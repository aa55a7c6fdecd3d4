// Package logstore persists task attempt logs in a blob backend.
package logstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/flexinfer/mentatlab/services/dagrunner/internal/blobstore"
)

// ErrNotFound is returned when no log exists for the requested attempt.
var ErrNotFound = errors.New("task log not found")

// Key identifies the log of one task attempt.
type Key struct {
	DAGID       string
	LogicalDate time.Time
	TaskID      string
	Attempt     int
}

// Path returns the object path: logs/{dag}/{logical date}/{task}/attempt={n}.log
func (k Key) Path() string {
	return fmt.Sprintf("%s/attempt=%d.log", k.dir(), k.Attempt)
}

func (k Key) dir() string {
	return fmt.Sprintf("logs/%s/%s/%s", k.DAGID, k.LogicalDate.UTC().Format(time.RFC3339), k.TaskID)
}

// Store reads and writes task logs.
type Store struct {
	blobs blobstore.Backend
}

// New creates a log store on top of a blob backend.
func New(blobs blobstore.Backend) *Store {
	return &Store{blobs: blobs}
}

// Write stores the complete log of an attempt, replacing any previous copy.
func (s *Store) Write(ctx context.Context, key Key, data []byte) (*blobstore.ObjectRef, error) {
	ref, err := s.blobs.Put(ctx, key.Path(), bytes.NewReader(data), "text/plain; charset=utf-8")
	if err != nil {
		return nil, fmt.Errorf("write task log: %w", err)
	}
	return ref, nil
}

// Read returns the log of an attempt. Attempt 0 selects the latest one.
func (s *Store) Read(ctx context.Context, key Key) ([]byte, error) {
	if key.Attempt <= 0 {
		attempts, err := s.Attempts(ctx, key)
		if err != nil {
			return nil, err
		}
		if len(attempts) == 0 {
			return nil, ErrNotFound
		}
		key.Attempt = attempts[len(attempts)-1]
	}

	data, err := blobstore.ReadAll(ctx, s.blobs, key.Path())
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read task log: %w", err)
	}
	return data, nil
}

// Attempts lists the attempt numbers that have a stored log, ascending.
// key.Attempt is ignored.
func (s *Store) Attempts(ctx context.Context, key Key) ([]int, error) {
	refs, err := s.blobs.List(ctx, key.dir()+"/")
	if err != nil {
		return nil, fmt.Errorf("list task logs: %w", err)
	}

	attempts := make([]int, 0, len(refs))
	for _, ref := range refs {
		name := ref.Path[strings.LastIndex(ref.Path, "/")+1:]
		name = strings.TrimSuffix(strings.TrimPrefix(name, "attempt="), ".log")
		n, err := strconv.Atoi(name)
		if err != nil {
			continue
		}
		attempts = append(attempts, n)
	}
	sort.Ints(attempts)
	return attempts, nil
}

// Delete removes every attempt log of a task.
func (s *Store) Delete(ctx context.Context, key Key) error {
	refs, err := s.blobs.List(ctx, key.dir()+"/")
	if err != nil {
		return fmt.Errorf("list task logs: %w", err)
	}
	for _, ref := range refs {
		if err := s.blobs.Delete(ctx, ref.Path); err != nil {
			return err
		}
	}
	return nil
}
