package xcom

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/flexinfer/mentatlab/services/dagrunner/internal/blobstore"
	"github.com/flexinfer/mentatlab/services/dagrunner/pkg/types"
)

// OffloadingStore moves values larger than a threshold into a blob backend
// and keeps only the object path (Ref) in the inner store. Get resolves the
// reference transparently.
type OffloadingStore struct {
	inner     Store
	blobs     blobstore.Backend
	threshold int
}

// NewOffloading wraps inner. Values of more than threshold bytes are offloaded.
func NewOffloading(inner Store, blobs blobstore.Backend, threshold int) *OffloadingStore {
	return &OffloadingStore{inner: inner, blobs: blobs, threshold: threshold}
}

func runPrefix(runID string) string { return "xcom/" + runID + "/" }

// offload uploads the value under a unique path so a losing writer never
// clobbers the winner's object.
func (o *OffloadingStore) offload(ctx context.Context, entry *types.XComEntry) (*types.XComEntry, error) {
	if len(entry.Value) <= o.threshold {
		return entry, nil
	}
	path := fmt.Sprintf("%s%s/%s-%s.json", runPrefix(entry.RunID), entry.TaskID, entry.Key, uuid.NewString())
	if _, err := o.blobs.Put(ctx, path, bytes.NewReader(entry.Value), "application/json"); err != nil {
		return nil, fmt.Errorf("offload xcom value: %w", err)
	}
	ref := *entry
	ref.Value = nil
	ref.Ref = path
	return &ref, nil
}

func (o *OffloadingStore) Put(ctx context.Context, entry *types.XComEntry) error {
	stored, err := o.offload(ctx, entry)
	if err != nil {
		return err
	}
	if err := o.inner.Put(ctx, stored); err != nil {
		if stored.Ref != "" {
			o.blobs.Delete(ctx, stored.Ref)
		}
		return err
	}
	return nil
}

func (o *OffloadingStore) Replace(ctx context.Context, entry *types.XComEntry) error {
	old, err := o.inner.Get(ctx, entry.RunID, entry.TaskID, entry.Key)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	stored, err := o.offload(ctx, entry)
	if err != nil {
		return err
	}
	if err := o.inner.Replace(ctx, stored); err != nil {
		return err
	}
	if old != nil && old.Ref != "" {
		o.blobs.Delete(ctx, old.Ref)
	}
	return nil
}

func (o *OffloadingStore) resolve(ctx context.Context, e *types.XComEntry) (*types.XComEntry, error) {
	if e.Ref == "" {
		return e, nil
	}
	data, err := blobstore.ReadAll(ctx, o.blobs, e.Ref)
	if err != nil {
		return nil, fmt.Errorf("load offloaded xcom %s: %w", e.Ref, err)
	}
	e.Value = data
	return e, nil
}

func (o *OffloadingStore) Get(ctx context.Context, runID, taskID, key string) (*types.XComEntry, error) {
	e, err := o.inner.Get(ctx, runID, taskID, key)
	if err != nil {
		return nil, err
	}
	return o.resolve(ctx, e)
}

// List returns entries without resolving offloaded values; callers fetch
// them individually with Get.
func (o *OffloadingStore) List(ctx context.Context, runID string) ([]*types.XComEntry, error) {
	return o.inner.List(ctx, runID)
}

func (o *OffloadingStore) ClearTask(ctx context.Context, runID, taskID string) error {
	entries, err := o.inner.List(ctx, runID)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.TaskID == taskID && e.Ref != "" {
			if err := o.blobs.Delete(ctx, e.Ref); err != nil {
				return err
			}
		}
	}
	return o.inner.ClearTask(ctx, runID, taskID)
}

func (o *OffloadingStore) DeleteRun(ctx context.Context, runID string) error {
	refs, err := o.blobs.List(ctx, runPrefix(runID))
	if err != nil {
		return err
	}
	for _, ref := range refs {
		if err := o.blobs.Delete(ctx, ref.Path); err != nil {
			return err
		}
	}
	return o.inner.DeleteRun(ctx, runID)
}

func (o *OffloadingStore) Close() error { return o.inner.Close() }

var _ Store = (*OffloadingStore)(nil)
