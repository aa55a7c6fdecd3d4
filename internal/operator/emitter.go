package operator

import (
	"context"

	"github.com/flexinfer/mentatlab/services/dagrunner/internal/runstore"
	"github.com/flexinfer/mentatlab/services/dagrunner/pkg/types"
)

// EventEmitter receives live task events (log lines) for a run.
type EventEmitter interface {
	EmitEvent(ctx context.Context, runID string, input *types.EventInput) error
}

// RunStoreEmitter adapts an EventStore to the EventEmitter interface.
type RunStoreEmitter struct {
	store runstore.EventStore
}

// NewRunStoreEmitter creates a new emitter backed by an EventStore.
func NewRunStoreEmitter(store runstore.EventStore) *RunStoreEmitter {
	return &RunStoreEmitter{store: store}
}

// EmitEvent appends the event to the run's stream.
func (e *RunStoreEmitter) EmitEvent(ctx context.Context, runID string, input *types.EventInput) error {
	_, err := e.store.AppendEvent(ctx, runID, input)
	return err
}

var _ EventEmitter = (*RunStoreEmitter)(nil)
