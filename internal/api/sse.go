package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/flexinfer/mentatlab/services/dagrunner/pkg/types"
)

const sseHeartbeat = 15 * time.Second

// eventStream writes SSE frames and flushes after each one. After the first
// write error every further write is dropped.
type eventStream struct {
	w       io.Writer
	flusher http.Flusher
	err     error
}

func (s *eventStream) event(evt *types.Event) {
	if s.err != nil || evt == nil {
		return
	}
	if s.err = evt.WriteSSE(s.w); s.err == nil {
		s.flusher.Flush()
	}
}

func (s *eventStream) comment(text string) {
	if s.err != nil {
		return
	}
	if _, s.err = io.WriteString(s.w, ": "+text+"\n\n"); s.err == nil {
		s.flusher.Flush()
	}
}

// StreamEvents handles GET /api/v1/runs/{runId}/events.
//
// The stream opens with a hello event, replays history after Last-Event-ID,
// follows live events and closes with stream_end carrying the final run
// state. A comment line every 15s keeps idle proxies from dropping it.
func (h *Handlers) StreamEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	runID := mux.Vars(r)["runId"]

	if _, err := h.store.GetRun(ctx, runID); err != nil {
		h.respondError(w, r, err, "failed to get run")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErrorResponse(w, r, http.StatusInternalServerError, ErrCodeInternalError, "streaming not supported", nil)
		return
	}

	// subscribe before replay so nothing falls between the two
	live, unsubscribe, err := h.store.Subscribe(ctx, runID)
	if err != nil {
		h.respondError(w, r, err, "failed to subscribe to events")
		return
	}
	defer unsubscribe()

	hdr := w.Header()
	hdr.Set("Content-Type", "text/event-stream")
	hdr.Set("Cache-Control", "no-cache")
	hdr.Set("Connection", "keep-alive")
	hdr.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	stream := &eventStream{w: w, flusher: flusher}
	log := h.logger.With(slog.String("run_id", runID), slog.String("request_id", GetRequestID(ctx, r)))
	opened := time.Now()
	reason := h.followRun(ctx, stream, runID, r.Header.Get("Last-Event-ID"), live)
	log.Debug("event stream closed",
		slog.String("reason", reason),
		slog.Duration("duration", time.Since(opened)),
		slog.Any("write_error", stream.err))
}

// followRun drives one stream and returns why it ended.
func (h *Handlers) followRun(ctx context.Context, stream *eventStream, runID, lastEventID string, live <-chan *types.Event) string {
	stream.event(&types.Event{ID: "0", RunID: runID, Type: "hello", Timestamp: time.Now().UTC()})

	history, err := h.store.GetEventsSince(ctx, runID, lastEventID)
	if err != nil {
		h.logger.Error("failed to replay run events", slog.String("run_id", runID), slog.Any("error", err))
	}
	replayed := make(map[string]struct{}, len(history))
	for _, evt := range history {
		replayed[evt.ID] = struct{}{}
		stream.event(evt)
	}

	// a run that finished before the subscription has no live events left
	if run, err := h.store.GetRun(ctx, runID); err == nil && run.State.Terminal() {
		h.endStream(ctx, stream, runID)
		return "finished"
	}

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()
	for stream.err == nil {
		select {
		case <-ctx.Done():
			return "client_disconnect"
		case evt, ok := <-live:
			if !ok {
				h.endStream(ctx, stream, runID)
				return "closed"
			}
			if _, dup := replayed[evt.ID]; dup {
				continue
			}
			stream.event(evt)
			// streams owned by another process are never closed locally
			if isFinalRunEvent(evt) {
				h.endStream(ctx, stream, runID)
				return "finished"
			}
		case <-heartbeat.C:
			stream.comment("heartbeat")
		}
	}
	return "write_error"
}

func isFinalRunEvent(evt *types.Event) bool {
	if evt.Type != types.EventTypeRunState {
		return false
	}
	var p types.RunStateEvent
	return json.Unmarshal(evt.Data, &p) == nil && p.State.Terminal()
}

func (h *Handlers) endStream(ctx context.Context, stream *eventStream, runID string) {
	evt := &types.Event{
		ID:        "final",
		RunID:     runID,
		Type:      types.EventTypeStreamEnd,
		Timestamp: time.Now().UTC(),
	}
	if run, err := h.store.GetRun(ctx, runID); err == nil {
		evt.Data, _ = json.Marshal(types.RunStateEvent{State: run.State, Error: run.Error})
	} else {
		h.logger.Warn("failed to read final run state", slog.String("run_id", runID), slog.Any("error", err))
	}
	stream.event(evt)
}
