package types

import (
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// EventType names the payload carried by an Event.
type EventType string

const (
	EventTypeRunState  EventType = "run_state"  // RunStateEvent
	EventTypeTaskState EventType = "task_state" // TaskStateEvent
	EventTypeXCom      EventType = "xcom"       // XComEvent
	EventTypeLog       EventType = "log"        // TaskLogEvent

	// sent by the API when a run's stream closes; carries a RunStateEvent
	EventTypeStreamEnd EventType = "stream_end"
)

// Event is one entry of a run's event stream. IDs are assigned by the run
// store and are ordered within a run.
type Event struct {
	ID        string          `json:"id"`
	RunID     string          `json:"run_id"`
	Type      EventType       `json:"type"`
	TaskID    string          `json:"task_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// EventInput is an event before the store assigns its ID and timestamp.
type EventInput struct {
	Type   EventType   `json:"type"`
	TaskID string      `json:"task_id,omitempty"`
	Data   interface{} `json:"data,omitempty"`
}

// TaskLogEvent is one line of task output, streamed while the attempt runs.
type TaskLogEvent struct {
	Attempt int    `json:"attempt"`
	Line    string `json:"line"`
}

type TaskStateEvent struct {
	From    TaskState `json:"from"`
	State   TaskState `json:"state"`
	Attempt int       `json:"attempt"`
	Error   string    `json:"error,omitempty"`
}

type RunStateEvent struct {
	State RunState `json:"state"`
	Error string   `json:"error,omitempty"`
}

// XComEvent announces a value pushed by a task.
type XComEvent struct {
	Key  string `json:"key"`
	Size int    `json:"size"`
}

// WriteSSE writes e as one Server-Sent Events frame whose data line is the
// JSON encoded event.
func (e *Event) WriteSSE(w io.Writer) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", e.ID, err)
	}
	_, err = fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", e.ID, e.Type, data)
	return err
}
