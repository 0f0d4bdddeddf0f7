package models

import "time"

// EventKind identifies a timeline event emitted during an agent turn or
// published on the event bus.
type EventKind string

const (
	EventThinking         EventKind = "thinking"
	EventToken            EventKind = "token"
	EventToolCallStart    EventKind = "tool_call_start"
	EventToolCallEnd      EventKind = "tool_call_end"
	EventAssistantMessage EventKind = "assistant_message"
	EventQueuedMessage    EventKind = "queued_message"
	EventError            EventKind = "error"
	EventDone             EventKind = "done"
)

// Event is a single timeline event. Seq increases monotonically within one
// turn; consumers use it to detect reordering.
type Event struct {
	Kind      EventKind      `json:"event"`
	Seq       int64          `json:"seq"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// NewEvent constructs an event with the current timestamp. Seq is assigned
// by the emitter.
func NewEvent(kind EventKind, data map[string]any) Event {
	return Event{Kind: kind, Data: data, Timestamp: time.Now()}
}
