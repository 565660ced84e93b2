package events

import (
	"time"

	"github.com/google/uuid"
)

// BaseEvent is the immutable unit of information carried by the bus and
// recorded by the event store.
type BaseEvent struct {
	ID            string                 `json:"id"`
	Type          string                 `json:"type"`
	Version       int                    `json:"version"`
	Source        string                 `json:"source"`
	Timestamp     time.Time              `json:"timestamp"`
	CorrelationID string                 `json:"correlationId,omitempty"`
	CausationID   string                 `json:"causationId,omitempty"`
	Metadata      map[string]interface{} `json:"metadata"`
	Payload       map[string]interface{} `json:"payload"`
}

// NewBaseEvent creates a new event with a fresh ID and the current time.
func NewBaseEvent(eventType, source string, payload map[string]interface{}) BaseEvent {
	if payload == nil {
		payload = make(map[string]interface{})
	}
	return BaseEvent{
		ID:        uuid.NewString(),
		Type:      eventType,
		Version:   1,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Metadata:  make(map[string]interface{}),
		Payload:   payload,
	}
}

// WithCorrelation returns a copy of the event linked to a logical operation
// and to the event or command that caused it.
func (e BaseEvent) WithCorrelation(correlationID, causationID string) BaseEvent {
	e.CorrelationID = correlationID
	e.CausationID = causationID
	return e
}

// CausedBy returns a new event of the given type that inherits this event's
// correlation ID and names it as the cause.
func (e BaseEvent) CausedBy(eventType, source string, payload map[string]interface{}) BaseEvent {
	next := NewBaseEvent(eventType, source, payload)
	next.CorrelationID = e.CorrelationID
	if next.CorrelationID == "" {
		next.CorrelationID = e.ID
	}
	next.CausationID = e.ID
	return next
}

// RecordedEvent is an event as stored in an aggregate stream.
type RecordedEvent struct {
	BaseEvent
	StreamID      string `json:"streamId"`
	StreamVersion int64  `json:"streamVersion"`
}
