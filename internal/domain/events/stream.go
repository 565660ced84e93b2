package events

import (
	"strings"
	"time"
)

// EventStream is the history of a single aggregate instance.
type EventStream struct {
	StreamID      string      `json:"streamId"`
	AggregateType string      `json:"aggregateType"`
	AggregateID   string      `json:"aggregateId"`
	Version       int64       `json:"version"`
	EventCount    int64       `json:"eventCount"`
	Events        []BaseEvent `json:"events,omitempty"`
	CreatedAt     time.Time   `json:"createdAt"`
	UpdatedAt     time.Time   `json:"updatedAt"`
	DeletedAt     *time.Time  `json:"deletedAt,omitempty"`
}

// Deleted reports whether the stream was soft deleted.
func (s *EventStream) Deleted() bool {
	return s.DeletedAt != nil
}

// Snapshot materializes aggregate state at a stream version.
type Snapshot struct {
	ID            string                 `json:"id"`
	StreamID      string                 `json:"streamId"`
	AggregateType string                 `json:"aggregateType"`
	AggregateID   string                 `json:"aggregateId"`
	Version       int64                  `json:"version"`
	Data          map[string]interface{} `json:"data"`
	Timestamp     time.Time              `json:"timestamp"`
	Metadata      map[string]interface{} `json:"metadata"`
}

// StreamID builds the identity of an aggregate stream.
func StreamID(aggregateType, aggregateID string) string {
	return aggregateType + ":" + aggregateID
}

// SplitStreamID returns the aggregate type and ID encoded in a stream ID.
// IDs without a separator are treated as an aggregate ID of unknown type.
func SplitStreamID(streamID string) (aggregateType, aggregateID string) {
	idx := strings.Index(streamID, ":")
	if idx < 0 {
		return "", streamID
	}
	return streamID[:idx], streamID[idx+1:]
}
