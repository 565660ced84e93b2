package eventbus

import (
	"time"

	"github.com/narwhalmedia/switchboard/internal/domain/events"
	"github.com/narwhalmedia/switchboard/pkg/signal"
)

// Signals emitted by the bus. Unless noted the payload is *events.EventEnvelope.
const (
	SignalConnected        signal.Kind = "connected"    // payload: nil
	SignalDisconnected     signal.Kind = "disconnected" // payload: nil
	SignalPublished        signal.Kind = "published"
	SignalPublishFailed    signal.Kind = "publish_failed"
	SignalHandlerSucceeded signal.Kind = "handler_succeeded"
	SignalHandlerFailed    signal.Kind = "handler_failed"
	SignalCircuitOpened    signal.Kind = "circuit_opened" // payload: event type string
	SignalCircuitOpen      signal.Kind = "circuit_open"
	SignalExpired          signal.Kind = "expired"
	SignalRetryScheduled   signal.Kind = "retry_scheduled" // payload: RetryInfo
	SignalDeadLetter       signal.Kind = "dead_letter"     // payload: DeadLetter
	SignalError            signal.Kind = "error"           // payload: nil, Err set
)

// RetryInfo describes a scheduled redelivery.
type RetryInfo struct {
	Envelope *events.EventEnvelope
	Delay    time.Duration
}

// DeadLetter is an envelope that exhausted its retries.
type DeadLetter struct {
	Envelope *events.EventEnvelope
	Err      error
	FailedAt time.Time
}
