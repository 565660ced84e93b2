package events

import (
	"time"
)

// DeliveryInfo tracks delivery attempts for an envelope.
type DeliveryInfo struct {
	Attempt     int           `json:"attempt"`
	MaxRetries  int           `json:"maxRetries"`
	RetryDelay  time.Duration `json:"retryDelay"`
	PublishedAt time.Time     `json:"publishedAt"`
	ExpiresAt   *time.Time    `json:"expiresAt,omitempty"`
}

// EventEnvelope wraps an event with transport metadata
type EventEnvelope struct {
	Event        BaseEvent         `json:"event"`
	RoutingKey   string            `json:"routingKey"`
	Headers      map[string]string `json:"headers"`
	DeliveryInfo DeliveryInfo      `json:"deliveryInfo"`
}

// NewEnvelope wraps an event for its first delivery attempt.
func NewEnvelope(event BaseEvent, routingKey string, maxRetries int, retryDelay, ttl time.Duration) *EventEnvelope {
	now := time.Now().UTC()
	env := &EventEnvelope{
		Event:      event,
		RoutingKey: routingKey,
		Headers:    make(map[string]string),
		DeliveryInfo: DeliveryInfo{
			Attempt:     1,
			MaxRetries:  maxRetries,
			RetryDelay:  retryDelay,
			PublishedAt: now,
		},
	}
	if ttl > 0 {
		expires := now.Add(ttl)
		env.DeliveryInfo.ExpiresAt = &expires
	}
	return env
}

// Expired reports whether the envelope is past its TTL at the given time.
func (e *EventEnvelope) Expired(now time.Time) bool {
	return e.DeliveryInfo.ExpiresAt != nil && now.After(*e.DeliveryInfo.ExpiresAt)
}

// CanRetry reports whether another delivery attempt is allowed.
func (e *EventEnvelope) CanRetry() bool {
	return e.DeliveryInfo.Attempt < e.DeliveryInfo.MaxRetries
}

// BackoffDelay is the wait before the next attempt: retryDelay * 2^(attempt-1).
func (e *EventEnvelope) BackoffDelay() time.Duration {
	attempt := e.DeliveryInfo.Attempt
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 32 {
		attempt = 32
	}
	return e.DeliveryInfo.RetryDelay * time.Duration(1<<(attempt-1))
}

// NextAttempt returns a copy of the envelope for the following delivery attempt.
func (e *EventEnvelope) NextAttempt() *EventEnvelope {
	next := *e
	next.Headers = make(map[string]string, len(e.Headers))
	for k, v := range e.Headers {
		next.Headers[k] = v
	}
	next.DeliveryInfo.Attempt = e.DeliveryInfo.Attempt + 1
	return &next
}
