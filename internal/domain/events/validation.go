package events

import (
	"strings"

	apperrors "github.com/narwhalmedia/switchboard/pkg/errors"
)

// ValidateEvent checks the shape of an event at a trust boundary.
func ValidateEvent(e BaseEvent) error {
	switch {
	case strings.TrimSpace(e.ID) == "":
		return apperrors.Validation("event id is required")
	case strings.TrimSpace(e.Type) == "":
		return apperrors.Validation("event type is required")
	case strings.TrimSpace(e.Source) == "":
		return apperrors.Validationf("event %s: source is required", e.ID)
	case e.Timestamp.IsZero():
		return apperrors.Validationf("event %s: timestamp is required", e.ID)
	case e.Version < 0:
		return apperrors.Validationf("event %s: version must not be negative", e.ID)
	}
	return nil
}

// ValidateEnvelope checks the shape of an envelope decoded from the wire.
func ValidateEnvelope(env *EventEnvelope) error {
	if env == nil {
		return apperrors.Validation("envelope is nil")
	}
	if err := ValidateEvent(env.Event); err != nil {
		return err
	}
	switch {
	case strings.TrimSpace(env.RoutingKey) == "":
		return apperrors.Validationf("envelope %s: routing key is required", env.Event.ID)
	case env.DeliveryInfo.Attempt < 1:
		return apperrors.Validationf("envelope %s: attempt must be at least 1", env.Event.ID)
	case env.DeliveryInfo.MaxRetries < 0:
		return apperrors.Validationf("envelope %s: max retries must not be negative", env.Event.ID)
	case env.DeliveryInfo.RetryDelay < 0:
		return apperrors.Validationf("envelope %s: retry delay must not be negative", env.Event.ID)
	case env.DeliveryInfo.PublishedAt.IsZero():
		return apperrors.Validationf("envelope %s: publishedAt is required", env.Event.ID)
	}
	return nil
}
