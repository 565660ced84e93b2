package registry

import (
	"time"

	"github.com/narwhalmedia/switchboard/pkg/signal"
)

// Signals emitted by the registry. Unless noted the payload is *service.Info.
const (
	SignalRegistered    signal.Kind = "registered"
	SignalUpdated       signal.Kind = "updated"
	SignalUnregistered  signal.Kind = "unregistered"
	SignalStatusChanged signal.Kind = "status_changed" // payload: Notification
	SignalAlert         signal.Kind = "alert"          // payload: Alert
	SignalCleanup       signal.Kind = "cleanup"        // payload: int reaped
	SignalError         signal.Kind = "error"          // payload: nil, Err set
)

// AlertKind names an alert-worthy condition.
type AlertKind string

const (
	AlertRegistrationBurst   AlertKind = "registration_burst"
	AlertHealthCheckFailures AlertKind = "health_check_failures"
)

// Alert is the payload of SignalAlert.
type Alert struct {
	Kind      AlertKind
	ServiceID string
	Service   string
	Failures  int
	At        time.Time
}
