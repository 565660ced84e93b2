// Package service defines the service registry catalog entry.
package service

import (
	"fmt"
	"time"

	"github.com/narwhalmedia/switchboard/internal/domain/specification"
	apperrors "github.com/narwhalmedia/switchboard/pkg/errors"
)

// Status is the lifecycle state of a service instance.
type Status string

const (
	StatusStarting  Status = "starting"
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusStopping  Status = "stopping"
	StatusStopped   Status = "stopped"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusStarting, StatusHealthy, StatusUnhealthy, StatusStopping, StatusStopped:
		return true
	}
	return false
}

// Address is where an instance listens.
type Address struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Protocol string `json:"protocol"` // http, https, grpc
}

func (a Address) String() string {
	return fmt.Sprintf("%s://%s:%d", a.Protocol, a.Host, a.Port)
}

// Endpoint is an operation the instance exposes.
type Endpoint struct {
	Path        string `json:"path"`
	Method      string `json:"method"`
	Description string `json:"description,omitempty"`
}

// EventTypes lists the event types an instance produces and consumes.
type EventTypes struct {
	Publishes  []string `json:"publishes"`
	Subscribes []string `json:"subscribes"`
}

// HealthConfig describes how the instance is probed.
type HealthConfig struct {
	Endpoint string        `json:"endpoint"`
	Interval time.Duration `json:"interval"`
	Timeout  time.Duration `json:"timeout"`
	Retries  int           `json:"retries"`
}

// Info is a registered service instance.
type Info struct {
	ID                string                 `json:"id"`
	Name              string                 `json:"name"`
	Version           string                 `json:"version"`
	Type              string                 `json:"type"`
	Status            Status                 `json:"status"`
	Address           Address                `json:"address"`
	Endpoints         []Endpoint             `json:"endpoints"`
	Capabilities      []string               `json:"capabilities"`
	EventTypes        EventTypes             `json:"eventTypes"`
	Metadata          map[string]interface{} `json:"metadata"`
	Health            HealthConfig           `json:"health"`
	RegisteredAt      time.Time              `json:"registeredAt"`
	LastSeen          time.Time              `json:"lastSeen"`
	HeartbeatInterval time.Duration          `json:"heartbeatInterval"`
}

// Validate checks the required fields.
func (i *Info) Validate() error {
	switch {
	case i.ID == "":
		return apperrors.Validation("service id is required")
	case i.Name == "":
		return apperrors.Validation("service name is required")
	case i.Version == "":
		return apperrors.Validation("service version is required")
	case i.Type == "":
		return apperrors.Validation("service type is required")
	case !i.Status.Valid():
		return apperrors.Validationf("invalid service status %q", i.Status)
	case i.Address.Host == "":
		return apperrors.Validation("service address host is required")
	case i.Address.Port <= 0 || i.Address.Port > 65535:
		return apperrors.Validationf("invalid service port %d", i.Address.Port)
	}
	switch i.Address.Protocol {
	case "http", "https", "grpc":
	default:
		return apperrors.Validationf("unsupported protocol %q", i.Address.Protocol)
	}
	if i.Health.Timeout < 0 || i.Health.Interval < 0 || i.Health.Retries < 0 {
		return apperrors.Validation("health settings must not be negative")
	}
	return nil
}

// Clone returns a deep copy.
func (i *Info) Clone() *Info {
	c := *i
	c.Endpoints = append([]Endpoint(nil), i.Endpoints...)
	c.Capabilities = append([]string(nil), i.Capabilities...)
	c.EventTypes.Publishes = append([]string(nil), i.EventTypes.Publishes...)
	c.EventTypes.Subscribes = append([]string(nil), i.EventTypes.Subscribes...)
	if i.Metadata != nil {
		c.Metadata = make(map[string]interface{}, len(i.Metadata))
		for k, v := range i.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// HasStatus matches instances in status.
func HasStatus(status Status) specification.Specification[*Info] {
	return specification.Func[*Info](func(i *Info) bool { return i.Status == status })
}

// HasVersion matches instances at version.
func HasVersion(version string) specification.Specification[*Info] {
	return specification.Func[*Info](func(i *Info) bool { return i.Version == version })
}

// SeenBefore matches instances whose last heartbeat predates cutoff.
func SeenBefore(cutoff time.Time) specification.Specification[*Info] {
	return specification.Func[*Info](func(i *Info) bool { return i.LastSeen.Before(cutoff) })
}
