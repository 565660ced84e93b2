package registry

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/narwhalmedia/switchboard/internal/domain/service"
	"github.com/narwhalmedia/switchboard/internal/substrate"
	"github.com/narwhalmedia/switchboard/pkg/codec"
)

// NotificationChannel carries registry change notifications.
const NotificationChannel = "registry:events"

// NotificationType names a registry change.
type NotificationType string

const (
	NotificationRegistered    NotificationType = "registered"
	NotificationUpdated       NotificationType = "updated"
	NotificationUnregistered  NotificationType = "unregistered"
	NotificationStatusChanged NotificationType = "status_changed"
)

// Notification is broadcast on NotificationChannel after every change.
type Notification struct {
	Type           NotificationType `json:"type"`
	ServiceID      string           `json:"serviceId"`
	ServiceName    string           `json:"serviceName"`
	PreviousStatus service.Status   `json:"previousStatus,omitempty"`
	Status         service.Status   `json:"status,omitempty"`
	Timestamp      time.Time        `json:"timestamp"`
	Origin         string           `json:"origin"`
}

// notify broadcasts n when notifications are enabled. Failures are logged.
func (r *Registry) notify(ctx context.Context, n Notification) {
	if !r.cfg.Notifications {
		return
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = r.now().UTC()
	}
	n.Origin = r.origin

	data, err := codec.Marshal(n)
	if err != nil {
		r.logger.Warn("failed to encode notification", zap.Error(err))
		return
	}
	if err := r.kv.Publish(ctx, NotificationChannel, data); err != nil {
		r.logger.Warn("failed to publish notification",
			zap.String("type", string(n.Type)),
			zap.String("service_id", n.ServiceID),
			zap.Error(err),
		)
	}
}

// Watch streams notifications from every registry process until ctx is done.
func (r *Registry) Watch(ctx context.Context) (<-chan Notification, error) {
	sub, err := r.kv.Subscribe(ctx, NotificationChannel)
	if err != nil {
		return nil, err
	}

	out := make(chan Notification, 64)
	go func() {
		defer close(out)
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-sub.Channel():
				if !ok {
					return
				}
				var n Notification
				if err := codec.Unmarshal(msg.Payload, &n); err != nil {
					r.logger.Debug("dropping undecodable notification", zap.Error(err))
					continue
				}
				select {
				case out <- n:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// invalidateLoop drops cached records changed by other processes.
func (r *Registry) invalidateLoop(sub substrate.Subscription) {
	defer r.loops.Done()
	defer sub.Close()
	for {
		select {
		case <-r.ctx.Done():
			return
		case msg, ok := <-sub.Channel():
			if !ok {
				return
			}
			var n Notification
			if err := codec.Unmarshal(msg.Payload, &n); err != nil {
				continue
			}
			if n.Origin == r.origin {
				continue
			}
			r.cache.Remove(n.ServiceID)
		}
	}
}
