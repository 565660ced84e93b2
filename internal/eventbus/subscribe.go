package eventbus

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/narwhalmedia/switchboard/internal/domain/events"
	"github.com/narwhalmedia/switchboard/internal/substrate"
	apperrors "github.com/narwhalmedia/switchboard/pkg/errors"
)

// Handler processes a delivered envelope.
type Handler func(ctx context.Context, env *events.EventEnvelope) error

// ErrorHandler is called after a handler fails. Its own error is logged
// and otherwise ignored.
type ErrorHandler func(ctx context.Context, env *events.EventEnvelope, err error) error

// SubscribeOption customises a subscription.
type SubscribeOption func(*Subscription)

// WithErrorHandler sets the failure callback.
func WithErrorHandler(fn ErrorHandler) SubscribeOption {
	return func(s *Subscription) { s.onError = fn }
}

// WithName labels the subscription in logs.
func WithName(name string) SubscribeOption {
	return func(s *Subscription) { s.name = name }
}

// Subscription is a registered handler.
type Subscription struct {
	bus     *Bus
	types   []string
	name    string
	handler Handler
	onError ErrorHandler
	once    sync.Once
}

// EventTypes returns the subscribed event types.
func (s *Subscription) EventTypes() []string {
	return append([]string(nil), s.types...)
}

// Unsubscribe removes the handler from every subscribed type.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() { s.bus.unsubscribe(s) })
}

// Subscribe registers handler for each event type, ensures a consumer group
// on each type's stream and starts the consumer loops.
func (b *Bus) Subscribe(ctx context.Context, eventTypes []string, handler Handler, opts ...SubscribeOption) (*Subscription, error) {
	if len(eventTypes) == 0 {
		return nil, apperrors.Validation("at least one event type is required")
	}
	if handler == nil {
		return nil, apperrors.Validation("handler is required")
	}

	s := &Subscription{
		bus:     b,
		types:   append([]string(nil), eventTypes...),
		handler: handler,
	}
	for _, opt := range opts {
		opt(s)
	}

	for _, t := range eventTypes {
		if t == "" {
			return nil, apperrors.Validation("event type must not be empty")
		}
	}

	b.setupMu.Lock()
	defer b.setupMu.Unlock()

	b.mu.RLock()
	closed := b.closed
	var missing, newChannels []string
	for _, t := range eventTypes {
		if !b.groups[t] {
			missing = append(missing, t)
		}
		if len(b.handlers[t]) == 0 {
			newChannels = append(newChannels, ChannelKey(t))
		}
	}
	b.mu.RUnlock()
	if closed {
		return nil, substrate.ErrClosed
	}

	for _, t := range missing {
		err := b.sub.CreateGroup(ctx, StreamKey(t), b.group)
		if err != nil && !errors.Is(err, substrate.ErrGroupExists) {
			b.signals.Emit(SignalError, nil, err)
			return nil, apperrors.Connectivity("create consumer group for "+t, err)
		}
		b.mu.Lock()
		b.groups[t] = true
		b.mu.Unlock()
	}

	if b.cfg.Realtime && len(newChannels) > 0 {
		if err := b.subscribeRealtime(ctx, newChannels); err != nil {
			b.signals.Emit(SignalError, nil, err)
			return nil, apperrors.Connectivity("subscribe real-time channels", err)
		}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, substrate.ErrClosed
	}
	for _, t := range eventTypes {
		b.handlers[t] = append(b.handlers[t], s)
	}
	startPoll := !b.running
	if startPoll {
		b.running = true
		b.loops.Add(1)
	}
	b.mu.Unlock()
	if startPoll {
		go b.pollLoop()
	}

	b.logger.Info("subscribed",
		zap.Strings("event_types", eventTypes),
		zap.String("subscription", s.name),
	)
	return s, nil
}

// subscribeRealtime is called with b.setupMu held.
func (b *Bus) subscribeRealtime(ctx context.Context, channels []string) error {
	b.mu.RLock()
	rt := b.realtime
	b.mu.RUnlock()
	if rt != nil {
		return rt.Subscribe(ctx, channels...)
	}

	rt, err := b.sub.Subscribe(ctx, channels...)
	if err != nil {
		return err
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		_ = rt.Close()
		return substrate.ErrClosed
	}
	b.realtime = rt
	b.loops.Add(1)
	b.mu.Unlock()
	go b.realtimeLoop(rt)
	return nil
}

func (b *Bus) unsubscribe(s *Subscription) {
	b.setupMu.Lock()
	defer b.setupMu.Unlock()

	b.mu.Lock()
	var dropped []string
	for _, t := range s.types {
		hs := b.handlers[t]
		for i, h := range hs {
			if h == s {
				hs = append(hs[:i:i], hs[i+1:]...)
				break
			}
		}
		if len(hs) == 0 {
			delete(b.handlers, t)
			dropped = append(dropped, ChannelKey(t))
		} else {
			b.handlers[t] = hs
		}
	}
	rt := b.realtime
	closed := b.closed
	b.mu.Unlock()

	if rt != nil && len(dropped) > 0 && !closed {
		if err := rt.Unsubscribe(b.ctx, dropped...); err != nil {
			b.logger.Warn("failed to drop real-time channels", zap.Strings("channels", dropped), zap.Error(err))
		}
	}
	b.logger.Info("unsubscribed", zap.Strings("event_types", s.types), zap.String("subscription", s.name))
}

// subscribedStreams lists the streams the poll loop reads.
func (b *Bus) subscribedStreams() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.handlers))
	for t := range b.handlers {
		out = append(out, StreamKey(t))
	}
	return out
}

// handlersFor returns the subscriptions matching the envelope's event type
// and, when it differs, its routing key.
func (b *Bus) handlersFor(env *events.EventEnvelope) []*Subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := append([]*Subscription(nil), b.handlers[env.Event.Type]...)
	if env.RoutingKey != env.Event.Type {
		for _, s := range b.handlers[env.RoutingKey] {
			dup := false
			for _, o := range out {
				if o == s {
					dup = true
					break
				}
			}
			if !dup {
				out = append(out, s)
			}
		}
	}
	return out
}
