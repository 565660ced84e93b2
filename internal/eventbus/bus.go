// Package eventbus publishes typed events over the durable log and delivers
// them to local handlers through consumer groups and real-time channels.
package eventbus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/narwhalmedia/switchboard/internal/config"
	"github.com/narwhalmedia/switchboard/internal/domain/events"
	"github.com/narwhalmedia/switchboard/internal/substrate"
	"github.com/narwhalmedia/switchboard/pkg/codec"
	apperrors "github.com/narwhalmedia/switchboard/pkg/errors"
	"github.com/narwhalmedia/switchboard/pkg/signal"
)

const (
	streamPrefix   = "events:stream:"
	realtimePrefix = "events:live:"
	recordPrefix   = "events:record:"

	envelopeField = "envelope"
)

// StreamKey is the durable stream for a routing key.
func StreamKey(routingKey string) string { return streamPrefix + routingKey }

// ChannelKey is the real-time channel for a routing key.
func ChannelKey(routingKey string) string { return realtimePrefix + routingKey }

// RecordKey is the audit record of a published event.
func RecordKey(eventID string) string { return recordPrefix + eventID }

// Option configures a Bus.
type Option func(*Bus)

// WithClock overrides the time source used for expiry and breakers.
func WithClock(now func() time.Time) Option {
	return func(b *Bus) { b.now = now }
}

// WithSharedSubstrate leaves the substrate connections open on Close, for
// clients that other components still use.
func WithSharedSubstrate() Option {
	return func(b *Bus) { b.shared = true }
}

// Bus is the event bus. pub carries publishes and acks; sub carries the
// blocking consumer-group reads and the real-time subscription.
type Bus struct {
	pub    substrate.Client
	sub    substrate.Client
	cfg    config.EventBusConfig
	source string
	group  string
	name   string
	shared bool
	logger *zap.Logger

	signals  *signal.Emitter
	breakers *breakerSet
	now      func() time.Time

	// setupMu serializes consumer group and channel setup, which talks to
	// the substrate; mu only guards the maps.
	setupMu sync.Mutex

	mu       sync.RWMutex
	handlers map[string][]*Subscription
	groups   map[string]bool
	realtime substrate.Subscription
	running  bool
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	loops  sync.WaitGroup
	work   sync.WaitGroup

	retryMu sync.Mutex
	retries map[*time.Timer]struct{}

	stats counters
}

type counters struct {
	published     atomic.Uint64
	publishFailed atomic.Uint64
	handled       atomic.Uint64
	failed        atomic.Uint64
	expired       atomic.Uint64
	dropped       atomic.Uint64
	retried       atomic.Uint64
	deadLettered  atomic.Uint64
}

// Stats is a snapshot of bus activity.
type Stats struct {
	Published     uint64                     `json:"published"`
	PublishFailed uint64                     `json:"publishFailed"`
	Handled       uint64                     `json:"handled"`
	Failed        uint64                     `json:"failed"`
	Expired       uint64                     `json:"expired"`
	Dropped       uint64                     `json:"dropped"`
	Retried       uint64                     `json:"retried"`
	DeadLettered  uint64                     `json:"deadLettered"`
	Subscriptions int                        `json:"subscriptions"`
	Breakers      map[string]BreakerSnapshot `json:"breakers"`
}

// New creates a bus. source identifies this service on every published event.
func New(pub, sub substrate.Client, cfg config.EventBusConfig, source string, logger *zap.Logger, opts ...Option) *Bus {
	group := cfg.ConsumerGroup
	if group == "" {
		group = source
	}
	name := cfg.ConsumerName
	if name == "" {
		name = fmt.Sprintf("%s-%s", source, uuid.NewString()[:8])
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		pub:      pub,
		sub:      sub,
		cfg:      cfg,
		source:   source,
		group:    group,
		name:     name,
		logger:   logger.Named("eventbus"),
		signals:  signal.NewEmitter("eventbus", signal.DefaultConfig),
		breakers: newBreakerSet(cfg.BreakerThreshold, cfg.BreakerCooldown),
		now:      time.Now,
		handlers: make(map[string][]*Subscription),
		groups:   make(map[string]bool),
		ctx:      ctx,
		cancel:   cancel,
		retries:  make(map[*time.Timer]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Signals returns the bus signal emitter.
func (b *Bus) Signals() *signal.Emitter {
	return b.signals
}

// Connect verifies both substrate connections.
func (b *Bus) Connect(ctx context.Context) error {
	if err := b.pub.Ping(ctx); err != nil {
		b.signals.Emit(SignalError, nil, err)
		return apperrors.Connectivity("eventbus publish connection", err)
	}
	if err := b.sub.Ping(ctx); err != nil {
		b.signals.Emit(SignalError, nil, err)
		return apperrors.Connectivity("eventbus subscribe connection", err)
	}
	b.signals.Emit(SignalConnected, nil, nil)
	b.logger.Info("event bus connected",
		zap.String("group", b.group),
		zap.String("consumer", b.name),
	)
	return nil
}

// PublishOption customises a single publish.
type PublishOption func(*publishOptions)

type publishOptions struct {
	routingKey    string
	ttl           time.Duration
	correlationID string
	causationID   string
	metadata      map[string]interface{}
	headers       map[string]string
	version       int
}

// WithRoutingKey overrides the routing key, which defaults to the event type.
func WithRoutingKey(key string) PublishOption {
	return func(o *publishOptions) { o.routingKey = key }
}

// WithTTL overrides the default envelope lifetime.
func WithTTL(ttl time.Duration) PublishOption {
	return func(o *publishOptions) { o.ttl = ttl }
}

// WithCorrelationID links the event to a logical operation.
func WithCorrelationID(id string) PublishOption {
	return func(o *publishOptions) { o.correlationID = id }
}

// WithCausationID links the event to what produced it.
func WithCausationID(id string) PublishOption {
	return func(o *publishOptions) { o.causationID = id }
}

// WithMetadata attaches event metadata.
func WithMetadata(md map[string]interface{}) PublishOption {
	return func(o *publishOptions) { o.metadata = md }
}

// WithHeaders attaches envelope headers.
func WithHeaders(h map[string]string) PublishOption {
	return func(o *publishOptions) { o.headers = h }
}

// WithVersion sets the event schema version.
func WithVersion(v int) PublishOption {
	return func(o *publishOptions) { o.version = v }
}

// Publish builds an envelope and writes it to the durable stream and the
// real-time channel. The durable append must succeed; the real-time push is
// best effort.
func (b *Bus) Publish(ctx context.Context, eventType string, payload map[string]interface{}, opts ...PublishOption) (string, error) {
	if b.ctx.Err() != nil {
		return "", substrate.ErrClosed
	}
	o := publishOptions{ttl: b.cfg.DefaultTTL}
	for _, opt := range opts {
		opt(&o)
	}
	if o.routingKey == "" {
		o.routingKey = eventType
	}

	event := events.NewBaseEvent(eventType, b.source, payload)
	event = event.WithCorrelation(o.correlationID, o.causationID)
	if o.metadata != nil {
		event.Metadata = o.metadata
	}
	if o.version > 0 {
		event.Version = o.version
	}

	env := events.NewEnvelope(event, o.routingKey, b.cfg.MaxRetries, b.cfg.RetryDelay, 0)
	now := b.now().UTC()
	env.DeliveryInfo.PublishedAt = now
	if o.ttl > 0 {
		expires := now.Add(o.ttl)
		env.DeliveryInfo.ExpiresAt = &expires
	}
	for k, v := range o.headers {
		env.Headers[k] = v
	}

	if err := events.ValidateEnvelope(env); err != nil {
		b.publishFailed(env, err)
		return "", err
	}

	data, err := codec.Marshal(env)
	if err != nil {
		err = apperrors.Internal("encode envelope", err)
		b.publishFailed(env, err)
		return "", err
	}

	if b.cfg.PersistEvents {
		if err := b.pub.Set(ctx, RecordKey(event.ID), data, b.cfg.AuditTTL); err != nil {
			b.logger.Warn("failed to persist event record",
				zap.String("event_id", event.ID),
				zap.Error(err),
			)
		}
	}

	if err := b.append(ctx, env.RoutingKey, env.Event, data); err != nil {
		err = apperrors.Connectivity("append to stream", err)
		b.publishFailed(env, err)
		return "", err
	}

	if err := b.pub.Publish(ctx, ChannelKey(env.RoutingKey), data); err != nil {
		b.logger.Warn("real-time publish failed",
			zap.String("event_id", event.ID),
			zap.String("routing_key", env.RoutingKey),
			zap.Error(err),
		)
		b.signals.Emit(SignalError, env, err)
	}

	b.stats.published.Add(1)
	b.signals.Emit(SignalPublished, env, nil)
	b.logger.Debug("event published",
		zap.String("event_id", event.ID),
		zap.String("event_type", eventType),
		zap.String("routing_key", env.RoutingKey),
	)
	return event.ID, nil
}

func (b *Bus) append(ctx context.Context, routingKey string, event events.BaseEvent, data []byte) error {
	_, err := b.pub.Append(ctx, StreamKey(routingKey), map[string]string{
		envelopeField: string(data),
		"eventId":     event.ID,
		"eventType":   event.Type,
	}, b.cfg.MaxStreamLength)
	return err
}

func (b *Bus) publishFailed(env *events.EventEnvelope, err error) {
	b.stats.publishFailed.Add(1)
	b.signals.Emit(SignalPublishFailed, env, err)
	b.logger.Error("publish failed",
		zap.String("event_type", env.Event.Type),
		zap.String("routing_key", env.RoutingKey),
		zap.Error(err),
	)
}

// BreakerState returns the circuit breaker for an event type.
func (b *Bus) BreakerState(eventType string) BreakerSnapshot {
	return b.breakers.snapshot(eventType)
}

// Stats returns counters and breaker states.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	subs := 0
	for _, hs := range b.handlers {
		subs += len(hs)
	}
	b.mu.RUnlock()

	return Stats{
		Published:     b.stats.published.Load(),
		PublishFailed: b.stats.publishFailed.Load(),
		Handled:       b.stats.handled.Load(),
		Failed:        b.stats.failed.Load(),
		Expired:       b.stats.expired.Load(),
		Dropped:       b.stats.dropped.Load(),
		Retried:       b.stats.retried.Load(),
		DeadLettered:  b.stats.deadLettered.Load(),
		Subscriptions: subs,
		Breakers:      b.breakers.all(),
	}
}

// Close stops the consumer loops and pending retries, waits for in-flight
// handlers and closes both substrate connections.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	realtime := b.realtime
	b.mu.Unlock()

	b.cancel()

	b.retryMu.Lock()
	for t := range b.retries {
		t.Stop()
	}
	b.retries = make(map[*time.Timer]struct{})
	b.retryMu.Unlock()

	if realtime != nil {
		_ = realtime.Close()
	}

	done := make(chan struct{})
	go func() {
		b.loops.Wait()
		b.work.Wait()
		close(done)
	}()

	var waitErr error
	select {
	case <-done:
	case <-ctx.Done():
		waitErr = fmt.Errorf("eventbus close: %w", ctx.Err())
	}

	var closeErr error
	if !b.shared {
		if err := b.sub.Close(); err != nil {
			closeErr = err
		}
		if b.pub != b.sub {
			if err := b.pub.Close(); err != nil && closeErr == nil {
				closeErr = err
			}
		}
	}

	b.signals.Emit(SignalDisconnected, nil, closeErr)
	b.signals.Close()
	b.logger.Info("event bus closed")

	if waitErr != nil {
		return waitErr
	}
	return closeErr
}
