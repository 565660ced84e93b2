package eventbus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/narwhalmedia/switchboard/internal/domain/events"
	"github.com/narwhalmedia/switchboard/internal/substrate"
	"github.com/narwhalmedia/switchboard/pkg/codec"
	apperrors "github.com/narwhalmedia/switchboard/pkg/errors"
	"github.com/narwhalmedia/switchboard/pkg/logger"
)

// readErrorBackoff is the pause after a failed consumer-group read.
const readErrorBackoff = time.Second

// pollLoop reads the consumer group until the bus is closed. The blocking
// read is bounded by IdleTimeout so shutdown is observed promptly.
func (b *Bus) pollLoop() {
	defer b.loops.Done()
	ctx := b.ctx

	for {
		if ctx.Err() != nil {
			return
		}

		streams := b.subscribedStreams()
		if len(streams) == 0 {
			if !b.sleep(ctx, b.idleTimeout()) {
				return
			}
			continue
		}

		msgs, err := b.sub.ReadGroup(ctx, substrate.ReadGroupArgs{
			Group:    b.group,
			Consumer: b.name,
			Streams:  streams,
			Count:    int64(b.cfg.BatchSize),
			Block:    b.idleTimeout(),
		})
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, substrate.ErrClosed) {
				return
			}
			b.signals.Emit(SignalError, nil, err)
			b.logger.Error("failed to read consumer group",
				zap.String("group", b.group),
				zap.Strings("streams", streams),
				zap.Error(err),
			)
			if !b.sleep(ctx, readErrorBackoff) {
				return
			}
			continue
		}

		for _, msg := range msgs {
			b.handleStreamMessage(ctx, msg)
		}
	}
}

func (b *Bus) idleTimeout() time.Duration {
	if b.cfg.IdleTimeout > 0 {
		return b.cfg.IdleTimeout
	}
	return 5 * time.Second
}

func (b *Bus) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// realtimeLoop dispatches real-time pushes until the subscription closes.
func (b *Bus) realtimeLoop(rt substrate.Subscription) {
	defer b.loops.Done()
	ctx := b.ctx

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-rt.Channel():
			if !ok {
				return
			}
			env, err := decodeEnvelope([]byte(msg.Payload))
			if err != nil {
				b.logger.Warn("dropping undecodable real-time message",
					zap.String("channel", msg.Channel),
					zap.Error(err),
				)
				continue
			}
			b.work.Add(1)
			b.processEvent(ctx, env, false)
			b.work.Done()
		}
	}
}

// handleStreamMessage processes one consumer-group entry and always acks it.
// Failed deliveries are retried as new entries, not by redelivery.
func (b *Bus) handleStreamMessage(ctx context.Context, msg substrate.StreamMessage) {
	b.work.Add(1)
	defer b.work.Done()

	env, err := decodeEnvelope([]byte(msg.Values[envelopeField]))
	if err != nil {
		b.signals.Emit(SignalError, nil, err)
		b.logger.Error("dropping undecodable stream entry",
			zap.String("stream", msg.Stream),
			zap.String("entry_id", msg.ID),
			zap.Error(err),
		)
	} else {
		b.processEvent(ctx, env, true)
	}

	ackCtx := context.WithoutCancel(ctx)
	if err := b.pub.Ack(ackCtx, msg.Stream, b.group, msg.ID); err != nil {
		b.signals.Emit(SignalError, nil, err)
		b.logger.Error("failed to ack entry",
			zap.String("stream", msg.Stream),
			zap.String("entry_id", msg.ID),
			zap.Error(err),
		)
	}
}

func decodeEnvelope(data []byte) (*events.EventEnvelope, error) {
	var env events.EventEnvelope
	if err := codec.Unmarshal(data, &env); err != nil {
		return nil, apperrors.Validation(fmt.Sprintf("decode envelope: %v", err))
	}
	if err := events.ValidateEnvelope(&env); err != nil {
		return nil, err
	}
	return &env, nil
}

// processEvent delivers one envelope to every matching handler concurrently.
// fromLog marks durable deliveries, the only ones that are retried.
func (b *Bus) processEvent(ctx context.Context, env *events.EventEnvelope, fromLog bool) {
	now := b.now()
	eventType := env.Event.Type

	if env.Expired(now) {
		b.stats.expired.Add(1)
		b.signals.Emit(SignalExpired, env, nil)
		b.logger.Debug("dropping expired event",
			zap.String("event_id", env.Event.ID),
			zap.String("event_type", eventType),
		)
		return
	}

	if !b.breakers.allow(eventType, now) {
		b.stats.dropped.Add(1)
		b.signals.Emit(SignalCircuitOpen, env, nil)
		b.logger.Debug("circuit open, dropping event",
			zap.String("event_id", env.Event.ID),
			zap.String("event_type", eventType),
		)
		return
	}

	subs := b.handlersFor(env)
	if len(subs) == 0 {
		b.breakers.release(eventType)
		return
	}

	errs := make([]error, len(subs))
	var g errgroup.Group
	for i, s := range subs {
		i, s := i, s
		g.Go(func() error {
			errs[i] = b.invoke(ctx, s, env)
			return nil
		})
	}
	_ = g.Wait()

	if !fromLog {
		return
	}
	if cause := errors.Join(errs...); cause != nil {
		b.scheduleRetry(env, cause)
	}
}

// invoke runs one handler and feeds its outcome into the breaker.
func (b *Bus) invoke(ctx context.Context, s *Subscription, env *events.EventEnvelope) (err error) {
	eventType := env.Event.Type
	log := logger.WithCorrelation(b.logger.With(
		zap.String("event_id", env.Event.ID),
		zap.String("event_type", eventType),
		zap.Int("attempt", env.DeliveryInfo.Attempt),
		zap.String("subscription", s.name),
	), env.Event.CorrelationID, env.Event.CausationID)
	ctx = logger.WithContext(ctx, log)

	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("handler panic: %v", r)
			}
		}()
		err = s.handler(ctx, env)
	}()

	if err == nil {
		b.breakers.success(eventType)
		b.stats.handled.Add(1)
		b.signals.Emit(SignalHandlerSucceeded, env, nil)
		return nil
	}

	err = apperrors.Handler(eventType, err)
	b.stats.failed.Add(1)
	if opened := b.breakers.failure(eventType, b.now()); opened {
		b.signals.Emit(SignalCircuitOpened, eventType, err)
		log.Warn("circuit opened")
	}
	b.signals.Emit(SignalHandlerFailed, env, err)
	log.Error("handler failed", zap.Error(err))

	if s.onError != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error("error handler panicked", zap.Any("panic", r))
				}
			}()
			if cbErr := s.onError(ctx, env, err); cbErr != nil {
				log.Warn("error handler failed", zap.Error(cbErr))
			}
		}()
	}
	return err
}

// scheduleRetry re-appends the next attempt after retryDelay*2^(attempt-1),
// or emits a dead letter when the attempts are exhausted.
func (b *Bus) scheduleRetry(env *events.EventEnvelope, cause error) {
	if !env.CanRetry() {
		b.stats.deadLettered.Add(1)
		b.signals.Emit(SignalDeadLetter, DeadLetter{Envelope: env, Err: cause, FailedAt: b.now()}, cause)
		b.logger.Warn("event exhausted retries",
			zap.String("event_id", env.Event.ID),
			zap.String("event_type", env.Event.Type),
			zap.Int("attempts", env.DeliveryInfo.Attempt),
			zap.Error(cause),
		)
		return
	}

	delay := env.BackoffDelay()
	next := env.NextAttempt()

	b.retryMu.Lock()
	defer b.retryMu.Unlock()
	if b.ctx.Err() != nil {
		return
	}

	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		b.retryMu.Lock()
		_, pending := b.retries[timer]
		delete(b.retries, timer)
		b.retryMu.Unlock()
		if !pending {
			return
		}
		b.redeliver(next)
	})
	b.retries[timer] = struct{}{}

	b.stats.retried.Add(1)
	b.signals.Emit(SignalRetryScheduled, RetryInfo{Envelope: next, Delay: delay}, cause)
	b.logger.Info("retry scheduled",
		zap.String("event_id", env.Event.ID),
		zap.Int("next_attempt", next.DeliveryInfo.Attempt),
		zap.Duration("delay", delay),
	)
}

func (b *Bus) redeliver(env *events.EventEnvelope) {
	data, err := codec.Marshal(env)
	if err != nil {
		b.signals.Emit(SignalError, env, err)
		return
	}
	if err := b.append(b.ctx, env.RoutingKey, env.Event, data); err != nil {
		if b.ctx.Err() != nil {
			return
		}
		b.signals.Emit(SignalError, env, err)
		b.logger.Error("failed to re-append retry",
			zap.String("event_id", env.Event.ID),
			zap.Int("attempt", env.DeliveryInfo.Attempt),
			zap.Error(err),
		)
	}
}
