// Package deadletter keeps envelopes that exhausted their redelivery budget
// somewhere an operator can inspect and replay them.
package deadletter

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/narwhalmedia/switchboard/internal/config"
	"github.com/narwhalmedia/switchboard/internal/eventbus"
	"github.com/narwhalmedia/switchboard/pkg/codec"
	"github.com/narwhalmedia/switchboard/pkg/signal"
)

// storeTimeout bounds a single sink write.
const storeTimeout = 10 * time.Second

// Record is a dead-lettered envelope in storable form.
type Record struct {
	EventID    string    `json:"eventId"`
	EventType  string    `json:"eventType"`
	Source     string    `json:"source"`
	RoutingKey string    `json:"routingKey"`
	Attempts   int       `json:"attempts"`
	Error      string    `json:"error"`
	FailedAt   time.Time `json:"failedAt"`
	Envelope   []byte    `json:"envelope"`
}

// FromDeadLetter converts a bus dead-letter signal payload.
func FromDeadLetter(dl eventbus.DeadLetter) (Record, error) {
	if dl.Envelope == nil {
		return Record{}, fmt.Errorf("dead letter without envelope")
	}
	data, err := codec.Marshal(dl.Envelope)
	if err != nil {
		return Record{}, fmt.Errorf("encode envelope: %w", err)
	}
	rec := Record{
		EventID:    dl.Envelope.Event.ID,
		EventType:  dl.Envelope.Event.Type,
		Source:     dl.Envelope.Event.Source,
		RoutingKey: dl.Envelope.RoutingKey,
		Attempts:   dl.Envelope.DeliveryInfo.Attempt,
		FailedAt:   dl.FailedAt.UTC(),
		Envelope:   data,
	}
	if dl.Err != nil {
		rec.Error = dl.Err.Error()
	}
	return rec, nil
}

// Sink stores dead-lettered records.
type Sink interface {
	Store(ctx context.Context, rec Record) error
	Close() error
}

// Attach stores every dead_letter signal of emitter in sink. The returned
// function detaches.
func Attach(emitter *signal.Emitter, sink Sink, logger *zap.Logger) func() {
	logger = logger.Named("deadletter")
	return emitter.On(func(sig signal.Signal) {
		dl, ok := sig.Payload.(eventbus.DeadLetter)
		if !ok {
			return
		}
		rec, err := FromDeadLetter(dl)
		if err != nil {
			logger.Error("failed to convert dead letter", zap.Error(err))
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		if err := sink.Store(ctx, rec); err != nil {
			logger.Error("failed to store dead letter",
				zap.String("event_id", rec.EventID),
				zap.String("event_type", rec.EventType),
				zap.Error(err),
			)
			return
		}
		logger.Debug("dead letter stored",
			zap.String("event_id", rec.EventID),
			zap.String("event_type", rec.EventType),
		)
	}, eventbus.SignalDeadLetter)
}

// LogSink only logs. It is the sink of the "none" driver.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a log-only sink.
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger.Named("deadletter")}
}

// Store implements Sink.
func (s *LogSink) Store(_ context.Context, rec Record) error {
	s.logger.Warn("event dead-lettered",
		zap.String("event_id", rec.EventID),
		zap.String("event_type", rec.EventType),
		zap.String("routing_key", rec.RoutingKey),
		zap.Int("attempts", rec.Attempts),
		zap.String("error", rec.Error),
	)
	return nil
}

// Close implements Sink.
func (s *LogSink) Close() error { return nil }

// New opens the sink selected by cfg.Driver.
func New(cfg config.DeadLetterConfig, logger *zap.Logger) (Sink, error) {
	switch cfg.Driver {
	case "", "none":
		return NewLogSink(logger), nil
	case "gorm":
		db, err := OpenDB(cfg, logger)
		if err != nil {
			return nil, err
		}
		return NewGormSink(db, logger)
	case "nats":
		return DialNATS(cfg, logger)
	case "kafka":
		return DialKafka(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown dead letter driver: %q", cfg.Driver)
	}
}
