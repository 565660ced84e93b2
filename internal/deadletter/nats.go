package deadletter

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/narwhalmedia/switchboard/internal/config"
)

// natsConn is the part of *nats.Conn the sink uses.
type natsConn interface {
	PublishMsg(m *nats.Msg) error
	FlushWithContext(ctx context.Context) error
	Drain() error
}

// NATSSink publishes each record on <subject>.<event type>.
type NATSSink struct {
	conn    natsConn
	subject string
	logger  *zap.Logger
}

// DialNATS connects to cfg.NATSURL.
func DialNATS(cfg config.DeadLetterConfig, logger *zap.Logger) (*NATSSink, error) {
	logger = logger.Named("deadletter")
	nc, err := nats.Connect(cfg.NATSURL,
		nats.Name("switchboard-deadletter"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Error("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return NewNATSSink(nc, cfg.Subject, logger), nil
}

// NewNATSSink wraps an open connection.
func NewNATSSink(conn natsConn, subject string, logger *zap.Logger) *NATSSink {
	return &NATSSink{conn: conn, subject: subject, logger: logger}
}

func (s *NATSSink) subjectFor(eventType string) string {
	if eventType == "" {
		return s.subject + ".unknown"
	}
	return s.subject + "." + eventType
}

// Store implements Sink. The record is flushed before returning.
func (s *NATSSink) Store(ctx context.Context, rec Record) error {
	msg := nats.NewMsg(s.subjectFor(rec.EventType))
	msg.Data = rec.Envelope
	msg.Header.Set(nats.MsgIdHdr, rec.EventID)
	msg.Header.Set("Event-Type", rec.EventType)
	msg.Header.Set("Routing-Key", rec.RoutingKey)
	msg.Header.Set("Attempts", strconv.Itoa(rec.Attempts))
	msg.Header.Set("Failed-At", rec.FailedAt.Format(time.RFC3339Nano))
	msg.Header.Set("Error", rec.Error)

	if err := s.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish dead letter: %w", err)
	}
	return s.conn.FlushWithContext(ctx)
}

// Close drains the connection.
func (s *NATSSink) Close() error {
	return s.conn.Drain()
}
