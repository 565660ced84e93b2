package deadletter

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/narwhalmedia/switchboard/internal/config"
)

// KafkaSink produces each record to a topic, keyed by event id.
type KafkaSink struct {
	producer sarama.SyncProducer
	topic    string
	logger   *zap.Logger
}

// DialKafka creates a synchronous producer for cfg.KafkaBrokers.
func DialKafka(cfg config.DeadLetterConfig, logger *zap.Logger) (*KafkaSink, error) {
	producer, err := sarama.NewSyncProducer(cfg.KafkaBrokers, ProducerConfig())
	if err != nil {
		return nil, fmt.Errorf("creating producer: %w", err)
	}
	return NewKafkaSink(producer, cfg.Topic, logger), nil
}

// ProducerConfig is the sarama configuration the sink needs.
func ProducerConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Return.Successes = true
	return cfg
}

// NewKafkaSink wraps a producer.
func NewKafkaSink(producer sarama.SyncProducer, topic string, logger *zap.Logger) *KafkaSink {
	return &KafkaSink{producer: producer, topic: topic, logger: logger.Named("deadletter")}
}

// Store implements Sink. Sends are synchronous; ctx is checked first.
func (s *KafkaSink) Store(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: s.topic,
		Key:   sarama.StringEncoder(rec.EventID),
		Value: sarama.ByteEncoder(rec.Envelope),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event_type"), Value: []byte(rec.EventType)},
			{Key: []byte("routing_key"), Value: []byte(rec.RoutingKey)},
			{Key: []byte("attempts"), Value: []byte(strconv.Itoa(rec.Attempts))},
			{Key: []byte("failed_at"), Value: []byte(rec.FailedAt.Format(time.RFC3339Nano))},
			{Key: []byte("error"), Value: []byte(rec.Error)},
		},
	}
	partition, offset, err := s.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("sending message: %w", err)
	}
	s.logger.Debug("dead letter produced",
		zap.String("event_id", rec.EventID),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset),
	)
	return nil
}

// Close closes the producer.
func (s *KafkaSink) Close() error {
	return s.producer.Close()
}
