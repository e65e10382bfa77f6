// Package events ships completed conversation turns to Kafka so downstream
// consumers (analytics, quality review) can replay what was said.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/doloresvoice/dolores/server/domain/repositories"
	"github.com/doloresvoice/dolores/server/internal/observability/metrics"
)

// Kafka publishes turn events to a single topic. Writes are asynchronous so
// a slow or unreachable broker never stalls the voice pipeline; delivery
// failures surface through the completion callback and a counter.
type Kafka struct {
	writer *kafka.Writer
	logger *zap.Logger
}

var _ repositories.TranscriptPublisher = (*Kafka)(nil)

// NewPublisher returns a Kafka publisher when brokers are configured and a
// no-op publisher otherwise, so callers never branch on deployment mode.
func NewPublisher(brokers []string, topic string, logger *zap.Logger) repositories.TranscriptPublisher {
	if len(brokers) == 0 {
		logger.Info("Turn event publishing disabled, no Kafka brokers configured")
		return Noop{}
	}
	return NewKafka(brokers, topic, logger)
}

// NewKafka creates a publisher backed by the given brokers and topic.
func NewKafka(brokers []string, topic string, logger *zap.Logger) *Kafka {
	k := &Kafka{logger: logger}
	k.writer = &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		RequiredAcks: kafka.RequireOne,
		Async:        true,
		Completion:   k.onCompletion,
	}
	logger.Info("Turn event publishing enabled",
		zap.Strings("brokers", brokers),
		zap.String("topic", topic),
	)
	return k
}

// Publish enqueues one turn event. The session ID keys the message so all
// turns of a session land on the same partition, preserving their order.
func (k *Kafka) Publish(ctx context.Context, event repositories.TurnEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		metrics.TurnEventsPublished.WithLabelValues("error").Inc()
		return err
	}

	msg := kafka.Message{
		Key:   []byte(event.SessionKey()),
		Value: payload,
		Time:  event.At,
		Headers: []kafka.Header{
			{Key: "content-type", Value: []byte("application/json")},
		},
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		metrics.TurnEventsPublished.WithLabelValues("error").Inc()
		return err
	}
	metrics.TurnEventsPublished.WithLabelValues("ok").Inc()
	return nil
}

func (k *Kafka) onCompletion(messages []kafka.Message, err error) {
	if err == nil {
		return
	}
	metrics.TurnEventsPublished.WithLabelValues("failed").Inc()
	k.logger.Warn("Failed to deliver turn events",
		zap.Int("count", len(messages)),
		zap.Error(err),
	)
}

// Close flushes pending messages and releases the writer.
func (k *Kafka) Close() error {
	return k.writer.Close()
}

// Noop discards turn events. Used when Kafka is not configured.
type Noop struct{}

var _ repositories.TranscriptPublisher = Noop{}

func (Noop) Publish(ctx context.Context, event repositories.TurnEvent) error { return nil }

func (Noop) Close() error { return nil }
