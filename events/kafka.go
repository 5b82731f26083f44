package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/CrashCraftNetwork/SessionManager/metrics"
)

const (
	kafkaMaxRetries     = 3
	kafkaInitialBackoff = 100 * time.Millisecond
	kafkaMaxBackoff     = 5 * time.Second
)

// KafkaPublisher publishes lifecycle events to a Kafka topic.
type KafkaPublisher struct {
	producer sarama.SyncProducer
	topic    string
	log      *zap.Logger
	mu       sync.RWMutex
	closed   bool
}

// NewKafkaPublisher creates a publisher backed by a synchronous producer.
func NewKafkaPublisher(brokers []string, topic string, log *zap.Logger) (*KafkaPublisher, error) {
	config := sarama.NewConfig()

	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = kafkaMaxRetries
	config.Producer.Return.Successes = true
	config.Producer.Compression = sarama.CompressionSnappy
	config.Producer.Flush.Frequency = 500 * time.Millisecond

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}

	return &KafkaPublisher{
		producer: producer,
		topic:    topic,
		log:      log,
	}, nil
}

// Publish sends one event with retry capability.
func (p *KafkaPublisher) Publish(ctx context.Context, event Event) error {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return fmt.Errorf("publisher is closed")
	}
	p.mu.RUnlock()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic:     p.topic,
		Key:       sarama.StringEncoder(event.User), // Partition by user
		Value:     sarama.ByteEncoder(data),
		Timestamp: event.Time,
	}

	operation := func() error {
		_, _, err := p.producer.SendMessage(msg)
		return err
	}

	backoffStrategy := backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewExponentialBackOff(
				backoff.WithInitialInterval(kafkaInitialBackoff),
				backoff.WithMaxInterval(kafkaMaxBackoff),
			),
			kafkaMaxRetries,
		),
		ctx,
	)

	err = backoff.RetryNotify(operation, backoffStrategy, func(err error, d time.Duration) {
		p.log.Warn("retrying Kafka event publish",
			zap.String("user", event.User),
			zap.Error(err),
			zap.Duration("next_attempt_in", d))
	})
	if err != nil {
		return err
	}

	metrics.EventsPublished.WithLabelValues(string(event.Type)).Inc()
	return nil
}

func (p *KafkaPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	if err := p.producer.Close(); err != nil {
		return fmt.Errorf("failed to close producer: %w", err)
	}
	return nil
}
