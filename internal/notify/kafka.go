package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff/v4"
	"github.com/dkeye/FindIt/internal/domain"
	"github.com/rs/zerolog/log"
)

const (
	kafkaMaxRetries     = 3
	kafkaInitialBackoff = 100 * time.Millisecond
	kafkaMaxBackoff     = 5 * time.Second
)

func kafkaConfig() *sarama.Config {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = kafkaMaxRetries
	config.Producer.Return.Successes = true
	config.Producer.Compression = sarama.CompressionSnappy
	return config
}

func dialKafka(ctx context.Context, brokers []string, maxWait time.Duration) (sarama.SyncProducer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka publisher: no brokers configured")
	}
	config := kafkaConfig()
	var producer sarama.SyncProducer
	b := backoff.NewExponentialBackOff()
	if maxWait > 0 {
		b.MaxElapsedTime = maxWait
	}
	err := backoff.RetryNotify(func() error {
		p, err := sarama.NewSyncProducer(brokers, config)
		if err != nil {
			return err
		}
		producer = p
		return nil
	}, backoff.WithContext(b, ctx), func(err error, d time.Duration) {
		log.Warn().Err(err).Str("module", "notify").Dur("retry_in", d).Msg("kafka connect failed")
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}
	return producer, nil
}

// KafkaPublisher writes one record per event, keyed by call id so a call's
// events stay on one partition.
type KafkaPublisher struct {
	producer sarama.SyncProducer
	topic    string

	mu     sync.RWMutex
	closed bool
}

func NewKafkaPublisher(producer sarama.SyncProducer, topic string) *KafkaPublisher {
	return &KafkaPublisher{producer: producer, topic: topic}
}

func (p *KafkaPublisher) Publish(ctx context.Context, ev domain.CallEvent) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return fmt.Errorf("publisher is closed")
	}
	data, err := encode(ev)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(ev.CallID),
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte("status"), Value: []byte(ev.Status)},
		},
		Timestamp: ev.At,
	}
	operation := func() error {
		_, _, err := p.producer.SendMessage(msg)
		return err
	}
	strategy := backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewExponentialBackOff(
				backoff.WithInitialInterval(kafkaInitialBackoff),
				backoff.WithMaxInterval(kafkaMaxBackoff),
			),
			kafkaMaxRetries,
		),
		ctx,
	)
	if err := backoff.Retry(operation, strategy); err != nil {
		return fmt.Errorf("kafka publish %s: %w", ev.CallID, err)
	}
	published(TypeKafka, ev)
	return nil
}

func (p *KafkaPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.producer.Close()
}
