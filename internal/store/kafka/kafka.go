// Package kafka publishes sequenced messages to a Kafka topic. It is a
// write-only store: consumers downstream own retention and replay.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/IBM/sarama"

	"github.com/Tyrowin/chatcore/internal/chat"
)

// Config selects the brokers and topic.
type Config struct {
	Brokers []string `mapstructure:"brokers" yaml:"brokers"`
	Topic   string   `mapstructure:"topic" yaml:"topic"`
}

// Store sends each message as one record keyed by room. The hash
// partitioner maps a room to one partition, so consumers see a room's
// messages in hub order; the message id travels in the value and a header
// for deduplication.
type Store struct {
	producer sarama.SyncProducer
	topic    string
}

// Open connects a synchronous producer to cfg.Brokers.
func Open(cfg Config) (*Store, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: no brokers configured")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka: no topic configured")
	}

	sc := sarama.NewConfig()
	sc.ClientID = "chatcore"
	sc.Producer.Return.Successes = true
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Partitioner = sarama.NewHashPartitioner
	sc.Producer.Idempotent = true
	sc.Producer.Retry.Max = 3
	sc.Net.MaxOpenRequests = 1
	sc.Version = sarama.V2_1_0_0

	producer, err := sarama.NewSyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return NewWithProducer(producer, cfg.Topic), nil
}

// NewWithProducer wraps an existing producer.
func NewWithProducer(producer sarama.SyncProducer, topic string) *Store {
	return &Store{producer: producer, topic: topic}
}

// AppendMessage sends msg and waits for the broker to acknowledge it. The
// producer has its own timeouts; ctx is only checked before sending.
func (s *Store) AppendMessage(ctx context.Context, msg chat.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	_, _, err = s.producer.SendMessage(&sarama.ProducerMessage{
		Topic: s.topic,
		Key:   sarama.StringEncoder(msg.Room),
		Value: sarama.ByteEncoder(value),
		Headers: []sarama.RecordHeader{
			{Key: []byte("message_id"), Value: []byte(msg.ID)},
		},
	})
	if err != nil {
		return fmt.Errorf("send to kafka: %w", err)
	}
	return nil
}

// Close flushes and closes the producer.
func (s *Store) Close() error {
	return s.producer.Close()
}
