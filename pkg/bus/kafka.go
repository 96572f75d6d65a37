package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"

	"github.com/powerdaemonhq/powerdaemon/pkg/config"
)

// KafkaProducer is a Kafka-backed Publisher.
type KafkaProducer struct {
	producer sarama.SyncProducer
	logger   *slog.Logger
}

// NewKafkaProducer creates a new Kafka producer.
func NewKafkaProducer(cfg config.KafkaConfig) (*KafkaProducer, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Producer.RequiredAcks = sarama.WaitForAll
	saramaConfig.Producer.Retry.Max = 5
	saramaConfig.Producer.Return.Successes = true
	saramaConfig.Producer.Compression = sarama.CompressionSnappy

	producer, err := sarama.NewSyncProducer(cfg.Brokers, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}

	return &KafkaProducer{
		producer: producer,
		logger:   slog.Default().With("component", "kafka-producer"),
	}, nil
}

// Publish publishes a message to the given topic.
func (p *KafkaProducer) Publish(ctx context.Context, topic, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(data),
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}

	p.logger.Debug("message published",
		"topic", topic,
		"key", key,
		"partition", partition,
		"offset", offset,
	)

	return nil
}

// Close closes the producer.
func (p *KafkaProducer) Close() error {
	if p.producer != nil {
		return p.producer.Close()
	}
	return nil
}

// Health checks the Kafka connection health.
func (p *KafkaProducer) Health(ctx context.Context, brokers []string) error {
	cfg := sarama.NewConfig()
	cfg.Net.DialTimeout = 5 * time.Second

	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return fmt.Errorf("failed to connect to Kafka: %w", err)
	}
	defer client.Close()

	return nil
}

// KafkaConsumer is a Kafka consumer-group-backed Subscriber.
type KafkaConsumer struct {
	consumer sarama.ConsumerGroup
	logger   *slog.Logger
}

// consumerGroupHandler implements sarama.ConsumerGroupHandler.
type consumerGroupHandler struct {
	handler MessageHandler
	logger  *slog.Logger
}

// Setup is called at the beginning of a new session.
func (h *consumerGroupHandler) Setup(sarama.ConsumerGroupSession) error {
	return nil
}

// Cleanup is called at the end of a session.
func (h *consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim processes messages from a partition.
func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		ctx := context.Background()

		headers := make(map[string]string)
		for _, header := range msg.Headers {
			headers[string(header.Key)] = string(header.Value)
		}

		message := Message{
			Key:       string(msg.Key),
			Value:     msg.Value,
			Topic:     msg.Topic,
			Partition: msg.Partition,
			Offset:    msg.Offset,
			Timestamp: msg.Timestamp,
			Headers:   headers,
		}

		if err := h.handler(ctx, message); err != nil {
			h.logger.Error("failed to process message",
				"topic", msg.Topic,
				"partition", msg.Partition,
				"offset", msg.Offset,
				"error", err,
			)
			// Continue processing other messages
			continue
		}

		session.MarkMessage(msg, "")
	}

	return nil
}

// NewKafkaConsumer creates a new Kafka consumer.
func NewKafkaConsumer(cfg config.KafkaConfig) (*KafkaConsumer, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	saramaConfig.Consumer.Offsets.Initial = sarama.OffsetNewest
	saramaConfig.Consumer.Offsets.AutoCommit.Enable = true
	saramaConfig.Consumer.Offsets.AutoCommit.Interval = 1 * time.Second

	consumer, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.ConsumerGroup, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka consumer: %w", err)
	}

	return &KafkaConsumer{
		consumer: consumer,
		logger:   slog.Default().With("component", "kafka-consumer"),
	}, nil
}

// Subscribe subscribes to the given topics and processes messages with the handler.
func (c *KafkaConsumer) Subscribe(ctx context.Context, topics []string, handler MessageHandler) error {
	groupHandler := &consumerGroupHandler{
		handler: handler,
		logger:  c.logger,
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			if err := c.consumer.Consume(ctx, topics, groupHandler); err != nil {
				c.logger.Error("consumer error", "error", err)
				return fmt.Errorf("consumer error: %w", err)
			}
		}
	}
}

// Close closes the consumer.
func (c *KafkaConsumer) Close() error {
	if c.consumer != nil {
		return c.consumer.Close()
	}
	return nil
}
