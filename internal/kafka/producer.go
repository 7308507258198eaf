package kafka

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/IBM/sarama"
	"github.com/koyon-nft/internal/config"
	"github.com/koyon-nft/internal/domain"
)

// Publisher announces completed scoring runs on the runs topic
type Publisher struct {
	topic    string
	producer sarama.SyncProducer
	logger   *slog.Logger
}

// NewPublisher creates a synchronous producer for run events
func NewPublisher(cfg *config.KafkaConfig, logger *slog.Logger) (*Publisher, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Version = sarama.V3_0_0_0
	saramaConfig.Producer.RequiredAcks = sarama.WaitForAll
	saramaConfig.Producer.Retry.Max = cfg.RetryAttempts
	saramaConfig.Producer.Retry.Backoff = cfg.RetryDelay
	saramaConfig.Producer.Return.Successes = true
	saramaConfig.Producer.Idempotent = true
	saramaConfig.Net.MaxOpenRequests = 1

	producer, err := sarama.NewSyncProducer(cfg.Brokers, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("creating producer: %w", err)
	}
	return NewPublisherFromProducer(cfg.RunsTopic, producer, logger), nil
}

// NewPublisherFromProducer wraps an existing producer
func NewPublisherFromProducer(topic string, producer sarama.SyncProducer, logger *slog.Logger) *Publisher {
	return &Publisher{
		topic:    topic,
		producer: producer,
		logger:   logger.With(slog.String("component", "kafka_publisher")),
	}
}

// PublishRunCompleted sends the event keyed by day so a day's runs stay ordered
func (p *Publisher) PublishRunCompleted(summary *domain.RunSummary, result domain.Outcome) error {
	event := domain.RunCompletedEvent{
		RunID:        summary.RunID,
		Day:          summary.Day,
		Version:      summary.RunVersion,
		Result:       result,
		UsersUpdated: summary.UsersUpdated,
		Timestamp:    time.Now().UTC(),
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling run event: %w", err)
	}

	partition, offset, err := p.producer.SendMessage(&sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(summary.Day.String()),
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte("run_version"), Value: []byte(strconv.FormatInt(summary.RunVersion, 10))},
		},
	})
	if err != nil {
		return fmt.Errorf("publishing run event: %w", err)
	}

	p.logger.Debug("run event published",
		"day", summary.Day.String(),
		"version", summary.RunVersion,
		"partition", partition,
		"offset", offset,
	)
	return nil
}

// Close closes the producer
func (p *Publisher) Close() error {
	return p.producer.Close()
}
