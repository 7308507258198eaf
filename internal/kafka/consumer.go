// Package kafka carries asynchronous submissions in and scoring run events out.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/koyon-nft/internal/config"
	"github.com/koyon-nft/internal/domain"
)

const submitTimeout = 10 * time.Second

// SubmissionHandler records guesses and raffle entries consumed from Kafka
type SubmissionHandler interface {
	SubmitBatch(ctx context.Context, batch []domain.Submission) domain.SubmissionResult
}

// IngestRecorder counts consumed submissions by type and outcome
type IngestRecorder interface {
	RecordIngest(kind, outcome string)
}

// Consumer drains the submissions topic through a consumer group
type Consumer struct {
	config   *config.KafkaConfig
	handler  SubmissionHandler
	recorder IngestRecorder
	logger   *slog.Logger
	group    sarama.ConsumerGroup
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewConsumer joins the configured consumer group. recorder may be nil.
func NewConsumer(cfg *config.KafkaConfig, handler SubmissionHandler, recorder IngestRecorder, logger *slog.Logger) (*Consumer, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Version = sarama.V3_0_0_0
	saramaConfig.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	saramaConfig.Consumer.Offsets.Initial = sarama.OffsetNewest
	saramaConfig.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("creating consumer group: %w", err)
	}

	return &Consumer{
		config:   cfg,
		handler:  handler,
		recorder: recorder,
		logger:   logger.With(slog.String("component", "kafka_consumer")),
		group:    group,
	}, nil
}

// Start consumes in the background until Stop is called. It returns
// immediately; partitions are claimed whenever the group rebalances.
func (c *Consumer) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	c.logger.Info("starting Kafka consumer",
		"brokers", c.config.Brokers,
		"topic", c.config.Topic,
		"group_id", c.config.GroupID,
	)

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		handler := &consumerGroupHandler{consumer: c}
		for ctx.Err() == nil {
			err := c.group.Consume(ctx, []string{c.config.Topic}, handler)
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return
			}
			if err != nil {
				c.logger.Error("consume session ended", "error", err)
				select {
				case <-ctx.Done():
				case <-time.After(c.config.RetryDelay):
				}
			}
		}
	}()

	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case err, ok := <-c.group.Errors():
				if !ok {
					return
				}
				c.logger.Error("consumer group error", "error", err)
			}
		}
	}()

	return nil
}

// Stop cancels consumption, waits for in-flight batches and leaves the group
func (c *Consumer) Stop() error {
	c.logger.Info("stopping Kafka consumer")
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	return c.group.Close()
}

func (c *Consumer) record(kind, outcome string, n int) {
	if c.recorder == nil {
		return
	}
	for i := 0; i < n; i++ {
		c.recorder.RecordIngest(kind, outcome)
	}
}

// decode parses one message into a submission that carries the fields its type needs
func (c *Consumer) decode(message *sarama.ConsumerMessage) (domain.Submission, bool) {
	var sub domain.Submission
	if err := json.Unmarshal(message.Value, &sub); err != nil {
		c.logger.Warn("undecodable submission",
			"error", err,
			"partition", message.Partition,
			"offset", message.Offset,
		)
		c.record("unknown", "malformed", 1)
		return sub, false
	}
	if !sub.Valid() {
		c.logger.Warn("incomplete submission",
			"type", sub.Type,
			"address", sub.Address,
			"offset", message.Offset,
		)
		c.record(sub.Type, "malformed", 1)
		return sub, false
	}
	return sub, true
}

// submit hands a batch to the game service
func (c *Consumer) submit(batch []domain.Submission) {
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), submitTimeout)
	defer cancel()

	result := c.handler.SubmitBatch(ctx, batch)
	c.record("batch", "accepted", result.Accepted)
	c.record("batch", "rejected", result.Rejected)
	c.logger.Debug("submission batch processed",
		"size", len(batch),
		"accepted", result.Accepted,
		"rejected", result.Rejected,
	)
}

// consumerGroupHandler implements sarama.ConsumerGroupHandler
type consumerGroupHandler struct {
	consumer *Consumer
}

func (h *consumerGroupHandler) Setup(session sarama.ConsumerGroupSession) error {
	h.consumer.logger.Info("partitions assigned", "claims", session.Claims())
	return nil
}

func (h *consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim batches submissions by size or age. A message is marked once
// it has been decoded; rejected submissions are not redelivered.
func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	cfg := h.consumer.config
	batch := make([]domain.Submission, 0, cfg.BatchSize)
	flush := time.NewTicker(cfg.BatchTimeout)
	defer flush.Stop()

	submit := func() {
		h.consumer.submit(batch)
		batch = batch[:0]
	}

	for {
		select {
		case <-session.Context().Done():
			submit()
			return nil

		case <-flush.C:
			submit()

		case message, ok := <-claim.Messages():
			if !ok {
				submit()
				return nil
			}
			if sub, valid := h.consumer.decode(message); valid {
				batch = append(batch, sub)
			}
			session.MarkMessage(message, "")
			if len(batch) >= cfg.BatchSize {
				submit()
			}
		}
	}
}
