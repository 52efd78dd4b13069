package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ConsumerConfig holds consumer settings.
type ConsumerConfig struct {
	Brokers          []string
	GroupID          string
	Topics           []string
	SessionTimeoutMS int64
	StartOffset      string // "earliest" or "latest"
}

// DefaultConsumerConfig returns consumer defaults.
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Brokers:          []string{"localhost:9092"},
		SessionTimeoutMS: 30000,
		StartOffset:      "earliest",
	}
}

// Message is one consumed record.
type Message struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Timestamp time.Time
}

// Handler is called per consumed message. A returned error routes the
// record to the dead-letter topic when a publisher is configured;
// otherwise the offset stays uncommitted so the record is redelivered.
type Handler func(ctx context.Context, msg *Message) error

// DeadLetterer receives a copy of records whose handling permanently
// failed, so the partition can advance without losing the record.
type DeadLetterer interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// Consumer reads a consumer group and hands records to the handler,
// committing offsets only after successful handling or dead-lettering.
type Consumer struct {
	client     *kgo.Client
	config     ConsumerConfig
	handler    Handler
	deadLetter DeadLetterer
	logger     *zap.Logger
	tracer     trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewConsumer creates a consumer.
func NewConsumer(cfg ConsumerConfig, handler Handler, logger *zap.Logger) (*Consumer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if handler == nil {
		return nil, errors.New("message handler is required")
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.SessionTimeout(time.Duration(cfg.SessionTimeoutMS) * time.Millisecond),
		kgo.DisableAutoCommit(),
	}
	switch cfg.StartOffset {
	case "latest":
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()))
	default:
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		client:  client,
		config:  cfg,
		handler: handler,
		logger:  logger,
		tracer:  otel.Tracer("stream-consumer"),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// SetDeadLetter routes permanently failed records to the dead-letter
// topic. Call before Start.
func (c *Consumer) SetDeadLetter(p DeadLetterer) {
	c.deadLetter = p
}

// Start begins the poll loop.
func (c *Consumer) Start() {
	c.wg.Add(1)
	go c.pollLoop()
	c.logger.Info("consumer started",
		zap.String("group", c.config.GroupID),
		zap.Strings("topics", c.config.Topics))
}

// Stop shuts the consumer down and waits for the poll loop.
func (c *Consumer) Stop() {
	c.cancel()
	c.wg.Wait()
	c.client.Close()
	c.logger.Info("consumer stopped", zap.String("group", c.config.GroupID))
}

func (c *Consumer) pollLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		fetches := c.client.PollFetches(c.ctx)
		if fetches.IsClientClosed() || c.ctx.Err() != nil {
			return
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			c.logger.Error("fetch error",
				zap.String("topic", topic),
				zap.Int32("partition", partition),
				zap.Error(err))
		})

		var records []*kgo.Record
		fetches.EachRecord(func(record *kgo.Record) {
			records = append(records, record)
		})

		committable := c.collectCommits(records)
		if len(committable) > 0 {
			if err := c.client.CommitRecords(c.ctx, committable...); err != nil {
				c.logger.Error("offset commit failed", zap.Error(err))
			}
		}
	}
}

type topicPartition struct {
	topic     string
	partition int32
}

// collectCommits runs the handler over the records in order and returns
// the ones whose offsets may be committed. A failed record is published
// to the dead-letter topic and then committed; when no dead-letter copy
// can be made, the record and everything after it on the same partition
// stay uncommitted so they are redelivered rather than skipped.
func (c *Consumer) collectCommits(records []*kgo.Record) []*kgo.Record {
	blocked := make(map[topicPartition]bool)

	var committable []*kgo.Record
	for _, record := range records {
		tp := topicPartition{record.Topic, record.Partition}
		if blocked[tp] {
			continue
		}

		err := c.handleRecord(record)
		if err == nil {
			committable = append(committable, record)
			continue
		}
		c.logger.Error("message handling failed",
			zap.String("topic", record.Topic),
			zap.Int32("partition", record.Partition),
			zap.Int64("offset", record.Offset),
			zap.Error(err))

		if c.deadLetter != nil {
			if dlErr := c.sendToDeadLetter(record, err); dlErr == nil {
				committable = append(committable, record)
				continue
			} else {
				c.logger.Error("dead-letter publish failed",
					zap.String("topic", record.Topic),
					zap.Int64("offset", record.Offset),
					zap.Error(dlErr))
			}
		}
		blocked[tp] = true
	}
	return committable
}

// sendToDeadLetter publishes a failed record to the dead-letter topic
// with enough surrounding context to replay it.
func (c *Consumer) sendToDeadLetter(record *kgo.Record, cause error) error {
	envelope, err := json.Marshal(map[string]interface{}{
		"source_topic":     record.Topic,
		"source_partition": record.Partition,
		"source_offset":    record.Offset,
		"key":              string(record.Key),
		"payload":          record.Value,
		"error":            cause.Error(),
		"failed_at":        time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal dead-letter envelope: %w", err)
	}
	if err := c.deadLetter.Publish(c.ctx, TopicDeadLetter, string(record.Key), envelope); err != nil {
		return err
	}
	c.logger.Warn("record dead-lettered",
		zap.String("source_topic", record.Topic),
		zap.Int64("source_offset", record.Offset))
	return nil
}

func (c *Consumer) handleRecord(record *kgo.Record) error {
	ctx, span := c.tracer.Start(c.ctx, "stream_consume",
		trace.WithAttributes(
			attribute.String("topic", record.Topic),
			attribute.Int64("offset", record.Offset),
		))
	defer span.End()

	msg := &Message{
		Topic:     record.Topic,
		Partition: record.Partition,
		Offset:    record.Offset,
		Key:       record.Key,
		Value:     record.Value,
		Timestamp: record.Timestamp,
	}
	if err := c.handler(ctx, msg); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}
