package redpanda

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-medsafe/pkg/workerpool"
)

// ConsumerConfig holds configuration for the Redpanda consumer. Offsets
// are always committed manually, and only for records the handler accepted.
type ConsumerConfig struct {
	// Brokers is a list of broker addresses
	Brokers []string
	// ClientID identifies the consuming service to the brokers
	ClientID string
	// GroupID is the consumer group ID
	GroupID string
	// Topics is the list of topics to consume
	Topics []string
	// SessionTimeoutMS is the session timeout
	SessionTimeoutMS int64
	// HeartbeatIntervalMS is the heartbeat interval
	HeartbeatIntervalMS int64
	// FetchMaxBytes is the maximum fetch size
	FetchMaxBytes int32
	// StartOffset is where a new group starts: earliest or latest
	StartOffset string
	// Concurrency is the number of partitions handled in parallel
	Concurrency int
}

// DefaultConsumerConfig returns defaults for the safety worker
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Brokers: []string{"localhost:9092"},
		GroupID: "medsafe-safety-worker",
		Topics: []string{
			TopicPrescriptionEvents,
			TopicPrescriptionFulfilled,
			TopicSafetyReports,
		},
		SessionTimeoutMS:    30000,
		HeartbeatIntervalMS: 3000,
		FetchMaxBytes:       52428800,
		StartOffset:         "earliest",
		Concurrency:         8,
	}
}

func (cfg ConsumerConfig) options(logger *zap.Logger) ([]kgo.Opt, error) {
	if cfg.GroupID == "" || len(cfg.Topics) == 0 {
		return nil, errors.New("consumer group and topics are required")
	}
	var reset kgo.Offset
	switch cfg.StartOffset {
	case "", "earliest":
		reset = kgo.NewOffset().AtStart()
	case "latest":
		reset = kgo.NewOffset().AtEnd()
	default:
		return nil, fmt.Errorf("unsupported start offset %q", cfg.StartOffset)
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.ConsumeResetOffset(reset),
		kgo.SessionTimeout(time.Duration(cfg.SessionTimeoutMS) * time.Millisecond),
		kgo.HeartbeatInterval(time.Duration(cfg.HeartbeatIntervalMS) * time.Millisecond),
		kgo.FetchMaxBytes(cfg.FetchMaxBytes),
		kgo.DisableAutoCommit(),
		kgo.AutoCommitMarks(),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
			logger.Info("partitions assigned", zap.Any("partitions", assigned))
		}),
		kgo.OnPartitionsRevoked(func(_ context.Context, _ *kgo.Client, revoked map[string][]int32) {
			logger.Info("partitions revoked", zap.Any("partitions", revoked))
		}),
	}
	if cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(cfg.ClientID))
	}
	return opts, nil
}

// MessageHandler is called for each consumed message. Returning an error
// rewinds the partition so the message is fetched again.
type MessageHandler func(ctx context.Context, msg *ConsumedMessage) error

// ConsumedMessage is a record as handed to a MessageHandler
type ConsumedMessage struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time
}

// Consumer reads from Redpanda, handling partitions concurrently on a worker
// pool while keeping records of one partition in order.
type Consumer struct {
	client  *kgo.Client
	logger  *zap.Logger
	tracer  trace.Tracer
	handler MessageHandler
	pool    *workerpool.Pool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewConsumer creates a new Redpanda consumer
func NewConsumer(cfg ConsumerConfig, handler MessageHandler, logger *zap.Logger) (*Consumer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if handler == nil {
		return nil, errors.New("message handler is required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConsumerConfig().Concurrency
	}

	opts, err := cfg.options(logger)
	if err != nil {
		return nil, err
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	c := &Consumer{
		client:  client,
		logger:  logger,
		tracer:  otel.Tracer("redpanda-consumer"),
		handler: handler,
		ctx:     ctx,
		cancel:  cancel,
	}

	c.pool, err = workerpool.New(workerpool.Config{
		Workers:   cfg.Concurrency,
		QueueSize: cfg.Concurrency * 4,
		// failed records are redelivered by rewinding, not retried in place
		MaxRetries: 0,
	}, c.runPartition, logger.Named("partitions"))
	if err != nil {
		cancel()
		client.Close()
		return nil, err
	}
	return c, nil
}

// Start begins consuming messages
func (c *Consumer) Start() {
	c.pool.Start()
	c.wg.Add(1)
	go c.consumeLoop()
}

// Stop gracefully stops the consumer
func (c *Consumer) Stop() error {
	c.cancel()
	c.wg.Wait()
	c.pool.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := c.client.CommitMarkedOffsets(ctx); err != nil {
		c.logger.Warn("error committing offsets on stop", zap.Error(err))
	}

	c.client.Close()
	return nil
}

// PoolStats reports the partition worker pool counters
func (c *Consumer) PoolStats() workerpool.Stats {
	return c.pool.Stats()
}

// Healthy reports whether the partition workers are keeping up
func (c *Consumer) Healthy() bool {
	return c.pool.IsHealthy()
}

func (c *Consumer) consumeLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		fetches := c.client.PollFetches(c.ctx)
		if fetches.IsClientClosed() {
			return
		}

		if errs := fetches.Errors(); len(errs) > 0 {
			for _, err := range errs {
				if errors.Is(err.Err, context.Canceled) {
					return
				}
				c.logger.Error("fetch error",
					zap.String("topic", err.Topic),
					zap.Int32("partition", err.Partition),
					zap.Error(err.Err))
			}
			continue
		}

		c.dispatch(fetches)

		if err := c.client.CommitMarkedOffsets(c.ctx); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Error("failed to commit offsets", zap.Error(err))
		}
	}
}

// dispatch hands every non-empty partition to the pool and waits for all of
// them so offsets are committed once per poll.
func (c *Consumer) dispatch(fetches kgo.Fetches) {
	var wg sync.WaitGroup
	fetches.EachPartition(func(p kgo.FetchTopicPartition) {
		if len(p.Records) == 0 {
			return
		}
		wg.Add(1)
		go func(p kgo.FetchTopicPartition) {
			defer wg.Done()
			task := &workerpool.Task{
				ID:      fmt.Sprintf("%s/%d@%d", p.Topic, p.Partition, p.Records[0].Offset),
				Payload: p,
				Context: c.ctx,
			}
			if _, err := c.pool.SubmitWait(c.ctx, task); err != nil && !errors.Is(err, context.Canceled) {
				c.logger.Error("partition dispatch failed", zap.String("task_id", task.ID), zap.Error(err))
			}
		}(p)
	})
	wg.Wait()
}

func (c *Consumer) runPartition(ctx context.Context, task *workerpool.Task) error {
	p := task.Payload.(kgo.FetchTopicPartition)
	for _, record := range p.Records {
		if err := c.processRecord(ctx, record); err != nil {
			c.rewind(record)
			return err
		}
	}
	return nil
}

// rewind moves the partition back to record so it is fetched again
func (c *Consumer) rewind(record *kgo.Record) {
	c.client.SetOffsets(map[string]map[int32]kgo.EpochOffset{
		record.Topic: {record.Partition: {Epoch: record.LeaderEpoch, Offset: record.Offset}},
	})
}

func (c *Consumer) processRecord(ctx context.Context, record *kgo.Record) error {
	ctx = extractTraceContext(ctx, record)
	ctx, span := c.tracer.Start(ctx, "process_message",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("topic", record.Topic),
			attribute.Int64("partition", int64(record.Partition)),
			attribute.Int64("offset", record.Offset),
		))
	defer span.End()

	msg := &ConsumedMessage{
		Topic:     record.Topic,
		Partition: record.Partition,
		Offset:    record.Offset,
		Key:       record.Key,
		Value:     record.Value,
		Headers:   make(map[string]string, len(record.Headers)),
		Timestamp: record.Timestamp,
	}
	for _, h := range record.Headers {
		msg.Headers[h.Key] = string(h.Value)
	}

	if err := c.handler(ctx, msg); err != nil {
		c.logger.Error("message handler failed",
			zap.String("topic", record.Topic),
			zap.Int32("partition", record.Partition),
			zap.Int64("offset", record.Offset),
			zap.Error(err))
		span.RecordError(err)
		return err
	}

	c.client.MarkCommitRecords(record)
	return nil
}
