package kafka

import (
	"context"
	"errors"
	"time"

	"github.com/AshkanYarmoradi/go-stoat"
	"github.com/AshkanYarmoradi/go-stoat/adapters"
	"github.com/AshkanYarmoradi/go-stoat/serializer/msgpack"
	kafkago "github.com/segmentio/kafka-go"
)

// DefaultGroup is the consumer group used when none is configured.
const DefaultGroup = "stoat-warm-writer"

// Consumer writes queued persistence tasks to a warm store.
type Consumer struct {
	reader     messageReader
	warm       adapters.WarmStore
	serializer stoat.Serializer
	retry      stoat.RetryConfig
	timeout    time.Duration
	logger     stoat.Logger
	onFailure  func(stoat.PersistenceTask, error)
	backlog    stoat.EventRangeReader
	parked     *stoat.ParkedTasks
}

// ConsumerOption configures a Consumer.
type ConsumerOption func(*consumerConfig)

type consumerConfig struct {
	brokers    []string
	topic      string
	group      string
	serializer stoat.Serializer
	retry      stoat.RetryConfig
	timeout    time.Duration
	logger     stoat.Logger
	onFailure  func(stoat.PersistenceTask, error)
	backlog    stoat.EventRangeReader
}

// WithConsumerBrokers sets the Kafka broker addresses.
func WithConsumerBrokers(brokers ...string) ConsumerOption {
	return func(c *consumerConfig) {
		c.brokers = brokers
	}
}

// WithConsumerTopic sets the topic to read.
func WithConsumerTopic(topic string) ConsumerOption {
	return func(c *consumerConfig) {
		c.topic = topic
	}
}

// WithGroup sets the consumer group id.
func WithGroup(group string) ConsumerOption {
	return func(c *consumerConfig) {
		c.group = group
	}
}

// WithConsumerSerializer sets the task codec. It must match the producer's.
func WithConsumerSerializer(s stoat.Serializer) ConsumerOption {
	return func(c *consumerConfig) {
		c.serializer = s
	}
}

// WithRetry sets the retry policy for warm writes.
func WithRetry(cfg stoat.RetryConfig) ConsumerOption {
	return func(c *consumerConfig) {
		c.retry = cfg
	}
}

// WithWriteTimeout bounds each warm write attempt.
func WithWriteTimeout(d time.Duration) ConsumerOption {
	return func(c *consumerConfig) {
		c.timeout = d
	}
}

// WithConsumerLogger sets the logger.
func WithConsumerLogger(l stoat.Logger) ConsumerOption {
	return func(c *consumerConfig) {
		c.logger = l
	}
}

// WithFailureHandler is called for tasks that exhaust their retries or
// cannot be decoded. Their offsets are committed afterwards.
func WithFailureHandler(fn func(stoat.PersistenceTask, error)) ConsumerOption {
	return func(c *consumerConfig) {
		c.onFailure = fn
	}
}

// WithConsumerBacklog sets where events missing from the warm tier are read
// from when a task does not follow the persisted version, usually the hot tier.
func WithConsumerBacklog(r stoat.EventRangeReader) ConsumerOption {
	return func(c *consumerConfig) {
		c.backlog = r
	}
}

// NewConsumer creates a group consumer writing to warm.
func NewConsumer(warm adapters.WarmStore, opts ...ConsumerOption) *Consumer {
	cfg := newConsumerConfig(opts)
	reader := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:  cfg.brokers,
		Topic:    cfg.topic,
		GroupID:  cfg.group,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  time.Second,
	})
	return newConsumer(reader, warm, cfg)
}

func newConsumerConfig(opts []ConsumerOption) consumerConfig {
	cfg := consumerConfig{
		brokers:    []string{"localhost:9092"},
		topic:      DefaultTopic,
		group:      DefaultGroup,
		serializer: msgpack.NewSerializer(),
		retry:      stoat.DefaultRetryConfig(),
		timeout:    10 * time.Second,
		logger:     stoat.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

func newConsumer(r messageReader, warm adapters.WarmStore, cfg consumerConfig) *Consumer {
	return &Consumer{
		reader:     r,
		warm:       warm,
		serializer: cfg.serializer,
		retry:      cfg.retry,
		timeout:    cfg.timeout,
		logger:     cfg.logger,
		onFailure:  cfg.onFailure,
		backlog:    cfg.backlog,
		parked:     stoat.NewParkedTasks(),
	}
}

// Run consumes messages until ctx is done. It returns nil on cancellation
// and the reader or commit error otherwise.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		c.handle(ctx, msg)
		if ctx.Err() != nil {
			// Uncommitted messages are redelivered to the next group member.
			return nil
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// handle persists one message. Failures are logged and reported, never
// returned, so one bad task does not stall its partition. A failed task's
// events are parked and written ahead of the aggregate's next task.
func (c *Consumer) handle(ctx context.Context, msg kafkago.Message) {
	task, err := decodeTask(c.serializer, msg)
	if err != nil {
		c.logger.Error("Dropping undecodable persistence task",
			"aggregate_id", string(msg.Key),
			"partition", msg.Partition,
			"offset", msg.Offset,
			"error", err,
		)
		c.fail(stoat.PersistenceTask{AggregateID: string(msg.Key)}, err)
		return
	}
	task = c.parked.Merge(task)

	err = c.retry.Do(ctx, func(attempt int) error {
		task.Attempt = attempt
		writeCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		err := stoat.PersistTaskFrom(writeCtx, c.warm, c.backlog, task)
		if err != nil {
			c.logger.Warn("Warm persistence attempt failed",
				"aggregate_id", task.AggregateID,
				"attempt", attempt,
				"error", err,
			)
		}
		return err
	})
	if err != nil {
		c.parked.Park(task)
		if errors.Is(err, context.Canceled) {
			return
		}
		c.logger.Error("Warm persistence failed",
			"aggregate_id", task.AggregateID,
			"from_version", task.FirstVersion(),
			"to_version", task.LastVersion(),
			"error", err,
		)
		c.fail(task, err)
		return
	}
	c.parked.Clear(task.AggregateID)
}

// Parked returns the number of aggregates whose failed tasks wait for a later write.
func (c *Consumer) Parked() int {
	return c.parked.Len()
}

func (c *Consumer) fail(task stoat.PersistenceTask, err error) {
	if c.onFailure != nil {
		c.onFailure(task, err)
	}
}

// Close closes the reader and leaves the consumer group.
func (c *Consumer) Close() error {
	return c.reader.Close()
}
