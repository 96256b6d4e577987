// Package kafka carries asynchronous warm-tier writes over a Kafka topic.
//
// Queue is a stoat.PersistenceQueue: the tiered store enqueues each hot
// append as one message keyed by aggregate id, so one aggregate's batches
// land on one partition in order. Consumer reads the topic in a consumer
// group and writes each task to the warm store, committing the offset only
// after the write is settled. Redelivered messages are harmless because the
// warm store skips already stored versions.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/AshkanYarmoradi/go-stoat"
	"github.com/AshkanYarmoradi/go-stoat/adapters"
	"github.com/AshkanYarmoradi/go-stoat/serializer/msgpack"
	kafkago "github.com/segmentio/kafka-go"
)

// Header keys set on every persistence message.
const (
	HeaderCodec       = "stoat-codec"
	HeaderAggregateID = "stoat-aggregate-id"
	HeaderLastVersion = "stoat-last-version"
)

// ErrQueueClosed is returned by Enqueue after Close.
var ErrQueueClosed = errors.New("stoat/kafka: queue closed")

var _ stoat.PersistenceQueue = (*Queue)(nil)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafkago.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Queue publishes persistence tasks to a Kafka topic.
type Queue struct {
	writer     messageWriter
	serializer stoat.Serializer
	mu         sync.RWMutex
	closed     bool
}

// QueueOption configures a Queue.
type QueueOption func(*queueConfig)

type queueConfig struct {
	brokers      []string
	topic        string
	batchTimeout time.Duration
	serializer   stoat.Serializer
}

// WithBrokers sets the Kafka broker addresses.
func WithBrokers(brokers ...string) QueueOption {
	return func(c *queueConfig) {
		c.brokers = brokers
	}
}

// WithTopic sets the topic tasks are written to.
func WithTopic(topic string) QueueOption {
	return func(c *queueConfig) {
		c.topic = topic
	}
}

// WithBatchTimeout sets how long the writer waits to fill a batch.
func WithBatchTimeout(d time.Duration) QueueOption {
	return func(c *queueConfig) {
		c.batchTimeout = d
	}
}

// WithSerializer sets the task codec. Consumers must use the same one.
func WithSerializer(s stoat.Serializer) QueueOption {
	return func(c *queueConfig) {
		c.serializer = s
	}
}

// DefaultTopic is the topic used when none is configured.
const DefaultTopic = "stoat.persistence"

// NewQueue creates a Queue. The writer connects lazily on the first Enqueue.
func NewQueue(opts ...QueueOption) *Queue {
	cfg := queueConfig{
		brokers:      []string{"localhost:9092"},
		topic:        DefaultTopic,
		batchTimeout: 10 * time.Millisecond,
		serializer:   msgpack.NewSerializer(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	w := &kafkago.Writer{
		Addr:                   kafkago.TCP(cfg.brokers...),
		Topic:                  cfg.topic,
		Balancer:               &kafkago.Hash{},
		BatchTimeout:           cfg.batchTimeout,
		RequiredAcks:           kafkago.RequireAll,
		AllowAutoTopicCreation: true,
	}
	return newQueue(w, cfg.serializer)
}

func newQueue(w messageWriter, s stoat.Serializer) *Queue {
	return &Queue{writer: w, serializer: s}
}

// Enqueue writes the task and returns once the broker acknowledged it.
func (q *Queue) Enqueue(ctx context.Context, task stoat.PersistenceTask) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}

	msg, err := encodeTask(q.serializer, task)
	if err != nil {
		return err
	}
	if err := q.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("%w: kafka enqueue %s: %v", adapters.ErrBackendUnavailable, task.AggregateID, err)
	}
	return nil
}

// Close flushes pending writes and closes the writer.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	return q.writer.Close()
}

func encodeTask(s stoat.Serializer, task stoat.PersistenceTask) (kafkago.Message, error) {
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = time.Now()
	}
	value, err := s.Marshal(task)
	if err != nil {
		return kafkago.Message{}, err
	}
	return kafkago.Message{
		Key:   []byte(task.AggregateID),
		Value: value,
		Headers: []kafkago.Header{
			{Key: HeaderCodec, Value: []byte(s.Name())},
			{Key: HeaderAggregateID, Value: []byte(task.AggregateID)},
			{Key: HeaderLastVersion, Value: []byte(strconv.FormatInt(task.LastVersion(), 10))},
		},
	}, nil
}

func header(msg kafkago.Message, key string) string {
	for _, h := range msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func decodeTask(s stoat.Serializer, msg kafkago.Message) (stoat.PersistenceTask, error) {
	if codec := header(msg, HeaderCodec); codec != "" && codec != s.Name() {
		return stoat.PersistenceTask{}, stoat.NewSerializationError("persistence task", "decode",
			fmt.Errorf("message encoded as %q, consumer expects %q", codec, s.Name()))
	}
	var task stoat.PersistenceTask
	if err := s.Unmarshal(msg.Value, &task); err != nil {
		return stoat.PersistenceTask{}, err
	}
	return task, nil
}
