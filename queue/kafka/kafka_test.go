package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/AshkanYarmoradi/go-stoat"
	"github.com/AshkanYarmoradi/go-stoat/adapters"
	"github.com/AshkanYarmoradi/go-stoat/adapters/memory"
	"github.com/AshkanYarmoradi/go-stoat/testing/containers"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	mu       sync.Mutex
	messages []kafkago.Message
	err      error
	closed   bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafkago.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

// fakeReader serves queued messages and blocks when empty.
type fakeReader struct {
	mu        sync.Mutex
	pending   chan kafkago.Message
	committed []kafkago.Message
}

func newFakeReader(msgs ...kafkago.Message) *fakeReader {
	r := &fakeReader{pending: make(chan kafkago.Message, len(msgs)+1)}
	for _, m := range msgs {
		r.pending <- m
	}
	return r
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafkago.Message, error) {
	select {
	case m := <-r.pending:
		return m, nil
	case <-ctx.Done():
		return kafkago.Message{}, ctx.Err()
	}
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafkago.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.committed = append(r.committed, msgs...)
	return nil
}

func (r *fakeReader) Committed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.committed)
}

func (r *fakeReader) Close() error { return nil }

func makeTask(aggregateID string, from, count int) stoat.PersistenceTask {
	events := make([]adapters.DomainEvent, count)
	for i := 0; i < count; i++ {
		v := int64(from + i)
		events[i] = adapters.DomainEvent{
			EventID:       fmt.Sprintf("%s-%d", aggregateID, v),
			AggregateID:   aggregateID,
			AggregateType: "Order",
			EventType:     "ItemAdded",
			SchemaVersion: 1,
			Payload:       map[string]interface{}{"sku": fmt.Sprintf("s%d", v)},
			OccurredAt:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
			Version:       v,
		}
	}
	return stoat.PersistenceTask{AggregateID: aggregateID, Events: events}
}

// runConsumer runs c until the reader has committed n messages.
func runConsumer(t *testing.T, c *Consumer, r *fakeReader, n int) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return r.Committed() >= n }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestQueue_Enqueue(t *testing.T) {
	ctx := context.Background()

	t.Run("keys by aggregate and sets headers", func(t *testing.T) {
		w := &fakeWriter{}
		q := newQueue(w, newConsumerConfig(nil).serializer)

		require.NoError(t, q.Enqueue(ctx, makeTask("order-1", 1, 3)))

		require.Len(t, w.messages, 1)
		msg := w.messages[0]
		assert.Equal(t, []byte("order-1"), msg.Key)
		assert.Equal(t, "msgpack", header(msg, HeaderCodec))
		assert.Equal(t, "order-1", header(msg, HeaderAggregateID))
		assert.Equal(t, "3", header(msg, HeaderLastVersion))

		task, err := decodeTask(newConsumerConfig(nil).serializer, msg)
		require.NoError(t, err)
		assert.Equal(t, "order-1", task.AggregateID)
		assert.Len(t, task.Events, 3)
		assert.False(t, task.EnqueuedAt.IsZero())
	})

	t.Run("broker failure is backend unavailable", func(t *testing.T) {
		q := newQueue(&fakeWriter{err: errors.New("no brokers")}, stoat.NewJSONSerializer())

		err := q.Enqueue(ctx, makeTask("order-1", 1, 1))
		assert.ErrorIs(t, err, adapters.ErrBackendUnavailable)
	})

	t.Run("closed queue", func(t *testing.T) {
		w := &fakeWriter{}
		q := newQueue(w, stoat.NewJSONSerializer())
		require.NoError(t, q.Close())
		require.NoError(t, q.Close())

		assert.True(t, w.closed)
		assert.ErrorIs(t, q.Enqueue(ctx, makeTask("order-1", 1, 1)), ErrQueueClosed)
	})
}

func TestDecodeTask_CodecMismatch(t *testing.T) {
	msg, err := encodeTask(stoat.NewJSONSerializer(), makeTask("order-1", 1, 1))
	require.NoError(t, err)

	_, err = decodeTask(newConsumerConfig(nil).serializer, msg)
	assert.ErrorIs(t, err, stoat.ErrSerialization)
}

func TestConsumer_Run(t *testing.T) {
	ctx := context.Background()
	s := newConsumerConfig(nil).serializer

	encode := func(task stoat.PersistenceTask) kafkago.Message {
		msg, err := encodeTask(s, task)
		require.NoError(t, err)
		return msg
	}

	t.Run("persists tasks in order and commits", func(t *testing.T) {
		warm := memory.NewWarmStore()
		r := newFakeReader(
			encode(makeTask("order-1", 1, 2)),
			encode(makeTask("order-1", 3, 1)),
			encode(makeTask("order-1", 1, 2)), // redelivery
		)
		c := newConsumer(r, warm, newConsumerConfig(nil))

		runConsumer(t, c, r, 3)

		version, err := warm.GetVersion(ctx, "order-1")
		require.NoError(t, err)
		assert.Equal(t, int64(3), version)
	})

	t.Run("undecodable message is reported and committed", func(t *testing.T) {
		var failed []string
		r := newFakeReader(kafkago.Message{Key: []byte("order-2"), Value: []byte{0xc1}})
		c := newConsumer(r, memory.NewWarmStore(), newConsumerConfig([]ConsumerOption{
			WithFailureHandler(func(task stoat.PersistenceTask, err error) {
				failed = append(failed, task.AggregateID)
			}),
		}))

		runConsumer(t, c, r, 1)

		assert.Equal(t, []string{"order-2"}, failed)
	})

	t.Run("exhausted retries call the failure handler", func(t *testing.T) {
		warm := memory.NewWarmStore()
		require.NoError(t, warm.Append(ctx, "order-3", makeTask("order-3", 1, 1).Events, adapters.NoStream))

		var failures int
		r := newFakeReader(encode(makeTask("order-3", 3, 1)))
		c := newConsumer(r, warm, newConsumerConfig([]ConsumerOption{
			WithRetry(stoat.RetryConfig{MaxAttempts: 2, InitialDelay: time.Millisecond}),
			WithFailureHandler(func(stoat.PersistenceTask, error) { failures++ }),
		}))

		runConsumer(t, c, r, 1)

		assert.Equal(t, 1, failures)
	})

	t.Run("missing versions are copied from the backlog", func(t *testing.T) {
		warm := memory.NewWarmStore()
		hot := memory.NewHotStore()
		all := makeTask("order-4", 1, 3).Events
		require.NoError(t, hot.Append(ctx, "order-4", all, adapters.NoStream))
		require.NoError(t, warm.Append(ctx, "order-4", all[:1], adapters.NoStream))

		r := newFakeReader(encode(makeTask("order-4", 3, 1)))
		c := newConsumer(r, warm, newConsumerConfig([]ConsumerOption{WithConsumerBacklog(hot)}))

		runConsumer(t, c, r, 1)

		version, err := warm.GetVersion(ctx, "order-4")
		require.NoError(t, err)
		assert.Equal(t, int64(3), version)
	})

	t.Run("failed task is written ahead of the next one", func(t *testing.T) {
		warm := memory.NewWarmStore()
		warm.SetUnavailable(true)

		r := newFakeReader(encode(makeTask("order-5", 1, 2)), encode(makeTask("order-5", 3, 1)))
		c := newConsumer(r, warm, newConsumerConfig([]ConsumerOption{
			WithRetry(stoat.RetryConfig{MaxAttempts: 2, InitialDelay: time.Millisecond}),
			WithFailureHandler(func(stoat.PersistenceTask, error) { warm.SetUnavailable(false) }),
		}))

		runConsumer(t, c, r, 2)

		version, err := warm.GetVersion(ctx, "order-5")
		require.NoError(t, err)
		assert.Equal(t, int64(3), version)
		assert.Zero(t, c.Parked())
	})
}

func TestConsumer_Integration(t *testing.T) {
	k := containers.StartKafka(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	warm := memory.NewWarmStore()
	q := NewQueue(WithBrokers(k.Brokers...), WithTopic(k.Topic))
	defer q.Close()
	store := stoat.NewTieredEventStore(memory.NewHotStore(), warm, stoat.WithPersistenceQueue(q))
	defer store.Close()

	require.NoError(t, store.Append(ctx, "order-1", []stoat.DomainEvent{
		{EventType: "OrderCreated", Payload: map[string]interface{}{"customer": "c1"}},
	}, stoat.WithAggregateType("Order")))

	c := NewConsumer(warm, WithConsumerBrokers(k.Brokers...), WithConsumerTopic(k.Topic), WithGroup(k.Group()))
	defer c.Close()
	go func() { _ = c.Run(ctx) }()

	require.Eventually(t, func() bool {
		v, err := warm.GetVersion(ctx, "order-1")
		return err == nil && v == 1
	}, 20*time.Second, 100*time.Millisecond)
}
