package stoat

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AshkanYarmoradi/go-stoat/adapters"
	"github.com/cespare/xxhash/v2"
)

// PersistenceTask carries a full event batch for asynchronous warm-tier persistence.
type PersistenceTask = adapters.PersistenceTask

// PersistenceQueue accepts persistence tasks without waiting for the write.
type PersistenceQueue = adapters.PersistenceQueue

// ErrPoolClosed is returned by Enqueue after the pool has been closed.
var ErrPoolClosed = errors.New("stoat: persistence pool closed")

// EventRangeReader loads a version range of one aggregate. HotStore satisfies it.
type EventRangeReader interface {
	Load(ctx context.Context, aggregateID string, fromVersion, toVersion int64) ([]DomainEvent, error)
}

// PersistTask writes a task's events to the warm store.
// Redelivered tasks are no-ops because warm stores skip stored (aggregate, version) pairs.
func PersistTask(ctx context.Context, warm adapters.WarmStore, task PersistenceTask) error {
	return PersistTaskFrom(ctx, warm, nil, task)
}

// PersistTaskFrom is PersistTask with gap repair: when the warm tier is
// missing versions before the task, they are read from backlog and written
// together with the task. A nil backlog disables the repair.
func PersistTaskFrom(ctx context.Context, warm adapters.WarmStore, backlog EventRangeReader, task PersistenceTask) error {
	if len(task.Events) == 0 {
		return nil
	}
	err := warm.Append(ctx, task.AggregateID, task.Events, AnyVersion)
	if err == nil {
		return nil
	}
	if backlog == nil || !errors.Is(err, ErrEventOrdering) || task.FirstVersion() <= 1 {
		return NewEventStoreError("persist", task.AggregateID, err)
	}

	persisted, err := warm.GetVersion(ctx, task.AggregateID)
	if err != nil {
		return NewEventStoreError("persist", task.AggregateID, err)
	}
	missing, err := backlog.Load(ctx, task.AggregateID, persisted+1, task.FirstVersion()-1)
	if err != nil {
		return NewEventStoreError("persist", task.AggregateID, err)
	}
	full := make([]DomainEvent, 0, len(missing)+len(task.Events))
	full = append(full, missing...)
	full = append(full, task.Events...)
	if err := warm.Append(ctx, task.AggregateID, full, AnyVersion); err != nil {
		return NewEventStoreError("persist", task.AggregateID, err)
	}
	return nil
}

// ParkedTasks holds, per aggregate, the events of batches that exhausted
// their retries. They are written ahead of the aggregate's next batch.
type ParkedTasks struct {
	mu    sync.Mutex
	tasks map[string]PersistenceTask
}

// NewParkedTasks creates an empty set.
func NewParkedTasks() *ParkedTasks {
	return &ParkedTasks{tasks: make(map[string]PersistenceTask)}
}

// Merge returns task with the aggregate's parked events in front of its own.
// Task events already covered by the parked range are dropped.
func (p *ParkedTasks) Merge(task PersistenceTask) PersistenceTask {
	p.mu.Lock()
	defer p.mu.Unlock()

	parked, ok := p.tasks[task.AggregateID]
	if !ok {
		return task
	}
	last := parked.LastVersion()
	events := make([]DomainEvent, 0, len(parked.Events)+len(task.Events))
	events = append(events, parked.Events...)
	for _, e := range task.Events {
		if e.Version > last {
			events = append(events, e)
		}
	}
	task.Events = events
	return task
}

// Park records a failed task, replacing what was parked for its aggregate.
// Callers park the merged task, so nothing parked earlier is lost.
func (p *ParkedTasks) Park(task PersistenceTask) {
	if len(task.Events) == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tasks[task.AggregateID] = task
}

// Clear forgets the parked events of an aggregate.
func (p *ParkedTasks) Clear(aggregateID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.tasks, aggregateID)
}

// Take removes and returns every parked task.
func (p *ParkedTasks) Take() []PersistenceTask {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PersistenceTask, 0, len(p.tasks))
	for id, task := range p.tasks {
		out = append(out, task)
		delete(p.tasks, id)
	}
	return out
}

// Len returns the number of aggregates with parked events.
func (p *ParkedTasks) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tasks)
}

// WorkerPool persists tasks to the warm store in the background.
// Tasks are sharded by aggregate id so one aggregate's batches are written in
// the order they were enqueued while different aggregates proceed concurrently.
type WorkerPool struct {
	warm      adapters.WarmStore
	shards    []chan PersistenceTask
	retry     RetryConfig
	logger    Logger
	onFailure func(PersistenceTask, error)
	timeout   time.Duration
	backlog   EventRangeReader
	parked    *ParkedTasks

	pending   atomic.Int64
	workers   sync.WaitGroup
	mu        sync.RWMutex
	closed    bool
	processed atomic.Int64
	failed    atomic.Int64
}

// WorkerPoolOption configures a WorkerPool.
type WorkerPoolOption func(*workerPoolConfig)

type workerPoolConfig struct {
	workers   int
	queueSize int
	retry     RetryConfig
	logger    Logger
	onFailure func(PersistenceTask, error)
	timeout   time.Duration
	backlog   EventRangeReader
}

// WithWorkers sets the number of workers (default 4).
func WithWorkers(n int) WorkerPoolOption {
	return func(c *workerPoolConfig) {
		c.workers = n
	}
}

// WithQueueSize sets the buffer size of each worker's queue (default 256).
func WithQueueSize(n int) WorkerPoolOption {
	return func(c *workerPoolConfig) {
		c.queueSize = n
	}
}

// WithPersistenceRetry sets the retry policy for failed writes.
func WithPersistenceRetry(cfg RetryConfig) WorkerPoolOption {
	return func(c *workerPoolConfig) {
		c.retry = cfg
	}
}

// WithPoolLogger sets the logger.
func WithPoolLogger(l Logger) WorkerPoolOption {
	return func(c *workerPoolConfig) {
		c.logger = orNoop(l)
	}
}

// WithFailureHandler is called for tasks that exhaust their retries.
func WithFailureHandler(fn func(PersistenceTask, error)) WorkerPoolOption {
	return func(c *workerPoolConfig) {
		c.onFailure = fn
	}
}

// WithWriteTimeout bounds each warm write attempt.
func WithWriteTimeout(d time.Duration) WorkerPoolOption {
	return func(c *workerPoolConfig) {
		c.timeout = d
	}
}

// WithBacklogSource sets where events missing from the warm tier are read
// from when a batch does not follow the persisted version. The store passes
// its hot tier.
func WithBacklogSource(r EventRangeReader) WorkerPoolOption {
	return func(c *workerPoolConfig) {
		c.backlog = r
	}
}

// NewWorkerPool starts a pool writing to warm.
func NewWorkerPool(warm adapters.WarmStore, opts ...WorkerPoolOption) *WorkerPool {
	cfg := workerPoolConfig{
		workers:   4,
		queueSize: 256,
		retry: RetryConfig{
			MaxAttempts:  5,
			InitialDelay: 50 * time.Millisecond,
			MaxDelay:     2 * time.Second,
			Multiplier:   2.0,
		},
		logger:  &noopLogger{},
		timeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.workers <= 0 {
		cfg.workers = 1
	}
	if cfg.queueSize < 0 {
		cfg.queueSize = 0
	}

	p := &WorkerPool{
		warm:      warm,
		shards:    make([]chan PersistenceTask, cfg.workers),
		retry:     cfg.retry,
		logger:    cfg.logger,
		onFailure: cfg.onFailure,
		timeout:   cfg.timeout,
		backlog:   cfg.backlog,
		parked:    NewParkedTasks(),
	}
	for i := range p.shards {
		p.shards[i] = make(chan PersistenceTask, cfg.queueSize)
		p.workers.Add(1)
		go p.run(p.shards[i])
	}
	return p
}

var _ PersistenceQueue = (*WorkerPool)(nil)

func (p *WorkerPool) shardFor(aggregateID string) chan PersistenceTask {
	return p.shards[xxhash.Sum64String(aggregateID)%uint64(len(p.shards))]
}

// Enqueue queues a task. It blocks only while the aggregate's shard is full.
func (p *WorkerPool) Enqueue(ctx context.Context, task PersistenceTask) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrPoolClosed
	}
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = time.Now()
	}

	p.pending.Add(1)
	select {
	case p.shardFor(task.AggregateID) <- task:
		return nil
	case <-ctx.Done():
		p.pending.Add(-1)
		return ctx.Err()
	}
}

func (p *WorkerPool) run(tasks <-chan PersistenceTask) {
	defer p.workers.Done()
	for task := range tasks {
		p.process(task)
		p.pending.Add(-1)
	}
}

func (p *WorkerPool) process(task PersistenceTask) {
	// Workers outlive callers, so writes use their own context.
	ctx := context.Background()
	task = p.parked.Merge(task)

	err := p.retry.retry(ctx, func(attempt int) error {
		task.Attempt = attempt
		writeCtx, cancel := context.WithTimeout(ctx, p.timeout)
		defer cancel()

		err := PersistTaskFrom(writeCtx, p.warm, p.backlog, task)
		if err != nil {
			p.logger.Warn("Warm persistence attempt failed",
				"aggregate_id", task.AggregateID,
				"attempt", attempt,
				"error", err,
			)
		}
		return err
	})
	if err != nil {
		p.failed.Add(1)
		p.logger.Error("Warm persistence failed",
			"aggregate_id", task.AggregateID,
			"from_version", task.FirstVersion(),
			"to_version", task.LastVersion(),
			"error", err,
		)
		p.parked.Park(task)
		if p.onFailure != nil {
			p.onFailure(task, err)
		}
		return
	}
	p.parked.Clear(task.AggregateID)
	p.processed.Add(1)
}

// Parked returns the number of aggregates whose failed batches wait for a
// later write.
func (p *WorkerPool) Parked() int {
	return p.parked.Len()
}

// Redeliver re-enqueues every parked batch.
func (p *WorkerPool) Redeliver(ctx context.Context) error {
	tasks := p.parked.Take()
	for i, task := range tasks {
		task.Attempt = 0
		if err := p.Enqueue(ctx, task); err != nil {
			for _, rest := range tasks[i:] {
				p.parked.Park(rest)
			}
			return err
		}
	}
	return nil
}

// Drain waits until every enqueued task has been processed or ctx is done.
func (p *WorkerPool) Drain(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for p.pending.Load() > 0 {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Pending returns the number of queued or in-flight tasks.
func (p *WorkerPool) Pending() int64 {
	return p.pending.Load()
}

// Processed returns the number of tasks written successfully.
func (p *WorkerPool) Processed() int64 {
	return p.processed.Load()
}

// Failed returns the number of tasks that exhausted their retries.
func (p *WorkerPool) Failed() int64 {
	return p.failed.Load()
}

// Close stops accepting tasks and waits for queued tasks to finish.
func (p *WorkerPool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	for _, ch := range p.shards {
		close(ch)
	}
	p.mu.Unlock()

	p.workers.Wait()
	return nil
}
