package stoat

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/AshkanYarmoradi/go-stoat/adapters/memory"
	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the file name FindConfig looks for.
const DefaultConfigFile = "stoat.yaml"

// Config is the file form of every tunable in the store. Components never
// read it directly; it only produces options.
type Config struct {
	// Version of the config file format
	Version string `yaml:"version"`

	Store          StoreSettings          `yaml:"store"`
	Sequencer      SequencerSettings      `yaml:"sequencer"`
	Snapshot       SnapshotSettings       `yaml:"snapshot"`
	Cache          CacheSettings          `yaml:"cache"`
	CircuitBreaker CircuitBreakerSettings `yaml:"circuit_breaker"`
	Command        CommandSettings        `yaml:"command"`
	Retry          RetrySettings          `yaml:"retry"`
	Backends       BackendSettings        `yaml:"backends"`
}

// StoreSettings configures the tiered store and its persistence pool.
type StoreSettings struct {
	AsyncWarmWrites  bool          `yaml:"async_warm_writes"`
	HotTTL           time.Duration `yaml:"hot_ttl"`
	HotMaxAggregates int           `yaml:"hot_max_aggregates"`
	Workers          int           `yaml:"workers"`
	QueueSize        int           `yaml:"queue_size"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	WarmUpBatchSize  int           `yaml:"warm_up_batch_size"`
	WarmUpWorkers    int           `yaml:"warm_up_workers"`
}

// SequencerSettings configures ordering checks.
type SequencerSettings struct {
	// Mode is "strict" or "lenient".
	Mode string `yaml:"mode"`

	// CounterTTL is how long backend counters live without writes.
	CounterTTL time.Duration `yaml:"counter_ttl"`

	// CheckpointSecret signs checkpoints. Usually "${STOAT_CHECKPOINT_SECRET}".
	CheckpointSecret string `yaml:"checkpoint_secret,omitempty"`
}

// SnapshotSettings configures when snapshots are taken and how long they live.
type SnapshotSettings struct {
	// Strategy is "simple", "adaptive" or "time".
	Strategy     string        `yaml:"strategy"`
	Threshold    int64         `yaml:"threshold"`
	MinThreshold int64         `yaml:"min_threshold"`
	MaxThreshold int64         `yaml:"max_threshold"`
	Interval     time.Duration `yaml:"interval"`
	KeepCount    int           `yaml:"keep_count"`
	MaxAge       time.Duration `yaml:"max_age"`
	AccessWindow time.Duration `yaml:"access_window"`
}

// CacheSettings configures the query cache.
type CacheSettings struct {
	Prefix        string        `yaml:"prefix"`
	L1TTL         time.Duration `yaml:"l1_ttl"`
	L2TTL         time.Duration `yaml:"l2_ttl"`
	L3TTL         time.Duration `yaml:"l3_ttl"`
	L1MaxEntries  int           `yaml:"l1_max_entries"`
	L1MaxMemoryMB int           `yaml:"l1_max_memory_mb"`
}

// CircuitBreakerSettings configures every breaker in a registry.
type CircuitBreakerSettings struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	Window           time.Duration `yaml:"window"`
	OpenTimeout      time.Duration `yaml:"open_timeout"`
}

// CommandSettings configures the command pipeline.
type CommandSettings struct {
	Timeout time.Duration `yaml:"timeout"`
	// Retry enables RetryMiddleware inside the pipeline.
	Retry bool `yaml:"retry"`
}

// RetrySettings configures backoff for retried commands and warm writes.
type RetrySettings struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
}

// BackendSettings holds connection details for the external tiers.
// Empty values mean the in-memory backend is used for that tier.
type BackendSettings struct {
	PostgresURL    string   `yaml:"postgres_url,omitempty"`
	PostgresSchema string   `yaml:"postgres_schema"`
	RedisAddr      string   `yaml:"redis_addr,omitempty"`
	RedisPrefix    string   `yaml:"redis_prefix"`
	KafkaBrokers   []string `yaml:"kafka_brokers,omitempty"`
	KafkaTopic     string   `yaml:"kafka_topic"`
	KafkaGroup     string   `yaml:"kafka_group"`
}

// DefaultConfig returns a configuration with the documented defaults.
func DefaultConfig() *Config {
	retry := DefaultRetryConfig()
	breaker := DefaultCircuitBreakerConfig()
	return &Config{
		Version: "1",
		Store: StoreSettings{
			AsyncWarmWrites:  true,
			HotTTL:           24 * time.Hour,
			HotMaxAggregates: 10000,
			Workers:          4,
			QueueSize:        1024,
			ReadTimeout:      5 * time.Second,
			WriteTimeout:     10 * time.Second,
			WarmUpBatchSize:  100,
			WarmUpWorkers:    4,
		},
		Sequencer: SequencerSettings{
			Mode:       string(StrictOrdering),
			CounterTTL: 7 * 24 * time.Hour,
		},
		Snapshot: SnapshotSettings{
			Strategy:     "simple",
			Threshold:    DefaultSnapshotThreshold,
			MinThreshold: 5,
			MaxThreshold: 100,
			Interval:     time.Hour,
			KeepCount:    3,
			MaxAge:       30 * 24 * time.Hour,
			AccessWindow: time.Minute,
		},
		Cache: CacheSettings{
			Prefix:        "stoat",
			L1TTL:         DefaultL1TTL,
			L2TTL:         DefaultL2TTL,
			L3TTL:         DefaultL3TTL,
			L1MaxEntries:  10000,
			L1MaxMemoryMB: 64,
		},
		CircuitBreaker: CircuitBreakerSettings{
			FailureThreshold: breaker.FailureThreshold,
			Window:           breaker.Window,
			OpenTimeout:      breaker.OpenTimeout,
		},
		Command: CommandSettings{
			Timeout: DefaultCommandTimeout,
		},
		Retry: RetrySettings{
			MaxAttempts:  retry.MaxAttempts,
			InitialDelay: retry.InitialDelay,
			MaxDelay:     retry.MaxDelay,
			Multiplier:   retry.Multiplier,
		},
		Backends: BackendSettings{
			PostgresSchema: "public",
			RedisPrefix:    "stoat",
			KafkaTopic:     "stoat.persistence",
			KafkaGroup:     "stoat-warm-writer",
		},
	}
}

// LoadConfig reads a YAML file on top of DefaultConfig. Environment
// variables in the form ${NAME} are expanded before parsing.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML on top of DefaultConfig.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("stoat: parse config: %w", err)
	}
	return cfg, nil
}

// Save writes the configuration to path as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, data, 0644)
}

// FindConfig walks up from dir looking for DefaultConfigFile.
func FindConfig(dir string) (string, bool) {
	for {
		path := filepath.Join(dir, DefaultConfigFile)
		if _, err := os.Stat(path); err == nil {
			return path, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", false
		}
		dir = parent
	}
}

// Validate returns every problem found in the configuration.
func (c *Config) Validate() []string {
	var problems []string
	add := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if c.Store.Workers < 1 {
		add("store.workers must be at least 1")
	}
	if c.Store.QueueSize < 1 {
		add("store.queue_size must be at least 1")
	}
	if c.Store.HotTTL < 0 {
		add("store.hot_ttl must not be negative")
	}

	switch OrderingMode(c.Sequencer.Mode) {
	case StrictOrdering, LenientOrdering:
	default:
		add("sequencer.mode must be strict or lenient, got %q", c.Sequencer.Mode)
	}

	switch c.Snapshot.Strategy {
	case "simple":
		if c.Snapshot.Threshold < 1 {
			add("snapshot.threshold must be at least 1")
		}
	case "adaptive":
		if c.Snapshot.MinThreshold < 1 || c.Snapshot.MaxThreshold < c.Snapshot.MinThreshold {
			add("snapshot.min_threshold and max_threshold must satisfy 1 <= min <= max")
		}
	case "time":
		if c.Snapshot.Interval <= 0 {
			add("snapshot.interval must be positive")
		}
	default:
		add("snapshot.strategy must be simple, adaptive or time, got %q", c.Snapshot.Strategy)
	}
	if c.Snapshot.KeepCount < 1 {
		add("snapshot.keep_count must be at least 1")
	}

	if c.Cache.L1TTL <= 0 || c.Cache.L2TTL <= 0 || c.Cache.L3TTL <= 0 {
		add("cache ttls must be positive")
	}

	if c.CircuitBreaker.FailureThreshold < 1 {
		add("circuit_breaker.failure_threshold must be at least 1")
	}
	if c.CircuitBreaker.Window <= 0 || c.CircuitBreaker.OpenTimeout <= 0 {
		add("circuit_breaker.window and open_timeout must be positive")
	}

	if c.Command.Timeout <= 0 {
		add("command.timeout must be positive")
	}

	if c.Retry.MaxAttempts < 1 {
		add("retry.max_attempts must be at least 1")
	}
	if c.Retry.Multiplier < 1 {
		add("retry.multiplier must be at least 1")
	}

	if len(c.Backends.KafkaBrokers) > 0 && c.Backends.KafkaTopic == "" {
		add("backends.kafka_topic is required when kafka_brokers is set")
	}

	return problems
}

// RetryConfig returns the backoff shared by commands and warm writes.
func (c *Config) RetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  c.Retry.MaxAttempts,
		InitialDelay: c.Retry.InitialDelay,
		MaxDelay:     c.Retry.MaxDelay,
		Multiplier:   c.Retry.Multiplier,
	}
}

// BreakerConfig returns the circuit breaker settings.
func (c *Config) BreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: c.CircuitBreaker.FailureThreshold,
		Window:           c.CircuitBreaker.Window,
		OpenTimeout:      c.CircuitBreaker.OpenTimeout,
	}
}

// StoreOptions returns options for NewTieredEventStore. The sequencer,
// queue and logger are wired by the caller.
func (c *Config) StoreOptions() []StoreOption {
	opts := []StoreOption{WithAsyncWarmWrites(c.Store.AsyncWarmWrites)}
	if c.Store.ReadTimeout > 0 {
		opts = append(opts, WithReadTimeout(c.Store.ReadTimeout))
	}
	if c.Store.WarmUpBatchSize > 0 && c.Store.WarmUpWorkers > 0 {
		opts = append(opts, WithWarmUpConcurrency(c.Store.WarmUpBatchSize, c.Store.WarmUpWorkers))
	}
	return opts
}

// PoolOptions returns options for NewWorkerPool.
func (c *Config) PoolOptions() []WorkerPoolOption {
	opts := []WorkerPoolOption{
		WithWorkers(c.Store.Workers),
		WithQueueSize(c.Store.QueueSize),
		WithPersistenceRetry(c.RetryConfig()),
	}
	if c.Store.WriteTimeout > 0 {
		opts = append(opts, WithWriteTimeout(c.Store.WriteTimeout))
	}
	return opts
}

// HotOptions returns options for the in-memory hot tier.
func (c *Config) HotOptions() []memory.HotOption {
	return []memory.HotOption{
		memory.WithMaxAggregates(c.Store.HotMaxAggregates),
		memory.WithHotTTL(c.Store.HotTTL),
	}
}

// SequencerOptions returns options for NewEventSequencer.
func (c *Config) SequencerOptions() []SequencerOption {
	opts := []SequencerOption{WithOrderingMode(OrderingMode(c.Sequencer.Mode))}
	if c.Sequencer.CheckpointSecret != "" {
		opts = append(opts, WithCheckpointSecret([]byte(c.Sequencer.CheckpointSecret)))
	}
	return opts
}

// SnapshotStrategy builds the configured strategy.
func (c *Config) SnapshotStrategy() SnapshotStrategy {
	switch c.Snapshot.Strategy {
	case "adaptive":
		return NewAdaptiveStrategy(WithThresholdBounds(c.Snapshot.MinThreshold, c.Snapshot.MaxThreshold))
	case "time":
		return NewTimeBasedStrategy(c.Snapshot.Interval)
	default:
		return NewSimpleStrategy(c.Snapshot.Threshold)
	}
}

// AccessTracker returns a tracker over the configured access window.
func (c *Config) AccessTracker() *AccessTracker {
	return NewAccessTracker(WithAccessWindow(c.Snapshot.AccessWindow))
}

// SnapshotManagerOptions returns options for NewSnapshotManager.
func (c *Config) SnapshotManagerOptions() []SnapshotManagerOption {
	return []SnapshotManagerOption{WithSnapshotRetention(c.Snapshot.KeepCount, c.Snapshot.MaxAge)}
}

// CacheOptions returns options for NewCacheManager.
func (c *Config) CacheOptions() []CacheManagerOption {
	opts := []CacheManagerOption{WithCacheTTLs(c.Cache.L1TTL, c.Cache.L2TTL, c.Cache.L3TTL)}
	if c.Cache.Prefix != "" {
		opts = append(opts, WithCachePrefix(c.Cache.Prefix))
	}
	return opts
}

// L1Options returns options for the in-process L1 cache tier.
func (c *Config) L1Options() []memory.CacheOption {
	return []memory.CacheOption{
		memory.WithCacheName("l1"),
		memory.WithMaxEntries(c.Cache.L1MaxEntries),
		memory.WithMaxMemoryMB(c.Cache.L1MaxMemoryMB),
	}
}

// PipelineOptions returns options for NewCommandPipeline. Validators,
// authorizer, dispatcher and transactions are wired by the caller.
func (c *Config) PipelineOptions() []PipelineOption {
	opts := []PipelineOption{WithCommandTimeout(c.Command.Timeout)}
	if c.Command.Retry {
		opts = append(opts, WithPipelineRetry(c.RetryConfig()))
	}
	return opts
}
