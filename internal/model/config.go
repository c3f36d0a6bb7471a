package model

import "time"

type Config struct {
	Paths      PathsConfig      `yaml:"paths" mapstructure:"paths"`
	Watcher    WatcherConfig    `yaml:"watcher" mapstructure:"watcher"`
	Router     RouterConfig     `yaml:"router" mapstructure:"router"`
	Processing ProcessingConfig `yaml:"processing" mapstructure:"processing"`
	Queue      QueueConfig      `yaml:"queue" mapstructure:"queue"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Processor  ProcessorConfig  `yaml:"processor" mapstructure:"processor"`
	Records    RecordsConfig    `yaml:"records" mapstructure:"records"`
	Logging    LoggingConfig    `yaml:"logging" mapstructure:"logging"`
	Daemon     DaemonConfig     `yaml:"daemon" mapstructure:"daemon"`
}

type PathsConfig struct {
	Watch   []string `yaml:"watch" mapstructure:"watch" validate:"required,min=1,dive,required"`
	Output  string   `yaml:"output" mapstructure:"output" validate:"required"`
	Archive string   `yaml:"archive" mapstructure:"archive" validate:"required"`
	Errors  string   `yaml:"errors" mapstructure:"errors" validate:"required"`
	Temp    string   `yaml:"temp" mapstructure:"temp" validate:"required"`
	State   string   `yaml:"state" mapstructure:"state" validate:"required"`
}

type WatcherConfig struct {
	Pattern      string        `yaml:"pattern" mapstructure:"pattern" validate:"required"`
	Recursive    bool          `yaml:"recursive" mapstructure:"recursive"`
	QuietPeriod  time.Duration `yaml:"quiet_period" mapstructure:"quiet_period" validate:"gte=0"`
	PollInterval time.Duration `yaml:"poll_interval" mapstructure:"poll_interval" validate:"gt=0"`
	ScanInterval time.Duration `yaml:"scan_interval" mapstructure:"scan_interval" validate:"gt=0"`
}

type RouterConfig struct {
	UrgentKeywords []string `yaml:"urgent_keywords" mapstructure:"urgent_keywords"`
	LowKeywords    []string `yaml:"low_keywords" mapstructure:"low_keywords"`
}

type ProcessingConfig struct {
	Mode             string        `yaml:"mode" mapstructure:"mode" validate:"oneof=real_time batch hybrid"`
	MaxWorkers       int           `yaml:"max_workers" mapstructure:"max_workers" validate:"gte=1"`
	BatchSize        int           `yaml:"batch_size" mapstructure:"batch_size" validate:"gte=1"`
	BatchTimeout     time.Duration `yaml:"batch_timeout" mapstructure:"batch_timeout" validate:"gt=0"`
	RetryAttempts    int           `yaml:"retry_attempts" mapstructure:"retry_attempts" validate:"gte=0"`
	RetryDelay       time.Duration `yaml:"retry_delay" mapstructure:"retry_delay" validate:"gt=0"`
	MaxRetryDelay    time.Duration `yaml:"max_retry_delay" mapstructure:"max_retry_delay" validate:"gtefield=RetryDelay"`
	TaskTimeout      time.Duration `yaml:"task_timeout" mapstructure:"task_timeout" validate:"gt=0"`
	DispatchInterval time.Duration `yaml:"dispatch_interval" mapstructure:"dispatch_interval" validate:"gt=0"`
}

type QueueConfig struct {
	Backend           string                `yaml:"backend" mapstructure:"backend" validate:"oneof=file redis"`
	MaxQueueSize      int                   `yaml:"max_queue_size" mapstructure:"max_queue_size" validate:"gte=1"`
	PriorityLevels    []string              `yaml:"priority_levels" mapstructure:"priority_levels" validate:"required,min=1,unique,dive,oneof=high medium low"`
	VisibilityTimeout time.Duration         `yaml:"visibility_timeout" mapstructure:"visibility_timeout" validate:"gt=0"`
	ReapInterval      time.Duration         `yaml:"reap_interval" mapstructure:"reap_interval" validate:"gt=0"`
	RedisURL          string                `yaml:"redis_url" mapstructure:"redis_url" validate:"required_if=Backend redis"`
	RedisPrefix       string                `yaml:"redis_prefix" mapstructure:"redis_prefix"`
	StarvationGuard   StarvationGuardConfig `yaml:"starvation_guard" mapstructure:"starvation_guard"`
}

// StarvationGuardConfig: after Ratio consecutive dequeues from a higher
// partition, one dequeue is taken from a waiting lower partition.
type StarvationGuardConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
	Ratio   int  `yaml:"ratio" mapstructure:"ratio" validate:"required_if=Enabled true,gte=0"`
}

type MonitoringConfig struct {
	SampleInterval     time.Duration   `yaml:"sample_interval" mapstructure:"sample_interval" validate:"gt=0"`
	Window             time.Duration   `yaml:"window" mapstructure:"window" validate:"gt=0"`
	HistorySize        int             `yaml:"history_size" mapstructure:"history_size" validate:"gte=1"`
	ConsecutiveSamples int             `yaml:"consecutive_samples" mapstructure:"consecutive_samples" validate:"gte=1"`
	HTTPAddr           string          `yaml:"http_addr" mapstructure:"http_addr"`
	AlertThresholds    AlertThresholds `yaml:"alert_thresholds" mapstructure:"alert_thresholds"`
}

// AlertThresholds: zero disables a metric.
type AlertThresholds struct {
	CPUUsage    float64 `yaml:"cpu_usage" mapstructure:"cpu_usage" validate:"gte=0,lte=100"`
	MemoryUsage float64 `yaml:"memory_usage" mapstructure:"memory_usage" validate:"gte=0,lte=100"`
	QueueSize   int     `yaml:"queue_size" mapstructure:"queue_size" validate:"gte=0"`
	ErrorRate   float64 `yaml:"error_rate" mapstructure:"error_rate" validate:"gte=0,lte=1"`
}

type ProcessorConfig struct {
	Type               string        `yaml:"type" mapstructure:"type" validate:"oneof=exec http"`
	Command            string        `yaml:"command" mapstructure:"command" validate:"required_if=Type exec"`
	Args               []string      `yaml:"args,omitempty" mapstructure:"args"`
	RetryableExitCodes []int         `yaml:"retryable_exit_codes,omitempty" mapstructure:"retryable_exit_codes"`
	URL                string        `yaml:"url,omitempty" mapstructure:"url" validate:"required_if=Type http"`
	HTTPTimeout        time.Duration `yaml:"http_timeout" mapstructure:"http_timeout" validate:"gte=0"`
}

type RecordsConfig struct {
	PostgresURL string `yaml:"postgres_url,omitempty" mapstructure:"postgres_url"`
	Table       string `yaml:"table" mapstructure:"table" validate:"required"`
}

type LoggingConfig struct {
	Level string `yaml:"level" mapstructure:"level" validate:"oneof=debug info warn error"`
}

type DaemonConfig struct {
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" validate:"gt=0"`
}

// Levels returns the enabled partitions in dispatch order.
func (c QueueConfig) Levels() PriorityLevels {
	out := make(PriorityLevels, 0, len(c.PriorityLevels))
	for _, p := range Priorities {
		for _, s := range c.PriorityLevels {
			if Priority(s) == p {
				out = append(out, p)
			}
		}
	}
	return out
}

// MaxAttempts is the number of retries a transient failure may consume.
func (c ProcessingConfig) MaxAttempts() int {
	return c.RetryAttempts
}
