package tasks

import (
	"fmt"
	"time"

	"github.com/whodaniel/fuse-sub035/internal/retry"
)

// Config 任务队列、调度器与执行器配置
type Config struct {
	// 工作协程数（并发上限），默认 4
	MaxConcurrency int `yaml:"max_concurrency" json:"max_concurrency" env:"MAX_CONCURRENCY"`

	// 未指定 MaxAttempts 的任务使用的尝试次数，默认 3
	DefaultMaxAttempts int `yaml:"default_max_attempts" json:"default_max_attempts" env:"DEFAULT_MAX_ATTEMPTS"`

	// 单次处理器调用超时，默认 30s
	DefaultTimeout time.Duration `yaml:"default_timeout" json:"default_timeout" env:"DEFAULT_TIMEOUT"`

	// 调度器 tick 间隔，也是空闲工作协程的兜底唤醒间隔，默认 200ms
	TickInterval time.Duration `yaml:"tick_interval" json:"tick_interval" env:"TICK_INTERVAL"`

	// 失败重试的退避策略（只使用延迟参数，次数由任务的 MaxAttempts 决定）
	Backoff retry.Policy `yaml:"backoff" json:"backoff" env:"BACKOFF"`

	// 任务事件发布的频道，默认 events.tasks
	EventsChannel string `yaml:"events_channel" json:"events_channel" env:"EVENTS_CHANNEL"`

	// 任务状态在状态管理器中的键前缀，默认 tasks:
	KeyPrefix string `yaml:"key_prefix" json:"key_prefix" env:"KEY_PREFIX"`

	// 内存中保留的终态任务数，默认 1000
	RetainTerminal int `yaml:"retain_terminal" json:"retain_terminal" env:"RETAIN_TERMINAL"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		MaxConcurrency:     4,
		DefaultMaxAttempts: 3,
		DefaultTimeout:     30 * time.Second,
		TickInterval:       200 * time.Millisecond,
		Backoff: retry.Policy{
			InitialDelay: time.Second,
			MaxDelay:     5 * time.Minute,
			Multiplier:   2.0,
			Jitter:       true,
		},
		EventsChannel:  "events.tasks",
		KeyPrefix:      "tasks:",
		RetainTerminal: 1000,
	}
}

// Validate checks the task configuration.
func (c Config) Validate() error {
	if c.MaxConcurrency < 0 {
		return fmt.Errorf("tasks.max_concurrency must not be negative")
	}
	if c.DefaultMaxAttempts < 0 {
		return fmt.Errorf("tasks.default_max_attempts must not be negative")
	}
	if c.DefaultTimeout < 0 || c.TickInterval < 0 {
		return fmt.Errorf("tasks durations must not be negative")
	}
	return nil
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = d.MaxConcurrency
	}
	if c.DefaultMaxAttempts <= 0 {
		c.DefaultMaxAttempts = d.DefaultMaxAttempts
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = d.DefaultTimeout
	}
	if c.TickInterval <= 0 {
		c.TickInterval = d.TickInterval
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff = d.Backoff
	}
	if c.EventsChannel == "" {
		c.EventsChannel = d.EventsChannel
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = d.KeyPrefix
	}
	if c.RetainTerminal <= 0 {
		c.RetainTerminal = d.RetainTerminal
	}
	return c
}
