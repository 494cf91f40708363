package broker

import (
	"time"

	"github.com/whodaniel/fuse-sub035/internal/retry"
)

// Config 消息代理配置
type Config struct {
	// 每个 lane 列表保留的最大条数，默认 10000
	LaneMaxLen int64 `yaml:"lane_max_len" json:"lane_max_len" env:"LANE_MAX_LEN"`

	// lane 列表的过期时间（最后一次写入起算），默认 1h
	LaneTTL time.Duration `yaml:"lane_ttl" json:"lane_ttl" env:"LANE_TTL"`

	// 持久日志保留的最大条数，默认 10000
	LogMaxLen int64 `yaml:"log_max_len" json:"log_max_len" env:"LOG_MAX_LEN"`

	// 持久消息保留时长，默认 24h
	RetentionTTL time.Duration `yaml:"retention_ttl" json:"retention_ttl" env:"RETENTION_TTL"`

	// 每个订阅者的去重窗口（消息 ID 数），默认 10000，应不小于 LogMaxLen 与 LaneMaxLen
	DedupWindow int `yaml:"dedup_window" json:"dedup_window" env:"DEDUP_WINDOW"`

	// 轮询间隔（pub/sub 唤醒之外的兜底），默认 500ms
	PollInterval time.Duration `yaml:"poll_interval" json:"poll_interval" env:"POLL_INTERVAL"`

	// 订阅者收件箱容量，满时本地快速路径放弃投递、由存储路径补投，默认 256
	InboxSize int `yaml:"inbox_size" json:"inbox_size" env:"INBOX_SIZE"`

	// 单次处理器调用超时，默认 30s
	HandlerTimeout time.Duration `yaml:"handler_timeout" json:"handler_timeout" env:"HANDLER_TIMEOUT"`

	// 重放任务间隔，默认 30s，0 表示关闭
	ReplayInterval time.Duration `yaml:"replay_interval" json:"replay_interval" env:"REPLAY_INTERVAL"`

	// 重放速率（条/秒）与突发量，默认 200 / 50
	ReplayRate  float64 `yaml:"replay_rate" json:"replay_rate" env:"REPLAY_RATE"`
	ReplayBurst int     `yaml:"replay_burst" json:"replay_burst" env:"REPLAY_BURST"`

	// 存储写入失败时的重试策略，默认 3 次指数退避
	PublishRetry retry.Policy `yaml:"publish_retry" json:"publish_retry" env:"PUBLISH_RETRY"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		LaneMaxLen:     10000,
		LaneTTL:        time.Hour,
		LogMaxLen:      10000,
		RetentionTTL:   24 * time.Hour,
		DedupWindow:    10000,
		PollInterval:   500 * time.Millisecond,
		InboxSize:      256,
		HandlerTimeout: 30 * time.Second,
		ReplayInterval: 30 * time.Second,
		ReplayRate:     200,
		ReplayBurst:    50,
		PublishRetry:   retry.DefaultPolicy(),
	}
}

// withDefaults fills zero values from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.LaneMaxLen <= 0 {
		c.LaneMaxLen = d.LaneMaxLen
	}
	if c.LaneTTL <= 0 {
		c.LaneTTL = d.LaneTTL
	}
	if c.LogMaxLen <= 0 {
		c.LogMaxLen = d.LogMaxLen
	}
	if c.RetentionTTL <= 0 {
		c.RetentionTTL = d.RetentionTTL
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = d.DedupWindow
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.InboxSize <= 0 {
		c.InboxSize = d.InboxSize
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = d.HandlerTimeout
	}
	if c.ReplayRate <= 0 {
		c.ReplayRate = d.ReplayRate
	}
	if c.ReplayBurst <= 0 {
		c.ReplayBurst = d.ReplayBurst
	}
	if c.PublishRetry.MaxAttempts <= 0 {
		c.PublishRetry = d.PublishRetry
	}
	return c
}

// =============================================================================
// 🔑 存储键
// =============================================================================

func laneKey(channel, lane string) string { return "broker:lane:" + channel + ":" + lane }
func logKey(channel string) string        { return "broker:log:" + channel }
func notifyKey(channel string) string     { return "broker:notify:" + channel }
func seqKey(channel string) string        { return "broker:seq:" + channel }
func seenKey(channel, sub string) string  { return "broker:seen:" + channel + ":" + sub }
func lowKey(channel, sub string) string   { return "broker:seenlow:" + channel + ":" + sub }
