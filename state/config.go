package state

import (
	"fmt"
	"time"
)

// SnapshotBackend selects where snapshots are kept.
type SnapshotBackend string

const (
	SnapshotBackendStore SnapshotBackend = "store"
	SnapshotBackendSQL   SnapshotBackend = "sql"
)

// Config 状态管理器配置
type Config struct {
	// 节点标识，用于过滤本节点发出的远程变更通知；为空时自动生成
	NodeID string `yaml:"node_id" json:"node_id" env:"NODE_ID"`

	// 事务锁的 TTL，持有超过该时长视为放弃，默认 5s
	LockTTL time.Duration `yaml:"lock_ttl" json:"lock_ttl" env:"LOCK_TTL"`

	// 获取全部锁的最长等待时间，默认 2s
	LockWait time.Duration `yaml:"lock_wait" json:"lock_wait" env:"LOCK_WAIT"`

	// 锁被占用时的重试间隔，默认 20ms
	LockRetryInterval time.Duration `yaml:"lock_retry_interval" json:"lock_retry_interval" env:"LOCK_RETRY_INTERVAL"`

	// 变更日志保留的最大条数，默认 10000
	ChangeLogMaxLen int64 `yaml:"change_log_max_len" json:"change_log_max_len" env:"CHANGE_LOG_MAX_LEN"`

	// 快照间隔，0 表示关闭周期快照，默认 5m
	SnapshotInterval time.Duration `yaml:"snapshot_interval" json:"snapshot_interval" env:"SNAPSHOT_INTERVAL"`

	// 快照包含的键模式（glob），为空表示全部
	SnapshotKeys []string `yaml:"snapshot_keys" json:"snapshot_keys" env:"SNAPSHOT_KEYS"`

	// 保留的快照个数，默认 10
	SnapshotRetain int `yaml:"snapshot_retain" json:"snapshot_retain" env:"SNAPSHOT_RETAIN"`

	// 快照后端: store / sql，默认 store
	SnapshotBackend SnapshotBackend `yaml:"snapshot_backend" json:"snapshot_backend" env:"SNAPSHOT_BACKEND"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		LockTTL:           5 * time.Second,
		LockWait:          2 * time.Second,
		LockRetryInterval: 20 * time.Millisecond,
		ChangeLogMaxLen:   10000,
		SnapshotInterval:  5 * time.Minute,
		SnapshotRetain:    10,
		SnapshotBackend:   SnapshotBackendStore,
	}
}

// Validate checks the state configuration.
func (c Config) Validate() error {
	switch c.SnapshotBackend {
	case SnapshotBackendStore, SnapshotBackendSQL, "":
	default:
		return fmt.Errorf("unsupported snapshot backend: %s", c.SnapshotBackend)
	}
	if c.LockTTL < 0 || c.LockWait < 0 {
		return fmt.Errorf("state lock durations must not be negative")
	}
	if c.SnapshotRetain < 0 {
		return fmt.Errorf("state.snapshot_retain must not be negative")
	}
	return nil
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.LockTTL <= 0 {
		c.LockTTL = d.LockTTL
	}
	if c.LockWait <= 0 {
		c.LockWait = d.LockWait
	}
	if c.LockRetryInterval <= 0 {
		c.LockRetryInterval = d.LockRetryInterval
	}
	if c.ChangeLogMaxLen <= 0 {
		c.ChangeLogMaxLen = d.ChangeLogMaxLen
	}
	if c.SnapshotRetain <= 0 {
		c.SnapshotRetain = d.SnapshotRetain
	}
	if len(c.SnapshotKeys) == 0 {
		c.SnapshotKeys = []string{"*"}
	}
	return c
}

// 存储键布局
const (
	valuePrefix  = "state:v:"
	lockPrefix   = "state:lock:"
	changeLogKey = "state:log"
	logSeqKey    = "state:logseq"
	changesTopic = "state:changes"
)

func valueKey(key string) string { return valuePrefix + key }
func lockKey(key string) string  { return lockPrefix + key }
