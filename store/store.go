// Package store defines the shared store contract the messaging core runs on
// and provides Redis and in-memory backends.
//
// The contract is deliberately small: key/value with expiry, atomic
// increment, list push/pop, publish/subscribe, plus two compare helpers used
// by optimistic writes and TTL locks.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Common errors
var (
	// ErrNil is returned for missing keys and empty lists.
	ErrNil = errors.New("store: nil")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("store: closed")
)

// Type represents the type of storage backend
type Type string

const (
	TypeMemory Type = "memory"
	TypeRedis  Type = "redis"
)

// DefaultKeyPrefix namespaces every key and pub/sub channel.
const DefaultKeyPrefix = "fuse:"

// CASOp is one key of an all-or-nothing compare-and-swap.
type CASOp struct {
	Key string

	// Old is the expected current value; nil means the key must be absent.
	Old []byte

	// New replaces the value when every op matches. Ignored when Delete is set.
	New []byte

	// Delete removes the key instead of writing New.
	Delete bool

	// TTL of the new value, 0 = no expiry.
	TTL time.Duration
}

// PubSubMessage is a payload received on a subscribed channel.
type PubSubMessage struct {
	Channel string
	Payload []byte
}

// Subscription is a live pub/sub subscription.
type Subscription interface {
	// Channel delivers messages until Close is called.
	Channel() <-chan PubSubMessage
	Close() error
}

// Store is the shared key/value, list and pub/sub substrate.
// All keys and channel names are relative; backends apply the key prefix.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetNX sets the key only when absent and reports whether it did.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
	Expire(ctx context.Context, key string, ttl time.Duration) error
	// Keys returns relative keys matching a glob pattern.
	Keys(ctx context.Context, pattern string) ([]string, error)
	Incr(ctx context.Context, key string) (int64, error)

	RPush(ctx context.Context, key string, values ...[]byte) (int64, error)
	LPop(ctx context.Context, key string) ([]byte, error)
	LRange(ctx context.Context, key string, start, stop int64) ([][]byte, error)
	LTrim(ctx context.Context, key string, start, stop int64) error
	LLen(ctx context.Context, key string) (int64, error)

	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channels ...string) (Subscription, error)

	// CompareAndSwap applies every op or none. It returns false when any
	// op's expectation does not hold.
	CompareAndSwap(ctx context.Context, ops ...CASOp) (bool, error)
	// CompareAndDelete deletes key only when it still holds old.
	CompareAndDelete(ctx context.Context, key string, old []byte) (bool, error)

	Ping(ctx context.Context) error
	Close() error
}

// Config 共享存储配置
type Config struct {
	// 后端类型: memory / redis
	Type Type `yaml:"type" json:"type" env:"TYPE"`

	// 键前缀，默认 "fuse:"
	KeyPrefix string `yaml:"key_prefix" json:"key_prefix" env:"KEY_PREFIX"`

	Redis RedisConfig `yaml:"redis" json:"redis" env:"REDIS"`
}

// RedisConfig Redis 后端配置
type RedisConfig struct {
	Addr         string `yaml:"addr" json:"addr" env:"ADDR"`
	Password     string `yaml:"password" json:"password" env:"PASSWORD"`
	DB           int    `yaml:"db" json:"db" env:"DB"`
	PoolSize     int    `yaml:"pool_size" json:"pool_size" env:"POOL_SIZE"`
	MinIdleConns int    `yaml:"min_idle_conns" json:"min_idle_conns" env:"MIN_IDLE_CONNS"`
	MaxRetries   int    `yaml:"max_retries" json:"max_retries" env:"MAX_RETRIES"`

	// 连接超时
	DialTimeout time.Duration `yaml:"dial_timeout" json:"dial_timeout" env:"DIAL_TIMEOUT"`

	// 健康检查间隔，0 表示关闭
	HealthCheckInterval time.Duration `yaml:"health_check_interval" json:"health_check_interval" env:"HEALTH_CHECK_INTERVAL"`

	// 使用 TLS 连接（TLS 1.2+）
	TLS bool `yaml:"tls" json:"tls" env:"TLS"`

	// 跳过证书校验，仅用于测试集群
	TLSInsecureSkipVerify bool `yaml:"tls_insecure_skip_verify" json:"tls_insecure_skip_verify" env:"TLS_INSECURE_SKIP_VERIFY"`
}

// DefaultConfig returns a memory store; production deployments select redis.
func DefaultConfig() Config {
	return Config{
		Type:      TypeMemory,
		KeyPrefix: DefaultKeyPrefix,
		Redis: RedisConfig{
			Addr:                "localhost:6379",
			PoolSize:            10,
			MinIdleConns:        2,
			MaxRetries:          3,
			DialTimeout:         5 * time.Second,
			HealthCheckInterval: 30 * time.Second,
		},
	}
}

// Validate checks the store configuration.
func (c Config) Validate() error {
	switch c.Type {
	case TypeMemory, "":
	case TypeRedis:
		if strings.TrimSpace(c.Redis.Addr) == "" {
			return errors.New("store.redis.addr is required for redis store")
		}
	default:
		return fmt.Errorf("unsupported store type: %s", c.Type)
	}
	return nil
}

// New creates a Store for the configured backend.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Type {
	case TypeMemory, "":
		return NewMemory(cfg.KeyPrefix), nil
	case TypeRedis:
		return NewRedis(ctx, cfg.KeyPrefix, cfg.Redis, logger)
	default:
		return nil, fmt.Errorf("unsupported store type: %s", cfg.Type)
	}
}
