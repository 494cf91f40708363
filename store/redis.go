package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/whodaniel/fuse-sub035/internal/tlsutil"
)

// =============================================================================
// 🔴 Redis 后端
// =============================================================================

// casScript checks every key first and only then writes, so the swap is all
// or nothing. ARGV carries 4 values per key: mode, old, new, ttl(ms).
// mode[1]: 'a' = key must be absent, 'v' = key must equal old
// mode[2]: 's' = set new, 'd' = delete
var casScript = redis.NewScript(`
local n = #KEYS
for i = 1, n do
  local b = (i - 1) * 4
  local mode = ARGV[b + 1]
  local cur = redis.call('GET', KEYS[i])
  if string.sub(mode, 1, 1) == 'a' then
    if cur then return 0 end
  else
    if (not cur) or cur ~= ARGV[b + 2] then return 0 end
  end
end
for i = 1, n do
  local b = (i - 1) * 4
  local mode = ARGV[b + 1]
  if string.sub(mode, 2, 2) == 'd' then
    redis.call('DEL', KEYS[i])
  else
    local ttl = tonumber(ARGV[b + 4])
    if ttl > 0 then
      redis.call('SET', KEYS[i], ARGV[b + 3], 'PX', ttl)
    else
      redis.call('SET', KEYS[i], ARGV[b + 3])
    end
  end
end
return 1
`)

var cadScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// Redis is a Store backed by go-redis.
type Redis struct {
	client *redis.Client
	prefix string
	logger *zap.Logger

	mu     sync.RWMutex
	closed bool
	stop   chan struct{}
}

// NewRedis connects to Redis and verifies the connection.
func NewRedis(ctx context.Context, prefix string, cfg RedisConfig, logger *zap.Logger) (*Redis, error) {
	client := redis.NewClient(redisOptions(cfg))

	// 测试连接
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	r := NewRedisFromClient(client, prefix, logger)
	if cfg.HealthCheckInterval > 0 {
		go r.healthCheckLoop(cfg.HealthCheckInterval)
	}

	r.logger.Info("redis store initialized",
		zap.String("addr", cfg.Addr),
		zap.Int("pool_size", cfg.PoolSize),
		zap.String("prefix", r.prefix),
	)
	return r, nil
}

func redisOptions(cfg RedisConfig) *redis.Options {
	opts := &redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   cfg.MaxRetries,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
	}
	if cfg.TLS {
		opts.TLSConfig = tlsutil.ForAddr(cfg.Addr, cfg.TLSInsecureSkipVerify)
	}
	return opts
}

// NewRedisFromClient wraps an existing client. The store takes ownership
// of the client and closes it on Close.
func NewRedisFromClient(client *redis.Client, prefix string, logger *zap.Logger) *Redis {
	if logger == nil {
		logger = zap.NewNop()
	}
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &Redis{
		client: client,
		prefix: prefix,
		logger: logger.With(zap.String("component", "store"), zap.String("backend", "redis")),
		stop:   make(chan struct{}),
	}
}

// Client exposes the underlying client.
func (r *Redis) Client() *redis.Client {
	return r.client
}

func (r *Redis) k(key string) string { return r.prefix + key }

func (r *Redis) check() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return ErrClosed
	}
	return nil
}

func wrapNil(err error) error {
	if errors.Is(err, redis.Nil) {
		return ErrNil
	}
	return err
}

// Get returns ErrNil when the key does not exist.
func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	if err := r.check(); err != nil {
		return nil, err
	}
	val, err := r.client.Get(ctx, r.k(key)).Bytes()
	if err != nil {
		return nil, wrapNil(err)
	}
	return val, nil
}

func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.check(); err != nil {
		return err
	}
	return r.client.Set(ctx, r.k(key), value, ttl).Err()
}

func (r *Redis) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if err := r.check(); err != nil {
		return false, err
	}
	return r.client.SetNX(ctx, r.k(key), value, ttl).Result()
}

func (r *Redis) Del(ctx context.Context, keys ...string) error {
	if err := r.check(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, key := range keys {
		full[i] = r.k(key)
	}
	return r.client.Del(ctx, full...).Err()
}

func (r *Redis) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := r.check(); err != nil {
		return err
	}
	return r.client.Expire(ctx, r.k(key), ttl).Err()
}

// Keys scans with SCAN rather than KEYS to avoid blocking the server.
func (r *Redis) Keys(ctx context.Context, pattern string) ([]string, error) {
	if err := r.check(); err != nil {
		return nil, err
	}
	var out []string
	iter := r.client.Scan(ctx, 0, r.k(pattern), 200).Iterator()
	for iter.Next(ctx) {
		out = append(out, strings.TrimPrefix(iter.Val(), r.prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan keys: %w", err)
	}
	return out, nil
}

func (r *Redis) Incr(ctx context.Context, key string) (int64, error) {
	if err := r.check(); err != nil {
		return 0, err
	}
	return r.client.Incr(ctx, r.k(key)).Result()
}

func (r *Redis) RPush(ctx context.Context, key string, values ...[]byte) (int64, error) {
	if err := r.check(); err != nil {
		return 0, err
	}
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return r.client.RPush(ctx, r.k(key), args...).Result()
}

func (r *Redis) LPop(ctx context.Context, key string) ([]byte, error) {
	if err := r.check(); err != nil {
		return nil, err
	}
	val, err := r.client.LPop(ctx, r.k(key)).Bytes()
	if err != nil {
		return nil, wrapNil(err)
	}
	return val, nil
}

func (r *Redis) LRange(ctx context.Context, key string, start, stop int64) ([][]byte, error) {
	if err := r.check(); err != nil {
		return nil, err
	}
	vals, err := r.client.LRange(ctx, r.k(key), start, stop).Result()
	if err != nil {
		return nil, wrapNil(err)
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}

func (r *Redis) LTrim(ctx context.Context, key string, start, stop int64) error {
	if err := r.check(); err != nil {
		return err
	}
	return r.client.LTrim(ctx, r.k(key), start, stop).Err()
}

func (r *Redis) LLen(ctx context.Context, key string) (int64, error) {
	if err := r.check(); err != nil {
		return 0, err
	}
	return r.client.LLen(ctx, r.k(key)).Result()
}

func (r *Redis) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := r.check(); err != nil {
		return err
	}
	return r.client.Publish(ctx, r.k(channel), payload).Err()
}

// Subscribe blocks until Redis confirms the subscription so that messages
// published after it returns are not missed.
func (r *Redis) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
	if err := r.check(); err != nil {
		return nil, err
	}
	full := make([]string, len(channels))
	for i, ch := range channels {
		full[i] = r.k(ch)
	}
	ps := r.client.Subscribe(ctx, full...)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %v: %w", channels, err)
	}

	sub := &redisSubscription{
		ps:   ps,
		out:  make(chan PubSubMessage, 64),
		done: make(chan struct{}),
	}
	go sub.pump(r.prefix)
	return sub, nil
}

type redisSubscription struct {
	ps   *redis.PubSub
	out  chan PubSubMessage
	done chan struct{}
	once sync.Once
}

func (s *redisSubscription) pump(prefix string) {
	defer close(s.out)
	for msg := range s.ps.Channel() {
		select {
		case s.out <- PubSubMessage{
			Channel: strings.TrimPrefix(msg.Channel, prefix),
			Payload: []byte(msg.Payload),
		}:
		case <-s.done:
			return
		}
	}
}

func (s *redisSubscription) Channel() <-chan PubSubMessage { return s.out }

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}

func (r *Redis) CompareAndSwap(ctx context.Context, ops ...CASOp) (bool, error) {
	if err := r.check(); err != nil {
		return false, err
	}
	if len(ops) == 0 {
		return true, nil
	}
	keys := make([]string, len(ops))
	args := make([]any, 0, len(ops)*4)
	for i, op := range ops {
		keys[i] = r.k(op.Key)
		mode := "v"
		if op.Old == nil {
			mode = "a"
		}
		if op.Delete {
			mode += "d"
		} else {
			mode += "s"
		}
		old := op.Old
		if old == nil {
			old = []byte{}
		}
		newVal := op.New
		if newVal == nil {
			newVal = []byte{}
		}
		args = append(args, mode, old, newVal, op.TTL.Milliseconds())
	}
	res, err := casScript.Run(ctx, r.client, keys, args...).Int64()
	if err != nil {
		return false, fmt.Errorf("compare and swap: %w", err)
	}
	return res == 1, nil
}

func (r *Redis) CompareAndDelete(ctx context.Context, key string, old []byte) (bool, error) {
	if err := r.check(); err != nil {
		return false, err
	}
	res, err := cadScript.Run(ctx, r.client, []string{r.k(key)}, old).Int64()
	if err != nil {
		return false, fmt.Errorf("compare and delete: %w", err)
	}
	return res == 1, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	if err := r.check(); err != nil {
		return err
	}
	return r.client.Ping(ctx).Err()
}

// Close 关闭连接
func (r *Redis) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.stop)
	r.mu.Unlock()

	r.logger.Info("closing redis store")
	return r.client.Close()
}

// healthCheckLoop 健康检查循环
func (r *Redis) healthCheckLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := r.client.Ping(ctx).Err(); err != nil {
				r.logger.Error("redis health check failed", zap.Error(err))
			}
			cancel()
		}
	}
}
