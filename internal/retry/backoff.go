// Package retry provides bounded exponential backoff with jitter.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// Policy 定义重试策略配置
type Policy struct {
	MaxAttempts  int           `yaml:"max_attempts" json:"max_attempts" env:"MAX_ATTEMPTS"`    // 最大尝试次数（含首次）
	InitialDelay time.Duration `yaml:"initial_delay" json:"initial_delay" env:"INITIAL_DELAY"` // 初始延迟时间
	MaxDelay     time.Duration `yaml:"max_delay" json:"max_delay" env:"MAX_DELAY"`             // 最大延迟时间
	Multiplier   float64       `yaml:"multiplier" json:"multiplier" env:"MULTIPLIER"`          // 延迟倍增因子
	Jitter       bool          `yaml:"jitter" json:"jitter" env:"JITTER"`                      // 是否添加 ±25% 随机抖动

	// RetryIf 为 nil 时所有错误都可重试
	RetryIf func(error) bool `yaml:"-" json:"-"`
	// OnRetry 重试回调
	OnRetry func(attempt int, err error, delay time.Duration) `yaml:"-" json:"-"`
}

// DefaultPolicy returns 3 attempts with 100ms/200ms backoff, suitable for
// transient shared-store failures.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = 100 * time.Millisecond
	}
	if p.MaxDelay < p.InitialDelay {
		p.MaxDelay = p.InitialDelay
	}
	if p.Multiplier < 1.0 {
		p.Multiplier = 2.0
	}
	return p
}

// Delay returns the wait before retry number `retry` (1-based):
// initial * multiplier^(retry-1), capped at MaxDelay, with optional jitter.
func (p Policy) Delay(retry int) time.Duration {
	p = p.normalized()
	if retry < 1 {
		retry = 1
	}

	delay := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(retry-1))
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}

	if p.Jitter {
		jitter := delay * 0.25
		delay += (rand.Float64()*2 - 1) * jitter
	}

	if delay < float64(p.InitialDelay)/2 {
		delay = float64(p.InitialDelay) / 2
	}
	return time.Duration(delay)
}

// ErrExhausted is wrapped into the error returned when all attempts failed.
var ErrExhausted = errors.New("retry attempts exhausted")

// Retryer 基于指数退避的重试器
type Retryer struct {
	policy Policy
	logger *zap.Logger
}

// New creates a Retryer. A nil logger is replaced by a no-op logger.
func New(policy Policy, logger *zap.Logger) *Retryer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retryer{policy: policy.normalized(), logger: logger}
}

// Policy returns the normalized policy.
func (r *Retryer) Policy() Policy {
	return r.policy
}

// Do runs fn until it succeeds, returns a non-retryable error, the context
// is done, or MaxAttempts is reached. The last error is wrapped together
// with ErrExhausted.
func (r *Retryer) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := r.policy.Delay(attempt - 1)

			r.logger.Debug("retrying",
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", r.policy.MaxAttempts),
				zap.Duration("delay", delay),
				zap.Error(lastErr),
			)

			if r.policy.OnRetry != nil {
				r.policy.OnRetry(attempt, lastErr, delay)
			}

			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("retry cancelled: %w", errors.Join(ctx.Err(), lastErr))
			case <-timer.C:
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		if r.policy.RetryIf != nil && !r.policy.RetryIf(lastErr) {
			return lastErr
		}
	}

	r.logger.Warn("retry attempts exhausted",
		zap.Int("attempts", r.policy.MaxAttempts),
		zap.Error(lastErr),
	)
	return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, r.policy.MaxAttempts, lastErr)
}

// DoValue is a type-safe wrapper around Do for functions returning a value.
func DoValue[T any](ctx context.Context, r *Retryer, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := r.Do(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
