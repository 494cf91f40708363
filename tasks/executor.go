package tasks

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/whodaniel/fuse-sub035/internal/telemetry"
	"github.com/whodaniel/fuse-sub035/types"
)

// =============================================================================
// ⚙️ 执行器
// =============================================================================

// HandlerFunc runs one attempt of a task. It should return promptly once ctx
// is done; a handler that does not is abandoned at its timeout.
type HandlerFunc func(ctx context.Context, t *Task) error

var (
	errCancelled = errors.New("task cancelled")
	errTimedOut  = errors.New("task timed out")
)

// Executor runs ready tasks on a fixed pool of workers.
type Executor struct {
	queue  *Queue
	config Config
	logger *zap.Logger

	mu       sync.RWMutex
	handlers map[string]HandlerFunc

	busy atomic.Int32
}

// NewExecutor creates an executor draining q.
func NewExecutor(q *Queue, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		queue:    q,
		config:   q.config,
		logger:   logger.With(zap.String("component", "executor")),
		handlers: make(map[string]HandlerFunc),
	}
}

// Register sets the handler for a task type, replacing any previous one.
func (e *Executor) Register(taskType string, h HandlerFunc) error {
	if strings.TrimSpace(taskType) == "" {
		return types.NewError(types.ErrInvalidInput, "task type is required")
	}
	if h == nil {
		return types.NewError(types.ErrInvalidInput, "handler is nil")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[taskType] = h
	return nil
}

func (e *Executor) handler(taskType string) HandlerFunc {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.handlers[taskType]
}

// Busy returns the number of workers currently running a task.
func (e *Executor) Busy() int { return int(e.busy.Load()) }

// Run starts MaxConcurrency workers and blocks until ctx is done and every
// worker has returned.
func (e *Executor) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < e.config.MaxConcurrency; i++ {
		worker := i
		g.Go(func() error {
			e.work(gctx, worker)
			return nil
		})
	}
	e.logger.Info("executor started", zap.Int("workers", e.config.MaxConcurrency))
	err := g.Wait()
	e.logger.Info("executor stopped")
	return err
}

func (e *Executor) work(ctx context.Context, worker int) {
	idle := time.NewTimer(e.config.TickInterval)
	defer idle.Stop()
	for {
		if ctx.Err() != nil {
			return
		}
		if e.RunOnce(ctx) {
			continue
		}
		idle.Reset(e.config.TickInterval)
		select {
		case <-ctx.Done():
			return
		case <-e.queue.ready:
		case <-idle.C:
		}
	}
}

// RunOnce executes the highest-priority ready task, if any, and reports
// whether it ran one.
func (e *Executor) RunOnce(ctx context.Context) bool {
	t := e.queue.next(ctx)
	if t == nil {
		return false
	}
	e.execute(ctx, t)
	return true
}

func (e *Executor) execute(ctx context.Context, t *Task) {
	start := time.Now()
	e.busy.Add(1)
	e.queue.metrics.AddBusyWorkers(1)
	defer func() {
		e.busy.Add(-1)
		e.queue.metrics.AddBusyWorkers(-1)
	}()

	ctx, span := telemetry.Start(ctx, "tasks", "task.run",
		attribute.String("task.id", t.ID),
		attribute.String("task.type", t.Type),
		attribute.Int("task.attempt", t.Attempts),
	)

	var runErr error
	retry := true
	if h := e.handler(t.Type); h == nil {
		runErr = types.Errorf(types.ErrUnknownTaskType, "no handler registered for task type %q", t.Type)
		retry = false
	} else {
		runErr = e.invoke(ctx, t, h)
	}
	telemetry.End(span, runErr)

	// 最终状态必须落盘，即使执行器正在退出
	final := e.queue.finish(context.WithoutCancel(ctx), t.ID, runErr, retry)
	outcome := outcomeOf(final)
	e.queue.metrics.RecordTaskExecution(t.Type, outcome, time.Since(start))

	fields := []zap.Field{
		zap.String("task_id", t.ID),
		zap.String("type", t.Type),
		zap.Int("attempt", t.Attempts),
		zap.String("outcome", outcome),
		zap.Duration("duration", time.Since(start)),
	}
	if runErr != nil {
		e.logger.Warn("task attempt failed", append(fields, zap.Error(runErr))...)
	} else {
		e.logger.Debug("task completed", fields...)
	}
}

// invoke runs h under the task timeout. Panics are returned as errors.
func (e *Executor) invoke(ctx context.Context, t *Task, h HandlerFunc) error {
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = e.config.DefaultTimeout
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if !e.queue.bindCancel(t.ID, cancel) {
		return types.NewError(types.ErrTaskCancelled, "task cancelled before start")
	}
	runCtx, stop := context.WithTimeoutCause(runCtx, timeout, errTimedOut)
	defer stop()
	runCtx = types.WithTaskID(runCtx, t.ID)

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("task handler panicked",
					zap.String("task_id", t.ID),
					zap.Any("panic", r),
					zap.ByteString("stack", debug.Stack()),
				)
				done <- fmt.Errorf("task handler panicked: %v", r)
			}
		}()
		done <- h(runCtx, t.Clone())
	}()

	select {
	case err := <-done:
		if err != nil && errors.Is(context.Cause(runCtx), errTimedOut) {
			return timeoutError(t, timeout, err)
		}
		return err
	case <-runCtx.Done():
		cause := context.Cause(runCtx)
		switch {
		case errors.Is(cause, errTimedOut):
			// 不配合取消的处理器在此被放弃，工作协程继续处理下一个任务
			return timeoutError(t, timeout, nil)
		case errors.Is(cause, errCancelled):
			return types.NewError(types.ErrTaskCancelled, "task cancelled while running")
		default:
			return fmt.Errorf("task interrupted: %w", cause)
		}
	}
}

func timeoutError(t *Task, timeout time.Duration, cause error) error {
	err := types.Errorf(types.ErrTaskTimeout, "task %s exceeded timeout %s", t.ID, timeout)
	if cause != nil {
		err = err.WithCause(cause)
	}
	return err
}

func outcomeOf(final *Task) string {
	if final == nil {
		return "cancelled"
	}
	switch final.Status {
	case StatusCompleted:
		return "completed"
	case StatusScheduled:
		return "retry"
	default:
		if final.LastErrorCode == types.ErrTaskTimeout {
			return "timeout"
		}
		if final.LastErrorCode == types.ErrUnknownTaskType {
			return "unknown_type"
		}
		return "failed"
	}
}
