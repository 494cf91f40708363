package tasks

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/whodaniel/fuse-sub035/internal/retry"
	"github.com/whodaniel/fuse-sub035/state"
	"github.com/whodaniel/fuse-sub035/store"
	"github.com/whodaniel/fuse-sub035/types"
)

// =============================================================================
// 🧪 测试辅助
// =============================================================================

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.After(c.now) {
		c.now = t
	}
}

func (c *fakeClock) Advance(d time.Duration) { c.Set(c.Now().Add(d)) }

type recordingPublisher struct {
	mu       sync.Mutex
	channels []string
	events   []types.Event
	data     []json.RawMessage
}

func (p *recordingPublisher) Publish(_ context.Context, channel string, msg *types.Message) error {
	ev, data, err := types.EventFromMessage(msg)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.channels = append(p.channels, channel)
	p.events = append(p.events, ev)
	p.data = append(p.data, data)
	return nil
}

func (p *recordingPublisher) eventTypes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, ev := range p.events {
		out[i] = ev.Type
	}
	return out
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxConcurrency = 2
	cfg.TickInterval = 5 * time.Millisecond
	cfg.DefaultTimeout = time.Second
	cfg.Backoff = retry.Policy{InitialDelay: 10 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2}
	return cfg
}

func newTestQueue(t *testing.T, opts ...Option) (*Queue, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	q := NewQueue(testConfig(), zaptest.NewLogger(t), opts...)
	q.now = clock.Now
	return q, clock
}

func enqueue(t *testing.T, q *Queue, task *Task) *Task {
	t.Helper()
	got, err := q.Enqueue(context.Background(), task)
	require.NoError(t, err)
	return got
}

type fataler interface {
	Helper()
	Fatal(args ...any)
}

// drain runs ready tasks and jumps the clock to the next scheduled one
// until nothing is left.
func drain(t fataler, q *Queue, ex *Executor, clock *fakeClock) {
	t.Helper()
	ctx := context.Background()
	sched := NewScheduler(q, nil)
	for i := 0; i < 200; i++ {
		if ex.RunOnce(ctx) {
			continue
		}
		due, ok := q.nextDue()
		if !ok {
			return
		}
		clock.Set(due)
		sched.Tick(ctx, clock.Now())
	}
	t.Fatal("queue did not drain")
}

// =============================================================================
// 🧪 入队
// =============================================================================

func TestQueue_EnqueueValidation(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	tests := []struct {
		name string
		task *Task
	}{
		{"nil task", nil},
		{"missing type", &Task{}},
		{"bad priority", &Task{Type: "x", Priority: "urgent"}},
		{"negative attempts", &Task{Type: "x", MaxAttempts: -1}},
		{"negative timeout", &Task{Type: "x", Timeout: -time.Second}},
		{"bad recurrence", &Task{Type: "x", Recurrence: "every tuesday"}},
		{"bad payload", &Task{Type: "x", Payload: json.RawMessage(`{`)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := q.Enqueue(ctx, tt.task)
			require.Error(t, err)
			assert.True(t, types.IsErrorCode(err, types.ErrInvalidInput), "got %v", err)
		})
	}

	got := enqueue(t, q, &Task{ID: "t1", Type: "x"})
	assert.Equal(t, 3, got.MaxAttempts)
	assert.Equal(t, types.PriorityMedium, got.Priority)
	assert.Equal(t, StatusPending, got.Status)

	_, err := q.Enqueue(ctx, &Task{ID: "t1", Type: "x"})
	assert.True(t, types.IsErrorCode(err, types.ErrInvalidInput))
}

func TestQueue_EnqueueScheduledVsPending(t *testing.T) {
	q, clock := newTestQueue(t)

	future := clock.Now().Add(time.Hour)
	past := clock.Now().Add(-time.Hour)

	s := enqueue(t, q, &Task{Type: "x", ScheduledFor: &future})
	p := enqueue(t, q, &Task{Type: "x", ScheduledFor: &past})
	assert.Equal(t, StatusScheduled, s.Status)
	assert.Equal(t, StatusPending, p.Status)

	due, ok := q.nextDue()
	require.True(t, ok)
	assert.True(t, due.Equal(future))

	stats := q.Stats()
	assert.Equal(t, 1, stats.Pending)
	assert.Equal(t, 1, stats.Scheduled)
	assert.Equal(t, 1, stats.Lanes["medium"])
}

func TestQueue_PriorityLanesFIFO(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	for _, tc := range []struct {
		id   string
		prio types.Priority
	}{
		{"low-1", types.PriorityLow},
		{"med-1", types.PriorityMedium},
		{"high-1", types.PriorityHigh},
		{"high-2", types.PriorityHigh},
		{"low-2", types.PriorityLow},
	} {
		enqueue(t, q, &Task{ID: tc.id, Type: "x", Priority: tc.prio})
	}

	var order []string
	for task := q.next(ctx); task != nil; task = q.next(ctx) {
		assert.Equal(t, StatusRunning, task.Status)
		assert.Equal(t, 1, task.Attempts)
		order = append(order, task.ID)
	}
	assert.Equal(t, []string{"high-1", "high-2", "med-1", "low-1", "low-2"}, order)
}

func TestQueue_Cancel(t *testing.T) {
	pub := &recordingPublisher{}
	q, clock := newTestQueue(t, WithPublisher(pub))
	ctx := context.Background()

	err := q.Cancel(ctx, "missing")
	assert.True(t, types.IsErrorCode(err, types.ErrNotFound))

	pending := enqueue(t, q, &Task{Type: "x"})
	later := clock.Now().Add(time.Minute)
	scheduled := enqueue(t, q, &Task{Type: "x", ScheduledFor: &later})

	require.NoError(t, q.Cancel(ctx, pending.ID))
	require.NoError(t, q.Cancel(ctx, scheduled.ID))
	// 终态任务再次取消为空操作
	require.NoError(t, q.Cancel(ctx, pending.ID))

	assert.Nil(t, q.next(ctx))
	clock.Advance(2 * time.Minute)
	assert.Zero(t, q.promote(ctx, clock.Now()))

	got, err := q.Get(pending.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.NotNil(t, got.CompletedAt)
	assert.Equal(t, []string{types.EventTaskCancelled, types.EventTaskCancelled}, pub.eventTypes())
	assert.Equal(t, 2, q.Stats().Cancelled)
}

func TestQueue_ListAndGet(t *testing.T) {
	q, clock := newTestQueue(t)
	enqueue(t, q, &Task{ID: "a", Type: "email"})
	clock.Advance(time.Second)
	enqueue(t, q, &Task{ID: "b", Type: "report"})
	clock.Advance(time.Second)
	enqueue(t, q, &Task{ID: "c", Type: "email"})

	emails := q.List(Filter{Type: "email"})
	require.Len(t, emails, 2)
	assert.Equal(t, "a", emails[0].ID)
	assert.Equal(t, "c", emails[1].ID)

	assert.Len(t, q.List(Filter{Status: StatusPending, Limit: 1}), 1)
	assert.Empty(t, q.List(Filter{Status: StatusFailed}))

	_, err := q.Get("zzz")
	assert.True(t, types.IsErrorCode(err, types.ErrNotFound))

	// 返回副本，修改不影响队列
	got, err := q.Get("a")
	require.NoError(t, err)
	got.Status = StatusFailed
	again, _ := q.Get("a")
	assert.Equal(t, StatusPending, again.Status)
}

func TestQueue_RetainTerminalBound(t *testing.T) {
	cfg := testConfig()
	cfg.RetainTerminal = 2
	q := NewQueue(cfg, zaptest.NewLogger(t))
	ctx := context.Background()

	var ids []string
	for i := 0; i < 4; i++ {
		task := enqueue(t, q, &Task{Type: "x"})
		require.NoError(t, q.Cancel(ctx, task.ID))
		ids = append(ids, task.ID)
	}
	_, err := q.Get(ids[0])
	assert.True(t, types.IsErrorCode(err, types.ErrNotFound))
	_, err = q.Get(ids[3])
	assert.NoError(t, err)
	assert.Equal(t, 2, q.Stats().Cancelled)
}

// =============================================================================
// 🧪 调度器
// =============================================================================

func TestScheduler_TickPromotesDueTasks(t *testing.T) {
	q, clock := newTestQueue(t)
	ctx := context.Background()
	sched := NewScheduler(q, zaptest.NewLogger(t))

	at := clock.Now().Add(time.Minute)
	task := enqueue(t, q, &Task{Type: "x", Priority: types.PriorityHigh, ScheduledFor: &at})

	assert.Zero(t, sched.Tick(ctx, clock.Now()))
	assert.Nil(t, q.next(ctx))

	clock.Advance(time.Minute)
	assert.Equal(t, 1, sched.Tick(ctx, clock.Now()))

	got, err := q.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, 1, q.Stats().Lanes["high"])
}

func TestScheduler_TickIsNotReentrant(t *testing.T) {
	q, clock := newTestQueue(t)
	sched := NewScheduler(q, nil)
	past := clock.Now().Add(-time.Second)
	enqueue(t, q, &Task{Type: "x", ScheduledFor: &past})

	sched.mu.Lock()
	assert.Zero(t, sched.Tick(context.Background(), clock.Now()))
	sched.mu.Unlock()
}

func TestScheduler_Run(t *testing.T) {
	q := NewQueue(testConfig(), zaptest.NewLogger(t))
	sched := NewScheduler(q, zaptest.NewLogger(t))

	at := time.Now().Add(20 * time.Millisecond)
	task := enqueue(t, q, &Task{Type: "x", ScheduledFor: &at})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sched.Run(ctx) }()

	assert.Eventually(t, func() bool {
		got, err := q.Get(task.ID)
		return err == nil && got.Status == StatusPending
	}, time.Second, 5*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}

// =============================================================================
// 🧪 持久化与恢复
// =============================================================================

func TestQueue_RecordsTransitionsInState(t *testing.T) {
	st := state.NewManager(state.DefaultConfig(), store.NewMemory(""), zaptest.NewLogger(t))
	q, _ := newTestQueue(t, WithStateStore(st))
	ex := NewExecutor(q, zaptest.NewLogger(t))
	require.NoError(t, ex.Register("echo", func(context.Context, *Task) error { return nil }))
	ctx := context.Background()

	task := enqueue(t, q, &Task{Type: "echo"})
	e, err := st.Get(ctx, "tasks:"+task.ID)
	require.NoError(t, err)
	var rec Task
	require.NoError(t, e.Decode(&rec))
	assert.Equal(t, StatusScheduled, rec.Status)

	require.True(t, ex.RunOnce(ctx))

	e, err = st.Get(ctx, "tasks:"+task.ID)
	require.NoError(t, err)
	require.NoError(t, e.Decode(&rec))
	assert.Equal(t, StatusCompleted, rec.Status)
	assert.Equal(t, 1, rec.Attempts)
	// pending → running → completed
	assert.Equal(t, int64(3), e.Version)
}

func TestQueue_PersistRetriesStaleWriteOnce(t *testing.T) {
	st := state.NewManager(state.DefaultConfig(), store.NewMemory(""), zaptest.NewLogger(t))
	q, _ := newTestQueue(t, WithStateStore(st))
	ctx := context.Background()

	task := enqueue(t, q, &Task{Type: "x"})
	// 其他写入者修改了记录
	_, err := st.Set(ctx, "tasks:"+task.ID, map[string]string{"status": "pending"}, 1)
	require.NoError(t, err)

	require.NoError(t, q.Cancel(ctx, task.ID))
	e, err := st.Get(ctx, "tasks:"+task.ID)
	require.NoError(t, err)
	var rec Task
	require.NoError(t, e.Decode(&rec))
	assert.Equal(t, StatusCancelled, rec.Status)
	assert.Equal(t, int64(3), e.Version)
}

func TestQueue_Recover(t *testing.T) {
	ctx := context.Background()
	st := state.NewManager(state.DefaultConfig(), store.NewMemory(""), zaptest.NewLogger(t))

	first, _ := newTestQueue(t, WithStateStore(st))
	running := enqueue(t, first, &Task{ID: "running", Type: "x"})
	require.NotNil(t, first.next(ctx))
	enqueue(t, first, &Task{ID: "pending", Type: "x", Priority: types.PriorityHigh})
	done := enqueue(t, first, &Task{ID: "done", Type: "x"})
	require.NoError(t, first.Cancel(ctx, done.ID))

	// 进程重启
	second, clock2 := newTestQueue(t, WithStateStore(st))
	n, err := second.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// 中断的那次尝试已计数，按退避重新调度
	got, err := second.Get(running.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusScheduled, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, types.ErrTaskInterrupted, got.LastErrorCode)
	require.NotNil(t, got.ScheduledFor)
	assert.True(t, got.ScheduledFor.After(clock2.Now()))
	_, err = second.Get(done.ID)
	assert.True(t, types.IsErrorCode(err, types.ErrNotFound))

	// 恢复后的状态已写回
	e, err := st.Get(ctx, "tasks:running")
	require.NoError(t, err)
	var rec Task
	require.NoError(t, e.Decode(&rec))
	assert.Equal(t, StatusScheduled, rec.Status)

	next := second.next(ctx)
	require.NotNil(t, next)
	assert.Equal(t, "pending", next.ID)

	// 重复恢复不会产生重复任务
	n, err = second.Recover(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestQueue_RecoverFailsInterruptedTaskWithoutAttemptsLeft(t *testing.T) {
	ctx := context.Background()
	st := state.NewManager(state.DefaultConfig(), store.NewMemory(""), zaptest.NewLogger(t))

	first, _ := newTestQueue(t, WithStateStore(st))
	task := enqueue(t, first, &Task{ID: "once", Type: "email", MaxAttempts: 1})
	started := first.next(ctx)
	require.NotNil(t, started)
	require.Equal(t, 1, started.Attempts)

	// 进程在处理器返回前退出
	pub := &recordingPublisher{}
	second, _ := newTestQueue(t, WithStateStore(st), WithPublisher(pub))
	calls := 0
	ex := NewExecutor(second, zaptest.NewLogger(t))
	require.NoError(t, ex.Register("email", func(context.Context, *Task) error {
		calls++
		return nil
	}))

	n, err := second.Recover(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.False(t, ex.RunOnce(ctx))
	assert.Zero(t, calls)

	got, err := second.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, types.ErrTaskInterrupted, got.LastErrorCode)
	assert.Equal(t, []string{types.EventTaskFailed}, pub.eventTypes())

	e, err := st.Get(ctx, "tasks:once")
	require.NoError(t, err)
	var rec Task
	require.NoError(t, e.Decode(&rec))
	assert.Equal(t, StatusFailed, rec.Status)
	assert.Equal(t, 1, rec.Attempts)
}

func TestRecurrence(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	r, err := ParseRecurrence("@every 5m")
	require.NoError(t, err)
	assert.Equal(t, base.Add(5*time.Minute), r.Next(base))
	assert.Equal(t, "@every 5m", r.String())

	r, err = ParseRecurrence("30 9 * * 1")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC), r.Next(base))

	for _, bad := range []string{"", "  ", "61 * * * *", "* * * *", "@sometimes"} {
		_, err := ParseRecurrence(bad)
		assert.True(t, types.IsErrorCode(err, types.ErrInvalidInput), "expr %q", bad)
	}
}

func TestConfig_ValidateAndDefaults(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	assert.Error(t, Config{MaxConcurrency: -1}.Validate())
	assert.Error(t, Config{DefaultTimeout: -time.Second}.Validate())

	d := Config{}.withDefaults()
	assert.Equal(t, 4, d.MaxConcurrency)
	assert.Equal(t, "events.tasks", d.EventsChannel)
	assert.Equal(t, "tasks:", d.KeyPrefix)
}
