package tasks

import (
	"container/heap"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/whodaniel/fuse-sub035/internal/metrics"
	"github.com/whodaniel/fuse-sub035/state"
	"github.com/whodaniel/fuse-sub035/types"
)

// =============================================================================
// 📋 任务队列
// =============================================================================

// StateStore is the durable record of task status. *state.Manager
// implements it.
type StateStore interface {
	Get(ctx context.Context, key string) (*state.Entry, error)
	Set(ctx context.Context, key string, value any, expectedVersion int64) (*state.Entry, error)
	List(ctx context.Context, pattern string) ([]*state.Entry, error)
}

// Publisher sends task events to a channel. *broker.Broker implements it.
type Publisher interface {
	Publish(ctx context.Context, channel string, msg *types.Message) error
}

// Filter selects tasks in List. Zero fields match everything.
type Filter struct {
	Status Status
	Type   string
	Limit  int
}

// Stats is a point-in-time count of tasks by status.
type Stats struct {
	Pending   int            `json:"pending"`
	Scheduled int            `json:"scheduled"`
	Running   int            `json:"running"`
	Completed int            `json:"completed"`
	Failed    int            `json:"failed"`
	Cancelled int            `json:"cancelled"`
	Lanes     map[string]int `json:"lanes"`
}

type persistedRec struct {
	version  int64
	revision int64
}

// Queue holds tasks in three FIFO priority lanes plus a time-ordered heap of
// scheduled tasks, and records every transition in the state store.
type Queue struct {
	config  Config
	records StateStore
	events  Publisher
	metrics *metrics.Collector
	logger  *zap.Logger
	now     func() time.Time

	mu        sync.Mutex
	tasks     map[string]*Task
	lanes     [3][]string
	scheduled scheduleHeap
	seq       uint64
	cancels   map[string]context.CancelCauseFunc
	terminal  []string

	ready chan struct{}

	persistMu sync.Mutex
	persisted map[string]persistedRec
}

// Option configures optional queue collaborators.
type Option func(*Queue)

// WithStateStore records task transitions under Config.KeyPrefix.
func WithStateStore(s StateStore) Option {
	return func(q *Queue) { q.records = s }
}

// WithPublisher emits task events on Config.EventsChannel.
func WithPublisher(p Publisher) Option {
	return func(q *Queue) { q.events = p }
}

// WithMetrics attaches a metrics collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(q *Queue) { q.metrics = c }
}

// NewQueue creates an empty task queue.
func NewQueue(cfg Config, logger *zap.Logger, opts ...Option) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	q := &Queue{
		config:    cfg.withDefaults(),
		logger:    logger.With(zap.String("component", "task_queue")),
		now:       time.Now,
		tasks:     make(map[string]*Task),
		cancels:   make(map[string]context.CancelCauseFunc),
		ready:     make(chan struct{}, 1),
		persisted: make(map[string]persistedRec),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Config returns the effective configuration.
func (q *Queue) Config() Config { return q.config }

// Enqueue validates t and adds a copy to the queue. A task whose
// ScheduledFor lies in the future is scheduled, any other is pending.
func (q *Queue) Enqueue(ctx context.Context, t *Task) (*Task, error) {
	task, err := q.prepare(t)
	if err != nil {
		return nil, err
	}

	q.mu.Lock()
	if cur, ok := q.tasks[task.ID]; ok && !cur.Status.Terminal() {
		q.mu.Unlock()
		return nil, types.Errorf(types.ErrInvalidInput, "task %s is already queued", task.ID)
	}
	q.mu.Unlock()

	q.persistMu.Lock()
	if rec, ok := q.persisted[task.ID]; ok {
		// 复用终态任务的 ID：版本沿用，修订号重新计数
		rec.revision = 0
		q.persisted[task.ID] = rec
	}
	q.persistMu.Unlock()
	if err := q.persist(ctx, task); err != nil {
		return nil, fmt.Errorf("record task %s: %w", task.ID, err)
	}

	q.mu.Lock()
	q.insertLocked(task)
	q.reportDepthLocked()
	q.mu.Unlock()
	q.signal()

	q.metrics.RecordTaskEnqueued(task.Type, string(task.Priority))
	q.logger.Debug("task enqueued",
		zap.String("task_id", task.ID),
		zap.String("type", task.Type),
		zap.String("status", string(task.Status)),
	)
	return task.Clone(), nil
}

func (q *Queue) prepare(t *Task) (*Task, error) {
	if t == nil {
		return nil, types.NewError(types.ErrInvalidInput, "task is nil")
	}
	task := t.Clone()
	if strings.TrimSpace(task.Type) == "" {
		return nil, types.NewError(types.ErrInvalidInput, "task type is required")
	}
	p, err := types.ParsePriority(string(task.Priority))
	if err != nil {
		return nil, err
	}
	task.Priority = p

	switch {
	case task.MaxAttempts == 0:
		task.MaxAttempts = q.config.DefaultMaxAttempts
	case task.MaxAttempts < 1:
		return nil, types.Errorf(types.ErrInvalidInput, "max attempts must be at least 1, got %d", task.MaxAttempts)
	}
	if task.Timeout < 0 {
		return nil, types.NewError(types.ErrInvalidInput, "task timeout must not be negative")
	}
	if task.Recurrence != "" {
		if _, err := ParseRecurrence(task.Recurrence); err != nil {
			return nil, err
		}
	}
	if len(task.Payload) > 0 && !json.Valid(task.Payload) {
		return nil, types.NewError(types.ErrInvalidInput, "task payload is not valid JSON")
	}

	now := q.now()
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	task.Revision = 1
	task.Attempts = 0
	task.LastError, task.LastErrorCode = "", ""
	task.StartedAt, task.CompletedAt = nil, nil
	if task.ScheduledFor != nil && task.ScheduledFor.After(now) {
		task.Status = StatusScheduled
	} else {
		task.Status = StatusPending
	}
	return task, nil
}

// Get returns a copy of the task, or NOT_FOUND.
func (q *Queue) Get(id string) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[id]
	if !ok {
		return nil, types.Errorf(types.ErrNotFound, "task %s not found", id)
	}
	return t.Clone(), nil
}

// List returns copies of the tasks matching f, oldest first.
func (q *Queue) List(f Filter) []*Task {
	q.mu.Lock()
	out := make([]*Task, 0, len(q.tasks))
	for _, t := range q.tasks {
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		if f.Type != "" && t.Type != f.Type {
			continue
		}
		out = append(out, t.Clone())
	}
	q.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// Stats counts the tasks held in memory.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := Stats{Lanes: make(map[string]int, len(types.Lanes))}
	for _, p := range types.Lanes {
		s.Lanes[string(p)] = 0
	}
	for _, t := range q.tasks {
		switch t.Status {
		case StatusPending:
			s.Pending++
			s.Lanes[string(t.Priority)]++
		case StatusScheduled:
			s.Scheduled++
		case StatusRunning:
			s.Running++
		case StatusCompleted:
			s.Completed++
		case StatusFailed:
			s.Failed++
		case StatusCancelled:
			s.Cancelled++
		}
	}
	return s
}

// Cancel stops a pending, scheduled or running task. Cancelling a running
// task only signals its context; the handler must observe it. Cancelling a
// terminal task is a no-op.
func (q *Queue) Cancel(ctx context.Context, id string) error {
	q.mu.Lock()
	t, ok := q.tasks[id]
	if !ok {
		q.mu.Unlock()
		return types.Errorf(types.ErrNotFound, "task %s not found", id)
	}
	if t.Status.Terminal() {
		q.mu.Unlock()
		return nil
	}
	now := q.now()
	t.Status = StatusCancelled
	t.CompletedAt = timePtr(now)
	q.touchLocked(t, now)
	if cancel, ok := q.cancels[id]; ok {
		cancel(errCancelled)
		delete(q.cancels, id)
	}
	snap := t.Clone()
	q.retireLocked(id)
	q.reportDepthLocked()
	q.mu.Unlock()

	if err := q.persist(ctx, snap); err != nil {
		q.logger.Warn("record cancelled task failed", zap.String("task_id", id), zap.Error(err))
	}
	q.emit(ctx, types.EventTaskCancelled, snap)
	q.logger.Info("task cancelled", zap.String("task_id", id))
	return nil
}

// Recover reloads non-terminal tasks from the state store after a restart
// and returns how many went back into the queue. A task recorded as running
// was interrupted mid-attempt: that attempt counts, so it is rescheduled
// with backoff while attempts remain and failed with TASK_INTERRUPTED
// otherwise.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	if q.records == nil {
		return 0, nil
	}
	entries, err := q.records.List(ctx, q.config.KeyPrefix+"*")
	if err != nil {
		return 0, fmt.Errorf("load task records: %w", err)
	}

	recovered := 0
	for _, e := range entries {
		var t Task
		if err := e.Decode(&t); err != nil {
			q.logger.Warn("skipping malformed task record", zap.String("key", e.Key), zap.Error(err))
			continue
		}
		if t.Status.Terminal() || t.ID == "" {
			continue
		}

		q.mu.Lock()
		if _, ok := q.tasks[t.ID]; ok {
			q.mu.Unlock()
			continue
		}
		recordedRev := t.Revision
		changed := false
		now := q.now()
		switch {
		case t.Status == StatusRunning:
			q.interruptLocked(&t, now)
			changed = true
		case t.Status == StatusScheduled && t.ScheduledFor == nil:
			t.Status = StatusPending
			q.touchLocked(&t, now)
			changed = true
		}
		task := &t
		q.insertLocked(task)
		var occurrence *Task
		if task.Status.Terminal() {
			occurrence = q.occurrenceLocked(task, now)
			q.retireLocked(task.ID)
		}
		snap := task.Clone()
		q.mu.Unlock()

		q.persistMu.Lock()
		q.persisted[t.ID] = persistedRec{version: e.Version, revision: recordedRev}
		q.persistMu.Unlock()
		if changed {
			if err := q.persist(ctx, snap); err != nil {
				q.logger.Warn("record recovered task failed", zap.String("task_id", t.ID), zap.Error(err))
			}
		}
		if snap.Status.Terminal() {
			q.logger.Warn("interrupted task has no attempts left",
				zap.String("task_id", snap.ID),
				zap.Int("attempts", snap.Attempts),
			)
			q.emit(ctx, types.EventTaskFailed, snap)
			if occurrence != nil {
				q.scheduleOccurrence(ctx, occurrence)
			}
			continue
		}
		recovered++
	}

	q.mu.Lock()
	q.reportDepthLocked()
	q.mu.Unlock()
	if recovered > 0 {
		q.signal()
		q.logger.Info("recovered unfinished tasks", zap.Int("count", recovered))
	}
	return recovered, nil
}

// interruptLocked settles a task whose run was cut off by a restart.
func (q *Queue) interruptLocked(t *Task, now time.Time) {
	t.LastError = "run interrupted before it finished"
	t.LastErrorCode = types.ErrTaskInterrupted
	if t.Attempts < t.MaxAttempts {
		at := now.Add(q.config.Backoff.Delay(t.Attempts))
		t.Status = StatusScheduled
		t.ScheduledFor = &at
	} else {
		t.Status = StatusFailed
		t.CompletedAt = timePtr(now)
	}
	q.touchLocked(t, now)
}

// =============================================================================
// 调度与执行使用的内部操作
// =============================================================================

// promote moves due scheduled tasks into their ready lanes.
func (q *Queue) promote(ctx context.Context, now time.Time) int {
	q.mu.Lock()
	var promoted []*Task
	for q.scheduled.Len() > 0 && !q.scheduled[0].at.After(now) {
		it := heap.Pop(&q.scheduled).(scheduleItem)
		t, ok := q.tasks[it.id]
		if !ok || t.Status != StatusScheduled || t.ScheduledFor == nil || !t.ScheduledFor.Equal(it.at) {
			continue
		}
		t.Status = StatusPending
		q.touchLocked(t, now)
		q.lanes[t.Priority.Rank()] = append(q.lanes[t.Priority.Rank()], t.ID)
		promoted = append(promoted, t.Clone())
	}
	q.reportDepthLocked()
	q.mu.Unlock()

	for _, t := range promoted {
		if err := q.persist(ctx, t); err != nil {
			q.logger.Warn("record promoted task failed", zap.String("task_id", t.ID), zap.Error(err))
		}
	}
	if len(promoted) > 0 {
		q.signal()
	}
	return len(promoted)
}

// nextDue returns the earliest scheduled time, if any.
func (q *Queue) nextDue() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.scheduled.Len() == 0 {
		return time.Time{}, false
	}
	return q.scheduled[0].at, true
}

// next pops the highest-priority ready task and marks it running.
func (q *Queue) next(ctx context.Context) *Task {
	q.mu.Lock()
	var picked *Task
	for r := range q.lanes {
		for picked == nil && len(q.lanes[r]) > 0 {
			id := q.lanes[r][0]
			q.lanes[r] = q.lanes[r][1:]
			t, ok := q.tasks[id]
			if !ok || t.Status != StatusPending {
				continue
			}
			now := q.now()
			t.Status = StatusRunning
			t.Attempts++
			t.StartedAt = timePtr(now)
			q.touchLocked(t, now)
			picked = t.Clone()
		}
		if picked != nil {
			break
		}
	}
	more := false
	for r := range q.lanes {
		more = more || len(q.lanes[r]) > 0
	}
	q.reportDepthLocked()
	q.mu.Unlock()

	if more {
		// 唤醒其他空闲的工作协程
		q.signal()
	}
	if picked != nil {
		if err := q.persist(ctx, picked); err != nil {
			q.logger.Warn("record running task failed", zap.String("task_id", picked.ID), zap.Error(err))
		}
	}
	return picked
}

// bindCancel registers the cancel function of a running task. It reports
// false when the task was cancelled before the executor got here.
func (q *Queue) bindCancel(id string, cancel context.CancelCauseFunc) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[id]
	if !ok || t.Status != StatusRunning {
		return false
	}
	q.cancels[id] = cancel
	return true
}

// finish records the outcome of a run. Failed runs are rescheduled with
// backoff while attempts remain and retry is true.
func (q *Queue) finish(ctx context.Context, id string, runErr error, retry bool) *Task {
	q.mu.Lock()
	delete(q.cancels, id)
	t, ok := q.tasks[id]
	if !ok || t.Status != StatusRunning {
		// 运行期间已被取消
		q.mu.Unlock()
		return nil
	}

	now := q.now()
	event := ""
	switch {
	case runErr == nil:
		t.Status = StatusCompleted
		t.CompletedAt = timePtr(now)
		t.LastError, t.LastErrorCode = "", ""
		event = types.EventTaskCompleted
	case retry && t.Attempts < t.MaxAttempts:
		at := now.Add(q.config.Backoff.Delay(t.Attempts))
		t.Status = StatusScheduled
		t.ScheduledFor = &at
		t.LastError, t.LastErrorCode = runErr.Error(), types.GetErrorCode(runErr)
		q.pushScheduledLocked(t)
	default:
		t.Status = StatusFailed
		t.CompletedAt = timePtr(now)
		t.LastError, t.LastErrorCode = runErr.Error(), types.GetErrorCode(runErr)
		event = types.EventTaskFailed
	}
	q.touchLocked(t, now)

	var occurrence *Task
	if t.Status.Terminal() {
		occurrence = q.occurrenceLocked(t, now)
		q.retireLocked(id)
	}
	q.reportDepthLocked()
	snap := t.Clone()
	q.mu.Unlock()

	if err := q.persist(ctx, snap); err != nil {
		q.logger.Warn("record task outcome failed", zap.String("task_id", id), zap.Error(err))
	}
	if event != "" {
		q.emit(ctx, event, snap)
	}
	if occurrence != nil {
		q.scheduleOccurrence(ctx, occurrence)
	}
	return snap
}

// occurrenceLocked builds the next run of a recurring task.
func (q *Queue) occurrenceLocked(t *Task, now time.Time) *Task {
	if t.Recurrence == "" {
		return nil
	}
	rec, err := ParseRecurrence(t.Recurrence)
	if err != nil {
		q.logger.Error("recurrence became invalid", zap.String("task_id", t.ID), zap.Error(err))
		return nil
	}
	next := t.Clone()
	at := rec.Next(now)
	next.ID = uuid.NewString()
	next.ParentID = t.ID
	next.Status = StatusScheduled
	next.ScheduledFor = &at
	next.Attempts = 0
	next.LastError, next.LastErrorCode = "", ""
	next.StartedAt, next.CompletedAt = nil, nil
	next.CreatedAt, next.UpdatedAt = now, now
	next.Revision = 1
	return next
}

func (q *Queue) scheduleOccurrence(ctx context.Context, next *Task) {
	if err := q.persist(ctx, next); err != nil {
		q.logger.Warn("record next occurrence failed", zap.String("task_id", next.ID), zap.Error(err))
	}
	q.mu.Lock()
	q.insertLocked(next)
	q.reportDepthLocked()
	q.mu.Unlock()
	q.logger.Debug("next occurrence scheduled",
		zap.String("task_id", next.ID),
		zap.String("parent_id", next.ParentID),
		zap.Time("scheduled_for", *next.ScheduledFor),
	)
}

func (q *Queue) insertLocked(t *Task) {
	q.tasks[t.ID] = t
	switch t.Status {
	case StatusPending:
		q.lanes[t.Priority.Rank()] = append(q.lanes[t.Priority.Rank()], t.ID)
	case StatusScheduled:
		q.pushScheduledLocked(t)
	}
}

func (q *Queue) pushScheduledLocked(t *Task) {
	q.seq++
	heap.Push(&q.scheduled, scheduleItem{id: t.ID, at: *t.ScheduledFor, seq: q.seq})
}

func (q *Queue) touchLocked(t *Task, now time.Time) {
	t.UpdatedAt = now
	t.Revision++
}

// retireLocked bounds the number of terminal tasks kept in memory.
func (q *Queue) retireLocked(id string) {
	q.terminal = append(q.terminal, id)
	for len(q.terminal) > q.config.RetainTerminal {
		old := q.terminal[0]
		q.terminal = q.terminal[1:]
		if t, ok := q.tasks[old]; ok && t.Status.Terminal() {
			delete(q.tasks, old)
			q.persistMu.Lock()
			delete(q.persisted, old)
			q.persistMu.Unlock()
		}
	}
}

func (q *Queue) reportDepthLocked() {
	if q.metrics == nil {
		return
	}
	depth := make(map[types.Priority]int, len(types.Lanes))
	for _, t := range q.tasks {
		if t.Status == StatusPending {
			depth[t.Priority]++
		}
	}
	for _, p := range types.Lanes {
		q.metrics.SetQueueDepth(string(p), depth[p])
	}
	q.metrics.SetQueueDepth("scheduled", q.scheduled.Len())
}

func (q *Queue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// persist writes the task record with the version last seen. A stale write
// is re-read and retried once, since the queue owns the record. Copies no
// newer than the last persisted revision are skipped so the record never
// moves backwards. Callers must not hold q.mu.
func (q *Queue) persist(ctx context.Context, t *Task) error {
	if q.records == nil {
		return nil
	}
	q.persistMu.Lock()
	defer q.persistMu.Unlock()

	rec := q.persisted[t.ID]
	if rec.version > 0 && rec.revision >= t.Revision {
		return nil
	}
	key := q.config.KeyPrefix + t.ID
	e, err := q.records.Set(ctx, key, t, rec.version)
	if types.IsErrorCode(err, types.ErrStaleWrite) {
		cur, gerr := q.records.Get(ctx, key)
		switch {
		case gerr == nil:
			rec.version = cur.Version
		case types.IsErrorCode(gerr, types.ErrNotFound):
			rec.version = 0
		default:
			return gerr
		}
		e, err = q.records.Set(ctx, key, t, rec.version)
	}
	if err != nil {
		return err
	}
	q.persisted[t.ID] = persistedRec{version: e.Version, revision: t.Revision}
	return nil
}

func (q *Queue) emit(ctx context.Context, eventType string, t *Task) {
	if q.events == nil {
		return
	}
	prio := types.PriorityMedium
	if eventType == types.EventTaskFailed {
		prio = types.PriorityHigh
	}
	msg, err := types.NewEvent(eventType, types.SourceScheduler, t).ToMessage("scheduler", prio)
	if err != nil {
		q.logger.Error("encode task event failed", zap.String("task_id", t.ID), zap.Error(err))
		return
	}
	if err := q.events.Publish(ctx, q.config.EventsChannel, msg); err != nil {
		q.logger.Warn("publish task event failed",
			zap.String("task_id", t.ID),
			zap.String("event", eventType),
			zap.Error(err),
		)
	}
}

// =============================================================================
// 定时任务最小堆
// =============================================================================

type scheduleItem struct {
	id  string
	at  time.Time
	seq uint64
}

type scheduleHeap []scheduleItem

func (h scheduleHeap) Len() int { return len(h) }
func (h scheduleHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].seq < h[j].seq
	}
	return h[i].at.Before(h[j].at)
}
func (h scheduleHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *scheduleHeap) Push(x any)   { *h = append(*h, x.(scheduleItem)) }
func (h *scheduleHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}
