package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/whodaniel/fuse-sub035/internal/metrics"
	"github.com/whodaniel/fuse-sub035/internal/observer"
	"github.com/whodaniel/fuse-sub035/store"
	"github.com/whodaniel/fuse-sub035/types"
)

// =============================================================================
// 🗂️ 共享状态管理
// =============================================================================

// Entry is a versioned state value.
type Entry struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	Version   int64           `json:"version"`
	UpdatedAt time.Time       `json:"updated_at"`
	UpdatedBy string          `json:"updated_by,omitempty"`
}

// Decode unmarshals the entry value into dest.
func (e *Entry) Decode(dest any) error {
	if e == nil || len(e.Value) == 0 {
		return types.NewError(types.ErrNotFound, "entry has no value")
	}
	return json.Unmarshal(e.Value, dest)
}

// Change operations
const (
	OpSet    = "set"
	OpDelete = "delete"
)

// Change is one committed write. It is appended to the change log, fanned
// out to other nodes and carried as the Data of state events.
type Change struct {
	Seq    int64  `json:"seq"`
	Op     string `json:"op"`
	Key    string `json:"key"`
	Entry  *Entry `json:"entry"`
	Origin string `json:"origin"`
}

// Handler receives state events for keys matching a subscription pattern.
type Handler = observer.Handler[types.Event]

// Manager is the versioned key/value layer over the shared store.
// Every write is a compare-and-swap against the version the caller read.
type Manager struct {
	config    Config
	store     store.Store
	snapshots SnapshotStore
	observers *observer.Registry[types.Event]
	metrics   *metrics.Collector
	logger    *zap.Logger
	now       func() time.Time
}

// Option configures optional manager collaborators.
type Option func(*Manager)

// WithMetrics attaches a metrics collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(m *Manager) { m.metrics = c }
}

// WithSnapshotStore replaces the default store-backed snapshot store.
func WithSnapshotStore(s SnapshotStore) Option {
	return func(m *Manager) { m.snapshots = s }
}

// NewManager creates a state manager over st.
func NewManager(cfg Config, st store.Store, logger *zap.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	if cfg.NodeID == "" {
		cfg.NodeID = "node-" + uuid.NewString()[:8]
	}
	logger = logger.With(zap.String("component", "state"), zap.String("node", cfg.NodeID))

	m := &Manager{
		config:    cfg,
		store:     st,
		observers: observer.NewRegistry[types.Event]("state-sub", logger),
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.snapshots == nil {
		m.snapshots = NewStoreSnapshots(st, logger)
	}
	return m
}

// NodeID returns the identifier stamped on changes made by this manager.
func (m *Manager) NodeID() string { return m.config.NodeID }

// Snapshots returns the snapshot store in use.
func (m *Manager) Snapshots() SnapshotStore { return m.snapshots }

// Get returns the current entry for key, or NOT_FOUND.
func (m *Manager) Get(ctx context.Context, key string) (*Entry, error) {
	e, _, err := m.read(ctx, key)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, types.Errorf(types.ErrNotFound, "state key %q not found", key)
	}
	return e, nil
}

// Set writes value when the stored version equals expectedVersion.
// expectedVersion 0 means the key must not exist yet. A mismatch returns
// STALE_WRITE and leaves the stored value untouched.
func (m *Manager) Set(ctx context.Context, key string, value any, expectedVersion int64) (*Entry, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	if expectedVersion < 0 {
		return nil, types.NewError(types.ErrInvalidInput, "expected version must not be negative")
	}
	data, err := encodeValue(value)
	if err != nil {
		return nil, err
	}

	cur, raw, err := m.read(ctx, key)
	if err != nil {
		return nil, err
	}
	if err := checkVersion(key, cur, expectedVersion); err != nil {
		m.metrics.RecordStateWrite(OpSet, "stale")
		return nil, err
	}

	next := m.nextEntry(ctx, key, data, cur)
	enc, err := json.Marshal(next)
	if err != nil {
		return nil, fmt.Errorf("encode state entry: %w", err)
	}
	ok, err := m.store.CompareAndSwap(ctx, store.CASOp{Key: valueKey(key), Old: raw, New: enc})
	if err != nil {
		m.metrics.RecordStateWrite(OpSet, "error")
		return nil, fmt.Errorf("state set %q: %w", key, err)
	}
	if !ok {
		m.metrics.RecordStateWrite(OpSet, "stale")
		return nil, types.Errorf(types.ErrStaleWrite, "state key %q changed concurrently", key)
	}

	m.metrics.RecordStateWrite(OpSet, "ok")
	m.committed(ctx, Change{Op: OpSet, Key: key, Entry: next})
	return next, nil
}

// Delete removes key when its stored version equals expectedVersion.
func (m *Manager) Delete(ctx context.Context, key string, expectedVersion int64) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if expectedVersion <= 0 {
		return types.NewError(types.ErrInvalidInput, "delete requires the version read")
	}
	cur, raw, err := m.read(ctx, key)
	if err != nil {
		return err
	}
	if cur == nil {
		return types.Errorf(types.ErrNotFound, "state key %q not found", key)
	}
	if err := checkVersion(key, cur, expectedVersion); err != nil {
		m.metrics.RecordStateWrite(OpDelete, "stale")
		return err
	}
	ok, err := m.store.CompareAndDelete(ctx, valueKey(key), raw)
	if err != nil {
		m.metrics.RecordStateWrite(OpDelete, "error")
		return fmt.Errorf("state delete %q: %w", key, err)
	}
	if !ok {
		m.metrics.RecordStateWrite(OpDelete, "stale")
		return types.Errorf(types.ErrStaleWrite, "state key %q changed concurrently", key)
	}
	m.metrics.RecordStateWrite(OpDelete, "ok")
	m.committed(ctx, Change{Op: OpDelete, Key: key, Entry: cur})
	return nil
}

// Keys returns the state keys matching a glob pattern, sorted.
func (m *Manager) Keys(ctx context.Context, pattern string) ([]string, error) {
	if pattern == "" {
		pattern = "*"
	}
	raw, err := m.store.Keys(ctx, valueKey(pattern))
	if err != nil {
		return nil, fmt.Errorf("list state keys: %w", err)
	}
	keys := make([]string, 0, len(raw))
	for _, k := range raw {
		keys = append(keys, strings.TrimPrefix(k, valuePrefix))
	}
	sort.Strings(keys)
	return keys, nil
}

// List returns the entries matching a glob pattern. Keys deleted between
// listing and reading are skipped.
func (m *Manager) List(ctx context.Context, pattern string) ([]*Entry, error) {
	keys, err := m.Keys(ctx, pattern)
	if err != nil {
		return nil, err
	}
	out := make([]*Entry, 0, len(keys))
	for _, k := range keys {
		e, _, err := m.read(ctx, k)
		if err != nil {
			return nil, err
		}
		if e != nil {
			out = append(out, e)
		}
	}
	return out, nil
}

// =============================================================================
// 🔔 订阅
// =============================================================================

// Subscribe registers handler for writes to keys matching pattern.
// Delivery is at-most-once and best effort.
func (m *Manager) Subscribe(pattern string, handler Handler) (string, error) {
	id, err := m.observers.Add(pattern, handler)
	if err != nil {
		return "", types.NewError(types.ErrInvalidInput, err.Error())
	}
	return id, nil
}

// Unsubscribe removes a subscription; it reports whether it existed.
func (m *Manager) Unsubscribe(id string) bool {
	return m.observers.Remove(id)
}

// Start listens for changes committed by other nodes and dispatches them to
// local subscribers until ctx is done.
func (m *Manager) Start(ctx context.Context) error {
	sub, err := m.store.Subscribe(ctx, changesTopic)
	if err != nil {
		return fmt.Errorf("subscribe state changes: %w", err)
	}
	go func() {
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-sub.Channel():
				if !ok {
					return
				}
				var ch Change
				if err := json.Unmarshal(msg.Payload, &ch); err != nil {
					m.logger.Warn("discarding malformed state change", zap.Error(err))
					continue
				}
				if ch.Origin == m.config.NodeID {
					continue
				}
				m.dispatch(ch)
			}
		}
	}()
	return nil
}

// =============================================================================
// 内部实现
// =============================================================================

// read returns the decoded entry and its raw bytes; both nil when absent.
func (m *Manager) read(ctx context.Context, key string) (*Entry, []byte, error) {
	raw, err := m.store.Get(ctx, valueKey(key))
	if errors.Is(err, store.ErrNil) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("state get %q: %w", key, err)
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, nil, fmt.Errorf("decode state entry %q: %w", key, err)
	}
	return &e, raw, nil
}

func (m *Manager) nextEntry(ctx context.Context, key string, value json.RawMessage, cur *Entry) *Entry {
	next := &Entry{Key: key, Value: value, Version: 1, UpdatedAt: m.now()}
	if cur != nil {
		next.Version = cur.Version + 1
	}
	if actor, ok := types.Actor(ctx); ok {
		next.UpdatedBy = actor
	} else {
		next.UpdatedBy = m.config.NodeID
	}
	return next
}

// committed records changes in the change log, announces them to other
// nodes and dispatches them locally. The writes have already succeeded, so
// failures here are logged only.
func (m *Manager) committed(ctx context.Context, changes ...Change) {
	for _, ch := range changes {
		ch.Origin = m.config.NodeID
		seq, err := m.store.Incr(ctx, logSeqKey)
		if err != nil {
			m.logger.Warn("change log sequence failed", zap.String("key", ch.Key), zap.Error(err))
		}
		ch.Seq = seq

		data, err := json.Marshal(ch)
		if err != nil {
			m.logger.Error("encode change failed", zap.String("key", ch.Key), zap.Error(err))
			continue
		}
		if seq > 0 {
			if _, err := m.store.RPush(ctx, changeLogKey, data); err != nil {
				m.logger.Warn("append change log failed", zap.String("key", ch.Key), zap.Error(err))
			} else if err := m.store.LTrim(ctx, changeLogKey, -m.config.ChangeLogMaxLen, -1); err != nil {
				m.logger.Warn("trim change log failed", zap.Error(err))
			}
		}
		if err := m.store.Publish(ctx, changesTopic, data); err != nil {
			m.logger.Debug("publish state change failed", zap.String("key", ch.Key), zap.Error(err))
		}
		m.dispatch(ch)
	}
}

func (m *Manager) dispatch(ch Change) {
	evType := types.EventStateChanged
	if ch.Op == OpDelete {
		evType = types.EventStateDeleted
	}
	m.observers.Dispatch(ch.Key, types.NewEvent(evType, types.SourceState, ch))
}

func checkVersion(key string, cur *Entry, expected int64) error {
	switch {
	case expected == 0 && cur != nil:
		return types.Errorf(types.ErrStaleWrite, "state key %q already exists at version %d", key, cur.Version)
	case expected > 0 && cur == nil:
		return types.Errorf(types.ErrStaleWrite, "state key %q no longer exists (expected version %d)", key, expected)
	case expected > 0 && cur.Version != expected:
		return types.Errorf(types.ErrStaleWrite, "state key %q is at version %d, expected %d", key, cur.Version, expected)
	}
	return nil
}

func validateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return types.NewError(types.ErrInvalidInput, "state key is required")
	}
	return nil
}

func encodeValue(value any) (json.RawMessage, error) {
	if raw, ok := value.(json.RawMessage); ok {
		if !json.Valid(raw) {
			return nil, types.NewError(types.ErrInvalidInput, "state value is not valid JSON")
		}
		return raw, nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return nil, types.NewError(types.ErrInvalidInput, "state value cannot be encoded").WithCause(err)
	}
	return data, nil
}
