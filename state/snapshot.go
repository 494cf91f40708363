package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/whodaniel/fuse-sub035/store"
	"github.com/whodaniel/fuse-sub035/types"
)

// =============================================================================
// 📸 快照与恢复
// =============================================================================

// Snapshot is an immutable point-in-time copy of a set of state keys.
type Snapshot struct {
	ID       string    `json:"id"`
	TakenAt  time.Time `json:"taken_at"`
	Patterns []string  `json:"patterns"`
	// Keys lists the captured keys, sorted.
	Keys []string `json:"keys"`
	// LogSeq is the change-log sequence read before copying; every change
	// with a sequence at or below it is reflected in Values.
	LogSeq int64             `json:"log_seq"`
	Values map[string]*Entry `json:"values"`
}

// SnapshotInfo summarizes a stored snapshot.
type SnapshotInfo struct {
	ID       string    `json:"id"`
	TakenAt  time.Time `json:"taken_at"`
	LogSeq   int64     `json:"log_seq"`
	KeyCount int       `json:"key_count"`
}

// SnapshotStore persists snapshots. Snapshots are never modified once saved.
type SnapshotStore interface {
	Save(ctx context.Context, snap *Snapshot) error
	// Latest returns the most recent snapshot or NOT_FOUND.
	Latest(ctx context.Context) (*Snapshot, error)
	Get(ctx context.Context, id string) (*Snapshot, error)
	// List returns snapshots newest first.
	List(ctx context.Context) ([]SnapshotInfo, error)
	// Prune keeps the newest keep snapshots and reports how many it removed.
	Prune(ctx context.Context, keep int) (int, error)
}

// TakeSnapshot copies the keys matching patterns (the configured
// SnapshotKeys when none are given) into a new snapshot and prunes old ones.
func (m *Manager) TakeSnapshot(ctx context.Context, patterns ...string) (snap *Snapshot, err error) {
	defer func() {
		if err != nil {
			m.metrics.RecordSnapshot("error")
		} else {
			m.metrics.RecordSnapshot("ok")
		}
	}()
	if len(patterns) == 0 {
		patterns = m.config.SnapshotKeys
	}

	seq, err := m.logSeq(ctx)
	if err != nil {
		return nil, err
	}

	values := make(map[string]*Entry)
	for _, p := range patterns {
		keys, err := m.Keys(ctx, p)
		if err != nil {
			return nil, err
		}
		for _, k := range keys {
			if _, ok := values[k]; ok {
				continue
			}
			e, _, err := m.read(ctx, k)
			if err != nil {
				return nil, err
			}
			if e != nil {
				values[k] = e
			}
		}
	}

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	snap = &Snapshot{
		ID:       uuid.NewString(),
		TakenAt:  m.now().UTC(),
		Patterns: append([]string(nil), patterns...),
		Keys:     keys,
		LogSeq:   seq,
		Values:   values,
	}
	if err := m.snapshots.Save(ctx, snap); err != nil {
		return nil, fmt.Errorf("save snapshot: %w", err)
	}
	if removed, err := m.snapshots.Prune(ctx, m.config.SnapshotRetain); err != nil {
		m.logger.Warn("prune snapshots failed", zap.Error(err))
	} else if removed > 0 {
		m.logger.Debug("pruned snapshots", zap.Int("removed", removed))
	}

	m.logger.Info("snapshot taken",
		zap.String("snapshot_id", snap.ID),
		zap.Int("keys", len(keys)),
		zap.Int64("log_seq", seq),
	)
	return snap, nil
}

// RunSnapshots takes a snapshot every SnapshotInterval until ctx is done.
// It returns immediately when the interval is zero.
func (m *Manager) RunSnapshots(ctx context.Context) error {
	if m.config.SnapshotInterval <= 0 {
		m.logger.Info("periodic snapshots disabled")
		return nil
	}
	ticker := time.NewTicker(m.config.SnapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := m.TakeSnapshot(ctx); err != nil && ctx.Err() == nil {
				m.logger.Error("periodic snapshot failed", zap.Error(err))
			}
		}
	}
}

// RehydrateReport describes what Rehydrate restored.
type RehydrateReport struct {
	SnapshotID string `json:"snapshot_id,omitempty"`
	Replayed   int    `json:"replayed"`
	Restored   int    `json:"restored"`
	Deleted    int    `json:"deleted"`
}

// Rehydrate rebuilds state from the latest snapshot plus the change-log
// entries newer than it. A key is restored only when its stored copy is
// missing or older than the recovered one.
func (m *Manager) Rehydrate(ctx context.Context) (*RehydrateReport, error) {
	report := &RehydrateReport{}
	target := make(map[string]*Entry)
	var since int64

	snap, err := m.snapshots.Latest(ctx)
	switch {
	case err == nil:
		report.SnapshotID = snap.ID
		since = snap.LogSeq
		for k, e := range snap.Values {
			target[k] = e
		}
	case types.IsErrorCode(err, types.ErrNotFound):
	default:
		return nil, fmt.Errorf("load latest snapshot: %w", err)
	}

	changes, err := m.changesSince(ctx, since)
	if err != nil {
		return nil, err
	}
	removed := make(map[string]*Entry)
	for _, ch := range changes {
		if ch.Entry == nil {
			continue
		}
		switch ch.Op {
		case OpSet:
			target[ch.Key] = ch.Entry
			delete(removed, ch.Key)
		case OpDelete:
			delete(target, ch.Key)
			removed[ch.Key] = ch.Entry
		}
		report.Replayed++
	}

	for _, k := range sortedKeys(target) {
		restored, err := m.restore(ctx, target[k])
		if err != nil {
			return report, err
		}
		if restored {
			report.Restored++
		}
	}
	for _, k := range sortedKeys(removed) {
		cur, raw, err := m.read(ctx, k)
		if err != nil {
			return report, err
		}
		if cur == nil || cur.Version > removed[k].Version {
			continue
		}
		ok, err := m.store.CompareAndDelete(ctx, valueKey(k), raw)
		if err != nil {
			return report, fmt.Errorf("rehydrate delete %q: %w", k, err)
		}
		if ok {
			report.Deleted++
			m.dispatch(Change{Op: OpDelete, Key: k, Entry: cur, Origin: m.config.NodeID})
		}
	}

	m.logger.Info("state rehydrated",
		zap.String("snapshot_id", report.SnapshotID),
		zap.Int("replayed", report.Replayed),
		zap.Int("restored", report.Restored),
		zap.Int("deleted", report.Deleted),
	)
	return report, nil
}

func (m *Manager) restore(ctx context.Context, e *Entry) (bool, error) {
	cur, raw, err := m.read(ctx, e.Key)
	if err != nil {
		return false, err
	}
	if cur != nil && cur.Version >= e.Version {
		return false, nil
	}
	enc, err := json.Marshal(e)
	if err != nil {
		return false, fmt.Errorf("encode state entry: %w", err)
	}
	ok, err := m.store.CompareAndSwap(ctx, store.CASOp{Key: valueKey(e.Key), Old: raw, New: enc})
	if err != nil {
		return false, fmt.Errorf("rehydrate %q: %w", e.Key, err)
	}
	if !ok {
		// 恢复期间被并发写入，以新值为准
		m.logger.Debug("skip rehydrate of concurrently written key", zap.String("key", e.Key))
		return false, nil
	}
	m.dispatch(Change{Op: OpSet, Key: e.Key, Entry: e, Origin: m.config.NodeID})
	return true, nil
}

// changesSince returns change-log entries with a sequence above since,
// in sequence order.
func (m *Manager) changesSince(ctx context.Context, since int64) ([]Change, error) {
	items, err := m.store.LRange(ctx, changeLogKey, 0, -1)
	if err != nil && !errors.Is(err, store.ErrNil) {
		return nil, fmt.Errorf("read change log: %w", err)
	}
	out := make([]Change, 0, len(items))
	for _, item := range items {
		var ch Change
		if err := json.Unmarshal(item, &ch); err != nil {
			m.logger.Warn("skipping malformed change log entry", zap.Error(err))
			continue
		}
		if ch.Seq > since {
			out = append(out, ch)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (m *Manager) logSeq(ctx context.Context) (int64, error) {
	raw, err := m.store.Get(ctx, logSeqKey)
	if errors.Is(err, store.ErrNil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read change log sequence: %w", err)
	}
	seq, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse change log sequence: %w", err)
	}
	return seq, nil
}

func sortedKeys(m map[string]*Entry) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// =============================================================================
// 共享存储中的快照
// =============================================================================

const (
	snapshotPrefix   = "state:snap:"
	snapshotIndexKey = "state:snaps"
)

// StoreSnapshots keeps snapshots in the shared store: one key per snapshot
// plus an index list ordered oldest to newest.
type StoreSnapshots struct {
	store  store.Store
	logger *zap.Logger
}

// NewStoreSnapshots creates a snapshot store over st.
func NewStoreSnapshots(st store.Store, logger *zap.Logger) *StoreSnapshots {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSnapshots{store: st, logger: logger}
}

func (s *StoreSnapshots) Save(ctx context.Context, snap *Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	ok, err := s.store.SetNX(ctx, snapshotPrefix+snap.ID, data, 0)
	if err != nil {
		return err
	}
	if !ok {
		return types.Errorf(types.ErrInvalidInput, "snapshot %s already exists", snap.ID)
	}
	_, err = s.store.RPush(ctx, snapshotIndexKey, []byte(snap.ID))
	return err
}

func (s *StoreSnapshots) Latest(ctx context.Context) (*Snapshot, error) {
	ids, err := s.ids(ctx)
	if err != nil {
		return nil, err
	}
	for i := len(ids) - 1; i >= 0; i-- {
		snap, err := s.Get(ctx, ids[i])
		if types.IsErrorCode(err, types.ErrNotFound) {
			continue
		}
		return snap, err
	}
	return nil, types.NewError(types.ErrNotFound, "no snapshot available")
}

func (s *StoreSnapshots) Get(ctx context.Context, id string) (*Snapshot, error) {
	data, err := s.store.Get(ctx, snapshotPrefix+id)
	if errors.Is(err, store.ErrNil) {
		return nil, types.Errorf(types.ErrNotFound, "snapshot %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", id, err)
	}
	return &snap, nil
}

func (s *StoreSnapshots) List(ctx context.Context) ([]SnapshotInfo, error) {
	ids, err := s.ids(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]SnapshotInfo, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		snap, err := s.Get(ctx, ids[i])
		if types.IsErrorCode(err, types.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, SnapshotInfo{ID: snap.ID, TakenAt: snap.TakenAt, LogSeq: snap.LogSeq, KeyCount: len(snap.Values)})
	}
	return out, nil
}

func (s *StoreSnapshots) Prune(ctx context.Context, keep int) (int, error) {
	if keep <= 0 {
		return 0, nil
	}
	n, err := s.store.LLen(ctx, snapshotIndexKey)
	if err != nil {
		return 0, err
	}
	removed := 0
	for ; n > int64(keep); n-- {
		id, err := s.store.LPop(ctx, snapshotIndexKey)
		if errors.Is(err, store.ErrNil) {
			break
		}
		if err != nil {
			return removed, err
		}
		if err := s.store.Del(ctx, snapshotPrefix+string(id)); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func (s *StoreSnapshots) ids(ctx context.Context) ([]string, error) {
	items, err := s.store.LRange(ctx, snapshotIndexKey, 0, -1)
	if err != nil && !errors.Is(err, store.ErrNil) {
		return nil, err
	}
	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = string(it)
	}
	return ids, nil
}
