package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/whodaniel/fuse-sub035/internal/telemetry"
	"github.com/whodaniel/fuse-sub035/store"
	"github.com/whodaniel/fuse-sub035/types"
)

// =============================================================================
// 🔒 事务
// =============================================================================

// Tx is the view a transaction function works against. Reads see the values
// current when the locks were taken plus the writes staged so far.
// A Tx must not be used after the transaction function returns.
type Tx struct {
	keys    []string
	read    map[string]*Entry
	raw     map[string][]byte
	staged  map[string]json.RawMessage
	deleted map[string]bool
}

// Keys returns the locked key set in lock order.
func (tx *Tx) Keys() []string { return slices.Clone(tx.keys) }

// Get returns the entry for key as seen inside the transaction.
func (tx *Tx) Get(key string) (*Entry, error) {
	if err := tx.check(key); err != nil {
		return nil, err
	}
	if tx.deleted[key] {
		return nil, types.Errorf(types.ErrNotFound, "state key %q not found", key)
	}
	cur := tx.read[key]
	if v, ok := tx.staged[key]; ok {
		e := &Entry{Key: key, Value: v, Version: 1}
		if cur != nil {
			e.Version = cur.Version + 1
		}
		return e, nil
	}
	if cur == nil {
		return nil, types.Errorf(types.ErrNotFound, "state key %q not found", key)
	}
	c := *cur
	return &c, nil
}

// Set stages a write of value to key.
func (tx *Tx) Set(key string, value any) error {
	if err := tx.check(key); err != nil {
		return err
	}
	data, err := encodeValue(value)
	if err != nil {
		return err
	}
	tx.staged[key] = data
	delete(tx.deleted, key)
	return nil
}

// Delete stages the removal of key. Deleting an absent key is a no-op.
func (tx *Tx) Delete(key string) error {
	if err := tx.check(key); err != nil {
		return err
	}
	delete(tx.staged, key)
	if tx.read[key] != nil {
		tx.deleted[key] = true
	}
	return nil
}

func (tx *Tx) check(key string) error {
	if _, ok := slices.BinarySearch(tx.keys, key); !ok {
		return types.Errorf(types.ErrInvalidInput, "key %q is outside the transaction key set", key)
	}
	return nil
}

// Transaction locks keys in sorted order, runs fn against their current
// values and commits the staged writes atomically.
//
// It returns LOCK_TIMEOUT when the locks cannot be taken within LockWait or
// were held longer than LockTTL, and STALE_WRITE when a key changed under
// the transaction. Both are retryable as a whole. An error from fn aborts
// the transaction and is returned as is.
func (m *Manager) Transaction(ctx context.Context, keys []string, fn func(ctx context.Context, tx *Tx) error) (err error) {
	ctx, span := telemetry.Start(ctx, "state", "state.transaction", attribute.Int("keys", len(keys)))
	defer func() {
		telemetry.End(span, err)
		m.metrics.RecordTransaction(txResult(err))
	}()

	if fn == nil {
		return types.NewError(types.ErrInvalidInput, "transaction function is nil")
	}
	keys = normalizeKeys(keys)
	if len(keys) == 0 {
		return types.NewError(types.ErrInvalidInput, "transaction needs at least one key")
	}
	for _, k := range keys {
		if err := validateKey(k); err != nil {
			return err
		}
	}

	token := uuid.NewString()
	held, err := m.lockAll(ctx, keys, token)
	defer m.unlockAll(held, token)
	if err != nil {
		return err
	}
	lockedAt := m.now()

	tx := &Tx{
		keys:    keys,
		read:    make(map[string]*Entry, len(keys)),
		raw:     make(map[string][]byte, len(keys)),
		staged:  make(map[string]json.RawMessage),
		deleted: make(map[string]bool),
	}
	for _, k := range keys {
		e, raw, err := m.read(ctx, k)
		if err != nil {
			return err
		}
		tx.read[k] = e
		tx.raw[k] = raw
	}

	if err := fn(ctx, tx); err != nil {
		return err
	}
	if len(tx.staged) == 0 && len(tx.deleted) == 0 {
		return nil
	}

	if held := m.now().Sub(lockedAt); held > m.config.LockTTL {
		return types.Errorf(types.ErrLockTimeout, "transaction held locks for %s, longer than lock ttl %s", held, m.config.LockTTL)
	}
	return m.commit(ctx, tx, token)
}

// lockAll takes every lock in order, waiting up to LockWait overall. It
// returns the locks taken so far even on failure so they can be released.
func (m *Manager) lockAll(ctx context.Context, keys []string, token string) ([]string, error) {
	deadline := m.now().Add(m.config.LockWait)
	held := make([]string, 0, len(keys))
	for _, k := range keys {
		for {
			ok, err := m.store.SetNX(ctx, lockKey(k), []byte(token), m.config.LockTTL)
			if err != nil {
				return held, fmt.Errorf("lock %q: %w", k, err)
			}
			if ok {
				held = append(held, k)
				break
			}
			if !m.now().Before(deadline) {
				return held, types.Errorf(types.ErrLockTimeout, "lock on %q not acquired within %s", k, m.config.LockWait)
			}
			select {
			case <-ctx.Done():
				return held, types.NewError(types.ErrLockTimeout, "lock wait cancelled").WithCause(ctx.Err())
			case <-time.After(m.config.LockRetryInterval):
			}
		}
	}
	return held, nil
}

func (m *Manager) unlockAll(keys []string, token string) {
	if len(keys) == 0 {
		return
	}
	// 调用方的 ctx 可能已取消，释放锁必须继续
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, k := range keys {
		if _, err := m.store.CompareAndDelete(ctx, lockKey(k), []byte(token)); err != nil {
			m.logger.Warn("release lock failed", zap.String("key", k), zap.Error(err))
		}
	}
}

// commit applies the staged writes with one compare-and-swap that also
// asserts every lock is still ours.
func (m *Manager) commit(ctx context.Context, tx *Tx, token string) error {
	ops := make([]store.CASOp, 0, len(tx.keys)*2)
	changes := make([]Change, 0, len(tx.staged)+len(tx.deleted))

	for _, k := range tx.keys {
		ops = append(ops, store.CASOp{Key: lockKey(k), Old: []byte(token), New: []byte(token), TTL: m.config.LockTTL})

		if v, ok := tx.staged[k]; ok {
			next := m.nextEntry(ctx, k, v, tx.read[k])
			enc, err := json.Marshal(next)
			if err != nil {
				return fmt.Errorf("encode state entry: %w", err)
			}
			ops = append(ops, store.CASOp{Key: valueKey(k), Old: tx.raw[k], New: enc})
			changes = append(changes, Change{Op: OpSet, Key: k, Entry: next})
		} else if tx.deleted[k] {
			ops = append(ops, store.CASOp{Key: valueKey(k), Old: tx.raw[k], Delete: true})
			changes = append(changes, Change{Op: OpDelete, Key: k, Entry: tx.read[k]})
		}
	}

	ok, err := m.store.CompareAndSwap(ctx, ops...)
	if err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	if !ok {
		if lost := m.lostLock(ctx, tx.keys, token); lost != "" {
			return types.Errorf(types.ErrLockTimeout, "lock on %q expired before commit", lost)
		}
		return types.NewError(types.ErrStaleWrite, "transaction keys changed before commit")
	}

	for _, ch := range changes {
		m.metrics.RecordStateWrite(ch.Op, "ok")
	}
	m.committed(ctx, changes...)
	return nil
}

// lostLock returns the first key whose lock no longer carries token.
func (m *Manager) lostLock(ctx context.Context, keys []string, token string) string {
	for _, k := range keys {
		v, err := m.store.Get(ctx, lockKey(k))
		if errors.Is(err, store.ErrNil) || (err == nil && string(v) != token) {
			return k
		}
	}
	return ""
}

func normalizeKeys(keys []string) []string {
	out := slices.Clone(keys)
	slices.Sort(out)
	return slices.Compact(out)
}

func txResult(err error) string {
	switch {
	case err == nil:
		return "committed"
	case types.IsErrorCode(err, types.ErrLockTimeout):
		return "lock_timeout"
	case types.IsErrorCode(err, types.ErrStaleWrite):
		return "stale"
	default:
		return "error"
	}
}
