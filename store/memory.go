package store

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
)

// =============================================================================
// 🧠 内存后端（单进程，开发与测试使用）
// =============================================================================

type memItem struct {
	value    []byte
	list     [][]byte
	isList   bool
	expireAt time.Time
}

func (it *memItem) expired(now time.Time) bool {
	return !it.expireAt.IsZero() && !now.Before(it.expireAt)
}

// Memory is an in-process Store. Pub/sub delivery is non-blocking: a
// subscriber whose buffer is full misses the message, which matches the
// fire-and-forget contract of the primitive.
type Memory struct {
	prefix string

	mu     sync.Mutex
	items  map[string]*memItem
	subs   map[string]map[*memSubscription]struct{}
	closed bool

	now func() time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory(prefix string) *Memory {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &Memory{
		prefix: prefix,
		items:  make(map[string]*memItem),
		subs:   make(map[string]map[*memSubscription]struct{}),
		now:    time.Now,
	}
}

// lookup returns a live item and evicts an expired one. Caller holds mu.
func (m *Memory) lookup(key string) *memItem {
	it, ok := m.items[key]
	if !ok {
		return nil
	}
	if it.expired(m.now()) {
		delete(m.items, key)
		return nil
	}
	return it
}

func (m *Memory) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.now().Add(ttl)
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	it := m.lookup(key)
	if it == nil || it.isList {
		return nil, ErrNil
	}
	return slices.Clone(it.value), nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.items[key] = &memItem{value: slices.Clone(value), expireAt: m.expiry(ttl)}
	return nil
}

func (m *Memory) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	if m.lookup(key) != nil {
		return false, nil
	}
	m.items[key] = &memItem{value: slices.Clone(value), expireAt: m.expiry(ttl)}
	return true, nil
}

func (m *Memory) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for _, key := range keys {
		delete(m.items, key)
	}
	return nil
}

func (m *Memory) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if it := m.lookup(key); it != nil {
		it.expireAt = m.expiry(ttl)
	}
	return nil
}

func (m *Memory) Keys(_ context.Context, pattern string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	var out []string
	for key := range m.items {
		if m.lookup(key) == nil {
			continue
		}
		ok, err := path.Match(pattern, key)
		if err != nil {
			return nil, fmt.Errorf("bad pattern %q: %w", pattern, err)
		}
		if ok {
			out = append(out, key)
		}
	}
	slices.Sort(out)
	return out, nil
}

func (m *Memory) Incr(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	it := m.lookup(key)
	var n int64
	if it != nil {
		if it.isList {
			return 0, fmt.Errorf("incr %s: wrong type", key)
		}
		v, err := strconv.ParseInt(string(it.value), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("incr %s: value is not an integer", key)
		}
		n = v
	} else {
		it = &memItem{}
		m.items[key] = it
	}
	n++
	it.value = []byte(strconv.FormatInt(n, 10))
	return n, nil
}

func (m *Memory) listFor(key string, create bool) (*memItem, error) {
	it := m.lookup(key)
	if it == nil {
		if !create {
			return nil, nil
		}
		it = &memItem{isList: true}
		m.items[key] = it
		return it, nil
	}
	if !it.isList {
		return nil, fmt.Errorf("%s: wrong type", key)
	}
	return it, nil
}

func (m *Memory) RPush(_ context.Context, key string, values ...[]byte) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	it, err := m.listFor(key, true)
	if err != nil {
		return 0, err
	}
	for _, v := range values {
		it.list = append(it.list, slices.Clone(v))
	}
	return int64(len(it.list)), nil
}

func (m *Memory) LPop(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	it, err := m.listFor(key, false)
	if err != nil {
		return nil, err
	}
	if it == nil || len(it.list) == 0 {
		return nil, ErrNil
	}
	v := it.list[0]
	it.list = it.list[1:]
	if len(it.list) == 0 {
		delete(m.items, key)
	}
	return v, nil
}

// normRange converts Redis-style inclusive indexes (negative = from the end)
// into a half-open slice range.
func normRange(n, start, stop int64) (int64, int64) {
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	start = max(start, 0)
	stop = min(stop, n-1)
	if start > stop {
		return 0, 0
	}
	return start, stop + 1
}

func (m *Memory) LRange(_ context.Context, key string, start, stop int64) ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	it, err := m.listFor(key, false)
	if err != nil || it == nil {
		return nil, err
	}
	lo, hi := normRange(int64(len(it.list)), start, stop)
	out := make([][]byte, 0, hi-lo)
	for _, v := range it.list[lo:hi] {
		out = append(out, slices.Clone(v))
	}
	return out, nil
}

func (m *Memory) LTrim(_ context.Context, key string, start, stop int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	it, err := m.listFor(key, false)
	if err != nil || it == nil {
		return err
	}
	lo, hi := normRange(int64(len(it.list)), start, stop)
	it.list = slices.Clone(it.list[lo:hi])
	if len(it.list) == 0 {
		delete(m.items, key)
	}
	return nil
}

func (m *Memory) LLen(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	it, err := m.listFor(key, false)
	if err != nil || it == nil {
		return 0, err
	}
	return int64(len(it.list)), nil
}

func (m *Memory) Publish(_ context.Context, channel string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for sub := range m.subs[channel] {
		select {
		case sub.out <- PubSubMessage{Channel: channel, Payload: slices.Clone(payload)}:
		default:
		}
	}
	return nil
}

func (m *Memory) Subscribe(_ context.Context, channels ...string) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	sub := &memSubscription{
		m:        m,
		channels: slices.Clone(channels),
		out:      make(chan PubSubMessage, 256),
	}
	for _, ch := range channels {
		if m.subs[ch] == nil {
			m.subs[ch] = make(map[*memSubscription]struct{})
		}
		m.subs[ch][sub] = struct{}{}
	}
	return sub, nil
}

type memSubscription struct {
	m        *Memory
	channels []string
	out      chan PubSubMessage
	once     sync.Once
}

func (s *memSubscription) Channel() <-chan PubSubMessage { return s.out }

func (s *memSubscription) Close() error {
	s.once.Do(func() {
		s.m.mu.Lock()
		defer s.m.mu.Unlock()
		s.m.detach(s)
		close(s.out)
	})
	return nil
}

// detach removes a subscription. Caller holds mu.
func (m *Memory) detach(s *memSubscription) {
	for _, ch := range s.channels {
		delete(m.subs[ch], s)
		if len(m.subs[ch]) == 0 {
			delete(m.subs, ch)
		}
	}
}

func (m *Memory) CompareAndSwap(_ context.Context, ops ...CASOp) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	for _, op := range ops {
		it := m.lookup(op.Key)
		if op.Old == nil {
			if it != nil {
				return false, nil
			}
			continue
		}
		if it == nil || it.isList || !bytes.Equal(it.value, op.Old) {
			return false, nil
		}
	}
	for _, op := range ops {
		if op.Delete {
			delete(m.items, op.Key)
			continue
		}
		m.items[op.Key] = &memItem{value: slices.Clone(op.New), expireAt: m.expiry(op.TTL)}
	}
	return true, nil
}

func (m *Memory) CompareAndDelete(_ context.Context, key string, old []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	it := m.lookup(key)
	if it == nil || it.isList || !bytes.Equal(it.value, old) {
		return false, nil
	}
	delete(m.items, key)
	return true, nil
}

func (m *Memory) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

// Close drops all data and closes open subscriptions.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for _, set := range m.subs {
		for sub := range set {
			sub.once.Do(func() { close(sub.out) })
		}
	}
	m.subs = nil
	m.items = nil
	return nil
}

// String is used in logs.
func (m *Memory) String() string {
	return "memory(" + strings.TrimSuffix(m.prefix, ":") + ")"
}
