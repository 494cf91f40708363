package state

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"

	"github.com/whodaniel/fuse-sub035/store"
	"github.com/whodaniel/fuse-sub035/types"
)

// =============================================================================
// 🧪 测试辅助
// =============================================================================

func newRedisStore(t *testing.T, mr *miniredis.Miniredis) store.Store {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := store.NewRedisFromClient(client, "test:", zap.NewNop())
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func forEachStore(t *testing.T, fn func(t *testing.T, st store.Store)) {
	t.Run("memory", func(t *testing.T) {
		st := store.NewMemory("test:")
		t.Cleanup(func() { _ = st.Close() })
		fn(t, st)
	})
	t.Run("redis", func(t *testing.T) {
		fn(t, newRedisStore(t, miniredis.RunT(t)))
	})
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.LockWait = 200 * time.Millisecond
	cfg.LockRetryInterval = 5 * time.Millisecond
	cfg.SnapshotInterval = 0
	return cfg
}

func newTestManager(t *testing.T, st store.Store, opts ...Option) *Manager {
	t.Helper()
	return NewManager(testConfig(), st, zaptest.NewLogger(t), opts...)
}

func decodeInt(t *testing.T, e *Entry) int {
	t.Helper()
	var v int
	require.NoError(t, e.Decode(&v))
	return v
}

// =============================================================================
// 🧪 Get / Set / Delete
// =============================================================================

func TestManager_SetGet(t *testing.T) {
	forEachStore(t, func(t *testing.T, st store.Store) {
		ctx := context.Background()
		m := newTestManager(t, st)

		_, err := m.Get(ctx, "counter")
		assert.True(t, types.IsErrorCode(err, types.ErrNotFound))

		e, err := m.Set(ctx, "counter", 1, 0)
		require.NoError(t, err)
		assert.Equal(t, int64(1), e.Version)
		assert.Equal(t, m.NodeID(), e.UpdatedBy)

		e, err = m.Set(types.WithActor(ctx, "agent-7"), "counter", 2, 1)
		require.NoError(t, err)
		assert.Equal(t, int64(2), e.Version)
		assert.Equal(t, "agent-7", e.UpdatedBy)

		got, err := m.Get(ctx, "counter")
		require.NoError(t, err)
		assert.Equal(t, int64(2), got.Version)
		assert.Equal(t, 2, decodeInt(t, got))
		assert.False(t, got.UpdatedAt.IsZero())
	})
}

func TestManager_SetRawJSON(t *testing.T) {
	m := newTestManager(t, store.NewMemory(""))
	ctx := context.Background()

	e, err := m.Set(ctx, "doc", json.RawMessage(`{"a":1}`), 0)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(e.Value))

	_, err = m.Set(ctx, "bad", json.RawMessage(`{`), 0)
	assert.True(t, types.IsErrorCode(err, types.ErrInvalidInput))

	_, err = m.Set(ctx, "", 1, 0)
	assert.True(t, types.IsErrorCode(err, types.ErrInvalidInput))

	_, err = m.Set(ctx, "neg", 1, -1)
	assert.True(t, types.IsErrorCode(err, types.ErrInvalidInput))
}

func TestManager_StaleSetNeverOverwrites(t *testing.T) {
	forEachStore(t, func(t *testing.T, st store.Store) {
		ctx := context.Background()
		m := newTestManager(t, st)

		_, err := m.Set(ctx, "k", "first", 0)
		require.NoError(t, err)
		_, err = m.Set(ctx, "k", "second", 1)
		require.NoError(t, err)

		for _, expected := range []int64{0, 1, 3} {
			_, err = m.Set(ctx, "k", "stale", expected)
			require.Error(t, err)
			assert.True(t, types.IsErrorCode(err, types.ErrStaleWrite), "expected=%d", expected)
			assert.True(t, types.IsRetryable(err))
		}

		got, err := m.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, int64(2), got.Version)
		assert.JSONEq(t, `"second"`, string(got.Value))
	})
}

func TestManager_ConcurrentWritersSingleWinner(t *testing.T) {
	forEachStore(t, func(t *testing.T, st store.Store) {
		ctx := context.Background()
		m := newTestManager(t, st)
		_, err := m.Set(ctx, "shared", 0, 0)
		require.NoError(t, err)

		const writers = 16
		var wins, stale atomic.Int32
		var wg sync.WaitGroup
		start := make(chan struct{})
		for i := range writers {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				<-start
				_, err := m.Set(ctx, "shared", i, 1)
				switch {
				case err == nil:
					wins.Add(1)
				case types.IsErrorCode(err, types.ErrStaleWrite):
					stale.Add(1)
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}(i)
		}
		close(start)
		wg.Wait()

		assert.Equal(t, int32(1), wins.Load())
		assert.Equal(t, int32(writers-1), stale.Load())

		got, err := m.Get(ctx, "shared")
		require.NoError(t, err)
		assert.Equal(t, int64(2), got.Version)
	})
}

// 任意写入序列下，只有携带当前版本的写入能成功
func TestManager_VersionProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		ctx := context.Background()
		m := NewManager(testConfig(), store.NewMemory(""), zap.NewNop())

		var current int64
		var last int
		ops := rapid.IntRange(1, 40).Draw(rt, "ops")
		for i := 0; i < ops; i++ {
			expected := rapid.Int64Range(0, current+2).Draw(rt, "expected")
			_, err := m.Set(ctx, "key", i, expected)
			if expected == current {
				if err != nil {
					rt.Fatalf("write with current version %d failed: %v", expected, err)
				}
				current++
				last = i
				continue
			}
			if !types.IsErrorCode(err, types.ErrStaleWrite) {
				rt.Fatalf("write with version %d (current %d) returned %v", expected, current, err)
			}
		}

		e, err := m.Get(ctx, "key")
		if current == 0 {
			if !types.IsErrorCode(err, types.ErrNotFound) {
				rt.Fatalf("expected not found, got %v", err)
			}
			return
		}
		if err != nil {
			rt.Fatalf("get: %v", err)
		}
		var v int
		_ = e.Decode(&v)
		if e.Version != current || v != last {
			rt.Fatalf("got version %d value %d, want %d / %d", e.Version, v, current, last)
		}
	})
}

func TestManager_Delete(t *testing.T) {
	forEachStore(t, func(t *testing.T, st store.Store) {
		ctx := context.Background()
		m := newTestManager(t, st)

		err := m.Delete(ctx, "nope", 1)
		assert.True(t, types.IsErrorCode(err, types.ErrNotFound))

		_, err = m.Set(ctx, "k", "v", 0)
		require.NoError(t, err)

		err = m.Delete(ctx, "k", 0)
		assert.True(t, types.IsErrorCode(err, types.ErrInvalidInput))
		err = m.Delete(ctx, "k", 5)
		assert.True(t, types.IsErrorCode(err, types.ErrStaleWrite))

		require.NoError(t, m.Delete(ctx, "k", 1))
		_, err = m.Get(ctx, "k")
		assert.True(t, types.IsErrorCode(err, types.ErrNotFound))

		// 删除后可重新创建
		e, err := m.Set(ctx, "k", "again", 0)
		require.NoError(t, err)
		assert.Equal(t, int64(1), e.Version)
	})
}

func TestManager_KeysAndList(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, store.NewMemory(""))
	for _, k := range []string{"tasks:b", "tasks:a", "agents:x"} {
		_, err := m.Set(ctx, k, k, 0)
		require.NoError(t, err)
	}

	keys, err := m.Keys(ctx, "tasks:*")
	require.NoError(t, err)
	assert.Equal(t, []string{"tasks:a", "tasks:b"}, keys)

	all, err := m.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

// =============================================================================
// 🧪 订阅
// =============================================================================

func TestManager_SubscribeLocal(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, store.NewMemory(""))

	var mu sync.Mutex
	var got []types.Event
	id, err := m.Subscribe("user:*", func(key string, ev types.Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, ev)
	})
	require.NoError(t, err)

	_, err = m.Set(ctx, "user:1", "alice", 0)
	require.NoError(t, err)
	_, err = m.Set(ctx, "order:1", "ignored", 0)
	require.NoError(t, err)
	require.NoError(t, m.Delete(ctx, "user:1", 1))

	mu.Lock()
	require.Len(t, got, 2)
	assert.Equal(t, types.EventStateChanged, got[0].Type)
	assert.Equal(t, types.SourceState, got[0].Source)
	ch, ok := got[0].Data.(Change)
	require.True(t, ok)
	assert.Equal(t, "user:1", ch.Key)
	assert.Equal(t, int64(1), ch.Entry.Version)
	assert.Positive(t, ch.Seq)
	assert.Equal(t, types.EventStateDeleted, got[1].Type)
	mu.Unlock()

	assert.True(t, m.Unsubscribe(id))
	assert.False(t, m.Unsubscribe(id))

	_, err = m.Subscribe("[", func(string, types.Event) {})
	assert.True(t, types.IsErrorCode(err, types.ErrInvalidInput))
}

func TestManager_SubscribeRemote(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	writer := newTestManager(t, newRedisStore(t, mr))
	reader := newTestManager(t, newRedisStore(t, mr))
	require.NoError(t, writer.Start(ctx))
	require.NoError(t, reader.Start(ctx))

	var local, remote atomic.Int32
	_, err := writer.Subscribe("*", func(string, types.Event) { local.Add(1) })
	require.NoError(t, err)
	_, err = reader.Subscribe("cfg:*", func(key string, ev types.Event) {
		if key == "cfg:mode" && ev.Type == types.EventStateChanged {
			remote.Add(1)
		}
	})
	require.NoError(t, err)

	_, err = writer.Set(ctx, "cfg:mode", "fast", 0)
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return remote.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	// 本节点的变更不会经 pub/sub 再投递一次
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), local.Load())
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.SnapshotBackend = "s3"
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.LockTTL = -time.Second
	assert.Error(t, cfg.Validate())

	d := Config{}.withDefaults()
	assert.Equal(t, []string{"*"}, d.SnapshotKeys)
	assert.Equal(t, 5*time.Second, d.LockTTL)
}
