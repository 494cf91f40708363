package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// =============================================================================
// 🧪 后端契约测试（memory 与 miniredis 共用）
// =============================================================================

type backend struct {
	name string
	new  func(t *testing.T) (Store, *miniredis.Miniredis)
}

func backends() []backend {
	return []backend{
		{name: "memory", new: func(t *testing.T) (Store, *miniredis.Miniredis) {
			s := NewMemory("test:")
			t.Cleanup(func() { _ = s.Close() })
			return s, nil
		}},
		{name: "redis", new: func(t *testing.T) (Store, *miniredis.Miniredis) {
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			s := NewRedisFromClient(client, "test:", zap.NewNop())
			t.Cleanup(func() { _ = s.Close() })
			return s, mr
		}},
	}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, s Store)) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s, _ := b.new(t)
			fn(t, s)
		})
	}
}

func TestStore_GetSetDel(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		_, err := s.Get(ctx, "missing")
		assert.ErrorIs(t, err, ErrNil)

		require.NoError(t, s.Set(ctx, "k", []byte("v"), 0))
		got, err := s.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, []byte("v"), got)

		require.NoError(t, s.Del(ctx, "k"))
		_, err = s.Get(ctx, "k")
		assert.ErrorIs(t, err, ErrNil)
	})
}

func TestStore_SetNX(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		ok, err := s.SetNX(ctx, "lock", []byte("a"), time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.SetNX(ctx, "lock", []byte("b"), time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)

		got, err := s.Get(ctx, "lock")
		require.NoError(t, err)
		assert.Equal(t, []byte("a"), got)
	})
}

func TestStore_Incr(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for i := int64(1); i <= 3; i++ {
			n, err := s.Incr(ctx, "seq")
			require.NoError(t, err)
			assert.Equal(t, i, n)
		}
	})
}

func TestStore_Lists(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		n, err := s.RPush(ctx, "q", []byte("1"), []byte("2"), []byte("3"), []byte("4"))
		require.NoError(t, err)
		assert.Equal(t, int64(4), n)

		all, err := s.LRange(ctx, "q", 0, -1)
		require.NoError(t, err)
		assert.Equal(t, [][]byte{[]byte("1"), []byte("2"), []byte("3"), []byte("4")}, all)

		// 保留最后 3 个
		require.NoError(t, s.LTrim(ctx, "q", -3, -1))
		l, err := s.LLen(ctx, "q")
		require.NoError(t, err)
		assert.Equal(t, int64(3), l)

		v, err := s.LPop(ctx, "q")
		require.NoError(t, err)
		assert.Equal(t, []byte("2"), v)

		_, err = s.LPop(ctx, "empty")
		assert.ErrorIs(t, err, ErrNil)

		empty, err := s.LRange(ctx, "empty", 0, -1)
		require.NoError(t, err)
		assert.Empty(t, empty)
	})
}

func TestStore_Keys(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.Set(ctx, "state:v:a", []byte("1"), 0))
		require.NoError(t, s.Set(ctx, "state:v:b", []byte("1"), 0))
		require.NoError(t, s.Set(ctx, "other", []byte("1"), 0))

		keys, err := s.Keys(ctx, "state:v:*")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"state:v:a", "state:v:b"}, keys)
	})
}

func TestStore_CompareAndSwap(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		// 两个键都必须不存在
		ok, err := s.CompareAndSwap(ctx,
			CASOp{Key: "a", Old: nil, New: []byte("a1")},
			CASOp{Key: "b", Old: nil, New: []byte("b1")},
		)
		require.NoError(t, err)
		require.True(t, ok)

		// 一个期望不满足 -> 全部不写
		ok, err = s.CompareAndSwap(ctx,
			CASOp{Key: "a", Old: []byte("a1"), New: []byte("a2")},
			CASOp{Key: "b", Old: []byte("stale"), New: []byte("b2")},
		)
		require.NoError(t, err)
		assert.False(t, ok)

		a, _ := s.Get(ctx, "a")
		b, _ := s.Get(ctx, "b")
		assert.Equal(t, []byte("a1"), a)
		assert.Equal(t, []byte("b1"), b)

		ok, err = s.CompareAndSwap(ctx,
			CASOp{Key: "a", Old: []byte("a1"), New: []byte("a2")},
			CASOp{Key: "b", Old: []byte("b1"), Delete: true},
		)
		require.NoError(t, err)
		assert.True(t, ok)

		a, _ = s.Get(ctx, "a")
		assert.Equal(t, []byte("a2"), a)
		_, err = s.Get(ctx, "b")
		assert.ErrorIs(t, err, ErrNil)
	})
}

func TestStore_CompareAndSwap_Concurrent(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.Set(ctx, "k", []byte("v1"), 0))

		const writers = 10
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := s.CompareAndSwap(ctx, CASOp{Key: "k", Old: []byte("v1"), New: []byte("v2")})
				assert.NoError(t, err)
				if ok {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
	})
}

func TestStore_CompareAndDelete(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.Set(ctx, "lock", []byte("token-1"), time.Minute))

		ok, err := s.CompareAndDelete(ctx, "lock", []byte("token-2"))
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = s.CompareAndDelete(ctx, "lock", []byte("token-1"))
		require.NoError(t, err)
		assert.True(t, ok)

		_, err = s.Get(ctx, "lock")
		assert.ErrorIs(t, err, ErrNil)
	})
}

func TestStore_PubSub(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		sub, err := s.Subscribe(ctx, "notify")
		require.NoError(t, err)
		defer sub.Close()

		require.NoError(t, s.Publish(ctx, "notify", []byte("hello")))

		select {
		case msg := <-sub.Channel():
			assert.Equal(t, "notify", msg.Channel)
			assert.Equal(t, []byte("hello"), msg.Payload)
		case <-time.After(2 * time.Second):
			t.Fatal("no message received")
		}
	})
}

func TestStore_ClosedReturnsErr(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		require.NoError(t, s.Close())
		_, err := s.Get(context.Background(), "k")
		assert.ErrorIs(t, err, ErrClosed)
		// 重复关闭无副作用
		assert.NoError(t, s.Close())
	})
}

func TestMemory_TTL(t *testing.T) {
	s := NewMemory("")
	now := time.Now()
	s.now = func() time.Time { return now }

	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "k", []byte("v"), time.Second))

	_, err := s.Get(ctx, "k")
	require.NoError(t, err)

	now = now.Add(2 * time.Second)
	_, err = s.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNil)

	ok, err := s.SetNX(ctx, "k", []byte("v2"), 0)
	require.NoError(t, err)
	assert.True(t, ok, "expired key can be re-acquired")
}

func TestRedis_TTL(t *testing.T) {
	mr := miniredis.RunT(t)
	s := NewRedisFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "", nil)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "k", []byte("v"), time.Second))
	assert.True(t, mr.Exists(DefaultKeyPrefix+"k"), "key carries the prefix")

	mr.FastForward(2 * time.Second)
	_, err := s.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNil)
}

func TestNew(t *testing.T) {
	ctx := context.Background()

	s, err := New(ctx, Config{Type: TypeMemory}, nil)
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, s)

	mr := miniredis.RunT(t)
	cfg := DefaultConfig()
	cfg.Type = TypeRedis
	cfg.Redis.Addr = mr.Addr()
	cfg.Redis.HealthCheckInterval = 0
	s, err = New(ctx, cfg, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, s.Ping(ctx))
	require.NoError(t, s.Close())

	_, err = New(ctx, Config{Type: "etcd"}, nil)
	assert.Error(t, err)

	_, err = New(ctx, Config{Type: TypeRedis}, nil)
	assert.Error(t, err, "redis requires an address")
}

func TestRedisOptions_TLS(t *testing.T) {
	cfg := DefaultConfig().Redis
	cfg.Addr = "cache.internal:6380"

	opts := redisOptions(cfg)
	assert.Nil(t, opts.TLSConfig)
	assert.Equal(t, cfg.PoolSize, opts.PoolSize)

	cfg.TLS = true
	opts = redisOptions(cfg)
	require.NotNil(t, opts.TLSConfig)
	assert.Equal(t, "cache.internal", opts.TLSConfig.ServerName)
	assert.False(t, opts.TLSConfig.InsecureSkipVerify)
}
