package broker

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whodaniel/fuse-sub035/store"
	"github.com/whodaniel/fuse-sub035/types"
)

func pushEntry(t *testing.T, st store.Store, key string, seq int64) {
	t.Helper()
	data, err := json.Marshal(envelope{Seq: seq, Msg: msg("m"+string(rune('0'+seq)), types.PriorityLow, false)})
	require.NoError(t, err)
	_, err = st.RPush(context.Background(), key, data)
	require.NoError(t, err)
}

func seqs(entries []laneEntry) []int64 {
	out := make([]int64, len(entries))
	for i, e := range entries {
		out[i] = e.env.Seq
	}
	return out
}

func TestReadLane_FollowsCursor(t *testing.T) {
	st := store.NewMemory("")
	b, _ := newTestBroker(t, st, testConfig())
	ctx := context.Background()
	key := laneKey("ch", string(types.PriorityLow))

	for seq := int64(1); seq <= 3; seq++ {
		pushEntry(t, st, key, seq)
	}
	entries, err := b.readLane(ctx, "ch", types.PriorityLow, cursor{})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, seqs(entries))
	assert.Equal(t, int64(2), entries[2].index)

	pushEntry(t, st, key, 4)
	entries, err = b.readLane(ctx, "ch", types.PriorityLow, cursor{next: 3, seq: 3})
	require.NoError(t, err)
	assert.Equal(t, []int64{4}, seqs(entries))
	assert.Equal(t, int64(3), entries[0].index)

	entries, err = b.readLane(ctx, "ch", types.PriorityLow, cursor{next: 4, seq: 4})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestReadLane_RereadsAfterTrim(t *testing.T) {
	st := store.NewMemory("")
	b, _ := newTestBroker(t, st, testConfig())
	ctx := context.Background()
	key := laneKey("ch", string(types.PriorityLow))

	for seq := int64(1); seq <= 4; seq++ {
		pushEntry(t, st, key, seq)
	}
	require.NoError(t, st.LTrim(ctx, key, -2, -1))
	pushEntry(t, st, key, 5)

	// 下标 3 已不是序号 4 的条目，回退为整条读取
	entries, err := b.readLane(ctx, "ch", types.PriorityLow, cursor{next: 4, seq: 4})
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 4, 5}, seqs(entries))
	assert.Equal(t, int64(0), entries[0].index)
}

// rangeCounter 记录每次读取 lane 返回的条数
type rangeCounter struct {
	store.Store
	mu    sync.Mutex
	sizes []int
}

func (r *rangeCounter) LRange(ctx context.Context, key string, start, stop int64) ([][]byte, error) {
	raw, err := r.Store.LRange(ctx, key, start, stop)
	if strings.HasPrefix(key, "broker:lane:") {
		r.mu.Lock()
		r.sizes = append(r.sizes, len(raw))
		r.mu.Unlock()
	}
	return raw, err
}

func (r *rangeCounter) reset() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.sizes
	r.sizes = nil
	return out
}

func TestBroker_IdlePollsReadOnlyCursorEntries(t *testing.T) {
	st := &rangeCounter{Store: store.NewMemory("")}
	cfg := testConfig()
	b, _ := newTestBroker(t, st, cfg)
	ctx := context.Background()

	c := &collector{}
	_, err := b.Subscribe(ctx, "busy", c.handle)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		require.NoError(t, b.Publish(ctx, "busy", msg("b"+string(rune('a'+i)), types.PriorityMedium, false)))
	}
	c.waitFor(t, 20)
	time.Sleep(5 * cfg.PollInterval)

	st.reset()
	time.Sleep(10 * cfg.PollInterval)
	sizes := st.reset()
	require.NotEmpty(t, sizes)
	for _, n := range sizes {
		assert.LessOrEqual(t, n, 1, "idle poll should only re-read the cursor entry")
	}
	assert.Len(t, c.got(), 20)
}
