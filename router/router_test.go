package router

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/whodaniel/fuse-sub035/types"
)

type recordingPublisher struct {
	mu   sync.Mutex
	sent map[string][]*types.Message
	fail map[string]error
}

func newRecordingPublisher() *recordingPublisher {
	return &recordingPublisher{sent: make(map[string][]*types.Message), fail: make(map[string]error)}
}

func (p *recordingPublisher) Publish(_ context.Context, channel string, msg *types.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail[channel]; err != nil {
		return err
	}
	p.sent[channel] = append(p.sent[channel], msg)
	return nil
}

func newTestRouter(t *testing.T, pub Publisher, rules ...Rule) *Router {
	t.Helper()
	r, err := New(Config{Rules: rules}, pub, zap.NewNop())
	require.NoError(t, err)
	return r
}

func TestRouter_FirstMatchWins(t *testing.T) {
	r := newTestRouter(t, nil,
		Rule{Name: "alerts", TypePattern: "alert.*", Targets: []string{"ops", "audit"}},
		Rule{Name: "all-alerts", TypePattern: "alert.*", Targets: []string{"never"}},
		Rule{Name: "fallback", Default: true, Targets: []string{"inbox"}},
	)

	got, err := r.Resolve(&types.Message{Type: "alert.disk"})
	require.NoError(t, err)
	assert.Equal(t, []string{"ops", "audit"}, got)

	got, err = r.Resolve(&types.Message{Type: "chat"})
	require.NoError(t, err)
	assert.Equal(t, []string{"inbox"}, got)
}

func TestRouter_Unroutable(t *testing.T) {
	r := newTestRouter(t, nil, Rule{Name: "alerts", TypePattern: "alert.*", Targets: []string{"ops"}})

	_, err := r.Resolve(&types.Message{Type: "chat"})
	assert.True(t, types.IsErrorCode(err, types.ErrUnroutableMessage))
}

func TestRouter_SecondDefaultRejected(t *testing.T) {
	r := newTestRouter(t, nil, Rule{Name: "d1", Default: true, Targets: []string{"a"}})

	err := r.AddRule(Rule{Name: "d2", Default: true, Targets: []string{"b"}})
	assert.True(t, types.IsErrorCode(err, types.ErrInvalidInput))
	assert.Len(t, r.Rules(), 1)

	// 移除后可以重新注册
	assert.True(t, r.RemoveRule("d1"))
	assert.NoError(t, r.AddRule(Rule{Name: "d2", Default: true, Targets: []string{"b"}}))
}

func TestRouter_InvalidRules(t *testing.T) {
	r := newTestRouter(t, nil)
	assert.Error(t, r.AddRule(Rule{Name: "empty"}))
	assert.Error(t, r.AddRule(Rule{Name: "blank", Targets: []string{""}}))
	assert.Error(t, r.AddRule(Rule{Name: "bad", TypePattern: "[", Targets: []string{"x"}}))

	_, err := New(Config{Rules: []Rule{{Name: "bad"}}}, nil, nil)
	assert.Error(t, err)
}

func TestRouter_DirectAndRecipientExpansion(t *testing.T) {
	r := newTestRouter(t, nil,
		DirectRule(),
		Rule{Name: "broadcast", Default: true, Targets: []string{"everyone"}},
	)

	got, err := r.Resolve(&types.Message{Type: "chat", Recipient: "agent-7"})
	require.NoError(t, err)
	assert.Equal(t, []string{"agent-7"}, got)

	// 广播消息没有 recipient，落到默认规则
	got, err = r.Resolve(&types.Message{Type: "chat"})
	require.NoError(t, err)
	assert.Equal(t, []string{"everyone"}, got)
}

func TestRouter_TargetsDeduplicated(t *testing.T) {
	r := newTestRouter(t, nil, Rule{Name: "r", Targets: []string{"a", RecipientTarget, "a"}})

	got, err := r.Resolve(&types.Message{Type: "x", Recipient: "a"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, got)
}

func TestRouter_SendBestEffortFanOut(t *testing.T) {
	pub := newRecordingPublisher()
	boom := types.NewError(types.ErrPublishFailed, "store down")
	pub.fail["b"] = boom

	r := newTestRouter(t, pub, Rule{Name: "fan", Targets: []string{"a", "b", "c"}})

	msg := &types.Message{Type: "job.done"}
	res, err := r.Send(context.Background(), msg)

	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrPublishFailed))
	assert.Equal(t, []string{"a", "c"}, res.Delivered)
	assert.ErrorIs(t, res.Failed["b"], boom)

	// 未回滚 a 的投递，且所有频道共享同一 ID
	require.Len(t, pub.sent["a"], 1)
	require.Len(t, pub.sent["c"], 1)
	assert.NotEmpty(t, pub.sent["a"][0].ID)
	assert.Equal(t, pub.sent["a"][0].ID, pub.sent["c"][0].ID)
	assert.Empty(t, msg.ID, "caller's message is not mutated")
}

func TestRouter_SendUnroutable(t *testing.T) {
	r := newTestRouter(t, newRecordingPublisher())
	_, err := r.Send(context.Background(), &types.Message{Type: "x"})
	assert.True(t, types.IsErrorCode(err, types.ErrUnroutableMessage))
}

func TestRouter_SendAllSucceed(t *testing.T) {
	pub := newRecordingPublisher()
	r := newTestRouter(t, pub, Rule{Name: "fan", Targets: []string{"a", "b"}})

	res, err := r.Send(context.Background(), &types.Message{ID: "m1", Type: "x"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, res.Delivered)
	assert.Empty(t, res.Failed)
	assert.False(t, errors.Is(err, context.Canceled))
}
