package channel

import (
	"context"
	"errors"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/whodaniel/fuse-sub035/types"
)

// Handler is invoked for every message delivered on a channel.
type Handler func(ctx context.Context, msg *types.Message) error

// Subscriber is a subscriber handle: a stable ID plus its callback.
type Subscriber struct {
	ID      string
	Handler Handler
}

// Options control how a channel is created.
type Options struct {
	// HighPriority routes every message on the channel through the high lane
	HighPriority bool `json:"high_priority"`

	// Persistent exempts the channel from garbage collection
	Persistent bool `json:"persistent"`
}

// Info is a read-only view of a channel.
type Info struct {
	Name         string    `json:"name"`
	HighPriority bool      `json:"high_priority"`
	Persistent   bool      `json:"persistent"`
	CreatedAt    time.Time `json:"created_at"`
	Subscribers  []string  `json:"subscribers"`
}

// BacklogFunc reports how many stored messages a channel still holds.
type BacklogFunc func(ctx context.Context, channel string) (int64, error)

// Config 频道管理器配置
type Config struct {
	// 订阅/发布未注册的频道时自动创建，默认 true
	AutoCreate bool `yaml:"auto_create" json:"auto_create" env:"AUTO_CREATE"`

	// GC 扫描间隔，默认 1m，0 表示关闭
	SweepInterval time.Duration `yaml:"sweep_interval" json:"sweep_interval" env:"SWEEP_INTERVAL"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		AutoCreate:    true,
		SweepInterval: time.Minute,
	}
}

type channel struct {
	name      string
	opts      Options
	createdAt time.Time

	// copy-on-write; writers hold Manager.mu
	subs atomic.Pointer[[]Subscriber]
}

func (c *channel) subscribers() []Subscriber {
	return *c.subs.Load()
}

func (c *channel) info() Info {
	subs := c.subscribers()
	ids := make([]string, len(subs))
	for i, s := range subs {
		ids[i] = s.ID
	}
	return Info{
		Name:         c.name,
		HighPriority: c.opts.HighPriority,
		Persistent:   c.opts.Persistent,
		CreatedAt:    c.createdAt,
		Subscribers:  ids,
	}
}

// Manager owns named channels and their ordered subscriber sets.
type Manager struct {
	config Config
	logger *zap.Logger

	mu       sync.RWMutex
	channels map[string]*channel

	backlog atomic.Pointer[BacklogFunc]
	now     func() time.Time
}

// NewManager 创建频道管理器
func NewManager(config Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		config:   config,
		logger:   logger.With(zap.String("component", "channel_manager")),
		channels: make(map[string]*channel),
		now:      time.Now,
	}
}

// SetBacklogFunc installs the backlog probe used by Sweep.
func (m *Manager) SetBacklogFunc(fn BacklogFunc) {
	m.backlog.Store(&fn)
}

// AutoCreate reports whether unknown channels are created on demand.
func (m *Manager) AutoCreate() bool {
	return m.config.AutoCreate
}

// RegisterChannel creates the channel if absent. Registering an existing
// channel returns its current info unchanged.
func (m *Manager) RegisterChannel(name string, opts Options) (Info, error) {
	if name == "" {
		return Info{}, types.NewError(types.ErrInvalidInput, "channel name is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if ch, ok := m.channels[name]; ok {
		return ch.info(), nil
	}
	ch := m.createLocked(name, opts)
	return ch.info(), nil
}

func (m *Manager) createLocked(name string, opts Options) *channel {
	ch := &channel{name: name, opts: opts, createdAt: m.now()}
	empty := make([]Subscriber, 0)
	ch.subs.Store(&empty)
	m.channels[name] = ch

	m.logger.Debug("channel registered",
		zap.String("channel", name),
		zap.Bool("high_priority", opts.HighPriority),
		zap.Bool("persistent", opts.Persistent),
	)
	return ch
}

// Ensure returns the channel, creating it when AutoCreate is on.
// It fails with CHANNEL_NOT_FOUND otherwise.
func (m *Manager) Ensure(name string) (Info, error) {
	if name == "" {
		return Info{}, types.NewError(types.ErrInvalidInput, "channel name is required")
	}
	m.mu.RLock()
	ch, ok := m.channels[name]
	m.mu.RUnlock()
	if ok {
		return ch.info(), nil
	}
	if !m.config.AutoCreate {
		return Info{}, types.Errorf(types.ErrChannelNotFound, "channel %q is not registered", name)
	}
	return m.RegisterChannel(name, Options{})
}

// Subscribe adds sub to the channel and returns a function that removes it.
// An existing subscriber with the same ID keeps its position and gets the
// new handler.
func (m *Manager) Subscribe(name string, sub Subscriber) (func(), error) {
	if sub.ID == "" || sub.Handler == nil {
		return nil, types.NewError(types.ErrInvalidInput, "subscriber id and handler are required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	ch, ok := m.channels[name]
	if !ok {
		if !m.config.AutoCreate {
			return nil, types.Errorf(types.ErrChannelNotFound, "channel %q is not registered", name)
		}
		if name == "" {
			return nil, types.NewError(types.ErrInvalidInput, "channel name is required")
		}
		ch = m.createLocked(name, Options{})
	}

	old := ch.subscribers()
	next := slices.Clone(old)
	if i := slices.IndexFunc(next, func(s Subscriber) bool { return s.ID == sub.ID }); i >= 0 {
		next[i] = sub
	} else {
		next = append(next, sub)
	}
	ch.subs.Store(&next)

	m.logger.Debug("subscriber added",
		zap.String("channel", name),
		zap.String("subscriber", sub.ID),
		zap.Int("subscribers", len(next)),
	)

	var once sync.Once
	return func() {
		once.Do(func() { m.Unsubscribe(name, sub.ID) })
	}, nil
}

// Unsubscribe removes a subscriber. Unknown channels or IDs are a no-op.
func (m *Manager) Unsubscribe(name, subscriberID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch, ok := m.channels[name]
	if !ok {
		return
	}
	old := ch.subscribers()
	i := slices.IndexFunc(old, func(s Subscriber) bool { return s.ID == subscriberID })
	if i < 0 {
		return
	}
	next := slices.Delete(slices.Clone(old), i, i+1)
	ch.subs.Store(&next)

	m.logger.Debug("subscriber removed",
		zap.String("channel", name),
		zap.String("subscriber", subscriberID),
	)
}

// ListSubscribers returns a snapshot of the channel's subscribers in
// subscription order. The snapshot says nothing about liveness after the
// call returns.
func (m *Manager) ListSubscribers(name string) []Subscriber {
	m.mu.RLock()
	ch, ok := m.channels[name]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	return slices.Clone(ch.subscribers())
}

// Channel returns info for one channel.
func (m *Manager) Channel(name string) (Info, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[name]
	if !ok {
		return Info{}, false
	}
	return ch.info(), true
}

// Channels returns info for every channel sorted by name.
func (m *Manager) Channels() []Info {
	m.mu.RLock()
	out := make([]Info, 0, len(m.channels))
	for _, ch := range m.channels {
		out = append(out, ch.info())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// =============================================================================
// 🧹 GC
// =============================================================================

// Sweep removes channels that have no subscribers, are not persistent and
// hold no stored backlog. It returns the removed names.
func (m *Manager) Sweep(ctx context.Context) []string {
	m.mu.RLock()
	var candidates []string
	for name, ch := range m.channels {
		if !ch.opts.Persistent && len(ch.subscribers()) == 0 {
			candidates = append(candidates, name)
		}
	}
	m.mu.RUnlock()

	var backlog BacklogFunc
	if p := m.backlog.Load(); p != nil {
		backlog = *p
	}

	var removed []string
	for _, name := range candidates {
		if backlog != nil {
			n, err := backlog(ctx, name)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					m.logger.Warn("backlog probe failed, keeping channel",
						zap.String("channel", name), zap.Error(err))
				}
				continue
			}
			if n > 0 {
				continue
			}
		}

		m.mu.Lock()
		// 可能在探测期间有新订阅
		if ch, ok := m.channels[name]; ok && len(ch.subscribers()) == 0 {
			delete(m.channels, name)
			removed = append(removed, name)
		}
		m.mu.Unlock()
	}

	if len(removed) > 0 {
		sort.Strings(removed)
		m.logger.Info("channels garbage collected", zap.Strings("channels", removed))
	}
	return removed
}

// Run sweeps every SweepInterval until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	if m.config.SweepInterval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(m.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}
