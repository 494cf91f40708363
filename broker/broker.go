package broker

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/whodaniel/fuse-sub035/channel"
	"github.com/whodaniel/fuse-sub035/internal/metrics"
	"github.com/whodaniel/fuse-sub035/internal/retry"
	"github.com/whodaniel/fuse-sub035/internal/telemetry"
	"github.com/whodaniel/fuse-sub035/store"
	"github.com/whodaniel/fuse-sub035/types"
)

// =============================================================================
// 📨 消息代理
// =============================================================================

// Stats is a point-in-time copy of broker counters.
type Stats struct {
	Published     int64 `json:"published"`
	Delivered     int64 `json:"delivered"`
	Duplicates    int64 `json:"duplicates"`
	Failures      int64 `json:"failures"`
	HandlerErrors int64 `json:"handler_errors"`
	Replayed      int64 `json:"replayed"`
	Channels      int   `json:"channels"`
	Subscribers   int   `json:"subscribers"`
}

type counters struct {
	published     atomic.Int64
	delivered     atomic.Int64
	duplicates    atomic.Int64
	failures      atomic.Int64
	handlerErrors atomic.Int64
	replayed      atomic.Int64
}

// Broker publishes messages onto the shared store with priority lanes and
// an optional durable log, and delivers them to local subscribers.
type Broker struct {
	config   Config
	store    store.Store
	channels *channel.Manager
	retryer  *retry.Retryer
	limiter  *rate.Limiter
	metrics  *metrics.Collector
	logger   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.RWMutex
	subs      map[string]map[string]*subscriber // channel -> id -> subscriber
	listeners map[string]*listener
	closed    bool

	stats counters
}

// Option configures optional broker collaborators.
type Option func(*Broker)

// WithMetrics attaches a metrics collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(b *Broker) { b.metrics = c }
}

// New creates a broker over st and registers itself as the channel
// manager's backlog probe.
func New(cfg Config, st store.Store, channels *channel.Manager, logger *zap.Logger, opts ...Option) *Broker {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	logger = logger.With(zap.String("component", "broker"))
	if cfg.PublishRetry.RetryIf == nil {
		cfg.PublishRetry.RetryIf = func(err error) bool {
			return !errors.Is(err, store.ErrClosed) && !errors.Is(err, context.Canceled)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Broker{
		config:    cfg,
		store:     st,
		channels:  channels,
		retryer:   retry.New(cfg.PublishRetry, logger),
		limiter:   rate.NewLimiter(rate.Limit(cfg.ReplayRate), cfg.ReplayBurst),
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		subs:      make(map[string]map[string]*subscriber),
		listeners: make(map[string]*listener),
	}
	for _, opt := range opts {
		opt(b)
	}
	channels.SetBacklogFunc(b.Backlog)
	return b
}

// Publish delivers msg to live local subscribers immediately, then writes it
// to the channel lane (and the durable log when msg.Persist) with bounded
// retry. It returns PUBLISH_FAILED when the store write is exhausted.
func (b *Broker) Publish(ctx context.Context, channelName string, msg *types.Message) (err error) {
	start := time.Now()
	ctx, span := telemetry.Start(ctx, "broker", "broker.publish", attribute.String("channel", channelName))
	defer func() { telemetry.End(span, err) }()

	if b.isClosed() {
		return types.NewError(types.ErrClosed, "broker is closed")
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	info, err := b.channels.Ensure(channelName)
	if err != nil {
		return err
	}

	// 发布后不可变：内部只使用副本
	m := msg.Clone()
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	m.Priority = m.Priority.OrDefault()
	lane := m.Priority
	if info.HighPriority {
		lane = types.PriorityHigh
	}
	span.SetAttributes(attribute.String("message_id", m.ID), attribute.String("lane", string(lane)))

	// 本地快速路径，不等待存储确认
	b.deliverLocal(channelName, envelope{Msg: m})

	if err := b.writeStore(ctx, channelName, lane, m); err != nil {
		b.stats.failures.Add(1)
		b.metrics.RecordPublishFailure(channelName)
		b.logger.Error("publish failed",
			zap.String("channel", channelName),
			zap.String("message_id", m.ID),
			zap.Bool("persist", m.Persist),
			zap.Error(err),
		)
		return types.Errorf(types.ErrPublishFailed, "publish %s to %s", m.ID, channelName).WithCause(err)
	}

	b.stats.published.Add(1)
	b.metrics.RecordPublish(channelName, string(lane), time.Since(start))
	return nil
}

// writeStore runs the store path under the retry policy. Steps that already
// succeeded are not repeated on retry.
func (b *Broker) writeStore(ctx context.Context, channelName string, lane types.Priority, m *types.Message) error {
	var (
		env    = envelope{Msg: m}
		data   []byte
		logged bool
		laned  bool
	)
	return b.retryer.Do(ctx, func(ctx context.Context) error {
		if env.Seq == 0 {
			seq, err := b.store.Incr(ctx, seqKey(channelName))
			if err != nil {
				return err
			}
			env.Seq = seq
			if data, err = json.Marshal(env); err != nil {
				return err
			}
			b.sequenceLocal(channelName, m.ID, seq)
		}

		if m.Persist && !logged {
			key := logKey(channelName)
			if _, err := b.store.RPush(ctx, key, data); err != nil {
				return err
			}
			logged = true
			_ = b.store.LTrim(ctx, key, -b.config.LogMaxLen, -1)
			_ = b.store.Expire(ctx, key, b.config.RetentionTTL)
		}

		if !laned {
			key := laneKey(channelName, string(lane))
			if _, err := b.store.RPush(ctx, key, data); err != nil {
				return err
			}
			laned = true
			_ = b.store.LTrim(ctx, key, -b.config.LaneMaxLen, -1)
			_ = b.store.Expire(ctx, key, b.config.LaneTTL)
		}

		// 唤醒失败不影响正确性，订阅方还有轮询兜底
		if err := b.store.Publish(ctx, notifyKey(channelName), []byte(m.ID)); err != nil {
			b.logger.Debug("notify failed", zap.String("channel", channelName), zap.Error(err))
		}
		return nil
	})
}

// deliverLocal offers env to this process's subscribers in subscription order.
func (b *Broker) deliverLocal(channelName string, env envelope) {
	subs := b.localSubscribers(channelName)
	for _, s := range subs {
		b.record(s, s.offer(env), pathLocal)
	}
}

// sequenceLocal hands the store sequence of a fast-path delivery to the
// local subscribers' windows.
func (b *Broker) sequenceLocal(channelName, id string, seq int64) {
	for _, s := range b.localSubscribers(channelName) {
		s.sequence(id, seq)
	}
}

func (b *Broker) record(s *subscriber, res offerResult, path string) {
	switch res {
	case offered:
		b.metrics.RecordDelivery(s.channel, path)
	case duplicate:
		b.stats.duplicates.Add(1)
		b.metrics.RecordDuplicate(s.channel)
	case inboxFull:
		b.metrics.RecordDrop(s.channel, "inbox_full")
		b.logger.Debug("subscriber inbox full",
			zap.String("channel", s.channel),
			zap.String("subscriber", s.id),
			zap.String("path", path),
		)
	}
}

// localSubscribers returns this broker's subscribers on a channel in the
// channel manager's subscription order.
func (b *Broker) localSubscribers(channelName string) []*subscriber {
	handles := b.channels.ListSubscribers(channelName)
	if len(handles) == 0 {
		return nil
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	local := b.subs[channelName]
	out := make([]*subscriber, 0, len(handles))
	for _, h := range handles {
		if s, ok := local[h.ID]; ok {
			out = append(out, s)
		}
	}
	return out
}

// Subscribe registers handler on the channel and starts the store listener
// for it. It returns the subscriber ID.
func (b *Broker) Subscribe(ctx context.Context, channelName string, handler channel.Handler, opts ...SubscribeOption) (string, error) {
	if handler == nil {
		return "", types.NewError(types.ErrInvalidInput, "handler is required")
	}
	o := subscribeOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.id == "" {
		o.id = uuid.NewString()
	}
	if b.isClosed() {
		return "", types.NewError(types.ErrClosed, "broker is closed")
	}

	s := &subscriber{
		id:      o.id,
		channel: channelName,
		handler: handler,
		durable: o.durable,
		win:     newWindow(b.config.DedupWindow),
		inbox:   make(chan envelope, b.config.InboxSize),
		done:    make(chan struct{}),
	}

	if s.durable {
		if err := b.loadSeen(ctx, s); err != nil {
			return "", err
		}
	} else {
		// 非持久订阅者只接收订阅之后发布的消息
		start, err := b.currentSeq(ctx, channelName)
		if err != nil {
			return "", err
		}
		s.win.raise(start)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return "", types.NewError(types.ErrClosed, "broker is closed")
	}
	if old, ok := b.subs[channelName][s.id]; ok {
		b.mu.Unlock()
		old.stop()
		b.mu.Lock()
	}
	if b.subs[channelName] == nil {
		b.subs[channelName] = make(map[string]*subscriber)
	}
	b.subs[channelName][s.id] = s
	b.mu.Unlock()

	if _, err := b.channels.Subscribe(channelName, channel.Subscriber{ID: s.id, Handler: handler}); err != nil {
		b.mu.Lock()
		delete(b.subs[channelName], s.id)
		b.mu.Unlock()
		return "", err
	}

	s.wg.Add(1)
	go b.loop(s)
	b.ensureListener(channelName)

	b.logger.Info("subscribed",
		zap.String("channel", channelName),
		zap.String("subscriber", s.id),
		zap.Bool("durable", s.durable),
	)

	if s.durable {
		b.replaySubscriber(ctx, s)
	}
	return s.id, nil
}

func (b *Broker) currentSeq(ctx context.Context, channelName string) (int64, error) {
	raw, err := b.store.Get(ctx, seqKey(channelName))
	if errors.Is(err, store.ErrNil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(string(raw), 10, 64)
}

// Unsubscribe removes a local subscriber and stops the channel listener
// when it was the last one.
func (b *Broker) Unsubscribe(channelName, subscriberID string) {
	b.channels.Unsubscribe(channelName, subscriberID)

	b.mu.Lock()
	s, ok := b.subs[channelName][subscriberID]
	if ok {
		delete(b.subs[channelName], subscriberID)
	}
	var l *listener
	if len(b.subs[channelName]) == 0 {
		delete(b.subs, channelName)
		l = b.listeners[channelName]
		delete(b.listeners, channelName)
	}
	b.mu.Unlock()

	if ok {
		s.stop()
	}
	if l != nil {
		l.stop()
	}
}

// Backlog returns the durable log length for a channel.
func (b *Broker) Backlog(ctx context.Context, channelName string) (int64, error) {
	return b.store.LLen(ctx, logKey(channelName))
}

// Stats returns counters.
func (b *Broker) Stats() Stats {
	b.mu.RLock()
	subs := 0
	for _, m := range b.subs {
		subs += len(m)
	}
	chans := len(b.subs)
	b.mu.RUnlock()

	return Stats{
		Published:     b.stats.published.Load(),
		Delivered:     b.stats.delivered.Load(),
		Duplicates:    b.stats.duplicates.Load(),
		Failures:      b.stats.failures.Load(),
		HandlerErrors: b.stats.handlerErrors.Load(),
		Replayed:      b.stats.replayed.Load(),
		Channels:      chans,
		Subscribers:   subs,
	}
}

func (b *Broker) isClosed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closed
}

// Close stops every listener and subscriber loop. Queued inbox entries that
// were not handled yet are dropped; durable subscribers get them again on
// reconnect.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	listeners := b.listeners
	subs := b.subs
	b.listeners = make(map[string]*listener)
	b.subs = make(map[string]map[string]*subscriber)
	b.mu.Unlock()

	b.cancel()
	for _, l := range listeners {
		l.stop()
	}
	for ch, m := range subs {
		for id, s := range m {
			b.channels.Unsubscribe(ch, id)
			s.stop()
		}
	}
	b.logger.Info("broker closed")
	return nil
}
