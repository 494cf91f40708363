package broker

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/whodaniel/fuse-sub035/channel"
	"github.com/whodaniel/fuse-sub035/types"
)

// delivery path labels
const (
	pathLocal  = "local"
	pathStore  = "store"
	pathReplay = "replay"
)

// envelope is what the store holds in lanes and the durable log.
type envelope struct {
	Seq int64          `json:"seq"`
	Msg *types.Message `json:"msg"`
}

// SubscribeOption configures a subscription.
type SubscribeOption func(*subscribeOptions)

type subscribeOptions struct {
	id      string
	durable bool
}

// WithSubscriberID sets a stable subscriber ID.
func WithSubscriberID(id string) SubscribeOption {
	return func(o *subscribeOptions) { o.id = id }
}

// WithDurable makes the subscriber durable under id: its dedup window is
// persisted in the store and the durable log is replayed on (re)connect.
func WithDurable(id string) SubscribeOption {
	return func(o *subscribeOptions) {
		o.id = id
		o.durable = true
	}
}

// subscriber is a local subscription with its own FIFO inbox and loop.
type subscriber struct {
	id      string
	channel string
	handler channel.Handler
	durable bool

	mu  sync.Mutex // guards win and the inbox send
	win *window

	inbox chan envelope
	done  chan struct{}
	wg    sync.WaitGroup
	once  sync.Once
}

type offerResult int

const (
	offered offerResult = iota
	duplicate
	inboxFull
	stopped
)

// offer enqueues env unless it was already seen. The ID is recorded only
// when the inbox accepted it, so a full inbox leaves the entry for a later
// poll.
func (s *subscriber) offer(env envelope) offerResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.done:
		return stopped
	default:
	}
	if s.win.handled(env.Msg.ID, env.Seq) {
		s.win.sequence(env.Msg.ID, env.Seq)
		return duplicate
	}
	select {
	case s.inbox <- env:
		s.win.add(env.Msg.ID, env.Seq)
		return offered
	default:
		return inboxFull
	}
}

// sequence records the store sequence of an entry first seen without one.
func (s *subscriber) sequence(id string, seq int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.win.sequence(id, seq)
}

// accepts reports whether a stored entry is new to this subscriber.
func (s *subscriber) accepts(env envelope) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.win.handled(env.Msg.ID, env.Seq)
}

func (s *subscriber) stop() {
	s.once.Do(func() {
		s.mu.Lock()
		close(s.done)
		s.mu.Unlock()
	})
	s.wg.Wait()
}

// loop invokes the handler for each inbox entry in order.
func (b *Broker) loop(s *subscriber) {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case env := <-s.inbox:
			b.handle(s, env)
		}
	}
}

func (b *Broker) handle(s *subscriber, env envelope) {
	ctx, cancel := context.WithTimeout(b.ctx, b.config.HandlerTimeout)
	defer cancel()

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("handler panicked: %v", r)
			}
		}()
		return s.handler(ctx, env.Msg.Clone())
	}()

	b.stats.delivered.Add(1)
	if err != nil {
		b.stats.handlerErrors.Add(1)
		b.logger.Warn("subscriber handler failed",
			zap.String("channel", s.channel),
			zap.String("subscriber", s.id),
			zap.String("message_id", env.Msg.ID),
			zap.Error(err),
		)
	}

	if s.durable {
		b.persistSeen(s, env)
	}
}

// =============================================================================
// 💾 持久订阅者的去重窗口
// =============================================================================

func encodeSeen(seq int64, id string) []byte {
	return []byte(strconv.FormatInt(seq, 10) + "|" + id)
}

func decodeSeen(raw []byte) (int64, string, bool) {
	seqStr, id, ok := strings.Cut(string(raw), "|")
	if !ok {
		return 0, "", false
	}
	seq, err := strconv.ParseInt(seqStr, 10, 64)
	if err != nil {
		return 0, "", false
	}
	return seq, id, true
}

// persistSeen records a handled entry. Failures only widen the redelivery
// window after a restart, so they are logged and not retried.
func (b *Broker) persistSeen(s *subscriber, env envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	key := seenKey(s.channel, s.id)
	if _, err := b.store.RPush(ctx, key, encodeSeen(env.Seq, env.Msg.ID)); err != nil {
		b.logger.Warn("persist dedup window failed", zap.String("subscriber", s.id), zap.Error(err))
		return
	}
	_ = b.store.LTrim(ctx, key, -int64(b.config.DedupWindow), -1)
	_ = b.store.Expire(ctx, key, b.config.RetentionTTL)

	s.mu.Lock()
	low, dirty := s.win.low, s.win.dirty
	s.win.dirty = false
	s.mu.Unlock()

	if dirty {
		if err := b.store.Set(ctx, lowKey(s.channel, s.id), []byte(strconv.FormatInt(low, 10)), b.config.RetentionTTL); err != nil {
			b.logger.Warn("persist dedup low-water failed", zap.String("subscriber", s.id), zap.Error(err))
		}
	}
}

// loadSeen restores a durable subscriber's window.
func (b *Broker) loadSeen(ctx context.Context, s *subscriber) error {
	raw, err := b.store.LRange(ctx, seenKey(s.channel, s.id), 0, -1)
	if err != nil {
		return fmt.Errorf("load dedup window: %w", err)
	}
	for _, r := range raw {
		if seq, id, ok := decodeSeen(r); ok {
			s.win.add(id, seq)
		}
	}
	if v, err := b.store.Get(ctx, lowKey(s.channel, s.id)); err == nil {
		if low, err := strconv.ParseInt(string(v), 10, 64); err == nil {
			s.win.raise(low)
		}
	}
	s.win.dirty = false
	return nil
}
