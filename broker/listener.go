package broker

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/whodaniel/fuse-sub035/types"
)

// listener follows one channel's lanes in the store: it wakes on the
// notify pub/sub channel and on a poll ticker.
type listener struct {
	channel string
	cancel  context.CancelFunc
	done    chan struct{}

	// poll 状态，只在 listen goroutine 中访问
	members string
	cursors map[types.Priority]cursor
}

// cursor marks how far a lane has been handed to every local subscriber:
// next is the list index of the first unread entry and seq the sequence of
// the entry just before it, used to detect trimming.
type cursor struct {
	next int64
	seq  int64
}

func (l *listener) stop() {
	l.cancel()
	<-l.done
}

func (b *Broker) ensureListener(channelName string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.listeners[channelName]; ok || b.closed {
		return
	}
	ctx, cancel := context.WithCancel(b.ctx)
	l := &listener{channel: channelName, cancel: cancel, done: make(chan struct{})}
	b.listeners[channelName] = l
	go b.listen(ctx, l)
}

func (b *Broker) listen(ctx context.Context, l *listener) {
	defer close(l.done)

	var wake <-chan struct{}
	sub, err := b.store.Subscribe(ctx, notifyKey(l.channel))
	if err != nil {
		b.logger.Warn("notify subscribe failed, polling only",
			zap.String("channel", l.channel), zap.Error(err))
	} else {
		defer sub.Close()
		ch := make(chan struct{}, 1)
		wake = ch
		go func() {
			for range sub.Channel() {
				select {
				case ch <- struct{}{}:
				default:
				}
			}
		}()
	}

	ticker := time.NewTicker(b.config.PollInterval)
	defer ticker.Stop()

	for {
		b.poll(ctx, l)
		select {
		case <-ctx.Done():
			return
		case <-wake:
		case <-ticker.C:
		}
	}
}

// poll reads the unread part of every lane high → medium → low, then offers
// the entries to each local subscriber in that order. Within one cycle a
// subscriber therefore receives all pending high entries before medium and
// low ones.
func (b *Broker) poll(ctx context.Context, l *listener) {
	subs := b.localSubscribers(l.channel)
	if len(subs) == 0 {
		return
	}
	// 订阅者变化后从头读，新订阅者由去重窗口过滤
	if m := memberKey(subs); m != l.members || l.cursors == nil {
		l.members = m
		l.cursors = make(map[types.Priority]cursor, len(types.Lanes))
	}

	var pending []laneEntry
	for _, lane := range types.Lanes {
		entries, err := b.readLane(ctx, l.channel, lane, l.cursors[lane])
		if err != nil {
			if ctx.Err() == nil {
				b.logger.Warn("lane read failed",
					zap.String("channel", l.channel),
					zap.String("lane", string(lane)),
					zap.Error(err),
				)
			}
			return
		}
		pending = append(pending, entries...)
	}

	stopAt := len(pending)
	for _, s := range subs {
		for i, e := range pending[:stopAt] {
			res := s.offer(e.env)
			if res == duplicate {
				continue
			}
			b.record(s, res, pathStore)
			if res == inboxFull || res == stopped {
				// 保持 lane 顺序：剩余条目留给下一轮
				stopAt = i
				break
			}
		}
	}

	for _, e := range pending[:stopAt] {
		l.cursors[e.lane] = cursor{next: e.index + 1, seq: e.env.Seq}
	}
}

type laneEntry struct {
	lane  types.Priority
	index int64
	env   envelope
}

// readLane returns the entries after cur. The entry at cur.next-1 is read
// again and must still carry cur.seq; otherwise the lane was trimmed or
// expired and it is read from the start.
func (b *Broker) readLane(ctx context.Context, channelName string, lane types.Priority, cur cursor) ([]laneEntry, error) {
	key := laneKey(channelName, string(lane))
	if cur.next > 0 {
		raw, err := b.store.LRange(ctx, key, cur.next-1, -1)
		if err != nil {
			return nil, err
		}
		if len(raw) > 0 {
			var head envelope
			if json.Unmarshal(raw[0], &head) == nil && head.Seq == cur.seq {
				return b.decodeLane(lane, cur.next, raw[1:]), nil
			}
		}
	}
	raw, err := b.store.LRange(ctx, key, 0, -1)
	if err != nil {
		return nil, err
	}
	return b.decodeLane(lane, 0, raw), nil
}

func (b *Broker) decodeLane(lane types.Priority, start int64, raw [][]byte) []laneEntry {
	out := make([]laneEntry, 0, len(raw))
	for i, r := range raw {
		var env envelope
		if err := json.Unmarshal(r, &env); err != nil || env.Msg == nil {
			b.logger.Warn("skipping undecodable store entry", zap.Error(err))
			continue
		}
		out = append(out, laneEntry{lane: lane, index: start + int64(i), env: env})
	}
	return out
}

func memberKey(subs []*subscriber) string {
	ids := make([]string, len(subs))
	for i, s := range subs {
		ids[i] = s.id
	}
	return strings.Join(ids, "\x00")
}

func decodeEntries(raw [][]byte, logger *zap.Logger) []envelope {
	out := make([]envelope, 0, len(raw))
	for _, r := range raw {
		var env envelope
		if err := json.Unmarshal(r, &env); err != nil || env.Msg == nil {
			logger.Warn("skipping undecodable store entry", zap.Error(err))
			continue
		}
		out = append(out, env)
	}
	return out
}
