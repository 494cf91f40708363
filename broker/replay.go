package broker

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// ReplayOnce re-reads the durable log of every channel with a local durable
// subscriber and offers entries the subscriber has not handled. Offers are
// rate limited.
func (b *Broker) ReplayOnce(ctx context.Context) int {
	b.mu.RLock()
	var durable []*subscriber
	for _, m := range b.subs {
		for _, s := range m {
			if s.durable {
				durable = append(durable, s)
			}
		}
	}
	b.mu.RUnlock()

	total := 0
	for _, s := range durable {
		if ctx.Err() != nil {
			break
		}
		total += b.replaySubscriber(ctx, s)
	}
	return total
}

// replaySubscriber offers missed durable-log entries to one subscriber and
// returns how many were accepted.
func (b *Broker) replaySubscriber(ctx context.Context, s *subscriber) int {
	raw, err := b.store.LRange(ctx, logKey(s.channel), 0, -1)
	if err != nil {
		b.logger.Warn("durable log read failed",
			zap.String("channel", s.channel), zap.Error(err))
		return 0
	}

	n := 0
	for _, env := range decodeEntries(raw, b.logger) {
		if !s.accepts(env) {
			continue
		}
		if err := b.limiter.Wait(ctx); err != nil {
			break
		}
		res := s.offer(env)
		b.record(s, res, pathReplay)
		if res == offered {
			n++
			continue
		}
		if res == inboxFull || res == stopped {
			break
		}
	}
	if n > 0 {
		b.stats.replayed.Add(int64(n))
		b.logger.Info("replayed durable messages",
			zap.String("channel", s.channel),
			zap.String("subscriber", s.id),
			zap.Int("count", n),
		)
	}
	return n
}

// RunReplay runs ReplayOnce every ReplayInterval until ctx is done.
func (b *Broker) RunReplay(ctx context.Context) error {
	if b.config.ReplayInterval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(b.config.ReplayInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-b.ctx.Done():
			return nil
		case <-ticker.C:
			b.ReplayOnce(ctx)
		}
	}
}
