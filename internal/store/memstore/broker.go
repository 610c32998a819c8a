package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/danmuck/redcoll/internal/store"
	"github.com/rs/zerolog/log"
)

// SubscriptionBuffer bounds undelivered messages per subscriber; overflow is dropped.
const SubscriptionBuffer = 256

func (s *Store) Push(ctx context.Context, queue string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}
	s.queues[queue] = append(s.queues[queue], append([]byte(nil), payload...))
	close(s.pushed)
	s.pushed = make(chan struct{})
	return nil
}

func (s *Store) Pop(ctx context.Context, queue string, wait time.Duration) ([]byte, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return nil, store.ErrClosed
		}
		if q := s.queues[queue]; len(q) > 0 {
			item := q[0]
			if len(q) == 1 {
				delete(s.queues, queue)
			} else {
				s.queues[queue] = q[1:]
			}
			s.mu.Unlock()
			return item, nil
		}
		signal := s.pushed
		s.mu.Unlock()

		select {
		case <-signal:
		case <-timer.C:
			return nil, store.ErrNoMessage
		case <-s.closedCh:
			return nil, store.ErrClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (s *Store) Publish(ctx context.Context, channel string, payload []byte) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return store.ErrClosed
	}
	targets := make([]*subscription, 0, len(s.subs[channel]))
	for sub := range s.subs[channel] {
		targets = append(targets, sub)
	}
	s.mu.RUnlock()

	for _, sub := range targets {
		sub.deliver(append([]byte(nil), payload...))
	}
	return nil
}

func (s *Store) Subscribe(ctx context.Context, channel string) (store.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, store.ErrClosed
	}
	sub := &subscription{
		store:   s,
		channel: channel,
		ch:      make(chan []byte, SubscriptionBuffer),
	}
	set, ok := s.subs[channel]
	if !ok {
		set = make(map[*subscription]struct{})
		s.subs[channel] = set
	}
	set[sub] = struct{}{}
	return sub, nil
}

func (s *Store) unsubscribe(sub *subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.subs[sub.channel]
	delete(set, sub)
	if len(set) == 0 {
		delete(s.subs, sub.channel)
	}
}

type subscription struct {
	store   *Store
	channel string

	mu     sync.Mutex
	ch     chan []byte
	closed bool
}

func (sub *subscription) Messages() <-chan []byte {
	return sub.ch
}

func (sub *subscription) Close() error {
	sub.store.unsubscribe(sub)
	sub.shutdown()
	return nil
}

func (sub *subscription) deliver(payload []byte) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return
	}
	select {
	case sub.ch <- payload:
	default:
		log.Warn().Str("channel", sub.channel).Msg("memstore: subscriber buffer full, message dropped")
	}
}

func (sub *subscription) shutdown() {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return
	}
	sub.closed = true
	close(sub.ch)
}
