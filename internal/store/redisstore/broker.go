package redisstore

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/danmuck/redcoll/internal/store"
	"github.com/redis/go-redis/v9"
)

// SubscriptionBuffer sizes the redis client's per-subscription channel.
const SubscriptionBuffer = 256

func (s *Store) Push(ctx context.Context, queue string, payload []byte) error {
	return wrapErr(s.rdb.RPush(ctx, queue, payload).Err())
}

// Pop blocks on BLPOP. Redis counts the timeout in whole seconds, so shorter
// waits are rounded up.
func (s *Store) Pop(ctx context.Context, queue string, wait time.Duration) ([]byte, error) {
	if wait < time.Second {
		wait = time.Second
	}
	res, err := s.rdb.BLPop(ctx, wait, queue).Result()
	if errors.Is(err, redis.Nil) {
		return nil, store.ErrNoMessage
	}
	if err != nil {
		return nil, wrapErr(err)
	}
	if len(res) != 2 {
		return nil, store.ErrNoMessage
	}
	return []byte(res[1]), nil
}

func (s *Store) Publish(ctx context.Context, channel string, payload []byte) error {
	return wrapErr(s.rdb.Publish(ctx, channel, payload).Err())
}

func (s *Store) Subscribe(ctx context.Context, channel string) (store.Subscription, error) {
	ps := s.rdb.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, wrapErr(err)
	}
	sub := &subscription{
		ps:   ps,
		out:  make(chan []byte),
		done: make(chan struct{}),
	}
	go sub.pump(ps.Channel(redis.WithChannelSize(SubscriptionBuffer)))
	return sub, nil
}

type subscription struct {
	ps   *redis.PubSub
	out  chan []byte
	done chan struct{}
	once sync.Once
}

func (sub *subscription) Messages() <-chan []byte {
	return sub.out
}

func (sub *subscription) Close() error {
	var err error
	sub.once.Do(func() {
		close(sub.done)
		err = sub.ps.Close()
	})
	return err
}

func (sub *subscription) pump(in <-chan *redis.Message) {
	defer close(sub.out)
	for {
		select {
		case msg, ok := <-in:
			if !ok {
				return
			}
			select {
			case sub.out <- []byte(msg.Payload):
			case <-sub.done:
				return
			}
		case <-sub.done:
			return
		}
	}
}
