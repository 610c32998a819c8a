package redisstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/danmuck/redcoll/internal/store"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Store backs collections and the remote broker with a redis server.
type Store struct {
	rdb redis.UniversalClient
}

var (
	_ store.SetStore = (*Store)(nil)
	_ store.Broker   = (*Store)(nil)
)

func New(rdb redis.UniversalClient) *Store {
	return &Store{rdb: rdb}
}

// Dial connects with opts and verifies the server answers PING.
func Dial(ctx context.Context, opts *redis.Options) (*Store, error) {
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, wrapErr(err)
	}
	log.Info().Str("addr", opts.Addr).Int("db", opts.DB).Msg("redis connected")
	return New(rdb), nil
}

func (s *Store) Client() redis.UniversalClient { return s.rdb }

func (s *Store) Ping(ctx context.Context) error {
	return wrapErr(s.rdb.Ping(ctx).Err())
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

func (s *Store) SAdd(ctx context.Context, name string, members ...string) (int64, error) {
	if len(members) == 0 {
		return 0, nil
	}
	n, err := s.rdb.SAdd(ctx, name, toArgs(members)...).Result()
	return n, wrapErr(err)
}

func (s *Store) SRem(ctx context.Context, name string, members ...string) (int64, error) {
	if len(members) == 0 {
		return 0, nil
	}
	n, err := s.rdb.SRem(ctx, name, toArgs(members)...).Result()
	return n, wrapErr(err)
}

func (s *Store) SIsMember(ctx context.Context, name, member string) (bool, error) {
	ok, err := s.rdb.SIsMember(ctx, name, member).Result()
	return ok, wrapErr(err)
}

func (s *Store) SMembers(ctx context.Context, name string) ([]string, error) {
	members, err := s.rdb.SMembers(ctx, name).Result()
	return members, wrapErr(err)
}

func (s *Store) SCard(ctx context.Context, name string) (int64, error) {
	n, err := s.rdb.SCard(ctx, name).Result()
	return n, wrapErr(err)
}

func (s *Store) Del(ctx context.Context, names ...string) (int64, error) {
	if len(names) == 0 {
		return 0, nil
	}
	n, err := s.rdb.Del(ctx, names...).Result()
	return n, wrapErr(err)
}

// Watch runs fn on a dedicated connection holding WATCH name. Errors returned
// by fn pass through untouched.
func (s *Store) Watch(ctx context.Context, name string, fn func(store.Watched) error) error {
	ran := false
	var fnErr error
	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		ran = true
		fnErr = fn(&watched{tx: tx})
		return fnErr
	}, name)
	if ran {
		return fnErr
	}
	return wrapErr(err)
}

type watched struct {
	tx *redis.Tx
}

func (w *watched) SMembers(ctx context.Context, name string) ([]string, error) {
	members, err := w.tx.SMembers(ctx, name).Result()
	return members, wrapErr(err)
}

func (w *watched) Multi() store.Tx {
	return &transaction{pipe: w.tx.TxPipeline()}
}

type transaction struct {
	pipe redis.Pipeliner
	rems []*redis.IntCmd
}

func (t *transaction) SRem(ctx context.Context, name, member string) {
	t.rems = append(t.rems, t.pipe.SRem(ctx, name, member))
}

func (t *transaction) Exec(ctx context.Context) (int, error) {
	_, err := t.pipe.Exec(ctx)
	if errors.Is(err, redis.TxFailedErr) {
		return 0, store.ErrTxAborted
	}
	applied := 0
	for _, cmd := range t.rems {
		if cmd.Err() == nil && cmd.Val() == 1 {
			applied++
		}
	}
	return applied, wrapErr(err)
}

func (t *transaction) Discard() error {
	t.pipe.Discard()
	t.rems = nil
	return nil
}

func toArgs(members []string) []any {
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	return args
}

// wrapErr maps client failures onto store sentinels. Server replies such as
// WRONGTYPE keep their message; anything that never got a reply is reported as
// the store being unavailable.
func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, redis.TxFailedErr) {
		return store.ErrTxAborted
	}
	if errors.Is(err, redis.ErrClosed) {
		return store.ErrClosed
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var replyErr redis.Error
	if errors.As(err, &replyErr) {
		return fmt.Errorf("redisstore: %w", err)
	}
	return fmt.Errorf("%w: %v", store.ErrRemoteUnavailable, err)
}
