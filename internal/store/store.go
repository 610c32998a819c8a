package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrTxAborted reports that a watched key changed before EXEC.
	ErrTxAborted = errors.New("store: transaction aborted, watched key changed")
	// ErrRemoteUnavailable wraps transport-level failures talking to the store.
	ErrRemoteUnavailable = errors.New("store: remote unavailable")
	// ErrNoMessage reports that a blocking pop waited without receiving anything.
	ErrNoMessage = errors.New("store: no message")
	ErrClosed    = errors.New("store: closed")
)

// SetStore is the set-collection surface of the remote store. Every
// single-element operation is atomic on the server.
type SetStore interface {
	SAdd(ctx context.Context, name string, members ...string) (int64, error)
	SRem(ctx context.Context, name string, members ...string) (int64, error)
	SIsMember(ctx context.Context, name, member string) (bool, error)
	SMembers(ctx context.Context, name string) ([]string, error)
	SCard(ctx context.Context, name string) (int64, error)
	Del(ctx context.Context, names ...string) (int64, error)

	// Watch marks name as watched and runs fn on a connection bound to that
	// watch. Any transaction begun inside fn aborts if name changes first.
	Watch(ctx context.Context, name string, fn func(Watched) error) error
}

// Watched is a connection holding a WATCH.
type Watched interface {
	SMembers(ctx context.Context, name string) ([]string, error)
	// Multi begins a transaction on the watched connection.
	Multi() Tx
}

// Tx queues commands until Exec or Discard.
type Tx interface {
	SRem(ctx context.Context, name, member string)
	// Exec commits the queued commands and returns how many removals the
	// server applied. It returns ErrTxAborted when the watch fired.
	Exec(ctx context.Context) (int, error)
	Discard() error
}

// Broker carries remote-service requests and responses.
type Broker interface {
	Push(ctx context.Context, queue string, payload []byte) error
	// Pop blocks up to wait for a payload on queue and returns ErrNoMessage if none came.
	Pop(ctx context.Context, queue string, wait time.Duration) ([]byte, error)
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe returns once the subscription is active on the server.
	Subscribe(ctx context.Context, channel string) (Subscription, error)
}

// Subscription delivers published payloads until Close.
type Subscription interface {
	Messages() <-chan []byte
	Close() error
}
