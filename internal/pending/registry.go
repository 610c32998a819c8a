package pending

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/danmuck/redcoll/internal/correlation"
	"github.com/danmuck/redcoll/internal/observability"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	gateNotStarted int32 = iota
	gateStarting
	gateStarted
)

// BootstrapFunc establishes the shared response subscription for a registry.
type BootstrapFunc func(ctx context.Context) error

// CancelFunc withdraws a registered call. It reports whether the withdrawal won.
type CancelFunc func() bool

// Options configures a Registry. The zero value uses the wall clock and no bootstrap.
type Options struct {
	Scheduler Scheduler
	Bootstrap BootstrapFunc
	Logger    *zerolog.Logger
}

// Registry tracks outstanding calls for one response channel.
//
// The responses map is authoritative for whether a call is still pending: the
// caller that removes a key from it is the only one allowed to settle the
// promise. The timeouts map is cleaned up best-effort alongside it.
type Registry[T any] struct {
	channel   string
	responses *xsync.MapOf[correlation.Key, *Promise[T]]
	timeouts  *xsync.MapOf[correlation.Key, Timer]
	state     atomic.Int32
	clock     Scheduler
	bootstrap BootstrapFunc
	log       zerolog.Logger
}

func NewRegistry[T any](channel string, opts Options) *Registry[T] {
	clock := opts.Scheduler
	if clock == nil {
		clock = WallClock{}
	}
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	channel = strings.TrimSpace(channel)
	return &Registry[T]{
		channel:   channel,
		responses: xsync.NewMapOf[correlation.Key, *Promise[T]](),
		timeouts:  xsync.NewMapOf[correlation.Key, Timer](),
		clock:     clock,
		bootstrap: opts.Bootstrap,
		log:       logger.With().Str("channel", channel).Logger(),
	}
}

func (r *Registry[T]) Channel() string {
	return r.channel
}

// Pending returns the number of calls still awaiting an outcome.
func (r *Registry[T]) Pending() int {
	return r.responses.Size()
}

// Started reports whether the response subscription bootstrap has completed.
func (r *Registry[T]) Started() bool {
	return r.state.Load() == gateStarted
}

// Register adds a pending call under key. A positive timeout arms a one-shot
// timer that expires the call. The first registration on a fresh registry runs
// the bootstrap; concurrent registrations do not wait for it.
func (r *Registry[T]) Register(ctx context.Context, key correlation.Key, p *Promise[T], timeout time.Duration) (CancelFunc, error) {
	if p == nil {
		return nil, ErrNilPromise
	}
	if _, loaded := r.responses.LoadOrStore(key, p); loaded {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateKey, key)
	}
	observability.RecordCallRegistered(r.channel)

	if timeout > 0 {
		t := r.clock.AfterFunc(timeout, func() { r.Expire(key) })
		r.timeouts.Store(key, t)
		// The call may have settled before the timer was recorded.
		if cur, ok := r.responses.Load(key); !ok || cur != p {
			r.dropTimer(key, t)
		}
	}

	if err := r.Start(ctx); err != nil {
		if r.settle(key, func(p *Promise[T]) { p.Fail(err) }) {
			observability.RecordCallOutcome(r.channel, observability.OutcomeWithdrawn)
		}
		return nil, err
	}

	r.log.Trace().Str("key", key.String()).Dur("timeout", timeout).Msg("call registered")
	return func() bool { return r.Cancel(key) }, nil
}

// Start runs the bootstrap if no other caller has claimed it. It returns
// immediately when the bootstrap is already running or done. A failed bootstrap
// releases the gate so a later caller can retry it.
func (r *Registry[T]) Start(ctx context.Context) error {
	if r.state.Load() != gateNotStarted {
		return nil
	}
	if !r.state.CompareAndSwap(gateNotStarted, gateStarting) {
		return nil
	}
	if r.bootstrap != nil {
		if err := r.bootstrap(ctx); err != nil {
			r.state.Store(gateNotStarted)
			r.log.Error().Err(err).Msg("response subscription bootstrap failed")
			return fmt.Errorf("%w: %v", ErrBootstrap, err)
		}
	}
	r.state.Store(gateStarted)
	r.log.Debug().Msg("response subscription started")
	return nil
}

// Resolve completes the call under key with v. It reports false when the call
// already timed out, was cancelled, or never existed.
func (r *Registry[T]) Resolve(key correlation.Key, v T) bool {
	if !r.settle(key, func(p *Promise[T]) { p.Complete(v) }) {
		observability.RecordCallOutcome(r.channel, observability.OutcomeLate)
		r.log.Debug().Str("key", key.String()).Msg("response for settled call dropped")
		return false
	}
	observability.RecordCallOutcome(r.channel, observability.OutcomeResolved)
	return true
}

// Expire fails the call under key with ErrTimeout. Timer callbacks invoke it.
func (r *Registry[T]) Expire(key correlation.Key) bool {
	err := fmt.Errorf("%w: %s", ErrTimeout, key)
	if !r.settle(key, func(p *Promise[T]) { p.Fail(err) }) {
		return false
	}
	observability.RecordCallOutcome(r.channel, observability.OutcomeExpired)
	r.log.Debug().Str("key", key.String()).Msg("call expired")
	return true
}

// Cancel fails the call under key with ErrCancelled.
func (r *Registry[T]) Cancel(key correlation.Key) bool {
	err := fmt.Errorf("%w: %s", ErrCancelled, key)
	if !r.settle(key, func(p *Promise[T]) { p.Fail(err) }) {
		return false
	}
	observability.RecordCallOutcome(r.channel, observability.OutcomeCancelled)
	return true
}

// CancelAll cancels every pending call and returns how many it settled.
func (r *Registry[T]) CancelAll() int {
	n := 0
	r.responses.Range(func(key correlation.Key, _ *Promise[T]) bool {
		if r.Cancel(key) {
			n++
		}
		return true
	})
	return n
}

// settle claims key from the responses map and, on success, disarms its timer
// and runs complete on the promise.
func (r *Registry[T]) settle(key correlation.Key, complete func(p *Promise[T])) bool {
	p, ok := r.responses.LoadAndDelete(key)
	if !ok {
		return false
	}
	if t, ok := r.timeouts.LoadAndDelete(key); ok {
		t.Stop()
	}
	complete(p)
	return true
}

func (r *Registry[T]) dropTimer(key correlation.Key, t Timer) {
	t.Stop()
	r.timeouts.Compute(key, func(old Timer, loaded bool) (Timer, bool) {
		return old, !loaded || old == t
	})
}
