package pending

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/redcoll/internal/correlation"
	"github.com/danmuck/redcoll/internal/testutil/testlog"
	"golang.org/x/sync/errgroup"
)

type manualTimer struct {
	mu      sync.Mutex
	f       func()
	fired   bool
	stopped bool
}

func (t *manualTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	return true
}

func (t *manualTimer) Fire() bool {
	t.mu.Lock()
	if t.fired || t.stopped {
		t.mu.Unlock()
		return false
	}
	t.fired = true
	t.mu.Unlock()
	t.f()
	return true
}

type manualClock struct {
	mu     sync.Mutex
	timers []*manualTimer
}

func (c *manualClock) AfterFunc(_ time.Duration, f func()) Timer {
	t := &manualTimer{f: f}
	c.mu.Lock()
	c.timers = append(c.timers, t)
	c.mu.Unlock()
	return t
}

func (c *manualClock) last() *manualTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timers[len(c.timers)-1]
}

func mustKey(t *testing.T) correlation.Key {
	t.Helper()
	k, err := correlation.ParseKey(correlation.NewID())
	if err != nil {
		t.Fatalf("parse key: %v", err)
	}
	return k
}

func TestRegisterThenExpireFailsWithTimeout(t *testing.T) {
	testlog.Start(t)
	clock := &manualClock{}
	r := NewRegistry[string]("svc:responses", Options{Scheduler: clock})
	key := mustKey(t)
	p := NewPromise[string]()

	if _, err := r.Register(context.Background(), key, p, time.Second); err != nil {
		t.Fatalf("register: %v", err)
	}
	if !r.Expire(key) {
		t.Fatalf("expected expire to win")
	}
	if _, err := p.Result(); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if r.Pending() != 0 || r.timeouts.Size() != 0 {
		t.Fatalf("expected both maps empty, responses=%d timeouts=%d", r.Pending(), r.timeouts.Size())
	}
	if !clock.last().stopped {
		t.Fatalf("expected timer disarmed after expire")
	}
}

func TestTimerFiringExpiresCall(t *testing.T) {
	testlog.Start(t)
	clock := &manualClock{}
	r := NewRegistry[string]("svc:responses", Options{Scheduler: clock})
	key := mustKey(t)
	p := NewPromise[string]()

	if _, err := r.Register(context.Background(), key, p, time.Second); err != nil {
		t.Fatalf("register: %v", err)
	}
	if !clock.last().Fire() {
		t.Fatalf("expected timer to fire")
	}
	if _, err := p.Result(); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if r.Resolve(key, "late") {
		t.Fatalf("late response should be dropped")
	}
	if r.Pending() != 0 || r.timeouts.Size() != 0 {
		t.Fatalf("expected both maps empty")
	}
}

func TestRegisterThenResolveDeliversResponse(t *testing.T) {
	testlog.Start(t)
	clock := &manualClock{}
	r := NewRegistry[string]("svc:responses", Options{Scheduler: clock})
	key := mustKey(t)
	p := NewPromise[string]()

	if _, err := r.Register(context.Background(), key, p, time.Second); err != nil {
		t.Fatalf("register: %v", err)
	}
	if !r.Resolve(key, "pong") {
		t.Fatalf("expected resolve to win")
	}
	got, err := p.Wait(context.Background())
	if err != nil || got != "pong" {
		t.Fatalf("unexpected result=%q err=%v", got, err)
	}
	if r.Pending() != 0 || r.timeouts.Size() != 0 {
		t.Fatalf("expected both maps empty")
	}
	if !clock.last().stopped {
		t.Fatalf("expected timer stopped by resolve")
	}
	if r.Resolve(key, "again") {
		t.Fatalf("second resolve should be a no-op")
	}
	if r.Expire(key) {
		t.Fatalf("expire after resolve should be a no-op")
	}
	if r.Cancel(key) {
		t.Fatalf("cancel after resolve should be a no-op")
	}
}

func TestRegisterWithoutTimeoutArmsNoTimer(t *testing.T) {
	testlog.Start(t)
	clock := &manualClock{}
	r := NewRegistry[int]("svc:responses", Options{Scheduler: clock})
	key := mustKey(t)

	if _, err := r.Register(context.Background(), key, NewPromise[int](), 0); err != nil {
		t.Fatalf("register: %v", err)
	}
	if len(clock.timers) != 0 || r.timeouts.Size() != 0 {
		t.Fatalf("expected no timer for zero timeout")
	}
	if r.Pending() != 1 {
		t.Fatalf("expected one pending call, got %d", r.Pending())
	}
}

func TestRegisterRejectsDuplicateKey(t *testing.T) {
	testlog.Start(t)
	r := NewRegistry[string]("svc:responses", Options{Scheduler: &manualClock{}})
	key := mustKey(t)
	first := NewPromise[string]()
	if _, err := r.Register(context.Background(), key, first, time.Second); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := r.Register(context.Background(), key, NewPromise[string](), time.Second); !errors.Is(err, ErrDuplicateKey) {
		t.Fatalf("expected ErrDuplicateKey, got %v", err)
	}
	if !r.Resolve(key, "ok") {
		t.Fatalf("original registration should still resolve")
	}
	if got, _ := first.Result(); got != "ok" {
		t.Fatalf("original promise got %q", got)
	}
}

func TestCancelHandleWithdrawsCall(t *testing.T) {
	testlog.Start(t)
	r := NewRegistry[string]("svc:responses", Options{Scheduler: &manualClock{}})
	key := mustKey(t)
	p := NewPromise[string]()
	cancel, err := r.Register(context.Background(), key, p, time.Second)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if !cancel() {
		t.Fatalf("expected cancel to win")
	}
	if _, err := p.Result(); !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if cancel() {
		t.Fatalf("second cancel should be a no-op")
	}
	if r.Resolve(key, "late") {
		t.Fatalf("resolve after cancel should be dropped")
	}
}

func TestConcurrentTerminalTransitionsSettleExactlyOnce(t *testing.T) {
	testlog.Start(t)
	r := NewRegistry[int]("svc:responses", Options{Scheduler: &manualClock{}})

	for i := 0; i < 200; i++ {
		key := mustKey(t)
		p := NewPromise[int]()
		if _, err := r.Register(context.Background(), key, p, time.Minute); err != nil {
			t.Fatalf("register: %v", err)
		}

		var wins atomic.Int32
		start := make(chan struct{})
		var g errgroup.Group
		ops := []func() bool{
			func() bool { return r.Resolve(key, i) },
			func() bool { return r.Expire(key) },
			func() bool { return r.Cancel(key) },
			func() bool { return r.Resolve(key, -i) },
		}
		for _, op := range ops {
			g.Go(func() error {
				<-start
				if op() {
					wins.Add(1)
				}
				return nil
			})
		}
		close(start)
		_ = g.Wait()

		if wins.Load() != 1 {
			t.Fatalf("round %d: expected exactly one winner, got %d", i, wins.Load())
		}
		if !p.IsDone() {
			t.Fatalf("round %d: promise not settled", i)
		}
		if p.Complete(99) || p.Fail(errors.New("x")) {
			t.Fatalf("round %d: promise settled twice", i)
		}
	}
	if r.Pending() != 0 || r.timeouts.Size() != 0 {
		t.Fatalf("expected empty registry, responses=%d timeouts=%d", r.Pending(), r.timeouts.Size())
	}
}

func TestBootstrapGateRunsOnceUnderConcurrentRegister(t *testing.T) {
	testlog.Start(t)
	var calls atomic.Int32
	r := NewRegistry[string]("svc:responses", Options{
		Scheduler: &manualClock{},
		Bootstrap: func(ctx context.Context) error {
			calls.Add(1)
			time.Sleep(5 * time.Millisecond)
			return nil
		},
	})
	if r.Started() {
		t.Fatalf("fresh registry should not be started")
	}

	keys := make([]correlation.Key, 64)
	for i := range keys {
		keys[i] = mustKey(t)
	}
	var g errgroup.Group
	for _, key := range keys {
		g.Go(func() error {
			_, err := r.Register(context.Background(), key, NewPromise[string](), time.Second)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("register: %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected bootstrap once, got %d", calls.Load())
	}
	if !r.Started() {
		t.Fatalf("expected gate started")
	}
	if r.Pending() != 64 {
		t.Fatalf("expected 64 pending, got %d", r.Pending())
	}
	if n := r.CancelAll(); n != 64 {
		t.Fatalf("expected 64 cancelled, got %d", n)
	}
}

func TestBootstrapFailureWithdrawsCallAndReleasesGate(t *testing.T) {
	testlog.Start(t)
	var calls atomic.Int32
	r := NewRegistry[string]("svc:responses", Options{
		Scheduler: &manualClock{},
		Bootstrap: func(ctx context.Context) error {
			if calls.Add(1) == 1 {
				return errors.New("subscribe refused")
			}
			return nil
		},
	})

	key := mustKey(t)
	p := NewPromise[string]()
	if _, err := r.Register(context.Background(), key, p, time.Second); !errors.Is(err, ErrBootstrap) {
		t.Fatalf("expected ErrBootstrap, got %v", err)
	}
	if _, err := p.Result(); !errors.Is(err, ErrBootstrap) {
		t.Fatalf("expected promise failed with ErrBootstrap, got %v", err)
	}
	if r.Pending() != 0 || r.timeouts.Size() != 0 || r.Started() {
		t.Fatalf("failed registration should leave no state")
	}

	if _, err := r.Register(context.Background(), mustKey(t), NewPromise[string](), time.Second); err != nil {
		t.Fatalf("second register: %v", err)
	}
	if !r.Started() || calls.Load() != 2 {
		t.Fatalf("expected bootstrap retried and started, calls=%d", calls.Load())
	}
}

func TestWallClockTimeoutReachesWaiter(t *testing.T) {
	testlog.Start(t)
	r := NewRegistry[string]("svc:responses", Options{})
	key := mustKey(t)
	p := NewPromise[string]()
	if _, err := r.Register(context.Background(), key, p, 20*time.Millisecond); err != nil {
		t.Fatalf("register: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := p.Wait(ctx); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if r.Pending() != 0 {
		t.Fatalf("expected no pending calls")
	}
}
