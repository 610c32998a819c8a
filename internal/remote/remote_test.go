package remote

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/redcoll/internal/correlation"
	"github.com/danmuck/redcoll/internal/pending"
	"github.com/danmuck/redcoll/internal/store"
	"github.com/danmuck/redcoll/internal/store/memstore"
	"github.com/danmuck/redcoll/internal/testutil/testlog"
	"golang.org/x/sync/errgroup"
)

type sumArgs struct {
	A int `json:"a"`
	B int `json:"b"`
}

func startWorker(t *testing.T, st *memstore.Store, service string, register func(w *Worker)) {
	t.Helper()
	w, err := NewWorker(st, WorkerConfig{Service: service, Concurrency: 4, PopWait: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	register(w)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func newClient(t *testing.T, st *memstore.Store, service string, timeout time.Duration) *Client {
	t.Helper()
	c, err := NewClient(st, ClientConfig{Service: service, CallTimeout: timeout})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestInvokeRoundTrip(t *testing.T) {
	testlog.Start(t)
	st := memstore.New()
	startWorker(t, st, "math", func(w *Worker) {
		_ = w.Handle("sum", func(_ context.Context, raw json.RawMessage) (any, error) {
			var args sumArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, err
			}
			return args.A + args.B, nil
		})
	})
	c := newClient(t, st, "math", 2*time.Second)

	for i := 0; i < 10; i++ {
		var got int
		if err := c.Invoke(context.Background(), "sum", sumArgs{A: i, B: 40}, &got); err != nil {
			t.Fatalf("invoke %d: %v", i, err)
		}
		if got != i+40 {
			t.Fatalf("invoke %d: got=%d", i, got)
		}
	}
	if c.Pending() != 0 {
		t.Fatalf("expected no pending calls, got %d", c.Pending())
	}
}

func TestInvokeSurfacesHandlerFailures(t *testing.T) {
	testlog.Start(t)
	st := memstore.New()
	startWorker(t, st, "svc", func(w *Worker) {
		_ = w.Handle("fail", func(context.Context, json.RawMessage) (any, error) {
			return nil, errors.New("boom")
		})
		_ = w.Handle("panic", func(context.Context, json.RawMessage) (any, error) {
			panic("kaboom")
		})
	})
	c := newClient(t, st, "svc", 2*time.Second)

	cases := map[string]string{
		"fail":    "boom",
		"panic":   "kaboom",
		"missing": "unknown method",
	}
	for method, want := range cases {
		err := c.Invoke(context.Background(), method, nil, nil)
		var callErr *CallError
		if !errors.As(err, &callErr) {
			t.Fatalf("%s: expected CallError, got %v", method, err)
		}
		if callErr.Method != method || !strings.Contains(callErr.Message, want) {
			t.Fatalf("%s: unexpected call error %+v", method, callErr)
		}
	}
}

func TestInvokeTimesOutWithoutWorker(t *testing.T) {
	testlog.Start(t)
	st := memstore.New()
	c := newClient(t, st, "idle", 30*time.Millisecond)

	err := c.Invoke(context.Background(), "noop", nil, nil)
	if !errors.Is(err, pending.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if c.Pending() != 0 {
		t.Fatalf("expected timed-out call removed, pending=%d", c.Pending())
	}
}

func TestInvokeWithdrawsOnContextCancel(t *testing.T) {
	testlog.Start(t)
	st := memstore.New()
	c := newClient(t, st, "idle", 0)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := c.Invoke(ctx, "noop", nil, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if c.Pending() != 0 {
		t.Fatalf("expected withdrawn call removed, pending=%d", c.Pending())
	}
}

func TestCloseCancelsInFlightCalls(t *testing.T) {
	testlog.Start(t)
	st := memstore.New()
	c, err := NewClient(st, ClientConfig{Service: "idle"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	errs := make(chan error, 1)
	go func() { errs <- c.Invoke(context.Background(), "noop", nil, nil) }()

	deadline := time.Now().Add(2 * time.Second)
	for c.Pending() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("call never registered")
		}
		time.Sleep(time.Millisecond)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := <-errs; !errors.Is(err, pending.ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if err := c.Invoke(context.Background(), "noop", nil, nil); !errors.Is(err, ErrClientClosed) {
		t.Fatalf("expected ErrClientClosed, got %v", err)
	}
}

// laggingBroker delays every Subscribe so callers overlap the bootstrap.
type laggingBroker struct {
	*memstore.Store
	delay time.Duration
}

func (b laggingBroker) Subscribe(ctx context.Context, channel string) (store.Subscription, error) {
	time.Sleep(b.delay)
	return b.Store.Subscribe(ctx, channel)
}

func TestConcurrentFirstCallsWaitForReplySubscription(t *testing.T) {
	testlog.Start(t)
	st := memstore.New()
	startWorker(t, st, "echo", func(w *Worker) {
		_ = w.Handle("echo", func(_ context.Context, raw json.RawMessage) (any, error) {
			return raw, nil
		})
	})
	c, err := NewClient(laggingBroker{Store: st, delay: 100 * time.Millisecond}, ClientConfig{Service: "echo", CallTimeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	defer c.Close()

	var g errgroup.Group
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			var got int
			if err := c.Invoke(context.Background(), "echo", i, &got); err != nil {
				return err
			}
			if got != i {
				return errors.New("echo returned wrong value")
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent first call failed: %v", err)
	}
	testlog.Logf("remote/first-calls: 8 concurrent calls resolved across bootstrap")
}

func TestInvokeRacingCloseAlwaysReturns(t *testing.T) {
	testlog.Start(t)
	for round := 0; round < 50; round++ {
		c, err := NewClient(memstore.New(), ClientConfig{Service: "idle"})
		if err != nil {
			t.Fatalf("new client: %v", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		var g errgroup.Group
		for i := 0; i < 4; i++ {
			g.Go(func() error {
				err := c.Invoke(ctx, "noop", nil, nil)
				if errors.Is(err, ErrClientClosed) || errors.Is(err, pending.ErrCancelled) {
					return nil
				}
				return err
			})
		}
		g.Go(c.Close)
		err = g.Wait()
		cancel()
		if err != nil {
			t.Fatalf("round %d: invoke outlived close: %v", round, err)
		}
		if c.Pending() != 0 {
			t.Fatalf("round %d: %d calls left pending after close", round, c.Pending())
		}
	}
}

func TestDispatcherDropsMalformedAndLateResponses(t *testing.T) {
	testlog.Start(t)
	reg := pending.NewRegistry[Response]("replies", pending.Options{})
	d := NewDispatcher(reg, testLogger())

	if d.Handle([]byte("not json")) {
		t.Fatalf("undecodable payload should not resolve")
	}
	bad, _ := json.Marshal(Response{ID: "zz-not-hex"})
	if d.Handle(bad) {
		t.Fatalf("malformed id should not resolve")
	}

	id := correlation.NewID()
	key, _ := correlation.ParseKey(id)
	p := pending.NewPromise[Response]()
	if _, err := reg.Register(context.Background(), key, p, 0); err != nil {
		t.Fatalf("register: %v", err)
	}
	payload, _ := EncodeResponse(Response{ID: strings.ToUpper(id), Result: json.RawMessage(`"ok"`)})
	if !d.Handle(payload) {
		t.Fatalf("expected response to resolve pending call")
	}
	got, err := p.Result()
	if err != nil || string(got.Result) != `"ok"` {
		t.Fatalf("unexpected result=%s err=%v", got.Result, err)
	}
	if d.Handle(payload) {
		t.Fatalf("second delivery should be dropped as late")
	}
}

func TestWorkerSkipsExpiredRequests(t *testing.T) {
	testlog.Start(t)
	st := memstore.New()
	ctx := context.Background()
	replyTo := ResponseChannel("svc", "probe")
	sub, err := st.Subscribe(ctx, replyTo)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	stale := Request{ID: correlation.NewID(), Service: "svc", Method: "echo", ReplyTo: replyTo, DeadlineMS: time.Now().Add(-time.Second).UnixMilli()}
	fresh := Request{ID: correlation.NewID(), Service: "svc", Method: "echo", ReplyTo: replyTo}
	for _, req := range []Request{stale, fresh} {
		payload, err := EncodeRequest(req)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		if err := st.Push(ctx, RequestQueue("svc"), payload); err != nil {
			t.Fatalf("push: %v", err)
		}
	}

	startWorker(t, st, "svc", func(w *Worker) {
		_ = w.Handle("echo", func(_ context.Context, raw json.RawMessage) (any, error) {
			return "echo", nil
		})
	})

	select {
	case msg := <-sub.Messages():
		resp, err := DecodeResponse(msg)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if resp.ID != fresh.ID {
			t.Fatalf("expected reply to fresh request, got %s", resp.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no reply received")
	}
	select {
	case msg := <-sub.Messages():
		t.Fatalf("unexpected extra reply %s", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWorkerRejectsDuplicateHandler(t *testing.T) {
	testlog.Start(t)
	w, err := NewWorker(memstore.New(), WorkerConfig{Service: "svc"})
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	h := func(context.Context, json.RawMessage) (any, error) { return nil, nil }
	if err := w.Handle("m", h); err != nil {
		t.Fatalf("first handle: %v", err)
	}
	if err := w.Handle("m", h); !errors.Is(err, ErrHandlerExists) {
		t.Fatalf("expected ErrHandlerExists, got %v", err)
	}
}
