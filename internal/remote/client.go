package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/redcoll/internal/correlation"
	"github.com/danmuck/redcoll/internal/pending"
	"github.com/danmuck/redcoll/internal/store"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrClientClosed  = errors.New("remote: client closed")
	ErrInvalidConfig = errors.New("remote: invalid config")
)

// CallError carries a failure reported by the remote handler.
type CallError struct {
	Service string
	Method  string
	Message string
}

func (e *CallError) Error() string {
	return fmt.Sprintf("remote: %s.%s failed: %s", e.Service, e.Method, e.Message)
}

// ClientConfig configures a Client. A zero CallTimeout waits until ctx ends.
type ClientConfig struct {
	Service     string
	ClientID    string
	CallTimeout time.Duration
	Scheduler   pending.Scheduler
	Logger      *zerolog.Logger
}

// Client invokes methods of a remote service and waits for correlated replies.
type Client struct {
	broker   store.Broker
	service  string
	channel  string
	timeout  time.Duration
	registry *pending.Registry[Response]
	dispatch *Dispatcher
	log      zerolog.Logger

	// ready closes once the reply subscription is live.
	ready     chan struct{}
	readyOnce sync.Once

	mu     sync.Mutex
	sub    store.Subscription
	closed bool
}

func NewClient(broker store.Broker, cfg ClientConfig) (*Client, error) {
	service := strings.TrimSpace(cfg.Service)
	if service == "" {
		return nil, fmt.Errorf("%w: missing service", ErrInvalidConfig)
	}
	if broker == nil {
		return nil, fmt.Errorf("%w: missing broker", ErrInvalidConfig)
	}
	clientID := strings.TrimSpace(cfg.ClientID)
	if clientID == "" {
		clientID = correlation.NewID()
	}
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	logger = logger.With().Str("service", service).Logger()

	c := &Client{
		broker:  broker,
		service: service,
		channel: ResponseChannel(service, clientID),
		timeout: cfg.CallTimeout,
		log:     logger,
		ready:   make(chan struct{}),
	}
	c.registry = pending.NewRegistry[Response](c.channel, pending.Options{
		Scheduler: cfg.Scheduler,
		Bootstrap: c.subscribe,
		Logger:    &logger,
	})
	c.dispatch = NewDispatcher(c.registry, logger)
	return c, nil
}

func (c *Client) Service() string { return c.service }

// Channel is the reply channel this client subscribes to.
func (c *Client) Channel() string { return c.channel }

func (c *Client) Pending() int { return c.registry.Pending() }

// Start subscribes to the reply channel ahead of the first call.
func (c *Client) Start(ctx context.Context) error {
	return c.registry.Start(ctx)
}

// Invoke calls method with args and decodes the result into out (if non-nil).
// Cancelling ctx withdraws the call.
func (c *Client) Invoke(ctx context.Context, method string, args any, out any) error {
	if c.isClosed() {
		return ErrClientClosed
	}
	var rawArgs json.RawMessage
	if args != nil {
		b, err := json.Marshal(args)
		if err != nil {
			return fmt.Errorf("remote: encode args: %w", err)
		}
		rawArgs = b
	}

	id := correlation.NewID()
	key, err := correlation.ParseKey(id)
	if err != nil {
		return err
	}
	p := pending.NewPromise[Response]()
	cancel, err := c.registry.Register(ctx, key, p, c.timeout)
	if err != nil {
		if c.isClosed() {
			return ErrClientClosed
		}
		return err
	}
	if c.isClosed() {
		cancel()
		return ErrClientClosed
	}
	// Replies published before the subscription exists are lost.
	select {
	case <-c.ready:
	case <-p.Done():
		_, err := p.Result()
		return err
	case <-ctx.Done():
		cancel()
		return ctx.Err()
	}

	req := Request{
		ID:      id,
		Service: c.service,
		Method:  method,
		Args:    rawArgs,
		ReplyTo: c.channel,
	}
	if c.timeout > 0 {
		req.DeadlineMS = time.Now().Add(c.timeout).UnixMilli()
	}
	payload, err := EncodeRequest(req)
	if err != nil {
		cancel()
		return err
	}
	if err := c.broker.Push(ctx, RequestQueue(c.service), payload); err != nil {
		cancel()
		return fmt.Errorf("remote: push request: %w", err)
	}

	resp, err := p.Wait(ctx)
	if err != nil {
		if ctx.Err() != nil {
			cancel()
		}
		return err
	}
	if resp.Error != "" {
		return &CallError{Service: c.service, Method: method, Message: resp.Error}
	}
	if out != nil && len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, out); err != nil {
			return fmt.Errorf("remote: decode result: %w", err)
		}
	}
	return nil
}

// Close cancels outstanding calls and ends the reply subscription.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	sub := c.sub
	c.sub = nil
	c.mu.Unlock()

	if n := c.registry.CancelAll(); n > 0 {
		c.log.Info().Int("cancelled", n).Msg("client closed with calls in flight")
	}
	if sub != nil {
		return sub.Close()
	}
	return nil
}

func (c *Client) subscribe(ctx context.Context) error {
	sub, err := c.broker.Subscribe(ctx, c.channel)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = sub.Close()
		return ErrClientClosed
	}
	c.sub = sub
	c.mu.Unlock()

	go c.dispatch.Run(sub)
	c.readyOnce.Do(func() { close(c.ready) })
	c.log.Debug().Str("channel", c.channel).Msg("subscribed to replies")
	return nil
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
