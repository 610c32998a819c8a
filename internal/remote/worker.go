package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/redcoll/internal/observability"
	"github.com/danmuck/redcoll/internal/retry"
	"github.com/danmuck/redcoll/internal/store"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var (
	ErrUnknownMethod = errors.New("remote: unknown method")
	ErrHandlerExists = errors.New("remote: handler already registered")
)

// HandlerFunc serves one method. The returned value is JSON-encoded into the reply.
type HandlerFunc func(ctx context.Context, args json.RawMessage) (any, error)

type WorkerConfig struct {
	Service     string
	Concurrency int
	PopWait     time.Duration
	Backoff     retry.BackoffConfig
	Logger      *zerolog.Logger
}

func DefaultWorkerConfig(service string) WorkerConfig {
	return WorkerConfig{
		Service:     service,
		Concurrency: runtime.NumCPU(),
		PopWait:     time.Second,
		Backoff: retry.BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
		},
	}
}

// Worker pops requests for one service and publishes replies.
type Worker struct {
	broker store.Broker
	cfg    WorkerConfig
	log    zerolog.Logger

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

func NewWorker(broker store.Broker, cfg WorkerConfig) (*Worker, error) {
	cfg.Service = strings.TrimSpace(cfg.Service)
	if cfg.Service == "" {
		return nil, fmt.Errorf("%w: missing service", ErrInvalidConfig)
	}
	if broker == nil {
		return nil, fmt.Errorf("%w: missing broker", ErrInvalidConfig)
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = runtime.NumCPU()
	}
	if cfg.PopWait <= 0 {
		cfg.PopWait = time.Second
	}
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &Worker{
		broker:   broker,
		cfg:      cfg,
		log:      logger.With().Str("service", cfg.Service).Logger(),
		handlers: make(map[string]HandlerFunc),
	}, nil
}

func (w *Worker) Handle(method string, h HandlerFunc) error {
	method = strings.TrimSpace(method)
	if method == "" || h == nil {
		return fmt.Errorf("%w: handler needs a method and a func", ErrInvalidConfig)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.handlers[method]; ok {
		return fmt.Errorf("%w: %s", ErrHandlerExists, method)
	}
	w.handlers[method] = h
	return nil
}

// Serve processes requests until ctx ends or the broker closes. In-flight
// handlers finish before it returns.
func (w *Worker) Serve(ctx context.Context) error {
	var g errgroup.Group
	g.SetLimit(w.cfg.Concurrency)
	queue := RequestQueue(w.cfg.Service)
	w.log.Info().Str("queue", queue).Int("concurrency", w.cfg.Concurrency).Msg("worker serving")

	var serveErr error
	failures := 0
	for ctx.Err() == nil {
		payload, err := w.broker.Pop(ctx, queue, w.cfg.PopWait)
		if err != nil {
			if errors.Is(err, store.ErrNoMessage) || ctx.Err() != nil {
				continue
			}
			if errors.Is(err, store.ErrClosed) {
				serveErr = err
				break
			}
			failures++
			w.log.Warn().Err(err).Int("attempt", failures).Msg("request pop failed")
			if err := retry.Sleep(ctx, retry.NextDelay(w.cfg.Backoff, failures, nil)); err != nil {
				break
			}
			continue
		}
		failures = 0
		g.Go(func() error {
			w.process(ctx, payload)
			return nil
		})
	}
	_ = g.Wait()
	w.log.Info().Msg("worker stopped")
	return serveErr
}

func (w *Worker) process(ctx context.Context, payload []byte) {
	req, err := DecodeRequest(payload)
	if err != nil {
		w.log.Warn().Err(err).Msg("dropping undecodable request")
		return
	}
	if req.Expired(time.Now()) {
		w.log.Debug().Str("id", req.ID).Str("method", req.Method).Msg("dropping request past caller deadline")
		return
	}

	start := time.Now()
	result, err := w.invoke(ctx, req)
	observability.RecordWorkerRequest(w.cfg.Service, req.Method, time.Since(start), err == nil)

	resp := Response{ID: req.ID}
	if err != nil {
		resp.Error = err.Error()
	} else if result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			resp.Error = fmt.Sprintf("encode result: %v", err)
		} else {
			resp.Result = raw
		}
	}

	out, err := EncodeResponse(resp)
	if err != nil {
		w.log.Error().Err(err).Str("id", req.ID).Msg("encode response failed")
		return
	}
	if err := w.broker.Publish(ctx, req.ReplyTo, out); err != nil {
		w.log.Error().Err(err).Str("id", req.ID).Str("reply_to", req.ReplyTo).Msg("publish response failed")
	}
}

func (w *Worker) invoke(ctx context.Context, req Request) (result any, err error) {
	w.mu.RLock()
	h, ok := w.handlers[req.Method]
	w.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, req.Method)
	}
	defer func() {
		if r := recover(); r != nil {
			w.log.Error().Interface("panic", r).Str("method", req.Method).Msg("handler panicked")
			err = fmt.Errorf("remote: handler %s panicked: %v", req.Method, r)
		}
	}()
	return h(ctx, req.Args)
}
