package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/danmuck/redcoll/internal/admin"
	"github.com/danmuck/redcoll/internal/collection"
	"github.com/danmuck/redcoll/internal/config"
	"github.com/danmuck/redcoll/internal/logging"
	"github.com/danmuck/redcoll/internal/remote"
	"github.com/danmuck/redcoll/internal/store"
	"github.com/danmuck/redcoll/internal/store/memstore"
	"github.com/danmuck/redcoll/internal/store/redisstore"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "", "path to redcolld TOML config (defaults + REDCOLL_* env when empty)")
	flag.Parse()

	logging.ConfigureRuntime("redcolld")
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "redcolld: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "redcolld: %v\n", err)
		os.Exit(1)
	}
}

type backend interface {
	store.SetStore
	store.Broker
	Close() error
}

func openBackend(ctx context.Context, cfg config.RedisConfig) (backend, admin.ReadyFunc, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		log.Warn().Msg("no redis address configured, using in-process store")
		return memstore.New(), nil, nil
	}
	st, err := redisstore.Dial(ctx, &redis.Options{
		Addr:                  cfg.Addr,
		DB:                    cfg.DB,
		Password:              cfg.Password,
		DialTimeout:           cfg.DialTimeout,
		ContextTimeoutEnabled: true,
	})
	if err != nil {
		return nil, nil, err
	}
	return st, st.Ping, nil
}

func run(ctx context.Context, cfg config.Config) error {
	st, ready, err := openBackend(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer st.Close()

	mutator := collection.NewMutator(st, collection.MutatorConfig{Backoff: cfg.Retain.Backoff()})

	worker, err := remote.NewWorker(st, remote.WorkerConfig{
		Service:     cfg.Service,
		Concurrency: cfg.Remote.WorkerConcurrency,
		PopWait:     cfg.Remote.PopWait,
		Backoff:     remote.DefaultWorkerConfig(cfg.Service).Backoff,
	})
	if err != nil {
		return err
	}
	if err := registerHandlers(worker, st, mutator); err != nil {
		return err
	}

	client, err := remote.NewClient(st, remote.ClientConfig{
		Service:     cfg.Service,
		ClientID:    cfg.Admin.NodeID,
		CallTimeout: cfg.Remote.CallTimeout,
	})
	if err != nil {
		return err
	}
	defer client.Close()
	if err := client.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := worker.Serve(gctx)
		if errors.Is(err, store.ErrClosed) && gctx.Err() != nil {
			return nil
		}
		return err
	})
	if strings.TrimSpace(cfg.Admin.Addr) != "" {
		srv := admin.New(admin.Options{
			ID:          cfg.Admin.NodeID,
			Addr:        cfg.Admin.Addr,
			CORSOrigins: cfg.Admin.CORSOrigins,
			Sets:        st,
			Mutator:     mutator,
			Invoker:     client,
			Ready:       ready,
			Token:       cfg.Admin.Token,
		})
		g.Go(func() error { return srv.Serve(gctx) })
	}

	log.Info().
		Str("service", cfg.Service).
		Str("redis", cfg.Redis.Addr).
		Str("admin", cfg.Admin.Addr).
		Msg("redcolld started")
	err = g.Wait()
	log.Info().Msg("redcolld stopped")
	return err
}
