// main wires high-level dependencies, exposes the HTTP router, and keeps the
// server lifecycle small. Business logic lives in internal services packages.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"morguetrack/internal/allocation"
	"morguetrack/internal/audit"
	"morguetrack/internal/idgen"
	"morguetrack/internal/lifecycle"
	"morguetrack/internal/platform/config"
	"morguetrack/internal/platform/httpserver"
	"morguetrack/internal/platform/logger"
	"morguetrack/internal/platform/metrics"
	platformpg "morguetrack/internal/platform/postgres"
	platformredis "morguetrack/internal/platform/redis"
	"morguetrack/internal/registry"
	"morguetrack/internal/storage"
	"morguetrack/internal/storage/flatfile"
	storagepg "morguetrack/internal/storage/postgres"
	"morguetrack/internal/storage/postgres/migrations"
	httptransport "morguetrack/internal/transport/http"
)

func main() {
	configPath := flag.String("config", "", "optional path to a YAML config file")
	flag.Parse()

	log := logger.FromEnv()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		store  storage.Store
		health httptransport.HealthChecker
	)
	switch cfg.Storage.Backend {
	case config.BackendPostgres:
		pool, err := platformpg.NewPool(ctx, cfg.Postgres)
		if err != nil {
			log.Error("connect postgres", "error", err)
			os.Exit(1)
		}
		defer pool.Close()
		if err := migrations.Apply(ctx, pool); err != nil {
			log.Error("run migrations", "error", err)
			os.Exit(1)
		}
		store = storagepg.New(pool)
		health = pool.Ping
	default:
		ffStore, err := flatfile.Open(cfg.Storage.FlatFilePath)
		if err != nil {
			log.Error("open flat file store", "error", err, "path", cfg.Storage.FlatFilePath)
			os.Exit(1)
		}
		store = ffStore
	}
	log.Info("storage backend ready", "backend", string(cfg.Storage.Backend))

	// Registration numbers come from Redis when configured; without it every
	// number takes the degraded path, which is fine for development.
	var sequencer idgen.Sequencer = idgen.UnavailableSequencer{}
	redisClient, err := platformredis.New(ctx, cfg.Redis)
	if err != nil {
		log.Error("connect redis", "error", err)
		os.Exit(1)
	}
	if redisClient != nil {
		defer redisClient.Close()
		sequencer = idgen.NewRedisSequencer(redisClient.Client)
	}

	var sink audit.Sink = audit.NewInMemorySink()
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaSink, err := audit.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		if err != nil {
			log.Error("connect kafka", "error", err)
			os.Exit(1)
		}
		defer kafkaSink.Close()
		sink = kafkaSink
	}
	publisher := audit.NewPublisher(sink, log, audit.WithAsyncBuffer(cfg.Audit.BufferSize))
	defer publisher.Close()

	m := metrics.New()
	reg := registry.NewService(store, cfg.Units.AutoProvision, log)
	ledger := allocation.NewLedger(store)
	numbers := idgen.New(sequencer, log)
	svc := lifecycle.NewService(store, reg, ledger, numbers, publisher, m, log)

	handler := httptransport.New(svc, reg, log)
	router := httptransport.NewRouter(handler, m, log, health)
	srv := httpserver.New(cfg.HTTP.Addr, router)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("starting morguetrack", "addr", cfg.HTTP.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		return httpserver.Shutdown(srv, cfg.HTTP.ShutdownTimeout)
	})

	if err := g.Wait(); err != nil {
		log.Error("server error", "error", err)
		os.Exit(1)
	}
}
