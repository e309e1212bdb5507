package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/unistream/unistream/internal/bus"
	"github.com/unistream/unistream/internal/circuitbreaker"
	"github.com/unistream/unistream/internal/config"
	"github.com/unistream/unistream/internal/consumer"
	"github.com/unistream/unistream/internal/health"
	"github.com/unistream/unistream/internal/httpapi"
	"github.com/unistream/unistream/internal/outbox"
	"github.com/unistream/unistream/internal/router"
	"github.com/unistream/unistream/internal/scheduler"
	"github.com/unistream/unistream/internal/stream"
	"github.com/unistream/unistream/internal/tracing"
	"github.com/unistream/unistream/internal/trigger"
	"github.com/unistream/unistream/internal/workflow"
	"github.com/unistream/unistream/internal/workflows/groupcheckout"
	"github.com/unistream/unistream/internal/workflows/orderproc"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := buildLogger(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	if err := tracing.Initialize(cfg.Observability.Tracing, logger); err != nil {
		logger.Warn("Tracing initialization failed", zap.Error(err))
	}

	// Payload registry: every workflow's inputs and outputs get stable wire
	// names before any store or transport touches them.
	codec := stream.NewCodec()
	orderproc.RegisterPayloads(codec)
	groupcheckout.RegisterPayloads(codec)

	store, storePinger, err := buildStore(cfg, codec, logger)
	if err != nil {
		logger.Fatal("Failed to initialize stream store", zap.Error(err))
	}

	// Optional Redis: trigger fan-out and the outgoing message bus. Without
	// it everything runs in-process.
	var redisWrapper *circuitbreaker.RedisWrapper
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		redisWrapper = circuitbreaker.NewRedisWrapper(client, logger)
	}

	var transport trigger.Transport
	if redisWrapper != nil {
		transport = trigger.NewRedisTransport(redisWrapper, cfg.Engine.TriggerBuffer, logger)
	} else {
		transport = trigger.NewChannelTransport(cfg.Engine.TriggerBuffer)
	}
	defer transport.Close()

	rt := router.New(store, transport, logger)

	cons := consumer.New(store, transport, consumer.Config{
		Parallelism: cfg.Engine.ConsumerParallel,
	}, logger)

	// Workflow registrations. The ledger collaborator is in-memory here;
	// deployments inject their own.
	orderWF := orderproc.New()
	rt.Register(orderWF.Name(), orderproc.RouteInput, orderproc.InputSamples()...)
	cons.Register(workflow.FromWorkflow(orderWF))

	groupWF := groupcheckout.New(nil)
	rt.Register(groupWF.Name(), groupcheckout.RouteInput, groupcheckout.InputSamples()...)
	cons.Register(workflow.FromAsync(groupWF))

	// Output side: scheduled messages come back in through the router, sent
	// and published messages leave through the bus.
	sched := scheduler.NewTimerScheduler(func(ctx context.Context, msg any) error {
		_, err := rt.Submit(ctx, msg)
		return err
	}, logger)

	var outBus bus.Bus
	if redisWrapper != nil {
		outBus = bus.NewRedisBus(redisWrapper, codec, logger)
	} else {
		outBus = bus.NewMemoryBus()
	}

	registry := outbox.NewRegistry()
	outbox.RegisterFor(registry, func(_ context.Context, reply orderproc.OrderStatus) error {
		logger.Info("Order status reply",
			zap.String("order_id", reply.OrderID),
			zap.String("status", reply.Status))
		return nil
	})

	markPolicy, err := outbox.ParseMarkPolicy(cfg.Engine.MarkPolicy)
	if err != nil {
		logger.Fatal("Invalid mark policy", zap.Error(err))
	}
	processor := outbox.NewProcessor(store, &outbox.CompositeDispatcher{
		Bus:       outBus,
		Scheduler: sched,
		Registry:  registry,
	}, outbox.Config{
		PollInterval: cfg.Engine.OutputPollInterval,
		BatchSize:    cfg.Engine.MaxPendingBatch,
		MarkPolicy:   markPolicy,
		RateLimit:    cfg.Engine.DispatchRateLimit,
	}, logger)

	cons.Start(ctx)
	processor.Start(ctx)

	// The sweep re-triggers instances whose triggers were lost in transit.
	if lister, ok := store.(stream.Lister); ok {
		sweeper := trigger.NewSweeper(store, lister, transport, rt, cfg.Engine.SweepInterval, logger)
		sweeper.Start(ctx)
		defer sweeper.Stop()
	}

	// Hot reload for the engine tunables.
	watcher := config.NewWatcher(logger, func(next *config.Config) {
		processor.Reconfigure(next.Engine.OutputPollInterval, next.Engine.MaxPendingBatch)
	})
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("Config watcher unavailable", zap.Error(err))
	} else {
		defer watcher.Stop()
	}

	hm := health.NewManager(logger)
	hm.Register(health.StoreChecker(storePinger))
	if redisWrapper != nil {
		hm.Register(health.RedisChecker(redisWrapper))
	}
	hm.Start(ctx)
	defer hm.Stop()

	if cfg.Observability.Metrics.Enabled {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			addr := ":" + strconv.Itoa(cfg.Observability.Metrics.Port)
			logger.Info("Metrics server listening", zap.String("addr", addr))
			srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("Metrics server failed", zap.Error(err))
			}
		}()
	}

	api := httpapi.NewServer(rt, store, codec, hm, logger)
	logger.Info("Engine started",
		zap.String("storage", cfg.Storage.Backend),
		zap.Bool("redis", redisWrapper != nil),
		zap.Int("http_port", cfg.HTTP.Port))

	if err := api.ListenAndServe(ctx, cfg.HTTP.Port); err != nil && err != http.ErrServerClosed {
		logger.Error("HTTP server failed", zap.Error(err))
	}

	logger.Info("Shutting down")
	processor.Stop()
}

func buildLogger(cfg *config.Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Observability.Logging.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}
	var zc zap.Config
	if cfg.Observability.Logging.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

// buildStore selects the configured backend. The second return value is the
// connectivity probe for health checks; the in-memory store has none.
func buildStore(cfg *config.Config, codec *stream.Codec, logger *zap.Logger) (stream.Store, health.Pinger, error) {
	switch cfg.Storage.Backend {
	case "", "memory":
		return stream.NewMemoryStore(), nil, nil
	case "postgres":
		st, err := stream.NewPostgresStore(cfg.Storage.Postgres, codec, logger)
		if err != nil {
			return nil, nil, err
		}
		return st, st, nil
	case "sqlite":
		st, err := stream.NewSQLiteStore(cfg.Storage.SQLite.Path, codec, logger)
		if err != nil {
			return nil, nil, err
		}
		return st, st, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}
