package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	grpc_health "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/austindbirch/jiva_gateway/internal/admission"
	"github.com/austindbirch/jiva_gateway/internal/api"
	"github.com/austindbirch/jiva_gateway/internal/auth"
	"github.com/austindbirch/jiva_gateway/internal/cache"
	"github.com/austindbirch/jiva_gateway/internal/config"
	"github.com/austindbirch/jiva_gateway/internal/db"
	"github.com/austindbirch/jiva_gateway/internal/health"
	"github.com/austindbirch/jiva_gateway/internal/llm"
	"github.com/austindbirch/jiva_gateway/internal/logging"
	"github.com/austindbirch/jiva_gateway/internal/metrics"
	"github.com/austindbirch/jiva_gateway/internal/queue"
	"github.com/austindbirch/jiva_gateway/internal/store"
	"github.com/austindbirch/jiva_gateway/internal/tracing"
)

const grpcHealthService = "jiva.gateway"

func main() {
	cfg := config.FromEnv()
	ctx := context.Background()

	logging.SetDefaultService("jiva-gateway")
	logger := logging.New("jiva-gateway")
	if err := logger.SetLevel(cfg.LogLevel); err != nil {
		logger.Plain().WithError(err).Warn("invalid LOG_LEVEL, keeping info")
	}

	shutdownTracing, err := tracing.InitTracing(ctx, "jiva-gateway")
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to initialize tracing")
	}
	defer shutdownTracing()

	pool, err := db.Connect(ctx, cfg.DSN(), cfg.DB.MaxConns)
	if err != nil {
		logger.Plain().WithError(err).Fatal("db connect failed")
	}
	defer pool.Close()

	apps := store.New(pool, logger)
	if err := apps.Migrate(ctx); err != nil {
		logger.Plain().WithError(err).Fatal("schema migration failed")
	}
	if n, err := apps.SeedApps(ctx); err != nil {
		logger.Plain().WithError(err).Fatal("seeding apps failed")
	} else if n > 0 {
		logger.Plain().WithField("apps", n).Info("seeded default apps")
	}

	rdb, err := cache.NewClient(cfg.Redis.URL)
	if err != nil {
		logger.Plain().WithError(err).Fatal("redis client failed")
	}
	kv := cache.NewRedisCache(rdb, cfg.Redis.KeyPrefix)

	prod, err := nsq.NewProducer(cfg.NSQ.NsqdTCPAddr, nsq.NewConfig())
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq producer creation failed")
	}
	prod.SetLogger(logger.StdLogger(logging.LevelWarn, "nsq "), nsq.LogLevelWarning)

	registry := queue.NewRegistry(rdb, cfg.Redis.KeyPrefix, prod, queue.PolicyFromConfig(cfg.Queue, cfg.NSQ), logger)
	registry.RegisterQueue(queue.QueueLLM)
	// Closes the producer and the shared Redis client.
	defer registry.Close()

	profiles := store.NewProfileCache(apps, kv, cfg.Auth.CacheTTL, logger)
	tokens, err := auth.NewJWT(cfg.Auth, profiles)
	if err != nil {
		logger.Plain().WithError(err).Fatal("auth setup failed")
	}

	ai := llm.New(cfg.AI, logger)
	ready := health.NewChecker(3*time.Second).
		Add("database", health.PingCheck(pool)).
		Add("redis", health.PingCheck(kv)).
		Add("ai", func(ctx context.Context) error {
			_, err := ai.Tags(ctx)
			return err
		})

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	srv := api.NewServer(api.Deps{
		Queue:     registry,
		Apps:      apps,
		Tokens:    tokens,
		Admission: admission.New(kv, cfg.RateLimit, logger),
		Ready:     ready,
		Gatherer:  reg,
		Logger:    logger,
	})
	srv.Start(cfg.HTTPPort)

	// gRPC health for orchestrators. Health methods bypass the token check;
	// any service registered here later is authenticated.
	grpcSrv := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.UnaryInterceptor(tokens.GRPCInterceptor()),
	)
	hs := grpc_health.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, hs)

	lis, err := net.Listen("tcp", cfg.GRPCPort)
	if err != nil {
		logger.Plain().WithError(err).Fatal("gRPC listen failed")
	}
	go func() {
		logger.Plain().WithField("addr", cfg.GRPCPort).Info("gRPC server starting")
		if err := grpcSrv.Serve(lis); err != nil {
			logger.Plain().WithError(err).Fatal("gRPC serve failed")
		}
	}()

	healthCtx, stopHealth := context.WithCancel(ctx)
	go ready.Serve(healthCtx, hs, grpcHealthService, 10*time.Second, logger)

	logger.Plain().Info("gateway service started")

	// Graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	logger.Plain().Info("Shutting down gateway service")
	stopHealth()
	grpcSrv.GracefulStop()
	shutdownCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Plain().WithError(err).Error("HTTP shutdown failed")
	}
	logger.Plain().Info("gateway service stopped")
}
