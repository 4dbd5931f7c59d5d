package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/austindbirch/jiva_gateway/internal/cache"
	"github.com/austindbirch/jiva_gateway/internal/config"
	"github.com/austindbirch/jiva_gateway/internal/db"
	"github.com/austindbirch/jiva_gateway/internal/health"
	"github.com/austindbirch/jiva_gateway/internal/llm"
	"github.com/austindbirch/jiva_gateway/internal/logging"
	"github.com/austindbirch/jiva_gateway/internal/metrics"
	"github.com/austindbirch/jiva_gateway/internal/processor"
	"github.com/austindbirch/jiva_gateway/internal/queue"
	"github.com/austindbirch/jiva_gateway/internal/store"
	"github.com/austindbirch/jiva_gateway/internal/tracing"
	"github.com/austindbirch/jiva_gateway/internal/webhook"
)

const backlogInterval = 15 * time.Second

// newMux serves liveness, readiness and metrics for the worker process.
func newMux(reg prometheus.Gatherer, ready *health.Checker) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.LiveHandler())
	mux.HandleFunc("/readyz", ready.ReadyHandler())
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return mux
}

func main() {
	cfg := config.FromEnv()
	ctx := context.Background()

	logging.SetDefaultService("jiva-worker")
	logger := logging.New("jiva-worker")
	if err := logger.SetLevel(cfg.LogLevel); err != nil {
		logger.Plain().WithError(err).Warn("invalid LOG_LEVEL, keeping info")
	}

	// Initialize OpenTelemetry tracing
	shutdown, err := tracing.InitTracing(ctx, "jiva-worker")
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to initialize tracing")
	}
	defer shutdown()

	pool, err := db.Connect(ctx, cfg.DSN(), cfg.DB.MaxConns)
	if err != nil {
		logger.Plain().WithError(err).Fatal("db connect failed")
	}
	defer pool.Close()
	apps := store.New(pool, logger)

	rdb, err := cache.NewClient(cfg.Redis.URL)
	if err != nil {
		logger.Plain().WithError(err).Fatal("redis client failed")
	}

	// Used for DLQ publishes and operator retries
	prod, err := nsq.NewProducer(cfg.NSQ.NsqdTCPAddr, nsq.NewConfig())
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq producer creation failed")
	}
	prod.SetLogger(logger.StdLogger(logging.LevelWarn, "nsq "), nsq.LogLevelWarning)

	registry := queue.NewRegistry(rdb, cfg.Redis.KeyPrefix, prod, queue.PolicyFromConfig(cfg.Queue, cfg.NSQ), logger)
	registry.RegisterQueue(queue.QueueLLM)

	ai := llm.New(cfg.AI, logger)
	dispatcher := webhook.NewDispatcher(apps, cfg.Webhook, logger)
	proc := processor.New(ai, dispatcher, logger)

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	ready := health.NewChecker(3*time.Second).
		Add("database", health.PingCheck(pool)).
		Add("redis", health.PingCheck(registry))

	httpSrv := &http.Server{
		Addr:              cfg.WorkerHTTPPort,
		Handler:           newMux(reg, ready),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("worker HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("worker HTTP server failed")
		}
	}()

	worker, err := registry.NewWorker(queue.QueueLLM, proc, queue.WorkerOptions{
		Channel:     cfg.NSQ.WorkerChannel,
		Concurrency: cfg.Queue.Concurrency,
		NsqdAddr:    cfg.NSQ.NsqdTCPAddr,
		LookupdAddr: cfg.NSQ.LookupHTTPAddr,
	})
	if err != nil {
		logger.Plain().WithError(err).Fatal("worker setup failed")
	}
	if err := worker.Start(); err != nil {
		logger.Plain().WithError(err).Fatal("worker start failed")
	}

	monCtx, stopMonitor := context.WithCancel(ctx)
	monitor := queue.NewBacklogMonitor(queue.NsqdHTTPAddr(cfg.NSQ.NsqdTCPAddr), cfg.NSQ.WorkerChannel,
		[]string{queue.QueueLLM, cfg.NSQ.DLQTopic}, logger)
	go monitor.Run(monCtx, backlogInterval)

	logger.Plain().Info("worker service started")

	// Graceful stop
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	logger.Plain().Info("Shutting down worker service")
	stopMonitor()
	// Drains in-flight jobs before closing the producer and Redis.
	if err := registry.Close(); err != nil {
		logger.Plain().WithError(err).Error("queue shutdown failed")
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	logger.Plain().Info("worker service stopped")
}
