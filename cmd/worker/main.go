package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"mail-pipeline-broker/internal/alert"
	"mail-pipeline-broker/internal/broker"
	"mail-pipeline-broker/internal/config"
	"mail-pipeline-broker/internal/health"
	"mail-pipeline-broker/internal/logging"
	"mail-pipeline-broker/internal/perf"
	"mail-pipeline-broker/internal/pipeline"
	"mail-pipeline-broker/internal/queue"
	"mail-pipeline-broker/internal/retry"
	"mail-pipeline-broker/internal/scheduler"
	"mail-pipeline-broker/internal/store"
	"mail-pipeline-broker/internal/telemetry"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	logger := logging.Setup(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Error("connect postgres", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		logger.Error("migrations", "error", err)
		os.Exit(1)
	}

	q := queue.NewRedisQueue(queue.Options{
		Addr:              cfg.RedisAddr,
		Password:          cfg.RedisPassword,
		DB:                cfg.RedisDB,
		VisibilityTimeout: cfg.VisibilityTimeout,
	})

	b := broker.New(broker.Options{
		Store:              st,
		Queue:              q,
		Collaborators:      pipeline.NewSimulated().Set(),
		Policy:             retry.NewPolicy(cfg.MaxAttempts, cfg.BackoffInitial, cfg.BackoffBase, cfg.BackoffMax),
		Breaker:            retry.NewBreaker(cfg.BreakerThreshold, cfg.BreakerWindow),
		Tracker:            health.NewTracker(st, logger),
		Recorder:           perf.NewRecorder(st, logger),
		Notifier:           alert.NewNotifier(st, logger),
		Logger:             logger,
		DefaultMaxItems:    cfg.DefaultMaxItems,
		DefaultTimeout:     cfg.DefaultFetchTimeout,
		CancelPollInterval: cfg.CancelPollInterval,
	})

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()

	sched := scheduler.New(q, st, b, scheduler.Options{
		Workers:            cfg.WorkerCount,
		PollInterval:       cfg.WorkerPollInterval,
		ScheduledBatchSize: cfg.ScheduledBatchSize,
		Logger:             logger,
	})

	logger.Info("worker started",
		"workers", cfg.WorkerCount,
		"max_attempts", cfg.MaxAttempts,
		"backoff_initial", cfg.BackoffInitial,
		"breaker_threshold", cfg.BreakerThreshold)
	if err := sched.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker stopped", "error", err)
	}
}
