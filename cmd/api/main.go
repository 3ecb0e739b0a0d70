package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"mail-pipeline-broker/internal/alert"
	"mail-pipeline-broker/internal/api"
	"mail-pipeline-broker/internal/broker"
	"mail-pipeline-broker/internal/config"
	"mail-pipeline-broker/internal/health"
	"mail-pipeline-broker/internal/logging"
	"mail-pipeline-broker/internal/perf"
	"mail-pipeline-broker/internal/pipeline"
	"mail-pipeline-broker/internal/queue"
	"mail-pipeline-broker/internal/ratelimit"
	"mail-pipeline-broker/internal/retry"
	"mail-pipeline-broker/internal/store"
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

	redisLimiter := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	limiter := ratelimit.NewTokenBucket(redisLimiter, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

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

	server := api.New(b, st, limiter, logger)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	logger.Info("api listening", "port", cfg.HTTPPort, "env", cfg.Env)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("listen", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
