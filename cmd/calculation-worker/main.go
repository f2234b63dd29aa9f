// Package main provides the calculation worker entry point. It consumes
// asynchronous calculation requests and stores their results.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/drfirst/go-ndc/internal/api/handlers"
	"github.com/drfirst/go-ndc/internal/app"
	"github.com/drfirst/go-ndc/internal/config"
	"github.com/drfirst/go-ndc/internal/domain/calculation"
	"github.com/drfirst/go-ndc/internal/infrastructure/redpanda"
	"github.com/drfirst/go-ndc/internal/observability/metrics"
	"github.com/drfirst/go-ndc/internal/worker"
	"github.com/drfirst/go-ndc/pkg/idempotency"
)

const serviceName = "calculation-worker"

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, err := app.NewLogger(cfg)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	brokers := cfg.Brokers()
	if len(brokers) == 0 {
		logger.Fatal("KAFKA_BROKERS is required")
	}
	if cfg.OpenAIAPIKey == "" {
		logger.Fatal("OPENAI_API_KEY is required")
	}

	ctx := context.Background()

	tp, err := app.InitTracing(ctx, cfg, serviceName)
	if err != nil {
		logger.Fatal("tracing init failed", zap.Error(err))
	}
	defer tp.Shutdown(context.Background())

	m := metrics.New()

	services := app.NewServices(cfg, m, logger)
	if err := services.Start(); err != nil {
		logger.Fatal("cache janitor failed to start", zap.Error(err))
	}
	defer services.Stop()

	pool, err := app.OpenDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database unavailable", zap.Error(err))
	}
	defer pool.Close()
	logger.Info("connected to database")

	admin, err := redpanda.NewAdmin(brokers, logger.Named("admin"))
	if err != nil {
		logger.Fatal("admin client creation failed", zap.Error(err))
	}
	defer admin.Close()

	setupCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	created, err := admin.EnsureTopics(setupCtx, redpanda.TopicConfigs(cfg.TopicReplication))
	cancel()
	if err != nil {
		logger.Fatal("topic setup failed", zap.Error(err))
	}
	if len(created) > 0 {
		logger.Info("topics created", zap.Strings("topics", created))
	}

	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = brokers
	producer, err := redpanda.NewProducer(producerCfg, m, logger.Named("producer"))
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()

	inboxCfg := idempotency.DefaultInboxConfig()
	inboxCfg.IsTerminal = calculation.IsTerminal
	inbox := idempotency.NewInbox(pool, inboxCfg, logger.Named("inbox"))

	if n, err := inbox.RecoverStaleEntries(ctx); err != nil {
		logger.Warn("stale inbox recovery failed", zap.Error(err))
	} else if n > 0 {
		logger.Info("recovered stale inbox entries", zap.Int64("count", n))
	}
	inbox.StartCleanup()
	defer inbox.Stop()

	repo := calculation.NewRepository(pool, calculation.RepositoryConfig{
		HistoryLimit: cfg.HistoryLimit,
		EventsTopic:  redpanda.TopicCalculationEvents,
	}, logger.Named("history"))

	processor := worker.NewProcessor(worker.DefaultConfig(), services.Calculator, repo, inbox, producer, m, logger.Named("processor"))

	consumerCfg := redpanda.DefaultConsumerConfig()
	consumerCfg.Brokers = brokers
	consumerCfg.GroupID = serviceName
	if cfg.WorkerCount > 0 {
		consumerCfg.Workers = cfg.WorkerCount
	}
	consumerCfg.Retryable = func(err error) bool { return !calculation.IsTerminal(err) }

	consumer, err := redpanda.NewConsumer(consumerCfg, processor.Handle, m, logger.Named("consumer"))
	if err != nil {
		logger.Fatal("consumer creation failed", zap.Error(err))
	}
	consumer.Start()
	logger.Info("calculation worker started",
		zap.Strings("brokers", brokers),
		zap.Int("workers", consumerCfg.Workers))

	lagCtx, stopLag := context.WithCancel(ctx)
	go reportLag(lagCtx, admin, consumerCfg.GroupID, logger)

	health := handlers.NewHealthHandler(serviceName, app.Version, services.Breakers, map[string]handlers.Check{
		"database": repo.Ping,
		"broker":   producer.Ping,
		"workers": func(context.Context) error {
			if !consumer.Healthy() {
				return errors.New("worker queue saturated")
			}
			return nil
		},
	})
	r := chi.NewRouter()
	r.Get("/health", health.Health)
	r.Get("/ready", health.Ready)
	r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
		body := map[string]any{
			"consumer": consumer.Stats(),
			"producer": producer.Stats(),
		}
		if inboxStats, err := inbox.GetStats(r.Context()); err == nil {
			body["inbox"] = inboxStats
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(body)
	})
	r.Handle("/metrics", metrics.Handler())

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	stopLag()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}

	consumer.Stop()
	stats := consumer.Stats()
	logger.Info("calculation worker stopped",
		zap.Int64("messages_read", stats.MessagesRead),
		zap.Int64("errors", stats.ErrorCount))
}

func reportLag(ctx context.Context, admin *redpanda.Admin, group string, logger *zap.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			lag, err := admin.TotalLag(ctx, group)
			if err != nil {
				logger.Debug("lag check failed", zap.Error(err))
				continue
			}
			logger.Info("consumer lag", zap.String("group", group), zap.Int64("lag", lag))
		}
	}
}
