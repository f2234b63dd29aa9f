// Package main provides the calculator API service entry point.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/drfirst/go-ndc/internal/api/handlers"
	"github.com/drfirst/go-ndc/internal/api/middleware"
	"github.com/drfirst/go-ndc/internal/app"
	"github.com/drfirst/go-ndc/internal/config"
	"github.com/drfirst/go-ndc/internal/domain/calculation"
	"github.com/drfirst/go-ndc/internal/infrastructure/redpanda"
	"github.com/drfirst/go-ndc/internal/observability/metrics"
)

const serviceName = "calculator-api"

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

	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
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

	repo := calculation.NewRepository(pool, calculation.RepositoryConfig{
		HistoryLimit: cfg.HistoryLimit,
		EventsTopic:  redpanda.TopicCalculationEvents,
	}, logger.Named("history"))

	checks := map[string]handlers.Check{"database": repo.Ping}

	// async submission is only offered with a broker
	var publisher handlers.Publisher
	if brokers := cfg.Brokers(); len(brokers) > 0 {
		producerCfg := redpanda.DefaultProducerConfig()
		producerCfg.Brokers = brokers
		producer, err := redpanda.NewProducer(producerCfg, m, logger.Named("producer"))
		if err != nil {
			logger.Warn("producer unavailable, async submission disabled", zap.Error(err))
		} else {
			defer producer.Close()
			publisher = producer
			checks["broker"] = producer.Ping
			logger.Info("connected to Redpanda", zap.Strings("brokers", brokers))
		}
	}

	limiter := middleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, m, logger.Named("ratelimit"))
	if err := limiter.StartPruning(time.Minute); err != nil {
		logger.Fatal("rate limiter failed to start", zap.Error(err))
	}
	defer limiter.Stop()

	health := handlers.NewHealthHandler(serviceName, app.Version, services.Breakers, checks)
	calcHandler := handlers.NewCalculationHandler(services.Calculator, repo, publisher,
		redpanda.TopicCalculationRequests, logger.Named("calculations"))
	drugHandler := handlers.NewDrugHandler(services.RxNorm, services.FDA, logger.Named("drugs"))

	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing(serviceName))

	r.Get("/health", health.Health)
	r.Get("/ready", health.Ready)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Authenticate(middleware.AuthConfig{
			JWTSecret:      []byte(cfg.JWTSecret),
			APIKeys:        cfg.APIKeyClients(),
			AllowAnonymous: cfg.IsDev(),
		}, logger.Named("auth")))
		r.Use(limiter.Middleware)

		r.Mount("/calculations", calcHandler.Routes())
		r.Mount("/drugs", drugHandler.DrugRoutes())
		r.Mount("/ndc", drugHandler.NDCRoutes())
	})

	// the reasoning stage can run for a minute; streams hold the connection
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 3 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down server")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
	}()

	logger.Info("starting calculator API", zap.String("port", cfg.Port), zap.String("env", cfg.Env))
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		logger.Fatal("server error", zap.Error(err))
	}

	logger.Info("server stopped")
}
