// Package app assembles the calculation pipeline and process-level plumbing
// shared by the binaries.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/drfirst/go-ndc/internal/cache"
	"github.com/drfirst/go-ndc/internal/config"
	"github.com/drfirst/go-ndc/internal/fda"
	"github.com/drfirst/go-ndc/internal/httpclient"
	"github.com/drfirst/go-ndc/internal/observability/logging"
	"github.com/drfirst/go-ndc/internal/observability/metrics"
	"github.com/drfirst/go-ndc/internal/observability/tracing"
	"github.com/drfirst/go-ndc/internal/orchestrator"
	"github.com/drfirst/go-ndc/internal/reasoning"
	"github.com/drfirst/go-ndc/internal/rxnorm"
	"github.com/drfirst/go-ndc/pkg/circuitbreaker"
)

// Version is reported by health endpoints and traces
const Version = "1.0.0"

// Services holds the calculation pipeline and its adapters
type Services struct {
	Breakers   *circuitbreaker.Manager
	Cache      *cache.TTLCache
	RxNorm     *rxnorm.Client
	FDA        *fda.Registry
	Reasoning  *reasoning.Adapter
	Calculator *orchestrator.Calculator

	janitor *cache.Janitor
}

// RetryPolicy builds the upstream retry policy from configuration
func RetryPolicy(cfg *config.Config) httpclient.RetryPolicy {
	p := httpclient.DefaultRetryPolicy()
	if cfg.RetryMaxAttempts > 0 {
		p.MaxAttempts = cfg.RetryMaxAttempts
	}
	if cfg.RetryBaseDelay > 0 {
		p.BaseDelay = cfg.RetryBaseDelay
	}
	return p
}

// NewServices wires the adapters and the orchestrator. m may be nil.
func NewServices(cfg *config.Config, m *metrics.Metrics, logger *zap.Logger) *Services {
	if logger == nil {
		logger = zap.NewNop()
	}

	breakers := circuitbreaker.NewManager(
		httpclient.BreakerConfig(circuitbreaker.DefaultConfig("upstream"), m),
		logger.Named("breaker"))

	clientCfg := httpclient.DefaultConfig()
	if cfg.HTTPTimeout > 0 {
		clientCfg.Timeout = cfg.HTTPTimeout
	}
	client := httpclient.New(clientCfg, logger.Named("http"), breakers, m)

	store := cache.New(cache.WithMetrics(m))
	retry := RetryPolicy(cfg)

	rxCfg := rxnorm.DefaultConfig()
	rxCfg.Retry = retry
	if cfg.RxNormBaseURL != "" {
		rxCfg.BaseURL = cfg.RxNormBaseURL
	}
	if cfg.RxTermsBaseURL != "" {
		rxCfg.TermsURL = cfg.RxTermsBaseURL
	}
	rx := rxnorm.New(rxCfg, client, store, logger.Named("rxnorm"))

	fdaCfg := fda.DefaultConfig()
	fdaCfg.Retry = retry
	if cfg.FDANDCURL != "" {
		fdaCfg.BaseURL = cfg.FDANDCURL
	}
	registry := fda.New(fdaCfg, client, store, rx, logger.Named("fda"))

	reasonCfg := reasoning.DefaultConfig()
	reasonCfg.Retry = retry
	reasonCfg.APIKey = cfg.OpenAIAPIKey
	if cfg.OpenAIBaseURL != "" {
		reasonCfg.BaseURL = cfg.OpenAIBaseURL
	}
	if cfg.CompletionModel != "" {
		reasonCfg.CompletionModel = cfg.CompletionModel
	}
	if cfg.ReasoningModel != "" {
		reasonCfg.ReasoningModel = cfg.ReasoningModel
	}
	reasoner := reasoning.New(reasonCfg, client, logger.Named("reasoning"))

	calc := orchestrator.New(rx, registry, reasoner, logger.Named("orchestrator"), orchestrator.WithMetrics(m))

	return &Services{
		Breakers:   breakers,
		Cache:      store,
		RxNorm:     rx,
		FDA:        registry,
		Reasoning:  reasoner,
		Calculator: calc,
		janitor:    cache.NewJanitor(store, cfg.CacheSweepInterval, logger.Named("cache")),
	}
}

// Start launches background maintenance
func (s *Services) Start() error {
	return s.janitor.Start()
}

// Stop halts background maintenance
func (s *Services) Stop() {
	s.janitor.Stop()
}

// NewLogger builds the process logger for cfg
func NewLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.New(cfg.LogLevel, cfg.Env)
}

// InitTracing installs the tracer provider for service
func InitTracing(ctx context.Context, cfg *config.Config, service string) (*tracing.Provider, error) {
	tc := tracing.DefaultConfig(service)
	tc.ServiceVersion = Version
	tc.Environment = cfg.Env
	tc.OTLPEndpoint = cfg.OTLPEndpoint
	return tracing.Init(ctx, tc)
}

// OpenDatabase connects to PostgreSQL and verifies the connection
func OpenDatabase(ctx context.Context, url string) (*pgxpool.Pool, error) {
	if url == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}
