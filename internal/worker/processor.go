// Package worker processes asynchronous calculation requests consumed from
// the stream.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-ndc/internal/domain/calculation"
	"github.com/drfirst/go-ndc/internal/infrastructure/redpanda"
	"github.com/drfirst/go-ndc/internal/observability/metrics"
	"github.com/drfirst/go-ndc/internal/orchestrator"
	"github.com/drfirst/go-ndc/pkg/idempotency"
)

// Calculator runs the calculation pipeline
type Calculator interface {
	Calculate(ctx context.Context, input calculation.Input, progress orchestrator.ProgressFunc) (*calculation.Result, error)
}

// History stores finished calculations
type History interface {
	Save(ctx context.Context, userID string, result *calculation.Result) error
}

// Inbox deduplicates requests by idempotency key
type Inbox interface {
	Process(ctx context.Context, key, handlerName string, payload json.RawMessage, fn idempotency.ProcessFunc) (*idempotency.ProcessResult, error)
}

// Publisher places messages on the stream
type Publisher interface {
	ProduceMessage(ctx context.Context, topic, key string, value []byte) error
}

// Config holds processor settings
type Config struct {
	// HandlerName is recorded on inbox entries
	HandlerName string
	// DeadLetterTopic receives requests that can never succeed
	DeadLetterTopic string
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		HandlerName:     "calculation-worker",
		DeadLetterTopic: redpanda.TopicDeadLetter,
	}
}

// Processor handles one calculation request message
type Processor struct {
	config    Config
	calc      Calculator
	history   History
	inbox     Inbox
	publisher Publisher
	metrics   *metrics.Metrics
	logger    *zap.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

// NewProcessor creates a processor. Metrics may be nil.
func NewProcessor(cfg Config, calc Calculator, history History, inbox Inbox, publisher Publisher, m *metrics.Metrics, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.HandlerName == "" {
		cfg.HandlerName = DefaultConfig().HandlerName
	}
	if cfg.DeadLetterTopic == "" {
		cfg.DeadLetterTopic = DefaultConfig().DeadLetterTopic
	}
	return &Processor{
		config:    cfg,
		calc:      calc,
		history:   history,
		inbox:     inbox,
		publisher: publisher,
		metrics:   m,
		logger:    logger,
		tracer:    otel.Tracer("calculation-worker"),
		now:       time.Now,
	}
}

// DeadLetter is published for a request that can never succeed
type DeadLetter struct {
	Topic     string          `json:"original_topic"`
	Key       string          `json:"key,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
	Kind      string          `json:"kind"`
	Reason    string          `json:"reason"`
	Request   json.RawMessage `json:"request"`
	FailedAt  time.Time       `json:"failed_at"`
}

// Key returns the idempotency key of req, derived from its content when the
// submitter did not supply one.
func Key(req calculation.Request) string {
	if req.RequestID != "" {
		return req.RequestID
	}
	in := req.Input
	return idempotency.GenerateKey(req.RequestedAt, req.UserID, in.DrugName, in.CanonicalID, in.Instructions, strconv.Itoa(in.DaysSupply))
}

// Handle processes one consumed request. Requests that can never succeed
// are dead-lettered and acknowledged; a returned error means the message
// should be retried.
func (p *Processor) Handle(ctx context.Context, msg *redpanda.ConsumedMessage) error {
	ctx, span := p.tracer.Start(ctx, "handle_calculation_request",
		trace.WithAttributes(attribute.Int64("offset", msg.Offset)))
	defer span.End()

	var req calculation.Request
	if err := json.Unmarshal(msg.Value, &req); err != nil {
		return p.deadLetter(ctx, msg, "", calculation.Malformed("decode", "request is not valid JSON", string(msg.Value), err))
	}
	if req.UserID == "" {
		return p.deadLetter(ctx, msg, req.RequestID, calculation.NewError(calculation.KindUnauthenticated, "decode", "request has no user"))
	}

	key := Key(req)
	span.SetAttributes(attribute.String("idempotency_key", key))
	logger := p.logger.With(zap.String("idempotency_key", key), zap.String("user_id", req.UserID))

	res, err := p.inbox.Process(ctx, key, p.config.HandlerName, msg.Value, func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		return p.calculate(ctx, req, logger)
	})
	switch {
	case err == nil:
		if res != nil && !res.IsNew && !res.WasRecovered {
			logger.Info("duplicate calculation request skipped")
		}
		return nil
	case errors.Is(err, idempotency.ErrDuplicateMessage), errors.Is(err, idempotency.ErrPreviouslyFailed):
		logger.Info("calculation request already handled", zap.Error(err))
		return nil
	case calculation.IsTerminal(err):
		span.RecordError(err)
		return p.deadLetter(ctx, msg, key, err)
	default:
		span.RecordError(err)
		logger.Warn("calculation request failed, will retry", zap.Error(err))
		return err
	}
}

func (p *Processor) calculate(ctx context.Context, req calculation.Request, logger *zap.Logger) (json.RawMessage, error) {
	start := p.now()
	result, err := p.calc.Calculate(ctx, req.Input, func(pr calculation.Progress) {
		logger.Debug("calculation progress",
			zap.String("stage", string(pr.Stage)),
			zap.Int("progress", pr.Percent))
	})
	if err != nil {
		return nil, err
	}

	if err := p.history.Save(ctx, req.UserID, result); err != nil {
		return nil, fmt.Errorf("save calculation %s: %w", result.ID, err)
	}

	logger.Info("async calculation complete",
		zap.String("calculation_id", result.ID),
		zap.Duration("duration", p.now().Sub(start)))
	return json.Marshal(map[string]string{"calculationId": result.ID})
}

func (p *Processor) deadLetter(ctx context.Context, msg *redpanda.ConsumedMessage, requestID string, cause error) error {
	kind := calculation.KindOf(cause)
	dl := DeadLetter{
		Topic:     msg.Topic,
		Key:       string(msg.Key),
		RequestID: requestID,
		Kind:      string(kind),
		Reason:    cause.Error(),
		Request:   msg.Value,
		FailedAt:  p.now().UTC(),
	}
	if !json.Valid(msg.Value) {
		dl.Request, _ = json.Marshal(string(msg.Value))
	}
	payload, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}

	if err := p.publisher.ProduceMessage(ctx, p.config.DeadLetterTopic, string(msg.Key), payload); err != nil {
		return fmt.Errorf("dead-letter request: %w", err)
	}
	p.metrics.IncDeadLettered("worker")
	p.logger.Warn("calculation request dead-lettered",
		zap.String("request_id", requestID),
		zap.String("kind", string(kind)),
		zap.Error(cause))
	return nil
}
