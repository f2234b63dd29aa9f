// Package reasoning turns free-text prescription instructions into structured
// dosing, quantity and package recommendations using a language model
// provider.
package reasoning

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-ndc/internal/domain/calculation"
	"github.com/drfirst/go-ndc/internal/httpclient"
)

const provider = "openai"

// Config holds reasoning provider configuration
type Config struct {
	// BaseURL is the provider API root, e.g. https://api.openai.com/v1
	BaseURL string
	APIKey  string
	// CompletionModel serves parsing, optimization and explanation
	CompletionModel string
	// ReasoningModel serves the quantity calculation
	ReasoningModel  string
	ReasoningEffort string
	Retry           httpclient.RetryPolicy
	// Timeout bounds each provider call
	Timeout time.Duration
}

// DefaultConfig returns the public provider endpoints and models
func DefaultConfig() Config {
	return Config{
		BaseURL:         "https://api.openai.com/v1",
		CompletionModel: "gpt-4o",
		ReasoningModel:  "gpt-5",
		ReasoningEffort: "low",
		Retry:           httpclient.DefaultRetryPolicy(),
		Timeout:         60 * time.Second,
	}
}

// Fetcher performs one bounded upstream call
type Fetcher interface {
	Fetch(ctx context.Context, req httpclient.Request) (*httpclient.Response, error)
}

// Adapter runs the four reasoning steps
type Adapter struct {
	config  Config
	fetcher Fetcher
	logger  *zap.Logger
	tracer  trace.Tracer
}

// New creates a reasoning adapter
func New(cfg Config, fetcher Fetcher, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.CompletionModel == "" {
		cfg.CompletionModel = def.CompletionModel
	}
	if cfg.ReasoningModel == "" {
		cfg.ReasoningModel = def.ReasoningModel
	}
	if cfg.ReasoningEffort == "" {
		cfg.ReasoningEffort = def.ReasoningEffort
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Adapter{
		config:  cfg,
		fetcher: fetcher,
		logger:  logger,
		tracer:  otel.Tracer("reasoning-adapter"),
	}
}

// Request is the input to a full reasoning run
type Request struct {
	DrugName     string
	CanonicalID  string
	Instructions string
	DaysSupply   int
	// Packages is the full package list, active and inactive
	Packages []calculation.PackageRecord
}

// Outcome is the structured result of a full reasoning run
type Outcome struct {
	Parsing      calculation.InstructionParsing
	Quantity     calculation.QuantityCalculation
	Optimization calculation.PackageOptimization
	Warnings     []calculation.Warning
}

// ExplainRequest carries everything the explanation summarizes
type ExplainRequest struct {
	DrugName     string
	Instructions string
	DaysSupply   int
	Parsing      calculation.InstructionParsing
	Quantity     calculation.QuantityCalculation
	Optimization calculation.PackageOptimization
}

// ParseInstructions reads dosing amount, unit and frequency from the sig
func (a *Adapter) ParseInstructions(ctx context.Context, drugName, instructions string, daysSupply int) (calculation.InstructionParsing, error) {
	ctx, span := a.tracer.Start(ctx, "reasoning_parse_instructions")
	defer span.End()

	const op = "reasoning.parse"
	text, err := a.completion(ctx, op, parserSystem, instructionPrompt(drugName, instructions, daysSupply), 0.1, 1000)
	if err != nil {
		span.RecordError(err)
		return calculation.InstructionParsing{}, err
	}

	parsing, err := DecodeJSON[calculation.InstructionParsing](op, text)
	if err != nil {
		span.RecordError(err)
		return calculation.InstructionParsing{}, err
	}
	if parsing.Warnings == nil {
		parsing.Warnings = []string{}
	}
	if parsing.DosageUnit == "" {
		parsing.DosageUnit = calculation.UnitOther
	}
	switch parsing.Confidence {
	case calculation.ConfidenceHigh, calculation.ConfidenceMedium, calculation.ConfidenceLow:
	default:
		parsing.Confidence = calculation.ConfidenceLow
	}

	span.SetAttributes(
		attribute.String("dosage_unit", string(parsing.DosageUnit)),
		attribute.Float64("frequency_per_day", parsing.FrequencyPerDay),
		attribute.Bool("prn", parsing.IsPRN))
	return parsing, nil
}

// CalculateQuantity derives the quantity to dispense on the reasoning
// endpoint. Tablets and capsules are recomputed as dose x frequency x days;
// the second return value reports whether the provider's figures were
// replaced. Other units keep the provider's figures and narrative.
func (a *Adapter) CalculateQuantity(ctx context.Context, parsing calculation.InstructionParsing, daysSupply int) (calculation.QuantityCalculation, bool, error) {
	ctx, span := a.tracer.Start(ctx, "reasoning_calculate_quantity")
	defer span.End()

	const op = "reasoning.quantity"
	text, err := a.reason(ctx, op, quantityPrompt(parsing, daysSupply))
	if err != nil {
		span.RecordError(err)
		return calculation.QuantityCalculation{}, false, err
	}

	qty, err := DecodeJSON[calculation.QuantityCalculation](op, text)
	if err != nil {
		span.RecordError(err)
		return calculation.QuantityCalculation{}, false, err
	}
	if qty.Assumptions == nil {
		qty.Assumptions = []string{}
	}
	if qty.Uncertainties == nil {
		qty.Uncertainties = []string{}
	}

	adjusted := false
	if parsing.DosageUnit.IsDiscrete() && parsing.DosageAmount > 0 && parsing.FrequencyPerDay > 0 {
		daily := decimal.NewFromFloat(parsing.DosageAmount).Mul(decimal.NewFromFloat(parsing.FrequencyPerDay))
		total := daily.Mul(decimal.NewFromInt(int64(daysSupply)))

		if !total.Equal(decimal.NewFromFloat(qty.TotalQuantityNeeded)) || !daily.Equal(decimal.NewFromFloat(qty.DailyQuantity)) {
			adjusted = true
			a.logger.Debug("replacing provider quantity",
				zap.Float64("provider_total", qty.TotalQuantityNeeded),
				zap.String("computed_total", total.String()))
		}
		qty.DailyQuantity = daily.InexactFloat64()
		qty.TotalQuantityNeeded = total.InexactFloat64()
		if adjusted || qty.Calculation == "" {
			qty.Calculation = fmt.Sprintf("%s %s x %s per day = %s per day; %s x %d days = %s",
				formatQuantity(parsing.DosageAmount), parsing.DosageUnit, formatQuantity(parsing.FrequencyPerDay),
				daily.String(), daily.String(), daysSupply, total.String())
		}
	}

	if qty.TotalQuantityNeeded <= 0 {
		err := calculation.Malformed(op, "provider returned a non-positive total quantity", text, nil)
		span.RecordError(err)
		return calculation.QuantityCalculation{}, false, err
	}

	span.SetAttributes(attribute.Float64("total_quantity", qty.TotalQuantityNeeded), attribute.Bool("adjusted", adjusted))
	return qty, adjusted, nil
}

// OptimizePackages asks for ranked package combinations covering need and
// enforces the active-only and sufficiency rules on the reply. With no
// active packages the provider is not called and the optimization is empty.
func (a *Adapter) OptimizePackages(ctx context.Context, drugName string, need float64, daysSupply int, packages []calculation.PackageRecord) (calculation.PackageOptimization, Dropped, error) {
	ctx, span := a.tracer.Start(ctx, "reasoning_optimize_packages")
	defer span.End()

	active, inactive := calculation.PartitionPackages(packages)
	if len(active) == 0 {
		return emptyOptimization("No active packages are available to recommend."), Dropped{}, nil
	}

	const op = "reasoning.optimize"
	text, err := a.completion(ctx, op, optimizerSystem, optimizationPrompt(drugName, need, daysSupply, active, inactive), 0.2, 1500)
	if err != nil {
		span.RecordError(err)
		return calculation.PackageOptimization{}, Dropped{}, err
	}

	raw, err := DecodeJSON[calculation.PackageOptimization](op, text)
	if err != nil {
		span.RecordError(err)
		return calculation.PackageOptimization{}, Dropped{}, err
	}

	opt, dropped := EnforceOptimization(raw, active, need)
	span.SetAttributes(
		attribute.Int("recommendations", len(opt.RecommendedPackages)),
		attribute.Int("dropped", dropped.Total()))
	return opt, dropped, nil
}

func emptyOptimization(reasoning string) calculation.PackageOptimization {
	return calculation.PackageOptimization{
		RecommendedPackages: []calculation.RecommendedPackage{},
		Reasoning:           reasoning,
		Alternatives:        []calculation.OptimizationAlternative{},
	}
}

// Explain writes a short pharmacist-facing summary
func (a *Adapter) Explain(ctx context.Context, req ExplainRequest) (string, error) {
	ctx, span := a.tracer.Start(ctx, "reasoning_explain")
	defer span.End()

	text, err := a.completion(ctx, "reasoning.explain", explanationSystem, explanationPrompt(req), 0.3, 500)
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	return strings.TrimSpace(text), nil
}

// Calculate runs parsing, quantity and optimization in order and collects
// the warnings they raise.
func (a *Adapter) Calculate(ctx context.Context, req Request) (*Outcome, error) {
	ctx, span := a.tracer.Start(ctx, "reasoning_calculate",
		trace.WithAttributes(
			attribute.String("drug_name", req.DrugName),
			attribute.Int("packages", len(req.Packages))))
	defer span.End()

	parsing, err := a.ParseInstructions(ctx, req.DrugName, req.Instructions, req.DaysSupply)
	if err != nil {
		return nil, err
	}

	qty, adjusted, err := a.CalculateQuantity(ctx, parsing, req.DaysSupply)
	if err != nil {
		return nil, err
	}

	opt, dropped, err := a.OptimizePackages(ctx, req.DrugName, qty.TotalQuantityNeeded, req.DaysSupply, req.Packages)
	if err != nil {
		return nil, err
	}

	warnings := make([]calculation.Warning, 0, len(parsing.Warnings)+len(qty.Uncertainties)+2)
	for _, w := range parsing.Warnings {
		warnings = append(warnings, calculation.Warning{
			Kind:     calculation.WarningParsing,
			Severity: calculation.SeverityMedium,
			Message:  w,
		})
	}
	if parsing.Confidence == calculation.ConfidenceLow {
		warnings = append(warnings, calculation.Warning{
			Kind:     calculation.WarningParsing,
			Severity: calculation.SeverityMedium,
			Message:  "Instructions were interpreted with low confidence; verify the dosing schedule.",
			Details:  parsing.Reasoning,
		})
	}
	for _, u := range qty.Uncertainties {
		warnings = append(warnings, calculation.Warning{
			Kind:     calculation.WarningParsing,
			Severity: calculation.SeverityLow,
			Message:  u,
		})
	}
	if adjusted {
		warnings = append(warnings, calculation.Warning{
			Kind:     calculation.WarningParsing,
			Severity: calculation.SeverityLow,
			Message:  "Quantity was recomputed from the parsed dose, frequency and days supply.",
			Details:  qty.Calculation,
		})
	}
	if dropped.Total() > 0 {
		warnings = append(warnings, calculation.Warning{
			Kind:     calculation.WarningOptimization,
			Severity: calculation.SeverityLow,
			Message: fmt.Sprintf("Discarded %d recommendation(s) and %d alternative(s) that were inactive, unknown or short of the required quantity.",
				dropped.Recommendations, dropped.Alternatives),
		})
	}

	a.logger.Debug("reasoning complete",
		zap.String("drug_name", req.DrugName),
		zap.Float64("total_quantity", qty.TotalQuantityNeeded),
		zap.Int("recommendations", len(opt.RecommendedPackages)),
		zap.Int("warnings", len(warnings)))

	return &Outcome{
		Parsing:      parsing,
		Quantity:     qty,
		Optimization: opt,
		Warnings:     warnings,
	}, nil
}
