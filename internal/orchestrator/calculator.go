// Package orchestrator runs the NDC calculation pipeline: drug name
// normalization, package lookup, reasoning and result assembly.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/drfirst/go-ndc/internal/domain/calculation"
	"github.com/drfirst/go-ndc/internal/fda"
	"github.com/drfirst/go-ndc/internal/observability/metrics"
	"github.com/drfirst/go-ndc/internal/reasoning"
)

// Normalizer resolves a free-text drug name to a canonical concept
type Normalizer interface {
	Normalize(ctx context.Context, drugName string) (*calculation.NormalizedDrug, error)
}

// PackageRegistry lists the packages known for a drug
type PackageRegistry interface {
	SearchByDrugName(ctx context.Context, name, rxcui string) ([]calculation.PackageRecord, error)
}

// Reasoner turns instructions and packages into quantities and recommendations
type Reasoner interface {
	Calculate(ctx context.Context, req reasoning.Request) (*reasoning.Outcome, error)
	Explain(ctx context.Context, req reasoning.ExplainRequest) (string, error)
}

// ProgressFunc receives a progress event before each stage runs
type ProgressFunc func(calculation.Progress)

const (
	// InactiveWarningMin and InactiveWarningRatio gate the skewed inventory
	// warning; both must be exceeded.
	InactiveWarningMin   = 50
	InactiveWarningRatio = 0.3
)

var lower = cases.Lower(language.Und)

// Calculator runs calculations. It holds no per-calculation state and is
// safe for concurrent use.
type Calculator struct {
	normalizer Normalizer
	registry   PackageRegistry
	reasoner   Reasoner
	metrics    *metrics.Metrics
	logger     *zap.Logger
	tracer     trace.Tracer
	now        func() time.Time
	newID      func() string
}

// Option configures a Calculator
type Option func(*Calculator)

// WithClock overrides the creation timestamp source
func WithClock(now func() time.Time) Option {
	return func(c *Calculator) { c.now = now }
}

// WithIDGenerator overrides result id generation
func WithIDGenerator(fn func() string) Option {
	return func(c *Calculator) { c.newID = fn }
}

// WithMetrics records stage and calculation metrics
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Calculator) { c.metrics = m }
}

// New creates a calculator
func New(normalizer Normalizer, registry PackageRegistry, reasoner Reasoner, logger *zap.Logger, opts ...Option) *Calculator {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Calculator{
		normalizer: normalizer,
		registry:   registry,
		reasoner:   reasoner,
		logger:     logger,
		tracer:     otel.Tracer("calculator"),
		now:        time.Now,
		newID:      func() string { return "calc_" + uuid.New().String() },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// run carries the state of one calculation through its stages
type run struct {
	input    calculation.Input
	progress ProgressFunc
	warnings []calculation.Warning
	stage    calculation.Stage
	started  time.Time
}

func (r *run) warn(kind calculation.WarningKind, severity calculation.Severity, message, details string) {
	r.warnings = append(r.warnings, calculation.Warning{Kind: kind, Severity: severity, Message: message, Details: details})
}

// noteDroppedAlternatives records alternatives removed after reasoning. It
// extends the optimization warning the reasoner already raised for its own
// discards so a result carries one such warning.
func (r *run) noteDroppedAlternatives(n int) {
	detail := fmt.Sprintf("%d more alternative(s) could not be filled from the active packages.", n)
	for i := range r.warnings {
		w := &r.warnings[i]
		if w.Kind != calculation.WarningOptimization {
			continue
		}
		if w.Details == "" {
			w.Details = detail
		} else {
			w.Details += " " + detail
		}
		return
	}
	r.warn(calculation.WarningOptimization, calculation.SeverityLow,
		fmt.Sprintf("Removed %d alternative(s) that could not be filled from the active packages.", n), "")
}

// Calculate validates input and runs every stage in order. Any stage
// failure emits an error progress event and is returned unchanged; no
// partial result is produced.
func (c *Calculator) Calculate(ctx context.Context, input calculation.Input, progress ProgressFunc) (*calculation.Result, error) {
	input = input.Normalize()
	ctx, span := c.tracer.Start(ctx, "calculate",
		trace.WithAttributes(
			attribute.String("drug_name", input.DrugName),
			attribute.Int("days_supply", input.DaysSupply)))
	defer span.End()

	if progress == nil {
		progress = func(calculation.Progress) {}
	}
	r := &run{input: input, progress: progress, started: time.Now()}

	result, err := c.calculate(ctx, r)
	if err != nil {
		progress(calculation.Progress{Stage: calculation.StageError, Message: errorMessage(err), Percent: 0})
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.metrics.ObserveCalculation(string(calculation.KindOf(err)), time.Since(r.started))
		c.logger.Error("calculation failed",
			zap.String("drug_name", input.DrugName),
			zap.String("stage", string(r.stage)),
			zap.String("kind", string(calculation.KindOf(err))),
			zap.Error(err))
		return nil, err
	}

	c.metrics.ObserveCalculation("success", time.Since(r.started))
	span.SetAttributes(attribute.String("calculation_id", result.ID))
	c.logger.Info("calculation complete",
		zap.String("calculation_id", result.ID),
		zap.String("drug_name", input.DrugName),
		zap.Float64("total_quantity", result.Quantity.TotalQuantityNeeded),
		zap.Int("warnings", len(result.Warnings)),
		zap.Duration("duration", time.Since(r.started)))
	return result, nil
}

func (c *Calculator) calculate(ctx context.Context, r *run) (*calculation.Result, error) {
	if err := calculation.Validate(r.input); err != nil {
		return nil, err
	}

	var drug *calculation.NormalizedDrug
	err := c.stage(ctx, r, calculation.StageNormalizing, "Looking up drug in RxNorm...", 10, func(ctx context.Context) error {
		var err error
		drug, err = c.normalize(ctx, r)
		return err
	})
	if err != nil {
		return nil, err
	}

	var all, active, inactive []calculation.PackageRecord
	err = c.stage(ctx, r, calculation.StageFetchingPackages, "Fetching available NDC packages...", 30, func(ctx context.Context) error {
		var err error
		all, active, inactive, err = c.fetchPackages(ctx, r, drug)
		return err
	})
	if err != nil {
		return nil, err
	}

	var outcome *reasoning.Outcome
	err = c.stage(ctx, r, calculation.StageCalculating, "Analyzing prescription instructions...", 50, func(ctx context.Context) error {
		var err error
		outcome, err = c.reasoner.Calculate(ctx, reasoning.Request{
			DrugName:     drug.CanonicalName,
			CanonicalID:  drug.CanonicalID,
			Instructions: r.input.Instructions,
			DaysSupply:   r.input.DaysSupply,
			Packages:     all,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	var explanation string
	err = c.stage(ctx, r, calculation.StageOptimizing, "Optimizing package selection...", 80, func(ctx context.Context) error {
		r.warnings = append(r.warnings, outcome.Warnings...)

		alts, dropped := calculation.SufficientAlternatives(outcome.Optimization.Alternatives, active, outcome.Quantity.TotalQuantityNeeded)
		if dropped > 0 {
			r.noteDroppedAlternatives(dropped)
		}
		outcome.Optimization.Alternatives = alts

		var err error
		explanation, err = c.reasoner.Explain(ctx, reasoning.ExplainRequest{
			DrugName:     drug.CanonicalName,
			Instructions: r.input.Instructions,
			DaysSupply:   r.input.DaysSupply,
			Parsing:      outcome.Parsing,
			Quantity:     outcome.Quantity,
			Optimization: outcome.Optimization,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	result := &calculation.Result{
		ID:               c.newID(),
		Input:            r.input,
		Drug:             *drug,
		AllPackages:      all,
		ActivePackages:   active,
		InactivePackages: inactive,
		Parsing:          outcome.Parsing,
		Quantity:         outcome.Quantity,
		Optimization:     outcome.Optimization,
		Explanation:      explanation,
		Warnings:         calculation.SortWarnings(r.warnings),
		CreatedAt:        c.now(),
	}

	r.stage = calculation.StageComplete
	r.progress(calculation.Progress{Stage: calculation.StageComplete, Message: "Calculation complete", Percent: 100})
	return result, nil
}

// stage emits the progress event for a stage, then runs it
func (c *Calculator) stage(ctx context.Context, r *run, stage calculation.Stage, message string, percent int, fn func(context.Context) error) error {
	r.stage = stage
	r.progress(calculation.Progress{Stage: stage, Message: message, Percent: percent})
	c.logger.Debug("calculation stage",
		zap.String("stage", string(stage)),
		zap.String("drug_name", r.input.DrugName))

	ctx, span := c.tracer.Start(ctx, "stage_"+string(stage))
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	c.metrics.ObserveStage(string(stage), time.Since(start))
	if err != nil {
		span.RecordError(err)
	}
	return err
}

// normalize synthesizes a high-confidence concept when the caller supplied
// an id, and otherwise asks the normalizer.
func (c *Calculator) normalize(ctx context.Context, r *run) (*calculation.NormalizedDrug, error) {
	if r.input.CanonicalID != "" {
		return &calculation.NormalizedDrug{
			CanonicalID:   r.input.CanonicalID,
			CanonicalName: r.input.DrugName,
			OriginalInput: r.input.DrugName,
			Confidence:    calculation.ConfidenceHigh,
			Alternatives:  []calculation.Alternative{},
		}, nil
	}

	cleaned := fda.CleanDrugName(r.input.DrugName)
	if len([]rune(cleaned)) < 2 {
		cleaned = r.input.DrugName
	}
	drug, err := c.normalizer.Normalize(ctx, cleaned)
	if err != nil {
		return nil, err
	}

	if drug.Confidence == calculation.ConfidenceLow && !namesOverlap(drug.CanonicalName, cleaned) {
		r.warn(calculation.WarningNormalization, calculation.SeverityLow,
			fmt.Sprintf("Low confidence match for %q; using %q.", r.input.DrugName, drug.CanonicalName),
			alternativeNames(drug.Alternatives))
	}
	return drug, nil
}

// namesOverlap reports whether either name contains the other, ignoring case
func namesOverlap(a, b string) bool {
	a, b = lower.String(strings.TrimSpace(a)), lower.String(strings.TrimSpace(b))
	if a == "" || b == "" {
		return false
	}
	return strings.Contains(a, b) || strings.Contains(b, a)
}

func alternativeNames(alts []calculation.Alternative) string {
	if len(alts) == 0 {
		return ""
	}
	names := make([]string, 0, len(alts))
	for _, a := range alts {
		names = append(names, a.Name)
	}
	return "alternatives: " + strings.Join(names, "; ")
}

func (c *Calculator) fetchPackages(ctx context.Context, r *run, drug *calculation.NormalizedDrug) (all, active, inactive []calculation.PackageRecord, err error) {
	all, err = c.registry.SearchByDrugName(ctx, drug.CanonicalName, drug.CanonicalID)
	if err != nil {
		return nil, nil, nil, err
	}
	if len(all) == 0 {
		return nil, nil, nil, calculation.Errorf(calculation.KindNotFound, "calculate.packages",
			"no NDC packages found for %q", drug.CanonicalName)
	}

	active, inactive = calculation.PartitionPackages(all)
	if len(active) == 0 {
		r.warn(calculation.WarningInactive, calculation.SeverityHigh,
			"No active NDC packages are available; every listed package is inactive.",
			fmt.Sprintf("%d inactive package(s)", len(inactive)))
	} else if len(inactive) > InactiveWarningMin && float64(len(inactive)) > InactiveWarningRatio*float64(len(all)) {
		r.warn(calculation.WarningInactive, calculation.SeverityLow,
			fmt.Sprintf("%d of %d NDC packages are inactive and were excluded from recommendations.", len(inactive), len(all)), "")
	}
	return all, active, inactive, nil
}

// errorMessage prefers the typed error's own message over the wrapped chain
func errorMessage(err error) string {
	var ce *calculation.Error
	if errors.As(err, &ce) && ce.Message != "" {
		return ce.Message
	}
	if msg := err.Error(); msg != "" {
		return msg
	}
	return "Calculation failed"
}
