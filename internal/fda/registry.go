// Package fda adapts the openFDA NDC directory into package records:
// multi-strategy drug name search, single package validation and NDC
// normalization.
package fda

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-ndc/internal/cache"
	"github.com/drfirst/go-ndc/internal/domain/calculation"
	"github.com/drfirst/go-ndc/internal/httpclient"
)

const provider = "fda"

// Config holds registry configuration
type Config struct {
	// BaseURL is the NDC directory search endpoint
	BaseURL string
	// ResultsLimit caps results per query
	ResultsLimit int
	Retry        httpclient.RetryPolicy
	CacheTTL     time.Duration
}

// DefaultConfig returns the public openFDA endpoint
func DefaultConfig() Config {
	return Config{
		BaseURL:      "https://api.fda.gov/drug/ndc.json",
		ResultsLimit: 100,
		Retry:        httpclient.DefaultRetryPolicy(),
		CacheTTL:     cache.RegistryTTL,
	}
}

// Fetcher performs one bounded upstream call
type Fetcher interface {
	Fetch(ctx context.Context, req httpclient.Request) (*httpclient.Response, error)
}

// IngredientResolver maps a concept id to the ingredient name the registry
// lists products under.
type IngredientResolver interface {
	IngredientName(ctx context.Context, rxcui string) (string, bool)
}

// Registry searches the packaging registry
type Registry struct {
	config      Config
	fetcher     Fetcher
	cache       cache.Store
	ingredients IngredientResolver
	logger      *zap.Logger
	tracer      trace.Tracer
	now         func() time.Time
}

// New creates a registry adapter. ingredients may be nil.
func New(cfg Config, fetcher Fetcher, store cache.Store, ingredients IngredientResolver, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ResultsLimit <= 0 {
		cfg.ResultsLimit = DefaultConfig().ResultsLimit
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = cache.RegistryTTL
	}
	return &Registry{
		config:      cfg,
		fetcher:     fetcher,
		cache:       store,
		ingredients: ingredients,
		logger:      logger,
		tracer:      otel.Tracer("fda-registry"),
		now:         time.Now,
	}
}

// SearchByDrugName returns every package known for a drug name, trying the
// search strategies in order until one yields results. A 404 moves on to the
// next strategy; any other failure is recorded and also moves on. When every
// strategy is exhausted a recorded failure is reported as an upstream error,
// while a chain of pure 404s or empty results yields an empty slice.
func (r *Registry) SearchByDrugName(ctx context.Context, name, rxcui string) ([]calculation.PackageRecord, error) {
	ctx, span := r.tracer.Start(ctx, "fda_search_by_drug_name",
		trace.WithAttributes(attribute.String("drug_name", name), attribute.String("rxcui", rxcui)))
	defer span.End()

	cleaned := CleanDrugName(name)
	if cleaned == "" {
		return nil, calculation.NewError(calculation.KindValidation, "fda.search", "drug name is required")
	}

	key := "fda:search:" + cleaned
	if rxcui != "" {
		key += ":" + rxcui
	}
	if cached, ok := cache.GetAs[[]calculation.PackageRecord](r.cache, key); ok {
		return cached, nil
	}

	var ingredient string
	if rxcui != "" && r.ingredients != nil {
		if ing, ok := r.ingredients.IngredientName(ctx, rxcui); ok {
			ingredient = ing
			r.logger.Debug("resolved ingredient name",
				zap.String("rxcui", rxcui),
				zap.String("ingredient", ingredient))
		}
	}

	var lastErr error
	for _, query := range SearchStrategies(cleaned, ingredient) {
		records, err := r.query(ctx, "fda.search", query)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil, calculation.FromUpstream("fda.search", err)
			}
			if isNotFound(err) {
				continue
			}
			r.logger.Warn("registry strategy failed",
				zap.String("drug_name", cleaned),
				zap.String("query", query),
				zap.Error(err))
			lastErr = err
			continue
		}
		if len(records) == 0 {
			continue
		}

		r.cache.Set(key, records, r.config.CacheTTL)
		span.SetAttributes(attribute.String("strategy", query), attribute.Int("results", len(records)))
		r.logger.Debug("registry search succeeded",
			zap.String("drug_name", cleaned),
			zap.String("query", query),
			zap.Int("results", len(records)))
		return records, nil
	}

	if lastErr != nil {
		span.RecordError(lastErr)
		return nil, calculation.WrapError(calculation.KindUpstream, "fda.search",
			fmt.Sprintf("registry unavailable while searching %q", name), lastErr)
	}
	return []calculation.PackageRecord{}, nil
}

// ValidateByCode looks up a single package code. Both found and not-found
// outcomes are cached; nil means the code is unknown.
func (r *Registry) ValidateByCode(ctx context.Context, code string) (*calculation.PackageRecord, error) {
	ctx, span := r.tracer.Start(ctx, "fda_validate_by_code",
		trace.WithAttributes(attribute.String("ndc", code)))
	defer span.End()

	code = strings.TrimSpace(code)
	if code == "" {
		return nil, calculation.NewError(calculation.KindValidation, "fda.validate", "package code is required")
	}

	key := "fda:ndc:" + code
	if cached, ok := cache.GetAs[*calculation.PackageRecord](r.cache, key); ok {
		return cached, nil
	}

	product := ProductNDC(code)
	if product == "" {
		r.cache.Set(key, (*calculation.PackageRecord)(nil), r.config.CacheTTL)
		return nil, nil
	}

	records, err := r.query(ctx, "fda.validate", `product_ndc:"`+product+`"`)
	if err != nil {
		if isNotFound(err) {
			r.cache.Set(key, (*calculation.PackageRecord)(nil), r.config.CacheTTL)
			return nil, nil
		}
		span.RecordError(err)
		return nil, calculation.FromUpstream("fda.validate", err)
	}

	match := matchPackage(records, code)
	r.cache.Set(key, match, r.config.CacheTTL)
	return match, nil
}

func matchPackage(records []calculation.PackageRecord, code string) *calculation.PackageRecord {
	for i := range records {
		if records[i].PackageCode == code {
			return &records[i]
		}
	}
	normalized := NormalizeNDC(code)
	if normalized == "" {
		return nil
	}
	for i := range records {
		if records[i].NormalizedCode == normalized {
			return &records[i]
		}
	}
	return nil
}

// ProductPackages returns all packages listed for a labeler-product code
func (r *Registry) ProductPackages(ctx context.Context, productNDC string) ([]calculation.PackageRecord, error) {
	ctx, span := r.tracer.Start(ctx, "fda_product_packages",
		trace.WithAttributes(attribute.String("product_ndc", productNDC)))
	defer span.End()

	key := "fda:packages:" + productNDC
	if cached, ok := cache.GetAs[[]calculation.PackageRecord](r.cache, key); ok {
		return cached, nil
	}

	records, err := r.query(ctx, "fda.packages", `product_ndc:"`+productNDC+`"`)
	if err != nil {
		if isNotFound(err) {
			return []calculation.PackageRecord{}, nil
		}
		span.RecordError(err)
		return nil, calculation.FromUpstream("fda.packages", err)
	}
	if len(records) > 0 {
		r.cache.Set(key, records, r.config.CacheTTL)
	}
	return records, nil
}

// query runs one retried search and transforms its results
func (r *Registry) query(ctx context.Context, endpoint, search string) ([]calculation.PackageRecord, error) {
	url := r.config.BaseURL + "?" + httpclient.BuildQuery(map[string]string{
		"search": search,
		"limit":  strconv.Itoa(r.config.ResultsLimit),
	})

	policy := r.config.Retry
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		r.logger.Debug("retrying registry query",
			zap.String("query", search),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
	}

	resp, err := httpclient.Retry(ctx, policy, func(ctx context.Context) (*httpclient.Response, error) {
		return r.fetcher.Fetch(ctx, httpclient.Request{Provider: provider, Endpoint: endpoint, URL: url})
	})
	if err != nil {
		return nil, err
	}

	var payload searchResponse
	if err := json.Unmarshal(resp.Body, &payload); err != nil {
		return nil, calculation.Malformed(endpoint, "undecodable registry response", string(resp.Body), err)
	}
	return r.transform(payload.Results), nil
}

func isNotFound(err error) bool {
	var apiErr *httpclient.APIError
	return errors.As(err, &apiErr) && apiErr.IsNotFound()
}

// transform flattens product results into one record per packaging entry
func (r *Registry) transform(results []productResult) []calculation.PackageRecord {
	now := r.now()
	records := make([]calculation.PackageRecord, 0, len(results))
	for _, p := range results {
		expiration := ParseExpiration(p.ListingExpirationDate)
		active := IsActive(p.MarketingStatus, expiration, now)

		strengths := make([]string, 0, len(p.ActiveIngredients))
		for _, ing := range p.ActiveIngredients {
			strengths = append(strengths, strings.TrimSpace(ing.Name+" "+ing.Strength))
		}

		for _, pkg := range p.Packaging {
			size, unit := ParsePackageSize(pkg.Description)
			records = append(records, calculation.PackageRecord{
				PackageCode:        pkg.PackageNDC,
				NormalizedCode:     NormalizeNDC(pkg.PackageNDC),
				GenericName:        p.GenericName,
				BrandName:          p.BrandName,
				Manufacturer:       p.LabelerName,
				PackageDescription: pkg.Description,
				PackageSize:        size,
				PackageUnit:        unit,
				IsActive:           active,
				MarketingStatus:    p.MarketingStatus,
				DosageForm:         p.DosageForm,
				Route:              []string(p.Route),
				Strength:           strings.Join(strengths, ", "),
				ExpirationDate:     expiration,
			})
		}
	}
	return records
}
