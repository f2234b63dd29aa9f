// Package rxnorm resolves free-text drug names to canonical RxNorm concepts
// and serves drug name autocomplete.
package rxnorm

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/drfirst/go-ndc/internal/cache"
	"github.com/drfirst/go-ndc/internal/domain/calculation"
	"github.com/drfirst/go-ndc/internal/fda"
	"github.com/drfirst/go-ndc/internal/httpclient"
)

const (
	provider      = "rxnorm"
	termsProvider = "rxterms"

	// MinTermLength is the shortest name worth sending upstream
	MinTermLength = 2
	maxAlternates = 4
)

// Config holds normalization service configuration
type Config struct {
	// BaseURL is the RxNav REST root
	BaseURL string
	// TermsURL is the RxTerms autocomplete search endpoint
	TermsURL     string
	MaxEntries   int
	Retry        httpclient.RetryPolicy
	NormalizeTTL time.Duration
	SearchTTL    time.Duration
}

// DefaultConfig returns the public NLM endpoints
func DefaultConfig() Config {
	return Config{
		BaseURL:      "https://rxnav.nlm.nih.gov/REST",
		TermsURL:     "https://clinicaltables.nlm.nih.gov/api/rxterms/v3/search",
		MaxEntries:   10,
		Retry:        httpclient.DefaultRetryPolicy(),
		NormalizeTTL: cache.NormalizationTTL,
		SearchTTL:    cache.AutocompleteTTL,
	}
}

// Fetcher performs one bounded upstream call
type Fetcher interface {
	Fetch(ctx context.Context, req httpclient.Request) (*httpclient.Response, error)
}

// Candidate is one autocomplete suggestion
type Candidate struct {
	CanonicalID string `json:"rxcui"`
	Name        string `json:"name"`
	Score       string `json:"score"`
	Rank        string `json:"rank"`
}

// Client talks to RxNav and RxTerms
type Client struct {
	config  Config
	fetcher Fetcher
	cache   cache.Store
	logger  *zap.Logger
	tracer  trace.Tracer
}

var _ fda.IngredientResolver = (*Client)(nil)

var lower = cases.Lower(language.Und)

// New creates a normalization client
func New(cfg Config, fetcher Fetcher, store cache.Store, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10
	}
	if cfg.NormalizeTTL <= 0 {
		cfg.NormalizeTTL = cache.NormalizationTTL
	}
	if cfg.SearchTTL <= 0 {
		cfg.SearchTTL = cache.AutocompleteTTL
	}
	return &Client{
		config:  cfg,
		fetcher: fetcher,
		cache:   store,
		logger:  logger,
		tracer:  otel.Tracer("rxnorm-client"),
	}
}

// Normalize maps a drug name to its best-matching concept. The top candidate
// supplies the id, name and confidence; the next few well-formed candidates
// become alternatives.
func (c *Client) Normalize(ctx context.Context, drugName string) (*calculation.NormalizedDrug, error) {
	ctx, span := c.tracer.Start(ctx, "rxnorm_normalize",
		trace.WithAttributes(attribute.String("drug_name", drugName)))
	defer span.End()

	name := strings.TrimSpace(drugName)
	if len([]rune(name)) < MinTermLength {
		return nil, calculation.Errorf(calculation.KindValidation, "rxnorm.normalize",
			"drug name must be at least %d characters", MinTermLength)
	}

	key := "rxnorm:normalize:" + lower.String(name)
	if cached, ok := cache.GetAs[*calculation.NormalizedDrug](c.cache, key); ok {
		return cached, nil
	}

	candidates, err := c.approximate(ctx, "rxnorm.normalize", name, c.config.MaxEntries, c.config.Retry)
	if err != nil {
		span.RecordError(err)
		return nil, calculation.FromUpstream("rxnorm.normalize", err)
	}
	if len(candidates) == 0 {
		return nil, calculation.Errorf(calculation.KindNotFound, "rxnorm.normalize",
			"no matching drug found for %q", name)
	}

	best := candidates[0]
	normalized := &calculation.NormalizedDrug{
		CanonicalID:   best.RxCUI,
		CanonicalName: best.Name,
		OriginalInput: drugName,
		Confidence:    calculation.ConfidenceFromScore(parseScore(best.Score)),
		Alternatives:  make([]calculation.Alternative, 0, maxAlternates),
	}
	for _, alt := range candidates[1:min(len(candidates), 1+maxAlternates)] {
		if alt.RxCUI == "" || alt.Name == "" || alt.Score == "" {
			continue
		}
		normalized.Alternatives = append(normalized.Alternatives, calculation.Alternative{
			CanonicalID: alt.RxCUI,
			Name:        alt.Name,
			Score:       alt.Score,
		})
	}

	c.cache.Set(key, normalized, c.config.NormalizeTTL)
	span.SetAttributes(
		attribute.String("rxcui", normalized.CanonicalID),
		attribute.String("confidence", string(normalized.Confidence)))
	c.logger.Debug("normalized drug name",
		zap.String("drug_name", name),
		zap.String("rxcui", normalized.CanonicalID),
		zap.String("confidence", string(normalized.Confidence)))

	return normalized, nil
}

func parseScore(s string) float64 {
	score, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return score
}

// Search returns autocomplete candidates for term. RxTerms is asked first and
// approximate matching is the fallback. Failures yield an empty list.
func (c *Client) Search(ctx context.Context, term string, limit int) []Candidate {
	ctx, span := c.tracer.Start(ctx, "rxnorm_search",
		trace.WithAttributes(attribute.String("term", term)))
	defer span.End()

	term = strings.TrimSpace(term)
	if len([]rune(term)) < MinTermLength {
		return []Candidate{}
	}
	if limit <= 0 {
		limit = c.config.MaxEntries
	}

	key := "rxnorm:search:" + lower.String(term) + ":" + strconv.Itoa(limit)
	if cached, ok := cache.GetAs[[]Candidate](c.cache, key); ok {
		return cached
	}

	source := termsProvider
	candidates, termsErr := c.searchTerms(ctx, term, limit)
	if termsErr != nil {
		c.logger.Warn("rxterms search failed, falling back to approximate match",
			zap.String("term", term),
			zap.Error(termsErr))
	}

	var approxErr error
	if len(candidates) == 0 {
		source = provider
		var approx []approximateCandidate
		approx, approxErr = c.approximate(ctx, "rxnorm.search", term, limit, httpclient.RetryPolicy{MaxAttempts: 1})
		if approxErr != nil {
			c.logger.Warn("approximate search failed",
				zap.String("term", term),
				zap.Error(approxErr))
		}
		candidates = make([]Candidate, 0, len(approx))
		for _, a := range approx {
			candidates = append(candidates, Candidate{CanonicalID: a.RxCUI, Name: a.Name, Score: a.Score, Rank: a.Rank})
		}
	}

	candidates = dedupe(candidates, limit)
	if termsErr == nil || approxErr == nil {
		c.cache.Set(key, candidates, c.config.SearchTTL)
	}

	span.SetAttributes(attribute.String("source", source), attribute.Int("results", len(candidates)))
	return candidates
}

// dedupe drops nameless and repeated names (case-insensitive), keeping at most limit
func dedupe(candidates []Candidate, limit int) []Candidate {
	seen := make(map[string]struct{}, len(candidates))
	out := make([]Candidate, 0, min(len(candidates), limit))
	for _, c := range candidates {
		if c.Name == "" {
			continue
		}
		k := lower.String(c.Name)
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, c)
		if len(out) == limit {
			break
		}
	}
	return out
}

// IngredientName resolves the ingredient (IN) or precise ingredient (PIN)
// name for a concept, cleaned for registry searches.
func (c *Client) IngredientName(ctx context.Context, rxcui string) (string, bool) {
	ctx, span := c.tracer.Start(ctx, "rxnorm_ingredient_name",
		trace.WithAttributes(attribute.String("rxcui", rxcui)))
	defer span.End()

	rxcui = strings.TrimSpace(rxcui)
	if rxcui == "" {
		return "", false
	}

	key := "rxnorm:ingredient:" + rxcui
	if cached, ok := cache.GetAs[string](c.cache, key); ok {
		return cached, cached != ""
	}

	endpoint := c.config.BaseURL + "/rxcui/" + url.PathEscape(rxcui) + "/related.json?" +
		httpclient.BuildQuery(map[string]string{"tty": "IN PIN"})
	resp, err := c.fetcher.Fetch(ctx, httpclient.Request{Provider: provider, Endpoint: "rxnorm.related", URL: endpoint})
	if err != nil {
		// 400 means the concept has no related ingredients, common for brands
		c.logger.Debug("ingredient lookup failed",
			zap.String("rxcui", rxcui),
			zap.Error(err))
		return "", false
	}

	var payload relatedResponse
	if err := resp.DecodeJSON(&payload); err != nil {
		c.logger.Warn("undecodable related concepts response",
			zap.String("rxcui", rxcui),
			zap.Error(err))
		return "", false
	}

	name := payload.ingredient()
	if name != "" {
		name = fda.CleanDrugName(name)
	}
	c.cache.Set(key, name, c.config.NormalizeTTL)
	return name, name != ""
}

func (c *Client) approximate(ctx context.Context, op, term string, limit int, policy httpclient.RetryPolicy) ([]approximateCandidate, error) {
	endpoint := c.config.BaseURL + "/approximateTerm.json?" + httpclient.BuildQuery(map[string]string{
		"term":       term,
		"maxEntries": strconv.Itoa(limit),
	})

	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		c.logger.Debug("retrying approximate term lookup",
			zap.String("term", term),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
	}
	resp, err := httpclient.Retry(ctx, policy, func(ctx context.Context) (*httpclient.Response, error) {
		return c.fetcher.Fetch(ctx, httpclient.Request{Provider: provider, Endpoint: op, URL: endpoint})
	})
	if err != nil {
		return nil, err
	}

	var payload approximateResponse
	if err := json.Unmarshal(resp.Body, &payload); err != nil {
		return nil, calculation.Malformed(op, "undecodable approximate term response", string(resp.Body), err)
	}
	return payload.ApproximateGroup.Candidate, nil
}

func (c *Client) searchTerms(ctx context.Context, term string, limit int) ([]Candidate, error) {
	endpoint := c.config.TermsURL + "?" + httpclient.BuildQuery(map[string]string{
		"terms":   term,
		"maxList": strconv.Itoa(limit),
		"ef":      "RXCUIS,SXDG_RXCUI",
	})
	resp, err := c.fetcher.Fetch(ctx, httpclient.Request{Provider: termsProvider, Endpoint: "rxterms.search", URL: endpoint})
	if err != nil {
		return nil, err
	}
	return parseTerms(resp.Body)
}
