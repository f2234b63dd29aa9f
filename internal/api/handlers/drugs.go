package handlers

import (
	"context"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/drfirst/go-ndc/internal/domain/calculation"
	"github.com/drfirst/go-ndc/internal/fda"
	"github.com/drfirst/go-ndc/internal/rxnorm"
)

var ndcPattern = regexp.MustCompile(`^(\d{10,11}|\d{1,5}(-\d{1,4}){1,2})$`)

const (
	defaultSuggestions = 10
	maxSuggestions     = 25
)

// DrugSearcher provides drug name autocomplete
type DrugSearcher interface {
	Search(ctx context.Context, term string, limit int) []rxnorm.Candidate
}

// PackageLookup resolves a single package code
type PackageLookup interface {
	ValidateByCode(ctx context.Context, code string) (*calculation.PackageRecord, error)
}

// DrugHandler serves autocomplete and package code lookups
type DrugHandler struct {
	searcher DrugSearcher
	packages PackageLookup
	logger   *zap.Logger
}

// NewDrugHandler creates a new handler
func NewDrugHandler(searcher DrugSearcher, packages PackageLookup, logger *zap.Logger) *DrugHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DrugHandler{searcher: searcher, packages: packages, logger: logger}
}

// DrugRoutes returns the /drugs routes
func (h *DrugHandler) DrugRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/search", h.Search)
	return r
}

// NDCRoutes returns the /ndc routes
func (h *DrugHandler) NDCRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/{code}", h.Lookup)
	return r
}

// Search handles GET /drugs/search?term=&max=. Failures upstream yield an
// empty list, never an error.
func (h *DrugHandler) Search(w http.ResponseWriter, r *http.Request) {
	term := strings.TrimSpace(r.URL.Query().Get("term"))
	limit := defaultSuggestions
	if raw := r.URL.Query().Get("max"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeCalculationError(w, r, h.logger, calculation.NewError(calculation.KindValidation, "search", "max must be a positive integer"))
			return
		}
		limit = min(n, maxSuggestions)
	}

	suggestions := h.searcher.Search(r.Context(), term, limit)
	if suggestions == nil {
		suggestions = []rxnorm.Candidate{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"term": term, "suggestions": suggestions})
}

// LookupResponse describes a package code lookup
type LookupResponse struct {
	Code       string                     `json:"ndc"`
	Normalized string                     `json:"ndc11"`
	Package    *calculation.PackageRecord `json:"package"`
}

// Lookup handles GET /ndc/{code}. Unknown codes are 404.
func (h *DrugHandler) Lookup(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	if !ndcPattern.MatchString(code) {
		writeCalculationError(w, r, h.logger, calculation.Errorf(calculation.KindValidation, "ndc", "%q is not a package code", code))
		return
	}

	record, err := h.packages.ValidateByCode(r.Context(), code)
	if err != nil {
		writeCalculationError(w, r, h.logger, err)
		return
	}
	if record == nil {
		writeCalculationError(w, r, h.logger, calculation.Errorf(calculation.KindNotFound, "ndc", "package %s not found", code))
		return
	}
	writeJSON(w, http.StatusOK, LookupResponse{Code: code, Normalized: fda.NormalizeNDC(code), Package: record})
}
