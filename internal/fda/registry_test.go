package fda

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/drfirst/go-ndc/internal/cache"
	"github.com/drfirst/go-ndc/internal/domain/calculation"
	"github.com/drfirst/go-ndc/internal/httpclient"
)

const metforminResponse = `{
  "results": [{
    "product_ndc": "0093-1048",
    "generic_name": "METFORMIN HYDROCHLORIDE",
    "brand_name": "Metformin",
    "labeler_name": "Teva",
    "dosage_form": "TABLET",
    "route": ["ORAL"],
    "marketing_status": "Prescription",
    "listing_expiration_date": "20991231",
    "active_ingredients": [{"name": "METFORMIN HYDROCHLORIDE", "strength": "500 mg/1"}],
    "packaging": [
      {"package_ndc": "0093-1048-01", "description": "100 TABLET in 1 BOTTLE"},
      {"package_ndc": "0093-1048-05", "description": "500 TABLET in 1 BOTTLE"}
    ]
  }, {
    "product_ndc": "0093-7212",
    "generic_name": "METFORMIN HYDROCHLORIDE",
    "labeler_name": "Teva",
    "dosage_form": "TABLET",
    "route": "ORAL",
    "marketing_status": "Discontinued",
    "packaging": [
      {"package_ndc": "0093-7212-01", "description": "90 TABLET in 1 BOTTLE"}
    ]
  }]
}`

// fakeRegistry serves scripted responses keyed by the search query
type fakeRegistry struct {
	mu      sync.Mutex
	queries []string
	respond func(search string) (int, string)
}

func (f *fakeRegistry) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	search := r.URL.Query().Get("search")
	f.mu.Lock()
	f.queries = append(f.queries, search)
	f.mu.Unlock()

	status, body := f.respond(search)
	w.WriteHeader(status)
	w.Write([]byte(body))
}

func (f *fakeRegistry) Queries() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.queries...)
}

type staticIngredients map[string]string

func (s staticIngredients) IngredientName(_ context.Context, rxcui string) (string, bool) {
	name, ok := s[rxcui]
	return name, ok
}

func newTestRegistry(t *testing.T, f *fakeRegistry, ingredients IngredientResolver) (*Registry, *cache.TTLCache) {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)

	cfg := DefaultConfig()
	cfg.BaseURL = srv.URL
	cfg.Retry = httpclient.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}

	store := cache.New()
	client := httpclient.New(httpclient.DefaultConfig(), nil, nil, nil)
	return New(cfg, client, store, ingredients, nil), store
}

func TestSearchByDrugNameFirstStrategyWins(t *testing.T) {
	f := &fakeRegistry{respond: func(string) (int, string) { return http.StatusOK, metforminResponse }}
	reg, store := newTestRegistry(t, f, nil)

	records, err := reg.SearchByDrugName(context.Background(), "Metformin (Oral Pill)", "")
	if err != nil {
		t.Fatalf("SearchByDrugName: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("records = %d, want 3", len(records))
	}

	first := records[0]
	if first.PackageCode != "0093-1048-01" || first.NormalizedCode != "00093104801" {
		t.Errorf("codes = %s / %s", first.PackageCode, first.NormalizedCode)
	}
	if first.PackageSize != 100 || first.PackageUnit != "TABLET" || !first.IsActive {
		t.Errorf("unexpected first record: %+v", first)
	}
	if first.Strength != "METFORMIN HYDROCHLORIDE 500 mg/1" || first.Manufacturer != "Teva" {
		t.Errorf("strength/manufacturer = %q / %q", first.Strength, first.Manufacturer)
	}
	if records[2].IsActive {
		t.Error("discontinued package must be inactive")
	}
	if len(records[2].Route) != 1 || records[2].Route[0] != "ORAL" {
		t.Errorf("single string route not decoded: %v", records[2].Route)
	}

	if q := f.Queries(); len(q) != 1 || q[0] != `generic_name:"metformin"` {
		t.Errorf("queries = %v", q)
	}
	if _, ok := store.Get("fda:search:metformin"); !ok {
		t.Error("results not cached")
	}

	if _, err := reg.SearchByDrugName(context.Background(), "metformin", ""); err != nil {
		t.Fatal(err)
	}
	if len(f.Queries()) != 1 {
		t.Error("second search should be served from cache")
	}
}

func TestSearchByDrugNameFallsThroughToIngredient(t *testing.T) {
	f := &fakeRegistry{respond: func(search string) (int, string) {
		if search == `generic_name:"metformin"` {
			return http.StatusOK, metforminResponse
		}
		return http.StatusNotFound, `{"error":{"code":"NOT_FOUND"}}`
	}}
	reg, store := newTestRegistry(t, f, staticIngredients{"861007": "metformin"})

	records, err := reg.SearchByDrugName(context.Background(), "Glucophage", "861007")
	if err != nil {
		t.Fatalf("SearchByDrugName: %v", err)
	}
	if len(records) == 0 {
		t.Fatal("expected ingredient strategy to find records")
	}

	want := []string{
		`generic_name:"glucophage"`,
		`generic_name:glucophage`,
		`brand_name:"glucophage"`,
		`generic_name:"GLUCOPHAGE"`,
		`generic_name:"metformin"`,
	}
	if got := f.Queries(); strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("queries = %v, want %v", got, want)
	}
	if _, ok := store.Get("fda:search:glucophage:861007"); !ok {
		t.Error("cache key should include the rxcui")
	}
}

func TestSearchByDrugNamePure404ChainIsEmpty(t *testing.T) {
	f := &fakeRegistry{respond: func(string) (int, string) { return http.StatusNotFound, `{}` }}
	reg, _ := newTestRegistry(t, f, nil)

	records, err := reg.SearchByDrugName(context.Background(), "nonexistent drug", "")
	if err != nil {
		t.Fatalf("pure 404 chain must not fail: %v", err)
	}
	if records == nil || len(records) != 0 {
		t.Errorf("records = %v, want empty slice", records)
	}
	if got := len(f.Queries()); got != 5 {
		t.Errorf("queries = %d, want one per strategy (5), no retries", got)
	}
}

func TestSearchByDrugNameRecordedFailureIsUpstreamError(t *testing.T) {
	f := &fakeRegistry{respond: func(search string) (int, string) {
		if strings.HasPrefix(search, "brand_name") {
			return http.StatusInternalServerError, `oops`
		}
		return http.StatusNotFound, `{}`
	}}
	reg, _ := newTestRegistry(t, f, nil)

	_, err := reg.SearchByDrugName(context.Background(), "metformin", "")
	if !calculation.IsKind(err, calculation.KindUpstream) {
		t.Fatalf("expected upstream error, got %v", err)
	}

	brandCalls := 0
	for _, q := range f.Queries() {
		if strings.HasPrefix(q, "brand_name") {
			brandCalls++
		}
	}
	if brandCalls != 3 {
		t.Errorf("5xx strategy should be retried 3 times, got %d", brandCalls)
	}
}

func TestSearchByDrugNameMalformedIsRecorded(t *testing.T) {
	f := &fakeRegistry{respond: func(string) (int, string) { return http.StatusOK, `<html>` }}
	reg, _ := newTestRegistry(t, f, nil)

	_, err := reg.SearchByDrugName(context.Background(), "metformin", "")
	if !calculation.IsKind(err, calculation.KindUpstream) {
		t.Fatalf("expected upstream error, got %v", err)
	}
}

func TestSearchByDrugNameRequiresName(t *testing.T) {
	reg, _ := newTestRegistry(t, &fakeRegistry{respond: func(string) (int, string) { return 200, `{}` }}, nil)
	_, err := reg.SearchByDrugName(context.Background(), " (Tablet) ", "")
	if !calculation.IsKind(err, calculation.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestValidateByCode(t *testing.T) {
	f := &fakeRegistry{respond: func(search string) (int, string) {
		if search == `product_ndc:"0093-1048"` {
			return http.StatusOK, metforminResponse
		}
		return http.StatusNotFound, `{}`
	}}
	reg, store := newTestRegistry(t, f, nil)
	ctx := context.Background()

	rec, err := reg.ValidateByCode(ctx, "0093-1048-05")
	if err != nil || rec == nil {
		t.Fatalf("ValidateByCode = %v, %v", rec, err)
	}
	if rec.PackageSize != 500 {
		t.Errorf("matched wrong package: %+v", rec)
	}

	rec, err = reg.ValidateByCode(ctx, "0093-1048-1")
	if err != nil || rec == nil || rec.PackageCode != "0093-1048-01" {
		t.Fatalf("normalized match failed: %v, %v", rec, err)
	}

	rec, err = reg.ValidateByCode(ctx, "1111-2222-33")
	if err != nil || rec != nil {
		t.Fatalf("unknown code = %v, %v", rec, err)
	}
	v, ok := store.Get("fda:ndc:1111-2222-33")
	if !ok {
		t.Fatal("negative result not cached")
	}
	if p, _ := v.(*calculation.PackageRecord); p != nil {
		t.Errorf("negative cache entry = %v", p)
	}

	before := len(f.Queries())
	if rec, err := reg.ValidateByCode(ctx, "1111-2222-33"); err != nil || rec != nil {
		t.Fatalf("cached negative = %v, %v", rec, err)
	}
	if len(f.Queries()) != before {
		t.Error("negative result should be served from cache")
	}
}

func TestValidateByCodeSurfacesServerErrors(t *testing.T) {
	f := &fakeRegistry{respond: func(string) (int, string) { return http.StatusBadGateway, `` }}
	reg, _ := newTestRegistry(t, f, nil)

	_, err := reg.ValidateByCode(context.Background(), "0093-1048-01")
	if !calculation.IsKind(err, calculation.KindUpstream) {
		t.Fatalf("expected upstream error, got %v", err)
	}
}

func TestProductPackages(t *testing.T) {
	f := &fakeRegistry{respond: func(string) (int, string) { return http.StatusOK, metforminResponse }}
	reg, _ := newTestRegistry(t, f, nil)

	records, err := reg.ProductPackages(context.Background(), "0093-1048")
	if err != nil || len(records) != 3 {
		t.Fatalf("ProductPackages = %d, %v", len(records), err)
	}
	if q := f.Queries(); q[0] != `product_ndc:"0093-1048"` {
		t.Errorf("query = %s", q[0])
	}
}
