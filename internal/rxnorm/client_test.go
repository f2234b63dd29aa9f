package rxnorm

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/drfirst/go-ndc/internal/cache"
	"github.com/drfirst/go-ndc/internal/domain/calculation"
	"github.com/drfirst/go-ndc/internal/httpclient"
)

const approximateMetformin = `{
  "approximateGroup": {
    "inputTerm": "metformin",
    "candidate": [
      {"rxcui": "6809", "name": "metformin", "score": "100", "rank": "1"},
      {"rxcui": "861007", "name": "metformin hydrochloride 500 MG Oral Tablet", "score": "88", "rank": "2"},
      {"rxcui": "", "name": "orphan", "score": "50", "rank": "3"},
      {"rxcui": "861010", "name": "metformin hydrochloride 1000 MG Oral Tablet", "score": "80", "rank": "4"},
      {"rxcui": "861004", "name": "metformin hydrochloride 850 MG Oral Tablet", "score": "78", "rank": "5"},
      {"rxcui": "999999", "name": "too far down", "score": "70", "rank": "6"}
    ]
  }
}`

type mux struct {
	approximate http.HandlerFunc
	terms       http.HandlerFunc
	related     http.HandlerFunc
	calls       atomic.Int32
}

func (m *mux) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m.calls.Add(1)
	switch {
	case strings.HasSuffix(r.URL.Path, "/approximateTerm.json") && m.approximate != nil:
		m.approximate(w, r)
	case strings.HasSuffix(r.URL.Path, "/terms") && m.terms != nil:
		m.terms(w, r)
	case strings.HasSuffix(r.URL.Path, "/related.json") && m.related != nil:
		m.related(w, r)
	default:
		http.NotFound(w, r)
	}
}

func reply(status int, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
		w.Write([]byte(body))
	}
}

func newTestClient(t *testing.T, m *mux) (*Client, *cache.TTLCache) {
	t.Helper()
	srv := httptest.NewServer(m)
	t.Cleanup(srv.Close)

	cfg := DefaultConfig()
	cfg.BaseURL = srv.URL + "/REST"
	cfg.TermsURL = srv.URL + "/terms"
	cfg.Retry = httpclient.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}

	store := cache.New()
	return New(cfg, httpclient.New(httpclient.DefaultConfig(), nil, nil, nil), store, nil), store
}

func TestNormalize(t *testing.T) {
	m := &mux{approximate: func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("term") != "Metformin" || r.URL.Query().Get("maxEntries") != "10" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		w.Write([]byte(approximateMetformin))
	}}
	c, store := newTestClient(t, m)

	drug, err := c.Normalize(context.Background(), "  Metformin ")
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if drug.CanonicalID != "6809" || drug.CanonicalName != "metformin" {
		t.Errorf("best match = %s %s", drug.CanonicalID, drug.CanonicalName)
	}
	if drug.Confidence != calculation.ConfidenceHigh {
		t.Errorf("confidence = %s", drug.Confidence)
	}
	if drug.OriginalInput != "  Metformin " {
		t.Errorf("original input = %q", drug.OriginalInput)
	}

	// candidates 2..5 minus the one without an id
	if len(drug.Alternatives) != 3 {
		t.Fatalf("alternatives = %+v", drug.Alternatives)
	}
	for _, alt := range drug.Alternatives {
		if alt.CanonicalID == "" || alt.CanonicalID == "999999" {
			t.Errorf("unexpected alternative %+v", alt)
		}
	}

	if _, ok := store.Get("rxnorm:normalize:metformin"); !ok {
		t.Error("normalization not cached")
	}
	if _, err := c.Normalize(context.Background(), "METFORMIN"); err != nil {
		t.Fatal(err)
	}
	if m.calls.Load() != 1 {
		t.Errorf("calls = %d, cache should serve the second lookup", m.calls.Load())
	}
}

func TestNormalizeConfidenceLevels(t *testing.T) {
	tests := map[string]calculation.Confidence{
		"95":   calculation.ConfidenceHigh,
		"75.5": calculation.ConfidenceMedium,
		"12":   calculation.ConfidenceLow,
		"":     calculation.ConfidenceLow,
	}
	for score, want := range tests {
		body := `{"approximateGroup":{"candidate":[{"rxcui":"1","name":"x","score":"` + score + `"}]}}`
		c, _ := newTestClient(t, &mux{approximate: reply(http.StatusOK, body)})
		drug, err := c.Normalize(context.Background(), "drug-"+score)
		if err != nil {
			t.Fatalf("score %q: %v", score, err)
		}
		if drug.Confidence != want {
			t.Errorf("score %q: confidence = %s, want %s", score, drug.Confidence, want)
		}
	}
}

func TestNormalizeErrors(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		handler http.HandlerFunc
		kind    calculation.Kind
	}{
		{"too short", " a ", nil, calculation.KindValidation},
		{"no candidates", "zzzz", reply(http.StatusOK, `{"approximateGroup":{"inputTerm":"zzzz"}}`), calculation.KindNotFound},
		{"not found status", "zzzz", reply(http.StatusNotFound, ``), calculation.KindUpstreamClient},
		{"server error", "zzzz", reply(http.StatusServiceUnavailable, ``), calculation.KindUpstream},
		{"bad request", "zzzz", reply(http.StatusBadRequest, ``), calculation.KindUpstreamClient},
		{"malformed", "zzzz", reply(http.StatusOK, `not json`), calculation.KindMalformedResponse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestClient(t, &mux{approximate: tt.handler})
			_, err := c.Normalize(context.Background(), tt.input)
			if got := calculation.KindOf(err); got != tt.kind {
				t.Errorf("kind = %q, want %q (err %v)", got, tt.kind, err)
			}
		})
	}
}

func TestSearchPrefersRxTerms(t *testing.T) {
	m := &mux{
		terms: func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Query().Get("maxList") != "5" {
				t.Errorf("maxList = %s", r.URL.Query().Get("maxList"))
			}
			w.Write([]byte(`[3, ["ADVIL (Oral Liquid)", "ADVIL (Oral Pill)", "advil (oral pill)"],
				{"RXCUIS": [["731533"], ["731535", "731536"], ["1"]], "SXDG_RXCUI": ["", "1310503", ""]},
				[["ADVIL (Oral Liquid)"], ["ADVIL (Oral Pill)"], ["advil (oral pill)"]]]`))
		},
		approximate: func(w http.ResponseWriter, _ *http.Request) {
			t.Error("approximate fallback should not be called")
		},
	}
	c, _ := newTestClient(t, m)

	got := c.Search(context.Background(), "advil", 5)
	if len(got) != 2 {
		t.Fatalf("candidates = %+v", got)
	}
	if got[0].CanonicalID != "731533" || got[1].CanonicalID != "1310503" {
		t.Errorf("ids = %s %s", got[0].CanonicalID, got[1].CanonicalID)
	}
	if got[1].Rank != "2" || got[1].Score != "100" {
		t.Errorf("rank/score = %s/%s", got[1].Rank, got[1].Score)
	}
}

func TestSearchFallsBackToApproximate(t *testing.T) {
	m := &mux{
		terms:       reply(http.StatusInternalServerError, ``),
		approximate: reply(http.StatusOK, approximateMetformin),
	}
	c, _ := newTestClient(t, m)

	got := c.Search(context.Background(), "metformin", 3)
	if len(got) != 3 {
		t.Fatalf("candidates = %+v", got)
	}
	if got[0].Name != "metformin" {
		t.Errorf("first = %+v", got[0])
	}
}

func TestSearchNeverFails(t *testing.T) {
	m := &mux{
		terms:       reply(http.StatusBadGateway, ``),
		approximate: reply(http.StatusBadGateway, ``),
	}
	c, store := newTestClient(t, m)

	got := c.Search(context.Background(), "metformin", 10)
	if got == nil || len(got) != 0 {
		t.Errorf("got %v, want empty", got)
	}
	if _, ok := store.Get("rxnorm:search:metformin:10"); ok {
		t.Error("failed search must not be cached")
	}
	if got := c.Search(context.Background(), "m", 10); len(got) != 0 {
		t.Errorf("short term = %v", got)
	}
}

func TestIngredientName(t *testing.T) {
	m := &mux{related: func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "/rxcui/861007/") {
			http.Error(w, "", http.StatusBadRequest)
			return
		}
		if r.URL.Query().Get("tty") != "IN PIN" {
			t.Errorf("tty = %q", r.URL.Query().Get("tty"))
		}
		w.Write([]byte(`{"relatedGroup":{"conceptGroup":[
			{"tty":"PIN","conceptProperties":[{"rxcui":"235743","name":"Metformin Hydrochloride"}]},
			{"tty":"IN","conceptProperties":[{"rxcui":"6809","name":"Metformin"}]}
		]}}`))
	}}
	c, _ := newTestClient(t, m)

	name, ok := c.IngredientName(context.Background(), "861007")
	if !ok || name != "metformin" {
		t.Errorf("IngredientName = %q, %v", name, ok)
	}

	if name, ok := c.IngredientName(context.Background(), "209459"); ok || name != "" {
		t.Errorf("brand without ingredients = %q, %v", name, ok)
	}
	if _, ok := c.IngredientName(context.Background(), ""); ok {
		t.Error("empty rxcui should not resolve")
	}
}

func TestParseTermsRejectsShortReply(t *testing.T) {
	if _, err := parseTerms([]byte(`[0, []]`)); err == nil {
		t.Error("expected error for truncated reply")
	}
	got, err := parseTerms([]byte(`[1, ["X"], null, ["X"]]`))
	if err != nil || len(got) != 1 || got[0].Name != "X" || got[0].CanonicalID != "" {
		t.Errorf("parseTerms = %+v, %v", got, err)
	}
}
