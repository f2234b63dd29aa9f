package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/drfirst/go-ndc/internal/config"
)

func TestRetryPolicy(t *testing.T) {
	p := RetryPolicy(&config.Config{})
	if p.MaxAttempts != 3 || p.BaseDelay != time.Second {
		t.Errorf("defaults = %+v", p)
	}

	p = RetryPolicy(&config.Config{RetryMaxAttempts: 5, RetryBaseDelay: 10 * time.Millisecond})
	if p.MaxAttempts != 5 || p.BaseDelay != 10*time.Millisecond {
		t.Errorf("overrides = %+v", p)
	}
}

func TestNewServicesUsesConfiguredEndpoints(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Write([]byte(`[1, ["METFORMIN (Oral Pill)"], {"RXCUIS": [["861007"]], "SXDG_RXCUI": ["6809"]}, [["METFORMIN (Oral Pill)"]]]`))
	}))
	defer srv.Close()

	s := NewServices(&config.Config{
		RxTermsBaseURL:     srv.URL,
		RxNormBaseURL:      srv.URL,
		RetryMaxAttempts:   1,
		HTTPTimeout:        time.Second,
		CacheSweepInterval: time.Minute,
	}, nil, nil)
	if s.Calculator == nil || s.FDA == nil || s.Reasoning == nil {
		t.Fatal("pipeline not wired")
	}
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	got := s.RxNorm.Search(context.Background(), "metf", 5)
	if hits == 0 || len(got) != 1 || got[0].CanonicalID != "6809" {
		t.Errorf("hits = %d, candidates = %+v", hits, got)
	}

	// the shared cache answers the repeat
	s.RxNorm.Search(context.Background(), "metf", 5)
	if hits != 1 {
		t.Errorf("repeat search reached upstream: %d hits", hits)
	}
	if s.Cache.Stats().Size == 0 {
		t.Error("cache is empty")
	}
}
