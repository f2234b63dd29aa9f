package httpclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/drfirst/go-ndc/internal/observability/metrics"
	"github.com/drfirst/go-ndc/pkg/circuitbreaker"
)

func fastPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}
}

func TestFetchReturnsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") == "" {
			t.Error("missing user agent")
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := New(DefaultConfig(), nil, nil, nil)
	resp, err := c.Fetch(context.Background(), Request{Provider: "test", URL: srv.URL})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	var body struct{ OK bool }
	if err := resp.DecodeJSON(&body); err != nil || !body.OK {
		t.Fatalf("decode: %v %+v", err, body)
	}
}

func TestFetchNon2xxIsTyped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(DefaultConfig(), nil, nil, nil)
	_, err := c.Fetch(context.Background(), Request{Provider: "fda", Endpoint: "fda.search", URL: srv.URL})

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != http.StatusServiceUnavailable || apiErr.Endpoint != "fda.search" {
		t.Errorf("unexpected error fields: %+v", apiErr)
	}
	if apiErr.Body == "" {
		t.Error("body not attached")
	}
}

func TestFetchTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := New(DefaultConfig(), nil, nil, nil)
	_, err := c.Fetch(context.Background(), Request{Provider: "slow", URL: srv.URL, Timeout: 20 * time.Millisecond})

	var apiErr *APIError
	if !errors.As(err, &apiErr) || !apiErr.IsTimeout() {
		t.Fatalf("expected timeout APIError, got %v", err)
	}
	if ShouldRetry(err) {
		t.Error("timeouts are client errors and must not be retried")
	}
}

func TestRetryNeverRetriesClientErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c := New(DefaultConfig(), nil, nil, nil)
	_, err := Retry(context.Background(), fastPolicy(), func(ctx context.Context) (*Response, error) {
		return c.Fetch(ctx, Request{Provider: "rxnorm", URL: srv.URL})
	})

	var apiErr *APIError
	if !errors.As(err, &apiErr) || !apiErr.IsNotFound() {
		t.Fatalf("expected 404, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
}

func TestRetryServerErrorsUntilSuccess(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	var retries []int
	p := fastPolicy()
	p.OnRetry = func(attempt int, err error, delay time.Duration) { retries = append(retries, attempt) }

	c := New(DefaultConfig(), nil, nil, nil)
	_, err := Retry(context.Background(), p, func(ctx context.Context) (*Response, error) {
		return c.Fetch(ctx, Request{Provider: "fda", URL: srv.URL})
	})
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Errorf("calls = %d, want 3", got)
	}
	if len(retries) != 2 || retries[0] != 1 || retries[1] != 2 {
		t.Errorf("retries = %v", retries)
	}
}

func TestRetryExhaustionReturnsLastError(t *testing.T) {
	calls := 0
	_, err := Retry(context.Background(), fastPolicy(), func(ctx context.Context) (int, error) {
		calls++
		return 0, &APIError{Status: 500 + calls, Endpoint: "x"}
	})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != 503 {
		t.Fatalf("expected last error (503), got %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetryStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, err := Retry(ctx, RetryPolicy{MaxAttempts: 5, BaseDelay: time.Hour}, func(ctx context.Context) (int, error) {
		calls++
		cancel()
		return 0, errors.New("transient")
	})
	if err == nil || calls != 1 {
		t.Fatalf("calls = %d err = %v", calls, err)
	}
}

func TestRetryPolicyDelay(t *testing.T) {
	p := RetryPolicy{BaseDelay: time.Second}
	for attempt, want := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second} {
		if got := p.Delay(attempt); got != want {
			t.Errorf("Delay(%d) = %v, want %v", attempt, got, want)
		}
	}
}

func TestShouldRetry(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"bad request", &APIError{Status: 400}, false},
		{"not found", &APIError{Status: 404}, false},
		{"too many requests", &APIError{Status: 429}, false},
		{"server error", &APIError{Status: 500}, true},
		{"transport", errors.New("connection reset"), true},
		{"cancelled", context.Canceled, false},
		{"breaker open", circuitbreaker.ErrOpen, false},
	}
	for _, tt := range tests {
		if got := ShouldRetry(tt.err); got != tt.want {
			t.Errorf("%s: ShouldRetry = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestBreakerIgnoresClientErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	tmpl := circuitbreaker.DefaultConfig("")
	tmpl.FailureThreshold = 2
	m := metrics.NewWithRegistry(prometheus.NewRegistry())
	breakers := circuitbreaker.NewManager(BreakerConfig(tmpl, m), nil)
	c := New(DefaultConfig(), nil, breakers, m)

	for i := 0; i < 5; i++ {
		_, err := c.Fetch(context.Background(), Request{Provider: "fda", URL: srv.URL})
		if errors.Is(err, circuitbreaker.ErrOpen) {
			t.Fatalf("breaker opened on 404s after %d calls", i)
		}
	}
	if got := atomic.LoadInt32(&calls); got != 5 {
		t.Errorf("calls = %d, want 5", got)
	}
	if got := testutil.ToFloat64(m.UpstreamRequests.WithLabelValues("fda", "client_error")); got != 5 {
		t.Errorf("client_error count = %v, want 5", got)
	}
}

func TestBreakerOpensOnServerErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	tmpl := circuitbreaker.DefaultConfig("")
	tmpl.FailureThreshold = 2
	m := metrics.NewWithRegistry(prometheus.NewRegistry())
	breakers := circuitbreaker.NewManager(BreakerConfig(tmpl, m), nil)
	c := New(DefaultConfig(), nil, breakers, m)

	c.Fetch(context.Background(), Request{Provider: "openai", URL: srv.URL})
	c.Fetch(context.Background(), Request{Provider: "openai", URL: srv.URL})
	_, err := c.Fetch(context.Background(), Request{Provider: "openai", URL: srv.URL})
	if !errors.Is(err, circuitbreaker.ErrOpen) {
		t.Fatalf("expected open breaker, got %v", err)
	}
	if got := testutil.ToFloat64(m.CircuitBreakerState.WithLabelValues("openai")); got != 1 {
		t.Errorf("breaker gauge = %v, want 1", got)
	}
}

func TestBuildQuery(t *testing.T) {
	got := BuildQuery(map[string]string{"term": "metformin 500", "maxEntries": "10", "empty": ""})
	want := "maxEntries=10&term=metformin+500"
	if got != want {
		t.Errorf("BuildQuery = %q, want %q", got, want)
	}
}
