// Package httpclient provides the bounded fetch and retry primitives shared by
// every upstream provider adapter.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-ndc/internal/observability/metrics"
	"github.com/drfirst/go-ndc/pkg/circuitbreaker"
)

const maxBodyBytes = 16 << 20

// Config holds client configuration
type Config struct {
	// Timeout bounds a single call when the request sets none
	Timeout time.Duration
	// UserAgent is sent on every request
	UserAgent string
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Timeout:   30 * time.Second,
		UserAgent: "go-ndc/1.0",
	}
}

// Request describes one upstream call
type Request struct {
	// Provider groups calls for breakers and metrics, e.g. "rxnorm"
	Provider string
	// Endpoint names the call in errors and logs, e.g. "rxnorm.approximateTerm"
	Endpoint string
	Method   string
	URL      string
	Header   http.Header
	Body     []byte
	Timeout  time.Duration
}

// Response is a fully read upstream response
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// DecodeJSON unmarshals the response body into v
func (r *Response) DecodeJSON(v any) error {
	return json.Unmarshal(r.Body, v)
}

// Client performs timeout-bounded calls through per-provider circuit breakers
type Client struct {
	http     *http.Client
	config   Config
	breakers *circuitbreaker.Manager
	metrics  *metrics.Metrics
	logger   *zap.Logger
	tracer   trace.Tracer
}

// New creates a client. breakers and m may be nil.
func New(cfg Config, logger *zap.Logger, breakers *circuitbreaker.Manager, m *metrics.Metrics) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	return &Client{
		http:     &http.Client{},
		config:   cfg,
		breakers: breakers,
		metrics:  m,
		logger:   logger,
		tracer:   otel.Tracer("httpclient"),
	}
}

// BreakerConfig adapts a breaker template so that only transient failures
// count against the breaker and transitions are exported to m.
func BreakerConfig(base circuitbreaker.Config, m *metrics.Metrics) circuitbreaker.Config {
	base.IsSuccessful = func(err error) bool {
		if err == nil {
			return true
		}
		var apiErr *APIError
		return errors.As(err, &apiErr) && apiErr.IsClientError() && !apiErr.IsTimeout()
	}
	base.OnStateChange = func(name string, to circuitbreaker.State) {
		m.SetBreakerState(name, to.Gauge())
	}
	return base
}

// Fetch performs req bounded by its timeout. A deadline yields a timeout
// APIError (408); a non-2xx status yields an APIError carrying the status,
// the endpoint and the body.
func (c *Client) Fetch(ctx context.Context, req Request) (*Response, error) {
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	if req.Endpoint == "" {
		req.Endpoint = req.Provider
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.config.Timeout
	}

	ctx, span := c.tracer.Start(ctx, "http_fetch",
		trace.WithAttributes(
			attribute.String("provider", req.Provider),
			attribute.String("endpoint", req.Endpoint),
			attribute.String("http.method", req.Method),
		))
	defer span.End()

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	run := func() (interface{}, error) { return c.do(callCtx, req) }

	var (
		out interface{}
		err error
	)
	if cb := c.breaker(req.Provider); cb != nil {
		out, err = cb.Execute(callCtx, run)
	} else {
		out, err = run()
	}

	c.metrics.ObserveUpstream(req.Provider, outcome(err), time.Since(start))
	if err != nil {
		span.RecordError(err)
		c.logger.Debug("upstream call failed",
			zap.String("endpoint", req.Endpoint),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
		return nil, err
	}

	resp := out.(*Response)
	span.SetAttributes(attribute.Int("http.status_code", resp.Status))
	return resp, nil
}

func (c *Client) breaker(provider string) *circuitbreaker.CircuitBreaker {
	if c.breakers == nil || provider == "" {
		return nil
	}
	cb, err := c.breakers.GetOrCreate(provider)
	if err != nil {
		c.logger.Warn("circuit breaker unavailable", zap.String("provider", provider), zap.Error(err))
		return nil
	}
	return cb
}

func (c *Client) do(ctx context.Context, req Request) (*Response, error) {
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", req.Endpoint, err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if httpReq.Header.Get("User-Agent") == "" && c.config.UserAgent != "" {
		httpReq.Header.Set("User-Agent", c.config.UserAgent)
	}
	if httpReq.Header.Get("Accept") == "" {
		httpReq.Header.Set("Accept", "application/json")
	}

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, transportError(ctx, req.Endpoint, err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, maxBodyBytes))
	if err != nil {
		return nil, transportError(ctx, req.Endpoint, err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return nil, &APIError{
			Status:   httpResp.StatusCode,
			Endpoint: req.Endpoint,
			Message:  http.StatusText(httpResp.StatusCode),
			Body:     truncate(string(data), 2048),
		}
	}

	return &Response{Status: httpResp.StatusCode, Header: httpResp.Header, Body: data}, nil
}

func transportError(ctx context.Context, endpoint string, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &APIError{Status: http.StatusRequestTimeout, Endpoint: endpoint, Message: "request timeout"}
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return fmt.Errorf("%s: %w", endpoint, context.Canceled)
	}
	return fmt.Errorf("%s: %w", endpoint, err)
}

func outcome(err error) string {
	if err == nil {
		return "success"
	}
	var apiErr *APIError
	switch {
	case errors.Is(err, circuitbreaker.ErrOpen):
		return "circuit_open"
	case errors.As(err, &apiErr) && apiErr.IsTimeout():
		return "timeout"
	case errors.As(err, &apiErr) && apiErr.IsClientError():
		return "client_error"
	case errors.As(err, &apiErr):
		return "server_error"
	default:
		return "transport_error"
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// BuildQuery encodes params as a query string with keys in sorted order.
// Empty values are omitted.
func BuildQuery(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k, v := range params {
		if v != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, url.QueryEscape(k)+"="+url.QueryEscape(params[k]))
	}
	return strings.Join(parts, "&")
}
