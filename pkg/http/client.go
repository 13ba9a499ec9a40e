// Package http provides a reusable HTTP client with resilience features
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"pricestream/pkg/telemetry"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// APIError represents an API error response
type APIError struct {
	StatusCode int
	Body       []byte
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error: status=%d body=%s", e.StatusCode, string(e.Body))
}

// Signer is an interface for signing requests
type Signer interface {
	SignRequest(req *http.Request) error
}

// StaticHeaders signs every request with a fixed set of headers
type StaticHeaders map[string]string

func (h StaticHeaders) SignRequest(req *http.Request) error {
	for k, v := range h {
		req.Header.Set(k, v)
	}
	return nil
}

// Config tunes the resilience pipeline
type Config struct {
	Timeout      time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
	MaxBackoff   time.Duration
	BreakerDelay time.Duration
}

// DefaultConfig returns the standard client settings
func DefaultConfig() Config {
	return Config{
		Timeout:      5 * time.Second,
		MaxRetries:   3,
		RetryBackoff: 100 * time.Millisecond,
		MaxBackoff:   2 * time.Second,
		BreakerDelay: 10 * time.Second,
	}
}

// response is a fully read reply, so retried attempts never leak bodies
type response struct {
	status int
	body   []byte
}

// Client is a wrapper around http.Client with resilience
type Client struct {
	client   *http.Client
	baseURL  string
	signer   Signer
	pipeline failsafe.Executor[*response]
	breaker  circuitbreaker.CircuitBreaker[*response]

	// OTel
	tracer      trace.Tracer
	reqCounter  metric.Int64Counter
	errCounter  metric.Int64Counter
	latencyHist metric.Float64Histogram
}

// NewClient creates a new HTTP client with default resilience policies
func NewClient(baseURL string, cfg Config, signer Signer) *Client {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = def.RetryBackoff
	}
	if cfg.MaxBackoff < cfg.RetryBackoff {
		cfg.MaxBackoff = cfg.RetryBackoff
	}
	if cfg.BreakerDelay <= 0 {
		cfg.BreakerDelay = def.BreakerDelay
	}

	// Retry on network errors, 5xx and 429
	retryPolicy := retrypolicy.NewBuilder[*response]().
		HandleIf(func(resp *response, err error) bool {
			if err != nil {
				return true
			}
			return resp.status >= 500 || resp.status == http.StatusTooManyRequests
		}).
		WithBackoff(cfg.RetryBackoff, cfg.MaxBackoff).
		WithMaxRetries(cfg.MaxRetries).
		ReturnLastFailure().
		Build()

	breaker := circuitbreaker.NewBuilder[*response]().
		HandleIf(func(resp *response, err error) bool {
			if err != nil {
				return true
			}
			return resp.status >= 500
		}).
		WithFailureThresholdRatio(5, 10). // 5 failures out of 10
		WithDelay(cfg.BreakerDelay).
		Build()

	tracer := telemetry.GetTracer("http-client")
	meter := telemetry.GetMeter("http-client")

	reqCounter, _ := meter.Int64Counter("http_requests_total",
		metric.WithDescription("Total number of HTTP requests"))
	errCounter, _ := meter.Int64Counter("http_errors_total",
		metric.WithDescription("Total number of HTTP errors"))
	latencyHist, _ := meter.Float64Histogram("http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"))

	return &Client{
		client:      &http.Client{Timeout: cfg.Timeout},
		baseURL:     baseURL,
		signer:      signer,
		pipeline:    failsafe.With[*response](retryPolicy, breaker),
		breaker:     breaker,
		tracer:      tracer,
		reqCounter:  reqCounter,
		errCounter:  errCounter,
		latencyHist: latencyHist,
	}
}

// BreakerOpen reports whether calls are currently short-circuited
func (c *Client) BreakerOpen() bool {
	return c.breaker.IsOpen()
}

// Get sends a GET request
func (c *Client) Get(ctx context.Context, path string, params map[string]string) ([]byte, error) {
	q := url.Values{}
	for k, v := range params {
		q.Add(k, v)
	}
	return c.do(ctx, http.MethodGet, path, q, nil)
}

// Post sends body as JSON
func (c *Client) Post(ctx context.Context, path string, body interface{}) ([]byte, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal body: %w", err)
		}
	}
	return c.do(ctx, http.MethodPost, path, nil, payload)
}

// PostJSON posts body and decodes the reply into out
func (c *Client) PostJSON(ctx context.Context, path string, body, out interface{}) error {
	data, err := c.Post(ctx, path, body)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, payload []byte) ([]byte, error) {
	start := time.Now()

	ctx, span := c.tracer.Start(ctx, fmt.Sprintf("%s %s", method, path),
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("http.url", c.baseURL+path),
		),
	)
	defer span.End()

	attempt := func() (*response, error) {
		var bodyReader io.Reader
		if payload != nil {
			bodyReader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		if len(query) > 0 {
			req.URL.RawQuery = query.Encode()
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.signer != nil {
			if err := c.signer.SignRequest(req); err != nil {
				return nil, fmt.Errorf("failed to sign request: %w", err)
			}
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read response body: %w", err)
		}
		return &response{status: resp.StatusCode, body: body}, nil
	}

	resp, err := c.pipeline.WithContext(ctx).Get(attempt)

	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", path),
	)
	c.reqCounter.Add(ctx, 1, attrs)
	c.latencyHist.Record(ctx, time.Since(start).Seconds(), attrs)

	if err != nil && resp == nil {
		span.RecordError(err)
		c.errCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("method", method),
			attribute.String("path", path),
			attribute.String("error", "pipeline_failed"),
		))
		return nil, fmt.Errorf("request failed: %w", err)
	}

	span.SetAttributes(attribute.Int("http.status_code", resp.status))

	if resp.status >= 400 {
		c.errCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("method", method),
			attribute.String("path", path),
			attribute.Int("status", resp.status),
		))
		return nil, &APIError{
			StatusCode: resp.status,
			Body:       resp.body,
		}
	}

	return resp.body, nil
}
