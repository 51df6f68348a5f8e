package sensor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// RequestOptions tunes a single logical request
type RequestOptions struct {
	Method   string        // defaults to GET
	Timeout  time.Duration // per attempt, defaults to Config.RequestTimeout
	UseCache bool
	CacheKey string
}

// Client talks to the sensor API with bounded retry and a TTL response cache
type Client struct {
	mu        sync.RWMutex
	cfg       Config
	listeners []func(old, updated Config)

	cache      *Cache
	httpClient *http.Client
	logger     *zap.Logger
	retryCount atomic.Int64

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// Option customizes a Client
type Option func(*Client)

// WithHTTPClient replaces the instrumented default HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithClock replaces time.Now for cache ageing
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// WithSleeper replaces the wait between retry attempts
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) { c.sleep = sleep }
}

// New creates a Client after validating cfg
func New(cfg Config, logger *zap.Logger, opts ...Option) (*Client, error) {
	cfg.BaseURL = NormalizeBaseURL(cfg.BaseURL)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Client{
		cfg:   cfg,
		cache: NewCache(),
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(
				http.DefaultTransport,
				otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
					return "sensor.api " + r.URL.Path
				}),
			),
		},
		logger: logger,
		now:    time.Now,
		sleep:  sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Config returns a copy of the current configuration
func (c *Client) Config() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg
}

// RetryCount returns the attempt index of the request currently retrying, 0 after a success
func (c *Client) RetryCount() int {
	return int(c.retryCount.Load())
}

// Cache exposes the response cache for inspection
func (c *Client) Cache() *Cache {
	return c.cache
}

// OnConfigChange registers fn to be called after every successful UpdateConfig
func (c *Client) OnConfigChange(fn func(old, updated Config)) {
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

// UpdateConfig validates cfg, swaps it in and clears the whole cache since
// cached responses may belong to a different server. On validation failure
// the current configuration and cache are left untouched.
func (c *Client) UpdateConfig(cfg Config) error {
	cfg.BaseURL = NormalizeBaseURL(cfg.BaseURL)
	if err := cfg.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	old := c.cfg
	c.cfg = cfg
	c.cache.Clear()
	listeners := append([]func(old, updated Config){}, c.listeners...)
	c.mu.Unlock()

	c.logger.Info("sensor client reconfigured",
		zap.String("baseUrl", cfg.BaseURL),
		zap.Duration("refreshInterval", cfg.RefreshInterval))

	for _, fn := range listeners {
		fn(old, cfg)
	}
	return nil
}

// GetLastKnownGood returns the latest cached entry for key, expired or not
func (c *Client) GetLastKnownGood(key string) (CacheEntry, bool) {
	return c.cache.Peek(key)
}

// Request performs one logical request against endpoint. A fresh cache hit
// returns without network I/O. Otherwise the endpoint is fetched, retrying
// failed attempts after RetryDelay*(attempt+1) until MaxRetries is exhausted.
func (c *Client) Request(ctx context.Context, endpoint string, opts RequestOptions) (json.RawMessage, error) {
	if strings.TrimSpace(endpoint) == "" {
		return nil, &ValidationError{Field: "endpoint", Reason: "must not be empty"}
	}

	cfg := c.Config()
	if opts.Method == "" {
		opts.Method = http.MethodGet
	}
	if opts.Timeout <= 0 {
		opts.Timeout = cfg.RequestTimeout
	}
	cacheable := opts.UseCache && opts.CacheKey != ""

	ctx, span := otel.Tracer("sensor").Start(ctx, "sensor.Request",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("sensor.endpoint", endpoint),
			attribute.String("sensor.cache_key", opts.CacheKey),
		),
	)
	defer span.End()

	if cacheable {
		if entry, ok := c.cache.Fresh(opts.CacheKey, c.now(), cfg.CacheTTL); ok {
			span.SetAttributes(attribute.Bool("sensor.cache_hit", true))
			span.SetStatus(codes.Ok, "served from cache")
			c.logger.Debug("cache hit", zap.String("cacheKey", opts.CacheKey))
			return entry.Data, nil
		}
	}

	target := cfg.endpointURL(endpoint)
	var lastErr error

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		c.retryCount.Store(int64(attempt))
		span.AddEvent("attempt", trace.WithAttributes(attribute.Int("sensor.attempt", attempt+1)))

		payload, err := c.attempt(ctx, opts.Method, target, opts.Timeout)
		if err == nil {
			if cacheable {
				c.cache.Set(opts.CacheKey, CacheEntry{Data: payload, Timestamp: c.now()})
			}
			c.retryCount.Store(0)
			span.SetAttributes(attribute.Int("sensor.attempts", attempt+1))
			span.SetStatus(codes.Ok, "request successful")
			return payload, nil
		}

		lastErr = err
		c.logger.Warn("request attempt failed",
			zap.String("endpoint", endpoint),
			zap.Int("attempt", attempt+1),
			zap.Int("maxAttempts", cfg.MaxRetries+1),
			zap.Error(err))

		if ctx.Err() != nil {
			span.RecordError(ctx.Err())
			span.SetStatus(codes.Error, "context cancelled")
			return nil, ctx.Err()
		}

		if attempt < cfg.MaxRetries {
			delay := cfg.RetryDelay * time.Duration(attempt+1)
			if err := c.sleep(ctx, delay); err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, "context cancelled")
				return nil, err
			}
		}
	}

	failed := &RequestFailedError{Endpoint: endpoint, Attempts: cfg.MaxRetries + 1, Err: lastErr}
	span.RecordError(failed)
	span.SetStatus(codes.Error, "all attempts failed")
	return nil, failed
}

// attempt performs a single HTTP round trip bounded by timeout
func (c *Client) attempt(ctx context.Context, method, target string, timeout time.Duration) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create request: %w", ErrNetwork, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransport(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyTransport(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{Code: resp.StatusCode, Status: http.StatusText(resp.StatusCode)}
	}

	payload, err := decodePayload(body)
	if err != nil {
		sample := string(body)
		if len(sample) > 200 {
			sample = sample[:200] + "..."
		}
		c.logger.Error("failed to parse JSON", zap.String("sample", sample), zap.Error(err))
		return nil, err
	}
	return payload, nil
}

// requestJSON runs Request and decodes the normalized payload into v
func (c *Client) requestJSON(ctx context.Context, endpoint string, opts RequestOptions, v any) error {
	payload, err := c.Request(ctx, endpoint, opts)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrDecode, endpoint, err)
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
