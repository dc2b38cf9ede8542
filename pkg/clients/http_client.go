// Package clients provides the outbound side of a connector: a rate-limited,
// retrying HTTP client with credential injection, a GraphQL client on top of
// it, cursor pagination, token refreshers and the retry combinator they share.
package clients

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/net/http2"

	"github.com/ajitpratap0/intakeflow/pkg/errors"
	"github.com/ajitpratap0/intakeflow/pkg/json"
	"github.com/ajitpratap0/intakeflow/pkg/metrics"
)

const (
	tracerName = "github.com/ajitpratap0/intakeflow/pkg/clients"
	// maxErrorBody bounds the response excerpt kept on errors
	maxErrorBody = 512
)

// HTTPClient sends vendor requests through the rate limiter, injects
// credentials, retries transient failures and maps status codes onto the
// error taxonomy.
type HTTPClient struct {
	config     *HTTPConfig
	logger     *zap.Logger
	httpClient *http.Client
	transport  *http.Transport

	auth     Authenticator
	limiter  *RateLimiter
	breakers *circuitBreakers
	metrics  *metrics.Metrics
	tracer   trace.Tracer

	totalRequests  int64
	failedRequests int64
	reauths        int64
}

// HTTPConfig configures the HTTP client
type HTTPConfig struct {
	// Connection settings
	MaxIdleConns        int           `json:"max_idle_conns"`
	MaxIdleConnsPerHost int           `json:"max_idle_conns_per_host"`
	MaxConnsPerHost     int           `json:"max_conns_per_host"`
	IdleConnTimeout     time.Duration `json:"idle_conn_timeout"`

	// HTTP/2 settings
	EnableHTTP2 bool `json:"enable_http2"`

	// Timeouts
	DialTimeout         time.Duration `json:"dial_timeout"`
	TLSHandshakeTimeout time.Duration `json:"tls_handshake_timeout"`
	// RequestTimeout bounds one attempt including the body read (default 60s, max 120s)
	RequestTimeout time.Duration `json:"request_timeout"`
	KeepAlive      time.Duration `json:"keep_alive"`

	// TLS settings
	InsecureSkipVerify bool   `json:"insecure_skip_verify"`
	TLSMinVersion      uint16 `json:"tls_min_version"`

	UserAgent string `json:"user_agent"`
	// MaxBodyBytes bounds buffered response bodies
	MaxBodyBytes int64 `json:"max_body_bytes"`

	Retry RetryPolicy `json:"-"`
}

// DefaultHTTPConfig returns the default vendor client configuration.
func DefaultHTTPConfig() *HTTPConfig {
	return &HTTPConfig{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		MaxConnsPerHost:     32,
		IdleConnTimeout:     90 * time.Second,
		EnableHTTP2:         true,
		DialTimeout:         30 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		RequestTimeout:      60 * time.Second,
		KeepAlive:           30 * time.Second,
		TLSMinVersion:       tls.VersionTLS12,
		UserAgent:           "intakeflow/1.0",
		MaxBodyBytes:        64 << 20,
		Retry:               DefaultRetryPolicy(),
	}
}

// HTTPOption configures an HTTPClient.
type HTTPOption func(*HTTPClient)

// WithAuthenticator injects credentials on every request.
func WithAuthenticator(a Authenticator) HTTPOption {
	return func(c *HTTPClient) { c.auth = a }
}

// WithRateLimiter paces every attempt.
func WithRateLimiter(rl *RateLimiter) HTTPOption {
	return func(c *HTTPClient) { c.limiter = rl }
}

// WithCircuitBreaker fails requests fast while their host keeps failing.
func WithCircuitBreaker(config CircuitBreakerConfig) HTTPOption {
	return func(c *HTTPClient) { c.breakers = &circuitBreakers{config: config} }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) HTTPOption {
	return func(c *HTTPClient) { c.metrics = m }
}

// WithTransport replaces the HTTP transport, mainly for tests.
func WithTransport(rt http.RoundTripper) HTTPOption {
	return func(c *HTTPClient) { c.httpClient.Transport = rt }
}

// NewHTTPClient creates a client. A nil config means DefaultHTTPConfig.
func NewHTTPClient(config *HTTPConfig, logger *zap.Logger, opts ...HTTPOption) *HTTPClient {
	if config == nil {
		config = DefaultHTTPConfig()
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 60 * time.Second
	}
	if config.RequestTimeout > 120*time.Second {
		config.RequestTimeout = 120 * time.Second
	}
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = 64 << 20
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client := &HTTPClient{
		config: config,
		logger: logger.With(zap.String("component", "http_client")),
		tracer: otel.Tracer(tracerName),
	}

	client.transport = &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   config.DialTimeout,
			KeepAlive: config.KeepAlive,
		}).DialContext,
		MaxIdleConns:          config.MaxIdleConns,
		MaxIdleConnsPerHost:   config.MaxIdleConnsPerHost,
		MaxConnsPerHost:       config.MaxConnsPerHost,
		IdleConnTimeout:       config.IdleConnTimeout,
		TLSHandshakeTimeout:   config.TLSHandshakeTimeout,
		ExpectContinueTimeout: 1 * time.Second,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: config.InsecureSkipVerify, //nolint:gosec // operator opt-in
			MinVersion:         config.TLSMinVersion,
		},
	}

	if config.EnableHTTP2 {
		if err := http2.ConfigureTransport(client.transport); err != nil {
			client.logger.Warn("failed to configure HTTP/2", zap.Error(err))
		}
	}

	client.httpClient = &http.Client{
		Transport: client.transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return fmt.Errorf("too many redirects")
			}
			return nil
		},
	}

	for _, opt := range opts {
		opt(client)
	}
	client.metrics = metrics.OrDefault(client.metrics)
	if client.breakers != nil {
		client.breakers.logger = client.logger
		client.breakers.metrics = client.metrics
		if client.limiter != nil {
			client.breakers.clk = client.limiter.clk
		}
	}
	return client
}

// StandardClient returns the underlying *http.Client without retries or
// credentials, for token endpoints and SDKs.
func (c *HTTPClient) StandardClient() *http.Client {
	return c.httpClient
}

// Request describes one logical vendor call.
type Request struct {
	Method string
	URL    string
	Query  url.Values
	Header http.Header
	Body   []byte
	// NoAuth skips credential injection
	NoAuth bool
}

// Response is a fully read response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// JSON parses the body without copying it.
func (r *Response) JSON() gjson.Result {
	return gjson.ParseBytes(r.Body)
}

// Decode unmarshals the body into v.
func (r *Response) Decode(v interface{}) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return errors.Wrap(err, errors.ErrorTypeParse, "invalid JSON response")
	}
	return nil
}

// Do performs req. 2xx responses are returned; 401/403 trigger one forced
// re-authentication before failing with an authentication error; 429, 5xx
// and transport failures are retried per the retry policy and surface as
// upstream_unavailable once exhausted; other 4xx fail with a client error.
func (c *HTTPClient) Do(ctx context.Context, req Request) (*Response, error) {
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	ctx, span := c.tracer.Start(ctx, "http "+req.Method, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	var (
		result   *Response
		reauthed bool
	)
	err := Retry(ctx, c.retryPolicy(), nil, func(ctx context.Context) error {
		resp, err := c.attempt(ctx, req)
		if err != nil {
			return err
		}
		if isAuthStatus(resp.StatusCode) && c.auth != nil && !req.NoAuth && !reauthed {
			reauthed = true
			atomic.AddInt64(&c.reauths, 1)
			c.logger.Info("credential rejected, re-authenticating", zap.Int("status", resp.StatusCode), zap.String("url", redact(req.URL)))
			c.auth.Invalidate()
			if resp, err = c.attempt(ctx, req); err != nil {
				return err
			}
		}
		if err := classifyStatus(resp.StatusCode, resp.Header, resp.Body, redact(req.URL)); err != nil {
			return err
		}
		result = resp
		return nil
	}, func(err error, attempt int, wait time.Duration) {
		c.logger.Warn("retrying request", zap.String("url", redact(req.URL)), zap.Int("attempt", attempt), zap.Duration("wait", wait), zap.Error(err))
	})

	if err != nil {
		atomic.AddInt64(&c.failedRequests, 1)
		if errors.IsRetryable(err) {
			err = errors.Wrap(err, errors.ErrorTypeUpstreamUnavailable, "retries exhausted").WithDetail("url", redact(req.URL))
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("http.status_code", result.StatusCode))
	return result, nil
}

// GetJSON performs a GET with query parameters.
func (c *HTTPClient) GetJSON(ctx context.Context, rawURL string, query url.Values) (*Response, error) {
	return c.Do(ctx, Request{Method: http.MethodGet, URL: rawURL, Query: query})
}

// PostJSON marshals body and POSTs it.
func (c *HTTPClient) PostJSON(ctx context.Context, rawURL string, body interface{}, header http.Header) (*Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to encode request body")
	}
	h := header.Clone()
	if h == nil {
		h = make(http.Header)
	}
	h.Set("Content-Type", "application/json")
	return c.Do(ctx, Request{Method: http.MethodPost, URL: rawURL, Header: h, Body: data})
}

// Open performs req and returns the live response for streaming bodies
// (server-sent events, large objects). Connection failures and 5xx are
// retried; the caller closes the body.
func (c *HTTPClient) Open(ctx context.Context, req Request) (*http.Response, error) {
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	var (
		result   *http.Response
		reauthed bool
	)
	err := Retry(ctx, c.retryPolicy(), nil, func(ctx context.Context) error {
		for {
			resp, release, err := c.send(ctx, req)
			if err != nil {
				return err
			}
			release()
			if resp.StatusCode/100 == 2 {
				result = resp
				return nil
			}
			body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
			_ = resp.Body.Close()
			if isAuthStatus(resp.StatusCode) && c.auth != nil && !req.NoAuth && !reauthed {
				reauthed = true
				c.auth.Invalidate()
				continue
			}
			return classifyStatus(resp.StatusCode, resp.Header, body, redact(req.URL))
		}
	}, nil)
	if err != nil {
		if errors.IsRetryable(err) {
			err = errors.Wrap(err, errors.ErrorTypeUpstreamUnavailable, "retries exhausted").WithDetail("url", redact(req.URL))
		}
		return nil, err
	}
	return result, nil
}

// attempt performs one bounded request and buffers the body.
func (c *HTTPClient) attempt(ctx context.Context, req Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	resp, release, err := c.send(ctx, req)
	if err != nil {
		return nil, err
	}
	defer release()
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.config.MaxBodyBytes))
	if err != nil {
		return nil, classifyTransportError(err)
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, nil
}

// send acquires the limiter, injects credentials and performs one round
// trip. release frees the limiter slot.
func (c *HTTPClient) send(ctx context.Context, req Request) (*http.Response, func(), error) {
	u := req.URL
	if len(req.Query) > 0 {
		sep := "?"
		if strings.Contains(u, "?") {
			sep = "&"
		}
		u += sep + req.Query.Encode()
	}

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, u, body)
	if err != nil {
		return nil, nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid request").WithDetail("url", redact(req.URL))
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
	if c.auth != nil && !req.NoAuth {
		if err := c.auth.Authorize(ctx, httpReq); err != nil {
			return nil, nil, err
		}
	}

	release, err := c.limiter.Acquire(ctx)
	if err != nil {
		return nil, nil, err
	}
	host := httpReq.URL.Host
	var breaker *CircuitBreaker
	if c.breakers != nil {
		breaker = c.breakers.get(host)
		if err := breaker.Allow(); err != nil {
			release()
			return nil, nil, err
		}
	}

	atomic.AddInt64(&c.totalRequests, 1)
	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	c.metrics.HTTPRequestDuration.WithLabelValues(host).Observe(time.Since(start).Seconds())
	if err != nil {
		release()
		c.metrics.HTTPRequests.WithLabelValues(host, "error").Inc()
		if ctx.Err() != nil && errors.Is(ctx.Err(), context.Canceled) {
			if breaker != nil {
				breaker.record(outcomeIgnored)
			}
			return nil, nil, ctx.Err()
		}
		err = classifyTransportError(err)
		if breaker != nil {
			breaker.record(attemptOutcome(0, err))
		}
		return nil, nil, err
	}
	if breaker != nil {
		breaker.record(attemptOutcome(resp.StatusCode, nil))
	}
	c.metrics.HTTPRequests.WithLabelValues(host, strconv.Itoa(resp.StatusCode/100)+"xx").Inc()
	return resp, release, nil
}

func (c *HTTPClient) retryPolicy() RetryPolicy {
	p := c.config.Retry
	if p.MaxAttempts == 0 {
		p = DefaultRetryPolicy()
	}
	if p.Clock == nil && c.limiter != nil {
		p.Clock = c.limiter.clk
	}
	return p
}

// HTTPStats reports client counters.
type HTTPStats struct {
	TotalRequests  int64 `json:"total_requests"`
	FailedRequests int64 `json:"failed_requests"`
	Reauths        int64 `json:"reauths"`
}

// GetStats returns current client statistics
func (c *HTTPClient) GetStats() HTTPStats {
	return HTTPStats{
		TotalRequests:  atomic.LoadInt64(&c.totalRequests),
		FailedRequests: atomic.LoadInt64(&c.failedRequests),
		Reauths:        atomic.LoadInt64(&c.reauths),
	}
}

// Close releases idle connections.
func (c *HTTPClient) Close() error {
	c.transport.CloseIdleConnections()
	return nil
}

func isAuthStatus(code int) bool {
	return code == http.StatusUnauthorized || code == http.StatusForbidden
}

// classifyStatus maps a non-2xx status onto the taxonomy; 2xx and 3xx yield nil.
func classifyStatus(code int, header http.Header, body []byte, target string) error {
	if code < 400 {
		return nil
	}
	excerpt := string(body)
	if len(excerpt) > maxErrorBody {
		excerpt = excerpt[:maxErrorBody]
	}
	switch {
	case isAuthStatus(code):
		return errors.Newf(errors.ErrorTypeAuthentication, "%s returned %d", target, code).
			WithDetail("status", code).WithDetail("body", excerpt)
	case code == http.StatusTooManyRequests:
		e := errors.Newf(errors.ErrorTypeRateLimit, "%s returned 429", target).WithDetail("status", code)
		if d := parseRetryAfter(header.Get("Retry-After")); d > 0 {
			e = e.WithDetail(DetailRetryAfter, d)
		}
		return e
	case code >= 500:
		return errors.Newf(errors.ErrorTypeTransient, "%s returned %d", target, code).
			WithDetail("status", code).WithDetail("body", excerpt)
	default:
		return errors.Newf(errors.ErrorTypeClient, "%s returned %d", target, code).
			WithDetail("status", code).WithDetail("body", excerpt)
	}
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		return time.Until(t)
	}
	return 0
}

// classifyTransportError maps dial, TLS and read failures.
func classifyTransportError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return errors.Wrap(err, errors.ErrorTypeTimeout, "request timed out")
	}
	return errors.Wrap(err, errors.ErrorTypeConnection, "request failed")
}

// redact drops the query string, which may carry secrets.
func redact(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		return raw[:i]
	}
	return raw
}
