package lookup

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nao1215/astrace/internal/metrics"
	"github.com/nao1215/astrace/internal/retry"
	"golang.org/x/time/rate"
)

const (
	// DefaultBaseURL is the public measurement platform endpoint.
	DefaultBaseURL = "http://mercury.upf.edu/mercury/api/services"

	// DefaultTimeout bounds every request.
	DefaultTimeout = 30 * time.Second

	// APIKeyHeader carries the API key when one is configured.
	APIKeyHeader = "X-API-Key"

	// maxResponseBytes bounds the size of a response body.
	maxResponseBytes = 32 << 20

	// maxErrorBodyBytes bounds the body excerpt kept in a StatusError.
	maxErrorBodyBytes = 512
)

// Client talks to the measurement platform.
// It is safe for concurrent use.
type Client struct {
	baseURL      string
	httpClient   *http.Client
	limiter      *rate.Limiter
	logger       *slog.Logger
	metrics      *metrics.Metrics
	apiKey       string
	proxyAddress string
	userAgent    string
	timeout      time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client. Proxy, timeout, API key and user agent
// options are ignored when a client is supplied.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithMetrics records every request in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// WithRateLimit allows at most rps requests per second with the given burst.
// A non-positive rps disables limiting.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithProxy routes requests through a SOCKS5 proxy at host:port.
func WithProxy(address string) Option {
	return func(c *Client) {
		c.proxyAddress = address
	}
}

// WithAPIKey sends key in the APIKeyHeader of every request.
func WithAPIKey(key string) Option {
	return func(c *Client) {
		c.apiKey = key
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		c.userAgent = ua
	}
}

// NewClient creates a client for the service at baseURL. An empty baseURL
// selects DefaultBaseURL.
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidBaseURL, baseURL)
	}

	c := &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		limiter:   rate.NewLimiter(rate.Inf, 0),
		logger:    slog.Default(),
		userAgent: "astrace",
		timeout:   DefaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.httpClient == nil {
		transport, err := newTransport(c.proxyAddress)
		if err != nil {
			return nil, err
		}
		c.httpClient = &http.Client{
			Timeout: c.timeout,
			Transport: &headerInjectingTransport{
				base: transport,
				headers: map[string]string{
					APIKeyHeader: c.apiKey,
					"User-Agent": c.userAgent,
				},
			},
		}
	}
	return c, nil
}

// BaseURL returns the service URL without a trailing slash.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// getJSON performs a GET and decodes the JSON answer into out.
func (c *Client) getJSON(ctx context.Context, op, path string, out any) error {
	body, err := c.do(ctx, op, http.MethodGet, path, "", nil)
	if err != nil {
		return err
	}
	return decode(op, body, out)
}

// postForm posts a single form field and decodes the JSON answer into out.
func (c *Client) postForm(ctx context.Context, op, path, key, value string, out any) error {
	form := url.Values{key: {value}}.Encode()
	body, err := c.do(ctx, op, http.MethodPost, path, "application/x-www-form-urlencoded", strings.NewReader(form))
	if err != nil {
		return err
	}
	return decode(op, body, out)
}

// postJSON posts in as JSON and returns the raw answer.
func (c *Client) postJSON(ctx context.Context, op, path string, in any) ([]byte, error) {
	payload, err := json.Marshal(in)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("failed to encode %s request: %w", op, err))
	}
	return c.do(ctx, op, http.MethodPost, path, "application/json", bytes.NewReader(payload))
}

// do sends one request. 4xx answers other than 429 are permanent errors.
func (c *Client) do(ctx context.Context, op, method, path, contentType string, body io.Reader) (_ []byte, err error) {
	defer func() { c.metrics.ObserveRequest(op, err) }()

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/"+path, body)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("failed to create %s request: %w", op, err))
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send %s request: %w", op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s response: %w", op, err)
	}

	c.logger.Debug("lookup request",
		"operation", op,
		"status", resp.StatusCode,
		"bytes", len(data),
		"duration", time.Since(start),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		excerpt := strings.TrimSpace(string(data))
		if len(excerpt) > maxErrorBodyBytes {
			excerpt = excerpt[:maxErrorBodyBytes]
		}
		serr := &StatusError{Operation: op, Code: resp.StatusCode, Body: excerpt}
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, retry.Permanent(serr)
		}
		return nil, serr
	}
	return data, nil
}

// decode unmarshals a JSON answer.
func decode(op string, body []byte, out any) error {
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInvalidResponse, op, err)
	}
	return nil
}
