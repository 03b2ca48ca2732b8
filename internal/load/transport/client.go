// Package transport provides the net/http implementation of load.Client.
package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/wesleyorama2/volley/internal/load"
	"github.com/wesleyorama2/volley/internal/load/config"
)

// Config contains HTTP client configuration.
type Config struct {
	// BaseURL is prefixed to request paths that are not absolute URLs
	BaseURL string

	// Headers are sent with every request unless the request sets them
	Headers map[string]string

	// UserAgent is the default User-Agent header
	UserAgent string

	// Timeout bounds requests that carry no timeout of their own
	Timeout time.Duration

	// MaxIdleConns controls the maximum number of idle connections
	MaxIdleConns int

	// MaxIdleConnsPerHost controls the maximum idle connections per host
	MaxIdleConnsPerHost int

	// MaxConnsPerHost limits the total connections per host
	MaxConnsPerHost int

	// IdleConnTimeout is how long idle connections are kept alive
	IdleConnTimeout time.Duration

	// InsecureSkipVerify skips TLS certificate verification
	InsecureSkipVerify bool
}

// DefaultConfig returns sensible defaults for load testing.
func DefaultConfig() Config {
	return Config{
		Timeout:             load.DefaultTimeout,
		MaxIdleConns:        1000,
		MaxIdleConnsPerHost: 100,
		MaxConnsPerHost:     0, // Unlimited
		IdleConnTimeout:     90 * time.Second,
	}
}

// ConfigFromSettings derives a client configuration from plan settings.
func ConfigFromSettings(s config.GlobalSettings) Config {
	cfg := DefaultConfig()
	cfg.BaseURL = s.BaseURL
	cfg.Headers = s.Headers
	cfg.UserAgent = s.UserAgent
	cfg.Timeout = s.Timeout.GetDuration(cfg.Timeout)
	cfg.MaxConnsPerHost = s.MaxConnectionsPerHost
	if s.MaxIdleConnsPerHost > 0 {
		cfg.MaxIdleConnsPerHost = s.MaxIdleConnsPerHost
	}
	cfg.InsecureSkipVerify = s.InsecureSkipVerify
	return cfg
}

// Client executes load requests over HTTP.
type Client struct {
	httpClient *http.Client
	baseURL    string
	headers    http.Header
	timeout    time.Duration
}

// ClientOption is a function that configures a Client
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithHeader adds a default header to the client
func WithHeader(key, value string) ClientOption {
	return func(c *Client) {
		c.headers.Set(key, value)
	}
}

// New creates a client with its own connection pool.
func New(cfg Config, opts ...ClientOption) *Client {
	c := &Client{
		httpClient: newHTTPClient(cfg),
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		headers:    make(http.Header),
		timeout:    cfg.Timeout,
	}
	if c.timeout <= 0 {
		c.timeout = load.DefaultTimeout
	}
	for k, v := range cfg.Headers {
		c.headers.Set(k, v)
	}
	if cfg.UserAgent != "" {
		c.headers.Set("User-Agent", cfg.UserAgent)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// newHTTPClient creates an HTTP client with the configured settings.
// Timeouts are applied per request through the context.
func newHTTPClient(cfg Config) *http.Client {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:     cfg.MaxConnsPerHost,
		IdleConnTimeout:     cfg.IdleConnTimeout,
		ForceAttemptHTTP2:   true,
	}
	if cfg.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in for test targets
	}

	return &http.Client{
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return http.ErrUseLastResponse
			}
			return nil
		},
	}
}

// Execute implements load.Client. The response body is read fully so the
// connection can be reused.
func (c *Client) Execute(ctx context.Context, req *load.Request) (*load.Response, error) {
	if req == nil {
		return nil, fmt.Errorf("nil request")
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := c.build(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	start := time.Now()
	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	return &load.Response{
		Status:   httpResp.StatusCode,
		Headers:  httpResp.Header,
		Body:     body,
		Duration: time.Since(start),
	}, nil
}

func (c *Client) build(ctx context.Context, req *load.Request) (*http.Request, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.resolve(req.Path), body)
	if err != nil {
		return nil, err
	}

	for k, vs := range c.headers {
		httpReq.Header[k] = append([]string(nil), vs...)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if len(req.Body) > 0 && httpReq.Header.Get("Content-Type") == "" && looksLikeJSON(req.Body) {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	return httpReq, nil
}

// resolve joins path onto the base URL unless path is already absolute.
func (c *Client) resolve(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	if c.baseURL == "" {
		return path
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return c.baseURL + path
}

func looksLikeJSON(b []byte) bool {
	b = bytes.TrimSpace(b)
	return len(b) > 0 && (b[0] == '{' || b[0] == '[')
}

// CloseIdleConnections closes idle connections of the client's pool.
func (c *Client) CloseIdleConnections() {
	c.httpClient.CloseIdleConnections()
}

// PerUser returns a client factory that gives every user its own
// connection pool, closed once the user stops.
func PerUser(cfg Config, opts ...ClientOption) func(userID int) (load.Client, func()) {
	return func(int) (load.Client, func()) {
		c := New(cfg, opts...)
		return c, c.CloseIdleConnections
	}
}
