// Package remote is the HTTP client for the central server's resource API.
//
// Every call is bounded by its own timeout. Failures come back as *Error so
// callers can tell a recoverable condition (offline, duplicate, not found)
// from one that has to be surfaced.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/erp/possync/internal/infrastructure/config"
	"github.com/erp/possync/internal/infrastructure/logger"
)

// IdempotencyHeader carries the change log entry id on replayed mutations
const IdempotencyHeader = "Idempotency-Key"

const (
	defaultTimeout       = 5 * time.Second
	defaultHealthTimeout = 3 * time.Second
)

// envelope is the server's response wrapper
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Client talks to the central server
type Client struct {
	baseURL       string
	healthURL     string
	http          *http.Client
	timeout       time.Duration
	healthTimeout time.Duration
	logger        *zap.Logger
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// CallOption decorates a single request
type CallOption func(*http.Request)

// WithIdempotencyKey marks a request as a replay that the server may dedupe
func WithIdempotencyKey(key string) CallOption {
	return func(r *http.Request) {
		if key != "" {
			r.Header.Set(IdempotencyHeader, key)
		}
	}
}

// NewClient creates a client for the configured server
func NewClient(cfg *config.RemoteConfig, log *zap.Logger, opts ...Option) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	c := &Client{
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		healthURL:     cfg.HealthURL(),
		http:          &http.Client{},
		timeout:       cfg.Timeout,
		healthTimeout: cfg.HealthTimeout,
		logger:        log.Named("remote"),
	}
	if c.timeout <= 0 {
		c.timeout = defaultTimeout
	}
	if c.healthTimeout <= 0 {
		c.healthTimeout = defaultHealthTimeout
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the API root the client was configured with
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Health calls GET {host}/healthz. A nil error means the server is online.
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.healthURL, nil)
	if err != nil {
		return fmt.Errorf("create health request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return classifyTransport(ctx, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return &Error{Kind: KindNetwork, Status: resp.StatusCode, Message: "health check failed"}
	}
	return nil
}

// Online reports whether the health check succeeds
func (c *Client) Online(ctx context.Context) bool {
	if err := c.Health(ctx); err != nil {
		logger.FromContext(ctx).Debug("central server offline", zap.Error(err))
		return false
	}
	return true
}

// List fetches the full collection of a resource into out (a pointer to a slice)
func (c *Client) List(ctx context.Context, resource string, out any) error {
	return c.do(ctx, http.MethodGet, c.collectionURL(resource), nil, out)
}

// Get fetches one record by global id
func (c *Client) Get(ctx context.Context, resource, globalID string, out any) error {
	return c.do(ctx, http.MethodGet, c.itemURL(resource, globalID), nil, out)
}

// Create posts a new record. out may be nil.
func (c *Client) Create(ctx context.Context, resource string, body, out any, opts ...CallOption) error {
	return c.do(ctx, http.MethodPost, c.collectionURL(resource), body, out, opts...)
}

// Update puts the present fields of body onto an existing record. out may be nil.
func (c *Client) Update(ctx context.Context, resource, globalID string, body, out any, opts ...CallOption) error {
	return c.do(ctx, http.MethodPut, c.itemURL(resource, globalID), body, out, opts...)
}

// Delete removes (deactivates) a record on the server
func (c *Client) Delete(ctx context.Context, resource, globalID string, opts ...CallOption) error {
	return c.do(ctx, http.MethodDelete, c.itemURL(resource, globalID), nil, nil, opts...)
}

func (c *Client) collectionURL(resource string) string {
	return c.baseURL + "/" + resource + "/"
}

func (c *Client) itemURL(resource, globalID string) string {
	return c.baseURL + "/" + resource + "/" + url.PathEscape(globalID)
}

func (c *Client) do(ctx context.Context, method, target string, body, out any, opts ...CallOption) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, target, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, opt := range opts {
		opt(req)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Debug("remote call failed",
			zap.String("method", method),
			zap.String("url", target),
			zap.Duration("latency", time.Since(start)),
			zap.Error(err),
		)
		return classifyTransport(ctx, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return classifyTransport(ctx, err)
	}

	c.logger.Debug("remote call",
		zap.String("method", method),
		zap.String("url", target),
		zap.Int("status", resp.StatusCode),
		zap.Duration("latency", time.Since(start)),
	)

	return decode(resp.StatusCode, respBody, out)
}

// decode unwraps the response envelope into out, or builds an *Error
func decode(status int, body []byte, out any) error {
	var env envelope
	parsed := len(body) > 0 && json.Unmarshal(body, &env) == nil

	if status >= 400 {
		e := &Error{Kind: kindForStatus(status), Status: status, Message: http.StatusText(status)}
		if parsed && env.Error != nil {
			e.Code = env.Error.Code
			e.Message = env.Error.Message
		}
		return e
	}

	if !parsed {
		if out == nil {
			return nil
		}
		return &Error{Kind: KindServer, Status: status, Message: "response is not a JSON envelope"}
	}
	if !env.Success {
		e := &Error{Kind: KindServer, Status: status, Message: "request was not successful"}
		if env.Error != nil {
			e.Code = env.Error.Code
			e.Message = env.Error.Message
		}
		return e
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return &Error{Kind: KindServer, Status: status, Message: "unmarshal response data", Err: err}
	}
	return nil
}
