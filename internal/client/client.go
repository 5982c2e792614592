// Package client sends API traffic to whichever endpoint the selector picks
// and fails over once when the chosen endpoint drops the connection.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-retryablehttp"

	"apifallback/internal/models"
	"apifallback/internal/tunnel"
)

// Selector is the subset of selector.Selector the client depends on.
type Selector interface {
	Select(ctx context.Context) string
	Config() models.EndpointConfig
	Invalidate(url string)
}

// Client issues JSON requests against the selected endpoint.
type Client struct {
	sel          Selector
	httpClient   *http.Client
	logger       hclog.Logger
	retryWaitMin time.Duration
	retryWaitMax time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the pooled client used for every attempt.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		if c != nil {
			cl.httpClient = c
		}
	}
}

// WithLogger sets the logger, also handed to the retrying transport.
func WithLogger(l hclog.Logger) Option {
	return func(cl *Client) {
		if l != nil {
			cl.logger = l
		}
	}
}

// WithRetryWait bounds the backoff between retries of one endpoint.
func WithRetryWait(waitMin, waitMax time.Duration) Option {
	return func(cl *Client) {
		cl.retryWaitMin, cl.retryWaitMax = waitMin, waitMax
	}
}

// New returns a client routing through sel.
func New(sel Selector, opts ...Option) *Client {
	c := &Client{
		sel:          sel,
		httpClient:   cleanhttp.DefaultPooledClient(),
		logger:       hclog.NewNullLogger(),
		retryWaitMin: 100 * time.Millisecond,
		retryWaitMax: 1500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Do sends method path to the selected endpoint. body, when non-nil, is sent
// as JSON. A transport failure invalidates that endpoint and, when the
// selector then picks a different one, the request is repeated there once.
// The caller must close the returned response body.
func (c *Client) Do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("error marshaling body: %w", err)
		}
		payload = b
	}

	base := c.sel.Select(ctx)
	resp, err := c.send(ctx, base, method, path, payload)
	if err != nil && ctx.Err() == nil {
		c.sel.Invalidate(base)
		if next := c.sel.Select(ctx); next != base {
			c.logger.Warn("request failed, switching endpoint", "from", base, "to", next, "error", err)
			base = next
			resp, err = c.send(ctx, base, method, path, payload)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}

	if tunnel.IsAuthRequired(resp) {
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		return nil, tunnel.Wrap(fmt.Errorf("%s %s: %s", method, path, resp.Status), base)
	}
	return resp, nil
}

func (c *Client) send(ctx context.Context, base, method, path string, payload []byte) (*http.Response, error) {
	var body any
	if payload != nil {
		body = payload
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, joinURL(base, path), body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	rc := &retryablehttp.Client{
		HTTPClient:   c.httpClient,
		Logger:       c.logger,
		RetryWaitMin: c.retryWaitMin,
		RetryWaitMax: c.retryWaitMax,
		RetryMax:     c.sel.Config().MaxRetries,
		CheckRetry:   retryablehttp.DefaultRetryPolicy,
		Backoff:      retryablehttp.DefaultBackoff,
		ErrorHandler: retryablehttp.PassthroughErrorHandler,
	}
	return rc.Do(req)
}

func joinURL(base, path string) string {
	base = strings.TrimRight(base, "/")
	if path == "" {
		return base
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return base + path
}
