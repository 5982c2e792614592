package probe

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-hclog"

	"apifallback/internal/models"
)

// HealthPath is appended to every base URL before probing.
const HealthPath = "/health"

// Policy decides whether an HTTP status means the endpoint is reachable.
type Policy func(status int) bool

// BelowServerError treats any answer below 500 as reachable, 4xx included:
// a router that answers at all is up.
func BelowServerError(status int) bool {
	return status < http.StatusInternalServerError
}

// SuccessOnly only accepts 2xx and 3xx answers.
func SuccessOnly(status int) bool {
	return status >= 200 && status < 400
}

// Prober issues bounded-duration health checks.
type Prober struct {
	client *http.Client
	policy Policy
	logger hclog.Logger
	now    func() time.Time
}

// Option configures a Prober.
type Option func(*Prober)

// WithClient overrides the HTTP client. The client must not carry a cookie jar.
func WithClient(c *http.Client) Option {
	return func(p *Prober) {
		if c != nil {
			p.client = c
		}
	}
}

// WithPolicy overrides the reachability classification.
func WithPolicy(policy Policy) Option {
	return func(p *Prober) {
		if policy != nil {
			p.policy = policy
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l hclog.Logger) Option {
	return func(p *Prober) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithClock sets the clock used to stamp results.
func WithClock(now func() time.Time) Option {
	return func(p *Prober) {
		if now != nil {
			p.now = now
		}
	}
}

// New returns a Prober backed by a pooled client without credentials.
func New(opt ...Option) *Prober {
	p := &Prober{
		client: cleanhttp.DefaultPooledClient(),
		policy: BelowServerError,
		logger: hclog.NewNullLogger(),
		now:    time.Now,
	}
	for _, o := range opt {
		o(p)
	}
	return p
}

// HealthURL returns the probe address for a base URL.
func HealthURL(baseURL string) string {
	return strings.TrimRight(baseURL, "/") + HealthPath
}

// Probe checks baseURL once. Failures are reported in the result, never returned.
// The request is cancelled, not retried, once timeout elapses.
func (p *Prober) Probe(ctx context.Context, baseURL string, timeout time.Duration) models.ProbeResult {
	res := models.ProbeResult{URL: baseURL}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	defer func() {
		res.ElapsedMillis = time.Since(start).Milliseconds()
		res.CheckedAt = p.now().UTC()
		p.logger.Debug("probe finished", "url", baseURL, "reachable", res.Reachable, "elapsed_ms", res.ElapsedMillis, "error", res.Error)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, HealthURL(baseURL), nil)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		res.Error = describe(err)
		return res
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	status := resp.StatusCode
	res.HTTPStatus = &status
	res.Reachable = p.policy(status)
	if !res.Reachable {
		res.Error = http.StatusText(status)
		if res.Error == "" {
			res.Error = "unexpected status"
		}
	}
	return res
}

func describe(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "request timed out"
	case errors.Is(err, context.Canceled):
		return "request cancelled"
	}
	return err.Error()
}
