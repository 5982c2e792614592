// Package tunnel detects interactive authentication challenges raised by a
// tunneling proxy sitting in front of the API, as opposed to the API's own auth.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"

	"apifallback/internal/probe"
)

const defaultTimeout = 5 * time.Second

// AuthError wraps a request failure caused by a tunnel authentication challenge.
type AuthError struct {
	URL  string
	Hint string
	Err  error
}

func (e *AuthError) Error() string {
	msg := "tunnel authentication required"
	if e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Hint == "" {
		return msg
	}
	return msg + " (" + e.Hint + ")"
}

func (e *AuthError) Unwrap() error { return e.Err }

// Wrap attaches a remediation hint for baseURL to err. A nil err stays nil.
func Wrap(err error, baseURL string) error {
	if err == nil {
		return nil
	}
	return &AuthError{
		URL:  baseURL,
		Hint: fmt.Sprintf("open %s in a browser, complete the tunnel sign-in, then retry", baseURL),
		Err:  err,
	}
}

// IsAuthError reports whether err carries a tunnel authentication failure.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// IsAuthRequired classifies a response: only a 401 whose WWW-Authenticate
// header mentions a tunnel counts.
func IsAuthRequired(resp *http.Response) bool {
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		return false
	}
	for _, v := range resp.Header.Values("WWW-Authenticate") {
		if strings.Contains(strings.ToLower(v), "tunnel") {
			return true
		}
	}
	return false
}

// Detector issues HEAD requests against the health endpoint to find tunnel challenges.
type Detector struct {
	client  *http.Client
	timeout func() time.Duration
}

// NewDetector returns a Detector with a fixed timeout. A nil client gets a
// pooled client without credentials.
func NewDetector(client *http.Client, timeout time.Duration) *Detector {
	return NewDetectorFunc(client, func() time.Duration { return timeout })
}

// NewDetectorFunc returns a Detector that asks timeout for the bound of every
// check, so it follows profile switches.
func NewDetectorFunc(client *http.Client, timeout func() time.Duration) *Detector {
	if client == nil {
		client = cleanhttp.DefaultPooledClient()
	}
	if timeout == nil {
		timeout = func() time.Duration { return defaultTimeout }
	}
	return &Detector{client: client, timeout: timeout}
}

func (d *Detector) currentTimeout() time.Duration {
	if t := d.timeout(); t > 0 {
		return t
	}
	return defaultTimeout
}

// RequiresAuth reports whether baseURL is behind a tunnel asking for sign-in.
// Any failure to get an answer is treated as no auth required.
func (d *Detector) RequiresAuth(ctx context.Context, baseURL string) bool {
	ctx, cancel := context.WithTimeout(ctx, d.currentTimeout())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, probe.HealthURL(baseURL), nil)
	if err != nil {
		return false
	}
	req.Header.Set("Accept", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return IsAuthRequired(resp)
}
