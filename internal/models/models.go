package models

import (
	"fmt"
	"net/url"
	"time"
)

// EndpointConfig describes the primary/fallback pair a selector chooses between.
type EndpointConfig struct {
	PrimaryURL    string `yaml:"primary_url" json:"primary_url"`
	FallbackURL   string `yaml:"fallback_url" json:"fallback_url"`
	TimeoutMillis int    `yaml:"timeout_ms" json:"timeout_ms"`
	MaxRetries    int    `yaml:"max_retries" json:"max_retries"`
}

// Timeout returns the probe timeout as a duration.
func (c EndpointConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMillis) * time.Millisecond
}

// Validate reports the first problem found with the endpoint pair.
func (c EndpointConfig) Validate() error {
	if err := validateBaseURL(c.PrimaryURL); err != nil {
		return fmt.Errorf("primary_url: %w", err)
	}
	if err := validateBaseURL(c.FallbackURL); err != nil {
		return fmt.Errorf("fallback_url: %w", err)
	}
	if c.TimeoutMillis <= 0 {
		return fmt.Errorf("timeout_ms must be positive, got %d", c.TimeoutMillis)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative, got %d", c.MaxRetries)
	}
	return nil
}

func validateBaseURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}
	if !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%q must be an absolute http or https url", raw)
	}
	return nil
}

// ProbeResult captures the outcome of a single health probe.
type ProbeResult struct {
	URL           string    `json:"url"`
	Reachable     bool      `json:"reachable"`
	ElapsedMillis int64     `json:"elapsed_ms"`
	HTTPStatus    *int      `json:"http_status,omitempty"`
	Error         string    `json:"error,omitempty"`
	CheckedAt     time.Time `json:"checked_at"`
}

// Role tells which side of the pair a selection landed on.
type Role string

const (
	RolePrimary  Role = "primary"
	RoleFallback Role = "fallback"
	// RoleDegraded means neither endpoint answered and the primary was returned anyway.
	RoleDegraded Role = "degraded"
)

// EndpointStatus is the joined result of probing both endpoints.
type EndpointStatus struct {
	Primary   ProbeResult `json:"primary"`
	Fallback  ProbeResult `json:"fallback"`
	Selected  string      `json:"selected"`
	Role      Role        `json:"role"`
	CheckedAt time.Time   `json:"checked_at"`
}

// StatusEntry stores the results of one refresh round.
type StatusEntry struct {
	Timestamp time.Time     `json:"timestamp"`
	Mode      string        `json:"mode,omitempty"`
	Selected  string        `json:"selected"`
	Role      Role          `json:"role"`
	Checks    []ProbeResult `json:"checks"`
}

// TunnelStatus is one sample of whether the selected endpoint sits behind a
// tunnel that demands interactive authentication.
type TunnelStatus struct {
	URL          string    `json:"url"`
	RequiresAuth bool      `json:"requires_auth"`
	CheckedAt    time.Time `json:"checked_at"`
}

// EndpointTimeline is a compact, bucketed availability series for one URL.
type EndpointTimeline struct {
	URL      string          `json:"url"`
	Timeline []TimelinePoint `json:"timeline"`
}

// TimelinePoint summarises every sample that fell into one bucket.
type TimelinePoint struct {
	State   string           `json:"state"`
	Label   string           `json:"label"`
	Start   time.Time        `json:"start"`
	End     time.Time        `json:"end"`
	Details []TimelineDetail `json:"details,omitempty"`
}

// TimelineDetail explains a non-healthy sample inside a bucket.
type TimelineDetail struct {
	Timestamp time.Time `json:"timestamp"`
	State     string    `json:"state"`
	Error     string    `json:"error,omitempty"`
}
