package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEndpointConfigValidate(t *testing.T) {
	valid := EndpointConfig{PrimaryURL: "https://a", FallbackURL: "http://b:8001", TimeoutMillis: 100}

	tests := []struct {
		name    string
		mutate  func(*EndpointConfig)
		wantErr string
	}{
		{name: "valid", mutate: func(*EndpointConfig) {}},
		{name: "missing primary", mutate: func(c *EndpointConfig) { c.PrimaryURL = "" }, wantErr: "primary_url"},
		{name: "relative fallback", mutate: func(c *EndpointConfig) { c.FallbackURL = "/api" }, wantErr: "fallback_url"},
		{name: "wrong scheme", mutate: func(c *EndpointConfig) { c.PrimaryURL = "ftp://a" }, wantErr: "absolute http or https"},
		{name: "zero timeout", mutate: func(c *EndpointConfig) { c.TimeoutMillis = 0 }, wantErr: "timeout_ms"},
		{name: "negative retries", mutate: func(c *EndpointConfig) { c.MaxRetries = -1 }, wantErr: "max_retries"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tc.wantErr)
		})
	}
}

func TestEndpointConfigTimeout(t *testing.T) {
	assert.Equal(t, 1500*time.Millisecond, EndpointConfig{TimeoutMillis: 1500}.Timeout())
}
