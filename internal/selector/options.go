package selector

import (
	"errors"
	"time"

	"github.com/hashicorp/go-hclog"
)

type options struct {
	withTTL      time.Duration
	withClock    func() time.Time
	withLogger   hclog.Logger
	withObserver Observer
}

// Option - how options are passed as args
type Option func(*options) error

func getDefaultOptions() options {
	return options{
		withTTL:    DefaultTTL,
		withClock:  time.Now,
		withLogger: hclog.NewNullLogger(),
	}
}

func getOpts(opt ...Option) (options, error) {
	opts := getDefaultOptions()
	for _, o := range opt {
		if o == nil {
			continue
		}
		if err := o(&opts); err != nil {
			return opts, err
		}
	}
	return opts, nil
}

// WithTTL sets the freshness window of cached probe results.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) error {
		if ttl <= 0 {
			return errors.New("ttl must be positive")
		}
		o.withTTL = ttl
		return nil
	}
}

// WithClock provides the time source used for cache freshness.
func WithClock(now func() time.Time) Option {
	return func(o *options) error {
		if now == nil {
			return errors.New("clock is nil")
		}
		o.withClock = now
		return nil
	}
}

// WithLogger provides a logger.
func WithLogger(l hclog.Logger) Option {
	return func(o *options) error {
		if l == nil {
			return errors.New("logger is nil")
		}
		o.withLogger = l
		return nil
	}
}

// WithObserver registers a hook notified about probes and selections.
func WithObserver(obs Observer) Option {
	return func(o *options) error {
		o.withObserver = obs
		return nil
	}
}
