// Package selector picks between a primary and a fallback API endpoint based on
// recent health probes. Probe outcomes are cached per URL for a freshness window
// so repeated selections do not hit the network.
package selector

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/errgroup"

	"apifallback/internal/models"
)

// DefaultTTL is how long a probe result stays fresh.
const DefaultTTL = 30 * time.Second

// maxAttempts bounds how often a selection restarts after concurrent reconfigures.
const maxAttempts = 3

var (
	// ErrInvalidConfig is returned for endpoint configurations that fail validation.
	ErrInvalidConfig = errors.New("invalid endpoint config")
	// ErrNilProber is returned by New when no prober is supplied.
	ErrNilProber = errors.New("prober is nil")
)

// Prober performs a single bounded-duration reachability check.
type Prober interface {
	Probe(ctx context.Context, baseURL string, timeout time.Duration) models.ProbeResult
}

// Observer is notified about every stored probe and every selection.
type Observer interface {
	ObserveProbe(models.ProbeResult)
	ObserveSelection(models.Role)
}

// EntryState is the lifecycle position of a cached URL.
type EntryState int

const (
	StateUnprobed EntryState = iota
	StateFresh
	StateStale
)

func (s EntryState) String() string {
	switch s {
	case StateFresh:
		return "fresh"
	case StateStale:
		return "stale"
	default:
		return "unprobed"
	}
}

type entry struct {
	result   models.ProbeResult
	storedAt time.Time
}

// Entry is a snapshot of one cached probe result.
type Entry struct {
	Result   models.ProbeResult `json:"result"`
	StoredAt time.Time          `json:"stored_at"`
	State    string             `json:"state"`
}

// Selector chooses the endpoint subsequent requests should use.
type Selector struct {
	prober   Prober
	ttl      time.Duration
	now      func() time.Time
	logger   hclog.Logger
	observer Observer

	mu         sync.RWMutex
	cfg        models.EndpointConfig
	generation uint64
	cache      map[string]entry
}

// New constructs a Selector for cfg.
func New(cfg models.EndpointConfig, prober Prober, opt ...Option) (*Selector, error) {
	if prober == nil {
		return nil, ErrNilProber
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	opts, err := getOpts(opt...)
	if err != nil {
		return nil, fmt.Errorf("selector options: %w", err)
	}
	return &Selector{
		prober:   prober,
		ttl:      opts.withTTL,
		now:      opts.withClock,
		logger:   opts.withLogger,
		observer: opts.withObserver,
		cfg:      cfg,
		cache:    make(map[string]entry),
	}, nil
}

// Config returns the active configuration.
func (s *Selector) Config() models.EndpointConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Reconfigure swaps the configuration and drops every cached result. Probes
// still in flight from the previous configuration are discarded when they land.
func (s *Selector) Reconfigure(cfg models.EndpointConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	s.mu.Lock()
	s.cfg = cfg
	s.cache = make(map[string]entry)
	s.generation++
	gen := s.generation
	s.mu.Unlock()

	s.logger.Info("reconfigured", "primary", cfg.PrimaryURL, "fallback", cfg.FallbackURL, "generation", gen)
	return nil
}

// Check returns the cached result for url while it is fresh, and probes otherwise.
func (s *Selector) Check(ctx context.Context, url string) models.ProbeResult {
	_, gen := s.snapshot()
	res, _ := s.check(ctx, url, gen)
	return res
}

// Probe always issues a network probe and overwrites the cached entry for url.
func (s *Selector) Probe(ctx context.Context, url string) models.ProbeResult {
	cfg, gen := s.snapshot()
	res, _ := s.probe(ctx, url, gen, cfg.Timeout())
	return res
}

func (s *Selector) snapshot() (models.EndpointConfig, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg, s.generation
}

// check serves a fresh entry or probes, both under generation gen. It reports
// false when the configuration moved past gen, in which case the result must
// not be used for a decision.
func (s *Selector) check(ctx context.Context, url string, gen uint64) (models.ProbeResult, bool) {
	s.mu.RLock()
	current := s.generation == gen
	e, ok := s.cache[url]
	timeout := s.cfg.Timeout()
	s.mu.RUnlock()

	if !current {
		return models.ProbeResult{}, false
	}
	if ok && s.fresh(e) {
		return e.result, true
	}
	return s.probe(ctx, url, gen, timeout)
}

func (s *Selector) forced(ctx context.Context, url string, gen uint64) (models.ProbeResult, bool) {
	s.mu.RLock()
	current := s.generation == gen
	timeout := s.cfg.Timeout()
	s.mu.RUnlock()

	if !current {
		return models.ProbeResult{}, false
	}
	return s.probe(ctx, url, gen, timeout)
}

func (s *Selector) probe(ctx context.Context, url string, gen uint64, timeout time.Duration) (models.ProbeResult, bool) {
	res := s.prober.Probe(ctx, url, timeout)

	s.mu.Lock()
	stored := s.generation == gen
	if stored {
		s.cache[url] = entry{result: res, storedAt: s.now()}
	}
	s.mu.Unlock()

	if !stored {
		s.logger.Debug("discarding probe from previous configuration", "url", url, "generation", gen)
		return res, false
	}
	if s.observer != nil {
		s.observer.ObserveProbe(res)
	}
	return res, true
}

// Select returns the URL requests should go to. It never fails: when both
// endpoints are down the primary is returned and the caller's request surfaces the error.
func (s *Selector) Select(ctx context.Context) string {
	url, _ := s.SelectWithRole(ctx)
	return url
}

// SelectWithRole is Select plus which side of the pair was picked. A
// reconfiguration landing mid-selection restarts it under the new pair.
func (s *Selector) SelectWithRole(ctx context.Context) (string, models.Role) {
	var (
		cfg models.EndpointConfig
		gen uint64
	)
	for attempt := 0; attempt < maxAttempts; attempt++ {
		cfg, gen = s.snapshot()
		if url, role, ok := s.selectOnce(ctx, cfg, gen); ok {
			s.observeSelection(role)
			return url, role
		}
		s.logger.Debug("configuration changed during selection, restarting", "generation", gen)
	}

	cfg, _ = s.snapshot()
	s.logger.Warn("configuration kept changing during selection, using primary", "primary", cfg.PrimaryURL)
	s.observeSelection(models.RoleDegraded)
	return cfg.PrimaryURL, models.RoleDegraded
}

func (s *Selector) selectOnce(ctx context.Context, cfg models.EndpointConfig, gen uint64) (string, models.Role, bool) {
	primary, ok := s.check(ctx, cfg.PrimaryURL, gen)
	if !ok {
		return "", "", false
	}
	if primary.Reachable {
		return cfg.PrimaryURL, models.RolePrimary, true
	}
	fallback, ok := s.check(ctx, cfg.FallbackURL, gen)
	if !ok {
		return "", "", false
	}
	if fallback.Reachable {
		return cfg.FallbackURL, models.RoleFallback, true
	}
	s.logger.Warn("no endpoint reachable, using primary", "primary", cfg.PrimaryURL, "fallback", cfg.FallbackURL)
	return cfg.PrimaryURL, models.RoleDegraded, true
}

func (s *Selector) observeSelection(role models.Role) {
	if s.observer != nil {
		s.observer.ObserveSelection(role)
	}
}

// Status checks both endpoints concurrently, serving fresh cache entries.
func (s *Selector) Status(ctx context.Context) models.EndpointStatus {
	return s.status(ctx, s.check)
}

// Refresh probes both endpoints concurrently, bypassing the cache.
func (s *Selector) Refresh(ctx context.Context) models.EndpointStatus {
	return s.status(ctx, s.forced)
}

type checkFunc func(ctx context.Context, url string, gen uint64) (models.ProbeResult, bool)

func (s *Selector) status(ctx context.Context, check checkFunc) models.EndpointStatus {
	var (
		cfg models.EndpointConfig
		gen uint64
		st  models.EndpointStatus
		ok  bool
	)
	for attempt := 0; attempt < maxAttempts; attempt++ {
		cfg, gen = s.snapshot()
		if st, ok = s.statusOnce(ctx, cfg, gen, check); ok {
			return st
		}
		s.logger.Debug("configuration changed during status check, restarting", "generation", gen)
	}
	// results from a superseded pair are never reported
	return models.EndpointStatus{
		Primary:   models.ProbeResult{URL: cfg.PrimaryURL, Error: "configuration changed during check"},
		Fallback:  models.ProbeResult{URL: cfg.FallbackURL, Error: "configuration changed during check"},
		Selected:  cfg.PrimaryURL,
		Role:      models.RoleDegraded,
		CheckedAt: s.now().UTC(),
	}
}

func (s *Selector) statusOnce(ctx context.Context, cfg models.EndpointConfig, gen uint64, check checkFunc) (models.EndpointStatus, bool) {
	var (
		primary, fallback     models.ProbeResult
		primaryOK, fallbackOK bool
		g                     errgroup.Group
	)
	g.Go(func() error {
		primary, primaryOK = check(ctx, cfg.PrimaryURL, gen)
		return nil
	})
	g.Go(func() error {
		fallback, fallbackOK = check(ctx, cfg.FallbackURL, gen)
		return nil
	})
	_ = g.Wait()
	if !primaryOK || !fallbackOK {
		return models.EndpointStatus{}, false
	}

	st := models.EndpointStatus{
		Primary:   primary,
		Fallback:  fallback,
		Selected:  cfg.PrimaryURL,
		Role:      models.RoleDegraded,
		CheckedAt: s.now().UTC(),
	}
	switch {
	case primary.Reachable:
		st.Role = models.RolePrimary
	case fallback.Reachable:
		st.Selected, st.Role = cfg.FallbackURL, models.RoleFallback
	}
	return st, true
}

// Invalidate drops the cached result for url so the next lookup probes again.
func (s *Selector) Invalidate(url string) {
	s.mu.Lock()
	delete(s.cache, url)
	s.mu.Unlock()
}

// State reports where url sits in the Unprobed -> Fresh -> Stale cycle.
func (s *Selector) State(url string) EntryState {
	s.mu.RLock()
	e, ok := s.cache[url]
	s.mu.RUnlock()

	switch {
	case !ok:
		return StateUnprobed
	case s.fresh(e):
		return StateFresh
	default:
		return StateStale
	}
}

// Entries returns a snapshot of the cache ordered by URL.
func (s *Selector) Entries() []Entry {
	s.mu.RLock()
	out := make([]Entry, 0, len(s.cache))
	for _, e := range s.cache {
		state := StateStale
		if s.fresh(e) {
			state = StateFresh
		}
		out = append(out, Entry{Result: e.result, StoredAt: e.storedAt, State: state.String()})
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Result.URL < out[j].Result.URL })
	return out
}

func (s *Selector) fresh(e entry) bool {
	return s.now().Sub(e.storedAt) < s.ttl
}
