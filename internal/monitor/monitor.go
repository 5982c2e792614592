package monitor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"

	"apifallback/internal/models"
	"apifallback/internal/storage"
)

// DefaultInterval is used when no refresh interval is configured.
const DefaultInterval = 30 * time.Second

// Refresher force-probes the endpoint pair.
type Refresher interface {
	Refresh(ctx context.Context) models.EndpointStatus
}

// Publisher receives every entry the monitor records.
type Publisher interface {
	Publish(models.StatusEntry)
}

// Monitor periodically refreshes the endpoint pair and persists the outcome.
type Monitor struct {
	interval  time.Duration
	refresher Refresher
	storage   storage.Store
	publisher Publisher
	logger    hclog.Logger

	mu   sync.RWMutex
	mode string

	started  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New creates a monitor. publisher and logger may be nil.
func New(interval time.Duration, mode string, refresher Refresher, store storage.Store, publisher Publisher, logger hclog.Logger) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	return &Monitor{
		interval:  interval,
		mode:      mode,
		refresher: refresher,
		storage:   store,
		publisher: publisher,
		logger:    logger,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start launches the monitoring loop in a goroutine. Only the first call
// has an effect.
func (m *Monitor) Start() {
	if !m.started.CompareAndSwap(false, true) {
		return
	}
	go m.run()
}

// Stop requests graceful loop termination and waits until it is done.
// It is safe to call more than once, and returns at once if Start was never
// called.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	if m.started.Load() {
		<-m.doneCh
	}
}

// SetMode changes the environment label attached to new entries.
func (m *Monitor) SetMode(mode string) {
	m.mu.Lock()
	m.mode = mode
	m.mu.Unlock()
}

// Mode returns the environment label attached to new entries.
func (m *Monitor) Mode() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mode
}

// RunOnce executes a single refresh round and returns the entry.
func (m *Monitor) RunOnce(ctx context.Context) (models.StatusEntry, error) {
	status := m.refresher.Refresh(ctx)
	entry := models.StatusEntry{
		Timestamp: status.CheckedAt,
		Mode:      m.Mode(),
		Selected:  status.Selected,
		Role:      status.Role,
		Checks:    []models.ProbeResult{status.Primary, status.Fallback},
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	m.logger.Debug("refreshed endpoints", "selected", entry.Selected, "role", entry.Role)
	if entry.Role == models.RoleDegraded {
		m.logger.Warn("no endpoint reachable", "primary", status.Primary.Error, "fallback", status.Fallback.Error)
	}

	if m.publisher != nil {
		m.publisher.Publish(entry)
	}
	if err := m.storage.Append(entry); err != nil {
		return entry, err
	}
	return entry, nil
}

func (m *Monitor) run() {
	defer close(m.doneCh)
	select {
	case <-m.stopCh:
		return
	default:
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-m.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	if _, err := m.RunOnce(ctx); err != nil {
		m.logger.Error("initial refresh failed", "error", err)
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := m.RunOnce(ctx); err != nil {
				m.logger.Error("monitor tick failed", "error", err)
			}
		case <-m.stopCh:
			return
		}
	}
}
