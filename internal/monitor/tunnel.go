package monitor

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"

	"apifallback/internal/models"
)

// TunnelSource exposes tunnel authentication samples.
type TunnelSource interface {
	Latest() (models.TunnelStatus, bool)
	History() []models.TunnelStatus
	HistorySince(time.Time) []models.TunnelStatus
	Check(ctx context.Context) models.TunnelStatus
}

// EndpointPicker returns the endpoint requests currently go to.
type EndpointPicker interface {
	Select(ctx context.Context) string
}

// AuthDetector reports whether baseURL sits behind an authenticating tunnel.
type AuthDetector interface {
	RequiresAuth(ctx context.Context, baseURL string) bool
}

// TunnelWatcher periodically checks whether the selected endpoint is behind a
// tunnel that demands interactive authentication.
type TunnelWatcher struct {
	picker     EndpointPicker
	detector   AuthDetector
	interval   time.Duration
	maxHistory int
	logger     hclog.Logger
	now        func() time.Time

	mu      sync.RWMutex
	latest  *models.TunnelStatus
	history []models.TunnelStatus

	started  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewTunnelWatcher configures a watcher. An interval <= 0 disables the
// background loop; Check still works on demand.
func NewTunnelWatcher(interval time.Duration, picker EndpointPicker, detector AuthDetector, logger hclog.Logger) *TunnelWatcher {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	historyCap := 2048
	if interval > 0 {
		slots := int((24*time.Hour)/interval) + 128 // small buffer
		if slots > historyCap {
			historyCap = slots
		}
		const maxCap = 100000
		if historyCap > maxCap {
			historyCap = maxCap
		}
	}

	return &TunnelWatcher{
		picker:     picker,
		detector:   detector,
		interval:   interval,
		maxHistory: historyCap,
		logger:     logger,
		now:        time.Now,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Start launches the watch loop. If disabled, the watcher exits immediately.
func (w *TunnelWatcher) Start() {
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	if w.interval <= 0 {
		close(w.doneCh)
		return
	}
	go w.run()
}

// Stop requests the watch loop to terminate and waits for it. Without a
// prior Start it returns immediately.
func (w *TunnelWatcher) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	if w.started.Load() {
		<-w.doneCh
	}
}

// Latest returns the most recent sample.
func (w *TunnelWatcher) Latest() (models.TunnelStatus, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.latest == nil {
		return models.TunnelStatus{}, false
	}
	return *w.latest, true
}

// History returns up to maxHistory previous samples.
func (w *TunnelWatcher) History() []models.TunnelStatus {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if len(w.history) == 0 {
		return nil
	}
	out := make([]models.TunnelStatus, len(w.history))
	copy(out, w.history)
	return out
}

// HistorySince returns samples whose timestamp is >= cutoff.
func (w *TunnelWatcher) HistorySince(cutoff time.Time) []models.TunnelStatus {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if len(w.history) == 0 {
		return nil
	}

	idx := sort.Search(len(w.history), func(i int) bool {
		return !w.history[i].CheckedAt.Before(cutoff)
	})
	if idx >= len(w.history) {
		return nil
	}
	out := make([]models.TunnelStatus, len(w.history)-idx)
	copy(out, w.history[idx:])
	return out
}

// Check samples the selected endpoint now and records the result.
func (w *TunnelWatcher) Check(ctx context.Context) models.TunnelStatus {
	url := w.picker.Select(ctx)
	status := models.TunnelStatus{
		URL:          url,
		RequiresAuth: w.detector.RequiresAuth(ctx, url),
		CheckedAt:    w.now().UTC(),
	}

	w.mu.Lock()
	changed := w.latest == nil || w.latest.RequiresAuth != status.RequiresAuth || w.latest.URL != status.URL
	w.latest = &status
	w.history = append(w.history, status)
	if len(w.history) > w.maxHistory {
		w.history = w.history[len(w.history)-w.maxHistory:]
	}
	w.mu.Unlock()

	if changed && status.RequiresAuth {
		w.logger.Warn("endpoint requires tunnel authentication", "url", url)
	}
	return status
}

func (w *TunnelWatcher) run() {
	defer close(w.doneCh)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-w.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	w.Check(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.Check(ctx)
		case <-w.stopCh:
			return
		}
	}
}
