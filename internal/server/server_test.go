package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"apifallback/internal/config"
	"apifallback/internal/metrics"
	"apifallback/internal/models"
	"apifallback/internal/monitor"
	"apifallback/internal/selector"
	"apifallback/internal/storage"
)

// tableProber reports every URL in up as reachable.
type tableProber struct {
	mu sync.Mutex
	up map[string]bool
}

func (p *tableProber) Probe(_ context.Context, url string, _ time.Duration) models.ProbeResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	res := models.ProbeResult{URL: url, Reachable: p.up[url], CheckedAt: time.Now().UTC()}
	if !res.Reachable {
		res.Error = "connection refused"
	}
	return res
}

type noTunnel struct{}

func (noTunnel) RequiresAuth(context.Context, string) bool { return false }

type fixture struct {
	server *Server
	store  *storage.FileStore
	sel    *selector.Selector
	reg    *prometheus.Registry

	mu    sync.Mutex
	modes []string
}

func newFixture(t *testing.T, up map[string]bool) *fixture {
	t.Helper()
	cfg := config.DefaultConfig()
	_, profile, err := cfg.Resolve("development")
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	sel, err := selector.New(profile, &tableProber{up: up}, selector.WithObserver(metrics.NewCollector(reg)))
	require.NoError(t, err)

	store, err := storage.NewFileStore(filepath.Join(t.TempDir(), "history.json"), 50)
	require.NoError(t, err)

	f := &fixture{store: store, sel: sel, reg: reg}
	f.server = New(":0", Deps{
		Selector: sel,
		Storage:  store,
		Profiles: cfg,
		Mode:     "development",
		Tunnel:   monitor.NewTunnelWatcher(0, sel, noTunnel{}, nil),
		Gatherer: reg,
		OnReconfigure: func(mode string) {
			f.mu.Lock()
			f.modes = append(f.modes, mode)
			f.mu.Unlock()
		},
	})
	return f
}

func (f *fixture) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

var devPrimary = config.DefaultProfiles()["development"].PrimaryURL
var devFallback = config.DefaultProfiles()["development"].FallbackURL

func sampleEntry(ts time.Time, role models.Role) models.StatusEntry {
	return models.StatusEntry{
		Timestamp: ts,
		Mode:      "development",
		Selected:  devFallback,
		Role:      role,
		Checks: []models.ProbeResult{
			{URL: devPrimary, Error: "request timed out"},
			{URL: devFallback, Reachable: true, ElapsedMillis: 12},
		},
	}
}

func TestStatusEmpty(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"timestamp":null,"checks":[]}`, rec.Body.String())
}

func TestStatusHistoryUptime(t *testing.T) {
	f := newFixture(t, nil)
	now := time.Now().UTC()
	for i := 0; i < 3; i++ {
		require.NoError(t, f.store.Append(sampleEntry(now.Add(time.Duration(i)*time.Minute), models.RoleFallback)))
	}

	rec := f.do(t, http.MethodGet, "/api/status", "")
	assert.Equal(t, devFallback, decode[models.StatusEntry](t, rec).Selected)

	rec = f.do(t, http.MethodGet, "/api/history?limit=2", "")
	assert.Len(t, decode[[]models.StatusEntry](t, rec), 2)

	rec = f.do(t, http.MethodGet, "/api/uptime", "")
	uptime := decode[[]metrics.EndpointUptime](t, rec)
	require.Len(t, uptime, 2)
	for _, u := range uptime {
		if u.URL == devFallback {
			assert.Equal(t, 100.0, u.UptimePercent)
			assert.Equal(t, 3, u.Selected)
		}
	}
}

func TestEndpointSelectsFallback(t *testing.T) {
	f := newFixture(t, map[string]bool{devFallback: true})

	rec := f.do(t, http.MethodGet, "/api/endpoint", "")
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[endpointResponse](t, rec)
	assert.Equal(t, devFallback, got.URL)
	assert.Equal(t, models.RoleFallback, got.Role)

	rec = f.do(t, http.MethodGet, "/api/cache", "")
	entries := decode[[]selector.Entry](t, rec)
	require.Len(t, entries, 2)
	assert.Equal(t, "fresh", entries[0].State)
}

func TestEndpointsReportsBoth(t *testing.T) {
	f := newFixture(t, map[string]bool{devPrimary: true, devFallback: true})

	rec := f.do(t, http.MethodGet, "/api/endpoints", "")
	st := decode[models.EndpointStatus](t, rec)
	assert.True(t, st.Primary.Reachable)
	assert.True(t, st.Fallback.Reachable)
	assert.Equal(t, models.RolePrimary, st.Role)
}

func TestTimeline(t *testing.T) {
	f := newFixture(t, nil)
	now := time.Now().UTC()
	require.NoError(t, f.store.Append(sampleEntry(now.Add(-5*time.Minute), models.RoleFallback)))

	rec := f.do(t, http.MethodGet, "/api/timeline?hours=1&points=6", "")
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[timelineResponse](t, rec)
	assert.Len(t, got.Selection, 6)
	require.Len(t, got.Endpoints, 2)
	assert.Equal(t, "Failover", got.Selection[5].Label)
}

func TestTunnel(t *testing.T) {
	f := newFixture(t, map[string]bool{devPrimary: true})

	rec := f.do(t, http.MethodGet, "/api/tunnel?hours=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[tunnelResponse](t, rec)
	assert.Equal(t, devPrimary, got.Latest.URL)
	assert.False(t, got.Latest.RequiresAuth)
	assert.Len(t, got.History, 1)
}

func TestConfigGetAndSwitch(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodGet, "/api/config", "")
	got := decode[configResponse](t, rec)
	assert.Equal(t, "development", got.Mode)
	assert.Equal(t, []string{"development", "production", "staging"}, got.Profiles)

	// populate the cache so the switch has something to clear
	f.do(t, http.MethodGet, "/api/endpoint", "")
	require.NotEmpty(t, f.sel.Entries())

	rec = f.do(t, http.MethodPost, "/api/config", `{"mode":"Production"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got = decode[configResponse](t, rec)
	assert.Equal(t, "production", got.Mode)
	assert.Equal(t, config.DefaultProfiles()["production"], got.Profile)
	assert.Equal(t, []string{"production"}, f.modes)
	assert.Empty(t, f.sel.Entries())
	assert.Equal(t, "production", f.server.Mode())
}

func TestConfigConcurrentSwitches(t *testing.T) {
	f := newFixture(t, nil)
	profiles := config.DefaultProfiles()
	modes := []string{"development", "production", "staging"}

	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(mode string) {
			defer wg.Done()
			rec := f.do(t, http.MethodPost, "/api/config", `{"mode":"`+mode+`"}`)
			assert.Equal(t, http.StatusOK, rec.Code)
		}(modes[i%len(modes)])
	}
	wg.Wait()

	mode := f.server.Mode()
	assert.Equal(t, profiles[mode], f.sel.Config())

	f.mu.Lock()
	defer f.mu.Unlock()
	require.Len(t, f.modes, 30)
	assert.Equal(t, mode, f.modes[len(f.modes)-1])
}

func TestConfigErrors(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/api/config", `{"mode":"qa"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "unknown environment mode")

	rec = f.do(t, http.MethodPost, "/api/config", `{`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodDelete, "/api/config", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "GET, POST", rec.Header().Get("Allow"))
	assert.Empty(t, f.modes)
}

func TestMetricsAndHealthz(t *testing.T) {
	f := newFixture(t, map[string]bool{devPrimary: true})
	f.do(t, http.MethodGet, "/api/endpoint", "")

	rec := f.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `apifallback_selections_total{role="primary"} 1`)

	rec = f.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestParseLimit(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/?limit=5", nil)
	assert.Equal(t, 5, parseLimit(req, 10))
	req = httptest.NewRequest(http.MethodGet, "/?limit=50", nil)
	assert.Equal(t, 10, parseLimit(req, 10))
	req = httptest.NewRequest(http.MethodGet, "/?limit=x", nil)
	assert.Equal(t, 10, parseLimit(req, 10))
}

func TestStream(t *testing.T) {
	f := newFixture(t, nil)
	first := sampleEntry(time.Now().UTC().Add(-time.Minute), models.RoleFallback)
	require.NoError(t, f.store.Append(first))

	srv := httptest.NewServer(f.server.Handler())
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/api/stream", nil)
	require.NoError(t, err)
	defer conn.Close()

	var got models.StatusEntry
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, models.RoleFallback, got.Role)

	require.Eventually(t, func() bool { return f.server.hub.Clients() == 1 }, time.Second, 5*time.Millisecond)
	next := sampleEntry(time.Now().UTC(), models.RoleDegraded)
	f.server.hub.Publish(next)

	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, models.RoleDegraded, got.Role)

	f.server.hub.Close()
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway))
}

func TestStreamRejectsForeignOrigin(t *testing.T) {
	f := newFixture(t, nil)
	srv := httptest.NewServer(f.server.Handler())
	defer srv.Close()

	header := http.Header{"Origin": []string{"https://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/api/stream", header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}
