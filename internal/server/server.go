package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"apifallback/internal/config"
	"apifallback/internal/history"
	"apifallback/internal/metrics"
	"apifallback/internal/models"
	"apifallback/internal/monitor"
	"apifallback/internal/selector"
	"apifallback/internal/storage"
)

const (
	defaultHistoryLimit = 200
	maxTimelineHours    = 24 * 7
)

// EndpointSelector is what the API needs from selector.Selector.
type EndpointSelector interface {
	SelectWithRole(ctx context.Context) (string, models.Role)
	Status(ctx context.Context) models.EndpointStatus
	Config() models.EndpointConfig
	Reconfigure(cfg models.EndpointConfig) error
	Entries() []selector.Entry
}

// Profiles resolves environment modes to endpoint pairs.
type Profiles interface {
	Resolve(mode string) (string, models.EndpointConfig, error)
	ProfileNames() []string
}

// Deps are the collaborators the server reads from.
type Deps struct {
	Selector EndpointSelector
	Storage  storage.Store
	Profiles Profiles
	Mode     string
	Hub      *Hub
	Tunnel   monitor.TunnelSource
	Gatherer prometheus.Gatherer
	Logger   hclog.Logger
	// OnReconfigure is called with the new mode after a successful switch.
	OnReconfigure func(mode string)
	HistoryLimit  int
}

// Server wraps HTTP serving of the status API.
type Server struct {
	httpServer    *http.Server
	selector      EndpointSelector
	storage       storage.Store
	profiles      Profiles
	hub           *Hub
	tunnel        monitor.TunnelSource
	logger        hclog.Logger
	onReconfigure func(string)
	historyLimit  int
	now           func() time.Time

	mu   sync.RWMutex
	mode string
}

type endpointResponse struct {
	URL  string      `json:"url"`
	Role models.Role `json:"role"`
}

type configResponse struct {
	Mode     string                `json:"mode"`
	Profile  models.EndpointConfig `json:"profile"`
	Profiles []string              `json:"profiles"`
}

type configRequest struct {
	Mode string `json:"mode"`
}

type timelineResponse struct {
	GeneratedAt time.Time                 `json:"generated_at"`
	RangeStart  time.Time                 `json:"range_start"`
	RangeEnd    time.Time                 `json:"range_end"`
	Selection   []models.TimelinePoint    `json:"selection"`
	Endpoints   []models.EndpointTimeline `json:"endpoints"`
}

type tunnelResponse struct {
	Latest  models.TunnelStatus   `json:"latest"`
	History []models.TunnelStatus `json:"history,omitempty"`
}

// New creates a configured HTTP server for the selector daemon.
func New(addr string, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = hclog.NewNullLogger()
	}
	if deps.Hub == nil {
		deps.Hub = NewHub(deps.Logger)
	}
	if deps.HistoryLimit <= 0 {
		deps.HistoryLimit = defaultHistoryLimit
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}

	mux := http.NewServeMux()
	s := &Server{
		httpServer:    &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second},
		selector:      deps.Selector,
		storage:       deps.Storage,
		profiles:      deps.Profiles,
		hub:           deps.Hub,
		tunnel:        deps.Tunnel,
		logger:        deps.Logger,
		onReconfigure: deps.OnReconfigure,
		historyLimit:  deps.HistoryLimit,
		now:           time.Now,
		mode:          deps.Mode,
	}
	s.registerRoutes(mux, deps.Gatherer)
	return s
}

// Handler exposes the route table, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run blocks and serves HTTP traffic.
func (s *Server) Run() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown disconnects stream subscribers and gracefully shuts the server down.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	return s.httpServer.Shutdown(ctx)
}

// Mode returns the environment the selector is currently configured for.
func (s *Server) Mode() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mode
}

func (s *Server) registerRoutes(mux *http.ServeMux, gatherer prometheus.Gatherer) {
	mux.HandleFunc("/api/status", s.handleLatest)
	mux.HandleFunc("/api/history", s.handleHistory)
	mux.HandleFunc("/api/uptime", s.handleUptime)
	mux.HandleFunc("/api/timeline", s.handleTimeline)
	mux.HandleFunc("/api/endpoint", s.handleEndpoint)
	mux.HandleFunc("/api/endpoints", s.handleEndpoints)
	mux.HandleFunc("/api/cache", s.handleCache)
	mux.HandleFunc("/api/tunnel", s.handleTunnel)
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/stream", s.handleStream)
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
}

func (s *Server) handleLatest(w http.ResponseWriter, _ *http.Request) {
	entry, ok := s.storage.Latest()
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{
			"timestamp": nil,
			"checks":    []models.ProbeResult{},
		})
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r, s.historyLimit)
	writeJSON(w, http.StatusOK, s.storage.HistoryN(limit))
}

func (s *Server) handleUptime(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r, s.historyLimit)
	summary := metrics.ComputeEndpointUptime(s.storage.HistoryN(limit))
	if summary == nil {
		summary = []metrics.EndpointUptime{}
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	hours := parseInt(r, "hours", 1, maxTimelineHours)
	points := parseInt(r, "points", history.DefaultTimelinePoints, 500)

	end := s.now().UTC()
	start := end.Add(-time.Duration(hours) * time.Hour)
	entries := s.storage.HistoryN(0)

	resp := timelineResponse{
		GeneratedAt: end,
		RangeStart:  start,
		RangeEnd:    end,
		Selection:   history.BuildSelectionTimeline(entries, start, end, points),
		Endpoints:   history.BuildEndpointTimelines(entries, start, end, points),
	}
	if resp.Endpoints == nil {
		resp.Endpoints = []models.EndpointTimeline{}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleEndpoint(w http.ResponseWriter, r *http.Request) {
	url, role := s.selector.SelectWithRole(r.Context())
	writeJSON(w, http.StatusOK, endpointResponse{URL: url, Role: role})
}

func (s *Server) handleEndpoints(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.selector.Status(r.Context()))
}

func (s *Server) handleCache(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.selector.Entries())
}

func (s *Server) handleTunnel(w http.ResponseWriter, r *http.Request) {
	if s.tunnel == nil {
		writeError(w, http.StatusNotFound, errors.New("tunnel detection is disabled"))
		return
	}
	latest, ok := s.tunnel.Latest()
	if !ok || r.URL.Query().Get("refresh") == "true" {
		latest = s.tunnel.Check(r.Context())
	}
	resp := tunnelResponse{Latest: latest}
	if hours := parseInt(r, "hours", 0, maxTimelineHours); hours > 0 {
		resp.History = s.tunnel.HistorySince(s.now().Add(-time.Duration(hours) * time.Hour))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.configSnapshot())
	case http.MethodPost:
		var req configRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		resp, status, err := s.switchMode(req.Mode)
		if err != nil {
			writeError(w, status, err)
			return
		}
		s.logger.Info("switched environment", "mode", resp.Mode)
		writeJSON(w, http.StatusOK, resp)
	default:
		w.Header().Set("Allow", "GET, POST")
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
	}
}

// switchMode reconfigures the selector and records the new mode as one step,
// so concurrent switches cannot leave them pointing at different profiles.
func (s *Server) switchMode(requested string) (configResponse, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mode, profile, err := s.profiles.Resolve(requested)
	if err != nil {
		if errors.Is(err, config.ErrUnknownMode) {
			return configResponse{}, http.StatusNotFound, err
		}
		return configResponse{}, http.StatusBadRequest, err
	}
	if err := s.selector.Reconfigure(profile); err != nil {
		return configResponse{}, http.StatusUnprocessableEntity, err
	}
	s.mode = mode
	if s.onReconfigure != nil {
		s.onReconfigure(mode)
	}
	return configResponse{
		Mode:     mode,
		Profile:  s.selector.Config(),
		Profiles: s.profiles.ProfileNames(),
	}, http.StatusOK, nil
}

func (s *Server) configSnapshot() configResponse {
	return configResponse{
		Mode:     s.Mode(),
		Profile:  s.selector.Config(),
		Profiles: s.profiles.ProfileNames(),
	}
}

func parseLimit(r *http.Request, fallback int) int {
	if fallback <= 0 {
		return fallback
	}
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return fallback
	}
	if value > fallback {
		return fallback
	}
	return value
}

func parseInt(r *http.Request, key string, fallback, ceiling int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return fallback
	}
	if value > ceiling {
		return ceiling
	}
	return value
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
