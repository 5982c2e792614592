package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"apifallback/internal/client"
	"apifallback/internal/config"
	"apifallback/internal/metrics"
	"apifallback/internal/models"
	"apifallback/internal/monitor"
	"apifallback/internal/probe"
	"apifallback/internal/selector"
	"apifallback/internal/server"
	"apifallback/internal/storage"
	"apifallback/internal/storage/sqlite"
	"apifallback/internal/tunnel"
)

func main() {
	var (
		configPath = flag.String("config", "config.yaml", "path to configuration file (YAML)")
		addr       = flag.String("addr", "", "address for the web server (overrides config)")
		mode       = flag.String("mode", "", "environment profile to use (overrides config and APIFALLBACK_MODE)")
		once       = flag.Bool("once", false, "print the selected endpoint and exit; exit status 1 when degraded")
		get        = flag.String("get", "", "send GET <path> through the selected endpoint, print the body and exit")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath, *mode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(2)
	}
	if *addr != "" {
		cfg.ListenAddr = *addr
	}

	logger := hclog.New(&hclog.LoggerOptions{
		Name:  "apifallback",
		Level: hclog.LevelFromString(cfg.LogLevel),
	})

	active, profile, err := cfg.Resolve(cfg.Mode)
	if err != nil {
		logger.Error("resolve profile", "error", err)
		os.Exit(2)
	}
	logger.Info("loaded profile", "mode", active, "primary", profile.PrimaryURL, "fallback", profile.FallbackURL, "config", *configPath)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	prober := probe.New(probe.WithLogger(logger.Named("probe")))
	sel, err := selector.New(profile, prober,
		selector.WithLogger(logger.Named("selector")),
		selector.WithObserver(metrics.NewCollector(registry)),
	)
	if err != nil {
		logger.Error("initialise selector", "error", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch {
	case *get != "":
		os.Exit(runGet(ctx, logger, sel, *get))
	case *once:
		os.Exit(runOnce(ctx, sel))
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		logger.Error("initialise storage", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	hub := server.NewHub(logger.Named("stream"))
	interval := time.Duration(cfg.RefreshSeconds) * time.Second

	mon := monitor.New(interval, active, sel, store, hub, logger.Named("monitor"))
	mon.Start()
	defer mon.Stop()

	watcher := monitor.NewTunnelWatcher(interval, sel, tunnel.NewDetectorFunc(nil, func() time.Duration { return sel.Config().Timeout() }), logger.Named("tunnel"))
	watcher.Start()
	defer watcher.Stop()

	srv := server.New(cfg.ListenAddr, server.Deps{
		Selector:      sel,
		Storage:       store,
		Profiles:      cfg,
		Mode:          active,
		Hub:           hub,
		Tunnel:        watcher,
		Gatherer:      registry,
		Logger:        logger.Named("server"),
		OnReconfigure: mon.SetMode,
		HistoryLimit:  cfg.HistoryLimit,
	})

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown", "error", err)
		}
	}()

	logger.Info("listening", "addr", cfg.ListenAddr, "refresh", interval, "history_backend", cfg.HistoryBackend)
	if err := srv.Run(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

func openStore(ctx context.Context, cfg config.Config) (storage.Store, error) {
	switch cfg.HistoryBackend {
	case config.BackendSQLite:
		if err := os.MkdirAll(cfg.DataDirectory, 0o755); err != nil {
			return nil, fmt.Errorf("ensure data directory: %w", err)
		}
		return sqlite.New(ctx, filepath.Join(cfg.DataDirectory, "status_history.db"), cfg.HistoryLimit)
	default:
		return storage.NewFileStore(filepath.Join(cfg.DataDirectory, "status_history.json"), cfg.HistoryLimit)
	}
}

func runOnce(ctx context.Context, sel *selector.Selector) int {
	url, role := sel.SelectWithRole(ctx)
	fmt.Printf("%s\t%s\n", url, role)
	if role == models.RoleDegraded {
		return 1
	}
	return 0
}

func runGet(ctx context.Context, logger hclog.Logger, sel *selector.Selector, path string) int {
	c := client.New(sel, client.WithLogger(logger.Named("client")))
	resp, err := c.Do(ctx, http.MethodGet, path, nil)
	if err != nil {
		if tunnel.IsAuthError(err) {
			fmt.Fprintln(os.Stderr, err)
			return 3
		}
		logger.Error("request failed", "path", path, "error", err)
		return 1
	}
	defer resp.Body.Close()

	if _, err := io.Copy(os.Stdout, resp.Body); err != nil {
		logger.Error("read response", "error", err)
		return 1
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return 1
	}
	return 0
}
