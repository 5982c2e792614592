package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"apifallback/internal/models"
)

const (
	// EnvPrefix is prepended to every environment override, e.g. APIFALLBACK_MODE.
	EnvPrefix = "APIFALLBACK"

	DefaultMode          = "development"
	DefaultTimeoutMillis = 5000

	BackendJSON   = "json"
	BackendSQLite = "sqlite"
)

// ErrUnknownMode is returned when no profile matches the requested mode.
var ErrUnknownMode = errors.New("unknown environment mode")

// Config represents configuration data for the endpoint selector daemon.
type Config struct {
	Mode           string                           `yaml:"mode"`
	ListenAddr     string                           `yaml:"listen_addr"`
	DataDirectory  string                           `yaml:"data_directory"`
	HistoryBackend string                           `yaml:"history_backend"`
	HistoryLimit   int                              `yaml:"history_limit"`
	RefreshSeconds int                              `yaml:"refresh_seconds"`
	LogLevel       string                           `yaml:"log_level"`
	Profiles       map[string]models.EndpointConfig `yaml:"profiles"`
}

// env lists what can be overridden from the environment.
type env struct {
	Mode           string `envconfig:"MODE"`
	ListenAddr     string `envconfig:"LISTEN_ADDR"`
	DataDirectory  string `envconfig:"DATA_DIR"`
	HistoryBackend string `envconfig:"HISTORY_BACKEND"`
	RefreshSeconds int    `envconfig:"REFRESH_SECONDS"`
	LogLevel       string `envconfig:"LOG_LEVEL"`
}

// DefaultProfiles returns the built-in environment profiles.
func DefaultProfiles() map[string]models.EndpointConfig {
	return map[string]models.EndpointConfig{
		"production": {
			PrimaryURL:    "https://api.edusphere.app",
			FallbackURL:   "https://api-backup.edusphere.app",
			TimeoutMillis: 10000,
			MaxRetries:    3,
		},
		"staging": {
			PrimaryURL:    "https://staging-api.edusphere.app",
			FallbackURL:   "https://staging-api-backup.edusphere.app",
			TimeoutMillis: 8000,
			MaxRetries:    2,
		},
		"development": {
			PrimaryURL:    "http://localhost:8000",
			FallbackURL:   "http://127.0.0.1:8001",
			TimeoutMillis: DefaultTimeoutMillis,
			MaxRetries:    1,
		},
	}
}

// DefaultConfig returns sensible defaults in case no configuration file is provided.
func DefaultConfig() Config {
	return Config{
		ListenAddr:     ":8080",
		DataDirectory:  filepath.Join(".dist", "data"),
		HistoryBackend: BackendJSON,
		HistoryLimit:   500,
		RefreshSeconds: 30,
		LogLevel:       "info",
		Profiles:       DefaultProfiles(),
	}
}

// Load reads configuration from yaml file. Missing files fall back to defaults.
// Environment overrides are applied on top, then modeOverride when non-empty,
// and the result is validated.
func Load(path, modeOverride string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		content, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("read config: %w", err)
		default:
			// profiles listed in the file replace the built-in set
			cfg.Profiles = nil
			if err := yaml.Unmarshal(content, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config: %w", err)
			}
			if len(cfg.Profiles) == 0 {
				cfg.Profiles = DefaultProfiles()
			}
		}
	}

	if err := ApplyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if modeOverride != "" {
		cfg.Mode = modeOverride
	}
	normalize(&cfg)
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overlays APIFALLBACK_* environment variables onto cfg.
func ApplyEnv(cfg *Config) error {
	var e env
	if err := envconfig.Process(EnvPrefix, &e); err != nil {
		return fmt.Errorf("read environment: %w", err)
	}
	if e.Mode != "" {
		cfg.Mode = e.Mode
	}
	if e.ListenAddr != "" {
		cfg.ListenAddr = e.ListenAddr
	}
	if e.DataDirectory != "" {
		cfg.DataDirectory = e.DataDirectory
	}
	if e.HistoryBackend != "" {
		cfg.HistoryBackend = e.HistoryBackend
	}
	if e.RefreshSeconds > 0 {
		cfg.RefreshSeconds = e.RefreshSeconds
	}
	if e.LogLevel != "" {
		cfg.LogLevel = e.LogLevel
	}
	return nil
}

func normalize(cfg *Config) {
	def := DefaultConfig()
	cfg.Mode = normalizeMode(cfg.Mode)
	cfg.HistoryBackend = strings.ToLower(strings.TrimSpace(cfg.HistoryBackend))
	if cfg.HistoryBackend == "" {
		cfg.HistoryBackend = def.HistoryBackend
	}
	if cfg.DataDirectory == "" {
		cfg.DataDirectory = def.DataDirectory
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = def.ListenAddr
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = def.HistoryLimit
	}
	if cfg.RefreshSeconds <= 0 {
		cfg.RefreshSeconds = def.RefreshSeconds
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	profiles := make(map[string]models.EndpointConfig, len(cfg.Profiles))
	for name, p := range cfg.Profiles {
		if p.TimeoutMillis == 0 {
			p.TimeoutMillis = DefaultTimeoutMillis
		}
		profiles[normalizeMode(name)] = p
	}
	cfg.Profiles = profiles
}

func normalizeMode(mode string) string {
	mode = strings.ToLower(strings.TrimSpace(mode))
	if mode == "" {
		return DefaultMode
	}
	return mode
}

// Validate checks configuration correctness and reports every problem found.
// It does not mutate cfg.
func Validate(cfg Config) error {
	var result *multierror.Error

	if len(cfg.Profiles) == 0 {
		result = multierror.Append(result, errors.New("configuration must define at least one profile"))
	}
	names := make([]string, 0, len(cfg.Profiles))
	for name := range cfg.Profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := cfg.Profiles[name].Validate(); err != nil {
			result = multierror.Append(result, fmt.Errorf("profile %q: %w", name, err))
		}
	}

	if len(cfg.Profiles) > 0 {
		if _, _, err := cfg.Resolve(cfg.Mode); err != nil {
			result = multierror.Append(result, err)
		}
	}
	switch cfg.HistoryBackend {
	case BackendJSON, BackendSQLite:
	default:
		result = multierror.Append(result, fmt.Errorf("history_backend must be %q or %q, got %q", BackendJSON, BackendSQLite, cfg.HistoryBackend))
	}
	if cfg.HistoryLimit <= 0 {
		result = multierror.Append(result, fmt.Errorf("history_limit must be positive, got %d", cfg.HistoryLimit))
	}
	if cfg.RefreshSeconds <= 0 {
		result = multierror.Append(result, fmt.Errorf("refresh_seconds must be positive, got %d", cfg.RefreshSeconds))
	}
	if hclog.LevelFromString(cfg.LogLevel) == hclog.NoLevel {
		result = multierror.Append(result, fmt.Errorf("unknown log_level %q", cfg.LogLevel))
	}
	return result.ErrorOrNil()
}

// Resolve maps an environment mode to its profile. An empty mode means development.
func (c Config) Resolve(mode string) (string, models.EndpointConfig, error) {
	mode = normalizeMode(mode)
	p, ok := c.Profiles[mode]
	if !ok {
		return mode, models.EndpointConfig{}, fmt.Errorf("%w %q (known: %s)", ErrUnknownMode, mode, strings.Join(c.ProfileNames(), ", "))
	}
	return mode, p, nil
}

// ProfileNames returns the configured profile names in order.
func (c Config) ProfileNames() []string {
	names := make([]string, 0, len(c.Profiles))
	for name := range c.Profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
