package daemon

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"

	"github.com/expertline/expertline/internal/api"
	"github.com/expertline/expertline/internal/app/availability"
	"github.com/expertline/expertline/internal/app/reconcile"
	"github.com/expertline/expertline/internal/app/session"
	"github.com/expertline/expertline/internal/infra/observability"
	"github.com/expertline/expertline/internal/infra/store"
)

// EnvPrefix prefixes every environment override, e.g. EXPERTLINE_API_PORT.
const EnvPrefix = "EXPERTLINE_"

// Config is the full daemon configuration. It is read from config.toml and
// then overridden from the environment.
type Config struct {
	API       APIConfig       `toml:"api" envPrefix:"API_"`
	Store     StoreConfig     `toml:"store" envPrefix:"STORE_"`
	Engine    EngineConfig    `toml:"engine" envPrefix:"ENGINE_"`
	Sweep     SweepConfig     `toml:"sweep" envPrefix:"SWEEP_"`
	Cache     CacheConfig     `toml:"cache" envPrefix:"CACHE_"`
	Events    EventsConfig    `toml:"events" envPrefix:"EVENTS_"`
	Telemetry TelemetryConfig `toml:"telemetry" envPrefix:"TELEMETRY_"`
	Log       LogConfig       `toml:"log" envPrefix:"LOG_"`
}

type APIConfig struct {
	Host           string `toml:"host" env:"HOST"`
	Port           int    `toml:"port" env:"PORT"`
	RequestTimeout string `toml:"request_timeout" env:"REQUEST_TIMEOUT"`
	TransportToken string `toml:"transport_token" env:"TRANSPORT_TOKEN"`
	AdminToken     string `toml:"admin_token" env:"ADMIN_TOKEN"`
	Metrics        bool   `toml:"metrics" env:"METRICS"`
}

type StoreConfig struct {
	Driver       string `toml:"driver" env:"DRIVER"`
	Path         string `toml:"path" env:"PATH"`
	DSN          string `toml:"dsn" env:"DSN"`
	MaxOpenConns int    `toml:"max_open_conns" env:"MAX_OPEN_CONNS"`
}

type EngineConfig struct {
	AutoEndOnExhaustion bool `toml:"auto_end_on_exhaustion" env:"AUTO_END_ON_EXHAUSTION"`
	ReleaseAttempts     int  `toml:"release_attempts" env:"RELEASE_ATTEMPTS"`
}

type SweepConfig struct {
	Enabled       bool   `toml:"enabled" env:"ENABLED"`
	Interval      string `toml:"interval" env:"INTERVAL"`
	RingTimeout   string `toml:"ring_timeout" env:"RING_TIMEOUT"`
	AcceptTimeout string `toml:"accept_timeout" env:"ACCEPT_TIMEOUT"`
	StaleAfter    string `toml:"stale_after" env:"STALE_AFTER"`
	OrphanGrace   string `toml:"orphan_grace" env:"ORPHAN_GRACE"`
	RosterMaxAge  string `toml:"roster_max_age" env:"ROSTER_MAX_AGE"`
	LeaseTTL      string `toml:"lease_ttl" env:"LEASE_TTL"`
	BatchSize     int    `toml:"batch_size" env:"BATCH_SIZE"`
}

type CacheConfig struct {
	TTL  string `toml:"ttl" env:"TTL"`
	Size int    `toml:"size" env:"SIZE"`
}

type EventsConfig struct {
	// AMQPURL enables publishing to a fanout exchange when set.
	AMQPURL  string `toml:"amqp_url" env:"AMQP_URL"`
	Exchange string `toml:"exchange" env:"EXCHANGE"`
	// Log also writes every event to the log.
	Log bool `toml:"log" env:"LOG"`
}

type TelemetryConfig struct {
	OTLPEndpoint string  `toml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	ServiceName  string  `toml:"service_name" env:"SERVICE_NAME"`
	SampleRatio  float64 `toml:"sample_ratio" env:"SAMPLE_RATIO"`
}

type LogConfig struct {
	Level  string `toml:"level" env:"LEVEL"`
	Format string `toml:"format" env:"FORMAT"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		API: APIConfig{
			Host:           "127.0.0.1",
			Port:           8080,
			RequestTimeout: "30s",
			Metrics:        true,
		},
		Store: StoreConfig{
			Driver: string(store.SQLite),
			Path:   filepath.Join(Home(), "expertline.db"),
		},
		Engine: EngineConfig{
			AutoEndOnExhaustion: true,
			ReleaseAttempts:     3,
		},
		Sweep: SweepConfig{
			Enabled:       true,
			Interval:      "15s",
			RingTimeout:   "30s",
			AcceptTimeout: "30s",
			StaleAfter:    "5m",
			OrphanGrace:   "30s",
			RosterMaxAge:  "1m",
			LeaseTTL:      "1m",
			BatchSize:     500,
		},
		Cache: CacheConfig{
			TTL:  "5m",
			Size: 4096,
		},
		Events: EventsConfig{
			Exchange: "expertline.events",
			Log:      true,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "expertline",
			SampleRatio: 1.0,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Home is the data directory: $EXPERTLINE_HOME or ~/.expertline.
func Home() string {
	if h := os.Getenv(EnvPrefix + "HOME"); h != "" {
		return h
	}
	dir, err := os.UserHomeDir()
	if err != nil {
		return ".expertline"
	}
	return filepath.Join(dir, ".expertline")
}

// LoadConfig applies path (if it exists) and then the environment over the
// defaults. An empty path means Home()/config.toml.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		path = filepath.Join(Home(), "config.toml")
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, os.ErrNotExist) {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks every field that can be wrong.
func (c Config) Validate() error {
	var errs []error
	if c.API.Port <= 0 || c.API.Port > 65535 {
		errs = append(errs, fmt.Errorf("api.port %d out of range", c.API.Port))
	}
	switch store.Dialect(c.Store.Driver) {
	case store.SQLite:
		if c.Store.Path == "" {
			errs = append(errs, errors.New("store.path is required for sqlite"))
		}
	case store.Postgres:
		if c.Store.DSN == "" {
			errs = append(errs, errors.New("store.dsn is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver %q: want sqlite or postgres", c.Store.Driver))
	}
	durations := map[string]string{
		"api.request_timeout":  c.API.RequestTimeout,
		"sweep.interval":       c.Sweep.Interval,
		"sweep.ring_timeout":   c.Sweep.RingTimeout,
		"sweep.accept_timeout": c.Sweep.AcceptTimeout,
		"sweep.stale_after":    c.Sweep.StaleAfter,
		"sweep.orphan_grace":   c.Sweep.OrphanGrace,
		"sweep.roster_max_age": c.Sweep.RosterMaxAge,
		"sweep.lease_ttl":      c.Sweep.LeaseTTL,
		"cache.ttl":            c.Cache.TTL,
	}
	for field, v := range durations {
		if d, err := time.ParseDuration(v); err != nil || d <= 0 {
			errs = append(errs, fmt.Errorf("%s %q: want a positive duration", field, v))
		}
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		errs = append(errs, fmt.Errorf("telemetry.sample_ratio %v: want 0..1", c.Telemetry.SampleRatio))
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if f := strings.ToLower(c.Log.Format); f != "text" && f != "json" {
		errs = append(errs, fmt.Errorf("log.format %q: want text or json", c.Log.Format))
	}
	return errors.Join(errs...)
}

// ─── Component Configs ──────────────────────────────────────────────────────
// Durations are validated by Validate, so the conversions below ignore
// parse errors.

func dur(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}

func (c Config) StoreConfig() store.Config {
	return store.Config{
		Driver:       store.Dialect(c.Store.Driver),
		Path:         c.Store.Path,
		DSN:          c.Store.DSN,
		MaxOpenConns: c.Store.MaxOpenConns,
	}
}

func (c Config) APIConfig() api.Config {
	return api.Config{
		TransportToken: c.API.TransportToken,
		AdminToken:     c.API.AdminToken,
		RequestTimeout: dur(c.API.RequestTimeout),
		Metrics:        c.API.Metrics,
	}
}

func (c Config) SessionConfig() session.Config {
	return session.Config{
		AutoEndOnExhaustion: c.Engine.AutoEndOnExhaustion,
		ReleaseAttempts:     c.Engine.ReleaseAttempts,
	}
}

func (c Config) AvailabilityConfig() availability.Config {
	return availability.Config{
		CacheTTL:  dur(c.Cache.TTL),
		CacheSize: c.Cache.Size,
	}
}

func (c Config) ReconcileConfig() reconcile.Config {
	return reconcile.Config{
		RingTimeout:   dur(c.Sweep.RingTimeout),
		AcceptTimeout: dur(c.Sweep.AcceptTimeout),
		StaleAfter:    dur(c.Sweep.StaleAfter),
		OrphanGrace:   dur(c.Sweep.OrphanGrace),
		BatchSize:     c.Sweep.BatchSize,
	}
}

func (c Config) RunnerConfig() reconcile.RunnerConfig {
	return reconcile.RunnerConfig{
		Interval: dur(c.Sweep.Interval),
		LeaseTTL: dur(c.Sweep.LeaseTTL),
	}
}

func (c Config) TracingConfig() observability.TracingConfig {
	return observability.TracingConfig{
		Endpoint:    c.Telemetry.OTLPEndpoint,
		ServiceName: c.Telemetry.ServiceName,
		SampleRatio: c.Telemetry.SampleRatio,
	}
}

// ─── Logging ────────────────────────────────────────────────────────────────

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return l, fmt.Errorf("log.level %q: want debug, info, warn or error", s)
	}
	return l, nil
}

// NewLogger builds the process logger from cfg.
func NewLogger(cfg LogConfig) *slog.Logger {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
