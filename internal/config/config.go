// Package config loads settings once at startup. Precedence, lowest
// first: built-in defaults, an optional YAML file, the environment, and
// finally command line flags.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

const DefaultBaseURL = "https://api.spacetraders.io/v2"

type Config struct {
	// Token is the agent bearer token. It is read once and never
	// written back anywhere.
	Token   string `env:"SPACETRADERS_TOKEN" yaml:"token"`
	BaseURL string `env:"SPACETRADERS_API_URL" yaml:"api_url"`

	CacheTTL          time.Duration `env:"STZ_CACHE_TTL" yaml:"cache_ttl"`
	CacheSize         int           `env:"STZ_CACHE_SIZE" yaml:"cache_size"`
	MaxRetries        int           `env:"STZ_MAX_RETRIES" yaml:"max_retries"`
	DefaultRetryAfter time.Duration `env:"STZ_DEFAULT_RETRY_AFTER" yaml:"default_retry_after"`
	RequestTimeout    time.Duration `env:"STZ_REQUEST_TIMEOUT" yaml:"request_timeout"`
	GatePerSecond     int           `env:"STZ_GATE_PER_SECOND" yaml:"gate_per_second"`
	GateBurst         int           `env:"STZ_GATE_BURST" yaml:"gate_burst"`

	DatabaseURL       string `env:"STZ_DATABASE_URL" yaml:"database_url"`
	DatabaseAuthToken string `env:"STZ_DATABASE_AUTH_TOKEN" yaml:"database_auth_token"`

	PollInterval time.Duration `env:"STZ_POLL_INTERVAL" yaml:"poll_interval"`
	MaxErrors    int           `env:"STZ_MAX_ERRORS" yaml:"max_errors"`

	ListenAddr   string `env:"STZ_LISTEN_ADDR" yaml:"listen_addr"`
	LogLevel     string `env:"STZ_LOG_LEVEL" yaml:"log_level"`
	LogFile      string `env:"STZ_LOG_FILE" yaml:"log_file"`
	OTelEndpoint string `env:"STZ_OTEL_ENDPOINT" yaml:"otel_endpoint"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		BaseURL:           DefaultBaseURL,
		CacheTTL:          60 * time.Second,
		CacheSize:         1000,
		MaxRetries:        3,
		DefaultRetryAfter: 2 * time.Second,
		RequestTimeout:    10 * time.Second,
		GatePerSecond:     2,
		GateBurst:         30,
		DatabaseURL:       "file:agent_state.db",
		PollInterval:      30 * time.Second,
		MaxErrors:         5,
		ListenAddr:        ":8845",
		LogLevel:          "info",
	}
}

// Load applies the YAML file at path (skipped when path is empty) and
// then the environment on top of the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.Token = strings.TrimSpace(cfg.Token)
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// Flags holds command line overrides. Only flags the user actually set
// are applied.
type Flags struct {
	set        *pflag.FlagSet
	ConfigPath string
	cfg        Config
}

// RegisterFlags adds the shared flags to fs.
func RegisterFlags(fs *pflag.FlagSet) *Flags {
	f := &Flags{set: fs}
	d := Default()
	fs.StringVar(&f.ConfigPath, "config", "", "path to a YAML config file")
	fs.StringVar(&f.cfg.BaseURL, "api-url", d.BaseURL, "game API base URL")
	fs.DurationVar(&f.cfg.CacheTTL, "cache-ttl", d.CacheTTL, "how long cached responses stay fresh")
	fs.IntVar(&f.cfg.MaxRetries, "max-retries", d.MaxRetries, "retries after a rate-limit response")
	fs.StringVar(&f.cfg.DatabaseURL, "db", d.DatabaseURL, "state database (file:path or libsql:// URL)")
	fs.DurationVar(&f.cfg.PollInterval, "interval", d.PollInterval, "time between trading cycles")
	fs.StringVar(&f.cfg.ListenAddr, "listen", d.ListenAddr, "dashboard listen address")
	fs.StringVar(&f.cfg.LogLevel, "log-level", d.LogLevel, "debug, info, warn or error")
	fs.StringVar(&f.cfg.LogFile, "log-file", "", "also write logs to this file")
	return f
}

// Apply copies the flags the user changed onto cfg.
func (f *Flags) Apply(cfg *Config) {
	changed := func(name string) bool {
		fl := f.set.Lookup(name)
		return fl != nil && fl.Changed
	}
	if changed("api-url") {
		cfg.BaseURL = f.cfg.BaseURL
	}
	if changed("cache-ttl") {
		cfg.CacheTTL = f.cfg.CacheTTL
	}
	if changed("max-retries") {
		cfg.MaxRetries = f.cfg.MaxRetries
	}
	if changed("db") {
		cfg.DatabaseURL = f.cfg.DatabaseURL
	}
	if changed("interval") {
		cfg.PollInterval = f.cfg.PollInterval
	}
	if changed("listen") {
		cfg.ListenAddr = f.cfg.ListenAddr
	}
	if changed("log-level") {
		cfg.LogLevel = f.cfg.LogLevel
	}
	if changed("log-file") {
		cfg.LogFile = f.cfg.LogFile
	}
}

// Validate checks the settings every binary depends on. A missing token
// is not an error here: registration runs without one and the client
// refuses authenticated calls on its own.
func (c Config) Validate() error {
	var errs []error
	u, err := url.Parse(c.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("api url %q is not an absolute URL", c.BaseURL))
	}
	if c.CacheTTL <= 0 {
		errs = append(errs, errors.New("cache ttl must be positive"))
	}
	if c.MaxRetries < 0 {
		errs = append(errs, errors.New("max retries cannot be negative"))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, errors.New("poll interval must be positive"))
	}
	if c.GatePerSecond < 1 {
		errs = append(errs, errors.New("gate per second must be at least 1"))
	}
	return errors.Join(errs...)
}

// RedactedToken shows just enough of the token to tell agents apart.
func (c Config) RedactedToken() string {
	if len(c.Token) <= 8 {
		if c.Token == "" {
			return "none"
		}
		return "****"
	}
	return c.Token[:8] + "..."
}
