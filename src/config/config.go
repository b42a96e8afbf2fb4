// Package config provides configuration management for the prbuild resolver.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the application configuration.
type Config struct {
	// BaseURL is the AppVeyor web root, e.g. https://ci.appveyor.com.
	BaseURL string
	// Account and Project identify the AppVeyor project whose history is searched.
	Account string
	Project string
	// ArtifactName is the logical name of the deliverable artifact.
	ArtifactName string
	UserAgent    string
	HTTPTimeout  time.Duration

	CacheTTL   time.Duration
	CacheSweep time.Duration
	// FallbackPullRequests lets pull-request lookups serve the last good answer
	// when AppVeyor fails, like status URL lookups always do.
	FallbackPullRequests bool

	RetryDelay    time.Duration
	RetryAttempts int

	// RedpandaBrokers selects the Redpanda broker for the monitor; empty means in-memory.
	RedpandaBrokers []string
	MetricsAddr     string
	Debug           bool
}

// Default returns the configuration used when no environment overrides are set.
func Default() *Config {
	return &Config{
		BaseURL:       "https://ci.appveyor.com",
		Account:       "rpcs3",
		Project:       "rpcs3",
		ArtifactName:  "rpcs3",
		UserAgent:     "RPCS3CompatibilityBot/2.0",
		HTTPTimeout:   30 * time.Second,
		CacheTTL:      24 * time.Hour,
		CacheSweep:    time.Hour,
		RetryDelay:    10 * time.Second,
		RetryAttempts: 2,
	}
}

// LoadFromEnv loads configuration from environment variables, reading a .env
// file in the working directory first if one exists. Variables already set in
// the environment win over the file.
func LoadFromEnv() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}
	return FromLookup(os.LookupEnv)
}

// FromLookup builds a Config from an arbitrary variable source.
func FromLookup(lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()
	p := parser{lookup: lookup}

	p.str("APPVEYOR_BASE_URL", &cfg.BaseURL)
	p.str("APPVEYOR_ACCOUNT", &cfg.Account)
	p.str("APPVEYOR_PROJECT", &cfg.Project)
	p.str("PRBUILD_ARTIFACT_NAME", &cfg.ArtifactName)
	p.str("PRBUILD_USER_AGENT", &cfg.UserAgent)
	p.duration("PRBUILD_HTTP_TIMEOUT", &cfg.HTTPTimeout)
	p.duration("PRBUILD_CACHE_TTL", &cfg.CacheTTL)
	p.duration("PRBUILD_CACHE_SWEEP", &cfg.CacheSweep)
	p.boolean("PRBUILD_FALLBACK_PULL_REQUESTS", &cfg.FallbackPullRequests)
	p.duration("PRBUILD_RETRY_DELAY", &cfg.RetryDelay)
	p.integer("PRBUILD_RETRY_ATTEMPTS", &cfg.RetryAttempts)
	p.str("PRBUILD_METRICS_ADDR", &cfg.MetricsAddr)
	p.boolean("PRBUILD_DEBUG", &cfg.Debug)

	if v, ok := lookup("REDPANDA_BROKERS"); ok && v != "" {
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				cfg.RedpandaBrokers = append(cfg.RedpandaBrokers, b)
			}
		}
	}

	if err := errors.Join(p.errs...); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks for values the resolver cannot work with.
func (c *Config) Validate() error {
	var errs []error
	if !strings.HasPrefix(c.BaseURL, "http://") && !strings.HasPrefix(c.BaseURL, "https://") {
		errs = append(errs, fmt.Errorf("APPVEYOR_BASE_URL must be an http(s) URL, got %q", c.BaseURL))
	}
	if c.Account == "" || c.Project == "" {
		errs = append(errs, errors.New("APPVEYOR_ACCOUNT and APPVEYOR_PROJECT must not be empty"))
	}
	if c.ArtifactName == "" {
		errs = append(errs, errors.New("PRBUILD_ARTIFACT_NAME must not be empty"))
	}
	if c.HTTPTimeout <= 0 {
		errs = append(errs, errors.New("PRBUILD_HTTP_TIMEOUT must be positive"))
	}
	if c.CacheTTL <= 0 {
		errs = append(errs, errors.New("PRBUILD_CACHE_TTL must be positive"))
	}
	if c.CacheSweep <= 0 {
		errs = append(errs, errors.New("PRBUILD_CACHE_SWEEP must be positive"))
	}
	if c.RetryAttempts < 1 {
		errs = append(errs, errors.New("PRBUILD_RETRY_ATTEMPTS must be at least 1"))
	}
	return errors.Join(errs...)
}

type parser struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (p *parser) get(name string) (string, bool) {
	v, ok := p.lookup(name)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func (p *parser) str(name string, dst *string) {
	if v, ok := p.get(name); ok {
		*dst = v
	}
}

func (p *parser) duration(name string, dst *time.Duration) {
	v, ok := p.get(name)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", name, err))
		return
	}
	*dst = d
}

func (p *parser) boolean(name string, dst *bool) {
	v, ok := p.get(name)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", name, err))
		return
	}
	*dst = b
}

func (p *parser) integer(name string, dst *int) {
	v, ok := p.get(name)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", name, err))
		return
	}
	*dst = n
}
