// Package config loads and validates spider configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/visibilitylab/sitespider/internal/policy"
)

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Crawl   CrawlConfig   `mapstructure:"crawl"`
	Output  OutputConfig  `mapstructure:"output"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig controls the HTTP service.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// CrawlConfig governs discovery, politeness, and resource limits for runs.
type CrawlConfig struct {
	UserAgent         string   `mapstructure:"user_agent"`
	Concurrency       int      `mapstructure:"concurrency"`
	MaxDepth          int      `mapstructure:"max_depth"`
	MaxPages          int      `mapstructure:"max_pages"`
	MaxCrawlMinutes   int      `mapstructure:"max_crawl_minutes"`
	DelayFloorMs      int      `mapstructure:"delay_floor_ms"`
	TimeoutSeconds    int      `mapstructure:"timeout_seconds"`
	MaxRetries        int      `mapstructure:"max_retries"`
	MaxRedirects      int      `mapstructure:"max_redirects"`
	StripWWW          bool     `mapstructure:"strip_www"`
	AllowedSubdomains []string `mapstructure:"allowed_subdomains"`
	PathPrefixes      []string `mapstructure:"path_prefixes"`
	TrackingParams    []string `mapstructure:"tracking_params"`
}

// OutputConfig sets where JSONL records land.
type OutputConfig struct {
	Path string `mapstructure:"path"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment. path may be empty, in which
// case defaults and SPIDER_* environment variables apply.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SPIDER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("crawl.user_agent", "sitespider/1.0")
	v.SetDefault("crawl.concurrency", 4)
	v.SetDefault("crawl.max_depth", 3)
	v.SetDefault("crawl.max_pages", 500)
	v.SetDefault("crawl.max_crawl_minutes", 10)
	v.SetDefault("crawl.delay_floor_ms", 1000)
	v.SetDefault("crawl.timeout_seconds", 15)
	v.SetDefault("crawl.max_retries", 3)
	v.SetDefault("crawl.max_redirects", 5)
	v.SetDefault("crawl.strip_www", true)
	v.SetDefault("output.path", "pages.jsonl")
	v.SetDefault("logging.development", false)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Crawl.Concurrency <= 0 {
		return fmt.Errorf("crawl.concurrency must be > 0")
	}
	if c.Crawl.MaxPages <= 0 {
		return fmt.Errorf("crawl.max_pages must be > 0")
	}
	if c.Crawl.TimeoutSeconds <= 0 {
		return fmt.Errorf("crawl.timeout_seconds must be > 0")
	}
	if c.Output.Path == "" {
		return fmt.Errorf("output.path must be set")
	}
	return nil
}

// Policy converts the crawl section into the run policy consumed by the
// spider engine.
func (c Config) Policy() policy.Policy {
	return policy.Policy{
		AllowedSubdomains: c.Crawl.AllowedSubdomains,
		PathPrefixes:      c.Crawl.PathPrefixes,
		MaxDepth:          c.Crawl.MaxDepth,
		MaxPages:          c.Crawl.MaxPages,
		MaxCrawlTime:      time.Duration(c.Crawl.MaxCrawlMinutes) * time.Minute,
		CrawlDelayFloor:   time.Duration(c.Crawl.DelayFloorMs) * time.Millisecond,
		TrackingParams:    c.Crawl.TrackingParams,
		StripWWW:          c.Crawl.StripWWW,
		UserAgent:         c.Crawl.UserAgent,
		Concurrency:       c.Crawl.Concurrency,
		MaxRedirects:      c.Crawl.MaxRedirects,
		MaxRetries:        c.Crawl.MaxRetries,
		RequestTimeout:    time.Duration(c.Crawl.TimeoutSeconds) * time.Second,
	}
}
