// Package config defines the daemon's configuration surface: the small
// key set spec §6 enumerates, read from a YAML file over built-in
// defaults and validated by Load. Keys in the file are not overridden
// from the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	URL      string `yaml:"url" json:"url"`
	Token    string `yaml:"token" json:"token"`
	Channel  string `yaml:"channel" json:"channel"`
	QueueKey string `yaml:"queue_key" json:"queue_key"`
	MaxQueue int64  `yaml:"max_queue" json:"max_queue"`
	Strict   bool   `yaml:"strict" json:"strict"`
}

type OutputConfig struct {
	Human   bool   `yaml:"human" json:"human"`
	JSONL   string `yaml:"jsonl_path" json:"jsonl_path"`
	CSV     string `yaml:"csv_path" json:"csv_path"`
	Webhook struct {
		URL    string `yaml:"url" json:"url"`
		Secret string `yaml:"secret" json:"secret"`
	} `yaml:"webhook" json:"webhook"`
	Redis RedisConfig `yaml:"redis" json:"redis"`
}

type StatusAPIConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	ListenAddr string `yaml:"listen_addr" json:"listen_addr"`
	JWTSecret  string `yaml:"jwt_secret" json:"jwt_secret"`
}

// Config is the daemon's full configuration surface, per spec §6.
type Config struct {
	LogListURL               string          `yaml:"log_list_url" json:"log_list_url"`
	PollIntervalSecs         int             `yaml:"poll_interval_secs" json:"poll_interval_secs"`
	BatchSize                int             `yaml:"batch_size" json:"batch_size"`
	ParsePrecerts            bool            `yaml:"parse_precerts" json:"parse_precerts"`
	IncludeReadonly          bool            `yaml:"include_readonly" json:"include_readonly"`
	IncludePending           bool            `yaml:"include_pending" json:"include_pending"`
	IncludeAll               bool            `yaml:"include_all" json:"include_all"`
	AdditionalLogs           []string        `yaml:"additional_logs" json:"additional_logs"`
	MaxConcurrentLogs        int             `yaml:"max_concurrent_logs" json:"max_concurrent_logs"`
	StatePath                string          `yaml:"state_path" json:"state_path"`
	DedupeEnabled            bool            `yaml:"dedupe_enabled" json:"dedupe_enabled"`
	DedupeCapacity           int             `yaml:"dedupe_capacity" json:"dedupe_capacity"`
	DedupeTTLSecs            int             `yaml:"dedupe_ttl_secs" json:"dedupe_ttl_secs"`
	ReconnectDelaySecs       int             `yaml:"reconnect_delay_secs" json:"reconnect_delay_secs"`
	RootDomainsFile          string          `yaml:"root_domains_file" json:"root_domains_file"`
	WatchlistFile            string          `yaml:"watchlist_file" json:"watchlist_file"`
	WatchlistSyncIntervalSec int             `yaml:"watchlist_sync_interval_secs" json:"watchlist_sync_interval_secs"`
	MatchChannelCapacity     int             `yaml:"match_channel_capacity" json:"match_channel_capacity"`
	FailureThreshold         int             `yaml:"failure_threshold" json:"failure_threshold"`
	LogLevel                 string          `yaml:"log_level" json:"log_level"`
	LogFormat                string          `yaml:"log_format" json:"log_format"`
	LogFile                  string          `yaml:"log_file" json:"log_file"`
	Output                   OutputConfig    `yaml:"output" json:"output"`
	StatusAPI                StatusAPIConfig `yaml:"status_api" json:"status_api"`
}

func Default() *Config {
	return &Config{
		LogListURL:               "https://www.gstatic.com/ct/log_list/v3/log_list.json",
		PollIntervalSecs:         10,
		BatchSize:                256,
		ParsePrecerts:            true,
		MaxConcurrentLogs:        100,
		StatePath:                "./data/ctsentry-state.yaml",
		DedupeEnabled:            true,
		DedupeCapacity:           500_000,
		DedupeTTLSecs:            24 * 3600,
		ReconnectDelaySecs:       30,
		WatchlistSyncIntervalSec: 21_600,
		MatchChannelCapacity:     1024,
		FailureThreshold:         3,
		LogLevel:                 "info",
		LogFormat:                "json",
		Output: OutputConfig{
			Human: true,
			Redis: RedisConfig{
				Channel:  "bb:ct_events",
				QueueKey: "bb:ct_events_queue",
				MaxQueue: 10000,
			},
		},
		StatusAPI: StatusAPIConfig{
			ListenAddr: "127.0.0.1:8090",
		},
	}
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSecs) * time.Second
}

func (c *Config) DedupeTTL() time.Duration {
	return time.Duration(c.DedupeTTLSecs) * time.Second
}

func (c *Config) WatchlistSyncInterval() time.Duration {
	return time.Duration(c.WatchlistSyncIntervalSec) * time.Second
}

// ReconnectDelay caps the Redis sink's exponential publish/reconnect
// backoff (spec §4.7).
func (c *Config) ReconnectDelay() time.Duration {
	return time.Duration(c.ReconnectDelaySecs) * time.Second
}

// Validate accumulates every problem it finds rather than stopping at the
// first, matching the teacher's config validation style.
func (c *Config) Validate() error {
	var errs []string

	if c.LogListURL == "" && len(c.AdditionalLogs) == 0 {
		errs = append(errs, "log_list_url must be set unless additional_logs fully replaces it")
	}
	if c.PollIntervalSecs <= 0 {
		errs = append(errs, "poll_interval_secs must be > 0")
	}
	if c.BatchSize <= 0 {
		errs = append(errs, "batch_size must be > 0")
	}
	if c.MaxConcurrentLogs <= 0 {
		errs = append(errs, "max_concurrent_logs must be > 0")
	}
	if c.StatePath == "" {
		errs = append(errs, "state_path must not be empty")
	}
	if c.MatchChannelCapacity <= 0 {
		errs = append(errs, "match_channel_capacity must be > 0")
	}
	if c.FailureThreshold <= 0 {
		errs = append(errs, "failure_threshold must be > 0")
	}
	switch strings.ToLower(c.LogLevel) {
	case "trace", "debug", "info", "warn", "warning", "error", "fatal", "panic":
	default:
		errs = append(errs, "log_level must be one of trace|debug|info|warn|error|fatal|panic")
	}
	if c.Output.Redis.Enabled && c.Output.Redis.URL == "" {
		errs = append(errs, "output.redis.url must be set when output.redis.enabled is true")
	}
	if c.StatusAPI.Enabled && c.StatusAPI.ListenAddr == "" {
		errs = append(errs, "status_api.listen_addr must be set when status_api.enabled is true")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// Load reads a YAML config file, applies it over Default(), and
// validates the result.
func Load(path string) (*Config, error) {
	c := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Save writes the config atomically (temp file + rename), matching the
// State Store's write discipline.
func (c *Config) Save(path string) error {
	if err := c.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp config: %w", err)
	}
	return os.Rename(tmp, path)
}
