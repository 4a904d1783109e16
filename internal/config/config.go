// Package config provides YAML-based configuration loading for Attendant.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level Attendant configuration, loaded from config.yaml.
type Config struct {
	Assistant AssistantConfig `yaml:"assistant"`
	Database  DatabaseConfig  `yaml:"database"`
	Queue     QueueConfig     `yaml:"queue"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Tools     ToolsConfig     `yaml:"tools"`
	Admin     AdminConfig     `yaml:"admin"`
}

// AssistantConfig holds OpenAI Assistants API settings and run polling knobs.
type AssistantConfig struct {
	APIKey          string `yaml:"api_key"`
	AssistantID     string `yaml:"assistant_id"`
	Model           string `yaml:"model"`
	PollIntervalMS  int    `yaml:"poll_interval_ms"`
	PollMaxRetries  int    `yaml:"poll_max_retries"`
	BackoffBaseMS   int    `yaml:"backoff_base_ms"`
	MaxRunWaitSec   int    `yaml:"max_run_wait_sec"` // 0 takes the default cap
	Instructions    string `yaml:"instructions"`
}

// DatabaseConfig holds connection settings for the MySQL-compatible store.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

// QueueConfig holds Redis settings for the durable turn queue.
type QueueConfig struct {
	RedisURL   string `yaml:"redis_url"`
	Key        string `yaml:"key"`
	PopWaitSec int    `yaml:"pop_wait_sec"`
}

// GatewayConfig holds transport and message-coalescing settings.
type GatewayConfig struct {
	Platform          string `yaml:"platform"` // "discord" or "slack"
	BotToken          string `yaml:"bot_token"`
	AppToken          string `yaml:"app_token"` // slack socket mode only
	DebounceWindowMS  int    `yaml:"debounce_window_ms"`
	AllowlistRefresh  string `yaml:"allowlist_refresh"` // cron spec, e.g. "@every 5m"
	OpenAllowlist     bool   `yaml:"open_allowlist"`    // true disables sender filtering
}

// ToolsConfig holds ToolDispatcher settings for the external business API.
type ToolsConfig struct {
	BaseURL        string                      `yaml:"base_url"`
	TimeoutSec     int                         `yaml:"timeout_sec"`
	MaxAttempts    int                         `yaml:"max_attempts"`
	BackoffBaseMS  int                         `yaml:"backoff_base_ms"`
	CacheTTLSec    int                         `yaml:"cache_ttl_sec"`
	Auth           ToolAuthConfig              `yaml:"auth"`
	Headers        map[string]string           `yaml:"headers"`
	Endpoints      map[string]EndpointOverride `yaml:"endpoints"`
	FieldAliases   map[string]string           `yaml:"field_aliases"`
}

// ToolAuthConfig selects the auth scheme applied to outbound tool calls.
type ToolAuthConfig struct {
	Scheme      string `yaml:"scheme"` // none, basic, bearer, api-key, header
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	Token       string `yaml:"token"`
	HeaderName  string `yaml:"header_name"`
	HeaderValue string `yaml:"header_value"`
}

// EndpointOverride pins a tool function to an explicit path and method,
// bypassing the kebab-case derivation.
type EndpointOverride struct {
	Path   string `yaml:"path"`
	Method string `yaml:"method"`
}

// AdminConfig holds the admin HTTP API settings.
type AdminConfig struct {
	Port int `yaml:"port"`
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Assistant.Model == "" {
		c.Assistant.Model = "gpt-4o-mini"
	}
	if c.Assistant.PollIntervalMS == 0 {
		c.Assistant.PollIntervalMS = 500
	}
	if c.Assistant.PollMaxRetries == 0 {
		c.Assistant.PollMaxRetries = 3
	}
	if c.Assistant.BackoffBaseMS == 0 {
		c.Assistant.BackoffBaseMS = 1000
	}
	if c.Assistant.MaxRunWaitSec == 0 {
		c.Assistant.MaxRunWaitSec = 300
	}
	if c.Database.Host == "" {
		c.Database.Host = "127.0.0.1"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 3306
	}
	if c.Database.User == "" {
		c.Database.User = "root"
	}
	if c.Database.Database == "" {
		c.Database.Database = "attendant"
	}
	if c.Queue.Key == "" {
		c.Queue.Key = "attendant:turns"
	}
	if c.Queue.PopWaitSec == 0 {
		c.Queue.PopWaitSec = 5
	}
	if c.Gateway.DebounceWindowMS == 0 {
		c.Gateway.DebounceWindowMS = 3000
	}
	if c.Gateway.AllowlistRefresh == "" {
		c.Gateway.AllowlistRefresh = "@every 5m"
	}
	if c.Tools.TimeoutSec == 0 {
		c.Tools.TimeoutSec = 30
	}
	if c.Tools.MaxAttempts == 0 {
		c.Tools.MaxAttempts = 3
	}
	if c.Tools.BackoffBaseMS == 0 {
		c.Tools.BackoffBaseMS = 500
	}
	if c.Tools.CacheTTLSec == 0 {
		c.Tools.CacheTTLSec = 60
	}
	if c.Tools.Auth.Scheme == "" {
		c.Tools.Auth.Scheme = "none"
	}
	if c.Admin.Port == 0 {
		c.Admin.Port = 8080
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if c.Assistant.APIKey == "" {
		errs = append(errs, "assistant.api_key is required")
	}
	if c.Assistant.AssistantID == "" {
		errs = append(errs, "assistant.assistant_id is required")
	}
	switch c.Gateway.Platform {
	case "", "discord", "slack":
	default:
		errs = append(errs, fmt.Sprintf("gateway.platform %q is not supported (discord, slack)", c.Gateway.Platform))
	}
	if c.Gateway.Platform == "slack" && c.Gateway.AppToken == "" {
		errs = append(errs, "gateway.app_token is required for slack socket mode")
	}
	switch c.Tools.Auth.Scheme {
	case "none", "basic", "bearer", "api-key", "header":
	default:
		errs = append(errs, fmt.Sprintf("tools.auth.scheme %q is not supported", c.Tools.Auth.Scheme))
	}
	for name, ep := range c.Tools.Endpoints {
		if ep.Path == "" {
			errs = append(errs, fmt.Sprintf("tools.endpoints.%s.path is required", name))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// DebounceWindow returns the aggregator debounce window as a duration.
func (c *Config) DebounceWindow() time.Duration {
	return time.Duration(c.Gateway.DebounceWindowMS) * time.Millisecond
}

// PollInterval returns the run-poll interval as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Assistant.PollIntervalMS) * time.Millisecond
}

// ToolTimeout returns the tool-call HTTP timeout as a duration.
func (c *Config) ToolTimeout() time.Duration {
	return time.Duration(c.Tools.TimeoutSec) * time.Second
}
