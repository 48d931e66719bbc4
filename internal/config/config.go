// Package config manages the agtools configuration stored under
// ~/.agtools: config.json for settings and routing.yaml for optional
// routing table overrides.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"

	"agtools/internal/proxy/routing"
)

const (
	// ConfigFile is the basename of the primary JSON config.
	ConfigFile = "config.json"

	// RoutingOverlayFile is the basename of the optional YAML routing
	// overlay kept next to the JSON config.
	RoutingOverlayFile = "routing.yaml"
)

// Scheduling modes for account selection.
const (
	SchedulingSticky     = "sticky"
	SchedulingRoundRobin = "round-robin"
	SchedulingHybrid     = "hybrid"
)

// z.ai dispatch modes.
const (
	ZAIDispatchOff      = "off"
	ZAIDispatchFallback = "fallback"
	ZAIDispatchAll      = "all"
)

// Config holds all agtools configuration.
type Config struct {
	Proxy   ProxyConfig   `json:"proxy"`
	Logging LoggingConfig `json:"logging"`
}

// ProxyConfig configures the local proxy server.
type ProxyConfig struct {
	Port           int    `json:"port" validate:"min=1,max=65535"`
	AllowLAN       bool   `json:"allow_lan"`
	RequestTimeout int    `json:"request_timeout_secs" validate:"min=1"`
	EnableLogging  bool   `json:"enable_logging"`
	UpstreamProxy  string `json:"upstream_proxy,omitempty" validate:"omitempty,url"`
	APIKey         string `json:"api_key,omitempty"`

	// Routing tables, consulted in this order by the resolver.
	CustomMapping    map[string]string           `json:"custom_mapping,omitempty"`
	OpenAIMapping    map[string]string           `json:"openai_mapping,omitempty"`
	AnthropicMapping map[string]string           `json:"anthropic_mapping,omitempty"`
	Strategies       map[string]routing.Strategy `json:"strategies,omitempty"`

	Scheduling SchedulingConfig `json:"scheduling"`
	ZAI        ZAIConfig        `json:"zai"`
}

// SchedulingConfig controls how accounts are picked per request.
type SchedulingConfig struct {
	Mode string `json:"mode" validate:"omitempty,oneof=sticky round-robin hybrid"` // sticky, round-robin, hybrid
}

// ZAIConfig configures z.ai as a secondary dispatch target.
type ZAIConfig struct {
	Enabled      bool   `json:"enabled"`
	APIKey       string `json:"api_key,omitempty"`
	BaseURL      string `json:"base_url,omitempty" validate:"omitempty,url"`
	Model        string `json:"model,omitempty"`
	DispatchMode string `json:"dispatch_mode" validate:"omitempty,oneof=off fallback all"` // off, fallback, all
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level string `json:"level" validate:"omitempty,oneof=debug info warn error"` // debug, info, warn, error
	File  string `json:"file,omitempty"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Proxy: ProxyConfig{
			Port:           8045,
			RequestTimeout: 120,
			EnableLogging:  true,
			Scheduling:     SchedulingConfig{Mode: SchedulingSticky},
			ZAI: ZAIConfig{
				BaseURL:      "https://api.z.ai/api/coding/paas/v4",
				Model:        "glm-4.6",
				DispatchMode: ZAIDispatchOff,
			},
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Dir returns the agtools configuration directory (~/.agtools).
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, ".agtools"), nil
}

// Path returns the path of the primary config file.
func Path() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, ConfigFile), nil
}

// Load loads configuration from a JSON file. A missing file yields the
// defaults; environment overrides apply either way.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a JSON file. The file carries API keys,
// so it is written owner-only.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if port := os.Getenv("AGTOOLS_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Proxy.Port = p
		}
	}
	if key := os.Getenv("AGTOOLS_API_KEY"); key != "" {
		c.Proxy.APIKey = key
	}
	if proxy := os.Getenv("AGTOOLS_UPSTREAM_PROXY"); proxy != "" {
		c.Proxy.UpstreamProxy = proxy
	}
	if key := os.Getenv("ZAI_API_KEY"); key != "" {
		c.Proxy.ZAI.APIKey = key
	}
}

// BindAddress returns the listen address for the proxy. LAN exposure
// is opt-in; the default binds loopback only.
func (p *ProxyConfig) BindAddress() string {
	if p.AllowLAN {
		return "0.0.0.0"
	}
	return "127.0.0.1"
}

// GetRequestTimeout returns the per-request timeout as a duration.
func (p *ProxyConfig) GetRequestTimeout() time.Duration {
	if p.RequestTimeout <= 0 {
		return 120 * time.Second
	}
	return time.Duration(p.RequestTimeout) * time.Second
}

// SchedulingMode returns the configured mode, defaulting to sticky.
func (p *ProxyConfig) SchedulingMode() string {
	if p.Scheduling.Mode == "" {
		return SchedulingSticky
	}
	return p.Scheduling.Mode
}

// ZAIDispatch returns the configured dispatch mode, defaulting to off.
func (p *ProxyConfig) ZAIDispatch() string {
	if p.ZAI.DispatchMode == "" {
		return ZAIDispatchOff
	}
	return p.ZAI.DispatchMode
}

// ZAIActive reports whether z.ai dispatch can serve traffic, which lets
// the proxy start with zero Google accounts.
func (p *ProxyConfig) ZAIActive() bool {
	return p.ZAI.Enabled && p.ZAIDispatch() != ZAIDispatchOff
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Proxy.ZAI.Enabled && c.Proxy.ZAI.APIKey == "" {
		return fmt.Errorf("z.ai is enabled but no API key is configured (set ZAI_API_KEY or zai.api_key)")
	}
	return nil
}

// Redacted returns a copy safe for display: API keys are masked.
func (c *Config) Redacted() *Config {
	out := *c
	out.Proxy.APIKey = maskSecret(c.Proxy.APIKey)
	out.Proxy.ZAI.APIKey = maskSecret(c.Proxy.ZAI.APIKey)
	return &out
}

func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return "****"
	}
	return s[:4] + "..." + s[len(s)-4:]
}

// Set updates a single value addressed by a dotted key, as used by
// `agt config set`. Unknown keys are an error.
func (c *Config) Set(key, value string) error {
	switch key {
	case "proxy.port":
		p, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid port %q: %w", value, err)
		}
		c.Proxy.Port = p
	case "proxy.allow_lan":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean %q: %w", value, err)
		}
		c.Proxy.AllowLAN = b
	case "proxy.request_timeout_secs":
		secs, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid timeout %q: %w", value, err)
		}
		c.Proxy.RequestTimeout = secs
	case "proxy.enable_logging":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean %q: %w", value, err)
		}
		c.Proxy.EnableLogging = b
	case "proxy.upstream_proxy":
		c.Proxy.UpstreamProxy = value
	case "proxy.api_key":
		c.Proxy.APIKey = value
	case "scheduling.mode":
		modes := []string{SchedulingSticky, SchedulingRoundRobin, SchedulingHybrid}
		if !slices.Contains(modes, value) {
			return fmt.Errorf("invalid scheduling mode %q (valid: %v)", value, modes)
		}
		c.Proxy.Scheduling.Mode = value
	case "zai.enabled":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean %q: %w", value, err)
		}
		c.Proxy.ZAI.Enabled = b
	case "zai.api_key":
		c.Proxy.ZAI.APIKey = value
	case "zai.base_url":
		c.Proxy.ZAI.BaseURL = value
	case "zai.model":
		c.Proxy.ZAI.Model = value
	case "zai.dispatch_mode":
		modes := []string{ZAIDispatchOff, ZAIDispatchFallback, ZAIDispatchAll}
		if !slices.Contains(modes, value) {
			return fmt.Errorf("invalid dispatch mode %q (valid: %v)", value, modes)
		}
		c.Proxy.ZAI.DispatchMode = value
	case "logging.level":
		levels := []string{"debug", "info", "warn", "error"}
		if !slices.Contains(levels, value) {
			return fmt.Errorf("invalid log level %q (valid: %v)", value, levels)
		}
		c.Logging.Level = value
	case "logging.file":
		c.Logging.File = value
	default:
		return fmt.Errorf("unknown config key: %s", key)
	}
	return nil
}
