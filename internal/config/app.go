package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// AppConfig is the ambient application configuration: everything that is
// not the MCP server registry (which is loaded separately by
// LoadRegistry, since it is an externally-edited, read-only document
// rather than app config).
type AppConfig struct {
	Gateway  GatewayConfig  `mapstructure:"gateway"`
	Log      LogConfig      `mapstructure:"log"`
	Sandbox  SandboxConfig  `mapstructure:"sandbox"`
	Registry RegistryConfig `mapstructure:"registry"`
}

// GatewayConfig describes the chat-completions gateway the orchestrator
// streams against.
type GatewayConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	DefaultModel   string `mapstructure:"default_model"`
	AuthSecretName string `mapstructure:"auth_secret_name"`
	HTTPReferer    string `mapstructure:"http_referer"`
	Title          string `mapstructure:"title"`
}

// LogConfig controls the slog handler set up at process start.
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// SandboxConfig controls the code-mode sandbox's loopback bridge.
type SandboxConfig struct {
	BridgePortRangeLow  int `mapstructure:"bridge_port_range_low"`
	BridgePortRangeHigh int `mapstructure:"bridge_port_range_high"`
}

// RegistryConfig locates the MCP server registry document.
type RegistryConfig struct {
	Path string `mapstructure:"path"`
}

// DefaultAppConfig returns the built-in defaults, applied before any file
// or environment override is read.
func DefaultAppConfig() *AppConfig {
	return &AppConfig{
		Gateway: GatewayConfig{
			BaseURL:        "https://openrouter.ai/api/v1",
			DefaultModel:   "openrouter/auto",
			AuthSecretName: "OpenRouter",
		},
		Log: LogConfig{
			Level: "info",
		},
		Sandbox: SandboxConfig{
			BridgePortRangeLow:  0,
			BridgePortRangeHigh: 0,
		},
		Registry: RegistryConfig{
			Path: RegistryPath(),
		},
	}
}

// ConfigDir returns the per-user application data directory.
func ConfigDir() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".corvidcore")
}

// AppConfigPath returns the ambient application config file path.
func AppConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

// RegistryPath returns the default MCP server registry document path.
func RegistryPath() string {
	return filepath.Join(ConfigDir(), "mcp_servers.json")
}

// LoadAppConfig loads the ambient application config from file, applying
// environment overrides under the CORVIDCORE_ prefix. A missing file is
// not an error: defaults are returned as-is.
func LoadAppConfig() (*AppConfig, error) {
	cfg := DefaultAppConfig()

	path := AppConfigPath()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	v.SetEnvPrefix("CORVIDCORE")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return cfg, fmt.Errorf("%w: read app config: %v", errConfigInvalid, err)
	}

	if err := v.Unmarshal(cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.MatchName = func(mapKey, fieldName string) bool {
			return normalizeKey(mapKey) == normalizeKey(fieldName)
		}
	}); err != nil {
		return cfg, fmt.Errorf("%w: decode app config: %v", errConfigInvalid, err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalizeKey(input string) string {
	input = strings.ReplaceAll(input, "_", "")
	input = strings.ReplaceAll(input, "-", "")
	return strings.ToLower(input)
}

// Validate checks that ambient config values are within acceptable ranges,
// applying documented defaults for unset zero values.
func (c *AppConfig) Validate() error {
	level := strings.ToLower(strings.TrimSpace(c.Log.Level))
	if level == "" {
		c.Log.Level = "info"
	} else {
		validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
		if !validLevels[level] {
			return fmt.Errorf("%w: log.level must be one of debug, info, warn, error; got %q", errConfigInvalid, c.Log.Level)
		}
		c.Log.Level = level
	}

	if c.Gateway.BaseURL == "" {
		return fmt.Errorf("%w: gateway.base_url must not be empty", errConfigInvalid)
	}

	low, high := c.Sandbox.BridgePortRangeLow, c.Sandbox.BridgePortRangeHigh
	if low != 0 || high != 0 {
		if low < 1 || low > 65535 || high < 1 || high > 65535 || low > high {
			return fmt.Errorf("%w: sandbox.bridge_port_range_low/high must describe a valid port range, got %d-%d", errConfigInvalid, low, high)
		}
	}

	if c.Registry.Path == "" {
		c.Registry.Path = RegistryPath()
	}
	return nil
}
