// Package config loads the plugin configuration file and environment
// overrides described in spec §6.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/opencode-plugins/codex-switch/internal/selector"
)

const (
	StrategySticky     = "sticky"
	StrategyRoundRobin = "round-robin"
	StrategyHybrid     = "hybrid"
)

// Config is the plugin's runtime configuration (§6 "Plugin
// configuration file" plus the three environment-variable overrides).
type Config struct {
	CodexMode bool   `mapstructure:"codexMode" yaml:"codexMode"`
	Strategy  string `mapstructure:"strategy" yaml:"strategy"`
	Debug     bool   `mapstructure:"debug" yaml:"debug"`

	// DebugCodexSwitch mirrors DEBUG_CODEX_SWITCH; distinct from Debug
	// (the config file's own knob) because the env var is an override,
	// not a default, per §6.
	DebugCodexSwitch       bool
	EnablePluginRequestLog bool
}

// SelectorStrategy maps the configured strategy name to the
// selector.Strategy the Manager expects.
func (c Config) SelectorStrategy() selector.Strategy {
	switch c.Strategy {
	case StrategyRoundRobin:
		return selector.RoundRobin
	case StrategySticky:
		return selector.Sticky
	default:
		return selector.Hybrid
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("codexMode", true)
	v.SetDefault("strategy", StrategyHybrid)
	v.SetDefault("debug", false)
}

// pluginConfigPath returns <home>/.opencode/codex-switch-config.json
// (§6). pluginConfigPathYAML returns the sibling .yaml form some hosts
// prefer for dotfiles; checked when the .json form is absent.
func pluginConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".opencode", "codex-switch-config.json"), nil
}

func pluginConfigPathYAML(ext string) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".opencode", "codex-switch-config."+ext), nil
}

// Load reads the plugin configuration file, applies the CODEX_MODE /
// DEBUG_CODEX_SWITCH / ENABLE_PLUGIN_REQUEST_LOGGING environment
// overrides (§6), and validates the result. A missing config file is
// not an error; defaults apply.
//
// The canonical form is JSON (loaded via viper, matching the rest of
// the stack's viper idiom). If codex-switch-config.json is absent, a
// sibling .yaml or .yml file is tried before falling back to defaults,
// for hosts that prefer YAML dotfiles.
func Load() (*Config, error) {
	path, err := pluginConfigPath()
	if err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	setDefaults(v)

	var cfg Config
	readErr := v.ReadInConfig()
	switch {
	case readErr == nil:
		if err := v.Unmarshal(&cfg); err != nil {
			return nil, fmt.Errorf("unmarshal plugin config: %w", err)
		}
	case isConfigFileNotFound(readErr):
		if loaded, err := loadYAMLFallback(); err != nil {
			return nil, err
		} else if loaded != nil {
			cfg = *loaded
		} else {
			cfg = Config{CodexMode: true, Strategy: StrategyHybrid}
		}
	default:
		return nil, fmt.Errorf("read plugin config: %w", readErr)
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate plugin config: %w", err)
	}

	return &cfg, nil
}

func isConfigFileNotFound(err error) bool {
	if os.IsNotExist(err) {
		return true
	}
	_, ok := err.(viper.ConfigFileNotFoundError)
	return ok
}

// loadYAMLFallback reads codex-switch-config.yaml/.yml if present,
// applying the same defaults a missing file would get. Returns (nil,
// nil) when neither sibling file exists.
func loadYAMLFallback() (*Config, error) {
	for _, ext := range []string{"yaml", "yml"} {
		path, err := pluginConfigPathYAML(ext)
		if err != nil {
			return nil, err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("read plugin config %s: %w", path, err)
		}
		cfg := Config{CodexMode: true, Strategy: StrategyHybrid}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse plugin config %s: %w", path, err)
		}
		return &cfg, nil
	}
	return nil, nil
}

// applyEnvOverrides implements §6's environment-variable overrides.
// CODEX_MODE overrides codexMode from the config file; the other two
// have no config-file equivalent.
func applyEnvOverrides(cfg *Config) {
	switch os.Getenv("CODEX_MODE") {
	case "1":
		cfg.CodexMode = true
	case "0":
		cfg.CodexMode = false
	}

	cfg.DebugCodexSwitch = os.Getenv("DEBUG_CODEX_SWITCH") == "1"
	cfg.EnablePluginRequestLog = os.Getenv("ENABLE_PLUGIN_REQUEST_LOGGING") == "1"
}

// Validate rejects an unrecognised strategy name rather than silently
// falling back, so a typo'd config surfaces at startup.
func (c *Config) Validate() error {
	switch strings.TrimSpace(c.Strategy) {
	case StrategySticky, StrategyRoundRobin, StrategyHybrid:
	default:
		return fmt.Errorf("strategy must be one of %s/%s/%s, got %q",
			StrategySticky, StrategyRoundRobin, StrategyHybrid, c.Strategy)
	}
	return nil
}

// RequestLogDir returns the directory per-request JSON dumps are
// written to when EnablePluginRequestLog is set (§6).
func RequestLogDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".opencode", "logs", "codex-auto-switch"), nil
}
