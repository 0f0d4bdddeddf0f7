// Package config loads the application configuration from a YAML file
// with environment-variable fallbacks.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/anteroom/anteroom/internal/mcp"
)

const (
	// DefaultDirName is the per-user data directory under $HOME.
	DefaultDirName = ".anteroom"

	defaultHost  = "127.0.0.1"
	defaultPort  = 8080
	defaultModel = "gpt-4"
)

// AIConfig configures the completion endpoint.
type AIConfig struct {
	BaseURL      string `yaml:"base_url"`
	APIKey       string `yaml:"api_key"`
	Model        string `yaml:"model"`
	SystemPrompt string `yaml:"system_prompt"`
	VerifySSL    *bool  `yaml:"verify_ssl"`
}

// VerifyTLS reports whether certificate verification is on. Default on.
func (c AIConfig) VerifyTLS() bool {
	return c.VerifySSL == nil || *c.VerifySSL
}

// ProviderConfig is one external tool provider entry.
type ProviderConfig struct {
	Name      string            `yaml:"name"`
	Transport string            `yaml:"transport"`
	Command   string            `yaml:"command"`
	Args      []string          `yaml:"args"`
	Env       map[string]string `yaml:"env"`
	URL       string            `yaml:"url"`
	TimeoutMS int               `yaml:"timeout_ms"`
}

// SharedDatabase names an extra database reachable through the store
// manager and the cross-process event bus.
type SharedDatabase struct {
	Name string `yaml:"name"`
	Path string `yaml:"path"`
}

// EngineConfig holds the turn-loop tunables.
type EngineConfig struct {
	MaxIterations int `yaml:"max_iterations"`
	WarnTokens    int `yaml:"warn_tokens"`
	CompactTokens int `yaml:"compact_tokens"`
}

// Config is the full application configuration.
type Config struct {
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`

	AI     AIConfig     `yaml:"ai"`
	Engine EngineConfig `yaml:"engine"`

	BuiltinTools *bool            `yaml:"builtin_tools"`
	Providers    []ProviderConfig `yaml:"providers"`
	Shared       []SharedDatabase `yaml:"shared_databases"`
}

// BuiltinToolsEnabled reports whether built-in tools are registered.
// Default on; the config key is an opt-out.
func (c *Config) BuiltinToolsEnabled() bool {
	return c.BuiltinTools == nil || *c.BuiltinTools
}

// Addr returns the gateway bind address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ServerConfigs converts the provider entries into the manager's form.
func (c *Config) ServerConfigs() []*mcp.ServerConfig {
	out := make([]*mcp.ServerConfig, 0, len(c.Providers))
	for _, p := range c.Providers {
		cfg := &mcp.ServerConfig{
			Name:      p.Name,
			Transport: mcp.TransportType(p.Transport),
			Command:   p.Command,
			Args:      p.Args,
			Env:       p.Env,
			URL:       p.URL,
		}
		if cfg.Transport == "" {
			cfg.Transport = mcp.TransportStdio
		}
		if p.TimeoutMS > 0 {
			cfg.Timeout = time.Duration(p.TimeoutMS) * time.Millisecond
		}
		out = append(out, cfg)
	}
	return out
}

// SharedDatabases returns the name→path map for the store manager.
func (c *Config) SharedDatabases() map[string]string {
	out := make(map[string]string, len(c.Shared))
	for _, s := range c.Shared {
		if s.Name != "" && s.Path != "" {
			out[s.Name] = os.ExpandEnv(s.Path)
		}
	}
	return out
}

// DefaultDataDir returns ~/.anteroom, falling back to the current
// directory when the home directory is unknown.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return DefaultDirName
	}
	return filepath.Join(home, DefaultDirName)
}

// Load reads the config file at path. A missing file yields the
// defaults; a malformed file is an error. Environment variables
// override file values where set.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		case os.IsNotExist(err):
		default:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	applyEnv(cfg)
	applyDefaults(cfg)

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("ANTEROOM_HOST"); v != "" {
		cfg.Host = v
	}
	if v := os.Getenv("ANTEROOM_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Port = port
		}
	}
	if v := os.Getenv("ANTEROOM_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("ANTEROOM_BASE_URL"); v != "" {
		cfg.AI.BaseURL = v
	}
	if v := os.Getenv("ANTEROOM_API_KEY"); v != "" {
		cfg.AI.APIKey = v
	}
	if v := os.Getenv("ANTEROOM_MODEL"); v != "" {
		cfg.AI.Model = v
	}
	cfg.AI.APIKey = os.ExpandEnv(cfg.AI.APIKey)
	cfg.DataDir = os.ExpandEnv(cfg.DataDir)
}

func applyDefaults(cfg *Config) {
	if cfg.Host == "" {
		cfg.Host = defaultHost
	}
	if cfg.Port == 0 {
		cfg.Port = defaultPort
	}
	if cfg.DataDir == "" {
		cfg.DataDir = DefaultDataDir()
	}
	if cfg.AI.Model == "" {
		cfg.AI.Model = defaultModel
	}
}
