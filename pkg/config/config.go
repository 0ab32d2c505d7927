// Package config handles mcphub configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vikashloomba/mcphub-go/pkg/mcperr"
	"github.com/vikashloomba/mcphub-go/pkg/mcpmgr"
)

// DefaultSearchPaths returns the config file search order:
// ./mcphub.yaml, ~/.config/mcphub/config.yaml, /etc/mcphub/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"mcphub.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "mcphub", "config.yaml"))
	}

	paths = append(paths, "/etc/mcphub/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise the first existing entry of DefaultSearchPaths is returned.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all mcphub configuration.
type Config struct {
	Listen      string          `yaml:"listen"`
	APIToken    string          `yaml:"api_token"`
	CORSOrigins []string        `yaml:"cors_origins"`
	Log         LogConfig       `yaml:"log"`
	DataDir     string          `yaml:"data_dir"`
	Catalog     CatalogConfig   `yaml:"catalog"`
	Installer   InstallerConfig `yaml:"installer"`
	Process     ProcessConfig   `yaml:"process"`
	Cleanup     CleanupConfig   `yaml:"cleanup"`
	RateLimit   RateLimitConfig `yaml:"ratelimit"`
	Gateway     GatewayConfig   `yaml:"gateway"`
	// AutoConnect connects every entry of Servers at startup.
	AutoConnect bool                      `yaml:"autoconnect"`
	Servers     []mcpmgr.ServerDefinition `yaml:"servers"`
}

// LogConfig selects the log level and handler.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

// CatalogConfig configures the server catalog.
type CatalogConfig struct {
	TTL         time.Duration `yaml:"ttl"`
	NPMRegistry string        `yaml:"npm_registry"`
	GitHubToken string        `yaml:"github_token"`
	// Lookups names the external sources merged with the curated list:
	// "npm" and/or "github".
	Lookups []string `yaml:"lookups"`
}

// InstallerConfig configures server installation.
type InstallerConfig struct {
	Dir          string        `yaml:"dir"`
	StageTimeout time.Duration `yaml:"stage_timeout"`
	Retention    time.Duration `yaml:"retention"`
}

// ProcessConfig configures process supervision.
type ProcessConfig struct {
	GracePeriod time.Duration `yaml:"grace_period"`
}

// CleanupConfig configures the background janitor.
type CleanupConfig struct {
	Interval          time.Duration `yaml:"interval"`
	PendingAuthMaxAge time.Duration `yaml:"pending_auth_max_age"`
	RateLimitIdle     time.Duration `yaml:"ratelimit_idle"`
}

// RateLimitConfig bounds tool calls and test connections per server.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// GatewayConfig configures the aggregated MCP endpoint.
type GatewayConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Load reads configuration from a YAML file. Environment variables are
// expanded first; unset fields keep their Default values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, mcperr.Newf(mcperr.KindConfiguration, "parse %s: %v", path, err)
	}
	return cfg, nil
}

// Default returns the default configuration.
func Default() *Config {
	dataDir := ".mcphub"
	if home, err := os.UserHomeDir(); err == nil {
		dataDir = filepath.Join(home, ".local", "share", "mcphub")
	}
	return &Config{
		Listen:  "127.0.0.1:8700",
		Log:     LogConfig{Level: "info", Format: "text"},
		DataDir: dataDir,
		Catalog: CatalogConfig{
			TTL:     time.Hour,
			Lookups: []string{"npm"},
		},
		Installer: InstallerConfig{
			StageTimeout: 5 * time.Minute,
			Retention:    5 * time.Minute,
		},
		Process: ProcessConfig{GracePeriod: 5 * time.Second},
		Cleanup: CleanupConfig{
			Interval:          5 * time.Minute,
			PendingAuthMaxAge: 10 * time.Minute,
			RateLimitIdle:     10 * time.Minute,
		},
		RateLimit: RateLimitConfig{RPS: 5, Burst: 10},
		Gateway:   GatewayConfig{Enabled: true, Path: "/mcp"},
	}
}

// DBPath is the SQLite database holding install records and pending
// authorizations.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "mcphub.db")
}

// InstallDir is where npm and GitHub servers are installed.
func (c *Config) InstallDir() string {
	if c.Installer.Dir != "" {
		return c.Installer.Dir
	}
	return filepath.Join(c.DataDir, "servers")
}

// Validate reports every problem in c as one ConfigurationError.
func (c *Config) Validate() error {
	var errs []error
	if c.Listen == "" {
		errs = append(errs, errors.New("listen address is required"))
	}
	if _, err := ParseLogLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q (valid: text, json)", c.Log.Format))
	}
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}
	for _, l := range c.Catalog.Lookups {
		if l != "npm" && l != "github" {
			errs = append(errs, fmt.Errorf("unknown catalog lookup %q (valid: npm, github)", l))
		}
	}
	if c.RateLimit.RPS < 0 || c.RateLimit.Burst < 0 {
		errs = append(errs, errors.New("ratelimit rps and burst must not be negative"))
	}
	if c.Cleanup.Interval < 0 {
		errs = append(errs, errors.New("cleanup interval must not be negative"))
	}

	seen := make(map[string]bool, len(c.Servers))
	for i, def := range c.Servers {
		if def.ID == "" {
			errs = append(errs, fmt.Errorf("servers[%d]: id is required", i))
			continue
		}
		if seen[def.ID] {
			errs = append(errs, fmt.Errorf("servers[%d]: duplicate id %q", i, def.ID))
		}
		seen[def.ID] = true
		if _, err := def.Build(); err != nil {
			errs = append(errs, fmt.Errorf("servers[%d]: %s", i, mcperr.Message(err)))
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return &mcperr.Error{Kind: mcperr.KindConfiguration, Message: "invalid configuration", Err: errors.Join(errs...)}
}
