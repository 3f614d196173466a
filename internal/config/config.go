// Package config loads the passive configuration struct that is injected
// into every subsystem. There is no hidden process-wide state: callers
// read a Config once and pass it by reference, per spec.md §9.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/dollspace-gay/rookpkg/internal/rerr"
)

// RepositoryConfig describes one configured package repository.
type RepositoryConfig struct {
	Name    string `toml:"name"`
	URL     string `toml:"url"`
	Enabled bool   `toml:"enabled"`
}

// Config is the root configuration object. It is loaded once at startup
// and passed by reference into every subsystem constructor.
type Config struct {
	Root string `toml:"root"`

	DBPath      string   `toml:"db_path"`
	CacheDir    string   `toml:"cache_dir"`
	MasterKeys  string   `toml:"master_key_dir"`
	PackagerDir string   `toml:"packager_key_dir"`
	CertsDir    string   `toml:"certs_dir"`
	UserKeyPath string   `toml:"user_key_path"`
	HooksDir    string   `toml:"hooks_dir"`
	BuildDir    string   `toml:"build_dir"`
	ConfigPath  string   `toml:"-"`

	BuildJobs int `toml:"build_jobs"`

	Repositories []RepositoryConfig `toml:"repositories"`

	ParallelDownloads      int `toml:"parallel_downloads"`
	MaxRetries             int `toml:"max_retries"`
	ConnectTimeoutSeconds  int `toml:"connect_timeout_seconds"`
	TotalTimeoutSeconds    int `toml:"total_timeout_seconds"`
	HookTimeoutSeconds     int `toml:"hook_timeout_seconds"`
	CachedMaxAgeDays       int `toml:"cache_max_age_days"`

	PreHookFailureAborts  bool   `toml:"pre_hook_failure_aborts"`
	PostHookFailureAborts bool   `toml:"post_hook_failure_aborts"`
	MinTrustLevel         string `toml:"min_trust_level"`
	SignatureRequired     bool   `toml:"signature_required"`
	ConfigPrefixes        []string `toml:"config_prefixes"`

	DryRun bool `toml:"-"`
}

// Default returns a Config with the same defaults original_source/src/config.rs
// ships: root at "/", database under /var/lib/rookpkg, trust keys under
// /etc/rookpkg/keys.
func Default() *Config {
	return &Config{
		Root:                  "/",
		DBPath:                "/var/lib/rookpkg/rookpkg.db",
		CacheDir:              "/var/cache/rookpkg/packages",
		MasterKeys:            "/etc/rookpkg/keys/master",
		PackagerDir:           "/etc/rookpkg/keys/packagers",
		CertsDir:              "/etc/rookpkg/keys/packagers/certs",
		UserKeyPath:           "",
		HooksDir:              "/etc/rookpkg/hooks.d",
		BuildDir:              "/var/lib/rookpkg/build",
		BuildJobs:             4,
		ParallelDownloads:     4,
		MaxRetries:            3,
		ConnectTimeoutSeconds: 10,
		TotalTimeoutSeconds:   300,
		HookTimeoutSeconds:    0,
		CachedMaxAgeDays:      30,
		PreHookFailureAborts:  true,
		PostHookFailureAborts: false,
		MinTrustLevel:         "marginal",
		SignatureRequired:     true,
		ConfigPrefixes:        []string{"/etc/"},
	}
}

// Load reads a TOML configuration file, applying it on top of Default().
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, rerr.Wrap(rerr.Config, "load config", path, err)
	}
	cfg.ConfigPath = path
	return cfg, nil
}

// ConnectTimeout returns the configured connect timeout, or 0 (unbounded).
func (c *Config) ConnectTimeout() time.Duration {
	if c.ConnectTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(c.ConnectTimeoutSeconds) * time.Second
}

// TotalTimeout returns the configured total request timeout, or 0 (unbounded).
func (c *Config) TotalTimeout() time.Duration {
	if c.TotalTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(c.TotalTimeoutSeconds) * time.Second
}

// HookTimeout returns the configured hook execution timeout, or 0 (unbounded).
func (c *Config) HookTimeout() time.Duration {
	if c.HookTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(c.HookTimeoutSeconds) * time.Second
}

// Parallel clamps the configured worker count to the hard cap from spec.md §4.4.
func (c *Config) Parallel() int {
	n := c.ParallelDownloads
	if n <= 0 {
		n = 1
	}
	if n > 16 {
		n = 16
	}
	return n
}

func (c *Config) String() string {
	return fmt.Sprintf("Config{root=%s db=%s repos=%d}", c.Root, c.DBPath, len(c.Repositories))
}
