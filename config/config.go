package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable the loader reads,
// e.g. KUSTO_PINGER_INTERVAL or KUSTO_PINGER_STORE_PATH.
const EnvPrefix = "KUSTO_PINGER"

// Config holds every configurable value for the pinger.
type Config struct {
	// Monitoring targets, each "endpoint:database" or "endpoint:database:name".
	TargetEntries []string `mapstructure:"targets"`
	// Targets is TargetEntries after validation (filled by Load).
	Targets []Target `mapstructure:"-"`

	Interval    int           `mapstructure:"interval"`    // whole seconds between cycles
	Retention   time.Duration `mapstructure:"retention"`   // how long samples are kept
	Timeout     time.Duration `mapstructure:"timeout"`     // per-fetch deadline
	Concurrency int           `mapstructure:"concurrency"` // 1 = sequential polling

	Store   StoreConfig   `mapstructure:"store"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Bastion BastionConfig `mapstructure:"bastion"`

	LogLevel string `mapstructure:"log_level"` // debug|info|warn|error
	LogFile  string `mapstructure:"log_file"`  // used while the TUI owns stdout
	UI       string `mapstructure:"ui"`        // auto|tui|web|log
	Listen   string `mapstructure:"listen"`    // web UI address
}

// StoreConfig selects the retention store backend.
type StoreConfig struct {
	Driver string `mapstructure:"driver"` // sqlite|duckdb
	Path   string `mapstructure:"path"`
}

// AuthConfig controls how bearer tokens for the clusters are acquired.
type AuthConfig struct {
	Mode     string `mapstructure:"mode"`     // azcli|token|none
	Token    string `mapstructure:"token"`    // static token for mode=token
	Resource string `mapstructure:"resource"` // token audience, defaults to the endpoint
}

// BastionConfig describes an optional SSH jump host that cluster traffic is
// tunnelled through. Host may be an alias from ~/.ssh/config.
type BastionConfig struct {
	Host                  string `mapstructure:"host"`
	User                  string `mapstructure:"user"`
	Key                   string `mapstructure:"key"`
	KnownHosts            string `mapstructure:"known_hosts"`
	InsecureIgnoreHostKey bool   `mapstructure:"insecure_ignore_host_key"`
}

// Enabled reports whether a bastion host was configured.
func (b BastionConfig) Enabled() bool { return b.Host != "" }

// PollInterval returns Interval as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Interval) * time.Second
}

// flagKeys maps config keys to the cobra flag names bound to them.
var flagKeys = map[string]string{
	"targets":      "target",
	"interval":     "interval",
	"retention":    "retention",
	"timeout":      "timeout",
	"concurrency":  "concurrency",
	"store.driver": "store-driver",
	"store.path":   "db",
	"log_level":    "log-level",
	"log_file":     "log-file",
	"ui":           "ui",
	"listen":       "listen",
	"auth.mode":    "auth",
	"bastion.host": "bastion",
}

// Load reads configuration from (in decreasing priority):
//  1. command-line flags, when a flag set is given
//  2. environment variables (e.g. KUSTO_PINGER_STORE_PATH)
//  3. the yaml file at path, or ./configs/config.yaml if it exists
//  4. built-in defaults
//
// It returns a validated *Config or a *ConfigError.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	v.SetDefault("targets", []string{})
	v.SetDefault("interval", 30)
	v.SetDefault("retention", "168h")
	v.SetDefault("timeout", "30s")
	v.SetDefault("concurrency", 1)
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "./data/samples.db")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_file", "./data/kusto-pinger.log")
	v.SetDefault("ui", "auto")
	v.SetDefault("listen", ":8080")
	v.SetDefault("auth.mode", "azcli")
	v.SetDefault("auth.token", "")
	v.SetDefault("auth.resource", "")
	v.SetDefault("bastion.host", "")
	v.SetDefault("bastion.user", "")
	v.SetDefault("bastion.key", "")
	v.SetDefault("bastion.known_hosts", "")
	v.SetDefault("bastion.insecure_ignore_host_key", false)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, &ConfigError{Key: path, Reason: "cannot read config file", Err: err}
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath("./configs")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, &ConfigError{Key: "configs/config.yaml", Reason: "cannot read config file", Err: err}
			}
		}
	}

	if flags != nil {
		for key, name := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, &ConfigError{Key: key, Reason: "cannot bind flag --" + name, Err: err}
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, &ConfigError{Reason: "cannot decode config", Err: err}
	}

	targets, err := ParseTargets(expandEntries(cfg.TargetEntries))
	if err != nil {
		return nil, err
	}
	cfg.Targets = targets

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks value ranges and enumerations. Targets are validated by
// ParseTargets; an empty target list is allowed here because read-only
// commands do not poll.
func (c *Config) Validate() error {
	if c.Interval < 1 {
		return &ConfigError{Key: "interval", Reason: fmt.Sprintf("must be at least 1 second, got %d", c.Interval)}
	}
	if c.Retention <= 0 {
		return &ConfigError{Key: "retention", Reason: "must be positive"}
	}
	if c.Timeout <= 0 {
		return &ConfigError{Key: "timeout", Reason: "must be positive"}
	}
	if c.Concurrency < 1 {
		return &ConfigError{Key: "concurrency", Reason: "must be at least 1"}
	}
	if c.Store.Path == "" {
		return &ConfigError{Key: "store.path", Reason: "must not be empty"}
	}
	if !oneOf(c.Store.Driver, "sqlite", "duckdb") {
		return &ConfigError{Key: "store.driver", Reason: fmt.Sprintf("unknown driver %q (want sqlite or duckdb)", c.Store.Driver)}
	}
	if !oneOf(c.UI, "auto", "tui", "web", "log") {
		return &ConfigError{Key: "ui", Reason: fmt.Sprintf("unknown ui %q (want auto, tui, web or log)", c.UI)}
	}
	switch c.Auth.Mode {
	case "azcli", "none":
	case "token":
		if c.Auth.Token == "" {
			return &ConfigError{Key: "auth.token", Reason: "required when auth.mode is token"}
		}
	default:
		return &ConfigError{Key: "auth.mode", Reason: fmt.Sprintf("unknown mode %q (want azcli, token or none)", c.Auth.Mode)}
	}
	return nil
}

// RequireTargets fails when no monitoring target is configured.
func (c *Config) RequireTargets() error {
	if len(c.Targets) == 0 {
		return &ConfigError{Key: "targets", Reason: "at least one target is required (endpoint:database[:name])"}
	}
	return nil
}

// expandEntries flattens entries that carry several comma or space separated
// targets, which is how they arrive from a single environment variable.
func expandEntries(entries []string) []string {
	var out []string
	for _, e := range entries {
		out = append(out, SplitTargetList(e)...)
	}
	return out
}

func oneOf(s string, options ...string) bool {
	for _, o := range options {
		if s == o {
			return true
		}
	}
	return false
}
