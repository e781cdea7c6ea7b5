package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models showline.yml.
type Config struct {
	Lifecycle struct {
		Timezone               string `yaml:"timezone"`
		PostShowTransitionHour int    `yaml:"post_show_transition_hour"`
		ArchiveMonth           int    `yaml:"archive_month"`
		ArchiveDay             int    `yaml:"archive_day"`
		AutoTransitions        bool   `yaml:"auto_transitions"`
		CompletionGrace        string `yaml:"completion_grace"`
	} `yaml:"lifecycle"`
	Cache struct {
		Backend string `yaml:"backend"`
		TTL     string `yaml:"ttl"`
		Redis   struct {
			Addr     string `yaml:"addr"`
			Password string `yaml:"password"`
			DB       int    `yaml:"db"`
			Prefix   string `yaml:"prefix"`
		} `yaml:"redis"`
	} `yaml:"cache"`
	Sweep struct {
		Concurrency int    `yaml:"concurrency"`
		Interval    string `yaml:"interval"`
	} `yaml:"sweep"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
	RBAC     struct {
		Roles map[string]RBACRole `yaml:"roles"`
	} `yaml:"rbac"`
}

// WebhookConfig receives audit events as JSON POSTs. An empty Events list
// delivers every event type.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

type RBACRole struct {
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with showline config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOrDefault returns the default config if the file does not exist.
func LoadOrDefault(workspace string) (*Config, error) {
	cfg, err := LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return Default(), nil
	}
	return cfg, nil
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	lc := c.Lifecycle
	if err := ValidateSchedule(Schedule{
		Timezone:               lc.Timezone,
		ArchiveMonth:           lc.ArchiveMonth,
		ArchiveDay:             lc.ArchiveDay,
		PostShowTransitionHour: lc.PostShowTransitionHour,
	}); err != nil {
		return fmt.Errorf("config.lifecycle: %w", err)
	}
	if lc.CompletionGrace != "" {
		if d, err := time.ParseDuration(lc.CompletionGrace); err != nil || d < 0 {
			return fmt.Errorf("config.lifecycle.completion_grace must be a non-negative duration")
		}
	}
	switch c.Cache.Backend {
	case "", "memory":
	case "redis":
		if c.Cache.Redis.Addr == "" {
			return fmt.Errorf("config.cache.redis.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("config.cache.backend must be memory or redis")
	}
	if c.Cache.TTL != "" {
		if d, err := time.ParseDuration(c.Cache.TTL); err != nil || d < 0 {
			return fmt.Errorf("config.cache.ttl must be a non-negative duration")
		}
	}
	if c.Sweep.Concurrency < 0 {
		return fmt.Errorf("config.sweep.concurrency must not be negative")
	}
	if c.Sweep.Interval != "" {
		if d, err := time.ParseDuration(c.Sweep.Interval); err != nil || d < 0 {
			return fmt.Errorf("config.sweep.interval must be a non-negative duration")
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	if len(c.RBAC.Roles) > 0 {
		if _, ok := c.RBAC.Roles["owner"]; !ok {
			return fmt.Errorf("config.rbac.roles must include owner")
		}
		for roleID, role := range c.RBAC.Roles {
			if roleID == "" {
				return fmt.Errorf("config.rbac.roles contains empty role id")
			}
			for _, perm := range role.Permissions {
				if perm == "" {
					return fmt.Errorf("role %s has empty permission id", roleID)
				}
			}
		}
	}
	return nil
}

// CompletionGrace returns the parsed grace period, or zero when unset.
func (c *Config) CompletionGrace() time.Duration {
	d, _ := time.ParseDuration(c.Lifecycle.CompletionGrace)
	return d
}

// CacheTTL returns the parsed cache ttl, or zero (no expiry) when unset.
func (c *Config) CacheTTL() time.Duration {
	d, _ := time.ParseDuration(c.Cache.TTL)
	return d
}

// SweepInterval returns how often serve runs a background sweep; zero
// disables it.
func (c *Config) SweepInterval() time.Duration {
	d, _ := time.ParseDuration(c.Sweep.Interval)
	return d
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "showline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `lifecycle:
  timezone: UTC
  post_show_transition_hour: 6
  archive_month: 1
  archive_day: 15
  auto_transitions: true
  completion_grace: 72h

cache:
  backend: memory
  ttl: 10m
  redis:
    addr: ""
    db: 0
    prefix: showline

sweep:
  concurrency: 4
  interval: 1m

webhooks: []

rbac:
  roles:
    owner:
      description: "Full control, including overrides and reverts"
      permissions:
        - project.create
        - project.read
        - schedule.update
        - setup.update
        - setup.finalize
        - readiness.read
        - readiness.invalidate
        - phase.read
        - phase.transition
        - phase.override
        - phase.revert
        - sweep.run
    producer:
      description: "Runs the production day to day"
      permissions:
        - project.read
        - schedule.update
        - setup.update
        - setup.finalize
        - readiness.read
        - readiness.invalidate
        - phase.read
        - phase.transition
    viewer:
      description: "Read only"
      permissions:
        - project.read
        - readiness.read
        - phase.read
`
