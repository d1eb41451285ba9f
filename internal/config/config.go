package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const FileName = "taskdesk.yml"

const (
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
	DriverMemory = "memory"
)

// Config models taskdesk.yml.
type Config struct {
	Storage struct {
		Driver    string `yaml:"driver"`
		RedisURL  string `yaml:"redis_url,omitempty"`
		KeyPrefix string `yaml:"key_prefix,omitempty"`
	} `yaml:"storage"`
	Seed struct {
		Departments []Department `yaml:"departments"`
		SuperAdmin  SuperAdmin   `yaml:"super_admin"`
	} `yaml:"seed"`
	Events struct {
		MaxEntries int `yaml:"max_entries"`
	} `yaml:"events"`
	Server struct {
		Addr     string        `yaml:"addr"`
		BasePath string        `yaml:"base_path"`
		TokenTTL time.Duration `yaml:"token_ttl"`
	} `yaml:"server"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty"`
}

type Department struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

type SuperAdmin struct {
	ID           string `yaml:"id"`
	Name         string `yaml:"name"`
	Email        string `yaml:"email"`
	DepartmentID string `yaml:"department_id"`
}

// WebhookConfig is one outbound event subscription. Empty Events means all.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events,omitempty"`
	Secret         string   `yaml:"secret,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with taskdesk init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the defaults when the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case DriverSQLite, DriverMemory:
	case DriverRedis:
		if strings.TrimSpace(c.Storage.RedisURL) == "" {
			return fmt.Errorf("config.storage.redis_url is required for driver redis")
		}
	default:
		return fmt.Errorf("config.storage.driver must be one of sqlite, redis, memory (got %q)", c.Storage.Driver)
	}
	if len(c.Seed.Departments) == 0 {
		return fmt.Errorf("config.seed.departments must not be empty")
	}
	seen := map[string]bool{}
	for i, d := range c.Seed.Departments {
		if d.ID == "" || d.Name == "" {
			return fmt.Errorf("config.seed.departments[%d] needs id and name", i)
		}
		if seen[d.ID] {
			return fmt.Errorf("config.seed.departments has duplicate id %s", d.ID)
		}
		seen[d.ID] = true
	}
	if sa := c.Seed.SuperAdmin; sa.DepartmentID != "" && !seen[sa.DepartmentID] {
		return fmt.Errorf("config.seed.super_admin.department_id %s is not a seeded department", sa.DepartmentID)
	}
	if c.Events.MaxEntries < 0 {
		return fmt.Errorf("config.events.max_entries must not be negative")
	}
	if c.Server.TokenTTL < 0 {
		return fmt.Errorf("config.server.token_ttl must not be negative")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	switch c.Log.Format {
	case "", "console", "json":
	default:
		return fmt.Errorf("config.log.format must be console or json")
	}
	for i, hook := range c.Webhooks {
		u, err := url.Parse(hook.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("config.webhooks[%d].url %q is not an absolute URL", i, hook.URL)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
		for _, evt := range hook.Events {
			if strings.TrimSpace(evt) == "" {
				return fmt.Errorf("config.webhooks[%d] has an empty event type", i)
			}
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config template: %v", err))
	}
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Omitted
// sections keep their defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	// seed lists replace rather than merge
	cfg.Seed.Departments = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if len(cfg.Seed.Departments) == 0 {
		cfg.Seed.Departments = Default().Seed.Departments
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `storage:
  driver: sqlite
  # redis_url: redis://localhost:6379/0
  # key_prefix: "acme:"

seed:
  departments:
    - { id: dept-bde, name: BDE }
    - { id: dept-marketing, name: Marketing }
    - { id: dept-sales, name: Sales }
    - { id: dept-hr, name: HR }
    - { id: dept-tech, name: Tech }
  super_admin:
    id: sa-1
    name: Super Admin
    email: superadmin@tms.demo
    department_id: dept-bde

events:
  max_entries: 1000

server:
  addr: 127.0.0.1:8080
  base_path: /v0
  token_ttl: 24h

log:
  level: info
  format: console

# webhooks:
#   - url: https://example.com/hooks/taskdesk
#     events: [task.completion_requested, task.completed]
#     secret: change-me
#     timeout_seconds: 5
`
