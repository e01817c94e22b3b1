package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"civicflow/internal/domain"
)

// Config models civicflow.yml.
type Config struct {
	// Departments maps a complaint category to the department that handles it.
	Departments map[string]string `yaml:"departments"`
	Assignment  struct {
		DefaultMaxWorkload int `yaml:"default_max_workload"`
	} `yaml:"assignment"`
	Ranking struct {
		Gravity     float64 `yaml:"gravity"`
		OffsetHours float64 `yaml:"offset_hours"`
	} `yaml:"ranking"`
	Feed struct {
		CacheTTLSeconds int `yaml:"cache_ttl_seconds"`
		DefaultLimit    int `yaml:"default_limit"`
	} `yaml:"feed"`
	Redis    RedisConfig     `yaml:"redis"`
	Kafka    KafkaConfig     `yaml:"kafka"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
	Log      struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type KafkaConfig struct {
	Brokers  []string `yaml:"brokers"`
	Topic    string   `yaml:"topic"`
	ClientID string   `yaml:"client_id"`
	// Events restricts which event types are published; empty means all.
	Events []string `yaml:"events"`
}

func (k KafkaConfig) Enabled() bool {
	return len(k.Brokers) > 0 && strings.TrimSpace(k.Topic) != ""
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with civic config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOrDefault returns the workspace config, or Default when none exists.
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

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	for category, dept := range c.Departments {
		if !domain.Category(category).Valid() {
			return fmt.Errorf("config.departments has unknown category %s", category)
		}
		if strings.TrimSpace(dept) == "" {
			return fmt.Errorf("config.departments.%s is empty", category)
		}
	}
	if c.Assignment.DefaultMaxWorkload < 0 {
		return fmt.Errorf("config.assignment.default_max_workload must be >= 0")
	}
	if c.Ranking.Gravity < 0 {
		return fmt.Errorf("config.ranking.gravity must be >= 0")
	}
	if c.Ranking.OffsetHours < 0 {
		return fmt.Errorf("config.ranking.offset_hours must be >= 0")
	}
	if c.Feed.CacheTTLSeconds < 0 {
		return fmt.Errorf("config.feed.cache_ttl_seconds must be >= 0")
	}
	if len(c.Kafka.Brokers) > 0 && strings.TrimSpace(c.Kafka.Topic) == "" {
		return fmt.Errorf("config.kafka.topic is required when brokers are set")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must be >= 0", i)
		}
	}
	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("config.log.level %q is not a level", c.Log.Level)
	}
	return nil
}

// DepartmentFor returns the department responsible for a category, or "".
func (c *Config) DepartmentFor(category domain.Category) string {
	if c == nil {
		return ""
	}
	return c.Departments[string(category)]
}

func (c *Config) FeedCacheTTL() time.Duration {
	if c == nil || c.Feed.CacheTTLSeconds <= 0 {
		return 0
	}
	return time.Duration(c.Feed.CacheTTLSeconds) * time.Second
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "civicflow.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
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

const defaultTemplate = `departments:
  roads: public_works
  drainage: public_works
  water: water_supply
  electricity: electrical
  streetlights: electrical
  sanitation: sanitation
  waste: sanitation
  parks: parks
  public_safety: public_safety
  noise: public_safety
  other: general

assignment:
  default_max_workload: 10

ranking:
  gravity: 1.5
  offset_hours: 2

feed:
  cache_ttl_seconds: 0
  default_limit: 20

redis:
  addr: ""

kafka:
  brokers: []
  topic: civicflow.events
  client_id: civicflow

webhooks: []

log:
  level: info
`
