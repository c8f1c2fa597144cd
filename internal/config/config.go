package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models tradepost.yml.
type Config struct {
	Market struct {
		ID   string `yaml:"id"`
		Kind string `yaml:"kind"`
	} `yaml:"market"`
	Streaks struct {
		InitialFreezes int `yaml:"initial_freezes"`
	} `yaml:"streaks"`
	Skills struct {
		Catalog map[string]struct {
			Description string `yaml:"description"`
		} `yaml:"catalog"`
	} `yaml:"skills"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with tp market config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Market.ID == "" {
		return fmt.Errorf("config.market.id is required")
	}
	if c.Market.Kind != "skill-marketplace" {
		return fmt.Errorf("config.market.kind must be 'skill-marketplace'")
	}
	if c.Streaks.InitialFreezes < 0 {
		return fmt.Errorf("config.streaks.initial_freezes must not be negative")
	}
	for name := range c.Skills.Catalog {
		if name == "" {
			return fmt.Errorf("config.skills.catalog contains empty skill name")
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("webhook %d has negative timeout", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "tradepost.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(marketID string) string {
	return fmt.Sprintf(defaultTemplate, marketID)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a market.
func Default(marketID string) *Config {
	var cfg Config
	cfg.Market.ID = marketID
	cfg.Market.Kind = "skill-marketplace"
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, marketID))).Decode(&cfg)
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

const defaultTemplate = `market:
  id: %s
  kind: skill-marketplace

streaks:
  initial_freezes: 2

skills:
  catalog:
    design.graphic:
      description: "Graphic and visual design"
    design.ux:
      description: "User experience and interaction design"
    dev.frontend:
      description: "Frontend development"
    dev.backend:
      description: "Backend development"
    writing.copy:
      description: "Copywriting and editing"
    media.photo:
      description: "Photography and photo editing"
    language.tutoring:
      description: "Language practice and tutoring"
    music.production:
      description: "Music production and mixing"
`
