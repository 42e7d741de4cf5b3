package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"trailhead/internal/domain"
)

// Config models trailhead.yml.
type Config struct {
	Simulation struct {
		TickInterval              Duration `yaml:"tick_interval"`
		FirstEventDelaySeconds    int      `yaml:"first_event_delay_seconds"`
		EventChance               float64  `yaml:"event_chance"`
		ResponseChance            float64  `yaml:"response_chance"`
		AutoResolveSeconds        int      `yaml:"auto_resolve_seconds"`
		BaseReward                int64    `yaml:"base_reward"`
		InitialSuccessProbability float64  `yaml:"initial_success_probability"`
		Seed                      int64    `yaml:"seed"`
	} `yaml:"simulation"`
	Rules    Rules                    `yaml:"rules"`
	Catalog  map[string]EventTemplate `yaml:"catalog"`
	Webhooks []WebhookConfig          `yaml:"webhooks"`
}

// Rules holds the balance numbers applied when an event resolves.
type Rules struct {
	SuccessBonus               float64 `yaml:"success_bonus"`
	FailurePenalty             float64 `yaml:"failure_penalty"`
	HighRiskTimePenaltySeconds int     `yaml:"high_risk_time_penalty_seconds"`
	AutoSuccessRatePenalty     float64 `yaml:"auto_success_rate_penalty"`
	AutoRewardScale            float64 `yaml:"auto_reward_scale"`
}

type EventTemplate struct {
	Descriptions []string         `yaml:"descriptions"`
	Options      []OptionTemplate `yaml:"options"`
}

type OptionTemplate struct {
	ID               string  `yaml:"id"`
	Label            string  `yaml:"label"`
	SuccessRate      float64 `yaml:"success_rate"`
	RewardMultiplier float64 `yaml:"reward_multiplier"`
	RiskLevel        string  `yaml:"risk_level"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Duration reads and writes Go duration strings ("1s", "250ms").
type Duration time.Duration

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", node.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Tick returns the wall-clock length of one simulated second.
func (c *Config) Tick() time.Duration {
	return time.Duration(c.Simulation.TickInterval)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	s := c.Simulation
	if s.TickInterval <= 0 {
		return fmt.Errorf("config.simulation.tick_interval must be positive")
	}
	if s.FirstEventDelaySeconds < 0 {
		return fmt.Errorf("config.simulation.first_event_delay_seconds must not be negative")
	}
	if s.EventChance < 0 || s.EventChance > 1 {
		return fmt.Errorf("config.simulation.event_chance must be within [0,1]")
	}
	if s.ResponseChance < 0 || s.ResponseChance > 1 {
		return fmt.Errorf("config.simulation.response_chance must be within [0,1]")
	}
	if s.AutoResolveSeconds <= 0 {
		return fmt.Errorf("config.simulation.auto_resolve_seconds must be positive")
	}
	if s.BaseReward < 0 {
		return fmt.Errorf("config.simulation.base_reward must not be negative")
	}
	if s.InitialSuccessProbability < 0 || s.InitialSuccessProbability > 100 {
		return fmt.Errorf("config.simulation.initial_success_probability must be within [0,100]")
	}
	if c.Rules.SuccessBonus < 0 || c.Rules.FailurePenalty < 0 {
		return fmt.Errorf("config.rules bonus and penalty must not be negative")
	}
	if c.Rules.HighRiskTimePenaltySeconds < 0 {
		return fmt.Errorf("config.rules.high_risk_time_penalty_seconds must not be negative")
	}
	if c.Rules.AutoRewardScale <= 0 {
		return fmt.Errorf("config.rules.auto_reward_scale must be positive")
	}
	for _, category := range domain.Categories {
		if _, ok := c.Catalog[category]; !ok {
			return fmt.Errorf("config.catalog.%s is required", category)
		}
	}
	for category, tmpl := range c.Catalog {
		if !domain.ValidCategory(category) {
			return fmt.Errorf("config.catalog has unknown category %s", category)
		}
		if len(tmpl.Descriptions) == 0 {
			return fmt.Errorf("catalog %s needs at least one description", category)
		}
		if len(tmpl.Options) == 0 {
			return fmt.Errorf("catalog %s needs at least one option", category)
		}
		seen := map[string]bool{}
		for _, opt := range tmpl.Options {
			if opt.ID == "" {
				return fmt.Errorf("catalog %s has option with empty id", category)
			}
			if seen[opt.ID] {
				return fmt.Errorf("catalog %s has duplicate option %s", category, opt.ID)
			}
			seen[opt.ID] = true
			if opt.SuccessRate < 0 || opt.SuccessRate > 1 {
				return fmt.Errorf("catalog %s option %s success_rate must be within [0,1]", category, opt.ID)
			}
			if opt.RewardMultiplier <= 0 {
				return fmt.Errorf("catalog %s option %s reward_multiplier must be positive", category, opt.ID)
			}
			switch opt.RiskLevel {
			case domain.RiskLow, domain.RiskMedium, domain.RiskHigh:
			default:
				return fmt.Errorf("catalog %s option %s has invalid risk_level %q", category, opt.ID, opt.RiskLevel)
			}
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
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "trailhead.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with trail config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	if err := yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg); err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Missing sections
// fall back to the defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	cfg.Catalog = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if cfg.Catalog == nil {
		cfg.Catalog = Default().Catalog
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

const defaultTemplate = `simulation:
  tick_interval: 1s
  first_event_delay_seconds: 5
  event_chance: 0.10
  response_chance: 0.60
  auto_resolve_seconds: 30
  base_reward: 1000
  initial_success_probability: 85
  seed: 0

rules:
  success_bonus: 5
  failure_penalty: 10
  high_risk_time_penalty_seconds: 60
  auto_success_rate_penalty: 0.10
  auto_reward_scale: 0.9

catalog:
  encounter:
    descriptions:
      - "A wild pokémon blocks the trail during {stage}."
      - "Rustling in the tall grass: something is watching the team during {stage}."
    options:
      - {id: approach, label: "Approach carefully", success_rate: 0.7, reward_multiplier: 1.2, risk_level: low}
      - {id: capture, label: "Attempt a capture", success_rate: 0.5, reward_multiplier: 1.5, risk_level: medium}
      - {id: ignore, label: "Let it pass", success_rate: 0.95, reward_multiplier: 1.0, risk_level: low}
  battle:
    descriptions:
      - "A rival trainer challenges the team during {stage}."
    options:
      - {id: fight, label: "Fight head-on", success_rate: 0.55, reward_multiplier: 1.6, risk_level: high}
      - {id: defend, label: "Hold a defensive line", success_rate: 0.75, reward_multiplier: 1.2, risk_level: medium}
      - {id: retreat, label: "Retreat", success_rate: 0.9, reward_multiplier: 0.9, risk_level: low}
  discovery:
    descriptions:
      - "The team spots something glinting off the path during {stage}."
    options:
      - {id: investigate, label: "Investigate", success_rate: 0.65, reward_multiplier: 1.4, risk_level: medium}
      - {id: mark, label: "Mark it for later", success_rate: 0.9, reward_multiplier: 1.1, risk_level: low}
  emergency:
    descriptions:
      - "A storm rolls in during {stage}."
      - "A team member is hurt during {stage}."
    options:
      - {id: push_on, label: "Push on", success_rate: 0.4, reward_multiplier: 1.3, risk_level: high}
      - {id: shelter, label: "Take shelter", success_rate: 0.85, reward_multiplier: 1.0, risk_level: low}
  decision_point:
    descriptions:
      - "The trail forks during {stage}."
    options:
      - {id: shortcut, label: "Take the shortcut", success_rate: 0.5, reward_multiplier: 1.5, risk_level: high}
      - {id: main_path, label: "Stay on the main path", success_rate: 0.8, reward_multiplier: 1.1, risk_level: low}
      - {id: scout, label: "Send a scout ahead", success_rate: 0.7, reward_multiplier: 1.25, risk_level: medium}

webhooks: []
`
