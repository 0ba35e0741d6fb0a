package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models closedloop.yml.
type Config struct {
	Quota struct {
		DailyProposalLimit int    `yaml:"daily_proposal_limit" json:"daily_proposal_limit"`
		Timezone           string `yaml:"timezone" json:"timezone"`
	} `yaml:"quota" json:"quota"`
	Policy struct {
		AutoApprove  []string `yaml:"auto_approve" json:"auto_approve"`
		RequireHuman []string `yaml:"require_human" json:"require_human"`
	} `yaml:"policy" json:"policy"`
	Agents []AgentConfig `yaml:"agents" json:"agents"`
	Digest struct {
		Enabled    bool   `yaml:"enabled" json:"enabled"`
		Schedule   string `yaml:"schedule" json:"schedule"`
		WindowDays int    `yaml:"window_days" json:"window_days"`
	} `yaml:"digest" json:"digest"`
	Webhooks []WebhookConfig `yaml:"webhooks" json:"webhooks,omitempty"`
}

type AgentConfig struct {
	ID    string `yaml:"id" json:"id"`
	Name  string `yaml:"name" json:"name"`
	Emoji string `yaml:"emoji" json:"emoji,omitempty"`
	Role  string `yaml:"role" json:"role,omitempty"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Events         []string `yaml:"events" json:"events,omitempty"`
	Secret         string   `yaml:"secret" json:"-"`
	TimeoutSeconds int      `yaml:"timeout_seconds" json:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled" json:"enabled,omitempty"`
}

// Location resolves quota.timezone; empty means UTC.
func (c *Config) Location() (*time.Location, error) {
	tz := strings.TrimSpace(c.Quota.Timezone)
	if tz == "" || strings.EqualFold(tz, "utc") {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("config.quota.timezone: %w", err)
	}
	return loc, nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Quota.DailyProposalLimit < 1 {
		return fmt.Errorf("config.quota.daily_proposal_limit must be >= 1")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	auto := make(map[string]struct{}, len(c.Policy.AutoApprove))
	for _, k := range c.Policy.AutoApprove {
		if strings.TrimSpace(k) == "" {
			return fmt.Errorf("config.policy.auto_approve has empty kind")
		}
		auto[k] = struct{}{}
	}
	for _, k := range c.Policy.RequireHuman {
		if strings.TrimSpace(k) == "" {
			return fmt.Errorf("config.policy.require_human has empty kind")
		}
		if _, ok := auto[k]; ok {
			return fmt.Errorf("kind %s listed in both auto_approve and require_human", k)
		}
	}
	seen := make(map[string]struct{}, len(c.Agents))
	for _, a := range c.Agents {
		if strings.TrimSpace(a.ID) == "" {
			return fmt.Errorf("config.agents contains empty id")
		}
		if _, ok := seen[a.ID]; ok {
			return fmt.Errorf("config.agents has duplicate id %s", a.ID)
		}
		seen[a.ID] = struct{}{}
	}
	if c.Digest.Enabled && strings.TrimSpace(c.Digest.Schedule) == "" {
		return fmt.Errorf("config.digest.schedule is required when digest is enabled")
	}
	if c.Digest.WindowDays < 0 {
		return fmt.Errorf("config.digest.window_days must be >= 0")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "closedloop.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with loop init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOrDefault returns the workspace config, or defaults when the file does not exist.
func LoadOrDefault(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// DefaultYAML returns the default config file contents.
func DefaultYAML() string {
	return defaultTemplate
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses config on top of the defaults and validates it.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
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

const defaultTemplate = `quota:
  daily_proposal_limit: 10
  timezone: UTC

policy:
  auto_approve: [research, analyze, crawl, draft_tweet, test]
  require_human: [post, deploy, build]

agents:
  - {id: loki, name: Loki, emoji: "🦇"}
  - {id: wanda, name: Wanda, emoji: "🩸"}
  - {id: pulse, name: Pulse, emoji: "💜"}
  - {id: vision, name: Vision, emoji: "💎"}
  - {id: friday, name: Friday, emoji: "🤖"}
  - {id: jocasta, name: Jocasta, emoji: "👩‍💻"}
  - {id: fury, name: Fury, emoji: "👁️"}
  - {id: maria, name: Maria, emoji: "👩‍✈️"}
  - {id: phil, name: Phil, emoji: "🕷️"}
  - {id: miles, name: Miles, emoji: "🕸️"}

digest:
  enabled: false
  schedule: "5 0 * * *"
  window_days: 1
`
