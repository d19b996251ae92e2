// Package config provides YAML-based configuration loading for mimic.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables that override the file.
const (
	EnvTarget       = "MIMIC_TARGET"
	EnvSystemPrompt = "MIMIC_SYSTEM_PROMPT"
	EnvChannel      = "MIMIC_CHANNEL"
	EnvDBPassword   = "MIMIC_DB_PASSWORD"
)

// DefaultModel is used for replies and as the fine-tuning base model.
const DefaultModel = "gpt-4.1-mini-2025-04-14"

// Config is the top-level mimic configuration, loaded from mimic.yaml.
type Config struct {
	Target       string            `yaml:"target"`
	SystemPrompt string            `yaml:"system_prompt"`
	Timezone     string            `yaml:"timezone"`
	Cutoff       string            `yaml:"cutoff"`
	Thresholds   ThresholdConfig   `yaml:"thresholds"`
	Selection    SelectionConfig   `yaml:"selection"`
	Usernames    map[string]string `yaml:"usernames"`
	Database     DatabaseConfig    `yaml:"database"`
	OpenAI       OpenAIConfig      `yaml:"openai"`
	Bot          BotConfig         `yaml:"bot"`
	Dashboard    DashboardConfig   `yaml:"dashboard"`

	loc   *time.Location
	after time.Time
}

// ThresholdConfig holds the gaps that bound groups and contexts.
type ThresholdConfig struct {
	Group   time.Duration `yaml:"group"`
	Context time.Duration `yaml:"context"`
	Live    time.Duration `yaml:"live"`
}

// DefaultMinAssistantRatio is the ratio policy threshold when none is set.
const DefaultMinAssistantRatio = 0.42

// SelectionConfig chooses how progressive prefixes are thinned.
type SelectionConfig struct {
	Policy string `yaml:"policy"`
	// MinAssistantRatio is nil when the file leaves it out; an explicit 0
	// is kept.
	MinAssistantRatio *float64 `yaml:"min_assistant_ratio"`
}

// MinRatio returns the configured ratio threshold.
func (s SelectionConfig) MinRatio() float64 {
	if s.MinAssistantRatio == nil {
		return DefaultMinAssistantRatio
	}
	return *s.MinAssistantRatio
}

// DatabaseConfig selects and locates the database.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"`
	Path     string `yaml:"path"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"-"`
	Name     string `yaml:"name"`
}

// OpenAIConfig holds model and sampling settings. Zero values select the
// defaults.
type OpenAIConfig struct {
	BaseURL             string        `yaml:"base_url"`
	Model               string        `yaml:"model"`
	BaseModel           string        `yaml:"base_model"`
	Suffix              string        `yaml:"suffix"`
	Temperature         float32       `yaml:"temperature"`
	TopP                float32       `yaml:"top_p"`
	FrequencyPenalty    float32       `yaml:"frequency_penalty"`
	PresencePenalty     float32       `yaml:"presence_penalty"`
	MaxCompletionTokens int           `yaml:"max_completion_tokens"`
	PollInterval        time.Duration `yaml:"poll_interval"`
}

// BotConfig configures the live chat bot.
type BotConfig struct {
	Platform      string        `yaml:"platform"`
	Channel       string        `yaml:"channel"`
	Debounce      time.Duration `yaml:"debounce"`
	ResetCron     string        `yaml:"reset_cron"`
	ResetPrefix   string        `yaml:"reset_prefix"`
	MaxReplyChars int           `yaml:"max_reply_chars"`
	History       int           `yaml:"history"`
}

// DashboardConfig configures the HTTP API.
type DashboardConfig struct {
	Port int `yaml:"port"`
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config. Environment
// overrides are applied before validation.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyEnv(os.Getenv)
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	if v := getenv(EnvTarget); v != "" {
		c.Target = v
	}
	if v := getenv(EnvSystemPrompt); v != "" {
		c.SystemPrompt = v
	}
	if v := getenv(EnvChannel); v != "" {
		c.Bot.Channel = v
	}
	if v := getenv(EnvDBPassword); v != "" {
		c.Database.Password = v
	}
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Thresholds.Group == 0 {
		c.Thresholds.Group = 2 * time.Minute
	}
	if c.Thresholds.Context == 0 {
		c.Thresholds.Context = 5 * time.Minute
	}
	if c.Thresholds.Live == 0 {
		c.Thresholds.Live = 7 * time.Second
	}
	if c.Selection.MinAssistantRatio == nil {
		ratio := DefaultMinAssistantRatio
		c.Selection.MinAssistantRatio = &ratio
	}

	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.Path == "" {
		c.Database.Path = "mimic.db"
	}
	if c.Database.Host == "" {
		c.Database.Host = "127.0.0.1"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 3306
	}
	if c.Database.User == "" {
		c.Database.User = "root"
	}
	if c.Database.Name == "" {
		c.Database.Name = "mimic"
	}

	if c.OpenAI.Model == "" {
		c.OpenAI.Model = DefaultModel
	}
	if c.OpenAI.BaseModel == "" {
		c.OpenAI.BaseModel = DefaultModel
	}
	if c.OpenAI.Suffix == "" && c.Target != "" {
		c.OpenAI.Suffix = strings.ToLower(c.Target)
	}
	if c.OpenAI.Temperature == 0 {
		c.OpenAI.Temperature = 0.85
	}
	if c.OpenAI.TopP == 0 {
		c.OpenAI.TopP = 1
	}
	if c.OpenAI.FrequencyPenalty == 0 {
		c.OpenAI.FrequencyPenalty = 0.5
	}
	if c.OpenAI.PresencePenalty == 0 {
		c.OpenAI.PresencePenalty = 0.2
	}
	if c.OpenAI.MaxCompletionTokens == 0 {
		c.OpenAI.MaxCompletionTokens = 4096
	}
	if c.OpenAI.PollInterval == 0 {
		c.OpenAI.PollInterval = 15 * time.Second
	}

	if c.Bot.Platform == "" {
		c.Bot.Platform = "discord"
	}
	if c.Bot.Debounce == 0 {
		c.Bot.Debounce = c.Thresholds.Live
	}
	if c.Bot.ResetPrefix == "" {
		c.Bot.ResetPrefix = "!"
	}
	if c.Bot.MaxReplyChars == 0 {
		c.Bot.MaxReplyChars = 1900
	}

	if c.Dashboard.Port == 0 {
		c.Dashboard.Port = 8080
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if strings.TrimSpace(c.Target) == "" {
		errs = append(errs, "target is required")
	}
	if strings.TrimSpace(c.SystemPrompt) == "" {
		errs = append(errs, "system_prompt is required")
	}
	if strings.Contains(c.SystemPrompt, "@") {
		errs = append(errs, "system_prompt must not contain \"@\"")
	}

	c.loc = time.Local
	if c.Timezone != "" {
		loc, err := time.LoadLocation(c.Timezone)
		if err != nil {
			errs = append(errs, fmt.Sprintf("timezone %q: %v", c.Timezone, err))
		} else {
			c.loc = loc
		}
	}
	if c.Cutoff != "" {
		after, err := time.ParseInLocation("2006-01-02", c.Cutoff, c.loc)
		if err != nil {
			errs = append(errs, fmt.Sprintf("cutoff %q must be YYYY-MM-DD", c.Cutoff))
		} else {
			c.after = after
		}
	}

	if c.Thresholds.Group < 0 {
		errs = append(errs, "thresholds.group must be positive")
	}
	if c.Thresholds.Context < 0 {
		errs = append(errs, "thresholds.context must be positive")
	}
	if c.Thresholds.Live < 0 {
		errs = append(errs, "thresholds.live must be positive")
	}

	switch c.Selection.Policy {
	case "ratio", "alternate", "all":
	case "":
		errs = append(errs, "selection.policy is required (ratio, alternate or all)")
	default:
		errs = append(errs, fmt.Sprintf("selection.policy %q must be ratio, alternate or all", c.Selection.Policy))
	}
	if r := c.Selection.MinRatio(); r < 0 || r >= 1 {
		errs = append(errs, "selection.min_assistant_ratio must be in [0, 1)")
	}

	switch c.Database.Driver {
	case "sqlite", "mysql":
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q must be sqlite or mysql", c.Database.Driver))
	}

	switch c.Bot.Platform {
	case "discord", "slack":
	default:
		errs = append(errs, fmt.Sprintf("bot.platform %q must be discord or slack", c.Bot.Platform))
	}
	if c.Bot.Debounce < 0 {
		errs = append(errs, "bot.debounce must be positive")
	}
	if c.Bot.MaxReplyChars < 0 {
		errs = append(errs, "bot.max_reply_chars must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// ValidateBot checks the settings only the live bot needs.
func (c *Config) ValidateBot() error {
	if c.Bot.Channel == "" {
		return fmt.Errorf("config: validation failed: bot.channel is required")
	}
	return nil
}

// Location is the transcript calendar.
func (c *Config) Location() *time.Location {
	if c.loc == nil {
		return time.Local
	}
	return c.loc
}

// After is the cutoff instant, or the zero time when none is set.
func (c *Config) After() time.Time {
	return c.after
}
