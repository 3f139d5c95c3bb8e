// Package config provides YAML-based configuration loading for Signalbox.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v9"
	"gopkg.in/yaml.v3"
)

// Config is the top-level Signalbox configuration, loaded from signalbox.yaml.
type Config struct {
	Database   DatabaseConfig    `yaml:"database"`
	Server     ServerConfig      `yaml:"server"`
	Logger     LoggerConfig      `yaml:"logger"`
	Funnel     FunnelConfig      `yaml:"funnel"`
	Sweep      SweepConfig       `yaml:"sweep"`
	CAPI       CAPIConfig        `yaml:"capi"`
	AI         AIConfig          `yaml:"ai"`
	Alert      AlertConfig       `yaml:"alert"`
	Directions []DirectionConfig `yaml:"directions"`
}

// DatabaseConfig holds connection settings for the state database.
type DatabaseConfig struct {
	Driver   string `yaml:"driver" env:"SB_DB_DRIVER"` // "mysql" or "sqlite"
	Host     string `yaml:"host" env:"SB_DB_HOST"`
	Port     int    `yaml:"port" env:"SB_DB_PORT"`
	User     string `yaml:"user" env:"SB_DB_USER"`
	Password string `yaml:"password" env:"SB_DB_PASSWORD"`
	Name     string `yaml:"name" env:"SB_DB_NAME"`
	Path     string `yaml:"path" env:"SB_DB_PATH"` // sqlite file, or ":memory:"
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Port         int    `yaml:"port" env:"SB_PORT"`
	WebhookToken string `yaml:"webhook_token" env:"SB_WEBHOOK_TOKEN"`
}

// LoggerConfig mirrors the zap options exposed to operators.
type LoggerConfig struct {
	Level        string `yaml:"level" env:"SB_LOG_LEVEL"`
	Mode         string `yaml:"mode" env:"SB_LOG_MODE"`
	Encoding     string `yaml:"encoding" env:"SB_LOG_ENCODING"`
	ColorEnabled bool   `yaml:"color" env:"SB_LOG_COLOR"`
	File         string `yaml:"file" env:"SB_LOG_FILE"`
	MaxSizeMB    int    `yaml:"max_size_mb"`
	MaxBackups   int    `yaml:"max_backups"`
	MaxAgeDays   int    `yaml:"max_age_days"`
}

// FunnelConfig holds the qualification rules shared by all directions.
type FunnelConfig struct {
	Level1Threshold int `yaml:"level1_threshold" env:"SB_LEVEL1_THRESHOLD"`
	SchemaVersion   int `yaml:"schema_version"`
	// Referral data written by the messaging gateway for click-to-message
	// ads. Empty disables the lookup.
	ReferralRedisURL string `yaml:"referral_redis_url" env:"SB_REFERRAL_REDIS_URL"`
	ReferralPrefix   string `yaml:"referral_prefix"`
}

// SweepConfig controls the scheduled batch analyzer.
type SweepConfig struct {
	Enabled     *bool         `yaml:"enabled"`
	Schedule    string        `yaml:"schedule" env:"SB_SWEEP_SCHEDULE"`
	Window      time.Duration `yaml:"window" env:"SB_SWEEP_WINDOW"`
	BatchSize   int           `yaml:"batch_size" env:"SB_SWEEP_BATCH_SIZE"`
	ItemDelay   time.Duration `yaml:"item_delay" env:"SB_SWEEP_ITEM_DELAY"`
	Concurrency int           `yaml:"concurrency" env:"SB_SWEEP_CONCURRENCY"`
	Lock        string        `yaml:"lock" env:"SB_SWEEP_LOCK"` // "memory" or "redis"
	RedisURL    string        `yaml:"redis_url" env:"SB_REDIS_URL"`
	LockTTL     time.Duration `yaml:"lock_ttl"`
}

// IsEnabled reports whether the periodic schedule should be started.
func (s SweepConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// CAPIConfig holds the conversion API endpoint and defaults.
type CAPIConfig struct {
	BaseURL         string        `yaml:"base_url" env:"SB_CAPI_BASE_URL"`
	PixelID         string        `yaml:"pixel_id" env:"SB_CAPI_PIXEL_ID"`
	AccessToken     string        `yaml:"access_token" env:"SB_CAPI_TOKEN"`
	TestEventCode   string        `yaml:"test_event_code" env:"SB_CAPI_TEST_EVENT_CODE"`
	Timeout         time.Duration `yaml:"timeout"`
	DefaultValue    float64       `yaml:"default_value"`
	DefaultCurrency string        `yaml:"default_currency"`
	PhoneRegion     string        `yaml:"phone_region"`
}

// AIConfig selects the transcript classifier.
type AIConfig struct {
	Provider string        `yaml:"provider" env:"SB_AI_PROVIDER"` // "gemini" or "none"
	Model    string        `yaml:"model" env:"SB_AI_MODEL"`
	APIKey   string        `yaml:"api_key" env:"SB_GEMINI_API_KEY"`
	Timeout  time.Duration `yaml:"timeout"`
}

// AlertConfig lists the operator channels that receive sweep summaries.
type AlertConfig struct {
	SlackWebhookURL     string `yaml:"slack_webhook_url" env:"SB_SLACK_WEBHOOK_URL"`
	DiscordWebhookID    string `yaml:"discord_webhook_id" env:"SB_DISCORD_WEBHOOK_ID"`
	DiscordWebhookToken string `yaml:"discord_webhook_token" env:"SB_DISCORD_WEBHOOK_TOKEN"`
	NotifyAll           bool   `yaml:"notify_all"` // also report sweeps without errors
}

// DirectionConfig seeds one marketing direction.
type DirectionConfig struct {
	Name          string       `yaml:"name"`
	Enabled       *bool        `yaml:"enabled"`
	Source        string       `yaml:"source"`
	CRMKind       string       `yaml:"crm_kind"`
	RequireLevel1 bool         `yaml:"require_level1"`
	Levels        LevelsConfig `yaml:"levels"`
	Value         float64      `yaml:"value"`
	Currency      string       `yaml:"currency"`
}

// IsEnabled reports whether the direction is enabled (default true).
func (d DirectionConfig) IsEnabled() bool {
	return d.Enabled == nil || *d.Enabled
}

// LevelsConfig holds the trigger lists of one direction.
type LevelsConfig struct {
	Level1 []TriggerConfig `yaml:"level1"`
	Level2 []TriggerConfig `yaml:"level2"`
	Level3 []TriggerConfig `yaml:"level3"`
}

// TriggerConfig describes one CRM field or pipeline stage trigger. The json
// tags match the descriptor format stored on the directions table.
type TriggerConfig struct {
	Type       string `yaml:"type" json:"type"`
	FieldID    string `yaml:"field_id" json:"field_id,omitempty"`
	Value      string `yaml:"value" json:"value,omitempty"`
	EntityType string `yaml:"entity_type" json:"entity_type,omitempty"`
	PipelineID string `yaml:"pipeline_id" json:"pipeline_id,omitempty"`
	StageID    string `yaml:"stage_id" json:"stage_id,omitempty"`
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config. Environment variables
// (SB_*) override values from the file.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv overlays SB_* environment variables. Directions are never read
// from the environment.
func (c *Config) applyEnv() error {
	sections := []interface{}{&c.Database, &c.Server, &c.Logger, &c.Funnel, &c.Sweep, &c.CAPI, &c.AI, &c.Alert}
	for _, s := range sections {
		if err := env.Parse(s); err != nil {
			return fmt.Errorf("config: env: %w", err)
		}
	}
	return nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.Driver == "sqlite" && c.Database.Path == "" {
		c.Database.Path = "signalbox.db"
	}
	if c.Database.Driver == "mysql" {
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
			c.Database.Name = "signalbox"
		}
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Logger.Level == "" {
		c.Logger.Level = "info"
	}
	if c.Logger.Mode == "" {
		c.Logger.Mode = "production"
	}
	if c.Logger.Encoding == "" {
		c.Logger.Encoding = "json"
	}
	if c.Logger.File != "" {
		if c.Logger.MaxSizeMB == 0 {
			c.Logger.MaxSizeMB = 100
		}
		if c.Logger.MaxBackups == 0 {
			c.Logger.MaxBackups = 5
		}
		if c.Logger.MaxAgeDays == 0 {
			c.Logger.MaxAgeDays = 30
		}
	}
	if c.Funnel.Level1Threshold == 0 {
		c.Funnel.Level1Threshold = 3
	}
	if c.Funnel.SchemaVersion == 0 {
		c.Funnel.SchemaVersion = 1
	}
	if c.Funnel.ReferralPrefix == "" {
		c.Funnel.ReferralPrefix = "referral:"
	}
	if c.Sweep.Schedule == "" {
		c.Sweep.Schedule = "@every 1h"
	}
	if c.Sweep.Window == 0 {
		c.Sweep.Window = 60 * time.Minute
	}
	if c.Sweep.BatchSize == 0 {
		c.Sweep.BatchSize = 50
	}
	if c.Sweep.ItemDelay == 0 {
		c.Sweep.ItemDelay = 100 * time.Millisecond
	}
	if c.Sweep.Concurrency == 0 {
		c.Sweep.Concurrency = 1
	}
	if c.Sweep.Lock == "" {
		c.Sweep.Lock = "memory"
	}
	if c.Sweep.LockTTL == 0 {
		c.Sweep.LockTTL = 2 * time.Hour
	}
	if c.CAPI.BaseURL == "" {
		c.CAPI.BaseURL = "https://graph.facebook.com/v21.0"
	}
	if c.CAPI.Timeout == 0 {
		c.CAPI.Timeout = 10 * time.Second
	}
	if c.CAPI.DefaultCurrency == "" {
		c.CAPI.DefaultCurrency = "USD"
	}
	if c.CAPI.DefaultValue == 0 {
		c.CAPI.DefaultValue = 1
	}
	if c.CAPI.PhoneRegion == "" {
		c.CAPI.PhoneRegion = "US"
	}
	if c.AI.Provider == "" {
		c.AI.Provider = "none"
	}
	if c.AI.Provider == "gemini" && c.AI.Model == "" {
		c.AI.Model = "gemini-2.5-flash"
	}
	if c.AI.Timeout == 0 {
		c.AI.Timeout = 60 * time.Second
	}
	for i := range c.Directions {
		if c.Directions[i].Source == "" {
			c.Directions[i].Source = "channel"
		}
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	switch c.Database.Driver {
	case "mysql", "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q must be mysql or sqlite", c.Database.Driver))
	}
	if c.Funnel.Level1Threshold < 1 {
		errs = append(errs, "funnel.level1_threshold must be at least 1")
	}
	if c.Sweep.BatchSize < 1 {
		errs = append(errs, "sweep.batch_size must be at least 1")
	}
	if c.Sweep.Concurrency < 1 {
		errs = append(errs, "sweep.concurrency must be at least 1")
	}
	switch c.Sweep.Lock {
	case "memory":
	case "redis":
		if c.Sweep.RedisURL == "" {
			errs = append(errs, "sweep.redis_url is required when sweep.lock is redis")
		}
	default:
		errs = append(errs, fmt.Sprintf("sweep.lock %q must be memory or redis", c.Sweep.Lock))
	}
	switch c.AI.Provider {
	case "none":
	case "gemini":
		if c.AI.APIKey == "" {
			errs = append(errs, "ai.api_key is required for the gemini provider")
		}
	default:
		errs = append(errs, fmt.Sprintf("ai.provider %q must be gemini or none", c.AI.Provider))
	}

	seen := make(map[string]bool)
	for i, d := range c.Directions {
		if d.Name == "" {
			errs = append(errs, fmt.Sprintf("directions[%d].name is required", i))
		} else if seen[d.Name] {
			errs = append(errs, fmt.Sprintf("directions[%d].name %q is duplicated", i, d.Name))
		}
		seen[d.Name] = true
		switch d.Source {
		case "channel":
		case "crm":
			if d.CRMKind == "" {
				errs = append(errs, fmt.Sprintf("directions[%d].crm_kind is required for crm source", i))
			}
		default:
			errs = append(errs, fmt.Sprintf("directions[%d].source %q must be channel or crm", i, d.Source))
		}
		for level, triggers := range [][]TriggerConfig{d.Levels.Level1, d.Levels.Level2, d.Levels.Level3} {
			for j, tc := range triggers {
				if msg := tc.check(); msg != "" {
					errs = append(errs, fmt.Sprintf("directions[%d].levels.level%d[%d]: %s", i, level+1, j, msg))
				}
			}
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// check returns a description of the first problem with the trigger, or "".
func (t TriggerConfig) check() string {
	switch t.Type {
	case "field":
		if t.FieldID == "" {
			return "field_id is required for field triggers"
		}
	case "stage":
		if t.StageID == "" {
			return "stage_id is required for stage triggers"
		}
	default:
		return fmt.Sprintf("type %q must be field or stage", t.Type)
	}
	return ""
}
