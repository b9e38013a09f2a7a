// Package config provides configuration management for the analytics engine
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Store       StoreConfig       `yaml:"store"`
	GCP         GCPConfig         `yaml:"gcp"`
	Forecast    ForecastConfig    `yaml:"forecast"`
	Anomaly     AnomalyConfig     `yaml:"anomaly"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Budgets     []Budget          `yaml:"budgets" validate:"dive"`
	Alerting    AlertingConfig    `yaml:"alerting"`
	Reporter    ReporterConfig    `yaml:"reporter"`
}

// ServerConfig configures the HTTP API
type ServerConfig struct {
	Addr        string `yaml:"addr"`
	BearerToken string `yaml:"bearer_token"`
	CORSOrigin  string `yaml:"cors_origin"`
}

// StoreConfig selects and configures the metric store backend
type StoreConfig struct {
	Backend  string       `yaml:"backend" validate:"oneof=memory influx aws azure multi"`
	Backends []string     `yaml:"backends"` // members when backend is multi
	Memory   MemoryConfig `yaml:"memory"`
	Influx   InfluxConfig `yaml:"influx"`
	AWS      AWSConfig    `yaml:"aws"`
	Azure    AzureConfig  `yaml:"azure"`
}

// MemoryConfig configures the in-memory backend
type MemoryConfig struct {
	FixturePath string `yaml:"fixture_path"` // YAML or JSON file of accounts and records
}

// InfluxConfig configures the InfluxDB backend
type InfluxConfig struct {
	URL         string `yaml:"url"`
	Token       string `yaml:"token"`
	Org         string `yaml:"org"`
	Bucket      string `yaml:"bucket"`
	Measurement string `yaml:"measurement"`
}

// AWSConfig holds AWS-specific configuration
type AWSConfig struct {
	RoleARN    string   `yaml:"role_arn"`
	Region     string   `yaml:"region"`
	AccountIDs []string `yaml:"account_ids"` // known linked accounts; empty accepts any
	TagKey     string   `yaml:"tag_key"`     // cost allocation tag used for the tag dimension
}

// AzureConfig holds Azure-specific configuration
type AzureConfig struct {
	TenantID        string   `yaml:"tenant_id"`
	SubscriptionIDs []string `yaml:"subscription_ids"`
	UseMSI          bool     `yaml:"use_msi"`
	TagKey          string   `yaml:"tag_key"`
}

// GCPConfig holds GCP-specific configuration
type GCPConfig struct {
	Enabled        bool   `yaml:"enabled"`
	BillingAccount string `yaml:"billing_account"`
	WIFConfigPath  string `yaml:"wif_config_path"`
}

// ForecastConfig tunes the forecast model
type ForecastConfig struct {
	DefaultHorizonMonths int     `yaml:"default_horizon_months" validate:"min=1,max=24"`
	StableThresholdPct   float64 `yaml:"stable_threshold_pct" validate:"gte=0"` // dead zone for trend classification, percent per month
	MinSpreadPct         float64 `yaml:"min_spread_pct" validate:"gte=0"`       // interval floor as percent of the forecast value
}

// AnomalyConfig configures anomaly detection
type AnomalyConfig struct {
	Sensitivity     string  `yaml:"sensitivity" validate:"oneof=low medium high"`
	MinDeviationPct float64 `yaml:"min_deviation_pct" validate:"gte=0"` // ignore departures below this percentage
}

// PersistenceConfig configures report and schedule storage
type PersistenceConfig struct {
	Path     string `yaml:"path"`
	InMemory bool   `yaml:"in_memory"`
}

// SchedulerConfig configures recurring report delivery
type SchedulerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Timezone string `yaml:"timezone"`
}

// Budget defines a budget threshold
type Budget struct {
	Name         string   `yaml:"name" validate:"required"`
	AccountID    string   `yaml:"account_id" validate:"required"`
	MonthlyLimit float64  `yaml:"monthly_limit" validate:"gt=0"`
	AlertAt      []int    `yaml:"alert_at"` // percentages to alert at (e.g., 50, 75, 90, 100)
	NotifyEmails []string `yaml:"notify_emails" validate:"dive,email"`
}

// AlertingConfig configures alerting channels
type AlertingConfig struct {
	Email EmailConfig `yaml:"email"`
}

// EmailConfig configures email delivery
type EmailConfig struct {
	Enabled  bool   `yaml:"enabled"`
	SMTPHost string `yaml:"smtp_host" validate:"required_if=Enabled true"`
	SMTPPort int    `yaml:"smtp_port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	FromAddr string `yaml:"from_addr" validate:"omitempty,email"`
}

// ReporterConfig configures report generation
type ReporterConfig struct {
	OutputDir     string `yaml:"output_dir"`
	TemplatesPath string `yaml:"templates_path"` // optional YAML file of extra report templates
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load loads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration, expanding environment variables first.
func Parse(data []byte) (*Config, error) {
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validate = validator.New()

// Validate checks the struct-level constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Store.Backend == "multi" && len(c.Store.Backends) == 0 {
		return fmt.Errorf("invalid config: store.backends required when backend is multi")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.CORSOrigin == "" {
		c.Server.CORSOrigin = "*"
	}
	c.Store.Backend = strings.ToLower(strings.TrimSpace(c.Store.Backend))
	if c.Store.Backend == "" {
		c.Store.Backend = "memory"
	}
	if c.Store.Influx.Measurement == "" {
		c.Store.Influx.Measurement = "metrics"
	}
	if c.Store.AWS.TagKey == "" {
		c.Store.AWS.TagKey = "cost_center"
	}
	if c.Store.Azure.TagKey == "" {
		c.Store.Azure.TagKey = "cost_center"
	}
	if c.Forecast.DefaultHorizonMonths == 0 {
		c.Forecast.DefaultHorizonMonths = 3
	}
	if c.Forecast.StableThresholdPct == 0 {
		c.Forecast.StableThresholdPct = 1
	}
	if c.Forecast.MinSpreadPct == 0 {
		c.Forecast.MinSpreadPct = 2
	}
	if c.Anomaly.Sensitivity == "" {
		c.Anomaly.Sensitivity = "medium"
	}
	if c.Anomaly.MinDeviationPct == 0 {
		c.Anomaly.MinDeviationPct = 10
	}
	if c.Persistence.Path == "" && !c.Persistence.InMemory {
		c.Persistence.Path = "./data/reports"
	}
	if c.Scheduler.Timezone == "" {
		c.Scheduler.Timezone = "UTC"
	}
	if c.Alerting.Email.SMTPPort == 0 {
		c.Alerting.Email.SMTPPort = 587
	}
	if c.Reporter.OutputDir == "" {
		c.Reporter.OutputDir = "./reports"
	}
	for i := range c.Budgets {
		if len(c.Budgets[i].AlertAt) == 0 {
			c.Budgets[i].AlertAt = []int{50, 75, 90, 100}
		}
	}
}
