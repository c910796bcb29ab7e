package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models missiongate.yml.
type Config struct {
	Services struct {
		ArchitectURL            string `yaml:"architect_url"`
		BuilderURL              string `yaml:"builder_url"`
		AuditorURL              string `yaml:"auditor_url"`
		ArchitectTimeoutSeconds int    `yaml:"architect_timeout_seconds"`
		BuilderTimeoutSeconds   int    `yaml:"builder_timeout_seconds"`
		AuditorTimeoutSeconds   int    `yaml:"auditor_timeout_seconds"`
	} `yaml:"services"`
	Gateway struct {
		URL              string `yaml:"url"`
		Secret           string `yaml:"secret"`
		TimeoutSeconds   int    `yaml:"timeout_seconds"`
		FailureThreshold int    `yaml:"failure_threshold"`
	} `yaml:"gateway"`
	Finance struct {
		MaxJobUSD            float64 `yaml:"max_job_usd"`
		MaxDailyUSD          float64 `yaml:"max_daily_usd"`
		MaxTPM               float64 `yaml:"max_tpm"`
		AlertWebhookURL      string  `yaml:"alert_webhook_url"`
		AlertDebounceSeconds int     `yaml:"alert_debounce_seconds"`
	} `yaml:"finance"`
	Policy struct {
		ExecutionEnabled  bool    `yaml:"execution_enabled"`
		CanaryLimit       int     `yaml:"canary_limit"`
		MinAuditScore     int     `yaml:"min_audit_score"`
		MaxFastFailRate   float64 `yaml:"max_fast_fail_rate"`
		ExecutionsPerHour int     `yaml:"executions_per_hour"`
		Version           string  `yaml:"version"`
		FreezeFlagPath    string  `yaml:"freeze_flag_path"`
	} `yaml:"policy"`
	Health struct {
		SampleIntervalSeconds int     `yaml:"sample_interval_seconds"`
		RollbackThreshold     float64 `yaml:"rollback_threshold"`
		AlertThreshold        float64 `yaml:"alert_threshold"`
		ThrottleCanaryLimit   int     `yaml:"throttle_canary_limit"`
	} `yaml:"health"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run with defaults or create it from `mg config default`", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the defaults if the config file does not exist.
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

// FromYAML parses and validates config from raw YAML bytes. Omitted fields
// keep their defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Services.ArchitectURL == "" || c.Services.BuilderURL == "" || c.Services.AuditorURL == "" {
		return fmt.Errorf("config.services urls are required")
	}
	if c.Services.ArchitectTimeoutSeconds <= 0 || c.Services.BuilderTimeoutSeconds <= 0 || c.Services.AuditorTimeoutSeconds <= 0 {
		return fmt.Errorf("config.services timeouts must be positive")
	}
	if c.Gateway.TimeoutSeconds <= 0 {
		return fmt.Errorf("config.gateway.timeout_seconds must be positive")
	}
	if c.Gateway.FailureThreshold <= 0 {
		return fmt.Errorf("config.gateway.failure_threshold must be positive")
	}
	if c.Finance.MaxJobUSD <= 0 {
		return fmt.Errorf("config.finance.max_job_usd must be positive")
	}
	if c.Finance.MaxDailyUSD <= 0 {
		return fmt.Errorf("config.finance.max_daily_usd must be positive")
	}
	if c.Finance.MaxTPM <= 0 {
		return fmt.Errorf("config.finance.max_tpm must be positive")
	}
	if c.Policy.MinAuditScore < 0 || c.Policy.MinAuditScore > 100 {
		return fmt.Errorf("config.policy.min_audit_score must be in [0,100]")
	}
	if c.Policy.MaxFastFailRate < 0 || c.Policy.MaxFastFailRate > 1 {
		return fmt.Errorf("config.policy.max_fast_fail_rate must be in [0,1]")
	}
	if c.Policy.CanaryLimit < 0 {
		return fmt.Errorf("config.policy.canary_limit must be >= 0")
	}
	if c.Health.SampleIntervalSeconds <= 0 {
		return fmt.Errorf("config.health.sample_interval_seconds must be positive")
	}
	if c.Health.RollbackThreshold >= c.Health.AlertThreshold {
		return fmt.Errorf("config.health.rollback_threshold must be below alert_threshold")
	}
	return nil
}

// Timeout helpers keep time.Duration conversions in one place.

func (c *Config) ArchitectTimeout() time.Duration {
	return time.Duration(c.Services.ArchitectTimeoutSeconds) * time.Second
}

func (c *Config) BuilderTimeout() time.Duration {
	return time.Duration(c.Services.BuilderTimeoutSeconds) * time.Second
}

func (c *Config) AuditorTimeout() time.Duration {
	return time.Duration(c.Services.AuditorTimeoutSeconds) * time.Second
}

func (c *Config) GatewayTimeout() time.Duration {
	return time.Duration(c.Gateway.TimeoutSeconds) * time.Second
}

func (c *Config) SampleInterval() time.Duration {
	return time.Duration(c.Health.SampleIntervalSeconds) * time.Second
}

func (c *Config) AlertDebounce() time.Duration {
	return time.Duration(c.Finance.AlertDebounceSeconds) * time.Second
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "missiongate.yml")
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	cfg.Services.ArchitectURL = "http://localhost:8081/analyze"
	cfg.Services.BuilderURL = "http://localhost:8082/build"
	cfg.Services.AuditorURL = "http://localhost:8083/audit"
	cfg.Services.ArchitectTimeoutSeconds = 21
	cfg.Services.BuilderTimeoutSeconds = 121
	cfg.Services.AuditorTimeoutSeconds = 30
	cfg.Gateway.URL = ""
	cfg.Gateway.Secret = "test-secret"
	cfg.Gateway.TimeoutSeconds = 15
	cfg.Gateway.FailureThreshold = 3
	cfg.Finance.MaxJobUSD = 0.50
	cfg.Finance.MaxDailyUSD = 5.0
	cfg.Finance.MaxTPM = 100000
	cfg.Finance.AlertDebounceSeconds = 300
	cfg.Policy.ExecutionEnabled = true
	cfg.Policy.CanaryLimit = 20
	cfg.Policy.MinAuditScore = 90
	cfg.Policy.MaxFastFailRate = 0.10
	cfg.Policy.ExecutionsPerHour = 20
	cfg.Policy.Version = "v1.0.0"
	cfg.Policy.FreezeFlagPath = ""
	cfg.Health.SampleIntervalSeconds = 60
	cfg.Health.RollbackThreshold = 65
	cfg.Health.AlertThreshold = 75
	cfg.Health.ThrottleCanaryLimit = 20
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	out, _ := yaml.Marshal(Default())
	return string(out)
}
