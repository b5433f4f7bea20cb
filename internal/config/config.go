package config

import (
	"encoding/json"
	"fmt"
	"os"
)

type DatabaseConfig struct {
	Path string `json:"path"`
}

type ProviderConfig struct {
	BaseURL           string `json:"base_url"`
	APIKey            string `json:"api_key"`
	RequestTimeoutSec int    `json:"request_timeout_seconds"`
}

type PricingConfig struct {
	MemoryRatePerMBHour  float64 `json:"memory_rate_per_mb_hour"`
	CPURatePerUnitHour   float64 `json:"cpu_rate_per_unit_hour"`
	StorageRatePerGBHour float64 `json:"storage_rate_per_gb_hour"`
	DefaultMarkupPercent float64 `json:"default_markup_percent"`
	CreatorRevenueShare  float64 `json:"creator_revenue_share"`
}

type DeployConfig struct {
	MaxAttempts    int `json:"max_attempts"`
	BackoffBaseSec int `json:"backoff_base_seconds"`
}

type HealthConfig struct {
	CheckIntervalSec      int `json:"check_interval_seconds"`
	CheckTimeoutSec       int `json:"check_timeout_seconds"`
	SustainedUnhealthySec int `json:"sustained_unhealthy_seconds"`
	MaxConcurrentChecks   int `json:"max_concurrent_checks"`
}

type BillingConfig struct {
	CycleIntervalSec    int `json:"cycle_interval_seconds"`
	MaxConcurrentChecks int `json:"max_concurrent_checks"`
}

type DiscordAlertConfig struct {
	BotToken  string `json:"bot_token"`
	ChannelID string `json:"channel_id"`
}

type AlertsConfig struct {
	Discord DiscordAlertConfig `json:"discord"`
}

type HostingConfig struct {
	Database    DatabaseConfig `json:"database"`
	Provider    ProviderConfig `json:"provider"`
	Pricing     PricingConfig  `json:"pricing"`
	Deploy      DeployConfig   `json:"deploy"`
	Health      HealthConfig   `json:"health"`
	Billing     BillingConfig  `json:"billing"`
	Alerts      AlertsConfig   `json:"alerts"`
	MetricsPort int            `json:"metrics_port"`
}

const (
	defaultProviderTimeoutSec      = 10
	defaultMemoryRatePerMBHour     = 0.00005
	defaultCPURatePerUnitHour      = 0.00002
	defaultStorageRatePerGBHour    = 0.0001
	defaultMarkupPercent           = 20.0
	defaultCreatorRevenueShare     = 0.5
	defaultDeployMaxAttempts       = 3
	defaultDeployBackoffBaseSec    = 1
	defaultHealthIntervalSec       = 60
	defaultHealthTimeoutSec        = 10
	defaultSustainedUnhealthySec   = 1800
	defaultMaxConcurrentChecks     = 16
	defaultBillingCycleIntervalSec = 3600
)

// LoadHostingConfig reads and validates a JSON config file. Environment
// variables HOSTD_PROVIDER_API_KEY and HOSTD_DISCORD_BOT_TOKEN override the
// corresponding file values so secrets can stay out of the config file.
func LoadHostingConfig(path string) (*HostingConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg HostingConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if key := os.Getenv("HOSTD_PROVIDER_API_KEY"); key != "" {
		cfg.Provider.APIKey = key
	}
	if token := os.Getenv("HOSTD_DISCORD_BOT_TOKEN"); token != "" {
		cfg.Alerts.Discord.BotToken = token
	}

	if err := validateHostingConfig(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validateHostingConfig(cfg *HostingConfig) error {
	if cfg.Provider.BaseURL == "" {
		return fmt.Errorf("validation error: provider.base_url is required")
	}
	if cfg.MetricsPort < 0 || cfg.MetricsPort > 65535 {
		return fmt.Errorf("validation error: metrics_port must be between 0 and 65535, got %d", cfg.MetricsPort)
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "./hostd.db"
	}
	if cfg.Provider.RequestTimeoutSec <= 0 {
		cfg.Provider.RequestTimeoutSec = defaultProviderTimeoutSec
	}

	if cfg.Pricing.MemoryRatePerMBHour < 0 || cfg.Pricing.CPURatePerUnitHour < 0 || cfg.Pricing.StorageRatePerGBHour < 0 {
		return fmt.Errorf("validation error: pricing rates must be >= 0")
	}
	if cfg.Pricing.DefaultMarkupPercent < 0 {
		return fmt.Errorf("validation error: pricing.default_markup_percent must be >= 0, got %f", cfg.Pricing.DefaultMarkupPercent)
	}
	if cfg.Pricing.CreatorRevenueShare < 0 || cfg.Pricing.CreatorRevenueShare > 1 {
		return fmt.Errorf("validation error: pricing.creator_revenue_share must be between 0 and 1, got %f", cfg.Pricing.CreatorRevenueShare)
	}

	cfg.applyPricingDefaults()
	cfg.applyLoopDefaults()

	if cfg.Deploy.MaxAttempts <= 0 {
		cfg.Deploy.MaxAttempts = defaultDeployMaxAttempts
	}
	if cfg.Deploy.BackoffBaseSec <= 0 {
		cfg.Deploy.BackoffBaseSec = defaultDeployBackoffBaseSec
	}

	if cfg.Alerts.Discord.BotToken != "" && cfg.Alerts.Discord.ChannelID == "" {
		return fmt.Errorf("validation error: alerts.discord.channel_id is required when a bot token is set")
	}

	return nil
}

func (cfg *HostingConfig) applyPricingDefaults() {
	if cfg.Pricing.MemoryRatePerMBHour == 0 {
		cfg.Pricing.MemoryRatePerMBHour = defaultMemoryRatePerMBHour
	}
	if cfg.Pricing.CPURatePerUnitHour == 0 {
		cfg.Pricing.CPURatePerUnitHour = defaultCPURatePerUnitHour
	}
	if cfg.Pricing.StorageRatePerGBHour == 0 {
		cfg.Pricing.StorageRatePerGBHour = defaultStorageRatePerGBHour
	}
	if cfg.Pricing.DefaultMarkupPercent == 0 {
		cfg.Pricing.DefaultMarkupPercent = defaultMarkupPercent
	}
	if cfg.Pricing.CreatorRevenueShare == 0 {
		cfg.Pricing.CreatorRevenueShare = defaultCreatorRevenueShare
	}
}

func (cfg *HostingConfig) applyLoopDefaults() {
	if cfg.Health.CheckIntervalSec <= 0 {
		cfg.Health.CheckIntervalSec = defaultHealthIntervalSec
	}
	if cfg.Health.CheckTimeoutSec <= 0 {
		cfg.Health.CheckTimeoutSec = defaultHealthTimeoutSec
	}
	if cfg.Health.SustainedUnhealthySec <= 0 {
		cfg.Health.SustainedUnhealthySec = defaultSustainedUnhealthySec
	}
	if cfg.Health.MaxConcurrentChecks <= 0 {
		cfg.Health.MaxConcurrentChecks = defaultMaxConcurrentChecks
	}
	if cfg.Billing.CycleIntervalSec <= 0 {
		cfg.Billing.CycleIntervalSec = defaultBillingCycleIntervalSec
	}
	if cfg.Billing.MaxConcurrentChecks <= 0 {
		cfg.Billing.MaxConcurrentChecks = defaultMaxConcurrentChecks
	}
}
