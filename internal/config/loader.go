package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML file at path (when non-empty and present), then applies
// the environment overlay on top of the defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the handful of settings the process cannot run without.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("config: DATABASE_URL is required")
	}
	if c.Security.MasterSecret == "" {
		return fmt.Errorf("config: MASTER_SECRET is required")
	}
	switch c.Dispatch.PoolMode {
	case "private", "tier3_shared", "full_shared":
	default:
		return fmt.Errorf("config: invalid pool_mode %q", c.Dispatch.PoolMode)
	}
	return nil
}

func (c *Config) applyEnv() {
	setString(&c.Server.Host, "HOST")
	setInt(&c.Server.Port, "PORT")

	setString(&c.Database.URL, "DATABASE_URL")

	setString(&c.Redis.Addr, "REDIS_ADDR")
	setString(&c.Redis.Password, "REDIS_PASSWORD")
	setInt(&c.Redis.DB, "REDIS_DB")

	setString(&c.Admin.Username, "ADMIN_USERNAME")
	setString(&c.Admin.Password, "ADMIN_PASSWORD")

	setString(&c.Security.MasterSecret, "MASTER_SECRET")
	setBool(&c.Security.Debug, "DEBUG")
	setString(&c.Security.LogFile, "LOG_FILE")
	setInt(&c.Security.RateLimitRPS, "RATE_LIMIT_RPS")
	setInt(&c.Security.RateLimitBurst, "RATE_LIMIT_BURST")

	setInt(&c.Quota.FlashPerCred, "QUOTA_FLASH")
	setInt(&c.Quota.ProPerCred, "QUOTA_25PRO")
	setInt(&c.Quota.Tier3PerCred, "QUOTA_30PRO")
	setInt(&c.Quota.NoCredFlash, "NO_CRED_QUOTA_FLASH")
	setInt(&c.Quota.NoCredPro, "NO_CRED_QUOTA_25PRO")
	setInt(&c.Quota.BaseRPM, "BASE_RPM")
	setInt(&c.Quota.ContributorRPM, "CONTRIBUTOR_RPM")
	setInt(&c.Quota.DefaultDailyQuota, "DEFAULT_DAILY_QUOTA")
	setInt(&c.Quota.FlashReward, "FLASH_REWARD")
	setInt(&c.Quota.ProReward, "PRO_REWARD")
	setInt(&c.Quota.Tier3Reward, "TIER3_REWARD")

	setInt(&c.Cooldown.FlashSeconds, "CD_FLASH")
	setInt(&c.Cooldown.ProSeconds, "CD_PRO")
	setInt(&c.Cooldown.Tier3Seconds, "CD_30")

	setInt(&c.Dispatch.MaxRetries, "ERROR_RETRY_COUNT")
	setString(&c.Dispatch.PoolMode, "CREDENTIAL_POOL_MODE")

	setString(&c.Upstream.CodeAssistEndpoint, "CODE_ASSIST_ENDPOINT")
	setString(&c.Upstream.AntigravityEndpoint, "ANTIGRAVITY_API_BASE")
	setString(&c.Upstream.GoogleClientID, "GOOGLE_CLIENT_ID")
	setString(&c.Upstream.GoogleClientSecret, "GOOGLE_CLIENT_SECRET")
	setString(&c.Upstream.AntigravityClientID, "ANTIGRAVITY_CLIENT_ID")
	setString(&c.Upstream.AntigravityClientSecret, "ANTIGRAVITY_CLIENT_SECRET")
	setString(&c.Upstream.SystemPrompt, "ANTIGRAVITY_SYSTEM_PROMPT")
	setDuration(&c.Upstream.ConnectTimeout, "UPSTREAM_CONNECT_TIMEOUT")
	setDuration(&c.Upstream.ReadTimeout, "UPSTREAM_READ_TIMEOUT")

	setString(&c.Images.Dir, "IMAGE_DIR")

	setInt(&c.Retention.LogRetentionDays, "LOG_RETENTION_DAYS")

	setBool(&c.Tracing.Enabled, "TRACING_ENABLED")
	setString(&c.Tracing.OTLPEndpoint, "OTLP_ENDPOINT")
	setString(&c.Tracing.ServiceName, "TRACING_SERVICE_NAME")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = !(v == "false" || v == "0")
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
