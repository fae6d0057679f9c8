// Package config loads the proxy configuration from an optional YAML file
// with an environment-variable overlay. Environment always wins so container
// deployments can run without a file at all.
package config

import "time"

// Config is the full runtime configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Admin     AdminConfig     `yaml:"admin"`
	Security  SecurityConfig  `yaml:"security"`
	Quota     QuotaConfig     `yaml:"quota"`
	Cooldown  CooldownConfig  `yaml:"cooldown"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Images    ImagesConfig    `yaml:"images"`
	Retention RetentionConfig `yaml:"retention"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type DatabaseConfig struct {
	URL string `yaml:"url"`
}

type RedisConfig struct {
	// Addr enables the Redis RPM fast path when non-empty.
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type AdminConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type SecurityConfig struct {
	// MasterSecret keys the credential vault. Mandatory.
	MasterSecret string `yaml:"master_secret"`
	Debug        bool   `yaml:"debug"`
	LogFile      string `yaml:"log_file"`
	// RateLimitRPS/Burst bound the per-process inbound request rate.
	RateLimitRPS   int `yaml:"rate_limit_rps"`
	RateLimitBurst int `yaml:"rate_limit_burst"`
}

type QuotaConfig struct {
	// Per-credential daily contributions per model class.
	FlashPerCred int `yaml:"flash_per_cred"`
	ProPerCred   int `yaml:"pro_per_cred"`
	Tier3PerCred int `yaml:"tier3_per_cred"`
	// Defaults for users with no active credentials.
	NoCredFlash int `yaml:"no_cred_flash"`
	NoCredPro   int `yaml:"no_cred_pro"`
	// RPM limits.
	BaseRPM        int `yaml:"base_rpm"`
	ContributorRPM int `yaml:"contributor_rpm"`
	// DefaultDailyQuota is the overall per-user daily cap.
	DefaultDailyQuota int `yaml:"default_daily_quota"`
	// Bonus quota granted for donating a public credential, clawed back
	// from the owner when the donated credential fails.
	FlashReward int `yaml:"flash_reward"`
	ProReward   int `yaml:"pro_reward"`
	Tier3Reward int `yaml:"tier3_reward"`
}

type CooldownConfig struct {
	FlashSeconds int `yaml:"flash_seconds"`
	ProSeconds   int `yaml:"pro_seconds"`
	Tier3Seconds int `yaml:"tier3_seconds"`
}

type DispatchConfig struct {
	MaxRetries int `yaml:"max_retries"`
	// PoolMode: private | tier3_shared | full_shared. The DB SystemConfig
	// value overrides this at runtime.
	PoolMode string `yaml:"pool_mode"`
}

type UpstreamConfig struct {
	CodeAssistEndpoint  string `yaml:"code_assist_endpoint"`
	AntigravityEndpoint string `yaml:"antigravity_endpoint"`

	GoogleClientID          string `yaml:"google_client_id"`
	GoogleClientSecret      string `yaml:"google_client_secret"`
	AntigravityClientID     string `yaml:"antigravity_client_id"`
	AntigravityClientSecret string `yaml:"antigravity_client_secret"`

	// SystemPrompt overrides the built-in mandatory preamble when set.
	SystemPrompt string `yaml:"system_prompt"`

	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
}

type ImagesConfig struct {
	Dir string `yaml:"dir"`
}

type RetentionConfig struct {
	LogRetentionDays int `yaml:"log_retention_days"`
}

type TracingConfig struct {
	Enabled      bool   `yaml:"enabled"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`
}

// Defaults returns the built-in configuration baseline.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8000,
		},
		Quota: QuotaConfig{
			FlashPerCred:      100,
			ProPerCred:        25,
			Tier3PerCred:      100,
			NoCredFlash:       10,
			NoCredPro:         5,
			BaseRPM:           10,
			ContributorRPM:    30,
			DefaultDailyQuota: 100,
			FlashReward:       100,
			ProReward:         25,
			Tier3Reward:       100,
		},
		Cooldown: CooldownConfig{
			FlashSeconds: 10,
			ProSeconds:   30,
			Tier3Seconds: 30,
		},
		Dispatch: DispatchConfig{
			MaxRetries: 3,
			PoolMode:   "private",
		},
		Upstream: UpstreamConfig{
			CodeAssistEndpoint:  "https://cloudcode-pa.googleapis.com",
			AntigravityEndpoint: "https://cloudcode-pa.googleapis.com",
			ConnectTimeout:      30 * time.Second,
			ReadTimeout:         600 * time.Second,
			WriteTimeout:        30 * time.Second,
		},
		Images: ImagesConfig{
			Dir: "data/images",
		},
		Retention: RetentionConfig{
			LogRetentionDays: 30,
		},
		Tracing: TracingConfig{
			ServiceName: "catiecli",
		},
	}
}
