package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the traffic engine.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	Redis        RedisConfig        `yaml:"redis"`
	Fleet        FleetConfig        `yaml:"fleet"`
	Rate         RateConfig         `yaml:"rate"`
	Proxy        ProxyConfig        `yaml:"proxy"`
	Monitor      MonitorConfig      `yaml:"channel_monitor"`
	Strategy     StrategyConfig     `yaml:"strategy"`
	ReplyPoller  ReplyPollerConfig  `yaml:"reply_poller"`
	Invite       InviteConfig       `yaml:"invite"`
	QuietHours   QuietHoursConfig   `yaml:"quiet_hours"`
	Shutdown     ShutdownConfig     `yaml:"shutdown"`
	Telegram     TelegramConfig     `yaml:"telegram"`
	Generator    GeneratorConfig    `yaml:"generator"`
	SpamCheck    SpamCheckConfig    `yaml:"spam_check"`
}

// ServerConfig holds the admin HTTP server configuration.
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL             string `yaml:"url"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime_minutes"`
}

// RedisConfig holds Redis connection settings for the rate ledger and locks.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// FleetConfig caps and defaults for the account fleet.
type FleetConfig struct {
	MaxAccounts     int    `yaml:"max_accounts"`
	DefaultTimezone string `yaml:"default_timezone"`
}

// RateConfig holds absolute per-day ceilings applied regardless of the planner.
type RateConfig struct {
	HardCeilings map[string]int `yaml:"hard_ceilings"`
}

// ProxyConfig holds proxy cooldown tuning.
type ProxyConfig struct {
	CooldownBaseSeconds int `yaml:"cooldown_base_seconds"`
	CooldownMaxSeconds  int `yaml:"cooldown_max_seconds"`
}

// CooldownBase returns the base cooldown as a duration.
func (c ProxyConfig) CooldownBase() time.Duration {
	return time.Duration(c.CooldownBaseSeconds) * time.Second
}

// CooldownMax returns the cooldown ceiling as a duration.
func (c ProxyConfig) CooldownMax() time.Duration {
	return time.Duration(c.CooldownMaxSeconds) * time.Second
}

// MonitorConfig holds channel monitor tuning.
type MonitorConfig struct {
	PollIntervalSeconds int    `yaml:"poll_interval_seconds"`
	ClaimHorizonSeconds int    `yaml:"claim_horizon_seconds"`
	ReaderAccountID     string `yaml:"reader_account_id"`
}

// PollInterval returns the poll interval as a duration.
func (c MonitorConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// ClaimHorizon returns the claim horizon as a duration.
func (c MonitorConfig) ClaimHorizon() time.Duration {
	return time.Duration(c.ClaimHorizonSeconds) * time.Second
}

// StrategyConfig holds oracle exploration tuning.
type StrategyConfig struct {
	Epsilon            float64 `yaml:"epsilon"`
	ColdStartThreshold int     `yaml:"cold_start_threshold"`
}

// ReplyPollerConfig holds the outcome window for comment rewards.
type ReplyPollerConfig struct {
	WindowMinutes int `yaml:"window_minutes"`
}

// Window returns the outcome window as a duration.
func (c ReplyPollerConfig) Window() time.Duration {
	return time.Duration(c.WindowMinutes) * time.Minute
}

// InviteConfig holds invite-link issuance defaults. A zero publish interval
// disables the periodic teaser publisher; issuance then happens only on
// operator request.
type InviteConfig struct {
	DefaultExpireHours     int    `yaml:"default_expire_hours"`
	DefaultUsageLimit      int    `yaml:"default_usage_limit"`
	VIPChannelID           int64  `yaml:"vip_channel_id"`
	OwnerAccountID         string `yaml:"owner_account_id"`
	TeaserChannel          string `yaml:"teaser_channel"`
	TeaserSegment          string `yaml:"teaser_segment"`
	TeaserTopic            string `yaml:"teaser_topic"`
	PublishIntervalMinutes int    `yaml:"publish_interval_minutes"`
}

// DefaultExpire returns the default invite lifetime.
func (c InviteConfig) DefaultExpire() time.Duration {
	return time.Duration(c.DefaultExpireHours) * time.Hour
}

// PublishInterval returns the teaser publish cadence; zero means disabled.
func (c InviteConfig) PublishInterval() time.Duration {
	return time.Duration(c.PublishIntervalMinutes) * time.Minute
}

// QuietHoursConfig holds the fleet-default quiet window as "HH:MM" strings.
// End < Start means the window wraps midnight.
type QuietHoursConfig struct {
	Start string `yaml:"start"`
	End   string `yaml:"end"`
}

// ShutdownConfig holds graceful shutdown tuning.
type ShutdownConfig struct {
	GraceSeconds int `yaml:"grace_seconds"`
}

// Grace returns the shutdown grace period as a duration.
func (c ShutdownConfig) Grace() time.Duration {
	return time.Duration(c.GraceSeconds) * time.Second
}

// TelegramConfig holds transport tuning for the session registry and the
// address of the MTProto session gateway the engine dials through.
type TelegramConfig struct {
	GatewayURL              string `yaml:"gateway_url"`
	GatewayToken            string `yaml:"gateway_token"`
	FloodWaitCeilingSeconds int    `yaml:"flood_wait_ceiling_seconds"`
	CallTimeoutSeconds      int    `yaml:"call_timeout_seconds"`
	UploadTimeoutSeconds    int    `yaml:"upload_timeout_seconds"`
}

// FloodWaitCeiling returns the max in-place flood sleep.
func (c TelegramConfig) FloodWaitCeiling() time.Duration {
	return time.Duration(c.FloodWaitCeilingSeconds) * time.Second
}

// CallTimeout returns the default transport call timeout.
func (c TelegramConfig) CallTimeout() time.Duration {
	return time.Duration(c.CallTimeoutSeconds) * time.Second
}

// UploadTimeout returns the upload call timeout.
func (c TelegramConfig) UploadTimeout() time.Duration {
	return time.Duration(c.UploadTimeoutSeconds) * time.Second
}

// GeneratorConfig holds text generation settings.
type GeneratorConfig struct {
	APIKey         string         `yaml:"api_key"`
	BaseURL        string         `yaml:"base_url"`
	Model          string         `yaml:"model"`
	TimeoutSeconds int            `yaml:"timeout_seconds"`
	CharLimits     map[string]int `yaml:"char_limits"`
}

// Timeout returns the generation timeout as a duration.
func (c GeneratorConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// SpamCheckConfig holds periodic spam self-check tuning.
type SpamCheckConfig struct {
	IntervalMinutes int `yaml:"interval_minutes"`
}

// Interval returns the spam-check interval as a duration.
func (c SpamCheckConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMinutes) * time.Minute
}

// Load reads and parses the configuration file, applying defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8090
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 5
	}
	if cfg.Fleet.MaxAccounts == 0 {
		cfg.Fleet.MaxAccounts = 200
	}
	if cfg.Fleet.DefaultTimezone == "" {
		cfg.Fleet.DefaultTimezone = "Europe/Moscow"
	}
	if cfg.Rate.HardCeilings == nil {
		cfg.Rate.HardCeilings = map[string]int{
			"comment":     30,
			"reaction":    60,
			"subscribe":   15,
			"story_view":  120,
			"story_react": 40,
			"message":     40,
			"post":        10,
		}
	}
	if cfg.Proxy.CooldownBaseSeconds == 0 {
		cfg.Proxy.CooldownBaseSeconds = 300 // 5 min
	}
	if cfg.Proxy.CooldownMaxSeconds == 0 {
		cfg.Proxy.CooldownMaxSeconds = 7200 // 2 h
	}
	if cfg.Monitor.PollIntervalSeconds == 0 {
		cfg.Monitor.PollIntervalSeconds = 60
	}
	if cfg.Monitor.ClaimHorizonSeconds == 0 {
		cfg.Monitor.ClaimHorizonSeconds = 1800 // 30 min
	}
	if cfg.Strategy.Epsilon == 0 {
		cfg.Strategy.Epsilon = 0.2
	}
	if cfg.Strategy.ColdStartThreshold == 0 {
		cfg.Strategy.ColdStartThreshold = 5
	}
	if cfg.ReplyPoller.WindowMinutes == 0 {
		cfg.ReplyPoller.WindowMinutes = 30
	}
	if cfg.Invite.DefaultExpireHours == 0 {
		cfg.Invite.DefaultExpireHours = 2
	}
	if cfg.Invite.DefaultUsageLimit == 0 {
		cfg.Invite.DefaultUsageLimit = 25
	}
	if cfg.Invite.TeaserSegment == "" {
		cfg.Invite.TeaserSegment = "universal"
	}
	if cfg.QuietHours.Start == "" {
		cfg.QuietHours.Start = "23:00"
	}
	if cfg.QuietHours.End == "" {
		cfg.QuietHours.End = "08:00"
	}
	if cfg.Shutdown.GraceSeconds == 0 {
		cfg.Shutdown.GraceSeconds = 30
	}
	if cfg.Telegram.GatewayURL == "" {
		cfg.Telegram.GatewayURL = "http://localhost:8081"
	}
	if cfg.Telegram.FloodWaitCeilingSeconds == 0 {
		cfg.Telegram.FloodWaitCeilingSeconds = 600
	}
	if cfg.Telegram.CallTimeoutSeconds == 0 {
		cfg.Telegram.CallTimeoutSeconds = 30
	}
	if cfg.Telegram.UploadTimeoutSeconds == 0 {
		cfg.Telegram.UploadTimeoutSeconds = 120
	}
	if cfg.Generator.Model == "" {
		cfg.Generator.Model = "gpt-4o-mini"
	}
	if cfg.Generator.BaseURL == "" {
		cfg.Generator.BaseURL = "https://api.openai.com"
	}
	if cfg.Generator.TimeoutSeconds == 0 {
		cfg.Generator.TimeoutSeconds = 60
	}
	if cfg.Generator.CharLimits == nil {
		cfg.Generator.CharLimits = map[string]int{
			"comment":        280,
			"post":           2000,
			"invite_teaser":  600,
			"direct_message": 500,
		}
	}
	if cfg.SpamCheck.IntervalMinutes == 0 {
		cfg.SpamCheck.IntervalMinutes = 360
	}
}

// Validate rejects configurations the engine must refuse to start with.
func (cfg *Config) Validate() error {
	if _, err := time.LoadLocation(cfg.Fleet.DefaultTimezone); err != nil {
		return fmt.Errorf("config: invalid fleet.default_timezone %q: %w", cfg.Fleet.DefaultTimezone, err)
	}
	if _, err := parseClock(cfg.QuietHours.Start); err != nil {
		return fmt.Errorf("config: invalid quiet_hours.start: %w", err)
	}
	if _, err := parseClock(cfg.QuietHours.End); err != nil {
		return fmt.Errorf("config: invalid quiet_hours.end: %w", err)
	}
	if cfg.Strategy.Epsilon < 0 || cfg.Strategy.Epsilon > 1 {
		return fmt.Errorf("config: strategy.epsilon must be in [0,1], got %v", cfg.Strategy.Epsilon)
	}
	return nil
}

// parseClock parses "HH:MM" into minutes from midnight.
func parseClock(s string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("want HH:MM, got %q", s)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("out of range: %q", s)
	}
	return h*60 + m, nil
}

// QuietWindowMinutes returns the default quiet window as minutes from midnight.
func (cfg *Config) QuietWindowMinutes() (start, end int) {
	start, _ = parseClock(cfg.QuietHours.Start)
	end, _ = parseClock(cfg.QuietHours.End)
	return start, end
}

// LoadFromEnv loads configuration with environment variable overrides.
// It loads a .env file (if present) before reading env vars, so secrets can
// live in .env locally and in real env vars in production.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("GENERATOR_API_KEY"); v != "" {
		cfg.Generator.APIKey = v
	}
	if v := os.Getenv("GENERATOR_BASE_URL"); v != "" {
		cfg.Generator.BaseURL = v
	}
	if v := os.Getenv("SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("TELEGRAM_GATEWAY_URL"); v != "" {
		cfg.Telegram.GatewayURL = v
	}
	if v := os.Getenv("TELEGRAM_GATEWAY_TOKEN"); v != "" {
		cfg.Telegram.GatewayToken = v
	}

	return cfg, nil
}
