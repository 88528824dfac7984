package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server       ServerConfig      `mapstructure:"server"`
	Network      NetworkConfig     `mapstructure:"network"`
	Programs     []ProgramConfig   `mapstructure:"programs"`
	Filters      FilterConfig      `mapstructure:"filters"`
	Rules        RulesConfig       `mapstructure:"rules"`
	Alerts       AlertsConfig      `mapstructure:"alerts"`
	RateLimiting RateLimitConfig   `mapstructure:"rate_limiting"`
	Global       GlobalConfig      `mapstructure:"global"`
	Engine       EngineConfig      `mapstructure:"engine"`
	Metrics      MetricsConfig     `mapstructure:"metrics"`
	Storage      StorageConfig     `mapstructure:"storage"`
	Auth         AuthConfig        `mapstructure:"auth"`
	Logging      LoggingConfig     `mapstructure:"logging"`
}

type ServerConfig struct {
	Port int    `mapstructure:"port"`
	Host string `mapstructure:"host"`
	Mode string `mapstructure:"mode"`
}

type NetworkConfig struct {
	RPCURL                string `mapstructure:"rpc_url"`
	WSURL                 string `mapstructure:"ws_url"`
	TimeoutSeconds        int    `mapstructure:"timeout_seconds"`
	MaxReconnectAttempts  int    `mapstructure:"max_reconnect_attempts"`
	ReconnectDelaySeconds int    `mapstructure:"reconnect_delay_seconds"`
	EventBufferSize       int    `mapstructure:"event_buffer_size"`
}

func (n NetworkConfig) Timeout() time.Duration {
	return time.Duration(n.TimeoutSeconds) * time.Second
}

func (n NetworkConfig) ReconnectDelay() time.Duration {
	return time.Duration(n.ReconnectDelaySeconds) * time.Second
}

type ProgramConfig struct {
	ID                  string `mapstructure:"id"`
	Name                string `mapstructure:"name"`
	MonitorAccounts     bool   `mapstructure:"monitor_accounts"`
	MonitorTransactions bool   `mapstructure:"monitor_transactions"`
	MonitorLogs         bool   `mapstructure:"monitor_logs"`
}

type FilterConfig struct {
	IncludeFailed                   bool   `mapstructure:"include_failed"`
	IncludeVotes                    bool   `mapstructure:"include_votes"`
	MaxTransactionsPerNotification  int    `mapstructure:"max_transactions_per_notification"`
	Commitment                      string `mapstructure:"commitment"`
}

// RulesConfig carries the built-in rule parameters plus free-form
// parameter maps for custom rules.
type RulesConfig struct {
	LiquidityDrop    LiquidityDropConfig          `mapstructure:"liquidity_drop"`
	LargeTransaction LargeTransactionConfig       `mapstructure:"large_transaction"`
	OracleDeviation  OracleDeviationConfig        `mapstructure:"oracle_deviation"`
	HighFailureRate  HighFailureRateConfig        `mapstructure:"high_failure_rate"`
	Custom           map[string]map[string]string `mapstructure:"custom"`

	// AutoResolveAfter is the per-rule auto-resolution window keyed by
	// rule name. Rules without an entry use the 24h default.
	AutoResolveAfter map[string]time.Duration `mapstructure:"auto_resolve_after"`
}

type LiquidityDropConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	Program      string  `mapstructure:"program"`
	ThresholdPct float64 `mapstructure:"threshold_pct"`
	WindowSec    int     `mapstructure:"window_sec"`
	MinLiquidity float64 `mapstructure:"min_liquidity"`
}

type LargeTransactionConfig struct {
	Enabled         bool    `mapstructure:"enabled"`
	Program         string  `mapstructure:"program"`
	AmountThreshold uint64  `mapstructure:"amount_threshold"`
}

type OracleDeviationConfig struct {
	Enabled         bool    `mapstructure:"enabled"`
	Program         string  `mapstructure:"program"`
	ReferenceOracle string  `mapstructure:"reference_oracle"`
	MaxDeviationPct float64 `mapstructure:"max_deviation_pct"`
}

type HighFailureRateConfig struct {
	Enabled             bool    `mapstructure:"enabled"`
	Program             string  `mapstructure:"program"`
	WindowSeconds       int     `mapstructure:"window_seconds"`
	MinTransactionCount int     `mapstructure:"min_transaction_count"`
	MaxFailureRatePct   float64 `mapstructure:"max_failure_rate_pct"`
}

type AlertsConfig struct {
	Email    *EmailConfig    `mapstructure:"email"`
	Telegram *TelegramConfig `mapstructure:"telegram"`
	Slack    *SlackConfig    `mapstructure:"slack"`
	Discord  *DiscordConfig  `mapstructure:"discord"`
	Webhook  *WebhookConfig  `mapstructure:"webhook"`
	Console  *ConsoleConfig  `mapstructure:"console"`
	File     *FileConfig     `mapstructure:"file"`
}

type ChannelCommon struct {
	Template             string `mapstructure:"template"`
	MaxMessagesPerMinute int    `mapstructure:"max_messages_per_minute"`
	BurstSize            int    `mapstructure:"burst_size"`
}

type EmailConfig struct {
	ChannelCommon `mapstructure:",squash"`
	SMTPServer    string   `mapstructure:"smtp_server"`
	SMTPPort      int      `mapstructure:"smtp_port"`
	Username      string   `mapstructure:"username"`
	Password      string   `mapstructure:"password"`
	FromAddress   string   `mapstructure:"from_address"`
	FromName      string   `mapstructure:"from_name"`
	ToAddresses   []string `mapstructure:"to_addresses"`
	UseTLS        bool     `mapstructure:"use_tls"`
}

type TelegramConfig struct {
	ChannelCommon `mapstructure:",squash"`
	BotToken      string `mapstructure:"bot_token"`
	ChatID        string `mapstructure:"chat_id"`
}

type SlackConfig struct {
	ChannelCommon `mapstructure:",squash"`
	WebhookURL    string `mapstructure:"webhook_url"`
	Channel       string `mapstructure:"channel"`
	Username      string `mapstructure:"username"`
}

type DiscordConfig struct {
	ChannelCommon `mapstructure:",squash"`
	WebhookURL    string `mapstructure:"webhook_url"`
	Username      string `mapstructure:"username"`
}

type WebhookConfig struct {
	ChannelCommon `mapstructure:",squash"`
	URL           string            `mapstructure:"url"`
	Headers       map[string]string `mapstructure:"headers"`
}

type ConsoleConfig struct {
	ChannelCommon `mapstructure:",squash"`
}

type FileConfig struct {
	ChannelCommon `mapstructure:",squash"`
	Path          string `mapstructure:"path"`
	MaxSizeBytes  int64  `mapstructure:"max_size_bytes"`
	Compress      bool   `mapstructure:"compress"`
}

type RateLimitConfig struct {
	Enabled              bool `mapstructure:"enabled"`
	MaxMessagesPerMinute int  `mapstructure:"max_messages_per_minute"`
	BurstSize            int  `mapstructure:"burst_size"`
}

type GlobalConfig struct {
	MinSeverity         string        `mapstructure:"min_severity"`
	EnableBatching      bool          `mapstructure:"enable_batching"`
	BatchSize           int           `mapstructure:"batch_size"`
	BatchTimeoutSeconds int           `mapstructure:"batch_timeout_seconds"`
	Filters             []AlertFilter `mapstructure:"filters"`
}

// AlertFilter routes alerts to or away from channels. Include filters
// whitelist their channels for matching severities; exclude filters
// veto them.
type AlertFilter struct {
	Name       string   `mapstructure:"name"`
	Severities []string `mapstructure:"severities"`
	Channels   []string `mapstructure:"channels"`
	Include    bool     `mapstructure:"include"`
}

type EngineConfig struct {
	MaxHistoryEvents         int `mapstructure:"max_history_events"`
	MaxHistoryAgeSeconds     int `mapstructure:"max_history_age_seconds"`
	MaxConcurrentEvaluations int `mapstructure:"max_concurrent_evaluations"`
	RuleTimeoutSeconds       int `mapstructure:"rule_timeout_seconds"`
	ResolvedRetentionSeconds int `mapstructure:"resolved_retention_seconds"`
}

func (e EngineConfig) MaxHistoryAge() time.Duration {
	return time.Duration(e.MaxHistoryAgeSeconds) * time.Second
}

func (e EngineConfig) RuleTimeout() time.Duration {
	return time.Duration(e.RuleTimeoutSeconds) * time.Second
}

func (e EngineConfig) ResolvedRetention() time.Duration {
	return time.Duration(e.ResolvedRetentionSeconds) * time.Second
}

type MetricsConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	PrometheusPort int  `mapstructure:"prometheus_port"`
}

type StorageConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Path           string `mapstructure:"path"`
	MigrationsPath string `mapstructure:"migrations_path"`
	QueueSize      int    `mapstructure:"queue_size"`
}

type AuthConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	viper.SetConfigName("watchtower")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath("/etc/watchtower")

	viper.SetEnvPrefix("WATCHTOWER")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	for kind := range viper.GetStringMap("alerts") {
		switch kind {
		case "email", "telegram", "slack", "discord", "webhook", "console", "file":
		default:
			return nil, fmt.Errorf("alerts.%s is not a known channel kind", kind)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.mode", "release")

	viper.SetDefault("network.rpc_url", "https://api.mainnet-beta.solana.com")
	viper.SetDefault("network.ws_url", "wss://api.mainnet-beta.solana.com")
	viper.SetDefault("network.timeout_seconds", 30)
	viper.SetDefault("network.max_reconnect_attempts", 10)
	viper.SetDefault("network.reconnect_delay_seconds", 5)
	viper.SetDefault("network.event_buffer_size", 10000)

	viper.SetDefault("filters.include_failed", false)
	viper.SetDefault("filters.include_votes", false)
	viper.SetDefault("filters.max_transactions_per_notification", 10)
	viper.SetDefault("filters.commitment", "confirmed")

	viper.SetDefault("rules.liquidity_drop.threshold_pct", 10.0)
	viper.SetDefault("rules.liquidity_drop.window_sec", 300)
	viper.SetDefault("rules.liquidity_drop.min_liquidity", 1000000.0)
	viper.SetDefault("rules.large_transaction.amount_threshold", 500000)
	viper.SetDefault("rules.oracle_deviation.max_deviation_pct", 5.0)
	viper.SetDefault("rules.high_failure_rate.window_seconds", 300)
	viper.SetDefault("rules.high_failure_rate.min_transaction_count", 20)
	viper.SetDefault("rules.high_failure_rate.max_failure_rate_pct", 50.0)

	viper.SetDefault("rate_limiting.enabled", true)
	viper.SetDefault("rate_limiting.max_messages_per_minute", 10)
	viper.SetDefault("rate_limiting.burst_size", 5)

	viper.SetDefault("global.min_severity", "info")
	viper.SetDefault("global.enable_batching", false)
	viper.SetDefault("global.batch_size", 10)
	viper.SetDefault("global.batch_timeout_seconds", 60)

	viper.SetDefault("engine.max_history_events", 10000)
	viper.SetDefault("engine.max_history_age_seconds", 3600)
	viper.SetDefault("engine.max_concurrent_evaluations", 100)
	viper.SetDefault("engine.rule_timeout_seconds", 30)
	viper.SetDefault("engine.resolved_retention_seconds", 3600)

	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.prometheus_port", 9090)

	viper.SetDefault("storage.enabled", false)
	viper.SetDefault("storage.path", "./data/watchtower.db")
	viper.SetDefault("storage.migrations_path", "file://migrations")
	viper.SetDefault("storage.queue_size", 1024)

	viper.SetDefault("auth.enabled", false)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
}

// Validate rejects configurations that cannot run. Configuration
// problems are fatal at startup, never partial.
func (c *Config) Validate() error {
	if c.Network.WSURL == "" {
		return fmt.Errorf("network.ws_url is required")
	}
	if c.Network.EventBufferSize <= 0 {
		return fmt.Errorf("network.event_buffer_size must be positive")
	}
	for i, p := range c.Programs {
		if p.ID == "" {
			return fmt.Errorf("programs[%d].id is required", i)
		}
		if p.Name == "" {
			return fmt.Errorf("programs[%d].name is required", i)
		}
	}
	switch strings.ToLower(c.Global.MinSeverity) {
	case "info", "low", "medium", "high", "critical":
	default:
		return fmt.Errorf("global.min_severity %q is not a severity", c.Global.MinSeverity)
	}
	for _, f := range c.Global.Filters {
		if f.Name == "" {
			return fmt.Errorf("global.filters entries require a name")
		}
		for _, s := range f.Severities {
			switch strings.ToLower(s) {
			case "info", "low", "medium", "high", "critical":
			default:
				return fmt.Errorf("filter %q: unknown severity %q", f.Name, s)
			}
		}
	}
	if c.Engine.MaxConcurrentEvaluations <= 0 {
		return fmt.Errorf("engine.max_concurrent_evaluations must be positive")
	}
	if c.Engine.RuleTimeoutSeconds <= 0 {
		return fmt.Errorf("engine.rule_timeout_seconds must be positive")
	}
	if c.Engine.MaxHistoryEvents <= 0 {
		return fmt.Errorf("engine.max_history_events must be positive")
	}
	if c.RateLimiting.Enabled {
		if c.RateLimiting.MaxMessagesPerMinute <= 0 {
			return fmt.Errorf("rate_limiting.max_messages_per_minute must be positive")
		}
		if c.RateLimiting.BurstSize <= 0 {
			return fmt.Errorf("rate_limiting.burst_size must be positive")
		}
	}
	if c.Rules.LiquidityDrop.Enabled && c.Rules.LiquidityDrop.ThresholdPct <= 0 {
		return fmt.Errorf("rules.liquidity_drop.threshold_pct must be positive")
	}
	if c.Rules.LargeTransaction.Enabled && c.Rules.LargeTransaction.AmountThreshold == 0 {
		return fmt.Errorf("rules.large_transaction.amount_threshold must be positive")
	}
	if c.Rules.OracleDeviation.Enabled {
		if c.Rules.OracleDeviation.ReferenceOracle == "" {
			return fmt.Errorf("rules.oracle_deviation.reference_oracle is required")
		}
		if c.Rules.OracleDeviation.MaxDeviationPct <= 0 {
			return fmt.Errorf("rules.oracle_deviation.max_deviation_pct must be positive")
		}
	}
	if c.Rules.HighFailureRate.Enabled {
		if c.Rules.HighFailureRate.MinTransactionCount <= 0 {
			return fmt.Errorf("rules.high_failure_rate.min_transaction_count must be positive")
		}
		if c.Rules.HighFailureRate.MaxFailureRatePct <= 0 || c.Rules.HighFailureRate.MaxFailureRatePct > 100 {
			return fmt.Errorf("rules.high_failure_rate.max_failure_rate_pct must be in (0, 100]")
		}
	}
	if c.Auth.Enabled && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required when auth is enabled")
	}
	return nil
}

// ProgramNames maps program id to the configured display name.
func (c *Config) ProgramNames() map[string]string {
	names := make(map[string]string, len(c.Programs))
	for _, p := range c.Programs {
		names[p.ID] = p.Name
	}
	return names
}
