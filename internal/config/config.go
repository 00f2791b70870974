package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"reactive-guard/internal/logging"
)

const envPrefix = "REACTIVEGUARD"

// Config materialises application configuration.
type Config struct {
	App          AppConfig          `mapstructure:"app"`
	Logging      logging.Config     `mapstructure:"logging"`
	Chain        ChainConfig        `mapstructure:"chain"`
	Subscription SubscriptionConfig `mapstructure:"subscription"`
	Decoder      DecoderConfig      `mapstructure:"decoder"`
	Store        StoreConfig        `mapstructure:"store"`
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Alerting     AlertingConfig     `mapstructure:"alerting"`
	Retention    RetentionConfig    `mapstructure:"retention"`
	Export       ExportConfig       `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// ChainConfig covers the guardian contract and its RPC endpoint.
type ChainConfig struct {
	RPCURL          string        `mapstructure:"rpc_url"`
	WSURL           string        `mapstructure:"ws_url"`
	ContractAddress string        `mapstructure:"contract_address"`
	Mode            string        `mapstructure:"mode"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	GapFill         bool          `mapstructure:"gap_fill"`
	MaxBlockRange   uint64        `mapstructure:"max_block_range"`
}

// SubscriptionConfig governs recovery from subscription failures.
type SubscriptionConfig struct {
	Retry RetryConfig `mapstructure:"retry"`
}

// RetryConfig is a capped exponential backoff policy. MaxAttempts of zero
// retries forever.
type RetryConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
}

// DecoderConfig selects event dispatch.
type DecoderConfig struct {
	Dispatch string `mapstructure:"dispatch"`
}

// StoreConfig sizes the in-memory history and dedup window.
type StoreConfig struct {
	Capacity            int `mapstructure:"capacity"`
	BacklogLimit        int `mapstructure:"backlog_limit"`
	SubjectBacklogLimit int `mapstructure:"subject_backlog_limit"`
	DedupWindow         int `mapstructure:"dedup_window"`
}

// ServerConfig describes the observer transport.
type ServerConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	SendBuffer     int           `mapstructure:"send_buffer"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	PingInterval   time.Duration `mapstructure:"ping_interval"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig encapsulates PostgreSQL connectivity. An empty DSN disables
// the archive.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// Enabled reports whether an archive is configured.
func (d DatabaseConfig) Enabled() bool { return strings.TrimSpace(d.DSN) != "" }

// AlertingConfig defines notifier routing.
type AlertingConfig struct {
	Enabled   bool           `mapstructure:"enabled"`
	MinKind   string         `mapstructure:"min_kind"`
	QueueSize int            `mapstructure:"queue_size"`
	Channels  []string       `mapstructure:"channels"`
	Telegram  TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// RetentionConfig prunes the archive.
type RetentionConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Interval        time.Duration `mapstructure:"interval"`
	MaxAge          time.Duration `mapstructure:"max_age"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// legacyEnv maps the variable names used by existing deployments onto keys.
var legacyEnv = map[string]string{
	"chain.contract_address": "GUARDIAN_ADDRESS",
	"chain.rpc_url":          "SOMNIA_TESTNET_RPC",
	"server.port":            "SUBSCRIBER_PORT",
	"server.allowed_origins": "FRONTEND_URL",
}

// Load builds configuration from .env, file, environment, and defaults.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, legacy := range legacyEnv {
		prefixed := envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, legacy); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.Chain.WSURL == "" {
		cfg.Chain.WSURL = DeriveWSURL(cfg.Chain.RPCURL)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "reactiveguard")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("chain.rpc_url", "https://dream-rpc.somnia.network/")
	v.SetDefault("chain.ws_url", "")
	v.SetDefault("chain.contract_address", "")
	v.SetDefault("chain.mode", "subscribe")
	v.SetDefault("chain.poll_interval", "2s")
	v.SetDefault("chain.request_timeout", "10s")
	v.SetDefault("chain.gap_fill", true)
	v.SetDefault("chain.max_block_range", uint64(5000))

	v.SetDefault("subscription.retry.enabled", true)
	v.SetDefault("subscription.retry.initial_backoff", "1s")
	v.SetDefault("subscription.retry.max_backoff", "1m")
	v.SetDefault("subscription.retry.max_attempts", 0)

	v.SetDefault("decoder.dispatch", "auto")

	v.SetDefault("store.capacity", 100)
	v.SetDefault("store.backlog_limit", 20)
	v.SetDefault("store.subject_backlog_limit", 0)
	v.SetDefault("store.dedup_window", 4096)

	v.SetDefault("server.host", "")
	v.SetDefault("server.port", 3001)
	v.SetDefault("server.allowed_origins", []string{"http://localhost:3000", "http://localhost:3001"})
	v.SetDefault("server.send_buffer", 64)
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.ping_interval", "30s")

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.min_kind", "critical")
	v.SetDefault("alerting.queue_size", 64)
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.bot_token", "")
	v.SetDefault("alerting.telegram.chat_id", "")
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("retention.enabled", false)
	v.SetDefault("retention.interval", "1h")
	v.SetDefault("retention.max_age", "720h")
	v.SetDefault("retention.advisory_lock_key", int64(0x72677264))

	v.SetDefault("export.max_data_points", 100000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// DeriveWSURL maps an http(s) RPC endpoint to its ws(s) counterpart.
func DeriveWSURL(rpcURL string) string {
	u, err := url.Parse(rpcURL)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
	default:
		return ""
	}
	return u.String()
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	switch c.Chain.Mode {
	case "subscribe", "poll":
	default:
		return fmt.Errorf("chain.mode must be subscribe or poll, got %q", c.Chain.Mode)
	}
	if c.Chain.ContractAddress != "" && !common.IsHexAddress(c.Chain.ContractAddress) {
		return fmt.Errorf("chain.contract_address %q is not a hex address", c.Chain.ContractAddress)
	}
	if c.Chain.Mode == "poll" && c.Chain.PollInterval <= 0 {
		return fmt.Errorf("chain.poll_interval must be greater than zero")
	}
	if c.Chain.MaxBlockRange == 0 {
		return fmt.Errorf("chain.max_block_range must be greater than zero")
	}
	if c.Subscription.Retry.Enabled {
		r := c.Subscription.Retry
		if r.InitialBackoff <= 0 || r.MaxBackoff < r.InitialBackoff {
			return fmt.Errorf("subscription.retry backoff must satisfy 0 < initial_backoff <= max_backoff")
		}
		if r.MaxAttempts < 0 {
			return fmt.Errorf("subscription.retry.max_attempts cannot be negative")
		}
	}
	switch c.Decoder.Dispatch {
	case "auto", "signature", "length":
	default:
		return fmt.Errorf("decoder.dispatch must be auto, signature or length, got %q", c.Decoder.Dispatch)
	}
	if c.Store.Capacity <= 0 {
		return fmt.Errorf("store.capacity must be greater than zero")
	}
	if c.Store.BacklogLimit <= 0 || c.Store.BacklogLimit > c.Store.Capacity {
		return fmt.Errorf("store.backlog_limit must be within 1..store.capacity")
	}
	if c.Store.SubjectBacklogLimit < 0 {
		return fmt.Errorf("store.subject_backlog_limit cannot be negative")
	}
	if c.Store.DedupWindow <= 0 {
		return fmt.Errorf("store.dedup_window must be greater than zero")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Server.SendBuffer <= 0 {
		return fmt.Errorf("server.send_buffer must be greater than zero")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Alerting.Enabled {
		switch strings.ToLower(c.Alerting.MinKind) {
		case "safe", "warning", "critical":
		default:
			return fmt.Errorf("alerting.min_kind must be safe, warning or critical, got %q", c.Alerting.MinKind)
		}
		if c.Alerting.QueueSize <= 0 {
			return fmt.Errorf("alerting.queue_size must be greater than zero")
		}
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	if c.Retention.Enabled {
		if !c.Database.Enabled() {
			return fmt.Errorf("retention requires database.dsn")
		}
		if c.Retention.Interval <= 0 || c.Retention.MaxAge <= 0 {
			return fmt.Errorf("retention.interval and retention.max_age must be greater than zero")
		}
	}
	return nil
}

// RequireContract reports an error when no guardian contract is configured.
// Commands that read chain logs call it; offline commands do not.
func (c *Config) RequireContract() (common.Address, error) {
	if c.Chain.ContractAddress == "" {
		return common.Address{}, fmt.Errorf("chain.contract_address 必须配置 (or set GUARDIAN_ADDRESS)")
	}
	return common.HexToAddress(c.Chain.ContractAddress), nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
